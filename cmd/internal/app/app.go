// Package app wires the easel server runtime: config, logging, the snapshot
// store, the relay and its persister, and the HTTP routes in front of them.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"easel/cmd/internal/persist"
	"easel/cmd/internal/realtime"
	"easel/cmd/internal/snapshot"
	"easel/cmd/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

// App is the easel server runtime: it owns the store, the relay loop, the
// persister workers and the HTTP server.
type App struct {
	cfg Config
	log Logger

	store   snapshot.Store
	dbPool  *pgxpool.Pool
	metrics *telemetry.Metrics

	persister *persist.Persister
	relay     *realtime.Relay
	ws        *realtime.WSGateway
	storeAPI  *snapshot.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	a := &App{
		cfg:     cfg,
		log:     log,
		metrics: telemetry.New(),
	}
	ok := false
	defer func() {
		if !ok {
			a.closeResources()
		}
	}()

	if cfg.usesDB() {
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("db pool: %w", err)
		}
		a.dbPool = pool
		if cfg.DBMigrate {
			if err := snapshot.MigratePostgres(ctx, pool); err != nil {
				return nil, fmt.Errorf("db migrate: %w", err)
			}
		}
		log.Info("db.enabled", "max_conns", cfg.DBMaxConns, "migrate", cfg.DBMigrate)
	}

	store, err := newStore(ctx, cfg, a.dbPool)
	if err != nil {
		return nil, fmt.Errorf("store %s: %w", cfg.StoreDriver, err)
	}
	a.store = store
	log.Info("store.ready", "driver", cfg.StoreDriver)

	directory, err := newDirectory(cfg, a.dbPool)
	if err != nil {
		return nil, fmt.Errorf("session directory: %w", err)
	}

	a.persister = persist.New(log, store, persist.Config{
		CanvasMaxRetries: cfg.PersistCanvasRetry,
		RetryBase:        cfg.PersistRetryBase,
		RetryCap:         cfg.PersistRetryCap,
		OpTimeout:        cfg.PersistOpTimeout,
		HistoryPageSize:  cfg.PersistHistoryPage,
		LoadRetries:      cfg.PersistLoadRetry,
	}, a.metrics)

	a.relay = realtime.NewRelay(log, a.persister, directory, cfg.relayConfig(), realtime.WithMetrics(a.metrics))

	verifier, err := newVerifier(cfg)
	if err != nil {
		return nil, fmt.Errorf("token verifier: %w", err)
	}
	var tv realtime.TokenVerifier
	if verifier != nil {
		tv = verifier
	}
	a.ws, err = realtime.NewWSGateway(log, a.relay, tv, cfg.gatewayConfig())
	if err != nil {
		return nil, err
	}

	if cfg.ServeStoreAPI {
		if cfg.StoreToken == "" {
			log.Warn("store.api.unauthenticated", "hint", "set EASEL_STORE_TOKEN")
		}
		a.storeAPI = snapshot.NewHandler(log, store)
	}

	ok = true
	return a, nil
}

// Handler returns the full HTTP stack.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, httpDeps{
		log:      a.log,
		cfg:      a.cfg,
		store:    a.store,
		storeAPI: a.storeAPI,
		dbPool:   a.dbPool,
		metrics:  a.metrics,
		ws:       a.ws,
	})

	var h http.Handler = mux
	h = WithCORS(h, a.cfg, a.log)
	h = WithSecurityHeaders(h)
	return WithRequestLogging(h, a.log, a.metrics)
}

// Run starts the relay, the persister and the HTTP server and blocks until ctx
// is canceled or one of them fails. The persister drains only after the relay
// loop has stopped handing it work.
func (a *App) Run(ctx context.Context) error {
	defer a.closeResources()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	ln, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.HTTPAddr, err)
	}
	base := runtimeBaseURL(ln.Addr().String())

	g, gctx := errgroup.WithContext(ctx)

	relayStopped, markRelayStopped := context.WithCancel(context.Background())
	defer markRelayStopped()

	g.Go(func() error {
		defer markRelayStopped()
		return a.relay.Run(gctx)
	})

	g.Go(func() error {
		return a.persister.Run(relayStopped, nonZeroDuration(a.cfg.PersistDrainTimeout, 10*time.Second))
	})

	g.Go(func() error {
		a.log.Info("server.start",
			"addr", ln.Addr().String(),
			"http", base,
			"ws", wsBaseURL(base)+"/ws",
			"store", a.cfg.StoreDriver,
			"directory", a.cfg.SessionDirectory,
			"db_enabled", a.dbPool != nil,
		)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err = g.Wait()
	a.log.Info("server.stopped")
	return err
}

func (a *App) closeResources() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
		a.store = nil
	}
	if a.dbPool != nil {
		a.dbPool.Close()
		a.dbPool = nil
	}
}

// newStore opens the snapshot store selected by cfg.StoreDriver.
// The Postgres store borrows pool; the app closes it.
func newStore(ctx context.Context, cfg Config, pool *pgxpool.Pool) (snapshot.Store, error) {
	switch cfg.StoreDriver {
	case StoreMemory:
		return snapshot.NewMemoryStore(), nil
	case StorePostgres:
		var opts []snapshot.PostgresOption
		if cfg.DBSchema != "" {
			opts = append(opts, snapshot.WithSchema(cfg.DBSchema))
		}
		return snapshot.NewPostgresStore(pool, opts...)
	case StoreSQLite:
		return snapshot.NewSQLiteStore(ctx, cfg.SQLitePath)
	case StoreBolt:
		return snapshot.NewBoltStore(cfg.BoltPath)
	case StoreRedis:
		var opts []snapshot.RedisOption
		if cfg.RedisKeyPrefix != "" {
			opts = append(opts, snapshot.WithKeyPrefix(cfg.RedisKeyPrefix))
		}
		return snapshot.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, opts...)
	case StoreHTTP:
		var opts []snapshot.HTTPOption
		if cfg.StoreToken != "" {
			opts = append(opts, snapshot.WithBearerToken(cfg.StoreToken))
		}
		return snapshot.NewHTTPStore(cfg.StoreURL, opts...)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func newDirectory(cfg Config, pool *pgxpool.Pool) (realtime.Directory, error) {
	if cfg.SessionDirectory != DirectoryPostgres {
		return realtime.OpenDirectory{}, nil
	}
	var opts []realtime.DirectoryOption
	if cfg.DBSchema != "" {
		opts = append(opts, realtime.WithDirectorySchema(cfg.DBSchema))
	}
	return realtime.NewPostgresDirectory(pool, opts...)
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
// Wildcard binds map to 127.0.0.1.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
