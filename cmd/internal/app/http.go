package app

import (
	"context"
	"net/http"
	"time"

	"easel/cmd/internal/snapshot"
	"easel/cmd/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
)

type httpDeps struct {
	log      Logger
	cfg      Config
	store    snapshot.Store
	storeAPI *snapshot.Handler
	dbPool   *pgxpool.Pool
	metrics  *telemetry.Metrics
	ws       http.Handler
}

func registerHTTP(mux *http.ServeMux, d httpDeps) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if d.cfg.ReadinessRequireDB && d.dbPool == nil {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if d.dbPool != nil {
			if err := PingDB(r.Context(), d.dbPool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				d.log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		if d.store != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := d.store.Ping(ctx); err != nil {
				http.Error(w, "store not ready", http.StatusServiceUnavailable)
				d.log.Info("readyz.store.not_ready", "driver", d.cfg.StoreDriver, "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if d.metrics != nil {
		mux.Handle("GET /metrics", d.metrics.Handler())
	}

	if d.storeAPI != nil {
		api := http.NewServeMux()
		d.storeAPI.Register(api)
		mux.Handle("/sessions/", WithBearerToken(api, d.cfg.StoreToken, d.log))
	}

	if d.ws != nil {
		mux.Handle("/ws", d.ws)
	}
}
