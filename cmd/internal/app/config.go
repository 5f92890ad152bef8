package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"easel/cmd/internal/canvas"
	"easel/cmd/internal/realtime"
)

// Store drivers accepted by EASEL_STORE_DRIVER.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreBolt     = "bolt"
	StoreRedis    = "redis"
	StoreHTTP     = "http"
)

const maxCanvasSide = 8192

// Session directories accepted by EASEL_SESSION_DIRECTORY.
const (
	DirectoryOpen     = "open"
	DirectoryPostgres = "postgres"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	MaxHeaderBytes    int

	// StoreDriver selects the snapshot store backend.
	StoreDriver string
	SQLitePath  string
	BoltPath    string

	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string

	// StoreURL and StoreToken point the http driver at another node's store API.
	StoreURL   string
	StoreToken string

	DatabaseURL       string
	DBSchema          string
	DBMaxConns        int32
	DBMinConns        int32
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration
	DBConnectTimeout  time.Duration
	DBMigrate         bool

	// SessionDirectory decides which session ids may be joined.
	SessionDirectory string

	// ServeStoreAPI mounts the snapshot store HTTP API on the main mux.
	ServeStoreAPI bool

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	CanvasWidth       int
	CanvasHeight      int
	InboxSize         int
	PendingBufferMax  int
	CatchUpTimeout    time.Duration
	MaxStrokeSegments int
	MaxMessageChars   int

	WSDevInsecure       bool
	WSOriginRequired    bool
	WSAllowedOrigins    []string
	WSSendQueueSize     int
	WSWriteTimeout      time.Duration
	WSReadIdleTimeout   time.Duration
	WSHeartbeatEvery    time.Duration
	WSHeartbeatTimeout  time.Duration
	WSRateEvents        int
	WSRateWindow        time.Duration
	WSRequireAuth       bool
	JWTIssuer           string
	JWTAudience         string
	PersistCanvasRetry  uint64
	PersistLoadRetry    uint64
	PersistRetryBase    time.Duration
	PersistRetryCap     time.Duration
	PersistOpTimeout    time.Duration
	PersistHistoryPage  int
	PersistDrainTimeout time.Duration

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	gw := realtime.DefaultGatewayConfig()

	return Config{
		HTTPAddr:  EnvString("EASEL_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("EASEL_LOG_LEVEL", "info"),
		LogFormat: EnvString("EASEL_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("EASEL_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("EASEL_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("EASEL_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("EASEL_HTTP_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:   EnvDuration("EASEL_SHUTDOWN_TIMEOUT", 10*time.Second),

		MaxHeaderBytes: EnvInt("EASEL_HTTP_MAX_HEADER_BYTES", 1<<20),

		StoreDriver: strings.ToLower(EnvString("EASEL_STORE_DRIVER", StoreMemory)),
		SQLitePath:  EnvString("EASEL_SQLITE_PATH", "easel.db"),
		BoltPath:    EnvString("EASEL_BOLT_PATH", "easel.bolt"),

		RedisAddr:      EnvString("EASEL_REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:  EnvString("EASEL_REDIS_PASSWORD", ""),
		RedisDB:        EnvIntAllowZero("EASEL_REDIS_DB", 0),
		RedisKeyPrefix: EnvString("EASEL_REDIS_PREFIX", ""),

		StoreURL:   EnvString("EASEL_STORE_URL", ""),
		StoreToken: EnvString("EASEL_STORE_TOKEN", ""),

		DatabaseURL:       EnvString("EASEL_DATABASE_URL", ""),
		DBSchema:          EnvString("EASEL_DB_SCHEMA", ""),
		DBMaxConns:        EnvInt32("EASEL_DB_MAX_CONNS", 10),
		DBMinConns:        EnvInt32("EASEL_DB_MIN_CONNS", 0),
		DBConnMaxLifetime: EnvDuration("EASEL_DB_CONN_MAX_LIFETIME", time.Hour),
		DBConnMaxIdleTime: EnvDuration("EASEL_DB_CONN_MAX_IDLE", 10*time.Minute),
		DBConnectTimeout:  EnvDuration("EASEL_DB_CONNECT_TIMEOUT", 3*time.Second),
		DBMigrate:         EnvBool("EASEL_DB_MIGRATE", true),

		SessionDirectory: strings.ToLower(EnvString("EASEL_SESSION_DIRECTORY", DirectoryOpen)),
		ServeStoreAPI:    EnvBool("EASEL_SERVE_STORE_API", false),

		ReadinessRequireDB: EnvBool("EASEL_READINESS_REQUIRE_DB", false),

		CanvasWidth:       EnvInt("EASEL_CANVAS_WIDTH", canvas.DefaultWidth),
		CanvasHeight:      EnvInt("EASEL_CANVAS_HEIGHT", canvas.DefaultHeight),
		InboxSize:         EnvInt("EASEL_RELAY_INBOX", 0),
		PendingBufferMax:  EnvInt("EASEL_RELAY_PENDING_MAX", 0),
		CatchUpTimeout:    EnvDuration("EASEL_CATCHUP_TIMEOUT", 0),
		MaxStrokeSegments: EnvInt("EASEL_MAX_STROKE_SEGMENTS", 0),
		MaxMessageChars:   EnvInt("EASEL_MAX_MESSAGE_CHARS", 0),

		WSDevInsecure:      EnvBool("EASEL_WS_DEV_INSECURE", false),
		WSOriginRequired:   EnvBool("EASEL_WS_ORIGIN_REQUIRED", gw.OriginRequired),
		WSAllowedOrigins:   EnvCSV("EASEL_WS_ALLOWED_ORIGINS", gw.AllowedOrigins),
		WSSendQueueSize:    EnvInt("EASEL_WS_SEND_QUEUE", gw.SendQueueSize),
		WSWriteTimeout:     EnvDuration("EASEL_WS_WRITE_TIMEOUT", gw.WriteTimeout),
		WSReadIdleTimeout:  EnvDuration("EASEL_WS_READ_IDLE_TIMEOUT", gw.ReadIdleTimeout),
		WSHeartbeatEvery:   EnvDuration("EASEL_WS_HEARTBEAT_EVERY", gw.HeartbeatEvery),
		WSHeartbeatTimeout: EnvDuration("EASEL_WS_HEARTBEAT_TIMEOUT", gw.HeartbeatTimeout),
		WSRateEvents:       EnvInt("EASEL_WS_RATE_EVENTS", gw.RateEvents),
		WSRateWindow:       EnvDuration("EASEL_WS_RATE_WINDOW", gw.RateWindow),
		WSRequireAuth:      EnvBool("EASEL_WS_REQUIRE_AUTH", false),
		JWTIssuer:          EnvString("EASEL_JWT_ISSUER", ""),
		JWTAudience:        EnvString("EASEL_JWT_AUDIENCE", ""),

		PersistCanvasRetry:  uint64(EnvInt("EASEL_PERSIST_CANVAS_RETRIES", 0)),
		PersistLoadRetry:    uint64(EnvInt("EASEL_PERSIST_LOAD_RETRIES", 0)),
		PersistRetryBase:    EnvDuration("EASEL_PERSIST_RETRY_BASE", 0),
		PersistRetryCap:     EnvDuration("EASEL_PERSIST_RETRY_CAP", 0),
		PersistOpTimeout:    EnvDuration("EASEL_PERSIST_OP_TIMEOUT", 0),
		PersistHistoryPage:  EnvInt("EASEL_HISTORY_PAGE_SIZE", 0),
		PersistDrainTimeout: EnvDuration("EASEL_PERSIST_DRAIN_TIMEOUT", 10*time.Second),

		CORSAllowedOrigins:   EnvCSV("EASEL_CORS_ALLOWED_ORIGINS", nil),
		CORSAllowCredentials: EnvBool("EASEL_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("EASEL_CORS_MAX_AGE_SECONDS", 600),
	}
}

// Validate rejects combinations that cannot start.
func (c Config) Validate() error {
	var errs []error

	switch c.StoreDriver {
	case StoreMemory, StoreSQLite, StoreBolt, StoreRedis:
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("EASEL_STORE_DRIVER=postgres requires EASEL_DATABASE_URL"))
		}
	case StoreHTTP:
		if c.StoreURL == "" {
			errs = append(errs, errors.New("EASEL_STORE_DRIVER=http requires EASEL_STORE_URL"))
		}
		if c.ServeStoreAPI {
			errs = append(errs, errors.New("EASEL_SERVE_STORE_API cannot proxy a remote http store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown EASEL_STORE_DRIVER %q", c.StoreDriver))
	}

	switch c.SessionDirectory {
	case DirectoryOpen:
	case DirectoryPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("EASEL_SESSION_DIRECTORY=postgres requires EASEL_DATABASE_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown EASEL_SESSION_DIRECTORY %q", c.SessionDirectory))
	}

	switch strings.ToLower(c.LogFormat) {
	case "json", "pretty":
	default:
		errs = append(errs, fmt.Errorf("unknown EASEL_LOG_FORMAT %q", c.LogFormat))
	}

	if c.CanvasWidth > maxCanvasSide || c.CanvasHeight > maxCanvasSide {
		errs = append(errs, fmt.Errorf("canvas larger than %dpx per side", maxCanvasSide))
	}

	return errors.Join(errs...)
}

// usesDB reports whether the Postgres pool is opened at startup.
func (c Config) usesDB() bool {
	return c.DatabaseURL != ""
}

func (c Config) relayConfig() realtime.RelayConfig {
	return realtime.RelayConfig{
		CanvasWidth:       c.CanvasWidth,
		CanvasHeight:      c.CanvasHeight,
		InboxSize:         c.InboxSize,
		PendingBufferMax:  c.PendingBufferMax,
		CatchUpTimeout:    c.CatchUpTimeout,
		MaxStrokeSegments: c.MaxStrokeSegments,
		MaxMessageChars:   c.MaxMessageChars,
	}
}

func (c Config) gatewayConfig() realtime.GatewayConfig {
	return realtime.GatewayConfig{
		DevInsecure:      c.WSDevInsecure,
		OriginRequired:   c.WSOriginRequired,
		AllowedOrigins:   c.WSAllowedOrigins,
		WriteTimeout:     c.WSWriteTimeout,
		ReadIdleTimeout:  c.WSReadIdleTimeout,
		SendQueueSize:    c.WSSendQueueSize,
		HeartbeatEvery:   c.WSHeartbeatEvery,
		HeartbeatTimeout: c.WSHeartbeatTimeout,
		RateEvents:       c.WSRateEvents,
		RateWindow:       c.WSRateWindow,
		RequireAuth:      c.WSRequireAuth,
	}
}
