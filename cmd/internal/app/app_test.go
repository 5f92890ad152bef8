package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"easel/cmd/internal/snapshot"
	"easel/cmd/security/token"
	v1 "easel/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

func TestRuntimeBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "explicit localhost", in: "127.0.0.1:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v4", in: "0.0.0.0:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v6", in: "[::]:9090", want: "http://127.0.0.1:9090"},
		{name: "ipv6 host", in: "[2001:db8::1]:9090", want: "http://[2001:db8::1]:9090"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := runtimeBaseURL(tc.in)
			if got != tc.want {
				t.Fatalf("runtimeBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
			}
		})
	}
}

func TestWSBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "http://127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
		{in: "https://easel.example.com", want: "wss://easel.example.com"},
		{in: "127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
	}

	for _, tc := range cases {
		got := wsBaseURL(tc.in)
		if got != tc.want {
			t.Fatalf("wsBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func testConfig() Config {
	return Config{
		HTTPAddr:            "127.0.0.1:0",
		LogLevel:            "debug",
		LogFormat:           "json",
		StoreDriver:         StoreMemory,
		SessionDirectory:    DirectoryOpen,
		ServeStoreAPI:       true,
		StoreToken:          "store-token",
		CanvasWidth:         64,
		CanvasHeight:        48,
		WSDevInsecure:       true,
		PersistRetryBase:    time.Millisecond,
		PersistRetryCap:     5 * time.Millisecond,
		PersistDrainTimeout: time.Second,
	}
}

func newTestApp(t *testing.T, cfg Config) *App {
	t.Helper()
	t.Setenv(token.SecretEnvKey, "")

	a, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.closeResources)
	return a
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults ok", mutate: func(*Config) {}},
		{name: "unknown driver", mutate: func(c *Config) { c.StoreDriver = "mongo" }, wantErr: "EASEL_STORE_DRIVER"},
		{name: "postgres needs dsn", mutate: func(c *Config) { c.StoreDriver = StorePostgres }, wantErr: "EASEL_DATABASE_URL"},
		{name: "http needs url", mutate: func(c *Config) { c.StoreDriver = StoreHTTP; c.ServeStoreAPI = false }, wantErr: "EASEL_STORE_URL"},
		{name: "directory needs dsn", mutate: func(c *Config) { c.SessionDirectory = DirectoryPostgres }, wantErr: "EASEL_DATABASE_URL"},
		{name: "bad log format", mutate: func(c *Config) { c.LogFormat = "xml" }, wantErr: "EASEL_LOG_FORMAT"},
		{name: "huge canvas", mutate: func(c *Config) { c.CanvasWidth = maxCanvasSide + 1 }, wantErr: "canvas"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate()=%v want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Validate()=%v want error mentioning %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("EASEL_STORE_DRIVER", "SQLite")
	t.Setenv("EASEL_WS_ALLOWED_ORIGINS", " https://a.example.com , ,https://b.example.com")
	t.Setenv("EASEL_CANVAS_WIDTH", "800")
	t.Setenv("EASEL_REDIS_DB", "0")
	t.Setenv("EASEL_CATCHUP_TIMEOUT", "750ms")

	cfg := LoadConfig()
	if cfg.StoreDriver != StoreSQLite {
		t.Fatalf("StoreDriver=%q", cfg.StoreDriver)
	}
	if len(cfg.WSAllowedOrigins) != 2 || cfg.WSAllowedOrigins[1] != "https://b.example.com" {
		t.Fatalf("WSAllowedOrigins=%v", cfg.WSAllowedOrigins)
	}
	if cfg.CanvasWidth != 800 || cfg.RedisDB != 0 || cfg.CatchUpTimeout != 750*time.Millisecond {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestLoadDotEnv_DoesNotOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("EASEL_TEST_DOTENV_A=file\nEASEL_TEST_DOTENV_B=file\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("EASEL_TEST_DOTENV_A", "process")
	t.Setenv("EASEL_TEST_DOTENV_B", "")
	if err := os.Unsetenv("EASEL_TEST_DOTENV_B"); err != nil {
		t.Fatalf("unset: %v", err)
	}

	if err := LoadDotEnv(path, filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("EASEL_TEST_DOTENV_A"); got != "process" {
		t.Fatalf("A=%q want process", got)
	}
	if got := os.Getenv("EASEL_TEST_DOTENV_B"); got != "file" {
		t.Fatalf("B=%q want file", got)
	}
}

func TestNew_RequireAuthNeedsSecret(t *testing.T) {
	t.Setenv(token.SecretEnvKey, "")

	cfg := testConfig()
	cfg.WSDevInsecure = false
	cfg.WSRequireAuth = true

	_, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err == nil || !strings.Contains(err.Error(), token.SecretEnvKey) {
		t.Fatalf("New()=%v want missing secret error", err)
	}
}

func TestApp_OperationalRoutes(t *testing.T) {
	a := newTestApp(t, testConfig())
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		res, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		body, _ := io.ReadAll(res.Body)
		_ = res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status=%d body=%q", path, res.StatusCode, body)
		}
		if res.Header.Get("X-Content-Type-Options") != "nosniff" {
			t.Fatalf("GET %s missing security headers", path)
		}
		if path == "/metrics" && !strings.Contains(string(body), "easel_relay_connections") {
			t.Fatalf("metrics missing relay gauge")
		}
	}
}

func TestApp_StoreAPIRequiresToken(t *testing.T) {
	a := newTestApp(t, testConfig())
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	res, err := http.Get(srv.URL + "/sessions/s1/messages")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	_ = res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status=%d want 401", res.StatusCode)
	}

	msgs := listMessages(t, srv.URL, "s1", "store-token")
	if len(msgs) != 0 {
		t.Fatalf("expected empty log, got %v", msgs)
	}
}

// TestApp_ChatReachesStore drives one socket through the full stack and reads
// the persisted line back through the store API.
func TestApp_ChatReachesStore(t *testing.T) {
	a := newTestApp(t, testConfig())
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	relayDone := make(chan struct{})
	persistDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		_ = a.relay.Run(ctx)
	}()
	go func() {
		defer close(persistDone)
		_ = a.persister.Run(ctx, time.Second)
	}()
	t.Cleanup(func() {
		cancel()
		<-relayDone
		<-persistDone
	})

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dialCancel()
	conn, _, err := websocket.Dial(dialCtx, u, &websocket.DialOptions{Subprotocols: []string{v1.Subprotocol}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })

	send := func(typ string, payload any) {
		t.Helper()
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		b, err := json.Marshal(v1.Envelope{V: v1.Version, Type: typ, Payload: raw})
		if err != nil {
			t.Fatalf("marshal envelope: %v", err)
		}
		wctx, wcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer wcancel()
		if err := conn.Write(wctx, websocket.MessageText, b); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	await := func(typ string) v1.Envelope {
		t.Helper()
		for i := 0; i < 8; i++ {
			rctx, rcancel := context.WithTimeout(context.Background(), 5*time.Second)
			_, b, err := conn.Read(rctx)
			rcancel()
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			var env v1.Envelope
			if err := json.Unmarshal(b, &env); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if env.Type == typ {
				return env
			}
		}
		t.Fatalf("no %s envelope", typ)
		return v1.Envelope{}
	}

	send(v1.TypeHello, v1.HelloPayload{DisplayName: "Ada"})
	await(v1.TypeHelloAck)
	send(v1.TypeJoinRoom, v1.JoinRoomPayload{SessionID: "s1"})
	await(v1.TypeChatHistory)
	send(v1.TypeChatMessage, v1.ChatMessagePayload{SessionID: "s1", Text: "hello board"})
	await(v1.TypeChatMessage)

	deadline := time.Now().Add(3 * time.Second)
	for {
		msgs := listMessages(t, srv.URL, "s1", "store-token")
		if len(msgs) == 1 {
			if msgs[0].Text != "hello board" || msgs[0].SenderDisplayName != "Ada" {
				t.Fatalf("unexpected stored message: %+v", msgs[0])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("message not persisted, got %v", msgs)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func listMessages(t *testing.T, baseURL, sessionID, bearer string) []snapshot.Message {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, baseURL+"/sessions/"+sessionID+"/messages", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list messages status=%d", res.StatusCode)
	}
	var out struct {
		Messages []snapshot.Message `json:"messages"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out.Messages
}
