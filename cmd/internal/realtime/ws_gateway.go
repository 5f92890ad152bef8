package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"easel/cmd/security/token"
	v1 "easel/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	wsDefaultSendQueueSize = 1024
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// DefaultAllowedOrigins is the origin allowlist used when none is configured.
var DefaultAllowedOrigins = strings.Split(wsDefaultAllowedOrigins, ",")

// TokenVerifier validates bearer tokens presented at upgrade or in hello.
type TokenVerifier interface {
	Verify(raw string) (token.Identity, error)
}

// GatewayConfig tunes the WebSocket gateway. Zero values take defaults.
type GatewayConfig struct {
	// DevInsecure skips the websocket origin verification. Dev only.
	DevInsecure    bool
	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout time.Duration
	// ReadIdleTimeout closes a connection that shows no sign of life for this
	// long. Inbound frames and answered pings both count, so a quiet viewer
	// whose pings succeed stays connected.
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration

	// RequireAuth rejects upgrades without a valid bearer token.
	RequireAuth bool
}

// DefaultGatewayConfig returns the secure defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:   wsDefaultOriginRequired,
		AllowedOrigins:   append([]string(nil), DefaultAllowedOrigins...),
		WriteTimeout:     wsDefaultWriteTimeout,
		ReadIdleTimeout:  wsDefaultReadIdle,
		SendQueueSize:    wsDefaultSendQueueSize,
		HeartbeatEvery:   heartbeatInterval,
		HeartbeatTimeout: heartbeatTimeout,
		RateEvents:       rateLimitEvents,
		RateWindow:       rateLimitWindow,
	}
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = wsDefaultWriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = wsDefaultReadIdle
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = wsDefaultSendQueueSize
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = heartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = heartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = rateLimitEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = rateLimitWindow
	}
	return c
}

// WSGateway is the WebSocket entrypoint for easel realtime.
//
// It enforces origin policy, subprotocol selection, authentication, rate limits
// and heartbeats, and hands validated envelopes to the Relay.
type WSGateway struct {
	log      *slog.Logger
	relay    *Relay
	verifier TokenVerifier
	cfg      GatewayConfig

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string
}

// NewWSGateway constructs a gateway in front of relay. verifier may be nil when
// RequireAuth is false; hello tokens are then ignored.
func NewWSGateway(log *slog.Logger, relay *Relay, verifier TokenVerifier, cfg GatewayConfig) (*WSGateway, error) {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if relay == nil {
		return nil, errors.New("realtime: nil relay")
	}
	cfg = cfg.withDefaults()
	if cfg.RequireAuth && verifier == nil {
		return nil, errors.New("realtime: auth required but no token verifier configured")
	}

	return &WSGateway{
		log:      log,
		relay:    relay,
		verifier: verifier,
		cfg:      cfg,

		// websocket.Accept enforces its own origin policy:
		// - same-host is ok
		// - cross-origin requires OriginPatterns (host patterns)
		// We derive these patterns from allowed origins so the two layers agree.
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
	}, nil
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket connection and runs its reader,
// writer and heartbeat until either side goes away.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	ident, err := g.authenticate(r)
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	connID, err := NewConnectionID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}
	client := NewConn(connID, ident.UserID, ident.DisplayName, g.cfg.SendQueueSize)

	if !g.relay.Connect(client) {
		client.Close(ReasonRelayUnavailable)
		_ = conn.Close(websocket.StatusTryAgainLater, "relay unavailable")
		return
	}
	g.log.Info("ws.open", "conn_id", connID, "user_id", ident.UserID, "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. The relay forgets the connection before the
	// socket closes, so peers observe userLeft exactly once.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.relay.Disconnect(client)
			client.Close(ReasonClosed)
			_ = conn.Close(code, reason)
			cancel()
			g.log.Info("ws.close", "conn_id", connID, "code", int(code), "reason", reason)
		})
	}

	var lastSeen atomic.Int64
	markAlive := func() { lastSeen.Store(time.Now().UnixNano()) }
	markAlive()

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	// limited counts one inbound frame, malformed ones included.
	limited := func() bool {
		if rl.Allow(time.Now()) {
			return false
		}
		g.trySendError(client, "rate_limited", "too many events")
		g.log.Info("ws.rate_limited", "conn_id", connID)
		shutdown(websocket.StatusPolicyViolation, "rate limited")
		return true
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				// Closed by the relay (slow consumer, shutdown) or by shutdown itself.
				shutdown(closeStatusFor(client.Reason()), client.Reason())
				return
			case <-client.Wake():
				for _, env := range client.Drain() {
					if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
						g.log.Info("ws.write.fail", "conn_id", connID, "close_status", websocket.CloseStatus(err), "err", err)
						shutdown(websocket.StatusAbnormalClosure, "write failed")
						return
					}
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "conn_id", connID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
				} else {
					failures = 0
					markAlive()
				}

				if idle := time.Since(time.Unix(0, lastSeen.Load())); idle > g.cfg.ReadIdleTimeout {
					g.log.Info("ws.idle", "conn_id", connID, "idle_ms", idle.Milliseconds())
					shutdown(websocket.StatusGoingAway, "idle timeout")
					return
				}
			}
		}
	}()

readLoop:
	for {
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				markAlive()
				g.log.Debug("ws.read.malformed", "conn_id", connID, "err", err)
				if limited() {
					break readLoop
				}
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "conn_id", connID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		markAlive()
		if limited() {
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.log.Debug("ws.envelope.invalid", "conn_id", connID, "err", err)
			continue readLoop
		}
		if !v1.ClientType(env.Type) {
			g.log.Debug("ws.envelope.unsupported", "conn_id", connID, "type", env.Type)
			continue readLoop
		}

		var ok bool
		if env.Type == v1.TypeHello {
			ok, err = g.onHello(client, ident, env)
			if err != nil {
				g.trySendError(client, "hello_failed", err.Error())
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}
		} else {
			ok = g.relay.Submit(client, env)
		}
		if !ok {
			shutdown(websocket.StatusGoingAway, "relay unavailable")
			break readLoop
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- auth ----

// authenticate reads a bearer token from the Authorization header or the
// access_token query parameter (browsers cannot set headers on upgrade).
func (g *WSGateway) authenticate(r *http.Request) (token.Identity, error) {
	raw := bearerToken(r)
	if raw == "" {
		if g.cfg.RequireAuth {
			return token.Identity{}, token.ErrInvalidToken
		}
		return token.Identity{}, nil
	}
	if g.verifier == nil {
		return token.Identity{}, nil
	}
	ident, err := g.verifier.Verify(raw)
	if err != nil {
		return token.Identity{}, err
	}
	return ident, nil
}

func bearerToken(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		const prefix = "bearer "
		if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
			return strings.TrimSpace(h[len(prefix):])
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

// onHello forwards the display name to the relay. A token in hello may bind a
// user id when the upgrade carried none.
func (g *WSGateway) onHello(client *Conn, ident token.Identity, env v1.Envelope) (bool, error) {
	var p v1.HelloPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return false, fmt.Errorf("invalid payload: %w", err)
	}

	userID := ident.UserID
	if userID == "" && strings.TrimSpace(p.Token) != "" && g.verifier != nil {
		id, err := g.verifier.Verify(p.Token)
		if err != nil {
			return false, fmt.Errorf("token: %w", err)
		}
		userID = id.UserID
		if strings.TrimSpace(p.DisplayName) == "" {
			p.DisplayName = id.DisplayName
		}
	}
	return g.relay.Hello(client, p.DisplayName, userID), nil
}

// ---- send helpers ----

func (g *WSGateway) trySendError(client *Conn, code, msg string) {
	env, err := newEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg}, time.Now().UTC())
	if err != nil {
		return
	}
	_ = client.Enqueue(env)
}

func closeStatusFor(reason string) websocket.StatusCode {
	switch reason {
	case ReasonSlowConsumer, ReasonCatchUpOverflow:
		return websocket.StatusPolicyViolation
	case ReasonShutdown:
		return websocket.StatusGoingAway
	default:
		return websocket.StatusNormalClosure
	}
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	var (
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return readErrBadJSON
	}
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "unsupported message type") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// Only hosts extracted from the allowlist are accepted; "*" allows any.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		a = strings.TrimSpace(a)
		if a == "*" {
			return []string{"*"}
		}
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
