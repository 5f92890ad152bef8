// Package main provides a CI-friendly WebSocket smoke test for easel realtime.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/ack identity
//   - join catch-up order (roomJoined, loadState, chatHistory)
//   - stroke fan-out to a peer in origin order
//   - chat echo to the sender and delivery to the peer
//   - a late joiner receiving the persisted chat and the in-progress stroke
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "easel/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 16 << 20

type smokeClient struct {
	name   string
	conn   *websocket.Conn
	connID string
	seq    int64

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL     = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin    = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		sessionID = flag.String("session", fmt.Sprintf("smoke-%d", time.Now().UnixNano()), "Session ID to join")
		bearer    = flag.String("token", "", "Bearer token (when the server requires auth)")
		text      = flag.String("text", "hello easel 👋", "Chat text to send")
		timeout   = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose   = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()
	dial := func(name string) *smokeClient {
		return mustConnect(root, name, *wsURL, *origin, *bearer, *timeout)
	}

	a := dial("A")
	defer closeWS(a.conn)
	b := dial("B")
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q session=%s\n", a.connID, b.connID, *origin, *sessionID)
	}

	mustJoin(root, a, *sessionID, *timeout)
	mustJoin(root, b, *sessionID, *timeout)
	mustPresence(root, a, b.connID, *timeout)

	// Stroke: peers see it in the order it was drawn.
	a.send(root, v1.TypeStartPath, v1.StartPathPayload{
		SessionID: *sessionID, StartX: 10, StartY: 10, StrokeWidth: 3, StrokeColor: "#1d4ed8", Seq: a.next(),
	}, *timeout)
	for i := 0; i < 3; i++ {
		x := float64(10 + 10*i)
		a.send(root, v1.TypeWhiteboardUpdate, v1.WhiteboardUpdatePayload{
			SessionID: *sessionID, FromX: x, FromY: 10, ToX: x + 10, ToY: 20, StrokeWidth: 3, StrokeColor: "#1d4ed8", Seq: a.next(),
		}, *timeout)
	}
	a.send(root, v1.TypeEndDrawing, v1.EndDrawingPayload{SessionID: *sessionID, Seq: a.next()}, *timeout)

	skipPresence := map[string]struct{}{v1.TypeCursorMove: {}, v1.TypeUserTyping: {}, v1.TypeUserTypingStopped: {}}
	b.mustReadUntilType(root, v1.TypeStartPath, *timeout, skipPresence)
	for i := 0; i < 3; i++ {
		b.mustReadUntilType(root, v1.TypeWhiteboardUpdate, *timeout, skipPresence)
	}
	b.mustReadUntilType(root, v1.TypeEndDrawing, *timeout, skipPresence)

	// Chat: echoed to the sender, delivered to the peer.
	a.send(root, v1.TypeChatMessage, v1.ChatMessagePayload{SessionID: *sessionID, Text: *text}, *timeout)
	echo := mustChat(root, a, *text, *timeout)
	got := mustChat(root, b, *text, *timeout)
	if got.MessageID != echo.MessageID {
		fatalf("chat message id mismatch: A=%q B=%q", echo.MessageID, got.MessageID)
	}

	// Late joiner mid-stroke.
	a.send(root, v1.TypeStartPath, v1.StartPathPayload{
		SessionID: *sessionID, StartX: 5, StartY: 40, StrokeWidth: 2, StrokeColor: "#dc2626", Seq: a.next(),
	}, *timeout)
	a.send(root, v1.TypeWhiteboardUpdate, v1.WhiteboardUpdatePayload{
		SessionID: *sessionID, FromX: 5, FromY: 40, ToX: 25, ToY: 40, StrokeWidth: 2, StrokeColor: "#dc2626", Seq: a.next(),
	}, *timeout)

	c := dial("C")
	defer closeWS(c.conn)
	history := mustJoin(root, c, *sessionID, *timeout)
	found := false
	for _, m := range history.Messages {
		if m.MessageID == echo.MessageID && m.Text == *text {
			found = true
			break
		}
	}
	if !found {
		fatalf("late joiner history missing message %s (%d messages)", echo.MessageID, len(history.Messages))
	}

	a.send(root, v1.TypeEndDrawing, v1.EndDrawingPayload{SessionID: *sessionID, Seq: a.next()}, *timeout)
	c.mustReadUntilType(root, v1.TypeStartPath, *timeout, skipPresence)
	c.mustReadUntilType(root, v1.TypeWhiteboardUpdate, *timeout, skipPresence)
	c.mustReadUntilType(root, v1.TypeEndDrawing, *timeout, skipPresence)

	fmt.Printf("OK: A=%s B=%s C=%s session=%s message_id=%s\n", a.connID, b.connID, c.connID, *sessionID, echo.MessageID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin, bearer string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	if strings.TrimSpace(bearer) != "" {
		h.Set("Authorization", "Bearer "+bearer)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, v1.Subprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	c.send(parent, v1.TypeHello, v1.HelloPayload{DisplayName: "smoke-" + name}, stepTimeout)
	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal helloAck payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.ConnectionID) == "" {
		fatalf("helloAck missing connectionID (%s)", name)
	}
	if strings.TrimSpace(p.Color) == "" {
		fatalf("helloAck missing color (%s)", name)
	}
	c.connID = p.ConnectionID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}
			if mt != websocket.MessageText {
				c.fail(fmt.Errorf("unsupported message type: %v", mt))
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func (c *smokeClient) next() int64 {
	c.seq++
	return c.seq
}

func (c *smokeClient) send(parent context.Context, typ string, payload any, stepTimeout time.Duration) {
	mustWriteWithTimeout(parent, c.conn, v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      fmt.Sprintf("%s-%s-%d", c.name, typ, time.Now().UnixNano()),
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}, stepTimeout)
}

// mustJoin joins sessionID and checks the catch-up prefix; it returns the chat history.
func mustJoin(parent context.Context, c *smokeClient, sessionID string, stepTimeout time.Duration) v1.ChatHistoryPayload {
	c.send(parent, v1.TypeJoinRoom, v1.JoinRoomPayload{SessionID: sessionID}, stepTimeout)

	joined := c.mustReadUntilType(parent, v1.TypeRoomJoined, stepTimeout, nil)
	var rj v1.RoomJoinedPayload
	if err := json.Unmarshal(joined.Payload, &rj); err != nil {
		fatalf("unmarshal roomJoined payload (%s): %v", c.name, err)
	}
	if rj.SessionID != sessionID {
		fatalf("roomJoined session mismatch (%s): got=%q want=%q", c.name, rj.SessionID, sessionID)
	}

	state := c.mustReadUntilType(parent, v1.TypeLoadState, stepTimeout, nil)
	var ls v1.LoadStatePayload
	if err := json.Unmarshal(state.Payload, &ls); err != nil {
		fatalf("unmarshal loadState payload (%s): %v", c.name, err)
	}
	if ls.Width <= 0 || ls.Height <= 0 {
		fatalf("loadState without canvas size (%s)", c.name)
	}

	hist := c.mustReadUntilType(parent, v1.TypeChatHistory, stepTimeout, nil)
	var ch v1.ChatHistoryPayload
	if err := json.Unmarshal(hist.Payload, &ch); err != nil {
		fatalf("unmarshal chatHistory payload (%s): %v", c.name, err)
	}
	return ch
}

func mustPresence(parent context.Context, c *smokeClient, peerConnID string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeUserJoined, stepTimeout, nil)
	var p v1.UserPresencePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal userJoined payload (%s): %v", c.name, err)
	}
	if p.ConnectionID != peerConnID {
		fatalf("userJoined peer mismatch (%s): got=%q want=%q", c.name, p.ConnectionID, peerConnID)
	}
}

func mustChat(parent context.Context, c *smokeClient, text string, stepTimeout time.Duration) v1.ChatMessagePayload {
	skip := map[string]struct{}{v1.TypeUserTyping: {}, v1.TypeUserTypingStopped: {}}
	env := c.mustReadUntilType(parent, v1.TypeChatMessage, stepTimeout, skip)

	var p v1.ChatMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal chatMessage payload (%s): %v", c.name, err)
	}
	if p.Text != text {
		fatalf("chat text mismatch (%s): got=%q want=%q", c.name, p.Text, text)
	}
	if strings.TrimSpace(p.MessageID) == "" {
		fatalf("chat missing messageID (%s)", c.name)
	}
	if p.ServerTimestamp.IsZero() {
		fatalf("chat serverTimestamp missing/zero (%s)", c.name)
	}
	return p
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			switch env.Type {
			case v1.TypeError:
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			case v1.TypeJoinFailed:
				var jp v1.JoinFailedPayload
				_ = json.Unmarshal(env.Payload, &jp)
				fatalf("join failed (%s): session=%q code=%q msg=%q", c.name, jp.SessionID, jp.Code, jp.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
