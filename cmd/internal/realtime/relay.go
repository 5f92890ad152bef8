package realtime

import (
	"context"
	"io"
	"log/slog"
	"math"
	"strings"
	"time"

	"easel/cmd/internal/canvas"
	"easel/cmd/internal/persist"
	"easel/cmd/internal/snapshot"
	"easel/cmd/internal/telemetry"
	v1 "easel/shared/contracts/realtime/v1"
)

// Persister is the write-behind path the relay hands durable work to.
// Every method must return without blocking on the store.
type Persister interface {
	PersistCanvas(sessionID string, payload persist.Payload) error
	AppendChat(m snapshot.Message) error
	Load(sessionID string) <-chan persist.LoadResult
}

// RelayConfig tunes the relay loop.
type RelayConfig struct {
	CanvasWidth  int
	CanvasHeight int

	// InboxSize bounds commands waiting for the loop; readers block when it is full.
	InboxSize int
	// PendingBufferMax bounds the live events buffered for one joiner during catch-up.
	PendingBufferMax int
	// CatchUpTimeout bounds the directory lookup plus the snapshot read of a join.
	CatchUpTimeout time.Duration
	// MaxStrokeSegments ends a stroke implicitly once it grows this long.
	MaxStrokeSegments int
	// MaxMessageChars bounds a chat line (runes).
	MaxMessageChars int
}

func (c RelayConfig) withDefaults() RelayConfig {
	if c.CanvasWidth <= 0 {
		c.CanvasWidth = canvas.DefaultWidth
	}
	if c.CanvasHeight <= 0 {
		c.CanvasHeight = canvas.DefaultHeight
	}
	if c.InboxSize <= 0 {
		c.InboxSize = defaultInboxSize
	}
	if c.PendingBufferMax <= 0 {
		c.PendingBufferMax = defaultPendingBufferMax
	}
	if c.CatchUpTimeout <= 0 {
		c.CatchUpTimeout = defaultCatchUpTimeout
	}
	if c.MaxStrokeSegments <= 0 {
		c.MaxStrokeSegments = defaultMaxStrokeSegments
	}
	if c.MaxMessageChars <= 0 || c.MaxMessageChars > snapshot.MaxMessageChars {
		c.MaxMessageChars = snapshot.MaxMessageChars
	}
	return c
}

// Relay is the synchronization engine. One goroutine (Run) owns the registry,
// presence, sessions and stroke state; everything else talks to it through
// the inbox.
type Relay struct {
	log       *slog.Logger
	persister Persister
	directory Directory
	metrics   *telemetry.Metrics
	cfg       RelayConfig
	now       func() time.Time

	inbox   chan command
	stopped chan struct{}
	ctx     context.Context

	// Loop-owned.
	registry *Registry
	presence *Presence
	sessions map[string]*session
	conns    map[string]*Conn
	joinSeq  uint64
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithRelayClock overrides the clock used for server timestamps.
func WithRelayClock(now func() time.Time) RelayOption {
	return func(r *Relay) {
		if now != nil {
			r.now = now
		}
	}
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *telemetry.Metrics) RelayOption {
	return func(r *Relay) { r.metrics = m }
}

// NewRelay constructs a relay. A nil directory accepts every well-formed session id.
func NewRelay(log *slog.Logger, persister Persister, directory Directory, cfg RelayConfig, opts ...RelayOption) *Relay {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if directory == nil {
		directory = OpenDirectory{}
	}
	cfg = cfg.withDefaults()
	r := &Relay{
		log:       log,
		persister: persister,
		directory: directory,
		cfg:       cfg,
		now:       time.Now,
		inbox:     make(chan command, cfg.InboxSize),
		stopped:   make(chan struct{}),
		registry:  NewRegistry(),
		presence:  NewPresence(),
		sessions:  make(map[string]*session),
		conns:     make(map[string]*Conn),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.presence.now = r.now
	return r
}

// Run processes commands until ctx is done. Every connection still attached
// is closed on return.
func (r *Relay) Run(ctx context.Context) error {
	r.ctx = ctx
	defer r.shutdown()

	r.log.Info("relay.start", "canvas_w", r.cfg.CanvasWidth, "canvas_h", r.cfg.CanvasHeight)
	for {
		select {
		case <-ctx.Done():
			r.log.Info("relay.stop", "connections", len(r.conns), "sessions", len(r.sessions))
			return nil
		case cmd := <-r.inbox:
			cmd.apply(r)
		}
	}
}

func (r *Relay) shutdown() {
	close(r.stopped)
	for _, c := range r.conns {
		c.Close(ReasonShutdown)
	}
}

// ---- public API (any goroutine) ----

// Connect attaches a transport connection. It reports false once the relay has stopped.
func (r *Relay) Connect(c *Conn) bool {
	return r.submit(cmdConnect{conn: c})
}

// Hello records the client's display name and verified user id, and answers with helloAck.
func (r *Relay) Hello(c *Conn, displayName, userID string) bool {
	return r.submit(cmdHello{conn: c, displayName: displayName, userID: userID})
}

// Submit hands one validated inbound envelope to the relay. It blocks while the
// inbox is full, which throttles only the submitting reader.
func (r *Relay) Submit(c *Conn, env v1.Envelope) bool {
	return r.submit(cmdInbound{conn: c, env: env})
}

// Disconnect runs the deterministic cleanup of a connection. Safe to call more than once.
func (r *Relay) Disconnect(c *Conn) {
	r.submit(cmdDisconnect{conn: c})
}

// Stats is a point-in-time view of the relay.
type Stats struct {
	Connections   int
	Sessions      int
	Subscriptions int
}

// Stats reads counters from the loop.
func (r *Relay) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := r.inspect(ctx, func(r *Relay) {
		st.Connections = len(r.conns)
		st.Sessions = len(r.sessions)
		for id := range r.sessions {
			st.Subscriptions += r.registry.Count(id)
		}
	})
	return st, err
}

// inspect runs fn on the loop goroutine and waits for it.
func (r *Relay) inspect(ctx context.Context, fn func(r *Relay)) error {
	done := make(chan struct{})
	if !r.submitCtx(ctx, cmdInspect{fn: fn, done: done}) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrRelayClosed
	}
	select {
	case <-done:
		return nil
	case <-r.stopped:
		return ErrRelayClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Relay) submit(cmd command) bool {
	return r.submitCtx(context.Background(), cmd)
}

func (r *Relay) submitCtx(ctx context.Context, cmd command) bool {
	select {
	case <-r.stopped:
		return false
	default:
	}
	select {
	case r.inbox <- cmd:
		return true
	case <-r.stopped:
		return false
	case <-ctx.Done():
		return false
	}
}

// ---- commands ----

type command interface {
	apply(r *Relay)
}

type cmdConnect struct{ conn *Conn }

func (c cmdConnect) apply(r *Relay) { r.connect(c.conn) }

type cmdHello struct {
	conn        *Conn
	displayName string
	userID      string
}

func (c cmdHello) apply(r *Relay) { r.hello(c.conn, c.displayName, c.userID) }

type cmdInbound struct {
	conn *Conn
	env  v1.Envelope
}

func (c cmdInbound) apply(r *Relay) { r.inbound(c.conn, c.env) }

type cmdDisconnect struct{ conn *Conn }

func (c cmdDisconnect) apply(r *Relay) { r.disconnect(c.conn) }

type cmdInspect struct {
	fn   func(r *Relay)
	done chan struct{}
}

func (c cmdInspect) apply(r *Relay) {
	c.fn(r)
	close(c.done)
}

// ---- connection lifecycle ----

func (r *Relay) connect(c *Conn) {
	if c == nil || c.Closed() {
		return
	}
	if _, dup := r.conns[c.ID]; dup {
		return
	}
	r.conns[c.ID] = c
	pt := r.presence.Connect(c.ID, c.UserID, c.DisplayName)
	r.metrics.ConnOpened()
	r.log.Debug("relay.connect", "conn_id", c.ID, "user_id", pt.UserID, "color", pt.Color)
}

func (r *Relay) hello(c *Conn, displayName, userID string) {
	if _, ok := r.conns[c.ID]; !ok {
		return
	}
	r.presence.SetUser(c.ID, userID)
	pt, _ := r.presence.Rename(c.ID, displayName)

	r.sendTo(c, v1.TypeHelloAck, v1.HelloAckPayload{
		ConnectionID: pt.ConnID,
		UserID:       pt.UserID,
		DisplayName:  pt.DisplayName,
		Color:        pt.Color,
	})
}

func (r *Relay) disconnect(c *Conn) {
	if _, ok := r.conns[c.ID]; !ok {
		return
	}
	delete(r.conns, c.ID)

	if sub, ok := r.registry.ConnectionDropped(c.ID); ok {
		r.departed(sub)
	}
	r.presence.Remove(c.ID)
	r.metrics.ConnClosed()
	r.log.Debug("relay.disconnect", "conn_id", c.ID, "reason", c.Reason())
}

// drop closes a subscriber the relay can no longer serve and cleans it up now.
func (r *Relay) drop(c *Conn, reason string) {
	if _, ok := r.conns[c.ID]; !ok {
		return
	}
	if !c.Closed() {
		r.metrics.SubscriberDropped(reason)
		r.log.Warn("relay.subscriber.drop", "conn_id", c.ID, "reason", reason, "pending", c.Pending())
		c.Close(reason)
	}
	r.disconnect(c)
}

// departed finishes a subscription that was just removed from the registry:
// it ends the origin's stroke, tells peers and evicts an empty session.
func (r *Relay) departed(sub *Subscription) {
	sess, ok := r.sessions[sub.SessionID]
	if !ok {
		return
	}
	origin := sub.Conn.ID

	if _, drawing := sess.strokeOf(origin); drawing {
		r.endStroke(sess, origin, 0)
	}
	sess.forget(origin)
	r.presence.ResetTransient(origin)

	if sub.State == SubActive {
		pt, _ := r.presence.Get(origin)
		out, err := newEnvelope(v1.TypeUserLeft, v1.UserPresencePayload{
			SessionID:    sess.id,
			ConnectionID: origin,
			DisplayName:  pt.DisplayName,
			Color:        pt.Color,
		}, r.stamp())
		if err == nil {
			for _, peer := range r.registry.SubscribersOf(sess.id) {
				peer.Conn.DropTransientFrom(origin)
				r.deliver(peer, out)
			}
		}
		r.log.Info("relay.leave", "session_id", sess.id, "conn_id", origin)
	}
	r.maybeEvict(sess)
}

func (r *Relay) maybeEvict(sess *session) {
	if r.registry.Count(sess.id) > 0 {
		return
	}
	if cur, ok := r.sessions[sess.id]; !ok || cur != sess {
		return
	}
	delete(r.sessions, sess.id)
	r.metrics.SetSessions(len(r.sessions))
	r.log.Debug("relay.session.evict", "session_id", sess.id)
}

// ---- inbound routing ----

func (r *Relay) inbound(c *Conn, env v1.Envelope) {
	if _, ok := r.conns[c.ID]; !ok {
		return
	}

	switch env.Type {
	case v1.TypeHello:
		p, err := decodePayload[v1.HelloPayload](env.Payload)
		if err != nil {
			r.invalid(c, env, err)
			return
		}
		r.hello(c, p.DisplayName, "")
	case v1.TypeJoinRoom:
		r.handleJoin(c, env)
	case v1.TypeLeaveRoom:
		r.handleLeave(c, env)
	case v1.TypeStartPath,
		v1.TypeWhiteboardUpdate,
		v1.TypeEndDrawing,
		v1.TypeClearCanvas,
		v1.TypeCanvasReplace,
		v1.TypeChatMessage,
		v1.TypeUserTyping,
		v1.TypeUserTypingStopped,
		v1.TypeCursorMove:
		r.handleScoped(c, env)
	default:
		r.metrics.Event(env.Type, "rejected")
		r.log.Debug("relay.event.unsupported", "conn_id", c.ID, "type", env.Type)
	}
}

func (r *Relay) handleLeave(c *Conn, env v1.Envelope) {
	p, err := decodePayload[v1.LeaveRoomPayload](env.Payload)
	if err != nil {
		r.invalid(c, env, err)
		return
	}
	sub, ok := r.registry.Leave(c.ID, strings.TrimSpace(p.SessionID))
	if !ok {
		r.log.Debug("relay.leave.absent", "conn_id", c.ID, "session_id", p.SessionID)
		return
	}
	r.departed(sub)
}

// handleScoped gates every session-scoped event on an active subscription.
func (r *Relay) handleScoped(c *Conn, env v1.Envelope) {
	scope, err := decodePayload[v1.SessionScoped](env.Payload)
	if err != nil || strings.TrimSpace(scope.SessionID) == "" {
		r.invalid(c, env, err)
		return
	}

	sub, ok := r.registry.Lookup(c.ID)
	if !ok || sub.SessionID != scope.SessionID || sub.State != SubActive {
		r.metrics.Event(env.Type, "rejected")
		msg := "join the session first"
		if ok && sub.SessionID == scope.SessionID {
			msg = "catch-up still in progress"
		}
		r.joinFailed(c, scope.SessionID, codeNotJoined, msg)
		return
	}
	sess, ok := r.sessions[sub.SessionID]
	if !ok {
		return
	}

	switch env.Type {
	case v1.TypeStartPath:
		r.onStartPath(sess, c, env)
	case v1.TypeWhiteboardUpdate:
		r.onUpdate(sess, c, env)
	case v1.TypeEndDrawing:
		r.onEndDrawing(sess, c, env)
	case v1.TypeClearCanvas:
		r.onClear(sess, c, env)
	case v1.TypeCanvasReplace:
		r.onReplace(sess, c, env)
	case v1.TypeChatMessage:
		r.onChat(sess, c, env)
	case v1.TypeUserTyping, v1.TypeUserTypingStopped:
		r.onTyping(sess, c, env)
	case v1.TypeCursorMove:
		r.onCursor(sess, c, env)
	}
}

// ---- drawing ----

func (r *Relay) onStartPath(sess *session, c *Conn, env v1.Envelope) {
	p, err := decodePayload[v1.StartPathPayload](env.Payload)
	if err != nil {
		r.invalid(c, env, err)
		return
	}
	col, err := canvas.ParseColor(p.StrokeColor)
	if err != nil {
		r.invalid(c, env, err)
		return
	}
	seg := canvas.Segment{
		Tool:  canvas.ToolFreehand,
		FromX: p.StartX,
		FromY: p.StartY,
		ToX:   p.StartX,
		ToY:   p.StartY,
		Width: canvas.NormalizeWidth(p.StrokeWidth),
		Color: col,
	}
	if err := seg.Validate(); err != nil {
		r.invalid(c, env, err)
		return
	}
	if !r.fresh(sess, c, env, p.Seq) {
		return
	}

	if _, drawing := sess.strokeOf(c.ID); drawing {
		r.endStroke(sess, c.ID, 0)
	}

	p.SessionID = sess.id
	p.ConnectionID = c.ID
	out, err := newEnvelope(v1.TypeStartPath, p, r.stamp())
	if err != nil {
		return
	}
	st := sess.begin(c.ID, canvas.ToolFreehand, seg)
	st.replay = append(st.replay, out)

	r.relayDraw(sess, c.ID, out)
	r.metrics.Event(env.Type, "relayed")
}

func (r *Relay) onUpdate(sess *session, c *Conn, env v1.Envelope) {
	p, err := decodePayload[v1.WhiteboardUpdatePayload](env.Payload)
	if err != nil {
		r.invalid(c, env, err)
		return
	}
	tool, err := canvas.ParseTool(p.ToolKind)
	if err != nil {
		r.invalid(c, env, err)
		return
	}
	col, err := canvas.ParseColor(p.StrokeColor)
	if err != nil {
		r.invalid(c, env, err)
		return
	}
	seg := canvas.Segment{
		Tool:  tool,
		FromX: p.FromX,
		FromY: p.FromY,
		ToX:   p.ToX,
		ToY:   p.ToY,
		Width: canvas.NormalizeWidth(p.StrokeWidth),
		Color: col,
	}
	if err := seg.Validate(); err != nil {
		r.invalid(c, env, err)
		return
	}
	if !r.fresh(sess, c, env, p.Seq) {
		return
	}

	st, drawing := sess.strokeOf(c.ID)
	if !drawing {
		// Shape tools send a single update without startPath.
		st = sess.begin(c.ID, tool, seg)
	}

	p.SessionID = sess.id
	p.ConnectionID = c.ID
	out, err := newEnvelope(v1.TypeWhiteboardUpdate, p, r.stamp())
	if err != nil {
		return
	}
	st.add(seg, out)

	r.relayDraw(sess, c.ID, out)
	r.metrics.Event(env.Type, "relayed")

	if st.full(r.cfg.MaxStrokeSegments) {
		r.log.Info("relay.stroke.cap", "session_id", sess.id, "conn_id", c.ID, "segments", len(st.segments))
		r.endStroke(sess, c.ID, 0)
	}
}

func (r *Relay) onEndDrawing(sess *session, c *Conn, env v1.Envelope) {
	p, err := decodePayload[v1.EndDrawingPayload](env.Payload)
	if err != nil {
		r.invalid(c, env, err)
		return
	}
	if !r.fresh(sess, c, env, p.Seq) {
		return
	}
	if _, drawing := sess.strokeOf(c.ID); !drawing {
		r.metrics.Event(env.Type, "idle")
		return
	}
	r.endStroke(sess, c.ID, p.Seq)
	r.metrics.Event(env.Type, "relayed")
}

// endStroke folds origin's stroke into the raster, tells peers and persists.
// It serves explicit endDrawing as well as the implicit ends (leave, restart, cap).
func (r *Relay) endStroke(sess *session, origin string, seq int64) {
	st, ok := sess.end(origin)
	if !ok {
		return
	}
	out, err := newEnvelope(v1.TypeEndDrawing, v1.EndDrawingPayload{
		SessionID:    sess.id,
		ConnectionID: origin,
		Seq:          seq,
	}, r.stamp())
	if err == nil {
		r.relayDraw(sess, origin, out)
	}
	r.persistCanvas(sess, "stroke", len(st.segments))
}

func (r *Relay) onClear(sess *session, c *Conn, env v1.Envelope) {
	p, err := decodePayload[v1.ClearCanvasPayload](env.Payload)
	if err != nil {
		r.invalid(c, env, err)
		return
	}
	if !r.fresh(sess, c, env, p.Seq) {
		return
	}

	sess.clear()

	p.SessionID = sess.id
	p.ConnectionID = c.ID
	out, err := newEnvelope(v1.TypeClearCanvas, p, r.stamp())
	if err == nil {
		r.relayDraw(sess, c.ID, out)
	}
	r.persistCanvas(sess, "clear", 0)
	r.metrics.Event(env.Type, "relayed")
	r.log.Info("relay.canvas.clear", "session_id", sess.id, "conn_id", c.ID)
}

func (r *Relay) onReplace(sess *session, c *Conn, env v1.Envelope) {
	p, err := decodePayload[v1.CanvasReplacePayload](env.Payload)
	if err != nil {
		r.invalid(c, env, err)
		return
	}
	data := p.Snapshot
	if len(data) == 0 && p.DataURL != "" {
		if data, err = canvas.DecodeDataURL(p.DataURL); err != nil {
			r.invalid(c, env, err)
			return
		}
	}
	img, err := canvas.Decode(data, r.cfg.CanvasWidth, r.cfg.CanvasHeight)
	if err != nil {
		r.invalid(c, env, err)
		return
	}
	if !r.fresh(sess, c, env, p.Seq) {
		return
	}

	sess.raster.Replace(img)

	out, err := newEnvelope(v1.TypeCanvasReplace, v1.CanvasReplacePayload{
		SessionID:    sess.id,
		ConnectionID: c.ID,
		Snapshot:     data,
		Seq:          p.Seq,
	}, r.stamp())
	if err == nil {
		r.relayDraw(sess, c.ID, out)
	}
	r.persistCanvas(sess, "replace", 0)
	r.metrics.Event(env.Type, "relayed")
}

func (r *Relay) persistCanvas(sess *session, cause string, segments int) {
	if r.persister == nil {
		return
	}
	if err := r.persister.PersistCanvas(sess.id, sess.raster.Frame()); err != nil {
		r.log.Warn("relay.persist.canvas.fail", "session_id", sess.id, "cause", cause, "err", err)
		return
	}
	r.log.Debug("relay.persist.canvas", "session_id", sess.id, "cause", cause, "segments", segments)
}

// ---- chat & presence ----

func (r *Relay) onChat(sess *session, c *Conn, env v1.Envelope) {
	p, err := decodePayload[v1.ChatMessagePayload](env.Payload)
	if err != nil {
		r.invalid(c, env, err)
		return
	}
	if strings.TrimSpace(p.Text) == "" {
		r.sendError(c, "empty_message", "message text is empty")
		r.metrics.Event(env.Type, "invalid")
		return
	}
	if n := len([]rune(p.Text)); n > r.cfg.MaxMessageChars {
		r.sendError(c, "message_too_long", "message exceeds the length limit")
		r.metrics.Event(env.Type, "invalid")
		return
	}

	pt, _ := r.presence.Get(c.ID)
	now := r.stamp()
	msg := v1.ChatMessagePayload{
		SessionID:         sess.id,
		MessageID:         NewMessageID(now),
		SenderID:          pt.UserID,
		SenderDisplayName: cleanDisplayName(p.SenderDisplayName),
		Text:              p.Text,
		ServerTimestamp:   now,
	}
	if msg.SenderID == "" {
		msg.SenderID = c.ID
	}
	if msg.SenderDisplayName == "" {
		msg.SenderDisplayName = pt.DisplayName
	}

	if r.presence.TypingStopped(c.ID) {
		r.relayTyping(sess, c.ID, v1.TypeUserTypingStopped, msg.SenderDisplayName)
	}

	out, err := newEnvelope(v1.TypeChatMessage, msg, now)
	if err != nil {
		return
	}
	r.relayChat(sess, out)

	if r.persister != nil {
		err := r.persister.AppendChat(snapshot.Message{
			ID:                msg.MessageID,
			SessionID:         msg.SessionID,
			SenderID:          msg.SenderID,
			SenderDisplayName: msg.SenderDisplayName,
			Text:              msg.Text,
			ServerTS:          msg.ServerTimestamp,
		})
		if err != nil {
			r.log.Warn("relay.persist.chat.fail", "session_id", sess.id, "message_id", msg.MessageID, "err", err)
		}
	}
	r.metrics.Event(env.Type, "relayed")
}

func (r *Relay) onTyping(sess *session, c *Conn, env v1.Envelope) {
	p, err := decodePayload[v1.UserTypingPayload](env.Payload)
	if err != nil {
		r.invalid(c, env, err)
		return
	}
	var changed bool
	if env.Type == v1.TypeUserTyping {
		changed = r.presence.TypingStarted(c.ID)
	} else {
		changed = r.presence.TypingStopped(c.ID)
	}
	if !changed {
		return
	}
	name := cleanDisplayName(p.SenderDisplayName)
	if name == "" {
		pt, _ := r.presence.Get(c.ID)
		name = pt.DisplayName
	}
	r.relayTyping(sess, c.ID, env.Type, name)
	r.metrics.Event(env.Type, "relayed")
}

func (r *Relay) relayTyping(sess *session, origin, typ, name string) {
	out, err := newEnvelope(typ, v1.UserTypingPayload{
		SessionID:         sess.id,
		ConnectionID:      origin,
		SenderDisplayName: name,
	}, r.stamp())
	if err != nil {
		return
	}
	r.relayTransient(sess, origin, transientTyping, out)
}

func (r *Relay) onCursor(sess *session, c *Conn, env v1.Envelope) {
	p, err := decodePayload[v1.CursorMovePayload](env.Payload)
	if err != nil {
		r.invalid(c, env, err)
		return
	}
	if !finite(p.X) || !finite(p.Y) {
		r.invalid(c, env, canvas.ErrBadGeometry)
		return
	}
	pt, ok := r.presence.SetCursor(c.ID, p.X, p.Y)
	if !ok {
		return
	}
	p.SessionID = sess.id
	p.ConnectionID = c.ID
	p.Color = pt.Color

	out, err := newEnvelope(v1.TypeCursorMove, p, r.stamp())
	if err != nil {
		return
	}
	r.relayTransient(sess, c.ID, transientCursor, out)
}

// ---- fan-out ----

// relayDraw sends env to every subscriber of sess except origin. It never blocks.
func (r *Relay) relayDraw(sess *session, origin string, env v1.Envelope) {
	for _, sub := range r.registry.SubscribersOf(sess.id) {
		if sub.Conn.ID == origin {
			continue
		}
		r.deliver(sub, env)
	}
}

// relayChat sends env to every subscriber of sess, origin included.
func (r *Relay) relayChat(sess *session, env v1.Envelope) {
	for _, sub := range r.registry.SubscribersOf(sess.id) {
		r.deliver(sub, env)
	}
}

// relayTransient overwrites origin's slot on every active peer. Pending joiners
// skip transient state; the next update reaches them once active.
func (r *Relay) relayTransient(sess *session, origin, kind string, env v1.Envelope) {
	for _, sub := range r.registry.SubscribersOf(sess.id) {
		if sub.Conn.ID == origin || sub.State != SubActive || sub.removed {
			continue
		}
		sub.Conn.SetTransient(kind, origin, env)
	}
}

func (r *Relay) deliver(sub *Subscription, env v1.Envelope) {
	if sub.removed {
		return
	}
	if sub.State == SubPending {
		if len(sub.buffered) >= r.cfg.PendingBufferMax {
			r.drop(sub.Conn, ReasonCatchUpOverflow)
			return
		}
		sub.buffered = append(sub.buffered, env)
		return
	}
	if !sub.Conn.Enqueue(env) {
		r.drop(sub.Conn, ReasonSlowConsumer)
	}
}

// ---- replies to one connection ----

func (r *Relay) sendTo(c *Conn, typ string, payload any) {
	out, err := newEnvelope(typ, payload, r.stamp())
	if err != nil {
		r.log.Error("relay.envelope.fail", "type", typ, "err", err)
		return
	}
	if !c.Enqueue(out) {
		r.drop(c, ReasonSlowConsumer)
	}
}

func (r *Relay) joinFailed(c *Conn, sessionID, code, msg string) {
	r.sendTo(c, v1.TypeJoinFailed, v1.JoinFailedPayload{
		SessionID: sessionID,
		Code:      code,
		Message:   msg,
	})
}

func (r *Relay) sendError(c *Conn, code, msg string) {
	r.sendTo(c, v1.TypeError, v1.ErrorPayload{Code: code, Message: msg})
}

// invalid drops a malformed event. The sender is not told; the event is only logged.
func (r *Relay) invalid(c *Conn, env v1.Envelope, err error) {
	r.metrics.Event(env.Type, "invalid")
	r.log.Debug("relay.event.invalid", "conn_id", c.ID, "type", env.Type, "err", err)
}

// fresh applies the per-origin seq watermark.
func (r *Relay) fresh(sess *session, c *Conn, env v1.Envelope, seq int64) bool {
	if sess.acceptSeq(c.ID, seq) {
		return true
	}
	r.metrics.Event(env.Type, "stale")
	r.log.Debug("relay.event.stale", "session_id", sess.id, "conn_id", c.ID, "type", env.Type, "seq", seq)
	return false
}

func (r *Relay) stamp() time.Time {
	return r.now().UTC().Truncate(time.Microsecond)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
