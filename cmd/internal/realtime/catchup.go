package realtime

import (
	"context"
	"fmt"
	"image"
	"strings"
	"time"

	"easel/cmd/internal/canvas"
	"easel/cmd/internal/persist"
	"easel/cmd/internal/snapshot"
	v1 "easel/shared/contracts/realtime/v1"
)

// Catch-up runs in three steps:
//  1. the join issues the store read (a persister Load barrier ordered after every
//     write already enqueued for the session) and the directory lookup;
//  2. in the same loop turn the subscription is registered as pending and the
//     session's in-progress strokes are captured for replay; from now on live
//     events for the joiner are buffered;
//  3. when the read completes the joiner receives roomJoined, loadState,
//     chatHistory, the stroke replay and the buffered events, in that order,
//     and the subscription turns active.
//
// The snapshot covers everything folded before registration, the replay covers
// strokes still open at registration, and the buffer covers the rest; so the
// joiner sees every draw event exactly once.

type cmdCatchUp struct {
	connID    string
	sessionID string
	joinSeq   uint64
	started   time.Time

	info SessionInfo
	load persist.LoadResult
	img  *image.RGBA
	err  error
	// decodeErr is set when the stored snapshot exists but cannot be decoded.
	decodeErr error
}

func (c cmdCatchUp) apply(r *Relay) { r.completeCatchUp(c) }

func (r *Relay) handleJoin(c *Conn, env v1.Envelope) {
	p, err := decodePayload[v1.JoinRoomPayload](env.Payload)
	if err != nil {
		r.invalid(c, env, err)
		return
	}
	sessionID := strings.TrimSpace(p.SessionID)
	if !snapshot.ValidSessionID(sessionID) {
		r.metrics.CatchUpFailed(codeInvalidSession)
		r.joinFailed(c, sessionID, codeInvalidSession, "invalid session id")
		return
	}
	if cur, ok := r.registry.Lookup(c.ID); ok && cur.SessionID == sessionID {
		r.log.Debug("relay.join.duplicate", "session_id", sessionID, "conn_id", c.ID, "state", cur.State.String())
		return
	}

	var load <-chan persist.LoadResult
	if r.persister != nil {
		load = r.persister.Load(sessionID)
	}

	now := r.now()
	r.joinSeq++
	sub, prev, _ := r.registry.Join(c, sessionID, r.joinSeq, now)
	if prev != nil {
		r.departed(prev)
	}

	sess, ok := r.sessions[sessionID]
	if !ok {
		sess = newSession(sessionID, r.cfg.CanvasWidth, r.cfg.CanvasHeight)
		r.sessions[sessionID] = sess
		r.metrics.SetSessions(len(r.sessions))
	}
	sub.replay = sess.replay()
	sub.participants = r.participantsOf(sessionID, c.ID)

	r.log.Debug("relay.join.pending", "session_id", sessionID, "conn_id", c.ID, "replay", len(sub.replay))
	go r.catchUp(c.ID, sessionID, sub.JoinSeq, load, now)
}

// catchUp waits for the directory and the store off the loop, then hands the
// outcome back to it.
func (r *Relay) catchUp(connID, sessionID string, joinSeq uint64, load <-chan persist.LoadResult, started time.Time) {
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.CatchUpTimeout)
	defer cancel()

	res := cmdCatchUp{
		connID:    connID,
		sessionID: sessionID,
		joinSeq:   joinSeq,
		started:   started,
	}

	res.info, res.err = r.directory.Lookup(ctx, sessionID)
	if res.err == nil && load != nil {
		select {
		case lr := <-load:
			res.load = lr
			res.err = lr.Err
		case <-ctx.Done():
			res.err = ctx.Err()
		}
	}
	if res.err != nil && ctx.Err() != nil {
		res.err = fmt.Errorf("%w: %w", ErrCatchUpTimeout, res.err)
	}

	if res.err == nil && res.load.HasSnapshot && len(res.load.Snapshot.Data) > 0 {
		img, err := canvas.Decode(res.load.Snapshot.Data, r.cfg.CanvasWidth, r.cfg.CanvasHeight)
		if err != nil {
			res.decodeErr = fmt.Errorf("%w: %w", ErrSnapshotUnreadable, err)
		} else {
			res.img = img
		}
	}

	r.submit(res)
}

func (r *Relay) completeCatchUp(res cmdCatchUp) {
	sub, ok := r.registry.Lookup(res.connID)
	if !ok || sub.SessionID != res.sessionID || sub.JoinSeq != res.joinSeq || sub.State != SubPending {
		r.log.Debug("relay.catchup.stale", "session_id", res.sessionID, "conn_id", res.connID)
		return
	}
	c := sub.Conn
	sess := r.sessions[res.sessionID]

	if res.decodeErr != nil {
		r.log.Warn("relay.catchup.decode.fail", "session_id", res.sessionID, "version", res.load.Snapshot.Version, "err", res.decodeErr)
	}
	// A cold session must not start from a blank raster over an unreadable
	// snapshot: its next write would replace the stored canvas.
	if res.err == nil && res.decodeErr != nil && (sess == nil || !sess.hydrated) {
		res.err = res.decodeErr
	}

	if res.err != nil {
		code := joinFailureCode(res.err)
		r.registry.Leave(c.ID, res.sessionID)
		if sess != nil {
			sess.forget(c.ID)
			r.maybeEvict(sess)
		}
		r.metrics.CatchUpFailed(code)
		r.log.Warn("relay.catchup.fail", "session_id", res.sessionID, "conn_id", c.ID, "code", code, "err", res.err)
		r.joinFailed(c, res.sessionID, code, "could not join session")
		return
	}

	sess.hydrate(res.img, res.load.Snapshot.Version)
	if res.info.RoomID != "" {
		sess.roomID = res.info.RoomID
	}

	backlog, err := r.catchUpBacklog(sess, sub, res)
	if err != nil {
		r.log.Error("relay.catchup.encode.fail", "session_id", sess.id, "conn_id", c.ID, "err", err)
		r.registry.Leave(c.ID, sess.id)
		r.maybeEvict(sess)
		r.joinFailed(c, sess.id, codeStoreError, "could not join session")
		return
	}
	if !c.EnqueueBatch(backlog) {
		r.drop(c, ReasonSlowConsumer)
		return
	}

	sub.State = SubActive
	sub.replay, sub.participants, sub.buffered = nil, nil, nil

	pt, _ := r.presence.Get(c.ID)
	joined, err := newEnvelope(v1.TypeUserJoined, v1.UserPresencePayload{
		SessionID:    sess.id,
		ConnectionID: c.ID,
		DisplayName:  pt.DisplayName,
		Color:        pt.Color,
	}, r.stamp())
	if err == nil {
		r.relayDraw(sess, c.ID, joined)
	}

	elapsed := r.now().Sub(res.started)
	r.metrics.CatchUpDone(elapsed)
	r.log.Info("relay.join",
		"session_id", sess.id,
		"conn_id", c.ID,
		"snapshot_version", res.load.Snapshot.Version,
		"messages", len(res.load.Messages),
		"backlog", len(backlog),
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// catchUpBacklog builds what a joiner receives before going live.
func (r *Relay) catchUpBacklog(sess *session, sub *Subscription, res cmdCatchUp) ([]v1.Envelope, error) {
	now := r.stamp()
	out := make([]v1.Envelope, 0, 3+len(sub.replay)+len(sub.buffered))

	roomJoined, err := newEnvelope(v1.TypeRoomJoined, v1.RoomJoinedPayload{
		SessionID:    sess.id,
		RoomID:       sess.roomID,
		Participants: sub.participants,
	}, now)
	if err != nil {
		return nil, err
	}

	state := v1.LoadStatePayload{
		SessionID:       sess.id,
		SnapshotVersion: res.load.Snapshot.Version,
		Width:           r.cfg.CanvasWidth,
		Height:          r.cfg.CanvasHeight,
	}
	switch {
	case res.decodeErr != nil:
		// Only a warm session gets here; its raster is the readable state.
		b, err := sess.raster.Frame().Bytes()
		if err != nil {
			return nil, err
		}
		state.Snapshot, state.SnapshotVersion = b, sess.version
	case res.load.HasSnapshot:
		state.Snapshot = res.load.Snapshot.Data
	}
	loadState, err := newEnvelope(v1.TypeLoadState, state, now)
	if err != nil {
		return nil, err
	}

	msgs := make([]v1.ChatMessagePayload, 0, len(res.load.Messages))
	for _, m := range res.load.Messages {
		msgs = append(msgs, v1.ChatMessagePayload{
			SessionID:         m.SessionID,
			MessageID:         m.ID,
			SenderID:          m.SenderID,
			SenderDisplayName: m.SenderDisplayName,
			Text:              m.Text,
			ServerTimestamp:   m.ServerTS,
		})
	}
	history, err := newEnvelope(v1.TypeChatHistory, v1.ChatHistoryPayload{
		SessionID: sess.id,
		Messages:  msgs,
	}, now)
	if err != nil {
		return nil, err
	}

	out = append(out, roomJoined, loadState, history)
	out = append(out, sub.replay...)
	out = append(out, sub.buffered...)
	return out, nil
}

// participantsOf lists the active subscribers of sessionID plus self, in join order.
func (r *Relay) participantsOf(sessionID, self string) []v1.ParticipantInfo {
	subs := r.registry.SubscribersOf(sessionID)
	out := make([]v1.ParticipantInfo, 0, len(subs))
	for _, s := range subs {
		if s.Conn.ID != self && s.State != SubActive {
			continue
		}
		pt, ok := r.presence.Get(s.Conn.ID)
		if !ok {
			continue
		}
		out = append(out, v1.ParticipantInfo{
			ConnectionID: pt.ConnID,
			UserID:       pt.UserID,
			DisplayName:  pt.DisplayName,
			Color:        pt.Color,
		})
	}
	return out
}
