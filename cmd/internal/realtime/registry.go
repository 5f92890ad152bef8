package realtime

import (
	"time"

	v1 "easel/shared/contracts/realtime/v1"
)

// SubState is the lifecycle of a subscription.
type SubState uint8

const (
	// SubPending: catch-up is in flight; live events are buffered.
	SubPending SubState = iota + 1
	// SubActive: catch-up delivered; live events go straight to the queue.
	SubActive
)

func (s SubState) String() string {
	switch s {
	case SubPending:
		return "pending"
	case SubActive:
		return "active"
	default:
		return "unknown"
	}
}

// Subscription binds one connection to one session.
type Subscription struct {
	Conn      *Conn
	SessionID string
	State     SubState
	JoinSeq   uint64
	JoinedAt  time.Time

	// Catch-up state, captured at registration and released on activation.
	replay       []v1.Envelope
	participants []v1.ParticipantInfo
	buffered     []v1.Envelope

	removed bool
}

// Registry maps connections to sessions. A connection holds at most one session.
// Owned by the relay loop; not safe for concurrent use.
//
// Each session keeps its subscribers in join order. Joins append; removals
// build a fresh slice, so a slice handed out earlier never changes under its
// reader.
type Registry struct {
	bySession map[string][]*Subscription
	byConn    map[string]*Subscription
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		bySession: make(map[string][]*Subscription),
		byConn:    make(map[string]*Subscription),
	}
}

// Join subscribes conn to sessionID in the pending state, first dropping any
// subscription to another session (returned as prev). Joining the session the
// connection already holds is a no-op and reports already=true.
func (r *Registry) Join(conn *Conn, sessionID string, joinSeq uint64, now time.Time) (sub, prev *Subscription, already bool) {
	if cur, ok := r.byConn[conn.ID]; ok {
		if cur.SessionID == sessionID {
			return cur, nil, true
		}
		r.remove(cur)
		prev = cur
	}

	sub = &Subscription{
		Conn:      conn,
		SessionID: sessionID,
		State:     SubPending,
		JoinSeq:   joinSeq,
		JoinedAt:  now,
	}
	r.bySession[sessionID] = append(r.bySession[sessionID], sub)
	r.byConn[conn.ID] = sub
	return sub, prev, false
}

// Leave removes connID from sessionID. Absent mappings are ignored.
func (r *Registry) Leave(connID, sessionID string) (*Subscription, bool) {
	sub, ok := r.byConn[connID]
	if !ok || sub.SessionID != sessionID {
		return nil, false
	}
	r.remove(sub)
	return sub, true
}

// ConnectionDropped removes whatever subscription connID held.
func (r *Registry) ConnectionDropped(connID string) (*Subscription, bool) {
	sub, ok := r.byConn[connID]
	if !ok {
		return nil, false
	}
	r.remove(sub)
	return sub, true
}

// SubscribersOf returns the subscriptions of sessionID in join order.
// Callers must not modify the slice, but may mutate the registry while
// ranging over it.
func (r *Registry) SubscribersOf(sessionID string) []*Subscription {
	return r.bySession[sessionID]
}

// Lookup returns the subscription held by connID.
func (r *Registry) Lookup(connID string) (*Subscription, bool) {
	sub, ok := r.byConn[connID]
	return sub, ok
}

// Count returns the number of subscriptions to sessionID.
func (r *Registry) Count(sessionID string) int {
	return len(r.bySession[sessionID])
}

// Sessions returns the number of sessions with at least one subscription.
func (r *Registry) Sessions() int {
	return len(r.bySession)
}

func (r *Registry) remove(sub *Subscription) {
	sub.removed = true
	sub.replay, sub.participants, sub.buffered = nil, nil, nil
	delete(r.byConn, sub.Conn.ID)

	subs := r.bySession[sub.SessionID]
	kept := make([]*Subscription, 0, len(subs))
	for _, s := range subs {
		if s != sub {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(r.bySession, sub.SessionID)
		return
	}
	r.bySession[sub.SessionID] = kept
}
