package snapshot

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the dev/test Store used when no durable backend is configured.
// It keeps state for the life of the process only.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*memSession
}

type memSession struct {
	snap   Snapshot
	has    bool
	seq    int64
	dedupe map[string]Message
	msgs   []Message
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*memSession)}
}

func (s *MemoryStore) session(id string) *memSession {
	ss := s.sessions[id]
	if ss == nil {
		ss = &memSession{dedupe: make(map[string]Message)}
		s.sessions[id] = ss
	}
	return ss
}

// GetSnapshot returns a copy of the stored snapshot.
func (s *MemoryStore) GetSnapshot(ctx context.Context, sessionID string) (Snapshot, error) {
	if err := checkSessionID(sessionID); err != nil {
		return Snapshot{}, err
	}
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ss := s.sessions[sessionID]
	if ss == nil || !ss.has {
		return Snapshot{}, ErrNotFound
	}
	out := ss.snap
	out.Data = append([]byte(nil), ss.snap.Data...)
	return out, nil
}

// PutSnapshot overwrites the snapshot and bumps its version.
func (s *MemoryStore) PutSnapshot(ctx context.Context, sessionID string, data []byte) (int64, error) {
	if err := checkSnapshot(sessionID, data); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ss := s.session(sessionID)
	ss.snap = Snapshot{
		SessionID: sessionID,
		Data:      append([]byte(nil), data...),
		Version:   ss.snap.Version + 1,
		UpdatedAt: time.Now().UTC(),
	}
	ss.has = true
	return ss.snap.Version, nil
}

// ListMessages returns the newest limit messages in append order.
func (s *MemoryStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if err := checkSessionID(sessionID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	ss := s.sessions[sessionID]
	if ss == nil {
		return []Message{}, nil
	}
	msgs := ss.msgs
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]Message(nil), msgs...), nil
}

// ListMessagesAfter returns up to limit messages after afterSeq in append order.
func (s *MemoryStore) ListMessagesAfter(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]Message, error) {
	if err := checkSessionID(sessionID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	ss := s.sessions[sessionID]
	if ss == nil {
		return []Message{}, nil
	}
	i := sort.Search(len(ss.msgs), func(i int) bool { return ss.msgs[i].Seq > afterSeq })
	msgs := ss.msgs[i:]
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return append([]Message{}, msgs...), nil
}

// AppendMessage appends m unless its ID was already stored.
func (s *MemoryStore) AppendMessage(ctx context.Context, m Message) (AppendResult, error) {
	m, err := normalizeMessage(m)
	if err != nil {
		return AppendResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ss := s.session(m.SessionID)
	if existing, ok := ss.dedupe[m.ID]; ok {
		return AppendResult{Stored: existing, Duplicated: true}, nil
	}

	ss.seq++
	m.Seq = ss.seq
	ss.dedupe[m.ID] = m
	ss.msgs = append(ss.msgs, m)
	return AppendResult{Stored: m}, nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
