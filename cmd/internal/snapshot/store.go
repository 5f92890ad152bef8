// Package snapshot contains easel's durable session state: the latest canvas
// snapshot and the chat log of every session, behind the Store interface.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	// DefaultHistoryLimit bounds one ListMessages or ListMessagesAfter page
	// when the caller passes limit <= 0.
	DefaultHistoryLimit = 500
	// MaxHistoryLimit is the hard cap on a single page.
	MaxHistoryLimit = 10_000

	// MaxSnapshotBytes bounds a stored canvas snapshot.
	MaxSnapshotBytes = 8 << 20
	// MaxMessageChars bounds a stored chat line (runes).
	MaxMessageChars = 4000
)

var (
	// ErrNotFound is returned when a session has no stored snapshot.
	ErrNotFound = errors.New("snapshot: not found")
	// ErrInvalid is returned for malformed input (bad session id, empty message, oversized data).
	ErrInvalid = errors.New("snapshot: invalid input")
)

// Snapshot is the latest persisted canvas of a session.
// Version increases by one on every accepted write and never decreases.
type Snapshot struct {
	SessionID string
	Data      []byte
	Version   int64
	UpdatedAt time.Time
}

// Message is one persisted chat line. ID is the idempotency key.
type Message struct {
	ID                string    `json:"messageID"`
	SessionID         string    `json:"sessionID"`
	Seq               int64     `json:"seq"`
	SenderID          string    `json:"senderID"`
	SenderDisplayName string    `json:"senderDisplayName"`
	Text              string    `json:"text"`
	ServerTS          time.Time `json:"serverTimestamp"`
}

// AppendResult is the AppendMessage result.
type AppendResult struct {
	Stored     Message
	Duplicated bool
}

// Store persists canvas snapshots and chat logs.
//
// Requirements:
//   - PutSnapshot is a full overwrite (last write wins) and returns the new version.
//   - AppendMessage is idempotent per message ID; a duplicate returns the stored row.
//   - ListMessages returns the newest limit messages in append order.
//   - ListMessagesAfter returns up to limit messages with Seq > afterSeq in
//     append order; paging it until a short page walks the whole log.
type Store interface {
	GetSnapshot(ctx context.Context, sessionID string) (Snapshot, error)
	PutSnapshot(ctx context.Context, sessionID string, data []byte) (int64, error)
	ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error)
	ListMessagesAfter(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]Message, error)
	AppendMessage(ctx context.Context, m Message) (AppendResult, error)
	Ping(ctx context.Context) error
	Close() error
}

var sessionIDRE = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,127}$`)

// ValidSessionID reports whether id is an acceptable session identifier.
func ValidSessionID(id string) bool {
	return sessionIDRE.MatchString(id)
}

func checkSessionID(id string) error {
	if !ValidSessionID(id) {
		return fmt.Errorf("%w: session id %q", ErrInvalid, id)
	}
	return nil
}

func checkSnapshot(sessionID string, data []byte) error {
	if err := checkSessionID(sessionID); err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: empty snapshot", ErrInvalid)
	}
	if len(data) > MaxSnapshotBytes {
		return fmt.Errorf("%w: snapshot too large (%d bytes)", ErrInvalid, len(data))
	}
	return nil
}

// normalizeMessage validates m and fills defaults shared by every backend.
func normalizeMessage(m Message) (Message, error) {
	if err := checkSessionID(m.SessionID); err != nil {
		return Message{}, err
	}
	m.ID = strings.TrimSpace(m.ID)
	if m.ID == "" || len(m.ID) > 64 {
		return Message{}, fmt.Errorf("%w: message id", ErrInvalid)
	}
	if strings.TrimSpace(m.Text) == "" {
		return Message{}, fmt.Errorf("%w: empty text", ErrInvalid)
	}
	if len([]rune(m.Text)) > MaxMessageChars {
		return Message{}, fmt.Errorf("%w: message too long", ErrInvalid)
	}
	if m.ServerTS.IsZero() {
		m.ServerTS = time.Now().UTC()
	}
	// Every backend keeps microsecond precision.
	m.ServerTS = m.ServerTS.UTC().Truncate(time.Microsecond)
	return m, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}
