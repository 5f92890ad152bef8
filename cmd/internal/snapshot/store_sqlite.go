package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteStore is a single-node durable Store backed by SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the database at dbPath.
// Use ":memory:" for an in-memory database (tests).
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// One writer; also keeps ":memory:" to a single shared database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if err := migrate(ctx, db, goose.DialectSQLite3, "migrations/sqlite"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// GetSnapshot returns the stored snapshot or ErrNotFound.
func (s *SQLiteStore) GetSnapshot(ctx context.Context, sessionID string) (Snapshot, error) {
	if err := checkSessionID(sessionID); err != nil {
		return Snapshot{}, err
	}
	var (
		out     = Snapshot{SessionID: sessionID}
		updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT data, version, updated_at FROM canvas_snapshots WHERE session_id = ?`,
		sessionID,
	).Scan(&out.Data, &out.Version, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("get snapshot: %w", err)
	}
	out.UpdatedAt = time.UnixMilli(updated).UTC()
	return out, nil
}

// PutSnapshot upserts the snapshot and returns the new version.
func (s *SQLiteStore) PutSnapshot(ctx context.Context, sessionID string, data []byte) (int64, error) {
	if err := checkSnapshot(sessionID, data); err != nil {
		return 0, err
	}
	var version int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO canvas_snapshots (session_id, data, version, updated_at)
		 VALUES (?, ?, 1, ?)
		 ON CONFLICT (session_id) DO UPDATE
		    SET data = excluded.data,
		        version = canvas_snapshots.version + 1,
		        updated_at = excluded.updated_at
		 RETURNING version`,
		sessionID, data, time.Now().UTC().UnixMilli(),
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("put snapshot: %w", err)
	}
	return version, nil
}

// ListMessages returns the newest limit messages in append order.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if err := checkSessionID(sessionID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, message_id, sender_id, sender_display_name, text, server_ts FROM (
		     SELECT * FROM chat_messages WHERE session_id = ? ORDER BY seq DESC LIMIT ?
		 ) ORDER BY seq ASC`,
		sessionID, clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		m := Message{SessionID: sessionID}
		var ts int64
		if err := rows.Scan(&m.Seq, &m.ID, &m.SenderID, &m.SenderDisplayName, &m.Text, &ts); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.ServerTS = time.UnixMicro(ts).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListMessagesAfter returns up to limit messages with seq > afterSeq in append order.
func (s *SQLiteStore) ListMessagesAfter(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]Message, error) {
	if err := checkSessionID(sessionID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, message_id, sender_id, sender_display_name, text, server_ts
		 FROM chat_messages WHERE session_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?`,
		sessionID, afterSeq, clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		m := Message{SessionID: sessionID}
		var ts int64
		if err := rows.Scan(&m.Seq, &m.ID, &m.SenderID, &m.SenderDisplayName, &m.Text, &ts); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.ServerTS = time.UnixMicro(ts).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

// AppendMessage appends m unless its ID was already stored for the session.
func (s *SQLiteStore) AppendMessage(ctx context.Context, m Message) (AppendResult, error) {
	m, err := normalizeMessage(m)
	if err != nil {
		return AppendResult{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AppendResult{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing := Message{SessionID: m.SessionID, ID: m.ID}
	var ts int64
	err = tx.QueryRowContext(ctx,
		`SELECT seq, sender_id, sender_display_name, text, server_ts
		   FROM chat_messages WHERE session_id = ? AND message_id = ?`,
		m.SessionID, m.ID,
	).Scan(&existing.Seq, &existing.SenderID, &existing.SenderDisplayName, &existing.Text, &ts)
	if err == nil {
		existing.ServerTS = time.UnixMicro(ts).UTC()
		return AppendResult{Stored: existing, Duplicated: true}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return AppendResult{}, fmt.Errorf("lookup message: %w", err)
	}

	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM chat_messages WHERE session_id = ?`,
		m.SessionID,
	).Scan(&m.Seq); err != nil {
		return AppendResult{}, fmt.Errorf("next seq: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chat_messages (session_id, seq, message_id, sender_id, sender_display_name, text, server_ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.SessionID, m.Seq, m.ID, m.SenderID, m.SenderDisplayName, m.Text, m.ServerTS.UnixMicro(),
	); err != nil {
		return AppendResult{}, fmt.Errorf("insert message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return AppendResult{}, fmt.Errorf("commit: %w", err)
	}
	return AppendResult{Stored: m}, nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// DB returns the underlying database connection for testing purposes.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

var _ Store = (*SQLiteStore)(nil)
