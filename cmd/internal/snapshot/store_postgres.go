package snapshot

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Snapshot writes are a single upsert; the row lock serializes version bumps.
//   - Chat appends take a per-session transactional advisory lock so seq allocation
//     has no gaps and duplicates never consume a seq.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "easel").
// The schema name is validated and safely quoted in queries. Embedded
// migrations only provision "easel"; other schemas must be created out of band.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("snapshot: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("snapshot: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "easel",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("snapshot: nil pool")
	}
	return st, nil
}

// MigratePostgres applies the embedded Postgres migrations through pool.
func MigratePostgres(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return errors.New("snapshot: nil pool")
	}
	db := stdlib.OpenDBFromPool(pool)
	defer func() { _ = db.Close() }()
	return migrate(ctx, db, goose.DialectPostgres, "migrations/postgres")
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Ping checks pool connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return errors.New("snapshot: nil store")
	}
	return s.pool.Ping(ctx)
}

// GetSnapshot returns the stored snapshot or ErrNotFound.
func (s *PostgresStore) GetSnapshot(ctx context.Context, sessionID string) (Snapshot, error) {
	if s == nil || s.pool == nil {
		return Snapshot{}, errors.New("snapshot: nil store")
	}
	if err := checkSessionID(sessionID); err != nil {
		return Snapshot{}, err
	}

	snaps := pgIdent(s.schema, "canvas_snapshots")
	out := Snapshot{SessionID: sessionID}
	err := s.pool.QueryRow(ctx,
		`SELECT data, version, updated_at FROM `+snaps+` WHERE session_id = $1`,
		sessionID,
	).Scan(&out.Data, &out.Version, &out.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("get snapshot: %w", err)
	}
	out.UpdatedAt = out.UpdatedAt.UTC()
	return out, nil
}

// PutSnapshot upserts the snapshot and returns the new version.
func (s *PostgresStore) PutSnapshot(ctx context.Context, sessionID string, data []byte) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, errors.New("snapshot: nil store")
	}
	if err := checkSnapshot(sessionID, data); err != nil {
		return 0, err
	}

	snaps := pgIdent(s.schema, "canvas_snapshots")
	var version int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO `+snaps+` AS c (session_id, data, version, updated_at)
		 VALUES ($1, $2, 1, now())
		 ON CONFLICT (session_id) DO UPDATE
		    SET data = EXCLUDED.data,
		        version = c.version + 1,
		        updated_at = now()
		 RETURNING version`,
		sessionID, data,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("put snapshot: %w", err)
	}
	return version, nil
}

// ListMessages returns the newest limit messages ordered by seq ASC.
func (s *PostgresStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("snapshot: nil store")
	}
	if err := checkSessionID(sessionID); err != nil {
		return nil, err
	}

	messages := pgIdent(s.schema, "chat_messages")
	rows, err := s.pool.Query(ctx,
		`SELECT seq, message_id, sender_id, sender_display_name, text, server_ts FROM (
		     SELECT * FROM `+messages+` WHERE session_id = $1 ORDER BY seq DESC LIMIT $2
		 ) recent ORDER BY seq ASC`,
		sessionID, clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		m := Message{SessionID: sessionID}
		if err := rows.Scan(&m.Seq, &m.ID, &m.SenderID, &m.SenderDisplayName, &m.Text, &m.ServerTS); err != nil {
			return nil, err
		}
		m.ServerTS = m.ServerTS.UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ListMessagesAfter returns up to limit messages with seq > afterSeq, seq ASC.
func (s *PostgresStore) ListMessagesAfter(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]Message, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("snapshot: nil store")
	}
	if err := checkSessionID(sessionID); err != nil {
		return nil, err
	}

	messages := pgIdent(s.schema, "chat_messages")
	rows, err := s.pool.Query(ctx,
		`SELECT seq, message_id, sender_id, sender_display_name, text, server_ts
		 FROM `+messages+` WHERE session_id = $1 AND seq > $2 ORDER BY seq ASC LIMIT $3`,
		sessionID, afterSeq, clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		m := Message{SessionID: sessionID}
		if err := rows.Scan(&m.Seq, &m.ID, &m.SenderID, &m.SenderDisplayName, &m.Text, &m.ServerTS); err != nil {
			return nil, err
		}
		m.ServerTS = m.ServerTS.UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// AppendMessage appends m with idempotency on its ID.
func (s *PostgresStore) AppendMessage(ctx context.Context, m Message) (AppendResult, error) {
	if s == nil || s.pool == nil {
		return AppendResult{}, errors.New("snapshot: nil store")
	}
	m, err := normalizeMessage(m)
	if err != nil {
		return AppendResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return AppendResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	messages := pgIdent(s.schema, "chat_messages")

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "easel.chat:"+m.SessionID); err != nil {
		return AppendResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	existing := Message{SessionID: m.SessionID, ID: m.ID}
	err = tx.QueryRow(ctx,
		`SELECT seq, sender_id, sender_display_name, text, server_ts
		   FROM `+messages+` WHERE session_id = $1 AND message_id = $2`,
		m.SessionID, m.ID,
	).Scan(&existing.Seq, &existing.SenderID, &existing.SenderDisplayName, &existing.Text, &existing.ServerTS)
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return AppendResult{}, err
		}
		existing.ServerTS = existing.ServerTS.UTC()
		return AppendResult{Stored: existing, Duplicated: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return AppendResult{}, err
	}

	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM `+messages+` WHERE session_id = $1`,
		m.SessionID,
	).Scan(&m.Seq); err != nil {
		return AppendResult{}, fmt.Errorf("next seq: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (
		     session_id, seq, message_id, sender_id, sender_display_name, text, server_ts
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.SessionID, m.Seq, m.ID, m.SenderID, m.SenderDisplayName, m.Text, m.ServerTS,
	); err != nil {
		return AppendResult{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendResult{}, err
	}
	return AppendResult{Stored: m}, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}

var _ Store = (*PostgresStore)(nil)
