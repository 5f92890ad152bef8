package realtime

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"easel/cmd/internal/snapshot"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SessionInfo is what the directory knows about a session.
type SessionInfo struct {
	ID        string
	RoomID    string
	ExpiresAt time.Time
}

// Directory resolves a sessionID before a join is accepted.
type Directory interface {
	// Lookup returns ErrUnknownSession or ErrSessionExpired for sessions that cannot be joined.
	Lookup(ctx context.Context, sessionID string) (SessionInfo, error)
}

// OpenDirectory accepts every well-formed session id; the room is the session itself.
type OpenDirectory struct{}

// Lookup implements Directory.
func (OpenDirectory) Lookup(ctx context.Context, sessionID string) (SessionInfo, error) {
	if err := ctx.Err(); err != nil {
		return SessionInfo{}, err
	}
	if !snapshot.ValidSessionID(sessionID) {
		return SessionInfo{}, ErrUnknownSession
	}
	return SessionInfo{ID: sessionID, RoomID: sessionID}, nil
}

// PostgresDirectory resolves sessions from easel.whiteboard_sessions.
type PostgresDirectory struct {
	pool   *pgxpool.Pool
	schema string
	now    func() time.Time
}

// DirectoryOption configures PostgresDirectory behavior.
type DirectoryOption func(*PostgresDirectory) error

// WithDirectorySchema sets the DB schema used by the directory (default: "easel").
func WithDirectorySchema(schema string) DirectoryOption {
	return func(d *PostgresDirectory) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		d.schema = schema
		return nil
	}
}

// WithDirectoryClock overrides the clock used for expiry checks.
func WithDirectoryClock(now func() time.Time) DirectoryOption {
	return func(d *PostgresDirectory) error {
		if now == nil {
			return errors.New("realtime: nil clock")
		}
		d.now = now
		return nil
	}
}

// NewPostgresDirectory constructs a directory backed by PostgreSQL.
func NewPostgresDirectory(pool *pgxpool.Pool, opts ...DirectoryOption) (*PostgresDirectory, error) {
	d := &PostgresDirectory{
		pool:   pool,
		schema: "easel",
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	if d.pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	return d, nil
}

// Lookup implements Directory.
func (d *PostgresDirectory) Lookup(ctx context.Context, sessionID string) (SessionInfo, error) {
	if d == nil || d.pool == nil {
		return SessionInfo{}, errors.New("realtime: nil directory")
	}
	sessionID = strings.TrimSpace(sessionID)
	if !snapshot.ValidSessionID(sessionID) {
		return SessionInfo{}, ErrUnknownSession
	}
	if err := ctx.Err(); err != nil {
		return SessionInfo{}, err
	}

	sessions := pgIdent(d.schema, "whiteboard_sessions")

	var (
		info    = SessionInfo{ID: sessionID}
		expires *time.Time
	)
	err := d.pool.QueryRow(ctx,
		`SELECT room_id, expires_at FROM `+sessions+` WHERE id = $1`,
		sessionID,
	).Scan(&info.RoomID, &expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return SessionInfo{}, ErrUnknownSession
	}
	if err != nil {
		return SessionInfo{}, err
	}
	if expires != nil {
		info.ExpiresAt = expires.UTC()
		if !d.now().Before(info.ExpiresAt) {
			return SessionInfo{}, ErrSessionExpired
		}
	}
	return info, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}

var (
	_ Directory = OpenDirectory{}
	_ Directory = (*PostgresDirectory)(nil)
)
