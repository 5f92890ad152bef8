package snapshot

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return setupSQLiteStore(t) })
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "easel.db")

	s, err := NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	_, err = s.PutSnapshot(ctx, "sess", []byte("png"))
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, Message{ID: "m1", SessionID: "sess", SenderID: "c", Text: "hi"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Migrations are idempotent on reopen.
	s, err = NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	snap, err := s.GetSnapshot(ctx, "sess")
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Version)
	assert.Equal(t, []byte("png"), snap.Data)

	msgs, err := s.ListMessages(ctx, "sess", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Text)
}
