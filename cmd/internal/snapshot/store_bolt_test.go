package snapshot

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupBoltStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "easel.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBoltStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return setupBoltStore(t) })
}

func TestBoltStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "easel.bolt")

	s, err := NewBoltStore(path)
	require.NoError(t, err)
	_, err = s.PutSnapshot(ctx, "sess", []byte("v1"))
	require.NoError(t, err)
	_, err = s.PutSnapshot(ctx, "sess", []byte("v2"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = NewBoltStore(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	snap, err := s.GetSnapshot(ctx, "sess")
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.Version)
	assert.Equal(t, []byte("v2"), snap.Data)
	assert.False(t, snap.UpdatedAt.IsZero())
}
