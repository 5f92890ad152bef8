package realtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenDirectory_Lookup(t *testing.T) {
	info, err := OpenDirectory{}.Lookup(context.Background(), "board-42")
	require.NoError(t, err)
	assert.Equal(t, SessionInfo{ID: "board-42", RoomID: "board-42"}, info)

	_, err = OpenDirectory{}.Lookup(context.Background(), "no spaces allowed")
	assert.ErrorIs(t, err, ErrUnknownSession)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = OpenDirectory{}.Lookup(ctx, "board-42")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewPostgresDirectory_Options(t *testing.T) {
	_, err := NewPostgresDirectory(nil)
	require.Error(t, err)

	_, err = NewPostgresDirectory(nil, WithDirectorySchema("bad-schema;"))
	require.Error(t, err)

	_, err = NewPostgresDirectory(nil, WithDirectoryClock(nil))
	require.Error(t, err)
}

func TestJoinFailureCode(t *testing.T) {
	assert.Equal(t, codeUnknownSession, joinFailureCode(ErrUnknownSession))
	assert.Equal(t, codeSessionExpired, joinFailureCode(ErrSessionExpired))
	assert.Equal(t, codeTimeout, joinFailureCode(ErrCatchUpTimeout))
	assert.Equal(t, codeStoreError, joinFailureCode(context.Canceled))
}
