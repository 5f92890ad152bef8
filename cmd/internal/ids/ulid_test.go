package ids

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewULID_MonotonicWithinMillisecond(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	out := make([]string, 0, 64)
	for i := 0; i < 64; i++ {
		id, err := NewULID(now)
		require.NoError(t, err)
		require.Len(t, id, 26)
		out = append(out, id)
	}

	assert.True(t, sort.StringsAreSorted(out), "ids minted in one millisecond must sort in mint order")
}

func TestNewULID_ZeroTimeUsesNow(t *testing.T) {
	id, err := NewULID(time.Time{})
	require.NoError(t, err)
	assert.True(t, Valid(id))
}

func TestValid(t *testing.T) {
	assert.True(t, Valid(MustULID(time.Now())))
	assert.False(t, Valid(""))
	assert.False(t, Valid("not-a-ulid"))
}
