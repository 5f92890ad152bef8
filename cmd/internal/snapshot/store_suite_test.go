package snapshot

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreSuite exercises the Store contract against any backend.
// newStore must return an empty store scoped to the test.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Helper()

	t.Run("snapshot_not_found", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetSnapshot(context.Background(), "sess-missing")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("snapshot_versions_increase", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		v1, err := s.PutSnapshot(ctx, "sess-a", []byte("one"))
		require.NoError(t, err)
		v2, err := s.PutSnapshot(ctx, "sess-a", []byte("two"))
		require.NoError(t, err)
		assert.Equal(t, int64(1), v1)
		assert.Equal(t, int64(2), v2)

		snap, err := s.GetSnapshot(ctx, "sess-a")
		require.NoError(t, err)
		assert.Equal(t, "sess-a", snap.SessionID)
		assert.Equal(t, []byte("two"), snap.Data)
		assert.Equal(t, int64(2), snap.Version)

		// Sessions are independent.
		v, err := s.PutSnapshot(ctx, "sess-b", []byte("other"))
		require.NoError(t, err)
		assert.Equal(t, int64(1), v)
	})

	t.Run("snapshot_rejects_invalid", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.PutSnapshot(ctx, "sess-a", nil)
		require.ErrorIs(t, err, ErrInvalid)
		_, err = s.PutSnapshot(ctx, "bad id/with slash", []byte("x"))
		require.ErrorIs(t, err, ErrInvalid)
	})

	t.Run("concurrent_puts_allocate_distinct_versions", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		const n = 8
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			versions = make(map[int64]bool)
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				v, err := s.PutSnapshot(ctx, "sess-c", []byte(fmt.Sprintf("frame-%d", i)))
				assert.NoError(t, err)
				mu.Lock()
				versions[v] = true
				mu.Unlock()
			}(i)
		}
		wg.Wait()
		assert.Len(t, versions, n)

		snap, err := s.GetSnapshot(ctx, "sess-c")
		require.NoError(t, err)
		assert.Equal(t, int64(n), snap.Version)
	})

	t.Run("messages_append_and_list_in_order", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		ts := time.Date(2026, 3, 4, 5, 6, 7, 123456789, time.UTC)

		for i := 1; i <= 5; i++ {
			res, err := s.AppendMessage(ctx, Message{
				ID:                fmt.Sprintf("m-%02d", i),
				SessionID:         "sess-chat",
				SenderID:          "conn-1",
				SenderDisplayName: "Ada",
				Text:              fmt.Sprintf("hello %d", i),
				ServerTS:          ts.Add(time.Duration(i) * time.Second),
			})
			require.NoError(t, err)
			assert.False(t, res.Duplicated)
			assert.Equal(t, int64(i), res.Stored.Seq)
		}

		all, err := s.ListMessages(ctx, "sess-chat", 0)
		require.NoError(t, err)
		require.Len(t, all, 5)
		for i, m := range all {
			assert.Equal(t, fmt.Sprintf("m-%02d", i+1), m.ID)
			assert.Equal(t, fmt.Sprintf("hello %d", i+1), m.Text)
			assert.Equal(t, "Ada", m.SenderDisplayName)
			assert.Equal(t, "conn-1", m.SenderID)
			assert.True(t, ts.Add(time.Duration(i+1)*time.Second).Truncate(time.Microsecond).Equal(m.ServerTS))
		}

		recent, err := s.ListMessages(ctx, "sess-chat", 2)
		require.NoError(t, err)
		require.Len(t, recent, 2)
		assert.Equal(t, "m-04", recent[0].ID)
		assert.Equal(t, "m-05", recent[1].ID)

		empty, err := s.ListMessages(ctx, "sess-nobody", 10)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("messages_page_after_cursor", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for i := 1; i <= 7; i++ {
			_, err := s.AppendMessage(ctx, Message{
				ID:        fmt.Sprintf("p-%02d", i),
				SessionID: "sess-page",
				SenderID:  "conn-1",
				Text:      fmt.Sprintf("line %d", i),
			})
			require.NoError(t, err)
		}

		page, err := s.ListMessagesAfter(ctx, "sess-page", 0, 3)
		require.NoError(t, err)
		require.Len(t, page, 3)
		assert.Equal(t, "p-01", page[0].ID)
		assert.Equal(t, int64(3), page[2].Seq)

		page, err = s.ListMessagesAfter(ctx, "sess-page", 5, 3)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, "p-06", page[0].ID)
		assert.Equal(t, "p-07", page[1].ID)

		page, err = s.ListMessagesAfter(ctx, "sess-page", 7, 3)
		require.NoError(t, err)
		assert.Empty(t, page)

		var walked []string
		for after := int64(0); ; {
			page, err := s.ListMessagesAfter(ctx, "sess-page", after, 2)
			require.NoError(t, err)
			for _, m := range page {
				walked = append(walked, m.ID)
			}
			if len(page) < 2 {
				break
			}
			after = page[len(page)-1].Seq
		}
		assert.Equal(t, []string{"p-01", "p-02", "p-03", "p-04", "p-05", "p-06", "p-07"}, walked)

		none, err := s.ListMessagesAfter(ctx, "sess-nobody", 0, 2)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("append_is_idempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		m := Message{ID: "dup-1", SessionID: "sess-dup", SenderID: "c", SenderDisplayName: "C", Text: "once"}

		first, err := s.AppendMessage(ctx, m)
		require.NoError(t, err)
		require.False(t, first.Duplicated)

		m.Text = "retry with a different body"
		second, err := s.AppendMessage(ctx, m)
		require.NoError(t, err)
		assert.True(t, second.Duplicated)
		assert.Equal(t, "once", second.Stored.Text)
		assert.Equal(t, first.Stored.Seq, second.Stored.Seq)

		all, err := s.ListMessages(ctx, "sess-dup", 0)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("append_rejects_invalid", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.AppendMessage(ctx, Message{ID: "x", SessionID: "sess", Text: "   "})
		require.ErrorIs(t, err, ErrInvalid)
		_, err = s.AppendMessage(ctx, Message{SessionID: "sess", Text: "no id"})
		require.ErrorIs(t, err, ErrInvalid)
	})

	t.Run("ping", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Ping(context.Background()))
	})
}
