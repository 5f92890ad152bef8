package persist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"easel/cmd/internal/snapshot"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("store unavailable")

// flakyStore fails the first N calls of each kind and can block PutSnapshot.
type flakyStore struct {
	*snapshot.MemoryStore

	mu          sync.Mutex
	putFails    int
	appendFails int
	alwaysFail  bool
	gate        chan struct{}

	puts    atomic.Int64
	appends atomic.Int64
	putData [][]byte
}

func newFlakyStore() *flakyStore {
	return &flakyStore{MemoryStore: snapshot.NewMemoryStore()}
}

func (s *flakyStore) PutSnapshot(ctx context.Context, id string, data []byte) (int64, error) {
	s.puts.Add(1)
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	s.mu.Lock()
	if s.alwaysFail || s.putFails > 0 {
		s.putFails--
		s.mu.Unlock()
		return 0, errFlaky
	}
	s.putData = append(s.putData, append([]byte(nil), data...))
	s.mu.Unlock()
	return s.MemoryStore.PutSnapshot(ctx, id, data)
}

func (s *flakyStore) AppendMessage(ctx context.Context, m snapshot.Message) (snapshot.AppendResult, error) {
	s.appends.Add(1)
	s.mu.Lock()
	if s.alwaysFail || s.appendFails > 0 {
		s.appendFails--
		s.mu.Unlock()
		return snapshot.AppendResult{}, errFlaky
	}
	s.mu.Unlock()
	return s.MemoryStore.AppendMessage(ctx, m)
}

func (s *flakyStore) writes() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.putData...)
}

func testConfig() Config {
	return Config{
		CanvasMaxRetries: 3,
		RetryBase:        time.Millisecond,
		RetryCap:         5 * time.Millisecond,
		OpTimeout:        time.Second,
	}
}

func newTestPersister(t *testing.T, store snapshot.Store) *Persister {
	t.Helper()
	p := New(slog.New(slog.NewTextHandler(io.Discard, nil)), store, testConfig(), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Close(ctx)
	})
	return p
}

func chat(session, id, text string) snapshot.Message {
	return snapshot.Message{ID: id, SessionID: session, SenderID: "conn", SenderDisplayName: "Ada", Text: text}
}

func waitLoad(t *testing.T, ch <-chan LoadResult) LoadResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("load did not complete")
		return LoadResult{}
	}
}

func TestPersistCanvas_RetriesThenSucceeds(t *testing.T) {
	store := newFlakyStore()
	store.putFails = 2
	p := newTestPersister(t, store)

	require.NoError(t, p.PersistCanvas("sess", Raw("frame-1")))
	res := waitLoad(t, p.Load("sess"))

	require.NoError(t, res.Err)
	require.True(t, res.HasSnapshot)
	assert.Equal(t, []byte("frame-1"), res.Snapshot.Data)
	assert.Equal(t, int64(1), res.Snapshot.Version)
	assert.Equal(t, int64(3), store.puts.Load())
}

func TestPersistCanvas_BoundedRetryThenDrop(t *testing.T) {
	store := newFlakyStore()
	store.putFails = 100
	p := newTestPersister(t, store)

	require.NoError(t, p.PersistCanvas("sess", Raw("lost")))
	res := waitLoad(t, p.Load("sess"))

	require.NoError(t, res.Err)
	assert.False(t, res.HasSnapshot, "dropped write must not appear")
	assert.Equal(t, int64(testConfig().CanvasMaxRetries+1), store.puts.Load())

	// The queue keeps working after a drop.
	store.mu.Lock()
	store.putFails = 0
	store.mu.Unlock()
	require.NoError(t, p.PersistCanvas("sess", Raw("kept")))
	res = waitLoad(t, p.Load("sess"))
	require.True(t, res.HasSnapshot)
	assert.Equal(t, []byte("kept"), res.Snapshot.Data)
}

func TestAppendChat_RetriedUntilSuccess(t *testing.T) {
	store := newFlakyStore()
	store.appendFails = 25
	p := newTestPersister(t, store)

	require.NoError(t, p.AppendChat(chat("sess", "m1", "hello")))
	res := waitLoad(t, p.Load("sess"))

	require.NoError(t, res.Err)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, "hello", res.Messages[0].Text)
	assert.Equal(t, int64(26), store.appends.Load())
}

func TestLoad_ObservesEveryEarlierWrite(t *testing.T) {
	store := newFlakyStore()
	p := newTestPersister(t, store)

	for i := 0; i < 20; i++ {
		require.NoError(t, p.AppendChat(chat("sess", fmt.Sprintf("m%02d", i), fmt.Sprintf("line %d", i))))
	}
	require.NoError(t, p.PersistCanvas("sess", Raw("final")))

	res := waitLoad(t, p.Load("sess"))
	require.NoError(t, res.Err)
	require.Len(t, res.Messages, 20)
	for i, m := range res.Messages {
		assert.Equal(t, fmt.Sprintf("line %d", i), m.Text)
	}
	assert.Equal(t, []byte("final"), res.Snapshot.Data)
}

func TestLoad_ReturnsWholeChatLogAcrossPages(t *testing.T) {
	store := snapshot.NewMemoryStore()
	ctx := context.Background()
	const total = defaultHistoryPageSize + 1
	for i := 0; i < total; i++ {
		_, err := store.AppendMessage(ctx, chat("sess", fmt.Sprintf("m%04d", i), fmt.Sprintf("msg %d", i)))
		require.NoError(t, err)
	}
	p := newTestPersister(t, store)

	res := waitLoad(t, p.Load("sess"))
	require.NoError(t, res.Err)
	require.Len(t, res.Messages, total)
	assert.Equal(t, "msg 0", res.Messages[0].Text)
	assert.Equal(t, fmt.Sprintf("msg %d", total-1), res.Messages[total-1].Text)
}

func TestLoad_SmallPagesExactMultiple(t *testing.T) {
	store := snapshot.NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 9; i++ {
		_, err := store.AppendMessage(ctx, chat("sess", fmt.Sprintf("m%d", i), fmt.Sprintf("msg %d", i)))
		require.NoError(t, err)
	}
	cfg := testConfig()
	cfg.HistoryPageSize = 3
	p := New(slog.New(slog.NewTextHandler(io.Discard, nil)), store, cfg, nil)
	t.Cleanup(func() { _ = p.Close(context.Background()) })

	res := waitLoad(t, p.Load("sess"))
	require.NoError(t, res.Err)
	require.Len(t, res.Messages, 9)
	for i, m := range res.Messages {
		assert.Equal(t, int64(i+1), m.Seq)
	}
}

func TestPersistCanvas_CoalescesWaitingTail(t *testing.T) {
	store := newFlakyStore()
	store.gate = make(chan struct{})
	p := newTestPersister(t, store)

	require.NoError(t, p.PersistCanvas("sess", Raw("f1")))
	require.Eventually(t, func() bool { return store.puts.Load() == 1 }, time.Second, time.Millisecond)

	// f1 is in flight; f2..f4 collapse into one queued write carrying f4.
	require.NoError(t, p.PersistCanvas("sess", Raw("f2")))
	require.NoError(t, p.PersistCanvas("sess", Raw("f3")))
	require.NoError(t, p.PersistCanvas("sess", Raw("f4")))
	assert.Equal(t, 1, p.Pending())

	store.mu.Lock()
	close(store.gate)
	store.gate = nil
	store.mu.Unlock()

	res := waitLoad(t, p.Load("sess"))
	require.NoError(t, res.Err)
	assert.Equal(t, []byte("f4"), res.Snapshot.Data)
	assert.Equal(t, [][]byte{[]byte("f1"), []byte("f4")}, store.writes())
}

func TestPersistCanvas_DoesNotCoalesceAcrossLoad(t *testing.T) {
	store := newFlakyStore()
	store.gate = make(chan struct{})
	p := newTestPersister(t, store)

	require.NoError(t, p.PersistCanvas("sess", Raw("f1")))
	require.Eventually(t, func() bool { return store.puts.Load() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, p.PersistCanvas("sess", Raw("f2")))
	loaded := p.Load("sess")
	require.NoError(t, p.PersistCanvas("sess", Raw("f3")))
	assert.Equal(t, 3, p.Pending())

	store.mu.Lock()
	close(store.gate)
	store.gate = nil
	store.mu.Unlock()

	res := waitLoad(t, loaded)
	require.NoError(t, res.Err)
	assert.Equal(t, []byte("f2"), res.Snapshot.Data)
}

func TestEnqueue_NeverBlocks(t *testing.T) {
	store := newFlakyStore()
	store.gate = make(chan struct{})
	p := newTestPersister(t, store)
	defer func() {
		store.mu.Lock()
		close(store.gate)
		store.gate = nil
		store.mu.Unlock()
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			_ = p.PersistCanvas(fmt.Sprintf("s%d", i%10), Raw("x"))
			_ = p.AppendChat(chat(fmt.Sprintf("s%d", i%10), fmt.Sprintf("m%d", i), "t"))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("enqueue blocked on a stalled store")
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	store := newFlakyStore()
	p := newTestPersister(t, store)

	require.NoError(t, p.PersistCanvas("a", Raw("A")))
	require.NoError(t, p.PersistCanvas("b", Raw("B")))

	ra := waitLoad(t, p.Load("a"))
	rb := waitLoad(t, p.Load("b"))
	assert.Equal(t, []byte("A"), ra.Snapshot.Data)
	assert.Equal(t, []byte("B"), rb.Snapshot.Data)
}

func TestClose_DrainsThenRejects(t *testing.T) {
	store := newFlakyStore()
	p := New(nil, store, testConfig(), nil)

	for i := 0; i < 10; i++ {
		require.NoError(t, p.AppendChat(chat("sess", fmt.Sprintf("m%d", i), "x")))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Close(ctx))

	msgs, err := store.ListMessages(context.Background(), "sess", 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 10)

	assert.ErrorIs(t, p.AppendChat(chat("sess", "late", "x")), ErrClosed)
	assert.ErrorIs(t, p.PersistCanvas("sess", Raw("x")), ErrClosed)
	assert.ErrorIs(t, waitLoad(t, p.Load("sess")).Err, ErrClosed)
	require.NoError(t, p.Close(ctx), "second close is a no-op")
}

func TestClose_CancelsEndlessChatRetry(t *testing.T) {
	store := newFlakyStore()
	store.alwaysFail = true
	p := New(nil, store, testConfig(), nil)

	require.NoError(t, p.AppendChat(chat("sess", "m1", "never lands")))
	require.Eventually(t, func() bool { return store.appends.Load() > 3 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := p.Close(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, p.Pending())
}

func TestLoad_FailsAfterBoundedRetries(t *testing.T) {
	store := &failingReadStore{MemoryStore: snapshot.NewMemoryStore()}
	p := newTestPersister(t, store)

	res := waitLoad(t, p.Load("sess"))
	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, errFlaky)
}

type failingReadStore struct {
	*snapshot.MemoryStore
}

func (s *failingReadStore) GetSnapshot(context.Context, string) (snapshot.Snapshot, error) {
	return snapshot.Snapshot{}, errFlaky
}

func TestPayloadEncodeFailureDrops(t *testing.T) {
	store := newFlakyStore()
	p := newTestPersister(t, store)

	require.NoError(t, p.PersistCanvas("sess", badPayload{}))
	res := waitLoad(t, p.Load("sess"))
	require.NoError(t, res.Err)
	assert.False(t, res.HasSnapshot)
	assert.Zero(t, store.puts.Load())
}

type badPayload struct{}

func (badPayload) Bytes() ([]byte, error) { return nil, errors.New("encode failed") }
