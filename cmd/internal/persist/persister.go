// Package persist is the write-behind path between the relay and the snapshot
// store. Callers enqueue and move on; a worker per session drains that
// session's queue in FIFO order and retries store faults with backoff.
package persist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"easel/cmd/internal/snapshot"
	"easel/cmd/internal/telemetry"

	"github.com/sethvargo/go-retry"
)

// ErrClosed is returned once Close has been called.
var ErrClosed = errors.New("persist: closed")

// Payload produces the bytes of a canvas write. Encoding runs on the worker,
// off the caller's goroutine.
type Payload interface {
	Bytes() ([]byte, error)
}

// Raw is a Payload that is already encoded.
type Raw []byte

func (r Raw) Bytes() ([]byte, error) { return r, nil }

// LoadResult is the catch-up read of one session.
type LoadResult struct {
	SessionID   string
	Snapshot    snapshot.Snapshot
	HasSnapshot bool
	Messages    []snapshot.Message
	Err         error
}

type jobKind uint8

const (
	jobCanvas jobKind = iota + 1
	jobChat
	jobLoad
)

func (k jobKind) String() string {
	switch k {
	case jobCanvas:
		return "canvas"
	case jobChat:
		return "chat"
	case jobLoad:
		return "load"
	default:
		return "unknown"
	}
}

type job struct {
	kind     jobKind
	session  string
	payload  Payload
	msg      snapshot.Message
	result   chan LoadResult
	enqueued time.Time
}

type queue struct {
	jobs []*job
}

// Persister owns one FIFO queue per session. Enqueue never blocks.
type Persister struct {
	log     *slog.Logger
	store   snapshot.Store
	cfg     Config
	metrics *telemetry.Metrics

	// ctx bounds every retry; Close cancels it once draining gives up.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	queues map[string]*queue
	closed bool
	wg     sync.WaitGroup
}

// New constructs a Persister writing to store.
func New(log *slog.Logger, store snapshot.Store, cfg Config, metrics *telemetry.Metrics) *Persister {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Persister{
		log:     log,
		store:   store,
		cfg:     cfg.withDefaults(),
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
		queues:  make(map[string]*queue),
	}
}

// PersistCanvas enqueues a full-canvas overwrite. A canvas write still waiting
// at the tail of the session queue is replaced, since only the latest frame matters.
func (p *Persister) PersistCanvas(sessionID string, payload Payload) error {
	if payload == nil {
		return errors.New("persist: nil payload")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	q := p.queues[sessionID]
	if q != nil && len(q.jobs) > 0 {
		if tail := q.jobs[len(q.jobs)-1]; tail.kind == jobCanvas {
			tail.payload = payload
			p.metrics.PersistOp("canvas", "coalesced")
			return nil
		}
	}
	p.enqueueLocked(&job{kind: jobCanvas, session: sessionID, payload: payload, enqueued: time.Now()})
	return nil
}

// AppendChat enqueues a chat append. It is retried until it succeeds or the
// persister shuts down.
func (p *Persister) AppendChat(m snapshot.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.enqueueLocked(&job{kind: jobChat, session: m.SessionID, msg: m, enqueued: time.Now()})
	return nil
}

// Load enqueues an ordered read of the session: it runs after every write
// enqueued before it, so the result reflects all of them. The channel
// receives exactly one result.
func (p *Persister) Load(sessionID string) <-chan LoadResult {
	ch := make(chan LoadResult, 1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		ch <- LoadResult{SessionID: sessionID, Err: ErrClosed}
		return ch
	}
	p.enqueueLocked(&job{kind: jobLoad, session: sessionID, result: ch, enqueued: time.Now()})
	return ch
}

func (p *Persister) enqueueLocked(j *job) {
	q := p.queues[j.session]
	if q == nil {
		q = &queue{}
		p.queues[j.session] = q
		p.wg.Add(1)
		go p.worker(j.session, q)
		p.metrics.PersistQueues(len(p.queues))
	}
	q.jobs = append(q.jobs, j)
}

// worker drains q and exits when it is empty; the next enqueue starts a new one.
func (p *Persister) worker(sessionID string, q *queue) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		if len(q.jobs) == 0 {
			delete(p.queues, sessionID)
			p.metrics.PersistQueues(len(p.queues))
			p.mu.Unlock()
			return
		}
		j := q.jobs[0]
		q.jobs[0] = nil
		q.jobs = q.jobs[1:]
		p.mu.Unlock()

		p.run(j)
	}
}

func (p *Persister) run(j *job) {
	switch j.kind {
	case jobCanvas:
		p.runCanvas(j)
	case jobChat:
		p.runChat(j)
	case jobLoad:
		p.runLoad(j)
	}
	p.metrics.PersistLatency(j.kind.String(), time.Since(j.enqueued))
}

func (p *Persister) runCanvas(j *job) {
	data, err := j.payload.Bytes()
	if err != nil {
		p.log.Error("persist.canvas.encode.fail", "session_id", j.session, "err", err)
		p.metrics.PersistOp("canvas", "drop")
		return
	}

	var (
		version  int64
		attempts int
	)
	err = retry.Do(p.ctx, p.backoff(p.cfg.CanvasMaxRetries), func(ctx context.Context) error {
		attempts++
		opCtx, cancel := context.WithTimeout(ctx, p.cfg.OpTimeout)
		defer cancel()

		v, err := p.store.PutSnapshot(opCtx, j.session, data)
		if err == nil {
			version = v
			return nil
		}
		if snapshot.IsPermanent(err) {
			return err
		}
		p.metrics.PersistOp("canvas", "retry")
		p.log.Warn("persist.canvas.retry", "session_id", j.session, "attempt", attempts, "err", err)
		return retry.RetryableError(err)
	})
	if err != nil {
		p.metrics.PersistOp("canvas", "drop")
		p.log.Error("persist.canvas.drop", "session_id", j.session, "attempts", attempts, "bytes", len(data), "err", err)
		return
	}
	p.metrics.PersistOp("canvas", "ok")
	p.log.Debug("persist.canvas.ok", "session_id", j.session, "version", version, "bytes", len(data))
}

func (p *Persister) runChat(j *job) {
	attempts := 0
	err := retry.Do(p.ctx, p.backoff(0), func(ctx context.Context) error {
		attempts++
		opCtx, cancel := context.WithTimeout(ctx, p.cfg.OpTimeout)
		defer cancel()

		_, err := p.store.AppendMessage(opCtx, j.msg)
		if err == nil {
			return nil
		}
		if snapshot.IsPermanent(err) {
			return err
		}
		p.metrics.PersistOp("chat", "retry")
		if attempts == 1 || attempts%10 == 0 {
			p.log.Warn("persist.chat.retry", "session_id", j.session, "message_id", j.msg.ID, "attempt", attempts, "err", err)
		}
		return retry.RetryableError(err)
	})
	switch {
	case err == nil:
		p.metrics.PersistOp("chat", "ok")
	case errors.Is(err, context.Canceled):
		p.metrics.PersistOp("chat", "abandoned")
		p.log.Error("persist.chat.abandon", "session_id", j.session, "message_id", j.msg.ID, "attempts", attempts)
	default:
		p.metrics.PersistOp("chat", "drop")
		p.log.Error("persist.chat.reject", "session_id", j.session, "message_id", j.msg.ID, "err", err)
	}
}

func (p *Persister) runLoad(j *job) {
	res := LoadResult{SessionID: j.session}
	err := retry.Do(p.ctx, p.backoff(p.cfg.LoadRetries), func(ctx context.Context) error {
		opCtx, cancel := context.WithTimeout(ctx, p.cfg.OpTimeout)
		defer cancel()

		snap, err := p.store.GetSnapshot(opCtx, j.session)
		switch {
		case err == nil:
			res.Snapshot, res.HasSnapshot = snap, true
		case errors.Is(err, snapshot.ErrNotFound):
			res.Snapshot, res.HasSnapshot = snapshot.Snapshot{}, false
		case snapshot.IsPermanent(err):
			return err
		default:
			return retry.RetryableError(err)
		}

		msgs, err := p.loadHistory(ctx, j.session)
		if err != nil {
			if snapshot.IsPermanent(err) {
				return err
			}
			return retry.RetryableError(err)
		}
		res.Messages = msgs
		return nil
	})
	if err != nil {
		p.metrics.PersistOp("load", "drop")
		res = LoadResult{SessionID: j.session, Err: err}
	} else {
		p.metrics.PersistOp("load", "ok")
	}
	j.result <- res
}

// loadHistory walks the whole chat log of a session page by page.
func (p *Persister) loadHistory(ctx context.Context, sessionID string) ([]snapshot.Message, error) {
	out := make([]snapshot.Message, 0)
	var after int64
	for {
		opCtx, cancel := context.WithTimeout(ctx, p.cfg.OpTimeout)
		page, err := p.store.ListMessagesAfter(opCtx, sessionID, after, p.cfg.HistoryPageSize)
		cancel()
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < p.cfg.HistoryPageSize {
			return out, nil
		}
		next := page[len(page)-1].Seq
		if next <= after {
			return nil, fmt.Errorf("history cursor stuck at seq %d", after)
		}
		after = next
	}
}

// backoff builds a fresh exponential policy; maxRetries == 0 means unbounded.
func (p *Persister) backoff(maxRetries uint64) retry.Backoff {
	b := retry.NewExponential(p.cfg.RetryBase)
	b = retry.WithJitterPercent(10, b)
	b = retry.WithCappedDuration(p.cfg.RetryCap, b)
	if maxRetries > 0 {
		b = retry.WithMaxRetries(maxRetries, b)
	}
	return b
}

// Pending reports the number of queued (not yet started) jobs.
func (p *Persister) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, q := range p.queues {
		n += len(q.jobs)
	}
	return n
}

// Close stops accepting work and drains the queues until ctx is done; then it
// cancels outstanding retries and waits for the workers to observe that.
func (p *Persister) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		p.cancel()
		p.log.Info("persist.closed")
		return nil
	case <-ctx.Done():
		pending := p.Pending()
		p.cancel()
		<-drained
		p.log.Warn("persist.closed.incomplete", "pending", pending)
		return ctx.Err()
	}
}

// Run blocks until ctx is done and then closes the persister with a drain
// budget of grace. It lets the persister join an errgroup.
func (p *Persister) Run(ctx context.Context, grace time.Duration) error {
	<-ctx.Done()
	drainCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := p.Close(drainCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
