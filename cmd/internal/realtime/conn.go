package realtime

import (
	"sync"

	v1 "easel/shared/contracts/realtime/v1"
)

// Transient slot kinds. A newer transient event from the same origin replaces
// an unsent older one.
const (
	transientCursor = "cursor"
	transientTyping = "typing"
)

// Close reasons reported by Conn.Reason.
const (
	ReasonClosed           = "closed"
	ReasonSlowConsumer     = "slow_consumer"
	ReasonCatchUpOverflow  = "catchup_overflow"
	ReasonShutdown         = "shutdown"
	ReasonRelayUnavailable = "relay_unavailable"
)

type transientKey struct {
	kind   string
	origin string
}

// Conn is one connected realtime client as seen by the relay.
//
// Design notes:
//   - queue is a bounded FIFO drained by the transport writer. Enqueue never blocks;
//     a full queue is reported to the caller, which drops the subscriber.
//   - Transient events (cursor, typing) live in per-origin coalescing slots next to
//     the queue and are drained after it.
//   - done is closed exactly once by Close; Reason records why.
type Conn struct {
	ID          string
	UserID      string
	DisplayName string

	mu        sync.Mutex
	queue     []v1.Envelope
	limit     int
	transient map[transientKey]v1.Envelope
	order     []transientKey
	wake      chan struct{}

	done      chan struct{}
	closeOnce sync.Once
	reason    string
}

// NewConn constructs a Conn whose queue holds at most queueLimit live events.
func NewConn(id, userID, displayName string, queueLimit int) *Conn {
	if queueLimit <= 0 {
		queueLimit = wsDefaultSendQueueSize
	}
	return &Conn{
		ID:          id,
		UserID:      userID,
		DisplayName: displayName,
		limit:       queueLimit,
		transient:   make(map[transientKey]v1.Envelope),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// Enqueue appends env without blocking.
// It reports false when the queue is full or the connection is closing.
func (c *Conn) Enqueue(env v1.Envelope) bool {
	if c == nil || c.Closed() {
		return false
	}
	c.mu.Lock()
	if len(c.queue) >= c.limit {
		c.mu.Unlock()
		return false
	}
	c.queue = append(c.queue, env)
	c.mu.Unlock()

	c.signal()
	return true
}

// EnqueueBatch appends envs as one unit, ignoring the live limit as long as the
// queue is not already full. Catch-up uses it to hand a joiner its whole backlog.
func (c *Conn) EnqueueBatch(envs []v1.Envelope) bool {
	if c == nil || c.Closed() {
		return false
	}
	c.mu.Lock()
	if len(c.queue) >= c.limit {
		c.mu.Unlock()
		return false
	}
	c.queue = append(c.queue, envs...)
	c.mu.Unlock()

	c.signal()
	return true
}

// SetTransient stores env in the (kind, origin) slot, replacing any unsent value.
func (c *Conn) SetTransient(kind, origin string, env v1.Envelope) {
	if c == nil || c.Closed() {
		return
	}
	k := transientKey{kind: kind, origin: origin}

	c.mu.Lock()
	if _, ok := c.transient[k]; !ok {
		c.order = append(c.order, k)
	}
	c.transient[k] = env
	c.mu.Unlock()

	c.signal()
}

// DropTransientFrom discards every unsent transient event of origin.
func (c *Conn) DropTransientFrom(origin string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.order[:0]
	for _, k := range c.order {
		if k.origin == origin {
			delete(c.transient, k)
			continue
		}
		kept = append(kept, k)
	}
	c.order = kept
}

// Drain removes and returns everything waiting: queued events in FIFO order,
// then transient events in first-set order.
func (c *Conn) Drain() []v1.Envelope {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.queue) + len(c.order)
	if n == 0 {
		return nil
	}
	out := make([]v1.Envelope, 0, n)
	out = append(out, c.queue...)
	clear(c.queue)
	c.queue = c.queue[:0]

	for _, k := range c.order {
		out = append(out, c.transient[k])
		delete(c.transient, k)
	}
	c.order = c.order[:0]
	return out
}

// Pending returns the number of waiting events (queued plus transient).
func (c *Conn) Pending() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue) + len(c.order)
}

// Wake fires after new events were made available to Drain.
func (c *Conn) Wake() <-chan struct{} {
	return c.wake
}

func (c *Conn) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Done returns a channel that is closed when the connection is shutting down.
func (c *Conn) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	select {
	case <-c.Done():
		return true
	default:
		return false
	}
}

// Close signals the connection goroutines to stop (idempotent). The first
// reason wins.
func (c *Conn) Close(reason string) {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		if reason == "" {
			reason = ReasonClosed
		}
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.done)
	})
}

// Reason returns the close reason, or "" while open.
func (c *Conn) Reason() string {
	if c == nil {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}
