package journal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultQueueSize is the number of submitted intents that may wait for the
// writer before Submit blocks.
const DefaultQueueSize = 64

// Coordinator is the rendezvous between callers that need an intent made
// durable and the journal writer that makes it so.
//
// Every Submit registers its own Ticket before the intent is queued, so a
// Notify that arrives before the caller reaches Wait is kept in the ticket's
// buffered channel and can only ever wake that caller.
type Coordinator struct {
	mu      sync.Mutex
	pending map[string]*Ticket

	entries   chan *Intent
	closing   chan struct{}
	closeOnce sync.Once
}

// NewCoordinator creates a coordinator with a queue of the given size
// (DefaultQueueSize when <= 0).
func NewCoordinator(queueSize int) *Coordinator {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Coordinator{
		pending: make(map[string]*Ticket),
		entries: make(chan *Intent, queueSize),
		closing: make(chan struct{}),
	}
}

type outcome struct {
	marker Marker
	err    error
}

// Ticket is one caller's handle on a submitted intent.
type Ticket struct {
	id   string
	c    *Coordinator
	done chan outcome
}

// ID returns the intent id the ticket waits for.
func (t *Ticket) ID() string {
	return t.id
}

// Wait blocks until the intent is durable, the writer reports a failure,
// the coordinator closes, or ctx is done. On ctx expiry the ticket is
// abandoned; a later Notify for it is dropped.
func (t *Ticket) Wait(ctx context.Context) (Marker, error) {
	select {
	case out := <-t.done:
		return out.marker, out.err
	case <-ctx.Done():
		t.c.remove(t.id)
		return Marker{}, ctx.Err()
	case <-t.c.closing:
		// a notification may have raced with close
		select {
		case out := <-t.done:
			return out.marker, out.err
		default:
			return Marker{}, ErrCoordinatorClosed
		}
	}
}

// Submit queues intent for the writer and returns the ticket to wait on.
func (c *Coordinator) Submit(ctx context.Context, intent *Intent) (*Ticket, error) {
	if intent.Volume == "" || intent.Snapshot == "" {
		return nil, fmt.Errorf("%w: volume and snapshot are required", ErrInvalidIntent)
	}
	if intent.ID == "" {
		intent.ID = uuid.NewString()
	}
	if intent.SubmittedAt.IsZero() {
		intent.SubmittedAt = time.Now()
	}

	t := &Ticket{id: intent.ID, c: c, done: make(chan outcome, 1)}

	c.mu.Lock()
	if _, dup := c.pending[t.id]; dup {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: duplicate id %s", ErrInvalidIntent, t.id)
	}
	c.pending[t.id] = t
	c.mu.Unlock()

	select {
	case c.entries <- intent:
		return t, nil
	case <-ctx.Done():
		c.remove(t.id)
		return nil, ctx.Err()
	case <-c.closing:
		c.remove(t.id)
		return nil, ErrCoordinatorClosed
	}
}

// Entries is the queue the writer consumes.
func (c *Coordinator) Entries() <-chan *Intent {
	return c.entries
}

// Done is closed when the coordinator is closed.
func (c *Coordinator) Done() <-chan struct{} {
	return c.closing
}

// Notify reports that intent id is durable at m. It returns false when no
// caller is waiting for id (abandoned, or already resolved).
func (c *Coordinator) Notify(id string, m Marker) bool {
	return c.resolve(id, outcome{marker: m})
}

// Fail reports that intent id could not be made durable.
func (c *Coordinator) Fail(id string, err error) bool {
	return c.resolve(id, outcome{err: err})
}

// Pending returns the number of tickets not yet resolved.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close wakes every waiter with ErrCoordinatorClosed and rejects further
// submissions. Intents still queued are not delivered.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		close(c.closing)
	})
}

func (c *Coordinator) resolve(id string, out outcome) bool {
	c.mu.Lock()
	t, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if !ok {
		return false
	}
	t.done <- out
	return true
}

func (c *Coordinator) remove(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}
