// Package queue implements the bounded FIFO of unassigned invocations.
package queue

import (
	"sync"
	"time"

	"github.com/cuemby/hoststack/pkg/types"
)

// Upstream is the client-facing sink a PendingItem delivers chunks, errors,
// and the terminal choke to, before the item is assigned to a worker.
type Upstream interface {
	Chunk(data []byte)
	Choke()
	Fail(err error)
}

// PendingItem pairs one Event with the upstream that is waiting on it.
// Attachment is an opaque slot the engine uses to carry its own
// client-facing Channel handle alongside the item without this package
// needing to know that type.
type PendingItem struct {
	Event      types.Event
	Upstream   Upstream
	Attachment any
}

// Age returns how long the item has been waiting, measured from its Event's
// birth timestamp.
func (p PendingItem) Age() time.Duration {
	return time.Since(p.Event.Born)
}

// Queue is a simple mutex-guarded FIFO with O(1) push/pop, bounded by limit
// (0 = unbounded). It is safe for concurrent use, though the engine's design
// only ever touches it from the single event-loop goroutine.
type Queue struct {
	mu    sync.Mutex
	items []PendingItem
	limit int
}

// New creates a Queue bounded at limit items (0 = unbounded).
func New(limit int) *Queue {
	return &Queue{limit: limit}
}

// Push appends item to the back of the queue. It returns types.ErrQueueFull
// without mutating the queue if limit > 0 and the queue is already full.
func (q *Queue) Push(item PendingItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.limit > 0 && len(q.items) >= q.limit {
		return types.ErrQueueFull
	}
	q.items = append(q.items, item)
	return nil
}

// Peek returns the front item without removing it, or ok=false if the queue
// is empty. Used by the engine to read the tag of the item a balancer
// decision is about to act on without popping it prematurely.
func (q *Queue) Peek() (PendingItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return PendingItem{}, false
	}
	return q.items[0], true
}

// Pop removes and returns the front item, or ok=false if the queue is empty.
func (q *Queue) Pop() (PendingItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return PendingItem{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// Len returns the current queue length.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// OldestAge returns how long the front item has been waiting, or 0 if the
// queue is empty.
func (q *Queue) OldestAge() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return 0
	}
	return q.items[0].Age()
}

// DrainAll removes every item from the queue and returns them in FIFO order.
// Used by engine shutdown(force) to fail every pending item at once.
func (q *Queue) DrainAll() []PendingItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// Snapshot returns a copy of the current items without removing them, for
// use by Info(StatsIncludeQueue).
func (q *Queue) Snapshot() []PendingItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]PendingItem, len(q.items))
	copy(out, q.items)
	return out
}
