package engine

import (
	"sync"

	"github.com/cuemby/hoststack/pkg/session"
	"github.com/cuemby/hoststack/pkg/types"
)

// opKind identifies a buffered client->worker operation awaiting
// assignment.
type opKind int

const (
	opChunk opKind = iota
	opChoke
	opError
)

type bufferedOp struct {
	kind   opKind
	data   []byte
	code   int
	reason string
}

// Channel is the client-facing handle Engine.Enqueue returns. Before the
// underlying invocation is assigned to a worker there is no real
// session.Channel yet, so sends are buffered in submission order; once
// assigned, buffered sends flush to the real channel and every later send
// goes straight through. This lets a caller start pushing request chunks
// immediately after Enqueue returns, matching the ordering guarantee in
// frames submitted in order are delivered in order.
type Channel struct {
	mu       sync.Mutex
	real     *session.Channel
	buffered []bufferedOp
	closed   bool
}

func newChannel() *Channel { return &Channel{} }

// SendChunk forwards one client-originated chunk toward the worker.
func (c *Channel) SendChunk(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return types.ErrEngineStopped
	}
	if c.real != nil {
		return c.real.SendChunk(data)
	}
	c.buffered = append(c.buffered, bufferedOp{kind: opChunk, data: data})
	return nil
}

// SendChoke closes the client->worker direction successfully.
func (c *Channel) SendChoke() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return types.ErrEngineStopped
	}
	c.closed = true
	if c.real != nil {
		return c.real.SendChoke()
	}
	c.buffered = append(c.buffered, bufferedOp{kind: opChoke})
	return nil
}

// SendError closes the client->worker direction with an error.
func (c *Channel) SendError(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return types.ErrEngineStopped
	}
	c.closed = true
	if c.real != nil {
		return c.real.SendError(code, reason)
	}
	c.buffered = append(c.buffered, bufferedOp{kind: opError, code: code, reason: reason})
	return nil
}

// assign wires real as the channel's worker-facing half and flushes every
// buffered send in submission order. Called once, from the engine loop,
// when a PendingItem is assigned to a worker.
func (c *Channel) assign(real *session.Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.real = real
	for _, op := range c.buffered {
		switch op.kind {
		case opChunk:
			_ = real.SendChunk(op.data)
		case opChoke:
			_ = real.SendChoke()
		case opError:
			_ = real.SendError(op.code, op.reason)
		}
	}
	c.buffered = nil
}

// abort is used when a PendingItem is failed before ever being assigned
// (queue_full never reaches here; engine_stopped on a force shutdown does):
// it marks the channel closed so any further client sends fail fast.
func (c *Channel) abort() {
	c.mu.Lock()
	c.closed = true
	c.buffered = nil
	c.mu.Unlock()
}
