package session

import (
	"sync"

	"github.com/cuemby/hoststack/pkg/types"
	"github.com/cuemby/hoststack/pkg/wire"
)

// Upstream is the client-facing half of a channel: whatever submitted the
// PendingItem to the engine. A Channel forwards worker frames into it and
// forwards client frames into the worker via the owning Session.
type Upstream interface {
	Chunk(data []byte)
	Choke()
	Fail(err error)
}

// Channel implements one invocation's worker-facing dispatch, wired to a
// client Upstream. Each
// direction (client->worker, worker->client) closes independently; once
// both are closed the channel removes itself from the session and invokes
// onClose exactly once.
type Channel struct {
	id       uint64
	session  *Session
	upstream Upstream

	mu           sync.Mutex
	clientClosed bool
	workerClosed bool
	closeOnce    sync.Once
	onClose      func()
	onBytes      func(rx, tx int)
}

// Open allocates a channel on sess, wires it to upstream, and sends the
// initial invoke frame carrying event. onClose is called exactly once, from
// whichever goroutine observes both directions closed, after the channel
// has already been removed from the session. onBytes, if non-nil, is
// called on every chunk with the number of bytes just moved in each
// direction (worker->client as rx, client->worker as tx), so the owning
// WorkerHandle can keep its rx_bytes/tx_bytes stats current.
func Open(sess *Session, event string, upstream Upstream, onClose func(), onBytes func(rx, tx int)) (*Channel, error) {
	c := &Channel{session: sess, upstream: upstream, onClose: onClose, onBytes: onBytes}
	c.id = sess.Inject(c)

	payload, err := wire.EncodePayload(wire.InvokePayload{Event: event})
	if err != nil {
		sess.Remove(c.id)
		return nil, err
	}
	if err := sess.Send(c.id, wire.MsgInvoke, payload); err != nil {
		sess.Remove(c.id)
		return nil, err
	}
	return c, nil
}

// ID returns the channel's id within its session.
func (c *Channel) ID() uint64 { return c.id }

// SendChunk forwards one client-originated chunk to the worker.
func (c *Channel) SendChunk(data []byte) error {
	payload, err := wire.EncodePayload(wire.ChunkPayload{Data: data})
	if err != nil {
		return err
	}
	if err := c.session.Send(c.id, wire.MsgChunk, payload); err != nil {
		return err
	}
	c.addBytes(0, len(data))
	return nil
}

// addBytes reports a chunk of rx (worker->client) and/or tx (client->worker)
// bytes to onBytes, if the channel was opened with one.
func (c *Channel) addBytes(rx, tx int) {
	if c.onBytes != nil && (rx != 0 || tx != 0) {
		c.onBytes(rx, tx)
	}
}

// SendChoke closes the client->worker direction successfully.
func (c *Channel) SendChoke() error {
	err := c.session.Send(c.id, wire.MsgChoke, nil)
	c.closeClient()
	return err
}

// SendError closes the client->worker direction with an error.
func (c *Channel) SendError(code int, reason string) error {
	payload, err := wire.EncodePayload(wire.ErrorPayload{Code: code, Reason: reason})
	if err == nil {
		err = c.session.Send(c.id, wire.MsgError, payload)
	}
	c.closeClient()
	return err
}

func (c *Channel) closeClient() {
	c.mu.Lock()
	c.clientClosed = true
	both := c.clientClosed && c.workerClosed
	c.mu.Unlock()
	if both {
		c.finish()
	}
}

// OnChunk implements Dispatch: a worker->client data frame.
func (c *Channel) OnChunk(data []byte) {
	c.upstream.Chunk(data)
	c.addBytes(len(data), 0)
}

// OnChoke implements Dispatch: the worker closed its direction successfully.
func (c *Channel) OnChoke() {
	c.upstream.Choke()
	c.closeWorker()
}

// OnError implements Dispatch: the worker closed its direction with an
// error, or the session detached and is fanning connection_lost out.
func (c *Channel) OnError(code int, reason string) {
	c.upstream.Fail(&types.InvocationError{Code: code, Reason: reason})
	c.closeWorker()
}

func (c *Channel) closeWorker() {
	c.mu.Lock()
	c.workerClosed = true
	both := c.clientClosed && c.workerClosed
	c.mu.Unlock()
	if both {
		c.finish()
	}
}

func (c *Channel) finish() {
	c.closeOnce.Do(func() {
		c.session.Remove(c.id)
		if c.onClose != nil {
			c.onClose()
		}
	})
}
