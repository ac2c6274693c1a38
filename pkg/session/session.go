// Package session implements a length-prefixed, msgpack-framed,
// bidirectional-streaming RPC multiplexer running over one transport
// connection per worker.
package session

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/hoststack/pkg/log"
	"github.com/cuemby/hoststack/pkg/types"
	"github.com/cuemby/hoststack/pkg/wire"
)

// controlChannel is the single fixed channel the control protocol
// (handshake/ping/pong/terminate) is carried on.
const controlChannel uint64 = 0

// Session owns one framed transport connection to a worker and multiplexes
// it into a control protocol (channel 0) and an arbitrary number of RPC
// channels (channel-id > 0).
type Session struct {
	conn      io.ReadWriteCloser
	writeMu   sync.Mutex
	heartbeat time.Duration

	mu       sync.Mutex
	channels map[uint64]Dispatch
	nextID   uint64

	detached  int32 // atomic bool
	detachErr error
	detachMu  sync.Mutex

	onHandshake func(uuid string)
	onDetached  func(err error)
	lastPong    int64 // unix nanos, atomic
}

// New constructs a Session over conn. heartbeat is the handshake-to-pong
// timeout (types.Profile.HeartbeatTimeout); onHandshake is invoked exactly
// once when the worker's handshake frame arrives; onDetached is invoked
// exactly once when the session tears down for any reason, carrying the
// precipitating error (nil for a clean Close).
func New(conn io.ReadWriteCloser, heartbeat time.Duration, onHandshake func(uuid string), onDetached func(err error)) *Session {
	return &Session{
		conn:        conn,
		heartbeat:   heartbeat,
		channels:    make(map[uint64]Dispatch),
		onHandshake: onHandshake,
		onDetached:  onDetached,
	}
}

// Inject allocates a fresh channel-id and registers d to receive frames
// addressed to it. The caller is responsible for sending the initial
// `invoke` frame and for calling Remove once both directions have closed.
func (s *Session) Inject(d Dispatch) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.channels[id] = d
	return id
}

// Remove unregisters a channel-id. Safe to call more than once.
func (s *Session) Remove(id uint64) {
	s.mu.Lock()
	delete(s.channels, id)
	s.mu.Unlock()
}

// Send writes one frame. Writes are serialized behind writeMu so concurrent
// callers never interleave partial frames on the wire.
func (s *Session) Send(channelID uint64, id wire.MessageID, payload []byte) error {
	if atomic.LoadInt32(&s.detached) == 1 {
		return types.ErrConnectionLost
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return wire.WriteFrame(s.conn, wire.Frame{ChannelID: channelID, ID: id, Payload: payload})
}

// SendTerminate writes a terminate control frame.
func (s *Session) SendTerminate(code int, reason string) error {
	payload, err := wire.EncodePayload(wire.TerminatePayload{Code: code, Reason: reason})
	if err != nil {
		return err
	}
	return s.Send(controlChannel, wire.MsgTerminate, payload)
}

// Run drives the reader loop and the heartbeat ticker until the connection
// is detached. It blocks until that happens and always returns the
// detaching error (nil on a clean Close-triggered shutdown).
func (s *Session) Run() error {
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		s.readLoop()
	}()

	if s.heartbeat > 0 {
		go s.heartbeatLoop(readDone)
	}

	<-readDone
	s.detachMu.Lock()
	defer s.detachMu.Unlock()
	return s.detachErr
}

func (s *Session) readLoop() {
	r := wire.NewReader(s.conn)
	atomic.StoreInt64(&s.lastPong, time.Now().UnixNano())

	for {
		frame, err := r.ReadFrame()
		if err != nil {
			s.detach(fmt.Errorf("%w: %v", types.ErrConnectionLost, err))
			return
		}

		if frame.ChannelID == controlChannel {
			s.handleControl(frame)
			continue
		}

		s.mu.Lock()
		d, ok := s.channels[frame.ChannelID]
		s.mu.Unlock()
		if !ok {
			log.Logger.Warn().Uint64("channel", frame.ChannelID).Msg("session: frame for unknown channel dropped")
			continue
		}

		switch frame.ID {
		case wire.MsgChunk:
			var p wire.ChunkPayload
			if err := wire.DecodePayload(frame.Payload, &p); err != nil {
				log.Logger.Warn().Err(err).Msg("session: malformed chunk payload dropped")
				continue
			}
			d.OnChunk(p.Data)
		case wire.MsgChoke:
			d.OnChoke()
		case wire.MsgError:
			var p wire.ErrorPayload
			if err := wire.DecodePayload(frame.Payload, &p); err != nil {
				log.Logger.Warn().Err(err).Msg("session: malformed error payload dropped")
				continue
			}
			d.OnError(p.Code, p.Reason)
		default:
			log.Logger.Warn().Int("msg_id", int(frame.ID)).Msg("session: unexpected message id on rpc channel")
		}
	}
}

func (s *Session) handleControl(frame wire.Frame) {
	switch frame.ID {
	case wire.MsgHandshake:
		var p wire.HandshakePayload
		if err := wire.DecodePayload(frame.Payload, &p); err != nil {
			log.Logger.Warn().Err(err).Msg("session: malformed handshake payload")
			return
		}
		if s.onHandshake != nil {
			s.onHandshake(p.UUID)
		}
	case wire.MsgPong:
		atomic.StoreInt64(&s.lastPong, time.Now().UnixNano())
	case wire.MsgTerminated:
		// Worker acked the terminate RPC; the worker state machine's
		// terminating timer observes this via onDetached/Close, not here.
	default:
		log.Logger.Warn().Int("msg_id", int(frame.ID)).Msg("session: unexpected control message")
	}
}

func (s *Session) heartbeatLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(s.heartbeat / 2)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			last := time.Unix(0, atomic.LoadInt64(&s.lastPong))
			if time.Since(last) > s.heartbeat {
				s.detach(types.ErrHeartbeatTimeout)
				return
			}
			if err := s.Send(controlChannel, wire.MsgPing, nil); err != nil {
				s.detach(err)
				return
			}
		}
	}
}

// Close tears the session down cleanly: detach is invoked with a nil error.
func (s *Session) Close() error {
	s.detach(nil)
	return s.conn.Close()
}

// detach fires exactly once: it fans `connection_lost` out to every
// registered dispatch, closes the connection, and invokes onDetached.
func (s *Session) detach(err error) {
	if !atomic.CompareAndSwapInt32(&s.detached, 0, 1) {
		return
	}
	s.detachMu.Lock()
	s.detachErr = err
	s.detachMu.Unlock()

	s.mu.Lock()
	dispatches := make([]Dispatch, 0, len(s.channels))
	for _, d := range s.channels {
		dispatches = append(dispatches, d)
	}
	s.channels = make(map[uint64]Dispatch)
	s.mu.Unlock()

	reason := types.ErrConnectionLost.Error()
	if err != nil {
		reason = err.Error()
		if !errors.Is(err, types.ErrConnectionLost) {
			reason = types.ErrConnectionLost.Error() + ": " + reason
		}
	}
	for _, d := range dispatches {
		d.OnError(0, reason)
	}

	_ = s.conn.Close()
	if s.onDetached != nil {
		s.onDetached(err)
	}
}
