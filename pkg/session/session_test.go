package session

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hoststack/pkg/types"
	"github.com/cuemby/hoststack/pkg/wire"
)

// pipeConn adapts a pair of net.Conn (from net.Pipe) to the
// io.ReadWriteCloser Session expects while letting the test drive the
// remote side directly with wire.Reader/wire.WriteFrame.
func pipeConn(t *testing.T) (local, remote net.Conn) {
	t.Helper()
	local, remote = net.Pipe()
	t.Cleanup(func() {
		local.Close()
		remote.Close()
	})
	return local, remote
}

type fakeUpstream struct {
	mu      sync.Mutex
	chunks  [][]byte
	choked  bool
	failErr error
}

func (f *fakeUpstream) Chunk(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, data)
}
func (f *fakeUpstream) Choke() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.choked = true
}
func (f *fakeUpstream) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failErr = err
}

func TestSessionHandshakeInvoked(t *testing.T) {
	local, remote := pipeConn(t)

	handshook := make(chan string, 1)
	sess := New(local, 0, func(uuid string) { handshook <- uuid }, nil)
	go sess.Run()

	payload, err := wire.EncodePayload(wire.HandshakePayload{UUID: "worker-1"})
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(remote, wire.Frame{ChannelID: 0, ID: wire.MsgHandshake, Payload: payload}))

	select {
	case uuid := <-handshook:
		assert.Equal(t, "worker-1", uuid)
	case <-time.After(time.Second):
		t.Fatal("handshake callback not invoked")
	}
}

func TestChannelForwardsChunksAndChoke(t *testing.T) {
	local, remote := pipeConn(t)
	sess := New(local, 0, nil, nil)
	go sess.Run()

	up := &fakeUpstream{}
	r := wire.NewReader(remote)
	type openResult struct {
		ch  *Channel
		err error
	}
	openCh := make(chan openResult, 1)
	go func() {
		ch, err := Open(sess, "echo@run", up, nil, nil)
		openCh <- openResult{ch, err}
	}()

	invoke, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, wire.MsgInvoke, invoke.ID)

	opened := <-openCh
	require.NoError(t, opened.err)
	ch := opened.ch
	assert.Equal(t, ch.ID(), invoke.ChannelID)

	chunkPayload, _ := wire.EncodePayload(wire.ChunkPayload{Data: []byte("hello")})
	require.NoError(t, wire.WriteFrame(remote, wire.Frame{ChannelID: ch.ID(), ID: wire.MsgChunk, Payload: chunkPayload}))
	require.NoError(t, wire.WriteFrame(remote, wire.Frame{ChannelID: ch.ID(), ID: wire.MsgChoke}))

	require.Eventually(t, func() bool {
		up.mu.Lock()
		defer up.mu.Unlock()
		return up.choked && len(up.chunks) == 1
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, []byte("hello"), up.chunks[0])
}

// drainRemote continuously reads frames off remote and republishes them on
// the returned channel, standing in for the worker side of the wire so the
// session's synchronous net.Pipe writes never block on a missing reader.
func drainRemote(remote net.Conn) <-chan wire.Frame {
	out := make(chan wire.Frame, 16)
	go func() {
		r := wire.NewReader(remote)
		for {
			f, err := r.ReadFrame()
			if err != nil {
				close(out)
				return
			}
			out <- f
		}
	}()
	return out
}

func TestChannelClosesOnlyAfterBothDirections(t *testing.T) {
	local, remote := pipeConn(t)
	sess := New(local, 0, nil, nil)
	go sess.Run()
	frames := drainRemote(remote)

	var closed bool
	var mu sync.Mutex
	up := &fakeUpstream{}
	ch, err := Open(sess, "echo@run", up, func() {
		mu.Lock()
		closed = true
		mu.Unlock()
	}, nil)
	require.NoError(t, err)
	<-frames // invoke

	require.NoError(t, ch.SendChoke())
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.False(t, closed, "must not close until the worker side also closes")
	mu.Unlock()

	require.NoError(t, wire.WriteFrame(remote, wire.Frame{ChannelID: ch.ID(), ID: wire.MsgChoke}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return closed
	}, time.Second, 10*time.Millisecond)
}

// TestHeartbeatLossDetachesSession exercises S6: a session that sends pings
// but never receives a pong back must tear itself down within roughly its
// configured heartbeat_timeout_ms, fanning connection_lost to every open
// channel.
func TestHeartbeatLossDetachesSession(t *testing.T) {
	local, remote := pipeConn(t)
	sess := New(local, 60*time.Millisecond, nil, nil)
	runDone := make(chan error, 1)
	go func() { runDone <- sess.Run() }()

	// Drain pings off the wire but never answer with a pong, standing in
	// for a worker whose heartbeat has gone silent.
	go func() {
		r := wire.NewReader(remote)
		for {
			if _, err := r.ReadFrame(); err != nil {
				return
			}
		}
	}()

	up := &fakeUpstream{}
	_, err := Open(sess, "echo@run", up, nil, nil)
	require.NoError(t, err)

	select {
	case err := <-runDone:
		assert.ErrorIs(t, err, types.ErrHeartbeatTimeout)
	case <-time.After(400 * time.Millisecond):
		t.Fatal("session did not detach after heartbeat loss")
	}

	require.Eventually(t, func() bool {
		up.mu.Lock()
		defer up.mu.Unlock()
		return up.failErr != nil
	}, time.Second, 10*time.Millisecond)
}

func TestSessionDetachFansConnectionLostToOpenChannels(t *testing.T) {
	local, remote := pipeConn(t)
	sess := New(local, 0, nil, nil)
	go sess.Run()
	frames := drainRemote(remote)

	up := &fakeUpstream{}
	_, err := Open(sess, "echo@run", up, nil, nil)
	require.NoError(t, err)
	<-frames // invoke

	remote.Close()

	require.Eventually(t, func() bool {
		up.mu.Lock()
		defer up.mu.Unlock()
		return up.failErr != nil
	}, time.Second, 10*time.Millisecond)
}
