package worker

import (
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hoststack/pkg/isolate"
	"github.com/cuemby/hoststack/pkg/session"
	"github.com/cuemby/hoststack/pkg/types"
	"github.com/cuemby/hoststack/pkg/wire"
)

// fakeIsolate controls whether/when Spawn resolves, for deterministic
// timing tests of the spawning state.
type fakeIsolate struct {
	mu      sync.Mutex
	block   chan struct{} // closed to allow Spawn to return
	err     error
	spawned *fakeSpawned
}

func newFakeIsolate() *fakeIsolate {
	return &fakeIsolate{block: make(chan struct{})}
}

func (f *fakeIsolate) Close() error { return nil }

func (f *fakeIsolate) Spawn(ctx context.Context, spec isolate.Spec) (isolate.Spawned, error) {
	select {
	case <-f.block:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.spawned = &fakeSpawned{stdout: io.NopCloser(strings.NewReader(""))}
	return f.spawned, nil
}

func (f *fakeIsolate) release() { close(f.block) }

type fakeSpawned struct {
	mu         sync.Mutex
	stdout     io.ReadCloser
	terminated bool
}

func (f *fakeSpawned) ID() string            { return "fake" }
func (f *fakeSpawned) Endpoint() string      { return "/tmp/fake.sock" }
func (f *fakeSpawned) Stdout() io.ReadCloser { return f.stdout }
func (f *fakeSpawned) Wait(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}
func (f *fakeSpawned) Terminate(ctx context.Context, killAfter time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = true
	return nil
}

func testProfile() types.Profile {
	p := types.DefaultProfile()
	p.SpawnTimeoutMs = 5000
	p.HandshakeTimeoutMs = 5000
	p.HeartbeatTimeoutMs = 5000
	p.SealTimeoutMs = 200
	p.TerminateTimeoutMs = 200
	p.KillTimeoutMs = 50
	p.IdleTimeoutMs = 0
	p.Concurrency = 1
	return p
}

func waitForState(t *testing.T, h *Handle, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, want, h.State())
}

func TestSpawnTimeoutGoesBroken(t *testing.T) {
	p := testProfile()
	p.SpawnTimeoutMs = 50

	var terminalCause error
	done := make(chan struct{})
	h := New(types.Application{Name: "app"}, p, newFakeIsolate(), t.TempDir(), Callbacks{
		OnTerminal: func(h *Handle, cause error) {
			terminalCause = cause
			close(done)
		},
	})
	h.Spawn(context.Background())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("spawn timeout never fired")
	}
	assert.Equal(t, Broken, h.State())
	assert.ErrorIs(t, terminalCause, types.ErrSpawnTimeout)
}

func TestHandshakeThenSealDrainsAndTerminates(t *testing.T) {
	p := testProfile()
	iso := newFakeIsolate()

	var terminated bool
	done := make(chan struct{})
	h := New(types.Application{Name: "app"}, p, iso, t.TempDir(), Callbacks{
		OnTerminal: func(h *Handle, cause error) {
			terminated = true
			close(done)
		},
	})
	h.Spawn(context.Background())
	iso.release()

	waitForState(t, h, Handshaking)

	c1, c2 := net.Pipe()
	var sess *session.Session
	sess = session.New(c1, p.HeartbeatTimeout(), func(uuid string) { h.Activate(sess) }, func(err error) { h.SessionDetached(err) })
	go sess.Run()
	defer sess.Close()

	// drain whatever the session writes to its peer (pings, the terminate
	// RPC) so writes on c1 never block the pipe.
	go io.Copy(io.Discard, c2)

	// simulate the worker side sending its handshake frame
	require.NoError(t, sendHandshake(c2))

	waitForState(t, h, Active)

	// no open channels: Seal should go straight to terminating, then stop
	// when terminate_timeout_ms fires, since nothing answers the terminate
	// RPC; stopping asks the fake isolate to terminate its instance.
	h.Seal()
	waitForState(t, h, Stopped)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("terminal callback never fired")
	}
	assert.True(t, terminated)
	assert.True(t, iso.spawned.terminated)
}

type byteFakeUpstream struct {
	mu     sync.Mutex
	chunks [][]byte
}

func (f *byteFakeUpstream) Chunk(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, data)
}
func (f *byteFakeUpstream) Choke()         {}
func (f *byteFakeUpstream) Fail(err error) {}

// TestAssignTracksRxTxBytes exercises §3's WorkerHandle rx_bytes/tx_bytes
// stats: every chunk moved through an assigned channel, in either
// direction, must be reflected in Stats() without waiting for the channel
// to close.
func TestAssignTracksRxTxBytes(t *testing.T) {
	p := testProfile()
	iso := newFakeIsolate()
	h := New(types.Application{Name: "app"}, p, iso, t.TempDir(), Callbacks{})
	h.Spawn(context.Background())
	iso.release()
	waitForState(t, h, Handshaking)

	c1, c2 := net.Pipe()
	var sess *session.Session
	sess = session.New(c1, p.HeartbeatTimeout(), func(uuid string) { h.Activate(sess) }, func(err error) { h.SessionDetached(err) })
	go sess.Run()
	defer sess.Close()

	frames := make(chan wire.Frame, 16)
	go func() {
		r := wire.NewReader(c2)
		for {
			f, err := r.ReadFrame()
			if err != nil {
				close(frames)
				return
			}
			frames <- f
		}
	}()

	require.NoError(t, sendHandshake(c2))
	waitForState(t, h, Active)

	up := &byteFakeUpstream{}
	ch, err := h.Assign(types.Event{Name: "echo"}, up)
	require.NoError(t, err)

	select {
	case invoke := <-frames:
		assert.Equal(t, wire.MsgInvoke, invoke.ID)
	case <-time.After(time.Second):
		t.Fatal("invoke frame never arrived")
	}

	require.NoError(t, ch.SendChunk([]byte("hello"))) // 5 bytes client->worker

	chunkPayload, err := wire.EncodePayload(wire.ChunkPayload{Data: []byte("world!")}) // 6 bytes worker->client
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(c2, wire.Frame{ChannelID: ch.ID(), ID: wire.MsgChunk, Payload: chunkPayload}))

	require.Eventually(t, func() bool {
		stats := h.Stats()
		return stats.TxBytes == 5 && stats.RxBytes == 6
	}, time.Second, 10*time.Millisecond)
}

func TestSealIsIdempotentOnTerminalWorker(t *testing.T) {
	p := testProfile()
	p.SpawnTimeoutMs = 50
	h := New(types.Application{Name: "app"}, p, newFakeIsolate(), t.TempDir(), Callbacks{})
	h.Spawn(context.Background())
	waitForState(t, h, Broken)

	h.Seal() // must not panic or change state
	assert.Equal(t, Broken, h.State())
}

func sendHandshake(w io.Writer) error {
	payload, err := wire.EncodePayload(wire.HandshakePayload{UUID: "fake"})
	if err != nil {
		return err
	}
	return wire.WriteFrame(w, wire.Frame{ChannelID: 0, ID: wire.MsgHandshake, Payload: payload})
}
