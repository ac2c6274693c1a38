package engine_test

import (
	"context"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hoststack/pkg/engine"
	"github.com/cuemby/hoststack/pkg/isolate"
	"github.com/cuemby/hoststack/pkg/types"
	"github.com/cuemby/hoststack/pkg/wire"
)

// echoIsolate dials the per-worker unix socket the engine has already
// listening (Engine.spawnWorker calls listenForHandshake before Spawn) and
// drives the worker side of the control and RPC protocols itself: it sends
// the handshake, answers pings with pongs, and echoes every chunk sent on
// an invoked channel back verbatim before choking.
type echoIsolate struct {
	mu      sync.Mutex
	spawned []*echoSpawned
}

func (e *echoIsolate) Close() error { return nil }

func (e *echoIsolate) Spawn(ctx context.Context, spec isolate.Spec) (isolate.Spawned, error) {
	endpoint := filepath.Join(spec.EndpointDir, spec.UUID+".sock")

	var conn net.Conn
	var err error
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err = net.Dial("unix", endpoint)
		if err == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err != nil {
		return nil, fmt.Errorf("echoIsolate: dial %s: %w", endpoint, err)
	}

	sp := &echoSpawned{conn: conn, done: make(chan struct{})}
	e.mu.Lock()
	e.spawned = append(e.spawned, sp)
	e.mu.Unlock()

	go sp.run(spec.UUID)
	return sp, nil
}

type echoSpawned struct {
	conn net.Conn

	mu         sync.Mutex
	terminated bool
	done       chan struct{}
	doneOnce   sync.Once
}

func (s *echoSpawned) ID() string           { return "echo" }
func (s *echoSpawned) Endpoint() string     { return "" }
func (s *echoSpawned) Stdout() io.ReadCloser { return io.NopCloser(strings.NewReader("")) }
func (s *echoSpawned) Wait(ctx context.Context) error {
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (s *echoSpawned) Terminate(ctx context.Context, killAfter time.Duration) error {
	s.mu.Lock()
	s.terminated = true
	s.mu.Unlock()
	_ = s.conn.Close()
	return nil
}

func (s *echoSpawned) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

// run plays the worker side of the wire protocol against the engine's
// session: handshake once, then for every invoke opened on this connection,
// echo chunks back and choke when the client chokes.
func (s *echoSpawned) run(uuid string) {
	defer s.finish()

	hs, err := wire.EncodePayload(wire.HandshakePayload{UUID: uuid})
	if err != nil {
		return
	}
	if err := wire.WriteFrame(s.conn, wire.Frame{ChannelID: 0, ID: wire.MsgHandshake, Payload: hs}); err != nil {
		return
	}

	r := wire.NewReader(s.conn)
	for {
		frame, err := r.ReadFrame()
		if err != nil {
			return
		}
		switch frame.ID {
		case wire.MsgPing:
			_ = wire.WriteFrame(s.conn, wire.Frame{ChannelID: 0, ID: wire.MsgPong})
		case wire.MsgTerminate:
			_ = wire.WriteFrame(s.conn, wire.Frame{ChannelID: 0, ID: wire.MsgTerminated})
		case wire.MsgInvoke:
			// nothing to do until chunks arrive; the invoke itself carries
			// no response.
		case wire.MsgChunk:
			var p wire.ChunkPayload
			if wire.DecodePayload(frame.Payload, &p) == nil {
				payload, _ := wire.EncodePayload(wire.ChunkPayload{Data: p.Data})
				_ = wire.WriteFrame(s.conn, wire.Frame{ChannelID: frame.ChannelID, ID: wire.MsgChunk, Payload: payload})
			}
		case wire.MsgChoke:
			_ = wire.WriteFrame(s.conn, wire.Frame{ChannelID: frame.ChannelID, ID: wire.MsgChoke})
		}
	}
}

// recordingUpstream captures every frame delivered to the client side of a
// channel, in arrival order, for assertions against the ordering
// guarantee.
type recordingUpstream struct {
	mu     sync.Mutex
	chunks [][]byte
	choked bool
	failed error
	done   chan struct{}
}

func newRecordingUpstream() *recordingUpstream {
	return &recordingUpstream{done: make(chan struct{})}
}

func (u *recordingUpstream) Chunk(data []byte) {
	u.mu.Lock()
	u.chunks = append(u.chunks, append([]byte(nil), data...))
	u.mu.Unlock()
}

func (u *recordingUpstream) Choke() {
	u.mu.Lock()
	u.choked = true
	u.mu.Unlock()
	close(u.done)
}

func (u *recordingUpstream) Fail(err error) {
	u.mu.Lock()
	u.failed = err
	u.mu.Unlock()
	select {
	case <-u.done:
	default:
		close(u.done)
	}
}

func (u *recordingUpstream) wait(t *testing.T) {
	t.Helper()
	select {
	case <-u.done:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream never reached a terminal state")
	}
}

func testApp(name string, profile types.Profile) types.Application {
	return types.Application{Name: name, Executable: "/bin/true", Profile: profile}
}

func testProfile() types.Profile {
	p := types.DefaultProfile()
	p.PoolLimit = 1
	p.Concurrency = 1
	p.QueueLimit = 0
	p.SpawnTimeoutMs = 5000
	p.HandshakeTimeoutMs = 5000
	p.HeartbeatTimeoutMs = 5000
	p.SealTimeoutMs = 500
	p.TerminateTimeoutMs = 500
	p.KillTimeoutMs = 100
	return p
}

// Happy path, single channel: a client pushes two chunks then chokes;
// the echoing stub worker delivers them back in the same order, followed by
// choke.
func TestEnqueueHappyPathEchoesInOrder(t *testing.T) {
	p := testProfile()
	eng := engine.New(engine.Config{App: testApp("echo-app", p), Isolate: &echoIsolate{}, SocketDir: t.TempDir()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Run(ctx)
	defer eng.Shutdown(engine.Force)

	up := newRecordingUpstream()
	ch, err := eng.Enqueue(types.Event{Name: "echo"}, up)
	require.NoError(t, err)

	require.NoError(t, ch.SendChunk([]byte("A")))
	require.NoError(t, ch.SendChunk([]byte("B")))
	require.NoError(t, ch.SendChoke())

	up.wait(t)

	up.mu.Lock()
	defer up.mu.Unlock()
	require.Len(t, up.chunks, 2)
	assert.Equal(t, "A", string(up.chunks[0]))
	assert.Equal(t, "B", string(up.chunks[1]))
	assert.True(t, up.choked)
}

// Queue overflow: with pool_limit=1, concurrency=1, queue_limit=2,
// four enqueues in succession are accepted for the first three (one
// assigned to the single worker, two queued) and rejected with
// ErrQueueFull on the fourth.
func TestEnqueueQueueFullRejectsOverflow(t *testing.T) {
	p := testProfile()
	p.QueueLimit = 2
	eng := engine.New(engine.Config{App: testApp("overflow-app", p), Isolate: &echoIsolate{}, SocketDir: t.TempDir()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Run(ctx)
	defer eng.Shutdown(engine.Force)

	// Warm up the one worker the pool is allowed and let it claim the
	// first invocation, leaving its single concurrency slot occupied
	// (the channel is never choked, so the worker never frees up).
	hold := newRecordingUpstream()
	_, err := eng.Enqueue(types.Event{Name: "hold"}, hold)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		stats := eng.Info(types.StatsIncludeWorkers)
		return len(stats.Workers) == 1 && stats.Workers[0].Load == 1
	}, 2*time.Second, 5*time.Millisecond, "worker never became active and loaded")

	accepted := 0
	var lastErr error
	for i := 0; i < 3; i++ {
		_, err := eng.Enqueue(types.Event{Name: "noop"}, newRecordingUpstream())
		if err == nil {
			accepted++
		} else {
			lastErr = err
		}
	}
	assert.Equal(t, 2, accepted, "queue_limit=2 accepts exactly two more once the pool is saturated")
	require.Error(t, lastErr)
	assert.ErrorIs(t, lastErr, types.ErrQueueFull)
}

// A worker with concurrency > 1 must absorb every queued item it has
// capacity for from a single lifecycle event (here, the one worker
// finishing its handshake), not just the front of the queue: with
// pool_limit=1, concurrency=5, five enqueues made while the worker is still
// spawning must all end up assigned to that one worker once it activates,
// leaving the queue empty.
func TestWorkerConcurrencyDrainsWholeQueueOnActivation(t *testing.T) {
	p := testProfile()
	p.PoolLimit = 1
	p.Concurrency = 5
	iso := &echoIsolate{}
	eng := engine.New(engine.Config{App: testApp("concurrent-app", p), Isolate: iso, SocketDir: t.TempDir()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Run(ctx)
	defer eng.Shutdown(engine.Force)

	ups := make([]*recordingUpstream, 5)
	for i := range ups {
		ups[i] = newRecordingUpstream()
		_, err := eng.Enqueue(types.Event{Name: "ping"}, ups[i])
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		stats := eng.Info(types.StatsIncludeWorkers)
		return stats.PoolSize == 1 && stats.QueueLength == 0 &&
			len(stats.Workers) == 1 && stats.Workers[0].Load == 5
	}, 3*time.Second, 10*time.Millisecond, "all five items should have been assigned to the one worker")
}

// Balancer spread: with pool_limit=3, concurrency=1, three
// back-to-back enqueues each spawn their own worker and each receives
// exactly one invoke.
func TestBalancerSpreadsAcrossWorkers(t *testing.T) {
	p := testProfile()
	p.PoolLimit = 3
	p.Concurrency = 1
	p.GrowThreshold = 0 // spawn eagerly whenever the pool has spare capacity
	iso := &echoIsolate{}
	eng := engine.New(engine.Config{App: testApp("spread-app", p), Isolate: iso, SocketDir: t.TempDir()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Run(ctx)
	defer eng.Shutdown(engine.Force)

	ups := make([]*recordingUpstream, 3)
	for i := range ups {
		ups[i] = newRecordingUpstream()
		_, err := eng.Enqueue(types.Event{Name: "ping"}, ups[i])
		require.NoError(t, err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		eng2 := eng.Info(types.StatsIncludeWorkers)
		if eng2.PoolSize == 3 && eng2.QueueLength == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pool never reached 3 workers with an empty queue: %+v", eng2)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
