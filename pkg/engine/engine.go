// Package engine implements the per-application facade that owns the
// pending queue, the map of worker handles, and the balancer policy,
// driving a single event loop goroutine that serializes every internal
// state change.
package engine

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/hoststack/pkg/balancer"
	"github.com/cuemby/hoststack/pkg/events"
	"github.com/cuemby/hoststack/pkg/isolate"
	"github.com/cuemby/hoststack/pkg/log"
	"github.com/cuemby/hoststack/pkg/metrics"
	"github.com/cuemby/hoststack/pkg/queue"
	"github.com/cuemby/hoststack/pkg/session"
	"github.com/cuemby/hoststack/pkg/types"
	"github.com/cuemby/hoststack/pkg/worker"
)

// Mode selects how Engine.Shutdown behaves.
type Mode int

const (
	// Graceful rejects new enqueues, seals every worker, and waits up to
	// terminate_timeout_ms for the pool to drain before forcing.
	Graceful Mode = iota
	// Force cancels the queue immediately and terminates every worker
	// without waiting for in-flight channels to finish.
	Force
)

// Config bundles everything an Engine needs for one application.
type Config struct {
	App types.Application
	// Isolate provisions and tears down worker instances.
	Isolate isolate.Isolate
	// SocketDir holds the per-worker control sockets this engine listens
	// on; one file "<worker-id>.sock" is created per spawned worker.
	SocketDir string
	// Events, if non-nil, receives worker and channel lifecycle
	// notifications as they happen.
	Events *events.Broker
}

// Engine is the per-application facade that owns the pending queue, the
// worker pool, and the balancer.
type Engine struct {
	app       types.Application
	profile   types.Profile
	iso       isolate.Isolate
	socketDir string
	bal       balancer.Balancer
	q         *queue.Queue

	mailbox chan func()
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	poolMu sync.Mutex
	pool   map[string]*worker.Handle

	listenersMu sync.Mutex
	listeners   map[string]net.Listener

	events  *events.Broker
	stopped int32 // atomic bool
}

// New constructs an Engine for one application. Call Run before Enqueue.
func New(cfg Config) *Engine {
	app := cfg.App
	return &Engine{
		app:       app,
		profile:   app.Profile,
		iso:       cfg.Isolate,
		socketDir: cfg.SocketDir,
		bal:       balancer.New(app.Profile.Balancer),
		q:         queue.New(app.Profile.QueueLimit),
		mailbox:   make(chan func(), 256),
		pool:      make(map[string]*worker.Handle),
		listeners: make(map[string]net.Listener),
		events:    cfg.Events,
	}
}

// publish is a nil-safe wrapper around events.Broker.Publish; engines built
// without an Events broker simply skip notification.
func (e *Engine) publish(typ events.Type, workerID string, channelID uint64, msg string) {
	if e.events == nil {
		return
	}
	e.events.Publish(&events.Event{
		Type: typ, App: e.app.Name, WorkerID: workerID, ChannelID: channelID, Message: msg,
	})
}

// Name returns the application name this engine serves. It implements
// pkg/metrics.StatsSource.
func (e *Engine) Name() string { return e.app.Name }

// Run starts the event loop goroutine. The engine accepts Enqueue calls
// only after Run has been called.
func (e *Engine) Run(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go e.loop()
}

func (e *Engine) loop() {
	defer e.wg.Done()
	for {
		select {
		case fn := <-e.mailbox:
			fn()
		case <-e.ctx.Done():
			return
		}
	}
}

// post runs fn on the event loop goroutine. Safe to call from any
// goroutine, including from inside a worker.Callbacks hook.
func (e *Engine) post(fn func()) {
	select {
	case e.mailbox <- fn:
	case <-e.ctx.Done():
	}
}

// Enqueue appends an invocation to the pending queue and returns a Channel
// through which the caller may immediately start pushing request chunks,
// even though no worker may yet be assigned. It fails fast with
// ErrEngineStopped after Shutdown and with ErrQueueFull once the bounded
// queue is at capacity.
func (e *Engine) Enqueue(event types.Event, upstream queue.Upstream) (*Channel, error) {
	if atomic.LoadInt32(&e.stopped) == 1 {
		return nil, types.ErrEngineStopped
	}
	if event.Born.IsZero() {
		event.Born = time.Now()
	}

	ch := newChannel()
	item := queue.PendingItem{Event: event, Upstream: upstream, Attachment: ch}
	if err := e.q.Push(item); err != nil {
		metrics.QueueRejectedTotal.WithLabelValues(e.app.Name).Inc()
		e.publish(events.QueueRejected, "", 0, err.Error())
		return nil, err
	}

	e.post(func() { e.onEnqueue() })
	return ch, nil
}

func (e *Engine) onEnqueue() {
	e.updateQueueMetrics()
	e.drainAssignments(func(tag string) balancer.Decision {
		return e.bal.OnEnqueue(tag, e.candidates(), e.q.Len(), e.profile.PoolLimit, e.profile.GrowThreshold)
	})
}

// drainAssignments repeatedly asks the balancer for a decision and carries
// it out, re-querying fresh candidates and queue state after every
// assignment. It stops at the first decision that is not an assignment,
// spawning one worker first if that decision asks for it. A
// single lifecycle event (an enqueue, a worker becoming available, a
// channel closing) can therefore drain more than one queued item in one
// call, as §4.6 rule 2 requires whenever a worker's concurrency allows more
// than one channel at a time.
func (e *Engine) drainAssignments(decide func(tag string) balancer.Decision) {
	for {
		tag, _ := e.frontTag()
		d := decide(tag)
		if d.AssignTo != "" {
			if !e.assignFront(d.AssignTo) {
				return
			}
			continue
		}
		if d.Spawn {
			e.spawnWorker()
		}
		return
	}
}

// frontTag returns the routing tag of the queue's front item, for sticky
// routing decisions, without popping it.
func (e *Engine) frontTag() (string, bool) {
	item, ok := e.q.Peek()
	if !ok {
		return "", false
	}
	return item.Event.Tag, true
}

// assignFront implements the assignment protocol for the front of the queue
// against the named worker. It reports whether an assignment actually
// happened, so callers can stop re-driving the balancer once it does not.
func (e *Engine) assignFront(workerID string) bool {
	e.poolMu.Lock()
	h, ok := e.pool[workerID]
	e.poolMu.Unlock()
	if !ok {
		return false
	}

	item, ok := e.q.Pop()
	if !ok {
		return false
	}

	real, err := h.Assign(item.Event, item.Upstream)
	if err != nil {
		log.WithApp(e.app.Name).Warn().Err(err).Str("worker", workerID).
			Msg("engine: worker state changed before assignment landed, requeuing")
		_ = e.q.Push(item)
		return false
	}

	e.bal.OnChannelStarted(workerID, item.Event.Tag)
	metrics.ChannelsOpenedTotal.WithLabelValues(e.app.Name).Inc()
	e.updateQueueMetrics()
	e.publish(events.ChannelStarted, workerID, real.ID(), item.Event.Name)

	if ch, ok := item.Attachment.(*Channel); ok {
		ch.assign(real)
	}
	return true
}

// spawnWorker creates a new Handle, opens its per-worker control socket,
// and starts its isolate instance, refusing if the pool is already at
// pool_limit.
func (e *Engine) spawnWorker() {
	e.poolMu.Lock()
	if len(e.pool) >= e.profile.PoolLimit {
		e.poolMu.Unlock()
		return
	}
	h := worker.New(e.app, e.profile, e.iso, e.socketDir, e.callbacksFor())
	e.pool[h.ID] = h
	e.poolMu.Unlock()

	if err := e.listenForHandshake(h); err != nil {
		log.WithApp(e.app.Name).Error().Err(err).Str("worker", h.ID).
			Msg("engine: failed to open worker control socket")
		e.poolMu.Lock()
		delete(e.pool, h.ID)
		e.poolMu.Unlock()
		return
	}

	metrics.WorkersSpawnedTotal.WithLabelValues(e.app.Name).Inc()
	e.updatePoolMetrics()
	e.publish(events.WorkerSpawned, h.ID, 0, "")
	h.Spawn(e.ctx)
}

func (e *Engine) callbacksFor() worker.Callbacks {
	return worker.Callbacks{
		OnActive:          func(h *worker.Handle) { e.post(func() { e.onWorkerActive(h) }) },
		OnChannelFinished: func(h *worker.Handle) { e.post(func() { e.onChannelFinished() }) },
		OnTerminal:        func(h *worker.Handle, cause error) { e.post(func() { e.onWorkerTerminal(h, cause) }) },
	}
}

// listenForHandshake opens the unix socket the worker identified by h.ID is
// expected to dial back on (same "<dir>/<uuid>.sock" convention the isolate
// implementations use to build Spawned.Endpoint()), and hands the first
// accepted connection to handleConn.
func (e *Engine) listenForHandshake(h *worker.Handle) error {
	path := filepath.Join(e.socketDir, h.ID+".sock")
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("engine: listen %s: %w", path, err)
	}

	e.listenersMu.Lock()
	e.listeners[h.ID] = ln
	e.listenersMu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer os.Remove(path)

		conn, err := ln.Accept()
		e.listenersMu.Lock()
		delete(e.listeners, h.ID)
		e.listenersMu.Unlock()
		if err != nil {
			return
		}
		go e.handleConn(h, conn)
	}()
	return nil
}

func (e *Engine) closeListener(workerID string) {
	e.listenersMu.Lock()
	ln, ok := e.listeners[workerID]
	if ok {
		delete(e.listeners, workerID)
	}
	e.listenersMu.Unlock()
	if ok {
		_ = ln.Close()
	}
}

// handleConn drives one worker's Session for its entire lifetime. It runs
// detached from the engine's own waitgroup: the session tears itself down
// (and notifies h) once the worker disconnects, however long that takes.
func (e *Engine) handleConn(h *worker.Handle, conn net.Conn) {
	var sess *session.Session
	sess = session.New(conn, e.profile.HeartbeatTimeout(),
		func(uuid string) {
			if uuid != h.ID {
				log.WithApp(e.app.Name).Warn().Str("worker", h.ID).Str("handshake_uuid", uuid).
					Msg("engine: handshake uuid does not match the socket it arrived on")
			}
			h.Activate(sess)
		},
		func(err error) { h.SessionDetached(err) },
	)
	_ = sess.Run()
}

func (e *Engine) onWorkerActive(h *worker.Handle) {
	e.updatePoolMetrics()
	e.publish(events.WorkerHandshook, h.ID, 0, "")
	e.drainAssignments(func(string) balancer.Decision {
		return e.bal.OnWorkerSpawned(e.candidates(), e.q.Len())
	})
}

func (e *Engine) onChannelFinished() {
	e.updatePoolMetrics()
	e.updateQueueMetrics()
	e.publish(events.ChannelFinished, "", 0, "")
	e.drainAssignments(func(string) balancer.Decision {
		return e.bal.OnChannelFinished(e.candidates(), e.q.Len())
	})
}

func (e *Engine) onWorkerTerminal(h *worker.Handle, cause error) {
	e.poolMu.Lock()
	delete(e.pool, h.ID)
	e.poolMu.Unlock()
	e.closeListener(h.ID)

	causeLabel := "clean"
	evType := events.WorkerTerminated
	if cause != nil {
		causeLabel = cause.Error()
		evType = events.WorkerBroken
	}
	metrics.WorkersDiedTotal.WithLabelValues(e.app.Name, causeLabel).Inc()
	e.updatePoolMetrics()
	e.publish(evType, h.ID, 0, causeLabel)

	if atomic.LoadInt32(&e.stopped) == 1 {
		return
	}
	e.drainAssignments(func(string) balancer.Decision {
		return e.bal.OnWorkerDied(e.candidates(), e.q.Len(), e.profile.PoolLimit, e.profile.GrowThreshold)
	})
}

// candidates snapshots every pool member as a balancer.Candidate. Every
// worker is included, active or not, so pool-occupancy decisions
// (shouldGrow) see the true size; only Active, under-capacity candidates
// are ever assignable (balancer.Candidate.Available).
func (e *Engine) candidates() []balancer.Candidate {
	e.poolMu.Lock()
	defer e.poolMu.Unlock()
	out := make([]balancer.Candidate, 0, len(e.pool))
	for _, h := range e.pool {
		out = append(out, h.Candidate())
	}
	return out
}

func (e *Engine) poolSize() int {
	e.poolMu.Lock()
	defer e.poolMu.Unlock()
	return len(e.pool)
}

// Info returns an aggregated pool and queue snapshot. Safe to call from any
// goroutine: the queue and pool map are each guarded by their own mutex
// independent of the event loop.
func (e *Engine) Info(verbosity types.Verbosity) types.Stats {
	e.poolMu.Lock()
	poolSize := len(e.pool)
	var workers []types.WorkerStats
	if verbosity.Has(types.StatsIncludeWorkers) {
		workers = make([]types.WorkerStats, 0, len(e.pool))
		for _, h := range e.pool {
			workers = append(workers, h.Stats())
		}
	}
	e.poolMu.Unlock()

	stats := types.Stats{
		Application:    e.app.Name,
		PoolSize:       poolSize,
		QueueLength:    e.q.Len(),
		OldestQueueAge: e.q.OldestAge(),
		Workers:        workers,
	}
	if verbosity.Has(types.StatsIncludeQueue) {
		for _, item := range e.q.Snapshot() {
			stats.QueuedEvents = append(stats.QueuedEvents, item.Event)
		}
	}
	return stats
}

// Shutdown stops the engine. Graceful seals every worker and waits up to
// terminate_timeout_ms for the pool to drain before forcing; Force cancels
// the queue and terminates every worker immediately. Idempotent.
func (e *Engine) Shutdown(mode Mode) {
	if !atomic.CompareAndSwapInt32(&e.stopped, 0, 1) {
		return
	}
	if mode == Graceful {
		e.sealAll()
		e.waitForDrain(e.profile.TerminateTimeout())
	}
	e.forceShutdown()
}

func (e *Engine) sealAll() {
	done := make(chan struct{})
	e.post(func() {
		for _, h := range e.snapshotHandles() {
			h.Seal()
		}
		close(done)
	})
	<-done
}

func (e *Engine) waitForDrain(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for e.poolSize() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
}

func (e *Engine) forceShutdown() {
	done := make(chan struct{})
	e.post(func() {
		for _, item := range e.q.DrainAll() {
			if ch, ok := item.Attachment.(*Channel); ok {
				ch.abort()
			}
			item.Upstream.Fail(types.ErrEngineStopped)
		}
		for _, h := range e.snapshotHandles() {
			h.Terminate()
		}
		close(done)
	})
	<-done

	e.listenersMu.Lock()
	pending := make([]net.Listener, 0, len(e.listeners))
	for id, ln := range e.listeners {
		pending = append(pending, ln)
		delete(e.listeners, id)
	}
	e.listenersMu.Unlock()
	for _, ln := range pending {
		_ = ln.Close()
	}

	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Engine) snapshotHandles() []*worker.Handle {
	e.poolMu.Lock()
	defer e.poolMu.Unlock()
	out := make([]*worker.Handle, 0, len(e.pool))
	for _, h := range e.pool {
		out = append(out, h)
	}
	return out
}

var allStates = []worker.State{
	worker.Spawning, worker.Handshaking, worker.Active,
	worker.Sealing, worker.Terminating, worker.Stopped, worker.Broken,
}

func (e *Engine) updatePoolMetrics() {
	counts := make(map[worker.State]int, len(allStates))
	for _, h := range e.snapshotHandles() {
		counts[h.State()]++
	}
	for _, s := range allStates {
		metrics.WorkersTotal.WithLabelValues(e.app.Name, string(s)).Set(float64(counts[s]))
	}
}

func (e *Engine) updateQueueMetrics() {
	metrics.QueueLength.WithLabelValues(e.app.Name).Set(float64(e.q.Len()))
	metrics.QueueOldestAgeSeconds.WithLabelValues(e.app.Name).Set(e.q.OldestAge().Seconds())
}
