package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/hoststack/pkg/balancer"
	"github.com/cuemby/hoststack/pkg/fetcher"
	"github.com/cuemby/hoststack/pkg/isolate"
	"github.com/cuemby/hoststack/pkg/log"
	"github.com/cuemby/hoststack/pkg/session"
	"github.com/cuemby/hoststack/pkg/types"
)

// State is one point in the worker lifecycle.
type State string

const (
	Spawning    State = "spawning"
	Handshaking State = "handshaking"
	Active      State = "active"
	Sealing     State = "sealing"
	Terminating State = "terminating"
	Stopped     State = "stopped"
	Broken      State = "broken"
)

// Terminal reports whether s is one of the two states a Handle never
// leaves: Stopped or Broken.
func (s State) Terminal() bool { return s == Stopped || s == Broken }

// Callbacks groups the engine-supplied hooks a Handle invokes as it
// advances. They may be called from any goroutine (spawn goroutine, a
// session's reader goroutine, or a timer) and must not block; the engine is
// expected to post them back onto its own event loop rather than touch pool
// state directly from inside a callback.
type Callbacks struct {
	// OnActive fires exactly once, when the worker finishes handshaking and
	// becomes eligible for channel assignment.
	OnActive func(h *Handle)
	// OnChannelFinished fires every time a channel assigned to this worker
	// closes (both directions), after the load counter has been
	// decremented.
	OnChannelFinished func(h *Handle)
	// OnTerminal fires exactly once, when the worker reaches Stopped or
	// Broken. cause is nil for a clean stop.
	OnTerminal func(h *Handle, cause error)
}

// Handle is the engine's owned view of one worker instance: identity,
// current state, the Session once handshook, load counter, stats, and the
// isolate handle that can terminate the underlying process. The engine
// holds the only reference a caller needs; the Handle exclusively owns its
// isolate handle, output fetcher, and session.
type Handle struct {
	ID        string
	app       types.Application
	profile   types.Profile
	iso       isolate.Isolate
	socketDir string
	cb        Callbacks
	birth     time.Time

	mu            sync.Mutex
	state         State
	lastErr       error
	timer         *time.Timer
	idleTimer     *time.Timer
	spawned       isolate.Spawned
	sess          *session.Session
	fetch         *fetcher.Fetcher
	cancelSpawn   context.CancelFunc
	terminalFired bool

	load               int32 // atomic; count of open channels
	totalServed        uint64
	rxBytes            uint64
	txBytes            uint64
	oldestChannelStart int64 // atomic unix nanos; 0 = no open channel
	lastTag            atomic.Value
}

// New constructs a Handle in state Spawning. Call Spawn to actually start
// the underlying isolate instance.
func New(app types.Application, profile types.Profile, iso isolate.Isolate, socketDir string, cb Callbacks) *Handle {
	return &Handle{
		ID:        uuid.NewString(),
		app:       app,
		profile:   profile,
		iso:       iso,
		socketDir: socketDir,
		cb:        cb,
		birth:     time.Now(),
		state:     Spawning,
	}
}

// Spawn asks the isolate to provision the worker instance asynchronously
// and arms the spawn_timeout_ms timer. It must be called exactly once,
// immediately after New.
func (h *Handle) Spawn(ctx context.Context) {
	spawnCtx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.cancelSpawn = cancel
	h.armTimer(h.profile.SpawnTimeout(), func() { h.fail(Spawning, types.ErrSpawnTimeout) })
	h.mu.Unlock()

	spec := isolate.Spec{
		Name:        h.app.Name,
		Executable:  h.app.Executable,
		Image:       h.app.Image,
		Env:         h.app.Env,
		UUID:        h.ID,
		EndpointDir: h.socketDir,
		Args: []string{
			"--uuid", h.ID,
			"--app", h.app.Name,
			"--endpoint", h.app.Endpoint,
			"--locator", h.app.Endpoint,
			"--protocol", "1",
		},
	}

	go func() {
		spawned, err := h.iso.Spawn(spawnCtx, spec)
		if err != nil {
			h.fail(Spawning, fmt.Errorf("%w: %v", types.ErrSpawnFailed, err))
			return
		}
		h.onSpawned(spawned)
	}()
}

func (h *Handle) onSpawned(spawned isolate.Spawned) {
	h.mu.Lock()
	if h.state != Spawning {
		h.mu.Unlock()
		_ = spawned.Terminate(context.Background(), h.profile.KillTimeout())
		return
	}
	h.spawned = spawned
	h.fetch = fetcher.New(h.app.Name, h.ID, spawned.Stdout(), h.profile.CrashlogLimit)
	h.state = Handshaking
	h.armTimer(h.profile.HandshakeTimeout(), func() { h.fail(Handshaking, types.ErrHandshakeTimeout) })
	fc := h.fetch
	h.mu.Unlock()

	go fc.Run(context.Background())
	log.WithWorker(h.ID).Info().Str("app", h.app.Name).Msg("worker: instance spawned, awaiting handshake")
}

// Activate transitions a Handshaking worker to Active once its handshake
// frame has arrived, wiring sess as its control/RPC transport.
func (h *Handle) Activate(sess *session.Session) {
	h.mu.Lock()
	if h.state != Handshaking {
		h.mu.Unlock()
		return
	}
	h.sess = sess
	h.state = Active
	h.stopTimer()
	h.armIdleTimerLocked()
	h.mu.Unlock()

	log.WithWorker(h.ID).Info().Msg("worker: active")
	if h.cb.OnActive != nil {
		h.cb.OnActive(h)
	}
}

// Assign opens a new channel on this worker's session for event, wiring it
// to upstream. The caller must have already confirmed availability via
// Candidate().Available(); Assign itself re-checks state under lock.
func (h *Handle) Assign(event types.Event, upstream session.Upstream) (*session.Channel, error) {
	h.mu.Lock()
	if h.state != Active {
		h.mu.Unlock()
		return nil, fmt.Errorf("worker: cannot assign a channel while %s", h.state)
	}
	sess := h.sess
	h.stopIdleTimerLocked()
	h.mu.Unlock()

	ch, err := session.Open(sess, event.Name, upstream, func() { h.onChannelClosed() }, h.addBytes)
	if err != nil {
		h.mu.Lock()
		if atomic.LoadInt32(&h.load) == 0 {
			h.armIdleTimerLocked()
		}
		h.mu.Unlock()
		return nil, err
	}

	if atomic.AddInt32(&h.load, 1) == 1 {
		atomic.StoreInt64(&h.oldestChannelStart, time.Now().UnixNano())
	}
	atomic.AddUint64(&h.totalServed, 1)
	if event.Tag != "" {
		h.lastTag.Store(event.Tag)
	}
	return ch, nil
}

// addBytes is wired as every assigned Channel's onBytes callback, keeping
// rx_bytes/tx_bytes current as chunks flow in either direction.
func (h *Handle) addBytes(rx, tx int) {
	if rx > 0 {
		atomic.AddUint64(&h.rxBytes, uint64(rx))
	}
	if tx > 0 {
		atomic.AddUint64(&h.txBytes, uint64(tx))
	}
}

func (h *Handle) onChannelClosed() {
	remaining := atomic.AddInt32(&h.load, -1)
	if remaining == 0 {
		atomic.StoreInt64(&h.oldestChannelStart, 0)
	}

	h.mu.Lock()
	state := h.state
	if remaining == 0 && state == Active {
		h.armIdleTimerLocked()
	}
	h.mu.Unlock()

	if remaining == 0 && state == Sealing {
		h.beginTerminate(nil)
	}
	if h.cb.OnChannelFinished != nil {
		h.cb.OnChannelFinished(h)
	}
}

// Seal transitions an Active worker to Sealing: no further channels may be
// assigned, but channels already open are allowed to finish. A no-op on a
// worker that is already sealing or terminal.
func (h *Handle) Seal() {
	h.mu.Lock()
	if h.state != Active {
		h.mu.Unlock()
		return
	}
	h.state = Sealing
	h.stopIdleTimerLocked()
	h.armTimer(h.profile.SealTimeout(), func() { h.beginTerminate(types.ErrSealTimeout) })
	noOpenChannels := atomic.LoadInt32(&h.load) == 0
	h.mu.Unlock()

	log.WithWorker(h.ID).Info().Msg("worker: sealing")
	if noOpenChannels {
		h.beginTerminate(nil)
	}
}

// Terminate forces a non-terminal worker directly into its termination
// sequence, used by Engine.Shutdown(Force).
func (h *Handle) Terminate() {
	h.mu.Lock()
	state := h.state
	h.mu.Unlock()

	switch state {
	case Spawning:
		h.fail(Spawning, types.ErrConnectionLost)
	case Handshaking:
		h.fail(Handshaking, types.ErrConnectionLost)
	case Active, Sealing:
		h.beginTerminate(types.ErrConnectionLost)
	default:
	}
}

// beginTerminate moves a non-terminal worker into Terminating: it sends the
// terminate control RPC (if a session exists), arms terminate_timeout_ms,
// and waits for either an ack (observed as the session detaching cleanly)
// or the timer.
func (h *Handle) beginTerminate(cause error) {
	h.mu.Lock()
	if h.state == Terminating || h.state.Terminal() {
		h.mu.Unlock()
		return
	}
	h.state = Terminating
	if cause != nil {
		h.lastErr = cause
	}
	h.stopIdleTimerLocked()
	sess := h.sess
	h.armTimer(h.profile.TerminateTimeout(), func() { h.finishStop() })
	h.mu.Unlock()

	log.WithWorker(h.ID).Info().Msg("worker: terminating")
	if sess != nil {
		if err := sess.SendTerminate(0, "terminate"); err != nil {
			h.finishStop()
		}
	} else {
		h.finishStop()
	}
}

// SessionDetached is wired as the owning Session's onDetached callback: it
// fires exactly once when the transport to this worker is lost, for any
// reason (clean close or read error).
func (h *Handle) SessionDetached(err error) {
	h.mu.Lock()
	state := h.state
	h.mu.Unlock()

	switch state {
	case Handshaking:
		h.fail(Handshaking, fmt.Errorf("%w: %v", types.ErrConnectionLost, err))
	case Active, Sealing:
		var cause error
		if err != nil {
			cause = types.ErrConnectionLost
			if errors.Is(err, types.ErrHeartbeatTimeout) {
				cause = types.ErrHeartbeatTimeout
			}
		}
		h.beginTerminate(cause)
	case Terminating:
		h.finishStop()
	default:
	}
}

func (h *Handle) finishStop() {
	h.mu.Lock()
	if h.state.Terminal() {
		h.mu.Unlock()
		return
	}
	h.state = Stopped
	h.stopTimer()
	spawned := h.spawned
	h.mu.Unlock()

	if spawned != nil {
		_ = spawned.Terminate(context.Background(), h.profile.KillTimeout())
	}
	log.WithWorker(h.ID).Info().Msg("worker: stopped")
	h.fireTerminal()
}

// fail transitions the worker to Broken if, and only if, it is still in
// expectedState — guarding against a timer firing after a transition has
// already superseded it.
func (h *Handle) fail(expectedState State, cause error) {
	h.mu.Lock()
	if h.state != expectedState {
		h.mu.Unlock()
		return
	}
	h.state = Broken
	h.lastErr = cause
	h.stopTimer()
	h.stopIdleTimerLocked()
	spawned := h.spawned
	cancel := h.cancelSpawn
	h.mu.Unlock()

	log.WithWorker(h.ID).Error().Err(cause).Msg("worker: broken")
	if cancel != nil {
		cancel()
	}
	if spawned != nil {
		_ = spawned.Terminate(context.Background(), h.profile.KillTimeout())
	}
	h.fireTerminal()
}

func (h *Handle) fireTerminal() {
	h.mu.Lock()
	if h.terminalFired {
		h.mu.Unlock()
		return
	}
	h.terminalFired = true
	cause := h.lastErr
	fetch := h.fetch
	h.mu.Unlock()

	if fetch != nil && cause != nil {
		fetch.Flush(cause)
	}
	if h.cb.OnTerminal != nil {
		h.cb.OnTerminal(h, cause)
	}
}

// armTimer replaces any currently armed state timer with one that calls fn
// after d. A non-positive d leaves the worker without a deadline for that
// state; an unset profile knob simply disables that particular timeout.
func (h *Handle) armTimer(d time.Duration, fn func()) {
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	if d <= 0 {
		return
	}
	h.timer = time.AfterFunc(d, fn)
}

func (h *Handle) stopTimer() {
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}

func (h *Handle) armIdleTimerLocked() {
	h.stopIdleTimerLocked()
	if h.profile.IdleTimeoutMs <= 0 {
		return
	}
	h.idleTimer = time.AfterFunc(h.profile.IdleTimeout(), h.onIdleTimeout)
}

func (h *Handle) stopIdleTimerLocked() {
	if h.idleTimer != nil {
		h.idleTimer.Stop()
		h.idleTimer = nil
	}
}

func (h *Handle) onIdleTimeout() {
	if atomic.LoadInt32(&h.load) > 0 {
		return
	}
	h.Seal()
}

// State returns the worker's current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Load returns the number of channels currently open on this worker.
func (h *Handle) Load() int { return int(atomic.LoadInt32(&h.load)) }

// Candidate returns the read-only balancer view of this worker, fresh on
// every call so the balancer never holds stale state.
func (h *Handle) Candidate() balancer.Candidate {
	tag, _ := h.lastTag.Load().(string)
	return balancer.Candidate{
		ID:                 h.ID,
		Active:             h.State() == Active,
		Load:               h.Load(),
		Concurrency:        h.profile.Concurrency,
		LastTag:            tag,
		OldestChannelStart: atomic.LoadInt64(&h.oldestChannelStart),
	}
}

// Stats returns a point-in-time snapshot for Engine.Info.
func (h *Handle) Stats() types.WorkerStats {
	h.mu.Lock()
	state, lastErr := h.state, h.lastErr
	h.mu.Unlock()

	lastErrStr := ""
	if lastErr != nil {
		lastErrStr = lastErr.Error()
	}
	return types.WorkerStats{
		ID:                 h.ID,
		State:              string(state),
		Load:               h.Load(),
		TotalServed:        atomic.LoadUint64(&h.totalServed),
		RxBytes:            atomic.LoadUint64(&h.rxBytes),
		TxBytes:            atomic.LoadUint64(&h.txBytes),
		OldestChannelAgeMs: ageMillis(atomic.LoadInt64(&h.oldestChannelStart)),
		BirthTime:          h.birth,
		LastError:          lastErrStr,
	}
}

func ageMillis(unixNanos int64) int64 {
	if unixNanos == 0 {
		return 0
	}
	return time.Since(time.Unix(0, unixNanos)).Milliseconds()
}
