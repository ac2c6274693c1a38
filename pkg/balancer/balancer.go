// Package balancer implements the engine's pluggable assignment policy:
// deciding, on enqueue or on worker/channel lifecycle events, which
// worker (if any) should receive the next pending invocation, and when the
// pool should grow.
package balancer

// Candidate is the read-only view of one worker a Balancer can route to or
// count towards pool occupancy, supplied fresh by the engine on every call
// so the balancer never holds its own copy of pool state.
type Candidate struct {
	ID                 string
	Active             bool // true iff the worker is in the Active state
	Load               int
	Concurrency        int
	LastTag            string
	OldestChannelStart int64 // unix nanos; 0 if no open channel
}

// Available reports whether the candidate can accept one more channel: it
// must be Active (not still spawning/handshaking/sealing) and under its
// concurrency limit. Every candidate in the pool is still passed to the
// balancer (Active or not) so poolSize-based spawn decisions see the true
// occupancy; only Available candidates are assignable.
func (c Candidate) Available() bool { return c.Active && c.Load < c.Concurrency }

// Decision is what the balancer wants the engine to do in response to a
// hook call.
type Decision struct {
	// AssignTo, if non-empty, is the worker id the engine should assign the
	// front of the queue to.
	AssignTo string
	// Spawn requests the engine spawn one additional worker.
	Spawn bool
}

// Balancer is the pluggable policy interface. All hooks are called from the
// engine's single event-loop goroutine; implementations must not block.
type Balancer interface {
	// OnEnqueue is called after the pending queue has grown by one. workers
	// is the current pool snapshot, queueLen the current queue length after
	// the push, poolLimit/growThreshold the profile knobs.
	OnEnqueue(tag string, workers []Candidate, queueLen, poolLimit int, growThreshold float64) Decision
	// OnWorkerSpawned is called after a worker reaches active.
	OnWorkerSpawned(workers []Candidate, queueLen int) Decision
	// OnChannelFinished is called after a channel has left the session map
	// and the worker's load has been decremented.
	OnChannelFinished(workers []Candidate, queueLen int) Decision
	// OnWorkerDied is called when a worker reaches a terminal state.
	OnWorkerDied(workers []Candidate, queueLen, poolLimit int, growThreshold float64) Decision
	// OnChannelStarted notifies the policy that workerID now carries tag, so
	// a sticky policy can remember the association.
	OnChannelStarted(workerID, tag string)
}

// New constructs the named policy ("simple" or "sticky"); unknown names fall
// back to "simple".
func New(name string) Balancer {
	switch name {
	case "sticky":
		return newSticky()
	default:
		return &simple{}
	}
}

func shouldGrow(poolSize, poolLimit, queueLen int, growThreshold float64) bool {
	if poolSize >= poolLimit {
		return false
	}
	if poolSize == 0 {
		return true
	}
	return float64(queueLen) > float64(poolSize)*growThreshold
}

// leastLoaded picks the least-loaded available candidate, ties broken by
// earliest OldestChannelStart (0 meaning "no channels yet" sorts first).
func leastLoaded(workers []Candidate) (Candidate, bool) {
	var best Candidate
	found := false
	for _, w := range workers {
		if !w.Available() {
			continue
		}
		if !found {
			best, found = w, true
			continue
		}
		if w.Load < best.Load || (w.Load == best.Load && olderOrEmpty(w, best)) {
			best = w
		}
	}
	return best, found
}

func olderOrEmpty(a, b Candidate) bool {
	if a.OldestChannelStart == 0 {
		return b.OldestChannelStart != 0
	}
	if b.OldestChannelStart == 0 {
		return false
	}
	return a.OldestChannelStart < b.OldestChannelStart
}

// simple is the default least-loaded policy.
type simple struct{}

func (s *simple) OnEnqueue(_ string, workers []Candidate, queueLen, poolLimit int, growThreshold float64) Decision {
	if w, ok := leastLoaded(workers); ok {
		return Decision{AssignTo: w.ID}
	}
	if shouldGrow(len(workers), poolLimit, queueLen, growThreshold) {
		return Decision{Spawn: true}
	}
	return Decision{}
}

func (s *simple) OnWorkerSpawned(workers []Candidate, queueLen int) Decision {
	if queueLen == 0 {
		return Decision{}
	}
	if w, ok := leastLoaded(workers); ok {
		return Decision{AssignTo: w.ID}
	}
	return Decision{}
}

func (s *simple) OnChannelFinished(workers []Candidate, queueLen int) Decision {
	return s.OnWorkerSpawned(workers, queueLen)
}

func (s *simple) OnWorkerDied(workers []Candidate, queueLen, poolLimit int, growThreshold float64) Decision {
	if queueLen == 0 {
		return Decision{}
	}
	if shouldGrow(len(workers), poolLimit, queueLen, growThreshold) {
		return Decision{Spawn: true}
	}
	return Decision{}
}

func (s *simple) OnChannelStarted(string, string) {}
