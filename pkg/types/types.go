package types

import "time"

// Application is the immutable descriptor of one hosted unit.
type Application struct {
	Name       string            `json:"name" yaml:"name"`
	Executable string            `json:"executable,omitempty" yaml:"executable,omitempty"`
	Image      string            `json:"image,omitempty" yaml:"image,omitempty"`
	Endpoint   string            `json:"endpoint" yaml:"endpoint"`
	Env        map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Profile    Profile           `json:"profile" yaml:"profile"`
}

// UsesContainer reports whether the application is isolated via a container
// image rather than a bare executable path.
func (a Application) UsesContainer() bool {
	return a.Image != ""
}

// Profile carries the operational tuning knobs of one application.
type Profile struct {
	PoolLimit          int     `json:"pool_limit" yaml:"pool_limit"`
	QueueLimit         int     `json:"queue_limit" yaml:"queue_limit"`
	Concurrency        int     `json:"concurrency" yaml:"concurrency"`
	GrowThreshold      float64 `json:"grow_threshold" yaml:"grow_threshold"`
	SpawnTimeoutMs     int     `json:"spawn_timeout_ms" yaml:"spawn_timeout_ms"`
	HandshakeTimeoutMs int     `json:"handshake_timeout_ms" yaml:"handshake_timeout_ms"`
	HeartbeatTimeoutMs int     `json:"heartbeat_timeout_ms" yaml:"heartbeat_timeout_ms"`
	IdleTimeoutMs      int     `json:"idle_timeout_ms" yaml:"idle_timeout_ms"`
	SealTimeoutMs      int     `json:"seal_timeout_ms" yaml:"seal_timeout_ms"`
	TerminateTimeoutMs int     `json:"terminate_timeout_ms" yaml:"terminate_timeout_ms"`
	KillTimeoutMs      int     `json:"kill_timeout_ms" yaml:"kill_timeout_ms"`
	CrashlogLimit      int     `json:"crashlog_limit" yaml:"crashlog_limit"`
	Balancer           string  `json:"balancer" yaml:"balancer"`
}

func (p Profile) SpawnTimeout() time.Duration {
	return time.Duration(p.SpawnTimeoutMs) * time.Millisecond
}
func (p Profile) HandshakeTimeout() time.Duration {
	return time.Duration(p.HandshakeTimeoutMs) * time.Millisecond
}
func (p Profile) HeartbeatTimeout() time.Duration {
	return time.Duration(p.HeartbeatTimeoutMs) * time.Millisecond
}
func (p Profile) IdleTimeout() time.Duration { return time.Duration(p.IdleTimeoutMs) * time.Millisecond }
func (p Profile) SealTimeout() time.Duration { return time.Duration(p.SealTimeoutMs) * time.Millisecond }
func (p Profile) TerminateTimeout() time.Duration {
	return time.Duration(p.TerminateTimeoutMs) * time.Millisecond
}
func (p Profile) KillTimeout() time.Duration { return time.Duration(p.KillTimeoutMs) * time.Millisecond }

// DefaultProfile returns conservative defaults for fields left at their zero
// value by a manifest author.
func DefaultProfile() Profile {
	return Profile{
		PoolLimit:          4,
		QueueLimit:         0,
		Concurrency:        1,
		GrowThreshold:      1.0,
		SpawnTimeoutMs:     5000,
		HandshakeTimeoutMs: 5000,
		HeartbeatTimeoutMs: 10000,
		IdleTimeoutMs:      0,
		SealTimeoutMs:      5000,
		TerminateTimeoutMs: 5000,
		KillTimeoutMs:      2000,
		CrashlogLimit:      100,
		Balancer:           "simple",
	}
}

// Event is one client invocation awaiting or undergoing assignment.
type Event struct {
	Name  string
	Born  time.Time
	Trace string
	Tag   string
}

// Verbosity controls how much detail Info() includes in a Stats snapshot.
type Verbosity uint8

const (
	StatsBasic Verbosity = 0

	StatsIncludeQueue   Verbosity = 1 << 0
	StatsIncludeWorkers Verbosity = 1 << 1
)

// Has reports whether the flag bits in want are all set in v.
func (v Verbosity) Has(want Verbosity) bool { return v&want == want }

// WorkerStats is the per-worker slice of an engine's Stats snapshot.
type WorkerStats struct {
	ID                 string
	State              string
	Load               int
	TotalServed        uint64
	RxBytes            uint64
	TxBytes            uint64
	OldestChannelAgeMs int64
	BirthTime          time.Time
	LastError          string
}

// Stats is the aggregated snapshot returned by Engine.Info.
type Stats struct {
	Application    string
	PoolSize       int
	QueueLength    int
	OldestQueueAge time.Duration
	Workers        []WorkerStats
	// QueuedEvents is populated only when Verbosity has StatsIncludeQueue set.
	QueuedEvents []Event
}
