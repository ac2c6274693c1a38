// Package config loads the application manifest file consumed at daemon
// startup: the list of applications the daemon should build an engine for,
// each with its isolation target and profile knobs.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/hoststack/pkg/types"
)

// Manifest is the top-level shape of the YAML config file.
type Manifest struct {
	// DataDir holds the bbolt manifest store and per-application worker
	// control sockets, laid out as <data-dir>/sockets/<app>.
	DataDir string `yaml:"data_dir"`
	// ContainerdSocket is the containerd API socket used for applications
	// that isolate via an image rather than a bare executable. Left empty,
	// the default /run/containerd/containerd.sock is dialed.
	ContainerdSocket string `yaml:"containerd_socket,omitempty"`
	// MetricsAddr is the address the Prometheus scrape endpoint listens on.
	MetricsAddr string `yaml:"metrics_addr,omitempty"`

	Applications []types.Application `yaml:"applications"`
}

// Load reads and parses the manifest at path, applying DefaultProfile to
// any application whose profile block was omitted or only partially
// specified: zero-valued fields are filled in from the default.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if m.DataDir == "" {
		m.DataDir = "/var/lib/hoststack"
	}
	if m.MetricsAddr == "" {
		m.MetricsAddr = ":9090"
	}

	seen := make(map[string]bool, len(m.Applications))
	for i := range m.Applications {
		app := &m.Applications[i]
		if app.Name == "" {
			return nil, fmt.Errorf("config: application at index %d is missing a name", i)
		}
		if seen[app.Name] {
			return nil, fmt.Errorf("config: duplicate application name %q", app.Name)
		}
		seen[app.Name] = true

		if app.Executable == "" && app.Image == "" {
			return nil, fmt.Errorf("config: application %q needs an executable or an image", app.Name)
		}
		app.Profile = mergeProfile(app.Profile)
	}

	return &m, nil
}

// mergeProfile fills every zero-valued field of p from DefaultProfile,
// leaving explicit manifest overrides untouched.
func mergeProfile(p types.Profile) types.Profile {
	d := types.DefaultProfile()
	if p.PoolLimit == 0 {
		p.PoolLimit = d.PoolLimit
	}
	if p.Concurrency == 0 {
		p.Concurrency = d.Concurrency
	}
	if p.GrowThreshold == 0 {
		p.GrowThreshold = d.GrowThreshold
	}
	if p.SpawnTimeoutMs == 0 {
		p.SpawnTimeoutMs = d.SpawnTimeoutMs
	}
	if p.HandshakeTimeoutMs == 0 {
		p.HandshakeTimeoutMs = d.HandshakeTimeoutMs
	}
	if p.HeartbeatTimeoutMs == 0 {
		p.HeartbeatTimeoutMs = d.HeartbeatTimeoutMs
	}
	if p.SealTimeoutMs == 0 {
		p.SealTimeoutMs = d.SealTimeoutMs
	}
	if p.TerminateTimeoutMs == 0 {
		p.TerminateTimeoutMs = d.TerminateTimeoutMs
	}
	if p.KillTimeoutMs == 0 {
		p.KillTimeoutMs = d.KillTimeoutMs
	}
	if p.CrashlogLimit == 0 {
		p.CrashlogLimit = d.CrashlogLimit
	}
	if p.Balancer == "" {
		p.Balancer = d.Balancer
	}
	// QueueLimit and IdleTimeoutMs default to 0 (unbounded / disabled), so
	// they are intentionally left as the manifest wrote them.
	return p
}
