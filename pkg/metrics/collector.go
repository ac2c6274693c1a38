package metrics

import (
	"time"

	"github.com/cuemby/hoststack/pkg/types"
)

// StatsSource is implemented by pkg/engine.Engine; kept as a narrow interface
// here so metrics does not import engine (engine already imports metrics).
type StatsSource interface {
	Name() string
	Info(verbosity types.Verbosity) types.Stats
}

// Collector periodically polls a set of engines and republishes their Stats
// snapshots as Prometheus metrics.
type Collector struct {
	engines []StatsSource
	stopCh  chan struct{}
}

// NewCollector creates a collector over the given engines.
func NewCollector(engines []StatsSource) *Collector {
	return &Collector{engines: engines, stopCh: make(chan struct{})}
}

// Start begins periodic collection on its own goroutine.
func (c *Collector) Start(interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts periodic collection.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	for _, e := range c.engines {
		stats := e.Info(types.StatsIncludeWorkers)

		QueueLength.WithLabelValues(stats.Application).Set(float64(stats.QueueLength))
		QueueOldestAgeSeconds.WithLabelValues(stats.Application).Set(stats.OldestQueueAge.Seconds())

		counts := make(map[string]int)
		for _, w := range stats.Workers {
			counts[w.State]++
		}
		for state, n := range counts {
			WorkersTotal.WithLabelValues(stats.Application, state).Set(float64(n))
		}
	}
}
