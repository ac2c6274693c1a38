package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pool metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hoststack_workers_total",
			Help: "Total number of workers by application and state",
		},
		[]string{"app", "state"},
	)

	WorkersSpawnedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hoststack_workers_spawned_total",
			Help: "Total number of workers ever spawned, by application",
		},
		[]string{"app"},
	)

	WorkersDiedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hoststack_workers_died_total",
			Help: "Total number of workers that reached a terminal state, by application and cause",
		},
		[]string{"app", "cause"},
	)

	// Queue metrics
	QueueLength = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hoststack_queue_length",
			Help: "Current number of pending invocations, by application",
		},
		[]string{"app"},
	)

	QueueOldestAgeSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hoststack_queue_oldest_age_seconds",
			Help: "Age of the oldest pending invocation, by application",
		},
		[]string{"app"},
	)

	QueueRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hoststack_queue_rejected_total",
			Help: "Total enqueue calls rejected with queue_full, by application",
		},
		[]string{"app"},
	)

	// Channel metrics
	ChannelsOpenedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hoststack_channels_opened_total",
			Help: "Total channels opened, by application",
		},
		[]string{"app"},
	)

	ChannelDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hoststack_channel_duration_seconds",
			Help:    "Time a channel stayed open, from assignment to both-directions-closed",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"app"},
	)

	// Worker lifecycle durations
	SpawnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hoststack_spawn_duration_seconds",
			Help:    "Time from spawn() to a successful handshake",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"app"},
	)

	TerminateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hoststack_terminate_duration_seconds",
			Help:    "Time from seal() to stopped",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"app"},
	)
)

func init() {
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(WorkersSpawnedTotal)
	prometheus.MustRegister(WorkersDiedTotal)
	prometheus.MustRegister(QueueLength)
	prometheus.MustRegister(QueueOldestAgeSeconds)
	prometheus.MustRegister(QueueRejectedTotal)
	prometheus.MustRegister(ChannelsOpenedTotal)
	prometheus.MustRegister(ChannelDuration)
	prometheus.MustRegister(SpawnDuration)
	prometheus.MustRegister(TerminateDuration)
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer, starting now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to a plain histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
