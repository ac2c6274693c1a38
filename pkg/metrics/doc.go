/*
Package metrics provides Prometheus metrics collection and exposition for the
application-hosting daemon.

The metrics package defines and registers every daemon metric using the
Prometheus client library, giving observability into pool occupancy, queue
depth, worker lifecycle timing, and channel throughput across all hosted
applications. Metrics are exposed via an HTTP endpoint for scraping.

# Metric Categories

Pool:
  - hoststack_workers_total{app,state}: current worker count by state.
  - hoststack_workers_spawned_total{app}: cumulative spawns.
  - hoststack_workers_died_total{app,cause}: cumulative terminal transitions, labeled by the terminal cause's error text, which begins with its error kind (for example "spawn_timeout" or "spawn_failed: <detail>"), or "clean" for a stop without error.

Queue:
  - hoststack_queue_length{app}: current pending-invocation count.
  - hoststack_queue_oldest_age_seconds{app}: age of the queue's front item.
  - hoststack_queue_rejected_total{app}: enqueue calls rejected with queue_full.

Channels:
  - hoststack_channels_opened_total{app}
  - hoststack_channel_duration_seconds{app}

Worker lifecycle timing:
  - hoststack_spawn_duration_seconds{app}: spawn() to successful handshake.
  - hoststack_terminate_duration_seconds{app}: seal() to stopped.

# Usage

	timer := metrics.NewTimer()
	// ... spawn and handshake a worker ...
	timer.ObserveDurationVec(metrics.SpawnDuration, appName)

# Alerting Notes

A sustained rise in hoststack_queue_rejected_total indicates the application's
pool_limit or queue_limit is undersized for its traffic. A rise in
hoststack_workers_died_total{cause="heartbeat_timeout"} usually indicates a
misbehaving worker binary rather than a daemon bug.
*/
package metrics
