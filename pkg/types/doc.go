/*
Package types defines the core data structures shared across the hosting runtime.

This package contains the domain model described by the engine: applications,
their operational profiles, invocation events, and the aggregated statistics
exposed through an engine's info endpoint. It has no behavior of its own; it
exists so pkg/engine, pkg/worker, pkg/session, pkg/queue, and pkg/config
agree on a single vocabulary.

# Core Types

Application:
  - Application: the immutable descriptor of a hosted unit (name, executable
    or image, endpoint, environment, profile).
  - Profile: the operational tuning knobs for one application (pool limits,
    timeouts, concurrency).

Invocation:
  - Event: one client invocation (name, birth time, optional trace id and tag).
  - Verbosity: bitmask controlling how much detail Info() returns.
  - Stats: an aggregated snapshot of one engine's pool and queue.
  - WorkerStats: per-worker counters included in a Stats snapshot.

# Design Patterns

Profiles are loaded once from pkg/config and never mutated; the engine keeps
a copy alongside each WorkerHandle so a profile change on reload does not
retroactively alter workers already spawned under the old one.

Error kinds wrap with %w rather than a bespoke exception hierarchy; see
errors.go for the sentinel set referenced by pkg/engine, pkg/worker, and
pkg/session.
*/
package types
