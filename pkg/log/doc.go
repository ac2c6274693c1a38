/*
Package log provides structured logging for the hosting daemon using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific loggers, configurable log levels, and helper functions for
common logging patterns. All logs include timestamps and support filtering by
severity level for production debugging.

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance, initialized once via log.Init().

Context Loggers:
  - WithComponent: tag logs with a subsystem name (engine, worker, session).
  - WithApp: tag logs with the owning application name.
  - WithWorker: tag logs with a worker id.
  - WithChannel: tag logs with a channel id.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	log.Info("hoststackd starting")

	workerLog := log.WithApp("image-resizer").With().Str("worker_id", id).Logger()
	workerLog.Info().Msg("worker spawned")

	log.Logger.Error().Err(err).Str("worker_id", id).Msg("worker heartbeat lost")

# Design Patterns

Global Logger Pattern: a single package-level instance, initialized once at
daemon start, accessible from every package without threading a logger
through constructors.

Context Logger Pattern: create a child logger per worker/channel/app and pass
it down, rather than repeating Str() calls at every call site.
*/
package log
