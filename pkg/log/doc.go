/*
Package log provides structured logging for Hyac using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific loggers, configurable levels, and helper functions for
common logging patterns. Both cmd/controller and cmd/runtime initialize this
package once at startup and derive component loggers from it.

# Usage

Initializing the logger:

	import "github.com/cuemby/hyac/pkg/log"

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Simple logging:

	log.Info("controller starting")
	log.Debug("checking task queue depth")
	log.Warn("document store reconnect attempt")
	log.Error("failed to compile function")
	log.Fatal("cannot start without document store") // exits process

Structured logging:

	log.Logger.Info().
		Str("app_id", appID).
		Str("func_id", funcID).
		Msg("function deployed")

Component loggers:

	schedulerLog := log.WithComponent("scheduler")
	schedulerLog.Info().Msg("registered scheduled task")

	taskLog := log.WithComponent("taskqueue").
		With().Str("task_id", taskID).Logger()
	taskLog.Info().Msg("processing task")
	taskLog.Error().Err(err).Msg("task failed")

# Design

A single package-level zerolog.Logger is initialized once via Init and
read from all packages that import this one; WithComponent returns a
child logger with a "component" field so log lines from the scheduler,
reconciler, taskqueue, and dispatch paths can be filtered independently
even though they share one process.

# Security

Never log secrets or function source. dispatch and common redact
request/response bodies from log lines; only metadata (app_id, func_id,
status, duration) is logged for an invocation.
*/
package log
