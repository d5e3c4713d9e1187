// Package observability provides structured logging, metrics and tracing
// for the patch engine.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds instance context to a logger.
func EnrichLogger(logger *slog.Logger, instanceID, definitionID string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("instance_id", instanceID),
		slog.String("definition_id", definitionID),
	)
}

// LogLoopState logs the control loop starting or stopping.
func LogLoopState(logger *slog.Logger, running bool, interval time.Duration) {
	if logger == nil {
		return
	}
	msg := "control loop stopped"
	if running {
		msg = "control loop started"
	}
	logger.Info(msg, slog.Duration("interval", interval))
}

// LogTickComplete logs a completed tick.
func LogTickComplete(logger *slog.Logger, tick uint64, durationMs float64, evaluated, failed int) {
	if logger == nil {
		return
	}
	logger.Debug("tick completed",
		slog.Uint64("tick", tick),
		slog.Float64("duration_ms", durationMs),
		slog.Int("evaluated", evaluated),
		slog.Int("failed", failed),
	)
}

// LogCycle logs that the execution order fell back to enumeration order
// for instances on a cycle.
func LogCycle(logger *slog.Logger, cyclic []string) {
	if logger == nil {
		return
	}
	logger.Warn("connection cycle detected, evaluating in enumeration order",
		slog.Any("instances", cyclic),
	)
}

// LogLogicError logs an instance's logic failure.
func LogLogicError(logger *slog.Logger, instanceID string, tick uint64, err error) {
	if logger == nil {
		return
	}
	logger.Warn("instance logic failed",
		slog.String("instance_id", instanceID),
		slog.Uint64("tick", tick),
		slog.String("error", err.Error()),
	)
}

// LogPanic logs a recovered logic panic with its stack.
func LogPanic(logger *slog.Logger, instanceID string, value any, stack string) {
	if logger == nil {
		return
	}
	logger.Error("instance logic panicked",
		slog.String("instance_id", instanceID),
		slog.Any("panic", value),
		slog.String("stack", stack),
	)
}

// LogUnitBuilt logs a successful unit construction.
func LogUnitBuilt(logger *slog.Logger, instanceID string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("unit built",
		slog.String("instance_id", instanceID),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogUnitBuildError logs a unit construction failure.
func LogUnitBuildError(logger *slog.Logger, instanceID string, err error) {
	if logger == nil {
		return
	}
	logger.Error("unit construction failed",
		slog.String("instance_id", instanceID),
		slog.String("error", err.Error()),
	)
}

// LogUnitReleased logs a unit teardown.
func LogUnitReleased(logger *slog.Logger, instanceID string) {
	if logger == nil {
		return
	}
	logger.Debug("unit released", slog.String("instance_id", instanceID))
}

// LogRoute logs a route being connected or disconnected.
func LogRoute(logger *slog.Logger, connectionID, op string) {
	if logger == nil {
		return
	}
	logger.Debug("route "+op, slog.String("connection_id", connectionID))
}

// LogRouteError logs a route failure (non-fatal).
func LogRouteError(logger *slog.Logger, connectionID, op string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("route failed",
		slog.String("connection_id", connectionID),
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
}

// LogUnitCallError logs a failed call on a ready unit from the control loop.
func LogUnitCallError(logger *slog.Logger, instanceID, call string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("unit call failed",
		slog.String("instance_id", instanceID),
		slog.String("call", call),
		slog.String("error", err.Error()),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	durationMs := done()
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Microseconds()) / 1000
	}
}
