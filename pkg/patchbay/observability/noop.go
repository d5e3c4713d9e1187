package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// NoopMetrics is a MetricsRecorder that does nothing.
type NoopMetrics struct{}

var _ MetricsRecorder = NoopMetrics{}

// RecordTick does nothing.
func (NoopMetrics) RecordTick(context.Context, time.Duration, int, int) {}

// RecordEvaluation does nothing.
func (NoopMetrics) RecordEvaluation(context.Context, string, time.Duration, error) {}

// RecordUnitBuild does nothing.
func (NoopMetrics) RecordUnitBuild(context.Context, string, time.Duration, error) {}

// RecordRoute does nothing.
func (NoopMetrics) RecordRoute(context.Context, string, error) {}

// RecordReconcile does nothing.
func (NoopMetrics) RecordReconcile(context.Context, time.Duration, int) {}

// NoopSpanManager is a SpanManager that does nothing.
type NoopSpanManager struct{}

var _ SpanManager = NoopSpanManager{}

var noopSpan = noop.Span{}

// StartTickSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartTickSpan(ctx context.Context, _ uint64, _ int) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// StartReconcileSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartReconcileSpan(ctx context.Context, _ int) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// StartBuildSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartBuildSpan(ctx context.Context, _, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// EndSpanWithError does nothing.
func (NoopSpanManager) EndSpanWithError(trace.Span, error) {}

// AddSpanEvent does nothing.
func (NoopSpanManager) AddSpanEvent(context.Context, string, ...attribute.KeyValue) {}
