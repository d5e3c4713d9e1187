package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracer uses the global OTel tracer provider.
var tracer = otel.Tracer("patchbay")

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartTickSpan starts a span for one control tick.
	StartTickSpan(ctx context.Context, tick uint64, instances int) (context.Context, trace.Span)

	// StartReconcileSpan starts a span for one reconcile pass.
	StartReconcileSpan(ctx context.Context, connections int) (context.Context, trace.Span)

	// StartBuildSpan starts a span for a unit construction.
	StartBuildSpan(ctx context.Context, instanceID, definitionID string) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

// otelSpanManager implements SpanManager using OpenTelemetry.
type otelSpanManager struct{}

// NewSpanManager returns a SpanManager that uses OpenTelemetry.
//
// The span manager uses the global OTel tracer provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetTracerProvider(yourProvider)
func NewSpanManager() SpanManager {
	return &otelSpanManager{}
}

func (m *otelSpanManager) StartTickSpan(ctx context.Context, tick uint64, instances int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "patchbay.tick",
		trace.WithAttributes(
			attribute.Int64("tick", int64(tick)),
			attribute.Int("instances", instances),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (m *otelSpanManager) StartReconcileSpan(ctx context.Context, connections int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "patchbay.reconcile",
		trace.WithAttributes(attribute.Int("connections", connections)),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (m *otelSpanManager) StartBuildSpan(ctx context.Context, instanceID, definitionID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "patchbay.unit.build",
		trace.WithAttributes(
			attribute.String("instance.id", instanceID),
			attribute.String("definition.id", definitionID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	EndSpanWithError(span, err)
}

func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	AddSpanEvent(ctx, name, attrs...)
}

// EndSpanWithError completes a span, optionally recording an error.
func EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddSpanEvent adds an event to the current span in context.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
