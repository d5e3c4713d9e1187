package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records engine metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordTick records one control tick.
	RecordTick(ctx context.Context, duration time.Duration, evaluated, failed int)

	// RecordEvaluation records one instance evaluation and its error status.
	RecordEvaluation(ctx context.Context, definitionID string, duration time.Duration, err error)

	// RecordUnitBuild records a unit construction attempt.
	RecordUnitBuild(ctx context.Context, definitionID string, duration time.Duration, err error)

	// RecordRoute records a connect or disconnect call.
	RecordRoute(ctx context.Context, op string, err error)

	// RecordReconcile records a reconcile pass and the resulting route count.
	RecordReconcile(ctx context.Context, duration time.Duration, active int)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	ticks            metric.Int64Counter
	tickLatency      metric.Float64Histogram
	evaluations      metric.Int64Counter
	evaluationErrors metric.Int64Counter
	unitBuilds       metric.Int64Counter
	unitFailures     metric.Int64Counter
	unitLatency      metric.Float64Histogram
	routes           metric.Int64Counter
	routeErrors      metric.Int64Counter
	reconciles       metric.Int64Counter
	activeRoutes     metric.Int64Gauge
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("patchbay")
	m := &otelMetrics{}
	var err error

	if m.ticks, err = meter.Int64Counter("patchbay.tick.count",
		metric.WithDescription("Number of control ticks"),
	); err != nil {
		return nil, err
	}
	if m.tickLatency, err = meter.Float64Histogram("patchbay.tick.latency_ms",
		metric.WithDescription("Control tick latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.evaluations, err = meter.Int64Counter("patchbay.instance.evaluations",
		metric.WithDescription("Number of instance logic evaluations"),
	); err != nil {
		return nil, err
	}
	if m.evaluationErrors, err = meter.Int64Counter("patchbay.instance.errors",
		metric.WithDescription("Number of failed instance logic evaluations"),
	); err != nil {
		return nil, err
	}
	if m.unitBuilds, err = meter.Int64Counter("patchbay.unit.builds",
		metric.WithDescription("Number of unit construction attempts"),
	); err != nil {
		return nil, err
	}
	if m.unitFailures, err = meter.Int64Counter("patchbay.unit.failures",
		metric.WithDescription("Number of failed unit constructions"),
	); err != nil {
		return nil, err
	}
	if m.unitLatency, err = meter.Float64Histogram("patchbay.unit.build_latency_ms",
		metric.WithDescription("Unit construction latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.routes, err = meter.Int64Counter("patchbay.route.operations",
		metric.WithDescription("Number of route connect/disconnect calls"),
	); err != nil {
		return nil, err
	}
	if m.routeErrors, err = meter.Int64Counter("patchbay.route.errors",
		metric.WithDescription("Number of failed route calls"),
	); err != nil {
		return nil, err
	}
	if m.reconciles, err = meter.Int64Counter("patchbay.reconcile.count",
		metric.WithDescription("Number of reconcile passes"),
	); err != nil {
		return nil, err
	}
	if m.activeRoutes, err = meter.Int64Gauge("patchbay.route.active",
		metric.WithDescription("Active routes after the last reconcile"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

func (m *otelMetrics) RecordTick(ctx context.Context, duration time.Duration, evaluated, failed int) {
	attrs := metric.WithAttributes(attribute.Bool("degraded", failed > 0))
	m.ticks.Add(ctx, 1, attrs)
	m.tickLatency.Record(ctx, ms(duration), attrs)
}

func (m *otelMetrics) RecordEvaluation(ctx context.Context, definitionID string, _ time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("definition_id", definitionID))
	m.evaluations.Add(ctx, 1, attrs)
	if err != nil {
		m.evaluationErrors.Add(ctx, 1, attrs)
	}
}

func (m *otelMetrics) RecordUnitBuild(ctx context.Context, definitionID string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("definition_id", definitionID))
	m.unitBuilds.Add(ctx, 1, attrs)
	m.unitLatency.Record(ctx, ms(duration), attrs)
	if err != nil {
		m.unitFailures.Add(ctx, 1, attrs)
	}
}

func (m *otelMetrics) RecordRoute(ctx context.Context, op string, err error) {
	attrs := metric.WithAttributes(attribute.String("operation", op))
	m.routes.Add(ctx, 1, attrs)
	if err != nil {
		m.routeErrors.Add(ctx, 1, attrs)
	}
}

func (m *otelMetrics) RecordReconcile(ctx context.Context, _ time.Duration, active int) {
	m.reconciles.Add(ctx, 1)
	m.activeRoutes.Record(ctx, int64(active))
}
