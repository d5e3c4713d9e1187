package patchbay

import (
	"log/slog"

	"github.com/randalmurphal/patchbay/pkg/patchbay/config"
	"github.com/randalmurphal/patchbay/pkg/patchbay/logic"
	"github.com/randalmurphal/patchbay/pkg/patchbay/logsink"
	"github.com/randalmurphal/patchbay/pkg/patchbay/observability"
)

type engineConfig struct {
	settings config.Engine
	logger   *slog.Logger
	metrics  observability.MetricsRecorder
	spans    observability.SpanManager
	sink     logsink.Sink
	natives  map[string]logic.Func
}

func defaultEngineConfig() engineConfig {
	return engineConfig{
		settings: config.DefaultEngine(),
		natives:  make(map[string]logic.Func),
	}
}

// Option configures an Engine.
type Option func(*engineConfig)

// WithConfig sets the engine settings.
// Default: config.DefaultEngine()
func WithConfig(settings config.Engine) Option {
	return func(c *engineConfig) { c.settings = settings }
}

// WithLogger sets the logger for every component.
func WithLogger(logger *slog.Logger) Option {
	return func(c *engineConfig) { c.logger = logger }
}

// WithMetrics sets the metrics recorder. Without it, metrics are recorded
// through the global OpenTelemetry meter when the settings enable them.
func WithMetrics(metrics observability.MetricsRecorder) Option {
	return func(c *engineConfig) { c.metrics = metrics }
}

// WithTracing sets the span manager. Without it, spans go to the global
// OpenTelemetry tracer when the settings enable tracing.
func WithTracing(spans observability.SpanManager) Option {
	return func(c *engineConfig) { c.spans = spans }
}

// WithSink adds a destination for instance log lines. Lines are always
// kept in memory as well.
func WithSink(sink logsink.Sink) Option {
	return func(c *engineConfig) { c.sink = sink }
}

// WithNativeLogic registers a Go function that definitions can reference
// as "native:<name>".
func WithNativeLogic(name string, fn logic.Func) Option {
	return func(c *engineConfig) { c.natives[name] = fn }
}
