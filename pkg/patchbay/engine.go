package patchbay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/randalmurphal/patchbay/pkg/patchbay/config"
	"github.com/randalmurphal/patchbay/pkg/patchbay/eventbus"
	"github.com/randalmurphal/patchbay/pkg/patchbay/graph"
	"github.com/randalmurphal/patchbay/pkg/patchbay/lifecycle"
	"github.com/randalmurphal/patchbay/pkg/patchbay/logic"
	"github.com/randalmurphal/patchbay/pkg/patchbay/logsink"
	"github.com/randalmurphal/patchbay/pkg/patchbay/observability"
	"github.com/randalmurphal/patchbay/pkg/patchbay/reconcile"
	"github.com/randalmurphal/patchbay/pkg/patchbay/scheduler"
)

// Engine wires the store, control loop, lifecycle manager and reconciler
// together. Engine is safe for concurrent use.
type Engine struct {
	store    *graph.Store
	settings config.Engine
	logger   *slog.Logger

	bus        *eventbus.Bus
	logs       *logsink.MemorySink
	sink       logsink.Sink
	closers    []io.Closer
	compiler   *logic.Compiler
	cache      *logic.Cache
	manager    *lifecycle.Manager
	reconciler *reconcile.Reconciler
	service    *scheduler.Service

	base        context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	closed      atomic.Bool
	closeOnce   sync.Once
}

// New builds an engine over store and rt. Audio starts disabled; call
// SetAudioEnabled to start the loop and build units.
func New(store *graph.Store, rt lifecycle.Runtime, opts ...Option) (*Engine, error) {
	cfg := defaultEngineConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	s := cfg.settings

	metrics := cfg.metrics
	if metrics == nil {
		metrics = observability.NoopMetrics{}
		if s.Metrics {
			metrics = observability.NewMetricsRecorder()
		}
	}
	spans := cfg.spans
	if spans == nil {
		spans = observability.NoopSpanManager{}
		if s.Tracing {
			spans = observability.NewSpanManager()
		}
	}

	e := &Engine{
		store:    store,
		settings: s,
		logger:   cfg.logger,
		logs:     logsink.NewMemorySink(s.LogBuffer),
		compiler: logic.NewCompiler(),
	}
	e.base, e.cancel = context.WithCancel(context.Background())

	sinks := logsink.Tee{e.logs}
	if cfg.sink != nil {
		sinks = append(sinks, cfg.sink)
	}
	if s.LogDB != "" {
		db, err := logsink.OpenSQLite(s.LogDB, logsink.WithBuffer(s.LogBuffer), logsink.WithLogger(cfg.logger))
		if err != nil {
			e.cancel()
			return nil, fmt.Errorf("open log database: %w", err)
		}
		sinks = append(sinks, db)
		e.closers = append(e.closers, db)
	}
	e.sink = sinks

	e.bus = eventbus.New(eventbus.Config{
		BufferSize: s.EventBuffer,
		OnDrop: func(_ eventbus.Pulse, dest eventbus.PortRef) {
			if e.logger != nil {
				e.logger.Debug("event pulse dropped",
					slog.String("instance_id", dest.InstanceID),
					slog.String("port", dest.PortID),
				)
			}
		},
	})

	for name, fn := range cfg.natives {
		e.compiler.RegisterNative(name, fn)
	}
	e.cache = logic.NewCache(e.compiler)

	e.manager = lifecycle.New(rt,
		lifecycle.WithLogger(cfg.logger),
		lifecycle.WithMetrics(metrics),
		lifecycle.WithSpanManager(spans),
		lifecycle.WithOnReady(e.unitReady),
		lifecycle.WithErrorRecorder(e.unitFailed),
	)
	e.reconciler = reconcile.New(rt, e.bus,
		reconcile.WithLogger(cfg.logger),
		reconcile.WithMetrics(metrics),
		reconcile.WithSpanManager(spans),
	)
	e.service = scheduler.New(store, e.cache,
		scheduler.WithInterval(s.TickInterval),
		scheduler.WithTiming(s.SampleRate, s.Tempo),
		scheduler.WithClock(rt),
		scheduler.WithBus(e.bus),
		scheduler.WithDriver(e.manager),
		scheduler.WithSink(e.sink),
		scheduler.WithLogger(cfg.logger),
		scheduler.WithMetrics(metrics),
		scheduler.WithSpanManager(spans),
	)

	e.unsubscribe = store.Subscribe(e.onChange)
	return e, nil
}

// Store returns the engine's store.
func (e *Engine) Store() *graph.Store { return e.store }

// Manager returns the lifecycle manager.
func (e *Engine) Manager() *lifecycle.Manager { return e.manager }

// Bus returns the event bus.
func (e *Engine) Bus() *eventbus.Bus { return e.bus }

// Compiler returns the logic compiler, for checking bodies up front.
func (e *Engine) Compiler() *logic.Compiler { return e.compiler }

// Running reports whether the control loop is running.
func (e *Engine) Running() bool { return e.service.Running() }

// Logs returns the in-memory log lines of an instance, oldest first.
func (e *Engine) Logs(instanceID string) []logsink.Line {
	return e.logs.Lines(instanceID)
}

// ActiveRoutes returns the current active route set.
func (e *Engine) ActiveRoutes() map[string]reconcile.Route {
	return e.reconciler.Active()
}

// SetAudioEnabled turns audio on or off. Enabling starts the control loop,
// builds units and reconciles. Disabling stops the loop, tears down every
// route and releases every unit.
func (e *Engine) SetAudioEnabled(ctx context.Context, enabled bool) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if enabled {
		if err := e.manager.SetAudioEnabled(ctx, true); err != nil {
			return err
		}
		e.service.Start(e.base)
		return e.Sync(ctx)
	}

	e.service.Stop()
	e.reconciler.Teardown(ctx)
	err := e.manager.SetAudioEnabled(ctx, false)
	e.manager.Wait()
	return err
}

// ReplaceRuntime swaps the host runtime. Units and routes of the old
// runtime are dropped without calling it; if audio is on, units are rebuilt
// on the new runtime.
func (e *Engine) ReplaceRuntime(ctx context.Context, rt lifecycle.Runtime) error {
	if e.closed.Load() {
		return ErrClosed
	}
	e.reconciler.SetRuntime(rt)
	e.manager.ReplaceRuntime(rt)
	e.service.SetClock(rt)
	if !e.manager.AudioEnabled() {
		return nil
	}
	return e.Sync(ctx)
}

// Sync builds units for every instance that needs one, waits for the
// builds to finish and reconciles routing. Build failures are recorded on
// the instances rather than returned.
func (e *Engine) Sync(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	e.ensureUnits(ctx)
	e.manager.Wait()
	e.Reconcile(ctx)
	return nil
}

// ensureUnits starts construction for unbuilt instances without waiting.
func (e *Engine) ensureUnits(ctx context.Context) {
	if !e.manager.AudioEnabled() {
		return
	}
	snap := e.store.Snapshot()
	for i := range snap.Instances {
		inst := &snap.Instances[i]
		def, ok := snap.Definition(inst.DefinitionID)
		if !ok || !def.RequiresUnit() {
			continue
		}
		if e.manager.State(inst.ID) != lifecycle.Unbuilt {
			continue
		}
		e.manager.EnsureAsync(ctx, inst.ID, def, inst.Params)
	}
}

// Reconcile brings routing in line with the store's connections and
// returns the active route set.
func (e *Engine) Reconcile(ctx context.Context) map[string]reconcile.Route {
	return e.reconciler.Reconcile(ctx, e.store.Snapshot(), e.manager.Units())
}

// Tick runs one control tick immediately, whether or not the loop is
// running.
func (e *Engine) Tick(ctx context.Context) scheduler.Report {
	return e.service.Tick(ctx)
}

func (e *Engine) unitReady(instanceID string) {
	e.store.ClearRebuild(instanceID)
	e.store.SetUnitError(instanceID, "")
	e.Reconcile(e.base)
}

func (e *Engine) unitFailed(instanceID string, err error) {
	e.store.SetUnitError(instanceID, err.Error())
	e.sink.Append(instanceID, err.Error())
}

// onChange reacts to store edits. It runs on the editing goroutine.
func (e *Engine) onChange(c graph.Change) {
	if e.closed.Load() {
		return
	}
	ctx := e.base

	switch c.Kind {
	case graph.InstanceRemoved:
		if err := e.manager.Release(ctx, c.InstanceID); err != nil {
			observability.LogUnitCallError(e.logger, c.InstanceID, "release", err)
		}
		e.cache.Invalidate(c.InstanceID)
		e.bus.Forget(c.InstanceID)
		e.service.Forget(c.InstanceID)
		e.logs.Forget(c.InstanceID)
	case graph.DefinitionPut:
		if c.Replaced {
			e.rebuild(ctx, c.DefinitionID, c.LogicChanged)
		}
	}

	if c.Topology() {
		e.ensureUnits(ctx)
		e.Reconcile(ctx)
	}
}

// rebuild invalidates every instance of a replaced definition.
func (e *Engine) rebuild(ctx context.Context, definitionID string, logicChanged bool) {
	snap := e.store.Snapshot()
	for i := range snap.Instances {
		inst := &snap.Instances[i]
		if inst.DefinitionID != definitionID {
			continue
		}
		if logicChanged {
			e.cache.Invalidate(inst.ID)
		}
		if err := e.manager.MarkRebuild(ctx, inst.ID); err != nil {
			observability.LogUnitCallError(e.logger, inst.ID, "release", err)
		}
		e.store.SetUnitError(inst.ID, "")
	}
}

// Close stops the loop, releases every unit and closes the bus and any
// log database. Close is idempotent.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		e.unsubscribe()

		ctx := context.Background()
		e.service.Stop()
		e.reconciler.Teardown(ctx)
		errs := []error{e.manager.SetAudioEnabled(ctx, false)}
		e.manager.Wait()
		e.cancel()
		errs = append(errs, e.bus.Close())
		for _, c := range e.closers {
			errs = append(errs, c.Close())
		}
		err = errors.Join(errs...)
	})
	return err
}
