// Package lifecycle decides when an instance's processing unit may be
// built, parameterized or torn down.
//
// Each instance moves through unbuilt, building and ready. A failed build
// parks the instance in failed until audio is toggled off and on again or
// the runtime is replaced, so a persistently broken block is not rebuilt on
// every pass. The Manager is the only owner of the instance-to-unit map;
// other components read it through Unit and Units.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/patchbay/pkg/patchbay/graph"
	"github.com/randalmurphal/patchbay/pkg/patchbay/observability"
	"github.com/randalmurphal/patchbay/pkg/patchbay/value"
)

// Sentinel errors for lifecycle operations.
var (
	// ErrAudioDisabled indicates global audio is off.
	ErrAudioDisabled = errors.New("audio disabled")

	// ErrRuntimeInactive indicates the host runtime is not ready.
	ErrRuntimeInactive = errors.New("runtime inactive")

	// ErrBuilding indicates a construction is already in flight.
	ErrBuilding = errors.New("unit construction in progress")

	// ErrFailed indicates the instance is parked in the failed state.
	ErrFailed = errors.New("unit construction failed")

	// ErrStale indicates a construction finished after the audio state or
	// runtime changed. The unit was released and never exposed.
	ErrStale = errors.New("unit construction superseded")

	// ErrNotReady indicates the instance has no ready unit.
	ErrNotReady = errors.New("unit not ready")

	// ErrNoUnit indicates the definition does not require a unit.
	ErrNoUnit = errors.New("definition requires no unit")
)

// ConstructionError wraps a unit build failure.
type ConstructionError struct {
	InstanceID string
	Err        error
}

// Error implements the error interface.
func (e *ConstructionError) Error() string {
	return fmt.Sprintf("build unit for %s: %v", e.InstanceID, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ConstructionError) Unwrap() error {
	return e.Err
}

// State is an instance's lifecycle state.
type State int

// Lifecycle states.
const (
	Unbuilt State = iota
	Building
	Ready
	Failed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Unbuilt:
		return "unbuilt"
	case Building:
		return "building"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

type entry struct {
	state State
	unit  *Unit
	err   error
}

// Manager runs the per-instance lifecycle state machine.
// Manager is safe for concurrent use.
type Manager struct {
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
	onReady func(instanceID string)
	onError func(instanceID string, err error)

	mu      sync.Mutex
	rt      Runtime
	audio   bool
	epoch   uint64
	entries map[string]*entry
	// builds holds a done channel per instance with a build in flight,
	// including superseded builds that have not yet released their unit.
	builds  map[string]chan struct{}

	inflight sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics observability.MetricsRecorder) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithSpanManager sets the span manager.
func WithSpanManager(spans observability.SpanManager) Option {
	return func(m *Manager) { m.spans = spans }
}

// WithOnReady registers a callback invoked after a unit becomes ready.
// It runs on the goroutine that completed the build, without locks held.
func WithOnReady(fn func(instanceID string)) Option {
	return func(m *Manager) { m.onReady = fn }
}

// WithErrorRecorder registers a callback invoked when a build fails.
func WithErrorRecorder(fn func(instanceID string, err error)) Option {
	return func(m *Manager) { m.onError = fn }
}

// New creates a manager over rt. Audio starts disabled.
func New(rt Runtime, opts ...Option) *Manager {
	m := &Manager{
		rt:      rt,
		metrics: observability.NoopMetrics{},
		spans:   observability.NoopSpanManager{},
		entries: make(map[string]*entry),
		builds:  make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Runtime returns the current runtime.
func (m *Manager) Runtime() Runtime {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rt
}

// AudioEnabled reports the global audio flag.
func (m *Manager) AudioEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audio
}

// Ensure builds the instance's unit if it is not already ready. It blocks
// for the duration of the build; use EnsureAsync from the control loop.
// Calling Ensure on a ready instance returns nil without touching the
// runtime.
//
// Builds for one instance never overlap on the runtime: if an earlier,
// superseded build is still running, Ensure waits for it to finish and
// release its unit before starting.
func (m *Manager) Ensure(ctx context.Context, instanceID string, def *graph.BlockDefinition, params value.Map) error {
	if def == nil || !def.RequiresUnit() {
		return ErrNoUnit
	}

	m.mu.Lock()
	var e *entry
	for {
		var ok bool
		e, ok = m.entries[instanceID]
		if !ok {
			e = &entry{}
			m.entries[instanceID] = e
		}
		switch e.state {
		case Ready:
			m.mu.Unlock()
			return nil
		case Building:
			m.mu.Unlock()
			return ErrBuilding
		case Failed:
			err := e.err
			m.mu.Unlock()
			return fmt.Errorf("%w: %w", ErrFailed, err)
		}
		if !m.audio {
			m.mu.Unlock()
			return ErrAudioDisabled
		}
		prev, busy := m.builds[instanceID]
		if !busy {
			break
		}
		m.mu.Unlock()
		select {
		case <-prev:
		case <-ctx.Done():
			return ctx.Err()
		}
		m.mu.Lock()
	}
	rt := m.rt
	if rt == nil || !rt.Active() {
		m.mu.Unlock()
		return ErrRuntimeInactive
	}
	e.state = Building
	epoch := m.epoch
	done := make(chan struct{})
	m.builds[instanceID] = done
	m.mu.Unlock()

	unit, err := m.build(ctx, rt, instanceID, def, params)

	m.mu.Lock()
	if m.epoch != epoch || m.entries[instanceID] != e {
		m.mu.Unlock()
		if unit != nil {
			_ = rt.ReleaseUnit(ctx, instanceID)
		}
		m.finishBuild(instanceID, done)
		return ErrStale
	}
	delete(m.builds, instanceID)
	close(done)
	if err != nil {
		e.state = Failed
		e.err = &ConstructionError{InstanceID: instanceID, Err: err}
		err = e.err
		m.mu.Unlock()

		observability.LogUnitBuildError(m.logger, instanceID, err)
		if m.onError != nil {
			m.onError(instanceID, err)
		}
		return err
	}
	e.state = Ready
	e.unit = unit
	m.mu.Unlock()

	if m.onReady != nil {
		m.onReady(instanceID)
	}
	return nil
}

// finishBuild marks an instance's in-flight build as done, waking any
// Ensure waiting to start a newer one.
func (m *Manager) finishBuild(instanceID string, done chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.builds[instanceID] == done {
		delete(m.builds, instanceID)
	}
	close(done)
}

// build constructs a unit and applies its initial parameters. A unit is
// only returned when both succeed and the runtime is still active.
func (m *Manager) build(ctx context.Context, rt Runtime, instanceID string, def *graph.BlockDefinition, params value.Map) (*Unit, error) {
	ctx, span := m.spans.StartBuildSpan(ctx, instanceID, def.ID)
	start := time.Now()

	unit, err := rt.BuildUnit(ctx, instanceID, def, params)
	if err == nil && unit == nil {
		err = errors.New("runtime returned no unit")
	}
	if err == nil {
		err = rt.ApplyParams(ctx, unit, params, nil, rt.Tempo())
	}
	if err == nil && !rt.Active() {
		err = ErrRuntimeInactive
	}
	if err != nil && unit != nil {
		_ = rt.ReleaseUnit(ctx, instanceID)
		unit = nil
	}

	elapsed := time.Since(start)
	m.metrics.RecordUnitBuild(ctx, def.ID, elapsed, err)
	m.spans.EndSpanWithError(span, err)
	if err == nil {
		observability.LogUnitBuilt(m.logger, instanceID, float64(elapsed.Microseconds())/1000)
	}
	return unit, err
}

// EnsureAsync runs Ensure on a new goroutine. The returned channel receives
// the result and is then closed.
func (m *Manager) EnsureAsync(ctx context.Context, instanceID string, def *graph.BlockDefinition, params value.Map) <-chan error {
	ch := make(chan error, 1)
	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()
		defer close(ch)
		ch <- m.Ensure(ctx, instanceID, def, params)
	}()
	return ch
}

// Wait blocks until every in-flight EnsureAsync has finished.
func (m *Manager) Wait() {
	m.inflight.Wait()
}

// Release tears down an instance's unit and forgets the instance.
func (m *Manager) Release(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	e, ok := m.entries[instanceID]
	delete(m.entries, instanceID)
	rt := m.rt
	m.mu.Unlock()

	if !ok || e.state != Ready || rt == nil {
		return nil
	}
	observability.LogUnitReleased(m.logger, instanceID)
	return rt.ReleaseUnit(ctx, instanceID)
}

// MarkRebuild releases the instance's unit and clears any failure so the
// next Ensure constructs it afresh.
func (m *Manager) MarkRebuild(ctx context.Context, instanceID string) error {
	return m.Release(ctx, instanceID)
}

// SetAudioEnabled flips the global audio flag. Disabling tears down every
// unit; re-enabling clears failed instances so they may be retried.
func (m *Manager) SetAudioEnabled(ctx context.Context, enabled bool) error {
	m.mu.Lock()
	if m.audio == enabled {
		m.mu.Unlock()
		return nil
	}
	m.audio = enabled
	if enabled {
		for id, e := range m.entries {
			if e.state == Failed {
				delete(m.entries, id)
			}
		}
		m.mu.Unlock()
		return nil
	}

	m.epoch++
	rt := m.rt
	var ready []string
	for id, e := range m.entries {
		if e.state == Ready {
			ready = append(ready, id)
		}
	}
	m.entries = make(map[string]*entry)
	m.mu.Unlock()

	if rt == nil {
		return nil
	}
	var errs []error
	for _, id := range ready {
		observability.LogUnitReleased(m.logger, id)
		if err := rt.ReleaseUnit(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Invalidate drops every unit without calling the runtime, for when the
// runtime has already been closed. Failed instances are reset too.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.epoch++
	m.entries = make(map[string]*entry)
}

// ReplaceRuntime swaps in a new runtime. All units of the old runtime are
// invalidated together.
func (m *Manager) ReplaceRuntime(rt Runtime) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rt = rt
	m.epoch++
	m.entries = make(map[string]*entry)
}

// State returns an instance's lifecycle state.
func (m *Manager) State(instanceID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[instanceID]; ok {
		return e.state
	}
	return Unbuilt
}

// Failure returns the construction error of a failed instance.
func (m *Manager) Failure(instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[instanceID]; ok && e.state == Failed {
		return e.err
	}
	return nil
}

// Unit returns the instance's ready unit.
func (m *Manager) Unit(instanceID string) (*Unit, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[instanceID]; ok && e.state == Ready {
		return e.unit, true
	}
	return nil, false
}

// Units returns a snapshot of every ready unit.
func (m *Manager) Units() map[string]*Unit {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*Unit, len(m.entries))
	for id, e := range m.entries {
		if e.state == Ready {
			out[id] = e.unit
		}
	}
	return out
}

func (m *Manager) readyUnit(instanceID string) (Runtime, *Unit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[instanceID]
	if !ok || e.state != Ready || m.rt == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotReady, instanceID)
	}
	return m.rt, e.unit, nil
}

// ApplyParams pushes params and inputs to the instance's ready unit.
func (m *Manager) ApplyParams(ctx context.Context, instanceID string, params, inputs value.Map) error {
	rt, unit, err := m.readyUnit(instanceID)
	if err != nil {
		return err
	}
	return rt.ApplyParams(ctx, unit, params, inputs, rt.Tempo())
}

// Post forwards a logic message to the instance's ready unit.
func (m *Manager) Post(ctx context.Context, instanceID string, msg value.Value) error {
	rt, unit, err := m.readyUnit(instanceID)
	if err != nil {
		return err
	}
	return rt.PostMessage(ctx, unit, msg)
}

// TriggerEnvelope fires an envelope phase on the instance's ready unit.
func (m *Manager) TriggerEnvelope(ctx context.Context, instanceID string, phase Phase) error {
	rt, unit, err := m.readyUnit(instanceID)
	if err != nil {
		return err
	}
	return rt.TriggerEnvelope(ctx, unit, phase)
}
