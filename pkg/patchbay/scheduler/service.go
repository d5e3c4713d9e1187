// Package scheduler runs the control-rate loop.
//
// Every tick the Service snapshots the store, evaluates each instance's
// logic in dependency order, propagates outputs along connections within
// the tick and commits whatever changed. A failing instance records its
// error and the tick moves on; nothing an instance does stops the loop.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/patchbay/pkg/patchbay/eventbus"
	"github.com/randalmurphal/patchbay/pkg/patchbay/expr"
	"github.com/randalmurphal/patchbay/pkg/patchbay/graph"
	"github.com/randalmurphal/patchbay/pkg/patchbay/lifecycle"
	"github.com/randalmurphal/patchbay/pkg/patchbay/logic"
	"github.com/randalmurphal/patchbay/pkg/patchbay/logsink"
	"github.com/randalmurphal/patchbay/pkg/patchbay/observability"
	"github.com/randalmurphal/patchbay/pkg/patchbay/order"
	"github.com/randalmurphal/patchbay/pkg/patchbay/value"
)

// DefaultInterval is the control tick period.
const DefaultInterval = 10 * time.Millisecond

// ErrNoUnit is returned to logic that posts a message without a ready unit.
var ErrNoUnit = errors.New("instance has no ready unit")

// LogicError reports one instance's failed evaluation.
type LogicError struct {
	InstanceID string
	Tick       uint64
	Err        error
}

// Error implements the error interface.
func (e *LogicError) Error() string {
	return fmt.Sprintf("instance %s: %v", e.InstanceID, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *LogicError) Unwrap() error {
	return e.Err
}

// Driver reaches the processing units of ready instances.
// *lifecycle.Manager implements it.
type Driver interface {
	Unit(instanceID string) (*lifecycle.Unit, bool)
	ApplyParams(ctx context.Context, instanceID string, params, inputs value.Map) error
	Post(ctx context.Context, instanceID string, msg value.Value) error
	TriggerEnvelope(ctx context.Context, instanceID string, phase lifecycle.Phase) error
}

// Report summarizes one tick.
type Report struct {
	Tick      uint64
	Evaluated int
	Failed    int
	Committed int
	// Cyclic lists instances evaluated in fallback order.
	Cyclic []string
	// Errors holds this tick's logic failures.
	Errors []*LogicError
}

type applied struct {
	unit   *lifecycle.Unit
	params value.Map
	inputs value.Map
}

// Service is the control loop.
// Service is safe for concurrent use; ticks never overlap.
type Service struct {
	store     *graph.Store
	cache     *logic.Cache
	bus       *eventbus.Bus
	driver    Driver
	sink      logsink.Sink
	evaluator *expr.Evaluator
	clock     lifecycle.StateQuery
	logger    *slog.Logger
	metrics   observability.MetricsRecorder
	spans     observability.SpanManager

	interval   time.Duration
	sampleRate float64
	tempo      float64

	tickMu       sync.Mutex
	tick         uint64
	orderVersion uint64
	orderValid   bool
	ord          order.Result

	appliedMu sync.Mutex
	applied   map[string]applied

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Service.
type Option func(*Service)

// WithInterval sets the tick period.
func WithInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithBus delivers event pulses to logic and publishes gate/trigger
// outputs.
func WithBus(bus *eventbus.Bus) Option {
	return func(s *Service) { s.bus = bus }
}

// WithDriver lets logic drive processing units.
func WithDriver(d Driver) Option {
	return func(s *Service) { s.driver = d }
}

// WithSink sets where instance log lines go.
func WithSink(sink logsink.Sink) Option {
	return func(s *Service) { s.sink = sink }
}

// WithEvaluator sets the envelope condition evaluator.
func WithEvaluator(e *expr.Evaluator) Option {
	return func(s *Service) { s.evaluator = e }
}

// WithClock reads sample rate and tempo from a runtime while it is active.
func WithClock(q lifecycle.StateQuery) Option {
	return func(s *Service) { s.clock = q }
}

// WithTiming sets the sample rate and tempo reported when no active clock
// is available.
func WithTiming(sampleRate, tempo float64) Option {
	return func(s *Service) {
		s.sampleRate = sampleRate
		s.tempo = tempo
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics observability.MetricsRecorder) Option {
	return func(s *Service) { s.metrics = metrics }
}

// WithSpanManager sets the span manager.
func WithSpanManager(spans observability.SpanManager) Option {
	return func(s *Service) { s.spans = spans }
}

// New creates a stopped control loop over store. Compiled logic is taken
// from cache.
func New(store *graph.Store, cache *logic.Cache, opts ...Option) *Service {
	s := &Service{
		store:      store,
		cache:      cache,
		sink:       logsink.Discard{},
		evaluator:  expr.New(),
		metrics:    observability.NoopMetrics{},
		spans:      observability.NoopSpanManager{},
		interval:   DefaultInterval,
		sampleRate: 48000,
		tempo:      120,
		applied:    make(map[string]applied),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetClock replaces the timing source, for when the runtime is swapped.
func (s *Service) SetClock(q lifecycle.StateQuery) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	s.clock = q
}

// Interval returns the tick period.
func (s *Service) Interval() time.Duration {
	return s.interval
}

// Start launches the loop. Starting a running loop does nothing.
// The loop stops when ctx is cancelled or Stop is called.
func (s *Service) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.runningLocked() {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	observability.LogLoopState(s.logger, true, s.interval)
	go s.loop(ctx, done)
}

func (s *Service) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Stop halts the loop and waits for an in-progress tick to finish.
func (s *Service) Stop() {
	s.runMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	observability.LogLoopState(s.logger, false, s.interval)
}

// Running reports whether the loop goroutine is alive.
func (s *Service) Running() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.runningLocked()
}

func (s *Service) runningLocked() bool {
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Forget drops per-instance bookkeeping for a removed instance.
func (s *Service) Forget(instanceID string) {
	s.appliedMu.Lock()
	defer s.appliedMu.Unlock()
	delete(s.applied, instanceID)
}

// Order returns the execution order for snap, recomputing it only when the
// topology changed since the last call.
func (s *Service) Order(snap *graph.Snapshot) order.Result {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	return s.orderLocked(snap)
}

func (s *Service) orderLocked(snap *graph.Snapshot) order.Result {
	if s.orderValid && s.orderVersion == snap.TopologyVersion {
		return s.ord
	}
	s.ord = order.Resolve(snap.IDs(), snap.Connections)
	s.orderVersion = snap.TopologyVersion
	s.orderValid = true
	if s.ord.HasCycle() {
		observability.LogCycle(s.logger, s.ord.Cyclic)
	}
	return s.ord
}

func (s *Service) timing(tick uint64) logic.Timing {
	t := logic.Timing{
		SampleRate: s.sampleRate,
		Tempo:      s.tempo,
		Tick:       tick,
		Seconds:    float64(tick) * s.interval.Seconds(),
	}
	if s.clock != nil && s.clock.Active() {
		t.SampleRate = s.clock.SampleRate()
		t.Tempo = s.clock.Tempo()
	}
	return t
}

// Tick runs one evaluation pass over every instance and commits the
// changed ones. A tick always runs to completion.
func (s *Service) Tick(ctx context.Context) Report {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	s.tick++
	snap := s.store.Snapshot()
	ctx, span := s.spans.StartTickSpan(ctx, s.tick, len(snap.Instances))
	start := time.Now()

	ord := s.orderLocked(snap)
	report := Report{Tick: s.tick, Cyclic: ord.Cyclic}
	timing := s.timing(s.tick)

	// Seed every instance's outputs with its last committed values so
	// consumers of not-yet-evaluated sources read something defined.
	buffer := make(map[string]value.Map, len(snap.Instances))
	for i := range snap.Instances {
		buffer[snap.Instances[i].ID] = snap.Instances[i].Outputs
	}

	var updates []graph.Update
	for _, id := range ord.Order {
		inst, ok := snap.Instance(id)
		if !ok {
			continue
		}
		def, ok := snap.Definition(inst.DefinitionID)
		if !ok {
			continue
		}

		res := s.evaluate(ctx, snap, inst, def, buffer, timing)
		buffer[id] = res.update.Outputs
		report.Evaluated++
		if res.err != nil {
			report.Failed++
			report.Errors = append(report.Errors, res.err)
		}
		if res.changed {
			updates = append(updates, res.update)
		}
		s.publishEdges(inst, def, res.update.Outputs)
		if res.err == nil {
			s.drive(ctx, inst, def, res)
		}
	}

	s.store.Commit(updates)
	report.Committed = len(updates)

	elapsed := time.Since(start)
	s.metrics.RecordTick(ctx, elapsed, report.Evaluated, report.Failed)
	var spanErr error
	if report.Failed > 0 {
		spanErr = fmt.Errorf("%d instance(s) failed", report.Failed)
	}
	s.spans.EndSpanWithError(span, spanErr)
	observability.LogTickComplete(s.logger, s.tick, float64(elapsed.Microseconds())/1000, report.Evaluated, report.Failed)
	return report
}

type result struct {
	update  graph.Update
	inputs  value.Map
	changed bool
	err     *LogicError
}

// resolveInputs reads each input port from its first live incoming
// connection, or the port default when unconnected or the source has no value.
func resolveInputs(snap *graph.Snapshot, inst *graph.BlockInstance, def *graph.BlockDefinition, buffer map[string]value.Map) value.Map {
	inputs := make(value.Map, len(def.Inputs))
	for _, port := range def.Inputs {
		inputs[port.ID] = port.DefaultValue()
		conn, from, ok := snap.Source(inst.ID, port.ID)
		if !ok {
			continue
		}
		if v, ok := buffer[conn.From.InstanceID][from.ID]; ok {
			inputs[port.ID] = v
		}
	}
	return inputs
}

func (s *Service) evaluate(ctx context.Context, snap *graph.Snapshot, inst *graph.BlockInstance, def *graph.BlockDefinition, buffer map[string]value.Map, timing logic.Timing) result {
	inputs := resolveInputs(snap, inst, def, buffer)

	var events map[string][]value.Value
	if s.bus != nil {
		events = s.bus.Drain(inst.ID)
	}

	reserved := graph.Reserved{
		PrevEvents: eventSnapshot(def, inputs),
		Latches:    inst.Reserved.Latches,
	}

	set := make(value.Map, len(def.Outputs))
	state := inst.State
	var err error

	if def.Logic != "" {
		started := time.Now()
		var fn logic.Func
		fn, err = s.cache.Get(inst.ID, def.Logic)
		if err == nil {
			var next value.Map
			next, err = logic.Call(ctx, fn, s.args(ctx, inst, def, inputs, events, set, timing))
			if err == nil && next != nil {
				state = next
			}
		}
		s.metrics.RecordEvaluation(ctx, def.ID, time.Since(started), err)
	}

	res := result{inputs: inputs}
	outputs := make(value.Map, len(def.Outputs))
	msg := ""
	if err != nil {
		res.err = &LogicError{InstanceID: inst.ID, Tick: timing.Tick, Err: err}
		msg = err.Error()
		state = inst.State
		var perr *logic.PanicError
		if errors.As(err, &perr) {
			observability.LogPanic(s.logger, inst.ID, perr.Value, perr.Stack)
		}
		observability.LogLogicError(s.logger, inst.ID, timing.Tick, err)
	} else {
		for _, port := range def.Outputs {
			if v, ok := set[port.ID]; ok {
				outputs[port.ID] = v
			} else {
				outputs[port.ID] = port.DefaultValue()
			}
		}
	}

	if err == nil {
		reserved.Latches = s.envelope(ctx, inst, def, state, inputs)
	}

	res.update = graph.Update{
		InstanceID: inst.ID,
		Outputs:    outputs,
		State:      state,
		Reserved:   reserved,
		Error:      msg,
	}
	res.changed = msg != inst.Error ||
		!value.ShallowEqual(outputs, inst.Outputs) ||
		!value.ShallowEqual(state, inst.State) ||
		!value.ShallowEqual(reserved.PrevEvents, inst.Reserved.PrevEvents) ||
		!sameLatches(reserved.Latches, inst.Reserved.Latches)
	return res
}

func (s *Service) args(ctx context.Context, inst *graph.BlockInstance, def *graph.BlockDefinition, inputs value.Map, events map[string][]value.Value, set value.Map, timing logic.Timing) logic.Args {
	id := inst.ID
	return logic.Args{
		InstanceID: id,
		Inputs:     inputs,
		Params:     inst.Params,
		State:      inst.State,
		Prev:       inst.Reserved.PrevEvents,
		Events:     events,
		Timing:     timing,
		SetOutput: func(port string, v value.Value) {
			if _, ok := def.Output(port); ok {
				set[port] = v
			}
		},
		Log: func(msg string) {
			s.sink.Append(id, msg)
		},
		Post: func(msg value.Value) error {
			if s.driver == nil {
				return ErrNoUnit
			}
			return s.driver.Post(ctx, id, msg)
		},
	}
}

// eventSnapshot captures the gate and trigger inputs for next tick's prev.
func eventSnapshot(def *graph.BlockDefinition, inputs value.Map) value.Map {
	var snap value.Map
	for _, port := range def.Inputs {
		if !port.Type.IsEvent() {
			continue
		}
		if snap == nil {
			snap = make(value.Map)
		}
		snap[port.ID] = inputs[port.ID]
	}
	return snap
}

// envelope evaluates the definition's attack and release conditions and
// fires the matching phase on each false-to-true edge. It returns the new
// latches.
func (s *Service) envelope(ctx context.Context, inst *graph.BlockInstance, def *graph.BlockDefinition, state, inputs value.Map) map[string]bool {
	if def.Envelope == nil {
		return inst.Reserved.Latches
	}
	vars := expr.Scope(state, inputs, inst.Params)
	latches := make(map[string]bool, 2)
	for _, c := range []struct {
		phase lifecycle.Phase
		cond  string
	}{
		{lifecycle.Attack, def.Envelope.Attack},
		{lifecycle.Release, def.Envelope.Release},
	} {
		if c.cond == "" {
			continue
		}
		key := c.phase.String()
		now := s.evaluator.Evaluate(c.cond, vars)
		latches[key] = now
		if !now || inst.Reserved.Latches[key] {
			continue
		}
		// An edge that cannot be delivered stays pending until it can.
		if !s.fireEnvelope(ctx, inst.ID, c.phase) {
			latches[key] = false
		}
	}
	return latches
}

// fireEnvelope triggers phase on the instance's unit and reports whether
// the call was delivered.
func (s *Service) fireEnvelope(ctx context.Context, instanceID string, phase lifecycle.Phase) bool {
	if s.driver == nil {
		return false
	}
	if _, ok := s.driver.Unit(instanceID); !ok {
		return false
	}
	if err := s.driver.TriggerEnvelope(ctx, instanceID, phase); err != nil {
		observability.LogUnitCallError(s.logger, instanceID, "trigger_envelope", err)
		return false
	}
	return true
}

func sameLatches(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// publishEdges puts rising gate and trigger outputs on the bus.
func (s *Service) publishEdges(inst *graph.BlockInstance, def *graph.BlockDefinition, outputs value.Map) {
	if s.bus == nil {
		return
	}
	for _, port := range def.Outputs {
		if !port.Type.IsEvent() {
			continue
		}
		v := outputs.Get(port.ID)
		if !v.Truthy() || inst.Outputs.Get(port.ID).Truthy() {
			continue
		}
		_, _ = s.bus.Publish(eventbus.PortRef{InstanceID: inst.ID, PortID: port.ID}, v)
	}
}

// drive pushes params and control inputs to the instance's unit when
// either changed since they were last applied to that unit.
func (s *Service) drive(ctx context.Context, inst *graph.BlockInstance, def *graph.BlockDefinition, res result) {
	if s.driver == nil || !def.RequiresUnit() {
		return
	}
	s.appliedMu.Lock()
	defer s.appliedMu.Unlock()
	unit, ok := s.driver.Unit(inst.ID)
	if !ok {
		delete(s.applied, inst.ID)
		return
	}
	last, seen := s.applied[inst.ID]
	if seen && last.unit == unit &&
		value.ShallowEqual(last.params, inst.Params) &&
		value.ShallowEqual(last.inputs, res.inputs) {
		return
	}
	if err := s.driver.ApplyParams(ctx, inst.ID, inst.Params, res.inputs); err != nil {
		observability.LogUnitCallError(s.logger, inst.ID, "apply_params", err)
		return
	}
	s.applied[inst.ID] = applied{unit: unit, params: inst.Params, inputs: res.inputs}
}
