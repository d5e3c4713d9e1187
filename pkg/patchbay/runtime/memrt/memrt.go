// Package memrt is an in-memory host runtime. It builds units out of named
// placeholder nodes, records every call made against it and can be told to
// fail specific operations. The CLI uses it to run patches headless.
package memrt

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/randalmurphal/patchbay/pkg/patchbay/graph"
	"github.com/randalmurphal/patchbay/pkg/patchbay/lifecycle"
	"github.com/randalmurphal/patchbay/pkg/patchbay/value"
)

// Sentinel errors.
var (
	// ErrInactive indicates the runtime is not running.
	ErrInactive = errors.New("runtime inactive")

	// ErrNotConnected indicates a disconnect for a route that does not exist.
	ErrNotConnected = errors.New("not connected")

	// ErrUnknownUnit indicates a call for a unit this runtime did not build.
	ErrUnknownUnit = errors.New("unknown unit")
)

// Node is a named attachment point.
type Node string

// NodeID implements lifecycle.Node.
func (n Node) NodeID() string { return string(n) }

// Calls counts runtime calls by kind.
type Calls struct {
	Builds      int
	Releases    int
	Applies     int
	Posts       int
	Envelopes   int
	Connects    int
	Disconnects int
}

type emitter struct {
	mu sync.Mutex
	fn func(port string, v value.Value)
}

func (e *emitter) OnEmit(fn func(port string, v value.Value)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fn = fn
}

func (e *emitter) emit(port string, v value.Value) bool {
	e.mu.Lock()
	fn := e.fn
	e.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(port, v)
	return true
}

// Runtime implements lifecycle.Runtime in memory.
// Runtime is safe for concurrent use.
type Runtime struct {
	mu         sync.Mutex
	active     bool
	sampleRate float64
	tempo      float64

	units     map[string]*lifecycle.Unit
	emitters  map[string]*emitter
	routes    map[string]bool
	params    map[string]value.Map
	inputs    map[string]value.Map
	posts     map[string][]value.Value
	envelopes map[string][]lifecycle.Phase
	calls     Calls

	buildErrs   map[string]error
	connectErrs map[string]error
	buildHook   func(ctx context.Context, instanceID string) error
}

var _ lifecycle.Runtime = (*Runtime)(nil)

// Option configures a Runtime.
type Option func(*Runtime)

// WithSampleRate sets the reported sample rate.
func WithSampleRate(rate float64) Option {
	return func(r *Runtime) { r.sampleRate = rate }
}

// WithTempo sets the reported tempo.
func WithTempo(bpm float64) Option {
	return func(r *Runtime) { r.tempo = bpm }
}

// New creates an active runtime.
func New(opts ...Option) *Runtime {
	r := &Runtime{
		active:      true,
		sampleRate:  48000,
		tempo:       120,
		units:       make(map[string]*lifecycle.Unit),
		emitters:    make(map[string]*emitter),
		routes:      make(map[string]bool),
		params:      make(map[string]value.Map),
		inputs:      make(map[string]value.Map),
		posts:       make(map[string][]value.Value),
		envelopes:   make(map[string][]lifecycle.Phase),
		buildErrs:   make(map[string]error),
		connectErrs: make(map[string]error),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetActive starts or stops the runtime.
func (r *Runtime) SetActive(active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = active
}

// Active implements lifecycle.StateQuery.
func (r *Runtime) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// SampleRate implements lifecycle.StateQuery.
func (r *Runtime) SampleRate() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sampleRate
}

// Tempo implements lifecycle.StateQuery.
func (r *Runtime) Tempo() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tempo
}

// FailBuild makes BuildUnit fail for an instance ID or a definition ID.
// A nil err clears the failure.
func (r *Runtime) FailBuild(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.buildErrs, id)
		return
	}
	r.buildErrs[id] = err
}

// FailConnect makes Connect fail for routes into the given destination node.
// A nil err clears the failure.
func (r *Runtime) FailConnect(dst string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.connectErrs, dst)
		return
	}
	r.connectErrs[dst] = err
}

// SetBuildHook installs a function run at the start of every BuildUnit,
// outside the runtime lock. A hook error fails the build.
func (r *Runtime) SetBuildHook(fn func(ctx context.Context, instanceID string) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buildHook = fn
}

// BuildUnit implements lifecycle.Builder. Nodes are named
// "<instance>/in", "<instance>/out" and "<instance>/param/<name>".
func (r *Runtime) BuildUnit(ctx context.Context, instanceID string, def *graph.BlockDefinition, _ value.Map) (*lifecycle.Unit, error) {
	r.mu.Lock()
	r.calls.Builds++
	hook := r.buildHook
	r.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, instanceID); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return nil, ErrInactive
	}
	if err, ok := r.buildErrs[instanceID]; ok {
		return nil, err
	}
	if err, ok := r.buildErrs[def.ID]; ok {
		return nil, err
	}

	unit := &lifecycle.Unit{
		InstanceID: instanceID,
		Params:     make(map[string]lifecycle.Node),
	}
	for _, p := range def.Inputs {
		if p.ModulationTarget != "" {
			unit.Params[p.ModulationTarget] = Node(instanceID + "/param/" + p.ModulationTarget)
		} else if p.Type == graph.TypeAudio || p.Type == graph.TypeAny {
			unit.Input = Node(instanceID + "/in")
		}
	}
	for _, p := range def.Outputs {
		switch {
		case p.Type.IsEvent():
			if unit.Emitter == nil {
				em := &emitter{}
				r.emitters[instanceID] = em
				unit.Emitter = em
			}
		case p.Type == graph.TypeAudio || p.Type == graph.TypeAny:
			unit.Output = Node(instanceID + "/out")
		}
	}
	r.units[instanceID] = unit
	return unit, nil
}

// ReleaseUnit implements lifecycle.Builder. Routes are left in place; the
// router's owner disconnects them.
func (r *Runtime) ReleaseUnit(_ context.Context, instanceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls.Releases++
	if _, ok := r.units[instanceID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUnit, instanceID)
	}
	delete(r.units, instanceID)
	delete(r.emitters, instanceID)
	return nil
}

// ApplyParams implements lifecycle.Builder.
func (r *Runtime) ApplyParams(_ context.Context, unit *lifecycle.Unit, params, inputs value.Map, _ float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls.Applies++
	r.params[unit.InstanceID] = params.Clone()
	if inputs != nil {
		r.inputs[unit.InstanceID] = inputs.Clone()
	}
	return nil
}

// PostMessage implements lifecycle.Builder.
func (r *Runtime) PostMessage(_ context.Context, unit *lifecycle.Unit, msg value.Value) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls.Posts++
	r.posts[unit.InstanceID] = append(r.posts[unit.InstanceID], msg)
	return nil
}

// TriggerEnvelope implements lifecycle.Builder.
func (r *Runtime) TriggerEnvelope(_ context.Context, unit *lifecycle.Unit, phase lifecycle.Phase) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls.Envelopes++
	r.envelopes[unit.InstanceID] = append(r.envelopes[unit.InstanceID], phase)
	return nil
}

func routeKey(src, dst lifecycle.Node) string {
	return src.NodeID() + " -> " + dst.NodeID()
}

// Connect implements lifecycle.Router.
func (r *Runtime) Connect(_ context.Context, src, dst lifecycle.Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls.Connects++
	if !r.active {
		return ErrInactive
	}
	if err, ok := r.connectErrs[dst.NodeID()]; ok {
		return err
	}
	r.routes[routeKey(src, dst)] = true
	return nil
}

// Disconnect implements lifecycle.Router.
func (r *Runtime) Disconnect(_ context.Context, src, dst lifecycle.Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls.Disconnects++
	key := routeKey(src, dst)
	if !r.routes[key] {
		return fmt.Errorf("%w: %s", ErrNotConnected, key)
	}
	delete(r.routes, key)
	return nil
}

// Emit raises an event from a unit's emitter, as the audio side would.
// It reports whether anything was listening.
func (r *Runtime) Emit(instanceID, port string, v value.Value) bool {
	r.mu.Lock()
	em := r.emitters[instanceID]
	r.mu.Unlock()
	if em == nil {
		return false
	}
	return em.emit(port, v)
}

// Calls returns the call counters.
func (r *Runtime) Calls() Calls {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// ResetCalls zeroes the call counters.
func (r *Runtime) ResetCalls() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = Calls{}
}

// Routes returns the live routes as sorted "src -> dst" strings.
func (r *Runtime) Routes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.routes))
	for k := range r.routes {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Built reports whether a unit exists for the instance.
func (r *Runtime) Built(instanceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.units[instanceID]
	return ok
}

// Params returns the last params applied to an instance's unit.
func (r *Runtime) Params(instanceID string) value.Map {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.params[instanceID].Clone()
}

// Inputs returns the last control inputs applied to an instance's unit.
func (r *Runtime) Inputs(instanceID string) value.Map {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inputs[instanceID].Clone()
}

// Posts returns the messages posted to an instance's unit.
func (r *Runtime) Posts(instanceID string) []value.Value {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]value.Value(nil), r.posts[instanceID]...)
}

// Envelopes returns the envelope phases triggered on an instance's unit.
func (r *Runtime) Envelopes(instanceID string) []lifecycle.Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]lifecycle.Phase(nil), r.envelopes[instanceID]...)
}
