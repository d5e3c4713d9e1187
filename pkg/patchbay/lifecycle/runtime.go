package lifecycle

import (
	"context"

	"github.com/randalmurphal/patchbay/pkg/patchbay/graph"
	"github.com/randalmurphal/patchbay/pkg/patchbay/value"
)

// Node is a low-level attachment point owned by the host runtime.
// Two nodes are the same node when their IDs are equal.
type Node interface {
	NodeID() string
}

// Emitter is implemented by units that raise gate or trigger events from
// the audio side. The reconciler installs fn when an event connection
// leaves the unit.
type Emitter interface {
	OnEmit(fn func(port string, v value.Value))
}

// Unit is the live processing unit backing one instance.
type Unit struct {
	InstanceID string
	// Input and Output are the unit's attachment points. Either may be nil
	// for pure sources or sinks.
	Input  Node
	Output Node
	// Params holds continuously modulatable parameter targets by name.
	Params map[string]Node
	// Emitter is set when the unit produces events.
	Emitter Emitter
}

// Param returns the named modulation target.
func (u *Unit) Param(name string) (Node, bool) {
	n, ok := u.Params[name]
	return n, ok && n != nil
}

// Phase selects an envelope stage.
type Phase int

// Envelope phases.
const (
	Attack Phase = iota
	Release
)

// String returns the phase name.
func (p Phase) String() string {
	if p == Attack {
		return "attack"
	}
	return "release"
}

// StateQuery reports host runtime state.
type StateQuery interface {
	// Active reports whether the runtime is running and can host units.
	Active() bool
	SampleRate() float64
	Tempo() float64
}

// Builder constructs and drives processing units.
type Builder interface {
	BuildUnit(ctx context.Context, instanceID string, def *graph.BlockDefinition, params value.Map) (*Unit, error)
	ReleaseUnit(ctx context.Context, instanceID string) error
	// ApplyParams pushes parameter values, and optionally the current
	// control inputs, to a unit.
	ApplyParams(ctx context.Context, unit *Unit, params, inputs value.Map, tempo float64) error
	// PostMessage forwards a raw message from logic to the unit.
	PostMessage(ctx context.Context, unit *Unit, msg value.Value) error
	TriggerEnvelope(ctx context.Context, unit *Unit, phase Phase) error
}

// Router is the low-level routing primitive. Either call may fail; callers
// handle the error.
type Router interface {
	Connect(ctx context.Context, src, dst Node) error
	Disconnect(ctx context.Context, src, dst Node) error
}

// Runtime is the complete host runtime surface.
type Runtime interface {
	StateQuery
	Builder
	Router
}
