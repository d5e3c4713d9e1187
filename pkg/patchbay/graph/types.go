package graph

import (
	"github.com/randalmurphal/patchbay/pkg/patchbay/value"
)

// SemanticType is the value kind flowing through a port.
type SemanticType string

// Semantic types.
const (
	TypeAudio   SemanticType = "audio"
	TypeGate    SemanticType = "gate"
	TypeTrigger SemanticType = "trigger"
	TypeNumber  SemanticType = "number"
	TypeBoolean SemanticType = "boolean"
	TypeString  SemanticType = "string"
	TypeAny     SemanticType = "any"
)

// Valid reports whether t is one of the known semantic types.
func (t SemanticType) Valid() bool {
	switch t {
	case TypeAudio, TypeGate, TypeTrigger, TypeNumber, TypeBoolean, TypeString, TypeAny:
		return true
	}
	return false
}

// IsEvent reports whether t carries discrete pulses rather than a signal.
func (t SemanticType) IsEvent() bool {
	return t == TypeGate || t == TypeTrigger
}

// Default returns the value an unconnected port of type t reads.
func (t SemanticType) Default() value.Value {
	switch t {
	case TypeAudio, TypeNumber:
		return value.Number(0)
	case TypeBoolean, TypeGate:
		return value.Bool(false)
	case TypeString:
		return value.String("")
	default:
		return value.Null()
	}
}

// Port is a named, typed input or output slot on a definition.
type Port struct {
	ID   string       `json:"id" yaml:"id"`
	Name string       `json:"name,omitempty" yaml:"name,omitempty"`
	Type SemanticType `json:"type" yaml:"type"`

	// ModulationTarget names a continuously modulatable parameter on the
	// destination unit. Only meaningful on input ports.
	ModulationTarget string `json:"modulation_target,omitempty" yaml:"modulation_target,omitempty"`

	// Default overrides the per-type default when the port is unconnected.
	Default *value.Value `json:"default,omitempty" yaml:"default,omitempty"`
}

// DefaultValue returns the value an unconnected port reads.
func (p Port) DefaultValue() value.Value {
	if p.Default != nil {
		return *p.Default
	}
	return p.Type.Default()
}

// ParamSpec describes one parameter of a definition.
type ParamSpec struct {
	ID      string      `json:"id" yaml:"id"`
	Default value.Value `json:"default" yaml:"default"`
	Min     *float64    `json:"min,omitempty" yaml:"min,omitempty"`
	Max     *float64    `json:"max,omitempty" yaml:"max,omitempty"`
}

// Clamp bounds numeric values to [Min, Max] where set. Other values pass
// through unchanged.
func (p ParamSpec) Clamp(v value.Value) value.Value {
	n, ok := v.AsNumber()
	if !ok {
		return v
	}
	if p.Min != nil && n < *p.Min {
		n = *p.Min
	}
	if p.Max != nil && n > *p.Max {
		n = *p.Max
	}
	return value.Number(n)
}

// UnitKind says what backs a block at audio rate.
type UnitKind string

// Unit kinds.
const (
	UnitNone     UnitKind = ""
	UnitNative   UnitKind = "native"
	UnitCustom   UnitKind = "custom"
	UnitExternal UnitKind = "external"
)

// UnitSpec describes the processing unit a definition needs.
type UnitSpec struct {
	Kind UnitKind `json:"kind,omitempty" yaml:"kind,omitempty"`
	// Type is the host's name for the unit (e.g. "oscillator", "biquad").
	Type string `json:"type,omitempty" yaml:"type,omitempty"`
}

// EnvelopeSpec marks a definition as driving an envelope on its unit.
// Attack and Release are condition expressions; a false-to-true edge fires
// the corresponding lifecycle call once.
type EnvelopeSpec struct {
	Attack  string `json:"attack,omitempty" yaml:"attack,omitempty"`
	Release string `json:"release,omitempty" yaml:"release,omitempty"`
}

// BlockDefinition is an immutable block template. Updates replace the whole
// definition by ID.
type BlockDefinition struct {
	ID       string        `json:"id" yaml:"id"`
	Name     string        `json:"name,omitempty" yaml:"name,omitempty"`
	Inputs   []Port        `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs  []Port        `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Params   []ParamSpec   `json:"params,omitempty" yaml:"params,omitempty"`
	Logic    string        `json:"logic,omitempty" yaml:"logic,omitempty"`
	Unit     UnitSpec      `json:"unit,omitempty" yaml:"unit,omitempty"`
	Envelope *EnvelopeSpec `json:"envelope,omitempty" yaml:"envelope,omitempty"`
}

// Input returns the input port with the given ID.
func (d *BlockDefinition) Input(id string) (Port, bool) {
	for _, p := range d.Inputs {
		if p.ID == id {
			return p, true
		}
	}
	return Port{}, false
}

// Output returns the output port with the given ID.
func (d *BlockDefinition) Output(id string) (Port, bool) {
	for _, p := range d.Outputs {
		if p.ID == id {
			return p, true
		}
	}
	return Port{}, false
}

// RequiresUnit reports whether instances need a processing unit.
func (d *BlockDefinition) RequiresUnit() bool {
	return d.Unit.Kind != UnitNone
}

// UnitOnly reports whether the block is backed entirely by a host unit and
// has no control-rate logic.
func (d *BlockDefinition) UnitOnly() bool {
	return d.Logic == "" && d.RequiresUnit()
}

// DefaultParams returns the parameter defaults.
func (d *BlockDefinition) DefaultParams() value.Map {
	out := make(value.Map, len(d.Params))
	for _, p := range d.Params {
		out[p.ID] = p.Default
	}
	return out
}

// Reserved holds loop bookkeeping kept apart from the instance-defined
// state bag.
type Reserved struct {
	// PrevEvents is the previous tick's gate/trigger input snapshot.
	PrevEvents value.Map `json:"prev_events,omitempty"`
	// Latches holds the last evaluated envelope conditions.
	Latches map[string]bool `json:"latches,omitempty"`
}

func (r Reserved) clone() Reserved {
	out := Reserved{PrevEvents: r.PrevEvents.Clone()}
	if r.Latches != nil {
		out.Latches = make(map[string]bool, len(r.Latches))
		for k, v := range r.Latches {
			out.Latches[k] = v
		}
	}
	return out
}

// BlockInstance is a placed block.
type BlockInstance struct {
	ID           string    `json:"id"`
	DefinitionID string    `json:"definition_id"`
	Params       value.Map `json:"params"`
	State        value.Map `json:"state"`
	Reserved     Reserved  `json:"reserved"`
	Outputs      value.Map `json:"outputs"`

	// Error is set when the instance's logic failed on the last tick.
	Error string `json:"error,omitempty"`
	// UnitError is the persisted processing unit construction failure.
	UnitError string `json:"unit_error,omitempty"`
	// NeedsRebuild flags that the processing unit must be reconstructed.
	NeedsRebuild bool `json:"needs_rebuild,omitempty"`
}

func (i *BlockInstance) clone() BlockInstance {
	out := *i
	out.Params = i.Params.Clone()
	out.State = i.State.Clone()
	out.Outputs = i.Outputs.Clone()
	out.Reserved = i.Reserved.clone()
	return out
}

// Endpoint addresses one port on one instance.
type Endpoint struct {
	InstanceID string `json:"instance" yaml:"instance"`
	PortID     string `json:"port" yaml:"port"`
}

// String renders the endpoint as instance.port.
func (e Endpoint) String() string {
	return e.InstanceID + "." + e.PortID
}

// Connection wires an output port to an input port.
type Connection struct {
	ID   string   `json:"id" yaml:"id"`
	From Endpoint `json:"from" yaml:"from"`
	To   Endpoint `json:"to" yaml:"to"`
}

// IsSelfLoop reports whether both ends are on the same instance.
func (c Connection) IsSelfLoop() bool {
	return c.From.InstanceID == c.To.InstanceID
}

// Compatible reports whether a value of the from port's type may flow into
// the to port: identical types, either side any, or a modulation target
// accepting a signal-like source.
func Compatible(from, to Port) bool {
	if from.Type == to.Type {
		return true
	}
	if from.Type == TypeAny || to.Type == TypeAny {
		return true
	}
	if to.ModulationTarget != "" {
		switch from.Type {
		case TypeAudio, TypeNumber, TypeGate:
			return true
		}
	}
	return false
}
