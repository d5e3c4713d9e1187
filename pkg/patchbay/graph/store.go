// Package graph holds the patch data: block definitions, block instances and
// the connection list.
//
// Store is the single writer of that data. The control loop and the audio
// reconciler read it through Snapshot at the start of each pass, and learn
// about edits through Subscribe.
package graph

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/randalmurphal/patchbay/pkg/patchbay/registry"
	"github.com/randalmurphal/patchbay/pkg/patchbay/value"
)

// Sentinel errors for store operations.
var (
	// ErrDefinitionNotFound indicates a definition ID is unknown.
	ErrDefinitionNotFound = errors.New("definition not found")

	// ErrInstanceNotFound indicates an instance ID is unknown.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrPortNotFound indicates a connection names a port the definition lacks.
	ErrPortNotFound = errors.New("port not found")

	// ErrIncompatiblePorts indicates the two ends of a connection carry
	// incompatible semantic types.
	ErrIncompatiblePorts = errors.New("incompatible port types")

	// ErrDuplicateID indicates an ID is already in use.
	ErrDuplicateID = errors.New("duplicate id")

	// ErrDefinitionInUse indicates a definition still has instances.
	ErrDefinitionInUse = errors.New("definition in use")

	// ErrInvalidDefinition indicates a definition failed validation.
	ErrInvalidDefinition = errors.New("invalid definition")
)

// ChangeKind classifies a store change.
type ChangeKind int

// Change kinds.
const (
	DefinitionPut ChangeKind = iota
	DefinitionRemoved
	InstanceAdded
	InstanceRemoved
	ParamsChanged
	Connected
	Disconnected
)

// String returns the change name.
func (k ChangeKind) String() string {
	switch k {
	case DefinitionPut:
		return "definition_put"
	case DefinitionRemoved:
		return "definition_removed"
	case InstanceAdded:
		return "instance_added"
	case InstanceRemoved:
		return "instance_removed"
	case ParamsChanged:
		return "params_changed"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Change describes one store mutation. Tick commits are not reported.
type Change struct {
	Kind         ChangeKind
	DefinitionID string
	InstanceID   string
	ConnectionID string
	// Replaced is set on DefinitionPut when an existing definition was
	// replaced; LogicChanged when its logic body differs from the old one.
	Replaced     bool
	LogicChanged bool
}

// Topology reports whether the change affects ordering or routing.
func (c Change) Topology() bool {
	switch c.Kind {
	case InstanceAdded, InstanceRemoved, Connected, Disconnected, DefinitionPut:
		return true
	}
	return false
}

// Update is one instance's committed tick result.
type Update struct {
	InstanceID string
	Outputs    value.Map
	State      value.Map
	Reserved   Reserved
	Error      string
}

// Store holds definitions, instances and connections.
// Store is safe for concurrent use.
type Store struct {
	defs *registry.Registry[string, *BlockDefinition]

	mu        sync.RWMutex
	instances map[string]*BlockInstance
	order     []string
	conns     []Connection
	topology  uint64

	listenMu  sync.RWMutex
	listeners map[int]func(Change)
	nextID    int
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		defs:      registry.New[string, *BlockDefinition](),
		instances: make(map[string]*BlockInstance),
		listeners: make(map[int]func(Change)),
	}
}

// Subscribe registers fn to be called after every change. fn runs on the
// goroutine that made the change, after the store lock is released.
// The returned function removes the listener.
func (s *Store) Subscribe(fn func(Change)) (cancel func()) {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.listenMu.Lock()
		defer s.listenMu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Store) notify(changes ...Change) {
	s.listenMu.RLock()
	fns := make([]func(Change), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenMu.RUnlock()

	for _, c := range changes {
		for _, fn := range fns {
			fn(c)
		}
	}
}

// PutDefinition inserts or replaces a definition by ID. Replacing a
// definition flags every instance of it for unit reconstruction.
func (s *Store) PutDefinition(def BlockDefinition) error {
	if err := ValidateDefinition(&def); err != nil {
		return err
	}

	s.mu.Lock()
	old, replaced := s.defs.Get(def.ID)
	stored := def
	s.defs.Register(def.ID, &stored)
	if replaced {
		for _, inst := range s.instances {
			if inst.DefinitionID == def.ID {
				inst.NeedsRebuild = true
			}
		}
	}
	s.topology++
	s.mu.Unlock()

	s.notify(Change{
		Kind:         DefinitionPut,
		DefinitionID: def.ID,
		Replaced:     replaced,
		LogicChanged: replaced && old.Logic != def.Logic,
	})
	return nil
}

// RemoveDefinition deletes a definition that no instance references.
func (s *Store) RemoveDefinition(id string) error {
	s.mu.Lock()
	if !s.defs.Has(id) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDefinitionNotFound, id)
	}
	for _, inst := range s.instances {
		if inst.DefinitionID == id {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s used by %s", ErrDefinitionInUse, id, inst.ID)
		}
	}
	s.defs.Delete(id)
	s.mu.Unlock()

	s.notify(Change{Kind: DefinitionRemoved, DefinitionID: id})
	return nil
}

// Definition returns the definition with the given ID.
func (s *Store) Definition(id string) (*BlockDefinition, bool) {
	return s.defs.Get(id)
}

// Definitions returns the IDs of all definitions in sorted order.
func (s *Store) Definitions() []string {
	return registry.SortedKeys(s.defs)
}

// AddInstance places a new instance of definition defID. Parameters not in
// params take the definition's defaults. If id is empty one is generated.
func (s *Store) AddInstance(id, defID string, params value.Map) (string, error) {
	def, ok := s.defs.Get(defID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrDefinitionNotFound, defID)
	}
	if id == "" {
		id = uuid.New().String()
	}

	merged := def.DefaultParams()
	for k, v := range params {
		merged[k] = clampParam(def, k, v)
	}

	s.mu.Lock()
	if _, exists := s.instances[id]; exists {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: instance %s", ErrDuplicateID, id)
	}
	s.instances[id] = &BlockInstance{
		ID:           id,
		DefinitionID: defID,
		Params:       merged,
		State:        value.Map{},
		Outputs:      value.Map{},
	}
	s.order = append(s.order, id)
	s.topology++
	s.mu.Unlock()

	s.notify(Change{Kind: InstanceAdded, InstanceID: id, DefinitionID: defID})
	return id, nil
}

// RemoveInstance deletes an instance and every connection touching it.
func (s *Store) RemoveInstance(id string) error {
	s.mu.Lock()
	inst, ok := s.instances[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	delete(s.instances, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}

	changes := []Change{}
	kept := s.conns[:0]
	for _, c := range s.conns {
		if c.From.InstanceID == id || c.To.InstanceID == id {
			changes = append(changes, Change{Kind: Disconnected, ConnectionID: c.ID})
			continue
		}
		kept = append(kept, c)
	}
	s.conns = kept
	s.topology++
	s.mu.Unlock()

	changes = append(changes, Change{Kind: InstanceRemoved, InstanceID: id, DefinitionID: inst.DefinitionID})
	s.notify(changes...)
	return nil
}

// Instance returns a copy of the instance with the given ID.
func (s *Store) Instance(id string) (BlockInstance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return BlockInstance{}, false
	}
	return inst.clone(), true
}

// Instances returns the instance IDs in enumeration (insertion) order.
func (s *Store) Instances() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// SetParams merges params into an instance's current parameter values.
func (s *Store) SetParams(id string, params value.Map) error {
	s.mu.Lock()
	inst, ok := s.instances[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	def, _ := s.defs.Get(inst.DefinitionID)
	next := inst.Params.Clone()
	for k, v := range params {
		next[k] = clampParam(def, k, v)
	}
	inst.Params = next
	s.mu.Unlock()

	s.notify(Change{Kind: ParamsChanged, InstanceID: id, DefinitionID: inst.DefinitionID})
	return nil
}

func clampParam(def *BlockDefinition, id string, v value.Value) value.Value {
	if def == nil {
		return v
	}
	for _, p := range def.Params {
		if p.ID == id {
			return p.Clamp(v)
		}
	}
	return v
}

// Connect adds a connection. Both instances and ports must exist and carry
// compatible types. If c.ID is empty one is generated.
func (s *Store) Connect(c Connection) (string, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}

	s.mu.Lock()
	for _, existing := range s.conns {
		if existing.ID == c.ID {
			s.mu.Unlock()
			return "", fmt.Errorf("%w: connection %s", ErrDuplicateID, c.ID)
		}
	}
	from, to, err := s.resolvePortsLocked(c)
	if err != nil {
		s.mu.Unlock()
		return "", err
	}
	if !Compatible(from, to) {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s (%s) -> %s (%s)", ErrIncompatiblePorts, c.From, from.Type, c.To, to.Type)
	}
	s.conns = append(s.conns, c)
	s.topology++
	s.mu.Unlock()

	s.notify(Change{Kind: Connected, ConnectionID: c.ID})
	return c.ID, nil
}

func (s *Store) resolvePortsLocked(c Connection) (Port, Port, error) {
	fromInst, ok := s.instances[c.From.InstanceID]
	if !ok {
		return Port{}, Port{}, fmt.Errorf("%w: %s", ErrInstanceNotFound, c.From.InstanceID)
	}
	toInst, ok := s.instances[c.To.InstanceID]
	if !ok {
		return Port{}, Port{}, fmt.Errorf("%w: %s", ErrInstanceNotFound, c.To.InstanceID)
	}
	fromDef, ok := s.defs.Get(fromInst.DefinitionID)
	if !ok {
		return Port{}, Port{}, fmt.Errorf("%w: %s", ErrDefinitionNotFound, fromInst.DefinitionID)
	}
	toDef, ok := s.defs.Get(toInst.DefinitionID)
	if !ok {
		return Port{}, Port{}, fmt.Errorf("%w: %s", ErrDefinitionNotFound, toInst.DefinitionID)
	}
	from, ok := fromDef.Output(c.From.PortID)
	if !ok {
		return Port{}, Port{}, fmt.Errorf("%w: output %s", ErrPortNotFound, c.From)
	}
	to, ok := toDef.Input(c.To.PortID)
	if !ok {
		return Port{}, Port{}, fmt.Errorf("%w: input %s", ErrPortNotFound, c.To)
	}
	return from, to, nil
}

// Disconnect removes a connection by ID. Removing an unknown ID is a no-op.
func (s *Store) Disconnect(id string) {
	s.mu.Lock()
	found := false
	for i, c := range s.conns {
		if c.ID == id {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			found = true
			break
		}
	}
	if found {
		s.topology++
	}
	s.mu.Unlock()

	if found {
		s.notify(Change{Kind: Disconnected, ConnectionID: id})
	}
}

// Connections returns a copy of the connection list in insertion order.
func (s *Store) Connections() []Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Connection, len(s.conns))
	copy(out, s.conns)
	return out
}

// Commit applies a batch of tick results. Updates for instances deleted
// since the tick started are dropped.
func (s *Store) Commit(updates []Update) {
	if len(updates) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range updates {
		inst, ok := s.instances[u.InstanceID]
		if !ok {
			continue
		}
		inst.Outputs = u.Outputs
		inst.State = u.State
		inst.Reserved = u.Reserved
		inst.Error = u.Error
	}
}

// SetUnitError records (or clears, with "") a unit construction failure.
func (s *Store) SetUnitError(id, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst, ok := s.instances[id]; ok {
		inst.UnitError = msg
	}
}

// ClearRebuild resets the NeedsRebuild flag after a unit was rebuilt.
func (s *Store) ClearRebuild(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst, ok := s.instances[id]; ok {
		inst.NeedsRebuild = false
	}
}

// TopologyVersion increments whenever instances, connections or
// definitions change.
func (s *Store) TopologyVersion() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.topology
}

// ValidateDefinition checks IDs and port types. All problems are joined.
func ValidateDefinition(def *BlockDefinition) error {
	var errs []error
	if strings.TrimSpace(def.ID) == "" {
		errs = append(errs, errors.New("id cannot be empty"))
	}
	errs = append(errs, validatePorts("input", def.Inputs)...)
	errs = append(errs, validatePorts("output", def.Outputs)...)

	seen := make(map[string]bool, len(def.Params))
	for _, p := range def.Params {
		if p.ID == "" {
			errs = append(errs, errors.New("param id cannot be empty"))
		} else if seen[p.ID] {
			errs = append(errs, fmt.Errorf("duplicate param %q", p.ID))
		}
		seen[p.ID] = true
		if p.Min != nil && p.Max != nil && *p.Min > *p.Max {
			errs = append(errs, fmt.Errorf("param %q: min greater than max", p.ID))
		}
	}

	switch def.Unit.Kind {
	case UnitNone, UnitNative, UnitCustom, UnitExternal:
	default:
		errs = append(errs, fmt.Errorf("unknown unit kind %q", def.Unit.Kind))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w %q: %w", ErrInvalidDefinition, def.ID, errors.Join(errs...))
	}
	return nil
}

func validatePorts(kind string, ports []Port) []error {
	var errs []error
	seen := make(map[string]bool, len(ports))
	for _, p := range ports {
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("%s port id cannot be empty", kind))
			continue
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("duplicate %s port %q", kind, p.ID))
		}
		seen[p.ID] = true
		if !p.Type.Valid() {
			errs = append(errs, fmt.Errorf("%s port %q: unknown type %q", kind, p.ID, p.Type))
		}
		if kind == "output" && p.ModulationTarget != "" {
			errs = append(errs, fmt.Errorf("output port %q cannot be a modulation target", p.ID))
		}
	}
	return errs
}
