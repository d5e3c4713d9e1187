package graph

// Snapshot is a point-in-time copy of the store. Engines take one at the
// start of each tick or reconcile pass and never see later edits mid-pass.
type Snapshot struct {
	// TopologyVersion identifies the instance/connection/definition layout
	// this snapshot was taken at. Equal versions mean equal topology.
	TopologyVersion uint64

	// Instances in enumeration order.
	Instances   []BlockInstance
	Connections []Connection

	defs     map[string]*BlockDefinition
	index    map[string]int
	incoming map[Endpoint][]int
}

// Snapshot copies the store's current contents.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &Snapshot{
		TopologyVersion: s.topology,
		Instances:       make([]BlockInstance, 0, len(s.order)),
		Connections:     make([]Connection, len(s.conns)),
		defs:            make(map[string]*BlockDefinition, s.defs.Len()),
		index:           make(map[string]int, len(s.order)),
		incoming:        make(map[Endpoint][]int, len(s.conns)),
	}
	copy(snap.Connections, s.conns)
	for i, c := range snap.Connections {
		snap.incoming[c.To] = append(snap.incoming[c.To], i)
	}
	for _, id := range s.order {
		snap.index[id] = len(snap.Instances)
		snap.Instances = append(snap.Instances, s.instances[id].clone())
	}
	s.defs.Range(func(id string, def *BlockDefinition) bool {
		snap.defs[id] = def
		return true
	})
	return snap
}

// IDs returns the instance IDs in enumeration order.
func (s *Snapshot) IDs() []string {
	out := make([]string, len(s.Instances))
	for i := range s.Instances {
		out[i] = s.Instances[i].ID
	}
	return out
}

// Instance returns the snapshot's copy of an instance.
func (s *Snapshot) Instance(id string) (*BlockInstance, bool) {
	i, ok := s.index[id]
	if !ok {
		return nil, false
	}
	return &s.Instances[i], true
}

// Definition returns a definition by ID. Definitions are immutable and
// shared with the store.
func (s *Snapshot) Definition(id string) (*BlockDefinition, bool) {
	def, ok := s.defs[id]
	return def, ok
}

// DefinitionOf returns the definition of the given instance.
func (s *Snapshot) DefinitionOf(instanceID string) (*BlockDefinition, bool) {
	inst, ok := s.Instance(instanceID)
	if !ok {
		return nil, false
	}
	return s.Definition(inst.DefinitionID)
}

// ResolvePorts looks up both ports of a connection. ok is false when the
// connection is inert: an instance, definition or port is missing.
func (s *Snapshot) ResolvePorts(c Connection) (from, to Port, ok bool) {
	fromDef, ok := s.DefinitionOf(c.From.InstanceID)
	if !ok {
		return Port{}, Port{}, false
	}
	toDef, ok := s.DefinitionOf(c.To.InstanceID)
	if !ok {
		return Port{}, Port{}, false
	}
	if from, ok = fromDef.Output(c.From.PortID); !ok {
		return Port{}, Port{}, false
	}
	if to, ok = toDef.Input(c.To.PortID); !ok {
		return Port{}, Port{}, false
	}
	return from, to, true
}

// Incoming returns the first connection into the given input port, in
// connection list order.
func (s *Snapshot) Incoming(instanceID, portID string) (Connection, bool) {
	idx := s.incoming[Endpoint{InstanceID: instanceID, PortID: portID}]
	if len(idx) == 0 {
		return Connection{}, false
	}
	return s.Connections[idx[0]], true
}

// Source returns the first connection into the given input port whose
// ports both resolve and are type compatible, with its source port.
// Inert and incompatible connections are skipped.
func (s *Snapshot) Source(instanceID, portID string) (Connection, Port, bool) {
	for _, i := range s.incoming[Endpoint{InstanceID: instanceID, PortID: portID}] {
		c := s.Connections[i]
		from, to, ok := s.ResolvePorts(c)
		if ok && Compatible(from, to) {
			return c, from, true
		}
	}
	return Connection{}, Port{}, false
}
