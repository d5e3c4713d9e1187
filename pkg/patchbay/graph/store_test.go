package graph

import (
	"testing"

	"github.com/randalmurphal/patchbay/pkg/patchbay/value"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(f float64) *float64 { return &f }

func oscDef() BlockDefinition {
	return BlockDefinition{
		ID:      "osc",
		Outputs: []Port{{ID: "out", Type: TypeAudio}},
		Params: []ParamSpec{
			{ID: "freq", Default: value.Number(440), Min: ptr(20), Max: ptr(20000)},
		},
		Unit: UnitSpec{Kind: UnitNative, Type: "oscillator"},
	}
}

func filterDef() BlockDefinition {
	return BlockDefinition{
		ID: "filter",
		Inputs: []Port{
			{ID: "in", Type: TypeAudio},
			{ID: "cutoff", Type: TypeNumber, ModulationTarget: "frequency"},
		},
		Outputs: []Port{{ID: "out", Type: TypeAudio}},
		Unit:    UnitSpec{Kind: UnitNative, Type: "biquad"},
	}
}

func counterDef() BlockDefinition {
	return BlockDefinition{
		ID:      "counter",
		Inputs:  []Port{{ID: "clock", Type: TypeGate}},
		Outputs: []Port{{ID: "count", Type: TypeNumber}, {ID: "label", Type: TypeString}},
		Logic:   "native:count",
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore()
	require.NoError(t, s.PutDefinition(oscDef()))
	require.NoError(t, s.PutDefinition(filterDef()))
	require.NoError(t, s.PutDefinition(counterDef()))
	return s
}

// TestStore_AddInstance_DefaultsAndClamp verifies params merge with
// defaults and are clamped to the declared range.
func TestStore_AddInstance_DefaultsAndClamp(t *testing.T) {
	s := newTestStore(t)

	id, err := s.AddInstance("a", "osc", nil)
	require.NoError(t, err)
	assert.Equal(t, "a", id)

	inst, ok := s.Instance("a")
	require.True(t, ok)
	assert.Equal(t, 440.0, inst.Params.Get("freq").Float())

	_, err = s.AddInstance("b", "osc", value.Map{"freq": value.Number(1e6)})
	require.NoError(t, err)
	inst, _ = s.Instance("b")
	assert.Equal(t, 20000.0, inst.Params.Get("freq").Float())
}

func TestStore_AddInstance_GeneratesID(t *testing.T) {
	s := newTestStore(t)
	id, err := s.AddInstance("", "osc", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestStore_AddInstance_Errors(t *testing.T) {
	s := newTestStore(t)

	_, err := s.AddInstance("x", "missing", nil)
	assert.ErrorIs(t, err, ErrDefinitionNotFound)

	_, err = s.AddInstance("x", "osc", nil)
	require.NoError(t, err)
	_, err = s.AddInstance("x", "osc", nil)
	assert.ErrorIs(t, err, ErrDuplicateID)
}

// TestStore_Instances_InsertionOrder verifies enumeration order.
func TestStore_Instances_InsertionOrder(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"c", "a", "b"} {
		_, err := s.AddInstance(id, "osc", nil)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"c", "a", "b"}, s.Instances())

	require.NoError(t, s.RemoveInstance("a"))
	assert.Equal(t, []string{"c", "b"}, s.Instances())
}

func TestStore_Connect(t *testing.T) {
	s := newTestStore(t)
	_, _ = s.AddInstance("osc", "osc", nil)
	_, _ = s.AddInstance("flt", "filter", nil)
	_, _ = s.AddInstance("cnt", "counter", nil)

	t.Run("audio to audio", func(t *testing.T) {
		id, err := s.Connect(Connection{From: Endpoint{"osc", "out"}, To: Endpoint{"flt", "in"}})
		require.NoError(t, err)
		assert.NotEmpty(t, id)
	})

	t.Run("audio into modulation target", func(t *testing.T) {
		_, err := s.Connect(Connection{ID: "mod", From: Endpoint{"osc", "out"}, To: Endpoint{"flt", "cutoff"}})
		require.NoError(t, err)
	})

	t.Run("incompatible", func(t *testing.T) {
		_, err := s.Connect(Connection{From: Endpoint{"cnt", "label"}, To: Endpoint{"flt", "in"}})
		assert.ErrorIs(t, err, ErrIncompatiblePorts)
	})

	t.Run("missing instance", func(t *testing.T) {
		_, err := s.Connect(Connection{From: Endpoint{"nope", "out"}, To: Endpoint{"flt", "in"}})
		assert.ErrorIs(t, err, ErrInstanceNotFound)
	})

	t.Run("missing port", func(t *testing.T) {
		_, err := s.Connect(Connection{From: Endpoint{"osc", "nope"}, To: Endpoint{"flt", "in"}})
		assert.ErrorIs(t, err, ErrPortNotFound)
	})

	t.Run("duplicate id", func(t *testing.T) {
		_, err := s.Connect(Connection{ID: "mod", From: Endpoint{"osc", "out"}, To: Endpoint{"flt", "in"}})
		assert.ErrorIs(t, err, ErrDuplicateID)
	})

	assert.Len(t, s.Connections(), 2)
}

// TestStore_RemoveInstance_RemovesIncidentConnections verifies deletion
// cascades to connections and emits a change per removed connection.
func TestStore_RemoveInstance_RemovesIncidentConnections(t *testing.T) {
	s := newTestStore(t)
	_, _ = s.AddInstance("osc", "osc", nil)
	_, _ = s.AddInstance("flt", "filter", nil)
	_, _ = s.AddInstance("osc2", "osc", nil)
	_, err := s.Connect(Connection{ID: "c1", From: Endpoint{"osc", "out"}, To: Endpoint{"flt", "in"}})
	require.NoError(t, err)
	_, err = s.Connect(Connection{ID: "c2", From: Endpoint{"osc2", "out"}, To: Endpoint{"flt", "cutoff"}})
	require.NoError(t, err)

	var changes []Change
	cancel := s.Subscribe(func(c Change) { changes = append(changes, c) })
	defer cancel()

	require.NoError(t, s.RemoveInstance("osc"))

	conns := s.Connections()
	require.Len(t, conns, 1)
	assert.Equal(t, "c2", conns[0].ID)

	require.Len(t, changes, 2)
	assert.Equal(t, Disconnected, changes[0].Kind)
	assert.Equal(t, "c1", changes[0].ConnectionID)
	assert.Equal(t, InstanceRemoved, changes[1].Kind)
	assert.Equal(t, "osc", changes[1].InstanceID)

	assert.ErrorIs(t, s.RemoveInstance("osc"), ErrInstanceNotFound)
}

// TestStore_PutDefinition_MarksRebuild verifies replacing a definition flags
// its instances and reports whether logic changed.
func TestStore_PutDefinition_MarksRebuild(t *testing.T) {
	s := newTestStore(t)
	_, _ = s.AddInstance("c", "counter", nil)
	_, _ = s.AddInstance("o", "osc", nil)

	var got Change
	s.Subscribe(func(c Change) { got = c })

	def := counterDef()
	def.Logic = "native:other"
	require.NoError(t, s.PutDefinition(def))

	assert.Equal(t, DefinitionPut, got.Kind)
	assert.True(t, got.Replaced)
	assert.True(t, got.LogicChanged)

	c, _ := s.Instance("c")
	o, _ := s.Instance("o")
	assert.True(t, c.NeedsRebuild)
	assert.False(t, o.NeedsRebuild)

	s.ClearRebuild("c")
	c, _ = s.Instance("c")
	assert.False(t, c.NeedsRebuild)
}

func TestStore_PutDefinition_Invalid(t *testing.T) {
	s := NewStore()
	err := s.PutDefinition(BlockDefinition{
		ID:      "bad",
		Inputs:  []Port{{ID: "a", Type: "voltage"}, {ID: "a", Type: TypeAudio}},
		Outputs: []Port{{ID: "o", Type: TypeAudio, ModulationTarget: "gain"}},
		Params:  []ParamSpec{{ID: "p", Min: ptr(2), Max: ptr(1)}},
	})
	require.ErrorIs(t, err, ErrInvalidDefinition)
	assert.Contains(t, err.Error(), "unknown type")
	assert.Contains(t, err.Error(), "duplicate input port")
	assert.Contains(t, err.Error(), "modulation target")
	assert.Contains(t, err.Error(), "min greater than max")

	assert.ErrorIs(t, s.PutDefinition(BlockDefinition{}), ErrInvalidDefinition)
}

func TestStore_RemoveDefinition(t *testing.T) {
	s := newTestStore(t)
	_, _ = s.AddInstance("o", "osc", nil)

	assert.ErrorIs(t, s.RemoveDefinition("osc"), ErrDefinitionInUse)
	assert.ErrorIs(t, s.RemoveDefinition("missing"), ErrDefinitionNotFound)
	require.NoError(t, s.RemoveDefinition("filter"))

	_, ok := s.Definition("filter")
	assert.False(t, ok)
	assert.Equal(t, []string{"counter", "osc"}, s.Definitions())
}

func TestStore_SetParams(t *testing.T) {
	s := newTestStore(t)
	_, _ = s.AddInstance("o", "osc", nil)

	var kinds []ChangeKind
	s.Subscribe(func(c Change) { kinds = append(kinds, c.Kind) })

	require.NoError(t, s.SetParams("o", value.Map{"freq": value.Number(5), "extra": value.String("x")}))
	inst, _ := s.Instance("o")
	assert.Equal(t, 20.0, inst.Params.Get("freq").Float())
	assert.Equal(t, "x", inst.Params.Get("extra").Any())
	assert.Equal(t, []ChangeKind{ParamsChanged}, kinds)

	assert.ErrorIs(t, s.SetParams("missing", nil), ErrInstanceNotFound)
}

func TestStore_Disconnect(t *testing.T) {
	s := newTestStore(t)
	_, _ = s.AddInstance("osc", "osc", nil)
	_, _ = s.AddInstance("flt", "filter", nil)
	_, err := s.Connect(Connection{ID: "c1", From: Endpoint{"osc", "out"}, To: Endpoint{"flt", "in"}})
	require.NoError(t, err)

	before := s.TopologyVersion()
	s.Disconnect("c1")
	assert.Empty(t, s.Connections())
	assert.Greater(t, s.TopologyVersion(), before)

	before = s.TopologyVersion()
	s.Disconnect("c1")
	assert.Equal(t, before, s.TopologyVersion())
}

// TestStore_Commit_SkipsRemoved verifies tick results for deleted
// instances are dropped and commits don't bump the topology version.
func TestStore_Commit_SkipsRemoved(t *testing.T) {
	s := newTestStore(t)
	_, _ = s.AddInstance("a", "counter", nil)
	_, _ = s.AddInstance("b", "counter", nil)
	require.NoError(t, s.RemoveInstance("b"))

	version := s.TopologyVersion()
	s.Commit([]Update{
		{InstanceID: "a", Outputs: value.Map{"count": value.Number(1)}, State: value.Map{"n": value.Number(1)}},
		{InstanceID: "b", Outputs: value.Map{"count": value.Number(9)}},
	})

	a, _ := s.Instance("a")
	assert.Equal(t, 1.0, a.Outputs.Get("count").Float())
	assert.Equal(t, 1.0, a.State.Get("n").Float())
	_, ok := s.Instance("b")
	assert.False(t, ok)
	assert.Equal(t, version, s.TopologyVersion())
}

func TestStore_SetUnitError(t *testing.T) {
	s := newTestStore(t)
	_, _ = s.AddInstance("o", "osc", nil)

	s.SetUnitError("o", "boom")
	inst, _ := s.Instance("o")
	assert.Equal(t, "boom", inst.UnitError)

	s.SetUnitError("o", "")
	inst, _ = s.Instance("o")
	assert.Empty(t, inst.UnitError)

	s.SetUnitError("missing", "ignored")
}

// TestSnapshot_IsolatedFromStore verifies snapshots are deep copies.
func TestSnapshot_IsolatedFromStore(t *testing.T) {
	s := newTestStore(t)
	_, _ = s.AddInstance("o", "osc", nil)
	_, _ = s.AddInstance("f", "filter", nil)
	_, err := s.Connect(Connection{ID: "c", From: Endpoint{"o", "out"}, To: Endpoint{"f", "in"}})
	require.NoError(t, err)

	snap := s.Snapshot()
	snap.Instances[0].Params["freq"] = value.Number(1)

	inst, _ := s.Instance("o")
	assert.Equal(t, 440.0, inst.Params.Get("freq").Float())

	assert.Equal(t, []string{"o", "f"}, snap.IDs())
	assert.Equal(t, s.TopologyVersion(), snap.TopologyVersion)

	from, to, ok := snap.ResolvePorts(snap.Connections[0])
	require.True(t, ok)
	assert.Equal(t, TypeAudio, from.Type)
	assert.Equal(t, "in", to.ID)

	c, ok := snap.Incoming("f", "in")
	require.True(t, ok)
	assert.Equal(t, "c", c.ID)
	_, ok = snap.Incoming("f", "cutoff")
	assert.False(t, ok)
}

// TestSnapshot_InertConnection verifies a connection whose port vanished
// after a definition replace stays listed but does not resolve.
func TestSnapshot_InertConnection(t *testing.T) {
	s := newTestStore(t)
	_, _ = s.AddInstance("o", "osc", nil)
	_, _ = s.AddInstance("f", "filter", nil)
	_, err := s.Connect(Connection{ID: "c", From: Endpoint{"o", "out"}, To: Endpoint{"f", "cutoff"}})
	require.NoError(t, err)

	def := filterDef()
	def.Inputs = def.Inputs[:1]
	require.NoError(t, s.PutDefinition(def))

	snap := s.Snapshot()
	require.Len(t, snap.Connections, 1)
	_, _, ok := snap.ResolvePorts(snap.Connections[0])
	assert.False(t, ok)
}

// TestSnapshot_SourceSkipsDeadConnections verifies the first live
// connection into a port wins when earlier ones went inert or incompatible.
func TestSnapshot_SourceSkipsDeadConnections(t *testing.T) {
	s := newTestStore(t)
	_, _ = s.AddInstance("o", "osc", nil)
	_, _ = s.AddInstance("k", "counter", nil)
	_, _ = s.AddInstance("f", "filter", nil)
	_, err := s.Connect(Connection{ID: "c1", From: Endpoint{"o", "out"}, To: Endpoint{"f", "cutoff"}})
	require.NoError(t, err)
	_, err = s.Connect(Connection{ID: "c2", From: Endpoint{"k", "count"}, To: Endpoint{"f", "cutoff"}})
	require.NoError(t, err)

	snap := s.Snapshot()
	c, from, ok := snap.Source("f", "cutoff")
	require.True(t, ok)
	assert.Equal(t, "c1", c.ID)
	assert.Equal(t, TypeAudio, from.Type)

	def := oscDef()
	def.Outputs = []Port{{ID: "out", Type: TypeString}}
	require.NoError(t, s.PutDefinition(def))

	snap = s.Snapshot()
	c, ok = snap.Incoming("f", "cutoff")
	require.True(t, ok)
	assert.Equal(t, "c1", c.ID)
	c, from, ok = snap.Source("f", "cutoff")
	require.True(t, ok)
	assert.Equal(t, "c2", c.ID)
	assert.Equal(t, "count", from.ID)

	s.Disconnect("c2")
	_, _, ok = s.Snapshot().Source("f", "cutoff")
	assert.False(t, ok)
	_, _, ok = s.Snapshot().Source("f", "in")
	assert.False(t, ok)
}

func TestCompatible(t *testing.T) {
	testCases := []struct {
		name string
		from Port
		to   Port
		want bool
	}{
		{"identical", Port{Type: TypeGate}, Port{Type: TypeGate}, true},
		{"any source", Port{Type: TypeAny}, Port{Type: TypeString}, true},
		{"any destination", Port{Type: TypeTrigger}, Port{Type: TypeAny}, true},
		{"audio to number", Port{Type: TypeAudio}, Port{Type: TypeNumber}, false},
		{"audio to modulation", Port{Type: TypeAudio}, Port{Type: TypeNumber, ModulationTarget: "gain"}, true},
		{"gate to modulation", Port{Type: TypeGate}, Port{Type: TypeAudio, ModulationTarget: "gain"}, true},
		{"string to modulation", Port{Type: TypeString}, Port{Type: TypeNumber, ModulationTarget: "gain"}, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Compatible(tc.from, tc.to))
		})
	}
}

func TestSemanticType_Default(t *testing.T) {
	assert.Equal(t, 0.0, TypeAudio.Default().Float())
	assert.Equal(t, value.KindNumber, TypeNumber.Default().Kind())
	assert.Equal(t, value.KindBool, TypeGate.Default().Kind())
	assert.Equal(t, value.KindString, TypeString.Default().Kind())
	assert.True(t, TypeTrigger.Default().IsNull())
	assert.True(t, TypeAny.Default().IsNull())

	d := value.Number(3)
	assert.Equal(t, 3.0, Port{Type: TypeNumber, Default: &d}.DefaultValue().Float())
}
