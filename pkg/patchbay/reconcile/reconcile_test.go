package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/patchbay/pkg/patchbay/eventbus"
	"github.com/randalmurphal/patchbay/pkg/patchbay/graph"
	"github.com/randalmurphal/patchbay/pkg/patchbay/lifecycle"
	"github.com/randalmurphal/patchbay/pkg/patchbay/runtime/memrt"
	"github.com/randalmurphal/patchbay/pkg/patchbay/value"
)

type fixture struct {
	ctx   context.Context
	store *graph.Store
	rt    *memrt.Runtime
	mgr   *lifecycle.Manager
	bus   *eventbus.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ctx:   context.Background(),
		store: graph.NewStore(),
		rt:    memrt.New(),
		bus:   eventbus.New(eventbus.DefaultConfig),
	}
	f.mgr = lifecycle.New(f.rt)
	require.NoError(t, f.mgr.SetAudioEnabled(f.ctx, true))

	defs := []*graph.BlockDefinition{
		{
			ID:      "osc",
			Inputs:  []graph.Port{{ID: "fm", Type: graph.TypeAudio, ModulationTarget: "frequency"}},
			Outputs: []graph.Port{{ID: "out", Type: graph.TypeAudio}},
			Unit:    graph.UnitSpec{Kind: graph.UnitNative, Type: "oscillator"},
		},
		{
			ID:      "filter",
			Inputs:  []graph.Port{{ID: "in", Type: graph.TypeAudio}, {ID: "cutoff", Type: graph.TypeAudio, ModulationTarget: "cutoff"}},
			Outputs: []graph.Port{{ID: "out", Type: graph.TypeAudio}},
			Unit:    graph.UnitSpec{Kind: graph.UnitNative, Type: "biquad"},
		},
		{
			ID:      "clock",
			Outputs: []graph.Port{{ID: "tick", Type: graph.TypeTrigger}},
			Unit:    graph.UnitSpec{Kind: graph.UnitCustom, Type: "clock"},
		},
		{
			ID:      "env",
			Inputs:  []graph.Port{{ID: "trig", Type: graph.TypeTrigger}, {ID: "in", Type: graph.TypeAudio}},
			Outputs: []graph.Port{{ID: "out", Type: graph.TypeAudio}},
			Unit:    graph.UnitSpec{Kind: graph.UnitNative, Type: "gain"},
		},
		{
			ID:      "knob",
			Outputs: []graph.Port{{ID: "value", Type: graph.TypeNumber}},
			Logic:   `outputs = { value = 1 }`,
		},
	}
	for _, def := range defs {
		require.NoError(t, f.store.PutDefinition(*def))
	}
	return f
}

func (f *fixture) add(t *testing.T, id, def string) {
	t.Helper()
	_, err := f.store.AddInstance(id, def, nil)
	require.NoError(t, err)
	d, _ := f.store.Definition(def)
	if d.RequiresUnit() {
		require.NoError(t, f.mgr.Ensure(f.ctx, id, d, nil))
	}
}

func (f *fixture) connect(t *testing.T, id, from, fromPort, to, toPort string) {
	t.Helper()
	_, err := f.store.Connect(graph.Connection{
		ID:   id,
		From: graph.Endpoint{InstanceID: from, PortID: fromPort},
		To:   graph.Endpoint{InstanceID: to, PortID: toPort},
	})
	require.NoError(t, err)
}

func (f *fixture) reconcile(r *Reconciler) map[string]Route {
	return r.Reconcile(f.ctx, f.store.Snapshot(), f.mgr.Units())
}

func TestReconcile_ConnectsSignalRoutes(t *testing.T) {
	f := newFixture(t)
	f.add(t, "osc1", "osc")
	f.add(t, "lfo", "osc")
	f.add(t, "flt", "filter")
	f.connect(t, "c1", "osc1", "out", "flt", "in")
	f.connect(t, "c2", "lfo", "out", "flt", "cutoff")

	r := New(f.rt, f.bus)
	active := f.reconcile(r)

	require.Len(t, active, 2)
	assert.Equal(t, "flt/in", active["c1"].Dest.NodeID())
	assert.Empty(t, active["c1"].Param)
	assert.Equal(t, "flt/param/cutoff", active["c2"].Dest.NodeID())
	assert.Equal(t, "cutoff", active["c2"].Param)
	assert.Equal(t, []string{"lfo/out -> flt/param/cutoff", "osc1/out -> flt/in"}, f.rt.Routes())
}

func TestReconcile_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.add(t, "a", "osc")
	f.add(t, "b", "filter")
	f.connect(t, "c1", "a", "out", "b", "in")

	r := New(f.rt, f.bus)
	f.reconcile(r)
	f.rt.ResetCalls()

	active := f.reconcile(r)
	assert.Len(t, active, 1)
	assert.Equal(t, 0, f.rt.Calls().Connects)
	assert.Equal(t, 0, f.rt.Calls().Disconnects)
}

func TestReconcile_RemoveOneOfN(t *testing.T) {
	f := newFixture(t)
	f.add(t, "flt", "filter")
	for _, id := range []string{"o1", "o2", "o3"} {
		f.add(t, id, "osc")
		f.connect(t, "c-"+id, id, "out", "flt", "in")
	}

	r := New(f.rt, f.bus)
	require.Len(t, f.reconcile(r), 3)
	f.rt.ResetCalls()

	f.store.Disconnect("c-o2")
	active := f.reconcile(r)

	assert.Len(t, active, 2)
	assert.NotContains(t, active, "c-o2")
	assert.Equal(t, 1, f.rt.Calls().Disconnects)
	assert.Equal(t, 0, f.rt.Calls().Connects)
}

func TestReconcile_InactiveRuntimeTearsDown(t *testing.T) {
	f := newFixture(t)
	f.add(t, "a", "osc")
	f.add(t, "b", "filter")
	f.connect(t, "c1", "a", "out", "b", "in")

	r := New(f.rt, f.bus)
	require.Len(t, f.reconcile(r), 1)

	f.rt.SetActive(false)
	active := f.reconcile(r)

	assert.Empty(t, active)
	assert.Empty(t, r.Active())
	assert.Empty(t, f.rt.Routes())
}

func TestReconcile_SkipsMissingUnits(t *testing.T) {
	f := newFixture(t)
	f.add(t, "a", "osc")
	_, err := f.store.AddInstance("b", "filter", nil)
	require.NoError(t, err)
	f.connect(t, "c1", "a", "out", "b", "in")

	r := New(f.rt, f.bus)
	assert.Empty(t, f.reconcile(r))
	assert.Equal(t, 0, f.rt.Calls().Connects)

	// Once the unit is ready the route appears.
	def, _ := f.store.Definition("filter")
	require.NoError(t, f.mgr.Ensure(f.ctx, "b", def, nil))
	assert.Len(t, f.reconcile(r), 1)
}

func TestReconcile_SkipsControlConnections(t *testing.T) {
	f := newFixture(t)
	f.add(t, "k", "knob")
	f.add(t, "a", "osc")
	f.connect(t, "c1", "k", "value", "a", "fm")

	r := New(f.rt, f.bus)
	assert.Empty(t, f.reconcile(r))
}

func TestReconcile_ErrorIsolation(t *testing.T) {
	f := newFixture(t)
	f.add(t, "a", "osc")
	f.add(t, "good", "filter")
	f.add(t, "bad", "filter")
	f.connect(t, "c-bad", "a", "out", "bad", "in")
	f.connect(t, "c-good", "a", "out", "good", "in")

	boom := errors.New("connect refused")
	f.rt.FailConnect("bad/in", boom)

	var failures []*RouteError
	r := New(f.rt, f.bus, WithErrorHandler(func(e *RouteError) { failures = append(failures, e) }))
	active := f.reconcile(r)

	assert.Len(t, active, 1)
	assert.Contains(t, active, "c-good")
	require.Len(t, failures, 1)
	assert.Equal(t, "c-bad", failures[0].ConnectionID)
	assert.Equal(t, OpConnect, failures[0].Op)
	assert.ErrorIs(t, failures[0], boom)

	// The failed route is retried on the next pass.
	f.rt.FailConnect("bad/in", nil)
	assert.Len(t, f.reconcile(r), 2)
}

func TestReconcile_RebuiltUnitReroutes(t *testing.T) {
	f := newFixture(t)
	f.add(t, "a", "osc")
	f.add(t, "b", "filter")
	f.connect(t, "c1", "a", "out", "b", "in")

	r := New(f.rt, f.bus)
	f.reconcile(r)

	require.NoError(t, f.mgr.MarkRebuild(f.ctx, "b"))
	assert.Empty(t, f.reconcile(r))
	assert.Empty(t, f.rt.Routes())

	def, _ := f.store.Definition("filter")
	require.NoError(t, f.mgr.Ensure(f.ctx, "b", def, nil))
	assert.Len(t, f.reconcile(r), 1)
	assert.Equal(t, []string{"a/out -> b/in"}, f.rt.Routes())
}

func TestReconcile_FailedRerouteDisconnectsOnce(t *testing.T) {
	f := newFixture(t)
	f.add(t, "a", "osc")
	f.add(t, "b", "filter")
	f.connect(t, "c1", "a", "out", "b", "in")

	var failures []*RouteError
	r := New(f.rt, f.bus, WithErrorHandler(func(e *RouteError) { failures = append(failures, e) }))
	f.reconcile(r)
	f.rt.ResetCalls()

	units := f.mgr.Units()
	moved := *units["b"]
	moved.Input = memrt.Node("b/in2")
	units["b"] = &moved
	boom := errors.New("connect refused")
	f.rt.FailConnect("b/in2", boom)

	active := r.Reconcile(f.ctx, f.store.Snapshot(), units)

	assert.Empty(t, active)
	assert.Empty(t, f.rt.Routes())
	assert.Equal(t, 1, f.rt.Calls().Disconnects)
	assert.Equal(t, 1, f.rt.Calls().Connects)
	require.Len(t, failures, 1)
	assert.Equal(t, OpConnect, failures[0].Op)
	assert.ErrorIs(t, failures[0], boom)
}

func TestReconcile_EventHandOff(t *testing.T) {
	f := newFixture(t)
	f.add(t, "clk", "clock")
	f.add(t, "env", "env")
	f.connect(t, "c1", "clk", "tick", "env", "trig")

	r := New(f.rt, f.bus)
	active := f.reconcile(r)
	assert.Empty(t, active, "event connections make no audio route")
	assert.Equal(t, 0, f.rt.Calls().Connects)

	link, ok := f.bus.Link("c1")
	require.True(t, ok)
	assert.Equal(t, eventbus.PortRef{InstanceID: "env", PortID: "trig"}, link.To)

	require.True(t, f.rt.Emit("clk", "tick", value.Bool(true)))
	assert.Equal(t, map[string][]value.Value{"trig": {value.Bool(true)}}, f.bus.Drain("env"))

	f.store.Disconnect("c1")
	f.reconcile(r)
	_, ok = f.bus.Link("c1")
	assert.False(t, ok)

	f.rt.Emit("clk", "tick", value.Bool(true))
	assert.Nil(t, f.bus.Drain("env"))
}

func TestTeardown(t *testing.T) {
	f := newFixture(t)
	f.add(t, "a", "osc")
	f.add(t, "b", "filter")
	f.add(t, "clk", "clock")
	f.add(t, "env", "env")
	f.connect(t, "c1", "a", "out", "b", "in")
	f.connect(t, "c2", "clk", "tick", "env", "trig")

	r := New(f.rt, f.bus)
	f.reconcile(r)
	require.Len(t, f.bus.Links(), 1)

	r.Teardown(f.ctx)
	assert.Empty(t, r.Active())
	assert.Empty(t, f.rt.Routes())
	assert.Empty(t, f.bus.Links())
}

func TestSetRuntime_ForgetsRoutes(t *testing.T) {
	f := newFixture(t)
	f.add(t, "a", "osc")
	f.add(t, "b", "filter")
	f.connect(t, "c1", "a", "out", "b", "in")

	r := New(f.rt, f.bus)
	f.reconcile(r)
	f.rt.ResetCalls()

	r.SetRuntime(memrt.New())
	assert.Empty(t, r.Active())
	assert.Equal(t, 0, f.rt.Calls().Disconnects)
}
