package patch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/patchbay/pkg/patchbay/graph"
	"github.com/randalmurphal/patchbay/pkg/patchbay/logic"
)

const sample = `
definitions:
  - id: lfo
    outputs:
      - id: out
        type: number
    params:
      - id: rate
        default: 2
        min: 0
        max: 20
    logic: |
      outputs = { out = params.rate * 2 }
  - id: osc
    inputs:
      - id: fm
        type: audio
        modulation_target: frequency
    outputs:
      - id: out
        type: audio
    unit:
      kind: native
      type: oscillator
instances:
  - id: l1
    definition: lfo
    params:
      rate: 50
  - id: o1
    definition: osc
connections:
  - id: c1
    from: { instance: l1, port: out }
    to: { instance: o1, port: fm }
`

func TestFromYAML_Apply(t *testing.T) {
	doc, err := FromYAML([]byte(sample))
	require.NoError(t, err)
	require.Len(t, doc.Definitions, 2)
	assert.Equal(t, "frequency", doc.Definitions[1].Inputs[0].ModulationTarget)
	assert.Equal(t, graph.UnitNative, doc.Definitions[1].Unit.Kind)

	store := graph.NewStore()
	require.NoError(t, doc.Apply(store))

	assert.Equal(t, []string{"l1", "o1"}, store.Instances())
	l1, _ := store.Instance("l1")
	assert.Equal(t, 20.0, l1.Params.Get("rate").Float(), "clamped to max")
	require.Len(t, store.Connections(), 1)
	assert.Equal(t, "c1", store.Connections()[0].ID)
}

func TestFromYAML_UnknownField(t *testing.T) {
	_, err := FromYAML([]byte("definitions: []\nwidgets: []\n"))
	assert.Error(t, err)
}

func TestFromJSON(t *testing.T) {
	doc, err := FromJSON([]byte(`{
		"definitions": [{"id": "k", "outputs": [{"id": "v", "type": "number"}], "logic": "outputs = { v = 1 }"}],
		"instances": [{"id": "k1", "definition": "k", "params": {"x": true}}]
	}`))
	require.NoError(t, err)
	require.Len(t, doc.Instances, 1)
	assert.True(t, doc.Instances[0].Params.Get("x").Truthy())
}

func TestApply_CollectsAllErrors(t *testing.T) {
	doc := &Document{
		Definitions: []graph.BlockDefinition{{ID: ""}},
		Instances: []Instance{
			{ID: "a", Definition: "missing"},
			{ID: "b", Definition: "missing"},
		},
		Connections: []graph.Connection{{
			From: graph.Endpoint{InstanceID: "a", PortID: "out"},
			To:   graph.Endpoint{InstanceID: "b", PortID: "in"},
		}},
	}
	err := doc.Apply(graph.NewStore())
	require.Error(t, err)
	assert.ErrorIs(t, err, graph.ErrInvalidDefinition)
	assert.ErrorIs(t, err, graph.ErrDefinitionNotFound)
	assert.ErrorIs(t, err, graph.ErrInstanceNotFound)
	assert.Contains(t, err.Error(), `instance "b"`)
}

func TestCheck(t *testing.T) {
	doc := &Document{Definitions: []graph.BlockDefinition{
		{ID: "ok", Logic: `outputs = {}`},
		{ID: "broken", Logic: `outputs = {`},
		{ID: "native", Logic: "native:nope"},
		{ID: "unit", Unit: graph.UnitSpec{Kind: graph.UnitNative}},
	}}
	err := doc.Check(logic.NewCompiler())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `definition "broken"`)
	assert.ErrorIs(t, err, logic.ErrUnknownNative)
	assert.NotContains(t, err.Error(), `definition "ok"`)
	assert.NotContains(t, err.Error(), `definition "unit"`)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "patch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	store, doc, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, doc.Instances, 2)
	assert.Len(t, store.Instances(), 2)

	_, _, err = Load(filepath.Join(dir, "patch.toml"))
	assert.Error(t, err)
}
