package expr

import (
	"strings"
	"testing"

	"github.com/randalmurphal/patchbay/pkg/patchbay/value"
	"github.com/stretchr/testify/assert"
)

func TestEval_Comparisons(t *testing.T) {
	vars := Vars{
		"mode":  value.String("active"),
		"level": value.Number(0.75),
		"count": value.Int(5),
		"on":    value.Bool(true),
		"name":  value.String("kick drum"),
	}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"string equality", "mode == 'active'", true},
		{"double quoted", `mode == "active"`, true},
		{"string inequality", "mode != 'idle'", true},
		{"number equality", "count == 5", true},
		{"number equality across text", "count == '5'", true},
		{"bool equality", "on == true", true},
		{"greater", "level > 0.5", true},
		{"greater or equal", "count >= 5", true},
		{"less", "level < 0.5", false},
		{"less or equal", "count <= 4", false},
		{"contains", "name contains 'kick'", true},
		{"contains false", "name contains 'snare'", false},
		{"variable to variable", "count > level", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Eval(tt.expr, vars))
		})
	}
}

func TestEval_Logical(t *testing.T) {
	vars := Vars{"a": value.Bool(true), "b": value.Bool(false), "n": value.Number(0)}

	tests := []struct {
		expr string
		want bool
	}{
		{"a and b", false},
		{"a or b", true},
		{"not b", true},
		{"!a", false},
		{"b and a or a", true},
		{"a or b and b", true},
		{"not n", true},
		{"n", false},
		{"", false},
		{"missing", false},
		{"not missing", true},
		{"null", false},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			assert.Equal(t, tt.want, Eval(tt.expr, vars))
		})
	}
}

func TestEval_CustomOperator(t *testing.T) {
	e := New(WithCustomOperator("startswith", func(l, r value.Value) bool {
		return strings.HasPrefix(Display(l), Display(r))
	}))

	vars := Vars{"name": value.String("kick drum")}
	assert.True(t, e.Evaluate("name startswith 'kick'", vars))
	assert.False(t, e.Evaluate("name startswith 'drum'", vars))
}

// TestScope verifies prefixed lookups and the bare state shorthand.
func TestScope(t *testing.T) {
	vars := Scope(
		value.Map{"gate": value.Bool(true)},
		value.Map{"level": value.Number(0.2)},
		value.Map{"threshold": value.Number(0.1)},
	)

	assert.True(t, Eval("gate", vars))
	assert.True(t, Eval("state.gate", vars))
	assert.True(t, Eval("inputs.level > params.threshold", vars))
	assert.False(t, Eval("not gate", vars))
}

func TestResolve_Literals(t *testing.T) {
	assert.Equal(t, value.Number(42), Resolve("42", nil))
	assert.Equal(t, value.Number(-1.5), Resolve(" -1.5 ", nil))
	assert.Equal(t, value.String("hi"), Resolve("'hi'", nil))
	assert.Equal(t, value.Bool(false), Resolve("FALSE", nil))
	assert.True(t, Resolve("nil", nil).IsNull())
	assert.Equal(t, value.String("ident"), Resolve("ident", nil))
	assert.True(t, Resolve("state.on", nil).IsNull())
	assert.True(t, Resolve("inputs.gate", Vars{}).IsNull())
}

// TestScope_UnsetKeys verifies that conditions over keys the logic has not
// set yet are false rather than matching their own names.
func TestScope_UnsetKeys(t *testing.T) {
	vars := Scope(value.Map{}, nil, nil)

	assert.False(t, Eval("state.on", vars))
	assert.False(t, Eval("on", vars))
	assert.True(t, Eval("not state.on", vars))
	assert.False(t, Eval("state.mode == mode", vars))
	assert.True(t, Eval("mode == mode", vars), "unscoped words still compare as text")
}
