package expr

import (
	"strconv"
	"strings"

	"github.com/randalmurphal/patchbay/pkg/patchbay/value"
)

// Vars maps identifiers to values.
type Vars map[string]value.Value

// Scope builds the variable table for an instance. Bare identifiers refer to
// state keys.
func Scope(state, inputs, params value.Map) Vars {
	vars := make(Vars, 2*len(state)+len(inputs)+len(params))
	for k, v := range params {
		vars["params."+k] = v
	}
	for k, v := range inputs {
		vars["inputs."+k] = v
	}
	for k, v := range state {
		vars["state."+k] = v
		vars[k] = v
	}
	return vars
}

// Resolve resolves a literal or variable reference.
func Resolve(s string, vars Vars) value.Value {
	s = strings.TrimSpace(s)
	if s == "" {
		return value.String("")
	}

	if len(s) >= 2 && ((s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"')) {
		return value.String(s[1 : len(s)-1])
	}

	switch strings.ToLower(s) {
	case "true":
		return value.Bool(true)
	case "false":
		return value.Bool(false)
	case "null", "nil":
		return value.Null()
	}

	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return value.Number(f)
	}

	if v, ok := vars[s]; ok {
		return v
	}

	// A scoped reference that is not set is null, so an unset state key
	// never compares equal to its own name.
	if scoped(s) {
		return value.Null()
	}

	// Unquoted identifier not in vars.
	return value.String(s)
}

// scopePrefixes are the namespaces Scope fills.
var scopePrefixes = []string{"state.", "inputs.", "params."}

func scoped(s string) bool {
	for _, p := range scopePrefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// isIdentifier reports whether s is a bare name such as gate or state.on.
// Keywords and numbers are not identifiers.
func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	switch strings.ToLower(s) {
	case "true", "false", "null", "nil":
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
		case i > 0 && (r == '.' || (r >= '0' && r <= '9')):
		default:
			return false
		}
	}
	return true
}

// Display renders v for textual comparison: strings unquoted, everything
// else as value.String does.
func Display(v value.Value) string {
	if s, ok := v.AsString(); ok {
		return s
	}
	return v.String()
}
