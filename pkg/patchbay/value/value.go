// Package value provides the tagged-variant value type that flows through
// block ports, parameters, outputs and per-instance state bags.
//
// A Value is one of null, bool, number, string, list or map. The zero Value
// is null. Values are immutable once constructed. Lists and maps are shared
// by reference, and Same compares nested containers by reference.
package value

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Kind identifies the variant held by a Value.
type Kind uint8

// Value kinds.
const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindMap
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

// Value is a small tagged union. Construct with Null, Bool, Number, String,
// List or Object.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	l    []Value
	m    Map
}

// Map is a string-keyed bag of values.
type Map map[string]Value

// Null returns the null value.
func Null() Value { return Value{} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number returns a numeric value.
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }

// Int returns a numeric value from an int.
func Int(n int) Value { return Value{kind: KindNumber, n: float64(n)} }

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// List returns a list value holding vals. The slice is not copied.
func List(vals ...Value) Value {
	if vals == nil {
		vals = []Value{}
	}
	return Value{kind: KindList, l: vals}
}

// Object returns a map value. The map is not copied.
func Object(m Map) Value {
	if m == nil {
		m = Map{}
	}
	return Value{kind: KindMap, m: m}
}

// Kind returns the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool returns the boolean held by v.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsNumber returns the number held by v.
func (v Value) AsNumber() (float64, bool) { return v.n, v.kind == KindNumber }

// AsString returns the string held by v.
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

// AsList returns the list held by v. The returned slice must not be modified.
func (v Value) AsList() ([]Value, bool) { return v.l, v.kind == KindList }

// AsMap returns the map held by v. The returned map must not be modified.
func (v Value) AsMap() (Map, bool) { return v.m, v.kind == KindMap }

// Float converts v to a float64 loosely: numbers as-is, bools as 0/1,
// numeric strings parsed, everything else 0.
func (v Value) Float() float64 {
	switch v.kind {
	case KindNumber:
		return v.n
	case KindBool:
		if v.b {
			return 1
		}
		return 0
	case KindString:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.s), 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

// Truthy reports whether v counts as "on" for gate and trigger purposes.
// null, false, 0, NaN and "" are false; lists and maps are true.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindNull:
		return false
	case KindBool:
		return v.b
	case KindNumber:
		return v.n != 0 && !math.IsNaN(v.n)
	case KindString:
		return v.s != ""
	default:
		return true
	}
}

// Same reports whether a and b are shallowly equal: scalars compare by
// value, lists compare element-wise with nested lists and maps compared by
// reference, and maps compare by reference.
func Same(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindNumber:
		return a.n == b.n || (math.IsNaN(a.n) && math.IsNaN(b.n))
	case KindString:
		return a.s == b.s
	case KindList:
		if len(a.l) != len(b.l) {
			return false
		}
		for i := range a.l {
			if !sameElement(a.l[i], b.l[i]) {
				return false
			}
		}
		return true
	case KindMap:
		return sameRef(a.m, b.m)
	}
	return false
}

func sameElement(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindList:
		if len(a.l) != len(b.l) {
			return false
		}
		return len(a.l) == 0 || &a.l[0] == &b.l[0]
	case KindMap:
		return sameRef(a.m, b.m)
	default:
		return Same(a, b)
	}
}

func sameRef(a, b Map) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}

// ShallowEqual reports whether two maps hold the same keys with Same values.
func ShallowEqual(a, b Map) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !Same(av, bv) {
			return false
		}
	}
	return true
}

// Clone returns a shallow copy of m. A nil map clones to an empty map.
func (m Map) Clone() Map {
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Get returns the value for key, or null.
func (m Map) Get(key string) Value {
	return m[key]
}

// Keys returns the keys of m in sorted order.
func (m Map) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Any converts v to plain Go values: nil, bool, float64, string, []any and
// map[string]any.
func (v Value) Any() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindList:
		out := make([]any, len(v.l))
		for i, e := range v.l {
			out[i] = e.Any()
		}
		return out
	case KindMap:
		return v.m.Any()
	default:
		return nil
	}
}

// Any converts m to a map[string]any.
func (m Map) Any() map[string]any {
	out := make(map[string]any, len(m))
	for k, e := range m {
		out[k] = e.Any()
	}
	return out
}

// FromAny converts a decoded YAML or JSON document (or plain Go scalars)
// into a Value.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case int:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case int32:
		return Number(float64(t)), nil
	case uint64:
		return Number(float64(t)), nil
	case float32:
		return Number(float64(t)), nil
	case float64:
		return Number(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Null(), fmt.Errorf("value: %w", err)
		}
		return Number(f), nil
	case string:
		return String(t), nil
	case []any:
		out := make([]Value, len(t))
		for i, e := range t {
			v, err := FromAny(e)
			if err != nil {
				return Null(), fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = v
		}
		return List(out...), nil
	case map[string]any:
		m, err := MapFromAny(t)
		if err != nil {
			return Null(), err
		}
		return Object(m), nil
	default:
		return Null(), fmt.Errorf("value: unsupported type %T", x)
	}
}

// MapFromAny converts a map[string]any into a Map.
func MapFromAny(in map[string]any) (Map, error) {
	out := make(Map, len(in))
	for k, e := range in {
		v, err := FromAny(e)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == KindNumber && (math.IsNaN(v.n) || math.IsInf(v.n, 0)) {
		return []byte("null"), nil
	}
	return json.Marshal(v.Any())
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	var x any
	if err := json.Unmarshal(data, &x); err != nil {
		return err
	}
	parsed, err := FromAny(x)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler so patch documents can carry
// values directly.
func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	var x any
	if err := node.Decode(&x); err != nil {
		return err
	}
	parsed, err := FromAny(normalizeYAML(x))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// normalizeYAML turns map[any]any nodes (possible with some YAML inputs)
// into map[string]any.
func normalizeYAML(x any) any {
	switch t := x.(type) {
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[fmt.Sprint(k)] = normalizeYAML(e)
		}
		return out
	case map[string]any:
		for k, e := range t {
			t[k] = normalizeYAML(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = normalizeYAML(e)
		}
		return t
	default:
		return x
	}
}

// String renders v for logs and CLI output.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindNumber:
		return strconv.FormatFloat(v.n, 'g', -1, 64)
	case KindString:
		return strconv.Quote(v.s)
	case KindList:
		parts := make([]string, len(v.l))
		for i, e := range v.l {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case KindMap:
		return v.m.String()
	}
	return "?"
}

// String renders m with sorted keys.
func (m Map) String() string {
	keys := m.Keys()
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + m[k].String()
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
