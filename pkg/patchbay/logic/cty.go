package logic

import (
	"fmt"
	"math"

	"github.com/randalmurphal/patchbay/pkg/patchbay/value"
	"github.com/zclconf/go-cty/cty"
)

// toCty converts a Value for use in an HCL evaluation context. Lists become
// tuples and maps become objects so mixed element types survive.
func toCty(v value.Value) cty.Value {
	switch v.Kind() {
	case value.KindBool:
		b, _ := v.AsBool()
		return cty.BoolVal(b)
	case value.KindNumber:
		n, _ := v.AsNumber()
		if math.IsNaN(n) {
			return cty.NullVal(cty.Number)
		}
		return cty.NumberFloatVal(n)
	case value.KindString:
		s, _ := v.AsString()
		return cty.StringVal(s)
	case value.KindList:
		l, _ := v.AsList()
		if len(l) == 0 {
			return cty.EmptyTupleVal
		}
		vals := make([]cty.Value, len(l))
		for i, e := range l {
			vals[i] = toCty(e)
		}
		return cty.TupleVal(vals)
	case value.KindMap:
		m, _ := v.AsMap()
		return mapToCty(m)
	default:
		return cty.NullVal(cty.DynamicPseudoType)
	}
}

func mapToCty(m value.Map) cty.Value {
	if len(m) == 0 {
		return cty.EmptyObjectVal
	}
	attrs := make(map[string]cty.Value, len(m))
	for k, e := range m {
		attrs[k] = toCty(e)
	}
	return cty.ObjectVal(attrs)
}

func eventsToCty(events map[string][]value.Value) cty.Value {
	if len(events) == 0 {
		return cty.EmptyObjectVal
	}
	attrs := make(map[string]cty.Value, len(events))
	for port, pulses := range events {
		attrs[port] = toCty(value.List(pulses...))
	}
	return cty.ObjectVal(attrs)
}

// fromCty converts an evaluation result back into a Value. Unknown values
// are rejected.
func fromCty(v cty.Value) (value.Value, error) {
	if v.IsNull() {
		return value.Null(), nil
	}
	if !v.IsWhollyKnown() {
		return value.Null(), fmt.Errorf("value is not known")
	}
	v, _ = v.Unmark()

	ty := v.Type()
	switch {
	case ty == cty.String:
		return value.String(v.AsString()), nil
	case ty == cty.Number:
		f, _ := v.AsBigFloat().Float64()
		return value.Number(f), nil
	case ty == cty.Bool:
		return value.Bool(v.True()), nil
	case ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
		out := make([]value.Value, 0, v.LengthInt())
		it := v.ElementIterator()
		for it.Next() {
			_, e := it.Element()
			ev, err := fromCty(e)
			if err != nil {
				return value.Null(), err
			}
			out = append(out, ev)
		}
		return value.List(out...), nil
	case ty.IsObjectType() || ty.IsMapType():
		out := make(value.Map, v.LengthInt())
		it := v.ElementIterator()
		for it.Next() {
			k, e := it.Element()
			ev, err := fromCty(e)
			if err != nil {
				return value.Null(), fmt.Errorf("in attribute %q: %w", k.AsString(), err)
			}
			out[k.AsString()] = ev
		}
		return value.Object(out), nil
	default:
		return value.Null(), fmt.Errorf("unsupported type %s", ty.FriendlyName())
	}
}

func truthy(v cty.Value) bool {
	if v.IsNull() || !v.IsKnown() {
		return false
	}
	out, err := fromCty(v)
	if err != nil {
		return false
	}
	return out.Truthy()
}
