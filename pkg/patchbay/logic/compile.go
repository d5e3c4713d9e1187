package logic

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/randalmurphal/patchbay/pkg/patchbay/registry"
	"github.com/randalmurphal/patchbay/pkg/patchbay/value"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
)

// Attributes recognised in an HCL logic body.
const (
	attrOutputs = "outputs"
	attrState   = "state"
	attrLog     = "log"
	attrPost    = "post"
)

// Compiler compiles logic bodies. Native functions are looked up by name at
// compile time, so a function registered later is picked up on recompile.
type Compiler struct {
	natives *registry.Registry[string, Func]
	funcs   map[string]function.Function
}

// NewCompiler creates a compiler with the default HCL function table.
func NewCompiler() *Compiler {
	return &Compiler{
		natives: registry.New[string, Func](),
		funcs:   defaultFunctions(),
	}
}

// RegisterNative makes fn available to bodies of the form "native:<name>".
func (c *Compiler) RegisterNative(name string, fn Func) {
	c.natives.Register(name, fn)
}

// Natives returns the registered native function names in sorted order.
func (c *Compiler) Natives() []string {
	return registry.SortedKeys(c.natives)
}

// Compile parses a logic body into a Func. Errors are *CompileError.
func (c *Compiler) Compile(body string) (Func, error) {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return nil, &CompileError{Err: ErrEmptyLogic}
	}

	if name, ok := strings.CutPrefix(trimmed, NativePrefix); ok {
		fn, found := c.natives.Get(strings.TrimSpace(name))
		if !found {
			return nil, &CompileError{Err: fmt.Errorf("%w: %q", ErrUnknownNative, name)}
		}
		return fn, nil
	}

	prog, err := c.parse(body)
	if err != nil {
		return nil, &CompileError{Err: err}
	}
	return prog.run, nil
}

// program is a parsed HCL body.
type program struct {
	attrs hcl.Attributes
	funcs map[string]function.Function
}

func (c *Compiler) parse(body string) (*program, error) {
	file, diags := hclsyntax.ParseConfig([]byte(body), "logic.hcl", hcl.InitialPos)
	if diags.HasErrors() {
		return nil, diags
	}
	attrs, diags := file.Body.JustAttributes()
	if diags.HasErrors() {
		return nil, diags
	}
	for name, attr := range attrs {
		switch name {
		case attrOutputs, attrState, attrLog, attrPost:
		default:
			return nil, hcl.Diagnostics{{
				Severity: hcl.DiagError,
				Summary:  "Unsupported attribute",
				Detail:   fmt.Sprintf("%q is not a logic attribute; expected outputs, state, log or post.", name),
				Subject:  &attr.NameRange,
			}}
		}
	}
	return &program{attrs: attrs, funcs: c.funcs}, nil
}

func (p *program) evalContext(args Args) *hcl.EvalContext {
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"inputs": mapToCty(args.Inputs),
			"params": mapToCty(args.Params),
			"state":  mapToCty(args.State),
			"prev":   mapToCty(args.Prev),
			"events": eventsToCty(args.Events),
			"timing": cty.ObjectVal(map[string]cty.Value{
				"sample_rate": cty.NumberFloatVal(args.Timing.SampleRate),
				"tempo":       cty.NumberFloatVal(args.Timing.Tempo),
				"tick":        cty.NumberUIntVal(args.Timing.Tick),
				"seconds":     cty.NumberFloatVal(args.Timing.Seconds),
			}),
		},
		Functions: p.funcs,
	}
}

func (p *program) eval(ectx *hcl.EvalContext, name string) (value.Value, bool, error) {
	attr, ok := p.attrs[name]
	if !ok {
		return value.Null(), false, nil
	}
	v, diags := attr.Expr.Value(ectx)
	if diags.HasErrors() {
		return value.Null(), true, diags
	}
	out, err := fromCty(v)
	if err != nil {
		return value.Null(), true, fmt.Errorf("%s: %w", name, err)
	}
	return out, true, nil
}

// run evaluates every attribute against the same pre-tick context, then
// applies the results.
func (p *program) run(_ context.Context, args Args) (value.Map, error) {
	ectx := p.evalContext(args)

	outputs, ok, err := p.eval(ectx, attrOutputs)
	if err != nil {
		return nil, err
	}
	if ok && !outputs.IsNull() {
		m, isMap := outputs.AsMap()
		if !isMap {
			return nil, fmt.Errorf("outputs must be an object, got %s", outputs.Kind())
		}
		if args.SetOutput != nil {
			for _, port := range m.Keys() {
				args.SetOutput(port, m[port])
			}
		}
	}

	next := args.State
	state, ok, err := p.eval(ectx, attrState)
	if err != nil {
		return nil, err
	}
	if ok {
		if state.IsNull() {
			next = value.Map{}
		} else if m, isMap := state.AsMap(); isMap {
			next = m
		} else {
			return nil, fmt.Errorf("state must be an object, got %s", state.Kind())
		}
	}

	line, ok, err := p.eval(ectx, attrLog)
	if err != nil {
		return nil, err
	}
	if ok && !line.IsNull() && args.Log != nil {
		if s, isString := line.AsString(); isString {
			args.Log(s)
		} else {
			args.Log(line.String())
		}
	}

	msg, ok, err := p.eval(ectx, attrPost)
	if err != nil {
		return nil, err
	}
	if ok && !msg.IsNull() && args.Post != nil {
		if err := args.Post(msg); err != nil {
			return nil, fmt.Errorf("post: %w", err)
		}
	}

	return next, nil
}

// edgeFunc reports a rising edge: current truthy and previous not.
var edgeFunc = function.New(&function.Spec{
	Params: []function.Parameter{
		{Name: "current", Type: cty.DynamicPseudoType, AllowNull: true},
		{Name: "previous", Type: cty.DynamicPseudoType, AllowNull: true},
	},
	Type: function.StaticReturnType(cty.Bool),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		return cty.BoolVal(truthy(args[0]) && !truthy(args[1])), nil
	},
})

func defaultFunctions() map[string]function.Function {
	return map[string]function.Function{
		"abs":      stdlib.AbsoluteFunc,
		"ceil":     stdlib.CeilFunc,
		"floor":    stdlib.FloorFunc,
		"min":      stdlib.MinFunc,
		"max":      stdlib.MaxFunc,
		"pow":      stdlib.PowFunc,
		"signum":   stdlib.SignumFunc,
		"log":      stdlib.LogFunc,
		"format":   stdlib.FormatFunc,
		"upper":    stdlib.UpperFunc,
		"lower":    stdlib.LowerFunc,
		"concat":   stdlib.ConcatFunc,
		"length":   stdlib.LengthFunc,
		"coalesce": stdlib.CoalesceFunc,
		"lookup":   stdlib.LookupFunc,
		"merge":    stdlib.MergeFunc,
		"keys":     stdlib.KeysFunc,
		"contains": stdlib.ContainsFunc,
		"edge":     edgeFunc,
	}
}
