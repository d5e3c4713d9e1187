package expr

import (
	"strings"

	"github.com/randalmurphal/patchbay/pkg/patchbay/value"
)

// BinaryOp compares two values.
type BinaryOp func(left, right value.Value) bool

// Evaluator evaluates boolean expressions with optional custom operators.
type Evaluator struct {
	customOps map[string]BinaryOp
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithCustomOperator registers a custom binary operator.
// The operator name should not conflict with built-in operators.
func WithCustomOperator(name string, fn BinaryOp) Option {
	return func(e *Evaluator) {
		if e.customOps == nil {
			e.customOps = make(map[string]BinaryOp)
		}
		e.customOps[name] = fn
	}
}

// New creates a new Evaluator with the given options.
func New(opts ...Option) *Evaluator {
	e := &Evaluator{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate evaluates a boolean expression against vars.
func (e *Evaluator) Evaluate(expr string, vars Vars) bool {
	return e.evaluateCondition(expr, vars)
}

// Eval evaluates an expression with the default evaluator.
func Eval(expr string, vars Vars) bool {
	return New().Evaluate(expr, vars)
}

var builtinOps = []struct {
	op      string
	compare BinaryOp
}{
	// Longer operators first to avoid partial matches.
	{"==", equals},
	{"!=", func(l, r value.Value) bool { return !equals(l, r) }},
	{">=", func(l, r value.Value) bool { return l.Float() >= r.Float() }},
	{"<=", func(l, r value.Value) bool { return l.Float() <= r.Float() }},
	{">", func(l, r value.Value) bool { return l.Float() > r.Float() }},
	{"<", func(l, r value.Value) bool { return l.Float() < r.Float() }},
	{" contains ", func(l, r value.Value) bool {
		return strings.Contains(Display(l), Display(r))
	}},
}

func (e *Evaluator) evaluateCondition(expr string, vars Vars) bool {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return false
	}

	if parts := strings.SplitN(expr, " or ", 2); len(parts) == 2 {
		return e.evaluateCondition(parts[0], vars) || e.evaluateCondition(parts[1], vars)
	}

	if parts := strings.SplitN(expr, " and ", 2); len(parts) == 2 {
		return e.evaluateCondition(parts[0], vars) && e.evaluateCondition(parts[1], vars)
	}

	if inner, ok := strings.CutPrefix(expr, "not "); ok {
		return !e.evaluateCondition(inner, vars)
	}
	if inner, ok := strings.CutPrefix(expr, "!"); ok && !strings.HasPrefix(inner, "=") {
		return !e.evaluateCondition(inner, vars)
	}

	for _, op := range builtinOps {
		if parts := strings.SplitN(expr, op.op, 2); len(parts) == 2 {
			return op.compare(Resolve(parts[0], vars), Resolve(parts[1], vars))
		}
	}

	for name, fn := range e.customOps {
		if parts := strings.SplitN(expr, " "+name+" ", 2); len(parts) == 2 {
			return fn(Resolve(parts[0], vars), Resolve(parts[1], vars))
		}
	}

	// An identifier standing alone is a truthiness test of a variable; if
	// the variable is unset the condition is false.
	if isIdentifier(expr) {
		v, ok := vars[expr]
		return ok && v.Truthy()
	}
	return Resolve(expr, vars).Truthy()
}

// equals compares numerically when both sides are numbers and by display
// text otherwise, so "1" == 1 holds.
func equals(l, r value.Value) bool {
	ln, lok := l.AsNumber()
	rn, rok := r.AsNumber()
	if lok && rok {
		return ln == rn
	}
	return Display(l) == Display(r)
}
