// Package logic turns a block definition's logic body into a callable that
// the control loop invokes once per tick.
//
// A body is either "native:<name>", naming a Go function registered with
// the Compiler, or an HCL attribute body evaluated against the instance's
// inputs, params and state. Compiled functions are cached per instance.
package logic

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/randalmurphal/patchbay/pkg/patchbay/value"
)

// NativePrefix marks a logic body that names a registered Go function.
const NativePrefix = "native:"

// Sentinel errors for compilation.
var (
	// ErrEmptyLogic indicates a definition has no logic body to compile.
	ErrEmptyLogic = errors.New("empty logic body")

	// ErrUnknownNative indicates a native: body names an unregistered function.
	ErrUnknownNative = errors.New("unknown native logic")
)

// Timing is read-only host timing information.
type Timing struct {
	SampleRate float64
	Tempo      float64
	// Tick counts control ticks since the loop was created.
	Tick uint64
	// Seconds is the elapsed loop time.
	Seconds float64
}

// Args is everything a compiled body sees during one evaluation.
type Args struct {
	InstanceID string

	Inputs value.Map
	Params value.Map
	State  value.Map

	// Prev is the previous tick's gate/trigger input snapshot.
	Prev value.Map
	// Events holds pulses delivered on event inputs since the last tick.
	Events map[string][]value.Value

	Timing Timing

	// SetOutput records an output port value for this tick.
	SetOutput func(port string, v value.Value)
	// Log appends a line to the instance's log.
	Log func(msg string)
	// Post forwards a raw message to the instance's processing unit.
	// It returns an error when the instance has no unit.
	Post func(msg value.Value) error
}

// Func is a compiled logic body. It returns the instance's next state bag,
// which replaces the old one; a nil map keeps the old state.
type Func func(ctx context.Context, args Args) (value.Map, error)

// CompileError reports a logic body that failed to compile.
type CompileError struct {
	Err error
}

// Error implements the error interface.
func (e *CompileError) Error() string {
	return fmt.Sprintf("compile: %v", e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *CompileError) Unwrap() error {
	return e.Err
}

// PanicError captures a panic raised by a native logic function.
type PanicError struct {
	InstanceID string
	// Value is the value passed to panic().
	Value any
	// Stack is the full stack trace at the point of panic.
	Stack string
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("logic for %s panicked: %v", e.InstanceID, e.Value)
}

// Call invokes fn, converting a panic into a *PanicError.
func Call(ctx context.Context, fn Func, args Args) (state value.Map, err error) {
	defer func() {
		if r := recover(); r != nil {
			state = nil
			err = &PanicError{
				InstanceID: args.InstanceID,
				Value:      r,
				Stack:      string(debug.Stack()),
			}
		}
	}()
	return fn(ctx, args)
}
