package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// Phase identifies which side of a step an action runs on.
type Phase string

const (
	// PhaseForward is the step's forward action.
	PhaseForward Phase = "forward"

	// PhaseCompensate is the step's compensating action.
	PhaseCompensate Phase = "compensate"
)

// Action is the callable behind a step's forward or compensating side.
//
// It receives the running StepContext and returns an opaque output that is
// recorded in the saga log and made visible to later steps. Actions must be
// idempotent: the same logical call may happen more than once (retries,
// operator re-runs after a partial compensation).
type Action func(ctx context.Context, sc StepContext) (any, error)

// NoOp is a compensating action that does nothing. It is the default for
// steps that need no undo, such as pure reads.
func NoOp(context.Context, StepContext) (any, error) {
	return nil, nil
}

// StepContext is the read-only view an action gets of its saga.
type StepContext struct {
	SagaID   string
	SagaName string
	Step     string
	Phase    Phase
	Input    any

	outputs map[string]any
}

// Output returns the recorded output of a completed step.
// During compensation the compensating step's own output is available too.
func (sc StepContext) Output(step string) (any, bool) {
	v, ok := sc.outputs[step]
	return v, ok
}

// Outputs returns a copy of all outputs visible to the action.
func (sc StepContext) Outputs() map[string]any {
	out := make(map[string]any, len(sc.outputs))
	maps.Copy(out, sc.outputs)
	return out
}

// Step is a single unit of a saga: a forward action and the action that
// semantically undoes it.
//
// Example:
//
//	reservePayment := saga.Step{
//	    Name: "reserve-payment",
//	    Forward: func(ctx context.Context, sc saga.StepContext) (any, error) {
//	        order := sc.Input.(*Order)
//	        return payments.Reserve(ctx, order.ID, order.Total)
//	    },
//	    Compensate: func(ctx context.Context, sc saga.StepContext) (any, error) {
//	        order := sc.Input.(*Order)
//	        return nil, payments.Release(ctx, order.ID)
//	    },
//	    Timeout: 5 * time.Second,
//	}
type Step struct {
	// Name identifies the step; unique within a Definition.
	Name string

	// Forward performs the step. Required.
	Forward Action

	// Compensate undoes Forward. nil means NoOp.
	Compensate Action

	// Timeout bounds each invocation of Forward and Compensate.
	// Zero uses the orchestrator default.
	Timeout time.Duration
}

// Definition is an immutable, ordered list of steps.
//
// Step order is both the execution order and, reversed, the compensation
// order.
type Definition struct {
	name  string
	steps []Step
	index map[string]int
}

// NewDefinition validates steps and builds a Definition.
//
// Returns ErrInvalidDefinition if the name is empty, no steps are given,
// a step has no name or Forward action, or two steps share a name.
func NewDefinition(name string, steps ...Step) (*Definition, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: saga name is required", ErrInvalidDefinition)
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: at least one step is required", ErrInvalidDefinition)
	}

	d := &Definition{
		name:  name,
		steps: make([]Step, len(steps)),
		index: make(map[string]int, len(steps)),
	}
	for i, step := range steps {
		if step.Name == "" {
			return nil, fmt.Errorf("%w: step %d has no name", ErrInvalidDefinition, i)
		}
		if step.Forward == nil {
			return nil, fmt.Errorf("%w: step %s has no forward action", ErrInvalidDefinition, step.Name)
		}
		if step.Timeout < 0 {
			return nil, fmt.Errorf("%w: step %s has a negative timeout", ErrInvalidDefinition, step.Name)
		}
		if _, dup := d.index[step.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate step name %s", ErrInvalidDefinition, step.Name)
		}
		if step.Compensate == nil {
			step.Compensate = NoOp
		}
		d.steps[i] = step
		d.index[step.Name] = i
	}
	return d, nil
}

// MustDefinition is like NewDefinition but panics on error.
// Intended for package-level saga declarations.
func MustDefinition(name string, steps ...Step) *Definition {
	d, err := NewDefinition(name, steps...)
	if err != nil {
		panic(err)
	}
	return d
}

// Name returns the saga name.
func (d *Definition) Name() string {
	return d.name
}

// Len returns the number of steps.
func (d *Definition) Len() int {
	return len(d.steps)
}

// Steps returns a copy of the steps in execution order.
func (d *Definition) Steps() []Step {
	steps := make([]Step, len(d.steps))
	copy(steps, d.steps)
	return steps
}

// Step looks up a step by name.
func (d *Definition) Step(name string) (Step, int, bool) {
	i, ok := d.index[name]
	if !ok {
		return Step{}, -1, false
	}
	return d.steps[i], i, true
}

// TypedAction adapts a function that takes the saga input as T.
//
// The input must be a T or a non-nil *T; anything else fails the action.
//
// Example:
//
//	step := saga.Step{
//	    Name: "reserve-inventory",
//	    Forward: saga.TypedAction(func(ctx context.Context, order *Order, sc saga.StepContext) (any, error) {
//	        return inventory.Reserve(ctx, order.SKU, order.Quantity)
//	    }),
//	}
func TypedAction[T any](fn func(ctx context.Context, input T, sc StepContext) (any, error)) Action {
	return func(ctx context.Context, sc StepContext) (any, error) {
		typed, err := convertToType[T](sc.Input)
		if err != nil {
			return nil, Permanent(fmt.Errorf("step %s: %w", sc.Step, err))
		}
		return fn(ctx, typed, sc)
	}
}

// convertToType attempts to convert data to type T.
// Handles both value and pointer types, as well as map[string]any from JSON
// deserialization when an instance input was restored from a store.
func convertToType[T any](data any) (T, error) {
	var zero T

	if data == nil {
		return zero, fmt.Errorf("input is nil")
	}

	if typed, ok := data.(T); ok {
		return typed, nil
	}

	if typed, ok := data.(*T); ok {
		if typed == nil {
			return zero, fmt.Errorf("input pointer is nil")
		}
		return *typed, nil
	}

	switch data.(type) {
	case map[string]any, []any:
		raw, err := json.Marshal(data)
		if err != nil {
			return zero, fmt.Errorf("cannot convert %T to %T: %w", data, zero, err)
		}
		var typed T
		if err := json.Unmarshal(raw, &typed); err != nil {
			return zero, fmt.Errorf("cannot convert %T to %T: %w", data, zero, err)
		}
		return typed, nil
	}

	return zero, fmt.Errorf("cannot convert %T to %T", data, zero)
}
