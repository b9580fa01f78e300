package saga

import (
	"context"
	"fmt"

	"github.com/qmuntal/stateless"
)

// Status represents saga status.
//
// State transitions:
//
//	pending -> running -> completed
//	                   \
//	                compensating -> compensated
//	                            \
//	                            partially_compensated
//
// Any non-terminal status may end in log_write_failure when the saga log
// cannot record progress. Only Recover moves an instance out of
// log_write_failure.
type Status string

const (
	// StatusPending indicates saga is created but not started.
	StatusPending Status = "pending"

	// StatusRunning indicates saga is executing forward steps.
	StatusRunning Status = "running"

	// StatusCompleted indicates all steps succeeded.
	StatusCompleted Status = "completed"

	// StatusCompensating indicates saga is running compensations.
	StatusCompensating Status = "compensating"

	// StatusCompensated indicates a step failed and every completed step
	// was compensated.
	StatusCompensated Status = "compensated"

	// StatusPartiallyCompensated indicates one or more compensations failed.
	// Result.Failures lists what needs manual intervention.
	StatusPartiallyCompensated Status = "partially_compensated"

	// StatusLogWriteFailure indicates the saga log could not record
	// progress and execution stopped on unconfirmed state.
	StatusLogWriteFailure Status = "log_write_failure"
)

// IsTerminal reports whether no lifecycle transition leaves s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusPartiallyCompensated:
		return true
	}
	return false
}

// IsFinal reports whether an Execute call can end in s. It includes
// StatusLogWriteFailure, which is final for the call but recoverable by an
// operator.
func (s Status) IsFinal() bool {
	return s.IsTerminal() || s == StatusLogWriteFailure
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusCompensating,
		StatusCompensated, StatusPartiallyCompensated, StatusLogWriteFailure:
		return true
	}
	return false
}

type trigger string

const (
	triggerStart               trigger = "start"
	triggerComplete            trigger = "complete"
	triggerFail                trigger = "fail"
	triggerCompensated         trigger = "compensated"
	triggerPartiallyCompensate trigger = "partially_compensated"
	triggerLogWriteFailed      trigger = "log_write_failed"
	triggerRecover             trigger = "recover"
)

// lifecycle enforces the status machine on an instance's Status field.
type lifecycle struct {
	inst *Instance
	fsm  *stateless.StateMachine
}

func newLifecycle(inst *Instance) *lifecycle {
	l := &lifecycle{inst: inst}
	l.fsm = stateless.NewStateMachineWithExternalStorage(
		func(context.Context) (stateless.State, error) {
			return l.inst.Status, nil
		},
		func(_ context.Context, state stateless.State) error {
			l.inst.Status = state.(Status)
			return nil
		},
		stateless.FiringImmediate,
	)

	l.fsm.Configure(StatusPending).
		Permit(triggerStart, StatusRunning).
		Permit(triggerLogWriteFailed, StatusLogWriteFailure)

	l.fsm.Configure(StatusRunning).
		Permit(triggerComplete, StatusCompleted).
		Permit(triggerFail, StatusCompensating).
		Permit(triggerRecover, StatusCompensating).
		Permit(triggerLogWriteFailed, StatusLogWriteFailure)

	l.fsm.Configure(StatusCompensating).
		Permit(triggerCompensated, StatusCompensated).
		Permit(triggerPartiallyCompensate, StatusPartiallyCompensated).
		PermitReentry(triggerRecover).
		Permit(triggerLogWriteFailed, StatusLogWriteFailure)

	l.fsm.Configure(StatusLogWriteFailure).
		Permit(triggerRecover, StatusCompensating)

	l.fsm.Configure(StatusCompleted)
	l.fsm.Configure(StatusCompensated)
	l.fsm.Configure(StatusPartiallyCompensated)

	return l
}

// fire moves the instance along t, or returns ErrIllegalTransition.
func (l *lifecycle) fire(ctx context.Context, t trigger) error {
	from := l.inst.Status
	ok, err := l.fsm.CanFireCtx(ctx, t)
	if err != nil || !ok {
		return fmt.Errorf("%w: %s from %s", ErrIllegalTransition, t, from)
	}
	if err := l.fsm.FireCtx(ctx, t); err != nil {
		return fmt.Errorf("%w: %s from %s: %v", ErrIllegalTransition, t, from, err)
	}
	return nil
}

func (l *lifecycle) can(ctx context.Context, t trigger) bool {
	ok, err := l.fsm.CanFireCtx(ctx, t)
	return err == nil && ok
}
