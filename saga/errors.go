// Package saga provides saga orchestration for distributed transactions.
//
// # Error Handling
//
// A failing step is not an error from the caller's point of view: it drives
// the saga into compensation and Execute reports the outcome through
// Result.Status. Execute returns a non-nil error only when the definition is
// invalid or when the saga log could not record progress:
//
//	result, err := orch.Execute(ctx, orderSaga, order)
//	switch {
//	case errors.Is(err, saga.ErrLogWriteFailure):
//	    // result.Status == saga.StatusLogWriteFailure; operator must inspect
//	    // result.UnrecordedStep before calling Recover.
//	case err != nil:
//	    return err
//	case result.Status == saga.StatusPartiallyCompensated:
//	    for _, f := range result.Failures {
//	        log.Error("manual compensation needed", "step", f.StepName, "error", f.Err)
//	    }
//	}
//
// Version Conflicts:
//
// Instance stores use optimistic locking via the Version field. When
// concurrent updates occur, ErrVersionConflict is returned.
//
// Not Found Errors:
//
//	if saga.IsNotFound(err) {
//	    // Handle not found
//	}
package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	eventerrors "github.com/rbaliyan/event/v3/errors"
)

var (
	// ErrInvalidDefinition is returned for definitions that cannot run.
	ErrInvalidDefinition = errors.New("invalid saga definition")

	// ErrInvalidTimeout is returned by the invoker for a non-positive timeout.
	ErrInvalidTimeout = errors.New("timeout must be positive")

	// ErrLogWriteFailure marks a saga log or instance store write that did
	// not succeed. Progress past that point is unconfirmed.
	ErrLogWriteFailure = errors.New("saga log write failure")

	// ErrIllegalTransition is returned when a lifecycle transition is not
	// permitted from the current status.
	ErrIllegalTransition = errors.New("illegal saga status transition")

	// ErrTerminal is returned when an operation needs a non-terminal instance.
	ErrTerminal = errors.New("saga is in a terminal status")

	// ErrNoStore is returned by operations that need an InstanceStore.
	ErrNoStore = errors.New("no instance store configured")

	// ErrNotFound is returned by stores for unknown saga IDs.
	ErrNotFound = errors.New("saga not found")

	// ErrAlreadyExists is returned by Create for a duplicate saga ID.
	ErrAlreadyExists = errors.New("saga already exists")
)

// ErrVersionConflict is returned when an update fails due to a version mismatch.
// This indicates that another process has modified the saga instance since it was read.
//
// This is an alias to the shared event errors package for ecosystem consistency.
var ErrVersionConflict = eventerrors.ErrVersionConflict

// NewVersionConflictError creates a detailed version conflict error for a saga instance.
func NewVersionConflictError(sagaID string, expected, actual int64) error {
	return eventerrors.NewVersionConflictError("saga instance", sagaID, expected, actual)
}

// IsVersionConflict checks if an error indicates a version conflict.
func IsVersionConflict(err error) bool {
	return eventerrors.IsVersionConflict(err)
}

// IsNotFound checks if an error indicates a saga was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || eventerrors.IsNotFound(err)
}

// ActionError is a definitive failure reported for an action: the action
// returned an error, panicked, or was cancelled by the caller.
type ActionError struct {
	Step  string
	Phase Phase
	Err   error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Step, e.Phase, e.Err)
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

// TimeoutError reports an action that did not finish within its bound.
//
// The outcome at the collaborator is unknown: the action may still succeed
// after the deadline. Throttled timeouts are the exception, the action was
// never called.
type TimeoutError struct {
	Step    string
	Phase   Phase
	Timeout time.Duration

	// Throttled is set when the deadline passed while waiting on the throttle.
	Throttled bool
}

func (e *TimeoutError) Error() string {
	if e.Throttled {
		return fmt.Sprintf("%s %s: throttled past %s timeout (not invoked)", e.Step, e.Phase, e.Timeout)
	}
	return fmt.Sprintf("%s %s: timed out after %s (outcome unknown)", e.Step, e.Phase, e.Timeout)
}

// Ambiguous reports whether the action may have taken effect.
func (e *TimeoutError) Ambiguous() bool {
	return !e.Throttled
}

// Is makes errors.Is(err, context.DeadlineExceeded) hold for timeouts.
func (e *TimeoutError) Is(target error) bool {
	return target == context.DeadlineExceeded
}

// IsTimeout reports whether err is or wraps a *TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// LogWriteError wraps a failed write to the saga log or instance store.
type LogWriteError struct {
	SagaID string
	Step   string // step whose entry could not be written, if any
	Op     string
	Err    error
}

func (e *LogWriteError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("saga %s: %s %s: %v", e.SagaID, e.Op, e.Step, e.Err)
	}
	return fmt.Sprintf("saga %s: %s: %v", e.SagaID, e.Op, e.Err)
}

func (e *LogWriteError) Unwrap() []error {
	return []error{ErrLogWriteFailure, e.Err}
}

// permanentError marks a failure that retry policies must not retry.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not retryable. Use it for business rejections such
// as "insufficient inventory" that no amount of retrying will fix.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
