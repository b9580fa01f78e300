package saga

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Throttle gates calls to collaborators. ratelimit.Limiter satisfies it.
type Throttle interface {
	Wait(ctx context.Context) error
}

// StepThrottle is a Throttle told which action it is gating.
// ratelimit.MetricsLimiter implements it to label its metrics.
type StepThrottle interface {
	Throttle
	WaitStep(ctx context.Context, saga, step, phase string) error
}

// Invoker executes a single action with a bounded timeout.
//
// It never retries and never guesses: every call ends in an output, an
// *ActionError, or a *TimeoutError. Retry policy belongs to the caller.
type Invoker struct {
	throttle Throttle
}

// NewInvoker creates an invoker. A nil throttle disables throttling.
func NewInvoker(throttle Throttle) *Invoker {
	return &Invoker{throttle: throttle}
}

type invocation struct {
	output any
	err    error
}

// Invoke runs action with sc under timeout.
//
// The timeout covers the throttle wait and the action together. On timeout
// the action's context is cancelled and its late result is discarded; the
// returned *TimeoutError signals that the outcome at the collaborator is
// unknown, unless the deadline passed while still throttled.
func (i *Invoker) Invoke(ctx context.Context, action Action, sc StepContext, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		return nil, ErrInvalidTimeout
	}
	if action == nil {
		return nil, &ActionError{Step: sc.Step, Phase: sc.Phase, Err: errors.New("action is nil")}
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := i.wait(callCtx, sc); err != nil {
		if ctx.Err() == nil && (callCtx.Err() != nil || errors.Is(err, context.DeadlineExceeded)) {
			return nil, &TimeoutError{Step: sc.Step, Phase: sc.Phase, Timeout: timeout, Throttled: true}
		}
		return nil, &ActionError{Step: sc.Step, Phase: sc.Phase, Err: fmt.Errorf("throttle: %w", err)}
	}

	done := make(chan invocation, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- invocation{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		out, err := action(callCtx, sc)
		done <- invocation{output: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil &&
				errors.Is(res.err, context.DeadlineExceeded) {
				return nil, &TimeoutError{Step: sc.Step, Phase: sc.Phase, Timeout: timeout}
			}
			return nil, &ActionError{Step: sc.Step, Phase: sc.Phase, Err: res.err}
		}
		return res.output, nil

	case <-callCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, &ActionError{Step: sc.Step, Phase: sc.Phase, Err: err}
		}
		return nil, &TimeoutError{Step: sc.Step, Phase: sc.Phase, Timeout: timeout}
	}
}

func (i *Invoker) wait(ctx context.Context, sc StepContext) error {
	if i == nil || i.throttle == nil {
		return nil
	}
	if st, ok := i.throttle.(StepThrottle); ok {
		return st.WaitStep(ctx, sc.SagaName, sc.Step, string(sc.Phase))
	}
	return i.throttle.Wait(ctx)
}
