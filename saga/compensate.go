package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// CompensationFailure is a compensating action that did not succeed.
type CompensationFailure struct {
	StepName string
	Err      error

	// TimedOut is set when the compensation hit its deadline. The undo may
	// or may not have happened; an operator has to check.
	TimedOut bool
}

func (f CompensationFailure) Error() string {
	return fmt.Sprintf("compensate %s: %v", f.StepName, f.Err)
}

// CompensationResult describes one unwinding pass.
type CompensationResult struct {
	// AllSucceeded is true when every visited step was compensated.
	AllSucceeded bool

	// Failures lists every compensation that failed, in attempt order.
	Failures []CompensationFailure

	// Attempted lists the steps whose compensation was invoked, in order.
	Attempted []string

	// Steps holds the entries as recorded after this pass, in original order.
	// An outcome the log did not accept is not reflected here.
	Steps []StepResult

	// Unrecorded lists the steps whose outcome could not be written to the
	// saga log, in attempt order.
	Unrecorded []string
}

// Compensator unwinds completed steps in reverse order.
type Compensator struct {
	invoker        *Invoker
	recorder       *recorder
	logger         *slog.Logger
	metrics        *MetricsRecorder
	tracer         trace.Tracer
	defaultTimeout time.Duration
}

// Compensate invokes the compensating action of every entry in completed,
// last entry first.
//
// Entries already marked Compensated are skipped. A failing compensation
// does not stop the pass. Each outcome is written back to the saga log; if
// any of those writes fails, the pass still completes and the result is
// returned along with every *LogWriteError, joined.
//
// Compensations run detached from ctx cancellation, bounded by step timeouts.
func (c *Compensator) Compensate(ctx context.Context, sagaID string, def *Definition, input any, completed []StepResult) (*CompensationResult, error) {
	ctx = context.WithoutCancel(ctx)
	log := c.logger.With("saga", def.Name(), "saga_id", sagaID)

	res := &CompensationResult{
		AllSucceeded: true,
		Steps:        make([]StepResult, len(completed)),
	}
	copy(res.Steps, completed)

	outputs := make(map[string]any, len(completed))
	for _, r := range completed {
		outputs[r.StepName] = r.Output
	}

	log.Info("starting compensation", "steps_to_compensate", len(completed))

	var writeErrs []error
	for i := len(res.Steps) - 1; i >= 0; i-- {
		entry := res.Steps[i]
		if entry.Compensated {
			log.Debug("step already compensated", "step", entry.StepName)
			continue
		}

		step, _, ok := def.Step(entry.StepName)
		if !ok {
			err := fmt.Errorf("step %s is not part of saga %s", entry.StepName, def.Name())
			res.AllSucceeded = false
			res.Failures = append(res.Failures, CompensationFailure{StepName: entry.StepName, Err: err})
			log.Error("compensation failed", "step", entry.StepName, "error", err)
			continue
		}

		res.Attempted = append(res.Attempted, entry.StepName)
		log.Info("compensating step", "step", entry.StepName)

		sc := StepContext{
			SagaID:   sagaID,
			SagaName: def.Name(),
			Step:     entry.StepName,
			Phase:    PhaseCompensate,
			Input:    input,
			outputs:  outputs,
		}

		stepCtx, span := startStepSpan(ctx, c.tracer, sc, entry.Index)
		start := time.Now()
		_, err := c.invoker.Invoke(stepCtx, step.Compensate, sc, c.timeoutFor(step))
		c.metrics.RecordCompensation(ctx, def.Name(), entry.StepName, actionResult(err), time.Since(start))
		endSpan(span, err)

		if err != nil {
			failure := CompensationFailure{StepName: entry.StepName, Err: err, TimedOut: IsTimeout(err)}
			res.AllSucceeded = false
			res.Failures = append(res.Failures, failure)
			entry.CompensationError = err.Error()
			log.Error("compensation failed",
				"step", entry.StepName,
				"timed_out", failure.TimedOut,
				"error", err)
		} else {
			now := time.Now()
			entry.Compensated = true
			entry.CompensatedAt = &now
			entry.CompensationError = ""
		}

		if err := c.recorder.append(ctx, sagaID, entry); err != nil {
			c.metrics.RecordLogWriteFailure(ctx, def.Name())
			log.Error("failed to record compensation", "step", entry.StepName, "error", err)
			res.Unrecorded = append(res.Unrecorded, entry.StepName)
			writeErrs = append(writeErrs, err)
			continue
		}
		res.Steps[i] = entry
	}

	if res.AllSucceeded {
		log.Info("compensation completed")
	} else {
		log.Warn("compensation incomplete", "failures", len(res.Failures))
	}

	switch len(writeErrs) {
	case 0:
		return res, nil
	case 1:
		return res, writeErrs[0]
	default:
		return res, errors.Join(writeErrs...)
	}
}

func (c *Compensator) timeoutFor(step Step) time.Duration {
	if step.Timeout > 0 {
		return step.Timeout
	}
	return c.defaultTimeout
}
