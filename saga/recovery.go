package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Recover finishes a saga that an Execute call left unfinished, for example
// after a process crash or a log write failure.
//
// Recover loads the instance and its saga log. A running instance whose log
// shows every step completed is marked completed. Anything else is moved to
// compensating and the logged steps that were not compensated yet are
// unwound. Forward actions are never invoked again.
//
// Recover requires an InstanceStore. Instances in a terminal status return
// ErrTerminal.
//
// Example:
//
//	// After diagnosing the saga log outage...
//	stuck, _ := store.List(ctx, saga.StoreFilter{
//	    Status: []saga.Status{saga.StatusLogWriteFailure},
//	})
//
//	for _, inst := range stuck {
//	    if _, err := orch.Recover(ctx, orderSaga, inst.ID); err != nil {
//	        log.Error("recover failed", "saga_id", inst.ID, "error", err)
//	    }
//	}
func (o *Orchestrator) Recover(ctx context.Context, def *Definition, id string) (*Result, error) {
	inst, results, err := o.load(ctx, def, id)
	if err != nil {
		return nil, err
	}
	if inst.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: saga %s is %s", ErrTerminal, id, inst.Status)
	}

	e := o.newExecution(def, inst)
	e.results = results
	for _, r := range results {
		e.outputs[r.StepName] = r.Output
	}

	ctx, span := startSagaSpan(ctx, o.tracer, "saga.recover", "recover", inst)
	start := time.Now()
	o.metrics.RecordSagaStart(ctx, def.Name())

	res, err := e.recover(ctx)

	o.metrics.RecordSagaEnd(ctx, def.Name(), res.Status, time.Since(start))
	endSagaSpan(span, res)
	return res, err
}

func (e *execution) recover(ctx context.Context) (*Result, error) {
	ctx = context.WithoutCancel(ctx)
	e.logger.Info("recovering saga", "status", e.inst.Status, "logged_steps", len(e.results))

	if e.inst.Status == StatusPending {
		if err := e.transition(ctx, triggerStart); err != nil {
			return e.abort(ctx, "", err)
		}
	}

	if e.inst.Status == StatusRunning && e.allStepsLogged() {
		if err := e.transition(ctx, triggerComplete); err != nil {
			return e.abort(ctx, "", err)
		}
		e.logger.Info("saga completed on recovery")
		return e.result(), nil
	}

	if e.inst.FailureReason == "" {
		e.inst.FailureReason = fmt.Sprintf("interrupted while %s", e.inst.Status)
	}
	if err := e.transition(ctx, triggerRecover); err != nil {
		return e.abort(ctx, "", err)
	}
	return e.unwind(ctx)
}

// allStepsLogged reports whether the log holds a successful, uncompensated
// entry for every step of the definition.
func (e *execution) allStepsLogged() bool {
	if len(e.results) != e.def.Len() {
		return false
	}
	for i, step := range e.def.steps {
		r := e.results[i]
		if r.StepName != step.Name || !r.Succeeded || r.Compensated {
			return false
		}
	}
	return true
}

// RetryCompensation re-runs the compensations a partially compensated saga
// could not finish.
//
// Only log entries not yet compensated are visited, so compensations that
// already succeeded are never invoked again. Outcomes are recorded in the
// saga log; the instance keeps its terminal status even when every
// compensation now succeeds.
func (o *Orchestrator) RetryCompensation(ctx context.Context, def *Definition, id string) (*CompensationResult, error) {
	inst, results, err := o.load(ctx, def, id)
	if err != nil {
		return nil, err
	}
	if inst.Status != StatusPartiallyCompensated {
		return nil, fmt.Errorf("%w: retry compensation of %s saga %s", ErrIllegalTransition, inst.Status, id)
	}

	if len(pendingCompensation(results)) == 0 {
		return &CompensationResult{AllSucceeded: true, Steps: results}, nil
	}

	o.logger.Info("retrying compensation", "saga", def.Name(), "saga_id", id)
	ctx, span := startSagaSpan(ctx, o.tracer, "saga.retry_compensation", "retry_compensation", inst)
	cres, err := o.compensator.Compensate(ctx, id, def, inst.Input, results)
	if err == nil && !cres.AllSucceeded {
		endSpan(span, errors.Join(compensationErrors(cres.Failures)...))
	} else {
		endSpan(span, err)
	}
	return cres, err
}

func compensationErrors(failures []CompensationFailure) []error {
	errs := make([]error, len(failures))
	for i, f := range failures {
		errs[i] = f
	}
	return errs
}

func (o *Orchestrator) load(ctx context.Context, def *Definition, id string) (*Instance, []StepResult, error) {
	if o.store == nil {
		return nil, nil, ErrNoStore
	}
	if def == nil || def.Len() == 0 {
		return nil, nil, fmt.Errorf("%w: definition has no steps", ErrInvalidDefinition)
	}

	inst, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("get saga %s: %w", id, err)
	}
	if inst.Name != def.Name() {
		return nil, nil, fmt.Errorf("%w: saga %s belongs to %q, not %q", ErrInvalidDefinition, id, inst.Name, def.Name())
	}

	results, err := o.log.Read(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("read saga log %s: %w", id, err)
	}
	sortResults(results)
	return inst, results, nil
}

// Sweeper recovers sagas abandoned by a crashed process.
//
// An instance is considered abandoned when it is pending, running or
// compensating and was not updated for longer than the staleness bound.
// The bound must exceed the longest step timeout plus the log timeout, or
// the sweeper will compete with live executions; optimistic versioning in
// the instance store makes the loser stop with a version conflict.
//
// Example:
//
//	sweeper := saga.NewSweeper(orch, 10*time.Minute, orderSaga, refundSaga)
//	if err := sweeper.Start("*/5 * * * *"); err != nil {
//	    return err
//	}
//	defer sweeper.Stop()
type Sweeper struct {
	orch       *Orchestrator
	defs       map[string]*Definition
	staleAfter time.Duration
	batchSize  int
	logger     *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// NewSweeper creates a sweeper for instances of the given definitions.
func NewSweeper(orch *Orchestrator, staleAfter time.Duration, defs ...*Definition) *Sweeper {
	s := &Sweeper{
		orch:       orch,
		defs:       make(map[string]*Definition, len(defs)),
		staleAfter: staleAfter,
		batchSize:  100,
		logger:     orch.logger.With("component", "saga-sweeper"),
	}
	for _, def := range defs {
		if def != nil {
			s.defs[def.Name()] = def
		}
	}
	return s
}

// SetBatchSize limits how many instances one sweep recovers.
func (s *Sweeper) SetBatchSize(n int) {
	if n > 0 {
		s.batchSize = n
	}
}

var sweepStatuses = []Status{StatusPending, StatusRunning, StatusCompensating}

// Sweep recovers stale instances once and returns how many were recovered.
// Failures of individual instances are joined into the returned error.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if s.orch.store == nil {
		return 0, ErrNoStore
	}

	stale, err := s.orch.store.List(ctx, StoreFilter{
		Status:        sweepStatuses,
		UpdatedBefore: time.Now().Add(-s.staleAfter),
		Limit:         s.batchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("list stale sagas: %w", err)
	}

	var (
		recovered int
		errs      []error
	)
	for _, inst := range stale {
		if ctx.Err() != nil {
			break
		}
		def, ok := s.defs[inst.Name]
		if !ok {
			s.logger.Warn("no definition for stale saga", "saga", inst.Name, "saga_id", inst.ID)
			continue
		}

		res, err := s.orch.Recover(ctx, def, inst.ID)
		switch {
		case err == nil:
			recovered++
			s.logger.Info("recovered stale saga", "saga", inst.Name, "saga_id", inst.ID, "status", res.Status)
		case IsVersionConflict(err), errors.Is(err, ErrTerminal):
			s.logger.Debug("stale saga moved on", "saga_id", inst.ID, "error", err)
		default:
			s.logger.Error("failed to recover stale saga", "saga_id", inst.ID, "error", err)
			errs = append(errs, fmt.Errorf("recover %s: %w", inst.ID, err))
		}
	}
	return recovered, errors.Join(errs...)
}

// Start runs Sweep on a standard five-field cron schedule. Runs do not
// overlap: a tick arriving while a sweep is in progress is skipped.
func (s *Sweeper) Start(spec string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("sweeper already started")
	}

	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(schedule, cron.FuncJob(func() {
		if _, err := s.Sweep(context.Background()); err != nil {
			s.logger.Error("saga sweep failed", "error", err)
		}
	}))
	c.Start()
	s.cron = c
	return nil
}

// Stop stops the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}
