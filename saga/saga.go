// Package saga provides saga orchestration for distributed transactions.
//
// A saga coordinates a sequence of local transactions owned by independent
// services. Each step has a forward action and a compensating action; when a
// step fails, the steps that already completed are compensated in reverse
// order. There is no two-phase commit and no distributed lock: intermediate
// states are visible to the outside world until the saga finishes.
//
// # Overview
//
// The package provides:
//   - Step and Definition for describing a saga as an ordered list of steps
//   - Orchestrator for executing definitions and driving the status machine
//   - Invoker for calling a single action with a bounded timeout
//   - Compensator for reverse-order unwinding with per-step failure isolation
//   - Log and InstanceStore interfaces for durable progress records
//   - MemoryStore, RedisStore, PostgresStore and MongoStore backends
//   - Recover, RetryCompensation and Sweeper for operator recovery
//
// # Basic Usage
//
// Define the saga once:
//
//	orderSaga := saga.MustDefinition("order-creation",
//	    saga.Step{
//	        Name: "reserve-payment",
//	        Forward: func(ctx context.Context, sc saga.StepContext) (any, error) {
//	            order := sc.Input.(*Order)
//	            return payments.Reserve(ctx, order.ID, order.Total)
//	        },
//	        Compensate: func(ctx context.Context, sc saga.StepContext) (any, error) {
//	            order := sc.Input.(*Order)
//	            return nil, payments.Release(ctx, order.ID)
//	        },
//	    },
//	    saga.Step{Name: "reserve-inventory", Forward: reserveInventory, Compensate: releaseInventory},
//	    saga.Step{Name: "schedule-shipment", Forward: scheduleShipment, Compensate: cancelShipment},
//	)
//
// Execute it as many times as needed:
//
//	orch := saga.New(
//	    saga.WithStore(saga.NewRedisStore(redisClient)),
//	    saga.WithStepTimeout(5*time.Second),
//	)
//
//	result, err := orch.Execute(ctx, orderSaga, order)
//	if err != nil {
//	    // Invalid definition or saga log failure; see Error Handling.
//	    return err
//	}
//	switch result.Status {
//	case saga.StatusCompleted:
//	case saga.StatusCompensated:
//	    // A step failed and everything was undone.
//	case saga.StatusPartiallyCompensated:
//	    // result.Failures lists the compensations that need an operator.
//	}
//
// # Step Retry with Backoff
//
// The invoker never retries. Retry-before-compensate is an orchestrator
// policy:
//
//	orch := saga.New(
//	    saga.WithBackoff(&backoff.Exponential{
//	        Initial:    time.Second,
//	        Multiplier: 2.0,
//	        Max:        30 * time.Second,
//	        Jitter:     0.1,
//	    }),
//	    saga.WithMaxRetries(3),
//	)
//
// Wrap business rejections with Permanent so they compensate immediately.
//
// # Compensation Behavior
//
// When a step fails (after retries if configured):
//  1. The saga stops executing forward
//  2. Compensations run in reverse order (LIFO)
//  3. All completed steps are compensated, even if some compensations fail
//  4. The saga status becomes "compensated" or "partially_compensated"
//
// Compensation runs detached from the caller's context: cancelling ctx stops
// forward progress but never interrupts unwinding.
//
// # Best Practices
//
//   - Keep forward and compensating actions idempotent; both may be retried
//   - Give every step a timeout that reflects the collaborator's SLA
//   - Alert on partially_compensated and log_write_failure sagas
//   - Run a Sweeper so sagas interrupted by a crash get compensated
package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/event/v3/backoff"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultStepTimeout bounds actions of steps that set no Timeout.
	DefaultStepTimeout = 30 * time.Second

	// DefaultLogTimeout bounds a single saga log write including retries.
	DefaultLogTimeout = 10 * time.Second

	// DefaultLogRetries is the number of retries for a failed log write.
	DefaultLogRetries = 3
)

// BackoffStrategy is an alias for backoff.Strategy from the main event library.
// All implementations from github.com/rbaliyan/event/v3/backoff can be used directly.
//
// Implementations must be stateless and safe for concurrent use.
type BackoffStrategy = backoff.Strategy

// Option configures an Orchestrator.
type Option func(*orchestratorOptions)

type orchestratorOptions struct {
	log         Log
	store       InstanceStore
	logger      *slog.Logger
	metrics     *MetricsRecorder
	tracer      trace.TracerProvider
	backoff     BackoffStrategy
	maxRetries  int
	retryable   func(error) bool
	stepTimeout time.Duration
	logTimeout  time.Duration
	logRetries  uint64
	logBackoff  time.Duration
	throttle    Throttle
	newID       func() string
}

// WithLog sets the saga log. If log also implements InstanceStore, instance
// records are kept in it as well.
//
// Defaults to a MemoryStore, which does not survive a restart.
func WithLog(log Log) Option {
	return func(o *orchestratorOptions) {
		if log != nil {
			o.log = log
		}
	}
}

// WithStore sets a backend that keeps both the saga log and instance records.
//
// Using a store enables:
//   - Recovery of interrupted sagas with Recover and Sweeper
//   - Visibility into saga state for monitoring
//
// Example:
//
//	orch := saga.New(saga.WithStore(saga.NewRedisStore(redisClient)))
func WithStore(store Store) Option {
	return func(o *orchestratorOptions) {
		if store != nil {
			o.log = store
			o.store = store
		}
	}
}

// WithInstanceStore keeps instance records in a store separate from the log.
func WithInstanceStore(store InstanceStore) Option {
	return func(o *orchestratorOptions) {
		o.store = store
	}
}

// WithLogger sets a custom logger.
//
// The logger is used to log step execution, failures, and compensations.
// If not set, slog.Default() is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *orchestratorOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics enables OpenTelemetry metrics collection.
//
// Example:
//
//	recorder := saga.NewMetricsRecorder("myapp")
//	orch := saga.New(saga.WithMetrics(recorder))
func WithMetrics(recorder *MetricsRecorder) Option {
	return func(o *orchestratorOptions) {
		o.metrics = recorder
	}
}

// WithTracerProvider sets the provider for saga and step spans.
// Defaults to the global provider.
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(o *orchestratorOptions) {
		o.tracer = provider
	}
}

// WithBackoff sets a backoff strategy for step retries.
//
// Combined with WithMaxRetries, this enables automatic retry of transient
// failures before triggering compensation. Without a strategy, retries
// happen immediately.
func WithBackoff(strategy BackoffStrategy) Option {
	return func(o *orchestratorOptions) {
		o.backoff = strategy
	}
}

// WithMaxRetries sets the maximum number of retry attempts for failed steps.
//
// If set to 0 (default), steps are not retried and compensation begins
// immediately on failure.
func WithMaxRetries(max int) Option {
	return func(o *orchestratorOptions) {
		if max >= 0 {
			o.maxRetries = max
		}
	}
}

// WithRetryable sets the classifier deciding whether a failed forward
// attempt may be retried. By default every error is retryable except those
// wrapped with Permanent.
func WithRetryable(fn func(error) bool) Option {
	return func(o *orchestratorOptions) {
		if fn != nil {
			o.retryable = fn
		}
	}
}

// WithStepTimeout sets the timeout for steps that set none themselves.
func WithStepTimeout(d time.Duration) Option {
	return func(o *orchestratorOptions) {
		if d > 0 {
			o.stepTimeout = d
		}
	}
}

// WithLogTimeout bounds each saga log write, retries included.
func WithLogTimeout(d time.Duration) Option {
	return func(o *orchestratorOptions) {
		if d > 0 {
			o.logTimeout = d
		}
	}
}

// WithLogRetries sets how often a failed saga log write is retried, and the
// base delay of the exponential backoff between attempts. A failure after
// the last retry stops the saga with StatusLogWriteFailure.
func WithLogRetries(retries uint64, base time.Duration) Option {
	return func(o *orchestratorOptions) {
		o.logRetries = retries
		if base > 0 {
			o.logBackoff = base
		}
	}
}

// WithThrottle makes the invoker wait on throttle before every action.
//
// Example:
//
//	orch := saga.New(saga.WithThrottle(ratelimit.NewTokenBucket(100, 10)))
func WithThrottle(throttle Throttle) Option {
	return func(o *orchestratorOptions) {
		o.throttle = throttle
	}
}

// WithIDGenerator replaces the UUID generator used by Execute.
func WithIDGenerator(fn func() string) Option {
	return func(o *orchestratorOptions) {
		if fn != nil {
			o.newID = fn
		}
	}
}

// Result is the outcome of an Execute or Recover call.
type Result struct {
	SagaID string
	Name   string
	Status Status

	// CompletedSteps holds the log entries of every step whose forward
	// action succeeded, in execution order, with their compensation state.
	CompletedSteps []StepResult

	// FailureReason describes the forward failure that triggered compensation.
	FailureReason string

	// Failures lists compensations that did not succeed.
	Failures []CompensationFailure

	// UnrecordedStep names the step whose log entry could not be written
	// when Status is StatusLogWriteFailure. Its forward action may have
	// taken effect.
	UnrecordedStep string

	// UnrecordedSteps lists every step whose log entry could not be
	// written. A compensation pass can leave more than one.
	UnrecordedSteps []string

	StartedAt time.Time
	EndedAt   time.Time
}

// Step returns the completed step entry with the given name.
func (r *Result) Step(name string) (StepResult, bool) {
	for _, s := range r.CompletedSteps {
		if s.StepName == name {
			return s, true
		}
	}
	return StepResult{}, false
}

// Orchestrator executes saga definitions.
//
// An Orchestrator holds no per-instance state: many sagas, of the same or
// different definitions, may execute concurrently on one Orchestrator.
type Orchestrator struct {
	log         Log
	store       InstanceStore
	logger      *slog.Logger
	metrics     *MetricsRecorder
	tracer      trace.Tracer
	backoff     BackoffStrategy
	maxRetries  int
	retryable   func(error) bool
	stepTimeout time.Duration
	newID       func() string

	invoker     *Invoker
	recorder    *recorder
	compensator *Compensator
}

// New creates an orchestrator.
//
// Example:
//
//	orch := saga.New(
//	    saga.WithStore(store),
//	    saga.WithMaxRetries(3),
//	    saga.WithLogger(logger),
//	)
func New(opts ...Option) *Orchestrator {
	o := &orchestratorOptions{
		logger:      slog.Default(),
		retryable:   func(err error) bool { return !IsPermanent(err) },
		stepTimeout: DefaultStepTimeout,
		logTimeout:  DefaultLogTimeout,
		logRetries:  DefaultLogRetries,
		logBackoff:  50 * time.Millisecond,
		newID:       func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.log == nil {
		mem := NewMemoryStore()
		o.log = mem
		if o.store == nil {
			o.store = mem
		}
	}
	if o.store == nil {
		if is, ok := o.log.(InstanceStore); ok {
			o.store = is
		}
	}

	orch := &Orchestrator{
		log:         o.log,
		store:       o.store,
		logger:      o.logger,
		metrics:     o.metrics,
		tracer:      newTracer(o.tracer),
		backoff:     o.backoff,
		maxRetries:  o.maxRetries,
		retryable:   o.retryable,
		stepTimeout: o.stepTimeout,
		newID:       o.newID,
		invoker:     NewInvoker(o.throttle),
		recorder: &recorder{
			log:     o.log,
			store:   o.store,
			timeout: o.logTimeout,
			retries: o.logRetries,
			base:    o.logBackoff,
		},
	}
	orch.compensator = &Compensator{
		invoker:        orch.invoker,
		recorder:       orch.recorder,
		logger:         orch.logger,
		metrics:        orch.metrics,
		tracer:         orch.tracer,
		defaultTimeout: orch.stepTimeout,
	}
	return orch
}

// Log returns the saga log.
func (o *Orchestrator) Log() Log {
	return o.log
}

// Store returns the instance store, or nil if the log keeps no instances.
func (o *Orchestrator) Store() InstanceStore {
	return o.store
}

// Compensator returns the compensator used by the orchestrator.
func (o *Orchestrator) Compensator() *Compensator {
	return o.compensator
}

// Execute runs def with input under a generated saga ID.
//
// Execution proceeds as follows:
//  1. Create the instance record (pending) and start it (running)
//  2. Execute each step in order, appending its result to the saga log
//     and waiting for the append before starting the next step
//  3. On success: mark the saga completed
//  4. On failure: compensate completed steps in reverse order
//
// A failing step is not an error: the outcome is reported by Result.Status.
// The returned error is non-nil only when def is invalid (Result is nil),
// the ID is taken (Result is nil), or the saga log could not record progress
// (Status is StatusLogWriteFailure and the error wraps ErrLogWriteFailure).
func (o *Orchestrator) Execute(ctx context.Context, def *Definition, input any) (*Result, error) {
	return o.ExecuteWithID(ctx, o.newID(), def, input)
}

// ExecuteWithID is Execute with a caller-chosen saga ID.
func (o *Orchestrator) ExecuteWithID(ctx context.Context, id string, def *Definition, input any) (*Result, error) {
	if def == nil || def.Len() == 0 {
		return nil, fmt.Errorf("%w: definition has no steps", ErrInvalidDefinition)
	}
	if id == "" {
		return nil, fmt.Errorf("%w: saga id is required", ErrInvalidDefinition)
	}

	now := time.Now()
	inst := &Instance{
		ID:            id,
		Name:          def.Name(),
		Status:        StatusPending,
		Input:         input,
		StartedAt:     now,
		LastUpdatedAt: now,
	}
	e := o.newExecution(def, inst)

	if err := o.recorder.create(ctx, inst); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return nil, fmt.Errorf("create saga %s: %w", id, err)
		}
		return e.logFailure(ctx, "", err)
	}

	ctx, span := startSagaSpan(ctx, o.tracer, "saga.execute", "execute", inst)
	o.metrics.RecordSagaStart(ctx, def.Name())

	res, err := e.run(ctx)

	o.metrics.RecordSagaEnd(ctx, def.Name(), res.Status, time.Since(now))
	endSagaSpan(span, res)
	return res, err
}

func (o *Orchestrator) timeoutFor(step Step) time.Duration {
	if step.Timeout > 0 {
		return step.Timeout
	}
	return o.stepTimeout
}

// execution is the state of one Execute or Recover call.
type execution struct {
	o          *Orchestrator
	def        *Definition
	inst       *Instance
	lc         *lifecycle
	logger     *slog.Logger
	results    []StepResult
	outputs    map[string]any
	failures   []CompensationFailure
	unrecorded []string
}

func (o *Orchestrator) newExecution(def *Definition, inst *Instance) *execution {
	return &execution{
		o:       o,
		def:     def,
		inst:    inst,
		lc:      newLifecycle(inst),
		logger:  o.logger.With("saga", def.Name(), "saga_id", inst.ID),
		outputs: make(map[string]any, def.Len()),
	}
}

func (e *execution) run(ctx context.Context) (*Result, error) {
	if err := e.transition(ctx, triggerStart); err != nil {
		return e.abort(ctx, "", err)
	}
	e.logger.Info("saga started", "steps", e.def.Len())

	for i, step := range e.def.steps {
		e.inst.CurrentStep = i

		if err := ctx.Err(); err != nil {
			e.logger.Warn("saga cancelled before step", "step", step.Name, "step_index", i, "error", err)
			return e.compensate(ctx, fmt.Sprintf("step %s not started: %v", step.Name, err))
		}

		e.logger.Info("executing step", "step", step.Name, "step_index", i)

		out, err := e.invoke(ctx, step, i)
		if err != nil {
			e.logger.Error("step failed", "step", step.Name, "error", err)
			return e.compensate(ctx, err.Error())
		}

		entry := StepResult{
			StepName:    step.Name,
			Index:       i,
			Succeeded:   true,
			Output:      out,
			CompletedAt: time.Now(),
		}
		if err := e.o.recorder.append(ctx, e.inst.ID, entry); err != nil {
			return e.logFailure(ctx, step.Name, err)
		}
		e.results = append(e.results, entry)
		e.outputs[step.Name] = out

		if i < e.def.Len()-1 {
			if err := e.o.recorder.update(ctx, e.inst); err != nil {
				return e.logFailure(ctx, "", err)
			}
		}

		e.logger.Debug("step completed", "step", step.Name)
	}

	if err := e.transition(ctx, triggerComplete); err != nil {
		return e.abort(ctx, "", err)
	}
	e.logger.Info("saga completed", "steps", e.def.Len())
	return e.result(), nil
}

// invoke runs the forward action of step, retrying per the orchestrator's
// policy. It returns the last error once retries are exhausted.
func (e *execution) invoke(ctx context.Context, step Step, index int) (any, error) {
	o := e.o
	maxAttempts := o.maxRetries + 1

	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			var delay time.Duration
			if o.backoff != nil {
				delay = o.backoff.NextDelay(attempt - 1)
			}
			e.logger.Info("retrying step after backoff",
				"step", step.Name,
				"attempt", attempt+1,
				"backoff_delay", delay)

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, err
			case <-timer.C:
			}
		}

		// Each attempt gets its own snapshot: a timed out action may still
		// be reading it after the saga moved on.
		sc := StepContext{
			SagaID:   e.inst.ID,
			SagaName: e.def.Name(),
			Step:     step.Name,
			Phase:    PhaseForward,
			Input:    e.inst.Input,
			outputs:  maps.Clone(e.outputs),
		}

		stepCtx, span := startStepSpan(ctx, o.tracer, sc, index)
		start := time.Now()
		var out any
		out, err = o.invoker.Invoke(stepCtx, step.Forward, sc, o.timeoutFor(step))
		o.metrics.RecordStepExecution(ctx, e.def.Name(), step.Name, actionResult(err), time.Since(start))
		endSpan(span, err)

		if err == nil {
			return out, nil
		}
		if attempt == maxAttempts-1 || !o.retryable(err) || ctx.Err() != nil {
			break
		}
		e.logger.Warn("step failed, will retry",
			"step", step.Name,
			"attempt", attempt+1,
			"max_attempts", maxAttempts,
			"error", err)
	}
	return nil, err
}

// compensate leaves the forward path and unwinds completed steps.
func (e *execution) compensate(ctx context.Context, reason string) (*Result, error) {
	ctx = context.WithoutCancel(ctx)
	e.inst.FailureReason = reason
	if err := e.transition(ctx, triggerFail); err != nil {
		return e.abort(ctx, "", err)
	}
	return e.unwind(ctx)
}

// unwind runs the compensator over the logged steps and finalizes the
// instance. The instance must be compensating.
func (e *execution) unwind(ctx context.Context) (*Result, error) {
	cres, err := e.o.compensator.Compensate(ctx, e.inst.ID, e.def, e.inst.Input, e.results)
	e.results = cres.Steps
	e.failures = cres.Failures
	if err != nil {
		e.unrecorded = cres.Unrecorded
		return e.logFailure(ctx, "", err)
	}

	t := triggerCompensated
	if !cres.AllSucceeded {
		t = triggerPartiallyCompensate
	}
	if err := e.transition(ctx, t); err != nil {
		return e.abort(ctx, "", err)
	}
	return e.result(), nil
}

// transition fires t and persists the instance. On a failed write the
// in-memory status is rolled back to what the store still holds.
func (e *execution) transition(ctx context.Context, t trigger) error {
	prevStatus, prevEnded := e.inst.Status, e.inst.EndedAt
	if err := e.lc.fire(ctx, t); err != nil {
		return err
	}
	if e.inst.Status.IsTerminal() {
		now := time.Now()
		e.inst.EndedAt = &now
	}
	if err := e.o.recorder.update(ctx, e.inst); err != nil {
		e.inst.Status, e.inst.EndedAt = prevStatus, prevEnded
		return err
	}
	return nil
}

// abort ends the call on a failed transition.
func (e *execution) abort(ctx context.Context, step string, err error) (*Result, error) {
	if errors.Is(err, ErrIllegalTransition) {
		e.logger.Error("saga transition rejected", "status", e.inst.Status, "error", err)
		return e.result(), err
	}
	return e.logFailure(ctx, step, err)
}

// logFailure stops the saga on a write the log or instance store did not
// confirm. No further action is invoked.
func (e *execution) logFailure(ctx context.Context, step string, err error) (*Result, error) {
	ctx = context.WithoutCancel(ctx)
	var lwe *LogWriteError
	if !errors.As(err, &lwe) {
		lwe = &LogWriteError{SagaID: e.inst.ID, Step: step, Op: "write", Err: err}
		err = lwe
	}
	if step == "" {
		step = lwe.Step
	}
	if len(e.unrecorded) == 0 && step != "" {
		e.unrecorded = []string{step}
	}
	e.o.metrics.RecordLogWriteFailure(ctx, e.def.Name())
	e.logger.Error("saga log write failed, stopping", "step", step, "error", err)

	if e.inst.FailureReason == "" {
		e.inst.FailureReason = err.Error()
	}
	if e.lc.can(ctx, triggerLogWriteFailed) {
		_ = e.lc.fire(ctx, triggerLogWriteFailed)
		now := time.Now()
		e.inst.EndedAt = &now
		// Best effort: the store may be what failed.
		if uerr := e.o.recorder.update(ctx, e.inst); uerr != nil {
			e.logger.Warn("failed to record log write failure status", "error", uerr)
		}
	}
	return e.result(), err
}

func (e *execution) result() *Result {
	res := &Result{
		SagaID:         e.inst.ID,
		Name:           e.inst.Name,
		Status:         e.inst.Status,
		CompletedSteps: make([]StepResult, len(e.results)),
		FailureReason:  e.inst.FailureReason,
		Failures:       e.failures,
		StartedAt:      e.inst.StartedAt,
	}
	copy(res.CompletedSteps, e.results)
	if len(e.unrecorded) > 0 {
		res.UnrecordedStep = e.unrecorded[0]
		res.UnrecordedSteps = append([]string(nil), e.unrecorded...)
	}
	if e.inst.EndedAt != nil {
		res.EndedAt = *e.inst.EndedAt
	}
	return res
}
