package saga

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rbaliyan/event-saga/ratelimit"
)

// collaborator is a fake remote service. It records every call in order and
// fails the calls configured in failOn.
type collaborator struct {
	mu     sync.Mutex
	calls  []string
	failOn map[string]error
	delay  map[string]time.Duration
}

func newCollaborator() *collaborator {
	return &collaborator{
		failOn: make(map[string]error),
		delay:  make(map[string]time.Duration),
	}
}

func (c *collaborator) fail(call string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failOn[call] = err
}

func (c *collaborator) action(call string) Action {
	return func(ctx context.Context, sc StepContext) (any, error) {
		c.mu.Lock()
		c.calls = append(c.calls, call)
		err := c.failOn[call]
		delay := c.delay[call]
		c.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if err != nil {
			return nil, err
		}
		return call + "-ok", nil
	}
}

func (c *collaborator) step(name string) Step {
	return Step{
		Name:       name,
		Forward:    c.action(name),
		Compensate: c.action(name + ".compensate"),
	}
}

func (c *collaborator) recorded() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.calls))
	copy(out, c.calls)
	return out
}

func (c *collaborator) count(call string) int {
	n := 0
	for _, got := range c.recorded() {
		if got == call {
			n++
		}
	}
	return n
}

func orderSaga(c *collaborator) *Definition {
	return MustDefinition("order-creation",
		c.step("reservePayment"),
		c.step("reserveInventory"),
		c.step("scheduleShipment"),
	)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestOrchestrator(opts ...Option) *Orchestrator {
	return New(append([]Option{WithLogger(quietLogger())}, opts...)...)
}

func assertCalls(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected calls %v, got %v", want, got)
		}
	}
}

// failingLog fails Append for one step name and delegates everything else.
type failingLog struct {
	*MemoryStore
	failStep string
	err      error
	attempts atomic.Int32
}

func (l *failingLog) Append(ctx context.Context, sagaID string, result StepResult) error {
	if result.StepName == l.failStep {
		l.attempts.Add(1)
		return l.err
	}
	return l.MemoryStore.Append(ctx, sagaID, result)
}

func TestExecute(t *testing.T) {
	ctx := context.Background()

	t.Run("all steps succeed", func(t *testing.T) {
		c := newCollaborator()
		orch := newTestOrchestrator()

		res, err := orch.Execute(ctx, orderSaga(c), "order-1")
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}

		if res.Status != StatusCompleted {
			t.Errorf("expected completed, got %s", res.Status)
		}
		if len(res.CompletedSteps) != 3 {
			t.Fatalf("expected 3 completed steps, got %d", len(res.CompletedSteps))
		}
		for i, s := range res.CompletedSteps {
			if s.Compensated {
				t.Errorf("step %s should not be compensated", s.StepName)
			}
			if s.Index != i {
				t.Errorf("expected index %d for %s, got %d", i, s.StepName, s.Index)
			}
		}
		if res.EndedAt.IsZero() {
			t.Error("expected EndedAt to be set")
		}
		assertCalls(t, c.recorded(), []string{"reservePayment", "reserveInventory", "scheduleShipment"})
	})

	t.Run("failed step compensates earlier steps only", func(t *testing.T) {
		c := newCollaborator()
		c.fail("reserveInventory", errors.New("out of stock"))
		orch := newTestOrchestrator()

		res, err := orch.Execute(ctx, orderSaga(c), "order-1")
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}

		if res.Status != StatusCompensated {
			t.Errorf("expected compensated, got %s", res.Status)
		}
		assertCalls(t, c.recorded(), []string{"reservePayment", "reserveInventory", "reservePayment.compensate"})

		if len(res.CompletedSteps) != 1 {
			t.Fatalf("expected 1 completed step, got %d", len(res.CompletedSteps))
		}
		payment, ok := res.Step("reservePayment")
		if !ok || !payment.Compensated || payment.CompensatedAt == nil {
			t.Errorf("expected reservePayment to be compensated, got %+v", payment)
		}
		if _, ok := res.Step("reserveInventory"); ok {
			t.Error("failed step must not be logged as completed")
		}
		if res.FailureReason == "" {
			t.Error("expected a failure reason")
		}
		if len(res.Failures) != 0 {
			t.Errorf("expected no compensation failures, got %v", res.Failures)
		}
	})

	t.Run("compensation failure does not stop unwinding", func(t *testing.T) {
		c := newCollaborator()
		c.fail("scheduleShipment", errors.New("no carrier"))
		c.fail("reserveInventory.compensate", errors.New("inventory service down"))
		orch := newTestOrchestrator()

		res, err := orch.Execute(ctx, orderSaga(c), "order-1")
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}

		if res.Status != StatusPartiallyCompensated {
			t.Errorf("expected partially_compensated, got %s", res.Status)
		}
		if len(res.Failures) != 1 || res.Failures[0].StepName != "reserveInventory" {
			t.Fatalf("expected one failure for reserveInventory, got %v", res.Failures)
		}
		if res.Failures[0].TimedOut {
			t.Error("failure should not be marked as timed out")
		}
		assertCalls(t, c.recorded(), []string{
			"reservePayment", "reserveInventory", "scheduleShipment",
			"reserveInventory.compensate", "reservePayment.compensate",
		})

		inventory, _ := res.Step("reserveInventory")
		if inventory.Compensated || inventory.CompensationError == "" {
			t.Errorf("expected reserveInventory to carry a compensation error, got %+v", inventory)
		}
		payment, _ := res.Step("reservePayment")
		if !payment.Compensated {
			t.Error("expected reservePayment to be compensated")
		}
	})

	t.Run("log append failure stops the saga", func(t *testing.T) {
		c := newCollaborator()
		log := &failingLog{MemoryStore: NewMemoryStore(), failStep: "reservePayment", err: errors.New("disk full")}
		orch := newTestOrchestrator(WithStore(log), WithLogRetries(0, 0))

		res, err := orch.Execute(ctx, orderSaga(c), "order-1")
		if !errors.Is(err, ErrLogWriteFailure) {
			t.Fatalf("expected ErrLogWriteFailure, got %v", err)
		}
		var lwe *LogWriteError
		if !errors.As(err, &lwe) || lwe.Step != "reservePayment" {
			t.Fatalf("expected LogWriteError for reservePayment, got %v", err)
		}

		if res.Status != StatusLogWriteFailure {
			t.Errorf("expected log_write_failure, got %s", res.Status)
		}
		if res.UnrecordedStep != "reservePayment" {
			t.Errorf("expected unrecorded step reservePayment, got %q", res.UnrecordedStep)
		}
		assertCalls(t, c.recorded(), []string{"reservePayment"})

		inst, err := log.Get(ctx, res.SagaID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if inst.Status != StatusLogWriteFailure {
			t.Errorf("expected stored status log_write_failure, got %s", inst.Status)
		}
	})

	t.Run("log append is retried before failing", func(t *testing.T) {
		c := newCollaborator()
		log := &failingLog{MemoryStore: NewMemoryStore(), failStep: "reserveInventory", err: errors.New("timeout")}
		orch := newTestOrchestrator(WithStore(log), WithLogRetries(2, time.Millisecond))

		res, err := orch.Execute(ctx, orderSaga(c), "order-1")
		if !errors.Is(err, ErrLogWriteFailure) {
			t.Fatalf("expected ErrLogWriteFailure, got %v", err)
		}
		if got := log.attempts.Load(); got != 3 {
			t.Errorf("expected 3 append attempts, got %d", got)
		}
		if res.UnrecordedStep != "reserveInventory" {
			t.Errorf("expected unrecorded step reserveInventory, got %q", res.UnrecordedStep)
		}
		if len(res.CompletedSteps) != 1 {
			t.Errorf("expected 1 recorded step, got %d", len(res.CompletedSteps))
		}
		if c.count("scheduleShipment") != 0 || c.count("reservePayment.compensate") != 0 {
			t.Errorf("no action may run after a log write failure, got %v", c.recorded())
		}
	})

	t.Run("result matches the log when compensation outcomes are lost", func(t *testing.T) {
		c := newCollaborator()
		c.fail("scheduleShipment", errors.New("no carrier"))
		log := &outcomeFailingLog{
			MemoryStore: NewMemoryStore(),
			reject:      map[string]bool{"reservePayment": true, "reserveInventory": true},
		}
		orch := newTestOrchestrator(WithStore(log), WithLogRetries(0, 0))

		res, err := orch.Execute(ctx, orderSaga(c), nil)
		if !errors.Is(err, ErrLogWriteFailure) {
			t.Fatalf("expected ErrLogWriteFailure, got %v", err)
		}
		if res.Status != StatusLogWriteFailure {
			t.Errorf("expected log_write_failure, got %s", res.Status)
		}
		assertCalls(t, res.UnrecordedSteps, []string{"reserveInventory", "reservePayment"})
		if res.UnrecordedStep != "reserveInventory" {
			t.Errorf("expected first unrecorded step reserveInventory, got %q", res.UnrecordedStep)
		}

		entries, err := log.Read(ctx, res.SagaID)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if len(entries) != len(res.CompletedSteps) {
			t.Fatalf("expected %d logged steps, got %d", len(res.CompletedSteps), len(entries))
		}
		for i, entry := range entries {
			got := res.CompletedSteps[i]
			if got.StepName != entry.StepName || got.Compensated != entry.Compensated {
				t.Errorf("result %s compensated=%v, log %s compensated=%v",
					got.StepName, got.Compensated, entry.StepName, entry.Compensated)
			}
		}
	})

	t.Run("input and outputs are visible to later steps", func(t *testing.T) {
		var seen StepContext
		def := MustDefinition("pipeline",
			Step{Name: "first", Forward: func(ctx context.Context, sc StepContext) (any, error) {
				return 42, nil
			}},
			Step{Name: "second", Forward: func(ctx context.Context, sc StepContext) (any, error) {
				seen = sc
				return nil, nil
			}},
		)
		orch := newTestOrchestrator(WithIDGenerator(func() string { return "fixed-id" }))

		res, err := orch.Execute(ctx, def, "payload")
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		if res.SagaID != "fixed-id" || seen.SagaID != "fixed-id" {
			t.Errorf("expected saga id fixed-id, got %q / %q", res.SagaID, seen.SagaID)
		}
		if seen.Input != "payload" {
			t.Errorf("expected input payload, got %v", seen.Input)
		}
		if seen.Phase != PhaseForward || seen.SagaName != "pipeline" {
			t.Errorf("unexpected step context %+v", seen)
		}
		if out, ok := seen.Output("first"); !ok || out != 42 {
			t.Errorf("expected output 42 from first, got %v", out)
		}
		if _, ok := seen.Output("second"); ok {
			t.Error("a step must not see its own output")
		}
	})

	t.Run("compensation sees forward outputs", func(t *testing.T) {
		var got any
		def := MustDefinition("refund",
			Step{
				Name:    "charge",
				Forward: func(ctx context.Context, sc StepContext) (any, error) { return "charge-123", nil },
				Compensate: func(ctx context.Context, sc StepContext) (any, error) {
					got, _ = sc.Output("charge")
					return nil, nil
				},
			},
			Step{Name: "ship", Forward: func(ctx context.Context, sc StepContext) (any, error) {
				return nil, errors.New("boom")
			}},
		)

		res, err := newTestOrchestrator().Execute(ctx, def, nil)
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		if res.Status != StatusCompensated {
			t.Fatalf("expected compensated, got %s", res.Status)
		}
		if got != "charge-123" {
			t.Errorf("expected compensation to see charge-123, got %v", got)
		}
	})

	t.Run("duplicate saga id is rejected", func(t *testing.T) {
		c := newCollaborator()
		orch := newTestOrchestrator()

		if _, err := orch.ExecuteWithID(ctx, "order-1", orderSaga(c), nil); err != nil {
			t.Fatalf("first Execute failed: %v", err)
		}
		res, err := orch.ExecuteWithID(ctx, "order-1", orderSaga(c), nil)
		if !errors.Is(err, ErrAlreadyExists) {
			t.Fatalf("expected ErrAlreadyExists, got %v", err)
		}
		if res != nil {
			t.Error("expected nil result for duplicate id")
		}
	})

	t.Run("invalid definition is rejected", func(t *testing.T) {
		orch := newTestOrchestrator()

		if _, err := orch.Execute(ctx, nil, nil); !errors.Is(err, ErrInvalidDefinition) {
			t.Errorf("expected ErrInvalidDefinition for nil definition, got %v", err)
		}
		if _, err := orch.ExecuteWithID(ctx, "", orderSaga(newCollaborator()), nil); !errors.Is(err, ErrInvalidDefinition) {
			t.Errorf("expected ErrInvalidDefinition for empty id, got %v", err)
		}
	})

	t.Run("instance record tracks the outcome", func(t *testing.T) {
		c := newCollaborator()
		c.fail("scheduleShipment", errors.New("no carrier"))
		store := NewMemoryStore()
		orch := newTestOrchestrator(WithStore(store))

		res, err := orch.Execute(ctx, orderSaga(c), map[string]any{"order": "o-1"})
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}

		inst, err := store.Get(ctx, res.SagaID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if inst.Status != StatusCompensated {
			t.Errorf("expected stored status compensated, got %s", inst.Status)
		}
		if inst.CurrentStep != 2 {
			t.Errorf("expected current step 2, got %d", inst.CurrentStep)
		}
		if inst.EndedAt == nil || inst.FailureReason == "" {
			t.Errorf("expected end time and failure reason, got %+v", inst)
		}

		entries, err := store.Read(ctx, res.SagaID)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if len(entries) != 2 {
			t.Fatalf("expected 2 log entries, got %d", len(entries))
		}
		for _, e := range entries {
			if !e.Compensated {
				t.Errorf("expected %s to be logged as compensated", e.StepName)
			}
		}
	})
}

func TestExecuteCompensationOrder(t *testing.T) {
	ctx := context.Background()

	for n := 1; n <= 5; n++ {
		for failAt := 0; failAt < n; failAt++ {
			t.Run(fmt.Sprintf("%d steps failing at %d", n, failAt), func(t *testing.T) {
				c := newCollaborator()
				steps := make([]Step, n)
				for i := range steps {
					steps[i] = c.step(fmt.Sprintf("s%d", i))
				}
				c.fail(fmt.Sprintf("s%d", failAt), errors.New("failed"))

				res, err := newTestOrchestrator().Execute(ctx, MustDefinition("ordered", steps...), nil)
				if err != nil {
					t.Fatalf("Execute failed: %v", err)
				}
				if res.Status != StatusCompensated {
					t.Fatalf("expected compensated, got %s", res.Status)
				}

				var want []string
				for i := 0; i <= failAt; i++ {
					want = append(want, fmt.Sprintf("s%d", i))
				}
				for i := failAt - 1; i >= 0; i-- {
					want = append(want, fmt.Sprintf("s%d.compensate", i))
				}
				assertCalls(t, c.recorded(), want)

				if len(res.CompletedSteps) != failAt {
					t.Errorf("expected %d completed steps, got %d", failAt, len(res.CompletedSteps))
				}
			})
		}
	}
}

func TestExecuteRetries(t *testing.T) {
	ctx := context.Background()

	t.Run("transient failure is retried", func(t *testing.T) {
		var attempts atomic.Int32
		def := MustDefinition("retry",
			Step{Name: "flaky", Forward: func(ctx context.Context, sc StepContext) (any, error) {
				if attempts.Add(1) < 3 {
					return nil, errors.New("transient")
				}
				return "ok", nil
			}},
		)
		b := &testBackoff{delay: time.Millisecond}
		orch := newTestOrchestrator(WithMaxRetries(3), WithBackoff(b))

		res, err := orch.Execute(ctx, def, nil)
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		if res.Status != StatusCompleted {
			t.Errorf("expected completed, got %s", res.Status)
		}
		if attempts.Load() != 3 {
			t.Errorf("expected 3 attempts, got %d", attempts.Load())
		}
		if b.attempts.Load() != 2 {
			t.Errorf("expected 2 backoff delays, got %d", b.attempts.Load())
		}
	})

	t.Run("retries are exhausted before compensating", func(t *testing.T) {
		c := newCollaborator()
		c.fail("reserveInventory", errors.New("unavailable"))
		orch := newTestOrchestrator(WithMaxRetries(2))

		res, err := orch.Execute(ctx, orderSaga(c), nil)
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		if res.Status != StatusCompensated {
			t.Errorf("expected compensated, got %s", res.Status)
		}
		if got := c.count("reserveInventory"); got != 3 {
			t.Errorf("expected 3 attempts, got %d", got)
		}
	})

	t.Run("permanent failure is not retried", func(t *testing.T) {
		c := newCollaborator()
		c.fail("reserveInventory", Permanent(errors.New("insufficient stock")))
		orch := newTestOrchestrator(WithMaxRetries(5))

		res, err := orch.Execute(ctx, orderSaga(c), nil)
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		if res.Status != StatusCompensated {
			t.Errorf("expected compensated, got %s", res.Status)
		}
		if got := c.count("reserveInventory"); got != 1 {
			t.Errorf("expected a single attempt, got %d", got)
		}
	})

	t.Run("custom classifier", func(t *testing.T) {
		c := newCollaborator()
		c.fail("reservePayment", errors.New("declined"))
		orch := newTestOrchestrator(
			WithMaxRetries(5),
			WithRetryable(func(err error) bool { return IsTimeout(err) }),
		)

		if _, err := orch.Execute(ctx, orderSaga(c), nil); err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		if got := c.count("reservePayment"); got != 1 {
			t.Errorf("expected a single attempt, got %d", got)
		}
	})
}

func TestExecuteTimeouts(t *testing.T) {
	ctx := context.Background()

	t.Run("forward timeout triggers compensation", func(t *testing.T) {
		c := newCollaborator()
		c.delay["reserveInventory"] = time.Second
		orch := newTestOrchestrator(WithStepTimeout(20 * time.Millisecond))

		res, err := orch.Execute(ctx, orderSaga(c), nil)
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		if res.Status != StatusCompensated {
			t.Errorf("expected compensated, got %s", res.Status)
		}
		if c.count("reservePayment.compensate") != 1 {
			t.Error("expected reservePayment to be compensated")
		}
		if c.count("reserveInventory.compensate") != 0 {
			t.Error("a timed out step must not be compensated")
		}
	})

	t.Run("compensation timeout is reported", func(t *testing.T) {
		c := newCollaborator()
		c.fail("scheduleShipment", errors.New("no carrier"))
		c.delay["reservePayment.compensate"] = time.Second
		def := MustDefinition("order-creation",
			Step{
				Name:       "reservePayment",
				Forward:    c.action("reservePayment"),
				Compensate: c.action("reservePayment.compensate"),
				Timeout:    20 * time.Millisecond,
			},
			c.step("reserveInventory"),
			c.step("scheduleShipment"),
		)

		res, err := newTestOrchestrator().Execute(ctx, def, nil)
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		if res.Status != StatusPartiallyCompensated {
			t.Fatalf("expected partially_compensated, got %s", res.Status)
		}
		if len(res.Failures) != 1 || !res.Failures[0].TimedOut {
			t.Fatalf("expected one timed out failure, got %v", res.Failures)
		}
		if !errors.Is(res.Failures[0].Err, context.DeadlineExceeded) {
			t.Errorf("expected failure to match DeadlineExceeded, got %v", res.Failures[0].Err)
		}
	})

	t.Run("cancelled context compensates without interrupting undo", func(t *testing.T) {
		c := newCollaborator()
		cctx, cancel := context.WithCancel(ctx)

		var compensateErr error
		def := MustDefinition("cancel",
			Step{
				Name: "first",
				Forward: func(ctx context.Context, sc StepContext) (any, error) {
					cancel()
					return "done", nil
				},
				Compensate: func(ctx context.Context, sc StepContext) (any, error) {
					compensateErr = ctx.Err()
					return nil, nil
				},
			},
			c.step("second"),
		)

		res, err := newTestOrchestrator().Execute(cctx, def, nil)
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		if res.Status != StatusCompensated {
			t.Errorf("expected compensated, got %s", res.Status)
		}
		if c.count("second") != 0 {
			t.Error("no step may start after cancellation")
		}
		if compensateErr != nil {
			t.Errorf("compensation ran with a cancelled context: %v", compensateErr)
		}
	})

	t.Run("panicking step is a failure", func(t *testing.T) {
		c := newCollaborator()
		def := MustDefinition("panic",
			c.step("first"),
			Step{Name: "second", Forward: func(ctx context.Context, sc StepContext) (any, error) {
				panic("unexpected")
			}},
		)

		res, err := newTestOrchestrator().Execute(ctx, def, nil)
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		if res.Status != StatusCompensated {
			t.Errorf("expected compensated, got %s", res.Status)
		}
	})
}

func TestExecuteTerminalFinality(t *testing.T) {
	ctx := context.Background()

	c := newCollaborator()
	c.fail("scheduleShipment", errors.New("no carrier"))
	c.fail("reserveInventory.compensate", errors.New("down"))
	orch := newTestOrchestrator()

	res, err := orch.Execute(ctx, orderSaga(c), nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !res.Status.IsTerminal() {
		t.Fatalf("expected terminal status, got %s", res.Status)
	}

	before := len(c.recorded())
	if _, err := orch.Recover(ctx, orderSaga(c), res.SagaID); !errors.Is(err, ErrTerminal) {
		t.Errorf("expected ErrTerminal, got %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if after := len(c.recorded()); after != before {
		t.Errorf("expected no calls after a terminal status, got %d more", after-before)
	}
}

func TestConcurrentExecute(t *testing.T) {
	ctx := context.Background()
	c := newCollaborator()
	c.fail("scheduleShipment", errors.New("no carrier"))
	def := orderSaga(c)
	store := NewMemoryStore()
	orch := newTestOrchestrator(WithStore(store))

	const n = 20
	var wg sync.WaitGroup
	statuses := make([]Status, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := orch.Execute(ctx, def, i)
			if err != nil {
				t.Errorf("Execute %d failed: %v", i, err)
				return
			}
			statuses[i] = res.Status
		}(i)
	}
	wg.Wait()

	for i, s := range statuses {
		if s != StatusCompensated {
			t.Errorf("saga %d: expected compensated, got %s", i, s)
		}
	}
	if got := c.count("reservePayment.compensate"); got != n {
		t.Errorf("expected %d payment compensations, got %d", n, got)
	}

	all, err := store.List(ctx, StoreFilter{Status: []Status{StatusCompensated}})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != n {
		t.Errorf("expected %d compensated instances, got %d", n, len(all))
	}
}

func TestThrottle(t *testing.T) {
	ctx := context.Background()

	t.Run("throttle gates every action", func(t *testing.T) {
		th := &countingThrottle{}
		c := newCollaborator()
		c.fail("scheduleShipment", errors.New("no carrier"))

		if _, err := newTestOrchestrator(WithThrottle(th)).Execute(ctx, orderSaga(c), nil); err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		// three forward calls and two compensations
		if got := th.waits.Load(); got != 5 {
			t.Errorf("expected 5 throttle waits, got %d", got)
		}
	})

	t.Run("throttle rejection fails the step", func(t *testing.T) {
		th := &countingThrottle{err: errors.New("limit exceeded")}
		c := newCollaborator()

		res, err := newTestOrchestrator(WithThrottle(th)).Execute(ctx, orderSaga(c), nil)
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		if res.Status != StatusCompensated {
			t.Errorf("expected compensated, got %s", res.Status)
		}
		if len(c.recorded()) != 0 {
			t.Errorf("expected no calls, got %v", c.recorded())
		}
	})

	t.Run("token bucket limiter", func(t *testing.T) {
		bucket := ratelimit.NewTokenBucketEvery(time.Hour, 10)
		c := newCollaborator()

		res, err := newTestOrchestrator(WithThrottle(bucket)).Execute(ctx, orderSaga(c), nil)
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		if res.Status != StatusCompleted {
			t.Errorf("expected completed, got %s", res.Status)
		}
		if tokens := bucket.Tokens(); tokens > 7.01 {
			t.Errorf("expected three tokens taken, %.2f left", tokens)
		}
	})

	t.Run("drained token bucket cannot stall compensation", func(t *testing.T) {
		bucket := ratelimit.NewTokenBucketEvery(time.Hour, 2)
		c := newCollaborator()
		c.fail("reserveInventory", errors.New("out of stock"))
		orch := newTestOrchestrator(WithThrottle(bucket), WithStepTimeout(100*time.Millisecond))

		callCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		defer cancel()

		type outcome struct {
			res *Result
			err error
		}
		done := make(chan outcome, 1)
		go func() {
			res, err := orch.Execute(callCtx, orderSaga(c), nil)
			done <- outcome{res, err}
		}()

		var out outcome
		select {
		case out = <-done:
		case <-time.After(3 * time.Second):
			t.Fatal("Execute blocked on the throttle past the step timeout")
		}
		if out.err != nil {
			t.Fatalf("Execute failed: %v", out.err)
		}
		if out.res.Status != StatusPartiallyCompensated {
			t.Fatalf("expected partially compensated, got %s", out.res.Status)
		}
		if len(out.res.Failures) != 1 || out.res.Failures[0].StepName != "reservePayment" {
			t.Fatalf("expected reservePayment compensation to fail, got %v", out.res.Failures)
		}
		var te *TimeoutError
		if !errors.As(out.res.Failures[0].Err, &te) || !te.Throttled {
			t.Errorf("expected a throttled timeout, got %v", out.res.Failures[0].Err)
		}
		assertCalls(t, c.recorded(), []string{"reservePayment", "reserveInventory"})
	})
}

// testBackoff is a simple stateless backoff for testing.
type testBackoff struct {
	delay    time.Duration
	attempts atomic.Int32
}

func (b *testBackoff) NextDelay(attempt int) time.Duration {
	b.attempts.Add(1)
	return b.delay
}

type countingThrottle struct {
	waits atomic.Int32
	err   error
}

func (c *countingThrottle) Wait(ctx context.Context) error {
	c.waits.Add(1)
	return c.err
}
