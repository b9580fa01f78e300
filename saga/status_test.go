package saga

import (
	"context"
	"errors"
	"testing"
)

func TestStatus(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
		final    bool
	}{
		{StatusPending, false, false},
		{StatusRunning, false, false},
		{StatusCompensating, false, false},
		{StatusCompleted, true, true},
		{StatusCompensated, true, true},
		{StatusPartiallyCompensated, true, true},
		{StatusLogWriteFailure, false, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if !tt.status.Valid() {
				t.Errorf("expected %s to be valid", tt.status)
			}
			if got := tt.status.IsTerminal(); got != tt.terminal {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.terminal)
			}
			if got := tt.status.IsFinal(); got != tt.final {
				t.Errorf("IsFinal() = %v, want %v", got, tt.final)
			}
		})
	}

	if Status("failed").Valid() {
		t.Error("unknown status must not be valid")
	}
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("happy path", func(t *testing.T) {
		inst := &Instance{Status: StatusPending}
		lc := newLifecycle(inst)

		for _, step := range []struct {
			trigger trigger
			want    Status
		}{
			{triggerStart, StatusRunning},
			{triggerComplete, StatusCompleted},
		} {
			if err := lc.fire(ctx, step.trigger); err != nil {
				t.Fatalf("fire %s: %v", step.trigger, err)
			}
			if inst.Status != step.want {
				t.Fatalf("expected %s, got %s", step.want, inst.Status)
			}
		}
	})

	t.Run("compensation path", func(t *testing.T) {
		inst := &Instance{Status: StatusRunning}
		lc := newLifecycle(inst)

		if err := lc.fire(ctx, triggerFail); err != nil {
			t.Fatalf("fire fail: %v", err)
		}
		if err := lc.fire(ctx, triggerPartiallyCompensate); err != nil {
			t.Fatalf("fire partially_compensated: %v", err)
		}
		if inst.Status != StatusPartiallyCompensated {
			t.Errorf("expected partially_compensated, got %s", inst.Status)
		}
	})

	t.Run("terminal statuses accept no trigger", func(t *testing.T) {
		all := []trigger{
			triggerStart, triggerComplete, triggerFail, triggerCompensated,
			triggerPartiallyCompensate, triggerLogWriteFailed, triggerRecover,
		}
		for _, s := range []Status{StatusCompleted, StatusCompensated, StatusPartiallyCompensated} {
			inst := &Instance{Status: s}
			lc := newLifecycle(inst)
			for _, tr := range all {
				if lc.can(ctx, tr) {
					t.Errorf("%s must not permit %s", s, tr)
				}
				if err := lc.fire(ctx, tr); !errors.Is(err, ErrIllegalTransition) {
					t.Errorf("%s/%s: expected ErrIllegalTransition, got %v", s, tr, err)
				}
				if inst.Status != s {
					t.Errorf("status changed from %s to %s", s, inst.Status)
				}
			}
		}
	})

	t.Run("completed is reachable only from running", func(t *testing.T) {
		for _, s := range []Status{StatusPending, StatusCompensating, StatusLogWriteFailure} {
			lc := newLifecycle(&Instance{Status: s})
			if lc.can(ctx, triggerComplete) {
				t.Errorf("%s must not permit complete", s)
			}
		}
	})

	t.Run("log write failure is recoverable", func(t *testing.T) {
		inst := &Instance{Status: StatusCompensating}
		lc := newLifecycle(inst)

		if err := lc.fire(ctx, triggerLogWriteFailed); err != nil {
			t.Fatalf("fire log_write_failed: %v", err)
		}
		if lc.can(ctx, triggerStart) || lc.can(ctx, triggerComplete) {
			t.Error("log_write_failure must only permit recover")
		}
		if err := lc.fire(ctx, triggerRecover); err != nil {
			t.Fatalf("fire recover: %v", err)
		}
		if inst.Status != StatusCompensating {
			t.Errorf("expected compensating, got %s", inst.Status)
		}
		if err := lc.fire(ctx, triggerRecover); err != nil {
			t.Errorf("recover must re-enter compensating: %v", err)
		}
	})
}
