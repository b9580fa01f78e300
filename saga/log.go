package saga

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/sethvargo/go-retry"
)

// StepResult is one entry of the saga log: the record of a completed step.
//
// Entries are written only after a forward action succeeded and are never
// removed. Compensation rewrites the entry with Compensated set, or with
// CompensationError when the compensating action failed.
type StepResult struct {
	StepName          string     `json:"step_name"`
	Index             int        `json:"index"`
	Succeeded         bool       `json:"succeeded"`
	Output            any        `json:"output,omitempty"`
	Compensated       bool       `json:"compensated"`
	CompensationError string     `json:"compensation_error,omitempty"`
	CompletedAt       time.Time  `json:"completed_at"`
	CompensatedAt     *time.Time `json:"compensated_at,omitempty"`
}

// Log is the append-only record of a saga instance's progress.
//
// Append must be durable when it returns nil; the orchestrator waits for it
// before starting the next step. Append is idempotent per
// (sagaID, result.StepName): writing the same step again replaces the entry
// in place, which is how compensation outcomes are recorded and why
// at-least-once retries are safe. Read returns entries ordered by Index,
// which for a sequential saga is completion order.
//
// Implementations must be safe for concurrent use across saga IDs.
type Log interface {
	Append(ctx context.Context, sagaID string, result StepResult) error
	Read(ctx context.Context, sagaID string) ([]StepResult, error)
}

// Instance is the persisted record of one saga execution.
//
// The instance's completed steps live in the Log, not on this record.
type Instance struct {
	ID            string     // Saga instance ID (unique per execution)
	Name          string     // Saga definition name (e.g., "order-creation")
	Status        Status     // Current status
	Input         any        // Original input passed to every step
	CurrentStep   int        // Index of the current/failed step
	FailureReason string     // Why the saga left the forward path
	StartedAt     time.Time  // When saga started
	EndedAt       *time.Time // When saga reached a final status (nil while active)
	LastUpdatedAt time.Time  // Last record update
	Version       int64      // Version for optimistic locking (incremented on each update)
}

// InstanceStore persists saga instance records.
//
// Implementations must be safe for concurrent use.
type InstanceStore interface {
	// Create creates a new saga instance.
	// Returns ErrAlreadyExists if an instance with this ID exists.
	Create(ctx context.Context, inst *Instance) error

	// Get retrieves an instance by ID.
	// Returns ErrNotFound if missing.
	Get(ctx context.Context, id string) (*Instance, error)

	// Update writes inst if its Version matches the stored one and then
	// increments inst.Version. Returns ErrVersionConflict otherwise.
	Update(ctx context.Context, inst *Instance) error

	// List lists instances matching the filter.
	// Returns empty slice if no matches.
	List(ctx context.Context, filter StoreFilter) ([]*Instance, error)
}

// Store is a saga log that also keeps instance records. All bundled
// backends implement it.
type Store interface {
	Log
	InstanceStore
}

// StoreFilter specifies criteria for listing sagas.
//
// All fields are optional. Empty filter returns all sagas.
//
// Example:
//
//	// Find order sagas that need an operator
//	filter := saga.StoreFilter{
//	    Name:   "order-creation",
//	    Status: []saga.Status{saga.StatusPartiallyCompensated, saga.StatusLogWriteFailure},
//	    Limit:  100,
//	}
//	sagas, err := store.List(ctx, filter)
type StoreFilter struct {
	Name          string    // Filter by saga name (empty = all names)
	Status        []Status  // Filter by status (empty = all statuses)
	UpdatedBefore time.Time // Only instances last updated before this time (zero = no bound)
	Limit         int       // Maximum results (0 = no limit)
}

func (f StoreFilter) matches(inst *Instance) bool {
	if f.Name != "" && inst.Name != f.Name {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !inst.LastUpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	if len(f.Status) == 0 {
		return true
	}
	for _, s := range f.Status {
		if inst.Status == s {
			return true
		}
	}
	return false
}

// sortResults orders entries by step index.
func sortResults(results []StepResult) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Index < results[j].Index
	})
}

// pendingCompensation returns the entries compensation still has to visit.
func pendingCompensation(results []StepResult) []StepResult {
	pending := make([]StepResult, 0, len(results))
	for _, r := range results {
		if r.Succeeded && !r.Compensated {
			pending = append(pending, r)
		}
	}
	return pending
}

// recorder performs log and instance writes with bounded retries under a
// context detached from caller cancellation.
type recorder struct {
	log     Log
	store   InstanceStore
	timeout time.Duration
	retries uint64
	base    time.Duration
}

func (r *recorder) do(ctx context.Context, sagaID, step, op string, fn func(ctx context.Context) error) error {
	ctx = context.WithoutCancel(ctx)
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	var err error
	if r.retries == 0 {
		err = fn(ctx)
	} else {
		b := retry.WithMaxRetries(r.retries, retry.NewExponential(r.base))
		err = retry.Do(ctx, b, func(ctx context.Context) error {
			if err := fn(ctx); err != nil {
				if IsVersionConflict(err) || IsNotFound(err) || errors.Is(err, ErrAlreadyExists) {
					return err
				}
				return retry.RetryableError(err)
			}
			return nil
		})
	}
	if err != nil {
		return &LogWriteError{SagaID: sagaID, Step: step, Op: op, Err: err}
	}
	return nil
}

func (r *recorder) append(ctx context.Context, sagaID string, result StepResult) error {
	return r.do(ctx, sagaID, result.StepName, "append", func(ctx context.Context) error {
		return r.log.Append(ctx, sagaID, result)
	})
}

func (r *recorder) create(ctx context.Context, inst *Instance) error {
	if r.store == nil {
		return nil
	}
	return r.do(ctx, inst.ID, "", "create instance", func(ctx context.Context) error {
		return r.store.Create(ctx, inst)
	})
}

func (r *recorder) update(ctx context.Context, inst *Instance) error {
	inst.LastUpdatedAt = time.Now()
	if r.store == nil {
		return nil
	}
	return r.do(ctx, inst.ID, "", "update instance to "+string(inst.Status), func(ctx context.Context) error {
		return r.store.Update(ctx, inst)
	})
}
