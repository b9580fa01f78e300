package saga

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rbaliyan/event/v3/health"
)

// MemoryStore is an in-memory saga log and instance store.
//
// It is the orchestrator's default and is meant for tests and single-process
// use: nothing survives a restart, so Recover can only help with log write
// failures, not crashes.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*Instance
	steps     map[string]map[string]StepResult
}

// NewMemoryStore creates a new in-memory saga store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]*Instance),
		steps:     make(map[string]map[string]StepResult),
	}
}

// Append records a step result, replacing any entry for the same step.
func (s *MemoryStore) Append(ctx context.Context, sagaID string, result StepResult) error {
	if sagaID == "" {
		return fmt.Errorf("saga ID is required")
	}
	if result.StepName == "" {
		return fmt.Errorf("step name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, ok := s.steps[sagaID]
	if !ok {
		entries = make(map[string]StepResult)
		s.steps[sagaID] = entries
	}
	entries[result.StepName] = copyResult(result)
	return nil
}

// Read returns the step results of a saga ordered by step index.
// An unknown saga has an empty log.
func (s *MemoryStore) Read(ctx context.Context, sagaID string) ([]StepResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.steps[sagaID]
	results := make([]StepResult, 0, len(entries))
	for _, r := range entries {
		results = append(results, copyResult(r))
	}
	sortResults(results)
	return results, nil
}

// Create creates a new saga instance
func (s *MemoryStore) Create(ctx context.Context, inst *Instance) error {
	if inst == nil {
		return fmt.Errorf("instance is nil")
	}
	if inst.ID == "" {
		return fmt.Errorf("instance ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, inst.ID)
	}

	s.instances[inst.ID] = copyInstance(inst)
	return nil
}

// Get retrieves a saga instance by ID
func (s *MemoryStore) Get(ctx context.Context, id string) (*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return copyInstance(inst), nil
}

// Update updates a saga instance with optimistic locking.
//
// The update uses the Version field for optimistic locking. If the version
// doesn't match the expected version, ErrVersionConflict is returned.
// On successful update, the instance's Version is incremented.
func (s *MemoryStore) Update(ctx context.Context, inst *Instance) error {
	if inst == nil {
		return fmt.Errorf("instance is nil")
	}
	if inst.ID == "" {
		return fmt.Errorf("instance ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.instances[inst.ID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, inst.ID)
	}

	if existing.Version != inst.Version {
		return NewVersionConflictError(inst.ID, inst.Version, existing.Version)
	}

	inst.Version++
	s.instances[inst.ID] = copyInstance(inst)
	return nil
}

// List lists instances matching the filter, oldest first.
func (s *MemoryStore) List(ctx context.Context, filter StoreFilter) ([]*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]*Instance, 0)
	for _, inst := range s.instances {
		if filter.matches(inst) {
			results = append(results, copyInstance(inst))
		}
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].StartedAt.Before(results[j].StartedAt)
	})
	if filter.Limit > 0 && len(results) > filter.Limit {
		results = results[:filter.Limit]
	}
	return results, nil
}

// Delete removes a saga instance and its log by ID.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	delete(s.instances, id)
	delete(s.steps, id)
	return nil
}

// Cleanup removes terminal sagas that ended before now minus age.
// Returns the number of sagas removed.
func (s *MemoryStore) Cleanup(age time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-age)
	deleted := 0

	for id, inst := range s.instances {
		if inst.Status.IsTerminal() && inst.EndedAt != nil && inst.EndedAt.Before(cutoff) {
			delete(s.instances, id)
			delete(s.steps, id)
			deleted++
		}
	}

	return deleted
}

// Health performs a health check on the memory store.
// Always returns healthy since in-memory stores don't have connectivity issues.
func (s *MemoryStore) Health(ctx context.Context) *health.Result {
	s.mu.RLock()
	count := len(s.instances)
	s.mu.RUnlock()

	return &health.Result{
		Status:    health.StatusHealthy,
		CheckedAt: time.Now(),
		Details: map[string]any{
			"sagas_count": count,
		},
	}
}

func copyInstance(inst *Instance) *Instance {
	c := *inst
	if inst.EndedAt != nil {
		t := *inst.EndedAt
		c.EndedAt = &t
	}
	return &c
}

func copyResult(r StepResult) StepResult {
	if r.CompensatedAt != nil {
		t := *r.CompensatedAt
		r.CompensatedAt = &t
	}
	return r
}

// Compile-time checks
var (
	_ Store          = (*MemoryStore)(nil)
	_ health.Checker = (*MemoryStore)(nil)
)
