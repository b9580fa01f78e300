package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/rbaliyan/event/v3/health"
	"github.com/redis/go-redis/v9"
)

/*
Redis Schema:

Uses Redis Hashes for saga instances and logs:
- Hash: saga:{id} - instance fields
- Hash: saga:{id}:steps - saga log, one JSON-encoded StepResult per step name
- Set: saga:by_name:{name} - saga IDs by name
- Set: saga:by_status:{status} - saga IDs by status
- Sorted Set: saga:by_time - saga IDs sorted by start time
*/

// RedisStore is a Redis-based saga log and instance store.
//
// RedisStore provides distributed saga storage using Redis. It supports:
//   - Hash storage for instances and step logs
//   - Set-based indexes for efficient filtering
//   - Optimistic locking with WATCH/MULTI on the instance hash
//   - Optional TTL for automatic cleanup of finished sagas
//
// Example:
//
//	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store := saga.NewRedisStore(rdb).
//	    WithKeyPrefix("myapp:saga:").
//	    WithTTL(7 * 24 * time.Hour)
//
//	orch := saga.New(saga.WithStore(store))
type RedisStore struct {
	client       redis.UniversalClient
	prefix       string
	namePrefix   string
	statusPrefix string
	timeKey      string
	ttl          time.Duration // TTL for terminal sagas (0 = no expiry)
}

// NewRedisStore creates a new Redis saga store.
//
// Parameters:
//   - client: A connected Redis client (supports single node, Sentinel, Cluster)
//
// Default configuration:
//   - Key prefix: "saga:"
//   - TTL: 0 (no expiry)
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return (&RedisStore{client: client}).WithKeyPrefix("saga:")
}

// WithKeyPrefix sets a custom key prefix.
//
// Use this for multi-tenant deployments or to organize keys by application.
//
// Returns the store for method chaining.
func (s *RedisStore) WithKeyPrefix(prefix string) *RedisStore {
	s.prefix = prefix
	s.namePrefix = prefix + "by_name:"
	s.statusPrefix = prefix + "by_status:"
	s.timeKey = prefix + "by_time"
	return s
}

// WithTTL sets the TTL for terminal sagas.
//
// When set, completed, compensated and partially compensated sagas are
// deleted after the TTL expires, log included. Sagas that stopped on a log
// write failure never expire.
//
// Returns the store for method chaining.
func (s *RedisStore) WithTTL(ttl time.Duration) *RedisStore {
	s.ttl = ttl
	return s
}

func (s *RedisStore) key(id string) string      { return s.prefix + id }
func (s *RedisStore) stepsKey(id string) string { return s.prefix + id + ":steps" }

// Append records a step result, replacing any entry for the same step.
func (s *RedisStore) Append(ctx context.Context, sagaID string, result StepResult) error {
	if sagaID == "" || result.StepName == "" {
		return fmt.Errorf("saga ID and step name are required")
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal step result: %w", err)
	}

	if err := s.client.HSet(ctx, s.stepsKey(sagaID), result.StepName, data).Err(); err != nil {
		return fmt.Errorf("hset: %w", err)
	}
	return nil
}

// Read returns the step results of a saga ordered by step index.
func (s *RedisStore) Read(ctx context.Context, sagaID string) ([]StepResult, error) {
	fields, err := s.client.HGetAll(ctx, s.stepsKey(sagaID)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall: %w", err)
	}

	results := make([]StepResult, 0, len(fields))
	for step, raw := range fields {
		var r StepResult
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("unmarshal step %s: %w", step, err)
		}
		results = append(results, r)
	}
	sortResults(results)
	return results, nil
}

// Create creates a new saga instance
func (s *RedisStore) Create(ctx context.Context, inst *Instance) error {
	if inst == nil || inst.ID == "" {
		return fmt.Errorf("instance ID is required")
	}
	key := s.key(inst.ID)

	// Atomic existence check using HSetNX on the id field
	ok, err := s.client.HSetNX(ctx, key, "id", inst.ID).Result()
	if err != nil {
		return fmt.Errorf("hsetnx: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, inst.ID)
	}

	fields, err := instanceFields(inst, inst.Version)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		pipe.SAdd(ctx, s.namePrefix+inst.Name, inst.ID)
		pipe.SAdd(ctx, s.statusPrefix+string(inst.Status), inst.ID)
		pipe.ZAdd(ctx, s.timeKey, redis.Z{
			Score:  float64(inst.StartedAt.UnixMilli()),
			Member: inst.ID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	return nil
}

// instanceFields converts an instance to hash fields with the given version.
func instanceFields(inst *Instance, version int64) (map[string]any, error) {
	input, err := json.Marshal(inst.Input)
	if err != nil {
		return nil, fmt.Errorf("marshal input: %w", err)
	}

	fields := map[string]any{
		"id":              inst.ID,
		"name":            inst.Name,
		"status":          string(inst.Status),
		"current_step":    inst.CurrentStep,
		"input":           input,
		"failure_reason":  inst.FailureReason,
		"started_at":      inst.StartedAt.UnixNano(),
		"last_updated_at": inst.LastUpdatedAt.UnixNano(),
		"ended_at":        "",
		"version":         version,
	}
	if inst.EndedAt != nil {
		fields["ended_at"] = inst.EndedAt.UnixNano()
	}
	return fields, nil
}

// Get retrieves a saga instance by ID
func (s *RedisStore) Get(ctx context.Context, id string) (*Instance, error) {
	fields, err := s.client.HGetAll(ctx, s.key(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return parseInstance(fields)
}

// parseInstance converts hash fields to an Instance
func parseInstance(fields map[string]string) (*Instance, error) {
	inst := &Instance{
		ID:            fields["id"],
		Name:          fields["name"],
		Status:        Status(fields["status"]),
		FailureReason: fields["failure_reason"],
	}

	var err error
	if v := fields["current_step"]; v != "" {
		if inst.CurrentStep, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("parse current_step: %w", err)
		}
	}
	if v := fields["version"]; v != "" {
		if inst.Version, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("parse version: %w", err)
		}
	}
	if v := fields["input"]; v != "" {
		if err := json.Unmarshal([]byte(v), &inst.Input); err != nil {
			return nil, fmt.Errorf("unmarshal input: %w", err)
		}
	}
	if inst.StartedAt, err = parseNanos(fields["started_at"]); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if inst.LastUpdatedAt, err = parseNanos(fields["last_updated_at"]); err != nil {
		return nil, fmt.Errorf("parse last_updated_at: %w", err)
	}
	if v := fields["ended_at"]; v != "" {
		t, err := parseNanos(v)
		if err != nil {
			return nil, fmt.Errorf("parse ended_at: %w", err)
		}
		inst.EndedAt = &t
	}

	return inst, nil
}

func parseNanos(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, n), nil
}

// Update updates a saga instance with optimistic locking.
//
// The stored version is checked and the hash rewritten inside a WATCH
// transaction. A concurrent writer makes the transaction fail with
// ErrVersionConflict. On success the instance's Version is incremented.
func (s *RedisStore) Update(ctx context.Context, inst *Instance) error {
	if inst == nil || inst.ID == "" {
		return fmt.Errorf("instance ID is required")
	}
	key := s.key(inst.ID)

	newVersion := inst.Version + 1
	fields, err := instanceFields(inst, newVersion)
	if err != nil {
		return err
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.HMGet(ctx, key, "version", "status").Result()
		if err != nil {
			return fmt.Errorf("hmget: %w", err)
		}
		if current[0] == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, inst.ID)
		}

		stored, err := strconv.ParseInt(current[0].(string), 10, 64)
		if err != nil {
			return fmt.Errorf("parse version: %w", err)
		}
		if stored != inst.Version {
			return NewVersionConflictError(inst.ID, inst.Version, stored)
		}
		oldStatus, _ := current[1].(string)

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			if oldStatus != string(inst.Status) {
				pipe.SRem(ctx, s.statusPrefix+oldStatus, inst.ID)
				pipe.SAdd(ctx, s.statusPrefix+string(inst.Status), inst.ID)
			}
			if s.ttl > 0 && inst.Status.IsTerminal() {
				pipe.Expire(ctx, key, s.ttl)
				pipe.Expire(ctx, s.stepsKey(inst.ID), s.ttl)
			}
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return NewVersionConflictError(inst.ID, inst.Version, -1)
	}
	if err != nil {
		return err
	}

	inst.Version = newVersion
	return nil
}

// List lists instances matching the filter, oldest first.
//
// Candidates come from the status or name index; the remaining criteria are
// applied to the loaded instances. Index entries of expired sagas are skipped.
func (s *RedisStore) List(ctx context.Context, filter StoreFilter) ([]*Instance, error) {
	var ids []string

	switch {
	case len(filter.Status) > 0:
		keys := make([]string, len(filter.Status))
		for i, status := range filter.Status {
			keys[i] = s.statusPrefix + string(status)
		}
		members, err := s.client.SUnion(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("sunion: %w", err)
		}
		ids = members
	case filter.Name != "":
		members, err := s.client.SMembers(ctx, s.namePrefix+filter.Name).Result()
		if err != nil {
			return nil, fmt.Errorf("smembers: %w", err)
		}
		ids = members
	default:
		members, err := s.client.ZRange(ctx, s.timeKey, 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("zrange: %w", err)
		}
		ids = members
	}

	results := make([]*Instance, 0, len(ids))
	for _, id := range ids {
		inst, err := s.Get(ctx, id)
		if IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if filter.matches(inst) {
			results = append(results, inst)
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

// Delete removes a saga instance, its log and its index entries.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	inst, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(id), s.stepsKey(id))
		pipe.SRem(ctx, s.namePrefix+inst.Name, id)
		pipe.SRem(ctx, s.statusPrefix+string(inst.Status), id)
		pipe.ZRem(ctx, s.timeKey, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

// DeleteOlderThan removes sagas started before now minus age.
func (s *RedisStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age).UnixMilli()

	ids, err := s.client.ZRangeByScore(ctx, s.timeKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("zrangebyscore: %w", err)
	}

	var deleted int64
	for _, id := range ids {
		err := s.Delete(ctx, id)
		switch {
		case err == nil:
			deleted++
		case IsNotFound(err):
			// Expired by TTL; drop the dangling index entry.
			s.client.ZRem(ctx, s.timeKey, id)
		default:
			return deleted, err
		}
	}
	return deleted, nil
}

// GetFailed returns sagas that need an operator: partially compensated or
// stopped on a log write failure.
func (s *RedisStore) GetFailed(ctx context.Context, name string, limit int) ([]*Instance, error) {
	return s.List(ctx, StoreFilter{
		Name:   name,
		Status: []Status{StatusPartiallyCompensated, StatusLogWriteFailure},
		Limit:  limit,
	})
}

// GetPending returns all pending/running/compensating sagas
func (s *RedisStore) GetPending(ctx context.Context, limit int) ([]*Instance, error) {
	return s.List(ctx, StoreFilter{
		Status: []Status{StatusPending, StatusRunning, StatusCompensating},
		Limit:  limit,
	})
}

// Count returns the total number of sagas
func (s *RedisStore) Count(ctx context.Context) (int64, error) {
	return s.client.ZCard(ctx, s.timeKey).Result()
}

// CountByStatus returns the count of sagas by status
func (s *RedisStore) CountByStatus(ctx context.Context, status Status) (int64, error) {
	return s.client.SCard(ctx, s.statusPrefix+string(status)).Result()
}

// CountByName returns the count of sagas by name
func (s *RedisStore) CountByName(ctx context.Context, name string) (int64, error) {
	return s.client.SCard(ctx, s.namePrefix+name).Result()
}

// Health performs a health check on the Redis saga store.
func (s *RedisStore) Health(ctx context.Context) *health.Result {
	start := time.Now()

	if err := s.client.Ping(ctx).Err(); err != nil {
		return &health.Result{
			Status:    health.StatusUnhealthy,
			Message:   fmt.Sprintf("redis ping failed: %v", err),
			Latency:   time.Since(start),
			CheckedAt: start,
		}
	}

	total, err := s.Count(ctx)
	if err != nil {
		return &health.Result{
			Status:    health.StatusDegraded,
			Message:   fmt.Sprintf("failed to count sagas: %v", err),
			Latency:   time.Since(start),
			CheckedAt: start,
		}
	}

	details := map[string]any{
		"total_sagas": total,
		"key_prefix":  s.prefix,
	}
	for _, status := range []Status{StatusRunning, StatusCompensating, StatusLogWriteFailure} {
		n, _ := s.CountByStatus(ctx, status)
		details[string(status)+"_sagas"] = n
	}

	return &health.Result{
		Status:    health.StatusHealthy,
		Latency:   time.Since(start),
		CheckedAt: start,
		Details:   details,
	}
}

// Compile-time checks
var (
	_ Store          = (*RedisStore)(nil)
	_ health.Checker = (*RedisStore)(nil)
)
