package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/rbaliyan/event/v3/health"
)

// windowHealth checks a Redis window limiter. An exhausted window is
// degraded: throttled saga actions wait for the next window, up to their
// step timeout. An unreachable Redis is unhealthy, since every Wait fails.
func windowHealth(ctx context.Context, remaining func(context.Context) (int64, error), limit int64, window time.Duration, key string) *health.Result {
	start := time.Now()
	left, err := remaining(ctx)
	if err != nil {
		return &health.Result{
			Status:    health.StatusUnhealthy,
			Message:   fmt.Sprintf("limiter state unavailable: %v", err),
			Latency:   time.Since(start),
			CheckedAt: start,
		}
	}

	res := &health.Result{
		Status:    health.StatusHealthy,
		Latency:   time.Since(start),
		CheckedAt: start,
		Details: map[string]any{
			"remaining": left,
			"used":      limit - left,
			"limit":     limit,
			"window":    window.String(),
			"key":       key,
		},
	}
	if left <= 0 {
		res.Status = health.StatusDegraded
		res.Message = fmt.Sprintf("window exhausted: %d/%d used", limit, limit)
	}
	return res
}

// Health reports the fixed window's remaining capacity.
func (r *RedisLimiter) Health(ctx context.Context) *health.Result {
	return windowHealth(ctx, r.Remaining, r.limit, r.window, r.key)
}

// Health reports the sliding window's remaining capacity.
func (s *SlidingWindowLimiter) Health(ctx context.Context) *health.Result {
	return windowHealth(ctx, s.Remaining, s.limit, s.window, s.key)
}

// Health reports the token bucket's available tokens. An in-process
// limiter is always reachable; an empty bucket is reported as degraded.
func (t *TokenBucket) Health(ctx context.Context) *health.Result {
	tokens := t.Tokens()
	status := health.StatusHealthy
	message := ""
	if tokens < 1 {
		status = health.StatusDegraded
		message = "no tokens available"
	}

	return &health.Result{
		Status:    status,
		Message:   message,
		CheckedAt: time.Now(),
		Details: map[string]any{
			"tokens": tokens,
			"limit":  float64(t.limiter.Limit()),
			"burst":  t.limiter.Burst(),
		},
	}
}

var (
	_ health.Checker = (*TokenBucket)(nil)
	_ health.Checker = (*RedisLimiter)(nil)
	_ health.Checker = (*SlidingWindowLimiter)(nil)
)
