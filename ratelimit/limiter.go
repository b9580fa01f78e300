// Package ratelimit provides rate limiters for calls to saga collaborators.
//
// A Limiter can be passed to saga.WithThrottle; the step invoker then waits
// on it before every forward and compensating action.
//
// Implementations:
//   - TokenBucket: in-process token bucket
//   - RedisLimiter: fixed window shared across processes through Redis
//   - SlidingWindowLimiter: sliding window shared across processes through Redis
//
// The step invoker's timeout bounds each wait. A wait that would outlast it
// fails with an error matching context.DeadlineExceeded, which the saga
// records as a throttled timeout. MetricsLimiter labels waits with the saga,
// step and phase being throttled.
//
// Example:
//
//	limiter := ratelimit.NewRedisLimiter(rdb, "payments", 100, time.Second)
//	orch := saga.New(saga.WithThrottle(limiter))
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Limiter controls how frequently events may happen.
type Limiter interface {
	// Allow reports whether an event may happen now. It never blocks.
	Allow(ctx context.Context) bool

	// Wait blocks until an event is allowed or ctx is done.
	Wait(ctx context.Context) error
}

// ErrLimitExceeded is returned by Wait when no capacity frees up in time.
var ErrLimitExceeded = errors.New("rate limit exceeded")

// errDeadline is returned by Wait when the wait would outlast the context
// deadline. It matches both ErrLimitExceeded and context.DeadlineExceeded, so
// a saga step reports it as a timeout.
var errDeadline = fmt.Errorf("%w: wait would outlast deadline: %w", ErrLimitExceeded, context.DeadlineExceeded)

// TokenBucket is an in-process token bucket limiter.
type TokenBucket struct {
	limiter *rate.Limiter
}

// NewTokenBucket creates a limiter allowing perSecond events per second
// with bursts of up to burst events.
func NewTokenBucket(perSecond float64, burst int) *TokenBucket {
	return &TokenBucket{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// NewTokenBucketEvery creates a limiter allowing one event every interval.
func NewTokenBucketEvery(interval time.Duration, burst int) *TokenBucket {
	return &TokenBucket{limiter: rate.NewLimiter(rate.Every(interval), burst)}
}

// Allow reports whether an event may happen now.
func (t *TokenBucket) Allow(ctx context.Context) bool {
	return t.limiter.Allow()
}

// Wait blocks until a token is available or ctx is done.
func (t *TokenBucket) Wait(ctx context.Context) error {
	if err := t.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, ok := ctx.Deadline(); ok && t.limiter.Burst() > 0 {
			return errDeadline
		}
		return errors.Join(ErrLimitExceeded, err)
	}
	return nil
}

// Tokens returns the number of tokens currently available.
func (t *TokenBucket) Tokens() float64 {
	return t.limiter.Tokens()
}

// Compile-time check
var _ Limiter = (*TokenBucket)(nil)

// waitFor polls allow until it succeeds, ctx is done, or allow fails.
func waitFor(ctx context.Context, poll time.Duration, allow func(ctx context.Context) (bool, time.Duration, error)) error {
	for {
		ok, retryIn, err := allow(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		if retryIn <= 0 || retryIn > poll {
			retryIn = poll
		}
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < retryIn {
			return errDeadline
		}

		timer := time.NewTimer(retryIn)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
