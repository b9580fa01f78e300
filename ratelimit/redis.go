package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLimiter is a fixed-window limiter shared through Redis.
//
// Each window is one counter key, {key}:{window start}, incremented per
// event and expired with the window. Bursts of up to 2*limit are possible
// across a window boundary; use SlidingWindowLimiter when that matters.
type RedisLimiter struct {
	client redis.Cmdable
	key    string
	limit  int64
	window time.Duration
}

// NewRedisLimiter creates a limiter allowing limit events per window.
//
// Example:
//
//	limiter := ratelimit.NewRedisLimiter(rdb, "ratelimit:payments", 100, time.Second)
func NewRedisLimiter(client redis.Cmdable, key string, limit int64, window time.Duration) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		key:    key,
		limit:  limit,
		window: window,
	}
}

func (r *RedisLimiter) windowKey(now time.Time) (string, time.Time) {
	start := now.Truncate(r.window)
	return r.key + ":" + strconv.FormatInt(start.UnixMilli(), 10), start
}

// Take consumes one event from the current window. It reports whether the
// event is allowed and, if not, how long until the next window opens.
func (r *RedisLimiter) Take(ctx context.Context) (bool, time.Duration, error) {
	now := time.Now()
	key, start := r.windowKey(now)

	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.PExpire(ctx, key, r.window)
		return nil
	})
	if err != nil {
		return false, 0, fmt.Errorf("incr: %w", err)
	}

	if incr.Val() <= r.limit {
		return true, 0, nil
	}
	return false, start.Add(r.window).Sub(now), nil
}

// Allow reports whether an event may happen now. Redis errors deny the event.
func (r *RedisLimiter) Allow(ctx context.Context) bool {
	ok, _, err := r.Take(ctx)
	return err == nil && ok
}

// Wait blocks until the event fits in a window or ctx is done.
func (r *RedisLimiter) Wait(ctx context.Context) error {
	return waitFor(ctx, r.window, r.Take)
}

// Remaining returns how many events the current window still allows.
func (r *RedisLimiter) Remaining(ctx context.Context) (int64, error) {
	key, _ := r.windowKey(time.Now())
	used, err := r.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return r.limit, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get: %w", err)
	}
	if used >= r.limit {
		return 0, nil
	}
	return r.limit - used, nil
}

// slidingWindowScript trims expired events and admits a new one if the
// window has room. Returns {allowed, remaining, oldest score}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window_start = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local window_ms = tonumber(ARGV[4])
local member = ARGV[5]

redis.call("zremrangebyscore", key, "-inf", window_start)

local count = redis.call("zcard", key)
if count < limit then
	redis.call("zadd", key, now, member)
	redis.call("pexpire", key, window_ms)
	return {1, limit - count - 1, 0}
end

local oldest = redis.call("zrange", key, 0, 0, "WITHSCORES")
return {0, 0, tonumber(oldest[2])}
`)

// SlidingWindowLimiter is a sliding-window limiter shared through Redis.
//
// Every admitted event is a member of a sorted set scored by its timestamp;
// the check-and-admit runs as one Lua script.
type SlidingWindowLimiter struct {
	client redis.Cmdable
	key    string
	limit  int64
	window time.Duration
	seq    func() string
}

// NewSlidingWindowLimiter creates a limiter allowing limit events in any
// window-long interval.
func NewSlidingWindowLimiter(client redis.Cmdable, key string, limit int64, window time.Duration) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		client: client,
		key:    key,
		limit:  limit,
		window: window,
		seq:    uuid.NewString,
	}
}

// Take consumes one event if the window has room. If not, it reports how
// long until the oldest event leaves the window.
func (s *SlidingWindowLimiter) Take(ctx context.Context) (bool, time.Duration, error) {
	now := time.Now().UnixMilli()
	windowStart := now - s.window.Milliseconds()

	res, err := slidingWindowScript.Run(ctx, s.client, []string{s.key},
		now, windowStart, s.limit, s.window.Milliseconds(), s.seq()).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("eval: %w", err)
	}

	if res[0] == 1 {
		return true, 0, nil
	}
	retryIn := time.Duration(res[2]+s.window.Milliseconds()-now) * time.Millisecond
	return false, retryIn, nil
}

// Allow reports whether an event may happen now. Redis errors deny the event.
func (s *SlidingWindowLimiter) Allow(ctx context.Context) bool {
	ok, _, err := s.Take(ctx)
	return err == nil && ok
}

// Wait blocks until the event fits in the window or ctx is done.
func (s *SlidingWindowLimiter) Wait(ctx context.Context) error {
	return waitFor(ctx, s.window, s.Take)
}

// Remaining returns how many events the window still allows.
func (s *SlidingWindowLimiter) Remaining(ctx context.Context) (int64, error) {
	now := time.Now().UnixMilli()
	windowStart := now - s.window.Milliseconds()

	used, err := s.client.ZCount(ctx, s.key, "("+strconv.FormatInt(windowStart, 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("zcount: %w", err)
	}
	if used >= s.limit {
		return 0, nil
	}
	return s.limit - used, nil
}

// Compile-time checks
var (
	_ Limiter = (*RedisLimiter)(nil)
	_ Limiter = (*SlidingWindowLimiter)(nil)
)
