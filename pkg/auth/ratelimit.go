package auth

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RateLimiter enforces the per-key rolling-minute budget. Allow must be
// atomic: concurrent requests against the same key share one counter, so
// two callers can never both consume the last slot.
type RateLimiter interface {
	// Allow records one request against key and reports whether it fits
	// within limitPerMin for the current rolling minute.
	Allow(ctx context.Context, key string, limitPerMin int) (bool, error)
}

// MemoryRateLimiter is the in-process sliding-window limiter used when
// Redis is not configured. Suitable for a single gate instance.
type MemoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	now     func() time.Time
}

// NewMemoryRateLimiter creates an empty in-process limiter.
func NewMemoryRateLimiter() *MemoryRateLimiter {
	return &MemoryRateLimiter{
		windows: make(map[string][]time.Time),
		now:     time.Now,
	}
}

var _ RateLimiter = (*MemoryRateLimiter)(nil)

func (l *MemoryRateLimiter) Allow(ctx context.Context, key string, limitPerMin int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-time.Minute)

	window := l.windows[key]
	pruned := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}

	if len(pruned) >= limitPerMin {
		l.windows[key] = pruned
		return false, nil
	}

	l.windows[key] = append(pruned, now)
	return true, nil
}

// RedisRateLimiter is the distributed sliding-window limiter shared by
// all gate instances. The window is a sorted set of request timestamps
// per key hash, mutated inside a transactional pipeline so concurrent
// checks observe one consistent counter.
type RedisRateLimiter struct {
	client *redis.Client
}

// NewRedisRateLimiter creates a limiter over the given client.
func NewRedisRateLimiter(client *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{client: client}
}

var _ RateLimiter = (*RedisRateLimiter)(nil)

func (l *RedisRateLimiter) Allow(ctx context.Context, key string, limitPerMin int) (bool, error) {
	now := time.Now()
	redisKey := "dbgate:ratelimit:" + key
	windowStart := now.Add(-time.Minute).UnixNano()

	// The member must be unique per request; the timestamp alone would
	// merge two requests scored in the same nanosecond.
	member := strconv.FormatInt(now.UnixNano(), 10) + ":" + uuid.NewString()

	var card *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, redisKey, "0", strconv.FormatInt(windowStart, 10))
		pipe.ZAdd(ctx, redisKey, redis.Z{
			Score:  float64(now.UnixNano()),
			Member: member,
		})
		card = pipe.ZCard(ctx, redisKey)
		pipe.Expire(ctx, redisKey, 2*time.Minute)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}

	// The count includes the request just added, so exceeding the limit
	// means this request did not fit.
	if card.Val() > int64(limitPerMin) {
		// Release the slot: a rejected attempt must not occupy the
		// window, or a hammering client stays blocked past its budget.
		if err := l.client.ZRem(ctx, redisKey, member).Err(); err != nil {
			return false, fmt.Errorf("rate limit release failed: %w", err)
		}
		return false, nil
	}
	return true, nil
}
