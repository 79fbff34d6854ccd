package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter implements sliding window rate limiting backed by Redis, so
// the limit holds across processes (the API server and a reconciliation run
// share one scoring-provider budget).
type RateLimiter struct {
	client *Client
	prefix string
}

// RateLimitConfig defines rate limit parameters.
type RateLimitConfig struct {
	Key    string        // Unique identifier (e.g. "scorer")
	Limit  int           // Maximum requests allowed
	Window time.Duration // Time window
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(client *Client, prefix string) *RateLimiter {
	return &RateLimiter{
		client: client,
		prefix: prefix,
	}
}

var slidingWindowScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window_start = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])
	local window_ms = tonumber(ARGV[4])

	redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)

	local count = redis.call('ZCARD', key)

	if count < limit then
		redis.call('ZADD', key, now, now)
		redis.call('PEXPIRE', key, window_ms)
		return {1, limit - count - 1}
	else
		return {0, 0}
	end
`)

// Allow checks if a request is allowed under the rate limit.
// Returns (allowed, remaining, error).
func (r *RateLimiter) Allow(ctx context.Context, cfg RateLimitConfig) (bool, int, error) {
	if !r.client.Enabled() {
		// If Redis is disabled, allow all requests
		return true, cfg.Limit, nil
	}

	key := fmt.Sprintf("%s:ratelimit:%s", r.prefix, cfg.Key)
	now := time.Now().UnixMilli()
	windowStart := now - cfg.Window.Milliseconds()

	result, err := slidingWindowScript.Run(ctx, r.client.Redis(), []string{key},
		now,
		windowStart,
		cfg.Limit,
		cfg.Window.Milliseconds(),
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit script failed: %w", err)
	}

	allowed := result[0].(int64) == 1
	remaining := int(result[1].(int64))

	return allowed, remaining, nil
}

// Wait blocks until a request is allowed or the context is cancelled.
func (r *RateLimiter) Wait(ctx context.Context, cfg RateLimitConfig) error {
	for {
		allowed, _, err := r.Allow(ctx, cfg)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}
