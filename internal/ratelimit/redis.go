package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindow trims the window, counts it and admits the request when
// below the limit. Members are made unique with a counter key.
var slidingWindow = redis.NewScript(`
	local key = KEYS[1]
	local counter_key = KEYS[2]
	local now = tonumber(ARGV[1])
	local window_start = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])
	local window_ms = tonumber(ARGV[4])

	redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)

	local count = redis.call('ZCARD', key)

	if count < limit then
		local counter = redis.call('INCR', counter_key)
		redis.call('ZADD', key, now, now .. ':' .. counter)
		redis.call('PEXPIRE', key, window_ms)
		redis.call('PEXPIRE', counter_key, window_ms)
		local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
		return {1, limit - count - 1, tonumber(oldest[2]) + window_ms}
	end

	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	local reset_at = now + window_ms
	if #oldest >= 2 then
		reset_at = tonumber(oldest[2]) + window_ms
	end
	return {0, 0, reset_at}
`)

// RedisLimiter implements a sliding window shared by every server
// instance using a Redis sorted set per key.
type RedisLimiter struct {
	client    *redis.Client
	rate      Rate
	keyPrefix string
}

// NewRedisLimiter creates a new RedisLimiter.
func NewRedisLimiter(client *redis.Client, r Rate, keyPrefix string) *RedisLimiter {
	return &RedisLimiter{
		client:    client,
		rate:      r,
		keyPrefix: keyPrefix,
	}
}

// Allow records the request of key if the window has room for it.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (*Result, error) {
	now := time.Now()
	windowStart := now.Add(-l.rate.Window)
	redisKey := l.keyPrefix + key

	result, err := slidingWindow.Run(ctx, l.client,
		[]string{redisKey, redisKey + ":counter"},
		now.UnixMilli(),
		windowStart.UnixMilli(),
		l.rate.Limit,
		l.rate.Window.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("redis script error: %w", err)
	}

	if len(result) != 3 {
		return nil, fmt.Errorf("unexpected Redis response length: %d", len(result))
	}

	res := &Result{
		Allowed:   result[0] == 1,
		Limit:     l.rate.Limit,
		Remaining: int(result[1]),
		ResetAt:   time.UnixMilli(result[2]),
	}
	if !res.Allowed {
		res.RetryAfter = max(res.ResetAt.Sub(now), time.Millisecond)
	}
	return res, nil
}

