// Package ratelimit provides per-client request limiting for the gate's
// handshake surface. The primary implementation is a Redis sliding window so
// limits hold across replicas; a local token bucket takes over when Redis is
// not configured or unavailable.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SlidingWindowLimiter enforces capacity+burst requests per key per window
// using a Redis sorted set. Each request is a member scored by its timestamp;
// members older than the window are trimmed before counting.
type SlidingWindowLimiter struct {
	rdb      *redis.Client
	capacity int
	window   time.Duration
	burst    int
	fallback *LocalLimiter
}

// NewSlidingWindowLimiter builds a limiter. rdb may be nil, in which case
// every decision is made by the local fallback.
func NewSlidingWindowLimiter(rdb *redis.Client, capacity int, window time.Duration, burst int) *SlidingWindowLimiter {
	if capacity <= 0 {
		capacity = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	if burst < 0 {
		burst = 0
	}
	return &SlidingWindowLimiter{
		rdb:      rdb,
		capacity: capacity,
		window:   window,
		burst:    burst,
		fallback: NewLocalLimiter(capacity+burst, window),
	}
}

// slidingWindowScript trims expired entries, checks the count against the
// limit, and records the request in one round trip.
//
// KEYS[1] = window key
// ARGV[1] = now (ms), ARGV[2] = window (ms), ARGV[3] = limit, ARGV[4] = member
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    local retry = window
    if oldest[2] then
        retry = (tonumber(oldest[2]) + window) - now
    end
    return {0, 0, retry}
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return {1, limit - count - 1, 0}
`)

func redisKey(key string) string { return fmt.Sprintf("idsgate:rl:%s", key) }

// Allow reports whether key may proceed. Redis errors degrade to the local
// fallback rather than denying traffic.
func (l *SlidingWindowLimiter) Allow(ctx context.Context, key string) (bool, int, time.Time) {
	if l.rdb == nil {
		return l.fallback.Allow(key)
	}

	now := time.Now()
	member := fmt.Sprintf("%d-%d", now.UnixNano(), len(key))
	res, err := slidingWindowScript.Run(ctx, l.rdb,
		[]string{redisKey(key)},
		now.UnixMilli(), l.window.Milliseconds(), l.capacity+l.burst, member,
	).Int64Slice()
	if err != nil || len(res) != 3 {
		return l.fallback.Allow(key)
	}

	if res[0] == 1 {
		return true, int(res[1]), now
	}
	return false, 0, now.Add(time.Duration(res[2]) * time.Millisecond)
}

// Reset clears the window for key on both backends.
func (l *SlidingWindowLimiter) Reset(ctx context.Context, key string) error {
	l.fallback.Reset(key)
	if l.rdb == nil {
		return nil
	}
	return l.rdb.Del(ctx, redisKey(key)).Err()
}
