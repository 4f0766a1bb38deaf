package ratelimit

import (
	"sync"
	"time"
)

// LocalLimiter is an in-process token bucket keyed by client. It backs the
// Redis sliding window when Redis is absent or unreachable, and is usable on
// its own for single-instance deployments.
type LocalLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	capacity int
	window   time.Duration
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewLocalLimiter allows capacity requests per key per window.
func NewLocalLimiter(capacity int, window time.Duration) *LocalLimiter {
	if capacity <= 0 {
		capacity = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &LocalLimiter{
		buckets:  make(map[string]*bucket),
		capacity: capacity,
		window:   window,
	}
}

// Allow reports whether key may proceed, along with the remaining budget and
// the time at which a denied caller can retry.
func (l *LocalLimiter) Allow(key string) (bool, int, time.Time) {
	now := time.Now()
	refillPerSec := float64(l.capacity) / l.window.Seconds()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.capacity), lastFill: now}
		l.buckets[key] = b
	} else {
		elapsed := now.Sub(b.lastFill).Seconds()
		b.tokens += elapsed * refillPerSec
		if b.tokens > float64(l.capacity) {
			b.tokens = float64(l.capacity)
		}
		b.lastFill = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return true, int(b.tokens), now
	}
	wait := time.Duration((1 - b.tokens) / refillPerSec * float64(time.Second))
	return false, 0, now.Add(wait)
}

// Reset forgets all state for key.
func (l *LocalLimiter) Reset(key string) {
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
}

// Sweep drops buckets that have been idle long enough to be full again.
// Callers run this periodically to bound memory.
func (l *LocalLimiter) Sweep() {
	cutoff := time.Now().Add(-2 * l.window)
	l.mu.Lock()
	for k, b := range l.buckets {
		if b.lastFill.Before(cutoff) {
			delete(l.buckets, k)
		}
	}
	l.mu.Unlock()
}
