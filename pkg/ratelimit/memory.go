package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter keeps windows in process memory. It suits single-process
// deployments and tests.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string][]int64
	now     func() time.Time
}

// NewMemoryLimiter returns an empty limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{buckets: make(map[string][]int64), now: time.Now}
}

// Check implements Limiter.
func (l *MemoryLimiter) Check(_ context.Context, scope, key string, limit, windowSeconds int) (Decision, error) {
	if err := validate(scope, key, limit, windowSeconds); err != nil {
		return Decision{}, err
	}
	bucketKey := bucketName(scope, key)
	nowMs := l.now().UnixMilli()
	windowMs := int64(windowSeconds) * 1000

	l.mu.Lock()
	defer l.mu.Unlock()

	// Entries are appended in time order, so pruning drops a prefix.
	entries := l.buckets[bucketKey]
	keep := 0
	for keep < len(entries) && entries[keep] < nowMs-windowMs {
		keep++
	}
	entries = entries[keep:]

	if len(entries) < limit {
		entries = append(entries, nowMs)
		l.buckets[bucketKey] = entries
		return Decision{Allowed: true, Remaining: limit - len(entries)}, nil
	}
	l.buckets[bucketKey] = entries
	return Decision{RetryAfterSeconds: retryAfter(entries[0], windowMs, nowMs)}, nil
}

// Sweep drops buckets whose newest entry is older than maxWindow.
func (l *MemoryLimiter) Sweep(maxWindow time.Duration) int {
	cutoff := l.now().Add(-maxWindow).UnixMilli()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for k, entries := range l.buckets {
		if len(entries) == 0 || entries[len(entries)-1] < cutoff {
			delete(l.buckets, k)
			removed++
		}
	}
	return removed
}
