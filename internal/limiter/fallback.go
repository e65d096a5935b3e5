package limiter

import (
	"sync"
	"time"
)

// localLimiter is the in-memory fallback used while the shared store is
// unreachable. One token bucket per (user,room) key, refilled continuously at
// limit/window. Not distributed-consistent: each process enforces its own
// view of the limit.
type localLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   int
	window  time.Duration
}

type bucket struct {
	tokens    float64
	capacity  float64
	rate      float64
	lastCheck time.Time
}

const maxFallbackBuckets = 16384

func newLocalLimiter(limit int, window time.Duration) *localLimiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &localLimiter{
		buckets: make(map[string]*bucket),
		limit:   limit,
		window:  window,
	}
}

func (l *localLimiter) allow(userID, roomID string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := userID + ":" + roomID
	b, ok := l.buckets[k]
	if !ok {
		// Crude cap on fallback memory: reset the map rather than grow
		// without bound during a long store outage.
		if len(l.buckets) >= maxFallbackBuckets {
			l.buckets = make(map[string]*bucket)
		}
		b = &bucket{
			tokens:    float64(l.limit),
			capacity:  float64(l.limit),
			rate:      float64(l.limit) / l.window.Seconds(),
			lastCheck: time.Now(),
		}
		l.buckets[k] = b
	}

	now := time.Now()
	elapsed := now.Sub(b.lastCheck).Seconds()
	b.lastCheck = now
	if elapsed > 0 {
		b.tokens += elapsed * b.rate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
	}

	resetAt := now.Add(l.window)
	if b.tokens < 1 {
		return Result{Allowed: false, Remaining: 0, ResetAt: resetAt}
	}
	b.tokens--
	return Result{Allowed: true, Remaining: int(b.tokens), ResetAt: resetAt}
}
