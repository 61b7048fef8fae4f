package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryLimiter is a per-key token bucket kept in process memory. The
// bucket holds Limit tokens and refills evenly over the window.
type MemoryLimiter struct {
	rate Rate
	now  func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

// NewMemoryLimiter creates a new MemoryLimiter.
func NewMemoryLimiter(r Rate) *MemoryLimiter {
	return &MemoryLimiter{
		rate:    r,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Allow takes one token from the bucket of key.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (*Result, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweep(now)

	b, ok := l.buckets[key]
	if !ok {
		every := l.rate.Window / time.Duration(l.rate.Limit)
		b = &bucket{limiter: rate.NewLimiter(rate.Every(every), l.rate.Limit)}
		l.buckets[key] = b
	}
	b.lastSeen = now

	res := &Result{Limit: l.rate.Limit}
	reservation := b.limiter.ReserveN(now, 1)
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		res.RetryAfter = delay
	} else {
		res.Allowed = true
	}

	tokens := b.limiter.TokensAt(now)
	if tokens > 0 {
		res.Remaining = int(tokens)
	}
	missing := float64(l.rate.Limit) - tokens
	res.ResetAt = now.Add(time.Duration(missing * float64(l.rate.Window) / float64(l.rate.Limit)))

	return res, nil
}

// sweep drops buckets idle for a whole window; they would be full again.
func (l *MemoryLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.rate.Window {
		return
	}
	l.lastSweep = now
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) >= l.rate.Window {
			delete(l.buckets, key)
		}
	}
}
