package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// RateLimiter enforces a minimum interval between granted broker calls across
// all goroutines. The lock is held across read, sleep and write of the last
// grant time.
type RateLimiter struct {
	mu   sync.Mutex
	last time.Time

	minInterval atomic.Int64 // nanoseconds
	grants      atomic.Int64
	waitNanos   atomic.Int64

	sleep   func(ctx context.Context, d time.Duration) error
	observe func(granted time.Time)
}

// NewRateLimiter creates a limiter with the given minimum interval
func NewRateLimiter(minInterval time.Duration) *RateLimiter {
	rl := &RateLimiter{sleep: sleepContext}
	rl.SetMinInterval(minInterval)
	return rl
}

// Acquire blocks until at least MinInterval has passed since the previous
// grant, then records the new grant time. It only fails when ctx ends while
// waiting, in which case nothing is recorded.
func (rl *RateLimiter) Acquire(ctx context.Context) (time.Duration, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var waited time.Duration
	if !rl.last.IsZero() {
		interval := time.Duration(rl.minInterval.Load())
		if wait := interval - time.Since(rl.last); wait > 0 {
			if err := rl.sleep(ctx, wait); err != nil {
				return 0, err
			}
			waited = wait
		}
	}

	rl.last = time.Now()
	rl.grants.Add(1)
	rl.waitNanos.Add(int64(waited))
	if rl.observe != nil {
		rl.observe(rl.last)
	}

	return waited, nil
}

// SetMinInterval changes the interval for subsequent grants
func (rl *RateLimiter) SetMinInterval(d time.Duration) {
	if d < 0 {
		d = 0
	}
	rl.minInterval.Store(int64(d))
}

// MinInterval returns the current minimum interval
func (rl *RateLimiter) MinInterval() time.Duration {
	return time.Duration(rl.minInterval.Load())
}

// Grants returns how many calls have been granted
func (rl *RateLimiter) Grants() int64 {
	return rl.grants.Load()
}

// TotalWait returns the cumulative time callers spent waiting
func (rl *RateLimiter) TotalWait() time.Duration {
	return time.Duration(rl.waitNanos.Load())
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
