package gateway

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRateLimiter_FirstGrantImmediate tests that the first call never waits
func TestRateLimiter_FirstGrantImmediate(t *testing.T) {
	rl := NewRateLimiter(time.Second)

	start := time.Now()
	waited, err := rl.Acquire(context.Background())
	require.NoError(t, err)

	assert.Zero(t, waited)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, int64(1), rl.Grants())
}

// TestRateLimiter_ConcurrentSpacing tests that grants across goroutines are at least MinInterval apart
func TestRateLimiter_ConcurrentSpacing(t *testing.T) {
	interval := 20 * time.Millisecond
	rl := NewRateLimiter(interval)

	var mu sync.Mutex
	var grants []time.Time
	rl.observe = func(at time.Time) {
		mu.Lock()
		grants = append(grants, at)
		mu.Unlock()
	}

	const callers = 10
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := rl.Acquire(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Len(t, grants, callers)
	sort.Slice(grants, func(i, j int) bool { return grants[i].Before(grants[j]) })
	for i := 1; i < len(grants); i++ {
		gap := grants[i].Sub(grants[i-1])
		assert.GreaterOrEqual(t, gap, interval, "grant %d too close to previous", i)
	}
	assert.Equal(t, int64(callers), rl.Grants())
	assert.Greater(t, rl.TotalWait(), time.Duration(0))
}

// TestRateLimiter_ContextCancelled tests that a cancelled wait records nothing
func TestRateLimiter_ContextCancelled(t *testing.T) {
	rl := NewRateLimiter(time.Hour)

	_, err := rl.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = rl.Acquire(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(1), rl.Grants())
}

// TestRateLimiter_SetMinInterval tests runtime interval changes
func TestRateLimiter_SetMinInterval(t *testing.T) {
	rl := NewRateLimiter(time.Hour)
	rl.SetMinInterval(0)
	assert.Equal(t, time.Duration(0), rl.MinInterval())

	for i := 0; i < 3; i++ {
		waited, err := rl.Acquire(context.Background())
		require.NoError(t, err)
		assert.Zero(t, waited)
	}

	rl.SetMinInterval(-time.Second)
	assert.Equal(t, time.Duration(0), rl.MinInterval())
}

// TestRateLimiter_UsesInjectedSleep tests that the wait goes through the sleep hook
func TestRateLimiter_UsesInjectedSleep(t *testing.T) {
	rl := NewRateLimiter(time.Hour)
	var slept []time.Duration
	rl.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	_, err := rl.Acquire(context.Background())
	require.NoError(t, err)
	waited, err := rl.Acquire(context.Background())
	require.NoError(t, err)

	require.Len(t, slept, 1)
	assert.Equal(t, slept[0], waited)
	assert.Greater(t, waited, 59*time.Minute)
}
