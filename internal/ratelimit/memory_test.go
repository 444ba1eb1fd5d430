package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMemoryFixedWindow(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	limiter := NewMemory(WithClock(clock.Now))
	window := time.Second

	for i := 1; i <= 3; i++ {
		d := limiter.Check("/api/wallet/create:1.2.3.4", 3, window)
		require.True(t, d.Allowed, "call %d", i)
		assert.Equal(t, i, d.Count)
		clock.Advance(100 * time.Millisecond)
	}

	denied := limiter.Check("/api/wallet/create:1.2.3.4", 3, window)
	require.False(t, denied.Allowed)
	assert.LessOrEqual(t, denied.RetryAfterSeconds(), 1)
	assert.Equal(t, 700*time.Millisecond, denied.RetryAfter)

	clock.Advance(window)
	reset := limiter.Check("/api/wallet/create:1.2.3.4", 3, window)
	require.True(t, reset.Allowed)
	assert.Equal(t, 1, reset.Count)
}

func TestMemoryKeysAreIndependent(t *testing.T) {
	t.Parallel()

	limiter := NewMemory(WithClock(newFakeClock().Now))
	require.True(t, limiter.Check("a", 1, time.Minute).Allowed)
	require.False(t, limiter.Check("a", 1, time.Minute).Allowed)
	require.True(t, limiter.Check("b", 1, time.Minute).Allowed)
}

func TestMemoryExpiryIsLazy(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	limiter := NewMemory(WithClock(clock.Now))
	require.True(t, limiter.Check("k", 1, time.Second).Allowed)
	require.False(t, limiter.Check("k", 1, time.Second).Allowed)

	// 边界时刻仍属于当前窗口。
	clock.Advance(time.Second)
	require.False(t, limiter.Check("k", 1, time.Second).Allowed)

	clock.Advance(time.Nanosecond)
	assert.Equal(t, 1, limiter.Len(), "no sweep has run")
	require.True(t, limiter.Check("k", 1, time.Second).Allowed)
}

func TestMemorySweepRemovesOnlyExpired(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	limiter := NewMemory(WithClock(clock.Now))
	limiter.Check("short", 5, time.Second)
	limiter.Check("long", 5, time.Hour)

	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, limiter.Sweep())
	assert.Equal(t, 1, limiter.Len())

	d := limiter.Check("long", 5, time.Hour)
	assert.Equal(t, 2, d.Count)
}

func TestMemoryRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	limiter := NewMemory(WithClock(clock.Now))
	limiter.Check("k", 1, time.Millisecond)
	clock.Advance(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		limiter.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return limiter.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestMemoryConcurrentAccess(t *testing.T) {
	t.Parallel()

	limiter := NewMemory(WithClock(newFakeClock().Now))
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := limiter.Allow(context.Background(), "shared", 10, time.Minute)
			assert.NoError(t, err)
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, allowed)
}

func TestDecisionRetryAfterSeconds(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, Decision{Allowed: true}.RetryAfterSeconds())
	assert.Equal(t, 1, Decision{RetryAfter: 0}.RetryAfterSeconds())
	assert.Equal(t, 2, Decision{RetryAfter: 1001 * time.Millisecond}.RetryAfterSeconds())
	assert.Equal(t, 60, Decision{RetryAfter: time.Minute}.RetryAfterSeconds())
}
