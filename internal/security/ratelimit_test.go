package security

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/livegate/internal/config"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testLimits() config.RateLimitsConfig {
	return config.RateLimitsConfig{
		Connection: config.Quota{MaxPoints: 50, Window: time.Minute},
		Message:    config.Quota{MaxPoints: 3, Window: 10 * time.Second},
		Event:      config.Quota{MaxPoints: 5, Window: time.Second},
	}
}

func TestRateLimiterFixedWindow(t *testing.T) {
	ctx := context.Background()
	clock := NewFakeClock(epoch)
	rl := NewRateLimiter(NewMemoryStore(clock), testLimits())

	for i := 1; i <= 50; i++ {
		res, err := rl.Consume(ctx, ScopeConnection, "203.0.113.7")
		require.NoError(t, err)
		require.True(t, res.Allowed, "attempt %d", i)
		assert.Equal(t, 50-i, res.Remaining)
	}

	res, err := rl.Consume(ctx, ScopeConnection, "203.0.113.7")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 51, res.Count, "rejected attempts are still counted")
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, epoch.Add(time.Minute), res.ResetAt)

	// Another address has its own window.
	res, err = rl.Consume(ctx, ScopeConnection, "203.0.113.8")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	clock.Advance(59 * time.Second)
	res, _ = rl.Consume(ctx, ScopeConnection, "203.0.113.7")
	assert.False(t, res.Allowed)

	clock.Advance(time.Second)
	res, _ = rl.Consume(ctx, ScopeConnection, "203.0.113.7")
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, res.Count, "a new window starts at one")
}

func TestRateLimiterScopesAreIndependent(t *testing.T) {
	ctx := context.Background()
	rl := NewRateLimiter(NewMemoryStore(NewFakeClock(epoch)), testLimits())

	for i := 0; i < 3; i++ {
		res, _ := rl.Consume(ctx, ScopeMessage, "user:1")
		assert.True(t, res.Allowed)
	}
	res, _ := rl.Consume(ctx, ScopeMessage, "user:1")
	assert.False(t, res.Allowed)

	res, _ = rl.Consume(ctx, ScopeEvent, "user:1")
	assert.True(t, res.Allowed)

	_, err := rl.Consume(ctx, Scope("bogus"), "user:1")
	assert.Error(t, err)
}

func TestRateLimiterReleaseAndSweep(t *testing.T) {
	ctx := context.Background()
	clock := NewFakeClock(epoch)
	store := NewMemoryStore(clock)
	rl := NewRateLimiter(store, testLimits())

	for i := 0; i < 6; i++ {
		_, _ = rl.Consume(ctx, ScopeEvent, "conn-1")
	}
	require.NoError(t, rl.Release(ctx, ScopeEvent, "conn-1"))
	res, _ := rl.Consume(ctx, ScopeEvent, "conn-1")
	assert.True(t, res.Allowed)

	_, _ = rl.Consume(ctx, ScopeConnection, "a")
	assert.Equal(t, 2, store.Len())

	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, rl.Sweep(), "only the event window has expired")
	assert.Equal(t, 1, store.Len())
}

func TestRateLimiterSetLimits(t *testing.T) {
	ctx := context.Background()
	rl := NewRateLimiter(NewMemoryStore(NewFakeClock(epoch)), testLimits())

	limits := testLimits()
	limits.Event.MaxPoints = 1
	rl.SetLimits(limits)

	res, _ := rl.Consume(ctx, ScopeEvent, "k")
	assert.True(t, res.Allowed)
	res, _ = rl.Consume(ctx, ScopeEvent, "k")
	assert.False(t, res.Allowed)
	assert.Equal(t, 1, res.Limit)
}

func TestMemoryStoreConcurrentIncrements(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(NewFakeClock(epoch))

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = store.Increment(ctx, "shared", time.Minute)
		}()
	}
	wg.Wait()

	count, _, err := store.Increment(ctx, "shared", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 101, count)
}

type failingStore struct{}

func (failingStore) Increment(context.Context, string, time.Duration) (int, time.Time, error) {
	return 0, time.Time{}, assert.AnError
}

func (failingStore) Forget(context.Context, string) error { return assert.AnError }

func TestRateLimiterStoreErrorPropagates(t *testing.T) {
	rl := NewRateLimiter(failingStore{}, testLimits())
	res, err := rl.Consume(context.Background(), ScopeEvent, "k")
	assert.Error(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, rl.Sweep())
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("LIVEGATE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("LIVEGATE_TEST_REDIS_ADDR not set")
	}

	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err())

	prefix := "livegate:test:" + t.Name() + ":"
	store := NewRedisStore(client, prefix, nil)
	rl := NewRateLimiter(store, testLimits())
	t.Cleanup(func() { _ = rl.Release(ctx, ScopeMessage, "u") })

	for i := 1; i <= 3; i++ {
		res, err := rl.Consume(ctx, ScopeMessage, "u")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, i, res.Count)
	}
	res, err := rl.Consume(ctx, ScopeMessage, "u")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.WithinDuration(t, time.Now().Add(10*time.Second), res.ResetAt, 2*time.Second)

	require.NoError(t, rl.Release(ctx, ScopeMessage, "u"))
	res, err = rl.Consume(ctx, ScopeMessage, "u")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)
}
