package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/payrail/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client), mr
}

func lockers(t *testing.T) map[string]Locker {
	redisLocker, _ := newRedisLocker(t)
	return map[string]Locker{
		"redis":  redisLocker,
		"memory": NewMemoryLocker(clock.NewFakeClock(time.Now())),
	}
}

func TestLocker_Exclusivity(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var winners int32
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					token, ok, err := l.Acquire(ctx, "charge:TX-1", time.Minute)
					if err == nil && ok && token != "" {
						atomic.AddInt32(&winners, 1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), winners)
		})
	}
}

func TestLocker_ReleaseRequiresOwnerToken(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			token, ok, err := l.Acquire(ctx, "billing:run", time.Minute)
			require.NoError(t, err)
			require.True(t, ok)

			released, err := l.Release(ctx, "billing:run", "someone-else")
			require.NoError(t, err)
			assert.False(t, released)

			_, ok, err = l.Acquire(ctx, "billing:run", time.Minute)
			require.NoError(t, err)
			assert.False(t, ok, "foreign release must not free the lock")

			released, err = l.Release(ctx, "billing:run", token)
			require.NoError(t, err)
			assert.True(t, released)

			_, ok, err = l.Acquire(ctx, "billing:run", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestLocker_ExtendRequiresOwnerToken(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			token, ok, err := l.Acquire(ctx, "dispute:dp_1", time.Second)
			require.NoError(t, err)
			require.True(t, ok)

			extended, err := l.Extend(ctx, "dispute:dp_1", "other", time.Minute)
			require.NoError(t, err)
			assert.False(t, extended)

			extended, err = l.Extend(ctx, "dispute:dp_1", token, time.Minute)
			require.NoError(t, err)
			assert.True(t, extended)
		})
	}
}

func TestRedisLocker_ExpiryFreesKey(t *testing.T) {
	l, mr := newRedisLocker(t)
	ctx := context.Background()

	token, ok, err := l.Acquire(ctx, "charge:TX-2", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(6 * time.Second)

	second, ok, err := l.Acquire(ctx, "charge:TX-2", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	released, err := l.Release(ctx, "charge:TX-2", token)
	require.NoError(t, err)
	assert.False(t, released, "stale token must not release the new holder")

	released, err = l.Release(ctx, "charge:TX-2", second)
	require.NoError(t, err)
	assert.True(t, released)
}

func TestMemoryLocker_ExpiryAndSweep(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	l := NewMemoryLocker(clk)
	ctx := context.Background()

	token, ok, err := l.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	clk.Advance(2 * time.Second)
	extended, err := l.Extend(ctx, "k", token, time.Minute)
	require.NoError(t, err)
	assert.False(t, extended, "expired lock cannot be extended")
	assert.Equal(t, 1, l.Sweep())

	_, ok, err = l.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWithLock(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker(clock.NewFakeClock(time.Now()))

	t.Run("runs fn and releases afterwards", func(t *testing.T) {
		errBoom := errors.New("boom")
		err := WithLock(ctx, l, "a", time.Minute, func(context.Context) error { return errBoom })
		require.ErrorIs(t, err, errBoom)

		_, ok, err := l.Acquire(ctx, "a", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "lock must be released even when fn fails")
	})

	t.Run("contended key skips fn", func(t *testing.T) {
		_, ok, err := l.Acquire(ctx, "b", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		called := false
		err = WithLock(ctx, l, "b", time.Minute, func(context.Context) error {
			called = true
			return nil
		})
		require.ErrorIs(t, err, ErrNotAcquired)
		assert.False(t, called)
	})
}

func TestWithLockRetry(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker(clock.NewFakeClock(time.Now()))

	token, ok, err := l.Acquire(ctx, "payment:paystack:TX-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	err = WithLockRetry(ctx, l, "payment:paystack:TX-1", time.Minute, 2, time.Millisecond, func(context.Context) error {
		return nil
	})
	require.ErrorIs(t, err, ErrNotAcquired)
	assert.Contains(t, err.Error(), "payment:paystack:TX-1")

	go func() {
		time.Sleep(5 * time.Millisecond)
		_, _ = l.Release(ctx, "payment:paystack:TX-1", token)
	}()
	called := false
	err = WithLockRetry(ctx, l, "payment:paystack:TX-1", time.Minute, 200, time.Millisecond, func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestWithLock_BackendDown(t *testing.T) {
	l, mr := newRedisLocker(t)
	mr.Close()
	ctx := context.Background()

	called := false
	err := WithLock(ctx, l, "charge:TX-9", time.Second, func(context.Context) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, ErrLockUnavailable)
	assert.False(t, called, "financial paths fail closed")

	err = BestEffort(ctx, l, "sweep", time.Second, func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called, "best effort paths fail open")
}

func TestAcquireWithRetry(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFakeClock(time.Now())
	l := NewMemoryLocker(clk)

	token, ok, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = AcquireWithRetry(ctx, l, "k", time.Minute, 2, time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)

	go func() {
		time.Sleep(5 * time.Millisecond)
		_, _ = l.Release(ctx, "k", token)
	}()
	_, ok, err = AcquireWithRetry(ctx, l, "k", time.Minute, 200, time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestValidate(t *testing.T) {
	l := NewMemoryLocker(nil)
	_, _, err := l.Acquire(context.Background(), "", time.Second)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, _, err = l.Acquire(context.Background(), "k", 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
