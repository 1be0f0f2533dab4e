package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	obsmetrics "github.com/smallbiznis/payrail/internal/observability/metrics"
)

var (
	// ErrNotAcquired means another holder owns the key. It is a signal, not a failure.
	ErrNotAcquired = errors.New("lock_not_acquired")
	// ErrLockUnavailable wraps backend failures (connectivity, timeouts).
	ErrLockUnavailable = errors.New("lock_backend_unavailable")
	ErrInvalidArgument = errors.New("lock_invalid_argument")
)

// Locker is a distributed mutual exclusion service with ownership tokens.
// Release and Extend only succeed for the token returned by Acquire.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) (bool, error)
	Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
}

const releaseTimeout = 2 * time.Second

// WithLock runs fn while holding key. It returns ErrNotAcquired when the key
// is held elsewhere and ErrLockUnavailable when the backend fails; fn is not
// run in either case. The lock is released after fn regardless of its result.
func WithLock(ctx context.Context, l Locker, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	return WithLockRetry(ctx, l, key, ttl, 0, 0, fn)
}

// WithLockRetry is WithLock that waits out short contention through
// AcquireWithRetry before reporting ErrNotAcquired.
func WithLockRetry(ctx context.Context, l Locker, key string, ttl time.Duration, maxRetries int, delay time.Duration, fn func(ctx context.Context) error) error {
	token, ok, err := AcquireWithRetry(ctx, l, key, ttl, maxRetries, delay)
	if err != nil {
		obsmetrics.Pipeline().IncLockAcquire(obsmetrics.LockResultError)
		return fmt.Errorf("%w: %s: %v", ErrLockUnavailable, key, err)
	}
	if !ok {
		obsmetrics.Pipeline().IncLockAcquire(obsmetrics.LockResultContended)
		return fmt.Errorf("%w: %s", ErrNotAcquired, key)
	}
	obsmetrics.Pipeline().IncLockAcquire(obsmetrics.LockResultAcquired)

	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		_, _ = l.Release(releaseCtx, key, token)
	}()
	return fn(ctx)
}

// BestEffort is WithLock for non-critical paths: a backend failure runs fn unlocked.
func BestEffort(ctx context.Context, l Locker, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	err := WithLock(ctx, l, key, ttl, fn)
	if errors.Is(err, ErrLockUnavailable) {
		return fn(ctx)
	}
	return err
}

// AcquireWithRetry retries a contended key up to maxRetries times, sleeping
// delay between attempts. Backend errors are returned immediately.
func AcquireWithRetry(ctx context.Context, l Locker, key string, ttl time.Duration, maxRetries int, delay time.Duration) (string, bool, error) {
	if maxRetries < 0 {
		maxRetries = 0
	}
	for attempt := 0; ; attempt++ {
		token, ok, err := l.Acquire(ctx, key, ttl)
		if err != nil || ok {
			return token, ok, err
		}
		if attempt >= maxRetries {
			return "", false, nil
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", false, ctx.Err()
		case <-timer.C:
		}
	}
}

func validate(key string, ttl time.Duration) error {
	if key == "" {
		return fmt.Errorf("%w: key is empty", ErrInvalidArgument)
	}
	if ttl <= 0 {
		return fmt.Errorf("%w: ttl must be positive", ErrInvalidArgument)
	}
	return nil
}
