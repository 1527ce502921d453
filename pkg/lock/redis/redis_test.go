package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/hazlock/pkg/lock"
	"github.com/kalbasit/hazlock/pkg/lock/redis"
	"github.com/kalbasit/hazlock/testhelper"
)

func newLocker(t *testing.T, degraded bool) (*redis.Locker, testhelper.Redis) {
	t.Helper()

	r := testhelper.SetupRedis(t)

	return redis.NewLocker(redis.Config{
		KeyPrefix: r.KeyPrefix,
		Retry: lock.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     50 * time.Millisecond,
		},
		AllowDegradedMode: degraded,
	}, r.Client), r
}

func TestLocker_TryLock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	first, r := newLocker(t, false)

	var _ lock.Locker = first

	second := redis.NewLocker(redis.Config{KeyPrefix: r.KeyPrefix}, r.Client)

	acquired, err := first.TryLock(ctx, "orphan-check:operational", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)

	acquired, err = second.TryLock(ctx, "orphan-check:operational", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired, "another process holds the lock")

	acquired, err = second.TryLock(ctx, "orphan-check:practice", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired, "keys are independent")

	require.NoError(t, first.Unlock(ctx, "orphan-check:operational"))

	acquired, err = second.TryLock(ctx, "orphan-check:operational", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)

	require.NoError(t, second.Unlock(ctx, "orphan-check:operational"))
	require.NoError(t, second.Unlock(ctx, "orphan-check:practice"))
}

func TestLocker_LockRetriesThenFails(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	holder, r := newLocker(t, false)

	contender := redis.NewLocker(redis.Config{
		KeyPrefix: r.KeyPrefix,
		Retry: lock.RetryConfig{
			MaxAttempts:  2,
			InitialDelay: 5 * time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
		},
	}, r.Client)

	require.NoError(t, holder.Lock(ctx, "job", time.Minute))

	err := contender.Lock(ctx, "job", time.Minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")

	require.NoError(t, holder.Unlock(ctx, "job"))
	require.NoError(t, contender.Lock(ctx, "job", time.Minute))
	require.NoError(t, contender.Unlock(ctx, "job"))
}

func TestLocker_UnlockWithoutLock(t *testing.T) {
	t.Parallel()

	locker, _ := newLocker(t, false)

	require.NoError(t, locker.Unlock(context.Background(), "never-locked"))
}

func TestLocker_DegradedMode(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	locker, r := newLocker(t, true)

	if r.Mini == nil {
		t.Skip("needs to stop the Redis server")
	}

	r.Mini.Close()

	// trip the breaker
	for range 10 {
		_, _ = locker.TryLock(ctx, "trip", time.Minute)
	}

	acquired, err := locker.TryLock(ctx, "job", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired, "falls back to the local lock")

	acquired, err = locker.TryLock(ctx, "job", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired)

	require.NoError(t, locker.Unlock(ctx, "job"))
}

func TestLocker_CircuitBreakerOpen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	locker, r := newLocker(t, false)

	if r.Mini == nil {
		t.Skip("needs to stop the Redis server")
	}

	r.Mini.Close()

	var err error

	for range 10 {
		_, err = locker.TryLock(ctx, "job", time.Minute)
	}

	require.ErrorIs(t, err, redis.ErrCircuitBreakerOpen)
}
