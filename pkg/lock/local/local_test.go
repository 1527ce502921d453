package local_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/hazlock/pkg/lock"
	"github.com/kalbasit/hazlock/pkg/lock/local"
)

const (
	operationalSweep = "orphan-check:operational"
	practiceSweep    = "orphan-check:practice"
)

func TestLockerImplementsLocker(t *testing.T) {
	t.Parallel()

	var _ lock.Locker = local.NewLocker()
}

func TestUnlockOfAKeyNotHeld(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	locker := local.NewLocker()

	require.ErrorIs(t, locker.Unlock(ctx, operationalSweep), local.ErrUnlockUnknownKey)

	require.NoError(t, locker.Lock(ctx, operationalSweep, time.Second))
	require.NoError(t, locker.Unlock(ctx, operationalSweep))

	require.ErrorIs(t, locker.Unlock(ctx, operationalSweep), local.ErrUnlockUnknownKey, "a second unlock")
}

func TestTryLockSkipsAHeldSweep(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	locker := local.NewLocker()

	steps := []struct {
		do   func() (bool, error)
		want bool
		why  string
	}{
		{func() (bool, error) { return locker.TryLock(ctx, operationalSweep, time.Minute) }, true, "free"},
		{func() (bool, error) { return locker.TryLock(ctx, operationalSweep, time.Minute) }, false, "held"},
		{func() (bool, error) { return locker.TryLock(ctx, practiceSweep, time.Minute) }, true, "other namespace"},
		{func() (bool, error) { return true, locker.Unlock(ctx, operationalSweep) }, true, "release"},
		{func() (bool, error) { return locker.TryLock(ctx, operationalSweep, time.Minute) }, true, "released"},
	}

	for _, step := range steps {
		got, err := step.do()
		require.NoError(t, err, step.why)
		assert.Equal(t, step.want, got, step.why)
	}
}

func TestOnlyOneSweepRunsAtATime(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	locker := local.NewLocker()

	var (
		running, maxRunning, sweeps int32
		wg                          sync.WaitGroup
	)

	for range 8 {
		wg.Go(func() {
			for range 50 {
				if !assert.NoError(t, locker.Lock(ctx, operationalSweep, time.Minute)) {
					return
				}

				n := atomic.AddInt32(&running, 1)
				for {
					m := atomic.LoadInt32(&maxRunning)
					if n <= m || atomic.CompareAndSwapInt32(&maxRunning, m, n) {
						break
					}
				}

				atomic.AddInt32(&sweeps, 1)
				time.Sleep(time.Microsecond)
				atomic.AddInt32(&running, -1)

				assert.NoError(t, locker.Unlock(ctx, operationalSweep))
			}
		})
	}

	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxRunning))
	assert.Equal(t, int32(400), atomic.LoadInt32(&sweeps))

	acquired, err := locker.TryLock(ctx, operationalSweep, time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired, "nothing is left holding the key")
}
