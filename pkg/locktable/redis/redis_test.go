package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/hazlock/pkg/circuitbreaker"
	"github.com/kalbasit/hazlock/pkg/locktable"
	"github.com/kalbasit/hazlock/pkg/locktable/redis"
	"github.com/kalbasit/hazlock/pkg/locktable/tabletest"
	"github.com/kalbasit/hazlock/testhelper"
)

func TestCompliance(t *testing.T) {
	t.Parallel()

	tabletest.Run(t, func(t *testing.T, clock *tabletest.Clock) locktable.Table {
		r := testhelper.SetupRedis(t)

		return redis.New(r.Client, redis.Config{KeyPrefix: r.KeyPrefix, Now: clock.Now})
	})
}

func TestRecordLayout(t *testing.T) {
	t.Parallel()

	r := testhelper.SetupRedis(t)
	if r.Mini == nil {
		t.Skip("inspects miniredis state")
	}

	clock := tabletest.NewClock()
	table := redis.New(r.Client, redis.Config{
		KeyPrefix:   r.KeyPrefix,
		GracePeriod: 10 * time.Minute,
		Now:         clock.Now,
	})

	_, err := table.TryLock(context.Background(), locktable.Practice, "ev-1", "ws1:app:1", time.Minute)
	require.NoError(t, err)

	key := r.KeyPrefix + "practice:ev-1"

	assert.Equal(t, "ws1:app:1", r.Mini.HGet(key, "owner"))
	assert.Equal(t, "60000", r.Mini.HGet(key, "timeout"))
	assert.Equal(t, 11*time.Minute, r.Mini.TTL(key))
}

func TestCircuitBreakerOpensWhenRedisIsDown(t *testing.T) {
	t.Parallel()

	r := testhelper.SetupRedis(t)
	if r.Mini == nil {
		t.Skip("needs to stop the Redis server")
	}

	table := redis.New(r.Client, redis.Config{
		KeyPrefix:      r.KeyPrefix,
		CircuitBreaker: circuitbreaker.New("test", 2, time.Hour),
	})

	ctx := context.Background()

	r.Mini.Close()

	for range 2 {
		res, err := table.TryLock(ctx, locktable.Operational, "ev-1", "ws1:app:1", time.Minute)
		require.ErrorIs(t, err, locktable.ErrStorage)
		assert.Equal(t, locktable.Failed, res.Status)
	}

	_, err := table.List(ctx, locktable.Operational)
	require.ErrorIs(t, err, locktable.ErrStorage)
	require.ErrorIs(t, err, circuitbreaker.ErrOpen)
}
