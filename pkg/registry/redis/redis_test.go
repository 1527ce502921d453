package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/hazlock/pkg/registry"
	"github.com/kalbasit/hazlock/pkg/registry/redis"
	"github.com/kalbasit/hazlock/testhelper"
)

func TestRegistry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := testhelper.SetupRedis(t)

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	reg := redis.New(r.Client, redis.Config{
		Key: r.KeyPrefix + "connections",
		TTL: time.Minute,
		Now: func() time.Time { return now },
	})

	var _ registry.Presence = reg

	require.NoError(t, reg.Heartbeat(ctx, "ws1:app:1"))
	require.NoError(t, reg.Heartbeat(ctx, "ws2:app:1"))

	conns, err := reg.Connections(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ws1:app:1", "ws2:app:1"}, registry.Sorted(conns))

	now = now.Add(45 * time.Second)
	require.NoError(t, reg.Heartbeat(ctx, "ws2:app:1"))

	now = now.Add(30 * time.Second)

	conns, err = reg.Connections(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ws2:app:1"}, registry.Sorted(conns))

	if r.Mini != nil {
		members, err := r.Mini.ZMembers(r.KeyPrefix + "connections")
		require.NoError(t, err)
		assert.Equal(t, []string{"ws2:app:1"}, members, "stale members are trimmed")
	}

	require.NoError(t, reg.Deregister(ctx, "ws2:app:1"))

	conns, err = reg.Connections(ctx)
	require.NoError(t, err)
	assert.Empty(t, conns)
}

func TestRegistryUnavailable(t *testing.T) {
	t.Parallel()

	r := testhelper.SetupRedis(t)
	if r.Mini == nil {
		t.Skip("needs to stop the Redis server")
	}

	reg := redis.New(r.Client, redis.Config{Key: r.KeyPrefix + "connections"})

	r.Mini.Close()

	_, err := reg.Connections(context.Background())
	require.Error(t, err)
}
