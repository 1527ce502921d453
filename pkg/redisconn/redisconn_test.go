package redisconn_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/hazlock/pkg/redisconn"
)

func TestNew(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("no address", func(t *testing.T) {
		t.Parallel()

		_, err := redisconn.New(ctx, redisconn.Config{Addrs: []string{" ", ""}})
		require.ErrorIs(t, err, redisconn.ErrNoAddrs)
	})

	t.Run("single node", func(t *testing.T) {
		t.Parallel()

		mr := miniredis.RunT(t)

		client, err := redisconn.New(ctx, redisconn.Config{Addrs: []string{mr.Addr()}})
		require.NoError(t, err)

		t.Cleanup(func() { _ = client.Close() })

		require.NoError(t, client.Set(ctx, "k", "v", 0).Err())
		assert.Equal(t, "v", mustGet(t, mr, "k"))
	})

	t.Run("unreachable", func(t *testing.T) {
		t.Parallel()

		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()

		_, err := redisconn.New(ctx, redisconn.Config{Addrs: []string{addr}})
		require.Error(t, err)
	})
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()

	v, err := mr.Get(key)
	require.NoError(t, err)

	return v
}

func TestIsConnectionError(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "redis nil", err: redis.Nil, want: false},
		{name: "wrapped redis nil", err: fmt.Errorf("get: %w", redis.Nil), want: false},
		{name: "canceled", err: context.Canceled, want: false},
		{name: "refused", err: errors.New("dial tcp 127.0.0.1:6379: connect: connection refused"), want: true},
		{name: "closed client", err: redis.ErrClosed, want: true},
		{name: "script error", err: errors.New("ERR Error running script"), want: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tc.want, redisconn.IsConnectionError(tc.err))
		})
	}
}

func TestCollect(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mr := miniredis.RunT(t)

	client, err := redisconn.New(ctx, redisconn.Config{Addrs: []string{mr.Addr()}})
	require.NoError(t, err)

	t.Cleanup(func() { _ = client.Close() })

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, mr.Set("collect:"+k, k))
	}

	keys, err := redisconn.Collect(ctx, client, func(ctx context.Context, node redis.UniversalClient) ([]string, error) {
		return node.Keys(ctx, "collect:*").Result()
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"collect:a", "collect:b", "collect:c"}, keys)
}
