package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/hazlock/pkg/registry"
)

func TestStatic(t *testing.T) {
	t.Parallel()

	s := registry.NewStatic("a:b:c", "d:e:f")

	conns, err := s.Connections(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a:b:c", "d:e:f"}, registry.Sorted(conns))

	delete(conns, "a:b:c")

	conns, err = s.Connections(context.Background())
	require.NoError(t, err)
	assert.Len(t, conns, 2, "callers get a copy")
}

func TestMemory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	m := registry.NewMemory(
		registry.WithTTL(time.Minute),
		registry.WithClock(func() time.Time { return now }),
	)

	require.NoError(t, m.Heartbeat(ctx, "ws1:app:1"))
	require.NoError(t, m.Heartbeat(ctx, "ws2:app:1"))

	conns, err := m.Connections(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ws1:app:1", "ws2:app:1"}, registry.Sorted(conns))

	now = now.Add(45 * time.Second)
	require.NoError(t, m.Heartbeat(ctx, "ws2:app:1"))

	now = now.Add(30 * time.Second)

	conns, err = m.Connections(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ws2:app:1"}, registry.Sorted(conns), "ws1 missed its heartbeat")

	require.NoError(t, m.Deregister(ctx, "ws2:app:1"))

	conns, err = m.Connections(ctx)
	require.NoError(t, err)
	assert.Empty(t, conns)
}
