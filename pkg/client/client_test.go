package client_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/hazlock/pkg/client"
	"github.com/kalbasit/hazlock/pkg/coordinator"
	"github.com/kalbasit/hazlock/pkg/lockchange"
	"github.com/kalbasit/hazlock/pkg/locktable/local"
	"github.com/kalbasit/hazlock/pkg/registry"
	"github.com/kalbasit/hazlock/pkg/server"
)

const (
	alpha = "alpha:hazards:1"
	beta  = "beta:hazards:1"
)

type notifierFunc func(context.Context, lockchange.Message) error

func (f notifierFunc) Broadcast(ctx context.Context, msg lockchange.Message) error { return f(ctx, msg) }

func newClient(t *testing.T, notifier coordinator.Notifier) (*client.Client, *registry.Memory) {
	t.Helper()

	presence := registry.NewMemory()
	ts := httptest.NewServer(server.New(coordinator.New(local.New(), presence, notifier), presence))
	t.Cleanup(ts.Close)

	c, err := client.New(ts.URL, client.WithHTTPClient(ts.Client()))
	require.NoError(t, err)

	return c, presence
}

func newContext() context.Context {
	return zerolog.New(io.Discard).WithContext(context.Background())
}

func TestNew(t *testing.T) {
	t.Parallel()

	_, err := client.New("ftp://example.com")
	require.ErrorIs(t, err, client.ErrBadRequest)

	_, err = client.New("http://example.com:8080/prefix")
	require.NoError(t, err)
}

func TestClient_LockUnlock(t *testing.T) {
	t.Parallel()

	ctx := newContext()
	c, _ := newClient(t, nil)

	var _ server.RequestHandler = c

	resp, err := c.Lock(ctx, alpha, false, "E1", "E2")
	require.NoError(t, err)
	assert.True(t, resp.Success)

	resp, err = c.Lock(ctx, beta, false, "E2")
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Message, alpha)

	resp, err = c.Handle(ctx, coordinator.Request{
		Type:     coordinator.RequestStatus,
		Identity: beta,
		EventIDs: []string{"E1", "E3"},
	})
	require.NoError(t, err)
	assert.Equal(t, coordinator.StatusLockedByOther, resp.LockInfo["E1"].Status)
	assert.Equal(t, coordinator.StatusLockable, resp.LockInfo["E3"].Status)

	resp, err = c.Unlock(ctx, alpha, false, "E1", "E2")
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, []string{"E1", "E2"}, resp.Payload)
}

func TestClient_Errors(t *testing.T) {
	t.Parallel()

	t.Run("communication", func(t *testing.T) {
		t.Parallel()

		c, _ := newClient(t, notifierFunc(func(context.Context, lockchange.Message) error {
			return errors.New("broker down")
		}))

		resp, err := c.Lock(newContext(), alpha, false, "E1")
		require.ErrorIs(t, err, coordinator.ErrCommunication)
		assert.True(t, resp.Success)
	})

	t.Run("bad request", func(t *testing.T) {
		t.Parallel()

		c, _ := newClient(t, nil)

		_, err := c.Handle(newContext(), coordinator.Request{Type: "STEAL", Identity: alpha})
		require.ErrorIs(t, err, client.ErrBadRequest)

		require.ErrorIs(t, c.Heartbeat(newContext(), "malformed"), client.ErrBadRequest)
	})

	t.Run("unreachable server", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.NotFoundHandler())
		url := ts.URL
		ts.Close()

		c, err := client.New(url)
		require.NoError(t, err)

		_, err = c.Connections(newContext())
		require.ErrorIs(t, err, coordinator.ErrCommunication)
	})
}

func TestClient_Presence(t *testing.T) {
	t.Parallel()

	ctx := newContext()
	c, presence := newClient(t, nil)

	var _ registry.Presence = c

	require.NoError(t, c.Heartbeat(ctx, alpha))
	require.NoError(t, c.Heartbeat(ctx, beta))

	connections, err := c.Connections(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{alpha, beta}, registry.Sorted(connections))

	require.NoError(t, c.Deregister(ctx, beta))

	connections, err = presence.Connections(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{alpha}, registry.Sorted(connections))
}

func TestClient_KeepAlive(t *testing.T) {
	t.Parallel()

	c, presence := newClient(t, nil)

	ctx, cancel := context.WithCancel(newContext())

	done := make(chan error, 1)

	go func() { done <- c.KeepAlive(ctx, alpha, 10*time.Millisecond) }()

	require.Eventually(t, func() bool {
		connections, err := presence.Connections(context.Background())

		return err == nil && len(connections) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("KeepAlive did not return")
	}

	connections, err := presence.Connections(context.Background())
	require.NoError(t, err)
	assert.Empty(t, connections, "deregistered on exit")
}
