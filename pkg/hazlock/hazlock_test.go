package hazlock_test

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"

	broadcastredis "github.com/kalbasit/hazlock/pkg/broadcast/redis"
	localtable "github.com/kalbasit/hazlock/pkg/locktable/local"
	redistable "github.com/kalbasit/hazlock/pkg/locktable/redis"

	"github.com/kalbasit/hazlock/pkg/client"
	"github.com/kalbasit/hazlock/pkg/coordinator"
	"github.com/kalbasit/hazlock/pkg/database"
	"github.com/kalbasit/hazlock/pkg/hazlock"
	"github.com/kalbasit/hazlock/pkg/lockchange"
	"github.com/kalbasit/hazlock/pkg/locktable"
	"github.com/kalbasit/hazlock/pkg/locktable/sqltable"
	"github.com/kalbasit/hazlock/pkg/registry"
	"github.com/kalbasit/hazlock/pkg/server"
	"github.com/kalbasit/hazlock/testhelper"
)

const (
	alpha = "alpha:hazards:1"
	beta  = "beta:hazards:1"
)

// syncBuffer is written by the command while the test reads it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.String()
}

func newContext() context.Context {
	return zerolog.New(io.Discard).WithContext(context.Background())
}

func newApp(t *testing.T, out io.Writer) *cli.Command {
	t.Helper()

	app, err := hazlock.New()
	require.NoError(t, err)

	app.Writer = out

	return app
}

func run(ctx context.Context, t *testing.T, out io.Writer, args ...string) error {
	t.Helper()

	return newApp(t, out).Run(ctx, withRootArgs(args...))
}

func withRootArgs(args ...string) []string {
	return append([]string{"hazlock", "--log-level", "error"}, args...)
}

func redisAddr(r testhelper.Redis) string {
	if r.Mini != nil {
		return r.Mini.Addr()
	}

	return os.Getenv(testhelper.RedisAddrsEnv)
}

func TestNew(t *testing.T) {
	t.Parallel()

	app, err := hazlock.New()
	require.NoError(t, err)

	names := make([]string, 0, len(app.Commands))
	for _, cmd := range app.Commands {
		names = append(names, cmd.Name)
	}

	assert.Equal(t, []string{"serve", "orphan-check", "watch"}, names)
}

func TestRejectsInvalidLogLevel(t *testing.T) {
	t.Parallel()

	app, err := hazlock.New()
	require.NoError(t, err)

	app.Writer = io.Discard
	app.ErrWriter = io.Discard

	require.Error(t, app.Run(newContext(), []string{"hazlock", "--log-level", "chatty", "orphan-check"}))
}

func TestOrphanCheck(t *testing.T) {
	t.Parallel()

	t.Run("through a running coordinator", func(t *testing.T) {
		t.Parallel()

		ctx := newContext()
		presence := registry.NewMemory()
		ts := httptest.NewServer(server.New(coordinator.New(localtable.New(), presence, nil), presence))
		t.Cleanup(ts.Close)

		c, err := client.New(ts.URL)
		require.NoError(t, err)

		require.NoError(t, c.Heartbeat(ctx, alpha))

		_, err = c.Lock(ctx, alpha, false, "E1")
		require.NoError(t, err)

		_, err = c.Lock(ctx, beta, false, "E2")
		require.NoError(t, err)

		var out bytes.Buffer

		require.NoError(t, run(ctx, t, &out, "orphan-check", "--server-url", ts.URL))
		assert.Equal(t, "Deleted 1 orphaned locks\nE2\n", out.String())

		out.Reset()

		require.NoError(t, run(ctx, t, &out, "orphan-check", "--server-url", ts.URL, "--practice"))
		assert.Equal(t, "Deleted 0 orphaned locks\n", out.String())
	})

	t.Run("directly on the database", func(t *testing.T) {
		t.Parallel()

		ctx := newContext()
		dbURL := "sqlite:" + filepath.Join(t.TempDir(), "hazlock.sqlite")

		db, err := database.Open(dbURL, nil)
		require.NoError(t, err)

		t.Cleanup(func() { _ = db.Close() })

		table, err := sqltable.New(ctx, db)
		require.NoError(t, err)

		_, err = table.TryLock(ctx, locktable.Operational, "E1", beta, time.Hour)
		require.NoError(t, err)

		var out bytes.Buffer

		require.NoError(t, run(ctx, t, &out,
			"orphan-check",
			"--lock-table-backend", "database",
			"--database-url", dbURL,
		))
		assert.Equal(t, "Deleted 1 orphaned locks\nE1\n", out.String())

		records, err := table.List(ctx, locktable.Operational)
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("directly on redis", func(t *testing.T) {
		t.Parallel()

		ctx := newContext()
		r := testhelper.SetupRedis(t)

		table := redistable.New(r.Client, redistable.Config{KeyPrefix: r.KeyPrefix + "locktable:"})

		_, err := table.TryLock(ctx, locktable.Practice, "E7", beta, time.Hour)
		require.NoError(t, err)

		var out bytes.Buffer

		require.NoError(t, run(ctx, t, &out,
			"orphan-check",
			"--practice",
			"--lock-table-backend", "redis",
			"--registry-backend", "redis",
			"--broadcast-backend", "redis",
			"--redis-addrs", redisAddr(r),
			"--redis-key-prefix", r.KeyPrefix,
		))
		assert.Equal(t, "Deleted 1 orphaned locks\nE7\n", out.String())
	})

	t.Run("configuration errors", func(t *testing.T) {
		t.Parallel()

		tests := []struct {
			name string
			args []string
			err  error
		}{
			{
				"unknown lock table",
				[]string{"--lock-table-backend", "etcd"},
				hazlock.ErrUnknownBackend,
			},
			{
				"unknown broadcast",
				[]string{"--broadcast-backend", "carrier-pigeon"},
				hazlock.ErrUnknownBackend,
			},
			{
				"redis without addresses",
				[]string{"--lock-table-backend", "redis"},
				hazlock.ErrRedisAddrsRequired,
			},
			{
				"database without url",
				[]string{"--lock-table-backend", "database"},
				hazlock.ErrDatabaseURLRequired,
			},
			{
				"nats without url",
				[]string{"--broadcast-backend", "nats"},
				hazlock.ErrNATSURLRequired,
			},
		}

		for _, test := range tests {
			t.Run(test.name, func(t *testing.T) {
				t.Parallel()

				err := run(newContext(), t, io.Discard, append([]string{"orphan-check"}, test.args...)...)
				require.ErrorIs(t, err, test.err)
			})
		}
	})
}

func TestWatch(t *testing.T) {
	t.Parallel()

	r := testhelper.SetupRedis(t)

	presence := registry.NewMemory()
	ts := httptest.NewServer(server.New(coordinator.New(localtable.New(), presence, nil), presence))
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithCancel(newContext())
	t.Cleanup(cancel)

	var out syncBuffer

	app := newApp(t, &out)

	done := make(chan error, 1)

	go func() {
		done <- app.Run(ctx, withRootArgs(
			"watch",
			"--server-url", ts.URL,
			"--identity", alpha,
			"--heartbeat-interval", "10ms",
			"--broadcast-backend", "redis",
			"--redis-addrs", redisAddr(r),
			"--redis-key-prefix", r.KeyPrefix,
		))
	}()

	broadcaster := lockchange.NewBroadcaster(broadcastredis.New(r.Client, broadcastredis.Config{ChannelPrefix: r.KeyPrefix}))

	// The subscription may not be active yet, so keep announcing until the
	// watcher prints the change.
	require.Eventually(t, func() bool {
		err := broadcaster.Broadcast(context.Background(), lockchange.Message{
			Operation:  lockchange.OperationLock,
			EventIDs:   []string{"E1", "E2"},
			Originator: beta,
		})

		return err == nil && strings.Contains(out.String(), "LOCK operational E1,E2 by "+beta)
	}, 5*time.Second, 20*time.Millisecond)

	connections, err := presence.Connections(context.Background())
	require.NoError(t, err)
	assert.Contains(t, connections, alpha, "watch keeps the identity connected")

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not return")
	}

	connections, err = presence.Connections(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, connections, alpha, "deregistered on exit")
}

func TestWatchRequiresIdentity(t *testing.T) {
	t.Parallel()

	err := run(newContext(), t, io.Discard, "watch", "--server-url", "http://127.0.0.1:1")
	require.ErrorIs(t, err, hazlock.ErrIdentityRequired)
}
