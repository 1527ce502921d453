package coordinator_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/hazlock/pkg/coordinator"
	"github.com/kalbasit/hazlock/pkg/locktable"

	localtable "github.com/kalbasit/hazlock/pkg/locktable/local"
)

// everyTick fires at a sub-second interval, which cron.Every rounds away.
type everyTick time.Duration

func (e everyTick) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }

func seedOrphans(t *testing.T, table locktable.Table) {
	t.Helper()

	ctx := context.Background()

	for _, ns := range []locktable.Namespace{locktable.Operational, locktable.Practice} {
		res, err := table.TryLock(ctx, ns, "E1", beta, time.Hour)
		require.NoError(t, err)
		require.Equal(t, locktable.Successful, res.Status)
	}
}

func TestSweeper_RunOnce(t *testing.T) {
	t.Parallel()

	table := localtable.New()
	seedOrphans(t, table)

	c, rec := newCoordinator(t, table, nil)

	coordinator.NewSweeper(context.Background(), c, nil).RunOnce(context.Background())

	for _, ns := range []locktable.Namespace{locktable.Operational, locktable.Practice} {
		records, err := table.List(context.Background(), ns)
		require.NoError(t, err)
		assert.Empty(t, records, ns.String())
	}

	msgs := rec.messages()
	require.Len(t, msgs, 2)
	assert.False(t, msgs[0].Practice)
	assert.True(t, msgs[1].Practice)
}

func TestSweeper_Schedule(t *testing.T) {
	t.Parallel()

	table := localtable.New()
	seedOrphans(t, table)

	c, _ := newCoordinator(t, table, nil)

	ctx := context.Background()

	s := coordinator.NewSweeper(ctx, c, time.UTC)
	s.Schedule(ctx, everyTick(10*time.Millisecond))
	s.Start(ctx)

	require.Eventually(t, func() bool {
		records, err := table.List(ctx, locktable.Practice)

		return err == nil && len(records) == 0
	}, 5*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	require.NoError(t, s.Stop(stopCtx))
}
