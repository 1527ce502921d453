// Package tabletest provides a compliance suite every locktable.Table backend
// must pass.
package tabletest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/hazlock/pkg/locktable"
	"github.com/kalbasit/hazlock/testhelper"
)

// Clock is a manually advanced clock handed to backends under test.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock set to a fixed, millisecond aligned instant.
func NewClock() *Clock {
	return &Clock{now: time.UnixMilli(1_700_000_000_000).UTC()}
}

// Now returns the current time of the clock.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

// Factory returns a fresh, empty table reading time from clock.
type Factory func(t *testing.T, clock *Clock) locktable.Table

// Run runs the compliance suite against the tables built by factory.
//
//nolint:funlen
func Run(t *testing.T, factory Factory) {
	t.Helper()

	const (
		alice = "ws1:hazards:1"
		bob   = "ws2:hazards:1"
	)

	ctx := context.Background()

	t.Run("TryLock on an empty table succeeds", func(t *testing.T) {
		t.Parallel()

		clock := NewClock()
		table := factory(t, clock)

		res, err := table.TryLock(ctx, locktable.Operational, "ev-1", alice, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, locktable.Successful, res.Status)

		if assert.NotNil(t, res.Existing) {
			assert.Equal(t, alice, res.Existing.Owner)
			assert.Equal(t, "ev-1", res.Existing.ResourceID)
			assert.Equal(t, locktable.Operational, res.Existing.Namespace)
			assert.True(t, clock.Now().Equal(res.Existing.AcquiredAt))
		}
	})

	t.Run("TryLock on a held record reports the holder", func(t *testing.T) {
		t.Parallel()

		clock := NewClock()
		table := factory(t, clock)

		_, err := table.TryLock(ctx, locktable.Operational, "ev-1", alice, time.Minute)
		require.NoError(t, err)

		acquiredAt := clock.Now()

		clock.Advance(time.Second)

		for _, owner := range []string{bob, alice} {
			res, err := table.TryLock(ctx, locktable.Operational, "ev-1", owner, time.Minute)
			require.NoError(t, err)
			assert.Equal(t, locktable.AlreadyRunning, res.Status)

			if assert.NotNil(t, res.Existing) {
				assert.Equal(t, alice, res.Existing.Owner)
				assert.True(t, acquiredAt.Equal(res.Existing.AcquiredAt))
				assert.Equal(t, time.Minute, res.Existing.Timeout)
			}
		}
	})

	t.Run("namespaces are independent", func(t *testing.T) {
		t.Parallel()

		table := factory(t, NewClock())

		res, err := table.TryLock(ctx, locktable.Operational, "ev-1", alice, time.Minute)
		require.NoError(t, err)
		require.Equal(t, locktable.Successful, res.Status)

		res, err = table.TryLock(ctx, locktable.Practice, "ev-1", bob, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, locktable.Successful, res.Status)

		records, err := table.List(ctx, locktable.Practice)
		require.NoError(t, err)

		if assert.Len(t, records, 1) {
			assert.Equal(t, bob, records[0].Owner)
		}
	})

	t.Run("Unlock removes the record once", func(t *testing.T) {
		t.Parallel()

		table := factory(t, NewClock())

		_, err := table.TryLock(ctx, locktable.Operational, "ev-1", alice, time.Minute)
		require.NoError(t, err)

		released, err := table.Unlock(ctx, locktable.Operational, "ev-1")
		require.NoError(t, err)
		assert.True(t, released)

		released, err = table.Unlock(ctx, locktable.Operational, "ev-1")
		require.NoError(t, err)
		assert.False(t, released)

		res, err := table.TryLock(ctx, locktable.Operational, "ev-1", bob, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, locktable.Successful, res.Status)
	})

	t.Run("Delete removes the record once", func(t *testing.T) {
		t.Parallel()

		table := factory(t, NewClock())

		_, err := table.TryLock(ctx, locktable.Practice, "ev-1", alice, time.Minute)
		require.NoError(t, err)

		deleted, err := table.Delete(ctx, locktable.Operational, "ev-1")
		require.NoError(t, err)
		assert.False(t, deleted, "the record lives in another namespace")

		deleted, err = table.Delete(ctx, locktable.Practice, "ev-1")
		require.NoError(t, err)
		assert.True(t, deleted)

		records, err := table.List(ctx, locktable.Practice)
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("List returns every live record of the namespace", func(t *testing.T) {
		t.Parallel()

		table := factory(t, NewClock())
		ids := testhelper.EventIDs(t, 3)

		want := map[string]string{ids[0]: alice, ids[1]: bob, ids[2]: alice}

		for id, owner := range want {
			_, err := table.TryLock(ctx, locktable.Operational, id, owner, time.Minute)
			require.NoError(t, err)
		}

		records, err := table.List(ctx, locktable.Operational)
		require.NoError(t, err)

		got := make(map[string]string, len(records))
		for _, r := range records {
			got[r.ResourceID] = r.Owner
		}

		assert.Equal(t, want, got)
	})

	t.Run("an expired record is reclaimed and reported as old", func(t *testing.T) {
		t.Parallel()

		clock := NewClock()
		table := factory(t, clock)

		_, err := table.TryLock(ctx, locktable.Operational, "ev-1", alice, time.Minute)
		require.NoError(t, err)

		clock.Advance(2 * time.Minute)

		records, err := table.List(ctx, locktable.Operational)
		require.NoError(t, err)
		assert.Empty(t, records, "expired records are not listed")

		res, err := table.TryLock(ctx, locktable.Operational, "ev-1", bob, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, locktable.Old, res.Status)

		if assert.NotNil(t, res.Existing) {
			assert.Equal(t, alice, res.Existing.Owner)
		}

		res, err = table.TryLock(ctx, locktable.Operational, "ev-1", bob, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, locktable.Successful, res.Status)
	})

	t.Run("Transfer overwrites or creates the record", func(t *testing.T) {
		t.Parallel()

		clock := NewClock()
		table := factory(t, clock)

		tr, ok := table.(locktable.Transferer)
		if !ok {
			t.Skip("table does not support atomic transfer")
		}

		_, err := table.TryLock(ctx, locktable.Operational, "ev-1", alice, time.Minute)
		require.NoError(t, err)

		clock.Advance(time.Second)

		rec, err := tr.Transfer(ctx, locktable.Operational, "ev-1", bob, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, bob, rec.Owner)
		assert.True(t, clock.Now().Equal(rec.AcquiredAt))

		rec, err = tr.Transfer(ctx, locktable.Operational, "ev-2", bob, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, "ev-2", rec.ResourceID)

		records, err := table.List(ctx, locktable.Operational)
		require.NoError(t, err)
		require.Len(t, records, 2)

		for _, r := range records {
			assert.Equal(t, bob, r.Owner)
			assert.Equal(t, time.Hour, r.Timeout)
		}
	})

	t.Run("concurrent TryLock grants exactly one holder", func(t *testing.T) {
		t.Parallel()

		table := factory(t, NewClock())

		const contenders = 10

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			granted []string
		)

		for i := range contenders {
			owner := fmt.Sprintf("ws%d:hazards:1", i)

			wg.Go(func() {
				res, err := table.TryLock(ctx, locktable.Operational, "contended", owner, time.Minute)
				if !assert.NoError(t, err) {
					return
				}

				if res.Status == locktable.Successful {
					mu.Lock()
					granted = append(granted, owner)
					mu.Unlock()
				}
			})
		}

		wg.Wait()

		require.Len(t, granted, 1)

		records, err := table.List(ctx, locktable.Operational)
		require.NoError(t, err)

		if assert.Len(t, records, 1) {
			assert.Equal(t, granted[0], records[0].Owner)
		}
	})
}
