package circuitbreaker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/hazlock/pkg/circuitbreaker"
)

var errBoom = errors.New("boom")

func TestNewDefaults(t *testing.T) {
	t.Parallel()

	cb := circuitbreaker.New("redis", 0, 0)
	assert.Equal(t, "redis", cb.Name())
	assert.Equal(t, circuitbreaker.StateClosed, cb.State())

	for range circuitbreaker.DefaultThreshold - 1 {
		assert.False(t, cb.RecordFailure())
	}

	assert.True(t, cb.RecordFailure(), "the default threshold opens the breaker")
	assert.True(t, cb.IsOpen())
}

//nolint:paralleltest // modifying global timeNow
func TestCircuitBreakerFlow(t *testing.T) {
	currentTime := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	t.Cleanup(circuitbreaker.SetTimeNow(func() time.Time { return currentTime }))

	cb := circuitbreaker.New("redis", 3, time.Minute)

	assert.True(t, cb.AllowRequest())

	assert.False(t, cb.RecordFailure())
	assert.False(t, cb.RecordFailure())
	assert.True(t, cb.AllowRequest())

	assert.True(t, cb.RecordFailure())
	assert.False(t, cb.AllowRequest())
	assert.Equal(t, circuitbreaker.StateOpen, cb.State())

	currentTime = currentTime.Add(30 * time.Second)
	assert.False(t, cb.AllowRequest())

	currentTime = currentTime.Add(31 * time.Second)
	assert.Equal(t, circuitbreaker.StateHalfOpen, cb.State())

	assert.True(t, cb.AllowRequest(), "the probe goes through")
	assert.False(t, cb.AllowRequest(), "concurrent callers wait for the probe")

	cb.RecordSuccess()
	assert.Equal(t, circuitbreaker.StateClosed, cb.State())
	assert.True(t, cb.AllowRequest())
}

//nolint:paralleltest // modifying global timeNow
func TestCircuitBreakerHalfOpenFailure(t *testing.T) {
	currentTime := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	t.Cleanup(circuitbreaker.SetTimeNow(func() time.Time { return currentTime }))

	cb := circuitbreaker.New("redis", 3, time.Minute)
	cb.ForceOpen()
	assert.False(t, cb.AllowRequest())

	currentTime = currentTime.Add(61 * time.Second)
	assert.True(t, cb.AllowRequest())

	cb.RecordFailure()
	assert.False(t, cb.AllowRequest())
	assert.True(t, cb.IsOpen())
}

func TestGuard(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("counts failures and rejects once open", func(t *testing.T) {
		t.Parallel()

		cb := circuitbreaker.New("db", 2, time.Hour)

		for range 2 {
			err := cb.Guard(ctx, func() error { return errBoom }, nil)
			require.ErrorIs(t, err, errBoom)
		}

		called := false
		err := cb.Guard(ctx, func() error {
			called = true

			return nil
		}, nil)

		require.ErrorIs(t, err, circuitbreaker.ErrOpen)
		assert.False(t, called)
	})

	t.Run("ignores errors that are not failures", func(t *testing.T) {
		t.Parallel()

		cb := circuitbreaker.New("db", 1, time.Hour)

		notFailure := func(error) bool { return false }

		for range 3 {
			err := cb.Guard(ctx, func() error { return errBoom }, notFailure)
			require.ErrorIs(t, err, errBoom)
		}

		assert.Equal(t, circuitbreaker.StateClosed, cb.State())
	})

	t.Run("success resets the failure count", func(t *testing.T) {
		t.Parallel()

		cb := circuitbreaker.New("db", 2, time.Hour)

		_ = cb.Guard(ctx, func() error { return errBoom }, nil)
		require.NoError(t, cb.Guard(ctx, func() error { return nil }, nil))
		_ = cb.Guard(ctx, func() error { return errBoom }, nil)

		assert.Equal(t, circuitbreaker.StateClosed, cb.State())
	})
}

func TestStateString(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		state    circuitbreaker.State
		expected string
	}{
		{circuitbreaker.StateClosed, "closed"},
		{circuitbreaker.StateOpen, "open"},
		{circuitbreaker.StateHalfOpen, "half-open"},
		{circuitbreaker.State(42), "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.expected, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tc.expected, tc.state.String())
		})
	}
}
