package lock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kalbasit/hazlock/pkg/lock"
)

func TestCalculateBackoff(t *testing.T) {
	t.Parallel()

	fixed := lock.RetryConfig{
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     300 * time.Millisecond,
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, 0},
		{0, 0},
		{1, 50 * time.Millisecond},
		{2, 100 * time.Millisecond},
		{3, 200 * time.Millisecond},
		{4, 300 * time.Millisecond},
		{10, 300 * time.Millisecond},
	}

	for _, test := range tests {
		assert.Equal(t, test.want, lock.CalculateBackoff(fixed, test.attempt), "attempt %d", test.attempt)
	}
}

func TestCalculateBackoffJitterStaysBounded(t *testing.T) {
	t.Parallel()

	cfg := lock.DefaultRetryConfig()
	cfg.JitterFactor = 0.25

	floor := cfg.InitialDelay * 2
	ceiling := floor + floor/4

	for range 50 {
		assert.GreaterOrEqual(t, lock.CalculateBackoff(cfg, 2), floor)
		assert.LessOrEqual(t, lock.CalculateBackoff(cfg, 2), ceiling)
	}
}
