// Package lock provides mutual exclusion between coordinator processes for
// maintenance work such as the orphan sweep.
//
// These locks guard jobs, not hazard events: event locks live in the cluster
// lock table. Local locks are per-key mutexes for a single process.
// Distributed locks use Redis with the Redlock algorithm, or the advisory
// locks of the PostgreSQL or MySQL database holding the lock table.
package lock

import (
	"context"
	"math"
	"time"

	mathrand "math/rand"
)

// Labels recorded by the lock metrics.
const (
	LockModeLocal       = "local"
	LockModeDistributed = "distributed"

	LockResultSuccess    = "success"
	LockResultContention = "contention"
	LockResultRetry      = "retry"

	LockFailureCircuitBreaker  = "circuit_breaker"
	LockFailureRedisError      = "redis_error"
	LockFailureDatabaseError   = "database_error"
	LockFailureMaxRetries      = "max_retries"
	LockFailureContextCanceled = "context_canceled"
)

// Locker provides exclusive key-based locking.
type Locker interface {
	// Lock acquires the lock on key, waiting if it is held. Distributed
	// implementations retry with backoff and give up after their configured
	// attempts. The lock expires after ttl unless released.
	Lock(ctx context.Context, key string, ttl time.Duration) error

	// Unlock releases the lock on key.
	Unlock(ctx context.Context, key string) error

	// TryLock attempts to acquire the lock on key without waiting.
	//
	// Returns:
	//   - (true, nil) if the lock was acquired
	//   - (false, nil) if the lock is held by someone else
	//   - (false, error) if an error occurred
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// DefaultJitterFactor is the default proportion of delay to add as random jitter.
const DefaultJitterFactor = 0.5

// RetryConfig holds retry configuration for blocking lock acquisition.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts to acquire a lock.
	MaxAttempts int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration

	// Jitter enables random jitter in retry delays.
	Jitter bool

	// JitterFactor is the maximum proportion of delay to add as random jitter.
	// Only used if Jitter is true. Defaults to DefaultJitterFactor if not set.
	JitterFactor float64
}

// GetJitterFactor returns the JitterFactor if it's set and valid (> 0),
// otherwise it returns DefaultJitterFactor.
func (c RetryConfig) GetJitterFactor() float64 {
	if c.JitterFactor <= 0 {
		return DefaultJitterFactor
	}

	return c.JitterFactor
}

// DefaultRetryConfig returns the retry configuration used by the CLI.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Jitter:       true,
		JitterFactor: DefaultJitterFactor,
	}
}

// CalculateBackoff returns the delay before attempt. The attempt number is
// 0-indexed: attempt 0 has no delay and attempt 1 waits InitialDelay.
func CalculateBackoff(cfg RetryConfig, attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	delay := cfg.InitialDelay * time.Duration(math.Pow(2, float64(attempt-1)))

	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}

	if cfg.Jitter {
		//nolint:gosec // G404: math/rand is acceptable for jitter
		jitter := mathrand.Float64() * float64(delay) * cfg.GetJitterFactor()
		delay += time.Duration(jitter)
	}

	return delay
}
