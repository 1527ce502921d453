// Package redis provides the distributed lock.Locker on Redis.
//
// Locks use the Redlock algorithm through redsync. A circuit breaker tracks
// Redis health; in degraded mode an open breaker falls back to a local lock so
// a single coordinator keeps working while Redis is down.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	redsyncredis "github.com/go-redsync/redsync/v4/redis"
	goredislib "github.com/go-redsync/redsync/v4/redis/goredis/v9"

	"github.com/kalbasit/hazlock/pkg/circuitbreaker"
	"github.com/kalbasit/hazlock/pkg/lock"
	"github.com/kalbasit/hazlock/pkg/lock/local"
	"github.com/kalbasit/hazlock/pkg/redisconn"
)

// DefaultKeyPrefix is prepended to every lock key.
const DefaultKeyPrefix = "hazlock:lock:"

// ErrCircuitBreakerOpen is returned while Redis is considered unavailable.
var ErrCircuitBreakerOpen = errors.New("circuit breaker open: Redis is unavailable")

// Config configures the Redis locker.
type Config struct {
	// KeyPrefix for all distributed lock keys.
	KeyPrefix string

	// Retry configures Lock. TryLock always makes a single attempt.
	Retry lock.RetryConfig

	// AllowDegradedMode falls back to a local lock while the breaker is open.
	AllowDegradedMode bool
}

// Locker implements lock.Locker using Redis with the Redlock algorithm.
type Locker struct {
	redsync           *redsync.Redsync
	keyPrefix         string
	retryConfig       lock.RetryConfig
	allowDegradedMode bool

	// mutexes tracks acquired locks for cleanup
	mu      sync.Mutex
	mutexes map[string]*redsync.Mutex

	// acquisitionTimes tracks when each key was locked for the duration metric
	acquisitionTimes sync.Map

	fallbackLocker *local.Locker
	circuitBreaker *circuitbreaker.CircuitBreaker
}

// NewLocker returns a Locker on the given Redis clients. Several independent
// clients form a Redlock quorum.
func NewLocker(cfg Config, clients ...redis.UniversalClient) *Locker {
	pools := make([]redsyncredis.Pool, 0, len(clients))
	for _, c := range clients {
		pools = append(pools, goredislib.NewPool(c))
	}

	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}

	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = lock.DefaultRetryConfig()
	}

	return &Locker{
		redsync:           redsync.New(pools...),
		keyPrefix:         cfg.KeyPrefix,
		retryConfig:       cfg.Retry,
		allowDegradedMode: cfg.AllowDegradedMode,
		mutexes:           make(map[string]*redsync.Mutex),
		fallbackLocker:    local.NewLocker(),
		circuitBreaker: circuitbreaker.New(
			"redis-lock",
			circuitbreaker.DefaultThreshold,
			circuitbreaker.DefaultTimeout,
		),
	}
}

// Lock acquires an exclusive lock with retry and exponential backoff.
func (l *Locker) Lock(ctx context.Context, key string, ttl time.Duration) error {
	if !l.circuitBreaker.AllowRequest() {
		lock.RecordFailure(ctx, lock.LockModeDistributed, key, lock.LockFailureCircuitBreaker)

		if l.allowDegradedMode {
			zerolog.Ctx(ctx).Warn().
				Str("key", key).
				Msg("circuit breaker open, using fallback local lock (DEGRADED MODE)")

			return l.fallbackLocker.Lock(ctx, key, ttl)
		}

		return ErrCircuitBreakerOpen
	}

	var lastErr error

	for attempt := range l.retryConfig.MaxAttempts {
		if attempt > 0 {
			lock.RecordAcquire(ctx, lock.LockModeDistributed, key, lock.LockResultRetry)

			delay := lock.CalculateBackoff(l.retryConfig, attempt)

			zerolog.Ctx(ctx).Debug().
				Str("key", key).
				Int("attempt", attempt+1).
				Dur("delay", delay).
				Msg("retrying lock acquisition after backoff")

			select {
			case <-ctx.Done():
				lock.RecordFailure(ctx, lock.LockModeDistributed, key, lock.LockFailureContextCanceled)

				return ctx.Err()
			case <-time.After(delay):
			}
		}

		acquired, err := l.attempt(ctx, key, ttl)
		if err != nil {
			return err
		}

		if acquired {
			zerolog.Ctx(ctx).Debug().
				Str("key", key).
				Dur("ttl", ttl).
				Int("attempts", attempt+1).
				Msg("acquired distributed lock")

			return nil
		}

		lastErr = redsync.ErrFailed
	}

	lock.RecordFailure(ctx, lock.LockModeDistributed, key, lock.LockFailureMaxRetries)

	return fmt.Errorf("failed to acquire lock %s after %d attempts: %w",
		key, l.retryConfig.MaxAttempts, lastErr)
}

// Unlock releases an exclusive lock.
func (l *Locker) Unlock(ctx context.Context, key string) error {
	if val, ok := l.acquisitionTimes.LoadAndDelete(key); ok {
		if startTime, ok := val.(time.Time); ok {
			lock.RecordHeld(ctx, lock.LockModeDistributed, key, time.Since(startTime))
		}
	}

	l.mu.Lock()
	mutex, ok := l.mutexes[key]
	delete(l.mutexes, key)
	l.mu.Unlock()

	if !ok {
		if l.allowDegradedMode {
			// a lock taken while degraded lives in the fallback
			_ = l.fallbackLocker.Unlock(ctx, key)
		}

		// This can happen if Lock failed but Unlock is still called
		return nil
	}

	if ok, err := mutex.UnlockContext(ctx); !ok || err != nil {
		// Don't fail here - lock will expire via TTL
		zerolog.Ctx(ctx).Warn().
			Err(err).
			Str("key", key).
			Msg("failed to release distributed lock (will expire via TTL)")

		return nil
	}

	zerolog.Ctx(ctx).Debug().
		Str("key", key).
		Msg("released distributed lock")

	return nil
}

// TryLock attempts to acquire an exclusive lock without retries.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if !l.circuitBreaker.AllowRequest() {
		lock.RecordFailure(ctx, lock.LockModeDistributed, key, lock.LockFailureCircuitBreaker)

		if l.allowDegradedMode {
			return l.fallbackLocker.TryLock(ctx, key, ttl)
		}

		return false, ErrCircuitBreakerOpen
	}

	return l.attempt(ctx, key, ttl)
}

// attempt makes one Redlock acquisition.
func (l *Locker) attempt(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	mutex := l.redsync.NewMutex(
		l.keyPrefix+key,
		redsync.WithExpiry(ttl),
		redsync.WithTries(1),
	)

	err := mutex.LockContext(ctx)
	if err == nil {
		l.mu.Lock()
		l.mutexes[key] = mutex
		l.mu.Unlock()

		l.circuitBreaker.RecordSuccess()
		l.acquisitionTimes.Store(key, time.Now())

		lock.RecordAcquire(ctx, lock.LockModeDistributed, key, lock.LockResultSuccess)

		return true, nil
	}

	if errors.Is(err, redsync.ErrFailed) || isLockAlreadyTakenError(err) {
		lock.RecordAcquire(ctx, lock.LockModeDistributed, key, lock.LockResultContention)

		return false, nil
	}

	if redisconn.IsConnectionError(err) && l.circuitBreaker.RecordFailure() {
		zerolog.Ctx(ctx).Warn().
			Err(err).
			Str("key", key).
			Msg("Redis connection failed, circuit breaker opened")
	}

	lock.RecordFailure(ctx, lock.LockModeDistributed, key, lock.LockFailureRedisError)

	return false, fmt.Errorf("error trying lock %s: %w", key, err)
}

func isLockAlreadyTakenError(err error) bool {
	return strings.Contains(err.Error(), "already taken")
}
