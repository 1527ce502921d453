// Package sqllock provides the distributed lock.Locker on the database holding
// the lock table, for clusters sharing PostgreSQL or MySQL but no Redis.
//
// PostgreSQL uses session advisory locks and MySQL GET_LOCK. Both live as long
// as the dedicated connection they were taken on, so the ttl is ignored and the
// locks of a coordinator that dies are released when its connection drops.
package sqllock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"

	"github.com/kalbasit/hazlock/pkg/circuitbreaker"
	"github.com/kalbasit/hazlock/pkg/lock"
	"github.com/kalbasit/hazlock/pkg/lock/local"
)

// DefaultKeyPrefix is hashed together with every lock key.
const DefaultKeyPrefix = "hazlock:lock:"

var (
	// ErrUnsupportedDialect is returned for a database without advisory locks.
	ErrUnsupportedDialect = errors.New("advisory locks need PostgreSQL or MySQL")

	// ErrCircuitBreakerOpen is returned while the database is considered unavailable.
	ErrCircuitBreakerOpen = errors.New("circuit breaker open: the database is unavailable")

	// ErrNotAcquired is returned by Lock once every attempt found the lock held.
	ErrNotAcquired = errors.New("lock held elsewhere")
)

// Config configures the SQL locker.
type Config struct {
	KeyPrefix string

	// Retry configures Lock. TryLock always makes a single attempt.
	Retry lock.RetryConfig

	// AllowDegradedMode falls back to a local lock while the breaker is open.
	AllowDegradedMode bool
}

// statements of one engine. lockArg turns the prefixed key into the argument
// both statements take.
type statements struct {
	engine  string
	acquire string
	release string
	lockArg func(key string) any
}

func advisoryKey(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))

	//nolint:gosec // the wraparound is fine for a lock id
	return int64(h.Sum64())
}

// GET_LOCK names are limited to 64 characters.
func namedKey(key string) any {
	return fmt.Sprintf("hazlock_%016x", uint64(advisoryKey(key)))
}

//nolint:gochecknoglobals
var (
	postgresStatements = statements{
		engine:  "PostgreSQL",
		acquire: "SELECT pg_try_advisory_lock($1)",
		release: "SELECT pg_advisory_unlock($1)",
		lockArg: func(key string) any { return advisoryKey(key) },
	}

	mysqlStatements = statements{
		engine:  "MySQL",
		acquire: "SELECT GET_LOCK(?, 0)",
		release: "SELECT RELEASE_LOCK(?)",
		lockArg: namedKey,
	}
)

type session struct {
	conn *sql.Conn
	at   time.Time
}

// Locker implements lock.Locker with database advisory locks.
type Locker struct {
	db    *sql.DB
	stmts statements

	keyPrefix         string
	retryConfig       lock.RetryConfig
	allowDegradedMode bool

	mu   sync.Mutex
	held map[string]session

	fallbackLocker *local.Locker
	circuitBreaker *circuitbreaker.CircuitBreaker
}

// NewLocker returns a Locker on db. It fails with ErrUnsupportedDialect for
// SQLite.
func NewLocker(db *bun.DB, cfg Config) (*Locker, error) {
	var stmts statements

	switch name := db.Dialect().Name(); name {
	case dialect.PG:
		stmts = postgresStatements
	case dialect.MySQL:
		stmts = mysqlStatements
	default:
		return nil, fmt.Errorf("%w: got %s", ErrUnsupportedDialect, name)
	}

	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}

	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = lock.DefaultRetryConfig()
	}

	return &Locker{
		db:                db.DB,
		stmts:             stmts,
		keyPrefix:         cfg.KeyPrefix,
		retryConfig:       cfg.Retry,
		allowDegradedMode: cfg.AllowDegradedMode,
		held:              make(map[string]session),
		fallbackLocker:    local.NewLocker(),
		circuitBreaker: circuitbreaker.New(
			"sql-lock",
			circuitbreaker.DefaultThreshold,
			circuitbreaker.DefaultTimeout,
		),
	}, nil
}

// Engine names the database the locks are taken on.
func (l *Locker) Engine() string { return l.stmts.engine }

// Lock acquires the lock on key, retrying with backoff while it is held.
func (l *Locker) Lock(ctx context.Context, key string, ttl time.Duration) error {
	for attempt := range l.retryConfig.MaxAttempts {
		if attempt > 0 {
			lock.RecordAcquire(ctx, lock.LockModeDistributed, key, lock.LockResultRetry)

			select {
			case <-ctx.Done():
				lock.RecordFailure(ctx, lock.LockModeDistributed, key, lock.LockFailureContextCanceled)

				return ctx.Err()
			case <-time.After(lock.CalculateBackoff(l.retryConfig, attempt)):
			}
		}

		acquired, err := l.TryLock(ctx, key, ttl)
		if err != nil {
			return err
		}

		if acquired {
			return nil
		}
	}

	lock.RecordFailure(ctx, lock.LockModeDistributed, key, lock.LockFailureMaxRetries)

	return fmt.Errorf("%w: %s after %d attempts", ErrNotAcquired, key, l.retryConfig.MaxAttempts)
}

// TryLock makes a single attempt at the lock on key.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if !l.circuitBreaker.AllowRequest() {
		lock.RecordFailure(ctx, lock.LockModeDistributed, key, lock.LockFailureCircuitBreaker)

		if l.allowDegradedMode {
			zerolog.Ctx(ctx).Warn().
				Str("key", key).
				Msg("circuit breaker open, using fallback local lock (DEGRADED MODE)")

			return l.fallbackLocker.TryLock(ctx, key, ttl)
		}

		return false, ErrCircuitBreakerOpen
	}

	l.mu.Lock()
	_, mine := l.held[key]
	l.mu.Unlock()

	// advisory locks are reentrant per session, this process must not be
	if mine {
		lock.RecordAcquire(ctx, lock.LockModeDistributed, key, lock.LockResultContention)

		return false, nil
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, l.failed(ctx, key, fmt.Errorf("error getting a connection: %w", err))
	}

	var acquired sql.NullBool

	if err := conn.QueryRowContext(ctx, l.stmts.acquire, l.stmts.lockArg(l.keyPrefix+key)).Scan(&acquired); err != nil {
		_ = conn.Close()

		return false, l.failed(ctx, key, err)
	}

	l.circuitBreaker.RecordSuccess()

	if !acquired.Valid || !acquired.Bool {
		_ = conn.Close()

		lock.RecordAcquire(ctx, lock.LockModeDistributed, key, lock.LockResultContention)

		return false, nil
	}

	l.mu.Lock()
	l.held[key] = session{conn: conn, at: time.Now()}
	l.mu.Unlock()

	lock.RecordAcquire(ctx, lock.LockModeDistributed, key, lock.LockResultSuccess)

	zerolog.Ctx(ctx).Debug().
		Str("key", key).
		Str("engine", l.stmts.engine).
		Msg("acquired advisory lock")

	return true, nil
}

// Unlock releases the lock on key. Releasing a lock that is not held is not
// an error.
func (l *Locker) Unlock(ctx context.Context, key string) error {
	l.mu.Lock()
	h, ok := l.held[key]
	delete(l.held, key)
	l.mu.Unlock()

	if !ok {
		if l.allowDegradedMode {
			// a lock taken while degraded lives in the fallback
			_ = l.fallbackLocker.Unlock(ctx, key)
		}

		return nil
	}

	lock.RecordHeld(ctx, lock.LockModeDistributed, key, time.Since(h.at))

	var released sql.NullBool

	err := h.conn.QueryRowContext(ctx, l.stmts.release, l.stmts.lockArg(l.keyPrefix+key)).Scan(&released)

	// closing the session releases the lock even when the statement failed
	_ = h.conn.Close()

	if err != nil || !released.Bool {
		zerolog.Ctx(ctx).Warn().
			Err(err).
			Str("key", key).
			Msg("advisory lock was not released explicitly, the closed connection drops it")
	}

	return nil
}

func (l *Locker) failed(ctx context.Context, key string, err error) error {
	if l.circuitBreaker.RecordFailure() {
		zerolog.Ctx(ctx).Warn().
			Err(err).
			Str("key", key).
			Msg("database unavailable, circuit breaker opened")
	}

	lock.RecordFailure(ctx, lock.LockModeDistributed, key, lock.LockFailureDatabaseError)

	return fmt.Errorf("error trying lock %s: %w", key, err)
}
