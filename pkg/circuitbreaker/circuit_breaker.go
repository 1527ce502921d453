// Package circuitbreaker stops hammering a backing store that keeps failing.
//
// The breaker opens after a run of consecutive failures and rejects calls until
// its timeout elapses. It then lets a single probe through (half-open); the
// outcome of that probe either closes the breaker or opens it again.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// timeNow allows mocking time.Now for testing purposes
//
//nolint:gochecknoglobals // This is used for testing purposes
var timeNow = time.Now

// SetTimeNow sets the time function for the package and returns a function to restore it.
// This is intended for testing purposes only.
func SetTimeNow(f func() time.Time) func() {
	original := timeNow
	timeNow = f

	return func() { timeNow = original }
}

const (
	// DefaultThreshold is the number of consecutive failures that opens the breaker.
	DefaultThreshold = 5

	// DefaultTimeout is how long the breaker stays open before probing.
	DefaultTimeout = 1 * time.Minute
)

// ErrOpen is returned by Guard when the breaker rejects the call.
var ErrOpen = errors.New("circuit breaker open")

// State describes the breaker position.
type State uint8

const (
	// StateClosed lets every call through.
	StateClosed State = iota

	// StateOpen rejects every call.
	StateOpen

	// StateHalfOpen lets the next call through as a probe.
	StateHalfOpen
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker tracks consecutive failures of one dependency.
type CircuitBreaker struct {
	name      string
	threshold int
	timeout   time.Duration

	mu       sync.Mutex
	failures int
	openedAt time.Time
}

// New returns a closed breaker. Non-positive values fall back to the defaults.
func New(name string, threshold int, timeout time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &CircuitBreaker{
		name:      name,
		threshold: threshold,
		timeout:   timeout,
	}
}

// Name returns the dependency name the breaker guards.
func (cb *CircuitBreaker) Name() string { return cb.name }

// State returns the current position of the breaker.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.stateLocked()
}

func (cb *CircuitBreaker) stateLocked() State {
	if cb.openedAt.IsZero() {
		return StateClosed
	}

	if timeNow().Sub(cb.openedAt) >= cb.timeout {
		return StateHalfOpen
	}

	return StateOpen
}

// IsOpen reports whether calls are currently being rejected.
func (cb *CircuitBreaker) IsOpen() bool {
	return cb.State() == StateOpen
}

// AllowRequest reports whether a call may proceed. In the half-open state the
// first caller is let through and the open window restarts, so concurrent
// callers keep being rejected until the probe reports back.
func (cb *CircuitBreaker) AllowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.stateLocked() {
	case StateClosed:
		return true
	case StateHalfOpen:
		cb.openedAt = timeNow()

		return true
	case StateOpen:
		fallthrough
	default:
		return false
	}
}

// RecordSuccess closes the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.openedAt = time.Time{}
}

// RecordFailure counts a failure and reports whether it opened the breaker.
func (cb *CircuitBreaker) RecordFailure() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++

	if cb.failures < cb.threshold {
		return false
	}

	wasClosed := cb.openedAt.IsZero()
	cb.openedAt = timeNow()

	return wasClosed
}

// ForceOpen opens the breaker immediately.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = cb.threshold
	cb.openedAt = timeNow()
}

// Guard runs fn unless the breaker is open. Errors for which isFailure returns
// true count against the breaker; a nil isFailure counts every error.
func (cb *CircuitBreaker) Guard(ctx context.Context, fn func() error, isFailure func(error) bool) error {
	if !cb.AllowRequest() {
		return fmt.Errorf("%w: %s", ErrOpen, cb.name)
	}

	err := fn()

	if err != nil && (isFailure == nil || isFailure(err)) {
		if cb.RecordFailure() {
			zerolog.Ctx(ctx).
				Warn().
				Err(err).
				Str("dependency", cb.name).
				Dur("timeout", cb.timeout).
				Msg("circuit breaker opened")
		}

		return err
	}

	cb.RecordSuccess()

	return err
}
