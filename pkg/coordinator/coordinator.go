// Package coordinator grants, releases, queries, breaks and garbage-collects
// the locks forecaster workstations hold on hazard events.
//
// Every operation is fail-fast: a denial is immediate and nothing waits or
// retries. The lock table is shared by any number of coordinators, so each
// table primitive is a single atomic operation and a batch is made
// all-or-nothing by rolling back what it acquired.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kalbasit/hazlock/pkg/identity"
	"github.com/kalbasit/hazlock/pkg/lock"
	"github.com/kalbasit/hazlock/pkg/lockchange"
	"github.com/kalbasit/hazlock/pkg/locktable"
	"github.com/kalbasit/hazlock/pkg/registry"
)

const (
	// DefaultLockTimeout is the lease of an event lock. It stands for "never
	// expires" while staying far below the overflow of durations and of the
	// millisecond timestamps the backends store.
	DefaultLockTimeout = 10 * 365 * 24 * time.Hour

	// DefaultSweepLockTTL bounds how long a crashed orphan check blocks the
	// next one.
	DefaultSweepLockTTL = 5 * time.Minute

	// MessageOrphanCheckRunning is the message of a skipped orphan check.
	MessageOrphanCheckRunning = "orphan check already running"
)

var (
	// ErrCommunication is returned when the connection registry or the
	// broadcast transport cannot be reached.
	ErrCommunication = errors.New("communication error")

	// ErrUnknownRequestType is returned by Handle for an unsupported type.
	ErrUnknownRequestType = errors.New("unknown request type")

	// ErrInvalidRequest is returned by Handle for a request missing a field.
	ErrInvalidRequest = errors.New("invalid request")
)

// RequestType is the operation of a Request.
type RequestType string

const (
	RequestLock        RequestType = "LOCK"
	RequestUnlock      RequestType = "UNLOCK"
	RequestStatus      RequestType = "STATUS"
	RequestBreak       RequestType = "BREAK"
	RequestOrphanCheck RequestType = "ORPHAN_CHECK"
)

// Request is a lock operation on an ordered list of events.
type Request struct {
	Type     RequestType `json:"type"`
	Identity string      `json:"identity"`
	Practice bool        `json:"practice"`
	EventIDs []string    `json:"eventIds"`

	// Notify only applies to UNLOCK. Unset means true.
	Notify *bool `json:"notify,omitempty"`
}

// ShouldNotify reports whether an UNLOCK must broadcast its releases.
func (r Request) ShouldNotify() bool {
	return r.Notify == nil || *r.Notify
}

// LockStatus is the state of one event relative to the requester.
type LockStatus string

const (
	StatusLockable      LockStatus = "LOCKABLE"
	StatusLockedByMe    LockStatus = "LOCKED_BY_ME"
	StatusLockedByOther LockStatus = "LOCKED_BY_OTHER"
)

// LockInfo describes the lock on one event.
type LockInfo struct {
	Status     LockStatus `json:"status"`
	Owner      string     `json:"owner,omitempty"`
	AcquiredAt time.Time  `json:"acquiredAt,omitzero"`
}

// Response is the outcome of a Request.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`

	// Payload lists the affected events: granted, released or deleted.
	Payload []string `json:"payload"`

	LockInfo map[string]LockInfo `json:"lockInfo,omitempty"`
}

// Notifier broadcasts lock state changes. *lockchange.Broadcaster
// implements it.
type Notifier interface {
	Broadcast(ctx context.Context, msg lockchange.Message) error
}

// Coordinator enforces at-most-one-owner and all-or-nothing batch semantics
// on a lock table.
type Coordinator struct {
	table       locktable.Table
	connections registry.Registry
	notifier    Notifier

	lockTimeout  time.Duration
	sweepLocker  lock.Locker
	sweepLockTTL time.Duration
	identity     string
	now          func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLockTimeout overrides DefaultLockTimeout.
func WithLockTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) {
		if timeout > 0 {
			c.lockTimeout = timeout
		}
	}
}

// WithSweepLocker makes OrphanCheck skip while another coordinator runs one.
func WithSweepLocker(locker lock.Locker, ttl time.Duration) Option {
	return func(c *Coordinator) {
		c.sweepLocker = locker

		if ttl > 0 {
			c.sweepLockTTL = ttl
		}
	}
}

// WithIdentity sets the originator of the broadcasts of orphan checks.
func WithIdentity(id string) Option {
	return func(c *Coordinator) { c.identity = id }
}

// WithClock overrides the clock used for metrics.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New returns a Coordinator.
func New(table locktable.Table, connections registry.Registry, notifier Notifier, opts ...Option) *Coordinator {
	c := &Coordinator{
		table:        table,
		connections:  connections,
		notifier:     notifier,
		lockTimeout:  DefaultLockTimeout,
		sweepLockTTL: DefaultSweepLockTTL,
		now:          time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.identity == "" {
		c.identity = DefaultIdentity()
	}

	return c
}

// DefaultIdentity is the identity of this coordinator process:
// the hostname, "hazlock" and a random thread component.
func DefaultIdentity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}

	return identity.New(host, "hazlock", uuid.NewString()).String()
}

// Identity returns the identity the coordinator broadcasts orphan checks as.
func (c *Coordinator) Identity() string { return c.identity }

// Handle dispatches req to the matching operation.
func (c *Coordinator) Handle(ctx context.Context, req Request) (Response, error) {
	if req.Type != RequestOrphanCheck && req.Identity == "" {
		return Response{}, fmt.Errorf("%w: identity is required for %s", ErrInvalidRequest, req.Type)
	}

	ctx = zerolog.Ctx(ctx).With().
		Str("request_type", string(req.Type)).
		Str("identity", req.Identity).
		Bool("practice", req.Practice).
		Logger().
		WithContext(ctx)

	start := c.now()

	var (
		resp Response
		err  error
	)

	switch req.Type {
	case RequestLock:
		resp, err = c.Lock(ctx, req.Identity, req.Practice, req.EventIDs)
	case RequestUnlock:
		resp, err = c.Unlock(ctx, req.Identity, req.Practice, req.EventIDs, req.ShouldNotify())
	case RequestStatus:
		resp, err = c.Status(ctx, req)
	case RequestBreak:
		resp, err = c.Break(ctx, req.Identity, req.Practice, req.EventIDs)
	case RequestOrphanCheck:
		resp, err = c.OrphanCheck(ctx, req.Practice)
	default:
		return Response{}, fmt.Errorf("%w: %q", ErrUnknownRequestType, req.Type)
	}

	recordOperation(ctx, req.Type, resp.Success, err, c.now().Sub(start))

	return resp, err
}

func (c *Coordinator) broadcast(
	ctx context.Context,
	op lockchange.Operation,
	practice bool,
	originator string,
	ids []string,
) error {
	if c.notifier == nil || len(ids) == 0 {
		return nil
	}

	err := c.notifier.Broadcast(ctx, lockchange.Message{
		Operation:  op,
		EventIDs:   ids,
		Practice:   practice,
		Originator: originator,
	})
	if err != nil {
		recordBroadcastFailure(ctx, op)

		return fmt.Errorf("%w: %w", ErrCommunication, err)
	}

	return nil
}

func statusFor(ctx context.Context, requester string, rec locktable.Record) LockInfo {
	status := StatusLockedByOther
	if identity.SameOwner(ctx, rec.Owner, requester) {
		status = StatusLockedByMe
	}

	return LockInfo{Status: status, Owner: rec.Owner, AcquiredAt: rec.AcquiredAt}
}
