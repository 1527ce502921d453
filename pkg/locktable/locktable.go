// Package locktable defines the cluster-wide lock table shared by every
// coordinator instance.
//
// A table holds at most one Record per (Namespace, ResourceID). Every method is
// a single atomic operation against the backing store: the coordinator never
// combines them into multi-step transactions and never waits or retries.
//
// Backends live in sub-packages: local (in-process map), redis and sql.
package locktable

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrStorage wraps every failure of the backing store.
var ErrStorage = errors.New("lock table storage error")

// Namespace partitions the table between practice and operational modes.
type Namespace string

const (
	// Operational is the namespace of the live hazard registry.
	Operational Namespace = "operational"

	// Practice is the namespace used by training sessions.
	Practice Namespace = "practice"
)

// NamespaceFor returns the namespace matching the practice flag.
func NamespaceFor(practice bool) Namespace {
	if practice {
		return Practice
	}

	return Operational
}

// Valid reports whether n is one of the known namespaces.
func (n Namespace) Valid() bool {
	return n == Operational || n == Practice
}

// String implements fmt.Stringer.
func (n Namespace) String() string { return string(n) }

// Record is a single lock held on a resource.
type Record struct {
	Namespace  Namespace
	ResourceID string
	Owner      string
	AcquiredAt time.Time
	Timeout    time.Duration
}

// ExpiresAt returns the instant the record stops being valid.
func (r Record) ExpiresAt() time.Time {
	return r.AcquiredAt.Add(r.Timeout)
}

// Expired reports whether the record is no longer valid at now.
func (r Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt())
}

// TryLockStatus is the outcome of a TryLock call.
type TryLockStatus uint8

const (
	// Failed means the backend could not decide the outcome.
	Failed TryLockStatus = iota

	// Successful means a new record was written for the caller.
	Successful

	// AlreadyRunning means a live record exists. Existing describes it.
	AlreadyRunning

	// Old means an expired record was found and reclaimed. The caller was not
	// granted the lock and may retry.
	Old
)

// String implements fmt.Stringer.
func (s TryLockStatus) String() string {
	switch s {
	case Successful:
		return "SUCCESSFUL"
	case AlreadyRunning:
		return "ALREADY_RUNNING"
	case Old:
		return "OLD"
	case Failed:
		fallthrough
	default:
		return "FAILED"
	}
}

// TryLockResult is returned by Table.TryLock.
type TryLockResult struct {
	Status TryLockStatus

	// Existing is the record found in the table. It is set for AlreadyRunning
	// and Old, and is the caller's fresh record for Successful.
	Existing *Record
}

// Table is the cluster-wide lock table.
type Table interface {
	// TryLock atomically creates a record for (ns, id) owned by owner unless a
	// live one exists.
	TryLock(ctx context.Context, ns Namespace, id, owner string, timeout time.Duration) (TryLockResult, error)

	// Unlock removes the record for (ns, id) regardless of its owner. It
	// returns false when there was nothing to remove.
	Unlock(ctx context.Context, ns Namespace, id string) (bool, error)

	// List returns every live record of the namespace.
	List(ctx context.Context, ns Namespace) ([]Record, error)

	// Delete removes the record for (ns, id). It returns false when there was
	// nothing to remove.
	Delete(ctx context.Context, ns Namespace, id string) (bool, error)
}

// Transferer is implemented by tables that can overwrite a record in one
// atomic step, which is how a lock is broken without a window for other
// clients to slip in.
type Transferer interface {
	// Transfer writes a record for (ns, id) owned by owner whether or not one
	// exists, and returns the new record.
	Transfer(ctx context.Context, ns Namespace, id, owner string, timeout time.Duration) (Record, error)
}

// StorageError wraps err with ErrStorage unless it already is one.
func StorageError(op string, err error) error {
	if errors.Is(err, ErrStorage) {
		return err
	}

	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}
