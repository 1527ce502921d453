// Package local provides an in-process locktable.Table.
//
// It is meant for single-instance deployments and tests. Every operation runs
// under one mutex, which makes each of them atomic.
package local

import (
	"context"
	"sync"
	"time"

	"github.com/kalbasit/hazlock/pkg/locktable"
)

type key struct {
	ns locktable.Namespace
	id string
}

// Table implements locktable.Table and locktable.Transferer in memory.
type Table struct {
	mu      sync.Mutex
	records map[key]locktable.Record
	now     func() time.Time
}

// Option configures a Table.
type Option func(*Table)

// WithClock overrides the time source used to stamp and expire records.
func WithClock(now func() time.Time) Option {
	return func(t *Table) { t.now = now }
}

// New returns an empty in-memory table.
func New(opts ...Option) *Table {
	t := &Table{
		records: make(map[key]locktable.Record),
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// TryLock implements locktable.Table.
func (t *Table) TryLock(
	_ context.Context,
	ns locktable.Namespace,
	id, owner string,
	timeout time.Duration,
) (locktable.TryLockResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	k := key{ns: ns, id: id}

	if existing, ok := t.records[k]; ok {
		if existing.Expired(now) {
			delete(t.records, k)

			return locktable.TryLockResult{Status: locktable.Old, Existing: &existing}, nil
		}

		return locktable.TryLockResult{Status: locktable.AlreadyRunning, Existing: &existing}, nil
	}

	rec := locktable.Record{
		Namespace:  ns,
		ResourceID: id,
		Owner:      owner,
		AcquiredAt: now,
		Timeout:    timeout,
	}

	t.records[k] = rec

	return locktable.TryLockResult{Status: locktable.Successful, Existing: &rec}, nil
}

// Unlock implements locktable.Table.
func (t *Table) Unlock(ctx context.Context, ns locktable.Namespace, id string) (bool, error) {
	return t.Delete(ctx, ns, id)
}

// Delete implements locktable.Table.
func (t *Table) Delete(_ context.Context, ns locktable.Namespace, id string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{ns: ns, id: id}

	existing, ok := t.records[k]
	if !ok {
		return false, nil
	}

	delete(t.records, k)

	return !existing.Expired(t.now()), nil
}

// List implements locktable.Table.
func (t *Table) List(_ context.Context, ns locktable.Namespace) ([]locktable.Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()

	var records []locktable.Record

	for k, rec := range t.records {
		if k.ns != ns || rec.Expired(now) {
			continue
		}

		records = append(records, rec)
	}

	return records, nil
}

// Transfer implements locktable.Transferer.
func (t *Table) Transfer(
	_ context.Context,
	ns locktable.Namespace,
	id, owner string,
	timeout time.Duration,
) (locktable.Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := locktable.Record{
		Namespace:  ns,
		ResourceID: id,
		Owner:      owner,
		AcquiredAt: t.now(),
		Timeout:    timeout,
	}

	t.records[key{ns: ns, id: id}] = rec

	return rec, nil
}
