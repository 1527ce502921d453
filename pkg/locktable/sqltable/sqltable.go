// Package sqltable provides a locktable.Table stored in a SQL database.
//
// Records live in the cluster_locks table keyed by (namespace, resource_id).
// Times are stored as Unix milliseconds so that expiry comparisons behave the
// same on SQLite, PostgreSQL and MySQL.
package sqltable

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"

	"github.com/kalbasit/hazlock/pkg/circuitbreaker"
	"github.com/kalbasit/hazlock/pkg/locktable"
)

type lockRow struct {
	bun.BaseModel `bun:"table:cluster_locks"`

	Namespace  string `bun:"namespace,pk,type:varchar(32)"`
	ResourceID string `bun:"resource_id,pk,type:varchar(191)"`
	Owner      string `bun:"owner,notnull,type:varchar(255)"`
	AcquiredAt int64  `bun:"acquired_at,notnull"`
	TimeoutMs  int64  `bun:"timeout_ms,notnull"`
	ExpiresAt  int64  `bun:"expires_at,notnull"`
}

func (r lockRow) record() locktable.Record {
	return locktable.Record{
		Namespace:  locktable.Namespace(r.Namespace),
		ResourceID: r.ResourceID,
		Owner:      r.Owner,
		AcquiredAt: time.UnixMilli(r.AcquiredAt).UTC(),
		Timeout:    time.Duration(r.TimeoutMs) * time.Millisecond,
	}
}

// Option configures a Table.
type Option func(*Table)

// WithClock overrides the time source used to stamp and expire records.
func WithClock(now func() time.Time) Option {
	return func(t *Table) { t.now = now }
}

// WithCircuitBreaker overrides the breaker guarding database calls.
func WithCircuitBreaker(cb *circuitbreaker.CircuitBreaker) Option {
	return func(t *Table) { t.cb = cb }
}

// Table implements locktable.Table and locktable.Transferer on SQL.
type Table struct {
	db  *bun.DB
	now func() time.Time
	cb  *circuitbreaker.CircuitBreaker
}

// New returns a table using db and creates the schema when missing.
func New(ctx context.Context, db *bun.DB, opts ...Option) (*Table, error) {
	t := &Table{
		db:  db,
		now: time.Now,
		cb:  circuitbreaker.New("sql-locktable", circuitbreaker.DefaultThreshold, circuitbreaker.DefaultTimeout),
	}

	for _, opt := range opts {
		opt(t)
	}

	if _, err := db.NewCreateTable().Model((*lockRow)(nil)).IfNotExists().Exec(ctx); err != nil {
		return nil, locktable.StorageError("create schema", err)
	}

	zerolog.Ctx(ctx).
		Debug().
		Str("dialect", db.Dialect().Name().String()).
		Msg("lock table schema ready")

	return t, nil
}

// TryLock implements locktable.Table.
func (t *Table) TryLock(
	ctx context.Context,
	ns locktable.Namespace,
	id, owner string,
	timeout time.Duration,
) (locktable.TryLockResult, error) {
	now := t.now().UnixMilli()
	row := lockRow{
		Namespace:  ns.String(),
		ResourceID: id,
		Owner:      owner,
		AcquiredAt: now,
		TimeoutMs:  timeout.Milliseconds(),
		ExpiresAt:  now + timeout.Milliseconds(),
	}

	var result locktable.TryLockResult

	err := t.guard(ctx, func() error {
		return t.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			res, err := tx.NewInsert().Model(&row).Ignore().Exec(ctx)
			if err != nil {
				return err
			}

			if inserted, err := res.RowsAffected(); err != nil {
				return err
			} else if inserted == 1 {
				rec := row.record()
				result = locktable.TryLockResult{Status: locktable.Successful, Existing: &rec}

				return nil
			}

			var cur lockRow

			err = tx.NewSelect().
				Model(&cur).
				Where("namespace = ?", ns.String()).
				Where("resource_id = ?", id).
				Scan(ctx)
			if errors.Is(err, sql.ErrNoRows) {
				// released between the insert and the select
				result = locktable.TryLockResult{Status: locktable.Failed}

				return nil
			}

			if err != nil {
				return err
			}

			rec := cur.record()

			if cur.ExpiresAt > now {
				result = locktable.TryLockResult{Status: locktable.AlreadyRunning, Existing: &rec}

				return nil
			}

			_, err = tx.NewDelete().
				Model((*lockRow)(nil)).
				Where("namespace = ?", cur.Namespace).
				Where("resource_id = ?", cur.ResourceID).
				Where("owner = ?", cur.Owner).
				Where("acquired_at = ?", cur.AcquiredAt).
				Exec(ctx)
			if err != nil {
				return err
			}

			result = locktable.TryLockResult{Status: locktable.Old, Existing: &rec}

			return nil
		})
	})
	if err != nil {
		return locktable.TryLockResult{Status: locktable.Failed}, locktable.StorageError("try lock", err)
	}

	return result, nil
}

// Unlock implements locktable.Table.
func (t *Table) Unlock(ctx context.Context, ns locktable.Namespace, id string) (bool, error) {
	return t.Delete(ctx, ns, id)
}

// Delete implements locktable.Table.
func (t *Table) Delete(ctx context.Context, ns locktable.Namespace, id string) (bool, error) {
	now := t.now().UnixMilli()

	var live int64

	err := t.guard(ctx, func() error {
		return t.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			res, err := tx.NewDelete().
				Model((*lockRow)(nil)).
				Where("namespace = ?", ns.String()).
				Where("resource_id = ?", id).
				Where("expires_at > ?", now).
				Exec(ctx)
			if err != nil {
				return err
			}

			if live, err = res.RowsAffected(); err != nil {
				return err
			}

			// drop an expired leftover as well
			_, err = tx.NewDelete().
				Model((*lockRow)(nil)).
				Where("namespace = ?", ns.String()).
				Where("resource_id = ?", id).
				Exec(ctx)

			return err
		})
	})
	if err != nil {
		return false, locktable.StorageError("delete", err)
	}

	return live > 0, nil
}

// List implements locktable.Table.
func (t *Table) List(ctx context.Context, ns locktable.Namespace) ([]locktable.Record, error) {
	var rows []lockRow

	err := t.guard(ctx, func() error {
		return t.db.NewSelect().
			Model(&rows).
			Where("namespace = ?", ns.String()).
			Where("expires_at > ?", t.now().UnixMilli()).
			OrderExpr("acquired_at ASC").
			Scan(ctx)
	})
	if err != nil {
		return nil, locktable.StorageError("list", err)
	}

	records := make([]locktable.Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.record())
	}

	return records, nil
}

// Transfer implements locktable.Transferer with a single upsert.
func (t *Table) Transfer(
	ctx context.Context,
	ns locktable.Namespace,
	id, owner string,
	timeout time.Duration,
) (locktable.Record, error) {
	now := t.now().UnixMilli()
	row := lockRow{
		Namespace:  ns.String(),
		ResourceID: id,
		Owner:      owner,
		AcquiredAt: now,
		TimeoutMs:  timeout.Milliseconds(),
		ExpiresAt:  now + timeout.Milliseconds(),
	}

	err := t.guard(ctx, func() error {
		q := t.db.NewInsert().Model(&row)

		if t.db.Dialect().Name() == dialect.MySQL {
			q = q.On("DUPLICATE KEY UPDATE").
				Set("owner = VALUES(owner)").
				Set("acquired_at = VALUES(acquired_at)").
				Set("timeout_ms = VALUES(timeout_ms)").
				Set("expires_at = VALUES(expires_at)")
		} else {
			q = q.On("CONFLICT (namespace, resource_id) DO UPDATE").
				Set("owner = EXCLUDED.owner").
				Set("acquired_at = EXCLUDED.acquired_at").
				Set("timeout_ms = EXCLUDED.timeout_ms").
				Set("expires_at = EXCLUDED.expires_at")
		}

		_, err := q.Exec(ctx)

		return err
	})
	if err != nil {
		return locktable.Record{}, locktable.StorageError("transfer", err)
	}

	return row.record(), nil
}

func (t *Table) guard(ctx context.Context, fn func() error) error {
	return t.cb.Guard(ctx, fn, isFailure)
}

func isFailure(err error) bool {
	return !errors.Is(err, sql.ErrNoRows) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}
