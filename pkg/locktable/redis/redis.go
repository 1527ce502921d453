// Package redis provides a locktable.Table backed by Redis.
//
// Each record is a hash stored under "<prefix><namespace>:<resource id>" with
// the fields owner, acquired_at and timeout (both in milliseconds). The grant
// decision runs inside a Lua script so it is atomic on the server. Keys also
// carry a PEXPIRE of timeout plus a grace period so abandoned records are
// eventually collected by Redis itself; until then an expired record is
// reclaimed and reported as locktable.Old.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/kalbasit/hazlock/pkg/circuitbreaker"
	"github.com/kalbasit/hazlock/pkg/locktable"
	"github.com/kalbasit/hazlock/pkg/redisconn"
)

const (
	// DefaultKeyPrefix is the prefix used when none is configured.
	DefaultKeyPrefix = "hazlock:locktable:"

	// DefaultGracePeriod is how long an expired record stays in Redis before
	// the server drops it.
	DefaultGracePeriod = time.Hour

	scanCount = 100

	fieldOwner      = "owner"
	fieldAcquiredAt = "acquired_at"
	fieldTimeout    = "timeout"

	replyGranted = "granted"
	replyHeld    = "held"
	replyOld     = "old"
)

// ErrUnexpectedReply is returned when a script replies with an unknown shape.
var ErrUnexpectedReply = errors.New("unexpected reply from Redis")

// KEYS[1] record key
// ARGV[1] owner, ARGV[2] now (ms), ARGV[3] timeout (ms), ARGV[4] grace (ms)
//
//nolint:gochecknoglobals
var tryLockScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'owner', 'acquired_at', 'timeout')
if cur[1] then
	if tonumber(ARGV[2]) >= tonumber(cur[2]) + tonumber(cur[3]) then
		redis.call('DEL', KEYS[1])
		return {'old', cur[1], cur[2], cur[3]}
	end
	return {'held', cur[1], cur[2], cur[3]}
end
redis.call('HSET', KEYS[1], 'owner', ARGV[1], 'acquired_at', ARGV[2], 'timeout', ARGV[3])
redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[3]) + tonumber(ARGV[4]))
return {'granted', ARGV[1], ARGV[2], ARGV[3]}
`)

// KEYS[1] record key
// ARGV[1] now (ms)
// Returns 1 when a live record was removed.
//
//nolint:gochecknoglobals
var deleteScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'acquired_at', 'timeout')
if not cur[1] then
	return 0
end
redis.call('DEL', KEYS[1])
if tonumber(ARGV[1]) >= tonumber(cur[1]) + tonumber(cur[2]) then
	return 0
end
return 1
`)

// Config configures the Redis lock table.
type Config struct {
	// KeyPrefix is prepended to every record key.
	KeyPrefix string

	// GracePeriod extends the server side expiry of a record past its timeout.
	GracePeriod time.Duration

	// Now is the clock used to stamp and expire records. Defaults to time.Now.
	Now func() time.Time

	// CircuitBreaker guards the calls to Redis. Defaults to a breaker with the
	// package defaults.
	CircuitBreaker *circuitbreaker.CircuitBreaker
}

// Table implements locktable.Table and locktable.Transferer on Redis.
type Table struct {
	client    redis.UniversalClient
	keyPrefix string
	grace     time.Duration
	now       func() time.Time
	cb        *circuitbreaker.CircuitBreaker
}

// New returns a Redis lock table using the given client.
func New(client redis.UniversalClient, cfg Config) *Table {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}

	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	if cfg.CircuitBreaker == nil {
		cfg.CircuitBreaker = circuitbreaker.New("redis-locktable", circuitbreaker.DefaultThreshold, circuitbreaker.DefaultTimeout)
	}

	return &Table{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		grace:     cfg.GracePeriod,
		now:       cfg.Now,
		cb:        cfg.CircuitBreaker,
	}
}

// TryLock implements locktable.Table.
func (t *Table) TryLock(
	ctx context.Context,
	ns locktable.Namespace,
	id, owner string,
	timeout time.Duration,
) (locktable.TryLockResult, error) {
	var reply []any

	err := t.guard(ctx, func() error {
		var err error

		reply, err = tryLockScript.Run(ctx, t.client,
			[]string{t.key(ns, id)},
			owner,
			t.now().UnixMilli(),
			timeout.Milliseconds(),
			t.grace.Milliseconds(),
		).Slice()

		return err
	})
	if err != nil {
		return locktable.TryLockResult{Status: locktable.Failed}, locktable.StorageError("try lock", err)
	}

	status, rec, err := parseTryLockReply(ns, id, reply)
	if err != nil {
		return locktable.TryLockResult{Status: locktable.Failed}, locktable.StorageError("try lock", err)
	}

	if status == locktable.Old {
		zerolog.Ctx(ctx).
			Debug().
			Str("namespace", ns.String()).
			Str("resource_id", id).
			Str("previous_owner", rec.Owner).
			Msg("reclaimed an expired lock record")
	}

	return locktable.TryLockResult{Status: status, Existing: &rec}, nil
}

// Unlock implements locktable.Table.
func (t *Table) Unlock(ctx context.Context, ns locktable.Namespace, id string) (bool, error) {
	return t.Delete(ctx, ns, id)
}

// Delete implements locktable.Table.
func (t *Table) Delete(ctx context.Context, ns locktable.Namespace, id string) (bool, error) {
	var removed int64

	err := t.guard(ctx, func() error {
		var err error

		removed, err = deleteScript.Run(ctx, t.client, []string{t.key(ns, id)}, t.now().UnixMilli()).Int64()

		return err
	})
	if err != nil {
		return false, locktable.StorageError("delete", err)
	}

	return removed == 1, nil
}

// List implements locktable.Table.
func (t *Table) List(ctx context.Context, ns locktable.Namespace) ([]locktable.Record, error) {
	prefix := t.keyPrefix + ns.String() + ":"
	now := t.now()

	var records []locktable.Record

	err := t.guard(ctx, func() error {
		var err error

		records, err = redisconn.Collect(ctx, t.client, func(ctx context.Context, node redis.UniversalClient) ([]locktable.Record, error) {
			var found []locktable.Record

			iter := node.Scan(ctx, 0, prefix+"*", scanCount).Iterator()

			for iter.Next(ctx) {
				key := iter.Val()

				rec, ok, err := t.read(ctx, node, ns, strings.TrimPrefix(key, prefix), key)
				if err != nil {
					return nil, err
				}

				if ok && !rec.Expired(now) {
					found = append(found, rec)
				}
			}

			return found, iter.Err()
		})

		return err
	})
	if err != nil {
		return nil, locktable.StorageError("list", err)
	}

	return records, nil
}

// Transfer implements locktable.Transferer.
func (t *Table) Transfer(
	ctx context.Context,
	ns locktable.Namespace,
	id, owner string,
	timeout time.Duration,
) (locktable.Record, error) {
	key := t.key(ns, id)
	rec := locktable.Record{
		Namespace:  ns,
		ResourceID: id,
		Owner:      owner,
		AcquiredAt: time.UnixMilli(t.now().UnixMilli()).UTC(),
		Timeout:    timeout,
	}

	err := t.guard(ctx, func() error {
		_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.HSet(ctx, key,
				fieldOwner, owner,
				fieldAcquiredAt, rec.AcquiredAt.UnixMilli(),
				fieldTimeout, timeout.Milliseconds(),
			)
			pipe.PExpire(ctx, key, timeout+t.grace)

			return nil
		})

		return err
	})
	if err != nil {
		return locktable.Record{}, locktable.StorageError("transfer", err)
	}

	return rec, nil
}

func (t *Table) read(
	ctx context.Context,
	node redis.UniversalClient,
	ns locktable.Namespace,
	id, key string,
) (locktable.Record, bool, error) {
	vals, err := node.HMGet(ctx, key, fieldOwner, fieldAcquiredAt, fieldTimeout).Result()
	if err != nil {
		return locktable.Record{}, false, err
	}

	// the key may have been deleted between SCAN and HMGET
	if len(vals) != 3 || vals[0] == nil {
		return locktable.Record{}, false, nil
	}

	rec, err := buildRecord(ns, id, vals[0], vals[1], vals[2])
	if err != nil {
		return locktable.Record{}, false, err
	}

	return rec, true, nil
}

func (t *Table) guard(ctx context.Context, fn func() error) error {
	return t.cb.Guard(ctx, fn, redisconn.IsConnectionError)
}

func (t *Table) key(ns locktable.Namespace, id string) string {
	return t.keyPrefix + ns.String() + ":" + id
}

func parseTryLockReply(ns locktable.Namespace, id string, reply []any) (locktable.TryLockStatus, locktable.Record, error) {
	if len(reply) != 4 {
		return locktable.Failed, locktable.Record{}, fmt.Errorf("%w: %v", ErrUnexpectedReply, reply)
	}

	rec, err := buildRecord(ns, id, reply[1], reply[2], reply[3])
	if err != nil {
		return locktable.Failed, locktable.Record{}, err
	}

	switch reply[0] {
	case replyGranted:
		return locktable.Successful, rec, nil
	case replyHeld:
		return locktable.AlreadyRunning, rec, nil
	case replyOld:
		return locktable.Old, rec, nil
	default:
		return locktable.Failed, locktable.Record{}, fmt.Errorf("%w: status %v", ErrUnexpectedReply, reply[0])
	}
}

func buildRecord(ns locktable.Namespace, id string, owner, acquiredAt, timeout any) (locktable.Record, error) {
	ownerStr, ok := owner.(string)
	if !ok {
		return locktable.Record{}, fmt.Errorf("%w: owner %v", ErrUnexpectedReply, owner)
	}

	acquiredMs, err := toInt64(acquiredAt)
	if err != nil {
		return locktable.Record{}, err
	}

	timeoutMs, err := toInt64(timeout)
	if err != nil {
		return locktable.Record{}, err
	}

	return locktable.Record{
		Namespace:  ns,
		ResourceID: id,
		Owner:      ownerStr,
		AcquiredAt: time.UnixMilli(acquiredMs).UTC(),
		Timeout:    time.Duration(timeoutMs) * time.Millisecond,
	}, nil
}

func toInt64(v any) (int64, error) {
	switch val := v.(type) {
	case int64:
		return val, nil
	case string:
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q: %w", ErrUnexpectedReply, val, err)
		}

		return n, nil
	default:
		return 0, fmt.Errorf("%w: %v (%T)", ErrUnexpectedReply, v, v)
	}
}
