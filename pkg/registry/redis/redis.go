// Package redis provides a presence registry shared through Redis.
//
// Every identity is a member of one sorted set scored by the Unix millisecond
// time of its last heartbeat. Members older than the TTL are not reported and
// are trimmed on read.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/kalbasit/hazlock/pkg/registry"
)

// DefaultKey is the sorted set used when none is configured.
const DefaultKey = "hazlock:connections"

// Config configures the Redis registry.
type Config struct {
	// Key is the sorted set holding the heartbeats.
	Key string

	// TTL is how long a heartbeat keeps an identity connected.
	TTL time.Duration

	// Now is the clock stamping heartbeats. Defaults to time.Now.
	Now func() time.Time
}

// Registry implements registry.Presence on Redis.
type Registry struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
	now    func() time.Time
}

// New returns a Redis registry using client.
func New(client redis.UniversalClient, cfg Config) *Registry {
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}

	if cfg.TTL <= 0 {
		cfg.TTL = registry.DefaultTTL
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Registry{
		client: client,
		key:    cfg.Key,
		ttl:    cfg.TTL,
		now:    cfg.Now,
	}
}

// Heartbeat implements registry.Presence.
func (r *Registry) Heartbeat(ctx context.Context, identity string) error {
	err := r.client.ZAdd(ctx, r.key, redis.Z{
		Score:  float64(r.now().UnixMilli()),
		Member: identity,
	}).Err()
	if err != nil {
		return fmt.Errorf("error recording the heartbeat of %q: %w", identity, err)
	}

	return nil
}

// Deregister implements registry.Presence.
func (r *Registry) Deregister(ctx context.Context, identity string) error {
	if err := r.client.ZRem(ctx, r.key, identity).Err(); err != nil {
		return fmt.Errorf("error deregistering %q: %w", identity, err)
	}

	return nil
}

// Connections implements registry.Registry.
func (r *Registry) Connections(ctx context.Context) (map[string]struct{}, error) {
	cutoff := strconv.FormatInt(r.now().Add(-r.ttl).UnixMilli(), 10)

	var members *redis.StringSliceCmd

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, r.key, "-inf", cutoff)
		members = pipe.ZRangeByScore(ctx, r.key, &redis.ZRangeBy{Min: "(" + cutoff, Max: "+inf"})

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error reading the connection registry: %w", err)
	}

	identities := members.Val()

	zerolog.Ctx(ctx).
		Trace().
		Int("connections", len(identities)).
		Msg("read the connection registry")

	connections := make(map[string]struct{}, len(identities))
	for _, identity := range identities {
		connections[identity] = struct{}{}
	}

	return connections, nil
}
