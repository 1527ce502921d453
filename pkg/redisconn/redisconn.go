// Package redisconn builds the Redis clients shared by the Redis backed lock
// table, presence registry, sweep locker and broadcast transport.
package redisconn

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrNoAddrs is returned when no Redis address was configured.
var ErrNoAddrs = errors.New("at least one Redis address is required")

// Config holds the Redis connection settings.
type Config struct {
	// Addrs is a list of Redis server addresses.
	// For single node: ["localhost:6379"]
	// For cluster: ["node1:6379", "node2:6379", "node3:6379"]
	Addrs []string

	// Username for authentication (optional, required for Redis ACL).
	Username string

	// Password for authentication (optional).
	Password string

	// DB is the Redis database number (0-15). Ignored in cluster mode.
	DB int

	// UseTLS enables TLS connection.
	UseTLS bool

	// PoolSize is the maximum number of socket connections.
	PoolSize int
}

// New connects to Redis and verifies the connection. A single address yields
// a plain client, several addresses a cluster client.
func New(ctx context.Context, cfg Config) (redis.UniversalClient, error) {
	addrs := make([]string, 0, len(cfg.Addrs))

	for _, addr := range cfg.Addrs {
		if addr = strings.TrimSpace(addr); addr != "" {
			addrs = append(addrs, addr)
		}
	}

	if len(addrs) == 0 {
		return nil, ErrNoAddrs
	}

	var tlsConfig *tls.Config
	if cfg.UseTLS {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	var client redis.UniversalClient

	mode := "single-node"

	if len(addrs) > 1 {
		mode = "cluster"
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:     addrs,
			Username:  cfg.Username,
			Password:  cfg.Password,
			PoolSize:  cfg.PoolSize,
			TLSConfig: tlsConfig,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:      addrs[0],
			Username:  cfg.Username,
			Password:  cfg.Password,
			DB:        cfg.DB,
			PoolSize:  cfg.PoolSize,
			TLSConfig: tlsConfig,
		})
	}

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	zerolog.Ctx(ctx).
		Info().
		Str("mode", mode).
		Strs("addrs", addrs).
		Msg("connected to Redis")

	return client, nil
}

// IsConnectionError reports whether err means Redis could not be reached, as
// opposed to a command level reply such as redis.Nil.
func IsConnectionError(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) {
		return true
	}

	errStr := err.Error()

	return strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "i/o timeout") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "client is closed")
}

// ForEachNode runs fn once per node holding data: every master of a cluster
// client, or the client itself otherwise. It is how keyspace scans cover a
// whole cluster. On a cluster fn runs concurrently, one goroutine per master.
func ForEachNode(ctx context.Context, client redis.UniversalClient, fn func(context.Context, redis.UniversalClient) error) error {
	if cc, ok := client.(*redis.ClusterClient); ok {
		return cc.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
			return fn(ctx, node)
		})
	}

	return fn(ctx, client)
}

// Collect runs fn on every node like ForEachNode and returns the results of
// all nodes in one slice.
func Collect[T any](
	ctx context.Context,
	client redis.UniversalClient,
	fn func(context.Context, redis.UniversalClient) ([]T, error),
) ([]T, error) {
	return collect(ctx, func(ctx context.Context, each func(context.Context, redis.UniversalClient) error) error {
		return ForEachNode(ctx, client, each)
	}, fn)
}

type nodeIterator func(context.Context, func(context.Context, redis.UniversalClient) error) error

func collect[T any](
	ctx context.Context,
	forEach nodeIterator,
	fn func(context.Context, redis.UniversalClient) ([]T, error),
) ([]T, error) {
	var (
		mu  sync.Mutex
		all []T
	)

	err := forEach(ctx, func(ctx context.Context, node redis.UniversalClient) error {
		found, err := fn(ctx, node)
		if err != nil {
			return err
		}

		mu.Lock()
		all = append(all, found...)
		mu.Unlock()

		return nil
	})
	if err != nil {
		return nil, err
	}

	return all, nil
}
