package hazlock

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/uptrace/bun"
	"github.com/urfave/cli/v3"

	broadcastnats "github.com/kalbasit/hazlock/pkg/broadcast/nats"
	broadcastredis "github.com/kalbasit/hazlock/pkg/broadcast/redis"
	locallock "github.com/kalbasit/hazlock/pkg/lock/local"
	redislock "github.com/kalbasit/hazlock/pkg/lock/redis"
	localtable "github.com/kalbasit/hazlock/pkg/locktable/local"
	redistable "github.com/kalbasit/hazlock/pkg/locktable/redis"
	registryredis "github.com/kalbasit/hazlock/pkg/registry/redis"

	"github.com/kalbasit/hazlock/pkg/broadcast"
	"github.com/kalbasit/hazlock/pkg/broadcast/inmem"
	"github.com/kalbasit/hazlock/pkg/database"
	"github.com/kalbasit/hazlock/pkg/lock"
	"github.com/kalbasit/hazlock/pkg/lock/sqllock"
	"github.com/kalbasit/hazlock/pkg/locktable"
	"github.com/kalbasit/hazlock/pkg/locktable/sqltable"
	"github.com/kalbasit/hazlock/pkg/redisconn"
	"github.com/kalbasit/hazlock/pkg/registry"
)

var (
	// ErrRedisAddrsRequired is returned when a Redis backend is selected without --redis-addrs.
	ErrRedisAddrsRequired = errors.New("a redis backend requires --redis-addrs to be set")

	// ErrDatabaseURLRequired is returned when the database lock table is selected without --database-url.
	ErrDatabaseURLRequired = errors.New("--lock-table-backend=database requires --database-url to be set")

	// ErrNATSURLRequired is returned when the NATS broadcast is selected without --nats-url.
	ErrNATSURLRequired = errors.New("--broadcast-backend=nats requires --nats-url to be set")

	// ErrUnknownBackend is returned for a backend name that is not supported.
	ErrUnknownBackend = errors.New("unknown backend")
)

const (
	backendLocal    = "local"
	backendRedis    = "redis"
	backendDatabase = "database"
	backendNATS     = "nats"
)

func redisFlags(flagSources flagSourcesFn) []cli.Flag {
	return []cli.Flag{
		&cli.StringSliceFlag{
			Name:    "redis-addrs",
			Usage:   "Redis server addresses (e.g., localhost:6379). Several addresses select cluster mode.",
			Sources: flagSources("redis.addrs", "REDIS_ADDRS"),
		},
		&cli.StringFlag{
			Name:    "redis-username",
			Usage:   "Redis username for authentication (for Redis ACL)",
			Sources: flagSources("redis.username", "REDIS_USERNAME"),
		},
		&cli.StringFlag{
			Name:    "redis-password",
			Usage:   "Redis password for authentication",
			Sources: flagSources("redis.password", "REDIS_PASSWORD"),
		},
		&cli.IntFlag{
			Name:    "redis-db",
			Usage:   "Redis database number (0-15)",
			Sources: flagSources("redis.db", "REDIS_DB"),
			Value:   0,
		},
		&cli.BoolFlag{
			Name:    "redis-use-tls",
			Usage:   "Use TLS for Redis connection",
			Sources: flagSources("redis.use-tls", "REDIS_USE_TLS"),
		},
		&cli.IntFlag{
			Name:    "redis-pool-size",
			Usage:   "Redis connection pool size",
			Sources: flagSources("redis.pool-size", "REDIS_POOL_SIZE"),
			Value:   10,
		},
		&cli.StringFlag{
			Name:    "redis-key-prefix",
			Usage:   "Prefix for every Redis key and channel used by hazlock",
			Sources: flagSources("redis.key-prefix", "REDIS_KEY_PREFIX"),
			Value:   "hazlock:",
		},
	}
}

func broadcastFlags(flagSources flagSourcesFn) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "broadcast-backend",
			Usage:   "Lock change broadcast backend: 'local' (single process), 'redis' (pub/sub) or 'nats'",
			Sources: flagSources("broadcast.backend", "BROADCAST_BACKEND"),
			Value:   backendLocal,
		},
		&cli.StringFlag{
			Name:    "nats-url",
			Usage:   "NATS server URL (e.g., nats://localhost:4222)",
			Sources: flagSources("broadcast.nats.url", "NATS_URL"),
		},
		&cli.StringFlag{
			Name:    "nats-subject-prefix",
			Usage:   "Prefix for every NATS subject used by hazlock",
			Sources: flagSources("broadcast.nats.subject-prefix", "NATS_SUBJECT_PREFIX"),
		},
	}
}

func storeFlags(flagSources flagSourcesFn) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name: "lock-table-backend",
			Usage: "Lock table backend: 'local' (single instance), 'redis' (distributed) " +
				"or 'database' (distributed, PostgreSQL, MySQL or SQLite)",
			Sources: flagSources("lock-table.backend", "LOCK_TABLE_BACKEND"),
			Value:   backendLocal,
		},
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "The URL of the database holding the lock table",
			Sources: flagSources("database.url", "DATABASE_URL"),
		},
		&cli.IntFlag{
			Name:    "database-pool-max-open-conns",
			Usage:   "Maximum number of open connections to the database (0 = use database-specific defaults)",
			Sources: flagSources("database.pool.max-open-conns", "DATABASE_POOL_MAX_OPEN_CONNS"),
		},
		&cli.IntFlag{
			Name:    "database-pool-max-idle-conns",
			Usage:   "Maximum number of idle connections in the pool (0 = use database-specific defaults)",
			Sources: flagSources("database.pool.max-idle-conns", "DATABASE_POOL_MAX_IDLE_CONNS"),
		},
		&cli.StringFlag{
			Name:    "registry-backend",
			Usage:   "Connection registry backend: 'local' (single instance) or 'redis' (distributed)",
			Sources: flagSources("registry.backend", "REGISTRY_BACKEND"),
			Value:   backendLocal,
		},
		&cli.DurationFlag{
			Name:    "registry-ttl",
			Usage:   "How long a heartbeat keeps a workstation connected",
			Sources: flagSources("registry.ttl", "REGISTRY_TTL"),
			Value:   registry.DefaultTTL,
		},
		&cli.BoolFlag{
			Name:    "lock-allow-degraded-mode",
			Usage:   "Fall back to a local orphan check lock while Redis is unavailable",
			Sources: flagSources("lock.allow-degraded-mode", "LOCK_ALLOW_DEGRADED_MODE"),
		},
	}
}

// backends are the stores a coordinator runs on, built from the command flags.
type backends struct {
	cmd              *cli.Command
	registerShutdown registerShutdownFn

	redisClient redis.UniversalClient
	db          *bun.DB

	table       locktable.Table
	presence    registry.Presence
	transport   broadcast.Transport
	sweepLocker lock.Locker
}

func newBackends(cmd *cli.Command, registerShutdown registerShutdownFn) *backends {
	return &backends{cmd: cmd, registerShutdown: registerShutdown}
}

func (b *backends) redis(ctx context.Context) (redis.UniversalClient, error) {
	if b.redisClient != nil {
		return b.redisClient, nil
	}

	addrs := make([]string, 0, len(b.cmd.StringSlice("redis-addrs")))

	for _, addr := range b.cmd.StringSlice("redis-addrs") {
		if addr = strings.TrimSpace(addr); addr != "" {
			addrs = append(addrs, addr)
		}
	}

	if len(addrs) == 0 {
		return nil, ErrRedisAddrsRequired
	}

	client, err := redisconn.New(ctx, redisconn.Config{
		Addrs:    addrs,
		Username: b.cmd.String("redis-username"),
		Password: b.cmd.String("redis-password"),
		DB:       b.cmd.Int("redis-db"),
		UseTLS:   b.cmd.Bool("redis-use-tls"),
		PoolSize: b.cmd.Int("redis-pool-size"),
	})
	if err != nil {
		return nil, fmt.Errorf("error connecting to Redis: %w", err)
	}

	b.registerShutdown("redis", func(context.Context) error { return client.Close() })

	b.redisClient = client

	return client, nil
}

func (b *backends) keyPrefix() string { return b.cmd.String("redis-key-prefix") }

// openStores builds the lock table, the connection registry and the sweep
// locker. Open the transport first so a Redis broadcast also coordinates the
// sweeps.
func (b *backends) openStores(ctx context.Context) error {
	if err := b.openTable(ctx); err != nil {
		return err
	}

	if err := b.openRegistry(ctx); err != nil {
		return err
	}

	return b.openSweepLocker(ctx)
}

func (b *backends) openTable(ctx context.Context) error {
	switch backend := b.cmd.String("lock-table-backend"); backend {
	case backendLocal:
		b.table = localtable.New()

		zerolog.Ctx(ctx).
			Info().
			Msg("using the in-memory lock table (single-instance mode)")

	case backendRedis:
		client, err := b.redis(ctx)
		if err != nil {
			return err
		}

		b.table = redistable.New(client, redistable.Config{KeyPrefix: b.keyPrefix() + "locktable:"})

		zerolog.Ctx(ctx).
			Info().
			Msg("lock table stored in Redis")

	case backendDatabase:
		dbURL := b.cmd.String("database-url")
		if dbURL == "" {
			return ErrDatabaseURLRequired
		}

		db, err := database.Open(dbURL, &database.PoolConfig{
			MaxOpenConns: b.cmd.Int("database-pool-max-open-conns"),
			MaxIdleConns: b.cmd.Int("database-pool-max-idle-conns"),
		})
		if err != nil {
			return fmt.Errorf("error opening the database: %w", err)
		}

		b.registerShutdown("database", func(context.Context) error { return db.Close() })

		b.db = db

		table, err := sqltable.New(ctx, db)
		if err != nil {
			return fmt.Errorf("error preparing the lock table: %w", err)
		}

		b.table = table

		zerolog.Ctx(ctx).
			Info().
			Str("dialect", db.Dialect().Name().String()).
			Msg("lock table stored in the database")

	default:
		return fmt.Errorf("%w: lock table %q (must be 'local', 'redis', or 'database')", ErrUnknownBackend, backend)
	}

	return nil
}

func (b *backends) openRegistry(ctx context.Context) error {
	ttl := b.cmd.Duration("registry-ttl")

	switch backend := b.cmd.String("registry-backend"); backend {
	case backendLocal:
		b.presence = registry.NewMemory(registry.WithTTL(ttl))

	case backendRedis:
		client, err := b.redis(ctx)
		if err != nil {
			return err
		}

		b.presence = registryredis.New(client, registryredis.Config{
			Key: b.keyPrefix() + "connections",
			TTL: ttl,
		})

	default:
		return fmt.Errorf("%w: registry %q (must be 'local' or 'redis')", ErrUnknownBackend, backend)
	}

	zerolog.Ctx(ctx).
		Info().
		Str("backend", b.cmd.String("registry-backend")).
		Dur("ttl", ttl).
		Msg("connection registry ready")

	return nil
}

// openSweepLocker picks a Redis lock whenever coordinators share Redis so only
// one of them sweeps at a time.
func (b *backends) openSweepLocker(ctx context.Context) error {
	if b.redisClient == nil && b.db != nil {
		locker, err := sqllock.NewLocker(b.db, sqllock.Config{
			KeyPrefix:         b.keyPrefix() + "lock:",
			Retry:             lock.DefaultRetryConfig(),
			AllowDegradedMode: b.cmd.Bool("lock-allow-degraded-mode"),
		})

		switch {
		case err == nil:
			b.sweepLocker = locker

			zerolog.Ctx(ctx).
				Info().
				Str("engine", locker.Engine()).
				Msg("orphan checks coordinated through database advisory locks")

			return nil

		case errors.Is(err, sqllock.ErrUnsupportedDialect):
			zerolog.Ctx(ctx).
				Warn().
				Err(err).
				Msg("orphan checks are only serialized within this process")

		default:
			return err
		}
	}

	if b.redisClient == nil {
		b.sweepLocker = locallock.NewLocker()

		return nil
	}

	b.sweepLocker = redislock.NewLocker(redislock.Config{
		KeyPrefix:         b.keyPrefix() + "lock:",
		Retry:             lock.DefaultRetryConfig(),
		AllowDegradedMode: b.cmd.Bool("lock-allow-degraded-mode"),
	}, b.redisClient)

	zerolog.Ctx(ctx).
		Info().
		Msg("orphan checks coordinated through Redis")

	return nil
}

func (b *backends) openTransport(ctx context.Context) error {
	switch backend := b.cmd.String("broadcast-backend"); backend {
	case backendLocal:
		b.transport = inmem.New()

	case backendRedis:
		client, err := b.redis(ctx)
		if err != nil {
			return err
		}

		b.transport = broadcastredis.New(client, broadcastredis.Config{ChannelPrefix: b.keyPrefix()})

	case backendNATS:
		natsURL := b.cmd.String("nats-url")
		if natsURL == "" {
			return ErrNATSURLRequired
		}

		conn, err := broadcastnats.Connect(ctx, natsURL)
		if err != nil {
			return err
		}

		b.transport = broadcastnats.New(conn,
			broadcastnats.WithSubjectPrefix(b.cmd.String("nats-subject-prefix")),
			broadcastnats.WithOwnedConn(),
		)

	default:
		return fmt.Errorf("%w: broadcast %q (must be 'local', 'redis', or 'nats')", ErrUnknownBackend, backend)
	}

	b.registerShutdown("broadcast", func(context.Context) error { return b.transport.Close() })

	zerolog.Ctx(ctx).
		Info().
		Str("backend", b.cmd.String("broadcast-backend")).
		Msg("lock change broadcast ready")

	return nil
}
