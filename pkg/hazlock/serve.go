package hazlock

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/kalbasit/hazlock/pkg/coordinator"
	"github.com/kalbasit/hazlock/pkg/identity"
	"github.com/kalbasit/hazlock/pkg/lockchange"
	"github.com/kalbasit/hazlock/pkg/maxprocs"
	"github.com/kalbasit/hazlock/pkg/otel"
	"github.com/kalbasit/hazlock/pkg/prometheus"
	"github.com/kalbasit/hazlock/pkg/server"
	"github.com/kalbasit/hazlock/pkg/telemetry"
)

const shutdownTimeout = 10 * time.Second

func serveCommand(flagSources flagSourcesFn, registerShutdown registerShutdownFn) *cli.Command {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:    "server-addr",
			Usage:   "The address of the server",
			Sources: flagSources("server.addr", "SERVER_ADDR"),
			Value:   ":8501",
		},
		&cli.StringFlag{
			Name:    "coordinator-identity",
			Usage:   "The host:application:thread identity lock change broadcasts of orphan checks are sent as",
			Sources: flagSources("coordinator.identity", "COORDINATOR_IDENTITY"),
			Validator: func(s string) error {
				_, err := identity.Parse(s)

				return err
			},
		},
		&cli.DurationFlag{
			Name:    "lock-timeout",
			Usage:   "How long a granted lock stays valid before it can be reclaimed",
			Sources: flagSources("coordinator.lock-timeout", "LOCK_TIMEOUT"),
			Value:   coordinator.DefaultLockTimeout,
		},
		&cli.StringFlag{
			Name: "orphan-check-schedule",
			//nolint:lll
			Usage:   "The cron spec for deleting the locks of disconnected workstations. Refer to https://pkg.go.dev/github.com/robfig/cron/v3#hdr-Usage for documentation",
			Sources: flagSources("coordinator.orphan-check.schedule", "ORPHAN_CHECK_SCHEDULE"),
			Validator: func(s string) error {
				_, err := cron.ParseStandard(s)

				return err
			},
		},
		&cli.StringFlag{
			Name:    "orphan-check-schedule-timezone",
			Usage:   "The name of the timezone to use for the cron",
			Sources: flagSources("coordinator.orphan-check.timezone", "ORPHAN_CHECK_SCHEDULE_TZ"),
			Value:   "Local",
		},
		&cli.BoolFlag{
			Name:    "orphan-check-on-startup",
			Usage:   "Run an orphan check of both namespaces before serving",
			Sources: flagSources("coordinator.orphan-check.on-startup", "ORPHAN_CHECK_ON_STARTUP"),
		},
		&cli.DurationFlag{
			Name:    "orphan-check-lock-ttl",
			Usage:   "TTL of the lock that keeps coordinators from checking for orphans concurrently",
			Sources: flagSources("coordinator.orphan-check.lock-ttl", "ORPHAN_CHECK_LOCK_TTL"),
			Value:   coordinator.DefaultSweepLockTTL,
		},
	}

	flags = append(flags, storeFlags(flagSources)...)
	flags = append(flags, broadcastFlags(flagSources)...)
	flags = append(flags, redisFlags(flagSources)...)

	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "serve the lock coordinator over http",
		Action:  serveAction(registerShutdown),
		Flags:   flags,
	}
}

func serveAction(registerShutdown registerShutdownFn) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		logger := zerolog.Ctx(ctx).With().Str("cmd", "serve").Logger()

		ctx = logger.WithContext(ctx)

		ctx, cancel := context.WithCancel(ctx)

		g, ctx := errgroup.WithContext(ctx)

		defer func() {
			if err := g.Wait(); err != nil {
				logger.Error().Err(err).Msg("error returned from g.Wait()")
			}
		}()

		// NOTE: Reminder that defer statements run last to first so the first
		// thing that happens here is the context is canceled which triggers
		// the errgroup to stop and wait.
		defer cancel()

		g.Go(func() error {
			return maxprocs.Run(ctx, 30*time.Second)
		})

		coordinatorIdentity := cmd.String("coordinator-identity")
		if coordinatorIdentity == "" {
			coordinatorIdentity = coordinator.DefaultIdentity()
		}

		workstation, err := identity.Parse(coordinatorIdentity)
		if err != nil {
			return err
		}

		otelResource, err := telemetry.NewResource(
			ctx,
			cmd.Root().Name,
			Version,
			telemetry.Coordinator(workstation)...,
		)
		if err != nil {
			logger.
				Error().
				Err(err).
				Msg("error creating a new otel resource")

			return err
		}

		otelShutdown, err := otel.SetupOTelSDK(ctx, otel.Config{
			Enabled:      cmd.Root().Bool("otel-enabled"),
			CollectorURL: cmd.Root().String("otel-collector-url"),
			Protocol:     otel.Protocol(cmd.Root().String("otel-protocol")),
		}, otelResource)
		if err != nil {
			return err
		}

		registerShutdown("open telemetry", otelShutdown)

		b := newBackends(cmd, registerShutdown)

		if err := b.openTransport(ctx); err != nil {
			return err
		}

		if err := b.openStores(ctx); err != nil {
			return err
		}

		coord := coordinator.New(
			b.table,
			b.presence,
			lockchange.NewBroadcaster(b.transport),
			coordinator.WithIdentity(coordinatorIdentity),
			coordinator.WithLockTimeout(cmd.Duration("lock-timeout")),
			coordinator.WithSweepLocker(b.sweepLocker, cmd.Duration("orphan-check-lock-ttl")),
		)

		logger = logger.With().Str("coordinator_identity", coord.Identity()).Logger()
		ctx = logger.WithContext(ctx)

		if err := setupOrphanCheck(ctx, cmd, coord, registerShutdown); err != nil {
			return err
		}

		srv := server.New(coord, b.presence)

		if cmd.Root().Bool("prometheus-enabled") {
			metrics, err := prometheus.Setup(ctx, otelResource)
			if err != nil {
				return fmt.Errorf("error setting up Prometheus metrics: %w", err)
			}

			registerShutdown("prometheus", metrics.Shutdown)

			srv.SetMetricsHandler(metrics.Handler())

			logger.
				Info().
				Msg("Prometheus metrics enabled at /metrics")
		}

		httpServer := &http.Server{
			BaseContext:       func(net.Listener) context.Context { return ctx },
			Addr:              cmd.String("server-addr"),
			Handler:           srv,
			ReadHeaderTimeout: 10 * time.Second,
		}

		g.Go(func() error {
			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()

			return httpServer.Shutdown(shutdownCtx)
		})

		logger.Info().
			Str("server_addr", cmd.String("server-addr")).
			Msg("Server started")

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("error starting the HTTP listener: %w", err)
		}

		return nil
	}
}

func setupOrphanCheck(
	ctx context.Context,
	cmd *cli.Command,
	coord *coordinator.Coordinator,
	registerShutdown registerShutdownFn,
) error {
	var (
		loc *time.Location
		err error
	)

	if cronTimezone := cmd.String("orphan-check-schedule-timezone"); cronTimezone != "" {
		loc, err = time.LoadLocation(cronTimezone)
		if err != nil {
			return fmt.Errorf("error parsing the timezone %q: %w", cronTimezone, err)
		}
	}

	sweeper := coordinator.NewSweeper(ctx, coord, loc)

	if cmd.Bool("orphan-check-on-startup") {
		sweeper.RunOnce(ctx)
	}

	spec := cmd.String("orphan-check-schedule")
	if spec == "" {
		return nil
	}

	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("error parsing the cron spec %q: %w", spec, err)
	}

	sweeper.Schedule(ctx, schedule)
	sweeper.Start(ctx)

	registerShutdown("orphan check", sweeper.Stop)

	return nil
}
