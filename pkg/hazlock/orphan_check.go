package hazlock

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/kalbasit/hazlock/pkg/client"
	"github.com/kalbasit/hazlock/pkg/coordinator"
	"github.com/kalbasit/hazlock/pkg/lockchange"
	"github.com/kalbasit/hazlock/pkg/server"
)

func orphanCheckCommand(flagSources flagSourcesFn, registerShutdown registerShutdownFn) *cli.Command {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name: "server-url",
			Usage: "The URL of a running coordinator to ask for the check. " +
				"Omit to run the check directly on the configured backends.",
			Sources: flagSources("orphan-check.server-url", "HAZLOCK_SERVER_URL"),
		},
		&cli.BoolFlag{
			Name:  "practice",
			Usage: "Check the practice namespace instead of the operational one",
		},
	}

	flags = append(flags, storeFlags(flagSources)...)
	flags = append(flags, broadcastFlags(flagSources)...)
	flags = append(flags, redisFlags(flagSources)...)

	return &cli.Command{
		Name:   "orphan-check",
		Usage:  "delete the locks held by workstations that are no longer connected",
		Action: orphanCheckAction(registerShutdown),
		Flags:  flags,
	}
}

func orphanCheckAction(registerShutdown registerShutdownFn) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		out := cmd.Root().Writer

		ctx = zerolog.Ctx(ctx).With().Str("cmd", "orphan-check").Logger().WithContext(ctx)

		handler, err := orphanCheckHandler(ctx, cmd, registerShutdown)
		if err != nil {
			return err
		}

		resp, err := handler.Handle(ctx, coordinator.Request{
			Type:     coordinator.RequestOrphanCheck,
			Practice: cmd.Bool("practice"),
		})
		if err != nil {
			return fmt.Errorf("error running the orphan check: %w", err)
		}

		if _, err := fmt.Fprintln(out, resp.Message); err != nil {
			return err
		}

		if len(resp.Payload) > 0 {
			if _, err := fmt.Fprintln(out, strings.Join(resp.Payload, "\n")); err != nil {
				return err
			}
		}

		return nil
	}
}

func orphanCheckHandler(
	ctx context.Context,
	cmd *cli.Command,
	registerShutdown registerShutdownFn,
) (server.RequestHandler, error) {
	if serverURL := cmd.String("server-url"); serverURL != "" {
		c, err := client.New(serverURL)
		if err != nil {
			return nil, err
		}

		return c, nil
	}

	b := newBackends(cmd, registerShutdown)

	if err := b.openTransport(ctx); err != nil {
		return nil, err
	}

	if err := b.openStores(ctx); err != nil {
		return nil, err
	}

	return coordinator.New(
		b.table,
		b.presence,
		lockchange.NewBroadcaster(b.transport),
		coordinator.WithSweepLocker(b.sweepLocker, coordinator.DefaultSweepLockTTL),
	), nil
}
