package hazlock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/kalbasit/hazlock/pkg/client"
	"github.com/kalbasit/hazlock/pkg/identity"
	"github.com/kalbasit/hazlock/pkg/lockchange"
	"github.com/kalbasit/hazlock/pkg/notification"
)

// ErrIdentityRequired is returned when watch is asked to heartbeat without an identity.
var ErrIdentityRequired = errors.New("--server-url requires --identity to be set")

func watchCommand(flagSources flagSourcesFn, registerShutdown registerShutdownFn) *cli.Command {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:    "server-url",
			Usage:   "The URL of the coordinator to keep --identity connected to while watching",
			Sources: flagSources("watch.server-url", "HAZLOCK_SERVER_URL"),
		},
		&cli.StringFlag{
			Name:    "identity",
			Usage:   "The host:application:thread identity of this workstation",
			Sources: flagSources("watch.identity", "HAZLOCK_IDENTITY"),
			Validator: func(s string) error {
				_, err := identity.Parse(s)

				return err
			},
		},
		&cli.DurationFlag{
			Name:    "heartbeat-interval",
			Usage:   "How often the identity is reported to the coordinator",
			Sources: flagSources("watch.heartbeat-interval", "HEARTBEAT_INTERVAL"),
			Value:   30 * time.Second,
		},
	}

	flags = append(flags, broadcastFlags(flagSources)...)
	flags = append(flags, redisFlags(flagSources)...)

	return &cli.Command{
		Name:   "watch",
		Usage:  "print the lock changes broadcast by the coordinators",
		Action: watchAction(registerShutdown),
		Flags:  flags,
	}
}

func watchAction(registerShutdown registerShutdownFn) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		ctx = zerolog.Ctx(ctx).With().Str("cmd", "watch").Logger().WithContext(ctx)

		var keepAlive func(context.Context) error

		if serverURL := cmd.String("server-url"); serverURL != "" {
			id := cmd.String("identity")
			if id == "" {
				return ErrIdentityRequired
			}

			c, err := client.New(serverURL)
			if err != nil {
				return err
			}

			keepAlive = func(ctx context.Context) error {
				return c.KeepAlive(ctx, id, cmd.Duration("heartbeat-interval"))
			}
		}

		b := newBackends(cmd, registerShutdown)

		if err := b.openTransport(ctx); err != nil {
			return err
		}

		sender := notification.NewSender(nil, nil, notification.WithOriginator(cmd.String("identity")))
		registerWatchHandlers(sender, cmd.Root().Writer)

		sub, err := lockchange.NewListener(sender).Listen(ctx, b.transport)
		if err != nil {
			return err
		}

		g, ctx := errgroup.WithContext(ctx)

		if keepAlive != nil {
			g.Go(func() error { return keepAlive(ctx) })
		}

		g.Go(func() error {
			<-ctx.Done()

			//nolint:contextcheck
			return errors.Join(sub.Close(), sender.Close(context.WithoutCancel(ctx)))
		})

		zerolog.Ctx(ctx).
			Info().
			Str("backend", cmd.String("broadcast-backend")).
			Msg("watching lock changes")

		return g.Wait()
	}
}

// registerWatchHandlers prints every lock change to out, one line each, in the
// order they are received.
func registerWatchHandlers(sender *notification.Sender, out io.Writer) {
	var mu sync.Mutex

	printChange := func(ctx context.Context, op string, practice bool, origin string, ids []string) {
		mode := "operational"
		if practice {
			mode = "practice"
		}

		mu.Lock()
		defer mu.Unlock()

		if _, err := fmt.Fprintf(out, "%s %s %s by %s\n", op, mode, strings.Join(ids, ","), origin); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("unable to print the lock change")
		}
	}

	notification.Register(sender, func(ctx context.Context, n notification.LockGranted) {
		printChange(ctx, string(lockchange.OperationLock), n.Practice, n.Origin, n.EventIDs)
	}, notification.Synchronous())

	notification.Register(sender, func(ctx context.Context, n notification.LockReleased) {
		printChange(ctx, string(lockchange.OperationUnlock), n.Practice, n.Origin, n.EventIDs)
	}, notification.Synchronous())
}
