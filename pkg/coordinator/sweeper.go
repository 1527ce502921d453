package coordinator

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Sweeper runs the orphan check of both namespaces on a cron schedule.
type Sweeper struct {
	coordinator *Coordinator
	cron        *cron.Cron
}

// NewSweeper returns a stopped Sweeper for c. A nil timezone means the local
// time zone.
func NewSweeper(ctx context.Context, c *Coordinator, timezone *time.Location) *Sweeper {
	var opts []cron.Option
	if timezone != nil {
		opts = append(opts, cron.WithLocation(timezone))
	}

	zerolog.Ctx(ctx).
		Info().
		Msg("orphan check cron setup complete")

	return &Sweeper{coordinator: c, cron: cron.New(opts...)}
}

// Schedule adds an orphan check job running on schedule.
func (s *Sweeper) Schedule(ctx context.Context, schedule cron.Schedule) {
	zerolog.Ctx(ctx).
		Info().
		Time("next-run", schedule.Next(time.Now())).
		Msg("adding a cronjob for the orphan check")

	s.cron.Schedule(schedule, cron.FuncJob(func() { s.RunOnce(ctx) }))
}

// RunOnce checks the operational then the practice namespace. Failures are
// logged; the next run tries again.
func (s *Sweeper) RunOnce(ctx context.Context) {
	for _, practice := range []bool{false, true} {
		resp, err := s.coordinator.OrphanCheck(ctx, practice)
		if err != nil {
			zerolog.Ctx(ctx).
				Error().
				Err(err).
				Bool("practice", practice).
				Msg("error running the orphan check")

			continue
		}

		zerolog.Ctx(ctx).
			Debug().
			Bool("practice", practice).
			Str("message", resp.Message).
			Msg("orphan check complete")
	}
}

// Start starts the cron scheduler in its own go-routine, or no-op if already started.
func (s *Sweeper) Start(ctx context.Context) {
	zerolog.Ctx(ctx).
		Info().
		Msg("starting the orphan check scheduler")

	s.cron.Start()
}

// Stop stops the scheduler and waits for a running check to return or ctx to
// be done.
func (s *Sweeper) Stop(ctx context.Context) error {
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
