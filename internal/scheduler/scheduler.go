package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs a job on a cron schedule, one run at a time.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// New creates a Scheduler evaluating cron expressions in loc.
func New(logger *slog.Logger, loc *time.Location) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	return &Scheduler{cron: c, logger: logger}
}

// WatchSpec turns an interval in seconds into a cron spec.
func WatchSpec(seconds int) (string, error) {
	if seconds <= 0 {
		return "", fmt.Errorf("watch interval must be positive, got %d", seconds)
	}
	return fmt.Sprintf("@every %ds", seconds), nil
}

// Run executes job immediately, then on every tick of spec until ctx is done.
// It waits for a running job to finish before returning.
func (s *Scheduler) Run(ctx context.Context, spec string, job func(context.Context)) error {
	if _, err := s.cron.AddFunc(spec, func() { job(ctx) }); err != nil {
		return fmt.Errorf("invalid schedule '%s': %w", spec, err)
	}

	s.logger.Info("Scheduler started", "schedule", spec)
	job(ctx)

	s.cron.Start()
	<-ctx.Done()

	stopped := s.cron.Stop()
	<-stopped.Done()
	s.logger.Info("Scheduler stopped")
	return nil
}
