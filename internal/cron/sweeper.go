// Package cron runs the scheduled retention sweep that purges expired events
// and dismissed polls from the store.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/agentbus/internal/persistence"
)

// cronParser parses standard 5-field cron expressions plus descriptors
// such as @hourly and @daily.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Config holds the dependencies for the retention sweeper.
type Config struct {
	Store    *persistence.Store
	Logger   *slog.Logger
	Schedule string        // cron expression or descriptor; defaults to @hourly
	Horizon  time.Duration // rows older than now-Horizon are purged
}

// Sweeper purges expired rows on a cron schedule. Message and task history
// is never touched; only provenance events and dismissed polls age out.
type Sweeper struct {
	store    *persistence.Store
	logger   *slog.Logger
	schedule cronlib.Schedule
	horizon  time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a Sweeper. An invalid schedule expression is an error
// surfaced here, not at fire time.
func NewSweeper(cfg Config) (*Sweeper, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = "@hourly"
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    cfg.Store,
		logger:   logger,
		schedule: sched,
		horizon:  cfg.Horizon,
	}, nil
}

// Start begins the sweep loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention sweeper started", "horizon", s.horizon.String())
}

// Stop cancels the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("retention sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	// Sweep immediately on startup, then on the schedule.
	s.sweep(ctx)

	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	result, err := s.store.Purge(ctx, s.horizon)
	if err != nil {
		s.logger.Error("retention sweep failed", "error", err)
		return
	}
	if result.PurgedEvents > 0 || result.PurgedPolls > 0 {
		s.logger.Info("retention sweep completed",
			"purged_events", result.PurgedEvents,
			"purged_polls", result.PurgedPolls,
		)
	}
}

// NextRunTime parses the cron expression and returns the next run time after
// the given time. Used to validate schedules before accepting a config.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
