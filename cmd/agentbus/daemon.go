package main

import (
	"context"
	"fmt"

	"github.com/basket/agentbus/internal/config"
	"github.com/basket/agentbus/internal/cron"
)

// runDaemon keeps the store healthy in the foreground: it runs retention
// sweeps on the configured schedule, reloads config.yaml on change, and logs
// bus activity from this process. It exits on SIGINT/SIGTERM.
func runDaemon(ctx context.Context) int {
	rt, err := openRuntime(ctx, false)
	if err != nil {
		return fail(err)
	}
	defer rt.Close()

	logger := rt.logger
	logger.Info("daemon starting",
		"version", Version,
		"db_path", rt.cfg.DBPath,
		"retention_schedule", rt.cfg.RetentionSchedule,
	)

	sweeper, err := cron.NewSweeper(cron.Config{
		Store:    rt.store,
		Logger:   logger,
		Schedule: rt.cfg.RetentionSchedule,
		Horizon:  rt.cfg.RetentionHorizon(),
	})
	if err != nil {
		return fail(fmt.Errorf("retention schedule %q: %w", rt.cfg.RetentionSchedule, err))
	}
	sweeper.Start(ctx)
	defer sweeper.Stop()

	watcher := config.NewWatcher(rt.cfg.HomeDir, logger)
	watcherEvents := watcher.Events()
	if err := watcher.Start(ctx); err != nil {
		// Config reload is a convenience; the daemon still sweeps without it.
		logger.Warn("config watcher unavailable", "error", err)
		watcherEvents = nil
	}

	// Log task and poll activity flowing through this process.
	sub := rt.bus.Subscribe("task.")
	defer rt.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			logger.Info("daemon stopping")
			return 0

		case ev := <-sub.Ch():
			logger.Info("bus event", "topic", ev.Topic)

		case _, ok := <-watcherEvents:
			if !ok {
				// Watcher shut down; stop selecting on its closed channel.
				watcherEvents = nil
				continue
			}
			fresh, err := config.Load(rt.cfg.HomeDir)
			if err != nil {
				logger.Warn("config reload rejected", "error", err)
				continue
			}
			if fresh.RetentionSchedule != rt.cfg.RetentionSchedule || fresh.RetentionDays != rt.cfg.RetentionDays {
				replacement, err := cron.NewSweeper(cron.Config{
					Store:    rt.store,
					Logger:   logger,
					Schedule: fresh.RetentionSchedule,
					Horizon:  fresh.RetentionHorizon(),
				})
				if err != nil {
					logger.Warn("config reload rejected", "error", err)
					continue
				}
				sweeper.Stop()
				sweeper = replacement
				sweeper.Start(ctx)
			}
			*rt.cfg = *fresh
			logger.Info("config reloaded",
				"roles", len(rt.cfg.Roles),
				"retention_schedule", rt.cfg.RetentionSchedule,
			)
		}
	}
}
