package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"
)

const heartbeatInterval = 25 * time.Second

// SetupInBackground schedules every recurring job. The scheduler is returned
// stopped so the caller decides when background work begins.
func SetupInBackground(ctx context.Context, app *App) (*gocron.Scheduler, error) {
	s := gocron.NewScheduler(time.UTC)
	// A slow sync must never overlap the next tick of itself
	s.SingletonModeAll()

	cfg := app.cfg.Sync

	if _, err := s.Cron(cfg.Cron).Do(func() {
		app.SyncAndPublish(ctx)
	}); err != nil {
		return nil, fmt.Errorf("failed to schedule sync with cron %q: %w", cfg.Cron, err)
	}

	s.Every(cfg.RetryIntervalMinutes).Minutes().WaitForSchedule().Do(app.RetryFailed, ctx)
	s.Every(cfg.HealthIntervalMinutes).Minutes().Do(app.ReportHealth, ctx)
	s.Every(1).Minute().WaitForSchedule().Do(app.SweepTokens)
	s.Every(heartbeatInterval).WaitForSchedule().Do(app.Heartbeat)

	slog.Info("Jobs scheduled. Scheduler not running yet.",
		slog.String("sync_cron", cfg.Cron),
		slog.Int("retry_minutes", cfg.RetryIntervalMinutes),
		slog.Int("health_minutes", cfg.HealthIntervalMinutes),
	)

	return s, nil
}
