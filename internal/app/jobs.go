package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// scheduleJobs registers the periodic engine work on the cron runner.
// Each job is skipped while its previous run is still going.
func (a *App) scheduleJobs() error {
	jobs := []struct {
		name     string
		interval time.Duration
		run      func(ctx context.Context) error
	}{
		{"campaigns_due", a.config.Campaign.CheckInterval, a.runDueCampaigns},
		{"campaigns_sweep", a.config.Campaign.CheckInterval, a.sweepCampaigns},
		{"automations_due", a.config.Automation.CheckInterval, a.runDueExecutions},
	}

	for _, job := range jobs {
		job := job
		logger := a.logger.With("component", "cron", "job", job.name)
		spec := fmt.Sprintf("@every %s", job.interval)

		_, err := a.cron.AddFunc(spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if err := job.run(ctx); err != nil {
				logger.Error("job failed", "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("failed to schedule %s: %w", job.name, err)
		}
	}
	return nil
}

func (a *App) runDueCampaigns(ctx context.Context) error {
	n, err := a.scheduler.RunDue(ctx, time.Now())
	if n > 0 {
		a.logger.Info("started scheduled campaigns", "count", n)
	}
	return err
}

func (a *App) sweepCampaigns(ctx context.Context) error {
	_, err := a.scheduler.SweepSending(ctx)
	return err
}

func (a *App) runDueExecutions(ctx context.Context) error {
	n, err := a.evaluator.RunDue(ctx, time.Now())
	if n > 0 {
		a.logger.Debug("ran due automation executions", "count", n)
	}
	return err
}

// cronLogger adapts slog to the cron job wrappers
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
