package sweep

import (
	"context"
	"log/slog"
	"time"
)

// Config controls the sweep schedule.
type Config struct {
	Interval time.Duration `env:"SWEEP_INTERVAL" envDefault:"24h"` // time between sweep passes
}

// Runner invokes the sweeper on a fixed interval until its context is
// cancelled. It replaces the original deployment's external cron trigger
// with an in-process scheduler.
type Runner struct {
	sweeper  *Sweeper
	interval time.Duration
	log      *slog.Logger
}

// NewRunner creates a runner with the configured interval.
func NewRunner(sweeper *Sweeper, cfg Config, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Runner{sweeper: sweeper, interval: interval, log: log}
}

// Run sweeps immediately, then on every tick, and returns the context error
// on cancellation. A failed pass is logged and retried on the next tick.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			r.log.Info("sweep runner shutting down")
			return ctx.Err()
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *Runner) sweepOnce(ctx context.Context) {
	now := time.Now().UTC()
	report, err := r.sweeper.Sweep(ctx, now)
	if err != nil {
		r.log.Error("sweep pass failed", slog.String("error", err.Error()))
		return
	}
	r.log.Info("sweep pass completed",
		slog.Time("at", now),
		slog.Int("expired_batches", report.ExpiredBatches),
		slog.Int64("tokens_reclaimed", report.TokensReclaimed),
		slog.Int64("expired_subscriptions", report.ExpiredSubscriptions),
		slog.Int("failures", report.Failures))
}
