// Command billingd runs the token economy engine: it connects to PostgreSQL,
// applies schema migrations and keeps the expiration sweeper running until
// the process is signalled to stop.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/zablink/app1.3-sub003/pkg/config"
	"github.com/zablink/app1.3-sub003/pkg/logger"
	"github.com/zablink/app1.3-sub003/pkg/pg"
	"github.com/zablink/app1.3-sub003/svc/subscription"
	"github.com/zablink/app1.3-sub003/svc/sweep"
	"github.com/zablink/app1.3-sub003/svc/wallet"
)

type appConfig struct {
	Logger logger.Config
	PG     pg.Config
	Sweep  sweep.Config
}

func main() {
	var cfg appConfig
	config.MustLoad(&cfg)

	log := logger.FromConfig(cfg.Logger, logger.WithService("billingd"))

	if err := run(cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("billingd exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log.Info("billingd stopped")
}

func run(cfg appConfig, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pg.Connect(ctx, cfg.PG)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pg.Migrate(ctx, pool, cfg.PG, log); err != nil {
		return err
	}

	wallets, err := wallet.NewService(wallet.NewPgStorage(pool), log)
	if err != nil {
		return err
	}
	subs, err := subscription.NewService(subscription.NewPgStorage(pool), log)
	if err != nil {
		return err
	}

	sweeper, err := sweep.NewSweeper(wallets, subs, log)
	if err != nil {
		return err
	}

	log.Info("billingd started", slog.Duration("sweep_interval", cfg.Sweep.Interval))
	return sweep.NewRunner(sweeper, cfg.Sweep, log).Run(ctx)
}
