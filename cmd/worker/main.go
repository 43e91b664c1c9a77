package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/wolfman30/wa-lead-router/internal/app/bootstrap"
	appconfig "github.com/wolfman30/wa-lead-router/internal/config"
	"github.com/wolfman30/wa-lead-router/internal/scheduler"
	"github.com/wolfman30/wa-lead-router/pkg/logging"
)

// The worker runs the maintenance tasks on their cron schedules for
// deployments that keep a long-lived process instead of an external trigger.
func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.BuildRuntime(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build runtime", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	sched, err := scheduler.New(rt.Tasks, scheduler.FromConfig(cfg), logger)
	if err != nil {
		logger.Error("invalid schedule", "error", err)
		os.Exit(1)
	}
	logger.Info("worker started", "scheduled_tasks", sched.Len())
	sched.Run(ctx)
	logger.Info("worker stopped")
}
