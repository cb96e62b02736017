package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/vitacare-hc/vitacare/internal/app"
	"github.com/vitacare-hc/vitacare/internal/authz"
	"github.com/vitacare-hc/vitacare/internal/platform/cache"
	"github.com/vitacare-hc/vitacare/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = redisClient.Close() }()

	permCache := authz.NewCache(redisClient, cfg.AuthzCacheTTL, logger)

	// Nightly full flush keeps staleness bounded even when an
	// invalidation task was lost.
	flushTask, err := jobs.NewInvalidateTask(jobs.InvalidatePayload{})
	if err != nil {
		logger.Error("build flush task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Cache:     permCache,
		Cron: []jobs.CronRegistration{
			{Spec: "0 3 * * *", Task: flushTask},
		},
	})
	if err != nil {
		logger.Error("build worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("worker started")
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
}
