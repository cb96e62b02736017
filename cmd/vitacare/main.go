package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/vitacare-hc/vitacare/internal/app"
	"github.com/vitacare-hc/vitacare/internal/authz"
	"github.com/vitacare-hc/vitacare/internal/platform/cache"
	"github.com/vitacare-hc/vitacare/internal/platform/db"
	"github.com/vitacare-hc/vitacare/internal/shared"
	"github.com/vitacare-hc/vitacare/internal/tenancy"
	"github.com/vitacare-hc/vitacare/internal/users"
	"github.com/vitacare-hc/vitacare/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// Redis is an optimization, not a dependency: without it every check
	// resolves directly against the store.
	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, caching disabled", slog.Any("error", err))
		redisClient = nil
	}
	defer func() {
		if redisClient != nil {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}
	}()

	store := authz.NewStore(pool)
	thresholds := authz.NewThresholds(pool)
	userService := users.NewService(users.NewRepository(pool))
	permCache := authz.NewCache(redisClient, cfg.AuthzCacheTTL, logger)
	resolver := authz.NewResolver(store, thresholds, userService, permCache, logger)
	visibility := authz.NewVisibility(authz.NewPgVisibilityStore(pool))
	tenancyService := tenancy.NewService(tenancy.NewRepository(pool))
	migrator := authz.NewMigrator(store, logger)
	auditLogger := shared.NewAuditLogger(pool)

	var invalidator authz.Invalidator
	jobsClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Warn("jobs client unavailable", slog.Any("error", err))
	} else {
		invalidator = jobsClient
		defer func() { _ = jobsClient.Close() }()
	}

	guard := authz.NewGuard(resolver, logger)
	handler := authz.NewHandler(logger, store, resolver, visibility, tenancyService, migrator, userService, invalidator, auditLogger)

	router := app.NewRouter(app.RouterParams{
		Logger:       logger,
		Config:       cfg,
		AuthzHandler: handler,
		Guard:        guard,
	})

	srv := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", cfg.AppAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", slog.Any("error", err))
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("serve", slog.Any("error", err))
			os.Exit(1)
		}
	}
}
