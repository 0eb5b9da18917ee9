package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Tofulati/hallpass-sub000/internal/di"
	"github.com/Tofulati/hallpass-sub000/internal/handlers"
	"github.com/Tofulati/hallpass-sub000/internal/platform/config"
	"github.com/Tofulati/hallpass-sub000/internal/platform/jobs"
	"github.com/Tofulati/hallpass-sub000/internal/platform/observability"
	"github.com/Tofulati/hallpass-sub000/internal/services"
)

func main() {
	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}
	cfg, err := config.Load(ctx)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	if cfg.Aggregation.DispatchMode != config.DispatchModePubSub {
		logger.Fatal("worker requires pubsub dispatch mode", zap.String("mode", cfg.Aggregation.DispatchMode))
	}
	subscriptionID := strings.TrimSpace(cfg.PubSub.AggregationSubscription)
	if subscriptionID == "" {
		logger.Fatal("aggregation subscription is required")
	}

	buildInfo := services.BuildInfo{
		Version:     firstNonEmpty(envValues["API_BUILD_VERSION"], "dev"),
		CommitSHA:   firstNonEmpty(envValues["API_BUILD_COMMIT_SHA"], "unknown"),
		Environment: firstNonEmpty(cfg.Security.Environment, "local"),
		StartedAt:   time.Now().UTC(),
	}
	container, err := di.NewContainer(ctx, cfg,
		di.WithLogger(baseLogger),
		di.WithBuildInfo(buildInfo),
	)
	if err != nil {
		logger.Fatal("failed to initialise container", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("container close error", zap.Error(err))
		}
	}()

	dispatcher := container.Services.Aggregation
	subscriber, err := jobs.NewSubscriber(
		container.PubSub.Subscription(subscriptionID),
		func(ctx context.Context, job services.AggregationJobMessage) error {
			_, err := dispatcher.Execute(ctx, job.RunID)
			return err
		},
		jobs.WithSubscriberLogger(observability.EventLogger(logger.Named("jobs"))),
		jobs.WithMaxOutstandingMessages(cfg.Aggregation.Workers),
	)
	if err != nil {
		logger.Fatal("failed to initialise subscriber", zap.Error(err))
	}

	// Health endpoints only; jobs arrive over Pub/Sub.
	router := handlers.NewRouter(
		handlers.WithMiddlewares(observability.InjectLoggerMiddleware(logger.Named("http"))),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(
			handlers.WithHealthBuildInfo(buildInfo),
			handlers.WithHealthSystemService(container.Services.System),
		)),
	)
	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server error", zap.Error(err))
		}
	}()

	logger.Info("aggregation worker receiving", zap.String("subscription", subscriptionID))
	if err := subscriber.Receive(ctx); err != nil {
		logger.Error("subscriber stopped", zap.Error(err))
	}
	logger.Info("shutdown signal received; stopping worker")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("health server shutdown failed", zap.Error(err))
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
