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
	"github.com/Tofulati/hallpass-sub000/internal/platform/auth"
	"github.com/Tofulati/hallpass-sub000/internal/platform/config"
	"github.com/Tofulati/hallpass-sub000/internal/platform/idempotency"
	"github.com/Tofulati/hallpass-sub000/internal/platform/observability"
	"github.com/Tofulati/hallpass-sub000/internal/services"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}
	cfg, err := config.Load(ctx)
	if err != nil {
		var invalid *config.ValidationError
		if errors.As(err, &invalid) {
			logger.Fatal("invalid configuration", zap.Strings("fields", invalid.Fields()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	container, err := di.NewContainer(ctx, cfg,
		di.WithLogger(baseLogger),
		di.WithBuildInfo(buildInfo),
	)
	if err != nil {
		logger.Fatal("failed to initialise container", zap.Error(err))
	}

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	// No-op in pubsub mode; cmd/worker executes published runs.
	container.Start(observability.WithLogger(workerCtx, logger.Named("dispatcher")))

	authenticator, err := buildAuthenticator(ctx, logger.Named("auth"), cfg)
	if err != nil {
		logger.Fatal("failed to initialise authenticator", zap.Error(err))
	}

	replayStore, err := idempotency.NewDocumentStore(container.Repositories.Documents())
	if err != nil {
		logger.Fatal("failed to initialise idempotency store", zap.Error(err))
	}

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(),
	}

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(container.Services.System),
	)
	submissionHandlers := handlers.NewSubmissionHandlers(container.Services.Submissions)
	directoryHandlers := handlers.NewDirectoryHandlers(container.Services.Directory, authenticator.Authenticate)
	aggregationHandlers := handlers.NewAggregationHandlers(container.Services.Aggregation)

	router := handlers.NewRouter(
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithSubmissionRoutes(submissionHandlers.Routes),
		handlers.WithSubmissionMiddlewares(authenticator.Authenticate, idempotency.Middleware(replayStore)),
		handlers.WithDirectoryRoutes(directoryHandlers.Routes),
		handlers.WithInternalRoutes(aggregationHandlers.Routes),
		handlers.WithInternalMiddlewares(authenticator.Authenticate, auth.RequireRole(adminRoles(cfg)...)),
	)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("hallpass api listening",
			zap.String("storage", cfg.Storage.Driver),
			zap.String("dispatch", cfg.Aggregation.DispatchMode),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	if err := container.Close(shutdownCtx); err != nil {
		logger.Warn("container close error", zap.Error(err))
	}
	stopWorkers()
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

// buildAuthenticator verifies Firebase ID tokens. Local environments without a
// Firebase project fall back to unsigned development tokens.
func buildAuthenticator(ctx context.Context, logger *zap.Logger, cfg config.Config) (*auth.Authenticator, error) {
	if strings.TrimSpace(cfg.Firebase.ProjectID) == "" {
		if !isLocal(cfg) {
			return nil, errors.New("firebase project id is required outside local environments")
		}
		logger.Warn("firebase project not configured; accepting local development tokens")
		return auth.NewAuthenticator(auth.LocalVerifier{}), nil
	}
	verifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase, 5*time.Second)
	if err != nil {
		return nil, err
	}
	return auth.NewAuthenticator(verifier), nil
}

func adminRoles(cfg config.Config) []string {
	if len(cfg.Security.AdminRoles) == 0 {
		return []string{auth.RoleAdmin}
	}
	return cfg.Security.AdminRoles
}

func isLocal(cfg config.Config) bool {
	switch strings.ToLower(strings.TrimSpace(cfg.Security.Environment)) {
	case "", "local", "dev", "development", "test":
		return true
	default:
		return false
	}
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}
