package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/cuongbtq/iris-serving/internal/api/handler"
	"github.com/cuongbtq/iris-serving/internal/api/router"
	"github.com/cuongbtq/iris-serving/internal/bootstrap"
	"github.com/cuongbtq/iris-serving/internal/config"
	"github.com/cuongbtq/iris-serving/internal/model"
	"github.com/cuongbtq/iris-serving/internal/observability"
	"github.com/cuongbtq/iris-serving/internal/orchestrator"
	"github.com/cuongbtq/iris-serving/internal/scoring"
)

const modelWarmupTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := bootstrap.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("broker", cfg.Broker.Backend),
		slog.String("state_store", cfg.StateStore.Backend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics()

	backends, err := bootstrap.OpenBackends(ctx, cfg, appLogger.Logger)
	if err != nil {
		return err
	}
	defer backends.Close()

	provider, err := bootstrap.NewModelProvider(&cfg.Model, appLogger.Logger, metrics)
	if err != nil {
		return fmt.Errorf("failed to initialize model provider: %w", err)
	}
	warmModel(ctx, provider, appLogger.Logger)
	scorer := scoring.NewScorer(provider)

	orch := orchestrator.New(&orchestrator.Config{
		Store:          backends.Store,
		Publisher:      backends.Broker,
		Logger:         appLogger.Logger,
		Observer:       metrics,
		PublishTimeout: cfg.Broker.PublishTimeout,
	})

	// a memory broker only reaches workers in this process
	var workerDone chan error
	stopWorker := func() {}
	if cfg.Broker.Backend == config.BrokerMemory {
		w := bootstrap.NewWorker(&cfg.Worker, &cfg.StateStore, backends, scorer, metrics, appLogger.Logger)
		workerDone = make(chan error, 1)
		go func() { workerDone <- w.Start(context.WithoutCancel(ctx)) }()
		stopWorker = w.Stop
		appLogger.Info("Running in-process worker pool", slog.String("worker_id", w.ID()))
	}

	r := initRouter(cfg, appLogger.Logger, orch, scorer, provider.Reference(), backends, metrics)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	select {
	case <-ctx.Done():
		appLogger.Info("Shutting down server...")
	case err := <-serveErr:
		appLogger.Error("Server failed", slog.Any("error", err))
		stopWorker()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown", slog.Any("error", err))
		stopWorker()
		return err
	}

	if workerDone != nil {
		stopWorker()
		select {
		case <-workerDone:
			appLogger.Info("In-process worker stopped")
		case <-shutdownCtx.Done():
			appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
		}
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// warmModel resolves the model once so the first request does not pay for
// it. Failure is logged and retried on demand.
func warmModel(ctx context.Context, provider *model.Provider, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, modelWarmupTimeout)
	defer cancel()
	ref := provider.Reference()
	if _, err := provider.Get(ctx); err != nil {
		logger.Warn("Model not available at startup",
			slog.String("model", ref.URI()),
			slog.Any("error", err),
		)
		return
	}
	logger.Info("Model loaded", slog.String("model", ref.URI()))
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, logger *slog.Logger, orch *orchestrator.Orchestrator, scorer *scoring.Scorer, ref model.Reference, health handler.HealthChecker, metrics *observability.Metrics) *gin.Engine {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	handlerDeps := &handler.Dependencies{
		Logger:     logger,
		Jobs:       orch,
		Scorer:     scorer,
		Health:     health,
		ModelStage: ref.Stage,
	}

	return router.SetupRouter(handlerDeps, metrics)
}
