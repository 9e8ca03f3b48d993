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
	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/iris-serving/internal/bootstrap"
	"github.com/cuongbtq/iris-serving/internal/config"
	"github.com/cuongbtq/iris-serving/internal/observability"
	"github.com/cuongbtq/iris-serving/internal/scoring"
)

var errWorkerExited = errors.New("worker stopped consuming")

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

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := bootstrap.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("state_store", cfg.StateStore.Backend),
	)

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics()

	backends, err := bootstrap.OpenBackends(sigCtx, cfg, appLogger.Logger)
	if err != nil {
		return err
	}
	defer backends.Close()

	provider, err := bootstrap.NewModelProvider(&cfg.Model, appLogger.Logger, metrics)
	if err != nil {
		return fmt.Errorf("failed to initialize model provider: %w", err)
	}

	workerInstance := bootstrap.NewWorker(&cfg.Worker, &cfg.StateStore, backends,
		scoring.NewScorer(provider), metrics, appLogger.Logger)

	g, ctx := errgroup.WithContext(sigCtx)

	g.Go(func() error {
		if err := workerInstance.Start(ctx); err != nil {
			return err
		}
		if ctx.Err() == nil {
			return errWorkerExited
		}
		return nil
	})

	if cfg.Metrics.Port != 0 {
		srv := newMetricsServer(cfg, metrics, backends)
		g.Go(func() error {
			appLogger.Info("Metrics listener started", slog.String("address", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics listener: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	appLogger.Info("Worker service started successfully", slog.String("worker_id", workerInstance.ID()))

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			appLogger.Error("Worker error", slog.Any("error", err))
		}
		return err
	case <-sigCtx.Done():
		appLogger.Info("Received signal, shutting down gracefully")
	}

	select {
	case err := <-done:
		if err != nil {
			return err
		}
		appLogger.Info("Worker stopped gracefully")
	case <-time.After(cfg.Worker.ShutdownTimeout):
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// newMetricsServer serves /metrics and /health for the worker process
func newMetricsServer(cfg *config.Config, metrics *observability.Metrics, backends *bootstrap.Backends) *http.Server {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.GET("/health", func(c *gin.Context) {
		if err := backends.Healthy(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "unhealthy",
				"service": "iris-worker-service",
				"error":   err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "iris-worker-service",
		})
	})

	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
