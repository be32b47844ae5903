// flashpods is the single-host job orchestration service: it admits jobs
// against fixed CPU/memory capacity and runs them as containers.
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

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"flashpods/internal/api"
	"flashpods/internal/artifact"
	"flashpods/internal/config"
	"flashpods/internal/engine"
	"flashpods/internal/health"
	"flashpods/internal/observability"
	"flashpods/internal/runner"
	"flashpods/internal/store"
	"flashpods/internal/upload"
)

func main() {
	_ = godotenv.Load()

	svcCfg := config.LoadServiceConfig()
	setupLogging(svcCfg.LogFormat)

	if err := run(svcCfg); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func setupLogging(format string) {
	if format == "console" {
		slog.SetDefault(slog.New(tint.NewHandler(os.Stdout, &tint.Options{
			TimeFormat: time.Kitchen,
		})))
		return
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
}

func run(svcCfg *config.ServiceConfig) error {
	ctx := context.Background()

	engineCfg := config.LoadEngineConfig()
	storageCfg := config.LoadStorageConfig()

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Open the durable store
	st, err := store.Open(svcCfg.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()
	slog.Info("Database ready", "path", svcCfg.DatabasePath)

	// Connect to the container engine
	driver, err := runner.NewDockerDriver()
	if err != nil {
		return err
	}
	defer driver.Close()
	slog.Info("Connected to Docker daemon")

	uploads := upload.NewTracker(st.DB(), upload.Config{
		Root:         storageCfg.UploadDir,
		UploadingTTL: storageCfg.UploadingTTL,
		FinalizedTTL: storageCfg.FinalizedTTL,
	})
	artifacts := artifact.NewStore(storageCfg.ArtifactsDir)

	eng := engine.New(st, driver, uploads, artifacts, metrics, engineCfg)

	// Reconcile before the listener opens: the store must be consistent with
	// container reality before any new request is admitted.
	if err := eng.Reconcile(ctx); err != nil {
		slog.Warn("Startup reconciliation failed, continuing", "error", err)
	}
	eng.Start()

	// Create health checker
	healthChecker := health.NewChecker(map[string]health.ReadinessCheck{
		"driver":   driver.Ready,
		"database": st.Ping,
	})

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		Engine:        eng,
		Uploads:       uploads,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        svcCfg.APIKey,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY configured")
	}

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 1)

	// Start API server
	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start metrics server
	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Graceful shutdown - stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Stop background work. Containers keep running; the next start
	// reconciles them before serving requests.
	engineCtx, engineCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer engineCancel()
	if err := eng.Shutdown(engineCtx); err != nil {
		slog.Warn("Engine shutdown error", "error", err)
	}

	slog.Info("Running jobs will continue independently")
	slog.Info("Shutdown complete")
	return nil
}
