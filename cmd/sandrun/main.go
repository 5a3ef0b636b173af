// Package main is the sandrun control plane entry point. One binary runs the
// HTTP API, the idle reaper, the evidence builder, and the retention sweeper.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sandrun/sandrun/internal/agent"
	"github.com/sandrun/sandrun/internal/common/config"
	"github.com/sandrun/sandrun/internal/common/logger"
	"github.com/sandrun/sandrun/internal/common/tracing"
	"github.com/sandrun/sandrun/internal/db"
	"github.com/sandrun/sandrun/internal/events/bus"
	"github.com/sandrun/sandrun/internal/evidence"
	"github.com/sandrun/sandrun/internal/httpapi"
	"github.com/sandrun/sandrun/internal/metrics"
	"github.com/sandrun/sandrun/internal/retention"
	"github.com/sandrun/sandrun/internal/run"
	"github.com/sandrun/sandrun/internal/sandbox/docker"
	"github.com/sandrun/sandrun/internal/store/sqlstore"
	"github.com/sandrun/sandrun/internal/workspace"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting sandrun control plane...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	pool, err := db.Open(cfg.Database)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer pool.Close()
	st, err := sqlstore.New(pool)
	if err != nil {
		log.Fatal("Failed to initialize store", zap.Error(err))
	}
	log.Info("Database ready", zap.String("driver", pool.Driver()))

	// Event bus
	eventBus, err := bus.New(cfg.NATS, log)
	if err != nil {
		log.Fatal("Failed to connect event bus", zap.Error(err))
	}
	defer eventBus.Close()

	// Sandbox driver
	driver, err := docker.New(cfg.Docker, log)
	if err != nil {
		log.Fatal("Failed to initialize Docker client", zap.Error(err))
	}

	m := metrics.New()

	// Workspace lifecycle
	workspaces := workspace.NewService(st, driver, m, cfg.Workspace, cfg.Runs, log)
	reaper := workspace.NewReaper(st, workspaces, m, cfg.Workspace.ReaperInterval(), log)
	reaper.Start(ctx)

	// Evidence pipeline
	builder, err := evidence.NewBuilder(st, driver, m, cfg.Evidence, log)
	if err != nil {
		log.Fatal("Failed to initialize evidence builder", zap.Error(err))
	}
	builder.Start(ctx)

	// Run execution
	quota := run.NewQuotaChecker(st, cfg.Runs.MaxRunsPerDay)
	runs := run.NewService(st, workspaces, agent.NewHTTPClient(log), driver, quota, eventBus, builder, m, cfg.Runs, log)

	// Retention
	collector := retention.NewCollector(st, driver, m, cfg.Workspace.ColdTTL(), cfg.Evidence.TTL(), log)
	collector.Start(ctx)

	server := httpapi.NewServer(st, workspaces, runs, builder, collector, m, eventBus, cfg.Server, cfg.Auth, log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info("Shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			log.Error("HTTP server failed", zap.Error(err))
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("sandrun stopped")
}
