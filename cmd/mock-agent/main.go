// Package main implements the mock in-sandbox agent worker. It serves the
// /run contract on the agent port and produces deterministic responses, so
// the control plane can be exercised end to end without a real model.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sandrun/sandrun/internal/common/logger"
)

const defaultPort = 7000

func main() {
	log, err := logger.New(logger.Config{Level: envOr("LOG_LEVEL", "info"), Format: "json"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	port := defaultPort
	if raw := os.Getenv("AGENT_PORT"); raw != "" {
		if p, err := strconv.Atoi(raw); err == nil && p > 0 {
			port = p
		}
	}

	worker := newWorker(workerConfig{
		RepoDir:      envOr("REPO_DIR", "/workspace/repo"),
		EvidenceDir:  envOr("EVIDENCE_DIR", "/workspace/evidence"),
		ForceScript:  os.Getenv("FORCE_MOCK_CODEX"),
		InitThreadID: os.Getenv("CODEX_THREAD_ID"),
	}, log)

	mux := http.NewServeMux()
	mux.HandleFunc("/run", worker.handleRun)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", port),
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
	}

	go func() {
		log.Info("mock agent listening", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info("mock agent stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
