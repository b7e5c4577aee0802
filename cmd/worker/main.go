package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"smartclassroom/internal/app"
	"smartclassroom/internal/config"
	"smartclassroom/internal/logger"
	"smartclassroom/internal/worker"
)

// Worker consumes attendance events and refreshes class statistics.
func main() {
	cfg := config.Load()

	zl, err := logger.New(&logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: cfg.LogOutput}, "smartclassroom-worker")
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = zl.Sync() }()
	zap.ReplaceGlobals(zl)

	if err := cfg.Validate(); err != nil {
		zl.Fatal("invalid configuration", zap.Error(err))
	}
	for _, w := range cfg.Warnings {
		zl.Warn(w)
	}
	if cfg.QueueBackend == "memory" {
		zl.Fatal("worker needs a shared queue; set QUEUE_BACKEND=redis")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, zl)
	if err != nil {
		zl.Fatal("startup failed", zap.Error(err))
	}
	defer a.Close()

	if err := worker.New(a.Queue, a.Engine, a.Metrics, zl).Run(ctx); err != nil {
		zl.Error("worker failed", zap.Error(err))
	}
}
