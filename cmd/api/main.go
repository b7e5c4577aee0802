package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"smartclassroom/internal/app"
	"smartclassroom/internal/config"
	"smartclassroom/internal/httpapi"
	"smartclassroom/internal/httpmiddleware"
	"smartclassroom/internal/logger"
	"smartclassroom/internal/worker"
)

func main() {
	cfg := config.Load()

	zl, err := logger.New(&logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: cfg.LogOutput}, "smartclassroom-api")
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
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg, zl); err != nil {
		zl.Fatal("http server failed", zap.Error(err))
	}
}

func run(cfg config.App, zl *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, zl)
	if err != nil {
		return err
	}
	defer a.Close()

	// Without a shared broker nobody else can drain the events.
	if a.InProcessQueue() {
		go func() {
			if err := worker.New(a.Queue, a.Engine, a.Metrics, zl.Named("worker")).Run(ctx); err != nil {
				zl.Error("in-process worker failed", zap.Error(err))
			}
		}()
	}

	router := httpapi.NewRouter(httpapi.Deps{
		Engine:      a.Engine,
		Tokens:      a.Tokens,
		Engagement:  a.Engagement,
		Clock:       a.Clock,
		Logger:      zl,
		Gatherer:    a.Registry,
		Checks:      a.Checks,
		Limiter:     httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin),
		CORSOrigins: cfg.CORSOrigins,
		Production:  cfg.IsProduction(),
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zl.Info("starting server", zap.String("addr", srv.Addr),
			zap.String("store", cfg.StoreBackend), zap.String("queue", cfg.QueueBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}
	zl.Info("shutting down server")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Warn("server forced shutdown", zap.Error(err))
	}
	zl.Info("server exited")
	return nil
}
