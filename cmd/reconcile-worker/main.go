package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/booking-sync/internal/app"
	"github.com/hackgods/booking-sync/internal/config"
	"github.com/hackgods/booking-sync/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("reconcile-worker starting up",
		zap.String("env", cfg.Env),
		zap.Duration("interval", cfg.ReconcileInterval),
		zap.Duration("grace", cfg.ReconcileGrace),
		zap.Int("batch", cfg.ReconcileBatch),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(rootCtx, cfg, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("error closing connections", zap.Error(err))
		}
	}()

	// One sync budget per sequential round of the batch.
	perRun := cfg.SyncTimeout * time.Duration((cfg.ReconcileBatch+cfg.ReconcileConcurrency-1)/cfg.ReconcileConcurrency)
	a.Reconciler.Run(rootCtx, cfg.ReconcileInterval, perRun)

	logger.Info("shutdown signal received, reconcile worker stopped")
}
