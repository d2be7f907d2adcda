package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"

	"cadenza/internal/app"
	"cadenza/internal/config"
	"cadenza/internal/log"
	"cadenza/internal/worker"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	cfg := config.Load()
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := log.Setup(level, log.ComponentWorker)

	logger.Info("Starting recurring-worker", log.FieldOperation, log.OpStartup)

	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", log.FieldError, err)
		os.Exit(1)
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize", log.FieldError, err)
		os.Exit(1)
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scheduler := worker.NewScheduler(a.Reconciler, cfg.ReconcileInterval, logger)
	if err := scheduler.Start(ctx); err != nil {
		logger.Error("Failed to start scheduler", log.FieldError, err)
		os.Exit(1)
	}
	logger.Info("Reconciliation scheduled",
		"interval", cfg.ReconcileInterval,
		"concurrency", cfg.ReconcileConcurrency,
		"sqlite_db", cfg.SQLiteDBPath)

	var consumers sync.WaitGroup
	if a.AMQP != nil {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			if err := a.AMQP.ConsumeReconcileRequests(ctx, a.Reconciler.HandleReconcileRequest); err != nil && ctx.Err() == nil {
				logger.Error("Reconcile consumer stopped", log.FieldError, err)
			}
		}()
		logger.Info("Consuming reconcile requests", "queue", cfg.AMQPReconcileQueue)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Shutdown signal received", log.FieldOperation, log.OpShutdown, "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logger.Info("Shutting down recurring-worker...")
	cancel()

	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.Warn("Scheduler did not stop cleanly", log.FieldError, err)
	}

	done := make(chan struct{})
	go func() {
		consumers.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("Recurring-worker shutdown complete")
	case <-shutdownCtx.Done():
		logger.Warn("Shutdown timeout reached")
	}
}
