package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"

	"cadenza/internal/app"
	"cadenza/internal/config"
	apphttp "cadenza/internal/http"
	"cadenza/internal/log"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	cfg := config.Load()
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := log.Setup(level, log.ComponentApp)

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

	deps := apphttp.Dependencies{
		Records:    a.Records,
		Reconciler: a.Reconciler,
		Ping:       a.Repo.Ping,
		Logger:     logger,
	}
	if a.AMQP != nil {
		deps.Publisher = a.AMQP
	}
	srv := apphttp.NewServer(":"+cfg.Port, deps)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("Shutdown signal received", log.FieldOperation, log.OpShutdown, "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", log.FieldError, err)
		}
		cancel()
	}()

	logger.Info("Starting cadenza API", log.FieldOperation, log.OpStartup, "port", cfg.Port, "db", cfg.SQLiteDBPath, "amqp", a.AMQP != nil)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server error", log.FieldError, err, "port", cfg.Port)
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("Server stopped gracefully")
}
