// Package app wires the engine together from configuration. Both binaries
// build the same stack and differ only in what they run on top of it.
package app

import (
	"fmt"
	"time"

	"cadenza/internal/amqp"
	"cadenza/internal/cache"
	"cadenza/internal/config"
	"cadenza/internal/log"
	"cadenza/internal/services"
	"cadenza/internal/storage"
	"cadenza/internal/worker"
)

const cacheCleanupInterval = 10 * time.Minute

type App struct {
	Config *config.Config
	Logger *log.Logger

	Repo   *storage.SQLiteRepository
	Zones  *services.Resolver
	Caches *cache.Manager

	// AMQP is nil when no broker is configured or it was unreachable at
	// startup.
	AMQP *amqp.Client

	Backfill   *services.Backfill
	Rollover   *services.Rollover
	Records    *services.RecordService
	Reconciler *worker.ReconcileWorker
}

// New opens storage, connects to the broker when configured and builds the
// services. A broker failure is logged and the app continues without events.
func New(cfg *config.Config, logger *log.Logger) (*App, error) {
	repo, err := storage.NewSQLiteRepository(cfg.SQLiteDBPath)
	if err != nil {
		return nil, fmt.Errorf("open storage at %s: %w", cfg.SQLiteDBPath, err)
	}

	a := &App{
		Config: cfg,
		Logger: logger,
		Repo:   repo,
		Caches: cache.NewManager(),
	}

	a.Zones = services.NewResolver(repo, services.WithZoneCacheSize(cfg.ZoneCacheSize))
	a.Caches.Register("zones", a.Zones.ZoneCache())
	a.Caches.StartCleanup(cacheCleanupInterval)

	var events services.EventPublisher
	if cfg.AMQPURL != "" {
		client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPReconcileQueue)
		if err != nil {
			logger.Warn("Failed to connect to AMQP, continuing without events",
				log.FieldError, err)
		} else {
			a.AMQP = client
			events = client
			logger.Info("AMQP client initialized",
				"exchange", cfg.AMQPExchange,
				"queue", cfg.AMQPReconcileQueue)
		}
	} else {
		logger.Info("AMQP disabled, events will not be published")
	}

	locks := services.NewTemplateLocks()
	a.Backfill = services.NewBackfill(repo, a.Zones, locks, events)
	a.Rollover = services.NewRollover(repo, a.Zones, locks, events)
	a.Records = services.NewRecordService(repo, a.Zones, a.Backfill, a.Rollover)
	a.Reconciler = worker.NewReconcileWorker(repo, a.Zones, a.Backfill, cfg.ReconcileConcurrency, logger)

	return a, nil
}

// Close releases the broker connection, the cache janitor and the database.
func (a *App) Close() error {
	if a.AMQP != nil {
		if err := a.AMQP.Close(); err != nil {
			a.Logger.Warn("Failed to close AMQP client", log.FieldError, err)
		}
	}
	a.Caches.Stop()
	return a.Repo.Close()
}
