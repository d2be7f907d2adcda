package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"cadenza/internal/log"
)

// Sweeper runs one reconciliation pass.
type Sweeper interface {
	Sweep(ctx context.Context) (SweepReport, error)
}

// Scheduler runs a Sweeper once at start and then every interval. A sweep
// that is still running when the next tick fires causes that tick to be
// skipped rather than queued.
type Scheduler struct {
	sweeper  Sweeper
	interval time.Duration
	logger   *log.Logger

	// Lifecycle management
	mu      sync.Mutex
	running bool
	cron    *cron.Cron
	cancel  context.CancelFunc
	initial sync.WaitGroup
}

func NewScheduler(sweeper Sweeper, interval time.Duration, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	return &Scheduler{
		sweeper:  sweeper,
		interval: interval,
		logger:   logger.WithComponent(log.ComponentScheduler),
	}
}

// Start schedules the sweep. Sweeps run with a context derived from ctx that
// is cancelled by Stop. Returns an error if already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	if s.interval < time.Second {
		return fmt.Errorf("invalid sweep interval %v: must be at least 1s", s.interval)
	}

	runCtx, cancel := context.WithCancel(ctx)
	cronLogger := log.CronLogger(s.logger)

	c := cron.New(cron.WithLogger(cronLogger))
	job := cron.NewChain(
		cron.Recover(cronLogger),
		cron.SkipIfStillRunning(cronLogger),
	).Then(cron.FuncJob(func() { s.runSweep(runCtx) }))

	c.Schedule(cron.Every(s.interval), job)
	c.Start()

	s.cron = c
	s.cancel = cancel
	s.running = true

	// The startup sweep goes through the same chain so a slow first pass
	// also suppresses overlapping ticks.
	s.initial.Add(1)
	go func() {
		defer s.initial.Done()
		job.Run()
	}()

	s.logger.InfoContext(ctx, "Reconciliation scheduler started", "interval", s.interval.String())
	return nil
}

// Stop cancels any running sweep and waits for it to return, or for ctx to
// expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	c, cancel := s.cron, s.cancel
	s.mu.Unlock()

	cancel()
	cronDone := c.Stop()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.initial.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.InfoContext(ctx, "Reconciliation scheduler stopped gracefully")
	case <-ctx.Done():
		s.logger.WarnContext(ctx, "Reconciliation scheduler stop timed out")
		return ctx.Err()
	}

	s.mu.Lock()
	s.running = false
	s.cron = nil
	s.cancel = nil
	s.mu.Unlock()

	return nil
}

// IsRunning returns whether the scheduler is currently running
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) runSweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.sweeper.Sweep(ctx); err != nil && ctx.Err() == nil {
		s.logger.ErrorContext(ctx, "Reconciliation sweep failed", log.FieldError, err)
	}
}
