package worker

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"cadenza/internal/log"
)

type countingSweeper struct {
	calls   atomic.Int32
	block   chan struct{}
	started chan struct{}
	err     error
}

func newCountingSweeper() *countingSweeper {
	return &countingSweeper{started: make(chan struct{}, 16)}
}

func (c *countingSweeper) Sweep(ctx context.Context) (SweepReport, error) {
	c.calls.Add(1)
	c.started <- struct{}{}
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return SweepReport{}, ctx.Err()
		}
	}
	return SweepReport{}, c.err
}

func quietLogger() *log.Logger {
	return log.New(log.Config{Level: slog.LevelError, Output: &bytes.Buffer{}})
}

func waitStarted(t *testing.T, c *countingSweeper) {
	t.Helper()
	select {
	case <-c.started:
	case <-time.After(3 * time.Second):
		t.Fatal("sweep did not start")
	}
}

func TestScheduler_RunsAtStartupAndOnInterval(t *testing.T) {
	sweeper := newCountingSweeper()
	s := NewScheduler(sweeper, time.Second, quietLogger())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !s.IsRunning() {
		t.Error("IsRunning() = false after Start")
	}

	waitStarted(t, sweeper) // startup sweep
	waitStarted(t, sweeper) // first tick

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if s.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
	if n := sweeper.calls.Load(); n < 2 {
		t.Errorf("sweeps = %d, want at least 2", n)
	}
}

func TestScheduler_SkipsOverlappingSweeps(t *testing.T) {
	sweeper := newCountingSweeper()
	sweeper.block = make(chan struct{})
	s := NewScheduler(sweeper, time.Second, quietLogger())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitStarted(t, sweeper)

	// at least one tick fires while the startup sweep is blocked
	time.Sleep(2200 * time.Millisecond)
	if n := sweeper.calls.Load(); n != 1 {
		t.Errorf("sweeps while blocked = %d, want 1", n)
	}

	close(sweeper.block)
	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}

func TestScheduler_StopCancelsRunningSweep(t *testing.T) {
	sweeper := newCountingSweeper()
	sweeper.block = make(chan struct{}) // never closed
	s := NewScheduler(sweeper, time.Hour, quietLogger())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitStarted(t, sweeper)

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error = %v, sweep should observe cancellation", err)
	}
}

func TestScheduler_Lifecycle(t *testing.T) {
	sweeper := newCountingSweeper()
	sweeper.err = errors.New("list users: database is locked")
	s := NewScheduler(sweeper, time.Hour, quietLogger())

	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("Stop() before Start error = %v, want nil", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Error("second Start() should fail while running")
	}
	waitStarted(t, sweeper)
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	// restartable after Stop
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("restart error = %v", err)
	}
	waitStarted(t, sweeper)
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}

func TestScheduler_RejectsSubSecondInterval(t *testing.T) {
	s := NewScheduler(newCountingSweeper(), 10*time.Millisecond, quietLogger())
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected error for sub-second interval")
	}
	if s.IsRunning() {
		t.Error("scheduler should not be running")
	}
}
