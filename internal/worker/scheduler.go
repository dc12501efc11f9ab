package worker

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tourvista/adboard/internal/clock"
)

// Job is anything the scheduler can run on a tick.
type Job interface {
	Run(ctx context.Context) RunSummary
}

// Scheduler drives the reconciliation job on a fixed interval. It is an
// explicitly constructed object owned by the process's composition root:
// started once at startup, stopped via context on shutdown, no package-level
// state. Ticks never overlap; if a run is still in flight when the next tick
// fires, that tick is skipped rather than stacking job instances.
type Scheduler struct {
	job      Job
	interval time.Duration
	clock    clock.Clock
	logger   *zap.Logger
	running  atomic.Bool
}

// NewScheduler creates a scheduler ticking every interval, with the first run
// aligned to the next interval boundary of the reference clock (on the hour,
// for the default hourly interval).
func NewScheduler(job Job, interval time.Duration, clk clock.Clock, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		job:      job,
		interval: interval,
		clock:    clk,
		logger:   logger,
	}
}

// Start blocks until ctx is cancelled, running the job once per tick.
func (s *Scheduler) Start(ctx context.Context) {
	first := s.untilNextBoundary()
	s.logger.Info("scheduler started",
		zap.Duration("interval", s.interval),
		zap.Duration("first_run_in", first),
	)

	timer := time.NewTimer(first)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		s.logger.Info("scheduler stopping")
		return
	case <-timer.C:
	}
	s.TryRun(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return
		case <-ticker.C:
			s.TryRun(ctx)
		}
	}
}

// TryRun executes the job unless a run is already in flight. Also the entry
// point for the manual admin trigger, which shares the no-overlap guard with
// the ticker. A panicking run is contained here so the loop survives it.
func (s *Scheduler) TryRun(ctx context.Context) (RunSummary, bool) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("previous run still in flight, skipping tick")
		return RunSummary{}, false
	}
	defer s.running.Store(false)

	return s.safeRun(ctx), true
}

func (s *Scheduler) safeRun(ctx context.Context) (summary RunSummary) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("reconciliation run panicked",
				zap.Any("panic", rec),
			)
			summary.Failed = true
		}
	}()

	return s.job.Run(ctx)
}

func (s *Scheduler) untilNextBoundary() time.Duration {
	now := s.clock.Now()
	// Truncate rounds in absolute time, which lands mid-hour in zones with
	// a fractional UTC offset. Measure against the civil day of the
	// reference clock instead.
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	elapsed := now.Sub(midnight)
	return elapsed.Truncate(s.interval) + s.interval - elapsed
}
