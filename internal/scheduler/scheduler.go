package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/perparena/perparena/internal/config"
	"github.com/perparena/perparena/internal/metrics"
	"github.com/perparena/perparena/pkg/types"
)

// Runner executes one numbered cycle.
type Runner interface {
	Run(ctx context.Context, cycleID int64) (types.CycleStatus, error)
}

// Scheduler fires one cycle per period with at-most-one in flight. A tick
// arriving while a cycle runs is skipped, never queued.
type Scheduler struct {
	period          time.Duration
	shutdownTimeout time.Duration
	runner          Runner
	lastCycleAt     *time.Time

	cycleCount atomic.Int64
	running    atomic.Bool
	wg         sync.WaitGroup
	logger     zerolog.Logger
}

// New builds a scheduler. initialCycleCount and lastCycleAt resume
// numbering and tick alignment from the persisted bot state.
func New(cfg config.TradingConfig, runner Runner, initialCycleCount int64, lastCycleAt *time.Time) *Scheduler {
	s := &Scheduler{
		period:          cfg.Period,
		shutdownTimeout: cfg.ShutdownTimeout,
		runner:          runner,
		lastCycleAt:     lastCycleAt,
		logger:          config.NewLogger("scheduler"),
	}
	s.cycleCount.Store(initialCycleCount)
	return s
}

// CycleCount reports how many cycles have been started, including those
// adopted from a previous run.
func (s *Scheduler) CycleCount() int64 {
	return s.cycleCount.Load()
}

// Start runs the scheduling loop until ctx is cancelled, then waits for
// any in-flight cycle up to the shutdown timeout. The first cycle fires
// immediately unless a persisted cycle finished less than one period ago;
// subsequent ticks are aligned to the first one.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info().
		Dur("period", s.period).
		Int64("resumed_cycle_count", s.cycleCount.Load()).
		Msg("Scheduler started")

	if delay := s.firstCycleDelay(time.Now()); delay > 0 {
		s.logger.Info().
			Dur("delay", delay).
			Msg("Recent cycle on record, waiting for its period boundary")
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}

	s.tick(ctx)

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.drain()
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// firstCycleDelay keeps a restart from double-firing inside one period:
// when the persisted state shows a cycle newer than the period, the first
// tick waits for that cycle's boundary.
func (s *Scheduler) firstCycleDelay(now time.Time) time.Duration {
	if s.lastCycleAt == nil {
		return 0
	}
	next := s.lastCycleAt.Add(s.period)
	if next.After(now) {
		return next.Sub(now)
	}
	return 0
}

// tick runs one cycle unless one is already in flight.
func (s *Scheduler) tick(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		metrics.SkippedTicks.Inc()
		s.logger.Warn().
			Int64("cycle_count", s.cycleCount.Load()).
			Msg("Tick skipped, previous cycle still running")
		return
	}

	cycleID := s.cycleCount.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		// The cycle itself is not cancelled on shutdown; it is waited
		// for in drain.
		_, _ = s.runner.Run(context.WithoutCancel(ctx), cycleID)
	}()
}

// drain waits for the in-flight cycle, bounded by the shutdown timeout.
func (s *Scheduler) drain() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("Scheduler stopped cleanly")
	case <-time.After(s.shutdownTimeout):
		s.logger.Warn().
			Dur("shutdown_timeout", s.shutdownTimeout).
			Msg("Shutdown timeout elapsed with a cycle still in flight")
	}
}
