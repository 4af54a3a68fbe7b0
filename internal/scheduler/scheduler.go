package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"
)

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("scheduler already started")

// CycleFunc runs one fetch-and-evaluate cycle.
type CycleFunc func(ctx context.Context) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	StartupDelay time.Duration
}

// Scheduler runs cycles on a fixed interval with at most one in flight.
// A tick that fires while a cycle is still running is dropped, not queued.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
	cron   *gocron.Scheduler

	started atomic.Bool
	stopped atomic.Bool
	running atomic.Bool
	skipped atomic.Int64
	done    chan struct{}
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	cron := gocron.NewScheduler(time.UTC)
	cron.SetMaxConcurrentJobs(1, gocron.RescheduleMode)
	return &Scheduler{
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Logger(),
		cron:   cron,
		done:   make(chan struct{}),
	}
}

// Start runs one bootstrap cycle synchronously, then schedules cycle every
// Interval in the background. Cycles run detached from ctx cancellation so a
// shutdown never interrupts one mid-way.
func (s *Scheduler) Start(ctx context.Context, cycle CycleFunc) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	cycleCtx := context.WithoutCancel(ctx)
	s.runOnce(cycleCtx, cycle, "bootstrap")

	if _, err := s.cron.Every(s.opts.Interval).WaitForSchedule().Do(func() {
		s.runOnce(cycleCtx, cycle, "interval")
	}); err != nil {
		return fmt.Errorf("schedule cycle job: %w", err)
	}
	s.cron.StartAsync()

	s.logger.Info().Dur("interval", s.opts.Interval).Msg("scheduler started")
	return nil
}

// Stop signals shutdown and returns immediately. An in-flight cycle finishes
// on its own; Done is closed once the job runner has wound down.
func (s *Scheduler) Stop() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	if !s.started.Load() {
		close(s.done)
		return
	}
	go func() {
		s.cron.Stop()
		close(s.done)
		s.logger.Info().Msg("scheduler stopped")
	}()
}

// Done is closed after Stop has fully completed.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

// Running reports whether a cycle is executing.
func (s *Scheduler) Running() bool { return s.running.Load() }

// Skipped counts ticks dropped because a cycle was still running.
func (s *Scheduler) Skipped() int64 { return s.skipped.Load() }

func (s *Scheduler) runOnce(ctx context.Context, cycle CycleFunc, trigger string) bool {
	if s.stopped.Load() {
		return false
	}
	if !s.running.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		s.logger.Warn().Str("trigger", trigger).Msg("previous cycle still running; tick skipped")
		return false
	}
	defer s.running.Store(false)

	started := time.Now()
	s.logger.Debug().Str("trigger", trigger).Msg("executing cycle")
	if err := cycle(ctx); err != nil {
		s.logger.Error().Err(err).Str("trigger", trigger).Dur("elapsed", time.Since(started)).Msg("cycle failed")
		return true
	}
	s.logger.Debug().Str("trigger", trigger).Dur("elapsed", time.Since(started)).Msg("cycle finished")
	return true
}
