package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"rate-alarms/internal/alarm"
	"rate-alarms/internal/alerting"
	"rate-alarms/internal/breaker"
	"rate-alarms/internal/evaluator"
	"rate-alarms/internal/kvcache"
	"rate-alarms/internal/metrics"
	"rate-alarms/internal/scheduler"
	"rate-alarms/internal/storage"
)

// Refresher refreshes the rate cache.
type Refresher interface {
	RefreshAll(ctx context.Context) (bool, error)
}

// Sweeper evaluates every stored alarm.
type Sweeper interface {
	Sweep(ctx context.Context) (evaluator.Result, error)
}

// Options tune the cycle.
type Options struct {
	// LockKey enables the cross-replica advisory lock when non-zero and a
	// database is configured.
	LockKey          int64
	TriggerRetention time.Duration
	Now              func() time.Time
}

// Report is the outcome of one cycle.
type Report struct {
	Skipped    bool             `json:"skipped"`
	Refreshed  bool             `json:"refreshed"`
	RefreshErr string           `json:"refresh_error,omitempty"`
	Sweep      evaluator.Result `json:"sweep"`
	FinishedAt time.Time        `json:"finished_at"`
}

// Service orchestrates the fetch-and-evaluate cycle.
type Service struct {
	scheduler *scheduler.Scheduler
	refresher Refresher
	sweeper   Sweeper
	kv        kvcache.Store
	triggers  storage.TriggerStore
	locker    storage.AdvisoryLocker
	ops       alerting.OpsNotifier
	metrics   metrics.Recorder
	opts      Options
	logger    zerolog.Logger
}

// New constructs the cycle service. triggers and ops may be nil.
func New(sched *scheduler.Scheduler, refresher Refresher, sweeper Sweeper, kv kvcache.Store, triggers storage.TriggerStore, ops alerting.OpsNotifier, rec metrics.Recorder, opts Options, logger zerolog.Logger) *Service {
	if rec == nil {
		rec = metrics.Noop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	var locker storage.AdvisoryLocker
	if l, ok := triggers.(storage.AdvisoryLocker); ok {
		locker = l
	}
	if st, ok := triggers.(*storage.Store); ok && !st.Configured() {
		triggers, locker = nil, nil
	}

	return &Service{
		scheduler: sched,
		refresher: refresher,
		sweeper:   sweeper,
		kv:        kv,
		triggers:  triggers,
		locker:    locker,
		ops:       ops,
		metrics:   rec,
		opts:      opts,
		logger:    logger.With().Str("component", "service").Logger(),
	}
}

// Run starts the scheduler and blocks until ctx is cancelled. Shutdown does
// not wait for an in-flight cycle.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	if err := s.scheduler.Start(ctx, s.cycle); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

// Stop signals the scheduler and returns immediately.
func (s *Service) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}

func (s *Service) cycle(ctx context.Context) error {
	_, err := s.RunCycle(ctx)
	return err
}

// RunCycle refreshes rates and sweeps alarms once. A failed refresh is logged
// and the sweep still runs against whatever the cache holds.
func (s *Service) RunCycle(ctx context.Context) (Report, error) {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return Report{}, err
	}
	if !proceed {
		s.logger.Debug().Msg("skip cycle because advisory lock held elsewhere")
		return Report{Skipped: true}, nil
	}
	if unlock != nil {
		defer unlock()
	}

	return s.executeCycle(ctx)
}

func (s *Service) executeCycle(ctx context.Context) (Report, error) {
	var report Report

	refreshed, err := s.refresher.RefreshAll(ctx)
	report.Refreshed = refreshed
	if err != nil {
		report.RefreshErr = err.Error()
		s.logger.Warn().Err(err).Msg("rate refresh failed; sweeping against cached rates")
	}

	res, sweepErr := s.sweeper.Sweep(ctx)
	report.Sweep = res
	report.FinishedAt = s.opts.Now().UTC()

	s.metrics.ObserveSweep(metrics.Sweep{
		Total:     res.Total,
		Checked:   res.Checked,
		Triggered: res.Triggered,
		Failed:    res.Failed,
		Duration:  res.Duration,
		Error:     res.Error,
	})
	s.persistTriggers(ctx, res.Fired)

	if sweepErr != nil {
		if errors.Is(sweepErr, kvcache.ErrUnavailable) {
			s.notifyOps(ctx, "evaluator", "sweep aborted: alarm store unavailable", map[string]string{
				"error": sweepErr.Error(),
			})
		}
		return report, fmt.Errorf("evaluate alarms: %w", sweepErr)
	}

	if err := s.writeStatus(ctx, report); err != nil {
		s.logger.Warn().Err(err).Msg("failed to record sweep status")
	}
	return report, nil
}

// LastReport reads the status written by the most recent successful cycle.
func (s *Service) LastReport(ctx context.Context) (Report, bool, error) {
	raw, err := s.kv.Get(ctx, alarm.SweepStatusKey)
	if errors.Is(err, kvcache.ErrMiss) {
		return Report{}, false, nil
	}
	if err != nil {
		return Report{}, false, fmt.Errorf("read sweep status: %w", err)
	}
	var report Report
	if err := json.Unmarshal(raw, &report); err != nil {
		return Report{}, false, fmt.Errorf("decode sweep status: %w", err)
	}
	return report, true, nil
}

// OnBreakerChange publishes breaker transitions to metrics and, when the
// breaker opens, to the ops channel.
func (s *Service) OnBreakerChange(name string, from, to breaker.State) {
	s.metrics.SetBreakerState(name, int(to))
	if to != breaker.Open {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.notifyOps(ctx, "breaker", fmt.Sprintf("circuit %s opened; upstream fetches paused", name), map[string]string{
		"from": from.String(),
	})
}

func (s *Service) writeStatus(ctx context.Context, report Report) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, alarm.SweepStatusKey, payload, 0)
}

func (s *Service) persistTriggers(ctx context.Context, fired []evaluator.Fired) {
	if s.triggers == nil || len(fired) == 0 {
		return
	}

	records := make([]storage.TriggerRecord, 0, len(fired))
	for _, f := range fired {
		records = append(records, triggerRecord(f))
	}
	if err := s.triggers.InsertTriggers(ctx, records); err != nil {
		s.logger.Error().Err(err).Int("count", len(records)).Msg("failed to persist trigger audit")
		return
	}

	if s.opts.TriggerRetention > 0 {
		cutoff := s.opts.Now().Add(-s.opts.TriggerRetention)
		if n, err := s.triggers.DeleteTriggersBefore(ctx, cutoff); err != nil {
			s.logger.Warn().Err(err).Msg("failed to prune trigger audit")
		} else if n > 0 {
			s.logger.Debug().Int64("deleted", n).Msg("pruned trigger audit")
		}
	}
}

func triggerRecord(f evaluator.Fired) storage.TriggerRecord {
	rec := storage.TriggerRecord{
		AlarmKey:  f.Alarm.Key(),
		OwnerHash: f.Alarm.OwnerHash,
		AssetCode: f.Alarm.AssetCode,
		Kind:      string(f.Alarm.Kind),
		Mode:      string(f.Alarm.Mode()),
		Profile:   string(f.Alarm.Profile),
		Price:     f.Snapshot.SellPrice,
		FiredAt:   f.FiredAt,
	}
	switch c := f.Alarm.Condition.(type) {
	case alarm.PriceCondition:
		rec.Threshold = c.Target
	case alarm.PercentCondition:
		rec.Threshold = c.Percent
	}
	switch {
	case f.Delivered:
		rec.Outcome = storage.OutcomeDelivered
	case f.Orphan:
		rec.Outcome = storage.OutcomeOrphan
	default:
		rec.Outcome = storage.OutcomeFailed
	}
	return rec
}

func (s *Service) notifyOps(ctx context.Context, source, summary string, fields map[string]string) {
	if s.ops == nil {
		return
	}
	event := alerting.OpsEvent{At: s.opts.Now(), Source: source, Summary: summary, Fields: fields}
	if err := s.ops.Notify(ctx, event); err != nil {
		s.logger.Error().Err(err).Str("source", source).Msg("failed to dispatch ops notification")
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock %s: %w", strconv.FormatInt(s.opts.LockKey, 16), err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
