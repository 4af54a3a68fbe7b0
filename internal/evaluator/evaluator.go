package evaluator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"rate-alarms/internal/alarm"
	"rate-alarms/internal/alerting"
	"rate-alarms/internal/kvcache"
	"rate-alarms/internal/rates"
)

// Error markers carried in Result.Error.
const (
	ErrorStoreUnavailable = "store_unavailable"
	ErrorScanFailed       = "scan_failed"
)

// Observer receives per-dispatch outcomes ("delivered", "rejected", "error", "orphan").
type Observer interface {
	ObserveDispatch(outcome string)
}

// Options tune a sweep.
type Options struct {
	// Workers bounds how many owners are processed in parallel.
	Workers int
	Now     func() time.Time
}

// Fired is one alarm claimed during a sweep.
type Fired struct {
	Alarm     alarm.Alarm
	Snapshot  rates.Snapshot
	Delivered bool
	Orphan    bool
	FiredAt   time.Time
}

// Result aggregates one sweep.
type Result struct {
	Total     int           `json:"total"`
	Checked   int           `json:"checked"`
	Triggered int           `json:"triggered"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
	Fired     []Fired       `json:"-"`
}

// Evaluator sweeps every stored alarm against the cached rate book.
type Evaluator struct {
	alarms   *alarm.Store
	tokens   *alarm.TokenRegistry
	cache    *rates.Cache
	sender   alerting.Sender
	opts     Options
	observer Observer
	logger   zerolog.Logger
}

// New constructs an evaluator.
func New(alarms *alarm.Store, tokens *alarm.TokenRegistry, cache *rates.Cache, sender alerting.Sender, opts Options, observer Observer, logger zerolog.Logger) *Evaluator {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Evaluator{
		alarms:   alarms,
		tokens:   tokens,
		cache:    cache,
		sender:   sender,
		opts:     opts,
		observer: observer,
		logger:   logger.With().Str("component", "alarm_evaluator").Logger(),
	}
}

// Sweep evaluates every alarm once. Alarms are partitioned by owner so no two
// workers ever touch the same key, and each triggered alarm is claimed
// (deleted) before its owner is notified: only the caller whose delete removed
// the record dispatches.
//
// Losing the store before enumeration returns a zero result whose Error is
// ErrorStoreUnavailable together with an error wrapping kvcache.ErrUnavailable.
func (e *Evaluator) Sweep(ctx context.Context) (Result, error) {
	start := e.opts.Now()

	if err := e.alarms.Ping(ctx); err != nil {
		e.logger.Error().Err(err).Msg("store unreachable; aborting sweep")
		return Result{Error: ErrorStoreUnavailable, Duration: e.opts.Now().Sub(start)}, fmt.Errorf("sweep: %w", err)
	}

	keys, err := e.alarms.Keys(ctx)
	if err != nil {
		return e.abort(start, err)
	}
	book, err := e.cache.LoadBook(ctx)
	if err != nil {
		return e.abort(start, err)
	}
	if book.Empty() && len(keys) > 0 {
		e.logger.Warn().Int("alarms", len(keys)).Msg("rate cache empty; no alarm can trigger this cycle")
	}

	byOwner := lo.GroupBy(keys, func(key string) string {
		parts, _ := alarm.ParseKey(key)
		return parts.OwnerHash
	})
	owners := lo.Keys(byOwner)
	sort.Strings(owners)

	t := &tally{}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for _, owner := range owners {
		ownerKeys := byOwner[owner]
		g.Go(func() error {
			for _, key := range ownerKeys {
				if err := e.evaluate(gctx, key, book, t); err != nil {
					return err
				}
			}
			return nil
		})
	}
	werr := g.Wait()

	res := t.result()
	res.Duration = e.opts.Now().Sub(start)
	if werr != nil {
		res.Error = marker(werr)
		e.logger.Error().Err(werr).Int("triggered", res.Triggered).Msg("sweep aborted")
		return res, fmt.Errorf("sweep: %w", werr)
	}

	e.logger.Info().
		Int("total", res.Total).
		Int("checked", res.Checked).
		Int("triggered", res.Triggered).
		Int("failed", res.Failed).
		Dur("duration", res.Duration).
		Msg("sweep finished")
	return res, nil
}

func (e *Evaluator) abort(start time.Time, err error) (Result, error) {
	res := Result{Error: marker(err), Duration: e.opts.Now().Sub(start)}
	e.logger.Error().Err(err).Str("marker", res.Error).Msg("sweep aborted before evaluation")
	return res, fmt.Errorf("sweep: %w", err)
}

func marker(err error) string {
	if errors.Is(err, kvcache.ErrUnavailable) {
		return ErrorStoreUnavailable
	}
	return ErrorScanFailed
}

// evaluate handles one key. Only store loss is returned; everything else is
// tallied and logged.
func (e *Evaluator) evaluate(ctx context.Context, key string, book *rates.Book, t *tally) error {
	log := e.logger.With().Str("key", key).Logger()

	a, err := e.alarms.Get(ctx, key)
	switch {
	case errors.Is(err, alarm.ErrNotFound):
		// expired or removed since enumeration
		return nil
	case errors.Is(err, kvcache.ErrUnavailable):
		return err
	case err != nil:
		log.Warn().Err(err).Msg("purging undecodable alarm")
		t.add(func(r *Result) { r.Total++; r.Failed++ })
		if _, err := e.alarms.Claim(ctx, key); err != nil {
			return err
		}
		return nil
	}

	t.add(func(r *Result) { r.Total++ })
	if !a.Active {
		return nil
	}
	t.add(func(r *Result) { r.Checked++ })

	snap, ok := book.Lookup(a.Profile, a.AssetCode)
	if !ok {
		log.Debug().Str("asset", a.AssetCode).Str("profile", string(a.Profile)).Msg("no cached price")
		return nil
	}
	if !a.Triggered(snap.SellPrice) {
		return nil
	}

	claimed, err := e.alarms.Claim(ctx, key)
	if err != nil {
		return err
	}
	if !claimed {
		log.Debug().Msg("alarm already claimed elsewhere")
		return nil
	}
	fired := Fired{Alarm: a, Snapshot: snap, FiredAt: e.opts.Now().UTC()}

	token, err := e.tokens.Resolve(ctx, a.OwnerHash)
	if err != nil {
		if errors.Is(err, kvcache.ErrUnavailable) {
			return err
		}
		fired.Orphan = errors.Is(err, alarm.ErrOrphan)
		log.Warn().Err(err).Str("owner", a.OwnerHash).Msg("owner token unresolvable; alarm purged")
		e.observe("orphan")
		t.add(func(r *Result) { r.Failed++; r.Fired = append(r.Fired, fired) })
		return nil
	}

	result, err := e.sender.Send(ctx, alerting.AlarmMessage(token, describe(a, snap)))
	switch {
	case err != nil:
		log.Error().Err(err).Msg("push dispatch failed; alarm stays deleted")
		e.observe("error")
		t.add(func(r *Result) { r.Failed++; r.Fired = append(r.Fired, fired) })
	case !result.Delivered():
		log.Warn().Int("failure_count", result.FailureCount).Msg("push rejected; alarm stays deleted")
		e.observe("rejected")
		t.add(func(r *Result) { r.Failed++; r.Fired = append(r.Fired, fired) })
	default:
		fired.Delivered = true
		log.Info().Str("asset", a.AssetCode).Str("price", snap.SellPrice.String()).Msg("alarm triggered")
		e.observe("delivered")
		t.add(func(r *Result) { r.Triggered++; r.Fired = append(r.Fired, fired) })
	}
	return nil
}

func (e *Evaluator) observe(outcome string) {
	if e.observer != nil {
		e.observer.ObserveDispatch(outcome)
	}
}

func describe(a alarm.Alarm, snap rates.Snapshot) alerting.AlarmFired {
	f := alerting.AlarmFired{
		AssetCode:    a.AssetCode,
		DisplayName:  snap.DisplayName,
		Kind:         string(a.Kind),
		Mode:         string(a.Mode()),
		Profile:      string(a.Profile),
		CurrentPrice: snap.SellPrice,
	}
	switch c := a.Condition.(type) {
	case alarm.PriceCondition:
		f.TargetPrice = c.Target
	case alarm.PercentCondition:
		f.StartPrice = c.Start
		f.ChangePct = c.Change(snap.SellPrice)
	}
	return f
}

type tally struct {
	mu  sync.Mutex
	res Result
}

func (t *tally) add(fn func(r *Result)) {
	t.mu.Lock()
	fn(&t.res)
	t.mu.Unlock()
}

func (t *tally) result() Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.res
}
