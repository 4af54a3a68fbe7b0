package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"rate-alarms/internal/breaker"
	"rate-alarms/internal/rates"
)

// Observer receives per-source fetch outcomes ("ok", "error", "open").
type Observer interface {
	ObserveFetch(source, outcome string, attempts int)
}

// Options tune the refresher.
type Options struct {
	Attempts   int
	BackoffMin time.Duration
	BackoffMax time.Duration
	// JewelerMarginPct derives jeweler prices per category when a source only
	// quotes raw prices.
	JewelerMarginPct map[rates.Category]decimal.Decimal
	Now              func() time.Time
}

// Refresher pulls rates from sources in priority order behind a circuit
// breaker and writes full-replacement batches into the rate cache.
type Refresher struct {
	sources  []Source
	breaker  *breaker.Breaker
	cache    *rates.Cache
	opts     Options
	observer Observer
	logger   zerolog.Logger
}

// NewRefresher constructs a refresher; sources are tried in the given order.
func NewRefresher(sources []Source, br *breaker.Breaker, cache *rates.Cache, opts Options, observer Observer, logger zerolog.Logger) *Refresher {
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.BackoffMin <= 0 {
		opts.BackoffMin = time.Second
	}
	if opts.BackoffMax < opts.BackoffMin {
		opts.BackoffMax = 4 * opts.BackoffMin
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Refresher{
		sources:  sources,
		breaker:  br,
		cache:    cache,
		opts:     opts,
		observer: observer,
		logger:   logger.With().Str("component", "rate_refresher").Logger(),
	}
}

// RefreshAll fetches the first healthy source and replaces the cached batches.
// On failure the cache is left untouched so the previous snapshot stays
// readable until its TTL runs out.
func (r *Refresher) RefreshAll(ctx context.Context) (bool, error) {
	var (
		table  Table
		source string
	)
	err := r.breaker.Execute(ctx, func(ctx context.Context) (bool, error) {
		t, name, err := r.fetchFirst(ctx)
		if err != nil {
			return false, err
		}
		table, source = t, name
		return true, nil
	})
	if errors.Is(err, breaker.ErrOpen) {
		r.observe("breaker", "open", 0)
		r.logger.Warn().Msg("circuit open; skipping upstream fetch")
		return false, err
	}
	if err != nil {
		r.logger.Error().Err(err).Msg("rate refresh failed; keeping cached snapshot")
		return false, err
	}

	batches := r.normalize(table)
	if err := r.cache.PutAll(ctx, batches); err != nil {
		return false, fmt.Errorf("write rate batches: %w", err)
	}

	r.logger.Info().Str("source", source).Int("batches", len(batches)).Msg("rates refreshed")
	return true, nil
}

func (r *Refresher) fetchFirst(ctx context.Context) (Table, string, error) {
	if len(r.sources) == 0 {
		return nil, "", errors.New("no rate sources configured")
	}

	var errs []error
	for _, src := range r.sources {
		table, err := r.fetchWithRetry(ctx, src)
		if err == nil {
			return table, src.Name(), nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
		r.logger.Warn().Err(err).Str("source", src.Name()).Msg("source failed; trying fallback")
	}
	return nil, "", fmt.Errorf("%w: %w", ErrAllSourcesFailed, errors.Join(errs...))
}

func (r *Refresher) fetchWithRetry(ctx context.Context, src Source) (Table, error) {
	b := &backoff.Backoff{Min: r.opts.BackoffMin, Max: r.opts.BackoffMax, Factor: 2}

	var lastErr error
	for attempt := 1; attempt <= r.opts.Attempts; attempt++ {
		table, err := src.Fetch(ctx)
		if err == nil && usable(table) {
			r.observe(src.Name(), "ok", attempt)
			return table, nil
		}
		if err == nil {
			err = errors.New("payload has no priced rows")
		}
		lastErr = err
		r.logger.Warn().Err(err).Str("source", src.Name()).Int("attempt", attempt).Msg("fetch attempt failed")

		if attempt == r.opts.Attempts {
			break
		}
		timer := time.NewTimer(b.Duration())
		select {
		case <-ctx.Done():
			timer.Stop()
			r.observe(src.Name(), "error", attempt)
			return nil, &UpstreamError{Source: src.Name(), Attempts: attempt, Err: ctx.Err()}
		case <-timer.C:
		}
	}

	r.observe(src.Name(), "error", r.opts.Attempts)
	return nil, &UpstreamError{Source: src.Name(), Attempts: r.opts.Attempts, Err: lastErr}
}

func usable(t Table) bool {
	for _, rows := range t {
		for _, row := range rows {
			if row.Sell.IsPositive() {
				return true
			}
		}
	}
	return false
}

// normalize builds one raw and one jeweler batch per category present in t.
// Rows without a positive sell price are dropped.
func (r *Refresher) normalize(t Table) []rates.Batch {
	now := r.opts.Now().UTC()
	hundred := decimal.NewFromInt(100)

	var out []rates.Batch
	for _, cat := range rates.Categories {
		rows, ok := t[cat]
		if !ok {
			continue
		}
		margin := r.opts.JewelerMarginPct[cat]
		factor := decimal.NewFromInt(1).Add(margin.Div(hundred))

		raw := make([]rates.Snapshot, 0, len(rows))
		jeweler := make([]rates.Snapshot, 0, len(rows))
		for _, row := range rows {
			if !row.Sell.IsPositive() {
				r.logger.Debug().Str("asset", row.Code).Str("category", string(cat)).Msg("dropping row without positive sell price")
				continue
			}
			snap := rates.Snapshot{
				AssetCode:     row.Code,
				DisplayName:   row.Name,
				SellPrice:     row.Sell,
				ChangePercent: row.ChangePercent,
				CapturedAt:    now,
			}
			raw = append(raw, snap)

			if row.JewelerSell.IsPositive() {
				snap.SellPrice = row.JewelerSell
			} else {
				snap.SellPrice = row.Sell.Mul(factor).Round(4)
			}
			jeweler = append(jeweler, snap)
		}

		out = append(out,
			rates.Batch{Category: cat, Profile: rates.ProfileRaw, Snapshots: raw},
			rates.Batch{Category: cat, Profile: rates.ProfileJeweler, Snapshots: jeweler},
		)
	}
	return out
}

func (r *Refresher) observe(source, outcome string, attempts int) {
	if r.observer != nil {
		r.observer.ObserveFetch(source, outcome, attempts)
	}
}
