package alarm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"rate-alarms/internal/kvcache"
	"rate-alarms/internal/rates"
)

// Options bound the alarm store.
type Options struct {
	MaxPerUser int
	TTL        time.Duration
	Now        func() time.Time
}

// Store keeps alarms in a kvcache.Store, one key per identity tuple.
type Store struct {
	kv     kvcache.Store
	opts   Options
	logger zerolog.Logger
}

// SyncResult counts the outcome of a Sync call.
type SyncResult struct {
	Deleted int `json:"deleted"`
	Created int `json:"created"`
	Skipped int `json:"skipped"`
}

// Stats aggregates all stored alarms.
type Stats struct {
	TotalAlarms int                   `json:"total_alarms"`
	UniqueUsers int                   `json:"unique_users"`
	ByKind      map[Kind]int          `json:"by_kind"`
	ByProfile   map[rates.Profile]int `json:"by_profile"`
}

// NewStore constructs an alarm store.
func NewStore(kv kvcache.Store, opts Options, logger zerolog.Logger) *Store {
	if opts.MaxPerUser <= 0 {
		opts.MaxPerUser = 20
	}
	if opts.TTL <= 0 {
		opts.TTL = 90 * 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{kv: kv, opts: opts, logger: logger.With().Str("component", "alarm_store").Logger()}
}

// MaxPerUser is the per-owner quota.
func (s *Store) MaxPerUser() int { return s.opts.MaxPerUser }

// NewPriceAlarm builds an active PRICE alarm.
func NewPriceAlarm(ownerHash, assetCode string, kind Kind, profile rates.Profile, target decimal.Decimal) Alarm {
	return Alarm{OwnerHash: ownerHash, AssetCode: assetCode, Kind: kind, Profile: profile, Condition: PriceCondition{Target: target}, Active: true}
}

// NewPercentAlarm builds an active PERCENT alarm.
func NewPercentAlarm(ownerHash, assetCode string, kind Kind, profile rates.Profile, start, percent decimal.Decimal, dir Direction) Alarm {
	return Alarm{
		OwnerHash: ownerHash,
		AssetCode: assetCode,
		Kind:      kind,
		Profile:   profile,
		Condition: PercentCondition{Start: start, Percent: percent, Direction: dir},
		Active:    true,
	}
}

// Create validates a, enforces the owner's quota and stores a unless an alarm
// with the same identity already exists. A duplicate is a conflict even when
// the owner is at quota. The quota count and the insert are separate store
// calls, so creates racing for one owner may overshoot MaxPerUser by the
// number of concurrent callers; the identity check itself is atomic (SETNX).
func (s *Store) Create(ctx context.Context, a Alarm) (Alarm, error) {
	if err := a.Validate(); err != nil {
		return Alarm{}, err
	}

	_, err := s.kv.Get(ctx, a.Key())
	switch {
	case err == nil:
		return Alarm{}, fmt.Errorf("%w: %s", ErrConflict, a.Key())
	case !errors.Is(err, kvcache.ErrMiss):
		return Alarm{}, fmt.Errorf("check alarm %s: %w", a.Key(), err)
	}

	count, err := s.Count(ctx, a.OwnerHash)
	if err != nil {
		return Alarm{}, err
	}
	if count >= s.opts.MaxPerUser {
		return Alarm{}, fmt.Errorf("%w: owner already holds %d alarms", ErrQuotaExceeded, count)
	}

	if a.CreatedAt == 0 {
		a.CreatedAt = s.opts.Now().Unix()
	}
	stored, err := s.insert(ctx, a)
	if err != nil {
		return Alarm{}, err
	}
	if !stored {
		return Alarm{}, fmt.Errorf("%w: %s", ErrConflict, a.Key())
	}

	s.logger.Debug().Str("key", a.Key()).Str("mode", string(a.Mode())).Msg("alarm created")
	return a, nil
}

func (s *Store) insert(ctx context.Context, a Alarm) (bool, error) {
	payload, err := json.Marshal(a)
	if err != nil {
		return false, fmt.Errorf("marshal alarm %s: %w", a.Key(), err)
	}
	stored, err := s.kv.SetNX(ctx, a.Key(), payload, s.opts.TTL)
	if err != nil {
		return false, fmt.Errorf("store alarm %s: %w", a.Key(), err)
	}
	return stored, nil
}

// Get loads one alarm by key.
func (s *Store) Get(ctx context.Context, key string) (Alarm, error) {
	raw, err := s.kv.Get(ctx, key)
	if errors.Is(err, kvcache.ErrMiss) {
		return Alarm{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return Alarm{}, fmt.Errorf("load alarm %s: %w", key, err)
	}
	var a Alarm
	if err := json.Unmarshal(raw, &a); err != nil {
		return Alarm{}, fmt.Errorf("decode alarm %s: %w", key, err)
	}
	return a, nil
}

// Count returns how many alarms ownerHash holds.
func (s *Store) Count(ctx context.Context, ownerHash string) (int, error) {
	keys, err := s.ownerKeys(ctx, ownerHash)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// List returns the owner's alarms, newest first. Undecodable records are
// logged and skipped.
func (s *Store) List(ctx context.Context, ownerHash string) ([]Alarm, error) {
	if !IsTokenHash(ownerHash) {
		return nil, invalid("token_hash", "must be 16 lowercase hex characters")
	}

	out := make([]Alarm, 0)
	err := s.kv.Scan(ctx, OwnerPattern(ownerHash), func(keys []string) error {
		for _, key := range keys {
			if _, ok := ParseKey(key); !ok {
				continue
			}
			a, err := s.Get(ctx, key)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if errors.Is(err, kvcache.ErrUnavailable) {
				return err
			}
			if err != nil {
				s.logger.Warn().Err(err).Str("key", key).Msg("skipping unreadable alarm")
				continue
			}
			out = append(out, a)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list alarms: %w", err)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out, nil
}

// Delete removes one alarm. Deleting an absent alarm returns ErrNotFound.
func (s *Store) Delete(ctx context.Context, ownerHash, assetCode string, kind Kind, profile rates.Profile) error {
	if !IsTokenHash(ownerHash) {
		return invalid("token_hash", "must be 16 lowercase hex characters")
	}
	key := Key(ownerHash, assetCode, kind, profile)
	n, err := s.kv.Delete(ctx, key)
	if err != nil {
		return fmt.Errorf("delete alarm %s: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return nil
}

// Claim deletes key and reports whether this caller removed it. Only the
// claimant of a triggered alarm may notify, which keeps dispatch at-most-once.
func (s *Store) Claim(ctx context.Context, key string) (bool, error) {
	n, err := s.kv.Delete(ctx, key)
	if err != nil {
		return false, fmt.Errorf("claim alarm %s: %w", key, err)
	}
	return n > 0, nil
}

// DeleteAll removes every alarm of ownerHash and returns how many were removed.
func (s *Store) DeleteAll(ctx context.Context, ownerHash string) (int, error) {
	if !IsTokenHash(ownerHash) {
		return 0, invalid("token_hash", "must be 16 lowercase hex characters")
	}
	removed := 0
	err := s.kv.Scan(ctx, OwnerPattern(ownerHash), func(keys []string) error {
		alarmKeys := lo.Filter(keys, func(k string, _ int) bool {
			_, ok := ParseKey(k)
			return ok
		})
		n, err := s.kv.Delete(ctx, alarmKeys...)
		removed += n
		return err
	})
	if err != nil {
		return removed, fmt.Errorf("delete alarms of %s: %w", ownerHash, err)
	}
	return removed, nil
}

// Sync replaces the owner's whole alarm set. Oversized requests are rejected
// before anything is deleted; afterwards each alarm is inserted independently
// and invalid or duplicate entries are only counted as skipped.
func (s *Store) Sync(ctx context.Context, ownerHash string, alarms []Alarm) (SyncResult, error) {
	if !IsTokenHash(ownerHash) {
		return SyncResult{}, invalid("token_hash", "must be 16 lowercase hex characters")
	}
	if len(alarms) > s.opts.MaxPerUser {
		return SyncResult{}, fmt.Errorf("%w: %d alarms exceed the limit of %d", ErrQuotaExceeded, len(alarms), s.opts.MaxPerUser)
	}

	var res SyncResult
	deleted, err := s.DeleteAll(ctx, ownerHash)
	res.Deleted = deleted
	if err != nil {
		return res, err
	}

	now := s.opts.Now().Unix()
	for _, a := range alarms {
		a.OwnerHash = ownerHash
		if a.CreatedAt == 0 {
			a.CreatedAt = now
		}
		if err := a.Validate(); err != nil {
			s.logger.Debug().Err(err).Str("asset", a.AssetCode).Msg("sync skipped invalid alarm")
			res.Skipped++
			continue
		}
		stored, err := s.insert(ctx, a)
		if err != nil {
			return res, err
		}
		if !stored {
			res.Skipped++
			continue
		}
		res.Created++
	}

	s.logger.Info().Str("owner", ownerHash).
		Int("deleted", res.Deleted).
		Int("created", res.Created).
		Int("skipped", res.Skipped).
		Msg("alarms synced")
	return res, nil
}

// Stats counts alarms across all owners. Token mappings and housekeeping keys
// share the "alarm:" prefix, so every key is parsed and non-alarm keys are
// dropped before counting.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var parts []KeyParts
	err := s.kv.Scan(ctx, AllPattern, func(keys []string) error {
		for _, key := range keys {
			if p, ok := ParseKey(key); ok {
				parts = append(parts, p)
			}
		}
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("scan alarms: %w", err)
	}

	stats := Stats{
		TotalAlarms: len(parts),
		UniqueUsers: len(lo.Uniq(lo.Map(parts, func(p KeyParts, _ int) string { return p.OwnerHash }))),
		ByKind:      map[Kind]int{High: 0, Low: 0},
		ByProfile:   map[rates.Profile]int{rates.ProfileRaw: 0, rates.ProfileJeweler: 0},
	}
	for _, p := range parts {
		stats.ByKind[p.Kind]++
		stats.ByProfile[p.Profile]++
	}
	return stats, nil
}

// Keys returns every alarm key across all owners.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	var out []string
	err := s.kv.Scan(ctx, AllPattern, func(keys []string) error {
		for _, key := range keys {
			if _, ok := ParseKey(key); ok {
				out = append(out, key)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan alarms: %w", err)
	}
	return out, nil
}

// Ping checks the backing store.
func (s *Store) Ping(ctx context.Context) error {
	return s.kv.Ping(ctx)
}

func (s *Store) ownerKeys(ctx context.Context, ownerHash string) ([]string, error) {
	keys, err := kvcache.Keys(ctx, s.kv, OwnerPattern(ownerHash))
	if err != nil {
		return nil, fmt.Errorf("scan alarms of %s: %w", ownerHash, err)
	}
	return lo.Filter(keys, func(k string, _ int) bool {
		_, ok := ParseKey(k)
		return ok
	}), nil
}
