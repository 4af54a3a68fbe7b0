package rates

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"rate-alarms/internal/kvcache"
)

// Cache stores snapshot batches in a kvcache.Store under BatchKey keys.
type Cache struct {
	store  kvcache.Store
	ttl    time.Duration
	logger zerolog.Logger
}

// NewCache wraps store; ttl bounds the lifetime of every batch.
func NewCache(store kvcache.Store, ttl time.Duration, logger zerolog.Logger) *Cache {
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &Cache{store: store, ttl: ttl, logger: logger.With().Str("component", "rate_cache").Logger()}
}

// Put replaces one batch wholesale.
func (c *Cache) Put(ctx context.Context, b Batch) error {
	snaps := b.Snapshots
	if snaps == nil {
		snaps = []Snapshot{}
	}
	payload, err := json.Marshal(snaps)
	if err != nil {
		return fmt.Errorf("marshal batch %s: %w", BatchKey(b.Category, b.Profile), err)
	}
	key := BatchKey(b.Category, b.Profile)
	if err := c.store.Set(ctx, key, payload, c.ttl); err != nil {
		return fmt.Errorf("write batch %s: %w", key, err)
	}
	return nil
}

// PutAll writes every batch, stopping at the first store error.
func (c *Cache) PutAll(ctx context.Context, batches []Batch) error {
	for _, b := range batches {
		if err := c.Put(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

// Load returns the cached batch; found is false when it is absent or expired.
func (c *Cache) Load(ctx context.Context, cat Category, p Profile) ([]Snapshot, bool, error) {
	key := BatchKey(cat, p)
	raw, err := c.store.Get(ctx, key)
	if errors.Is(err, kvcache.ErrMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read batch %s: %w", key, err)
	}

	var snaps []Snapshot
	if err := json.Unmarshal(raw, &snaps); err != nil {
		c.logger.Error().Err(err).Str("key", key).Msg("discarding undecodable batch")
		return nil, false, nil
	}
	return snaps, true, nil
}

// Book is an immutable view over all cached batches taken at one instant.
type Book struct {
	batches map[Profile]map[Category]map[string]Snapshot
}

// LoadBook reads every (category, profile) batch once.
func (c *Cache) LoadBook(ctx context.Context) (*Book, error) {
	book := &Book{batches: make(map[Profile]map[Category]map[string]Snapshot, len(Profiles))}
	for _, p := range Profiles {
		book.batches[p] = make(map[Category]map[string]Snapshot, len(Categories))
		for _, cat := range Categories {
			snaps, ok, err := c.Load(ctx, cat, p)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			index := make(map[string]Snapshot, len(snaps))
			for _, s := range snaps {
				code := strings.ToUpper(s.AssetCode)
				if _, dup := index[code]; !dup {
					index[code] = s
				}
			}
			book.batches[p][cat] = index
		}
	}
	return book, nil
}

// Lookup resolves an asset code for profile, searching currencies, golds then silvers.
func (b *Book) Lookup(p Profile, assetCode string) (Snapshot, bool) {
	code := NormalizeAssetCode(assetCode)
	byCat := b.batches[p]
	for _, cat := range Categories {
		if snap, ok := byCat[cat][code]; ok {
			return snap, true
		}
	}
	return Snapshot{}, false
}

// Empty reports whether no batch was present.
func (b *Book) Empty() bool {
	for _, byCat := range b.batches {
		if len(byCat) > 0 {
			return false
		}
	}
	return true
}
