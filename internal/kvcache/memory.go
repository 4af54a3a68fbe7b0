package kvcache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/buntdb"
	"github.com/tidwall/match"
)

// Memory is an in-process Store backed by BuntDB, either purely in memory or
// persisted to an append-only file. BuntDB expires entries in the background
// and hides expired ones on read.
type Memory struct {
	db        *buntdb.DB
	scanBatch int
	logger    zerolog.Logger
}

// InMemoryPath keeps the BuntDB store off disk.
const InMemoryPath = ":memory:"

// NewMemory opens a store that lives only as long as the process.
func NewMemory(scanBatch int, logger zerolog.Logger) (*Memory, error) {
	return NewMemoryAt(InMemoryPath, scanBatch, logger)
}

// NewMemoryAt opens the BuntDB store at path. A file path survives restarts,
// including the TTL of every entry; InMemoryPath does not. The file is not
// shared safely between processes running at the same time.
func NewMemoryAt(path string, scanBatch int, logger zerolog.Logger) (*Memory, error) {
	if path == "" {
		path = InMemoryPath
	}
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open buntdb %s: %w", path, err)
	}

	var cfg buntdb.Config
	if err := db.ReadConfig(&cfg); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("read buntdb config: %w", err)
	}
	cfg.SyncPolicy = buntdb.Never
	if path != InMemoryPath {
		cfg.SyncPolicy = buntdb.EverySecond
	}
	if err := db.SetConfig(cfg); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure buntdb: %w", err)
	}

	if scanBatch <= 0 {
		scanBatch = defaultScanBatch
	}

	return &Memory{
		db:        db,
		scanBatch: scanBatch,
		logger:    logger.With().Str("component", "kv_memory").Str("path", path).Logger(),
	}, nil
}

// Get returns the value stored at key or ErrMiss.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	var val string
	err := m.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(key)
		if err != nil {
			return err
		}
		val = v
		return nil
	})
	if err != nil {
		return nil, m.translate("get", err)
	}
	return []byte(val), nil
}

// Set overwrites key. A non-positive ttl stores the entry without expiry.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	err := m.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, string(value), setOptions(ttl))
		return err
	})
	if err != nil {
		return m.translate("set", err)
	}
	return nil
}

// SetNX writes key only when it is absent (expired entries count as absent).
func (m *Memory) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	stored := false
	err := m.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get(key); err == nil {
			return nil
		} else if !errors.Is(err, buntdb.ErrNotFound) {
			return err
		}
		if _, _, err := tx.Set(key, string(value), setOptions(ttl)); err != nil {
			return err
		}
		stored = true
		return nil
	})
	if err != nil {
		return false, m.translate("setnx", err)
	}
	return stored, nil
}

// Delete removes keys and reports how many were live.
func (m *Memory) Delete(_ context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	removed := 0
	err := m.db.Update(func(tx *buntdb.Tx) error {
		for _, key := range keys {
			if _, err := tx.Delete(key); err != nil {
				if errors.Is(err, buntdb.ErrNotFound) {
					continue
				}
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, m.translate("delete", err)
	}
	return removed, nil
}

// Scan iterates keys in lexical order starting at the pattern's literal prefix.
// Each batch runs in its own read transaction and resumes after the last key
// seen, so writers interleave freely between batches.
func (m *Memory) Scan(ctx context.Context, pattern string, fn func(keys []string) error) error {
	prefix := literalPrefix(pattern)
	cursor := prefix
	resumed := false

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch := make([]string, 0, m.scanBatch)
		last := ""
		more := false
		visited := 0

		err := m.db.View(func(tx *buntdb.Tx) error {
			return tx.AscendGreaterOrEqual("", cursor, func(key, _ string) bool {
				if resumed && key == cursor {
					return true
				}
				if !strings.HasPrefix(key, prefix) {
					return false
				}
				last = key
				visited++
				if match.Match(key, pattern) && !IsInternal(key) {
					if _, err := tx.Get(key); err == nil {
						batch = append(batch, key)
					}
				}
				if visited >= m.scanBatch {
					more = true
					return false
				}
				return true
			})
		})
		if err != nil {
			return m.translate("scan", err)
		}

		if len(batch) > 0 {
			if err := fn(batch); err != nil {
				return err
			}
		}
		if !more {
			return nil
		}
		cursor = last
		resumed = true
	}
}

// Ping fails once the database has been closed.
func (m *Memory) Ping(_ context.Context) error {
	err := m.db.View(func(tx *buntdb.Tx) error {
		_, err := tx.Len()
		return err
	})
	if err != nil {
		return m.translate("ping", err)
	}
	return nil
}

// Close releases the database.
func (m *Memory) Close() error {
	if err := m.db.Close(); err != nil && !errors.Is(err, buntdb.ErrDatabaseClosed) {
		return err
	}
	return nil
}

func (m *Memory) translate(op string, err error) error {
	switch {
	case errors.Is(err, buntdb.ErrNotFound):
		return ErrMiss
	case errors.Is(err, buntdb.ErrDatabaseClosed):
		m.logger.Error().Str("op", op).Msg("memory store closed")
		return unavailable(op, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func setOptions(ttl time.Duration) *buntdb.SetOptions {
	if ttl <= 0 {
		return nil
	}
	return &buntdb.SetOptions{Expires: true, TTL: ttl}
}

var _ Store = (*Memory)(nil)
