package kvcache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrMiss is returned when a key is absent or its TTL has elapsed.
	ErrMiss = errors.New("kvcache: key not found")
	// ErrUnavailable marks connectivity loss with the backing store.
	ErrUnavailable = errors.New("kvcache: store unavailable")
)

// Store is a byte-oriented key-value store with per-entry TTL.
//
// Scan walks the key space in bounded batches using a cursor, so no store-wide
// lock is held between batches and concurrent writers are never blocked for
// the whole iteration. Keys carrying an internal segment (see IsInternal) are
// never handed to the callback.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) (int, error)
	Scan(ctx context.Context, pattern string, fn func(keys []string) error) error
	Ping(ctx context.Context) error
	Close() error
}

// Options select and tune the backing store.
type Options struct {
	Driver       string
	RedisURL     string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	ScanBatch    int

	// Path is the BuntDB file of the memory driver; InMemoryPath or empty
	// keeps it off disk.
	Path string
}

const defaultScanBatch = 256

// Open builds the store named by opts.Driver ("memory" or "redis").
func Open(ctx context.Context, opts Options, logger zerolog.Logger) (Store, error) {
	switch strings.ToLower(opts.Driver) {
	case "", "memory":
		return NewMemoryAt(opts.Path, opts.ScanBatch, logger)
	case "redis":
		return NewRedis(ctx, opts, logger)
	default:
		return nil, fmt.Errorf("unknown cache driver %q", opts.Driver)
	}
}

// IsInternal reports whether key carries a housekeeping segment, i.e. any
// colon-separated segment starting with an underscore.
func IsInternal(key string) bool {
	for _, seg := range strings.Split(key, ":") {
		if strings.HasPrefix(seg, "_") {
			return true
		}
	}
	return false
}

// Keys collects every key matched by pattern.
func Keys(ctx context.Context, s Store, pattern string) ([]string, error) {
	var out []string
	err := s.Scan(ctx, pattern, func(keys []string) error {
		out = append(out, keys...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func literalPrefix(pattern string) string {
	if i := strings.IndexAny(pattern, "*?[\\"); i >= 0 {
		return pattern[:i]
	}
	return pattern
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
