package kvcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Redis is a Store backed by a Redis-compatible server.
type Redis struct {
	client    *redis.Client
	scanBatch int64
	logger    zerolog.Logger
}

// NewRedis connects to opts.RedisURL and verifies the connection.
func NewRedis(ctx context.Context, opts Options, logger zerolog.Logger) (*Redis, error) {
	if opts.RedisURL == "" {
		return nil, errors.New("cache.redis_url is required for the redis driver")
	}

	redisOpts, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.DialTimeout > 0 {
		redisOpts.DialTimeout = opts.DialTimeout
	}
	if opts.ReadTimeout > 0 {
		redisOpts.ReadTimeout = opts.ReadTimeout
	}
	if opts.WriteTimeout > 0 {
		redisOpts.WriteTimeout = opts.WriteTimeout
	}

	batch := int64(opts.ScanBatch)
	if batch <= 0 {
		batch = defaultScanBatch
	}

	r := &Redis{
		client:    redis.NewClient(redisOpts),
		scanBatch: batch,
		logger:    logger.With().Str("component", "kv_redis").Logger(),
	}
	if err := r.Ping(ctx); err != nil {
		_ = r.client.Close()
		return nil, err
	}
	return r, nil
}

// Get returns the value stored at key or ErrMiss.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, r.translate("get", key, err)
	}
	return val, nil
}

// Set overwrites key. A non-positive ttl stores the entry without expiry.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return r.translate("set", key, err)
	}
	return nil
}

// SetNX writes key only when it is absent.
func (r *Redis) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, r.translate("setnx", key, err)
	}
	return ok, nil
}

// Delete removes keys and reports how many existed.
func (r *Redis) Delete(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := r.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, r.translate("delete", keys[0], err)
	}
	return int(n), nil
}

// Scan walks the keyspace with SCAN. SCAN may repeat keys across pages, so
// keys already delivered during this call are filtered out.
func (r *Redis) Scan(ctx context.Context, pattern string, fn func(keys []string) error) error {
	seen := make(map[string]struct{})
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, r.scanBatch).Result()
		if err != nil {
			return r.translate("scan", pattern, err)
		}

		batch := make([]string, 0, len(keys))
		for _, key := range keys {
			if IsInternal(key) {
				continue
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			batch = append(batch, key)
		}
		if len(batch) > 0 {
			if err := fn(batch); err != nil {
				return err
			}
		}

		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Ping checks server reachability.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return r.translate("ping", "", err)
	}
	return nil
}

// Close releases the connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) translate(op, key string, err error) error {
	if errors.Is(err, redis.Nil) {
		return ErrMiss
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s %s: %w", op, key, err)
	}
	r.logger.Error().Err(err).Str("op", op).Str("key", key).Msg("redis command failed")
	return unavailable(op, err)
}

var _ Store = (*Redis)(nil)
