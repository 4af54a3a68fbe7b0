package alarm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"rate-alarms/internal/kvcache"
)

// TokenRegistry maps token hashes back to raw device tokens so alarms only
// carry the hash.
type TokenRegistry struct {
	kv  kvcache.Store
	ttl time.Duration
}

// NewTokenRegistry constructs a registry; ttl defaults to 90 days.
func NewTokenRegistry(kv kvcache.Store, ttl time.Duration) *TokenRegistry {
	if ttl <= 0 {
		ttl = 90 * 24 * time.Hour
	}
	return &TokenRegistry{kv: kv, ttl: ttl}
}

// Register (re)writes the mapping for rawToken, refreshing its TTL, and
// returns the token hash.
func (r *TokenRegistry) Register(ctx context.Context, rawToken string) (string, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return "", invalid("device_token", "must not be empty")
	}
	hash := HashToken(rawToken)
	if err := r.kv.Set(ctx, TokenKey(hash), []byte(rawToken), r.ttl); err != nil {
		return "", fmt.Errorf("register token %s: %w", hash, err)
	}
	return hash, nil
}

// Resolve returns the raw token behind hash or ErrOrphan.
func (r *TokenRegistry) Resolve(ctx context.Context, hash string) (string, error) {
	raw, err := r.kv.Get(ctx, TokenKey(hash))
	if errors.Is(err, kvcache.ErrMiss) {
		return "", fmt.Errorf("%w: %s", ErrOrphan, hash)
	}
	if err != nil {
		return "", fmt.Errorf("resolve token %s: %w", hash, err)
	}
	if len(raw) == 0 {
		return "", fmt.Errorf("%w: %s", ErrOrphan, hash)
	}
	return string(raw), nil
}
