package alarm

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rate-alarms/internal/kvcache"
	"rate-alarms/internal/rates"
)

type testEnv struct {
	kv     kvcache.Store
	store  *Store
	tokens *TokenRegistry
	now    time.Time
}

func newEnv(t *testing.T, maxPerUser int) *testEnv {
	t.Helper()
	kv, err := kvcache.NewMemory(4, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	env := &testEnv{kv: kv, now: time.Unix(1_700_000_000, 0)}
	env.store = NewStore(kv, Options{MaxPerUser: maxPerUser, TTL: time.Hour, Now: func() time.Time { return env.now }}, zerolog.Nop())
	env.tokens = NewTokenRegistry(kv, time.Hour)
	return env
}

func assetAlarm(i int) Alarm {
	return NewPriceAlarm(ownerHash, fmt.Sprintf("A%02d", i), High, rates.ProfileRaw, decimal.NewFromInt(int64(i+1)))
}

func TestCreateAndList(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, 20)

	first, err := env.store.Create(ctx, NewPriceAlarm(ownerHash, "USD", High, rates.ProfileRaw, d("35")))
	require.NoError(t, err)
	assert.Equal(t, env.now.Unix(), first.CreatedAt)

	env.now = env.now.Add(time.Minute)
	_, err = env.store.Create(ctx, NewPercentAlarm(ownerHash, "GRAM", Low, rates.ProfileJeweler, d("2500"), d("3"), Down))
	require.NoError(t, err)

	list, err := env.store.List(ctx, ownerHash)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "GRAM", list[0].AssetCode, "newest first")
	assert.Equal(t, "USD", list[1].AssetCode)

	other, err := env.store.List(ctx, "a0434446081ec3fa")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestCreateDuplicateConflicts(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, 20)

	_, err := env.store.Create(ctx, NewPriceAlarm(ownerHash, "USD", High, rates.ProfileRaw, d("35")))
	require.NoError(t, err)

	_, err = env.store.Create(ctx, NewPercentAlarm(ownerHash, "USD", High, rates.ProfileRaw, d("30"), d("5"), Up))
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 409, StatusCode(err))

	_, err = env.store.Create(ctx, NewPriceAlarm(ownerHash, "USD", High, rates.ProfileJeweler, d("35")))
	assert.NoError(t, err, "different profile is a different identity")
}

func TestCreateRejectsInvalidWithoutWriting(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, 20)

	_, err := env.store.Create(ctx, NewPercentAlarm(ownerHash, "USD", High, rates.ProfileRaw, d("30"), d("150"), Up))
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, 400, StatusCode(err))

	n, err := env.store.Count(ctx, ownerHash)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCreateEnforcesQuota(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, 20)

	for i := 0; i < 20; i++ {
		_, err := env.store.Create(ctx, assetAlarm(i))
		require.NoError(t, err)
	}
	_, err := env.store.Create(ctx, assetAlarm(20))
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	// token mappings of the same owner do not count towards the quota
	_, err = env.tokens.Register(ctx, "device-token-1")
	require.NoError(t, err)
	n, err := env.store.Count(ctx, ownerHash)
	require.NoError(t, err)
	assert.Equal(t, 20, n)
}

func TestCreateDuplicateAtQuotaConflicts(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, 2)

	for i := 0; i < 2; i++ {
		_, err := env.store.Create(ctx, assetAlarm(i))
		require.NoError(t, err)
	}

	_, err := env.store.Create(ctx, assetAlarm(1))
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 409, StatusCode(err))

	_, err = env.store.Create(ctx, assetAlarm(2))
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, 20)

	_, err := env.store.Create(ctx, NewPriceAlarm(ownerHash, "USD", Low, rates.ProfileRaw, d("30")))
	require.NoError(t, err)

	require.NoError(t, env.store.Delete(ctx, ownerHash, "USD", Low, rates.ProfileRaw))

	errAgain := env.store.Delete(ctx, ownerHash, "USD", Low, rates.ProfileRaw)
	errNever := env.store.Delete(ctx, ownerHash, "EUR", Low, rates.ProfileRaw)
	assert.ErrorIs(t, errAgain, ErrNotFound)
	assert.ErrorIs(t, errNever, ErrNotFound)
	assert.Equal(t, StatusCode(errNever), StatusCode(errAgain))
}

func TestDeleteAll(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, 20)

	for i := 0; i < 9; i++ {
		_, err := env.store.Create(ctx, assetAlarm(i))
		require.NoError(t, err)
	}
	_, err := env.tokens.Register(ctx, "device-token-1")
	require.NoError(t, err)

	n, err := env.store.DeleteAll(ctx, ownerHash)
	require.NoError(t, err)
	assert.Equal(t, 9, n)

	raw, err := env.tokens.Resolve(ctx, ownerHash)
	require.NoError(t, err, "token mapping survives bulk delete")
	assert.Equal(t, "device-token-1", raw)
}

func TestListSkipsCorruptRecords(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, 20)

	_, err := env.store.Create(ctx, NewPriceAlarm(ownerHash, "USD", High, rates.ProfileRaw, d("35")))
	require.NoError(t, err)
	require.NoError(t, env.kv.Set(ctx, Key(ownerHash, "EUR", High, rates.ProfileRaw), []byte("{not json"), time.Hour))

	list, err := env.store.List(ctx, ownerHash)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "USD", list[0].AssetCode)
}

func TestSyncReplacesAndCountsSkipped(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, 20)

	for i := 0; i < 3; i++ {
		_, err := env.store.Create(ctx, assetAlarm(i))
		require.NoError(t, err)
	}

	res, err := env.store.Sync(ctx, ownerHash, []Alarm{
		NewPriceAlarm("", "USD", High, rates.ProfileRaw, d("35")),
		NewPriceAlarm("", "USD", High, rates.ProfileRaw, d("36")),
		NewPercentAlarm("", "EUR", Low, rates.ProfileRaw, d("40"), d("0"), Down),
		NewPercentAlarm("", "GRAM", Low, rates.ProfileJeweler, d("2500"), d("5"), Down),
	})
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Deleted: 3, Created: 2, Skipped: 2}, res)

	list, err := env.store.List(ctx, ownerHash)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestSyncOverQuotaLeavesExistingAlarms(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, 20)

	for i := 0; i < 5; i++ {
		_, err := env.store.Create(ctx, assetAlarm(i))
		require.NoError(t, err)
	}

	batch := make([]Alarm, 21)
	for i := range batch {
		batch[i] = assetAlarm(i)
	}
	_, err := env.store.Sync(ctx, ownerHash, batch)
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	n, err := env.store.Count(ctx, ownerHash)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestStatsExcludesTokenMappingsAndHousekeeping(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, 20)
	other := "a0434446081ec3fa"

	_, err := env.store.Create(ctx, NewPriceAlarm(ownerHash, "USD", High, rates.ProfileRaw, d("35")))
	require.NoError(t, err)
	_, err = env.store.Create(ctx, NewPriceAlarm(ownerHash, "GRAM", Low, rates.ProfileJeweler, d("2000")))
	require.NoError(t, err)
	_, err = env.store.Create(ctx, NewPriceAlarm(other, "USD", Low, rates.ProfileRaw, d("30")))
	require.NoError(t, err)

	_, err = env.tokens.Register(ctx, "device-token-1")
	require.NoError(t, err)
	require.NoError(t, env.kv.Set(ctx, SweepStatusKey, []byte(`{}`), time.Hour))

	stats, err := env.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalAlarms)
	assert.Equal(t, 2, stats.UniqueUsers)
	assert.Equal(t, 1, stats.ByKind[High])
	assert.Equal(t, 2, stats.ByKind[Low])
	assert.Equal(t, 2, stats.ByProfile[rates.ProfileRaw])
	assert.Equal(t, 1, stats.ByProfile[rates.ProfileJeweler])
}

func TestClaimIsAtMostOnce(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, 20)

	a, err := env.store.Create(ctx, NewPriceAlarm(ownerHash, "USD", High, rates.ProfileRaw, d("35")))
	require.NoError(t, err)

	ok, err := env.store.Claim(ctx, a.Key())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = env.store.Claim(ctx, a.Key())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTokenRegistry(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, 20)

	hash, err := env.tokens.Register(ctx, "  device-token-1 ")
	require.NoError(t, err)
	assert.Equal(t, ownerHash, hash)

	raw, err := env.tokens.Resolve(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, "device-token-1", raw)

	_, err = env.tokens.Resolve(ctx, "a0434446081ec3fa")
	assert.ErrorIs(t, err, ErrOrphan)

	_, err = env.tokens.Register(ctx, " ")
	assert.ErrorIs(t, err, ErrValidation)
}
