package kvcache

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemory(t *testing.T, batch int) *Memory {
	t.Helper()
	m, err := NewMemory(batch, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func newRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	r, err := NewRedis(context.Background(), Options{RedisURL: "redis://" + srv.Addr(), ScanBatch: 3}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, srv
}

func stores(t *testing.T) map[string]Store {
	r, _ := newRedis(t)
	return map[string]Store{
		"memory": newMemory(t, 2),
		"redis":  r,
	}
}

func TestStoreGetSetDelete(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrMiss)

			require.NoError(t, s.Set(ctx, "k1", []byte("v1"), time.Minute))
			require.NoError(t, s.Set(ctx, "k1", []byte("v2"), time.Minute))
			val, err := s.Get(ctx, "k1")
			require.NoError(t, err)
			assert.Equal(t, []byte("v2"), val)

			n, err := s.Delete(ctx, "k1", "nope")
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			n, err = s.Delete(ctx, "k1")
			require.NoError(t, err)
			assert.Equal(t, 0, n)
		})
	}
}

func TestStoreSetNX(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ok, err := s.SetNX(ctx, "once", []byte("a"), time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = s.SetNX(ctx, "once", []byte("b"), time.Minute)
			require.NoError(t, err)
			assert.False(t, ok)

			val, err := s.Get(ctx, "once")
			require.NoError(t, err)
			assert.Equal(t, []byte("a"), val)
		})
	}
}

func TestStoreScanSkipsInternalAndForeignKeys(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			var want []string
			for i := 0; i < 7; i++ {
				key := fmt.Sprintf("alarm:abc:%02d", i)
				want = append(want, key)
				require.NoError(t, s.Set(ctx, key, []byte("x"), time.Minute))
			}
			require.NoError(t, s.Set(ctx, "alarm:_sys:last_sweep", []byte("x"), time.Minute))
			require.NoError(t, s.Set(ctx, "golds:all:raw", []byte("x"), time.Minute))
			require.NoError(t, s.Set(ctx, "alarmz", []byte("x"), time.Minute))

			got, err := Keys(ctx, s, "alarm:*")
			require.NoError(t, err)
			sort.Strings(got)
			assert.Equal(t, want, got)
		})
	}
}

func TestMemoryScanToleratesConcurrentDeletes(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t, 2)
	for i := 0; i < 10; i++ {
		require.NoError(t, m.Set(ctx, fmt.Sprintf("p:%02d", i), []byte("x"), 0))
	}

	var seen []string
	err := m.Scan(ctx, "p:*", func(keys []string) error {
		seen = append(seen, keys...)
		// Deleting the cursor key between batches must not break resumption.
		_, err := m.Delete(ctx, keys...)
		return err
	})
	require.NoError(t, err)
	assert.Len(t, seen, 10)
}

func TestMemoryTTLExpiry(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t, 0)
	require.NoError(t, m.Set(ctx, "short", []byte("v"), 50*time.Millisecond))

	_, err := m.Get(ctx, "short")
	require.NoError(t, err)

	time.Sleep(120 * time.Millisecond)

	_, err = m.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrMiss)

	keys, err := Keys(ctx, m, "short*")
	require.NoError(t, err)
	assert.Empty(t, keys)

	n, err := m.Delete(ctx, "short")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisTTLExpiry(t *testing.T) {
	ctx := context.Background()
	r, srv := newRedis(t)
	require.NoError(t, r.Set(ctx, "short", []byte("v"), time.Second))

	srv.FastForward(2 * time.Second)

	_, err := r.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestClosedStoresReportUnavailable(t *testing.T) {
	ctx := context.Background()

	m := newMemory(t, 0)
	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.Ping(ctx), ErrUnavailable)
	_, err := m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrUnavailable)

	r, srv := newRedis(t)
	srv.Close()
	assert.ErrorIs(t, r.Ping(ctx), ErrUnavailable)
}

func TestIsInternal(t *testing.T) {
	assert.True(t, IsInternal("alarm:_sys:last_sweep"))
	assert.True(t, IsInternal("_meta"))
	assert.False(t, IsInternal("alarm:token_map:0123456789abcdef"))
	assert.False(t, IsInternal("alarm:0123456789abcdef:USD:HIGH:raw"))
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Options{Driver: "etcd"}, zerolog.Nop())
	assert.Error(t, err)
}

func TestMemoryFilePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ratealarms.db")
	opts := Options{Driver: "memory", Path: path}

	first, err := Open(ctx, opts, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, first.Set(ctx, "alarm:k1", []byte("v1"), time.Hour))
	require.NoError(t, first.Set(ctx, "alarm:k2", []byte("v2"), 0))
	_, err = first.Delete(ctx, "alarm:k2")
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(ctx, opts, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })

	got, err := second.Get(ctx, "alarm:k1")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(got))
	_, err = second.Get(ctx, "alarm:k2")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestMemoryInMemoryPathDoesNotPersist(t *testing.T) {
	ctx := context.Background()
	first, err := NewMemoryAt(InMemoryPath, 0, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, first.Set(ctx, "alarm:k1", []byte("v1"), 0))
	require.NoError(t, first.Close())

	second, err := NewMemoryAt("", 0, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })
	_, err = second.Get(ctx, "alarm:k1")
	assert.ErrorIs(t, err, ErrMiss)
}
