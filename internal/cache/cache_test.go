package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryCacheGetSet(t *testing.T) {
	mc := NewMemoryCache(100, time.Minute)
	defer mc.Close()
	ctx := context.Background()

	_, found, err := mc.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, mc.Set(ctx, "k", []byte("v"), time.Minute))
	val, found, err := mc.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v"), val)

	require.NoError(t, mc.Delete(ctx, "k"))
	_, found, _ = mc.Get(ctx, "k")
	require.False(t, found)
}

func TestMemoryCacheExpiry(t *testing.T) {
	mc := NewMemoryCache(100, time.Minute)
	defer mc.Close()
	ctx := context.Background()

	require.NoError(t, mc.Set(ctx, "k", []byte("v"), 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	_, found, err := mc.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, found)
}

func TestMemoryCacheCloseIdempotent(t *testing.T) {
	mc := NewMemoryCache(10, time.Minute)
	require.NoError(t, mc.Close())
	require.NoError(t, mc.Close())
}

func TestRelayListCachePositive(t *testing.T) {
	mc := NewMemoryCache(100, time.Minute)
	defer mc.Close()
	rlc := NewRelayListCache(mc, DefaultConfig())
	ctx := context.Background()

	_, cached := rlc.Get(ctx, "pk1")
	require.False(t, cached)

	rlc.Set(ctx, "pk1", []string{"wss://inbox.example.com"})
	relays, cached := rlc.Get(ctx, "pk1")
	require.True(t, cached)
	require.Equal(t, []string{"wss://inbox.example.com"}, relays)
}

func TestRelayListCacheNegative(t *testing.T) {
	mc := NewMemoryCache(100, time.Minute)
	defer mc.Close()
	rlc := NewRelayListCache(mc, DefaultConfig())
	ctx := context.Background()

	rlc.SetNotFound(ctx, "pk2")
	relays, cached := rlc.Get(ctx, "pk2")
	require.True(t, cached, "absence must be cached")
	require.Nil(t, relays)
}

func TestRelayListCacheNegativeTTLShorter(t *testing.T) {
	mc := NewMemoryCache(100, time.Minute)
	defer mc.Close()
	cfg := DefaultConfig()
	cfg.RelayListNotFoundTTL = 10 * time.Millisecond
	rlc := NewRelayListCache(mc, cfg)
	ctx := context.Background()

	rlc.SetNotFound(ctx, "pk3")
	time.Sleep(30 * time.Millisecond)
	_, cached := rlc.Get(ctx, "pk3")
	require.False(t, cached, "negative entry must expire")
}
