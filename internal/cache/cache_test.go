package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyDeterministic(t *testing.T) {
	a := Key("tickers", "binance", []string{"BTC/USDT:USDT", "ETH/USDT:USDT"})
	b := Key("tickers", "binance", []string{"ETH/USDT:USDT", "BTC/USDT:USDT"})
	assert.Equal(t, a, b, "symbol order must not change the key")

	c := Key("funding", "binance", []string{"BTC/USDT:USDT", "ETH/USDT:USDT"})
	assert.NotEqual(t, a, c, "kinds must not collide")

	d := Key("tickers", "bybit", []string{"BTC/USDT:USDT", "ETH/USDT:USDT"})
	assert.NotEqual(t, a, d, "exchanges must not collide")
}

func TestMemoryCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(time.Minute, 0)
	defer c.Close()

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	st := c.Stats()
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
	assert.Equal(t, 1, st.Entries)
}

func TestMemoryCacheExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(time.Minute, 0)
	defer c.Close()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)
	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryCacheCopiesValues(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(time.Minute, 0)
	defer c.Close()

	src := []byte("value")
	require.NoError(t, c.Set(ctx, "k", src, time.Minute))
	src[0] = 'X'

	v, ok, _ := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("value"), v, "stored entry must not share the caller's buffer")

	v[0] = 'Y'
	v2, _, _ := c.Get(ctx, "k")
	assert.Equal(t, []byte("value"), v2, "returned entry must be a copy")
}

func TestMemoryCacheMaxSize(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(time.Minute, 2)
	defer c.Close()

	require.NoError(t, c.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), time.Minute))
	require.NoError(t, c.Set(ctx, "c", []byte("3"), time.Minute))
	assert.LessOrEqual(t, c.Stats().Entries, 2)
}

func TestRedisCacheRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	c, err := NewRedisCache(ctx, mr.Addr(), "", 0, "marketpulse")
	require.NoError(t, err)
	defer c.Close()

	_, ok, err := c.Get(ctx, "tickers:binance:abc")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "tickers:binance:abc", []byte(`{"x":1}`), time.Minute))
	v, ok, err := c.Get(ctx, "tickers:binance:abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte(`{"x":1}`), v)

	assert.Equal(t, 1, c.Stats().Entries)
}

func TestRedisCacheExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	c, err := NewRedisCache(ctx, mr.Addr(), "", 0, "marketpulse")
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Second))
	mr.FastForward(2 * time.Second)

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisCacheConnectFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := NewRedisCache(ctx, "127.0.0.1:1", "", 0, "marketpulse")
	require.Error(t, err)
}
