package exchange

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalSymbol(t *testing.T) {
	assert.Equal(t, "BTC/USDT:USDT", CanonicalSymbol("btc", "usdt", "usdt"))
	assert.Equal(t, "ETH/USD", CanonicalSymbol("ETH", "USD", ""))
}

func TestSplitSymbol(t *testing.T) {
	tests := []struct {
		name    string
		in      Symbol
		base    string
		quote   string
		settle  string
		wantErr bool
	}{
		{name: "perpetual", in: "BTC/USDT:USDT", base: "BTC", quote: "USDT", settle: "USDT"},
		{name: "spot style", in: "ETH/USD", base: "ETH", quote: "USD"},
		{name: "no slash", in: "BTCUSDT", wantErr: true},
		{name: "empty quote", in: "BTC/", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base, quote, settle, err := SplitSymbol(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.False(t, ValidSymbol(tt.in))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.base, base)
			assert.Equal(t, tt.quote, quote)
			assert.Equal(t, tt.settle, settle)
		})
	}
}

func TestKindRetryable(t *testing.T) {
	tests := []struct {
		kind      Kind
		retryable bool
	}{
		{KindNetwork, true},
		{KindTimeout, true},
		{KindRateLimit, true},
		{KindVendorTemporary, true},
		{KindOther, true},
		{KindAuth, false},
		{KindSymbolUnknown, false},
		{KindVendorPermanent, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.retryable, tt.kind.Retryable())
		})
	}
}

func TestKindOf(t *testing.T) {
	err := NewError(KindRateLimit, "bybit", "fetch_tickers", fmt.Errorf("retCode 10006"))
	assert.Equal(t, KindRateLimit, KindOf(err))
	assert.Equal(t, KindRateLimit, KindOf(fmt.Errorf("wrapped: %w", err)))
	assert.Equal(t, KindTimeout, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindOther, KindOf(errors.New("plain")))
}

func TestClassifyHTTP(t *testing.T) {
	tests := []struct {
		status int
		kind   Kind
	}{
		{401, KindAuth},
		{403, KindAuth},
		{404, KindSymbolUnknown},
		{429, KindRateLimit},
		{418, KindRateLimit},
		{500, KindVendorTemporary},
		{503, KindVendorTemporary},
		{400, KindVendorPermanent},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("http_%d", tt.status), func(t *testing.T) {
			err := ClassifyHTTP("gateio", "fetch_tickers", tt.status, nil)
			assert.Equal(t, tt.kind, err.Kind)
			assert.Equal(t, "gateio", err.Exchange)
		})
	}

	err := ClassifyHTTP("htx", "probe", 0, context.DeadlineExceeded)
	assert.Equal(t, KindTimeout, err.Kind)
}

func TestRegistry(t *testing.T) {
	names := Supported()
	assert.Contains(t, names, "binance")
	assert.Contains(t, names, "bybit")
	assert.Contains(t, names, "bitget")
	assert.Contains(t, names, "htx")
	assert.Contains(t, names, "gateio")

	_, err := Build("kucoin", Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown exchange")
}

func TestMockAdapterScripting(t *testing.T) {
	ctx := context.Background()
	m := NewMockAdapter("binance")
	m.SetTicker(Ticker{Symbol: "BTC/USDT:USDT", Bid: Float(50000), Ask: Float(50001), Last: 50000})

	tickers, err := m.FetchTickers(ctx, nil)
	require.NoError(t, err)
	require.Len(t, tickers, 1)
	assert.Equal(t, "binance", tickers["BTC/USDT:USDT"].Exchange)

	// Symbol selection filters the scripted universe.
	tickers, err = m.FetchTickers(ctx, []Symbol{"ETH/USDT:USDT"})
	require.NoError(t, err)
	assert.Empty(t, tickers)

	// Injected failures surface verbatim and are counted.
	netErr := NewError(KindNetwork, "binance", "fetch_tickers", errors.New("connection refused"))
	m.FailWith("fetch_tickers", netErr)
	_, err = m.FetchTickers(ctx, nil)
	assert.ErrorIs(t, err, netErr)
	assert.Equal(t, 3, m.Calls("fetch_tickers"))

	m.FailWith("fetch_tickers", nil)
	_, err = m.FetchTickers(ctx, nil)
	assert.NoError(t, err)
}

func TestMockAdapterLatencyHonorsContext(t *testing.T) {
	m := NewMockAdapter("bybit")
	m.SetLatency(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := m.FetchTickers(ctx, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
