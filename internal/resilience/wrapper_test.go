package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfeed/marketpulse/internal/exchange"
)

func newTestWrapper(m *exchange.MockAdapter, maxAttempts, failureThreshold int) *Wrapper {
	return NewWrapper(m, WrapperConfig{
		Timeout: time.Second,
		Breaker: BreakerConfig{FailureThreshold: failureThreshold, RecoveryTimeout: time.Minute},
		Retry:   RetryConfig{MaxAttempts: maxAttempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		Health:  DefaultHealthConfig(),
	})
}

func TestWrapperPassesThroughResults(t *testing.T) {
	ctx := context.Background()
	m := exchange.NewMockAdapter("binance")
	m.SetTicker(exchange.Ticker{Symbol: "BTC/USDT:USDT", Bid: exchange.Float(50000), Ask: exchange.Float(50001), Last: 50000})
	w := newTestWrapper(m, 3, 5)

	tickers, err := w.FetchTickers(ctx, nil)
	require.NoError(t, err)
	require.Len(t, tickers, 1)
	assert.Equal(t, int64(1), w.Status().Successes)
}

func TestWrapperRetriesTransientFailure(t *testing.T) {
	ctx := context.Background()
	m := exchange.NewMockAdapter("bybit")
	m.FailWith("fetch_tickers", errNet)
	w := newTestWrapper(m, 3, 10)

	_, err := w.FetchTickers(ctx, nil)
	require.Error(t, err)
	assert.Equal(t, 3, m.Calls("fetch_tickers"), "each transient failure costs a retry")
	assert.Equal(t, StateClosed, w.Status().Breaker.State, "retries alone must not trip the breaker")
}

func TestWrapperOpensAfterRepeatedRounds(t *testing.T) {
	ctx := context.Background()
	m := exchange.NewMockAdapter("bybit")
	m.FailWith("fetch_tickers", errNet)
	// 2 attempts per round, threshold 4: two rounds trip the breaker.
	w := newTestWrapper(m, 2, 4)

	_, err := w.FetchTickers(ctx, nil)
	require.Error(t, err)
	_, err = w.FetchTickers(ctx, nil)
	require.Error(t, err)

	st := w.Status()
	assert.Equal(t, StateOpen, st.Breaker.State)
	assert.Equal(t, int64(1), st.Breaker.Opens)
	assert.False(t, w.Available())

	// The next round is rejected without reaching the adapter.
	calls := m.Calls("fetch_tickers")
	_, err = w.FetchTickers(ctx, nil)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, calls, m.Calls("fetch_tickers"))
}

func TestWrapperDoesNotRetryAuthErrors(t *testing.T) {
	ctx := context.Background()
	m := exchange.NewMockAdapter("binance")
	m.FailWith("fetch_tickers", exchange.NewError(exchange.KindAuth, "binance", "fetch_tickers", assert.AnError))
	w := newTestWrapper(m, 5, 10)

	_, err := w.FetchTickers(ctx, nil)
	require.Error(t, err)
	assert.Equal(t, 1, m.Calls("fetch_tickers"))
}

func TestWrapperAppliesAttemptTimeout(t *testing.T) {
	ctx := context.Background()
	m := exchange.NewMockAdapter("htx")
	m.SetLatency(200 * time.Millisecond)
	w := NewWrapper(m, WrapperConfig{
		Timeout: 20 * time.Millisecond,
		Breaker: BreakerConfig{FailureThreshold: 10, RecoveryTimeout: time.Minute},
		Retry:   RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond},
		Health:  DefaultHealthConfig(),
	})

	start := time.Now()
	_, err := w.FetchTickers(ctx, nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 150*time.Millisecond)
}

func TestWrapperSerializesCalls(t *testing.T) {
	ctx := context.Background()
	m := exchange.NewMockAdapter("gateio")
	m.SetLatency(20 * time.Millisecond)
	w := newTestWrapper(m, 1, 10)

	start := time.Now()
	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, _ = w.FetchTickers(ctx, nil)
			done <- struct{}{}
		}()
	}
	<-done
	<-done
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond,
		"calls on one wrapper must not overlap")
}

func TestWrapperCloseStopsProberAndAdapter(t *testing.T) {
	m := exchange.NewMockAdapter("bitget")
	w := newTestWrapper(m, 1, 5)
	w.Start(context.Background())

	require.NoError(t, w.Close())
	assert.True(t, m.Closed())
}
