package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfeed/marketpulse/internal/cache"
	"github.com/quantfeed/marketpulse/internal/collector"
	"github.com/quantfeed/marketpulse/internal/config"
	"github.com/quantfeed/marketpulse/internal/control"
	"github.com/quantfeed/marketpulse/internal/exchange"
	"github.com/quantfeed/marketpulse/internal/publisher"
	"github.com/quantfeed/marketpulse/internal/resilience"
)

type sink struct {
	mu       sync.Mutex
	messages [][]byte
}

func (s *sink) PublishData(ctx context.Context, routingKey string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, body)
	return nil
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

type staticClient struct {
	name string
}

func (c *staticClient) Name() string          { return c.name }
func (c *staticClient) Available() bool       { return true }
func (c *staticClient) SupportsFunding() bool { return true }

func (c *staticClient) FetchTickers(ctx context.Context, symbols []exchange.Symbol) (map[exchange.Symbol]exchange.Ticker, error) {
	return map[exchange.Symbol]exchange.Ticker{
		"BTC/USDT:USDT": {Exchange: c.name, Symbol: "BTC/USDT:USDT", Bid: exchange.Float(50000)},
	}, nil
}

func (c *staticClient) FetchFundingRates(ctx context.Context, symbols []exchange.Symbol) (map[exchange.Symbol]exchange.FundingRate, error) {
	return map[exchange.Symbol]exchange.FundingRate{}, nil
}

func TestTransportConfigMapping(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.RabbitMQ.Host = "broker.internal"
	cfg.RabbitMQ.ConnectBackoffS = 3

	o := New(cfg)
	tc := o.transportConfig()
	assert.Equal(t, "broker.internal", tc.Host)
	assert.Equal(t, 5672, tc.Port)
	assert.Equal(t, "marketpulse.data", tc.DataExchange)
	assert.Equal(t, "marketpulse.control", tc.ControlQueue)
	assert.Equal(t, 3*time.Second, tc.ConnectBackoff)
}

func TestRoundCollectsAndPublishes(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	o := New(cfg)
	o.state = control.NewSymbolSet([]exchange.Symbol{"BTC/USDT:USDT"})
	o.tickerCache = cache.NewMemoryCache(time.Minute, 0)
	o.fundingCache = cache.NewMemoryCache(time.Minute, 0)
	defer o.tickerCache.Close()
	defer o.fundingCache.Close()

	o.coll = collector.New(
		[]collector.ExchangeClient{&staticClient{name: "binance"}},
		o.state, o.tickerCache, o.fundingCache,
		collector.Config{
			TickerTTL:       time.Minute,
			FundingTTL:      time.Minute,
			TickerInterval:  time.Second,
			FundingInterval: time.Second,
		},
	)

	out := &sink{}
	o.pub = publisher.New(out, publisher.Config{
		Source:      cfg.App.Name,
		Environment: cfg.App.Environment,
		Batch:       publisher.BatchConfig{MaxSize: 10, MaxWait: time.Hour, Strategy: publisher.Hybrid, MaxRetries: 3},
	})

	ctx := context.Background()
	o.round(ctx, collector.KindTickers)
	o.pub.Flush(ctx)
	assert.Equal(t, 1, out.count())

	// Unchanged market: next round is suppressed.
	o.round(ctx, collector.KindTickers)
	o.pub.Flush(ctx)
	assert.Equal(t, 1, out.count())
}

func TestStatisticsPayload(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	o := New(cfg)
	o.startedAt = time.Now()
	o.state = control.NewSymbolSet([]exchange.Symbol{"BTC/USDT:USDT", "ETH/USDT:USDT"})
	o.tickerCache = cache.NewMemoryCache(time.Minute, 0)
	o.fundingCache = cache.NewMemoryCache(time.Minute, 0)
	defer o.tickerCache.Close()
	defer o.fundingCache.Close()

	mock := exchange.NewMockAdapter("binance")
	o.wrappers = []*resilience.Wrapper{resilience.NewWrapper(mock, resilience.DefaultWrapperConfig())}

	stats := o.Statistics()

	success := stats["exchange_success"].(map[string]int64)
	assert.Contains(t, success, "binance")
	assert.Equal(t, 2, stats["symbols_tracked"])

	breakers := stats["circuit_breakers"].(map[string]interface{})
	binance := breakers["binance"].(map[string]interface{})
	assert.Equal(t, resilience.StateClosed, binance["state"])

	health := stats["health"].(map[string]interface{})
	assert.Contains(t, health, "binance")
	assert.Contains(t, stats, "rabbitmq_published")
	assert.Contains(t, stats, "rabbitmq_failed")
}

func TestTeardownSafeOnPartialBuild(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	o := New(cfg)
	o.tickerCache = cache.NewMemoryCache(time.Minute, 0)
	o.teardown() // must not panic with nil transport, publisher, wrappers
	assert.Nil(t, o.tickerCache)
}
