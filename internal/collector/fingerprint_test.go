package collector

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/quantfeed/marketpulse/internal/exchange"
)

func tickerSnap(ts int64, bid float64) *Snapshot {
	return &Snapshot{
		Kind:        KindTickers,
		TimestampMS: ts,
		Tickers: map[string]map[exchange.Symbol]exchange.Ticker{
			"binance": {
				"BTC/USDT:USDT": {Exchange: "binance", Symbol: "BTC/USDT:USDT", TimestampMS: ts, Bid: exchange.Float(bid), Ask: exchange.Float(bid + 1)},
				"ETH/USDT:USDT": {Exchange: "binance", Symbol: "ETH/USDT:USDT", TimestampMS: ts, Last: 3000},
			},
			"bybit": {
				"BTC/USDT:USDT": {Exchange: "bybit", Symbol: "BTC/USDT:USDT", TimestampMS: ts, Bid: exchange.Float(bid - 0.5)},
			},
		},
	}
}

func TestFingerprintIgnoresTimestamps(t *testing.T) {
	a := tickerSnap(1000, 50000)
	b := tickerSnap(9999, 50000)
	assert.Equal(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprintIgnoresInsertionOrder(t *testing.T) {
	a := tickerSnap(1000, 50000)

	// Rebuild the same content in a different insertion order.
	b := &Snapshot{Kind: KindTickers, TimestampMS: 1000, Tickers: map[string]map[exchange.Symbol]exchange.Ticker{}}
	b.Tickers["bybit"] = map[exchange.Symbol]exchange.Ticker{}
	b.Tickers["bybit"]["BTC/USDT:USDT"] = a.Tickers["bybit"]["BTC/USDT:USDT"]
	b.Tickers["binance"] = map[exchange.Symbol]exchange.Ticker{}
	b.Tickers["binance"]["ETH/USDT:USDT"] = a.Tickers["binance"]["ETH/USDT:USDT"]
	b.Tickers["binance"]["BTC/USDT:USDT"] = a.Tickers["binance"]["BTC/USDT:USDT"]

	assert.Equal(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprintDetectsValueChange(t *testing.T) {
	a := tickerSnap(1000, 50000)
	b := tickerSnap(1000, 50001)
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprintSeparatesKinds(t *testing.T) {
	a := &Snapshot{Kind: KindTickers, Tickers: map[string]map[exchange.Symbol]exchange.Ticker{"binance": {}}}
	b := &Snapshot{Kind: KindFunding, Funding: map[string]map[exchange.Symbol]exchange.FundingRate{"binance": {}}}
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprintDetectsEmptyVsMissingExchange(t *testing.T) {
	a := &Snapshot{Kind: KindTickers, Tickers: map[string]map[exchange.Symbol]exchange.Ticker{"binance": {}}}
	b := &Snapshot{Kind: KindTickers, Tickers: map[string]map[exchange.Symbol]exchange.Ticker{}}
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
}
