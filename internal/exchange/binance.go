package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/rs/zerolog/log"
)

func init() {
	Register("binance", func(cfg Config) (Adapter, error) {
		return NewBinanceAdapter(cfg)
	})
}

// BinanceAdapter serves USDⓈ-M perpetuals through the official futures
// REST API via go-binance.
type BinanceAdapter struct {
	client *futures.Client

	mu      sync.RWMutex
	markets map[Symbol]string // canonical symbol -> venue symbol (BTCUSDT)
	reverse map[string]Symbol
}

// NewBinanceAdapter creates the Binance futures adapter.
func NewBinanceAdapter(cfg Config) (*BinanceAdapter, error) {
	if cfg.Sandbox {
		futures.UseTestnet = true
		log.Info().Str("exchange", "binance").Msg("Using futures testnet")
	}
	return &BinanceAdapter{
		client:  futures.NewClient(cfg.APIKey, cfg.Secret),
		markets: make(map[Symbol]string),
		reverse: make(map[string]Symbol),
	}, nil
}

func (b *BinanceAdapter) Name() string          { return "binance" }
func (b *BinanceAdapter) SupportsFunding() bool { return true }

// Initialize loads the perpetual market table. Safe to call again; the
// table is replaced wholesale.
func (b *BinanceAdapter) Initialize(ctx context.Context) error {
	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return b.classify("initialize", err)
	}

	markets := make(map[Symbol]string)
	reverse := make(map[string]Symbol)
	for _, s := range info.Symbols {
		if s.ContractType != "PERPETUAL" || s.Status != "TRADING" {
			continue
		}
		canon := CanonicalSymbol(s.BaseAsset, s.QuoteAsset, s.MarginAsset)
		markets[canon] = s.Symbol
		reverse[s.Symbol] = canon
	}

	b.mu.Lock()
	b.markets = markets
	b.reverse = reverse
	b.mu.Unlock()

	log.Debug().Str("exchange", "binance").Int("markets", len(markets)).Msg("Markets loaded")
	return nil
}

func (b *BinanceAdapter) ListFuturesSymbols(ctx context.Context) ([]Symbol, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Symbol, 0, len(b.markets))
	for s := range b.markets {
		out = append(out, s)
	}
	return out, nil
}

// FetchTickers merges the book-ticker and 24h-stats endpoints: the
// former carries bid/ask, the latter last price and volume.
func (b *BinanceAdapter) FetchTickers(ctx context.Context, symbols []Symbol) (map[Symbol]Ticker, error) {
	books, err := b.client.NewListBookTickersService().Do(ctx)
	if err != nil {
		return nil, b.classify("fetch_tickers", err)
	}
	stats, err := b.client.NewListPriceChangeStatsService().Do(ctx)
	if err != nil {
		return nil, b.classify("fetch_tickers", err)
	}

	want := selectionSet(symbols)
	now := time.Now().UnixMilli()

	out := make(map[Symbol]Ticker, len(want))
	byVenue := make(map[string]*futures.PriceChangeStats, len(stats))
	for _, st := range stats {
		byVenue[st.Symbol] = st
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, bt := range books {
		canon, ok := b.reverse[bt.Symbol]
		if !ok {
			continue
		}
		if want != nil {
			if _, keep := want[canon]; !keep {
				continue
			}
		}
		t := Ticker{
			Exchange:    "binance",
			Symbol:      canon,
			TimestampMS: now,
		}
		if v, err := strconv.ParseFloat(bt.BidPrice, 64); err == nil && v > 0 {
			t.Bid = Float(v)
		}
		if v, err := strconv.ParseFloat(bt.AskPrice, 64); err == nil && v > 0 {
			t.Ask = Float(v)
		}
		if st, ok := byVenue[bt.Symbol]; ok {
			if v, err := strconv.ParseFloat(st.LastPrice, 64); err == nil {
				t.Last = v
			}
			if v, err := strconv.ParseFloat(st.Volume, 64); err == nil {
				t.Volume24h = Float(v)
			}
		}
		out[canon] = t
	}
	return out, nil
}

// FetchFundingRates reads the premium index, which carries the current
// funding rate, next funding time and mark price per perpetual.
func (b *BinanceAdapter) FetchFundingRates(ctx context.Context, symbols []Symbol) (map[Symbol]FundingRate, error) {
	premiums, err := b.client.NewPremiumIndexService().Do(ctx)
	if err != nil {
		return nil, b.classify("fetch_funding_rates", err)
	}

	want := selectionSet(symbols)

	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[Symbol]FundingRate, len(premiums))
	for _, p := range premiums {
		canon, ok := b.reverse[p.Symbol]
		if !ok {
			continue
		}
		if want != nil {
			if _, keep := want[canon]; !keep {
				continue
			}
		}
		fr := FundingRate{
			Exchange:    "binance",
			Symbol:      canon,
			TimestampMS: p.Time,
		}
		if v, err := strconv.ParseFloat(p.LastFundingRate, 64); err == nil {
			fr.FundingRate = v
		}
		if p.NextFundingTime > 0 {
			fr.NextFundingTimeMS = Int64(p.NextFundingTime)
		}
		if v, err := strconv.ParseFloat(p.MarkPrice, 64); err == nil && v > 0 {
			fr.MarkPrice = Float(v)
		}
		out[canon] = fr
	}
	return out, nil
}

func (b *BinanceAdapter) Probe(ctx context.Context) error {
	if _, err := b.client.NewServerTimeService().Do(ctx); err != nil {
		return b.classify("probe", err)
	}
	return nil
}

func (b *BinanceAdapter) Close() error {
	b.client.HTTPClient.CloseIdleConnections()
	return nil
}

// classify maps go-binance errors onto the adapter taxonomy. Vendor
// error codes follow the Binance futures API documentation.
func (b *BinanceAdapter) classify(op string, err error) *Error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -1003, -1015: // request weight / order rate exceeded
			return NewError(KindRateLimit, "binance", op, err)
		case -2014, -2015, -1022: // bad API key, invalid signature
			return NewError(KindAuth, "binance", op, err)
		case -1121: // invalid symbol
			return NewError(KindSymbolUnknown, "binance", op, err)
		case -1000, -1001, -1016: // internal error, disconnected, service shutting down
			return NewError(KindVendorTemporary, "binance", op, err)
		default:
			if apiErr.Code <= -4000 {
				return NewError(KindVendorPermanent, "binance", op, err)
			}
			return NewError(KindVendorTemporary, "binance", op,
				fmt.Errorf("api error %d: %w", apiErr.Code, err))
		}
	}
	return ClassifyHTTP("binance", op, 0, err)
}
