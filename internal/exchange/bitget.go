package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

func init() {
	Register("bitget", func(cfg Config) (Adapter, error) {
		return NewBitgetAdapter(cfg), nil
	})
}

const bitgetBaseURL = "https://api.bitget.com"

// BitgetAdapter serves USDT-margined perpetuals through the Bitget v2
// mix market API.
type BitgetAdapter struct {
	rest *restClient

	mu      sync.RWMutex
	reverse map[string]Symbol
}

func NewBitgetAdapter(cfg Config) *BitgetAdapter {
	// Bitget has no separate sandbox host for public market data.
	return &BitgetAdapter{
		rest:    newRESTClient("bitget", bitgetBaseURL, cfg, 10),
		reverse: make(map[string]Symbol),
	}
}

func (b *BitgetAdapter) Name() string          { return "bitget" }
func (b *BitgetAdapter) SupportsFunding() bool { return true }

type bitgetEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (b *BitgetAdapter) get(ctx context.Context, op, path string, out interface{}) error {
	var env bitgetEnvelope
	if err := b.rest.getJSON(ctx, op, path, &env); err != nil {
		return err
	}
	if env.Code != "00000" {
		return NewError(KindVendorTemporary, "bitget", op, fmt.Errorf("code %s: %s", env.Code, env.Msg))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return NewError(KindVendorTemporary, "bitget", op, fmt.Errorf("decode data: %w", err))
	}
	return nil
}

func (b *BitgetAdapter) Initialize(ctx context.Context) error {
	var contracts []struct {
		Symbol       string `json:"symbol"`
		BaseCoin     string `json:"baseCoin"`
		QuoteCoin    string `json:"quoteCoin"`
		SymbolType   string `json:"symbolType"`
		SymbolStatus string `json:"symbolStatus"`
	}
	path := "/api/v2/mix/market/contracts?productType=USDT-FUTURES"
	if err := b.get(ctx, "initialize", path, &contracts); err != nil {
		return err
	}

	reverse := make(map[string]Symbol)
	for _, c := range contracts {
		if c.SymbolType != "perpetual" || c.SymbolStatus != "normal" {
			continue
		}
		reverse[c.Symbol] = CanonicalSymbol(c.BaseCoin, c.QuoteCoin, c.QuoteCoin)
	}

	b.mu.Lock()
	b.reverse = reverse
	b.mu.Unlock()

	log.Debug().Str("exchange", "bitget").Int("markets", len(reverse)).Msg("Markets loaded")
	return nil
}

func (b *BitgetAdapter) ListFuturesSymbols(ctx context.Context) ([]Symbol, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Symbol, 0, len(b.reverse))
	for _, canon := range b.reverse {
		out = append(out, canon)
	}
	return out, nil
}

type bitgetTicker struct {
	Symbol          string `json:"symbol"`
	LastPr          string `json:"lastPr"`
	BidPr           string `json:"bidPr"`
	AskPr           string `json:"askPr"`
	BaseVolume      string `json:"baseVolume"`
	FundingRate     string `json:"fundingRate"`
	MarkPrice       string `json:"markPrice"`
	NextFundingTime string `json:"nextFundingTime"`
	Ts              string `json:"ts"`
}

func (b *BitgetAdapter) fetchMarket(ctx context.Context, op string) ([]bitgetTicker, error) {
	var rows []bitgetTicker
	path := "/api/v2/mix/market/tickers?productType=USDT-FUTURES"
	if err := b.get(ctx, op, path, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (b *BitgetAdapter) FetchTickers(ctx context.Context, symbols []Symbol) (map[Symbol]Ticker, error) {
	rows, err := b.fetchMarket(ctx, "fetch_tickers")
	if err != nil {
		return nil, err
	}
	want := selectionSet(symbols)
	now := time.Now().UnixMilli()

	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[Symbol]Ticker)
	for _, row := range rows {
		canon, ok := b.reverse[row.Symbol]
		if !ok || (want != nil && !member(want, canon)) {
			continue
		}
		t := Ticker{Exchange: "bitget", Symbol: canon, TimestampMS: now}
		if ts, err := strconv.ParseInt(row.Ts, 10, 64); err == nil && ts > 0 {
			t.TimestampMS = ts
		}
		if v, err := strconv.ParseFloat(row.BidPr, 64); err == nil && v > 0 {
			t.Bid = Float(v)
		}
		if v, err := strconv.ParseFloat(row.AskPr, 64); err == nil && v > 0 {
			t.Ask = Float(v)
		}
		if v, err := strconv.ParseFloat(row.LastPr, 64); err == nil {
			t.Last = v
		}
		if v, err := strconv.ParseFloat(row.BaseVolume, 64); err == nil {
			t.Volume24h = Float(v)
		}
		out[canon] = t
	}
	return out, nil
}

func (b *BitgetAdapter) FetchFundingRates(ctx context.Context, symbols []Symbol) (map[Symbol]FundingRate, error) {
	rows, err := b.fetchMarket(ctx, "fetch_funding_rates")
	if err != nil {
		return nil, err
	}
	want := selectionSet(symbols)
	now := time.Now().UnixMilli()

	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[Symbol]FundingRate)
	for _, row := range rows {
		canon, ok := b.reverse[row.Symbol]
		if !ok || (want != nil && !member(want, canon)) {
			continue
		}
		rateV, err := strconv.ParseFloat(row.FundingRate, 64)
		if err != nil {
			continue
		}
		fr := FundingRate{Exchange: "bitget", Symbol: canon, TimestampMS: now, FundingRate: rateV}
		if v, err := strconv.ParseInt(row.NextFundingTime, 10, 64); err == nil && v > 0 {
			fr.NextFundingTimeMS = Int64(v)
		}
		if v, err := strconv.ParseFloat(row.MarkPrice, 64); err == nil && v > 0 {
			fr.MarkPrice = Float(v)
		}
		out[canon] = fr
	}
	return out, nil
}

func (b *BitgetAdapter) Probe(ctx context.Context) error {
	return b.get(ctx, "probe", "/api/v2/public/time", nil)
}

func (b *BitgetAdapter) Close() error {
	b.rest.close()
	return nil
}
