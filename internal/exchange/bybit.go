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
	Register("bybit", func(cfg Config) (Adapter, error) {
		return NewBybitAdapter(cfg), nil
	})
}

const (
	bybitBaseURL    = "https://api.bybit.com"
	bybitTestnetURL = "https://api-testnet.bybit.com"
)

// BybitAdapter serves linear perpetuals through the Bybit v5 public
// market API. All endpoints used here are unauthenticated.
type BybitAdapter struct {
	rest *restClient

	mu      sync.RWMutex
	reverse map[string]Symbol // venue symbol (BTCUSDT) -> canonical
}

func NewBybitAdapter(cfg Config) *BybitAdapter {
	base := bybitBaseURL
	if cfg.Sandbox {
		base = bybitTestnetURL
	}
	return &BybitAdapter{
		rest:    newRESTClient("bybit", base, cfg, 10),
		reverse: make(map[string]Symbol),
	}
}

func (b *BybitAdapter) Name() string          { return "bybit" }
func (b *BybitAdapter) SupportsFunding() bool { return true }

type bybitEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

type bybitInstrument struct {
	Symbol       string `json:"symbol"`
	ContractType string `json:"contractType"`
	Status       string `json:"status"`
	BaseCoin     string `json:"baseCoin"`
	QuoteCoin    string `json:"quoteCoin"`
	SettleCoin   string `json:"settleCoin"`
}

type bybitTicker struct {
	Symbol          string `json:"symbol"`
	LastPrice       string `json:"lastPrice"`
	Bid1Price       string `json:"bid1Price"`
	Ask1Price       string `json:"ask1Price"`
	Volume24h       string `json:"volume24h"`
	FundingRate     string `json:"fundingRate"`
	NextFundingTime string `json:"nextFundingTime"`
	MarkPrice       string `json:"markPrice"`
}

// get fetches path, checks the application-level retCode, and decodes
// result into out.
func (b *BybitAdapter) get(ctx context.Context, op, path string, out interface{}) error {
	var env bybitEnvelope
	if err := b.rest.getJSON(ctx, op, path, &env); err != nil {
		return err
	}
	if err := b.checkRet(op, &env); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return NewError(KindVendorTemporary, "bybit", op, fmt.Errorf("decode result: %w", err))
	}
	return nil
}

// checkRet maps Bybit application-level error codes onto the taxonomy.
func (b *BybitAdapter) checkRet(op string, env *bybitEnvelope) error {
	switch env.RetCode {
	case 0:
		return nil
	case 10006, 10018: // rate limit, ip rate limit
		return NewError(KindRateLimit, "bybit", op, fmt.Errorf("retCode %d: %s", env.RetCode, env.RetMsg))
	case 10003, 10004, 10005: // invalid key / signature / permission
		return NewError(KindAuth, "bybit", op, fmt.Errorf("retCode %d: %s", env.RetCode, env.RetMsg))
	case 10001: // parameter error (covers unknown symbol)
		return NewError(KindSymbolUnknown, "bybit", op, fmt.Errorf("retCode %d: %s", env.RetCode, env.RetMsg))
	default:
		return NewError(KindVendorTemporary, "bybit", op, fmt.Errorf("retCode %d: %s", env.RetCode, env.RetMsg))
	}
}

func (b *BybitAdapter) Initialize(ctx context.Context) error {
	var result struct {
		List []bybitInstrument `json:"list"`
	}
	path := "/v5/market/instruments-info?category=linear&limit=1000"
	if err := b.get(ctx, "initialize", path, &result); err != nil {
		return err
	}

	reverse := make(map[string]Symbol)
	for _, in := range result.List {
		if in.ContractType != "LinearPerpetual" || in.Status != "Trading" {
			continue
		}
		reverse[in.Symbol] = CanonicalSymbol(in.BaseCoin, in.QuoteCoin, in.SettleCoin)
	}

	b.mu.Lock()
	b.reverse = reverse
	b.mu.Unlock()

	log.Debug().Str("exchange", "bybit").Int("markets", len(reverse)).Msg("Markets loaded")
	return nil
}

func (b *BybitAdapter) ListFuturesSymbols(ctx context.Context) ([]Symbol, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Symbol, 0, len(b.reverse))
	for _, canon := range b.reverse {
		out = append(out, canon)
	}
	return out, nil
}

// fetchMarket pulls /v5/market/tickers once; ticker and funding fields
// ride on the same payload, so both fetch paths share it.
func (b *BybitAdapter) fetchMarket(ctx context.Context, op string) ([]bybitTicker, error) {
	var result struct {
		List []bybitTicker `json:"list"`
	}
	if err := b.get(ctx, op, "/v5/market/tickers?category=linear", &result); err != nil {
		return nil, err
	}
	return result.List, nil
}

func (b *BybitAdapter) FetchTickers(ctx context.Context, symbols []Symbol) (map[Symbol]Ticker, error) {
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
		t := Ticker{Exchange: "bybit", Symbol: canon, TimestampMS: now}
		if v, err := strconv.ParseFloat(row.Bid1Price, 64); err == nil && v > 0 {
			t.Bid = Float(v)
		}
		if v, err := strconv.ParseFloat(row.Ask1Price, 64); err == nil && v > 0 {
			t.Ask = Float(v)
		}
		if v, err := strconv.ParseFloat(row.LastPrice, 64); err == nil {
			t.Last = v
		}
		if v, err := strconv.ParseFloat(row.Volume24h, 64); err == nil {
			t.Volume24h = Float(v)
		}
		out[canon] = t
	}
	return out, nil
}

func (b *BybitAdapter) FetchFundingRates(ctx context.Context, symbols []Symbol) (map[Symbol]FundingRate, error) {
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
		rate, err := strconv.ParseFloat(row.FundingRate, 64)
		if err != nil {
			continue // contract without funding (e.g. pre-market)
		}
		fr := FundingRate{Exchange: "bybit", Symbol: canon, TimestampMS: now, FundingRate: rate}
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

func (b *BybitAdapter) Probe(ctx context.Context) error {
	return b.get(ctx, "probe", "/v5/market/time", nil)
}

func (b *BybitAdapter) Close() error {
	b.rest.close()
	return nil
}

// selectionSet returns the requested symbols as a set, nil meaning all.
func selectionSet(symbols []Symbol) map[Symbol]struct{} {
	if len(symbols) == 0 {
		return nil
	}
	set := make(map[Symbol]struct{}, len(symbols))
	for _, s := range symbols {
		set[s] = struct{}{}
	}
	return set
}

func member(set map[Symbol]struct{}, s Symbol) bool {
	_, ok := set[s]
	return ok
}
