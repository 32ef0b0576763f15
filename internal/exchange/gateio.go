package exchange

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

func init() {
	Register("gateio", func(cfg Config) (Adapter, error) {
		return NewGateioAdapter(cfg), nil
	})
}

const (
	gateioBaseURL    = "https://api.gateio.ws"
	gateioTestnetURL = "https://fx-api-testnet.gateio.ws"
)

// GateioAdapter serves USDT-settled perpetuals through the Gate.io v4
// futures API. Contract names look like "BTC_USDT".
type GateioAdapter struct {
	rest *restClient

	mu      sync.RWMutex
	reverse map[string]Symbol
}

func NewGateioAdapter(cfg Config) *GateioAdapter {
	base := gateioBaseURL
	if cfg.Sandbox {
		base = gateioTestnetURL
	}
	return &GateioAdapter{
		rest:    newRESTClient("gateio", base, cfg, 10),
		reverse: make(map[string]Symbol),
	}
}

func (g *GateioAdapter) Name() string          { return "gateio" }
func (g *GateioAdapter) SupportsFunding() bool { return true }

func (g *GateioAdapter) Initialize(ctx context.Context) error {
	var contracts []struct {
		Name        string `json:"name"`
		Type        string `json:"type"`
		InDelisting bool   `json:"in_delisting"`
	}
	if err := g.rest.getJSON(ctx, "initialize", "/api/v4/futures/usdt/contracts", &contracts); err != nil {
		return err
	}

	reverse := make(map[string]Symbol)
	for _, c := range contracts {
		if c.InDelisting {
			continue
		}
		parts := strings.SplitN(c.Name, "_", 2)
		if len(parts) != 2 {
			continue
		}
		reverse[c.Name] = CanonicalSymbol(parts[0], parts[1], parts[1])
	}

	g.mu.Lock()
	g.reverse = reverse
	g.mu.Unlock()

	log.Debug().Str("exchange", "gateio").Int("markets", len(reverse)).Msg("Markets loaded")
	return nil
}

func (g *GateioAdapter) ListFuturesSymbols(ctx context.Context) ([]Symbol, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Symbol, 0, len(g.reverse))
	for _, canon := range g.reverse {
		out = append(out, canon)
	}
	return out, nil
}

type gateioTicker struct {
	Contract    string `json:"contract"`
	Last        string `json:"last"`
	HighestBid  string `json:"highest_bid"`
	LowestAsk   string `json:"lowest_ask"`
	Volume24h   string `json:"volume_24h"`
	FundingRate string `json:"funding_rate"`
	MarkPrice   string `json:"mark_price"`
}

func (g *GateioAdapter) fetchMarket(ctx context.Context, op string) ([]gateioTicker, error) {
	var rows []gateioTicker
	if err := g.rest.getJSON(ctx, op, "/api/v4/futures/usdt/tickers", &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (g *GateioAdapter) FetchTickers(ctx context.Context, symbols []Symbol) (map[Symbol]Ticker, error) {
	rows, err := g.fetchMarket(ctx, "fetch_tickers")
	if err != nil {
		return nil, err
	}
	want := selectionSet(symbols)
	now := time.Now().UnixMilli()

	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[Symbol]Ticker)
	for _, row := range rows {
		canon, ok := g.reverse[row.Contract]
		if !ok || (want != nil && !member(want, canon)) {
			continue
		}
		t := Ticker{Exchange: "gateio", Symbol: canon, TimestampMS: now}
		if v, err := strconv.ParseFloat(row.HighestBid, 64); err == nil && v > 0 {
			t.Bid = Float(v)
		}
		if v, err := strconv.ParseFloat(row.LowestAsk, 64); err == nil && v > 0 {
			t.Ask = Float(v)
		}
		if v, err := strconv.ParseFloat(row.Last, 64); err == nil {
			t.Last = v
		}
		if v, err := strconv.ParseFloat(row.Volume24h, 64); err == nil {
			t.Volume24h = Float(v)
		}
		out[canon] = t
	}
	return out, nil
}

// FetchFundingRates reuses the tickers payload; Gate.io does not expose
// the next funding time there, so that field stays unset.
func (g *GateioAdapter) FetchFundingRates(ctx context.Context, symbols []Symbol) (map[Symbol]FundingRate, error) {
	rows, err := g.fetchMarket(ctx, "fetch_funding_rates")
	if err != nil {
		return nil, err
	}
	want := selectionSet(symbols)
	now := time.Now().UnixMilli()

	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[Symbol]FundingRate)
	for _, row := range rows {
		canon, ok := g.reverse[row.Contract]
		if !ok || (want != nil && !member(want, canon)) {
			continue
		}
		rate, err := strconv.ParseFloat(row.FundingRate, 64)
		if err != nil {
			continue
		}
		fr := FundingRate{Exchange: "gateio", Symbol: canon, TimestampMS: now, FundingRate: rate}
		if v, err := strconv.ParseFloat(row.MarkPrice, 64); err == nil && v > 0 {
			fr.MarkPrice = Float(v)
		}
		out[canon] = fr
	}
	return out, nil
}

func (g *GateioAdapter) Probe(ctx context.Context) error {
	var resp struct {
		ServerTime int64 `json:"server_time"`
	}
	return g.rest.getJSON(ctx, "probe", "/api/v4/spot/time", &resp)
}

func (g *GateioAdapter) Close() error {
	g.rest.close()
	return nil
}
