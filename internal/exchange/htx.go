package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

func init() {
	Register("htx", func(cfg Config) (Adapter, error) {
		return NewHTXAdapter(cfg), nil
	})
}

const htxBaseURL = "https://api.hbdm.com"

// HTXAdapter serves USDT-margined linear swaps through the HTX
// (ex-Huobi) linear-swap API. Contract codes look like "BTC-USDT".
type HTXAdapter struct {
	rest *restClient

	mu      sync.RWMutex
	reverse map[string]Symbol
}

func NewHTXAdapter(cfg Config) *HTXAdapter {
	return &HTXAdapter{
		rest:    newRESTClient("htx", htxBaseURL, cfg, 10),
		reverse: make(map[string]Symbol),
	}
}

func (h *HTXAdapter) Name() string          { return "htx" }
func (h *HTXAdapter) SupportsFunding() bool { return true }

func htxStatusErr(op, status, errMsg string) error {
	if status == "ok" {
		return nil
	}
	return NewError(KindVendorTemporary, "htx", op, fmt.Errorf("status %s: %s", status, errMsg))
}

func (h *HTXAdapter) Initialize(ctx context.Context) error {
	var resp struct {
		Status string `json:"status"`
		ErrMsg string `json:"err_msg"`
		Data   []struct {
			ContractCode   string `json:"contract_code"`
			ContractStatus int    `json:"contract_status"`
			SupportMargin  string `json:"support_margin_mode"`
		} `json:"data"`
	}
	path := "/linear-swap-api/v1/swap_contract_info?business_type=swap"
	if err := h.rest.getJSON(ctx, "initialize", path, &resp); err != nil {
		return err
	}
	if err := htxStatusErr("initialize", resp.Status, resp.ErrMsg); err != nil {
		return err
	}

	reverse := make(map[string]Symbol)
	for _, c := range resp.Data {
		if c.ContractStatus != 1 { // 1 = listing
			continue
		}
		parts := strings.SplitN(c.ContractCode, "-", 2)
		if len(parts) != 2 {
			continue
		}
		reverse[c.ContractCode] = CanonicalSymbol(parts[0], parts[1], parts[1])
	}

	h.mu.Lock()
	h.reverse = reverse
	h.mu.Unlock()

	log.Debug().Str("exchange", "htx").Int("markets", len(reverse)).Msg("Markets loaded")
	return nil
}

func (h *HTXAdapter) ListFuturesSymbols(ctx context.Context) ([]Symbol, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Symbol, 0, len(h.reverse))
	for _, canon := range h.reverse {
		out = append(out, canon)
	}
	return out, nil
}

func (h *HTXAdapter) FetchTickers(ctx context.Context, symbols []Symbol) (map[Symbol]Ticker, error) {
	var resp struct {
		Status string `json:"status"`
		ErrMsg string `json:"err_msg"`
		Ts     int64  `json:"ts"`
		Ticks  []struct {
			ContractCode string    `json:"contract_code"`
			Close        float64   `json:"close"`
			Bid          []float64 `json:"bid"` // [price, size]
			Ask          []float64 `json:"ask"`
			Amount       string    `json:"amount"`
		} `json:"ticks"`
	}
	path := "/linear-swap-ex/market/detail/batch_merged?business_type=swap"
	if err := h.rest.getJSON(ctx, "fetch_tickers", path, &resp); err != nil {
		return nil, err
	}
	if err := htxStatusErr("fetch_tickers", resp.Status, resp.ErrMsg); err != nil {
		return nil, err
	}

	want := selectionSet(symbols)
	ts := resp.Ts
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[Symbol]Ticker)
	for _, tick := range resp.Ticks {
		canon, ok := h.reverse[tick.ContractCode]
		if !ok || (want != nil && !member(want, canon)) {
			continue
		}
		t := Ticker{Exchange: "htx", Symbol: canon, TimestampMS: ts, Last: tick.Close}
		if len(tick.Bid) > 0 && tick.Bid[0] > 0 {
			t.Bid = Float(tick.Bid[0])
		}
		if len(tick.Ask) > 0 && tick.Ask[0] > 0 {
			t.Ask = Float(tick.Ask[0])
		}
		if v, err := strconv.ParseFloat(tick.Amount, 64); err == nil {
			t.Volume24h = Float(v)
		}
		out[canon] = t
	}
	return out, nil
}

func (h *HTXAdapter) FetchFundingRates(ctx context.Context, symbols []Symbol) (map[Symbol]FundingRate, error) {
	var resp struct {
		Status string `json:"status"`
		ErrMsg string `json:"err_msg"`
		Ts     int64  `json:"ts"`
		Data   []struct {
			ContractCode string `json:"contract_code"`
			FundingRate  string `json:"funding_rate"`
			FundingTime  string `json:"funding_time"`
		} `json:"data"`
	}
	path := "/linear-swap-api/v1/swap_batch_funding_rate"
	if err := h.rest.getJSON(ctx, "fetch_funding_rates", path, &resp); err != nil {
		return nil, err
	}
	if err := htxStatusErr("fetch_funding_rates", resp.Status, resp.ErrMsg); err != nil {
		return nil, err
	}

	want := selectionSet(symbols)
	ts := resp.Ts
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[Symbol]FundingRate)
	for _, row := range resp.Data {
		canon, ok := h.reverse[row.ContractCode]
		if !ok || (want != nil && !member(want, canon)) {
			continue
		}
		rate, err := strconv.ParseFloat(row.FundingRate, 64)
		if err != nil {
			continue
		}
		fr := FundingRate{Exchange: "htx", Symbol: canon, TimestampMS: ts, FundingRate: rate}
		if v, err := strconv.ParseInt(row.FundingTime, 10, 64); err == nil && v > 0 {
			fr.NextFundingTimeMS = Int64(v)
		}
		out[canon] = fr
	}
	return out, nil
}

func (h *HTXAdapter) Probe(ctx context.Context) error {
	var resp struct {
		Status string `json:"status"`
		ErrMsg string `json:"err_msg"`
	}
	if err := h.rest.getJSON(ctx, "probe", "/api/v1/timestamp", &resp); err != nil {
		return err
	}
	return htxStatusErr("probe", resp.Status, resp.ErrMsg)
}

func (h *HTXAdapter) Close() error {
	h.rest.close()
	return nil
}
