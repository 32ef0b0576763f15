package exchange

import (
	"fmt"
	"strings"
)

// Symbol is the canonical market identifier: BASE/QUOTE[:SETTLE],
// e.g. "BTC/USDT:USDT" for the USDT-settled BTC perpetual.
type Symbol = string

// Ticker is a top-of-book snapshot for one (exchange, symbol).
// Bid or Ask may be nil when the venue did not report that side.
type Ticker struct {
	Exchange    string   `json:"exchange"`
	Symbol      Symbol   `json:"symbol"`
	TimestampMS int64    `json:"timestamp_ms"`
	Bid         *float64 `json:"bid"`
	Ask         *float64 `json:"ask"`
	Last        float64  `json:"last"`
	Volume24h   *float64 `json:"volume_24h,omitempty"`
}

// FundingRate is the current funding snapshot for one perpetual.
type FundingRate struct {
	Exchange          string   `json:"exchange"`
	Symbol            Symbol   `json:"symbol"`
	TimestampMS       int64    `json:"timestamp_ms"`
	FundingRate       float64  `json:"funding_rate"`
	NextFundingTimeMS *int64   `json:"next_funding_time_ms,omitempty"`
	MarkPrice         *float64 `json:"mark_price,omitempty"`
}

// Float returns a pointer to v, for optional ticker fields.
func Float(v float64) *float64 { return &v }

// Int64 returns a pointer to v, for optional timestamp fields.
func Int64(v int64) *int64 { return &v }

// CanonicalSymbol builds the canonical form from venue-native parts.
func CanonicalSymbol(base, quote, settle string) Symbol {
	base = strings.ToUpper(base)
	quote = strings.ToUpper(quote)
	if settle == "" {
		return fmt.Sprintf("%s/%s", base, quote)
	}
	return fmt.Sprintf("%s/%s:%s", base, quote, strings.ToUpper(settle))
}

// SplitSymbol breaks a canonical symbol into base, quote and settle.
// Settle is empty when the symbol has no settlement suffix.
func SplitSymbol(s Symbol) (base, quote, settle string, err error) {
	pair := s
	if i := strings.IndexByte(s, ':'); i >= 0 {
		pair, settle = s[:i], s[i+1:]
	}
	i := strings.IndexByte(pair, '/')
	if i <= 0 || i == len(pair)-1 {
		return "", "", "", fmt.Errorf("malformed symbol %q", s)
	}
	return pair[:i], pair[i+1:], settle, nil
}

// ValidSymbol reports whether s parses as BASE/QUOTE[:SETTLE].
func ValidSymbol(s Symbol) bool {
	_, _, _, err := SplitSymbol(s)
	return err == nil
}
