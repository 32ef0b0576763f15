package collector

import (
	"github.com/quantfeed/marketpulse/internal/exchange"
)

// Kind names one collected data stream. The values double as the
// published message type and must stay stable for consumers.
type Kind string

const (
	KindTickers Kind = "tickers"
	KindFunding Kind = "funding_rates"
)

// CollectionStats describes how one round went.
type CollectionStats struct {
	ExchangesQueried    int     `json:"exchanges_queried"`
	SuccessfulExchanges int     `json:"successful_exchanges"`
	FailedExchanges     int     `json:"failed_exchanges"`
	CachedExchanges     int     `json:"cached_exchanges"`
	CollectionTime      float64 `json:"collection_time"` // seconds

	// Errors maps exchange id to a short failure note ("circuit_open",
	// "unhealthy", or the fetch error). Exchanges listed here still
	// appear in the snapshot data with an empty sub-map.
	Errors map[string]string `json:"errors,omitempty"`
}

// Snapshot is the immutable result of one collection round. Exactly one
// of Tickers / Funding is populated, matching Kind. Every participating
// exchange appears as a top-level key even when its fetch failed, so
// consumers always see a stable schema.
type Snapshot struct {
	Kind        Kind
	TimestampMS int64
	Tickers     map[string]map[exchange.Symbol]exchange.Ticker
	Funding     map[string]map[exchange.Symbol]exchange.FundingRate
	Stats       CollectionStats
}

// Data returns the per-kind payload for serialization.
func (s *Snapshot) Data() interface{} {
	if s.Kind == KindTickers {
		return s.Tickers
	}
	return s.Funding
}

// Exchanges returns the top-level keys, unsorted.
func (s *Snapshot) Exchanges() []string {
	var out []string
	switch s.Kind {
	case KindTickers:
		for ex := range s.Tickers {
			out = append(out, ex)
		}
	case KindFunding:
		for ex := range s.Funding {
			out = append(out, ex)
		}
	}
	return out
}
