package exchange

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Adapter is the per-venue client contract. Implementations normalize
// venue-native payloads into canonical symbols and the Ticker /
// FundingRate shapes; they do not retry or rate-limit beyond the
// venue's own requirements — that is the resilience wrapper's job.
//
// Initialize and Close are idempotent. FetchTickers and
// FetchFundingRates with a nil symbol slice mean "all known perpetuals
// for this venue"; symbols the venue does not list are silently absent
// from the result.
type Adapter interface {
	// Name returns the short lowercase exchange id ("binance", …).
	Name() string

	// Initialize loads market metadata. Must be called before fetches.
	Initialize(ctx context.Context) error

	// ListFuturesSymbols returns the active perpetual markets. An empty
	// slice is legal and not an error.
	ListFuturesSymbols(ctx context.Context) ([]Symbol, error)

	// FetchTickers returns the latest top-of-book per symbol.
	FetchTickers(ctx context.Context, symbols []Symbol) (map[Symbol]Ticker, error)

	// FetchFundingRates returns current funding per symbol. Venues that
	// do not report funding return an empty map and SupportsFunding()
	// false.
	FetchFundingRates(ctx context.Context, symbols []Symbol) (map[Symbol]FundingRate, error)

	// SupportsFunding reports whether the venue publishes funding rates.
	SupportsFunding() bool

	// Probe is a cheap liveness call (server time or status endpoint).
	Probe(ctx context.Context) error

	// Close releases network resources. Idempotent.
	Close() error
}

// Config carries the per-venue settings an adapter needs at build time.
type Config struct {
	Name      string
	APIKey    string
	Secret    string
	Sandbox   bool
	Timeout   time.Duration
	RateLimit float64 // requests per second, 0 means venue default
}

// Builder constructs an adapter for one venue.
type Builder func(cfg Config) (Adapter, error)

// registry maps exchange ids to builders. Populated at init time by the
// vendor files; config decides which entries get instantiated.
var registry = map[string]Builder{}

// Register installs a builder for an exchange id.
func Register(name string, b Builder) {
	registry[name] = b
}

// Build instantiates the adapter for the named exchange.
func Build(name string, cfg Config) (Adapter, error) {
	b, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown exchange %q (supported: %v)", name, Supported())
	}
	cfg.Name = name
	return b(cfg)
}

// Supported lists the registered exchange ids, sorted.
func Supported() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
