package resilience

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quantfeed/marketpulse/internal/exchange"
)

// WrapperConfig bundles the resilience settings for one exchange.
type WrapperConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	Breaker BreakerConfig `mapstructure:"circuit_breaker"`
	Retry   RetryConfig   `mapstructure:"retry"`
	Health  HealthConfig  `mapstructure:"health_check"`
}

// DefaultWrapperConfig returns defaults for every sub-policy.
func DefaultWrapperConfig() WrapperConfig {
	return WrapperConfig{
		Timeout: 10 * time.Second,
		Breaker: DefaultBreakerConfig(),
		Retry:   DefaultRetryConfig(),
		Health:  DefaultHealthConfig(),
	}
}

// WrapperStatus is the read-only view the orchestrator and control
// plane report for one exchange.
type WrapperStatus struct {
	Exchange  string        `json:"exchange"`
	Breaker   BreakerStatus `json:"circuit_breaker"`
	Health    HealthStatus  `json:"health"`
	Successes int64         `json:"successes"`
	Errors    int64         `json:"errors"`
}

// Wrapper composes retry(breaker(adapter.op)) and a background health
// prober around one adapter. Composition order matters: a transient
// failure costs retries, and only repeated failures trip the breaker.
// When the breaker is open the retry loop observes ErrCircuitOpen and
// stops immediately.
//
// Calls for one exchange are serialized by callMu, per the ordering
// contract; calls across exchanges run concurrently.
type Wrapper struct {
	adapter exchange.Adapter
	timeout time.Duration
	breaker *Breaker
	retry   *RetryManager
	prober  *Prober

	callMu    sync.Mutex
	successes atomic.Int64
	errors    atomic.Int64
}

// NewWrapper wraps adapter with the configured resilience policies.
func NewWrapper(adapter exchange.Adapter, cfg WrapperConfig) *Wrapper {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultWrapperConfig().Timeout
	}
	name := adapter.Name()
	return &Wrapper{
		adapter: adapter,
		timeout: cfg.Timeout,
		breaker: NewBreaker(name, cfg.Breaker),
		retry:   NewRetryManager(name, cfg.Retry),
		prober:  NewProber(name, adapter, cfg.Health),
	}
}

// Name returns the wrapped exchange id.
func (w *Wrapper) Name() string { return w.adapter.Name() }

// SupportsFunding mirrors the adapter flag.
func (w *Wrapper) SupportsFunding() bool { return w.adapter.SupportsFunding() }

// Start launches the health prober.
func (w *Wrapper) Start(ctx context.Context) { w.prober.Start(ctx) }

// Close stops the prober and closes the adapter.
func (w *Wrapper) Close() error {
	w.prober.Stop()
	return w.adapter.Close()
}

// Available reports whether the collector should schedule this exchange
// for the next round: not Unhealthy and circuit not open.
func (w *Wrapper) Available() bool {
	return w.prober.State() != HealthUnhealthy && w.breaker.State() != StateOpen
}

// Status returns a consistent snapshot of all sub-policies.
func (w *Wrapper) Status() WrapperStatus {
	return WrapperStatus{
		Exchange:  w.adapter.Name(),
		Breaker:   w.breaker.Status(),
		Health:    w.prober.Status(),
		Successes: w.successes.Load(),
		Errors:    w.errors.Load(),
	}
}

// call runs op as retry(breaker(fn)) with the per-attempt timeout.
func (w *Wrapper) call(ctx context.Context, op string, fn func(context.Context) error) error {
	w.callMu.Lock()
	defer w.callMu.Unlock()

	err := w.retry.Run(ctx, op, func(ctx context.Context) error {
		return w.breaker.Execute(ctx, func(ctx context.Context) error {
			attemptCtx, cancel := context.WithTimeout(ctx, w.timeout)
			defer cancel()
			return fn(attemptCtx)
		})
	})
	if err != nil {
		if ctx.Err() == nil {
			w.errors.Add(1)
		}
		return err
	}
	w.successes.Add(1)
	return nil
}

// Initialize loads the adapter's market metadata under resilience.
func (w *Wrapper) Initialize(ctx context.Context) error {
	return w.call(ctx, "initialize", func(ctx context.Context) error {
		return w.adapter.Initialize(ctx)
	})
}

// ListFuturesSymbols lists active perpetuals under resilience.
func (w *Wrapper) ListFuturesSymbols(ctx context.Context) ([]exchange.Symbol, error) {
	var out []exchange.Symbol
	err := w.call(ctx, "list_futures_symbols", func(ctx context.Context) error {
		var ferr error
		out, ferr = w.adapter.ListFuturesSymbols(ctx)
		return ferr
	})
	return out, err
}

// FetchTickers fetches top-of-book snapshots under resilience.
func (w *Wrapper) FetchTickers(ctx context.Context, symbols []exchange.Symbol) (map[exchange.Symbol]exchange.Ticker, error) {
	var out map[exchange.Symbol]exchange.Ticker
	err := w.call(ctx, "fetch_tickers", func(ctx context.Context) error {
		var ferr error
		out, ferr = w.adapter.FetchTickers(ctx, symbols)
		return ferr
	})
	return out, err
}

// FetchFundingRates fetches funding snapshots under resilience.
func (w *Wrapper) FetchFundingRates(ctx context.Context, symbols []exchange.Symbol) (map[exchange.Symbol]exchange.FundingRate, error) {
	var out map[exchange.Symbol]exchange.FundingRate
	err := w.call(ctx, "fetch_funding_rates", func(ctx context.Context) error {
		var ferr error
		out, ferr = w.adapter.FetchFundingRates(ctx, symbols)
		return ferr
	})
	return out, err
}
