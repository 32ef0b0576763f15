package exchange

import (
	"context"
	"sync"
	"time"
)

// MockAdapter is a scriptable in-memory adapter used by tests across
// the repo. Errors are injected per operation with FailWith; call
// counts are observable so tests can assert attempt budgets.
type MockAdapter struct {
	ExchangeName string
	Funding      bool

	mu       sync.Mutex
	tickers  map[Symbol]Ticker
	rates    map[Symbol]FundingRate
	failures map[string]error
	calls    map[string]int
	latency  time.Duration
	closed   bool
}

// NewMockAdapter creates a mock for the given exchange id.
func NewMockAdapter(name string) *MockAdapter {
	return &MockAdapter{
		ExchangeName: name,
		Funding:      true,
		tickers:      make(map[Symbol]Ticker),
		rates:        make(map[Symbol]FundingRate),
		failures:     make(map[string]error),
		calls:        make(map[string]int),
	}
}

func (m *MockAdapter) Name() string          { return m.ExchangeName }
func (m *MockAdapter) SupportsFunding() bool { return m.Funding }

// SetTicker scripts the ticker returned for a symbol.
func (m *MockAdapter) SetTicker(t Ticker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.Exchange = m.ExchangeName
	m.tickers[t.Symbol] = t
}

// SetFundingRate scripts the funding rate returned for a symbol.
func (m *MockAdapter) SetFundingRate(fr FundingRate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fr.Exchange = m.ExchangeName
	m.rates[fr.Symbol] = fr
}

// FailWith makes the named operation ("fetch_tickers", "probe", …)
// return err on every call until cleared with a nil err.
func (m *MockAdapter) FailWith(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// SetLatency delays every call by d, for deadline tests.
func (m *MockAdapter) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// Calls returns how many times the named operation ran.
func (m *MockAdapter) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *MockAdapter) enter(ctx context.Context, op string) error {
	m.mu.Lock()
	m.calls[op]++
	fail := m.failures[op]
	delay := m.latency
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fail
}

func (m *MockAdapter) Initialize(ctx context.Context) error {
	return m.enter(ctx, "initialize")
}

func (m *MockAdapter) ListFuturesSymbols(ctx context.Context) ([]Symbol, error) {
	if err := m.enter(ctx, "list_futures_symbols"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Symbol, 0, len(m.tickers))
	for s := range m.tickers {
		out = append(out, s)
	}
	return out, nil
}

func (m *MockAdapter) FetchTickers(ctx context.Context, symbols []Symbol) (map[Symbol]Ticker, error) {
	if err := m.enter(ctx, "fetch_tickers"); err != nil {
		return nil, err
	}
	want := selectionSet(symbols)
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[Symbol]Ticker)
	for s, t := range m.tickers {
		if want != nil && !member(want, s) {
			continue
		}
		out[s] = t
	}
	return out, nil
}

func (m *MockAdapter) FetchFundingRates(ctx context.Context, symbols []Symbol) (map[Symbol]FundingRate, error) {
	if err := m.enter(ctx, "fetch_funding_rates"); err != nil {
		return nil, err
	}
	if !m.Funding {
		return map[Symbol]FundingRate{}, nil
	}
	want := selectionSet(symbols)
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[Symbol]FundingRate)
	for s, fr := range m.rates {
		if want != nil && !member(want, s) {
			continue
		}
		out[s] = fr
	}
	return out, nil
}

func (m *MockAdapter) Probe(ctx context.Context) error {
	return m.enter(ctx, "probe")
}

func (m *MockAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *MockAdapter) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
