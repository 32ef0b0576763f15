// Package collector runs collection rounds: one concurrent fan-out
// over all available exchange wrappers per data kind, fronted by a TTL
// cache, producing one immutable Snapshot per round.
package collector

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/quantfeed/marketpulse/internal/cache"
	"github.com/quantfeed/marketpulse/internal/exchange"
	"github.com/quantfeed/marketpulse/internal/metrics"
)

// ExchangeClient is the slice of the resilience wrapper the collector
// needs. Wrappers whose Available() is false (unhealthy or circuit
// open) are excluded from the round but still appear in the snapshot
// with an empty sub-map.
type ExchangeClient interface {
	Name() string
	Available() bool
	SupportsFunding() bool
	FetchTickers(ctx context.Context, symbols []exchange.Symbol) (map[exchange.Symbol]exchange.Ticker, error)
	FetchFundingRates(ctx context.Context, symbols []exchange.Symbol) (map[exchange.Symbol]exchange.FundingRate, error)
}

// SymbolSource supplies the working symbol set. It is read exactly once
// per round; mid-round mutations affect only later rounds.
type SymbolSource interface {
	Symbols() []exchange.Symbol
}

// Config sets the per-kind cache TTLs and the round cadences the
// deadline derives from.
type Config struct {
	TickerTTL       time.Duration
	FundingTTL      time.Duration
	TickerInterval  time.Duration
	FundingInterval time.Duration
}

// Collector owns the round protocol. It does not serialize across
// exchanges; per-exchange serialization is the wrapper's job.
type Collector struct {
	clients      []ExchangeClient
	source       SymbolSource
	tickerCache  cache.Cache
	fundingCache cache.Cache
	cfg          Config
}

// New creates a collector over the given wrapped exchanges.
func New(clients []ExchangeClient, source SymbolSource, tickerCache, fundingCache cache.Cache, cfg Config) *Collector {
	return &Collector{
		clients:      clients,
		source:       source,
		tickerCache:  tickerCache,
		fundingCache: fundingCache,
		cfg:          cfg,
	}
}

// Collect runs one round for kind and always returns a Snapshot, even
// when every exchange failed. Round deadline is twice the cadence; an
// exchange that cannot answer in time contributes an empty result and
// an error note, never a round-level failure.
func (c *Collector) Collect(ctx context.Context, kind Kind) *Snapshot {
	start := time.Now()
	symbols := c.source.Symbols()

	cadence := c.cfg.TickerInterval
	store := c.tickerCache
	ttl := c.cfg.TickerTTL
	if kind == KindFunding {
		cadence = c.cfg.FundingInterval
		store = c.fundingCache
		ttl = c.cfg.FundingTTL
	}
	roundCtx, cancel := context.WithTimeout(ctx, 2*cadence)
	defer cancel()

	snap := &Snapshot{
		Kind:        kind,
		TimestampMS: start.UnixMilli(),
		Stats:       CollectionStats{Errors: make(map[string]string)},
	}
	if kind == KindTickers {
		snap.Tickers = make(map[string]map[exchange.Symbol]exchange.Ticker, len(c.clients))
	} else {
		snap.Funding = make(map[string]map[exchange.Symbol]exchange.FundingRate, len(c.clients))
	}

	// First pass, single goroutine: stable schema keys, exclusions and
	// cache hits. The snapshot maps are written freely here; nothing
	// else is running yet.
	type flight struct {
		client ExchangeClient
		key    string
	}
	var flights []flight
	for _, client := range c.clients {
		name := client.Name()

		if kind == KindFunding && !client.SupportsFunding() {
			continue
		}

		// Stable schema: every participating exchange gets its
		// top-level key up front, failures included.
		c.setEmpty(snap, name)
		snap.Stats.ExchangesQueried++

		if !client.Available() {
			snap.Stats.FailedExchanges++
			snap.Stats.Errors[name] = "excluded"
			metrics.FetchesTotal.WithLabelValues(name, string(kind), "excluded").Inc()
			continue
		}

		key := cache.Key(string(kind), name, symbols)
		if c.fillFromCache(roundCtx, store, key, snap, name) {
			snap.Stats.SuccessfulExchanges++
			snap.Stats.CachedExchanges++
			metrics.CacheHits.WithLabelValues(string(kind)).Inc()
			continue
		}
		metrics.CacheMisses.WithLabelValues(string(kind)).Inc()
		flights = append(flights, flight{client: client, key: key})
	}

	// Second pass: live fetches. From here on every snapshot write
	// holds mu.
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(roundCtx)

	for _, f := range flights {
		client, key := f.client, f.key
		name := client.Name()

		g.Go(func() error {
			fetchStart := time.Now()
			err := c.fetch(gctx, kind, client, symbols, snap, &mu)
			metrics.FetchDuration.WithLabelValues(name, string(kind)).Observe(time.Since(fetchStart).Seconds())
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				snap.Stats.FailedExchanges++
				snap.Stats.Errors[name] = err.Error()
				metrics.FetchesTotal.WithLabelValues(name, string(kind), "error").Inc()
				log.Warn().Err(err).Str("exchange", name).Str("kind", string(kind)).Msg("Fetch failed")
				return nil // one exchange never fails the round
			}
			snap.Stats.SuccessfulExchanges++
			metrics.FetchesTotal.WithLabelValues(name, string(kind), "success").Inc()
			c.storeInCache(store, key, ttl, snap, name)
			return nil
		})
	}

	_ = g.Wait()

	snap.Stats.CollectionTime = time.Since(start).Seconds()
	if len(snap.Stats.Errors) == 0 {
		snap.Stats.Errors = nil
	}
	log.Debug().
		Str("kind", string(kind)).
		Int("queried", snap.Stats.ExchangesQueried).
		Int("succeeded", snap.Stats.SuccessfulExchanges).
		Int("failed", snap.Stats.FailedExchanges).
		Int("cached", snap.Stats.CachedExchanges).
		Float64("seconds", snap.Stats.CollectionTime).
		Msg("Round complete")
	return snap
}

func (c *Collector) setEmpty(snap *Snapshot, name string) {
	if snap.Kind == KindTickers {
		snap.Tickers[name] = map[exchange.Symbol]exchange.Ticker{}
	} else {
		snap.Funding[name] = map[exchange.Symbol]exchange.FundingRate{}
	}
}

// fetch performs the live call and writes the result under mu.
func (c *Collector) fetch(ctx context.Context, kind Kind, client ExchangeClient, symbols []exchange.Symbol, snap *Snapshot, mu *sync.Mutex) error {
	if kind == KindTickers {
		result, err := client.FetchTickers(ctx, symbols)
		if err != nil {
			return err
		}
		mu.Lock()
		snap.Tickers[client.Name()] = result
		mu.Unlock()
		return nil
	}
	result, err := client.FetchFundingRates(ctx, symbols)
	if err != nil {
		return err
	}
	mu.Lock()
	snap.Funding[client.Name()] = result
	mu.Unlock()
	return nil
}

// fillFromCache loads a warm entry into the snapshot. Cache errors
// degrade to a miss.
func (c *Collector) fillFromCache(ctx context.Context, store cache.Cache, key string, snap *Snapshot, name string) bool {
	buf, ok, err := store.Get(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("exchange", name).Msg("Cache lookup failed, fetching fresh")
		return false
	}
	if !ok {
		return false
	}
	if snap.Kind == KindTickers {
		var result map[exchange.Symbol]exchange.Ticker
		if err := json.Unmarshal(buf, &result); err != nil {
			log.Warn().Err(err).Str("exchange", name).Msg("Corrupt cache entry, fetching fresh")
			return false
		}
		snap.Tickers[name] = result
		return true
	}
	var result map[exchange.Symbol]exchange.FundingRate
	if err := json.Unmarshal(buf, &result); err != nil {
		log.Warn().Err(err).Str("exchange", name).Msg("Corrupt cache entry, fetching fresh")
		return false
	}
	snap.Funding[name] = result
	return true
}

// storeInCache persists a successful per-exchange result. Called with
// mu held by the flight that produced the result.
func (c *Collector) storeInCache(store cache.Cache, key string, ttl time.Duration, snap *Snapshot, name string) {
	var buf []byte
	var err error
	if snap.Kind == KindTickers {
		buf, err = json.Marshal(snap.Tickers[name])
	} else {
		buf, err = json.Marshal(snap.Funding[name])
	}
	if err != nil {
		return
	}
	// Write with a detached context so a finished round deadline does
	// not drop the entry.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := store.Set(ctx, key, buf, ttl); err != nil {
		log.Warn().Err(err).Str("exchange", name).Msg("Cache write failed")
	}
}
