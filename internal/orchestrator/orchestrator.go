// Package orchestrator owns the component lifecycle: it builds the
// transport, caches, wrapped adapters, collector, publisher and control
// listener, runs the collection loops, and tears everything down in
// reverse order on shutdown. Ownership is strictly one-way; components
// never hold a reference back to the orchestrator.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"github.com/quantfeed/marketpulse/internal/cache"
	"github.com/quantfeed/marketpulse/internal/collector"
	"github.com/quantfeed/marketpulse/internal/config"
	"github.com/quantfeed/marketpulse/internal/control"
	"github.com/quantfeed/marketpulse/internal/exchange"
	"github.com/quantfeed/marketpulse/internal/metrics"
	"github.com/quantfeed/marketpulse/internal/publisher"
	"github.com/quantfeed/marketpulse/internal/resilience"
	"github.com/quantfeed/marketpulse/internal/transport"
)

// shutdownGrace bounds how long Stop waits for the loops to drain.
const shutdownGrace = 10 * time.Second

// Orchestrator wires and runs the whole collection pipeline.
type Orchestrator struct {
	cfg *config.Config

	transport     *transport.AMQP
	tickerCache   cache.Cache
	fundingCache  cache.Cache
	wrappers      []*resilience.Wrapper
	coll          *collector.Collector
	pub           *publisher.Publisher
	state         *control.SymbolSet
	listener      *control.Listener
	metricsServer *metrics.Server

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startedAt time.Time
}

// New creates an orchestrator for the given configuration.
func New(cfg *config.Config) *Orchestrator {
	return &Orchestrator{cfg: cfg}
}

// Start builds and launches all components. A broker or cache that
// cannot be reached at startup is fatal; a single exchange that fails
// to initialize is not, it starts degraded and recovers via probes.
func (o *Orchestrator) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.startedAt = time.Now()

	t, err := transport.Connect(runCtx, o.transportConfig())
	if err != nil {
		cancel()
		return err
	}
	o.transport = t

	if err := o.buildCaches(runCtx); err != nil {
		o.teardown()
		return err
	}

	o.state = control.NewSymbolSet(o.cfg.Symbols)
	metrics.SymbolsTracked.Set(float64(o.state.Len()))

	if err := o.buildExchanges(runCtx); err != nil {
		o.teardown()
		return err
	}

	clients := make([]collector.ExchangeClient, len(o.wrappers))
	for i, w := range o.wrappers {
		clients[i] = w
	}
	o.coll = collector.New(clients, o.state, o.tickerCache, o.fundingCache, collector.Config{
		TickerTTL:       o.cfg.Cache.TickerTTL(),
		FundingTTL:      o.cfg.Cache.FundingTTLDuration(),
		TickerInterval:  o.cfg.Intervals.TickerInterval(),
		FundingInterval: o.cfg.Intervals.FundingInterval(),
	})

	o.pub = publisher.New(o.transport, publisher.Config{
		Source:      o.cfg.App.Name,
		Environment: o.cfg.App.Environment,
		Batch: publisher.BatchConfig{
			MaxSize:    o.cfg.Batch.MaxSize,
			MaxWait:    o.cfg.Batch.MaxWait(),
			Strategy:   publisher.Strategy(o.cfg.Batch.Strategy),
			MaxRetries: o.cfg.Batch.MaxRetries,
		},
	})
	o.pub.Start(runCtx)

	o.listener = control.NewListener(o.state, o.transport, o.Statistics)
	deliveries, err := o.transport.Consume(runCtx)
	if err != nil {
		o.teardown()
		return err
	}
	o.wg.Add(1)
	go o.runControlLoop(runCtx, deliveries)

	o.wg.Add(2)
	go o.runCollection(runCtx, collector.KindTickers, o.cfg.Intervals.TickerInterval())
	go o.runCollection(runCtx, collector.KindFunding, o.cfg.Intervals.FundingInterval())

	o.wg.Add(1)
	go o.runReporter(runCtx, o.cfg.Performance.MetricsInterval())

	if o.cfg.Monitoring.EnableMetrics {
		o.metricsServer = metrics.NewServer(o.cfg.Monitoring.PrometheusPort, config.NewLogger("metrics"))
		if err := o.metricsServer.Start(); err != nil {
			o.teardown()
			return err
		}
	}

	log.Info().
		Strs("exchanges", o.cfg.Exchanges).
		Int("symbols", o.state.Len()).
		Str("environment", o.cfg.App.Environment).
		Msg("Orchestrator started")
	return nil
}

func (o *Orchestrator) transportConfig() transport.Config {
	mq := o.cfg.RabbitMQ
	return transport.Config{
		Host:             mq.Host,
		Port:             mq.Port,
		User:             mq.User,
		Password:         mq.Password,
		VHost:            mq.VHost,
		DataExchange:     mq.DataExchange,
		ControlQueue:     mq.ControlQueue,
		ResponseExchange: mq.ResponseExchange,
		ConnectAttempts:  mq.ConnectAttempts,
		ConnectBackoff:   time.Duration(mq.ConnectBackoffS) * time.Second,
	}
}

func (o *Orchestrator) buildCaches(ctx context.Context) error {
	if o.cfg.Cache.Backend == "redis" {
		r := o.cfg.Cache.Redis
		tc, err := cache.NewRedisCache(ctx, r.Addr(), r.Password, r.DB, o.cfg.App.Name+":tickers")
		if err != nil {
			return fmt.Errorf("failed to build ticker cache: %w", err)
		}
		fc, err := cache.NewRedisCache(ctx, r.Addr(), r.Password, r.DB, o.cfg.App.Name+":funding")
		if err != nil {
			_ = tc.Close()
			return fmt.Errorf("failed to build funding cache: %w", err)
		}
		o.tickerCache, o.fundingCache = tc, fc
		return nil
	}
	o.tickerCache = cache.NewMemoryCache(o.cfg.Cache.TickerTTL(), o.cfg.Cache.MaxSize)
	o.fundingCache = cache.NewMemoryCache(o.cfg.Cache.FundingTTLDuration(), o.cfg.Cache.MaxSize)
	return nil
}

func (o *Orchestrator) buildExchanges(ctx context.Context) error {
	for _, id := range o.cfg.Exchanges {
		tuning := o.cfg.Tuning(id)
		keys := o.cfg.APIKeys[id]

		adapter, err := exchange.Build(id, exchange.Config{
			Name:      id,
			APIKey:    keys.APIKey,
			Secret:    keys.Secret,
			Sandbox:   tuning.Sandbox,
			Timeout:   time.Duration(tuning.TimeoutS) * time.Second,
			RateLimit: tuning.RateLimit,
		})
		if err != nil {
			return fmt.Errorf("failed to build exchange %s: %w", id, err)
		}

		w := resilience.NewWrapper(adapter, tuning.WrapperConfig())

		initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := w.Initialize(initCtx); err != nil {
			log.Warn().Err(err).Str("exchange", id).Msg("Exchange initialization failed, starting degraded")
		}
		cancel()

		w.Start(ctx)
		o.wrappers = append(o.wrappers, w)
	}
	return nil
}

// runCollection runs one kind's round loop: an immediate first round,
// then one per cadence tick.
func (o *Orchestrator) runCollection(ctx context.Context, kind collector.Kind, interval time.Duration) {
	defer o.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.round(ctx, kind)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.round(ctx, kind)
		}
	}
}

func (o *Orchestrator) round(ctx context.Context, kind collector.Kind) {
	snap := o.coll.Collect(ctx, kind)
	if ctx.Err() != nil {
		return
	}
	metrics.CollectionRounds.WithLabelValues(string(kind)).Inc()
	if err := o.pub.Submit(snap); err != nil {
		log.Error().Err(err).Str("kind", string(kind)).Msg("Failed to submit snapshot")
	}
}

// runControlLoop feeds control-queue deliveries to the listener.
func (o *Orchestrator) runControlLoop(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer o.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			o.listener.Handle(ctx, d.Body)
			metrics.SymbolsTracked.Set(float64(o.state.Len()))
		}
	}
}

// runReporter logs periodic statistics and refreshes the state gauges.
func (o *Orchestrator) runReporter(ctx context.Context, interval time.Duration) {
	defer o.wg.Done()

	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.report()
		}
	}
}

func (o *Orchestrator) report() {
	for _, w := range o.wrappers {
		st := w.Status()
		metrics.CircuitBreakerState.WithLabelValues(st.Exchange).Set(metrics.BreakerStateValue(string(st.Breaker.State)))
		metrics.HealthState.WithLabelValues(st.Exchange).Set(metrics.HealthStateValue(string(st.Health.State)))
	}
	tstats := o.transport.Stats()
	pstats := o.pub.Stats()
	log.Info().
		Int64("published", tstats.Published).
		Int64("publish_failed", tstats.Failed).
		Int64("suppressed", pstats.Suppressed).
		Int("symbols", o.state.Len()).
		Float64("uptime_s", time.Since(o.startedAt).Seconds()).
		Msg("Periodic statistics")
}

// Statistics builds the get_statistics payload.
func (o *Orchestrator) Statistics() map[string]interface{} {
	success := make(map[string]int64, len(o.wrappers))
	errs := make(map[string]int64, len(o.wrappers))
	breakers := make(map[string]interface{}, len(o.wrappers))
	health := make(map[string]interface{}, len(o.wrappers))
	for _, w := range o.wrappers {
		st := w.Status()
		success[st.Exchange] = st.Successes
		errs[st.Exchange] = st.Errors
		breakers[st.Exchange] = map[string]interface{}{
			"state":    st.Breaker.State,
			"failures": st.Breaker.ConsecutiveFailures,
			"opens":    st.Breaker.Opens,
			"closes":   st.Breaker.Closes,
		}
		health[st.Exchange] = map[string]interface{}{
			"status":               st.Health.State,
			"consecutive_failures": st.Health.ConsecutiveFailures,
			"uptime_pct":           st.Health.UptimePct,
		}
	}

	var tstats transport.Stats
	var breakerState string
	if o.transport != nil {
		tstats = o.transport.Stats()
		breakerState = o.transport.BreakerState()
	}
	var pstats publisher.Stats
	if o.pub != nil {
		pstats = o.pub.Stats()
	}
	var tickerCache, fundingCache cache.Stats
	if o.tickerCache != nil {
		tickerCache = o.tickerCache.Stats()
	}
	if o.fundingCache != nil {
		fundingCache = o.fundingCache.Stats()
	}
	return map[string]interface{}{
		"exchange_success":      success,
		"exchange_errors":       errs,
		"rabbitmq_published":    tstats.Published,
		"rabbitmq_failed":       tstats.Failed,
		"snapshots_suppressed":  pstats.Suppressed,
		"batch":                 pstats.Batch,
		"circuit_breakers":      breakers,
		"health":                health,
		"symbols_tracked":       o.state.Len(),
		"ticker_cache":          tickerCache,
		"funding_cache":         fundingCache,
		"publish_breaker_state": breakerState,
		"uptime_s":              time.Since(o.startedAt).Seconds(),
	}
}

// Stop cancels the loops, waits up to the grace period, and tears down
// components in reverse construction order.
func (o *Orchestrator) Stop() {
	log.Info().Msg("Orchestrator stopping")
	if o.cancel != nil {
		o.cancel()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		log.Warn().Msg("Shutdown grace period elapsed, forcing teardown")
	}

	if o.pub != nil {
		o.pub.Stop() // drains the batch queue through the transport
	}
	o.teardown()
	log.Info().Msg("Orchestrator stopped")
}

// teardown releases resources in reverse order. Safe to call with a
// partially built orchestrator.
func (o *Orchestrator) teardown() {
	if o.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = o.metricsServer.Shutdown(ctx)
		cancel()
		o.metricsServer = nil
	}
	for i := len(o.wrappers) - 1; i >= 0; i-- {
		if err := o.wrappers[i].Close(); err != nil {
			log.Warn().Err(err).Str("exchange", o.wrappers[i].Name()).Msg("Adapter close failed")
		}
	}
	o.wrappers = nil
	if o.tickerCache != nil {
		_ = o.tickerCache.Close()
		o.tickerCache = nil
	}
	if o.fundingCache != nil {
		_ = o.fundingCache.Close()
		o.fundingCache = nil
	}
	if o.transport != nil {
		if err := o.transport.Close(); err != nil {
			log.Warn().Err(err).Msg("Transport close failed")
		}
		o.transport = nil
	}
	if o.cancel != nil {
		o.cancel()
	}
}
