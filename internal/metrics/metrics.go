// Package metrics declares the Prometheus instruments and the HTTP
// server that exposes them. Label sets are bounded: exchange ids and
// kinds come from configuration, commands from the closed control set.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketpulse_fetches_total",
		Help: "Exchange fetches by exchange, kind and result",
	}, []string{"exchange", "kind", "result"})

	FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "marketpulse_fetch_duration_seconds",
		Help:    "Exchange fetch latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"exchange", "kind"})

	CollectionRounds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketpulse_collection_rounds_total",
		Help: "Completed collection rounds by kind",
	}, []string{"kind"})

	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketpulse_cache_hits_total",
		Help: "Collection cache hits by kind",
	}, []string{"kind"})

	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketpulse_cache_misses_total",
		Help: "Collection cache misses by kind",
	}, []string{"kind"})

	SnapshotsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketpulse_snapshots_published_total",
		Help: "Snapshots published to the data exchange by kind",
	}, []string{"kind"})

	SnapshotsSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketpulse_snapshots_suppressed_total",
		Help: "Snapshots suppressed as unchanged by kind",
	}, []string{"kind"})

	PublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketpulse_publish_failures_total",
		Help: "Failed AMQP publishes",
	})

	DeadLetteredItems = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketpulse_dead_lettered_items_total",
		Help: "Batch items dropped after exhausting retries",
	})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "marketpulse_circuit_breaker_state",
		Help: "Circuit breaker state per exchange (0=closed, 1=half_open, 2=open)",
	}, []string{"exchange"})

	HealthState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "marketpulse_health_state",
		Help: "Health probe state per exchange (0=unknown, 1=healthy, 2=degraded, 3=unhealthy)",
	}, []string{"exchange"})

	SymbolsTracked = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketpulse_symbols_tracked",
		Help: "Size of the working symbol set",
	})

	ControlCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketpulse_control_commands_total",
		Help: "Control commands processed by command and result",
	}, []string{"command", "result"})
)

// BreakerStateValue maps a breaker state name to its gauge value.
func BreakerStateValue(state string) float64 {
	switch state {
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

// HealthStateValue maps a health state name to its gauge value.
func HealthStateValue(state string) float64 {
	switch state {
	case "healthy":
		return 1
	case "degraded":
		return 2
	case "unhealthy":
		return 3
	default:
		return 0
	}
}
