package config

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/quantfeed/marketpulse/internal/exchange"
)

var validEnvironments = map[string]bool{
	"development": true,
	"staging":     true,
	"production":  true,
	"test":        true,
}

var validBatchStrategies = map[string]bool{
	"size_based": true,
	"time_based": true,
	"hybrid":     true,
}

var validRetryStrategies = map[string]bool{
	"fixed":       true,
	"linear":      true,
	"exponential": true,
	"fibonacci":   true,
	"adaptive":    true,
}

var validCacheBackends = map[string]bool{
	"memory": true,
	"redis":  true,
}

// Validate checks the whole configuration and returns the first
// problem found. Called during Load; a failure is fatal at startup.
func (c *Config) Validate() error {
	if !validEnvironments[c.App.Environment] {
		return fmt.Errorf("invalid environment %q (want development, staging, production or test)", c.App.Environment)
	}

	if len(c.Exchanges) == 0 {
		return fmt.Errorf("at least one exchange must be configured")
	}
	supported := make(map[string]bool)
	for _, name := range exchange.Supported() {
		supported[name] = true
	}
	seen := make(map[string]bool)
	for _, id := range c.Exchanges {
		if !supported[id] {
			return fmt.Errorf("unsupported exchange %q (supported: %s)", id, strings.Join(exchange.Supported(), ", "))
		}
		if seen[id] {
			return fmt.Errorf("exchange %q listed twice", id)
		}
		seen[id] = true
	}

	for _, sym := range c.Symbols {
		if !exchange.ValidSymbol(sym) {
			return fmt.Errorf("malformed symbol %q in initial symbol set", sym)
		}
	}

	if c.Intervals.TickerS <= 0 {
		return fmt.Errorf("intervals.ticker_s must be positive, got %d", c.Intervals.TickerS)
	}
	if c.Intervals.FundingRateS <= 0 {
		return fmt.Errorf("intervals.funding_rate_s must be positive, got %d", c.Intervals.FundingRateS)
	}

	if !validCacheBackends[c.Cache.Backend] {
		return fmt.Errorf("invalid cache.backend %q (want memory or redis)", c.Cache.Backend)
	}
	if c.Cache.TickerTTLS <= 0 || c.Cache.FundingTTL <= 0 {
		return fmt.Errorf("cache TTLs must be positive")
	}

	if !validBatchStrategies[c.Batch.Strategy] {
		return fmt.Errorf("invalid batch.strategy %q (want size_based, time_based or hybrid)", c.Batch.Strategy)
	}
	if c.Batch.MaxSize <= 0 {
		return fmt.Errorf("batch.max_size must be positive, got %d", c.Batch.MaxSize)
	}
	if c.Batch.MaxWaitS <= 0 {
		return fmt.Errorf("batch.max_wait_time_s must be positive, got %d", c.Batch.MaxWaitS)
	}
	if c.Batch.MaxRetries < 0 {
		return fmt.Errorf("batch.max_retries must not be negative, got %d", c.Batch.MaxRetries)
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq.host must be set")
	}
	if c.RabbitMQ.Port <= 0 || c.RabbitMQ.Port > 65535 {
		return fmt.Errorf("rabbitmq.port out of range: %d", c.RabbitMQ.Port)
	}
	for key, name := range map[string]string{
		c.RabbitMQ.DataExchange:     "rabbitmq.data_exchange",
		c.RabbitMQ.ControlQueue:     "rabbitmq.control_queue",
		c.RabbitMQ.ResponseExchange: "rabbitmq.response_exchange",
	} {
		if key == "" {
			return fmt.Errorf("%s must be set", name)
		}
	}

	for id, tuning := range c.ExchangeConfigs {
		if !supported[id] {
			return fmt.Errorf("exchange_configs names unsupported exchange %q", id)
		}
		if s := tuning.Retry.Strategy; s != "" && !validRetryStrategies[s] {
			return fmt.Errorf("exchange_configs.%s: invalid retry strategy %q", id, s)
		}
		if tuning.RateLimit < 0 {
			return fmt.Errorf("exchange_configs.%s: rate_limit must not be negative", id)
		}
		if cb := tuning.CircuitBreaker; cb.BackoffMultiplier != 0 && cb.BackoffMultiplier < 1 {
			return fmt.Errorf("exchange_configs.%s: circuit_breaker.backoff_multiplier must be >= 1", id)
		}
	}

	if _, err := zerolog.ParseLevel(strings.ToLower(c.Logging.Level)); err != nil {
		return fmt.Errorf("invalid logging.level %q: %w", c.Logging.Level, err)
	}
	if c.Logging.FilePath == "" && !c.Logging.Console {
		return fmt.Errorf("logging must enable console output or set a file path")
	}

	if c.Monitoring.EnableMetrics && (c.Monitoring.PrometheusPort <= 0 || c.Monitoring.PrometheusPort > 65535) {
		return fmt.Errorf("monitoring.prometheus_port out of range: %d", c.Monitoring.PrometheusPort)
	}

	return nil
}
