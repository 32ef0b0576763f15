package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfeed/marketpulse/internal/resilience"
)

func TestLoadDefaults(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err, "explicit path must exist")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "marketpulse", cfg.App.Name)
	assert.Equal(t, "development", cfg.App.Environment)
	assert.Equal(t, []string{"binance", "bybit", "bitget", "htx", "gateio"}, cfg.Exchanges)
	assert.Equal(t, 10*time.Second, cfg.Intervals.TickerInterval())
	assert.Equal(t, time.Minute, cfg.Intervals.FundingInterval())
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, "hybrid", cfg.Batch.Strategy)
	assert.Equal(t, 5672, cfg.RabbitMQ.Port)
	assert.Equal(t, "marketpulse.data", cfg.RabbitMQ.DataExchange)
	assert.True(t, cfg.Monitoring.EnableMetrics)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
app:
  environment: production
exchanges: [binance, bybit]
symbols: ["BTC/USDT:USDT", "ETH/USDT:USDT"]
intervals:
  ticker_s: 5
  funding_rate_s: 120
cache:
  backend: redis
  ticker_ttl_s: 3
batch:
  strategy: size_based
  max_size: 20
rabbitmq:
  host: broker.internal
exchange_configs:
  binance:
    timeout_s: 15
    rate_limit: 10
    retry:
      max_attempts: 5
      strategy: fibonacci
    circuit_breaker:
      failure_threshold: 7
      recovery_timeout_s: 60
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.App.Environment)
	assert.Equal(t, []string{"binance", "bybit"}, cfg.Exchanges)
	assert.Len(t, cfg.Symbols, 2)
	assert.Equal(t, 5*time.Second, cfg.Intervals.TickerInterval())
	assert.Equal(t, "redis", cfg.Cache.Backend)
	assert.Equal(t, 3*time.Second, cfg.Cache.TickerTTL())
	assert.Equal(t, 20, cfg.Batch.MaxSize)
	assert.Equal(t, "broker.internal", cfg.RabbitMQ.Host)

	tuning := cfg.Tuning("binance")
	assert.Equal(t, 15, tuning.TimeoutS)
	assert.Equal(t, float64(10), tuning.RateLimit)
	assert.Equal(t, 5, tuning.Retry.MaxAttempts)
	assert.Equal(t, 7, tuning.CircuitBreaker.FailureThreshold)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("MARKETPULSE_RABBITMQ__HOST", "rabbit.prod")
	t.Setenv("MARKETPULSE_CACHE__BACKEND", "redis")
	t.Setenv("MARKETPULSE_INTERVALS__TICKER_S", "30")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "rabbit.prod", cfg.RabbitMQ.Host)
	assert.Equal(t, "redis", cfg.Cache.Backend)
	assert.Equal(t, 30, cfg.Intervals.TickerS)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad environment", func(c *Config) { c.App.Environment = "qa" }, "invalid environment"},
		{"no exchanges", func(c *Config) { c.Exchanges = nil }, "at least one exchange"},
		{"unknown exchange", func(c *Config) { c.Exchanges = []string{"mtgox"} }, "unsupported exchange"},
		{"duplicate exchange", func(c *Config) { c.Exchanges = []string{"binance", "binance"} }, "listed twice"},
		{"bad symbol", func(c *Config) { c.Symbols = []string{"BTCUSDT"} }, "malformed symbol"},
		{"zero ticker interval", func(c *Config) { c.Intervals.TickerS = 0 }, "ticker_s"},
		{"bad cache backend", func(c *Config) { c.Cache.Backend = "memcached" }, "cache.backend"},
		{"bad batch strategy", func(c *Config) { c.Batch.Strategy = "eager" }, "batch.strategy"},
		{"zero batch size", func(c *Config) { c.Batch.MaxSize = 0 }, "batch.max_size"},
		{"empty broker host", func(c *Config) { c.RabbitMQ.Host = "" }, "rabbitmq.host"},
		{"bad broker port", func(c *Config) { c.RabbitMQ.Port = 70000 }, "rabbitmq.port"},
		{"bad retry strategy", func(c *Config) {
			c.ExchangeConfigs = map[string]ExchangeTuning{
				"binance": {Retry: RetryConfig{Strategy: "random"}},
			}
		}, "invalid retry strategy"},
		{"tuning for unknown exchange", func(c *Config) {
			c.ExchangeConfigs = map[string]ExchangeTuning{"mtgox": {}}
		}, "unsupported exchange"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"no log output", func(c *Config) { c.Logging.Console = false; c.Logging.FilePath = "" }, "console output"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestWrapperConfigConversion(t *testing.T) {
	tuning := ExchangeTuning{
		TimeoutS: 20,
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold:    7,
			RecoveryTimeoutS:    45,
			BackoffMultiplier:   3,
			MaxRecoveryTimeoutS: 600,
		},
		Retry: RetryConfig{
			MaxAttempts: 5,
			BaseDelayS:  0.25,
			Strategy:    "fibonacci",
			Jitter:      boolPtr(true),
		},
		HealthCheck: HealthCheckConfig{
			CheckIntervalS:  10,
			AdaptiveScaling: boolPtr(true),
		},
	}

	cfg := tuning.WrapperConfig()
	assert.Equal(t, 20*time.Second, cfg.Timeout)
	assert.Equal(t, 7, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 45*time.Second, cfg.Breaker.RecoveryTimeout)
	assert.Equal(t, 3.0, cfg.Breaker.BackoffMultiplier)
	assert.Equal(t, 10*time.Minute, cfg.Breaker.MaxRecoveryTimeout)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, resilience.StrategyFibonacci, cfg.Retry.Strategy)
	assert.True(t, cfg.Retry.Jitter)
	assert.Equal(t, 10*time.Second, cfg.Health.CheckInterval)
	assert.True(t, cfg.Health.AdaptiveScaling)

	// Unset fields fall back to package defaults.
	defaults := ExchangeTuning{}.WrapperConfig()
	assert.Equal(t, resilience.DefaultWrapperConfig().Breaker.FailureThreshold, defaults.Breaker.FailureThreshold)
	assert.Equal(t, resilience.DefaultWrapperConfig().Timeout, defaults.Timeout)
}

func boolPtr(b bool) *bool { return &b }

func TestWrapperConfigOmittedBoolsKeepDefaults(t *testing.T) {
	tuning := ExchangeTuning{Retry: RetryConfig{MaxAttempts: 5}}

	cfg := tuning.WrapperConfig()
	assert.True(t, cfg.Retry.Jitter, "omitted jitter keeps the default")
	assert.True(t, cfg.Health.AdaptiveScaling, "omitted adaptive_scaling keeps the default")

	tuning.Retry.Jitter = boolPtr(false)
	tuning.HealthCheck.AdaptiveScaling = boolPtr(false)
	cfg = tuning.WrapperConfig()
	assert.False(t, cfg.Retry.Jitter, "explicit false wins")
	assert.False(t, cfg.Health.AdaptiveScaling)
}
