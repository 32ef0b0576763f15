// Package config loads and validates the application configuration
// from YAML and environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/quantfeed/marketpulse/internal/resilience"
)

// Config holds all application configuration.
type Config struct {
	App             AppConfig                 `mapstructure:"app"`
	Exchanges       []string                  `mapstructure:"exchanges"`
	APIKeys         map[string]APIKeyConfig   `mapstructure:"api_keys"`
	Symbols         []string                  `mapstructure:"symbols"`
	Intervals       IntervalsConfig           `mapstructure:"intervals"`
	Cache           CacheConfig               `mapstructure:"cache"`
	Batch           BatchConfig               `mapstructure:"batch"`
	RabbitMQ        RabbitMQConfig            `mapstructure:"rabbitmq"`
	ExchangeConfigs map[string]ExchangeTuning `mapstructure:"exchange_configs"`
	Performance     PerformanceConfig         `mapstructure:"performance"`
	Monitoring      MonitoringConfig          `mapstructure:"monitoring"`
	Logging         LoggingConfig             `mapstructure:"logging"`
}

// AppConfig contains application-level settings.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
}

// APIKeyConfig carries one exchange's credentials. All fields are
// optional; public market data needs none.
type APIKeyConfig struct {
	APIKey string `mapstructure:"api_key"`
	Secret string `mapstructure:"secret"`
}

// IntervalsConfig sets collection cadences, in seconds.
type IntervalsConfig struct {
	TickerS      int `mapstructure:"ticker_s"`
	FundingRateS int `mapstructure:"funding_rate_s"`
}

// TickerInterval returns the ticker cadence.
func (c *IntervalsConfig) TickerInterval() time.Duration {
	return time.Duration(c.TickerS) * time.Second
}

// FundingInterval returns the funding-rate cadence.
func (c *IntervalsConfig) FundingInterval() time.Duration {
	return time.Duration(c.FundingRateS) * time.Second
}

// CacheConfig selects the cache backend and per-kind TTLs.
type CacheConfig struct {
	Backend    string      `mapstructure:"backend"` // "memory" or "redis"
	TickerTTLS int         `mapstructure:"ticker_ttl_s"`
	FundingTTL int         `mapstructure:"funding_ttl_s"`
	MaxSize    int         `mapstructure:"max_size"`
	Redis      RedisConfig `mapstructure:"redis"`
}

// TickerTTL returns the ticker cache TTL.
func (c *CacheConfig) TickerTTL() time.Duration {
	return time.Duration(c.TickerTTLS) * time.Second
}

// FundingTTLDuration returns the funding cache TTL.
func (c *CacheConfig) FundingTTLDuration() time.Duration {
	return time.Duration(c.FundingTTL) * time.Second
}

// RedisConfig locates the shared Redis cache.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns host:port.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// BatchConfig controls the publisher's batch processor.
type BatchConfig struct {
	MaxSize     int    `mapstructure:"max_size"`
	MaxWaitS    int    `mapstructure:"max_wait_time_s"`
	Strategy    string `mapstructure:"strategy"` // size_based, time_based, hybrid
	MaxRetries  int    `mapstructure:"max_retries"`
	Compression bool   `mapstructure:"compression"`
}

// MaxWait returns the flush interval.
func (c *BatchConfig) MaxWait() time.Duration {
	return time.Duration(c.MaxWaitS) * time.Second
}

// RabbitMQConfig locates the broker and names the declared topology.
type RabbitMQConfig struct {
	Host             string `mapstructure:"host"`
	Port             int    `mapstructure:"port"`
	User             string `mapstructure:"user"`
	Password         string `mapstructure:"password"`
	VHost            string `mapstructure:"vhost"`
	DataExchange     string `mapstructure:"data_exchange"`
	ControlQueue     string `mapstructure:"control_queue"`
	ResponseExchange string `mapstructure:"response_exchange"`
	ConnectAttempts  int    `mapstructure:"connect_attempts"`
	ConnectBackoffS  int    `mapstructure:"connect_backoff_s"`
}

// ExchangeTuning is the per-exchange resilience configuration.
type ExchangeTuning struct {
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Retry          RetryConfig          `mapstructure:"retry"`
	HealthCheck    HealthCheckConfig    `mapstructure:"health_check"`
	RateLimit      float64              `mapstructure:"rate_limit"` // requests per second
	TimeoutS       int                  `mapstructure:"timeout_s"`
	Sandbox        bool                 `mapstructure:"sandbox"`
}

// CircuitBreakerConfig mirrors resilience.BreakerConfig in seconds.
type CircuitBreakerConfig struct {
	FailureThreshold    int     `mapstructure:"failure_threshold"`
	RecoveryTimeoutS    int     `mapstructure:"recovery_timeout_s"`
	SuccessThreshold    int     `mapstructure:"success_threshold"`
	MaxFailureThreshold int     `mapstructure:"max_failure_threshold"`
	BackoffMultiplier   float64 `mapstructure:"backoff_multiplier"`
	MaxRecoveryTimeoutS int     `mapstructure:"max_recovery_timeout_s"`
}

// RetryConfig mirrors resilience.RetryConfig in seconds.
type RetryConfig struct {
	MaxAttempts       int     `mapstructure:"max_attempts"`
	BaseDelayS        float64 `mapstructure:"base_delay_s"`
	MaxDelayS         float64 `mapstructure:"max_delay_s"`
	Strategy          string  `mapstructure:"strategy"`
	BackoffMultiplier float64 `mapstructure:"backoff_multiplier"`
	// Pointer so an omitted key keeps the package default (on).
	Jitter *bool `mapstructure:"jitter"`
}

// HealthCheckConfig mirrors resilience.HealthConfig in seconds.
type HealthCheckConfig struct {
	CheckIntervalS    int  `mapstructure:"check_interval_s"`
	TimeoutS          int  `mapstructure:"timeout_s"`
	FailureThreshold  int  `mapstructure:"failure_threshold"`
	RecoveryThreshold int `mapstructure:"recovery_threshold"`
	// Pointer so an omitted key keeps the package default (on).
	AdaptiveScaling *bool `mapstructure:"adaptive_scaling"`
}

// PerformanceConfig contains reporting and resource settings.
type PerformanceConfig struct {
	MetricsIntervalS int `mapstructure:"metrics_interval_s"`
	MaxMemoryMB      int `mapstructure:"max_memory_mb"`
}

// MetricsInterval returns the periodic statistics cadence.
func (c *PerformanceConfig) MetricsInterval() time.Duration {
	return time.Duration(c.MetricsIntervalS) * time.Second
}

// MonitoringConfig contains Prometheus settings.
type MonitoringConfig struct {
	PrometheusPort int  `mapstructure:"prometheus_port"`
	EnableMetrics  bool `mapstructure:"enable_metrics"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level         string `mapstructure:"level"`
	FilePath      string `mapstructure:"file_path"`
	Console       bool   `mapstructure:"console"`
	MaxFileSizeMB int    `mapstructure:"max_file_size_mb"`
	BackupCount   int    `mapstructure:"backup_count"`
}

// Load reads configuration from file and environment variables.
// Environment overrides use the MARKETPULSE_ prefix with __ separating
// nested keys, e.g. MARKETPULSE_RABBITMQ__HOST.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("MARKETPULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; defaults and environment only.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "marketpulse")
	v.SetDefault("app.environment", "development")

	v.SetDefault("exchanges", []string{"binance", "bybit", "bitget", "htx", "gateio"})
	v.SetDefault("symbols", []string{})

	v.SetDefault("intervals.ticker_s", 10)
	v.SetDefault("intervals.funding_rate_s", 60)

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.ticker_ttl_s", 5)
	v.SetDefault("cache.funding_ttl_s", 30)
	v.SetDefault("cache.max_size", 1000)
	v.SetDefault("cache.redis.host", "localhost")
	v.SetDefault("cache.redis.port", 6379)
	v.SetDefault("cache.redis.db", 0)

	v.SetDefault("batch.max_size", 10)
	v.SetDefault("batch.max_wait_time_s", 5)
	v.SetDefault("batch.strategy", "hybrid")
	v.SetDefault("batch.max_retries", 3)
	v.SetDefault("batch.compression", false)

	v.SetDefault("rabbitmq.host", "localhost")
	v.SetDefault("rabbitmq.port", 5672)
	v.SetDefault("rabbitmq.user", "guest")
	v.SetDefault("rabbitmq.password", "guest")
	v.SetDefault("rabbitmq.vhost", "/")
	v.SetDefault("rabbitmq.data_exchange", "marketpulse.data")
	v.SetDefault("rabbitmq.control_queue", "marketpulse.control")
	v.SetDefault("rabbitmq.response_exchange", "marketpulse.responses")
	v.SetDefault("rabbitmq.connect_attempts", 5)
	v.SetDefault("rabbitmq.connect_backoff_s", 2)

	v.SetDefault("performance.metrics_interval_s", 60)
	v.SetDefault("performance.max_memory_mb", 512)

	v.SetDefault("monitoring.prometheus_port", 9100)
	v.SetDefault("monitoring.enable_metrics", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.max_file_size_mb", 100)
	v.SetDefault("logging.backup_count", 3)
}

// Tuning returns the resilience tuning for an exchange, falling back to
// an empty struct (all defaults) when none is configured.
func (c *Config) Tuning(exchange string) ExchangeTuning {
	if t, ok := c.ExchangeConfigs[exchange]; ok {
		return t
	}
	return ExchangeTuning{}
}

// WrapperConfig converts an exchange's tuning into the resilience
// wrapper configuration, applying package defaults for unset fields.
func (t ExchangeTuning) WrapperConfig() resilience.WrapperConfig {
	cfg := resilience.DefaultWrapperConfig()

	if t.TimeoutS > 0 {
		cfg.Timeout = time.Duration(t.TimeoutS) * time.Second
	}

	cb := t.CircuitBreaker
	if cb.FailureThreshold > 0 {
		cfg.Breaker.FailureThreshold = cb.FailureThreshold
	}
	if cb.RecoveryTimeoutS > 0 {
		cfg.Breaker.RecoveryTimeout = time.Duration(cb.RecoveryTimeoutS) * time.Second
	}
	if cb.SuccessThreshold > 0 {
		cfg.Breaker.SuccessThreshold = cb.SuccessThreshold
	}
	if cb.MaxFailureThreshold > 0 {
		cfg.Breaker.MaxFailureThreshold = cb.MaxFailureThreshold
	}
	if cb.BackoffMultiplier > 0 {
		cfg.Breaker.BackoffMultiplier = cb.BackoffMultiplier
	}
	if cb.MaxRecoveryTimeoutS > 0 {
		cfg.Breaker.MaxRecoveryTimeout = time.Duration(cb.MaxRecoveryTimeoutS) * time.Second
	}

	r := t.Retry
	if r.MaxAttempts > 0 {
		cfg.Retry.MaxAttempts = r.MaxAttempts
	}
	if r.BaseDelayS > 0 {
		cfg.Retry.BaseDelay = time.Duration(r.BaseDelayS * float64(time.Second))
	}
	if r.MaxDelayS > 0 {
		cfg.Retry.MaxDelay = time.Duration(r.MaxDelayS * float64(time.Second))
	}
	if r.Strategy != "" {
		cfg.Retry.Strategy = resilience.Strategy(r.Strategy)
	}
	if r.BackoffMultiplier > 0 {
		cfg.Retry.BackoffMultiplier = r.BackoffMultiplier
	}
	if r.Jitter != nil {
		cfg.Retry.Jitter = *r.Jitter
	}

	h := t.HealthCheck
	if h.CheckIntervalS > 0 {
		cfg.Health.CheckInterval = time.Duration(h.CheckIntervalS) * time.Second
	}
	if h.TimeoutS > 0 {
		cfg.Health.Timeout = time.Duration(h.TimeoutS) * time.Second
	}
	if h.FailureThreshold > 0 {
		cfg.Health.FailureThreshold = h.FailureThreshold
	}
	if h.RecoveryThreshold > 0 {
		cfg.Health.RecoveryThreshold = h.RecoveryThreshold
	}
	if h.AdaptiveScaling != nil {
		cfg.Health.AdaptiveScaling = *h.AdaptiveScaling
	}

	return cfg
}
