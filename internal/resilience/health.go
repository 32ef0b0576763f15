package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfeed/marketpulse/internal/exchange"
)

// HealthState is the probe-driven health of one exchange.
type HealthState string

const (
	HealthUnknown   HealthState = "unknown"
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// HealthConfig configures the background health prober.
type HealthConfig struct {
	CheckInterval     time.Duration `mapstructure:"check_interval"`
	Timeout           time.Duration `mapstructure:"timeout"`
	FailureThreshold  int           `mapstructure:"failure_threshold"`
	RecoveryThreshold int           `mapstructure:"recovery_threshold"`
	AdaptiveScaling   bool          `mapstructure:"adaptive_scaling"`
	MinCheckInterval  time.Duration `mapstructure:"min_check_interval"`
	MaxCheckInterval  time.Duration `mapstructure:"max_check_interval"`
}

// DefaultHealthConfig returns the default prober settings.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		CheckInterval:     30 * time.Second,
		Timeout:           5 * time.Second,
		FailureThreshold:  3,
		RecoveryThreshold: 2,
		AdaptiveScaling:   true,
		MinCheckInterval:  5 * time.Second,
		MaxCheckInterval:  2 * time.Minute,
	}
}

// HealthStatus is a read-only snapshot of prober state.
type HealthStatus struct {
	State               HealthState `json:"status"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	UptimePct           float64     `json:"uptime_pct"`
	LastCheck           time.Time   `json:"last_check,omitempty"`
	CheckInterval       string      `json:"check_interval"`
}

// Prober runs adapter.Probe on a cadence and maintains the health state
// machine. With adaptive scaling on, a failure halves the interval down
// to MinCheckInterval and sustained success stretches it back toward
// MaxCheckInterval.
type Prober struct {
	name    string
	cfg     HealthConfig
	adapter exchange.Adapter

	mu        sync.Mutex
	state     HealthState
	interval  time.Duration
	failures  int // consecutive
	successes int // consecutive
	checks    int64
	healthy   int64
	lastCheck time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewProber creates a prober in the Unknown state. Start launches the
// background loop.
func NewProber(name string, adapter exchange.Adapter, cfg HealthConfig) *Prober {
	def := DefaultHealthConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.RecoveryThreshold <= 0 {
		cfg.RecoveryThreshold = def.RecoveryThreshold
	}
	if cfg.MinCheckInterval <= 0 {
		cfg.MinCheckInterval = def.MinCheckInterval
	}
	if cfg.MaxCheckInterval < cfg.CheckInterval {
		cfg.MaxCheckInterval = def.MaxCheckInterval
	}
	return &Prober{
		name:     name,
		cfg:      cfg,
		adapter:  adapter,
		state:    HealthUnknown,
		interval: cfg.CheckInterval,
	}
}

// Start launches the probe loop. Stop must be called exactly once after
// a successful Start.
func (p *Prober) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		// First probe immediately so the collector does not wait a full
		// interval for the state to leave Unknown.
		p.check(ctx)
		for {
			p.mu.Lock()
			interval := p.interval
			p.mu.Unlock()

			t := time.NewTimer(interval)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
				p.check(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for it to exit.
func (p *Prober) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
}

// check runs one probe and advances the state machine.
func (p *Prober) check(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	err := p.adapter.Probe(probeCtx)
	cancel()

	if ctx.Err() != nil {
		return // shutdown, not a verdict
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.checks++
	p.lastCheck = time.Now()

	if err == nil {
		p.healthy++
		p.successes++
		p.failures = 0
		if p.state == HealthHealthy || p.successes >= p.cfg.RecoveryThreshold {
			p.setState(HealthHealthy)
		}
		if p.cfg.AdaptiveScaling && p.successes >= p.cfg.RecoveryThreshold {
			p.interval = minDur(p.cfg.MaxCheckInterval, time.Duration(float64(p.interval)*1.5))
		}
		return
	}

	p.successes = 0
	p.failures++
	log.Warn().
		Err(err).
		Str("exchange", p.name).
		Int("consecutive_failures", p.failures).
		Msg("Health probe failed")

	if p.failures >= p.cfg.FailureThreshold {
		p.setState(HealthUnhealthy)
	} else if p.state == HealthHealthy || p.state == HealthUnknown {
		p.setState(HealthDegraded)
	}
	if p.cfg.AdaptiveScaling {
		p.interval = maxDur(p.cfg.MinCheckInterval, p.interval/2)
	}
}

// setState logs transitions. Caller holds the lock.
func (p *Prober) setState(s HealthState) {
	if p.state == s {
		return
	}
	log.Info().
		Str("exchange", p.name).
		Str("from", string(p.state)).
		Str("to", string(s)).
		Msg("Health state change")
	p.state = s
}

// State returns the current health state.
func (p *Prober) State() HealthState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Status returns a snapshot for statistics reporting.
func (p *Prober) Status() HealthStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	uptime := 0.0
	if p.checks > 0 {
		uptime = float64(p.healthy) / float64(p.checks) * 100
	}
	return HealthStatus{
		State:               p.state,
		ConsecutiveFailures: p.failures,
		UptimePct:           uptime,
		LastCheck:           p.lastCheck,
		CheckInterval:       p.interval.String(),
	}
}
