package resilience

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Strategy selects the backoff curve between attempts.
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
	StrategyFibonacci   Strategy = "fibonacci"
	StrategyAdaptive    Strategy = "adaptive"
)

// RetryConfig configures the retry manager for one exchange.
type RetryConfig struct {
	MaxAttempts       int           `mapstructure:"max_attempts"`
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	Strategy          Strategy      `mapstructure:"strategy"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	Jitter            bool          `mapstructure:"jitter"`
}

// DefaultRetryConfig returns the default retry settings.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BaseDelay:         500 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		Strategy:          StrategyExponential,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// adaptiveWindow is the number of recent outcomes the adaptive strategy
// looks at before adjusting its envelope.
const adaptiveWindow = 20

// RetryManager executes operations with bounded, strategy-driven
// retries. Non-retryable failures (auth, unknown symbol, permanent
// vendor errors, open circuit, cancellation) end the loop immediately.
//
// The adaptive strategy keeps a sliding window of outcomes: above an
// 80% success rate it halves the working base delay and sheds one
// attempt; below 50% it doubles the delay and restores the full attempt
// budget. Both stay inside the configured envelope.
type RetryManager struct {
	name string
	cfg  RetryConfig

	mu        sync.Mutex
	baseDelay time.Duration // working value, adaptive only
	attempts  int           // working value, adaptive only
	window    []bool
	rng       *rand.Rand

	sleep func(context.Context, time.Duration) error // test hook
}

// NewRetryManager creates a retry manager named after its exchange.
func NewRetryManager(name string, cfg RetryConfig) *RetryManager {
	def := DefaultRetryConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = def.BackoffMultiplier
	}
	if cfg.Strategy == "" {
		cfg.Strategy = def.Strategy
	}
	return &RetryManager{
		name:      name,
		cfg:       cfg,
		baseDelay: cfg.BaseDelay,
		attempts:  cfg.MaxAttempts,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:     sleepCtx,
	}
}

// Run invokes fn until it succeeds, a non-retryable error occurs, the
// attempt budget runs out, or ctx ends.
func (r *RetryManager) Run(ctx context.Context, op string, fn func(context.Context) error) error {
	maxAttempts := r.maxAttempts()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			r.record(true)
			if attempt > 1 {
				log.Debug().
					Str("exchange", r.name).
					Str("op", op).
					Int("attempt", attempt).
					Msg("Succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if !retryable(ctx, err) {
			if !errors.Is(err, ErrCircuitOpen) && ctx.Err() == nil {
				r.record(false)
			}
			return err
		}
		r.record(false)

		if attempt == maxAttempts {
			break
		}

		delay := r.delayFor(attempt)
		log.Warn().
			Err(err).
			Str("exchange", r.name).
			Str("op", op).
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Dur("backoff", delay).
			Msg("Attempt failed, backing off")
		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}

// delayFor computes the backoff before attempt+1. attempt is 1-based.
func (r *RetryManager) delayFor(attempt int) time.Duration {
	r.mu.Lock()
	base := r.baseDelay
	r.mu.Unlock()

	var d time.Duration
	switch r.cfg.Strategy {
	case StrategyFixed:
		d = base
	case StrategyLinear:
		d = base * time.Duration(attempt)
	case StrategyFibonacci:
		d = base * time.Duration(fib(attempt))
	case StrategyExponential, StrategyAdaptive:
		d = base
		for i := 1; i < attempt; i++ {
			d = time.Duration(float64(d) * r.cfg.BackoffMultiplier)
		}
	default:
		d = base
	}
	if d > r.cfg.MaxDelay {
		d = r.cfg.MaxDelay
	}
	if r.cfg.Jitter {
		d = r.jitter(d)
	}
	return d
}

// jitter spreads the delay by ±25%, never below zero.
func (r *RetryManager) jitter(d time.Duration) time.Duration {
	r.mu.Lock()
	f := 0.75 + r.rng.Float64()*0.5
	r.mu.Unlock()
	return time.Duration(float64(d) * f)
}

func (r *RetryManager) maxAttempts() int {
	if r.cfg.Strategy != StrategyAdaptive {
		return r.cfg.MaxAttempts
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// record feeds the adaptive window. Other strategies ignore outcomes.
func (r *RetryManager) record(success bool) {
	if r.cfg.Strategy != StrategyAdaptive {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.window = append(r.window, success)
	if len(r.window) > adaptiveWindow {
		r.window = r.window[1:]
	}
	if len(r.window) < adaptiveWindow/2 {
		return
	}

	ok := 0
	for _, s := range r.window {
		if s {
			ok++
		}
	}
	rate := float64(ok) / float64(len(r.window))

	switch {
	case rate > 0.8:
		r.baseDelay = maxDur(r.cfg.BaseDelay/2, r.baseDelay/2)
		if r.attempts > 1 {
			r.attempts--
		}
	case rate < 0.5:
		r.baseDelay = minDur(r.cfg.MaxDelay, r.baseDelay*2)
		if r.attempts < r.cfg.MaxAttempts {
			r.attempts = r.cfg.MaxAttempts
		}
	}
}

// Snapshot returns the working adaptive parameters, for statistics.
func (r *RetryManager) Snapshot() (baseDelay time.Duration, attempts int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.baseDelay, r.attempts
}

func fib(n int) int64 {
	a, b := int64(1), int64(1)
	for i := 2; i <= n; i++ {
		a, b = b, a+b
	}
	return a
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func maxDur(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
