package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfeed/marketpulse/internal/exchange"
)

// ErrCircuitOpen is returned without invoking the adapter while the
// breaker is open. The retry manager treats it as terminal.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// BreakerConfig configures one adaptive circuit breaker.
//
// On repeated open cycles the recovery timeout grows by
// BackoffMultiplier (capped at MaxRecoveryTimeout) and the failure
// threshold grows by one (capped at MaxFailureThreshold). A clean close
// out of half-open resets both to their configured values.
type BreakerConfig struct {
	FailureThreshold    int           `mapstructure:"failure_threshold"`
	RecoveryTimeout     time.Duration `mapstructure:"recovery_timeout"`
	SuccessThreshold    int           `mapstructure:"success_threshold"`
	MaxFailureThreshold int           `mapstructure:"max_failure_threshold"`
	BackoffMultiplier   float64       `mapstructure:"backoff_multiplier"`
	MaxRecoveryTimeout  time.Duration `mapstructure:"max_recovery_timeout"`

	// OnStateChange, when set, is invoked after every transition with
	// the breaker lock released.
	OnStateChange func(name string, from, to State) `mapstructure:"-"`
}

// DefaultBreakerConfig returns the default breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:    5,
		RecoveryTimeout:     30 * time.Second,
		SuccessThreshold:    2,
		MaxFailureThreshold: 10,
		BackoffMultiplier:   2.0,
		MaxRecoveryTimeout:  10 * time.Minute,
	}
}

// BreakerStatus is a consistent read-only snapshot of breaker state.
type BreakerStatus struct {
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"failures"`
	FailureThreshold    int       `json:"failure_threshold"`
	RecoveryTimeout     string    `json:"recovery_timeout"`
	Opens               int64     `json:"opens"`
	Closes              int64     `json:"closes"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
	LastSuccess         time.Time `json:"last_success,omitempty"`
}

// Breaker is a consecutive-failure circuit breaker with adaptive
// recovery. All mutation happens under one mutex; Execute releases it
// around the wrapped call.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu sync.Mutex
	// adapted parameters, reset to cfg values on clean close
	failureThreshold int
	recoveryTimeout  time.Duration

	state       State
	failures    int // consecutive failures in Closed
	halfOpenOK  int // consecutive successes in HalfOpen
	openedAt    time.Time
	opens       int64
	closes      int64
	lastFailure time.Time
	lastSuccess time.Time

	now func() time.Time // test hook
}

// NewBreaker creates a closed breaker named after its exchange.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.MaxFailureThreshold < cfg.FailureThreshold {
		cfg.MaxFailureThreshold = cfg.FailureThreshold
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = def.BackoffMultiplier
	}
	if cfg.MaxRecoveryTimeout < cfg.RecoveryTimeout {
		cfg.MaxRecoveryTimeout = def.MaxRecoveryTimeout
	}
	return &Breaker{
		name:             name,
		cfg:              cfg,
		failureThreshold: cfg.FailureThreshold,
		recoveryTimeout:  cfg.RecoveryTimeout,
		state:            StateClosed,
		now:              time.Now,
	}
}

// Execute runs fn under the breaker. While open, fn is not invoked and
// ErrCircuitOpen is returned. Context cancellation observed in fn's
// error is passed through without counting as success or failure.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.before(); err != nil {
		return err
	}

	err := fn(ctx)

	if err != nil && ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		// Shutdown or round-deadline cancellation: not the venue's fault.
		// Per-attempt timeouts arrive as exchange timeout errors with the
		// parent context still live, and those do count.
		return err
	}
	b.after(err)
	return err
}

// before admits or rejects the next call, moving Open→HalfOpen once the
// recovery timeout has elapsed.
func (b *Breaker) before() error {
	b.mu.Lock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		b.mu.Unlock()
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.recoveryTimeout {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.transition(StateHalfOpen)
		b.halfOpenOK = 0
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()
	return nil
}

func (b *Breaker) after(err error) {
	if err == nil {
		b.onSuccess()
	} else {
		b.onFailure()
	}
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	b.lastSuccess = b.now()
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.halfOpenOK++
		if b.halfOpenOK >= b.cfg.SuccessThreshold {
			// Clean close: adapted parameters return to configured values.
			b.failureThreshold = b.cfg.FailureThreshold
			b.recoveryTimeout = b.cfg.RecoveryTimeout
			b.failures = 0
			b.closes++
			b.transition(StateClosed)
		}
	}
	b.mu.Unlock()
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	b.lastFailure = b.now()
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.open()
		}
	case StateHalfOpen:
		// One failed probe reopens with a longer timeout and a higher bar.
		b.recoveryTimeout = time.Duration(float64(b.recoveryTimeout) * b.cfg.BackoffMultiplier)
		if b.recoveryTimeout > b.cfg.MaxRecoveryTimeout {
			b.recoveryTimeout = b.cfg.MaxRecoveryTimeout
		}
		if b.failureThreshold < b.cfg.MaxFailureThreshold {
			b.failureThreshold++
		}
		b.open()
	}
	b.mu.Unlock()
}

// open transitions to Open. Caller holds the lock.
func (b *Breaker) open() {
	b.openedAt = b.now()
	b.failures = 0
	b.opens++
	b.transition(StateOpen)
}

// transition switches state and fires the hook. Caller holds the lock;
// the hook runs on a fresh goroutine so it cannot deadlock back into
// the breaker.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	log.Debug().
		Str("exchange", b.name).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("Circuit breaker state change")
	if b.cfg.OnStateChange != nil {
		go b.cfg.OnStateChange(b.name, from, to)
	}
}

// State returns the current state, honoring recovery-timeout expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Status returns a consistent snapshot for statistics reporting.
func (b *Breaker) Status() BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStatus{
		State:               b.state,
		ConsecutiveFailures: b.failures,
		FailureThreshold:    b.failureThreshold,
		RecoveryTimeout:     b.recoveryTimeout.String(),
		Opens:               b.opens,
		Closes:              b.closes,
		LastFailure:         b.lastFailure,
		LastSuccess:         b.lastSuccess,
	}
}

// retryable decides whether the retry loop may continue after err. The
// adapter taxonomy wins: a classified timeout is retryable even though
// it wraps a context sentinel underneath. Bare context errors end the
// loop only when the caller's own ctx is done.
func retryable(ctx context.Context, err error) bool {
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}
	var ee *exchange.Error
	if errors.As(err, &ee) {
		return ee.Kind.Retryable()
	}
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return false
	}
	return exchange.KindOf(err).Retryable()
}
