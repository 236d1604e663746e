package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/Jasonzhangf/rcc-sub004/domain"
	"github.com/Jasonzhangf/rcc-sub004/internal/rlog"
)

// BreakerState is the circuit breaker's state.
type BreakerState int32

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// BreakerConfig configures one pipeline's circuit breaker.
type BreakerConfig struct {
	// FailureThreshold consecutive qualifying failures before closed->open.
	FailureThreshold int
	// CooldownWindow is how long the breaker stays open before a probe is
	// allowed to try half-open.
	CooldownWindow time.Duration
}

// DefaultBreakerConfig is 5 consecutive failures, 5 minute cooldown.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, CooldownWindow: 5 * time.Minute}
}

// Breaker is a per-pipeline circuit breaker with three states and
// consecutive-failure semantics: a fixed threshold of consecutive
// qualifying failures opens the circuit, and half-open admits exactly
// one trial that either closes or reopens it. There is no sliding-window
// error-rate evaluation.
type Breaker struct {
	mu               sync.Mutex
	state            atomic.Int32
	stateChangedAt   atomic.Value // time.Time
	consecutiveFails atomic.Int32
	halfOpenInFlight atomic.Bool

	config BreakerConfig
	logger rlog.Logger
	name   string
}

// NewBreaker constructs a Breaker in the closed state.
func NewBreaker(name string, config BreakerConfig, logger rlog.Logger) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if config.CooldownWindow <= 0 {
		config.CooldownWindow = DefaultBreakerConfig().CooldownWindow
	}
	b := &Breaker{config: config, logger: rlog.Default(logger), name: name}
	b.state.Store(int32(StateClosed))
	b.stateChangedAt.Store(time.Now())
	return b
}

// State returns the current breaker state, promoting open->half_open when
// the cooldown window has elapsed.
func (b *Breaker) State() BreakerState {
	current := BreakerState(b.state.Load())
	if current != StateOpen {
		return current
	}

	changedAt := b.stateChangedAt.Load().(time.Time)
	if time.Since(changedAt) < b.config.CooldownWindow {
		return StateOpen
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if BreakerState(b.state.Load()) == StateOpen {
		b.transitionLocked(StateHalfOpen)
	}
	return BreakerState(b.state.Load())
}

// AllowTrial reports whether the half-open trial slot is available and,
// if so, reserves it so only one concurrent trial is admitted: half_open
// closes on one success and reopens on any failure, which implies exactly
// one trial at a time.
func (b *Breaker) AllowTrial() bool {
	return b.halfOpenInFlight.CompareAndSwap(false, true)
}

// RecordOutcome updates breaker state for one completed attempt. Only
// outcomes that CountsTowardBreaker participate in threshold evaluation;
// others (token-limit, malformed, bad_request) are pipeline-neutral.
func (b *Breaker) RecordOutcome(outcome domain.Outcome) {
	state := BreakerState(b.state.Load())

	if state == StateHalfOpen {
		b.halfOpenInFlight.Store(false)
		b.mu.Lock()
		defer b.mu.Unlock()
		if outcome == domain.OutcomeSuccess {
			b.consecutiveFails.Store(0)
			b.transitionLocked(StateClosed)
		} else if outcome.CountsTowardBreaker() {
			b.transitionLocked(StateOpen)
		}
		return
	}

	if outcome == domain.OutcomeSuccess {
		b.consecutiveFails.Store(0)
		return
	}

	if !outcome.CountsTowardBreaker() {
		return
	}

	fails := b.consecutiveFails.Add(1)
	if int(fails) >= b.config.FailureThreshold && state == StateClosed {
		b.mu.Lock()
		b.transitionLocked(StateOpen)
		b.mu.Unlock()
	}
}

// transitionLocked must be called with b.mu held.
func (b *Breaker) transitionLocked(newState BreakerState) {
	old := BreakerState(b.state.Load())
	if old == newState {
		return
	}
	b.state.Store(int32(newState))
	b.stateChangedAt.Store(time.Now())
	if newState != StateHalfOpen {
		b.halfOpenInFlight.Store(false)
	}
	b.logger.Info("circuit breaker state changed", map[string]interface{}{
		"pipeline": b.name,
		"from":     old.String(),
		"to":       newState.String(),
	})
}

// ProbeSucceeded short-circuits an open breaker's cooldown back to
// half_open after a successful out-of-band health probe.
func (b *Breaker) ProbeSucceeded() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if BreakerState(b.state.Load()) == StateOpen {
		b.transitionLocked(StateHalfOpen)
	}
}
