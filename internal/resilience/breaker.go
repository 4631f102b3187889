// Package resilience implements the per-upstream circuit breaker, retry
// policy, and time limiter, and their composition. Generalized from the
// teacher's consecutive-failure-count CircuitBreaker in
// internal/mcp/backoff.go into the spec's sliding-window-of-N-calls model
// with failure-rate and slow-call-rate thresholds and a bounded half-open
// probe count.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is a circuit breaker's current state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// ErrCircuitOpen is returned by Call/Execute* when the breaker short-circuits.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// BreakerConfig configures a Breaker's thresholds, mirroring the
// mcp.circuit-breaker.* config keys.
type BreakerConfig struct {
	SlidingWindowSize         int
	MinimumNumberOfCalls      int
	FailureRateThreshold      float64 // percent, e.g. 50 for 50%
	SlowCallRateThreshold     float64 // percent
	SlowCallDurationThreshold time.Duration
	WaitDurationInOpenState   time.Duration
	PermittedCallsInHalfOpen  int
}

// DefaultBreakerConfig matches spec §4.5's defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		SlidingWindowSize:         10,
		MinimumNumberOfCalls:      5,
		FailureRateThreshold:      50,
		SlowCallRateThreshold:     50,
		SlowCallDurationThreshold: 2 * time.Second,
		WaitDurationInOpenState:   10 * time.Second,
		PermittedCallsInHalfOpen:  3,
	}
}

type callResult struct {
	failed bool
	slow   bool
}

// Breaker is a per-upstream circuit breaker over a sliding window of the
// last N call outcomes.
type Breaker struct {
	mu sync.Mutex

	cfg BreakerConfig

	state        State
	window       []callResult
	openedAt     time.Time
	halfOpenUsed int
}

// NewBreaker constructs a Breaker in the CLOSED state.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.SlidingWindowSize <= 0 {
		cfg = DefaultBreakerConfig()
	}
	return &Breaker{cfg: cfg, state: StateClosed}
}

// State returns the breaker's current state, resolving an expired
// open-state wait into HALF_OPEN as a side effect.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransitionToHalfOpen()
	return b.state
}

// AllowRequest reports whether a call may proceed right now, and if so,
// reserves a half-open probe slot when in HALF_OPEN.
func (b *Breaker) AllowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransitionToHalfOpen()

	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if b.halfOpenUsed < b.cfg.PermittedCallsInHalfOpen {
			b.halfOpenUsed++
			return true
		}
		return false
	default: // OPEN
		return false
	}
}

func (b *Breaker) maybeTransitionToHalfOpen() {
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cfg.WaitDurationInOpenState {
		b.state = StateHalfOpen
		b.halfOpenUsed = 0
	}
}

// RecordResult records a call's outcome and updates the window/state.
func (b *Breaker) RecordResult(failed bool, duration time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	slow := duration > b.cfg.SlowCallDurationThreshold

	if b.state == StateHalfOpen {
		if failed {
			b.open()
		} else if b.halfOpenUsed >= b.cfg.PermittedCallsInHalfOpen {
			b.close()
		}
		return
	}

	b.window = append(b.window, callResult{failed: failed, slow: slow})
	if len(b.window) > b.cfg.SlidingWindowSize {
		b.window = b.window[len(b.window)-b.cfg.SlidingWindowSize:]
	}

	if len(b.window) < b.cfg.MinimumNumberOfCalls {
		return
	}

	var failures, slowCalls int
	for _, r := range b.window {
		if r.failed {
			failures++
		}
		if r.slow {
			slowCalls++
		}
	}
	n := float64(len(b.window))
	failureRate := float64(failures) / n * 100
	slowRate := float64(slowCalls) / n * 100

	if failureRate >= b.cfg.FailureRateThreshold || slowRate >= b.cfg.SlowCallRateThreshold {
		b.open()
	}
}

func (b *Breaker) open() {
	b.state = StateOpen
	b.openedAt = time.Now()
	b.window = nil
}

func (b *Breaker) close() {
	b.state = StateClosed
	b.window = nil
	b.halfOpenUsed = 0
}

// Reset forces the breaker back to CLOSED, clearing history.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.close()
}

// ForceOpen forces the breaker to OPEN, starting its wait timer now.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open()
}

// ForceClosed forces the breaker to CLOSED.
func (b *Breaker) ForceClosed() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.close()
}

// Call runs fn if the breaker allows it, recording the outcome.
func (b *Breaker) Call(fn func() error) error {
	if !b.AllowRequest() {
		return ErrCircuitOpen
	}
	start := time.Now()
	err := fn()
	b.RecordResult(err != nil, time.Since(start))
	return err
}

// CallContext is Call with a context-aware fn, used by the composed
// Execute* helpers in timelimiter.go.
func (b *Breaker) CallContext(ctx context.Context, fn func(context.Context) error) error {
	if !b.AllowRequest() {
		return ErrCircuitOpen
	}
	start := time.Now()
	err := fn(ctx)
	b.RecordResult(err != nil, time.Since(start))
	return err
}
