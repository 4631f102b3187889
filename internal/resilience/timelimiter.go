package resilience

import (
	"context"
	"errors"
	"time"
)

// ErrDeadlineExceeded is returned when a TimeLimiter-bounded call exceeds
// its hard deadline.
var ErrDeadlineExceeded = errors.New("resilience: deadline exceeded")

// TimeLimiterConfig configures TimeLimiter, mirroring mcp.timeout.duration.
type TimeLimiterConfig struct {
	Duration time.Duration
}

// DefaultTimeLimiterConfig matches spec §4.5's default of 5s.
func DefaultTimeLimiterConfig() TimeLimiterConfig {
	return TimeLimiterConfig{Duration: 5 * time.Second}
}

// TimeLimiter enforces a hard deadline per call; on expiry the running
// call is cancelled cooperatively via its context.
type TimeLimiter struct {
	cfg TimeLimiterConfig
}

// NewTimeLimiter constructs a TimeLimiter.
func NewTimeLimiter(cfg TimeLimiterConfig) *TimeLimiter {
	if cfg.Duration <= 0 {
		cfg = DefaultTimeLimiterConfig()
	}
	return &TimeLimiter{cfg: cfg}
}

// Execute runs fn with a context bounded by the limiter's duration. If fn
// has not returned by the deadline, Execute returns ErrDeadlineExceeded
// immediately; fn's context is cancelled so it can abandon its work.
func (t *TimeLimiter) Execute(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.Duration)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ErrDeadlineExceeded
	}
}

// Protected composes Breaker, RetryPolicy, and TimeLimiter into the three
// named operations from spec §4.5.
type Protected struct {
	Breaker *Breaker
	Retry   *RetryPolicy
	Limiter *TimeLimiter
}

// NewProtected builds a Protected triple from defaults.
func NewProtected() *Protected {
	return &Protected{
		Breaker: NewBreaker(DefaultBreakerConfig()),
		Retry:   NewRetryPolicy(DefaultRetryConfig()),
		Limiter: NewTimeLimiter(DefaultTimeLimiterConfig()),
	}
}

// ExecuteWithCircuitBreaker is the breaker-only composition.
func (p *Protected) ExecuteWithCircuitBreaker(ctx context.Context, fn func(context.Context) error) error {
	return p.Breaker.CallContext(ctx, fn)
}

// ExecuteWithCircuitBreakerAndRetry wraps fn in retry, then gates the whole
// retried call through the breaker as a single unit of work.
func (p *Protected) ExecuteWithCircuitBreakerAndRetry(ctx context.Context, fn func(context.Context) error) error {
	return p.Breaker.CallContext(ctx, func(c context.Context) error {
		return p.Retry.Execute(c, fn)
	})
}

// ExecuteWithFullProtection composes TimeLimiter(Breaker(Retry(fn))); on
// any error it calls fallback and returns fallback's result.
func (p *Protected) ExecuteWithFullProtection(ctx context.Context, fn func(context.Context) error, fallback func(error) error) error {
	err := p.Limiter.Execute(ctx, func(c context.Context) error {
		return p.ExecuteWithCircuitBreakerAndRetry(c, fn)
	})
	if err != nil {
		return fallback(err)
	}
	return nil
}
