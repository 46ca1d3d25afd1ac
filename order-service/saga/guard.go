package saga

import (
	"context"
	"time"

	"github.com/allconnect/order-system/shared/breaker"
	"github.com/pkg/errors"
)

// Guard composes a collaborator call with its circuit breaker, a bounded
// per-attempt timeout, a small retry budget and an optional fallback. Every
// collaborator invocation the orchestrator makes goes through a guard; there
// is no implicit interception.
type Guard struct {
	name       string
	breaker    *breaker.Breaker
	timeout    time.Duration
	attempts   int
	retryDelay time.Duration
	fallback   func(ctx context.Context, callErr error) error
}

// GuardConfig holds per-collaborator call policy.
type GuardConfig struct {
	// Timeout bounds each attempt. A timed-out call counts as a failure
	// like any other collaborator error.
	Timeout time.Duration

	// Attempts is the total number of tries per invocation. Defaults to 1.
	Attempts int

	// RetryDelay is slept between attempts.
	RetryDelay time.Duration
}

func (c GuardConfig) withDefaults() GuardConfig {
	if c.Timeout <= 0 {
		c.Timeout = 3 * time.Second
	}
	if c.Attempts <= 0 {
		c.Attempts = 1
	}
	return c
}

// NewGuard creates a guard around the named collaborator's breaker.
func NewGuard(name string, b *breaker.Breaker, config GuardConfig) *Guard {
	config = config.withDefaults()
	return &Guard{
		name:       name,
		breaker:    b,
		timeout:    config.Timeout,
		attempts:   config.Attempts,
		retryDelay: config.RetryDelay,
	}
}

// WithFallback sets the function invoked when the call fails after all
// attempts or is rejected by an open breaker. The fallback decides the
// final outcome: returning nil swallows the failure, returning an error
// surfaces it.
func (g *Guard) WithFallback(fn func(ctx context.Context, callErr error) error) *Guard {
	g.fallback = fn
	return g
}

// Call executes fn under the guard's policy.
func (g *Guard) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error

	for attempt := 0; attempt < g.attempts; attempt++ {
		if attempt > 0 && g.retryDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(g.retryDelay):
			}
		}

		err = g.breaker.Execute(ctx, func(ctx context.Context) error {
			callCtx, cancel := context.WithTimeout(ctx, g.timeout)
			defer cancel()
			return fn(callCtx)
		})
		if err == nil {
			return nil
		}

		// Retrying against an open breaker only burns the budget.
		if errors.Is(err, breaker.ErrOpen) {
			break
		}
	}

	if g.fallback != nil {
		return g.fallback(ctx, err)
	}
	return errors.Wrapf(err, "%s call failed", g.name)
}
