// Package resilience retries inventory and mapping writes that fail because
// the store is briefly busy or unreachable.
package resilience

import (
	"context"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// Policy bounds how a storage write is retried.
type Policy struct {
	// Attempts is the total number of tries, the first included.
	Attempts int
	// Backoff is the wait before the second try. It doubles per retry up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration
	// Jitter removes up to this fraction of each wait at random, in [0,1].
	Jitter float64

	// Retryable defaults to IsTransient.
	Retryable func(error) bool
	// OnRetry runs before each wait with the number of the try that failed.
	OnRetry func(attempt int, err error)
}

// DefaultPolicy returns three tries starting at 500ms and capped at 10s.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:   3,
		Backoff:    500 * time.Millisecond,
		MaxBackoff: 10 * time.Second,
		Jitter:     0.25,
	}
}

func (p Policy) normalized() Policy {
	def := DefaultPolicy()
	if p.Attempts <= 0 {
		p.Attempts = def.Attempts
	}
	if p.Backoff <= 0 {
		p.Backoff = def.Backoff
	}
	if p.MaxBackoff < p.Backoff {
		p.MaxBackoff = max(def.MaxBackoff, p.Backoff)
	}
	p.Jitter = min(max(p.Jitter, 0), 1)
	if p.Retryable == nil {
		p.Retryable = IsTransient
	}
	return p
}

// wait returns the pause after the given failed try (1-based).
func (p Policy) wait(attempt int) time.Duration {
	d := p.Backoff
	for i := 1; i < attempt && d < p.MaxBackoff; i++ {
		d *= 2
	}
	d = min(d, p.MaxBackoff)
	if p.Jitter > 0 {
		d -= time.Duration(rand.Float64() * p.Jitter * float64(d))
	}
	return d
}

// DoVal calls fn until it succeeds, fails permanently, runs out of tries, or
// ctx ends. The error returned is the last one fn produced.
func DoVal[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.normalized()

	var zero T
	for attempt := 1; ; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if attempt >= p.Attempts || ctx.Err() != nil || !p.Retryable(err) {
			return zero, err
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}

		timer := time.NewTimer(p.wait(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, err
		case <-timer.C:
		}
	}
}

// RetryLogger returns an OnRetry hook that logs the scope, the write being
// retried, and why the store refused it.
func RetryLogger(scope, operation string) func(int, error) {
	log := zap.L().With(zap.String("component", "resilience"), zap.String("scope", scope), zap.String("operation", operation))
	return func(attempt int, err error) {
		log.Warn("storage write failed, retrying",
			zap.Int("attempt", attempt),
			zap.String("reason", string(Classify(err))),
			zap.Error(err),
		)
	}
}
