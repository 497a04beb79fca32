// Package retry provides a bounded exponential-backoff policy shared by every
// upstream call site (feed connect, snapshot fetch, order submission). The
// schedule itself comes from cenkalti/backoff; Policy is the per-call-site
// parameter object.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrExhausted is wrapped into the error returned by Do once MaxAttempts
// attempts have failed.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Policy describes how an operation is retried. The zero value is usable and
// makes a single attempt with no timeout.
type Policy struct {
	// MaxAttempts is the attempt ceiling, including the first try.
	MaxAttempts int
	// BaseDelay is the wait before the second attempt.
	BaseDelay time.Duration
	// MaxDelay caps every wait.
	MaxDelay time.Duration
	// Multiplier grows the delay per attempt. Values <= 1 mean 2.
	Multiplier float64
	// Jitter spreads each delay by +/- this fraction (0..1).
	Jitter float64
	// AttemptTimeout bounds each individual attempt when > 0.
	AttemptTimeout time.Duration
	// Retryable decides whether err deserves another attempt. Nil retries
	// everything.
	Retryable func(err error) bool
	// OnRetry is called before sleeping between attempts.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// exponential builds the backoff schedule for p. jitter is applied only when
// randomize is set.
func (p Policy) exponential(randomize bool) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = p.Multiplier
	if b.Multiplier <= 1 {
		b.Multiplier = 2
	}
	b.MaxInterval = p.MaxDelay
	if b.MaxInterval <= 0 {
		b.MaxInterval = time.Duration(math.MaxInt64)
	}
	b.RandomizationFactor = 0
	if randomize {
		b.RandomizationFactor = min(max(p.Jitter, 0), 1)
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Delay returns the un-jittered wait after the given failed attempt (1-based),
// capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	b := p.exponential(false)
	wait := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		wait = b.NextBackOff()
	}
	return wait
}

// With returns a copy of p using the given hook, keeping every other field.
func (p Policy) With(onRetry func(attempt int, err error, wait time.Duration)) Policy {
	p.OnRetry = onRetry
	return p
}

// Do runs fn until it succeeds, the error is not retryable, ctx is done, or
// MaxAttempts is reached. Waiting between attempts stops as soon as ctx is
// cancelled.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := max(p.MaxAttempts, 1)
	b := backoff.WithContext(
		backoff.WithMaxRetries(p.exponential(true), uint64(attempts-1)),
		ctx,
	)

	var (
		calls     int
		lastErr   error
		permanent bool
	)
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		calls++
		lastErr = p.attempt(ctx, fn)
		if lastErr != nil && p.Retryable != nil && !p.Retryable(lastErr) {
			permanent = true
			return backoff.Permanent(lastErr)
		}
		return lastErr
	}
	notify := func(err error, wait time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(calls, err, wait)
		}
	}

	err := backoff.RetryNotify(op, b, notify)
	switch {
	case err == nil:
		return nil
	case permanent:
		return lastErr
	case ctx.Err() != nil:
		if lastErr == nil {
			return ctx.Err()
		}
		return fmt.Errorf("retry: cancelled after %d attempts: %w", calls, errors.Join(ctx.Err(), lastErr))
	default:
		return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, calls, lastErr)
	}
}

func (p Policy) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.AttemptTimeout <= 0 {
		return fn(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
	defer cancel()
	return fn(actx)
}
