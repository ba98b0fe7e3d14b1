// Package backoff provides jittered exponential backoff for retry loops.
//
// It backs the single pre-stream retry in provider adapters and the
// bounded store-write retries in the persistence pipeline.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Policy defines exponential backoff parameters.
type Policy struct {
	// Base is the delay before the first retry.
	Base time.Duration
	// Max caps the computed delay.
	Max time.Duration
	// Factor multiplies the delay each attempt. Values below 1 mean 2.
	Factor float64
	// Jitter is the randomization fraction in [0, 1] added to each delay.
	Jitter float64
}

// Default is the policy used when a caller does not configure one.
// Base 100ms, max 30s, factor 2, 10% jitter.
func Default() Policy {
	return Policy{Base: 100 * time.Millisecond, Max: 30 * time.Second, Factor: 2, Jitter: 0.1}
}

// Delay computes the backoff before retry number attempt (1-indexed).
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not need crypto randomness
}

func (p Policy) delayWithRand(attempt int, random float64) time.Duration {
	base := p.Base
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	factor := p.Factor
	if factor < 1 {
		factor = 2
	}
	exp := math.Max(float64(attempt-1), 0)
	d := float64(base) * math.Pow(factor, exp)
	d += d * p.Jitter * random
	if p.Max > 0 && d > float64(p.Max) {
		d = float64(p.Max)
	}
	return time.Duration(d)
}

// Sleep waits for the attempt's delay or until ctx is done.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	t := time.NewTimer(p.Delay(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ErrAttemptsExhausted is returned by Retry when every attempt failed.
var ErrAttemptsExhausted = errors.New("backoff: attempts exhausted")

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so Retry stops immediately instead of retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry runs fn up to maxAttempts times, sleeping per the policy between
// failures. fn receives the 1-indexed attempt number. Context cancellation
// is checked before each attempt and during each sleep.
func Retry(ctx context.Context, p Policy, maxAttempts int, fn func(attempt int) error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = fn(attempt); lastErr == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}
		if attempt < maxAttempts {
			if err := p.Sleep(ctx, attempt); err != nil {
				return err
			}
		}
	}
	return errors.Join(ErrAttemptsExhausted, lastErr)
}
