package ingest

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy defines exponential backoff with jitter for transient source
// errors. Retries happen inside a connector's runner without a state
// transition, up to MaxAttempts, after which the connector moves to Failed.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
}

// DefaultRetryPolicy returns the engine-wide default retry budget.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.25,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2.0
	}
	return p
}

// Delay returns the backoff delay for the given zero-based attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	p = p.normalized()

	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.Jitter > 0 {
		delta := delay * p.Jitter
		delay = delay - delta + rand.Float64()*2*delta
	}

	return time.Duration(delay)
}

// Wait sleeps for the attempt's backoff delay, honoring ctx cancellation.
func (p RetryPolicy) Wait(ctx context.Context, attempt int) error {
	timer := time.NewTimer(p.Delay(attempt))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
