package transport

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Backoff constants for caller-level retry policies.
const (
	baseBackoff    = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.25
)

// Backoff computes exponential backoff with ±25% jitter for the given
// zero-based attempt.
func Backoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// Sleep waits for d or until ctx is canceled.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryPolicy retries an operation while Retryable(err) holds.
type RetryPolicy struct {
	MaxAttempts int
	// SleepFunc defaults to Sleep. Tests override it to avoid real delays.
	SleepFunc func(ctx context.Context, d time.Duration) error
	// OnRetry is called before each wait.
	OnRetry func(attempt int, wait time.Duration, err error)
}

// Run calls fn until it succeeds, returns a non-retryable error, or the
// attempt budget is spent.
func (p RetryPolicy) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	sleep := p.SleepFunc
	if sleep == nil {
		sleep = Sleep
	}

	attempts := max(p.MaxAttempts, 1)

	var err error

	for attempt := range attempts {
		err = fn(ctx)
		if err == nil || ctx.Err() != nil || !Retryable(err) || attempt == attempts-1 {
			return err
		}

		wait := Backoff(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, wait, err)
		}

		if sleepErr := sleep(ctx, wait); sleepErr != nil {
			return err
		}
	}

	return err
}
