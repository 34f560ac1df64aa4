package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

// Policy bounds a retry loop. MaxRetries counts retries, so a policy with
// MaxRetries=3 makes at most 4 attempts.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Jitter adds up to Jitter*delay of random extra wait. Zero disables it.
	Jitter float64
}

// DefaultPolicy matches the harness defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// Backoff returns the delay before retry number attempt (0-based):
// base * 2^attempt, capped at MaxDelay, plus jitter.
func (p Policy) Backoff(attempt int) time.Duration {
	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter > 0 && delay > 0 {
		delay += time.Duration(rand.Int64N(int64(float64(delay)*p.Jitter) + 1))
	}
	return delay
}

// Do runs fn until it succeeds, returns a terminal error, or the retry bound
// is reached. attempt is 1-based. onRetry, if set, is called before each wait.
// It returns the number of attempts made and the last error.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error, onRetry func(attempt int, err error, delay time.Duration)) (int, error) {
	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return attempt - 1, lastErr
			}
			return attempt - 1, err
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return attempt, nil
		}
		if !Classify(lastErr).IsTransient() || attempt > p.MaxRetries {
			return attempt, lastErr
		}

		delay := p.Backoff(attempt - 1)
		if onRetry != nil {
			onRetry(attempt, lastErr, delay)
		}
		if err := Sleep(ctx, delay); err != nil {
			return attempt, lastErr
		}
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
