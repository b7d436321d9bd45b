package apperrors

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// RetryPolicy bounds the retries applied to transient failures.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy is used when a component is not configured explicitly.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: 200 * time.Millisecond,
	MaxBackoff:     5 * time.Second,
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = DefaultRetryPolicy.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = DefaultRetryPolicy.MaxBackoff
	}
	return p
}

// Backoff returns the delay before the given 1-based retry attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	p = p.normalized()
	delay := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return delay
}

// Retry runs op until it succeeds, returns a non-transient error, or the
// attempt budget is spent. The last error is returned wrapped with the
// attempt count.
func Retry(ctx context.Context, policy RetryPolicy, log zerolog.Logger, op func(ctx context.Context) error) error {
	policy = policy.normalized()

	var err error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		if attempt == policy.MaxAttempts {
			break
		}

		delay := policy.Backoff(attempt)
		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", policy.MaxAttempts).
			Dur("delay", delay).
			Msg("Transient failure, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("after %d attempts: %w", policy.MaxAttempts, err)
}
