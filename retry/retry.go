package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"dealwatch/models"
)

// Policy is a reusable retry configuration shared by the acquisition tiers.
type Policy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Jitter         float64
	RateLimitDelay time.Duration
	Retryable      func(error) bool
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		BaseDelay:      2 * time.Second,
		MaxDelay:       30 * time.Second,
		Jitter:         0.3,
		RateLimitDelay: 10 * time.Second,
		Retryable:      DefaultRetryable,
	}
}

// DefaultRetryable retries transient, timeout and rate-limit failures.
func DefaultRetryable(err error) bool {
	return errors.Is(err, models.ErrTransient) ||
		errors.Is(err, models.ErrTimeout) ||
		errors.Is(err, models.ErrRateLimited)
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted, or ctx is done. It reports how many attempts ran.
func (p Policy) Do(ctx context.Context, fn func(attempt int) error) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = DefaultRetryable
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	exp.RandomizationFactor = p.Jitter
	exp.MaxInterval = p.MaxDelay
	exp.MaxElapsedTime = 0

	b := &rateAware{BackOff: exp, extra: p.RateLimitDelay}
	bo := backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxAttempts-1)), ctx)

	attempts := 0
	err := backoff.Retry(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempts++
		err := fn(attempts)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		b.limited = errors.Is(err, models.ErrRateLimited)
		return err
	}, bo)
	return attempts, err
}

// rateAware stretches the next wait after a rate-limit response.
type rateAware struct {
	backoff.BackOff
	extra   time.Duration
	limited bool
}

func (r *rateAware) NextBackOff() time.Duration {
	next := r.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	if r.limited {
		r.limited = false
		next += r.extra
	}
	return next
}
