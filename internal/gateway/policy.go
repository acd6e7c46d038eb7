// Package gateway holds what the extraction and detection gateways share:
// the retry policy and the rules that sort failures into transient and
// permanent.
package gateway

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/eargollo/piiscan/internal/apperr"
)

// Policy bounds how often a gateway call is attempted.
type Policy struct {
	// MaxAttempts counts the first call; 1 disables retries.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Retryable reports whether err should be attempted again.
	// Nil means apperr.IsTransient.
	Retryable func(error) bool
}

// DefaultPolicy returns the policy used when config leaves it unset.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
	}
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempt
// bound is reached, or ctx is done. attempt starts at 0. The error of the
// last attempt is returned unchanged.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	retryable := p.Retryable
	if retryable == nil {
		retryable = apperr.IsTransient
	}

	attempt := 0
	return retry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		err := fn(ctx, attempt)
		attempt++
		if err != nil && retryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// backoff builds a fresh backoff; go-retry backoffs carry state.
func (p Policy) backoff() retry.Backoff {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	initial := p.InitialBackoff
	if initial <= 0 {
		initial = time.Millisecond
	}

	b := retry.NewExponential(initial)
	if p.MaxBackoff > 0 {
		b = retry.WithCappedDuration(p.MaxBackoff, b)
	}
	b = retry.WithJitterPercent(10, b)
	return retry.WithMaxRetries(uint64(maxAttempts-1), b)
}
