// Package remote holds the pieces shared by both remote client adapters:
// the transport error taxonomy and the explicit retry policy applied
// around every remote call.
package remote

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// RateLimitError is a single rate-limited response from a remote API.
// RetryAfter is the server-suggested wait, zero when absent.
type RateLimitError struct {
	API        string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limited (retry after %s)", e.API, e.RetryAfter)
}

// RateLimitExceededError is returned once the retry budget for a call is
// exhausted. It aborts the remaining plan.
type RateLimitExceededError struct {
	API      string
	Attempts int
	Last     error
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("%s: still rate limited after %d attempts: %v", e.API, e.Attempts, e.Last)
}

func (e *RateLimitExceededError) Unwrap() error { return e.Last }

// UnavailableError is a transient transport or server failure that is
// worth retrying.
type UnavailableError struct {
	API string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s: remote unavailable: %v", e.API, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// APIError is a definitive remote rejection (4xx other than 429); it is
// never retried.
type APIError struct {
	API    string
	Status int
	Code   string
	Msg    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%d): %s", e.API, e.Code, e.Status, e.Msg)
	}
	return fmt.Sprintf("%s: API error %d: %s", e.API, e.Status, e.Msg)
}

// RetryPolicy bounds how often and how long a remote call is retried.
// The zero value disables retries entirely.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter adds up to this fraction of the computed delay, breaking
	// retry synchronization across runs.
	Jitter float64

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy mirrors the limits the remote APIs document: one
// mutation per second steady state, short bursts tolerated.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      0.2,
	}
}

// WithSleep returns a copy of the policy using the given sleep function.
func (p RetryPolicy) WithSleep(sleep func(ctx context.Context, d time.Duration) error) RetryPolicy {
	p.sleep = sleep
	return p
}

func (p RetryPolicy) wait(ctx context.Context, d time.Duration) error {
	if p.sleep != nil {
		return p.sleep(ctx, d)
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

// delay computes the backoff for a given zero-based retry, honoring a
// server-provided Retry-After when present.
func (p RetryPolicy) delay(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}
	d := p.BaseDelay << uint(attempt)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		d += time.Duration(rand.Float64() * p.Jitter * float64(d))
	}
	return d
}

// Do runs fn with bounded retry. Rate-limit and unavailable errors are
// retried with exponential backoff; anything else returns immediately.
// Exhausting the budget on rate limits surfaces RateLimitExceededError.
func (p RetryPolicy) Do(ctx context.Context, api string, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		var rl *RateLimitError
		var unavailable *UnavailableError
		var retryAfter time.Duration
		switch {
		case errors.As(err, &rl):
			retryAfter = rl.RetryAfter
		case errors.As(err, &unavailable):
		default:
			return err
		}

		if attempt == attempts-1 {
			break
		}
		if err := p.wait(ctx, p.delay(attempt, retryAfter)); err != nil {
			return err
		}
	}

	var rl *RateLimitError
	if errors.As(lastErr, &rl) {
		return &RateLimitExceededError{API: api, Attempts: attempts, Last: lastErr}
	}
	return lastErr
}
