// Package retry provides a bounded retry-with-exponential-backoff helper
// used by the expiry sweeper and outbound gateway calls.
package retry

import (
	"context"
	"errors"
	"time"
)

// Options configures WithBackoff. Zero values fall back to the defaults.
type Options struct {
	Retries      int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	// OnRetry is invoked before each sleep with the attempt number (1-based)
	// and the delay about to be applied.
	OnRetry func(attempt int, delay time.Duration)
}

const (
	defaultRetries      = 3
	defaultInitialDelay = 1 * time.Second
	defaultMaxDelay     = 30 * time.Second
	defaultFactor       = 2
)

func (o *Options) applyDefaults() {
	if o.Retries <= 0 {
		o.Retries = defaultRetries
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = defaultInitialDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = defaultMaxDelay
	}
	if o.Factor <= 1 {
		o.Factor = defaultFactor
	}
}

// Permanent wraps an error to mark it as not retryable. WithBackoff stops
// immediately and returns the wrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// WithBackoff runs op up to opts.Retries times, sleeping between attempts
// with exponential backoff capped at opts.MaxDelay. Context cancellation
// aborts the wait and returns ctx.Err(). The last attempt's error is
// returned when all attempts fail.
func WithBackoff(ctx context.Context, op func(ctx context.Context) error, opts Options) error {
	opts.applyDefaults()

	delay := opts.InitialDelay
	var err error
	for attempt := 1; attempt <= opts.Retries; attempt++ {
		if err = op(ctx); err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}

		if attempt == opts.Retries {
			break
		}

		if delay > opts.MaxDelay {
			delay = opts.MaxDelay
		}
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay = time.Duration(float64(delay) * opts.Factor)
	}
	return err
}
