// Package retrier provides bounded retries with exponential backoff and jitter.
package retrier

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

const (
	defaultInitialDelay = 500 * time.Millisecond
	defaultMaxDelay     = 10 * time.Second
	defaultFactor       = 2.0
	defaultAttempts     = 3
	defaultJitter       = 0.1
)

// Retrier retries an operation a bounded number of times. Attempts means total
// calls, so Attempts=1 disables retrying.
type Retrier struct {
	initialDelay time.Duration
	maxDelay     time.Duration
	factor       float64
	attempts     int
	jitter       float64
}

// Option configures a Retrier.
type Option func(*Retrier)

// WithInitialDelay sets the delay before the second attempt.
func WithInitialDelay(d time.Duration) Option {
	return func(r *Retrier) {
		r.initialDelay = d
	}
}

// WithMaxDelay caps the backoff delay.
func WithMaxDelay(d time.Duration) Option {
	return func(r *Retrier) {
		r.maxDelay = d
	}
}

// WithFactor sets the backoff growth factor.
func WithFactor(f float64) Option {
	return func(r *Retrier) {
		r.factor = f
	}
}

// WithAttempts sets the total number of attempts.
func WithAttempts(n int) Option {
	return func(r *Retrier) {
		if n >= 1 {
			r.attempts = n
		}
	}
}

// WithJitter sets the jitter factor (0.0 to 1.0).
func WithJitter(j float64) Option {
	return func(r *Retrier) {
		r.jitter = j
	}
}

// New creates a Retrier with default values and optional overrides.
func New(opts ...Option) *Retrier {
	r := &Retrier{
		initialDelay: defaultInitialDelay,
		maxDelay:     defaultMaxDelay,
		factor:       defaultFactor,
		attempts:     defaultAttempts,
		jitter:       defaultJitter,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type unrecoverableError struct {
	error
}

func (u unrecoverableError) Unwrap() error {
	return u.error
}

// Unrecoverable marks err so Do returns it immediately instead of retrying.
func Unrecoverable(err error) error {
	return unrecoverableError{err}
}

// Do calls fn until it succeeds, the attempts are exhausted, or ctx is done.
// The last error is returned.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	delay := r.initialDelay

	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		var fatal unrecoverableError
		if errors.As(err, &fatal) {
			return fatal.error
		}
		if attempt == r.attempts {
			break
		}

		sleep := delay
		if r.jitter > 0 {
			offset := (rand.Float64()*2 - 1) * r.jitter * float64(delay)
			sleep = time.Duration(float64(delay) + offset)
			if sleep < 0 {
				sleep = 0
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		delay = time.Duration(float64(delay) * r.factor)
		if delay > r.maxDelay {
			delay = r.maxDelay
		}
	}

	return err
}

// DoWithData calls fn with retries and returns its value.
func DoWithData[T any](ctx context.Context, r *Retrier, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := r.Do(ctx, func(ctx context.Context) error {
		var e error
		result, e = fn(ctx)
		return e
	})
	return result, err
}
