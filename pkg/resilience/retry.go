package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// ErrRetriesExhausted wraps the last error once every attempt allowed by the
// policy has failed.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Policy is the schedule of increasing delay between retry attempts.
//
// The delay doubles starting at BaseDelay and is clamped to MaxDelay.
// MaxAttempts counts the first attempt, so MaxAttempts=5 means one call
// plus up to four retries.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
}

// DefaultPolicy matches the delivery paths: 5 attempts, 1s base, doubling.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      true,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	return p
}

// Delay returns the wait before the given retry (attempt starts at 1 for the
// first retry). Exposed so callers can log the schedule they are about to use.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.Jitter {
		// 0.7..1.3 spread so synchronized clients don't reconnect in lockstep.
		j := 0.7 + rand.Float64()*0.6
		d = time.Duration(float64(d) * j)
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying (auth failures, validation
// rejections). Retry and Do stop immediately and return the wrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Do runs op under the policy, returning the first successful value.
// Transient failures are absorbed up to the attempt cap; the loop stops
// immediately on context cancellation or a Permanent error.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if ctx == nil {
		ctx = context.Background()
	}
	p = p.normalized()

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		var pe *permanentError
		if errors.As(err, &pe) {
			return zero, pe.err
		}
		if attempt >= p.MaxAttempts {
			break
		}

		t := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return zero, ctx.Err()
		case <-t.C:
		}
	}
	return zero, fmt.Errorf("%w: %w", ErrRetriesExhausted, lastErr)
}

// Retry is Do for operations without a result value.
func Retry(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
