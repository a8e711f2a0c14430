package engine

import (
	"errors"
	"fmt"
	"math/rand"
	"time"
)

var (
	ErrDisabled  = errors.New("task engine disabled")
	ErrStopped   = errors.New("task engine stopped")
	ErrStopping  = errors.New("task engine stopping")
	ErrQueueFull = errors.New("task engine queue full")
)

// NoRetry marks an error as permanent: the engine (and the amqp consumer)
// will not attempt the task again.
//
//	return engine.NoRetry(fmt.Errorf("bad payload: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter attaches a suggested delay before the next attempt, e.g. a
// platform flood-wait. Jitter is still applied on top.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

// Backoff returns the delay before retry number `retry` (1-based) of a task
// that failed with err, honouring a RetryAfterError hint when present.
// rng may be nil (no jitter).
func Backoff(opt TaskOptions, retry int, err error, rng *rand.Rand) time.Duration {
	opt = opt.withDefaults(Config{})
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		// Never earlier than the hint: jitter only pushes it later.
		d := clamp(ra.RetryAfter(), opt.RetryMaxDelay)
		if rng != nil && d > 0 {
			d += time.Duration(float64(d) * rng.Float64() * opt.RetryJitter)
		}
		return clamp(d, opt.RetryMaxDelay)
	}
	d := opt.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= opt.RetryMaxDelay {
			break
		}
	}
	return jitter(clamp(d, opt.RetryMaxDelay), opt, rng)
}

func jitter(d time.Duration, opt TaskOptions, rng *rand.Rand) time.Duration {
	if rng == nil || d <= 0 {
		return d
	}
	r := (rng.Float64()*2 - 1) * opt.RetryJitter
	return clamp(time.Duration(float64(d)*(1+r)), opt.RetryMaxDelay)
}

func clamp(d, maxD time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if d > maxD {
		return maxD
	}
	return d
}
