package engine

import (
	"errors"
	"fmt"
	"time"
)

// Returned by Enqueue, Submit and the worker loop.
var (
	ErrStopped     = errors.New("engine: stopped")
	ErrStopping    = errors.New("engine: stopping")
	ErrQueueFull   = errors.New("engine: queue full")
	ErrOverlapSkip = errors.New("engine: skipped, same task still running")
	ErrCircuitOpen = errors.New("engine: skipped, circuit open")
)

// attemptError tells the worker how to treat a failed attempt: stop now
// (final) or wait at least after before the next one.
type attemptError struct {
	err   error
	final bool
	after time.Duration
}

func (e *attemptError) Error() string {
	if e.final {
		return e.err.Error()
	}
	return fmt.Sprintf("%v (retry after %s)", e.err, e.after)
}

func (e *attemptError) Unwrap() error             { return e.err }
func (e *attemptError) RetryAfter() time.Duration { return e.after }

// NoRetry stops the retry loop; the task fails with err.
//
//	return engine.NoRetry(fmt.Errorf("bad day: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &attemptError{err: err, final: true}
}

func IsNoRetry(err error) bool {
	_, ok := finalCause(err)
	return ok
}

// RetryAfter asks for a delay before the next attempt, e.g. from a 429
// Retry-After header. RetryMaxDelay still caps it and jitter applies.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &attemptError{err: err, after: max(after, 0)}
}

// RetryAfterError is implemented by errors that carry a retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

// finalCause returns the error wrapped by NoRetry.
func finalCause(err error) (error, bool) {
	var e *attemptError
	if errors.As(err, &e) && e.final {
		return e.err, true
	}
	return err, false
}
