package resilience

import (
	"errors"
	"fmt"
	"time"
)

// Class buckets an error by how the caller should react to it.
type Class int

const (
	// ClassUnknown is an unclassified error; treated as retryable.
	ClassUnknown Class = iota
	// ClassTransient covers network, timeout-adjacent, and rate-limit errors.
	ClassTransient
	// ClassPermanent covers validation, schema, and auth errors. Never retried.
	ClassPermanent
	// ClassResourceExhausted covers bulkhead-full and circuit-open rejections.
	ClassResourceExhausted
	// ClassFatal covers store/queue unavailability. Surfaced immediately.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassResourceExhausted:
		return "resource_exhausted"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

type classified struct {
	class Class
	err   error
}

func (e *classified) Error() string { return e.err.Error() }
func (e *classified) Unwrap() error { return e.err }

// Mark tags err with a class. Classify recovers the tag through any number
// of fmt.Errorf %w wrappings.
func Mark(class Class, err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: class, err: err}
}

// Transient tags err as retryable.
func Transient(err error) error { return Mark(ClassTransient, err) }

// Permanent tags err as non-retryable.
func Permanent(err error) error { return Mark(ClassPermanent, err) }

// Fatal tags err as a stop-everything failure.
func Fatal(err error) error { return Mark(ClassFatal, err) }

// Classify returns the class of err: an explicit Mark tag if present,
// ResourceExhausted for breaker/bulkhead rejections, Transient for timeouts.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	var c *classified
	if errors.As(err, &c) {
		return c.class
	}
	var co *CircuitOpenError
	var bf *BulkheadFullError
	if errors.As(err, &co) || errors.As(err, &bf) {
		return ClassResourceExhausted
	}
	var to *TimeoutError
	if errors.As(err, &to) {
		return ClassTransient
	}
	return ClassUnknown
}

// TimeoutError reports an attempt that exceeded its per-attempt timeout.
// Timeouts are never retried: a slow operation is assumed unlikely to be
// fast on immediate retry.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation %q timed out after %s", e.Op, e.After)
}

// IsTimeout reports whether err is (or wraps) a per-attempt timeout.
func IsTimeout(err error) bool {
	var to *TimeoutError
	return errors.As(err, &to)
}

// CircuitOpenError is returned without invoking the work when the breaker
// for the operation is open.
type CircuitOpenError struct {
	Op         string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("circuit open for %q, retry after %s", e.Op, e.RetryAfter)
	}
	return fmt.Sprintf("circuit open for %q", e.Op)
}

// BulkheadFullError is returned when a resource class has no execution or
// queue slot left.
type BulkheadFullError struct {
	Resource      string
	MaxConcurrent int
	MaxQueued     int
}

func (e *BulkheadFullError) Error() string {
	return fmt.Sprintf("bulkhead %q full (%d running, %d queued)", e.Resource, e.MaxConcurrent, e.MaxQueued)
}

// ExhaustedError is the terminal failure of an Execute call: every attempt
// failed (or a non-retryable error stopped the loop). Unwrap exposes the
// last attempt's error for errors.Is/As.
type ExhaustedError struct {
	Op       string
	Attempts int
	Elapsed  time.Duration
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("operation %q failed after %d attempt(s) in %s: %v", e.Op, e.Attempts, e.Elapsed.Round(time.Millisecond), e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Retryable reports whether the attempt loop may re-invoke work after err.
// Timeouts and permanent/fatal errors stop the loop; everything else retries.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if IsTimeout(err) {
		return false
	}
	switch Classify(err) {
	case ClassPermanent, ClassFatal:
		return false
	}
	return true
}
