package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fenilsonani/mailrules/internal/resilience"
	"github.com/fenilsonani/mailrules/internal/rules"
)

var (
	// ErrMessageNotFound is returned when a message id does not exist.
	ErrMessageNotFound = errors.New("message not found")
	// ErrAccountNotFound is returned when an owner has no provider account.
	ErrAccountNotFound = errors.New("provider account not found")
	// ErrUnsupported is returned for modifications an adapter cannot express.
	ErrUnsupported = errors.New("operation not supported by provider")
)

// RateLimitedError means the provider asked us to slow down. RetryAfter is
// zero when the provider gave no hint.
type RateLimitedError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string {
	msg := "provider rate limited"
	if e.RetryAfter > 0 {
		msg = fmt.Sprintf("%s (retry after %s)", msg, e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

// Error is a transient provider failure such as a dropped connection or a
// temporary server response.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("provider %s: %v", e.Op, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// FatalError is a failure that will not go away by retrying.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("provider %s (permanent): %v", e.Op, e.Err) }

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as a FatalError.
func Fatal(op string, err error) error {
	return &FatalError{Op: op, Err: err}
}

// ErrorClass drives retry decisions.
type ErrorClass int

const (
	ClassNone ErrorClass = iota
	// ClassRetryable consumes a retry and backs off.
	ClassRetryable
	// ClassRateLimited waits without consuming a retry.
	ClassRateLimited
	// ClassUnavailable means the circuit is open; the attempt is released
	// without consuming a retry.
	ClassUnavailable
	// ClassFatal fails immediately.
	ClassFatal
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassRetryable:
		return "retryable"
	case ClassRateLimited:
		return "rate_limited"
	case ClassUnavailable:
		return "unavailable"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classify maps an error from a provider call to its retry class. Unknown
// errors are retryable.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}

	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return ClassRateLimited
	}
	var fatal *FatalError
	if errors.As(err, &fatal) {
		return ClassFatal
	}
	switch {
	case errors.Is(err, ErrMessageNotFound),
		errors.Is(err, ErrAccountNotFound),
		errors.Is(err, ErrUnsupported),
		errors.Is(err, rules.ErrNotFound),
		errors.Is(err, rules.ErrValidation):
		return ClassFatal
	case errors.Is(err, resilience.ErrCircuitOpen):
		return ClassUnavailable
	}
	return ClassRetryable
}

// RetryAfter returns the delay requested by a RateLimitedError in err's chain.
func RetryAfter(err error) time.Duration {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}

// countsAgainstCircuit reports whether err indicates an unhealthy provider.
// Rate limits and permanent per-message failures do not.
func countsAgainstCircuit(err error) bool {
	switch Classify(err) {
	case ClassRateLimited, ClassFatal, ClassNone:
		return false
	}
	return !errors.Is(err, context.Canceled)
}
