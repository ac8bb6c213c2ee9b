// Package airerr implements the error taxonomy of the ingestion/search core
// (kinds, not concrete per-call types): ValidationFailure, AuthFailure,
// RateLimited, Transient, NotFoundOrGone, QuotaExceeded, PaymentRequired,
// InternalInvariantViolated. Components construct one of these via the
// constructors below and callers branch on Kind via errors.As.
package airerr

import (
	"errors"
	"fmt"
	"time"
)

type Kind string

const (
	ValidationFailure        Kind = "validation_failure"
	AuthFailure              Kind = "auth_failure"
	RateLimited              Kind = "rate_limited"
	Transient                Kind = "transient"
	NotFoundOrGone           Kind = "not_found_or_gone"
	QuotaExceeded            Kind = "quota_exceeded"
	PaymentRequired          Kind = "payment_required"
	InternalInvariantViolated Kind = "internal_invariant_violated"
)

// Error wraps an underlying cause with a taxonomy Kind plus structured
// fields used by retry/backoff and logging call sites.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration // RateLimited only
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is makes errors.Is(err, airerr.RateLimited) work by comparing Kind against
// a sentinel wrapped in an *Error with no message.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func RateLimitedAfter(message string, retryAfter time.Duration) *Error {
	return &Error{Kind: RateLimited, Message: message, RetryAfter: retryAfter}
}

// KindOf returns the Kind of err if it (or something it wraps) is an
// *Error, and ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Retryable reports whether the core's default retry policy should retry
// this error kind (Transient, RateLimited). AuthFailure is retried exactly
// once by the caller after a token refresh, not by this helper.
func Retryable(err error) bool {
	k, ok := KindOf(err)
	if !ok {
		return false
	}
	return k == Transient || k == RateLimited
}

func sentinel(k Kind) *Error { return &Error{Kind: k} }

// Sentinels for errors.Is comparisons, e.g. errors.Is(err, airerr.ErrQuotaExceeded).
var (
	ErrValidationFailure         = sentinel(ValidationFailure)
	ErrAuthFailure               = sentinel(AuthFailure)
	ErrRateLimited               = sentinel(RateLimited)
	ErrTransient                 = sentinel(Transient)
	ErrNotFoundOrGone            = sentinel(NotFoundOrGone)
	ErrQuotaExceeded             = sentinel(QuotaExceeded)
	ErrPaymentRequired           = sentinel(PaymentRequired)
	ErrInternalInvariantViolated = sentinel(InternalInvariantViolated)
)
