package payment

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrorCode classifies every failure surfaced by the engine into a fixed
// taxonomy. Transport-level failures (circuit open, rate limited, retry
// exhaustion) are mapped into the same taxonomy so fallback eligibility
// can be decided uniformly.
type ErrorCode string

const (
	ErrInvalidRequest           ErrorCode = "invalid_request"
	ErrCardDeclined             ErrorCode = "card_declined"
	ErrRequiresAction           ErrorCode = "requires_action"
	ErrProviderUnavailable      ErrorCode = "provider_unavailable"
	ErrProviderError            ErrorCode = "provider_error"
	ErrNetworkError             ErrorCode = "network_error"
	ErrTimeout                  ErrorCode = "timeout"
	ErrRateLimitExceeded        ErrorCode = "rate_limit_exceeded"
	ErrCircuitOpen              ErrorCode = "circuit_open"
	ErrUnsupportedClientConfirm ErrorCode = "unsupported_client_confirm"
	ErrUnknown                  ErrorCode = "unknown_error"
)

// TriggersFallback reports whether a failure with this code makes the flow
// eligible for switching to an alternate provider. Client-caused errors
// never do.
func (c ErrorCode) TriggersFallback() bool {
	switch c {
	case ErrProviderUnavailable, ErrProviderError, ErrNetworkError, ErrTimeout:
		return true
	default:
		return false
	}
}

// Error is the normalized payment error stored in machine context and shown
// (via MessageKey) to the UI. Raw holds the underlying cause for logs only
// and is never persisted.
type Error struct {
	Code       ErrorCode         `json:"code"`
	Raw        error             `json:"-"`
	MessageKey string            `json:"messageKey,omitempty"`
	Params     map[string]string `json:"params,omitempty"`

	// HTTPStatus and RetryAfter carry transport hints used by the retry
	// policy; both are zero when the failure never reached a provider.
	HTTPStatus int           `json:"-"`
	RetryAfter time.Duration `json:"-"`
}

func (e *Error) Error() string {
	if e.Raw != nil {
		return fmt.Sprintf("payment error %s: %v", e.Code, e.Raw)
	}
	return fmt.Sprintf("payment error %s", e.Code)
}

func (e *Error) Unwrap() error {
	return e.Raw
}

// HTTPStatusCode exposes the provider response status, if any.
func (e *Error) HTTPStatusCode() int {
	return e.HTTPStatus
}

// RetryAfterHint exposes the provider's Retry-After value, if any.
func (e *Error) RetryAfterHint() time.Duration {
	return e.RetryAfter
}

// NewError builds a normalized error wrapping raw under the given code.
func NewError(code ErrorCode, raw error) *Error {
	return &Error{Code: code, Raw: raw}
}

// coded is implemented by transport-layer errors (circuit breaker, rate
// limiter) that already know their taxonomy code.
type coded interface {
	PaymentCode() ErrorCode
}

// retryHinted is implemented by errors that carry a retry-after value.
type retryHinted interface {
	RetryAfterHint() time.Duration
}

// NormalizeError maps an arbitrary error into the taxonomy. It is
// idempotent: an *Error passes through unchanged. A nil error yields nil.
func NormalizeError(err error) *Error {
	if err == nil {
		return nil
	}

	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}

	norm := &Error{Code: ErrUnknown, Raw: err}

	var c coded
	if errors.As(err, &c) {
		norm.Code = c.PaymentCode()
	} else if errors.Is(err, context.DeadlineExceeded) {
		norm.Code = ErrTimeout
	} else {
		var netErr net.Error
		if errors.As(err, &netErr) {
			if netErr.Timeout() {
				norm.Code = ErrTimeout
			} else {
				norm.Code = ErrNetworkError
			}
		}
	}

	var rh retryHinted
	if errors.As(err, &rh) {
		norm.RetryAfter = rh.RetryAfterHint()
	}

	return norm
}
