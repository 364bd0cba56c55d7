// Package apierror maps provider responses and transport failures onto a closed
// error taxonomy consumed by the governor and the executor.
package apierror

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Kind is one member of the closed provider error taxonomy.
type Kind string

// Error kinds.
const (
	KindAuthenticationFailed Kind = "authentication_failed"
	KindPermissionDenied     Kind = "permission_denied"
	KindQuotaExceeded        Kind = "quota_exceeded"
	KindInvalidRequest       Kind = "invalid_request"
	KindRateLimitExceeded    Kind = "rate_limit_exceeded"
	KindTransientServerError Kind = "transient_server_error"
	KindNetworkOrTimeout     Kind = "network_or_timeout"
	KindUnknown              Kind = "unknown"
)

// Error is a classified provider failure.
type Error struct {
	Kind       Kind
	HTTPStatus int
	Message    string
	// RetryAfter is the provider's hint; zero when absent.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.HTTPStatus != 0 {
		fmt.Fprintf(&b, " (http %d)", e.HTTPStatus)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes the underlying transport error, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the executor may retry this failure.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTransientServerError, KindNetworkOrTimeout:
		return true
	default:
		return false
	}
}

// Classify maps an HTTP status and provider message onto a Kind.
func Classify(status int, message string, retryAfter time.Duration) *Error {
	e := &Error{HTTPStatus: status, Message: message}
	lower := strings.ToLower(message)
	switch {
	case status == http.StatusUnauthorized:
		e.Kind = KindAuthenticationFailed
	case status == http.StatusForbidden && strings.Contains(lower, "quota"):
		e.Kind = KindQuotaExceeded
	case status == http.StatusForbidden && strings.Contains(lower, "permission"):
		e.Kind = KindPermissionDenied
	case status == http.StatusForbidden, status == http.StatusBadRequest:
		e.Kind = KindInvalidRequest
	case status == http.StatusTooManyRequests:
		e.Kind = KindRateLimitExceeded
		e.RetryAfter = retryAfter
	case status == http.StatusInternalServerError,
		status == http.StatusBadGateway,
		status == http.StatusServiceUnavailable:
		e.Kind = KindTransientServerError
		e.RetryAfter = retryAfter
	default:
		e.Kind = KindUnknown
	}
	return e
}

// FromTransport classifies an error returned before a provider response was
// read. Context cancellation is returned unchanged so callers can tell an
// abandoned call apart from a network failure.
func FromTransport(err error) error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindNetworkOrTimeout, Message: "deadline exceeded", Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		msg := "network error"
		if netErr.Timeout() {
			msg = "timeout"
		}
		return &Error{Kind: KindNetworkOrTimeout, Message: msg, Err: err}
	}
	return &Error{Kind: KindNetworkOrTimeout, Err: err}
}

// Invalid builds an InvalidRequest error for failures detected locally.
func Invalid(err error) *Error {
	return &Error{Kind: KindInvalidRequest, Err: err}
}

// As extracts the classified error from err's chain.
func As(err error) (*Error, bool) {
	var classified *Error
	if errors.As(err, &classified) {
		return classified, true
	}
	return nil, false
}

// KindOf returns the Kind of err, or KindUnknown for unclassified errors.
func KindOf(err error) Kind {
	if classified, ok := As(err); ok {
		return classified.Kind
	}
	return KindUnknown
}

// IsRateLimited reports whether err is a RateLimitExceeded failure.
func IsRateLimited(err error) bool {
	classified, ok := As(err)
	return ok && classified.Kind == KindRateLimitExceeded
}

// ParseRetryAfter decodes a Retry-After header given as delta-seconds or an
// HTTP date. Unparseable or past values yield zero.
func ParseRetryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	when, err := http.ParseTime(header)
	if err != nil {
		return 0
	}
	if d := when.Sub(now); d > 0 {
		return d
	}
	return 0
}
