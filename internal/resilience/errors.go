package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// TransientError marks a provider call failure that should clear on its
// own, such as a 429 or a 5xx from the provider API.
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as transient. statusCode may be 0.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// Substrings of provider client errors that indicate a retryable condition.
var transientMessages = []string{
	"connection reset by peer",
	"broken pipe",
	"no such host",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
	"overloaded",
	"rate limit",
	"too many requests",
}

// IsTransient reports whether err, or anything it wraps, is a condition a
// later call to the same provider could succeed past.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	var netErr net.Error
	switch {
	case errors.As(err, &te), errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.As(err, &netErr) && netErr.Timeout():
		return true
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNREFUSED):
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range transientMessages {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsTransientHTTPStatus reports whether a provider HTTP status is worth
// counting as transient rather than permanent.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504, 529:
		return true
	}
	return false
}

// Failure kinds used as the prefix of recorded failure messages.
const (
	FailureTimeout     = "timeout"
	FailureRateLimited = "rate_limited"
	FailureMalformed   = "malformed_response"
	FailureTransient   = "transient"
	FailurePermanent   = "permanent"
)

// ClassifyError categorizes a provider call error.
func ClassifyError(err error) string {
	var te *TransientError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	case errors.As(err, &te) && te.StatusCode == 429:
		return FailureRateLimited
	case IsTransient(err):
		return FailureTransient
	default:
		return FailurePermanent
	}
}

// FailureMessage renders err as the message recorded for a failed call,
// prefixed with its classification.
func FailureMessage(err error) string {
	return fmt.Sprintf("%s: %v", ClassifyError(err), err)
}
