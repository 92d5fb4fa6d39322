package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"explicit", NewTransientError(errors.New("server overloaded"), 503), true},
		{"wrapped", fmt.Errorf("api call failed: %w", NewTransientError(errors.New("rate limited"), 429)), true},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), true},
		{"connection reset", fmt.Errorf("write tcp: %w", syscall.ECONNRESET), true},
		{"network timeout", &net.DNSError{IsTimeout: true, Err: "timeout"}, true},
		{"string pattern", errors.New("TLS handshake timeout"), true},
		{"rate limit text", errors.New("429 Too Many Requests"), true},
		{"regular", errors.New("invalid input: missing field"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, IsTransientHTTPStatus(code), "HTTP %d", code)
	}
	for _, code := range []int{200, 400, 401, 403, 404, 422} {
		assert.False(t, IsTransientHTTPStatus(code), "HTTP %d", code)
	}
}

func TestTransientError_Unwrap(t *testing.T) {
	inner := errors.New("root cause")
	te := NewTransientError(inner, 500)
	assert.ErrorIs(t, te, inner)
	assert.Equal(t, "root cause", te.Error())
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, FailureTimeout, ClassifyError(fmt.Errorf("extract: %w", context.DeadlineExceeded)))
	assert.Equal(t, FailureRateLimited, ClassifyError(NewTransientError(errors.New("slow down"), 429)))
	assert.Equal(t, FailureTransient, ClassifyError(NewTransientError(errors.New("bad gateway"), 502)))
	assert.Equal(t, FailurePermanent, ClassifyError(errors.New("invalid api key")))
}

func TestFailureMessage(t *testing.T) {
	msg := FailureMessage(fmt.Errorf("call mistral: %w", context.DeadlineExceeded))
	assert.True(t, strings.HasPrefix(msg, "timeout: "), msg)
	assert.Contains(t, msg, "call mistral")
}
