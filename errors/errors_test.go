package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassification(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		class ErrorClass
	}{
		{"circuit open is transient", ErrCircuitOpen, ErrorTransient},
		{"rate limited is transient", ErrRateLimited, ErrorTransient},
		{"link closed is transient", ErrLinkClosed, ErrorTransient},
		{"context deadline is transient", context.DeadlineExceeded, ErrorTransient},
		{"invalid frame is invalid", ErrInvalidFrame, ErrorInvalid},
		{"permission denied is invalid", ErrPermissionDenied, ErrorInvalid},
		{"unauthorized is invalid", ErrUnauthorized, ErrorInvalid},
		{"invalid config is fatal", ErrInvalidConfig, ErrorFatal},
		{"reconnect exhausted is fatal", ErrReconnectExhausted, ErrorFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.class, Classify(tt.err))
		})
	}
}

func TestWrapPreservesSentinel(t *testing.T) {
	err := WrapTransient(ErrCircuitOpen, "Supervisor", "SendCommand", "write relay directive")

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCircuitOpen))
	assert.True(t, IsTransient(err))
	assert.Contains(t, err.Error(), "Supervisor.SendCommand")
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "c", "m", "a"))
	assert.NoError(t, WrapTransient(nil, "c", "m", "a"))
	assert.NoError(t, WrapInvalid(nil, "c", "m", "a"))
	assert.NoError(t, WrapFatal(nil, "c", "m", "a"))
}

func TestClassifiedErrorOverridesHeuristics(t *testing.T) {
	// A wrapped classification wins over message pattern matching.
	base := fmt.Errorf("connection reset by peer")
	assert.True(t, IsTransient(base))

	classified := WrapInvalid(base, "Gate", "Authenticate", "parse token")
	assert.True(t, IsInvalid(classified))
	assert.False(t, IsTransient(classified))
}

func TestShouldRetry(t *testing.T) {
	cfg := DefaultRetryConfig()

	assert.True(t, cfg.ShouldRetry(ErrCircuitOpen, 0))
	assert.False(t, cfg.ShouldRetry(ErrCircuitOpen, cfg.MaxRetries))
	assert.False(t, cfg.ShouldRetry(ErrPermissionDenied, 0))
	assert.False(t, cfg.ShouldRetry(nil, 0))
}

func TestToRetryConfig(t *testing.T) {
	rc := RetryConfig{MaxRetries: 4, BackoffFactor: 2.0}.ToRetryConfig()
	assert.Equal(t, 5, rc.MaxAttempts)
	assert.True(t, rc.AddJitter)
}
