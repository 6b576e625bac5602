package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCapturesStack(t *testing.T) {
	err := New(ErrorTypeValidation, "bad record")
	require.NotNil(t, err)
	assert.Equal(t, ErrorTypeValidation, err.Type)
	assert.NotEmpty(t, err.Stack)
}

func TestWrapNilReturnsNil(t *testing.T) {
	var wrapped *Error = Wrap(nil, ErrorTypeInternal, "ignored")
	assert.Nil(t, wrapped)
}

func TestWrapPreservesCause(t *testing.T) {
	cause := stderrors.New("socket closed")
	err := Wrap(cause, ErrorTypeConnectorUnavailable, "source unreachable")

	require.NotNil(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "socket closed")
	assert.Contains(t, err.Error(), "connector_unavailable")
}

func TestWrapPreservesOriginalStack(t *testing.T) {
	inner := New(ErrorTypeTimeout, "read deadline exceeded")
	outer := Wrap(inner, ErrorTypeConnectorUnavailable, "extract failed")

	require.NotNil(t, outer)
	assert.Equal(t, inner.Stack, outer.Stack)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"connector unavailable", New(ErrorTypeConnectorUnavailable, "down"), true},
		{"rate limited", New(ErrorTypeRateLimit, "throttled"), true},
		{"io timeout", New(ErrorTypeTimeout, "slow"), true},
		{"schema mismatch", New(ErrorTypeSchemaMismatch, "column gone"), false},
		{"validation", New(ErrorTypeValidation, "no key"), false},
		{"cycle timeout", New(ErrorTypeCycleTimeout, "deadline"), false},
		{"checkpoint", New(ErrorTypeCheckpoint, "save lost race"), false},
		{"plain error", fmt.Errorf("opaque"), false},
		{"wrapped retryable", fmt.Errorf("outer: %w", New(ErrorTypeTimeout, "inner")), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}

func TestGetType(t *testing.T) {
	assert.Equal(t, ErrorTypeValidation, GetType(New(ErrorTypeValidation, "x")))
	assert.Equal(t, ErrorTypeInternal, GetType(stderrors.New("foreign")))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(New(ErrorTypeNotFound, "no checkpoint")))
	assert.False(t, IsNotFound(New(ErrorTypeInternal, "boom")))
}

func TestWithDetail(t *testing.T) {
	err := New(ErrorTypeValidation, "bad payload").
		WithDetail("key", "u1").
		WithDetail("field", "email")

	require.NotNil(t, err.Details)
	assert.Equal(t, "u1", err.Details["key"])
	assert.Equal(t, "email", err.Details["field"])
}
