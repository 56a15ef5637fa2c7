package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Error(t *testing.T) {
	err := NewError(ErrBackendFailure, "backend call failed")
	assert.Equal(t, "[BACKEND_FAILURE] backend call failed", err.Error())

	cause := errors.New("connection refused")
	err = err.WithCause(cause)
	assert.Equal(t, "[BACKEND_FAILURE] backend call failed: connection refused", err.Error())
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	err := NewError(ErrInternalError, "wrapped").WithCause(cause)

	require.ErrorIs(t, err, cause)
	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestError_Builders(t *testing.T) {
	err := NewError(ErrRateLimited, "slow down").
		WithHTTPStatus(429).
		WithRetryable(true)

	assert.Equal(t, 429, err.HTTPStatus)
	assert.True(t, err.Retryable)
	assert.True(t, IsRetryable(err))
}

func TestGetErrorCode(t *testing.T) {
	assert.Equal(t, ErrShuttingDown, GetErrorCode(NewError(ErrShuttingDown, "bye")))
	assert.Equal(t, ErrorCode(""), GetErrorCode(errors.New("plain")))
	assert.Equal(t, ErrorCode(""), GetErrorCode(nil))
}

func TestGetErrorCode_Wrapped(t *testing.T) {
	// fmt-wrapped errors lose the typed code; only direct *Error carries one.
	inner := NewError(ErrCancelled, "caller gave up")
	wrapped := fmt.Errorf("submit: %w", inner)
	assert.Equal(t, ErrorCode(""), GetErrorCode(wrapped))

	var typed *Error
	require.True(t, errors.As(wrapped, &typed))
	assert.Equal(t, ErrCancelled, typed.Code)
}

func TestIsRetryable_NonTyped(t *testing.T) {
	assert.False(t, IsRetryable(errors.New("plain")))
}
