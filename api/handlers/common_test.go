package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pbateman/ggufserve/types"
)

func TestWriteSuccess(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteSuccess(rec, map[string]string{"hello": "world"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Nil(t, resp.Error)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	err := types.NewError(types.ErrNotReady, "scheduler is not running")
	WriteError(rec, err, zaptest.NewLogger(t))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "NOT_READY", resp.Error.Code)
	assert.Equal(t, "scheduler is not running", resp.Error.Message)
}

func TestWriteError_ExplicitStatusWins(t *testing.T) {
	rec := httptest.NewRecorder()
	err := types.NewError(types.ErrInvalidRequest, "bad").WithHTTPStatus(http.StatusTeapot)
	WriteError(rec, err, zaptest.NewLogger(t))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestMapErrorCodeToHTTPStatus(t *testing.T) {
	tests := []struct {
		code   types.ErrorCode
		status int
	}{
		{types.ErrInvalidRequest, http.StatusBadRequest},
		{types.ErrRateLimited, http.StatusTooManyRequests},
		{types.ErrCancelled, statusClientClosedRequest},
		{types.ErrNotReady, http.StatusServiceUnavailable},
		{types.ErrShuttingDown, http.StatusServiceUnavailable},
		{types.ErrModelNotLoaded, http.StatusServiceUnavailable},
		{types.ErrServiceUnavailable, http.StatusServiceUnavailable},
		{types.ErrUpstreamTimeout, http.StatusGatewayTimeout},
		{types.ErrUpstreamError, http.StatusBadGateway},
		{types.ErrBackendFailure, http.StatusBadGateway},
		{types.ErrMissingResult, http.StatusBadGateway},
		{types.ErrInternalError, http.StatusInternalServerError},
		{types.ErrorCode("UNKNOWN"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.status, mapErrorCodeToHTTPStatus(tt.code))
		})
	}
}

func TestDecodeJSONBody(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("valid", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"prompt":"hi"}`))
		var dst struct {
			Prompt string `json:"prompt"`
		}
		require.NoError(t, DecodeJSONBody(rec, req, &dst, logger))
		assert.Equal(t, "hi", dst.Prompt)
	})

	t.Run("malformed", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{not json`))
		var dst map[string]any
		err := DecodeJSONBody(rec, req, &dst, logger)
		require.Error(t, err)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown field rejected", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"bogus":1}`))
		var dst struct {
			Prompt string `json:"prompt"`
		}
		err := DecodeJSONBody(rec, req, &dst, logger)
		require.Error(t, err)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestValidateContentType(t *testing.T) {
	logger := zaptest.NewLogger(t)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Content-Type", "application/json")
	assert.True(t, ValidateContentType(httptest.NewRecorder(), req, logger))

	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	assert.False(t, ValidateContentType(rec, req, logger))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResponseWriter_CapturesStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := NewResponseWriter(rec)

	rw.WriteHeader(http.StatusAccepted)
	rw.WriteHeader(http.StatusInternalServerError) // second call ignored
	rw.Write([]byte("body"))

	assert.Equal(t, http.StatusAccepted, rw.StatusCode)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "body", rec.Body.String())
}

func TestResponseWriter_DefaultsTo200OnWrite(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := NewResponseWriter(rec)
	rw.Write([]byte("ok"))
	assert.Equal(t, http.StatusOK, rw.StatusCode)
	assert.True(t, rw.Written)
}
