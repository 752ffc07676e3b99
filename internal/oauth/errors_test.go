package oauth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseErrorResponse(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode ErrorCode
		wantMsg  string
	}{
		{
			name:     "rfc6749 body",
			status:   400,
			body:     `{"error":"invalid_grant","error_description":"code expired"}`,
			wantCode: ErrInvalidGrant,
			wantMsg:  "code expired",
		},
		{
			name:     "provider message body",
			status:   401,
			body:     `{"message":"Invalid email or password"}`,
			wantCode: ErrInvalidToken,
			wantMsg:  "Invalid email or password",
		},
		{
			name:     "error and message",
			status:   409,
			body:     `{"error":"conflict","message":"Email already registered"}`,
			wantCode: ErrorCode("conflict"),
			wantMsg:  "Email already registered",
		},
		{
			name:     "plain text",
			status:   502,
			body:     "bad gateway",
			wantCode: ErrServerError,
			wantMsg:  "bad gateway",
		},
		{
			name:     "empty",
			status:   404,
			body:     "",
			wantCode: ErrRequestFailed,
			wantMsg:  "request_failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ParseErrorResponse(tt.status, []byte(tt.body))
			assert.Equal(t, tt.wantCode, err.Code)
			assert.Equal(t, tt.wantMsg, err.Message())
			assert.Equal(t, tt.status, err.Status)
		})
	}
}

func TestAsOAuthError(t *testing.T) {
	wrapped := fmt.Errorf("exchange: %w", NewOAuthError(ErrInvalidGrant, "used"))
	oauthErr, ok := AsOAuthError(wrapped)
	require.True(t, ok)
	assert.Equal(t, ErrInvalidGrant, oauthErr.Code)

	_, ok = AsOAuthError(fmt.Errorf("%w: dial tcp", ErrTransport))
	assert.False(t, ok)
}

func TestWriteTokenError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteTokenError(rec, http.StatusBadRequest, NewOAuthError(ErrInvalidGrant, "bad code"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "invalid_grant", body["error"])
	assert.Equal(t, "bad code", body["error_description"])
}
