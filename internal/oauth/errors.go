package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tiermate/tiermate-auth/internal/log"
)

// ErrTransport marks failures where no usable response was received:
// the provider was unreachable or answered with something that is not
// the expected shape. Protocol rejections are *OAuthError instead.
var ErrTransport = errors.New("transport failure")

type ErrorCode string

const (
	ErrInvalidRequest       ErrorCode = "invalid_request"
	ErrUnauthorizedClient   ErrorCode = "unauthorized_client"
	ErrAccessDenied         ErrorCode = "access_denied"
	ErrInvalidScope         ErrorCode = "invalid_scope"
	ErrServerError          ErrorCode = "server_error"
	ErrInvalidGrant         ErrorCode = "invalid_grant"
	ErrInvalidClient        ErrorCode = "invalid_client"
	ErrUnsupportedGrantType ErrorCode = "unsupported_grant_type"
	ErrInvalidToken         ErrorCode = "invalid_token"
	ErrRequestFailed        ErrorCode = "request_failed"
)

// OAuthError is a structured rejection from the identity provider.
type OAuthError struct {
	Code        ErrorCode `json:"error"`
	Description string    `json:"error_description,omitempty"`
	Status      int       `json:"-"`
}

func (e *OAuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Description)
	}
	return string(e.Code)
}

// Message is the human-readable reason, falling back to the code.
func (e *OAuthError) Message() string {
	if e.Description != "" {
		return e.Description
	}
	return string(e.Code)
}

func NewOAuthError(code ErrorCode, description string) *OAuthError {
	return &OAuthError{Code: code, Description: description}
}

// AsOAuthError unwraps err to an *OAuthError if it is one.
func AsOAuthError(err error) (*OAuthError, bool) {
	var oauthErr *OAuthError
	if errors.As(err, &oauthErr) {
		return oauthErr, true
	}
	return nil, false
}

// ParseErrorResponse builds an OAuthError from a non-2xx provider body.
// The provider answers either in RFC 6749 form ({error, error_description})
// or with its own {message} shape; both are accepted.
func ParseErrorResponse(status int, body []byte) *OAuthError {
	var payload struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
		Message          string `json:"message"`
	}
	_ = json.Unmarshal(body, &payload)

	code := ErrorCode(payload.Error)
	if code == "" {
		code = codeForStatus(status)
	}

	description := payload.ErrorDescription
	if description == "" {
		description = payload.Message
	}
	if description == "" && payload.Error == "" {
		description = strings.TrimSpace(string(body))
		if len(description) > 200 {
			description = description[:200]
		}
	}

	return &OAuthError{Code: code, Description: description, Status: status}
}

func codeForStatus(status int) ErrorCode {
	switch status {
	case http.StatusBadRequest:
		return ErrInvalidRequest
	case http.StatusUnauthorized:
		return ErrInvalidToken
	case http.StatusForbidden:
		return ErrAccessDenied
	}
	if status >= 500 {
		return ErrServerError
	}
	return ErrRequestFailed
}

// WriteTokenError writes an RFC 6749 error body.
func WriteTokenError(w http.ResponseWriter, status int, oauthErr *OAuthError) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(oauthErr); err != nil {
		log.LogError("Failed to encode OAuth error response: %v", err)
	}
}
