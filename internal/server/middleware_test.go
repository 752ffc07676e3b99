package server

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiermate/tiermate-auth/internal/log"
)

func TestCorsMiddleware(t *testing.T) {
	tests := []struct {
		name              string
		allowedOrigins    []string
		requestOrigin     string
		method            string
		expectAllowOrigin string
		expectCredentials bool
		expectStatus      int
	}{
		{
			name:              "allowed origin",
			allowedOrigins:    []string{"https://tiermate.app", "https://staging.tiermate.app"},
			requestOrigin:     "https://tiermate.app",
			expectAllowOrigin: "https://tiermate.app",
			expectCredentials: true,
		},
		{
			name:           "disallowed origin",
			allowedOrigins: []string{"https://tiermate.app"},
			requestOrigin:  "https://evil.example.com",
		},
		{
			name:           "no origin header",
			allowedOrigins: []string{"https://tiermate.app"},
		},
		{
			name:              "no configured origins allows any",
			requestOrigin:     "https://tiermate.app",
			expectAllowOrigin: "*",
		},
		{
			name:              "preflight request",
			allowedOrigins:    []string{"https://tiermate.app"},
			requestOrigin:     "https://tiermate.app",
			method:            http.MethodOptions,
			expectAllowOrigin: "https://tiermate.app",
			expectCredentials: true,
			expectStatus:      http.StatusNoContent,
		},
		{
			name:           "origin matching is case sensitive",
			allowedOrigins: []string{"https://TierMate.app"},
			requestOrigin:  "https://tiermate.app",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
			corsHandler := NewCORSMiddleware(tt.allowedOrigins)(handler)

			method := tt.method
			if method == "" {
				method = http.MethodGet
			}
			req := httptest.NewRequest(method, "/session", nil)
			if tt.requestOrigin != "" {
				req.Header.Set("Origin", tt.requestOrigin)
			}

			rr := httptest.NewRecorder()
			corsHandler.ServeHTTP(rr, req)

			assert.Equal(t, tt.expectAllowOrigin, rr.Header().Get("Access-Control-Allow-Origin"))
			if tt.expectCredentials {
				assert.Equal(t, "true", rr.Header().Get("Access-Control-Allow-Credentials"))
			} else {
				assert.Empty(t, rr.Header().Get("Access-Control-Allow-Credentials"))
			}
			assert.Equal(t, "GET, POST, DELETE, OPTIONS", rr.Header().Get("Access-Control-Allow-Methods"))
			assert.Equal(t, "3600", rr.Header().Get("Access-Control-Max-Age"))

			expectStatus := tt.expectStatus
			if expectStatus == 0 {
				expectStatus = http.StatusOK
			}
			assert.Equal(t, expectStatus, rr.Code)
		})
	}
}

func TestRecoverMiddleware(t *testing.T) {
	handler := NewRecoverMiddleware("test")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	require.NotPanics(t, func() {
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	})
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, rr.Body.String(), "internal_server_error")
}

func TestLoggerMiddlewareOmitsQuery(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	handler := NewLoggerMiddleware("test")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/auth/callback?code=secret-code&state=s", nil))

	out := buf.String()
	assert.Contains(t, out, "/auth/callback")
	assert.Contains(t, out, "418")
	assert.NotContains(t, out, "secret-code")

	requestID := rr.Header().Get("X-Request-ID")
	require.NotEmpty(t, requestID)
	assert.Contains(t, out, requestID)
}

func TestLoggerMiddlewareKeepsRequestID(t *testing.T) {
	handler := NewLoggerMiddleware("test")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/session", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, "req-123", rr.Header().Get("X-Request-ID"))
}

func TestChainMiddleware(t *testing.T) {
	var order []string
	mw := func(name string) MiddlewareFunc {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := ChainMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}), mw("inner"), mw("outer"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"outer", "inner"}, order)
}

func TestResponseWriterDelegator(t *testing.T) {
	rr := httptest.NewRecorder()
	w := wrapResponseWriter(rr)

	_, err := w.Write([]byte("hello"))
	require.NoError(t, err)
	w.WriteHeader(http.StatusInternalServerError)
	w.Flush()

	assert.Equal(t, http.StatusOK, w.Status(), "later WriteHeader calls are ignored")
	assert.Equal(t, 5, w.BytesWritten())
	assert.True(t, rr.Flushed)
	assert.Equal(t, rr, w.Unwrap())
}
