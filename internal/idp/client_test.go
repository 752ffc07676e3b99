package idp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiermate/tiermate-auth/internal/config"
	"github.com/tiermate/tiermate-auth/internal/oauth"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.AuthBase = srv.URL
	c, err := NewClient(cfg, WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return c
}

func TestStartQRLogin(t *testing.T) {
	var got StartRequest
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/qr-login/start", r.URL.Path)
		assert.Equal(t, "tiermate", r.URL.Query().Get("client_id"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"login_id":"login-1","wechat_qr_url":"https://qr.example/1","state":"st","expires_in":300}`)
	}))

	resp, err := c.StartQRLogin(context.Background(), StartRequest{
		Scope:               "openid profile offline_access",
		CodeChallenge:       "challenge",
		CodeChallengeMethod: oauth.MethodS256,
		Nonce:               "nonce",
	})
	require.NoError(t, err)
	assert.Equal(t, "login-1", resp.LoginID)
	assert.Equal(t, "https://qr.example/1", resp.QRURL)
	assert.Equal(t, 300, resp.ExpiresIn)

	assert.Equal(t, "tiermate", got.ClientID)
	assert.Equal(t, "challenge", got.CodeChallenge)
	assert.Equal(t, "S256", got.CodeChallengeMethod)
	assert.Equal(t, "nonce", got.Nonce)
}

func TestStartQRLoginErrors(t *testing.T) {
	t.Run("rejection", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"message":"client disabled"}`)
		}))
		_, err := c.StartQRLogin(context.Background(), StartRequest{})
		oauthErr, ok := oauth.AsOAuthError(err)
		require.True(t, ok)
		assert.Equal(t, "client disabled", oauthErr.Message())
	})

	t.Run("missing login id", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `{}`)
		}))
		_, err := c.StartQRLogin(context.Background(), StartRequest{})
		assert.ErrorIs(t, err, oauth.ErrTransport)
	})

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		cfg := config.Default()
		cfg.AuthBase = srv.URL
		srv.Close()

		c, err := NewClient(cfg)
		require.NoError(t, err)
		_, err = c.StartQRLogin(context.Background(), StartRequest{})
		assert.ErrorIs(t, err, oauth.ErrTransport)
	})
}

func TestLoginStatus(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/login-status/login%2F1", r.URL.EscapedPath())
		_, _ = io.WriteString(w, `{"status":"SCANNED","user_id":12}`)
	}))

	ev, err := c.LoginStatus(context.Background(), "login/1")
	require.NoError(t, err)
	assert.Equal(t, StatusScanned, ev.Status)
	assert.Equal(t, UserID("12"), ev.UserID)
}

func TestRegister(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/email/register", r.URL.Path)
		var req RegisterRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Email == "taken@example.com" {
			w.WriteHeader(http.StatusConflict)
			_, _ = io.WriteString(w, `{"error":"conflict","message":"email already registered"}`)
			return
		}
		assert.Equal(t, "tiermate", req.ClientID)
		_, _ = io.WriteString(w, `{"user_id": 99}`)
	}))

	resp, err := c.Register(context.Background(), RegisterRequest{Email: "new@example.com", Password: "secret1"})
	require.NoError(t, err)
	assert.Equal(t, UserID("99"), resp.UserID)

	_, err = c.Register(context.Background(), RegisterRequest{Email: "taken@example.com", Password: "secret1"})
	oauthErr, ok := oauth.AsOAuthError(err)
	require.True(t, ok)
	assert.Equal(t, "email already registered", oauthErr.Message())
}

func TestSubscribeEvents(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/qr-login/events", r.URL.Path)
		assert.Equal(t, "login-1", r.URL.Query().Get("login_id"))
		assert.Equal(t, "tiermate", r.URL.Query().Get("client_id"))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": hello\n\n")
		fmt.Fprint(w, "data: {\"status\":\"pending\"}\n\n")
		fmt.Fprint(w, "data: not json\n\n")
		fmt.Fprint(w, "data: {\"status\":\"completed\",\"code\":\"abc123\"}\n\n")
		fmt.Fprint(w, "event: fallback\ndata: {}\n\n")
	}))

	stream, err := c.SubscribeEvents(context.Background(), "login-1")
	require.NoError(t, err)
	defer stream.Close()

	ev, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, StatusPending, ev.Status)

	ev, err = stream.Next()
	require.NoError(t, err)
	assert.Equal(t, StatusEvent{Status: StatusCompleted, Code: "abc123"}, ev)

	_, err = stream.Next()
	assert.ErrorIs(t, err, ErrFallback)

	_, err = stream.Next()
	assert.True(t, errors.Is(err, io.EOF))
}

func TestSubscribeEventsBadStatus(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	_, err := c.SubscribeEvents(context.Background(), "login-1")
	assert.ErrorIs(t, err, oauth.ErrTransport)
}

func TestNewClientRequireHTTPS(t *testing.T) {
	cfg := config.Default()
	cfg.AuthBase = "http://auth.example.com"
	cfg.Security.RequireHTTPS = true

	_, err := NewClient(cfg)
	assert.ErrorIs(t, err, oauth.ErrInsecureTransport)
}

func TestNewProvider(t *testing.T) {
	cfg := config.Default()
	cfg.AuthBase = "https://auth.example.com"

	challenge := oauth.Challenge{Verifier: "v", Challenge: "c", Method: oauth.MethodS256}
	req := AuthRequest{State: "st", Nonce: "n", Challenge: challenge, RedirectURI: "http://127.0.0.1:7878/auth/callback"}

	tests := []struct {
		name      string
		provider  string
		wantPath  string
		wantScope string
		wantErr   bool
	}{
		{"wechat", "wechat", "/auth/wechat/authorize", "openid profile offline_access", false},
		{"google", "google", "/auth/google/authorize", "openid email profile offline_access", false},
		{"generic", "github", "/auth/github/authorize", "openid profile email offline_access", false},
		{"empty", "", "", "", true},
		{"bad name", "a/b", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewProvider(tt.provider, cfg)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnknownProvider)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.provider, p.Type())

			u, err := url.Parse(p.AuthURL(req))
			require.NoError(t, err)
			assert.Equal(t, "auth.example.com", u.Host)
			assert.Equal(t, tt.wantPath, u.Path)

			q := u.Query()
			assert.Equal(t, "tiermate", q.Get("client_id"))
			assert.Equal(t, "code", q.Get("response_type"))
			assert.Equal(t, req.RedirectURI, q.Get("redirect_uri"))
			assert.Equal(t, tt.wantScope, q.Get("scope"))
			assert.Equal(t, "st", q.Get("state"))
			assert.Equal(t, "c", q.Get("code_challenge"))
			assert.Equal(t, "S256", q.Get("code_challenge_method"))
			assert.Equal(t, "n", q.Get("nonce"))
		})
	}
}
