package urlutil

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinPath(t *testing.T) {
	tests := []struct {
		name  string
		base  string
		paths []string
		want  string
	}{
		{"simple join", "https://auth.example.com", []string{"auth", "login-status"}, "https://auth.example.com/auth/login-status"},
		{"base with path", "https://example.com/idp", []string{"oauth", "token"}, "https://example.com/idp/oauth/token"},
		{"trailing slash preserved", "https://example.com", []string{"v1/"}, "https://example.com/v1/"},
		{"empty paths", "https://example.com/base", nil, "https://example.com/base"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := JoinPath(tt.base, tt.paths...)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name     string
		base     string
		endpoint string
		query    url.Values
		want     string
	}{
		{
			name:     "relative endpoint",
			base:     "https://auth.xiaojinpro.com",
			endpoint: "/oauth/token",
			want:     "https://auth.xiaojinpro.com/oauth/token",
		},
		{
			name:     "absolute endpoint wins",
			base:     "https://auth.xiaojinpro.com",
			endpoint: "https://api.example.com/v1/users/me",
			want:     "https://api.example.com/v1/users/me",
		},
		{
			name:     "query merged",
			base:     "https://auth.example.com",
			endpoint: "/v1/qr-login/start",
			query:    url.Values{"client_id": {"tiermate"}},
			want:     "https://auth.example.com/v1/qr-login/start?client_id=tiermate",
		},
		{
			name:     "endpoint query kept",
			base:     "https://auth.example.com",
			endpoint: "/v1/qr-login/events?v=2",
			query:    url.Values{"login_id": {"abc"}},
			want:     "https://auth.example.com/v1/qr-login/events?login_id=abc&v=2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.base, tt.endpoint, tt.query)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMustResolvePanics(t *testing.T) {
	assert.Panics(t, func() {
		MustResolve("https://example.com", "http://[::1", nil)
	})
}
