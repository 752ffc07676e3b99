package idp

import (
	"errors"

	"golang.org/x/oauth2"

	"github.com/tiermate/tiermate-auth/internal/oauth"
)

// AuthRequest carries the per-attempt values for an authorize redirect
type AuthRequest struct {
	State       string
	Nonce       string
	Challenge   oauth.Challenge
	RedirectURI string
	Scopes      []string
}

// Provider builds authorize URLs for a redirect-based login.
type Provider interface {
	// Type returns the provider identifier (e.g., "wechat", "google").
	Type() string

	// AuthURL returns the URL the user agent should be sent to.
	AuthURL(req AuthRequest) string
}

// RedirectProvider is a PKCE authorize endpoint hosted by the identity
// provider, which brokers the upstream login.
type RedirectProvider struct {
	providerType  string
	defaultScopes []string
	config        oauth2.Config
}

// NewRedirectProvider creates a provider for authorizeURL
func NewRedirectProvider(providerType, clientID, authorizeURL string, defaultScopes []string) *RedirectProvider {
	return &RedirectProvider{
		providerType:  providerType,
		defaultScopes: defaultScopes,
		config: oauth2.Config{
			ClientID: clientID,
			Endpoint: oauth2.Endpoint{AuthURL: authorizeURL},
		},
	}
}

func (p *RedirectProvider) Type() string {
	return p.providerType
}

func (p *RedirectProvider) AuthURL(req AuthRequest) string {
	cfg := p.config
	cfg.RedirectURL = req.RedirectURI
	cfg.Scopes = req.Scopes
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = p.defaultScopes
	}

	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", req.Challenge.Challenge),
		oauth2.SetAuthURLParam("code_challenge_method", req.Challenge.Method),
	}
	if req.Nonce != "" {
		opts = append(opts, oauth2.SetAuthURLParam("nonce", req.Nonce))
	}
	return cfg.AuthCodeURL(req.State, opts...)
}

var _ Provider = (*RedirectProvider)(nil)

// ErrUnknownProvider is returned by NewProvider for an unsupported name
var ErrUnknownProvider = errors.New("unknown provider")
