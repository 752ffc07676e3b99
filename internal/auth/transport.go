package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/tiermate/tiermate-auth/internal/config"
	"github.com/tiermate/tiermate-auth/internal/idp"
	"github.com/tiermate/tiermate-auth/internal/ioutil"
	"github.com/tiermate/tiermate-auth/internal/log"
	"github.com/tiermate/tiermate-auth/internal/metrics"
	"github.com/tiermate/tiermate-auth/internal/oauth"
	"github.com/tiermate/tiermate-auth/internal/storage"
	"github.com/tiermate/tiermate-auth/internal/urlutil"
)

// ErrTransport marks failures where the provider gave no usable answer.
// Protocol rejections are returned as *oauth.OAuthError instead.
var ErrTransport = oauth.ErrTransport

// Transport is the authenticated HTTP client for the identity provider. It
// attaches the stored bearer token and runs the token endpoint grants.
type Transport struct {
	tokens *storage.TokenStore

	oauthConfig  oauth2.Config
	httpClient   *http.Client
	authBase     string
	resourceBase string
	endpoints    config.Endpoints
	requireHTTPS bool

	metrics *metrics.Metrics
	now     func() time.Time

	refreshGroup singleflight.Group
}

// Option configures a Transport
type Option func(*Transport)

func WithHTTPClient(c *http.Client) Option {
	return func(t *Transport) { t.httpClient = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Transport) { t.metrics = m }
}

// WithClock sets the time source used to judge token freshness
func WithClock(now func() time.Time) Option {
	return func(t *Transport) { t.now = now }
}

// NewTransport creates a transport for the configured provider
func NewTransport(cfg config.Config, tokens *storage.TokenStore, opts ...Option) (*Transport, error) {
	for _, u := range []string{cfg.AuthBase, cfg.ResourceBase()} {
		if err := oauth.CheckTransportSecurity(u, cfg.Security.RequireHTTPS); err != nil {
			return nil, err
		}
	}

	tokenURL, err := urlutil.Resolve(cfg.AuthBase, cfg.Endpoints.Token, nil)
	if err != nil {
		return nil, fmt.Errorf("resolving token endpoint: %w", err)
	}

	t := &Transport{
		tokens: tokens,
		oauthConfig: oauth2.Config{
			ClientID:    cfg.ClientID,
			RedirectURL: cfg.RedirectURI,
			Scopes:      cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient:   &http.Client{Timeout: cfg.HTTPTimeout.Std()},
		authBase:     cfg.AuthBase,
		resourceBase: cfg.ResourceBase(),
		endpoints:    cfg.Endpoints,
		requireHTTPS: cfg.Security.RequireHTTPS,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func (t *Transport) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, t.httpClient)
}

// classify turns an oauth2 error into an *oauth.OAuthError for a provider
// rejection or a wrapped ErrTransport for anything else.
func classify(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := http.StatusBadRequest
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		return oauth.ParseErrorResponse(status, re.Body)
	}
	return fmt.Errorf("%w: %v", ErrTransport, err)
}

// ExchangeCode redeems an authorization code with its PKCE verifier and
// persists the resulting pair.
func (t *Transport) ExchangeCode(ctx context.Context, code, verifier, redirectURI string) (storage.TokenPair, error) {
	cfg := t.oauthConfig
	if redirectURI != "" {
		if err := oauth.CheckTransportSecurity(redirectURI, t.requireHTTPS); err != nil {
			return storage.TokenPair{}, err
		}
		cfg.RedirectURL = redirectURI
	}

	tok, err := cfg.Exchange(t.oauthContext(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		err = classify(err)
		if _, ok := oauth.AsOAuthError(err); ok {
			t.metrics.Exchange(metrics.ResultRejected)
		} else {
			t.metrics.Exchange(metrics.ResultError)
		}
		log.LogErrorWithFields("transport", "Authorization code exchange failed", map[string]any{
			"error": err.Error(),
		})
		return storage.TokenPair{}, err
	}

	pair := storage.TokenPair{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken}
	if err := t.tokens.ReplacePair(ctx, pair); err != nil {
		t.metrics.Exchange(metrics.ResultError)
		return storage.TokenPair{}, fmt.Errorf("storing tokens: %w", err)
	}

	t.metrics.Exchange(metrics.ResultSuccess)
	log.LogInfoWithFields("transport", "Authorization code exchanged", map[string]any{
		"access_token": log.Redact(pair.AccessToken),
		"has_refresh":  pair.RefreshToken != "",
	})
	return pair, nil
}

// Refresh runs the refresh_token grant with the stored refresh token.
// Concurrent calls share one request. Any failure leaves the store empty:
// a rejection returns false with no error, a transport failure returns false
// with the error. A cancelled ctx returns its error and keeps the tokens.
func (t *Transport) Refresh(ctx context.Context) (bool, error) {
	v, err, shared := t.refreshGroup.Do("refresh", func() (any, error) {
		return t.refresh(ctx)
	})
	if shared {
		log.LogTraceWithFields("transport", "Joined in-flight refresh", nil)
	}
	return v.(bool), err
}

func (t *Transport) refresh(ctx context.Context) (bool, error) {
	pair, err := t.tokens.Get(ctx)
	if err != nil {
		return false, fmt.Errorf("reading tokens: %w", err)
	}
	if pair.RefreshToken == "" {
		log.LogDebugWithFields("transport", "No refresh token stored", nil)
		t.metrics.Refresh(metrics.ResultRejected)
		return false, t.tokens.Clear(ctx)
	}

	old := &oauth2.Token{RefreshToken: pair.RefreshToken}
	tok, err := t.oauthConfig.TokenSource(t.oauthContext(ctx), old).Token()
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		err = classify(err)
		if clearErr := t.tokens.Clear(ctx); clearErr != nil {
			log.LogErrorWithFields("transport", "Failed to clear tokens", map[string]any{"error": clearErr.Error()})
		}

		if _, ok := oauth.AsOAuthError(err); ok {
			t.metrics.Refresh(metrics.ResultRejected)
			log.LogInfoWithFields("transport", "Refresh token rejected, session cleared", map[string]any{
				"error": err.Error(),
			})
			return false, nil
		}
		t.metrics.Refresh(metrics.ResultError)
		log.LogErrorWithFields("transport", "Refresh failed, session cleared", map[string]any{
			"error": err.Error(),
		})
		return false, err
	}

	// The oauth2 token source keeps the old refresh token when none is rotated
	next := storage.TokenPair{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken}
	if err := t.tokens.SetPair(ctx, next); err != nil {
		t.metrics.Refresh(metrics.ResultError)
		return false, fmt.Errorf("storing tokens: %w", err)
	}

	t.metrics.Refresh(metrics.ResultSuccess)
	log.LogInfoWithFields("transport", "Tokens refreshed", map[string]any{
		"access_token": log.Redact(next.AccessToken),
		"rotated":      next.RefreshToken != pair.RefreshToken,
	})
	return true, nil
}

// AuthorizedRequest sends a request with the stored bearer token attached,
// or unauthenticated when no token is stored. A non-nil body is sent as JSON.
func (t *Transport) AuthorizedRequest(ctx context.Context, method, url string, body any) (*http.Response, error) {
	return t.do(ctx, method, url, body, true)
}

func (t *Transport) do(ctx context.Context, method, url string, body any, authorize bool) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if authorize {
		pair, err := t.tokens.Get(ctx)
		if err != nil {
			return nil, fmt.Errorf("reading tokens: %w", err)
		}
		if pair.AccessToken != "" {
			req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
		}
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return resp, nil
}

// doJSON sends a request and decodes a 2xx body into out. It returns the
// status code so callers can act on 401.
func (t *Transport) doJSON(ctx context.Context, method, url string, body, out any, authorize bool) (int, error) {
	resp, err := t.do(ctx, method, url, body, authorize)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	data, err := ioutil.ReadBody(resp.Body, ioutil.MaxResponseBody)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("%w: reading response: %v", ErrTransport, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, oauth.ParseErrorResponse(resp.StatusCode, data)
	}
	if out != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("%w: decoding response: %v", ErrTransport, err)
		}
	}
	return resp.StatusCode, nil
}

func (t *Transport) resourceURL(endpoint string) (string, error) {
	return urlutil.Resolve(t.resourceBase, endpoint, nil)
}

func (t *Transport) authURL(endpoint string) (string, error) {
	return urlutil.Resolve(t.authBase, endpoint, nil)
}

// FetchCurrentUser loads the profile of the stored access token. A 401 is
// answered with exactly one refresh and one retry; if either fails the store
// is cleared and the result is nil with no error. With no access token no
// request is made.
func (t *Transport) FetchCurrentUser(ctx context.Context) (*idp.User, error) {
	pair, err := t.tokens.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading tokens: %w", err)
	}
	if pair.AccessToken == "" {
		return nil, nil
	}

	endpoint, err := t.resourceURL(t.endpoints.Profile)
	if err != nil {
		return nil, err
	}

	var user idp.User
	status, err := t.doJSON(ctx, http.MethodGet, endpoint, nil, &user, true)
	if status != http.StatusUnauthorized {
		if err != nil {
			return nil, err
		}
		return &user, nil
	}

	log.LogDebugWithFields("transport", "Profile request unauthorized, refreshing", nil)
	ok, err := t.Refresh(ctx)
	if err != nil && ctx.Err() != nil {
		return nil, err
	}
	if !ok {
		if err != nil {
			log.LogWarnWithFields("transport", "Refresh failed during profile fetch", map[string]any{
				"error": err.Error(),
			})
		}
		return nil, nil
	}

	user = idp.User{}
	status, err = t.doJSON(ctx, http.MethodGet, endpoint, nil, &user, true)
	if status == http.StatusUnauthorized {
		log.LogInfoWithFields("transport", "Profile still unauthorized after refresh, session cleared", nil)
		if clearErr := t.tokens.Clear(ctx); clearErr != nil {
			return nil, fmt.Errorf("clearing tokens: %w", clearErr)
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}
