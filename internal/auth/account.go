package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tiermate/tiermate-auth/internal/idp"
	"github.com/tiermate/tiermate-auth/internal/log"
	"github.com/tiermate/tiermate-auth/internal/storage"
)

// ErrNoExpiry is returned for access tokens that carry no readable exp claim
var ErrNoExpiry = errors.New("access token has no expiry")

type passwordLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	ClientID string `json:"client_id"`
	Scope    string `json:"scope"`
}

type passwordLoginResponse struct {
	AccessToken  string        `json:"access_token"`
	RefreshToken string        `json:"refresh_token"`
	TokenType    string        `json:"token_type"`
	ExpiresIn    int           `json:"expires_in"`
	User         idp.TokenUser `json:"user"`
}

// PasswordLogin signs in with email and password and stores the issued pair
func (t *Transport) PasswordLogin(ctx context.Context, email, password string) (*idp.User, error) {
	endpoint, err := t.authURL(t.endpoints.PasswordLogin)
	if err != nil {
		return nil, err
	}

	req := passwordLoginRequest{
		Email:    email,
		Password: password,
		ClientID: t.oauthConfig.ClientID,
		Scope:    strings.Join(t.oauthConfig.Scopes, " "),
	}

	// Sent without a bearer so a stale token cannot influence a fresh login
	var resp passwordLoginResponse
	if _, err := t.doJSON(ctx, http.MethodPost, endpoint, req, &resp, false); err != nil {
		return nil, err
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("%w: token response has no access_token", ErrTransport)
	}

	if err := t.tokens.ReplacePair(ctx, storage.TokenPair{AccessToken: resp.AccessToken, RefreshToken: resp.RefreshToken}); err != nil {
		return nil, fmt.Errorf("storing tokens: %w", err)
	}

	user := resp.User.Projection()
	log.LogInfoWithFields("transport", "Password login succeeded", map[string]any{
		"user_id": string(user.ID),
	})
	return user, nil
}

// Logout asks the provider to revoke the current session
func (t *Transport) Logout(ctx context.Context) error {
	endpoint, err := t.authURL(t.endpoints.Logout)
	if err != nil {
		return err
	}
	_, err = t.doJSON(ctx, http.MethodPost, endpoint, nil, nil, true)
	return err
}

// ProfileUpdate holds the editable profile fields. Nil fields are left alone.
type ProfileUpdate struct {
	DisplayName *string `json:"display_name,omitempty"`
	AvatarURL   *string `json:"avatar_url,omitempty"`
	Username    *string `json:"username,omitempty"`
	Bio         *string `json:"bio,omitempty"`
}

// UpdateProfile patches the signed-in user's profile
func (t *Transport) UpdateProfile(ctx context.Context, update ProfileUpdate) error {
	endpoint, err := t.resourceURL(t.endpoints.Profile)
	if err != nil {
		return err
	}
	_, err = t.doJSON(ctx, http.MethodPatch, endpoint, update, nil, true)
	return err
}

type wechatBindRequest struct {
	Code         string `json:"code"`
	CodeVerifier string `json:"code_verifier"`
	RedirectURI  string `json:"redirect_uri"`
}

// BindWeChat links a WeChat account to the signed-in user using a code
// obtained through the redirect flow.
func (t *Transport) BindWeChat(ctx context.Context, code, verifier, redirectURI string) error {
	endpoint, err := t.resourceURL(t.endpoints.WeChatBind)
	if err != nil {
		return err
	}
	if redirectURI == "" {
		redirectURI = t.oauthConfig.RedirectURL
	}
	_, err = t.doJSON(ctx, http.MethodPost, endpoint, wechatBindRequest{
		Code:         code,
		CodeVerifier: verifier,
		RedirectURI:  redirectURI,
	}, nil, true)
	return err
}

// AccessTokenExpiry reads the exp claim of a JWT access token without
// verifying its signature. It is only used to schedule refreshes.
func AccessTokenExpiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("parsing access token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("reading exp claim: %w", err)
	}
	if exp == nil {
		return time.Time{}, ErrNoExpiry
	}
	return exp.Time, nil
}

// FreshResult reports what EnsureFresh did
type FreshResult int

const (
	// FreshSkipped means no refresh was needed or possible
	FreshSkipped FreshResult = iota
	// FreshRefreshed means the pair was replaced
	FreshRefreshed
	// FreshSignedOut means the refresh failed and the store was cleared
	FreshSignedOut
)

// EnsureFresh refreshes the pair when the access token expires within
// threshold. Opaque tokens without a readable expiry are left alone.
func (t *Transport) EnsureFresh(ctx context.Context, threshold time.Duration) (FreshResult, error) {
	pair, err := t.tokens.Get(ctx)
	if err != nil {
		return FreshSkipped, fmt.Errorf("reading tokens: %w", err)
	}
	if pair.AccessToken == "" {
		return FreshSkipped, nil
	}

	exp, err := AccessTokenExpiry(pair.AccessToken)
	if err != nil {
		log.LogTraceWithFields("refresher", "Access token expiry unknown", map[string]any{"error": err.Error()})
		return FreshSkipped, nil
	}
	if exp.Sub(t.now()) > threshold {
		return FreshSkipped, nil
	}

	log.LogDebugWithFields("refresher", "Access token near expiry, refreshing", map[string]any{
		"expires_at": exp.UTC().Format(time.RFC3339),
	})
	ok, err := t.Refresh(ctx)
	if ok {
		return FreshRefreshed, nil
	}
	if err != nil && ctx.Err() != nil {
		return FreshSkipped, err
	}
	return FreshSignedOut, err
}
