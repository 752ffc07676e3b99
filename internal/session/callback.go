package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/tiermate/tiermate-auth/internal/idp"
	"github.com/tiermate/tiermate-auth/internal/log"
	"github.com/tiermate/tiermate-auth/internal/oauth"
	"github.com/tiermate/tiermate-auth/internal/storage"
)

var (
	// ErrStateMismatch is returned when the callback state differs from the
	// stored attempt
	ErrStateMismatch = errors.New("state validation failed")

	// ErrSessionExpired is returned when the callback carries a code but no
	// verifier is stored for it
	ErrSessionExpired = errors.New("login session expired")
)

const (
	defaultReturnPath = "/"
	bindReturnPath    = "/profile"
)

// CallbackParams are the query parameters of a redirect callback
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// CallbackParamsFromQuery reads the callback parameters from a query string
func CallbackParamsFromQuery(q url.Values) CallbackParams {
	return CallbackParams{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}
}

// ParseCallbackURL reads the callback parameters from a full redirect URL
func ParseCallbackURL(raw string) (CallbackParams, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return CallbackParams{}, fmt.Errorf("parsing callback url: %w", err)
	}
	return CallbackParamsFromQuery(u.Query()), nil
}

// BeginRedirectLogin stores a fresh attempt and returns the authorize URL
// for provider.
func (c *Controller) BeginRedirectLogin(ctx context.Context, provider, returnPath string) (string, error) {
	return c.beginRedirect(ctx, provider, returnPath, false)
}

// BeginWeChatBind starts a redirect that links a WeChat identity to the
// signed-in account instead of signing in.
func (c *Controller) BeginWeChatBind(ctx context.Context, returnPath string) (string, error) {
	if c.State().User == nil {
		return "", fmt.Errorf("binding requires a signed-in user")
	}
	return c.beginRedirect(ctx, "wechat", returnPath, true)
}

func (c *Controller) beginRedirect(ctx context.Context, providerType, returnPath string, bind bool) (string, error) {
	provider, err := idp.NewProvider(providerType, c.cfg)
	if err != nil {
		return "", err
	}
	if err := oauth.CheckTransportSecurity(c.cfg.AuthBase, c.cfg.Security.RequireHTTPS); err != nil {
		return "", err
	}

	challenge, err := oauth.GenerateChallenge()
	if err != nil {
		return "", err
	}
	state, err := oauth.GenerateState()
	if err != nil {
		return "", err
	}
	nonce, err := oauth.GenerateNonce()
	if err != nil {
		return "", err
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.attempts.Save(ctx, storage.Attempt{
		Verifier:    challenge.Verifier,
		State:       state,
		Nonce:       nonce,
		ReturnPath:  returnPath,
		BindMode:    bind,
		RedirectURI: c.cfg.RedirectURI,
	}); err != nil {
		return "", fmt.Errorf("saving login attempt: %w", err)
	}

	log.LogInfoWithFields("session", "Redirect login started", map[string]any{
		"provider": provider.Type(),
		"bind":     bind,
	})

	return provider.AuthURL(idp.AuthRequest{
		State:       state,
		Nonce:       nonce,
		Challenge:   challenge,
		RedirectURI: c.cfg.RedirectURI,
	}), nil
}

// HandleRedirectCallback finishes a redirect login or bind. The stored
// attempt is cleared whatever the outcome.
func (c *Controller) HandleRedirectCallback(ctx context.Context, p CallbackParams) CodeFlowResult {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	attempt, err := c.attempts.Load(ctx)
	if err != nil {
		return CodeFlowResult{Err: fmt.Errorf("loading login attempt: %w", err)}
	}
	defer func() {
		if err := c.attempts.Clear(context.WithoutCancel(ctx)); err != nil {
			log.LogErrorWithFields("session", "Failed to clear login attempt", map[string]any{"error": err.Error()})
		}
	}()

	result := c.handleCallbackLocked(ctx, p, attempt)
	fields := map[string]any{"success": result.Success, "bind": result.Bind}
	if result.Err != nil {
		fields["error"] = result.Err.Error()
	}
	log.LogInfoWithFields("session", "Redirect callback handled", fields)
	return result
}

func (c *Controller) handleCallbackLocked(ctx context.Context, p CallbackParams, attempt storage.Attempt) CodeFlowResult {
	bind := attempt.BindMode
	returnPath := attempt.ReturnPath
	if returnPath == "" {
		returnPath = defaultReturnPath
		if bind {
			returnPath = bindReturnPath
		}
	}

	if p.Error != "" {
		return CodeFlowResult{Err: oauth.NewOAuthError(oauth.ErrorCode(p.Error), p.ErrorDescription), Bind: bind}
	}

	hasToken := func() bool {
		pair, err := c.tokens.Get(ctx)
		return err == nil && pair.AccessToken != ""
	}

	// a callback without a code happens when the provider already set the
	// session, or the page was reloaded after a finished login
	if p.Code == "" {
		if hasToken() {
			c.refreshUserLocked(ctx)
		}
		return CodeFlowResult{Success: true, ReturnPath: returnPath, Bind: bind}
	}

	if p.State != "" && attempt.State != "" && p.State != attempt.State {
		return CodeFlowResult{Err: ErrStateMismatch, Bind: bind}
	}

	if attempt.Verifier == "" {
		if hasToken() {
			c.refreshUserLocked(ctx)
			return CodeFlowResult{Success: true, ReturnPath: returnPath, Bind: bind}
		}
		return CodeFlowResult{Err: ErrSessionExpired, Bind: bind}
	}

	if bind {
		if err := c.transport.BindWeChat(ctx, p.Code, attempt.Verifier, attempt.RedirectURI); err != nil {
			return CodeFlowResult{Err: err, Bind: true}
		}
		c.refreshUserLocked(ctx)
		return CodeFlowResult{Success: true, ReturnPath: returnPath, Bind: true}
	}

	result := c.completeCodeLocked(ctx, p.Code, attempt.Verifier, attempt.RedirectURI)
	if result.Success {
		result.ReturnPath = returnPath
	}
	return result
}
