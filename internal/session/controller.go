package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/tiermate/tiermate-auth/internal/auth"
	"github.com/tiermate/tiermate-auth/internal/config"
	"github.com/tiermate/tiermate-auth/internal/emailutil"
	"github.com/tiermate/tiermate-auth/internal/idp"
	"github.com/tiermate/tiermate-auth/internal/log"
	"github.com/tiermate/tiermate-auth/internal/storage"
)

// ErrInvalidInput is returned when credentials fail local validation
var ErrInvalidInput = errors.New("invalid input")

// Transport is the authenticated provider client the controller drives
type Transport interface {
	ExchangeCode(ctx context.Context, code, verifier, redirectURI string) (storage.TokenPair, error)
	Refresh(ctx context.Context) (bool, error)
	EnsureFresh(ctx context.Context, threshold time.Duration) (auth.FreshResult, error)
	FetchCurrentUser(ctx context.Context) (*idp.User, error)
	PasswordLogin(ctx context.Context, email, password string) (*idp.User, error)
	Logout(ctx context.Context) error
	UpdateProfile(ctx context.Context, update auth.ProfileUpdate) error
	BindWeChat(ctx context.Context, code, verifier, redirectURI string) error
}

// Registrar creates email accounts
type Registrar interface {
	Register(ctx context.Context, req idp.RegisterRequest) (idp.RegisterResponse, error)
}

// State is who is signed in, as last derived from the token store
type State struct {
	User        *idp.User `json:"user"`
	AccessToken string    `json:"-"`
	Loading     bool      `json:"loading"`
	Initialized bool      `json:"initialized"`
}

// SignedIn reports whether a user is present
func (s State) SignedIn() bool {
	return s.User != nil
}

// Result is the outcome of a sign-in style operation. Err is set instead of
// User when the provider rejected the request.
type Result struct {
	User *idp.User
	Err  error
}

// CodeFlowResult is the outcome of completing an authorization code flow
type CodeFlowResult struct {
	Success    bool
	Err        error
	ReturnPath string
	Bind       bool
}

// Controller owns the signed-in state. Token-affecting operations are
// serialized: the token store is updated first, then the in-memory state,
// then subscribers are notified.
type Controller struct {
	cfg       config.Config
	transport Transport
	registrar Registrar
	tokens    *storage.TokenStore
	attempts  *storage.AttemptStore

	opMu sync.Mutex

	mu          sync.RWMutex
	state       State
	subscribers map[int]func(State)
	nextSubID   int
}

// NewController creates a controller. Call Initialize before reading State.
func NewController(cfg config.Config, transport Transport, registrar Registrar, tokens *storage.TokenStore, attempts *storage.AttemptStore) *Controller {
	return &Controller{
		cfg:         cfg,
		transport:   transport,
		registrar:   registrar,
		tokens:      tokens,
		attempts:    attempts,
		subscribers: make(map[int]func(State)),
	}
}

// State returns the current state
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Subscribe calls fn after every state change. It returns a function that
// removes the subscription.
func (c *Controller) Subscribe(fn func(State)) func() {
	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subscribers, id)
		c.mu.Unlock()
	}
}

func (c *Controller) update(fn func(*State)) {
	c.mu.Lock()
	next := c.state
	fn(&next)
	c.state = next
	subs := make([]func(State), 0, len(c.subscribers))
	for _, s := range c.subscribers {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		s(next)
	}
}

// loadSession reads the user for the stored access token. Errors are
// logged; the result is then signed out.
func (c *Controller) loadSession(ctx context.Context) (*idp.User, string) {
	pair, err := c.tokens.Get(ctx)
	if err != nil {
		log.LogErrorWithFields("session", "Failed to read token store", map[string]any{"error": err.Error()})
		return nil, ""
	}
	if pair.AccessToken == "" {
		return nil, ""
	}

	user, err := c.transport.FetchCurrentUser(ctx)
	if err != nil {
		log.LogWarnWithFields("session", "Failed to load current user", map[string]any{"error": err.Error()})
	}

	// the fetch may have refreshed or cleared the pair
	pair, err = c.tokens.Get(ctx)
	if err != nil {
		log.LogErrorWithFields("session", "Failed to read token store", map[string]any{"error": err.Error()})
		return nil, ""
	}
	if pair.AccessToken == "" {
		return nil, ""
	}
	return user, pair.AccessToken
}

func (c *Controller) refreshUserLocked(ctx context.Context) State {
	user, token := c.loadSession(ctx)
	c.update(func(s *State) {
		s.User = user
		s.AccessToken = token
		s.Initialized = true
	})
	return c.State()
}

// Initialize derives the session from the token store. It never fails:
// problems leave the state signed out.
func (c *Controller) Initialize(ctx context.Context) State {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.update(func(s *State) { s.Loading = true })
	user, token := c.loadSession(ctx)
	c.update(func(s *State) {
		s.User = user
		s.AccessToken = token
		s.Loading = false
		s.Initialized = true
	})

	log.LogInfoWithFields("session", "Session initialized", map[string]any{
		"signed_in": user != nil,
	})
	return c.State()
}

// RefreshUser re-derives the state from the token store, for example after
// a login finished in another context.
func (c *Controller) RefreshUser(ctx context.Context) State {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.refreshUserLocked(ctx)
}

// Refresh forces a refresh grant and re-derives the state
func (c *Controller) Refresh(ctx context.Context) (State, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	ok, err := c.transport.Refresh(ctx)
	state := c.refreshUserLocked(ctx)
	if err != nil {
		return state, err
	}
	if !ok {
		log.LogInfoWithFields("session", "Refresh rejected, signed out", nil)
	}
	return state, nil
}

// EnsureFresh refreshes ahead of access token expiry. When the refresh
// fails the store is empty and subscribers see a signed-out state.
func (c *Controller) EnsureFresh(ctx context.Context, threshold time.Duration) (auth.FreshResult, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	result, err := c.transport.EnsureFresh(ctx, threshold)
	if result != auth.FreshSkipped {
		c.refreshUserLocked(ctx)
	}
	return result, err
}

type credentials struct {
	Email    string `validate:"required,email"`
	Password string `validate:"required,min=6"`
}

type registration struct {
	Email       string `validate:"required,email"`
	Password    string `validate:"required,min=6"`
	DisplayName string `validate:"omitempty,min=2,max=50"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	fe := verrs[0]
	switch fe.Field() {
	case "Email":
		return fmt.Errorf("%w: enter a valid email address", ErrInvalidInput)
	case "Password":
		return fmt.Errorf("%w: password must be at least 6 characters", ErrInvalidInput)
	case "DisplayName":
		return fmt.Errorf("%w: display name must be 2 to 50 characters", ErrInvalidInput)
	}
	return fmt.Errorf("%w: %s failed %s", ErrInvalidInput, fe.Field(), fe.Tag())
}

// SignInWithPassword signs in with email and password. On failure the
// previous session is left as it was.
func (c *Controller) SignInWithPassword(ctx context.Context, email, password string) Result {
	email = emailutil.Normalize(email)
	if err := validate.Struct(credentials{Email: email, Password: password}); err != nil {
		return Result{Err: validationError(err)}
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	user, err := c.transport.PasswordLogin(ctx, email, password)
	if err != nil {
		log.LogInfoWithFields("session", "Password sign-in failed", map[string]any{"error": err.Error()})
		return Result{Err: err}
	}

	pair, err := c.tokens.Get(ctx)
	if err != nil {
		return Result{Err: fmt.Errorf("reading tokens: %w", err)}
	}
	c.update(func(s *State) {
		s.User = user
		s.AccessToken = pair.AccessToken
		s.Initialized = true
	})
	return Result{User: user}
}

// SignUp registers an account, then signs in with the same credentials.
// An empty display name defaults to the local part of the email.
func (c *Controller) SignUp(ctx context.Context, email, password, displayName string) Result {
	email = emailutil.Normalize(email)
	displayName = strings.TrimSpace(displayName)
	if err := validate.Struct(registration{Email: email, Password: password, DisplayName: displayName}); err != nil {
		return Result{Err: validationError(err)}
	}
	if displayName == "" {
		displayName = emailutil.LocalPart(email)
	}

	resp, err := c.registrar.Register(ctx, idp.RegisterRequest{
		Email:       email,
		Password:    password,
		DisplayName: displayName,
	})
	if err != nil {
		return Result{Err: err}
	}
	log.LogInfoWithFields("session", "Account registered", map[string]any{"user_id": string(resp.UserID)})

	return c.SignInWithPassword(ctx, email, password)
}

// CompleteAuthorizationCodeFlow redeems a code and adopts the session
func (c *Controller) CompleteAuthorizationCodeFlow(ctx context.Context, code, verifier, redirectURI string) CodeFlowResult {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.completeCodeLocked(ctx, code, verifier, redirectURI)
}

func (c *Controller) completeCodeLocked(ctx context.Context, code, verifier, redirectURI string) CodeFlowResult {
	if _, err := c.transport.ExchangeCode(ctx, code, verifier, redirectURI); err != nil {
		return CodeFlowResult{Err: err}
	}
	c.refreshUserLocked(ctx)
	return CodeFlowResult{Success: true}
}

// SignOut revokes the session on a best-effort basis and always clears the
// local tokens, the pending attempt, and the state.
func (c *Controller) SignOut(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.transport.Logout(ctx); err != nil {
		log.LogWarnWithFields("session", "Server-side logout failed, clearing local session anyway", map[string]any{
			"error": err.Error(),
		})
	}

	local := context.WithoutCancel(ctx)
	var errs []error
	if err := c.tokens.Clear(local); err != nil {
		errs = append(errs, fmt.Errorf("clearing tokens: %w", err))
	}
	if err := c.attempts.Clear(local); err != nil {
		errs = append(errs, fmt.Errorf("clearing login attempt: %w", err))
	}

	c.update(func(s *State) {
		s.User = nil
		s.AccessToken = ""
		s.Loading = false
		s.Initialized = true
	})
	log.LogInfoWithFields("session", "Signed out", nil)
	return errors.Join(errs...)
}

// UpdateProfile patches the profile and reloads the user
func (c *Controller) UpdateProfile(ctx context.Context, update auth.ProfileUpdate) (State, error) {
	if update.DisplayName != nil {
		name := strings.TrimSpace(*update.DisplayName)
		if err := validate.Var(name, "min=2,max=50"); err != nil {
			return c.State(), fmt.Errorf("%w: display name must be 2 to 50 characters", ErrInvalidInput)
		}
		update.DisplayName = &name
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.transport.UpdateProfile(ctx, update); err != nil {
		return c.State(), err
	}
	return c.refreshUserLocked(ctx), nil
}
