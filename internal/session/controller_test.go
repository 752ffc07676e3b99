package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiermate/tiermate-auth/internal/auth"
	"github.com/tiermate/tiermate-auth/internal/config"
	"github.com/tiermate/tiermate-auth/internal/idp"
	"github.com/tiermate/tiermate-auth/internal/oauth"
	"github.com/tiermate/tiermate-auth/internal/storage"
	fake "github.com/tiermate/tiermate-auth/internal/testutil"
)

const (
	adaEmail    = "ada@example.com"
	adaPassword = "secret1"
)

type harness struct {
	idp      *fake.FakeIdP
	cfg      config.Config
	ctl      *Controller
	tokens   *storage.TokenStore
	attempts *storage.AttemptStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	provider := fake.NewFakeIdP(t)
	provider.AddUser(adaEmail, adaPassword, idp.User{ID: "1", DisplayName: "Ada"})
	return newHarnessWithConfig(t, provider, provider.Config())
}

func newHarnessWithConfig(t *testing.T, provider *fake.FakeIdP, cfg config.Config) *harness {
	t.Helper()
	kv := storage.NewMemoryStorage()
	tokens := storage.NewTokenStore(kv)
	attempts := storage.NewAttemptStore(kv)

	transport, err := auth.NewTransport(cfg, tokens)
	require.NoError(t, err)
	client, err := idp.NewClient(cfg)
	require.NoError(t, err)

	return &harness{
		idp:      provider,
		cfg:      cfg,
		ctl:      NewController(cfg, transport, client, tokens, attempts),
		tokens:   tokens,
		attempts: attempts,
	}
}

func (h *harness) signIn(t *testing.T) storage.TokenPair {
	t.Helper()
	pair := h.idp.IssueTokens(adaEmail)
	require.NoError(t, h.tokens.SetPair(context.Background(), pair))
	return pair
}

func (h *harness) stored(t *testing.T) storage.TokenPair {
	t.Helper()
	pair, err := h.tokens.Get(context.Background())
	require.NoError(t, err)
	return pair
}

type recorder struct {
	mu     sync.Mutex
	states []State
}

func (r *recorder) record(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) all() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func TestInitialize(t *testing.T) {
	ctx := context.Background()

	t.Run("empty store", func(t *testing.T) {
		h := newHarness(t)
		rec := &recorder{}
		h.ctl.Subscribe(rec.record)

		state := h.ctl.Initialize(ctx)
		assert.Nil(t, state.User)
		assert.Empty(t, state.AccessToken)
		assert.False(t, state.Loading)
		assert.True(t, state.Initialized)
		assert.Equal(t, 0, h.idp.Calls("profile"), "no request without a token")

		states := rec.all()
		require.Len(t, states, 2)
		assert.True(t, states[0].Loading)
		assert.False(t, states[1].Loading)
	})

	t.Run("valid token", func(t *testing.T) {
		h := newHarness(t)
		pair := h.signIn(t)

		state := h.ctl.Initialize(ctx)
		require.NotNil(t, state.User)
		assert.Equal(t, "Ada", state.User.DisplayName)
		assert.Equal(t, pair.AccessToken, state.AccessToken)
		assert.True(t, state.SignedIn())
	})

	t.Run("expired access token is refreshed", func(t *testing.T) {
		h := newHarness(t)
		pair := h.signIn(t)
		h.idp.RevokeAccess()

		state := h.ctl.Initialize(ctx)
		require.NotNil(t, state.User)
		assert.NotEqual(t, pair.AccessToken, state.AccessToken)
		assert.Equal(t, h.stored(t).AccessToken, state.AccessToken)
		assert.Equal(t, 1, h.idp.Calls("refresh"))
	})

	t.Run("revoked session signs out", func(t *testing.T) {
		h := newHarness(t)
		h.signIn(t)
		h.idp.RevokeAccess()
		h.idp.RevokeRefresh()

		state := h.ctl.Initialize(ctx)
		assert.Nil(t, state.User)
		assert.Empty(t, state.AccessToken)
		assert.True(t, h.stored(t).IsZero())
	})

	t.Run("unreachable provider", func(t *testing.T) {
		h := newHarness(t)
		h.signIn(t)
		h.idp.Server.Close()

		state := h.ctl.Initialize(ctx)
		assert.Nil(t, state.User)
		assert.False(t, state.Loading)
		assert.True(t, state.Initialized)
	})
}

func TestSignInWithPassword(t *testing.T) {
	ctx := context.Background()

	t.Run("validation happens before any request", func(t *testing.T) {
		h := newHarness(t)
		tests := []struct {
			name     string
			email    string
			password string
			want     string
		}{
			{"bad email", "not-an-email", adaPassword, "valid email"},
			{"empty email", "", adaPassword, "valid email"},
			{"short password", adaEmail, "12345", "at least 6"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				res := h.ctl.SignInWithPassword(ctx, tt.email, tt.password)
				require.ErrorIs(t, res.Err, ErrInvalidInput)
				assert.Contains(t, res.Err.Error(), tt.want)
				assert.Nil(t, res.User)
			})
		}
		assert.Equal(t, 0, h.idp.Calls("password"))
	})

	t.Run("email is normalized", func(t *testing.T) {
		h := newHarness(t)
		res := h.ctl.SignInWithPassword(ctx, "  ada@EXAMPLE.com ", adaPassword)
		require.NoError(t, res.Err)
		assert.True(t, h.ctl.State().SignedIn())
	})

	t.Run("wrong password keeps prior session", func(t *testing.T) {
		h := newHarness(t)
		pair := h.signIn(t)
		h.ctl.Initialize(ctx)

		res := h.ctl.SignInWithPassword(ctx, adaEmail, "wrong-password")
		oauthErr, ok := oauth.AsOAuthError(res.Err)
		require.True(t, ok, "expected OAuthError, got %v", res.Err)
		assert.Equal(t, "Invalid email or password", oauthErr.Message())
		assert.Equal(t, pair, h.stored(t))
		assert.NotNil(t, h.ctl.State().User)
	})

	t.Run("success", func(t *testing.T) {
		h := newHarness(t)
		h.ctl.Initialize(ctx)

		res := h.ctl.SignInWithPassword(ctx, " "+adaEmail+" ", adaPassword)
		require.NoError(t, res.Err)
		require.NotNil(t, res.User)
		assert.Equal(t, "Ada", res.User.DisplayName)

		state := h.ctl.State()
		assert.Equal(t, res.User, state.User)
		assert.Equal(t, h.stored(t).AccessToken, state.AccessToken)
		assert.NotEmpty(t, h.stored(t).RefreshToken)
	})
}

func TestSignUp(t *testing.T) {
	ctx := context.Background()

	t.Run("registers then signs in", func(t *testing.T) {
		h := newHarness(t)
		res := h.ctl.SignUp(ctx, "grace@example.com", "hopper1", "")
		require.NoError(t, res.Err)
		require.NotNil(t, res.User)
		assert.Equal(t, "grace", res.User.DisplayName, "display name defaults to the email local part")
		assert.Equal(t, 1, h.idp.Calls("register"))
		assert.Equal(t, 1, h.idp.Calls("password"))
		assert.True(t, h.ctl.State().SignedIn())
	})

	t.Run("explicit display name", func(t *testing.T) {
		h := newHarness(t)
		res := h.ctl.SignUp(ctx, "grace@example.com", "hopper1", "Grace Hopper")
		require.NoError(t, res.Err)
		assert.Equal(t, "Grace Hopper", res.User.DisplayName)
	})

	t.Run("duplicate email", func(t *testing.T) {
		h := newHarness(t)
		res := h.ctl.SignUp(ctx, adaEmail, "another1", "")
		require.Error(t, res.Err)
		oauthErr, ok := oauth.AsOAuthError(res.Err)
		require.True(t, ok)
		assert.Equal(t, http.StatusConflict, oauthErr.Status)
		assert.Equal(t, 0, h.idp.Calls("password"))
		assert.False(t, h.ctl.State().SignedIn())
	})

	t.Run("display name too short", func(t *testing.T) {
		h := newHarness(t)
		res := h.ctl.SignUp(ctx, "grace@example.com", "hopper1", "G")
		require.ErrorIs(t, res.Err, ErrInvalidInput)
		assert.Equal(t, 0, h.idp.Calls("register"))
	})
}

func TestCompleteAuthorizationCodeFlow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	challenge, err := oauth.GenerateChallenge()
	require.NoError(t, err)

	res := h.ctl.CompleteAuthorizationCodeFlow(ctx, "bogus", challenge.Verifier, "")
	assert.False(t, res.Success)
	require.Error(t, res.Err)
	assert.False(t, h.ctl.State().SignedIn())

	code := h.idp.IssueCode(adaEmail, challenge.Challenge, "")
	res = h.ctl.CompleteAuthorizationCodeFlow(ctx, code, challenge.Verifier, "")
	require.NoError(t, res.Err)
	assert.True(t, res.Success)
	assert.Equal(t, "Ada", h.ctl.State().User.DisplayName)
}

func TestSignOut(t *testing.T) {
	ctx := context.Background()

	t.Run("revokes and clears", func(t *testing.T) {
		h := newHarness(t)
		h.signIn(t)
		h.ctl.Initialize(ctx)
		require.NoError(t, h.attempts.Save(ctx, storage.Attempt{Verifier: "v", State: "s"}))

		require.NoError(t, h.ctl.SignOut(ctx))
		assert.Equal(t, 1, h.idp.Calls("logout"))
		assert.True(t, h.stored(t).IsZero())
		attempt, err := h.attempts.Load(ctx)
		require.NoError(t, err)
		assert.Empty(t, attempt.Verifier)
		assert.False(t, h.ctl.State().SignedIn())
	})

	t.Run("logout failure still clears", func(t *testing.T) {
		h := newHarness(t)
		h.signIn(t)
		h.ctl.Initialize(ctx)
		h.idp.SetLogoutStatus(http.StatusInternalServerError)

		require.NoError(t, h.ctl.SignOut(ctx))
		assert.True(t, h.stored(t).IsZero())
		assert.Nil(t, h.ctl.State().User)
		assert.Empty(t, h.ctl.State().AccessToken)
	})

	t.Run("logout timeout still clears", func(t *testing.T) {
		provider := fake.NewFakeIdP(t)
		hang := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		}))
		t.Cleanup(hang.Close)

		cfg := provider.Config()
		cfg.Endpoints.Logout = hang.URL + "/auth/logout"
		h := newHarnessWithConfig(t, provider, cfg)
		h.signIn(t)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		require.NoError(t, h.ctl.SignOut(ctx))
		assert.True(t, h.stored(t).IsZero())
		assert.False(t, h.ctl.State().SignedIn())
	})
}

func TestRefreshUser(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.ctl.Initialize(ctx)
	require.False(t, h.ctl.State().SignedIn())

	// tokens written by another process, for example a finished QR login
	h.signIn(t)
	state := h.ctl.RefreshUser(ctx)
	assert.True(t, state.SignedIn())
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()

	t.Run("rotates", func(t *testing.T) {
		h := newHarness(t)
		pair := h.signIn(t)
		state, err := h.ctl.Refresh(ctx)
		require.NoError(t, err)
		assert.True(t, state.SignedIn())
		assert.NotEqual(t, pair.AccessToken, state.AccessToken)
	})

	t.Run("rejection signs out", func(t *testing.T) {
		h := newHarness(t)
		h.signIn(t)
		h.ctl.Initialize(ctx)
		h.idp.RevokeRefresh()

		state, err := h.ctl.Refresh(ctx)
		require.NoError(t, err)
		assert.False(t, state.SignedIn())
		assert.True(t, h.stored(t).IsZero())
	})
}

func TestUpdateProfile(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.signIn(t)
	h.ctl.Initialize(ctx)

	name := "  Ada Lovelace "
	state, err := h.ctl.UpdateProfile(ctx, auth.ProfileUpdate{DisplayName: &name})
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", state.User.DisplayName)
	assert.Equal(t, "Ada Lovelace", h.idp.LastPatch()["display_name"])

	short := "A"
	_, err = h.ctl.UpdateProfile(ctx, auth.ProfileUpdate{DisplayName: &short})
	require.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, 1, h.idp.Calls("patch"))
}

func TestSubscribersSeeConsistentState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	rec := &recorder{}
	unsubscribe := h.ctl.Subscribe(rec.record)

	h.ctl.Initialize(ctx)
	require.NoError(t, h.ctl.SignInWithPassword(ctx, adaEmail, adaPassword).Err)
	require.NoError(t, h.ctl.SignOut(ctx))

	states := rec.all()
	require.NotEmpty(t, states)
	for _, s := range states {
		if s.User != nil {
			assert.NotEmpty(t, s.AccessToken, "a user is never published without a token")
		}
	}
	assert.False(t, states[len(states)-1].SignedIn())

	unsubscribe()
	h.ctl.RefreshUser(ctx)
	assert.Len(t, rec.all(), len(states))
}
