package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/tiermate/tiermate-auth/internal/config"
	"github.com/tiermate/tiermate-auth/internal/idp"
	jsonwriter "github.com/tiermate/tiermate-auth/internal/json"
	"github.com/tiermate/tiermate-auth/internal/oauth"
	"github.com/tiermate/tiermate-auth/internal/sse"
	"github.com/tiermate/tiermate-auth/internal/storage"
)

const fakeClientID = "tiermate"

var fakeSigningKey = []byte("fake-idp-signing-key-0123456789ab")

type fakeAccount struct {
	password string
	user     idp.User
}

type fakeCode struct {
	email       string
	challenge   string
	redirectURI string
}

type fakeLogin struct {
	challenge string
	status    idp.StatusEvent
	events    chan idp.StatusEvent
	drop      chan struct{}
}

// FakeIdP is an in-process identity provider serving the endpoints the
// client uses. Tokens are HS256 JWTs with an exp claim.
type FakeIdP struct {
	Server *httptest.Server
	URL    string

	mu            sync.Mutex
	accounts      map[string]*fakeAccount
	accessTokens  map[string]string
	refreshTokens map[string]string
	codes         map[string]fakeCode
	logins        map[string]*fakeLogin
	calls         map[string]int
	lastStart     idp.StartRequest
	lastBind      map[string]string
	lastPatch     map[string]any

	accessTTL     time.Duration
	rotateRefresh bool
	logoutStatus  int
	pushDisabled  bool
	startStatus   int
	qrExpiresIn   int
}

// NewFakeIdP starts the server and closes it when the test ends
func NewFakeIdP(t testing.TB) *FakeIdP {
	t.Helper()

	f := &FakeIdP{
		accounts:      map[string]*fakeAccount{},
		accessTokens:  map[string]string{},
		refreshTokens: map[string]string{},
		codes:         map[string]fakeCode{},
		logins:        map[string]*fakeLogin{},
		calls:         map[string]int{},
		accessTTL:     time.Hour,
		rotateRefresh: true,
		qrExpiresIn:   300,
	}

	r := chi.NewRouter()
	r.Post("/oauth/token", f.handleToken)
	r.Post("/auth/email/token", f.handlePasswordLogin)
	r.Post("/auth/email/register", f.handleRegister)
	r.Post("/auth/logout", f.handleLogout)
	r.Get("/v1/users/me", f.handleProfile)
	r.Patch("/v1/users/me", f.handlePatchProfile)
	r.Post("/v1/users/me/connections/wechat/mp-bind", f.handleBind)
	r.Post("/v1/qr-login/start", f.handleQRStart)
	r.Get("/v1/qr-login/events", f.handleQREvents)
	r.Get("/auth/login-status/{loginID}", f.handleLoginStatus)

	f.Server = httptest.NewServer(r)
	f.URL = f.Server.URL
	t.Cleanup(f.Server.Close)
	return f
}

// Config returns a configuration pointing at the fake
func (f *FakeIdP) Config() config.Config {
	cfg := config.Default()
	cfg.AuthBase = f.URL
	cfg.ClientID = fakeClientID
	cfg.HTTPTimeout = config.Duration(5 * time.Second)
	return cfg
}

// SetAccessTTL sets the exp of access tokens issued from now on
func (f *FakeIdP) SetAccessTTL(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accessTTL = d
}

// SetRotateRefresh controls whether refresh grants issue a new refresh token
func (f *FakeIdP) SetRotateRefresh(rotate bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rotateRefresh = rotate
}

// SetLogoutStatus makes the logout endpoint fail with status (0 restores it)
func (f *FakeIdP) SetLogoutStatus(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logoutStatus = status
}

// SetPushDisabled makes the event stream answer 503
func (f *FakeIdP) SetPushDisabled(disabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushDisabled = disabled
}

// SetStartStatus makes QR start fail with status (0 restores it)
func (f *FakeIdP) SetStartStatus(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startStatus = status
}

// SetQRExpiresIn sets the expires_in returned by QR start
func (f *FakeIdP) SetQRExpiresIn(seconds int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.qrExpiresIn = seconds
}

// Calls returns how many times the named endpoint was hit: token,
// refresh, profile, logout, password, register, bind, start, status, events.
func (f *FakeIdP) Calls(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *FakeIdP) count(name string) {
	f.mu.Lock()
	f.calls[name]++
	f.mu.Unlock()
}

// AddUser registers an account
func (f *FakeIdP) AddUser(email, password string, user idp.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if user.Email == "" {
		user.Email = email
	}
	f.accounts[email] = &fakeAccount{password: password, user: user}
}

// IssueTokens mints a valid pair for email
func (f *FakeIdP) IssueTokens(email string) storage.TokenPair {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.issueLocked(email, "")
}

func (f *FakeIdP) issueLocked(email, refresh string) storage.TokenPair {
	claims := jwt.MapClaims{
		"sub": email,
		"jti": uuid.NewString(),
		"exp": time.Now().Add(f.accessTTL).Unix(),
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(fakeSigningKey)
	if err != nil {
		panic(err)
	}
	f.accessTokens[access] = email

	if refresh == "" || f.rotateRefresh {
		if refresh != "" {
			delete(f.refreshTokens, refresh)
		}
		refresh = "refresh-" + uuid.NewString()
		f.refreshTokens[refresh] = email
	}
	return storage.TokenPair{AccessToken: access, RefreshToken: refresh}
}

// RevokeAccess makes every issued access token answer 401
func (f *FakeIdP) RevokeAccess() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accessTokens = map[string]string{}
}

// RevokeRefresh makes every issued refresh token rejected
func (f *FakeIdP) RevokeRefresh() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshTokens = map[string]string{}
}

// IssueCode binds an authorization code to a PKCE challenge
func (f *FakeIdP) IssueCode(email, challenge, redirectURI string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	code := "code-" + uuid.NewString()
	f.codes[code] = fakeCode{email: email, challenge: challenge, redirectURI: redirectURI}
	return code
}

// LastStart returns the most recent QR start request
func (f *FakeIdP) LastStart() idp.StartRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastStart
}

// LastBind returns the most recent WeChat bind request body
func (f *FakeIdP) LastBind() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastBind
}

// LastPatch returns the most recent profile patch body
func (f *FakeIdP) LastPatch() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastPatch
}

// PushEvent sets the polled status of loginID and sends ev on its stream
func (f *FakeIdP) PushEvent(loginID string, ev idp.StatusEvent) {
	f.mu.Lock()
	login, ok := f.logins[loginID]
	if ok {
		login.status = ev
	}
	f.mu.Unlock()
	if !ok {
		return
	}
	select {
	case login.events <- ev:
	default:
	}
}

// SetStatus changes only the polled status of loginID
func (f *FakeIdP) SetStatus(loginID string, ev idp.StatusEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if login, ok := f.logins[loginID]; ok {
		login.status = ev
	}
}

// CompleteLogin issues a code bound to the login's challenge and pushes a
// completed event carrying it.
func (f *FakeIdP) CompleteLogin(loginID, email string) string {
	f.mu.Lock()
	login, ok := f.logins[loginID]
	f.mu.Unlock()
	if !ok {
		return ""
	}
	code := f.IssueCode(email, login.challenge, "")
	f.PushEvent(loginID, idp.StatusEvent{Status: idp.StatusCompleted, Code: code})
	return code
}

// LoginChallenge returns the PKCE challenge loginID was started with
func (f *FakeIdP) LoginChallenge(loginID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if login, ok := f.logins[loginID]; ok {
		return login.challenge
	}
	return ""
}

// DropPush closes the open event stream of loginID
func (f *FakeIdP) DropPush(loginID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if login, ok := f.logins[loginID]; ok {
		select {
		case <-login.drop:
		default:
			close(login.drop)
		}
	}
}

func (f *FakeIdP) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauth.WriteTokenError(w, http.StatusBadRequest, oauth.NewOAuthError(oauth.ErrInvalidRequest, err.Error()))
		return
	}
	if r.PostForm.Get("client_id") != fakeClientID {
		oauth.WriteTokenError(w, http.StatusUnauthorized, oauth.NewOAuthError(oauth.ErrInvalidClient, "unknown client"))
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var pair storage.TokenPair
	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		f.calls["token"]++
		code, ok := f.codes[r.PostForm.Get("code")]
		if !ok {
			oauth.WriteTokenError(w, http.StatusBadRequest, oauth.NewOAuthError(oauth.ErrInvalidGrant, "authorization code is invalid or expired"))
			return
		}
		delete(f.codes, r.PostForm.Get("code"))
		if !oauth.VerifyPKCE(r.PostForm.Get("code_verifier"), code.challenge) {
			oauth.WriteTokenError(w, http.StatusBadRequest, oauth.NewOAuthError(oauth.ErrInvalidGrant, "PKCE verification failed"))
			return
		}
		if code.redirectURI != "" && code.redirectURI != r.PostForm.Get("redirect_uri") {
			oauth.WriteTokenError(w, http.StatusBadRequest, oauth.NewOAuthError(oauth.ErrInvalidGrant, "redirect_uri mismatch"))
			return
		}
		pair = f.issueLocked(code.email, "")

	case "refresh_token":
		f.calls["refresh"]++
		refresh := r.PostForm.Get("refresh_token")
		email, ok := f.refreshTokens[refresh]
		if !ok {
			oauth.WriteTokenError(w, http.StatusBadRequest, oauth.NewOAuthError(oauth.ErrInvalidGrant, "refresh token revoked"))
			return
		}
		pair = f.issueLocked(email, refresh)

	default:
		oauth.WriteTokenError(w, http.StatusBadRequest, oauth.NewOAuthError(oauth.ErrUnsupportedGrantType, ""))
		return
	}

	resp := map[string]any{
		"access_token": pair.AccessToken,
		"token_type":   "Bearer",
		"expires_in":   int(f.accessTTL.Seconds()),
	}
	if r.PostForm.Get("grant_type") == "authorization_code" || f.rotateRefresh {
		resp["refresh_token"] = pair.RefreshToken
	}
	_ = jsonwriter.WriteResponse(w, http.StatusOK, resp)
}

func (f *FakeIdP) handlePasswordLogin(w http.ResponseWriter, r *http.Request) {
	f.count("password")

	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		ClientID string `json:"client_id"`
		Scope    string `json:"scope"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonwriter.WriteBadRequest(w, "invalid body")
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	account, ok := f.accounts[req.Email]
	if !ok || account.password != req.Password || req.ClientID != fakeClientID {
		jsonwriter.WriteUnauthorized(w, "Invalid email or password")
		return
	}

	pair := f.issueLocked(req.Email, "")
	_ = jsonwriter.WriteResponse(w, http.StatusOK, map[string]any{
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
		"token_type":    "Bearer",
		"expires_in":    int(f.accessTTL.Seconds()),
		"user": map[string]any{
			"id":       string(account.user.ID),
			"email":    account.user.Email,
			"name":     account.user.DisplayName,
			"picture":  account.user.AvatarURL,
			"is_admin": account.user.IsAdmin,
		},
	})
}

func (f *FakeIdP) handleRegister(w http.ResponseWriter, r *http.Request) {
	f.count("register")

	var req idp.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonwriter.WriteBadRequest(w, "invalid body")
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.accounts[req.Email]; exists {
		jsonwriter.WriteConflict(w, "Email already registered")
		return
	}
	id := idp.UserID(fmt.Sprintf("%d", len(f.accounts)+1))
	f.accounts[req.Email] = &fakeAccount{
		password: req.Password,
		user:     idp.User{ID: id, Email: req.Email, DisplayName: req.DisplayName},
	}
	_ = jsonwriter.WriteResponse(w, http.StatusCreated, map[string]any{"user_id": id})
}

func (f *FakeIdP) bearerAccount(r *http.Request) (*fakeAccount, string, bool) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return nil, "", false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	email, ok := f.accessTokens[token]
	if !ok {
		return nil, "", false
	}
	account, ok := f.accounts[email]
	if !ok {
		account = &fakeAccount{user: idp.User{ID: "0", Email: email}}
	}
	return account, token, true
}

func (f *FakeIdP) handleLogout(w http.ResponseWriter, r *http.Request) {
	f.count("logout")
	f.mu.Lock()
	status := f.logoutStatus
	f.mu.Unlock()
	if status != 0 {
		jsonwriter.WriteError(w, status, "server_error", "logout unavailable")
		return
	}
	if _, token, ok := f.bearerAccount(r); ok {
		f.mu.Lock()
		delete(f.accessTokens, token)
		f.mu.Unlock()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (f *FakeIdP) handleProfile(w http.ResponseWriter, r *http.Request) {
	f.count("profile")
	account, _, ok := f.bearerAccount(r)
	if !ok {
		jsonwriter.WriteUnauthorized(w, "Invalid or expired token")
		return
	}
	f.mu.Lock()
	user := account.user
	f.mu.Unlock()
	_ = jsonwriter.WriteResponse(w, http.StatusOK, user)
}

func (f *FakeIdP) handlePatchProfile(w http.ResponseWriter, r *http.Request) {
	f.count("patch")
	account, _, ok := f.bearerAccount(r)
	if !ok {
		jsonwriter.WriteUnauthorized(w, "Invalid or expired token")
		return
	}

	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		jsonwriter.WriteBadRequest(w, "invalid body")
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastPatch = patch
	if v, ok := patch["display_name"].(string); ok {
		account.user.DisplayName = v
	}
	if v, ok := patch["avatar_url"].(string); ok {
		account.user.AvatarURL = v
	}
	if v, ok := patch["username"].(string); ok {
		account.user.Username = v
	}
	if v, ok := patch["bio"].(string); ok {
		account.user.Bio = v
	}
	_ = jsonwriter.WriteResponse(w, http.StatusOK, account.user)
}

func (f *FakeIdP) handleBind(w http.ResponseWriter, r *http.Request) {
	f.count("bind")
	if _, _, ok := f.bearerAccount(r); !ok {
		jsonwriter.WriteUnauthorized(w, "Invalid or expired token")
		return
	}

	var req map[string]string
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonwriter.WriteBadRequest(w, "invalid body")
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastBind = req
	code, ok := f.codes[req["code"]]
	if !ok || !oauth.VerifyPKCE(req["code_verifier"], code.challenge) {
		jsonwriter.WriteBadRequest(w, "Invalid binding code")
		return
	}
	delete(f.codes, req["code"])
	w.WriteHeader(http.StatusNoContent)
}

func (f *FakeIdP) handleQRStart(w http.ResponseWriter, r *http.Request) {
	f.count("start")
	f.mu.Lock()
	status, expiresIn := f.startStatus, f.qrExpiresIn
	f.mu.Unlock()
	if status != 0 {
		jsonwriter.WriteError(w, status, "server_error", "QR login unavailable")
		return
	}

	var req idp.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonwriter.WriteBadRequest(w, "invalid body")
		return
	}
	if req.CodeChallengeMethod != oauth.MethodS256 || req.CodeChallenge == "" {
		jsonwriter.WriteBadRequest(w, "code_challenge with S256 is required")
		return
	}

	loginID := "login-" + uuid.NewString()
	f.mu.Lock()
	f.lastStart = req
	f.logins[loginID] = &fakeLogin{
		challenge: req.CodeChallenge,
		status:    idp.StatusEvent{Status: idp.StatusPending},
		events:    make(chan idp.StatusEvent, 16),
		drop:      make(chan struct{}),
	}
	f.mu.Unlock()

	_ = jsonwriter.WriteResponse(w, http.StatusOK, map[string]any{
		"login_id":      loginID,
		"wechat_qr_url": "https://open.weixin.qq.com/connect/qrconnect?login_id=" + loginID,
		"state":         uuid.NewString(),
		"expires_in":    expiresIn,
	})
}

func (f *FakeIdP) handleQREvents(w http.ResponseWriter, r *http.Request) {
	f.count("events")
	f.mu.Lock()
	disabled := f.pushDisabled
	f.mu.Unlock()
	if disabled {
		http.Error(w, "push unavailable", http.StatusServiceUnavailable)
		return
	}

	f.mu.Lock()
	login, ok := f.logins[r.URL.Query().Get("login_id")]
	f.mu.Unlock()
	if !ok || r.URL.Query().Get("client_id") != fakeClientID {
		http.Error(w, "unknown login", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-login.drop:
			return
		case ev := <-login.events:
			if err := sse.WriteMessage(w, flusher, ev); err != nil {
				return
			}
			switch ev.Status {
			case idp.StatusSuccess, idp.StatusFailed, idp.StatusExpired, idp.StatusCompleted:
				return
			}
		}
	}
}

func (f *FakeIdP) handleLoginStatus(w http.ResponseWriter, r *http.Request) {
	f.count("status")
	f.mu.Lock()
	login, ok := f.logins[chi.URLParam(r, "loginID")]
	var status idp.StatusEvent
	if ok {
		status = login.status
	}
	f.mu.Unlock()
	if !ok {
		jsonwriter.WriteNotFound(w, "unknown login")
		return
	}
	_ = jsonwriter.WriteResponse(w, http.StatusOK, status)
}
