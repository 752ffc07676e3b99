package qrlogin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tiermate/tiermate-auth/internal/config"
	"github.com/tiermate/tiermate-auth/internal/idp"
	"github.com/tiermate/tiermate-auth/internal/log"
	"github.com/tiermate/tiermate-auth/internal/metrics"
	"github.com/tiermate/tiermate-auth/internal/oauth"
	"github.com/tiermate/tiermate-auth/internal/storage"
)

var (
	// ErrVerifierMissing means a code arrived but the attempt's PKCE
	// verifier is gone. The attempt cannot be completed.
	ErrVerifierMissing = errors.New("PKCE verifier missing for this login attempt")

	ErrExpired        = errors.New("QR login expired")
	ErrLoginFailed    = errors.New("QR login failed")
	ErrSourceMismatch = errors.New("message source does not match")
	ErrInvalidMessage = errors.New("invalid completion message")
	ErrNoActiveLogin  = errors.New("no QR login in progress")
	ErrNotRetryable   = errors.New("QR login can only be retried after it failed or expired")
	ErrClosed         = errors.New("QR login manager closed")
)

// Completion message types accepted from the hosted completion page
const (
	MessageLoginSuccess       = "LOGIN_SUCCESS"
	MessageWeChatLoginSuccess = "WECHAT_LOGIN_SUCCESS"
)

// Message is a cross-context completion signal
type Message struct {
	Type        string `json:"type"`
	Source      string `json:"source"`
	Code        string `json:"code,omitempty"`
	RedirectURI string `json:"redirect_uri,omitempty"`
}

// IdentityProvider is the part of the provider wire client the manager uses
type IdentityProvider interface {
	StartQRLogin(ctx context.Context, req idp.StartRequest) (idp.StartResponse, error)
	LoginStatus(ctx context.Context, loginID string) (idp.StatusEvent, error)
	SubscribeEvents(ctx context.Context, loginID string) (idp.EventStream, error)
}

// CodeExchanger redeems an authorization code and persists the pair
type CodeExchanger interface {
	ExchangeCode(ctx context.Context, code, verifier, redirectURI string) (storage.TokenPair, error)
}

type eventKind int

const (
	evReset eventKind = iota
	evStarted
	evStartFailed
	evStatus
	evCompletion
	evExpired
)

type event struct {
	kind        eventKind
	gen         uint64
	source      string
	status      idp.StatusEvent
	redirectURI string
	attempt     *attempt
	err         error
	applied     chan struct{}
}

// attempt is one started login and the producers feeding it
type attempt struct {
	gen       uint64
	loginID   string
	qrURL     string
	expiresIn time.Duration

	ctx       context.Context
	cancel    context.CancelFunc
	producers *Group
}

func (a *attempt) stop() {
	a.producers.CancelAll()
	a.cancel()
}

// Option configures a Manager
type Option func(*Manager)

// WithClock replaces the time source for polling and expiry
func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithMarkers enables the completion marker channel
func WithMarkers(s *storage.MarkerStore) Option {
	return func(m *Manager) { m.markers = s }
}

// Manager drives one QR login at a time. Producers (push stream, status
// poll, expiry timer, completion marker, delivered messages) send events to
// a single reducer goroutine, which owns every state change.
type Manager struct {
	provider  IdentityProvider
	exchanger CodeExchanger
	attempts  *storage.AttemptStore
	tokens    *storage.TokenStore
	markers   *storage.MarkerStore

	clientID           string
	scopes             []string
	returnTo           string
	redirectURI        string
	messageSource      string
	pollInterval       time.Duration
	markerPollInterval time.Duration
	defaultExpiresIn   time.Duration

	clock   Clock
	metrics *metrics.Metrics

	events     chan event
	generation atomic.Uint64

	startMu sync.Mutex
	current *attempt
	closed  bool

	mu          sync.Mutex
	snapshot    Snapshot
	changed     chan struct{}
	subscribers map[int]func(Snapshot)
	nextSubID   int

	// owned by the reducer goroutine
	active    *attempt
	exchanged bool

	root        context.Context
	rootCancel  context.CancelFunc
	stop        chan struct{}
	reducerDone chan struct{}
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

// NewManager creates a manager and starts its reducer. Call Close to stop it.
func NewManager(cfg config.Config, provider IdentityProvider, exchanger CodeExchanger, attempts *storage.AttemptStore, tokens *storage.TokenStore, opts ...Option) *Manager {
	root, cancel := context.WithCancel(context.Background())
	m := &Manager{
		provider:           provider,
		exchanger:          exchanger,
		attempts:           attempts,
		tokens:             tokens,
		clientID:           cfg.ClientID,
		scopes:             cfg.Scopes,
		returnTo:           cfg.QRLogin.ReturnTo,
		redirectURI:        cfg.RedirectURI,
		messageSource:      cfg.QRLogin.MessageSource,
		pollInterval:       cfg.QRLogin.PollInterval.Std(),
		markerPollInterval: cfg.QRLogin.MarkerPollInterval.Std(),
		defaultExpiresIn:   cfg.QRLogin.DefaultExpiresIn.Std(),
		clock:              realClock{},
		events:             make(chan event, 16),
		snapshot:           Snapshot{State: StateInit},
		changed:            make(chan struct{}),
		subscribers:        make(map[int]func(Snapshot)),
		root:               root,
		rootCancel:         cancel,
		stop:               make(chan struct{}),
		reducerDone:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	go m.reduce()
	return m
}

// Start discards any previous attempt and begins a new one. A failure to
// create the provider session leaves the manager in FAILED.
func (m *Manager) Start(ctx context.Context, scopes []string) (LoginSession, error) {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	if m.closed {
		return LoginSession{}, ErrClosed
	}

	gen := m.generation.Add(1)
	if m.current != nil {
		log.LogDebugWithFields("qr_login", "Abandoning previous attempt", map[string]any{
			"login_id": m.current.loginID,
		})
		m.current.stop()
		m.current = nil
	}
	if err := m.post(event{kind: evReset, gen: gen}); err != nil {
		return LoginSession{}, err
	}

	if len(scopes) == 0 {
		scopes = m.scopes
	}

	challenge, err := oauth.GenerateChallenge()
	if err != nil {
		return m.failStart(gen, err)
	}
	state, err := oauth.GenerateState()
	if err != nil {
		return m.failStart(gen, err)
	}
	nonce, err := oauth.GenerateNonce()
	if err != nil {
		return m.failStart(gen, err)
	}

	resp, err := m.provider.StartQRLogin(ctx, idp.StartRequest{
		ClientID:            m.clientID,
		ReturnTo:            m.returnTo,
		Scope:               strings.Join(scopes, " "),
		CodeChallenge:       challenge.Challenge,
		CodeChallengeMethod: challenge.Method,
		Nonce:               nonce,
	})
	if err != nil {
		return m.failStart(gen, err)
	}

	// The provider's state is the one echoed on the redirect
	if resp.State != "" {
		state = resp.State
	}
	err = m.attempts.Save(ctx, storage.Attempt{
		Verifier:    challenge.Verifier,
		State:       state,
		Nonce:       nonce,
		ReturnPath:  m.returnTo,
		LoginID:     resp.LoginID,
		RedirectURI: m.redirectURI,
	})
	if err != nil {
		return m.failStart(gen, fmt.Errorf("saving login attempt: %w", err))
	}

	expiresIn := time.Duration(resp.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		expiresIn = m.defaultExpiresIn
	}

	actx, cancel := context.WithCancel(m.root)
	a := &attempt{
		gen:       gen,
		loginID:   resp.LoginID,
		qrURL:     resp.QRURL,
		expiresIn: expiresIn,
		ctx:       actx,
		cancel:    cancel,
		producers: &Group{},
	}
	m.current = a
	if err := m.post(event{kind: evStarted, gen: gen, attempt: a}); err != nil {
		a.stop()
		return LoginSession{}, err
	}

	spawn(actx, &m.wg, a.producers, "push", func(ctx context.Context) { m.runPush(ctx, a) })
	spawn(actx, &m.wg, a.producers, "expiry", func(ctx context.Context) { m.runExpiry(ctx, a) })
	if m.markers != nil {
		spawn(actx, &m.wg, a.producers, "marker", func(ctx context.Context) { m.runMarker(ctx, a) })
	}

	log.LogInfoWithFields("qr_login", "QR login started", map[string]any{
		"login_id":   a.loginID,
		"expires_in": expiresIn.String(),
	})
	return LoginSession{LoginID: a.loginID, QRURL: a.qrURL, ExpiresIn: expiresIn}, nil
}

func (m *Manager) failStart(gen uint64, err error) (LoginSession, error) {
	log.LogErrorWithFields("qr_login", "Failed to start QR login", map[string]any{
		"error": err.Error(),
	})
	if postErr := m.post(event{kind: evStartFailed, gen: gen, err: err}); postErr != nil {
		return LoginSession{}, postErr
	}
	return LoginSession{}, err
}

// Retry starts a fresh attempt after FAILED or EXPIRED
func (m *Manager) Retry(ctx context.Context, scopes []string) (LoginSession, error) {
	switch m.Snapshot().State {
	case StateInit, StateFailed, StateExpired:
	default:
		return LoginSession{}, ErrNotRetryable
	}
	return m.Start(ctx, scopes)
}

// Cancel abandons the current attempt and returns to INIT
func (m *Manager) Cancel() {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	if m.closed || m.current == nil {
		return
	}
	a := m.current
	m.current = nil

	gen := m.generation.Add(1)
	a.stop()
	if err := m.attempts.ClearIfLoginID(context.Background(), a.loginID); err != nil {
		log.LogWarnWithFields("qr_login", "Failed to clear cancelled attempt", map[string]any{"error": err.Error()})
	}
	_ = m.post(event{kind: evReset, gen: gen})
}

// Deliver hands a cross-context completion message to the current attempt
func (m *Manager) Deliver(msg Message) error {
	if msg.Type != MessageLoginSuccess && msg.Type != MessageWeChatLoginSuccess {
		return fmt.Errorf("%w: unexpected type %q", ErrInvalidMessage, msg.Type)
	}
	if msg.Source != m.messageSource {
		log.LogWarnWithFields("qr_login", "Ignoring completion message from unknown source", map[string]any{
			"source": msg.Source,
		})
		return ErrSourceMismatch
	}
	return m.complete("", msg.Code, msg.RedirectURI, "message")
}

// Complete finishes loginID with a code received on the redirect callback
func (m *Manager) Complete(loginID, code, redirectURI string) error {
	if loginID == "" {
		return ErrNoActiveLogin
	}
	return m.complete(loginID, code, redirectURI, "callback")
}

func (m *Manager) complete(loginID, code, redirectURI, source string) error {
	snap := m.Snapshot()
	if !snap.State.InProgress() || (loginID != "" && snap.LoginID != loginID) {
		return ErrNoActiveLogin
	}
	return m.post(event{
		kind:        evCompletion,
		gen:         m.generation.Load(),
		source:      source,
		status:      idp.StatusEvent{Status: idp.StatusCompleted, Code: code},
		redirectURI: redirectURI,
	})
}

// Snapshot returns the current state
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot
}

// Subscribe calls fn with every new snapshot, on the reducer goroutine.
// fn must not block or call back into the manager.
func (m *Manager) Subscribe(fn func(Snapshot)) func() {
	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subscribers, id)
		m.mu.Unlock()
	}
}

// Wait blocks until the login reaches a terminal state or ctx is done
func (m *Manager) Wait(ctx context.Context) (Snapshot, error) {
	for {
		m.mu.Lock()
		snap, changed := m.snapshot, m.changed
		m.mu.Unlock()

		if snap.State.Terminal() {
			return snap, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return snap, ctx.Err()
		}
	}
}

// Close cancels every producer and waits for all goroutines to exit
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.startMu.Lock()
		m.closed = true
		if m.current != nil {
			m.current.stop()
		}
		m.startMu.Unlock()

		m.rootCancel()
		m.wg.Wait()
		close(m.stop)
		<-m.reducerDone
	})
	return nil
}

// post sends an event and waits until the reducer has applied it
func (m *Manager) post(ev event) error {
	ev.applied = make(chan struct{})
	select {
	case m.events <- ev:
	case <-m.stop:
		return ErrClosed
	}
	select {
	case <-ev.applied:
		return nil
	case <-m.stop:
		return ErrClosed
	}
}

// send is used by producers; it gives up when the producer is cancelled
func (m *Manager) send(ctx context.Context, ev event) bool {
	select {
	case m.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) reduce() {
	defer close(m.reducerDone)
	for {
		select {
		case ev := <-m.events:
			m.apply(ev)
			if ev.applied != nil {
				close(ev.applied)
			}
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) apply(ev event) {
	if ev.gen != m.generation.Load() {
		m.metrics.StaleEvent()
		log.LogDebugWithFields("qr_login", "Dropping event from an abandoned attempt", map[string]any{
			"source": ev.source,
		})
		return
	}

	switch ev.kind {
	case evReset:
		m.active = nil
		m.exchanged = false
		m.publish(Snapshot{State: StateInit})

	case evStarted:
		m.active = ev.attempt
		m.transition(StatePending, func(s *Snapshot) {
			s.LoginID = ev.attempt.loginID
			s.QRURL = ev.attempt.qrURL
			s.ExpiresAt = m.clock.Now().Add(ev.attempt.expiresIn)
		})

	case evStartFailed:
		m.transition(StateFailed, withErr(ev.err))

	case evExpired:
		m.transition(StateExpired, withErr(ErrExpired))

	case evStatus:
		m.applyStatus(ev)

	case evCompletion:
		m.completeAttempt(ev)
	}
}

func withErr(err error) func(*Snapshot) {
	return func(s *Snapshot) { s.Err = err }
}

func (m *Manager) applyStatus(ev event) {
	status := ev.status.Normalize()
	target, ok := stateForStatus(status.Status)
	if !ok {
		log.LogWarnWithFields("qr_login", "Ignoring unknown login status", map[string]any{
			"status": string(status.Status),
			"source": ev.source,
		})
		return
	}

	switch target {
	case StateCompleting:
		ev.status = status
		m.completeAttempt(ev)
	case StateFailed:
		reason := status.Error
		if reason == "" {
			reason = "rejected by provider"
		}
		m.transition(StateFailed, withErr(fmt.Errorf("%w: %s", ErrLoginFailed, reason)))
	case StateExpired:
		m.transition(StateExpired, withErr(ErrExpired))
	default:
		m.transition(target, nil)
	}
}

// completeAttempt runs at most once per attempt; later signals are no-ops
func (m *Manager) completeAttempt(ev event) {
	current := m.Snapshot().State
	if m.active == nil || !current.InProgress() || m.exchanged {
		log.LogDebugWithFields("qr_login", "Ignoring completion signal", map[string]any{
			"source": ev.source,
			"state":  string(current),
		})
		return
	}
	m.exchanged = true
	a := m.active
	m.transition(StateCompleting, nil)

	switch {
	case ev.status.Code != "":
		err := m.exchange(a, ev.status.Code, ev.redirectURI)
		if ev.gen != m.generation.Load() {
			log.LogDebugWithFields("qr_login", "Attempt abandoned during code exchange", map[string]any{
				"login_id": a.loginID,
			})
			return
		}
		if err != nil {
			m.transition(StateFailed, withErr(err))
			return
		}

	case ev.status.AccessToken != "":
		pair := storage.TokenPair{AccessToken: ev.status.AccessToken, RefreshToken: ev.status.RefreshToken}
		if err := m.tokens.ReplacePair(a.ctx, pair); err != nil {
			m.transition(StateFailed, withErr(fmt.Errorf("storing tokens: %w", err)))
			return
		}

	default:
		log.LogInfoWithFields("qr_login", "Login completed without a code", map[string]any{
			"login_id": a.loginID,
			"source":   ev.source,
		})
	}

	m.transition(StateSuccess, nil)
}

func (m *Manager) exchange(a *attempt, code, redirectURI string) error {
	stored, err := m.attempts.Load(a.ctx)
	if err != nil {
		return fmt.Errorf("loading login attempt: %w", err)
	}
	if stored.Verifier == "" || (stored.LoginID != "" && stored.LoginID != a.loginID) {
		log.LogErrorWithFields("qr_login", "Code received but PKCE verifier is missing", map[string]any{
			"login_id": a.loginID,
		})
		return ErrVerifierMissing
	}
	if redirectURI == "" {
		redirectURI = stored.RedirectURI
	}
	_, err = m.exchanger.ExchangeCode(a.ctx, code, stored.Verifier, redirectURI)
	return err
}

func (m *Manager) transition(to State, mutate func(*Snapshot)) {
	next := m.Snapshot()
	from := next.State
	if !canTransition(from, to) {
		log.LogTraceWithFields("qr_login", "Ignoring non-advancing transition", map[string]any{
			"from": string(from),
			"to":   string(to),
		})
		return
	}

	next.State = to
	if mutate != nil {
		mutate(&next)
	}
	m.publish(next)
	m.metrics.Transition(string(to))

	fields := map[string]any{
		"from":     string(from),
		"to":       string(to),
		"login_id": next.LoginID,
	}
	if next.Err != nil {
		fields["error"] = next.Err.Error()
	}
	log.LogDebugWithFields("qr_login", "QR login state changed", fields)

	if to.Terminal() {
		m.finish(next)
	}
}

// finish releases the producers and the stored verifier of a finished attempt
func (m *Manager) finish(snap Snapshot) {
	a := m.active
	if a == nil {
		return
	}
	a.stop()
	if err := m.attempts.ClearIfLoginID(context.Background(), a.loginID); err != nil {
		log.LogWarnWithFields("qr_login", "Failed to clear finished attempt", map[string]any{
			"error": err.Error(),
		})
	}
	log.LogInfoWithFields("qr_login", "QR login finished", map[string]any{
		"login_id": a.loginID,
		"state":    string(snap.State),
	})
}

func (m *Manager) publish(snap Snapshot) {
	m.mu.Lock()
	m.snapshot = snap
	close(m.changed)
	m.changed = make(chan struct{})
	subs := make([]func(Snapshot), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}
