package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/tiermate/tiermate-auth/internal/idp"
	jsonwriter "github.com/tiermate/tiermate-auth/internal/json"
	"github.com/tiermate/tiermate-auth/internal/log"
	"github.com/tiermate/tiermate-auth/internal/oauth"
	"github.com/tiermate/tiermate-auth/internal/qrlogin"
	"github.com/tiermate/tiermate-auth/internal/session"
	"github.com/tiermate/tiermate-auth/internal/sse"
	"github.com/tiermate/tiermate-auth/internal/storage"
)

const (
	maxMessageBody    = 64 << 10
	keepAliveInterval = 15 * time.Second
	callbackWait      = 30 * time.Second
)

// Handlers serves the local agent endpoints
type Handlers struct {
	controller *session.Controller
	qr         *qrlogin.Manager
	attempts   *storage.AttemptStore

	mu          sync.Mutex
	closed      bool
	wg          sync.WaitGroup
	unsubscribe func()
}

// NewHandlers creates the agent handlers. qr may be nil, which disables the
// QR login endpoints. Call Close to release the QR subscription.
func NewHandlers(controller *session.Controller, qr *qrlogin.Manager, attempts *storage.AttemptStore) *Handlers {
	h := &Handlers{
		controller: controller,
		qr:         qr,
		attempts:   attempts,
	}
	if qr != nil {
		h.unsubscribe = qr.Subscribe(h.onQRSnapshot)
	}
	return h
}

// onQRSnapshot picks up the tokens a finished QR login wrote. It runs on the
// manager's goroutine, which may still publish while Close is waiting.
func (h *Handlers) onQRSnapshot(snap qrlogin.Snapshot) {
	if snap.State != qrlogin.StateSuccess {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.controller.RefreshUser(context.Background())
	}()
}

// Close stops reacting to QR logins and waits for pending refreshes
func (h *Handlers) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	h.wg.Wait()
}

// SessionView is the public JSON form of the session state
type SessionView struct {
	SignedIn    bool      `json:"signed_in"`
	User        *idp.User `json:"user"`
	Loading     bool      `json:"loading"`
	Initialized bool      `json:"initialized"`
}

func newSessionView(s session.State) SessionView {
	return SessionView{
		SignedIn:    s.SignedIn(),
		User:        s.User,
		Loading:     s.Loading,
		Initialized: s.Initialized,
	}
}

// QRLoginView is the public JSON form of a QR login snapshot
type QRLoginView struct {
	State     qrlogin.State `json:"state"`
	LoginID   string        `json:"login_id,omitempty"`
	QRURL     string        `json:"qr_url,omitempty"`
	ExpiresAt *time.Time    `json:"expires_at,omitempty"`
	Error     string        `json:"error,omitempty"`
}

func newQRLoginView(snap qrlogin.Snapshot) QRLoginView {
	view := QRLoginView{
		State:   snap.State,
		LoginID: snap.LoginID,
		QRURL:   snap.QRURL,
	}
	if !snap.ExpiresAt.IsZero() {
		exp := snap.ExpiresAt.UTC()
		view.ExpiresAt = &exp
	}
	if snap.Err != nil {
		view.Error = snap.Err.Error()
	}
	return view
}

// SessionHandler returns the current session state
func (h *Handlers) SessionHandler(w http.ResponseWriter, r *http.Request) {
	_ = jsonwriter.Write(w, newSessionView(h.controller.State()))
}

// LogoutHandler signs out. The local session is cleared even when the
// provider cannot be reached.
func (h *Handlers) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.controller.SignOut(r.Context()); err != nil {
		log.LogErrorWithFields("agent", "Sign out failed", map[string]any{"error": err.Error()})
		jsonwriter.WriteInternalServerError(w, "Failed to clear local session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SessionEventsHandler streams session changes as server-sent events. The
// current state is sent first. QR login snapshots are sent as "qr" events.
func (h *Handlers) SessionEventsHandler(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		jsonwriter.WriteInternalServerError(w, "Streaming unsupported")
		return
	}

	// subscribers only signal; the latest value is read when writing
	sessionChanged := make(chan struct{}, 1)
	unsubscribe := h.controller.Subscribe(func(session.State) {
		select {
		case sessionChanged <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	var qrChanged chan struct{}
	if h.qr != nil {
		qrChanged = make(chan struct{}, 1)
		unsubscribeQR := h.qr.Subscribe(func(qrlogin.Snapshot) {
			select {
			case qrChanged <- struct{}{}:
			default:
			}
		})
		defer unsubscribeQR()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := sse.WriteMessage(w, flusher, newSessionView(h.controller.State())); err != nil {
		return
	}
	if h.qr != nil {
		if err := sse.WriteEvent(w, flusher, "qr", newQRLoginView(h.qr.Snapshot())); err != nil {
			return
		}
	}

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		var err error
		select {
		case <-r.Context().Done():
			return
		case <-sessionChanged:
			err = sse.WriteMessage(w, flusher, newSessionView(h.controller.State()))
		case <-qrChanged:
			err = sse.WriteEvent(w, flusher, "qr", newQRLoginView(h.qr.Snapshot()))
		case <-ticker.C:
			err = sse.WriteComment(w, flusher, "keep-alive")
		}
		if err != nil {
			log.LogDebugWithFields("agent", "Event stream closed", map[string]any{"error": err.Error()})
			return
		}
	}
}

// MessageHandler accepts a cross-context completion message for the QR
// login in progress
func (h *Handlers) MessageHandler(w http.ResponseWriter, r *http.Request) {
	if h.qr == nil {
		jsonwriter.WriteNotFound(w, "QR login is not enabled")
		return
	}

	var msg qrlogin.Message
	if err := jsonwriter.Decode(r, &msg, maxMessageBody); err != nil {
		jsonwriter.WriteBadRequest(w, err.Error())
		return
	}

	err := h.qr.Deliver(msg)
	switch {
	case err == nil:
		_ = jsonwriter.WriteResponse(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	case errors.Is(err, qrlogin.ErrInvalidMessage):
		jsonwriter.WriteBadRequest(w, err.Error())
	case errors.Is(err, qrlogin.ErrSourceMismatch):
		jsonwriter.WriteError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, qrlogin.ErrNoActiveLogin):
		jsonwriter.WriteConflict(w, err.Error())
	case errors.Is(err, qrlogin.ErrClosed):
		jsonwriter.WriteServiceUnavailable(w, err.Error())
	default:
		jsonwriter.WriteInternalServerError(w, err.Error())
	}
}

type qrStartRequest struct {
	Scopes []string `json:"scopes,omitempty"`
}

// QRStartHandler begins a new QR login, abandoning any previous one
func (h *Handlers) QRStartHandler(w http.ResponseWriter, r *http.Request) {
	if h.qr == nil {
		jsonwriter.WriteNotFound(w, "QR login is not enabled")
		return
	}

	var req qrStartRequest
	if r.ContentLength > 0 {
		if err := jsonwriter.Decode(r, &req, maxMessageBody); err != nil {
			jsonwriter.WriteBadRequest(w, err.Error())
			return
		}
	}

	if _, err := h.qr.Start(r.Context(), req.Scopes); err != nil {
		if errors.Is(err, qrlogin.ErrClosed) {
			jsonwriter.WriteServiceUnavailable(w, err.Error())
			return
		}
		message := err.Error()
		if oauthErr, ok := oauth.AsOAuthError(err); ok {
			message = oauthErr.Message()
		}
		jsonwriter.WriteError(w, http.StatusBadGateway, "bad_gateway", message)
		return
	}
	_ = jsonwriter.WriteResponse(w, http.StatusCreated, newQRLoginView(h.qr.Snapshot()))
}

// QRStatusHandler returns the current QR login snapshot
func (h *Handlers) QRStatusHandler(w http.ResponseWriter, r *http.Request) {
	if h.qr == nil {
		jsonwriter.WriteNotFound(w, "QR login is not enabled")
		return
	}
	_ = jsonwriter.Write(w, newQRLoginView(h.qr.Snapshot()))
}

// QRCancelHandler abandons the QR login in progress
func (h *Handlers) QRCancelHandler(w http.ResponseWriter, r *http.Request) {
	if h.qr == nil {
		jsonwriter.WriteNotFound(w, "QR login is not enabled")
		return
	}
	h.qr.Cancel()
	w.WriteHeader(http.StatusNoContent)
}

// CallbackHandler is the redirect landing page. A callback for the QR login
// in progress completes it; anything else goes through the session
// controller.
func (h *Handlers) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	params := session.CallbackParamsFromQuery(r.URL.Query())

	if page, handled := h.completeQRLogin(ctx, params); handled {
		renderCallbackPage(w, page)
		return
	}

	result := h.controller.HandleRedirectCallback(ctx, params)
	renderCallbackPage(w, callbackPageFor(result))
}

func (h *Handlers) completeQRLogin(ctx context.Context, params session.CallbackParams) (CallbackPageData, bool) {
	if h.qr == nil || params.Code == "" || params.Error != "" {
		return CallbackPageData{}, false
	}

	attempt, err := h.attempts.Load(ctx)
	if err != nil || attempt.LoginID == "" {
		return CallbackPageData{}, false
	}
	if params.State != "" && attempt.State != "" && params.State != attempt.State {
		return CallbackPageData{}, false
	}
	if err := h.qr.Complete(attempt.LoginID, params.Code, ""); err != nil {
		return CallbackPageData{}, false
	}

	waitCtx, cancel := context.WithTimeout(ctx, callbackWait)
	defer cancel()
	snap, err := h.qr.Wait(waitCtx)
	if err != nil {
		return CallbackPageData{
			Title:   "Sign-in pending",
			Message: "The sign-in is still being completed. Check the TierMate window.",
		}, true
	}
	if snap.State != qrlogin.StateSuccess {
		message := "The sign-in could not be completed."
		if snap.Err != nil {
			message = snap.Err.Error()
		}
		return CallbackPageData{Title: "Sign-in failed", Message: message}, true
	}

	h.controller.RefreshUser(ctx)
	return CallbackPageData{Title: "Signed in", Message: "Your TierMate session is ready.", Success: true, ReturnPath: "/"}, true
}

func callbackPageFor(result session.CodeFlowResult) CallbackPageData {
	if result.Success {
		if result.Bind {
			return CallbackPageData{Title: "WeChat linked", Message: "Your WeChat account is now linked.", Success: true, ReturnPath: result.ReturnPath}
		}
		return CallbackPageData{Title: "Signed in", Message: "Your TierMate session is ready.", Success: true, ReturnPath: result.ReturnPath}
	}

	message := "The sign-in could not be completed."
	switch {
	case errors.Is(result.Err, session.ErrStateMismatch):
		message = "The sign-in response did not match this browser. Please start again."
	case errors.Is(result.Err, session.ErrSessionExpired):
		message = "The sign-in session expired. Please start again."
		if result.Bind {
			message = "The binding session expired. Please start again."
		}
	case result.Err != nil:
		if oauthErr, ok := oauth.AsOAuthError(result.Err); ok {
			message = oauthErr.Message()
		} else {
			message = result.Err.Error()
		}
	}

	title := "Sign-in failed"
	if result.Bind {
		title = "Linking failed"
	}
	return CallbackPageData{Title: title, Message: message}
}

func renderCallbackPage(w http.ResponseWriter, page CallbackPageData) {
	status := http.StatusOK
	if !page.Success {
		status = http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := callbackPageTemplate.Execute(w, page); err != nil {
		log.LogErrorWithFields("agent", "Failed to render callback page", map[string]any{"error": err.Error()})
	}
}
