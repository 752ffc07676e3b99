package idp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tiermate/tiermate-auth/internal/config"
	"github.com/tiermate/tiermate-auth/internal/ioutil"
	"github.com/tiermate/tiermate-auth/internal/log"
	"github.com/tiermate/tiermate-auth/internal/oauth"
	"github.com/tiermate/tiermate-auth/internal/sse"
	"github.com/tiermate/tiermate-auth/internal/urlutil"
)

// ErrFallback is returned by EventStream.Next when the provider asks the
// client to switch to polling.
var ErrFallback = errors.New("provider requested polling fallback")

// Client talks to the unauthenticated QR login and registration endpoints
type Client struct {
	authBase  string
	clientID  string
	endpoints config.Endpoints

	httpClient   *http.Client
	streamClient *http.Client
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the request client. The event stream uses a copy
// without a timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
		stream := *c
		stream.Timeout = 0
		cl.streamClient = &stream
	}
}

// NewClient builds a client for the configured provider
func NewClient(cfg config.Config, opts ...Option) (*Client, error) {
	if err := oauth.CheckTransportSecurity(cfg.AuthBase, cfg.Security.RequireHTTPS); err != nil {
		return nil, err
	}

	c := &Client{
		authBase:     cfg.AuthBase,
		clientID:     cfg.ClientID,
		endpoints:    cfg.Endpoints,
		httpClient:   &http.Client{Timeout: cfg.HTTPTimeout.Std()},
		streamClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) ClientID() string { return c.clientID }

// StartQRLogin creates a QR login session
func (c *Client) StartQRLogin(ctx context.Context, req StartRequest) (StartResponse, error) {
	if req.ClientID == "" {
		req.ClientID = c.clientID
	}
	endpoint, err := urlutil.Resolve(c.authBase, c.endpoints.QRStart, url.Values{"client_id": {req.ClientID}})
	if err != nil {
		return StartResponse{}, err
	}

	var resp StartResponse
	if err := c.doJSON(ctx, http.MethodPost, endpoint, req, &resp); err != nil {
		return StartResponse{}, fmt.Errorf("starting QR login: %w", err)
	}
	if resp.LoginID == "" {
		return StartResponse{}, fmt.Errorf("%w: start response has no login_id", oauth.ErrTransport)
	}

	log.LogDebugWithFields("qr_login", "QR login session created", map[string]any{
		"login_id":   resp.LoginID,
		"expires_in": resp.ExpiresIn,
	})
	return resp, nil
}

// LoginStatus polls the current status of a QR login
func (c *Client) LoginStatus(ctx context.Context, loginID string) (StatusEvent, error) {
	base, err := urlutil.Resolve(c.authBase, c.endpoints.LoginStatus, nil)
	if err != nil {
		return StatusEvent{}, err
	}
	endpoint := strings.TrimRight(base, "/") + "/" + url.PathEscape(loginID)

	var ev StatusEvent
	if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &ev); err != nil {
		return StatusEvent{}, fmt.Errorf("polling login status: %w", err)
	}
	return ev.Normalize(), nil
}

// Register creates an email account. It does not sign in.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (RegisterResponse, error) {
	if req.ClientID == "" {
		req.ClientID = c.clientID
	}
	endpoint, err := urlutil.Resolve(c.authBase, c.endpoints.Register, nil)
	if err != nil {
		return RegisterResponse{}, err
	}

	var resp RegisterResponse
	if err := c.doJSON(ctx, http.MethodPost, endpoint, req, &resp); err != nil {
		return RegisterResponse{}, fmt.Errorf("registering: %w", err)
	}
	return resp, nil
}

// doJSON sends body as JSON and decodes a 2xx response into out. Non-2xx
// answers become *oauth.OAuthError; everything else wraps oauth.ErrTransport.
func (c *Client) doJSON(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", oauth.ErrTransport, err)
	}
	defer resp.Body.Close()

	data, err := ioutil.ReadBody(resp.Body, ioutil.MaxResponseBody)
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", oauth.ErrTransport, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return oauth.ParseErrorResponse(resp.StatusCode, data)
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decoding response: %v", oauth.ErrTransport, err)
	}
	return nil
}

// EventStream is an open push channel for one login
type EventStream interface {
	// Next blocks for the next status event. It returns ErrFallback when the
	// provider asks for polling, and io.EOF when the stream closes.
	Next() (StatusEvent, error)
	Close() error
}

type eventStream struct {
	body   io.ReadCloser
	reader *sse.Reader
}

// SubscribeEvents opens the server-sent event stream for loginID. The
// stream ends when ctx is cancelled.
func (c *Client) SubscribeEvents(ctx context.Context, loginID string) (EventStream, error) {
	endpoint, err := urlutil.Resolve(c.authBase, c.endpoints.QREvents, url.Values{
		"login_id":  {loginID},
		"client_id": {c.clientID},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", oauth.ErrTransport, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, fmt.Errorf("%w: event stream returned status %d: %s",
			oauth.ErrTransport, resp.StatusCode, ioutil.ReadLimited(resp.Body, 512))
	}

	return &eventStream{body: resp.Body, reader: sse.NewReader(resp.Body)}, nil
}

func (s *eventStream) Next() (StatusEvent, error) {
	for {
		ev, err := s.reader.Next()
		if err != nil {
			return StatusEvent{}, err
		}

		if ev.Event == "fallback" {
			return StatusEvent{}, ErrFallback
		}

		var status StatusEvent
		if err := json.Unmarshal([]byte(ev.Data), &status); err != nil {
			log.LogWarnWithFields("qr_login", "Skipping malformed push event", map[string]any{
				"error": err.Error(),
			})
			continue
		}
		if status.Status == "" {
			continue
		}
		return status.Normalize(), nil
	}
}

func (s *eventStream) Close() error {
	return s.body.Close()
}
