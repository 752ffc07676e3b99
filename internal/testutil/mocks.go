package testutil

import (
	"context"
	"io"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/tiermate/tiermate-auth/internal/idp"
	"github.com/tiermate/tiermate-auth/internal/storage"
)

// MockExchanger mocks the authorization code exchange
type MockExchanger struct {
	mock.Mock
}

func (m *MockExchanger) ExchangeCode(ctx context.Context, code, verifier, redirectURI string) (storage.TokenPair, error) {
	args := m.Called(ctx, code, verifier, redirectURI)
	return args.Get(0).(storage.TokenPair), args.Error(1)
}

// MockIdentityProvider mocks the QR login wire client
type MockIdentityProvider struct {
	mock.Mock
}

func (m *MockIdentityProvider) StartQRLogin(ctx context.Context, req idp.StartRequest) (idp.StartResponse, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(idp.StartResponse), args.Error(1)
}

func (m *MockIdentityProvider) LoginStatus(ctx context.Context, loginID string) (idp.StatusEvent, error) {
	args := m.Called(ctx, loginID)
	return args.Get(0).(idp.StatusEvent), args.Error(1)
}

func (m *MockIdentityProvider) SubscribeEvents(ctx context.Context, loginID string) (idp.EventStream, error) {
	args := m.Called(ctx, loginID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(idp.EventStream), args.Error(1)
}

// ChanStream is an idp.EventStream fed by a channel. Closing the channel
// ends the stream with io.EOF; Fail ends it with an error.
type ChanStream struct {
	Events chan idp.StatusEvent

	ctx    context.Context
	once   sync.Once
	closed chan struct{}
	errc   chan error
}

// NewChanStream creates a stream that also ends when ctx is cancelled
func NewChanStream(ctx context.Context) *ChanStream {
	return &ChanStream{
		Events: make(chan idp.StatusEvent, 16),
		ctx:    ctx,
		closed: make(chan struct{}),
		errc:   make(chan error, 1),
	}
}

func (s *ChanStream) Next() (idp.StatusEvent, error) {
	select {
	case ev, ok := <-s.Events:
		if !ok {
			return idp.StatusEvent{}, io.EOF
		}
		return ev, nil
	case err := <-s.errc:
		return idp.StatusEvent{}, err
	case <-s.closed:
		return idp.StatusEvent{}, io.ErrClosedPipe
	case <-s.ctx.Done():
		return idp.StatusEvent{}, s.ctx.Err()
	}
}

// Fail makes the next Next call return err
func (s *ChanStream) Fail(err error) {
	s.errc <- err
}

func (s *ChanStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// IsClosed reports whether Close was called
func (s *ChanStream) IsClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}
