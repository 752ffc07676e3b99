package storage

import (
	"context"
	"errors"
	"time"

	"github.com/tiermate/tiermate-auth/internal/crypto"
	"github.com/tiermate/tiermate-auth/internal/log"
)

// MarkerTTL bounds how long a completion marker stays valid
const MarkerTTL = 10 * time.Minute

type marker struct {
	LoginID string `json:"login_id"`
}

// MarkerStore holds the signed "login finished" marker written by whichever
// context completed a QR login and polled by the one that started it.
type MarkerStore struct {
	kv     KV
	signer crypto.TokenSigner
}

func NewMarkerStore(kv KV, signingKey []byte) *MarkerStore {
	return &MarkerStore{kv: kv, signer: crypto.NewTokenSigner(signingKey, MarkerTTL)}
}

// WithClock overrides the time source used for marker expiry
func (s *MarkerStore) WithClock(now func() time.Time) *MarkerStore {
	return &MarkerStore{kv: s.kv, signer: s.signer.WithClock(now)}
}

// Put records that loginID completed
func (s *MarkerStore) Put(ctx context.Context, loginID string) error {
	token, err := s.signer.Sign(marker{LoginID: loginID})
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, KeyLoginMarker, token)
}

// Match reports whether a valid marker for loginID is present. Forged or
// expired markers are ignored.
func (s *MarkerStore) Match(ctx context.Context, loginID string) (bool, error) {
	token, err := s.kv.Get(ctx, KeyLoginMarker)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var m marker
	if err := s.signer.Verify(token, &m); err != nil {
		log.LogDebugWithFields("token_store", "Ignoring completion marker", map[string]any{
			"error": err.Error(),
		})
		return false, nil
	}
	return m.LoginID == loginID, nil
}

func (s *MarkerStore) Clear(ctx context.Context) error {
	return s.kv.Delete(ctx, KeyLoginMarker)
}
