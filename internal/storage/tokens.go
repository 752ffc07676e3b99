package storage

import (
	"context"
	"errors"

	"github.com/tiermate/tiermate-auth/internal/log"
)

// TokenPair is the access/refresh credential pair. Either half may be empty.
type TokenPair struct {
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// IsZero reports whether neither token is present
func (p TokenPair) IsZero() bool {
	return p.AccessToken == "" && p.RefreshToken == ""
}

// TokenStore persists the token pair under two independent keys. Writes are
// not atomic across the pair, so readers must accept a pair with only one
// half present. No expiry is tracked here.
type TokenStore struct {
	kv KV
}

func NewTokenStore(kv KV) *TokenStore {
	return &TokenStore{kv: kv}
}

// Get returns whatever part of the pair is stored
func (s *TokenStore) Get(ctx context.Context) (TokenPair, error) {
	access, err := s.get(ctx, KeyAccessToken)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := s.get(ctx, KeyRefreshToken)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

func (s *TokenStore) get(ctx context.Context, key string) (string, error) {
	v, err := s.kv.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return v, err
}

func (s *TokenStore) SetAccess(ctx context.Context, token string) error {
	return s.set(ctx, KeyAccessToken, token)
}

func (s *TokenStore) SetRefresh(ctx context.Context, token string) error {
	return s.set(ctx, KeyRefreshToken, token)
}

// SetPair writes access then refresh. An empty refresh token leaves the
// stored one in place.
func (s *TokenStore) SetPair(ctx context.Context, pair TokenPair) error {
	if err := s.SetAccess(ctx, pair.AccessToken); err != nil {
		return err
	}
	if pair.RefreshToken == "" {
		return nil
	}
	return s.SetRefresh(ctx, pair.RefreshToken)
}

// ReplacePair stores the pair of a fresh grant. Unlike SetPair, a missing
// refresh token removes the stored one, so a new session never keeps the
// previous session's refresh token.
func (s *TokenStore) ReplacePair(ctx context.Context, pair TokenPair) error {
	if err := s.SetAccess(ctx, pair.AccessToken); err != nil {
		return err
	}
	return s.SetRefresh(ctx, pair.RefreshToken)
}

func (s *TokenStore) set(ctx context.Context, key, token string) error {
	if token == "" {
		return s.kv.Delete(ctx, key)
	}
	log.LogTraceWithFields("token_store", "Storing token", map[string]any{
		"key":   key,
		"token": log.Redact(token),
	})
	return s.kv.Set(ctx, key, token)
}

// Clear removes both tokens
func (s *TokenStore) Clear(ctx context.Context) error {
	log.LogDebugWithFields("token_store", "Clearing tokens", nil)
	return s.kv.Delete(ctx, KeyAccessToken, KeyRefreshToken)
}
