package storage

import (
	"context"
	"errors"
	"strconv"
)

// Attempt is the client-held half of one in-flight login: the PKCE
// verifier and anti-replay values, plus where to go once it completes.
// There is a single current attempt per store.
type Attempt struct {
	Verifier    string
	State       string
	Nonce       string
	ReturnPath  string
	LoginID     string
	BindMode    bool
	RedirectURI string
}

var attemptKeys = []string{
	KeyVerifier, KeyState, KeyNonce, KeyReturnPath, KeyLoginID, KeyBindMode, KeyRedirectURI,
}

// AttemptStore persists the current attempt so a later process can finish it
type AttemptStore struct {
	kv KV
}

func NewAttemptStore(kv KV) *AttemptStore {
	return &AttemptStore{kv: kv}
}

// Save replaces the current attempt. Empty fields are removed rather than
// left over from an earlier attempt.
func (s *AttemptStore) Save(ctx context.Context, a Attempt) error {
	if err := s.Clear(ctx); err != nil {
		return err
	}

	values := map[string]string{
		KeyVerifier:    a.Verifier,
		KeyState:       a.State,
		KeyNonce:       a.Nonce,
		KeyReturnPath:  a.ReturnPath,
		KeyLoginID:     a.LoginID,
		KeyRedirectURI: a.RedirectURI,
	}
	if a.BindMode {
		values[KeyBindMode] = strconv.FormatBool(true)
	}
	for _, key := range attemptKeys {
		v := values[key]
		if v == "" {
			continue
		}
		if err := s.kv.Set(ctx, key, v); err != nil {
			return err
		}
	}
	return nil
}

// Load returns the current attempt; fields never written are empty
func (s *AttemptStore) Load(ctx context.Context) (Attempt, error) {
	values := make(map[string]string, len(attemptKeys))
	for _, key := range attemptKeys {
		v, err := s.kv.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return Attempt{}, err
		}
		values[key] = v
	}

	bind, _ := strconv.ParseBool(values[KeyBindMode])
	return Attempt{
		Verifier:    values[KeyVerifier],
		State:       values[KeyState],
		Nonce:       values[KeyNonce],
		ReturnPath:  values[KeyReturnPath],
		LoginID:     values[KeyLoginID],
		BindMode:    bind,
		RedirectURI: values[KeyRedirectURI],
	}, nil
}

// Clear removes every attempt key
func (s *AttemptStore) Clear(ctx context.Context) error {
	return s.kv.Delete(ctx, attemptKeys...)
}

// ClearIfLoginID clears the attempt only while it still belongs to loginID,
// so finishing an abandoned login cannot wipe a newer one.
func (s *AttemptStore) ClearIfLoginID(ctx context.Context, loginID string) error {
	current, err := s.kv.Get(ctx, KeyLoginID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if current != loginID {
		return nil
	}
	return s.Clear(ctx)
}
