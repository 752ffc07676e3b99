package oauth

import (
	"crypto/subtle"
	"fmt"

	"github.com/tiermate/tiermate-auth/internal/crypto"
	"golang.org/x/oauth2"
)

const (
	// VerifierLength is the fixed PKCE verifier length. RFC 7636 allows 43..128.
	VerifierLength = 128

	// StateLength and NonceLength size the anti-replay values.
	StateLength = 32
	NonceLength = 32

	MethodS256 = "S256"
)

// Challenge is a PKCE verifier together with its derived S256 challenge.
// The verifier never leaves the client until the code is redeemed.
type Challenge struct {
	Verifier  string
	Challenge string
	Method    string
}

// GenerateChallenge creates a fresh verifier and derives its challenge.
// An unavailable random source is an error; there is no fallback.
func GenerateChallenge() (Challenge, error) {
	verifier, err := crypto.RandomString(VerifierLength, crypto.UnreservedAlphabet)
	if err != nil {
		return Challenge{}, fmt.Errorf("generating pkce verifier: %w", err)
	}
	return Challenge{
		Verifier:  verifier,
		Challenge: ChallengeFromVerifier(verifier),
		Method:    MethodS256,
	}, nil
}

// GenerateState returns a random value matched against the provider callback.
func GenerateState() (string, error) {
	state, err := crypto.RandomString(StateLength, crypto.UnreservedAlphabet)
	if err != nil {
		return "", fmt.Errorf("generating state: %w", err)
	}
	return state, nil
}

// GenerateNonce returns a random value bound into the issued ID token.
func GenerateNonce() (string, error) {
	nonce, err := crypto.RandomString(NonceLength, crypto.UnreservedAlphabet)
	if err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	return nonce, nil
}

// ChallengeFromVerifier computes base64url(sha256(verifier)) without padding.
func ChallengeFromVerifier(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// VerifyPKCE reports whether challenge was derived from verifier.
func VerifyPKCE(verifier, challenge string) bool {
	computed := ChallengeFromVerifier(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
