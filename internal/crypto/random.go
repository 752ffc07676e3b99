package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// UnreservedAlphabet is the RFC 3986 unreserved character set used for PKCE
// verifiers, state and nonce values.
const UnreservedAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

// ErrRandomUnavailable is returned when the system's secure random source fails.
// Callers must surface it; no weaker generator is substituted.
var ErrRandomUnavailable = errors.New("secure random source unavailable")

// randReader is swapped in tests to simulate a broken entropy source.
var randReader io.Reader = rand.Reader

// RandomString returns n characters drawn uniformly from alphabet.
// Bytes that would bias the distribution are rejected and redrawn.
func RandomString(n int, alphabet string) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("invalid length %d", n)
	}
	if len(alphabet) == 0 || len(alphabet) > 256 {
		return "", fmt.Errorf("invalid alphabet size %d", len(alphabet))
	}

	limit := 256 - (256 % len(alphabet))
	out := make([]byte, 0, n)
	buf := make([]byte, n+n/4)

	for len(out) < n {
		if _, err := io.ReadFull(randReader, buf); err != nil {
			return "", fmt.Errorf("%w: %v", ErrRandomUnavailable, err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == n {
				break
			}
		}
	}

	return string(out), nil
}

// GenerateSecureToken creates a cryptographically secure random token.
// Returns a base64 URL-encoded string suitable for nonces and marker ids.
func GenerateSecureToken() (string, error) {
	b := make([]byte, 32)
	if _, err := io.ReadFull(randReader, b); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRandomUnavailable, err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
