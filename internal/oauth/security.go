package oauth

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"

	"github.com/tiermate/tiermate-auth/internal/envutil"
	"github.com/tiermate/tiermate-auth/internal/log"
)

// ErrInsecureTransport is returned when HTTPS is required but a URL is plain HTTP.
var ErrInsecureTransport = errors.New("insecure transport")

var warnedOrigins sync.Map

// CheckTransportSecurity inspects an endpoint or redirect URL that will carry
// PKCE material. Plain HTTP to a loopback host is always allowed. Plain HTTP
// elsewhere is logged once per origin, or rejected when requireHTTPS is set
// outside development mode.
func CheckTransportSecurity(rawURL string, requireHTTPS bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parsing %q: %w", rawURL, err)
	}

	if strings.EqualFold(u.Scheme, "https") || isLoopback(u.Hostname()) {
		return nil
	}

	origin := u.Scheme + "://" + u.Host
	if requireHTTPS && !envutil.IsDev() {
		return fmt.Errorf("%w: %s", ErrInsecureTransport, origin)
	}

	if _, seen := warnedOrigins.LoadOrStore(origin, true); !seen {
		log.LogWarnWithFields("pkce", "PKCE exchange over a non-HTTPS channel; verifier and code may be observable", map[string]any{
			"origin": origin,
		})
	}
	return nil
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
