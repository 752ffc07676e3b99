package idp

import (
	"fmt"
	"net/url"

	"github.com/tiermate/tiermate-auth/internal/config"
	"github.com/tiermate/tiermate-auth/internal/urlutil"
)

// NewProvider creates the redirect provider named by providerType.
// Any other name is treated as a generic provider brokered at
// {authBase}/auth/{name}/authorize.
func NewProvider(providerType string, cfg config.Config) (Provider, error) {
	var endpoint string
	var scopes []string

	switch providerType {
	case "wechat":
		endpoint = cfg.Endpoints.WeChatAuthorize
		scopes = []string{"openid", "profile", "offline_access"}

	case "google":
		endpoint = cfg.Endpoints.GoogleAuthorize
		scopes = []string{"openid", "email", "profile", "offline_access"}

	case "":
		return nil, fmt.Errorf("%w: provider name is required", ErrUnknownProvider)

	default:
		if url.PathEscape(providerType) != providerType {
			return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, providerType)
		}
		endpoint = "/auth/" + providerType + "/authorize"
		scopes = cfg.Scopes
	}

	authorizeURL, err := urlutil.Resolve(cfg.AuthBase, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("resolving %s authorize endpoint: %w", providerType, err)
	}
	return NewRedirectProvider(providerType, cfg.ClientID, authorizeURL, scopes), nil
}
