package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	// CurrentVersion is the only accepted config file version
	CurrentVersion = "v1"

	DefaultAuthBase    = "https://auth.xiaojinpro.com"
	DefaultClientID    = "tiermate"
	DefaultAgentAddr   = "127.0.0.1:7878"
	DefaultRedirectURI = "http://" + DefaultAgentAddr + "/auth/callback"

	// DefaultMessageSource tags cross-context completion messages sent by the
	// provider's hosted pages.
	DefaultMessageSource = "xiaojinpro-auth"
)

// Secret is a string type that redacts itself when printed
type Secret string

// String implements fmt.Stringer to redact the secret
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "***"
}

// MarshalJSON implements json.Marshaler to prevent secrets in JSON logs
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal("***")
}

// UnmarshalJSON accepts a plain string or an {"$env": "VAR"} reference
func (s *Secret) UnmarshalJSON(data []byte) error {
	value, err := ParseConfigValue(data)
	if err != nil {
		return err
	}
	*s = Secret(value)
	return nil
}

// Duration is a time.Duration written as a Go duration string ("2s", "5m")
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"2s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// StorageKind selects the client-local key/value backend
type StorageKind string

const (
	StorageMemory StorageKind = "memory"
	StorageFile   StorageKind = "file"
	StorageSQLite StorageKind = "sqlite"
)

// Endpoints are provider paths. Relative values are resolved against
// authBase (or apiBase for the profile endpoints); absolute URLs are used as-is.
type Endpoints struct {
	Token           string `json:"token"`
	PasswordLogin   string `json:"passwordLogin"`
	Register        string `json:"register"`
	Logout          string `json:"logout"`
	QRStart         string `json:"qrStart"`
	QREvents        string `json:"qrEvents"`
	LoginStatus     string `json:"loginStatus"`
	Profile         string `json:"profile"`
	WeChatBind      string `json:"wechatBind"`
	WeChatAuthorize string `json:"wechatAuthorize"`
	GoogleAuthorize string `json:"googleAuthorize"`
}

// DefaultEndpoints returns the paths served by the TierMate identity provider
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Token:           "/oauth/token",
		PasswordLogin:   "/auth/email/token",
		Register:        "/auth/email/register",
		Logout:          "/auth/logout",
		QRStart:         "/v1/qr-login/start",
		QREvents:        "/v1/qr-login/events",
		LoginStatus:     "/auth/login-status",
		Profile:         "/v1/users/me",
		WeChatBind:      "/v1/users/me/connections/wechat/mp-bind",
		WeChatAuthorize: "/auth/wechat/authorize",
		GoogleAuthorize: "/auth/google/authorize",
	}
}

// StorageConfig configures where tokens and attempt state live
type StorageConfig struct {
	Kind          StorageKind `json:"kind" env:"TIERMATE_STORAGE" validate:"oneof=memory file sqlite"`
	Path          string      `json:"path,omitempty" env:"TIERMATE_STORAGE_PATH" validate:"required_unless=Kind memory"`
	EncryptionKey Secret      `json:"encryptionKey,omitempty" env:"TIERMATE_ENCRYPTION_KEY"`
}

// QRLoginConfig tunes the scan-to-login handshake
type QRLoginConfig struct {
	PollInterval       Duration `json:"pollInterval"`
	MarkerPollInterval Duration `json:"markerPollInterval"`
	DefaultExpiresIn   Duration `json:"defaultExpiresIn"`
	MessageSource      string   `json:"messageSource" validate:"required"`
	MarkerKey          Secret   `json:"markerKey,omitempty" env:"TIERMATE_MARKER_KEY"`
	ReturnTo           string   `json:"returnTo,omitempty"`
}

// AgentConfig configures the local loopback agent
type AgentConfig struct {
	Addr           string   `json:"addr" env:"TIERMATE_AGENT_ADDR" validate:"required,hostname_port"`
	AllowedOrigins []string `json:"allowedOrigins,omitempty" validate:"dive,url"`
}

// SessionConfig tunes the silent refresh loop
type SessionConfig struct {
	RefreshThreshold Duration `json:"refreshThreshold"`
	RefreshInterval  Duration `json:"refreshInterval"`
}

// SecurityConfig controls transport checks on PKCE-carrying URLs
type SecurityConfig struct {
	RequireHTTPS bool `json:"requireHTTPS" env:"TIERMATE_REQUIRE_HTTPS"`
}

// Config is the root configuration
type Config struct {
	Version     string         `json:"version"`
	AuthBase    string         `json:"authBase" env:"TIERMATE_AUTH_BASE" validate:"required,url"`
	APIBase     string         `json:"apiBase,omitempty" env:"TIERMATE_API_BASE" validate:"omitempty,url"`
	ClientID    string         `json:"clientId" env:"TIERMATE_CLIENT_ID" validate:"required"`
	RedirectURI string         `json:"redirectUri" env:"TIERMATE_REDIRECT_URI" validate:"required,url"`
	Scopes      []string       `json:"scopes" env:"TIERMATE_SCOPES" envSeparator:" " validate:"min=1,dive,required"`
	HTTPTimeout Duration       `json:"httpTimeout"`
	Endpoints   Endpoints      `json:"endpoints"`
	Storage     StorageConfig  `json:"storage"`
	QRLogin     QRLoginConfig  `json:"qrLogin"`
	Agent       AgentConfig    `json:"agent"`
	Session     SessionConfig  `json:"session"`
	Security    SecurityConfig `json:"security"`
}

// Default returns a configuration that talks to the production provider and
// keeps tokens in memory.
func Default() Config {
	return Config{
		Version:     CurrentVersion,
		AuthBase:    DefaultAuthBase,
		ClientID:    DefaultClientID,
		RedirectURI: DefaultRedirectURI,
		Scopes:      []string{"openid", "profile", "email", "offline_access"},
		HTTPTimeout: Duration(30 * time.Second),
		Endpoints:   DefaultEndpoints(),
		Storage:     StorageConfig{Kind: StorageMemory},
		QRLogin: QRLoginConfig{
			PollInterval:       Duration(2 * time.Second),
			MarkerPollInterval: Duration(500 * time.Millisecond),
			DefaultExpiresIn:   Duration(300 * time.Second),
			MessageSource:      DefaultMessageSource,
		},
		Agent: AgentConfig{Addr: DefaultAgentAddr},
		Session: SessionConfig{
			RefreshThreshold: Duration(5 * time.Minute),
			RefreshInterval:  Duration(time.Minute),
		},
	}
}

// ScopeString joins the configured scopes the way the provider expects them
func (c Config) ScopeString() string {
	return strings.Join(c.Scopes, " ")
}

// ResourceBase is the base for profile and connection endpoints
func (c Config) ResourceBase() string {
	if c.APIBase != "" {
		return c.APIBase
	}
	return c.AuthBase
}

// ParseConfigValue parses a JSON value that is either a string or an
// {"$env": "VAR_NAME"} reference resolved immediately.
func ParseConfigValue(raw json.RawMessage) (string, error) {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str, nil
	}

	var ref map[string]string
	if err := json.Unmarshal(raw, &ref); err != nil {
		return "", fmt.Errorf("config value must be string or reference object")
	}

	envVar, ok := ref["$env"]
	if !ok {
		return "", fmt.Errorf("unknown reference type in config value")
	}

	value := os.Getenv(envVar)
	if value == "" {
		return "", fmt.Errorf("environment variable %s not set", envVar)
	}
	// Strip surrounding quotes if present (only matching pairs)
	if len(value) >= 2 {
		if (value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'') {
			value = value[1 : len(value)-1]
		}
	}
	return value, nil
}
