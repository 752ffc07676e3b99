package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultAuthBase, cfg.AuthBase)
	assert.Equal(t, DefaultClientID, cfg.ClientID)
	assert.Equal(t, "openid profile email offline_access", cfg.ScopeString())
	assert.Equal(t, 2*time.Second, cfg.QRLogin.PollInterval.Std())
	assert.Equal(t, 500*time.Millisecond, cfg.QRLogin.MarkerPollInterval.Std())
	assert.Equal(t, 300*time.Second, cfg.QRLogin.DefaultExpiresIn.Std())
	assert.Equal(t, "/oauth/token", cfg.Endpoints.Token)
	assert.Equal(t, DefaultAuthBase, cfg.ResourceBase())
}

func TestLoadFile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("TEST_TIERMATE_KEY", "0123456789abcdef0123456789abcdef")

	path := writeConfig(t, `{
		"version": "v1",
		"authBase": "https://auth.example.com",
		"apiBase": "https://api.example.com",
		"scopes": ["openid", "profile"],
		"endpoints": {"token": "/token"},
		"storage": {
			"kind": "file",
			"path": "/tmp/tiermate.db",
			"encryptionKey": {"$env": "TEST_TIERMATE_KEY"}
		},
		"qrLogin": {"pollInterval": "1s", "messageSource": "custom-source"}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://auth.example.com", cfg.AuthBase)
	assert.Equal(t, "https://api.example.com", cfg.ResourceBase())
	assert.Equal(t, "openid profile", cfg.ScopeString())
	assert.Equal(t, "/token", cfg.Endpoints.Token)
	assert.Equal(t, "/auth/email/token", cfg.Endpoints.PasswordLogin, "unset endpoints keep defaults")
	assert.Equal(t, StorageFile, cfg.Storage.Kind)
	assert.Equal(t, Secret("0123456789abcdef0123456789abcdef"), cfg.Storage.EncryptionKey)
	assert.Equal(t, time.Second, cfg.QRLogin.PollInterval.Std())
	assert.Equal(t, 500*time.Millisecond, cfg.QRLogin.MarkerPollInterval.Std())
	assert.Equal(t, "custom-source", cfg.QRLogin.MessageSource)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("TIERMATE_AUTH_BASE", "https://staging-auth.example.com")
	t.Setenv("TIERMATE_STORAGE", "sqlite")
	t.Setenv("TIERMATE_STORAGE_PATH", "/tmp/tiermate.sqlite")
	t.Setenv("TIERMATE_SCOPES", "openid email")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "https://staging-auth.example.com", cfg.AuthBase)
	assert.Equal(t, StorageSQLite, cfg.Storage.Kind)
	assert.Equal(t, "/tmp/tiermate.sqlite", cfg.Storage.Path)
	assert.Equal(t, []string{"openid", "email"}, cfg.Scopes)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("TIERMATE_CLIENT_ID=from-dotenv\n"), 0600))
	t.Setenv("TIERMATE_CLIENT_ID", "")
	require.NoError(t, os.Unsetenv("TIERMATE_CLIENT_ID"))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.ClientID)
}

func TestLoadErrors(t *testing.T) {
	t.Chdir(t.TempDir())

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"missing version", `{"authBase": "https://a.example.com"}`, "config version is required"},
		{"wrong version", `{"version": "v0"}`, "unsupported config version"},
		{"invalid json", `{`, "parsing config JSON"},
		{"bad url", `{"version": "v1", "authBase": "not a url"}`, "authBase failed url"},
		{"bad storage kind", `{"version": "v1", "storage": {"kind": "redis"}}`, "storage.kind failed oneof"},
		{"sqlite without path", `{"version": "v1", "storage": {"kind": "sqlite"}}`, "storage.path failed required_unless"},
		{"file without key", `{"version": "v1", "storage": {"kind": "file", "path": "/tmp/x"}}`, "encryptionKey must be at least 16"},
		{"unset env ref", `{"version": "v1", "qrLogin": {"markerKey": {"$env": "TIERMATE_TEST_UNSET"}}}`, "TIERMATE_TEST_UNSET not set"},
		{"zero poll interval", `{"version": "v1", "qrLogin": {"pollInterval": "0s"}}`, "qrLogin.pollInterval must be positive"},
		{"bad duration", `{"version": "v1", "httpTimeout": "soon"}`, "parsing duration"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSecretRedaction(t *testing.T) {
	s := Secret("super-secret-value")
	assert.Equal(t, "***", s.String())
	assert.Equal(t, "***", fmt.Sprintf("%v", s))

	data, err := json.Marshal(struct {
		Key Secret `json:"key"`
	}{Key: s})
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"***"}`, string(data))

	assert.Equal(t, "", Secret("").String())
}

func TestParseConfigValue(t *testing.T) {
	t.Setenv("TIERMATE_QUOTED", `"quoted-value"`)

	v, err := ParseConfigValue([]byte(`"plain"`))
	require.NoError(t, err)
	assert.Equal(t, "plain", v)

	v, err = ParseConfigValue([]byte(`{"$env": "TIERMATE_QUOTED"}`))
	require.NoError(t, err)
	assert.Equal(t, "quoted-value", v)

	_, err = ParseConfigValue([]byte(`{"$userToken": "x"}`))
	assert.Error(t, err)

	_, err = ParseConfigValue([]byte(`42`))
	assert.Error(t, err)
}
