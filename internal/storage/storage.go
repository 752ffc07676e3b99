package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/tiermate/tiermate-auth/internal/config"
	"github.com/tiermate/tiermate-auth/internal/crypto"
)

// ErrNotFound is returned when a key doesn't exist
var ErrNotFound = errors.New("key not found")

// Keys shared by every process that uses the same backing store. They match
// the names the web client keeps in local storage so a migrated session reads
// the same way.
const (
	KeyAccessToken  = "tiermate_jwt_token"
	KeyRefreshToken = "tiermate_refresh_token"

	KeyVerifier    = "pkce_verifier"
	KeyState       = "oauth_state"
	KeyNonce       = "oauth_nonce"
	KeyRedirectURI = "oauth_redirect_uri"
	KeyReturnPath  = "wx_return_path"
	KeyLoginID     = "wx_login_id"
	KeyBindMode    = "wx_bind_mode"

	KeyLoginMarker = "wx_login_success"
)

// KV is a durable, client-local key/value store. Implementations are safe
// for concurrent use; no operation spans more than one key atomically.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

// sealerInfo binds the derived file encryption key to this use
const sealerInfo = "tiermate-auth/token-store/v1"

// Open creates the backend selected by cfg
func Open(cfg config.StorageConfig) (KV, error) {
	switch cfg.Kind {
	case config.StorageMemory, "":
		return NewMemoryStorage(), nil
	case config.StorageFile:
		sealer, err := crypto.NewSealer([]byte(cfg.EncryptionKey), sealerInfo)
		if err != nil {
			return nil, fmt.Errorf("file storage: %w", err)
		}
		return NewFileStorage(cfg.Path, sealer)
	case config.StorageSQLite:
		return NewSQLiteStorage(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown storage kind %q", cfg.Kind)
	}
}
