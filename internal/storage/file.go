package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"github.com/tiermate/tiermate-auth/internal/crypto"
)

var _ KV = (*FileStorage)(nil)

// FileStorage keeps every key in one JSON document sealed at rest.
// The document is re-read on every access, so two processes sharing the
// file see each other's writes; that is what lets a callback handled by the
// agent complete a login started from the CLI. Each read-modify-write holds
// an flock on <path>.lock so concurrent writers never drop a key.
type FileStorage struct {
	path   string
	sealer *crypto.Sealer
	lock   *flock.Flock
	// mu serializes goroutines; a held flock does not exclude its own process
	mu sync.Mutex
}

// NewFileStorage creates the parent directory and returns the store.
// The file itself is created on first write.
func NewFileStorage(path string, sealer *crypto.Sealer) (*FileStorage, error) {
	if path == "" {
		return nil, fmt.Errorf("file storage path is required")
	}
	if sealer == nil {
		return nil, fmt.Errorf("file storage requires a sealer")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	return &FileStorage{path: path, sealer: sealer, lock: flock.New(path + ".lock")}, nil
}

// locked runs fn holding the in-process mutex and the file lock
func (s *FileStorage) locked(exclusive bool, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acquire := s.lock.RLock
	if exclusive {
		acquire = s.lock.Lock
	}
	if err := acquire(); err != nil {
		return fmt.Errorf("locking storage file: %w", err)
	}
	defer func() { _ = s.lock.Unlock() }()

	return fn()
}

func (s *FileStorage) load() (map[string]string, error) {
	sealed, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading storage file: %w", err)
	}
	if len(sealed) == 0 {
		return map[string]string{}, nil
	}

	plain, err := s.sealer.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("opening storage file: %w", err)
	}

	values := map[string]string{}
	if err := json.Unmarshal(plain, &values); err != nil {
		return nil, fmt.Errorf("decoding storage file: %w", err)
	}
	return values, nil
}

func (s *FileStorage) save(values map[string]string) error {
	plain, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("encoding storage file: %w", err)
	}
	sealed, err := s.sealer.Seal(plain)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".tiermate-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(sealed); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("setting file mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replacing storage file: %w", err)
	}
	return nil
}

func (s *FileStorage) Get(_ context.Context, key string) (string, error) {
	var (
		v  string
		ok bool
	)
	err := s.locked(false, func() error {
		values, err := s.load()
		if err != nil {
			return err
		}
		v, ok = values[key]
		return nil
	})
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *FileStorage) Set(_ context.Context, key, value string) error {
	return s.locked(true, func() error {
		values, err := s.load()
		if err != nil {
			return err
		}
		values[key] = value
		return s.save(values)
	})
}

func (s *FileStorage) Delete(_ context.Context, keys ...string) error {
	return s.locked(true, func() error {
		values, err := s.load()
		if err != nil {
			return err
		}
		changed := false
		for _, k := range keys {
			if _, ok := values[k]; ok {
				delete(values, k)
				changed = true
			}
		}
		if !changed {
			return nil
		}
		return s.save(values)
	})
}

func (s *FileStorage) Close() error { return nil }
