// Package kvstore is the durable key/value boundary the sync engine persists
// its queues and model registry through. Values are JSON-encoded; each
// component owns its keys and always rewrites the full value.
//
// Three backends are provided: bbolt (the default), SQLite, and an in-memory
// map for tests and dry runs.
package kvstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Sentinel errors.
var (
	ErrClosed         = errors.New("kvstore: store closed")
	ErrUnknownBackend = errors.New("kvstore: unknown backend")
	ErrEmptyKey       = errors.New("kvstore: empty key")
)

// Backend names accepted by Open.
const (
	BackendBolt   = "bolt"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Store persists JSON-encodable values under string keys. Implementations
// are safe for concurrent use.
type Store interface {
	// Get decodes the value stored under key into v. It reports false, with
	// v untouched, when the key does not exist.
	Get(key string, v any) (bool, error)
	Put(key string, v any) error
	Delete(key string) error
	Close() error
}

// GetOr returns the value stored under key, or def when the key is absent.
func GetOr[T any](s Store, key string, def T) (T, error) {
	var v T

	found, err := s.Get(key, &v)
	if err != nil {
		return def, err
	}

	if !found {
		return def, nil
	}

	return v, nil
}

// Open opens the named backend at path. The memory backend ignores path.
// Parent directories are created as needed.
func Open(backend, path string, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if backend != BackendMemory {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("kvstore: creating directory for %s: %w", path, err)
		}
	}

	switch backend {
	case BackendBolt, "":
		return OpenBolt(path, logger)
	case BackendSQLite:
		return OpenSQLite(path, logger)
	case BackendMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}

func encode(key string, v any) ([]byte, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("kvstore: encoding %s: %w", key, err)
	}

	return data, nil
}

func decode(key string, data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("kvstore: decoding %s: %w", key, err)
	}

	return nil
}
