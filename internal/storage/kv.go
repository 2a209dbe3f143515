// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotFound is returned when a key has no value.
	ErrNotFound = errors.New("storage: key not found")

	// ErrClosed is returned for operations on a closed store.
	ErrClosed = errors.New("storage: store is closed")
)

// =============================================================================
// KV INTERFACE
// =============================================================================

// KV is a minimal persistent key/value store. Implementations are safe for
// concurrent use.
type KV interface {
	// Get returns the value for key or ErrNotFound.
	Get(key string) ([]byte, error)

	// Put stores value under key, replacing any previous value.
	Put(key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error

	// Keys lists every key starting with prefix, sorted.
	Keys(prefix string) ([]string, error)

	// Close releases the underlying resources.
	Close() error
}

// GetJSON decodes the JSON value stored under key into v.
func GetJSON(kv KV, key string, v any) error {
	data, err := kv.Get(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %q: %w", key, err)
	}
	return nil
}

// PutJSON encodes v as JSON and stores it under key.
func PutJSON(kv KV, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %q: %w", key, err)
	}
	return kv.Put(key, data)
}

// =============================================================================
// BACKEND SELECTION
// =============================================================================

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Options selects and configures a backend.
type Options struct {
	// Backend is BackendFile (default) or BackendSQLite.
	Backend string

	// Dir is the data directory. The file backend writes store.json there,
	// the SQLite backend store.db.
	Dir string

	// Passphrase enables SealedKV when non-empty.
	Passphrase string
}

// Open creates the configured backend.
func Open(opts Options) (KV, error) {
	if opts.Dir == "" {
		return nil, errors.New("storage: data directory is required")
	}

	var (
		kv  KV
		err error
	)
	switch strings.ToLower(opts.Backend) {
	case "", BackendFile:
		kv, err = OpenFileKV(filepath.Join(opts.Dir, "store.json"))
	case BackendSQLite:
		kv, err = OpenSQLiteKV(filepath.Join(opts.Dir, "store.db"))
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", opts.Backend)
	}
	if err != nil {
		return nil, err
	}

	if opts.Passphrase == "" {
		return kv, nil
	}
	sealed, err := NewSealedKV(kv, opts.Passphrase)
	if err != nil {
		kv.Close()
		return nil, err
	}
	return sealed, nil
}
