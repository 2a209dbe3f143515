// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

// SECURITY: Values are sealed at rest with XChaCha20-Poly1305. The key is
// derived from a passphrase with PBKDF2-SHA-256 and a per-store random salt.

const (
	sealPrefix   = "_seal:"
	saltKey      = sealPrefix + "salt"
	checkKey     = sealPrefix + "check"
	checkText    = "rigrun-assist sealed store"
	sealSaltSize = 32
)

// pbkdf2Iterations follows the OWASP 2023 recommendation for PBKDF2-SHA-256.
var pbkdf2Iterations = 600000

var (
	// ErrWrongPassphrase is returned when the passphrase does not open the store.
	ErrWrongPassphrase = errors.New("storage: wrong passphrase")

	// ErrSealBroken is returned when a stored value fails authentication.
	ErrSealBroken = errors.New("storage: sealed value failed authentication")
)

// SealedKV encrypts every value before handing it to the wrapped KV. Keys
// are stored in the clear.
type SealedKV struct {
	inner KV
	aead  cipher.AEAD
}

// NewSealedKV derives the key for inner and verifies it against the stored
// check value. A fresh store is initialized with a new salt.
func NewSealedKV(inner KV, passphrase string) (*SealedKV, error) {
	if passphrase == "" {
		return nil, errors.New("storage: passphrase is required")
	}

	salt, err := inner.Get(saltKey)
	fresh := errors.Is(err, ErrNotFound)
	switch {
	case fresh:
		salt = make([]byte, sealSaltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
	case err != nil:
		return nil, err
	}

	key := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, chacha20poly1305.KeySize, sha256.New)
	aead, err := chacha20poly1305.NewX(key)
	zeroBytes(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	s := &SealedKV{inner: inner, aead: aead}

	if fresh {
		if err := inner.Put(saltKey, salt); err != nil {
			return nil, err
		}
		if err := s.Put(checkKey, []byte(checkText)); err != nil {
			return nil, err
		}
		return s, nil
	}

	check, err := s.Get(checkKey)
	if err != nil {
		if errors.Is(err, ErrSealBroken) {
			return nil, ErrWrongPassphrase
		}
		return nil, err
	}
	if subtle.ConstantTimeCompare(check, []byte(checkText)) != 1 {
		return nil, ErrWrongPassphrase
	}
	return s, nil
}

// Get implements KV.
func (s *SealedKV) Get(key string) ([]byte, error) {
	sealed, err := s.inner.Get(key)
	if err != nil {
		return nil, err
	}
	ns := s.aead.NonceSize()
	if len(sealed) < ns+s.aead.Overhead() {
		return nil, ErrSealBroken
	}
	// The key is bound as additional data so values cannot be swapped.
	plain, err := s.aead.Open(nil, sealed[:ns], sealed[ns:], []byte(key))
	if err != nil {
		return nil, ErrSealBroken
	}
	return plain, nil
}

// Put implements KV.
func (s *SealedKV) Put(key string, value []byte) error {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(value)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	return s.inner.Put(key, s.aead.Seal(nonce, nonce, value, []byte(key)))
}

// Delete implements KV.
func (s *SealedKV) Delete(key string) error {
	return s.inner.Delete(key)
}

// Keys implements KV. Internal bookkeeping keys are hidden.
func (s *SealedKV) Keys(prefix string) ([]string, error) {
	keys, err := s.inner.Keys(prefix)
	if err != nil {
		return nil, err
	}
	out := keys[:0]
	for _, k := range keys {
		if !strings.HasPrefix(k, sealPrefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

// Close implements KV.
func (s *SealedKV) Close() error {
	return s.inner.Close()
}

// zeroBytes clears key material.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
