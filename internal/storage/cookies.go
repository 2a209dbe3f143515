// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"errors"
	"strings"
	"time"
)

// CookiePrefix namespaces cookies inside the KV store.
const CookiePrefix = "cookie:"

// Cookie is one named value with an optional expiry.
type Cookie struct {
	Name    string    `json:"name"`
	Value   string    `json:"value"`
	Path    string    `json:"path,omitempty"`
	Expires time.Time `json:"expires,omitempty"`
}

// Expired reports whether the cookie has a deadline at or before now.
func (c Cookie) Expired(now time.Time) bool {
	return !c.Expires.IsZero() && !now.Before(c.Expires)
}

// CookieStore keeps cookies in a KV under CookiePrefix+name.
type CookieStore struct {
	kv  KV
	now func() time.Time
}

// NewCookieStore wraps kv.
func NewCookieStore(kv KV) *CookieStore {
	return &CookieStore{kv: kv, now: time.Now}
}

// Set stores c, replacing a cookie of the same name.
func (s *CookieStore) Set(c Cookie) error {
	if c.Name == "" {
		return errors.New("storage: cookie name is required")
	}
	if c.Path == "" {
		c.Path = "/"
	}
	return PutJSON(s.kv, CookiePrefix+c.Name, c)
}

// Get returns the named cookie. Expired cookies are removed and reported as
// ErrNotFound.
func (s *CookieStore) Get(name string) (Cookie, error) {
	var c Cookie
	if err := GetJSON(s.kv, CookiePrefix+name, &c); err != nil {
		return Cookie{}, err
	}
	if c.Expired(s.now()) {
		_ = s.kv.Delete(CookiePrefix + name)
		return Cookie{}, ErrNotFound
	}
	return c, nil
}

// Value returns the named cookie's value, or "" when absent or expired.
func (s *CookieStore) Value(name string) string {
	c, err := s.Get(name)
	if err != nil {
		return ""
	}
	return c.Value
}

// Remove deletes the named cookie.
func (s *CookieStore) Remove(name string) error {
	return s.kv.Delete(CookiePrefix + name)
}

// Clear deletes every cookie.
func (s *CookieStore) Clear() error {
	keys, err := s.kv.Keys(CookiePrefix)
	if err != nil {
		return err
	}
	var errs []error
	for _, k := range keys {
		errs = append(errs, s.kv.Delete(k))
	}
	return errors.Join(errs...)
}

// Names lists the stored cookie names.
func (s *CookieStore) Names() ([]string, error) {
	keys, err := s.kv.Keys(CookiePrefix)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = strings.TrimPrefix(k, CookiePrefix)
	}
	return names, nil
}
