// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package auth

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jeranaias/rigrun-assist/internal/storage"
)

// UserKey holds the cached profile.
const UserKey = "user"

// User is the identity provider's profile of the logged-in account.
type User struct {
	ID           string `json:"id,omitempty"`
	DisplayName  string `json:"displayName,omitempty"`
	EmailAddress string `json:"emailAddress,omitempty"`
	Picture      string `json:"picture,omitempty"`

	// Exp is the access token expiry in Unix seconds.
	Exp int64 `json:"exp,omitempty"`
}

// UnmarshalJSON accepts exp as either a number or a numeric string.
func (u *User) UnmarshalJSON(data []byte) error {
	type plain User
	aux := struct {
		*plain
		Exp json.RawMessage `json:"exp"`
	}{plain: (*plain)(u)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	u.Exp = 0
	raw := strings.Trim(strings.TrimSpace(string(aux.Exp)), `"`)
	if raw == "" || raw == "null" {
		return nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return err
	}
	u.Exp = int64(f)
	return nil
}

// Name returns the display name, falling back to the email address.
func (u User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	if u.EmailAddress != "" {
		return u.EmailAddress
	}
	return "guest"
}

// Email returns the email address, or "guest" when unknown.
func (u User) Email() string {
	if u.EmailAddress != "" {
		return u.EmailAddress
	}
	return "guest"
}

// Expiry returns Exp as a time, or zero when unknown.
func (u User) Expiry() time.Time {
	if u.Exp <= 0 {
		return time.Time{}
	}
	return time.Unix(u.Exp, 0)
}

// Profile caches the User in the KV store.
type Profile struct {
	kv storage.KV
}

// NewProfile creates a profile cache over kv.
func NewProfile(kv storage.KV) *Profile {
	return &Profile{kv: kv}
}

// Load returns the cached user, or nil when none is cached.
func (p *Profile) Load() (*User, error) {
	var u User
	if err := storage.GetJSON(p.kv, UserKey, &u); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

// Save caches u.
func (p *Profile) Save(u User) error {
	return storage.PutJSON(p.kv, UserKey, u)
}

// Clear removes the cached user.
func (p *Profile) Clear() error {
	return p.kv.Delete(UserKey)
}
