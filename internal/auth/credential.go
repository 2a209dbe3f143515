// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package auth

import "time"

// Cookie names used for the credential.
const (
	AccessTokenCookie  = "access_token"
	RefreshTokenCookie = "refresh_token"
)

// Credential is an access/refresh token pair.
type Credential struct {
	AccessToken  string
	RefreshToken string

	// Expiry of the access token. Zero means unknown and is treated as valid.
	Expiry time.Time
}

// Expired reports whether the access token is known to be expired at now.
func (c Credential) Expired(now time.Time) bool {
	return !c.Expiry.IsZero() && !now.Before(c.Expiry)
}

// Usable reports whether the access token can be used without refreshing.
func (c Credential) Usable(now time.Time) bool {
	return c.AccessToken != "" && !c.Expired(now)
}

// IsZero reports whether no token at all is held.
func (c Credential) IsZero() bool {
	return c.AccessToken == "" && c.RefreshToken == ""
}
