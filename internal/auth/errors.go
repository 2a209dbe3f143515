// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package auth keeps the user's credential valid.
//
// The Custodian owns the access/refresh token pair. It hands out access
// tokens, refreshes them at most once at a time, retries a 401-failed
// request exactly once after a refresh, and reports unrecoverable expiry to
// an ExpiryNotifier. It never redirects or prompts on its own.
package auth

import "errors"

var (
	// ErrNoCredential means neither an access token nor a refresh token is held.
	ErrNoCredential = errors.New("not logged in: no credential available")

	// ErrRefreshFailed wraps the cause of a failed token refresh.
	ErrRefreshFailed = errors.New("token refresh failed")

	// ErrSessionExpired means the session cannot be recovered without
	// re-authentication.
	ErrSessionExpired = errors.New("session expired: please log in again")

	// ErrAccessDenied means the identity provider reported no access for the account.
	ErrAccessDenied = errors.New("account has no access to this system")

	// ErrInvalidCallback means the login callback payload could not be decoded.
	ErrInvalidCallback = errors.New("invalid login callback data")
)
