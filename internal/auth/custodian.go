// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/jeranaias/rigrun-assist/internal/api"
	"github.com/jeranaias/rigrun-assist/internal/logging"
	"github.com/jeranaias/rigrun-assist/internal/storage"
)

// IdentityClient talks to the identity service.
type IdentityClient interface {
	RefreshAccessToken(ctx context.Context, refreshToken string) (*api.TokenResponse, error)
	ValidateAccessToken(ctx context.Context, accessToken string) error
}

// ExpiryNotifier is told when the session cannot be recovered.
type ExpiryNotifier interface {
	SessionExpired(err error)
}

const refreshKey = "refresh"

// =============================================================================
// CUSTODIAN
// =============================================================================

// Custodian owns the credential. It is safe for concurrent use.
type Custodian struct {
	identity IdentityClient
	cookies  *storage.CookieStore
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	cred     Credential
	notifier ExpiryNotifier

	// CONCURRENCY: At most one refresh in flight; concurrent callers share it.
	group singleflight.Group
}

// NewCustodian creates a custodian. cookies may be nil, in which case the
// credential lives only in memory.
func NewCustodian(identity IdentityClient, cookies *storage.CookieStore, logger *zap.Logger) *Custodian {
	return &Custodian{
		identity: identity,
		cookies:  cookies,
		logger:   logging.OrNop(logger).Named("auth"),
		now:      time.Now,
	}
}

// SetNotifier registers the receiver of session-expired signals.
func (c *Custodian) SetNotifier(n ExpiryNotifier) {
	c.mu.Lock()
	c.notifier = n
	c.mu.Unlock()
}

// Load restores the credential from the cookie store. An expired access
// cookie is dropped; the refresh token alone is enough to continue.
func (c *Custodian) Load() {
	if c.cookies == nil {
		return
	}
	var cred Credential
	if ck, err := c.cookies.Get(AccessTokenCookie); err == nil {
		cred.AccessToken = ck.Value
		cred.Expiry = ck.Expires
	}
	cred.RefreshToken = c.cookies.Value(RefreshTokenCookie)

	c.mu.Lock()
	c.cred = cred
	c.mu.Unlock()

	c.logger.Debug("credential loaded",
		zap.Bool("has_access", cred.AccessToken != ""),
		zap.Bool("has_refresh", cred.RefreshToken != ""))
}

// Credential returns a copy of the held credential.
func (c *Custodian) Credential() Credential {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cred
}

// LoggedIn reports whether any token is held.
func (c *Custodian) LoggedIn() bool {
	return !c.Credential().IsZero()
}

// Install replaces the credential after a login and persists it.
func (c *Custodian) Install(cred Credential) error {
	c.mu.Lock()
	c.cred = cred
	c.mu.Unlock()

	c.logger.Info("credential installed", logging.Token("access", cred.AccessToken))
	if c.cookies == nil {
		return nil
	}
	err := c.cookies.Set(storage.Cookie{
		Name:    AccessTokenCookie,
		Value:   cred.AccessToken,
		Path:    "/",
		Expires: cred.Expiry,
	})
	if cred.RefreshToken != "" {
		err = errors.Join(err, c.cookies.Set(storage.Cookie{
			Name:  RefreshTokenCookie,
			Value: cred.RefreshToken,
			Path:  "/",
		}))
	}
	return err
}

// Clear forgets the credential (logout).
func (c *Custodian) Clear() error {
	c.mu.Lock()
	c.cred = Credential{}
	c.mu.Unlock()

	c.logger.Info("credential cleared")
	if c.cookies == nil {
		return nil
	}
	return errors.Join(
		c.cookies.Remove(AccessTokenCookie),
		c.cookies.Remove(RefreshTokenCookie),
	)
}

// =============================================================================
// TOKEN ACCESS
// =============================================================================

// AccessToken returns a usable access token. The cached token is returned
// without network I/O unless it is known to be expired, in which case a
// refresh is performed.
func (c *Custodian) AccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	cred := c.cred
	c.mu.Unlock()

	if cred.Usable(c.now()) {
		return cred.AccessToken, nil
	}
	if cred.RefreshToken == "" {
		return "", ErrNoCredential
	}
	return c.refreshFrom(ctx, cred.AccessToken)
}

// Refresh obtains a new access token. Concurrent calls share one request.
func (c *Custodian) Refresh(ctx context.Context) (string, error) {
	return c.refreshFrom(ctx, c.Credential().AccessToken)
}

// refreshFrom refreshes unless the token has already moved on from stale.
func (c *Custodian) refreshFrom(ctx context.Context, stale string) (string, error) {
	if tok, ok := c.supersedes(stale); ok {
		return tok, nil
	}

	// The shared refresh must not fail for everyone when one caller gives up.
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(refreshKey, func() (any, error) {
		if tok, ok := c.supersedes(stale); ok {
			return tok, nil
		}
		return c.doRefresh(shared)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// supersedes returns the current token when it is usable and differs from stale.
func (c *Custodian) supersedes(stale string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cred.Usable(c.now()) && c.cred.AccessToken != stale {
		return c.cred.AccessToken, true
	}
	return "", false
}

func (c *Custodian) doRefresh(ctx context.Context) (string, error) {
	c.mu.Lock()
	refreshToken := c.cred.RefreshToken
	c.mu.Unlock()

	if refreshToken == "" {
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, ErrNoCredential)
	}
	if c.identity == nil {
		return "", fmt.Errorf("%w: no identity service configured", ErrRefreshFailed)
	}

	start := c.now()
	resp, err := c.identity.RefreshAccessToken(ctx, refreshToken)
	if err != nil {
		c.logger.Warn("token refresh failed", zap.Error(err))
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	if resp == nil || resp.AccessToken == "" {
		return "", fmt.Errorf("%w: identity service returned no access token", ErrRefreshFailed)
	}

	cred := Credential{
		AccessToken:  resp.AccessToken,
		RefreshToken: refreshToken,
	}
	if resp.ExpiresIn > 0 {
		cred.Expiry = c.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	if resp.RefreshToken != "" {
		cred.RefreshToken = resp.RefreshToken
	}

	c.mu.Lock()
	c.cred = cred
	c.mu.Unlock()

	c.logger.Info("token refreshed",
		logging.Token("access", cred.AccessToken),
		zap.Bool("rotated_refresh", resp.RefreshToken != ""),
		zap.Duration("took", c.now().Sub(start)))

	c.persistRefreshed(cred, resp.RefreshToken != "")
	return cred.AccessToken, nil
}

// persistRefreshed mirrors a refreshed credential. Failures are logged only.
func (c *Custodian) persistRefreshed(cred Credential, rotated bool) {
	if c.cookies == nil {
		return
	}
	if err := c.cookies.Set(storage.Cookie{
		Name:    AccessTokenCookie,
		Value:   cred.AccessToken,
		Path:    "/",
		Expires: cred.Expiry,
	}); err != nil {
		c.logger.Warn("failed to persist access token", zap.Error(err))
	}
	if !rotated {
		return
	}
	if err := c.cookies.Set(storage.Cookie{
		Name:  RefreshTokenCookie,
		Value: cred.RefreshToken,
		Path:  "/",
	}); err != nil {
		c.logger.Warn("failed to persist refresh token", zap.Error(err))
	}
}

// =============================================================================
// AUTHORIZED CALLS
// =============================================================================

// Do runs fn with a valid access token. When fn fails with
// api.ErrUnauthorized the token is refreshed and fn is retried exactly once.
// If the session cannot be recovered the returned error wraps
// ErrSessionExpired and the notifier is signalled.
func (c *Custodian) Do(ctx context.Context, fn func(ctx context.Context, token string) error) error {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return c.expire(ctx, err)
	}

	err = fn(ctx, token)
	if !errors.Is(err, api.ErrUnauthorized) {
		return err
	}

	c.logger.Debug("request unauthorized, refreshing credential")
	token, err = c.refreshFrom(ctx, token)
	if err != nil {
		return c.expire(ctx, err)
	}

	err = fn(ctx, token)
	if errors.Is(err, api.ErrUnauthorized) {
		return c.expire(ctx, err)
	}
	return err
}

// Validate checks the access token with the identity service and refreshes
// it when the service rejects it. Transport failures are returned as-is.
func (c *Custodian) Validate(ctx context.Context) error {
	cred := c.Credential()
	if cred.IsZero() {
		return ErrNoCredential
	}
	if !cred.Usable(c.now()) {
		_, err := c.refreshFrom(ctx, cred.AccessToken)
		if err != nil {
			return c.expire(ctx, err)
		}
		return nil
	}
	if c.identity == nil {
		return nil
	}

	err := c.identity.ValidateAccessToken(ctx, cred.AccessToken)
	if err == nil {
		return nil
	}
	var httpErr *api.HTTPError
	if !errors.Is(err, api.ErrUnauthorized) && !errors.As(err, &httpErr) {
		return err
	}

	c.logger.Info("access token rejected by identity service", zap.Error(err))
	if _, err := c.refreshFrom(ctx, cred.AccessToken); err != nil {
		return c.expire(ctx, err)
	}
	return nil
}

// expire converts an unrecoverable credential failure into ErrSessionExpired
// and signals the notifier. Caller cancellation is passed through untouched.
func (c *Custodian) expire(ctx context.Context, cause error) error {
	if ctx.Err() != nil && errors.Is(cause, ctx.Err()) {
		return cause
	}

	err := fmt.Errorf("%w: %w", ErrSessionExpired, cause)
	c.logger.Warn("session expired", zap.Error(cause))

	c.mu.Lock()
	n := c.notifier
	c.mu.Unlock()
	if n != nil {
		n.SessionExpired(err)
	}
	return err
}
