// SPDX-FileCopyrightText: Copyright 2025 Sheetbridge Authors
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/sheetbridge/sheetbridge/pkg/authserver/tokens"
	"github.com/sheetbridge/sheetbridge/pkg/authserver/upstream"
)

// Configuration defaults applied by applyDefaults.
const (
	DefaultAccessTokenTTL       = time.Hour
	DefaultRefreshTokenTTL      = 7 * 24 * time.Hour
	DefaultAuthorizationCodeTTL = 5 * time.Minute
	DefaultStateTokenTTL        = 5 * time.Minute
	DefaultUpstreamTokenMargin  = 5 * time.Minute
)

// Config is the immutable, process-lifetime configuration for the
// authorization server. All values must be fully resolved; the CLI layer
// is responsible for loading them from the environment.
type Config struct {
	// Issuer is the issuer identifier for this authorization server,
	// included in the "iss" claim of issued tokens.
	Issuer string

	// ClientID identifies the registered OAuth client (the AI agent).
	ClientID string

	// ClientSecret authenticates the client at the token endpoint.
	// Empty for public clients, which rely on PKCE alone.
	ClientSecret string

	// SigningSecret signs access/refresh tokens and authorization codes.
	// Must be at least 32 bytes of cryptographically random material.
	SigningSecret []byte

	// PreviousSigningSecret, when set, keeps tokens signed under the
	// prior secret valid during rotation. Verification tries the current
	// secret first, then this one.
	PreviousSigningSecret []byte

	// StateSigningSecret signs state tokens. Kept separate from
	// SigningSecret so state tokens can never pass as codes or tokens.
	StateSigningSecret []byte

	// AllowedRedirectURIs is the exact-match allowlist of client redirect
	// URIs. Must be non-empty; every entry must be absolute.
	AllowedRedirectURIs []string

	// AccessTokenTTL is the access token lifetime. Defaults to 1 hour.
	AccessTokenTTL time.Duration

	// RefreshTokenTTL bounds refresh tokens and sessions. Defaults to 7 days.
	RefreshTokenTTL time.Duration

	// AuthorizationCodeTTL is the exchange window for internal codes.
	// Defaults to 5 minutes.
	AuthorizationCodeTTL time.Duration

	// StateTokenTTL bounds the round trip through the upstream provider.
	// Defaults to 5 minutes.
	StateTokenTTL time.Duration

	// UpstreamTokenMargin controls when stored upstream credentials are
	// refreshed instead of reused: they are refreshed only when they
	// expire within this margin. Defaults to 5 minutes.
	UpstreamTokenMargin time.Duration

	// Upstream configures the upstream identity provider.
	Upstream *upstream.Config

	// BreakerFailureThreshold is the consecutive-failure count that opens
	// the upstream circuit breaker. Zero selects the breaker default.
	BreakerFailureThreshold int

	// BreakerCooldown is how long the breaker stays open before allowing
	// a trial call. Zero selects the breaker default.
	BreakerCooldown time.Duration
}

// applyDefaults fills zero-valued TTLs.
func (c *Config) applyDefaults() {
	if c.AccessTokenTTL == 0 {
		c.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if c.RefreshTokenTTL == 0 {
		c.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if c.AuthorizationCodeTTL == 0 {
		c.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if c.StateTokenTTL == 0 {
		c.StateTokenTTL = DefaultStateTokenTTL
	}
	if c.UpstreamTokenMargin == 0 {
		c.UpstreamTokenMargin = DefaultUpstreamTokenMargin
	}
}

// Validate checks that the Config is complete and safe to run with.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	if c.ClientID == "" {
		return errors.New("client ID is required")
	}
	if len(c.SigningSecret) < tokens.MinSecretLength {
		return fmt.Errorf("signing secret must be at least %d bytes", tokens.MinSecretLength)
	}
	if len(c.PreviousSigningSecret) > 0 && len(c.PreviousSigningSecret) < tokens.MinSecretLength {
		return fmt.Errorf("previous signing secret must be at least %d bytes", tokens.MinSecretLength)
	}
	if len(c.StateSigningSecret) < tokens.MinSecretLength {
		return fmt.Errorf("state signing secret must be at least %d bytes", tokens.MinSecretLength)
	}

	if len(c.AllowedRedirectURIs) == 0 {
		return errors.New("at least one allowed redirect URI is required")
	}
	for _, raw := range c.AllowedRedirectURIs {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid redirect URI %q: %w", raw, err)
		}
		if !u.IsAbs() || u.Host == "" {
			return fmt.Errorf("redirect URI %q must be absolute", raw)
		}
	}

	if c.Upstream == nil {
		return errors.New("upstream provider configuration is required")
	}
	if err := c.Upstream.Validate(); err != nil {
		return fmt.Errorf("upstream config: %w", err)
	}
	return nil
}

// signingKeys returns the ordered verification key list, newest first.
// The first key signs.
func (c *Config) signingKeys() [][]byte {
	keys := [][]byte{c.SigningSecret}
	if len(c.PreviousSigningSecret) > 0 {
		keys = append(keys, c.PreviousSigningSecret)
	}
	return keys
}
