// SPDX-FileCopyrightText: Copyright 2025 Sheetbridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package upstream handles communication with the upstream identity
// provider the authorization server delegates user authentication to.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2/google"
)

// Provider abstracts the upstream OAuth 2.0 provider.
type Provider interface {
	// Name identifies the provider in logs.
	Name() string

	// AuthorizationURL builds the URL the user is redirected to for
	// upstream authentication.
	AuthorizationURL(state, codeChallenge string) (string, error)

	// ExchangeCode exchanges an upstream authorization code for tokens.
	ExchangeCode(ctx context.Context, code, codeVerifier string) (*Tokens, error)

	// Refresh exchanges an upstream refresh token for fresh tokens.
	Refresh(ctx context.Context, refreshToken string) (*Tokens, error)

	// Revoke revokes an upstream token, best effort.
	Revoke(ctx context.Context, token string) error
}

// Tokens are the credentials returned by the upstream token endpoint.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// HTTPClient is the subset of http.Client the provider needs, injectable
// for tests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config describes an upstream OAuth 2.0 provider.
type Config struct {
	// Name identifies the provider in logs (for example "google").
	Name string

	// AuthorizationEndpoint is the provider's authorization URL.
	AuthorizationEndpoint string

	// TokenEndpoint is the provider's token URL.
	TokenEndpoint string

	// RevocationEndpoint is the provider's RFC 7009 revocation URL.
	// Optional; Revoke is a no-op when empty.
	RevocationEndpoint string

	// ClientID and ClientSecret are this server's credentials at the
	// upstream provider.
	ClientID     string
	ClientSecret string

	// RedirectURI is this server's /callback URL registered upstream.
	RedirectURI string

	// Scopes are requested from the upstream provider.
	Scopes []string
}

// GoogleRevocationEndpoint is Google's RFC 7009 token revocation URL.
const GoogleRevocationEndpoint = "https://oauth2.googleapis.com/revoke"

// GoogleConfig returns a Config for Google, the default upstream provider,
// using the endpoints published by golang.org/x/oauth2/google.
func GoogleConfig(clientID, clientSecret, redirectURI string, scopes []string) *Config {
	return &Config{
		Name:                  "google",
		AuthorizationEndpoint: google.Endpoint.AuthURL,
		TokenEndpoint:         google.Endpoint.TokenURL,
		RevocationEndpoint:    GoogleRevocationEndpoint,
		ClientID:              clientID,
		ClientSecret:          clientSecret,
		RedirectURI:           redirectURI,
		Scopes:                scopes,
	}
}

// Validate checks that the Config is complete.
func (c *Config) Validate() error {
	if c.AuthorizationEndpoint == "" {
		return errors.New("authorization endpoint is required")
	}
	if c.TokenEndpoint == "" {
		return errors.New("token endpoint is required")
	}
	if c.ClientID == "" {
		return errors.New("client ID is required")
	}
	if c.RedirectURI == "" {
		return errors.New("redirect URI is required")
	}
	if _, err := url.Parse(c.RedirectURI); err != nil {
		return fmt.Errorf("invalid redirect URI: %w", err)
	}
	return nil
}
