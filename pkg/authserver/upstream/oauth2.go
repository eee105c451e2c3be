// SPDX-FileCopyrightText: Copyright 2025 Sheetbridge Authors
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sheetbridge/sheetbridge/pkg/logger"
)

// pkceChallengeMethodS256 is sent alongside upstream code challenges.
const pkceChallengeMethodS256 = "S256"

// requestTimeout bounds every upstream HTTP call; the circuit breaker
// handles sustained failure.
const requestTimeout = 30 * time.Second

// maxResponseBytes caps token endpoint response bodies.
const maxResponseBytes = 1 << 20

// Compile-time interface compliance check.
var _ Provider = (*OAuth2Provider)(nil)

// OAuth2Provider implements Provider against a standard OAuth 2.0 provider
// such as Google.
type OAuth2Provider struct {
	config     *Config
	httpClient HTTPClient
}

// Option configures an OAuth2Provider.
type Option func(*OAuth2Provider)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client HTTPClient) Option {
	return func(p *OAuth2Provider) {
		p.httpClient = client
	}
}

// New creates an upstream provider from config.
func New(config *Config, opts ...Option) (*OAuth2Provider, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid upstream config: %w", err)
	}

	p := &OAuth2Provider{
		config:     config,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
	for _, opt := range opts {
		opt(p)
	}

	logger.Infow("upstream provider configured",
		"provider", config.Name,
		"authorization_endpoint", config.AuthorizationEndpoint,
		"token_endpoint", config.TokenEndpoint,
	)
	return p, nil
}

// Name returns the provider name.
func (p *OAuth2Provider) Name() string {
	if p.config.Name != "" {
		return p.config.Name
	}
	return "oauth2"
}

// AuthorizationURL builds the URL to redirect the user to the upstream IDP.
func (p *OAuth2Provider) AuthorizationURL(state, codeChallenge string) (string, error) {
	if state == "" {
		return "", errors.New("state parameter is required")
	}

	params := url.Values{
		"response_type": {"code"},
		"client_id":     {p.config.ClientID},
		"redirect_uri":  {p.config.RedirectURI},
		"state":         {state},
	}
	if len(p.config.Scopes) > 0 {
		params.Set("scope", strings.Join(p.config.Scopes, " "))
	}
	if codeChallenge != "" {
		params.Set("code_challenge", codeChallenge)
		params.Set("code_challenge_method", pkceChallengeMethodS256)
	}

	return p.config.AuthorizationEndpoint + "?" + params.Encode(), nil
}

// ExchangeCode exchanges an upstream authorization code for tokens.
func (p *OAuth2Provider) ExchangeCode(ctx context.Context, code, codeVerifier string) (*Tokens, error) {
	if code == "" {
		return nil, errors.New("authorization code is required")
	}

	params := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {p.config.RedirectURI},
		"client_id":     {p.config.ClientID},
		"client_secret": {p.config.ClientSecret},
	}
	if codeVerifier != "" {
		params.Set("code_verifier", codeVerifier)
	}

	tokens, err := p.tokenRequest(ctx, params)
	if err != nil {
		return nil, err
	}

	logger.Infow("upstream code exchange successful",
		"provider", p.Name(),
		"has_refresh_token", tokens.RefreshToken != "",
	)
	return tokens, nil
}

// Refresh exchanges an upstream refresh token for fresh tokens.
func (p *OAuth2Provider) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	if refreshToken == "" {
		return nil, errors.New("refresh token is required")
	}

	params := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {p.config.ClientID},
		"client_secret": {p.config.ClientSecret},
	}

	tokens, err := p.tokenRequest(ctx, params)
	if err != nil {
		return nil, err
	}

	// Providers may omit the refresh token on refresh; keep the old one.
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = refreshToken
	}
	return tokens, nil
}

// Revoke revokes an upstream token per RFC 7009. Providers without a
// revocation endpoint make this a no-op.
func (p *OAuth2Provider) Revoke(ctx context.Context, token string) error {
	if p.config.RevocationEndpoint == "" {
		return nil
	}

	body := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.config.RevocationEndpoint, strings.NewReader(body.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create revocation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revocation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("upstream revocation returned status %d", resp.StatusCode)
	}
	return nil
}

// tokenResponse is the upstream token endpoint's wire format.
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int64  `json:"expires_in"`
	TokenType        string `json:"token_type"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// tokenRequest posts form-encoded parameters to the token endpoint and
// parses the response.
func (p *OAuth2Provider) tokenRequest(ctx context.Context, params url.Values) (*Tokens, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.config.TokenEndpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return nil, fmt.Errorf("failed to parse token response (status %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode != http.StatusOK || tr.Error != "" {
		// The description can carry provider detail; the raw body and
		// secrets never leave this package.
		return nil, fmt.Errorf("upstream token endpoint returned %q (status %d)", tr.Error, resp.StatusCode)
	}
	if tr.AccessToken == "" {
		return nil, errors.New("upstream token response missing access token")
	}

	return &Tokens{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second),
	}, nil
}
