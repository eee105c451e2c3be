// SPDX-FileCopyrightText: Copyright 2025 Sheetbridge Authors
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token type claim values. Access and refresh tokens share a signing key
// but are never interchangeable: verification checks the token_type claim.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Claims are the self-contained claims carried by access and refresh
// tokens. Subject is the session ID; validating middleware needs no store
// lookup except to reach the session's upstream credentials.
type Claims struct {
	jwt.RegisteredClaims

	// Scope is the canonical granted scope.
	Scope string `json:"scope"`

	// TokenType distinguishes access from refresh tokens.
	TokenType string `json:"token_type"`
}

// Minter mints and verifies the JWT access and refresh tokens handed to
// clients. Signing always uses the first key; verification accepts any
// configured key so a previous secret keeps validating during rotation.
type Minter struct {
	issuer     string
	keys       [][]byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// MinterOption configures a Minter.
type MinterOption func(*Minter)

// WithMinterClock overrides the minter's clock. Intended for tests.
func WithMinterClock(now func() time.Time) MinterOption {
	return func(m *Minter) {
		m.now = now
	}
}

// NewMinter creates a Minter. Keys are ordered newest first and must each
// meet MinSecretLength.
func NewMinter(issuer string, keys [][]byte, accessTTL, refreshTTL time.Duration, opts ...MinterOption) (*Minter, error) {
	if issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if len(keys) == 0 {
		return nil, errors.New("at least one signing key is required")
	}
	for i, k := range keys {
		if len(k) < MinSecretLength {
			return nil, fmt.Errorf("signing key %d must be at least %d bytes", i, MinSecretLength)
		}
	}
	m := &Minter{
		issuer:     issuer,
		keys:       keys,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// AccessTokenTTL returns the configured access token lifetime.
func (m *Minter) AccessTokenTTL() time.Duration {
	return m.accessTTL
}

// MintAccessToken mints a signed access token bound to a session and scope.
func (m *Minter) MintAccessToken(sessionID, scope string) (string, error) {
	return m.mint(sessionID, "", scope, TokenTypeAccess, m.accessTTL)
}

// MintRefreshToken mints a signed refresh token. tokenID becomes the "jti"
// claim and keys the RefreshTokenRecord in the store; the raw token itself
// is never stored.
func (m *Minter) MintRefreshToken(sessionID, tokenID, scope string) (string, error) {
	return m.mint(sessionID, tokenID, scope, TokenTypeRefresh, m.refreshTTL)
}

func (m *Minter) mint(sessionID, tokenID, scope, tokenType string, ttl time.Duration) (string, error) {
	now := m.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   sessionID,
			ID:        tokenID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Scope:     scope,
		TokenType: tokenType,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.keys[0])
	if err != nil {
		return "", fmt.Errorf("failed to sign %s token: %w", tokenType, err)
	}
	return signed, nil
}

// VerifyAccessToken verifies an access token's signature, expiry, issuer
// and token type, returning its claims.
func (m *Minter) VerifyAccessToken(token string) (*Claims, error) {
	return m.verify(token, TokenTypeAccess)
}

// VerifyRefreshToken verifies a refresh token's signature, expiry, issuer
// and token type, returning its claims. Single-use enforcement happens in
// the store, keyed by the "jti" claim.
func (m *Minter) VerifyRefreshToken(token string) (*Claims, error) {
	return m.verify(token, TokenTypeRefresh)
}

func (m *Minter) verify(token, wantType string) (*Claims, error) {
	keySet := make([]jwt.VerificationKey, 0, len(m.keys))
	for _, k := range m.keys {
		keySet = append(keySet, k)
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) {
			return jwt.VerificationKeySet{Keys: keySet}, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, mapJWTError(err)
	}

	if claims.TokenType != wantType {
		return nil, ErrBadSignature
	}
	return claims, nil
}

// mapJWTError folds golang-jwt's error taxonomy into the codec's.
func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenInvalidIssuer),
		errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return ErrBadSignature
	default:
		return ErrMalformed
	}
}
