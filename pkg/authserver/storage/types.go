// SPDX-FileCopyrightText: Copyright 2025 Sheetbridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package storage provides the session/grant store interfaces and
// implementations for the OAuth authorization server.
//
// The store exclusively owns pending authorizations, state nonces and
// refresh-token records. Every single-use artifact is consumed through an
// atomic fetch-and-invalidate operation exposed directly by the interface;
// callers never compose a read with a separate delete.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when an entry does not exist, has expired, or
// was already consumed. The three cases are deliberately indistinguishable
// so replay probes learn nothing.
var ErrNotFound = errors.New("entry not found")

// UpstreamTokens holds the credentials obtained from the upstream identity
// provider for a session.
type UpstreamTokens struct {
	// AccessToken is the upstream provider's access token.
	AccessToken string `json:"access_token"`

	// RefreshToken is the upstream provider's refresh token, if granted.
	RefreshToken string `json:"refresh_token,omitempty"`

	// ExpiresAt is when the upstream access token expires.
	ExpiresAt time.Time `json:"expires_at"`
}

// ExpiresWithin reports whether the upstream access token expires inside
// the given margin. Used to decide when a refresh grant should also
// refresh the upstream credentials instead of reusing them.
func (t *UpstreamTokens) ExpiresWithin(margin time.Duration) bool {
	return time.Now().Add(margin).After(t.ExpiresAt)
}

// Session maps a session ID to the upstream credentials the validation
// middleware hands to downstream tool handlers.
type Session struct {
	// ID is the session identifier; it becomes the "sub" claim of issued
	// access and refresh tokens.
	ID string `json:"id"`

	// ClientID is the OAuth client the session was established for.
	ClientID string `json:"client_id"`

	// Scope is the canonical scope granted at authorization time.
	Scope string `json:"scope"`

	// Upstream holds the provider credentials owned by this session.
	Upstream UpstreamTokens `json:"upstream"`

	// CreatedAt is when the session was established.
	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt bounds the session lifetime (the refresh-token horizon).
	ExpiresAt time.Time `json:"expires_at"`
}

// PendingAuthorization tracks an authorization between the upstream
// callback and the client's /token exchange. It is keyed by the internal
// authorization code and consumed exactly once.
type PendingAuthorization struct {
	// ClientID is the OAuth client that initiated the authorization.
	ClientID string `json:"client_id"`

	// RedirectURI is the validated client redirect URI the code was sent to.
	RedirectURI string `json:"redirect_uri"`

	// Scope is the canonical scope that passed /authorize validation.
	Scope string `json:"scope"`

	// PKCEChallenge is the client's S256 code challenge.
	PKCEChallenge string `json:"pkce_challenge"`

	// SessionID links to the session holding the upstream credentials.
	SessionID string `json:"session_id"`

	// CreatedAt is when the upstream callback completed.
	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt is the short exchange window for the code.
	ExpiresAt time.Time `json:"expires_at"`
}

// RefreshTokenRecord tracks one outstanding refresh token, keyed by the
// token's "jti" identifier rather than the raw token. Each record is valid
// for exactly one exchange.
type RefreshTokenRecord struct {
	// SessionID is the session this token belongs to.
	SessionID string `json:"session_id"`

	// Scope is the scope the token was issued with.
	Scope string `json:"scope"`

	// Generation counts rotations within the session's token family.
	Generation int `json:"generation"`

	// IssuedAt is when the token was minted.
	IssuedAt time.Time `json:"issued_at"`

	// ExpiresAt is when the token expires if never used.
	ExpiresAt time.Time `json:"expires_at"`
}

// Store is the pluggable session/grant store.
//
// Implementations must make every Consume* operation atomic: two
// concurrent consumers of the same entry must observe exactly one success
// and one ErrNotFound. Expired entries behave as absent even before the
// sweep removes them.
type Store interface {
	// PutPendingAuthorization stores a pending authorization keyed by the
	// internal authorization code.
	PutPendingAuthorization(ctx context.Context, code string, pending *PendingAuthorization) error

	// ConsumePendingAuthorization atomically fetches and deletes a pending
	// authorization. A second call for the same code returns ErrNotFound.
	ConsumePendingAuthorization(ctx context.Context, code string) (*PendingAuthorization, error)

	// PutStateNonce registers a state-token nonce until expiresAt.
	PutStateNonce(ctx context.Context, nonce string, expiresAt time.Time) error

	// ConsumeStateNonce atomically consumes a state-token nonce, enforcing
	// single verification of state tokens.
	ConsumeStateNonce(ctx context.Context, nonce string) error

	// PutRefreshToken stores a refresh-token record keyed by token ID.
	PutRefreshToken(ctx context.Context, tokenID string, record *RefreshTokenRecord) error

	// ConsumeRefreshToken atomically fetches and invalidates a
	// refresh-token record as the first half of rotation.
	ConsumeRefreshToken(ctx context.Context, tokenID string) (*RefreshTokenRecord, error)

	// PutSession stores a session keyed by session.ID.
	PutSession(ctx context.Context, session *Session) error

	// GetSession retrieves a session by ID.
	GetSession(ctx context.Context, sessionID string) (*Session, error)

	// UpdateSessionTokens replaces a session's upstream credentials.
	UpdateSessionTokens(ctx context.Context, sessionID string, upstream *UpstreamTokens) error

	// RevokeSession deletes a session together with every refresh-token
	// record in its family.
	RevokeSession(ctx context.Context, sessionID string) error

	// Health reports whether the backing store is reachable.
	Health(ctx context.Context) error

	// Close releases store resources and stops any background sweeping.
	Close() error
}
