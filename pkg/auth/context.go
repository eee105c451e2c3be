// SPDX-FileCopyrightText: Copyright 2025 Sheetbridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package auth provides the token validation middleware that protects the
// resource endpoints, turning bearer tokens into an Identity carrying the
// session's upstream credentials.
package auth

import (
	"context"

	"github.com/sheetbridge/sheetbridge/pkg/authserver/storage"
)

// Identity describes an authenticated request: the session it belongs to,
// the scope it was granted and the upstream credentials tool handlers use
// to call the provider's APIs on the user's behalf.
type Identity struct {
	// SessionID is the authenticated session, the token's "sub" claim.
	SessionID string

	// Scope is the scope the presented access token carries.
	Scope string

	// Upstream holds the session's upstream provider credentials.
	Upstream storage.UpstreamTokens
}

// identityContextKey keys the Identity in the request context. An empty
// struct type cannot collide with keys from other packages.
type identityContextKey struct{}

// WithIdentity stores an Identity in the context. A nil identity returns
// the context unchanged.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, identityContextKey{}, identity)
}

// IdentityFromContext retrieves the Identity placed by the middleware.
// Returns the identity and true if present, nil and false otherwise.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityContextKey{}).(*Identity)
	return identity, ok
}
