// SPDX-FileCopyrightText: Copyright 2025 Sheetbridge Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sheetbridge/sheetbridge/pkg/authserver/scopes"
	"github.com/sheetbridge/sheetbridge/pkg/authserver/storage"
	"github.com/sheetbridge/sheetbridge/pkg/authserver/tokens"
	"github.com/sheetbridge/sheetbridge/pkg/logger"
)

// Verifier validates access tokens. *tokens.Minter satisfies it.
type Verifier interface {
	VerifyAccessToken(token string) (*tokens.Claims, error)
}

// SessionReader loads sessions for validated tokens. storage.Store
// satisfies it.
type SessionReader interface {
	GetSession(ctx context.Context, sessionID string) (*storage.Session, error)
}

// Middleware validates bearer access tokens and attaches the resulting
// Identity to the request context.
func Middleware(verifier Verifier, sessions SessionReader) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := extractBearerToken(r)
			if err != nil {
				writeUnauthorized(w, "missing or malformed bearer token")
				return
			}

			claims, err := verifier.VerifyAccessToken(token)
			if err != nil {
				logger.Debugw("access token rejected", "error", err)
				writeUnauthorized(w, "access token is invalid or expired")
				return
			}

			session, err := sessions.GetSession(r.Context(), claims.Subject)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					// Token outlived its session (revocation).
					writeUnauthorized(w, "access token is invalid or expired")
					return
				}
				logger.Errorw("failed to load session for token", "error", err)
				writeServerError(w)
				return
			}

			identity := &Identity{
				SessionID: session.ID,
				Scope:     claims.Scope,
				Upstream:  session.Upstream,
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// RequireScope enforces a minimum scope on an already-authenticated
// request. It must run after Middleware.
func RequireScope(required string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := IdentityFromContext(r.Context())
			if !ok {
				writeUnauthorized(w, "request is not authenticated")
				return
			}
			if !scopes.Includes(identity.Scope, required) {
				w.Header().Set("WWW-Authenticate",
					fmt.Sprintf(`Bearer error="insufficient_scope", scope=%q`, required))
				writeJSONError(w, http.StatusForbidden, "insufficient_scope",
					fmt.Sprintf("this operation requires the %q scope", required))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// extractBearerToken pulls the token out of the Authorization header.
func extractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.New("no authorization header")
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", errors.New("authorization header is not a bearer token")
	}
	return token, nil
}

func writeUnauthorized(w http.ResponseWriter, description string) {
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	writeJSONError(w, http.StatusUnauthorized, "invalid_token", description)
}

func writeServerError(w http.ResponseWriter) {
	writeJSONError(w, http.StatusInternalServerError, "server_error", "failed to authenticate request")
}

func writeJSONError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	}); err != nil {
		logger.Errorw("failed to write error response", "error", err)
	}
}
