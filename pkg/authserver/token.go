// SPDX-FileCopyrightText: Copyright 2025 Sheetbridge Authors
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/sheetbridge/sheetbridge/pkg/authserver/breaker"
	"github.com/sheetbridge/sheetbridge/pkg/authserver/crypto"
	"github.com/sheetbridge/sheetbridge/pkg/authserver/scopes"
	"github.com/sheetbridge/sheetbridge/pkg/authserver/storage"
	"github.com/sheetbridge/sheetbridge/pkg/authserver/upstream"
	"github.com/sheetbridge/sheetbridge/pkg/logger"
)

// tokenResponse is the successful token endpoint response body
// (RFC 6749 Section 5.1).
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// handleToken implements the token endpoint, dispatching on grant_type.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "failed to parse request body")
		return
	}

	if !s.authenticateClient(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
		writeError(w, http.StatusUnauthorized, ErrorCodeInvalidClient, "client authentication failed")
		return
	}

	switch r.PostFormValue("grant_type") {
	case "authorization_code":
		s.exchangeAuthorizationCode(w, r)
	case "refresh_token":
		s.refreshTokens(w, r)
	default:
		writeError(w, http.StatusBadRequest, ErrorCodeUnsupportedGrantType,
			"grant_type must be authorization_code or refresh_token")
	}
}

// authenticateClient checks client credentials on token endpoint requests.
// The client may authenticate via HTTP Basic or form parameters. When the
// server is configured without a client secret the client is public and
// only its identifier is checked; PKCE carries the proof of possession.
func (s *Server) authenticateClient(r *http.Request) bool {
	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		clientID = r.PostFormValue("client_id")
		clientSecret = r.PostFormValue("client_secret")
	}

	if subtle.ConstantTimeCompare([]byte(clientID), []byte(s.cfg.ClientID)) != 1 {
		return false
	}
	if s.cfg.ClientSecret == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(clientSecret), []byte(s.cfg.ClientSecret)) == 1
}

// exchangeAuthorizationCode handles grant_type=authorization_code:
// it verifies the signed code, atomically consumes the pending
// authorization, checks the redirect URI binding and the PKCE verifier,
// then mints the first access/refresh token pair of the session's family.
func (s *Server) exchangeAuthorizationCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var payload codePayload
	if err := s.codeCodec.Verify(r.PostFormValue("code"), &payload); err != nil {
		logger.Warnw("token rejected: invalid authorization code", "error", err)
		writeError(w, http.StatusBadRequest, ErrorCodeInvalidGrant, "authorization code is invalid or expired")
		return
	}

	pending, err := s.store.ConsumePendingAuthorization(ctx, payload.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			logger.Warnw("token rejected: authorization code replayed or expired")
			writeError(w, http.StatusBadRequest, ErrorCodeInvalidGrant, "authorization code is invalid or expired")
			return
		}
		logger.Errorw("failed to consume pending authorization", "error", err)
		writeError(w, http.StatusInternalServerError, ErrorCodeServerError, "failed to process token request")
		return
	}

	// The redirect_uri presented here must byte-match the one the code
	// was issued for (RFC 6749 Section 4.1.3).
	if r.PostFormValue("redirect_uri") != pending.RedirectURI {
		logger.Warnw("token rejected: redirect URI mismatch on code exchange")
		writeError(w, http.StatusBadRequest, ErrorCodeInvalidGrant, "redirect_uri does not match the authorization request")
		return
	}

	verifier := r.PostFormValue("code_verifier")
	if verifier == "" {
		writeError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "code_verifier is required")
		return
	}
	if err := crypto.VerifyPKCE(pending.PKCEChallenge, verifier); err != nil {
		logger.Warnw("token rejected: PKCE verification failed", "session_id", pending.SessionID)
		writeError(w, http.StatusBadRequest, ErrorCodeInvalidGrant, "code_verifier does not match code_challenge")
		return
	}

	if err := s.issueTokenPair(ctx, w, pending.SessionID, pending.Scope, 0); err != nil {
		// Issuance failed on our side; give the code back so the client
		// can retry within its window.
		if restoreErr := s.store.PutPendingAuthorization(ctx, payload.ID, pending); restoreErr != nil {
			logger.Errorw("failed to restore pending authorization", "error", restoreErr)
		}
	}
}

// refreshTokens handles grant_type=refresh_token: it verifies the token,
// atomically consumes its record (rotation), refreshes upstream
// credentials when they are close to expiry and mints the next pair in the
// family. A consume miss on a correctly signed, unexpired token is treated
// as replay and revokes the whole family.
//
// Rotation only becomes final when the replacement pair is issued: every
// rejection after the consume restores the record, so a transient failure
// (an open breaker, an upstream outage) never strands the client with a
// spent token, and its retry is not misread as replay.
func (s *Server) refreshTokens(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	claims, err := s.minter.VerifyRefreshToken(r.PostFormValue("refresh_token"))
	if err != nil {
		logger.Warnw("refresh rejected: invalid refresh token", "error", err)
		writeError(w, http.StatusBadRequest, ErrorCodeInvalidGrant, "refresh token is invalid or expired")
		return
	}

	// Optional scope narrowing (RFC 6749 Section 6); widening is refused.
	// Validated against the token's own scope claim before any state
	// changes so a bad request costs the client nothing.
	scope := claims.Scope
	if requested := r.PostFormValue("scope"); requested != "" {
		narrowed, normErr := scopes.Normalize(requested)
		if normErr != nil || !scopes.Includes(claims.Scope, narrowed) {
			writeError(w, http.StatusBadRequest, ErrorCodeInvalidScope, "requested scope exceeds the original grant")
			return
		}
		scope = narrowed
	}

	record, err := s.store.ConsumeRefreshToken(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// A validly signed token whose record is gone was already
			// rotated: someone is replaying it. Revoke the family.
			logger.Warnw("refresh token replay detected, revoking session",
				"session_id", claims.Subject,
			)
			if revokeErr := s.store.RevokeSession(ctx, claims.Subject); revokeErr != nil {
				logger.Errorw("failed to revoke session after replay", "error", revokeErr)
			}
			writeError(w, http.StatusBadRequest, ErrorCodeInvalidGrant, "refresh token is invalid or expired")
			return
		}
		logger.Errorw("failed to consume refresh token", "error", err)
		writeError(w, http.StatusInternalServerError, ErrorCodeServerError, "failed to process token request")
		return
	}

	// Undoes the consume on rejections below; the presented token stays
	// valid until its replacement exists.
	restoreRecord := func() {
		if restoreErr := s.store.PutRefreshToken(ctx, claims.ID, record); restoreErr != nil {
			logger.Errorw("failed to restore refresh token record",
				"session_id", record.SessionID,
				"error", restoreErr,
			)
		}
	}

	session, err := s.store.GetSession(ctx, record.SessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusBadRequest, ErrorCodeInvalidGrant, "session no longer exists")
			return
		}
		restoreRecord()
		logger.Errorw("failed to load session", "error", err)
		writeError(w, http.StatusInternalServerError, ErrorCodeServerError, "failed to process token request")
		return
	}

	if session.Upstream.ExpiresWithin(s.cfg.UpstreamTokenMargin) {
		if err := s.refreshUpstream(ctx, session); err != nil {
			restoreRecord()
			if errors.Is(err, breaker.ErrOpen) {
				writeError(w, http.StatusServiceUnavailable, ErrorCodeTemporarilyUnavailable,
					"upstream provider is temporarily unavailable")
				return
			}
			logger.Errorw("upstream token refresh failed",
				"session_id", session.ID,
				"provider", s.upstream.Name(),
				"error", err,
			)
			writeError(w, http.StatusInternalServerError, ErrorCodeServerError,
				"upstream credentials could not be refreshed")
			return
		}
	}

	if err := s.issueTokenPair(ctx, w, session.ID, scope, record.Generation+1); err != nil {
		restoreRecord()
	}
}

// refreshUpstream exchanges the session's upstream refresh token through
// the circuit breaker and persists the new credentials.
func (s *Server) refreshUpstream(ctx context.Context, session *storage.Session) error {
	if session.Upstream.RefreshToken == "" {
		return errors.New("session has no upstream refresh token")
	}

	var tokens *upstream.Tokens
	err := s.breaker.Do(ctx, func(ctx context.Context) error {
		var refreshErr error
		tokens, refreshErr = s.upstream.Refresh(ctx, session.Upstream.RefreshToken)
		return refreshErr
	})
	if err != nil {
		return err
	}

	updated := &storage.UpstreamTokens{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresAt:    tokens.ExpiresAt,
	}
	if err := s.store.UpdateSessionTokens(ctx, session.ID, updated); err != nil {
		return err
	}
	session.Upstream = *updated

	logger.Infow("upstream credentials refreshed",
		"session_id", session.ID,
		"provider", s.upstream.Name(),
	)
	return nil
}

// issueTokenPair mints an access/refresh token pair for a session, records
// the refresh token in the store and writes the token response. A non-nil
// return means no tokens were issued and the error response was already
// written.
func (s *Server) issueTokenPair(ctx context.Context, w http.ResponseWriter, sessionID, scope string, generation int) error {
	accessToken, err := s.minter.MintAccessToken(sessionID, scope)
	if err != nil {
		logger.Errorw("failed to mint access token", "error", err)
		writeError(w, http.StatusInternalServerError, ErrorCodeServerError, "failed to issue tokens")
		return err
	}

	tokenID := uuid.NewString()
	refreshToken, err := s.minter.MintRefreshToken(sessionID, tokenID, scope)
	if err != nil {
		logger.Errorw("failed to mint refresh token", "error", err)
		writeError(w, http.StatusInternalServerError, ErrorCodeServerError, "failed to issue tokens")
		return err
	}

	now := time.Now()
	record := &storage.RefreshTokenRecord{
		SessionID:  sessionID,
		Scope:      scope,
		Generation: generation,
		IssuedAt:   now,
		ExpiresAt:  now.Add(s.cfg.RefreshTokenTTL),
	}
	if err := s.store.PutRefreshToken(ctx, tokenID, record); err != nil {
		logger.Errorw("failed to store refresh token record", "error", err)
		writeError(w, http.StatusInternalServerError, ErrorCodeServerError, "failed to issue tokens")
		return err
	}

	logger.Infow("tokens issued",
		"session_id", sessionID,
		"scope", scope,
		"generation", generation,
	)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	if err := json.NewEncoder(w).Encode(tokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.minter.AccessTokenTTL().Seconds()),
		RefreshToken: refreshToken,
		Scope:        scope,
	}); err != nil {
		logger.Errorw("failed to write token response", "error", err)
	}
	return nil
}

// handleRevoke implements RFC 7009 token revocation for refresh tokens.
// Per the RFC the endpoint answers 200 whether or not the token was valid,
// so callers learn nothing from probing. Revoking a refresh token tears
// down its whole session and best-effort revokes the upstream credentials.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "failed to parse request body")
		return
	}

	if !s.authenticateClient(r) {
		writeError(w, http.StatusUnauthorized, ErrorCodeInvalidClient, "client authentication failed")
		return
	}

	claims, err := s.minter.VerifyRefreshToken(r.PostFormValue("token"))
	if err != nil {
		// Invalid or unknown tokens still get a 200 (RFC 7009 Section 2.2).
		w.WriteHeader(http.StatusOK)
		return
	}

	session, sessErr := s.store.GetSession(ctx, claims.Subject)

	if err := s.store.RevokeSession(ctx, claims.Subject); err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.Errorw("failed to revoke session", "session_id", claims.Subject, "error", err)
		writeError(w, http.StatusInternalServerError, ErrorCodeServerError, "failed to revoke token")
		return
	}

	if sessErr == nil && session.Upstream.RefreshToken != "" {
		if err := s.upstream.Revoke(ctx, session.Upstream.RefreshToken); err != nil {
			logger.Warnw("upstream revocation failed",
				"session_id", session.ID,
				"provider", s.upstream.Name(),
				"error", err,
			)
		}
	}

	logger.Infow("session revoked", "session_id", claims.Subject)
	w.WriteHeader(http.StatusOK)
}
