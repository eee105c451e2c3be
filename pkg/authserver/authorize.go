// SPDX-FileCopyrightText: Copyright 2025 Sheetbridge Authors
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/sheetbridge/sheetbridge/pkg/authserver/breaker"
	"github.com/sheetbridge/sheetbridge/pkg/authserver/crypto"
	"github.com/sheetbridge/sheetbridge/pkg/authserver/scopes"
	"github.com/sheetbridge/sheetbridge/pkg/authserver/storage"
	"github.com/sheetbridge/sheetbridge/pkg/authserver/upstream"
	"github.com/sheetbridge/sheetbridge/pkg/logger"
)

// statePayload is the signed payload of the state token that crosses the
// upstream round trip. Everything the callback needs to resume the
// authorization travels inside it; the nonce makes the token single-use
// through the store.
type statePayload struct {
	// Nonce is registered in the store at /authorize and consumed exactly
	// once at /callback.
	Nonce string `json:"nonce"`

	// RedirectURI is the client redirect URI, already validated against
	// the allowlist.
	RedirectURI string `json:"redirect_uri"`

	// PKCEChallenge is the client's S256 code challenge.
	PKCEChallenge string `json:"pkce_challenge"`

	// Scope is the canonical scope granted for this authorization.
	Scope string `json:"scope"`

	// ClientState is the client's original state parameter, echoed back
	// on the final redirect.
	ClientState string `json:"client_state,omitempty"`
}

// codePayload is the signed payload of the internal authorization code.
// The ID keys the pending authorization in the store; the signature keeps
// codes unforgeable, the store keeps them single-use.
type codePayload struct {
	ID string `json:"id"`
}

// handleAuthorize implements the authorization endpoint. It validates the
// client, redirect URI, response type, PKCE challenge and scope, then
// redirects the user to the upstream provider carrying a signed state
// token.
//
// The redirect URI is validated before anything else; every failure before
// that validation, and every failure of it, is answered with a direct 400
// so an attacker-controlled URI never receives a bounce.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if q.Get("client_id") != s.cfg.ClientID {
		writeError(w, http.StatusBadRequest, ErrorCodeInvalidClient, "unknown client")
		return
	}

	redirectURI := q.Get("redirect_uri")
	if err := validateRedirectURI(redirectURI, s.cfg.AllowedRedirectURIs); err != nil {
		logger.Warnw("authorize rejected: redirect URI not allowlisted", "redirect_uri", redirectURI)
		writeError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "redirect_uri is not registered for this client")
		return
	}

	if rt := q.Get("response_type"); rt != "code" {
		writeError(w, http.StatusBadRequest, ErrorCodeUnsupportedResponseType, "only response_type=code is supported")
		return
	}

	challenge := q.Get("code_challenge")
	if challenge == "" {
		writeError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "code_challenge is required")
		return
	}
	if method := q.Get("code_challenge_method"); method != crypto.PKCEChallengeMethodS256 {
		writeError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "code_challenge_method must be S256")
		return
	}

	scope, err := scopes.Normalize(q.Get("scope"))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrorCodeInvalidScope, "requested scope is not recognized")
		return
	}

	nonce := crypto.GenerateRandomToken()
	stateToken, err := s.stateCodec.Sign(statePayload{
		Nonce:         nonce,
		RedirectURI:   redirectURI,
		PKCEChallenge: challenge,
		Scope:         scope,
		ClientState:   q.Get("state"),
	}, s.cfg.StateTokenTTL)
	if err != nil {
		logger.Errorw("failed to sign state token", "error", err)
		writeError(w, http.StatusInternalServerError, ErrorCodeServerError, "failed to initiate authorization")
		return
	}

	if err := s.store.PutStateNonce(r.Context(), nonce, time.Now().Add(s.cfg.StateTokenTTL)); err != nil {
		logger.Errorw("failed to register state nonce", "error", err)
		writeError(w, http.StatusInternalServerError, ErrorCodeServerError, "failed to initiate authorization")
		return
	}

	authURL, err := s.upstream.AuthorizationURL(stateToken, "")
	if err != nil {
		logger.Errorw("failed to build upstream authorization URL", "error", err)
		writeError(w, http.StatusInternalServerError, ErrorCodeServerError, "failed to initiate authorization")
		return
	}

	logger.Infow("authorization initiated",
		"client_id", s.cfg.ClientID,
		"scope", scope,
		"provider", s.upstream.Name(),
	)
	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleCallback implements the upstream redirect endpoint. It verifies
// and consumes the state token, exchanges the upstream code through the
// circuit breaker, establishes the session and hands the client a signed
// single-use authorization code.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	// The state token must verify before anything else: without it there
	// is no trusted redirect URI to bounce errors to.
	var state statePayload
	if err := s.stateCodec.Verify(q.Get("state"), &state); err != nil {
		logger.Warnw("callback rejected: invalid state token", "error", err)
		writeError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "state parameter is missing or invalid")
		return
	}

	if err := s.store.ConsumeStateNonce(ctx, state.Nonce); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			logger.Warnw("callback rejected: state token replayed or expired")
			writeError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "state token has already been used")
			return
		}
		logger.Errorw("failed to consume state nonce", "error", err)
		writeError(w, http.StatusInternalServerError, ErrorCodeServerError, "failed to complete authorization")
		return
	}

	// Upstream reported an error (the user denied consent, or the
	// provider failed). The state verified, so the client may hear about it.
	if upstreamErr := q.Get("error"); upstreamErr != "" {
		logger.Warnw("upstream authorization failed",
			"provider", s.upstream.Name(),
			"error", upstreamErr,
		)
		code := ErrorCodeServerError
		if upstreamErr == "access_denied" {
			code = "access_denied"
		}
		redirectWithError(w, r, state.RedirectURI, state.ClientState, code, "upstream authorization failed")
		return
	}

	upstreamCode := q.Get("code")
	if upstreamCode == "" {
		redirectWithError(w, r, state.RedirectURI, state.ClientState, ErrorCodeInvalidRequest, "missing authorization code")
		return
	}

	var tokens *upstream.Tokens
	err := s.breaker.Do(ctx, func(ctx context.Context) error {
		var exchangeErr error
		tokens, exchangeErr = s.upstream.ExchangeCode(ctx, upstreamCode, "")
		return exchangeErr
	})
	if err != nil {
		if errors.Is(err, breaker.ErrOpen) {
			logger.Warnw("upstream exchange rejected by circuit breaker", "provider", s.upstream.Name())
			redirectWithError(w, r, state.RedirectURI, state.ClientState,
				ErrorCodeTemporarilyUnavailable, "upstream provider is temporarily unavailable")
			return
		}
		logger.Errorw("upstream code exchange failed", "provider", s.upstream.Name(), "error", err)
		redirectWithError(w, r, state.RedirectURI, state.ClientState,
			ErrorCodeServerError, "failed to exchange authorization code with upstream provider")
		return
	}

	now := time.Now()
	session := &storage.Session{
		ID:       uuid.NewString(),
		ClientID: s.cfg.ClientID,
		Scope:    state.Scope,
		Upstream: storage.UpstreamTokens{
			AccessToken:  tokens.AccessToken,
			RefreshToken: tokens.RefreshToken,
			ExpiresAt:    tokens.ExpiresAt,
		},
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.RefreshTokenTTL),
	}
	if err := s.store.PutSession(ctx, session); err != nil {
		logger.Errorw("failed to store session", "error", err)
		redirectWithError(w, r, state.RedirectURI, state.ClientState,
			ErrorCodeServerError, "failed to complete authorization")
		return
	}

	codeID := crypto.GenerateRandomToken()
	code, err := s.codeCodec.Sign(codePayload{ID: codeID}, s.cfg.AuthorizationCodeTTL)
	if err != nil {
		logger.Errorw("failed to sign authorization code", "error", err)
		redirectWithError(w, r, state.RedirectURI, state.ClientState,
			ErrorCodeServerError, "failed to complete authorization")
		return
	}

	pending := &storage.PendingAuthorization{
		ClientID:      s.cfg.ClientID,
		RedirectURI:   state.RedirectURI,
		Scope:         state.Scope,
		PKCEChallenge: state.PKCEChallenge,
		SessionID:     session.ID,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.cfg.AuthorizationCodeTTL),
	}
	if err := s.store.PutPendingAuthorization(ctx, codeID, pending); err != nil {
		logger.Errorw("failed to store pending authorization", "error", err)
		redirectWithError(w, r, state.RedirectURI, state.ClientState,
			ErrorCodeServerError, "failed to complete authorization")
		return
	}

	logger.Infow("authorization completed",
		"session_id", session.ID,
		"scope", session.Scope,
		"provider", s.upstream.Name(),
	)

	u, err := url.Parse(state.RedirectURI)
	if err != nil {
		// Validated at /authorize; unreachable in practice.
		writeError(w, http.StatusInternalServerError, ErrorCodeServerError, "failed to complete authorization")
		return
	}
	rq := u.Query()
	rq.Set("code", code)
	if state.ClientState != "" {
		rq.Set("state", state.ClientState)
	}
	u.RawQuery = rq.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}
