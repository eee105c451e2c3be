// SPDX-FileCopyrightText: Copyright 2025 Sheetbridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package authserver implements a federated OAuth 2.1 authorization
// server. It issues its own signed access and refresh tokens to the
// registered client while delegating user authentication to an upstream
// identity provider, for which it acts as an ordinary OAuth client.
package authserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sheetbridge/sheetbridge/pkg/authserver/breaker"
	"github.com/sheetbridge/sheetbridge/pkg/authserver/crypto"
	"github.com/sheetbridge/sheetbridge/pkg/authserver/scopes"
	"github.com/sheetbridge/sheetbridge/pkg/authserver/storage"
	"github.com/sheetbridge/sheetbridge/pkg/authserver/tokens"
	"github.com/sheetbridge/sheetbridge/pkg/authserver/upstream"
	"github.com/sheetbridge/sheetbridge/pkg/logger"
)

// Server holds the wired authorization server: configuration, store,
// token codecs, the upstream provider and its circuit breaker.
type Server struct {
	cfg        *Config
	store      storage.Store
	stateCodec *tokens.Codec
	codeCodec  *tokens.Codec
	minter     *tokens.Minter
	upstream   upstream.Provider
	breaker    *breaker.Breaker
}

// Option configures a Server.
type Option func(*Server)

// WithUpstreamProvider replaces the upstream provider built from
// Config.Upstream. Intended for tests.
func WithUpstreamProvider(p upstream.Provider) Option {
	return func(s *Server) {
		s.upstream = p
	}
}

// New validates cfg, wires the token codecs and upstream provider and
// returns a ready Server. The caller owns the store and its lifecycle.
func New(cfg *Config, store storage.Store, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	stateCodec, err := tokens.NewCodec([][]byte{cfg.StateSigningSecret})
	if err != nil {
		return nil, fmt.Errorf("failed to create state codec: %w", err)
	}
	codeCodec, err := tokens.NewCodec(cfg.signingKeys())
	if err != nil {
		return nil, fmt.Errorf("failed to create code codec: %w", err)
	}
	minter, err := tokens.NewMinter(cfg.Issuer, cfg.signingKeys(), cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create token minter: %w", err)
	}

	s := &Server{
		cfg:        cfg,
		store:      store,
		stateCodec: stateCodec,
		codeCodec:  codeCodec,
		minter:     minter,
		breaker:    breaker.New("upstream-token-endpoint", cfg.BreakerFailureThreshold, cfg.BreakerCooldown),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.upstream == nil {
		provider, err := upstream.New(cfg.Upstream)
		if err != nil {
			return nil, fmt.Errorf("failed to create upstream provider: %w", err)
		}
		s.upstream = provider
	}

	logger.Infow("authorization server configured",
		"issuer", cfg.Issuer,
		"provider", s.upstream.Name(),
		"redirect_uris", len(cfg.AllowedRedirectURIs),
	)
	return s, nil
}

// Minter exposes the token minter for validation middleware.
func (s *Server) Minter() *tokens.Minter {
	return s.minter
}

// Store exposes the session store for validation middleware.
func (s *Server) Store() storage.Store {
	return s.store
}

// Routes returns the HTTP routes of the authorization server, mountable
// on any chi router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/authorize", s.handleAuthorize)
	r.Get("/callback", s.handleCallback)
	r.Post("/token", s.handleToken)
	r.Post("/revoke", s.handleRevoke)
	r.Get("/.well-known/oauth-authorization-server", s.handleMetadata)
	r.Get("/health", s.handleHealth)
	return r
}

// serverMetadata is the RFC 8414 authorization server metadata document.
type serverMetadata struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	RevocationEndpoint            string   `json:"revocation_endpoint"`
	ScopesSupported               []string `json:"scopes_supported"`
	ResponseTypesSupported        []string `json:"response_types_supported"`
	GrantTypesSupported           []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethods      []string `json:"token_endpoint_auth_methods_supported"`
}

// handleMetadata serves RFC 8414 authorization server metadata so clients
// can discover endpoints and capabilities.
func (s *Server) handleMetadata(w http.ResponseWriter, _ *http.Request) {
	base := strings.TrimSuffix(s.cfg.Issuer, "/")

	authMethods := []string{"client_secret_basic", "client_secret_post"}
	if s.cfg.ClientSecret == "" {
		authMethods = []string{"none"}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(serverMetadata{
		Issuer:                        s.cfg.Issuer,
		AuthorizationEndpoint:         base + "/authorize",
		TokenEndpoint:                 base + "/token",
		RevocationEndpoint:            base + "/revoke",
		ScopesSupported:               []string{scopes.ScopeRead, scopes.ScopeWrite, scopes.ScopeAdmin},
		ResponseTypesSupported:        []string{"code"},
		GrantTypesSupported:           []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported: []string{crypto.PKCEChallengeMethodS256},
		TokenEndpointAuthMethods:      authMethods,
	}); err != nil {
		logger.Errorw("failed to write metadata response", "error", err)
	}
}

// handleHealth reports liveness of the server and its store.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := s.store.Health(r.Context()); err != nil {
		logger.Errorw("health check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "unavailable"})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
