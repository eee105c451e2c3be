// SPDX-FileCopyrightText: Copyright 2025 Sheetbridge Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sheetbridge/sheetbridge/pkg/auth"
	"github.com/sheetbridge/sheetbridge/pkg/authserver"
	"github.com/sheetbridge/sheetbridge/pkg/authserver/storage"
	"github.com/sheetbridge/sheetbridge/pkg/authserver/upstream"
	"github.com/sheetbridge/sheetbridge/pkg/logger"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

var serveFlags struct {
	address string
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the authorization server",
		Long: `Run the authorization server. Configuration is read from SHEETBRIDGE_*
environment variables:

  SHEETBRIDGE_ISSUER                  issuer URL of this server
  SHEETBRIDGE_CLIENT_ID               registered agent client ID
  SHEETBRIDGE_CLIENT_SECRET           agent client secret (empty for public clients)
  SHEETBRIDGE_SIGNING_SECRET          token signing secret (32+ bytes)
  SHEETBRIDGE_PREVIOUS_SIGNING_SECRET previous secret, kept during rotation
  SHEETBRIDGE_STATE_SIGNING_SECRET    state token signing secret (32+ bytes)
  SHEETBRIDGE_REDIRECT_URIS           comma-separated redirect URI allowlist
  SHEETBRIDGE_GOOGLE_CLIENT_ID        upstream Google client ID
  SHEETBRIDGE_GOOGLE_CLIENT_SECRET    upstream Google client secret
  SHEETBRIDGE_GOOGLE_SCOPES           comma-separated upstream scopes
  SHEETBRIDGE_REDIS_ADDR              Redis address (in-memory store when empty)`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&serveFlags.address, "address", "127.0.0.1:8080", "Listen address")
	return cmd
}

// loadConfig builds the server configuration from the environment.
func loadConfig() (*authserver.Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SHEETBRIDGE")
	v.AutomaticEnv()

	issuer := v.GetString("ISSUER")
	if issuer == "" {
		return nil, errors.New("SHEETBRIDGE_ISSUER is required")
	}

	scopes := splitList(v.GetString("GOOGLE_SCOPES"))
	if len(scopes) == 0 {
		scopes = []string{"https://www.googleapis.com/auth/spreadsheets"}
	}

	cfg := &authserver.Config{
		Issuer:                issuer,
		ClientID:              v.GetString("CLIENT_ID"),
		ClientSecret:          v.GetString("CLIENT_SECRET"),
		SigningSecret:         []byte(v.GetString("SIGNING_SECRET")),
		PreviousSigningSecret: []byte(v.GetString("PREVIOUS_SIGNING_SECRET")),
		StateSigningSecret:    []byte(v.GetString("STATE_SIGNING_SECRET")),
		AllowedRedirectURIs:   splitList(v.GetString("REDIRECT_URIS")),
		Upstream: upstream.GoogleConfig(
			v.GetString("GOOGLE_CLIENT_ID"),
			v.GetString("GOOGLE_CLIENT_SECRET"),
			strings.TrimSuffix(issuer, "/")+"/callback",
			scopes,
		),
	}
	return cfg, nil
}

// newStore picks the session store backend: Redis when an address is
// configured, in-memory otherwise.
func newStore(ctx context.Context) (storage.Store, error) {
	v := viper.New()
	v.SetEnvPrefix("SHEETBRIDGE")
	v.AutomaticEnv()

	addr := v.GetString("REDIS_ADDR")
	if addr == "" {
		logger.Infow("using in-memory session store")
		return storage.NewMemoryStore(), nil
	}

	logger.Infow("using Redis session store", "addr", addr)
	return storage.NewRedisStore(ctx, &storage.RedisConfig{
		Addr:     addr,
		Username: v.GetString("REDIS_USERNAME"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	})
}

func runServe(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := newStore(ctx)
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Errorw("failed to close store", "error", err)
		}
	}()

	srv, err := authserver.New(cfg, store)
	if err != nil {
		return fmt.Errorf("failed to create authorization server: %w", err)
	}

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.Recoverer,
	)
	r.Mount("/", srv.Routes())

	// Example protected subtree. Real tool handlers mount here behind the
	// validation middleware and read the identity from the context.
	r.Route("/api", func(api chi.Router) {
		api.Use(auth.Middleware(srv.Minter(), srv.Store()))
		api.With(auth.RequireScope("read")).Get("/whoami", handleWhoami)
	})

	httpServer := &http.Server{
		Addr:              serveFlags.address,
		Handler:           r,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("authorization server listening", "address", serveFlags.address)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Infow("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

// handleWhoami reports the authenticated session and its scope.
func handleWhoami(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"session_id": identity.SessionID,
		"scope":      identity.Scope,
	})
}

// splitList parses a comma-separated list, trimming whitespace and
// dropping empty entries.
func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
