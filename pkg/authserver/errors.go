// SPDX-FileCopyrightText: Copyright 2025 Sheetbridge Authors
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/sheetbridge/sheetbridge/pkg/logger"
)

// OAuth error codes (RFC 6749 Section 5.2, RFC 6750 Section 3.1).
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeInvalidToken            = "invalid_token"
	ErrorCodeInsufficientScope       = "insufficient_scope"
	ErrorCodeServerError             = "server_error"
	ErrorCodeTemporarilyUnavailable  = "temporarily_unavailable"
)

// Error is the OAuth error body returned to clients. Descriptions stay
// within the OAuth taxonomy; internal detail and secret material are
// logged server-side only.
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// writeError writes an OAuth error as a JSON response body.
func writeError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(Error{Code: code, Description: description}); err != nil {
		logger.Errorw("failed to write error response", "error", err)
	}
}

// redirectWithError bounces an OAuth error to a redirect URI that has
// already passed validation. It must never be called with an unvalidated
// URI.
func redirectWithError(w http.ResponseWriter, req *http.Request, redirectURI, state, code, description string) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		// The URI was validated earlier; this is unreachable in practice.
		writeError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "invalid redirect URI")
		return
	}

	q := u.Query()
	q.Set("error", code)
	if description != "" {
		q.Set("error_description", description)
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()

	http.Redirect(w, req, u.String(), http.StatusFound)
}
