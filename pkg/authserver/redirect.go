// SPDX-FileCopyrightText: Copyright 2025 Sheetbridge Authors
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"errors"
	"net/url"
	"strings"
)

// ErrRedirectMismatch is returned when a candidate redirect URI does not
// match any allowlisted entry.
var ErrRedirectMismatch = errors.New("redirect URI does not match any registered URI")

// validateRedirectURI checks a candidate redirect URI against the
// allowlist. The comparison is exact on scheme, host, port and path after
// normalization, and the candidate may carry no fragment and no query
// parameters beyond those present in the registered URI. This defends
// against fragment- and query-injection open redirects, so it runs before
// any redirect is issued: an invalid redirect URI never receives a bounce.
func validateRedirectURI(candidate string, allowlist []string) error {
	cu, err := url.Parse(candidate)
	if err != nil || !cu.IsAbs() || cu.Host == "" {
		return ErrRedirectMismatch
	}

	// A fragment anywhere in the candidate is an immediate rejection;
	// registered URIs never contain one (RFC 6749 Section 3.1.2).
	if cu.Fragment != "" || cu.RawFragment != "" || strings.Contains(candidate, "#") {
		return ErrRedirectMismatch
	}

	for _, registered := range allowlist {
		ru, err := url.Parse(registered)
		if err != nil {
			continue
		}
		if redirectURIMatches(cu, ru) {
			return nil
		}
	}
	return ErrRedirectMismatch
}

// redirectURIMatches compares a candidate against one registered URI.
func redirectURIMatches(candidate, registered *url.URL) bool {
	if normalizeScheme(candidate) != normalizeScheme(registered) {
		return false
	}
	if normalizeHost(candidate) != normalizeHost(registered) {
		return false
	}
	if candidate.EscapedPath() != registered.EscapedPath() {
		return false
	}

	// Every candidate query parameter must appear identically in the
	// registered URI; extra parameters are an injection attempt.
	registeredQuery := registered.Query()
	for key, values := range candidate.Query() {
		regValues, ok := registeredQuery[key]
		if !ok || len(values) != len(regValues) {
			return false
		}
		for i, v := range values {
			if v != regValues[i] {
				return false
			}
		}
	}
	return true
}

func normalizeScheme(u *url.URL) string {
	return strings.ToLower(u.Scheme)
}

// normalizeHost lowercases the host and strips the scheme's default port.
func normalizeHost(u *url.URL) string {
	host := strings.ToLower(u.Host)
	switch normalizeScheme(u) {
	case "http":
		host = strings.TrimSuffix(host, ":80")
	case "https":
		host = strings.TrimSuffix(host, ":443")
	}
	return host
}
