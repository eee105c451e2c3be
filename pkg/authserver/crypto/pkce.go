// SPDX-FileCopyrightText: Copyright 2025 Sheetbridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package crypto provides PKCE and random-token primitives for the
// authorization server.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"

	"golang.org/x/oauth2"
)

// PKCEChallengeMethodS256 is the only PKCE challenge method the server
// accepts (RFC 7636). The "plain" method is forbidden by OAuth 2.1.
const PKCEChallengeMethodS256 = "S256"

// ErrPKCEMismatch is returned when a code_verifier does not hash to the
// stored code_challenge.
var ErrPKCEMismatch = errors.New("pkce verifier does not match challenge")

// GeneratePKCEVerifier generates a cryptographically random code_verifier
// per RFC 7636 Section 4.1. It delegates to oauth2.GenerateVerifier() and
// panics on crypto/rand read failure, which is appropriate here.
func GeneratePKCEVerifier() string {
	return oauth2.GenerateVerifier()
}

// ComputePKCEChallenge computes the S256 code_challenge for a verifier:
// code_challenge = BASE64URL(SHA256(code_verifier)) per RFC 7636 Section 4.2.
func ComputePKCEChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// VerifyPKCE checks a code_verifier against the stored code_challenge using
// a constant-time comparison.
func VerifyPKCE(challenge, verifier string) error {
	computed := ComputePKCEChallenge(verifier)
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return ErrPKCEMismatch
	}
	return nil
}

// GenerateRandomToken returns a 32-byte cryptographically random value
// encoded as unpadded base64url. Used for session IDs, nonces and refresh
// token identifiers.
func GenerateRandomToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand read failure means the process cannot operate safely.
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
