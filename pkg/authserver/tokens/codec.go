// SPDX-FileCopyrightText: Copyright 2025 Sheetbridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package tokens implements the signed-token codec used by the authorization
// server: compact HMAC-signed payloads for state tokens and authorization
// codes, and JWT access/refresh tokens.
//
// Both token families verify against an ordered list of secrets (newest
// first) so signing secrets can be rotated without invalidating tokens
// issued under the previous secret. The codec only signs and verifies;
// single-use enforcement for codes and refresh tokens belongs to the store.
package tokens

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Verification failure modes. Callers map these onto the OAuth error
// taxonomy; the distinction is never surfaced to clients beyond that.
var (
	// ErrMalformed indicates the token could not be parsed at all.
	ErrMalformed = errors.New("token is malformed")

	// ErrBadSignature indicates the token signature matched none of the
	// configured verification keys.
	ErrBadSignature = errors.New("token signature is invalid")

	// ErrExpired indicates a correctly signed token whose embedded expiry
	// has passed.
	ErrExpired = errors.New("token has expired")
)

// MinSecretLength is the minimum length in bytes for a signing secret,
// per OWASP/NIST guidance for HMAC-SHA256 keys.
const MinSecretLength = 32

// envelope is the signed wire format. The expiry travels inside the signed
// body so verification needs nothing beyond a clock.
type envelope struct {
	Payload   json.RawMessage `json:"p"`
	ExpiresAt int64           `json:"exp"`
}

// Codec signs and verifies compact HMAC-SHA256 tokens.
// The first key signs; every key verifies.
type Codec struct {
	keys [][]byte
	now  func() time.Time
}

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// WithClock overrides the codec's clock. Intended for tests.
func WithClock(now func() time.Time) CodecOption {
	return func(c *Codec) {
		c.now = now
	}
}

// NewCodec creates a codec from an ordered key list, newest first.
// At least one key is required and every key must meet MinSecretLength.
func NewCodec(keys [][]byte, opts ...CodecOption) (*Codec, error) {
	if len(keys) == 0 {
		return nil, errors.New("at least one signing key is required")
	}
	for i, k := range keys {
		if len(k) < MinSecretLength {
			return nil, fmt.Errorf("signing key %d must be at least %d bytes", i, MinSecretLength)
		}
	}
	c := &Codec{keys: keys, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Sign marshals payload into a signed, time-bound token:
// base64url(body) "." base64url(HMAC-SHA256(body)).
func (c *Codec) Sign(payload any, ttl time.Duration) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	body, err := json.Marshal(envelope{
		Payload:   raw,
		ExpiresAt: c.now().Add(ttl).Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}

	sig := c.sign(c.keys[0], body)
	return base64.RawURLEncoding.EncodeToString(body) + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// Verify checks the token's signature against every configured key (newest
// first), then its embedded expiry, and unmarshals the payload into out.
// It fails with ErrMalformed, ErrBadSignature or ErrExpired.
func (c *Codec) Verify(token string, out any) error {
	bodyPart, sigPart, ok := strings.Cut(token, ".")
	if !ok {
		return ErrMalformed
	}

	body, err := base64.RawURLEncoding.DecodeString(bodyPart)
	if err != nil {
		return ErrMalformed
	}
	sig, err := base64.RawURLEncoding.DecodeString(sigPart)
	if err != nil {
		return ErrMalformed
	}

	if !c.signatureValid(body, sig) {
		return ErrBadSignature
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return ErrMalformed
	}

	if c.now().After(time.Unix(env.ExpiresAt, 0)) {
		return ErrExpired
	}

	if out != nil {
		if err := json.Unmarshal(env.Payload, out); err != nil {
			return ErrMalformed
		}
	}
	return nil
}

// signatureValid tries every verification key. hmac.Equal is constant-time.
func (c *Codec) signatureValid(body, sig []byte) bool {
	for _, key := range c.keys {
		if hmac.Equal(sig, c.sign(key, body)) {
			return true
		}
	}
	return false
}

func (*Codec) sign(key, body []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return mac.Sum(nil)
}
