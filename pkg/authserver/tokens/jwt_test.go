// SPDX-FileCopyrightText: Copyright 2025 Sheetbridge Authors
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testIssuer = "https://auth.sheetbridge.test"

func newTestMinter(t *testing.T, keys ...[]byte) *Minter {
	t.Helper()
	if len(keys) == 0 {
		keys = [][]byte{testKey}
	}
	m, err := NewMinter(testIssuer, keys, time.Hour, 24*time.Hour)
	require.NoError(t, err)
	return m
}

func TestMintAndVerifyAccessToken(t *testing.T) {
	t.Parallel()

	m := newTestMinter(t)
	token, err := m.MintAccessToken("session-1", "write")
	require.NoError(t, err)

	claims, err := m.VerifyAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, "session-1", claims.Subject)
	assert.Equal(t, "write", claims.Scope)
	assert.Equal(t, TokenTypeAccess, claims.TokenType)
	assert.Equal(t, testIssuer, claims.Issuer)
}

func TestRefreshTokenCarriesTokenID(t *testing.T) {
	t.Parallel()

	m := newTestMinter(t)
	token, err := m.MintRefreshToken("session-1", "rt-id-42", "read")
	require.NoError(t, err)

	claims, err := m.VerifyRefreshToken(token)
	require.NoError(t, err)
	assert.Equal(t, "rt-id-42", claims.ID)
	assert.Equal(t, TokenTypeRefresh, claims.TokenType)
}

func TestTokenTypesAreNotInterchangeable(t *testing.T) {
	t.Parallel()

	m := newTestMinter(t)

	access, err := m.MintAccessToken("s", "read")
	require.NoError(t, err)
	refresh, err := m.MintRefreshToken("s", "id", "read")
	require.NoError(t, err)

	_, err = m.VerifyRefreshToken(access)
	assert.Error(t, err)
	_, err = m.VerifyAccessToken(refresh)
	assert.Error(t, err)
}

func TestVerifyExpiredAccessToken(t *testing.T) {
	t.Parallel()

	now := time.Now()
	m, err := NewMinter(testIssuer, [][]byte{testKey}, time.Hour, 24*time.Hour,
		WithMinterClock(func() time.Time { return now }))
	require.NoError(t, err)

	token, err := m.MintAccessToken("s", "read")
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	_, err = m.VerifyAccessToken(token)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestMinterSecretRotation(t *testing.T) {
	t.Parallel()

	old := newTestMinter(t, previousKey)
	token, err := old.MintAccessToken("s", "read")
	require.NoError(t, err)

	// Still valid while the previous secret is in the verification list.
	rotated := newTestMinter(t, testKey, previousKey)
	_, err = rotated.VerifyAccessToken(token)
	assert.NoError(t, err)

	// Invalid once the previous secret is dropped.
	current := newTestMinter(t, testKey)
	_, err = current.VerifyAccessToken(token)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	t.Parallel()

	other, err := NewMinter("https://other.example", [][]byte{testKey}, time.Hour, 24*time.Hour)
	require.NoError(t, err)
	token, err := other.MintAccessToken("s", "read")
	require.NoError(t, err)

	m := newTestMinter(t)
	_, err = m.VerifyAccessToken(token)
	assert.Error(t, err)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	t.Parallel()

	m := newTestMinter(t)
	_, err := m.VerifyAccessToken("not-a-jwt")
	assert.ErrorIs(t, err, ErrMalformed)
}
