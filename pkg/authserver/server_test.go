// SPDX-FileCopyrightText: Copyright 2025 Sheetbridge Authors
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheetbridge/sheetbridge/pkg/authserver/crypto"
	"github.com/sheetbridge/sheetbridge/pkg/authserver/storage"
	"github.com/sheetbridge/sheetbridge/pkg/authserver/upstream"
)

// fakeProvider is a scriptable upstream provider.
type fakeProvider struct {
	mu sync.Mutex

	exchangeErr   error
	refreshErr    error
	exchangeCalls int
	refreshCalls  int
	revoked       []string
}

func (*fakeProvider) Name() string { return "fake" }

func (*fakeProvider) AuthorizationURL(state, _ string) (string, error) {
	return "https://idp.example.com/auth?state=" + url.QueryEscape(state), nil
}

func (f *fakeProvider) ExchangeCode(_ context.Context, code, _ string) (*upstream.Tokens, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchangeCalls++
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return &upstream.Tokens{
		AccessToken:  "upstream-access-" + code,
		RefreshToken: "upstream-refresh-" + code,
		ExpiresAt:    time.Now().Add(time.Hour),
	}, nil
}

func (f *fakeProvider) Refresh(_ context.Context, refreshToken string) (*upstream.Tokens, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return &upstream.Tokens{
		AccessToken:  "upstream-access-refreshed",
		RefreshToken: refreshToken,
		ExpiresAt:    time.Now().Add(time.Hour),
	}, nil
}

func (f *fakeProvider) Revoke(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, token)
	return nil
}

type testServer struct {
	*Server
	store    *storage.MemoryStore
	provider *fakeProvider
	http     *httptest.Server
}

func newTestServer(t *testing.T, mutate func(*Config)) *testServer {
	t.Helper()

	cfg := validConfig()
	if mutate != nil {
		mutate(cfg)
	}

	store := storage.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	provider := &fakeProvider{}
	srv, err := New(cfg, store, WithUpstreamProvider(provider))
	require.NoError(t, err)

	hs := httptest.NewServer(srv.Routes())
	t.Cleanup(hs.Close)

	return &testServer{Server: srv, store: store, provider: provider, http: hs}
}

// noRedirectClient returns redirects to the test instead of following them.
func noRedirectClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// authorize drives GET /authorize and returns the signed state token from
// the upstream redirect.
func (ts *testServer) authorize(t *testing.T, verifier string) string {
	t.Helper()

	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {ts.cfg.ClientID},
		"redirect_uri":          {"http://localhost:3000/callback"},
		"code_challenge":        {crypto.ComputePKCEChallenge(verifier)},
		"code_challenge_method": {"S256"},
		"scope":                 {"write"},
		"state":                 {"client-state-1"},
	}

	resp, err := noRedirectClient().Get(ts.http.URL + "/authorize?" + q.Encode())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	state := loc.Query().Get("state")
	require.NotEmpty(t, state)
	return state
}

// callback drives GET /callback with an upstream code and returns the
// internal authorization code from the client redirect.
func (ts *testServer) callback(t *testing.T, stateToken string) string {
	t.Helper()

	q := url.Values{"state": {stateToken}, "code": {"upstream-code-1"}}
	resp, err := noRedirectClient().Get(ts.http.URL + "/callback?" + q.Encode())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "localhost:3000", loc.Host)
	assert.Equal(t, "client-state-1", loc.Query().Get("state"))
	code := loc.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

// exchange drives POST /token with grant_type=authorization_code.
func (ts *testServer) exchange(t *testing.T, code, verifier string) (*tokenResponse, *http.Response) {
	t.Helper()
	return ts.postToken(t, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {"http://localhost:3000/callback"},
		"code_verifier": {verifier},
		"client_id":     {ts.cfg.ClientID},
		"client_secret": {ts.cfg.ClientSecret},
	})
}

func (ts *testServer) refresh(t *testing.T, refreshToken, scope string) (*tokenResponse, *http.Response) {
	t.Helper()
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {ts.cfg.ClientID},
		"client_secret": {ts.cfg.ClientSecret},
	}
	if scope != "" {
		form.Set("scope", scope)
	}
	return ts.postToken(t, form)
}

func (ts *testServer) postToken(t *testing.T, form url.Values) (*tokenResponse, *http.Response) {
	t.Helper()

	resp, err := http.Post(ts.http.URL+"/token",
		"application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body = io.NopCloser(bytes.NewReader(body))

	if resp.StatusCode != http.StatusOK {
		return nil, resp
	}
	var tr tokenResponse
	require.NoError(t, json.Unmarshal(body, &tr))
	return &tr, resp
}

func decodeError(t *testing.T, resp *http.Response) Error {
	t.Helper()
	var e Error
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
	return e
}

func TestAuthorizationCodeFlow(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	verifier := crypto.GeneratePKCEVerifier()

	state := ts.authorize(t, verifier)
	code := ts.callback(t, state)

	tr, resp := ts.exchange(t, code, verifier)
	require.NotNil(t, tr, "token exchange failed with status %d", resp.StatusCode)

	assert.Equal(t, "Bearer", tr.TokenType)
	assert.Equal(t, "write", tr.Scope)
	assert.Equal(t, int64(3600), tr.ExpiresIn)
	assert.NotEmpty(t, tr.AccessToken)
	assert.NotEmpty(t, tr.RefreshToken)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	claims, err := ts.Minter().VerifyAccessToken(tr.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "write", claims.Scope)

	session, err := ts.store.GetSession(context.Background(), claims.Subject)
	require.NoError(t, err)
	assert.Equal(t, "upstream-access-upstream-code-1", session.Upstream.AccessToken)
}

func TestAuthorizeRejections(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	challenge := crypto.ComputePKCEChallenge(crypto.GeneratePKCEVerifier())

	base := url.Values{
		"response_type":         {"code"},
		"client_id":             {ts.cfg.ClientID},
		"redirect_uri":          {"http://localhost:3000/callback"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}

	tests := []struct {
		name     string
		mutate   func(url.Values)
		wantCode string
	}{
		{
			name:     "unknown client",
			mutate:   func(q url.Values) { q.Set("client_id", "other") },
			wantCode: ErrorCodeInvalidClient,
		},
		{
			name:     "unregistered redirect URI",
			mutate:   func(q url.Values) { q.Set("redirect_uri", "http://evil.com/callback") },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "fragment in redirect URI",
			mutate:   func(q url.Values) { q.Set("redirect_uri", "http://localhost:3000/callback#http://evil.com") },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "implicit flow",
			mutate:   func(q url.Values) { q.Set("response_type", "token") },
			wantCode: ErrorCodeUnsupportedResponseType,
		},
		{
			name:     "missing PKCE challenge",
			mutate:   func(q url.Values) { q.Del("code_challenge") },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "plain PKCE method",
			mutate:   func(q url.Values) { q.Set("code_challenge_method", "plain") },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "unknown scope",
			mutate:   func(q url.Values) { q.Set("scope", "superuser") },
			wantCode: ErrorCodeInvalidScope,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			q := url.Values{}
			for k, v := range base {
				q[k] = v
			}
			tt.mutate(q)

			resp, err := noRedirectClient().Get(ts.http.URL + "/authorize?" + q.Encode())
			require.NoError(t, err)
			defer resp.Body.Close()

			// Validation failures answer directly, never via redirect.
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, tt.wantCode, decodeError(t, resp).Code)
		})
	}
}

func TestAuthorizeEmptyScopeDefaultsToRead(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	verifier := crypto.GeneratePKCEVerifier()

	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {ts.cfg.ClientID},
		"redirect_uri":          {"http://localhost:3000/callback"},
		"code_challenge":        {crypto.ComputePKCEChallenge(verifier)},
		"code_challenge_method": {"S256"},
		"state":                 {"client-state-1"},
	}
	resp, err := noRedirectClient().Get(ts.http.URL + "/authorize?" + q.Encode())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, _ := url.Parse(resp.Header.Get("Location"))
	code := ts.callback(t, loc.Query().Get("state"))

	tr, _ := ts.exchange(t, code, verifier)
	require.NotNil(t, tr)
	assert.Equal(t, "read", tr.Scope)
}

func TestCallbackStateReplayRejected(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	verifier := crypto.GeneratePKCEVerifier()
	state := ts.authorize(t, verifier)

	ts.callback(t, state)

	q := url.Values{"state": {state}, "code": {"upstream-code-2"}}
	resp, err := noRedirectClient().Get(ts.http.URL + "/callback?" + q.Encode())
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, ErrorCodeInvalidRequest, decodeError(t, resp).Code)
}

func TestCallbackForgedStateRejected(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)

	q := url.Values{"state": {"forged-state-token"}, "code": {"upstream-code-1"}}
	resp, err := noRedirectClient().Get(ts.http.URL + "/callback?" + q.Encode())
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, ErrorCodeInvalidRequest, decodeError(t, resp).Code)
	assert.Zero(t, ts.provider.exchangeCalls)
}

func TestCallbackUpstreamDenialRedirectsToClient(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	state := ts.authorize(t, crypto.GeneratePKCEVerifier())

	q := url.Values{"state": {state}, "error": {"access_denied"}}
	resp, err := noRedirectClient().Get(ts.http.URL + "/callback?" + q.Encode())
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, _ := url.Parse(resp.Header.Get("Location"))
	assert.Equal(t, "localhost:3000", loc.Host)
	assert.Equal(t, "access_denied", loc.Query().Get("error"))
	assert.Equal(t, "client-state-1", loc.Query().Get("state"))
}

func TestTokenCodeSingleUse(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	verifier := crypto.GeneratePKCEVerifier()
	code := ts.callback(t, ts.authorize(t, verifier))

	tr, _ := ts.exchange(t, code, verifier)
	require.NotNil(t, tr)

	tr2, resp := ts.exchange(t, code, verifier)
	require.Nil(t, tr2)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, ErrorCodeInvalidGrant, decodeError(t, resp).Code)
}

func TestTokenRejectsWrongVerifier(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	code := ts.callback(t, ts.authorize(t, crypto.GeneratePKCEVerifier()))

	tr, resp := ts.exchange(t, code, crypto.GeneratePKCEVerifier())
	require.Nil(t, tr)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, ErrorCodeInvalidGrant, decodeError(t, resp).Code)
}

func TestTokenRejectsRedirectMismatch(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, func(c *Config) {
		c.AllowedRedirectURIs = append(c.AllowedRedirectURIs, "http://localhost:3000/other")
	})
	verifier := crypto.GeneratePKCEVerifier()
	code := ts.callback(t, ts.authorize(t, verifier))

	tr, resp := ts.postToken(t, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {"http://localhost:3000/other"},
		"code_verifier": {verifier},
		"client_id":     {ts.cfg.ClientID},
		"client_secret": {ts.cfg.ClientSecret},
	})
	require.Nil(t, tr)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, ErrorCodeInvalidGrant, decodeError(t, resp).Code)
}

func TestTokenRejectsBadClientCredentials(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)

	_, resp := ts.postToken(t, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {"whatever"},
		"client_id":     {ts.cfg.ClientID},
		"client_secret": {"wrong"},
	})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, ErrorCodeInvalidClient, decodeError(t, resp).Code)
}

func TestTokenRejectsUnknownGrantType(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)

	_, resp := ts.postToken(t, url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {ts.cfg.ClientID},
		"client_secret": {ts.cfg.ClientSecret},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, ErrorCodeUnsupportedGrantType, decodeError(t, resp).Code)
}

func TestRefreshRotation(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	verifier := crypto.GeneratePKCEVerifier()
	code := ts.callback(t, ts.authorize(t, verifier))
	tr, _ := ts.exchange(t, code, verifier)
	require.NotNil(t, tr)

	rotated, _ := ts.refresh(t, tr.RefreshToken, "")
	require.NotNil(t, rotated)
	assert.NotEqual(t, tr.RefreshToken, rotated.RefreshToken)
	assert.Equal(t, "write", rotated.Scope)

	// Upstream credentials were fresh, so no upstream refresh happened.
	assert.Zero(t, ts.provider.refreshCalls)

	// The previous refresh token is spent.
	replayed, resp := ts.refresh(t, tr.RefreshToken, "")
	require.Nil(t, replayed)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, ErrorCodeInvalidGrant, decodeError(t, resp).Code)

	// Replay revoked the whole family: the rotated token dies too.
	afterReplay, resp := ts.refresh(t, rotated.RefreshToken, "")
	require.Nil(t, afterReplay)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRefreshScopeNarrowing(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	verifier := crypto.GeneratePKCEVerifier()
	code := ts.callback(t, ts.authorize(t, verifier))
	tr, _ := ts.exchange(t, code, verifier)
	require.NotNil(t, tr)
	require.Equal(t, "write", tr.Scope)

	narrowed, _ := ts.refresh(t, tr.RefreshToken, "read")
	require.NotNil(t, narrowed)
	assert.Equal(t, "read", narrowed.Scope)

	// Widening back is refused, and the refused request costs nothing:
	// the same token still rotates normally afterwards.
	widened, resp := ts.refresh(t, narrowed.RefreshToken, "admin")
	require.Nil(t, widened)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, ErrorCodeInvalidScope, decodeError(t, resp).Code)

	retried, _ := ts.refresh(t, narrowed.RefreshToken, "")
	require.NotNil(t, retried)
	assert.Equal(t, "read", retried.Scope)
}

func TestRefreshTriggersUpstreamRefreshNearExpiry(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	verifier := crypto.GeneratePKCEVerifier()
	code := ts.callback(t, ts.authorize(t, verifier))
	tr, _ := ts.exchange(t, code, verifier)
	require.NotNil(t, tr)

	claims, err := ts.Minter().VerifyRefreshToken(tr.RefreshToken)
	require.NoError(t, err)

	// Age the upstream credentials inside the refresh margin.
	session, err := ts.store.GetSession(context.Background(), claims.Subject)
	require.NoError(t, err)
	session.Upstream.ExpiresAt = time.Now().Add(time.Minute)
	require.NoError(t, ts.store.UpdateSessionTokens(context.Background(), session.ID, &session.Upstream))

	rotated, _ := ts.refresh(t, tr.RefreshToken, "")
	require.NotNil(t, rotated)
	assert.Equal(t, 1, ts.provider.refreshCalls)

	updated, err := ts.store.GetSession(context.Background(), claims.Subject)
	require.NoError(t, err)
	assert.Equal(t, "upstream-access-refreshed", updated.Upstream.AccessToken)
}

func TestRefreshSurvivesUpstreamOutage(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, func(c *Config) {
		c.BreakerFailureThreshold = 1
		c.BreakerCooldown = 50 * time.Millisecond
	})
	verifier := crypto.GeneratePKCEVerifier()
	code := ts.callback(t, ts.authorize(t, verifier))
	tr, _ := ts.exchange(t, code, verifier)
	require.NotNil(t, tr)

	claims, err := ts.Minter().VerifyRefreshToken(tr.RefreshToken)
	require.NoError(t, err)

	// Age the upstream credentials inside the refresh margin, then take
	// the upstream down.
	session, err := ts.store.GetSession(context.Background(), claims.Subject)
	require.NoError(t, err)
	session.Upstream.ExpiresAt = time.Now().Add(time.Minute)
	require.NoError(t, ts.store.UpdateSessionTokens(context.Background(), session.ID, &session.Upstream))
	ts.provider.refreshErr = errors.New("upstream down")

	// First attempt reaches the upstream, fails, and trips the breaker.
	rotated, resp := ts.refresh(t, tr.RefreshToken, "")
	require.Nil(t, rotated)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, ErrorCodeServerError, decodeError(t, resp).Code)

	// Second attempt with the same token fails fast on the open breaker.
	// Neither failure spends the token or touches the session.
	rotated, resp = ts.refresh(t, tr.RefreshToken, "")
	require.Nil(t, rotated)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, ErrorCodeTemporarilyUnavailable, decodeError(t, resp).Code)
	assert.Equal(t, 1, ts.provider.refreshCalls)

	_, err = ts.store.GetSession(context.Background(), claims.Subject)
	require.NoError(t, err, "transient upstream failure must not revoke the session")

	// Upstream recovers; after the cooldown the very same token rotates.
	ts.provider.refreshErr = nil
	time.Sleep(100 * time.Millisecond)

	rotated, resp = ts.refresh(t, tr.RefreshToken, "")
	require.NotNil(t, rotated, "retry after recovery failed with status %d", resp.StatusCode)
	assert.Equal(t, 2, ts.provider.refreshCalls)

	// Rotation is now final: the old token is spent.
	replayed, resp := ts.refresh(t, tr.RefreshToken, "")
	require.Nil(t, replayed)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBreakerShieldsUpstream(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, func(c *Config) {
		c.BreakerFailureThreshold = 2
		c.BreakerCooldown = time.Hour
	})
	ts.provider.exchangeErr = errors.New("upstream down")

	// Two failing exchanges trip the breaker.
	for i := 0; i < 2; i++ {
		state := ts.authorize(t, crypto.GeneratePKCEVerifier())
		q := url.Values{"state": {state}, "code": {"upstream-code"}}
		resp, err := noRedirectClient().Get(ts.http.URL + "/callback?" + q.Encode())
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusFound, resp.StatusCode)

		loc, _ := url.Parse(resp.Header.Get("Location"))
		assert.Equal(t, ErrorCodeServerError, loc.Query().Get("error"))
	}
	require.Equal(t, 2, ts.provider.exchangeCalls)

	// The third attempt fails fast without reaching the provider.
	state := ts.authorize(t, crypto.GeneratePKCEVerifier())
	q := url.Values{"state": {state}, "code": {"upstream-code"}}
	resp, err := noRedirectClient().Get(ts.http.URL + "/callback?" + q.Encode())
	require.NoError(t, err)
	defer resp.Body.Close()

	loc, _ := url.Parse(resp.Header.Get("Location"))
	assert.Equal(t, ErrorCodeTemporarilyUnavailable, loc.Query().Get("error"))
	assert.Equal(t, 2, ts.provider.exchangeCalls)
}

func TestRevokeEndpoint(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	verifier := crypto.GeneratePKCEVerifier()
	code := ts.callback(t, ts.authorize(t, verifier))
	tr, _ := ts.exchange(t, code, verifier)
	require.NotNil(t, tr)

	claims, err := ts.Minter().VerifyRefreshToken(tr.RefreshToken)
	require.NoError(t, err)

	form := url.Values{
		"token":         {tr.RefreshToken},
		"client_id":     {ts.cfg.ClientID},
		"client_secret": {ts.cfg.ClientSecret},
	}
	resp, err := http.Post(ts.http.URL+"/revoke",
		"application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Session and refresh token family are gone; upstream heard about it.
	_, err = ts.store.GetSession(context.Background(), claims.Subject)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Contains(t, ts.provider.revoked, "upstream-refresh-upstream-code-1")

	rotated, tokenResp := ts.refresh(t, tr.RefreshToken, "")
	require.Nil(t, rotated)
	assert.Equal(t, http.StatusBadRequest, tokenResp.StatusCode)

	// Revoking garbage still answers 200.
	resp, err = http.Post(ts.http.URL+"/revoke",
		"application/x-www-form-urlencoded", strings.NewReader(url.Values{
			"token":         {"not-a-token"},
			"client_id":     {ts.cfg.ClientID},
			"client_secret": {ts.cfg.ClientSecret},
		}.Encode()))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetadataEndpoint(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)

	resp, err := http.Get(ts.http.URL + "/.well-known/oauth-authorization-server")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var md serverMetadata
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&md))
	assert.Equal(t, ts.cfg.Issuer, md.Issuer)
	assert.Equal(t, []string{"code"}, md.ResponseTypesSupported)
	assert.Equal(t, []string{"S256"}, md.CodeChallengeMethodsSupported)
	assert.Contains(t, md.GrantTypesSupported, "refresh_token")
	assert.Contains(t, md.ScopesSupported, "admin")
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)

	resp, err := http.Get(ts.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSigningSecretRotation(t *testing.T) {
	t.Parallel()

	oldSecret := []byte("old-signing-secret-old-signing-s")
	newSecret := []byte("new-signing-secret-new-signing-s")

	// Tokens minted under the old secret alone.
	tsOld := newTestServer(t, func(c *Config) { c.SigningSecret = oldSecret })
	verifier := crypto.GeneratePKCEVerifier()
	code := tsOld.callback(t, tsOld.authorize(t, verifier))
	tr, _ := tsOld.exchange(t, code, verifier)
	require.NotNil(t, tr)

	// A server rotated to the new secret with the old as previous still
	// verifies them.
	cfg := validConfig()
	cfg.SigningSecret = newSecret
	cfg.PreviousSigningSecret = oldSecret
	rotatedStore := storage.NewMemoryStore()
	t.Cleanup(func() { _ = rotatedStore.Close() })
	rotated, err := New(cfg, rotatedStore, WithUpstreamProvider(&fakeProvider{}))
	require.NoError(t, err)
	_, err = rotated.Minter().VerifyAccessToken(tr.AccessToken)
	assert.NoError(t, err)

	// Without the previous secret they are rejected.
	cfg2 := validConfig()
	cfg2.SigningSecret = newSecret
	droppedStore := storage.NewMemoryStore()
	t.Cleanup(func() { _ = droppedStore.Close() })
	dropped, err := New(cfg2, droppedStore, WithUpstreamProvider(&fakeProvider{}))
	require.NoError(t, err)
	_, err = dropped.Minter().VerifyAccessToken(tr.AccessToken)
	assert.Error(t, err)
}
