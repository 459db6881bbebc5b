// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/authgate/authgate/pkg/authorize"
	"github.com/authgate/authgate/pkg/ciba"
	"github.com/authgate/authgate/pkg/clientauth"
	"github.com/authgate/authgate/pkg/clients"
	"github.com/authgate/authgate/pkg/device"
	"github.com/authgate/authgate/pkg/grants"
	"github.com/authgate/authgate/pkg/keys"
	"github.com/authgate/authgate/pkg/oidc"
	"github.com/authgate/authgate/pkg/registration"
	"github.com/authgate/authgate/pkg/session"
	"github.com/authgate/authgate/pkg/storage"
	"github.com/authgate/authgate/pkg/tokens"
)

const (
	testIssuer       = "https://auth.example"
	testClientID     = "web-app"
	testClientSecret = "correct-horse-battery-staple"
	testRedirectURI  = "https://rp.example.com/cb"
	testLogoutURI    = "https://rp.example.com/bye"
)

func testClient() *clients.ClientInfo {
	return &clients.ClientInfo{
		ClientID:                testClientID,
		ClientType:              clients.ClientTypeConfidential,
		TokenEndpointAuthMethod: oidc.AuthMethodClientSecretPost,
		RedirectURIs:            []string{testRedirectURI},
		PostLogoutRedirectURIs:  []string{testLogoutURI},
		GrantTypes: []string{
			oidc.GrantTypeAuthorizationCode,
			oidc.GrantTypeRefreshToken,
			oidc.GrantTypeClientCredentials,
			oidc.GrantTypeDeviceCode,
			oidc.GrantTypeCIBA,
		},
		AllowedScopes:        []string{"openid", "profile", "offline_access", "api"},
		OfflineAccessAllowed: true,
		Secrets: []clients.ClientSecret{{
			Sha256Digest: clients.HashSecretSHA256(testClientSecret),
			Sha512Digest: clients.HashSecretSHA512(testClientSecret),
		}},
	}
}

// approveAll signs every request in as a fixed end user, the way a host
// would after checking its own login state.
type approveAll struct {
	sessions storage.SessionStore
}

func (a *approveAll) Interact(ctx context.Context, req *authorize.Request) (*authorize.InteractionResult, error) {
	sess := &storage.AuthSession{
		SessionID: "sess-1",
		Subject:   "u1",
		AuthTime:  time.Now().Add(-time.Minute),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := a.sessions.PutSession(ctx, sess); err != nil {
		return nil, err
	}
	return authorize.Approved(sess, req.Scopes, nil), nil
}

type staticClaims map[string]any

func (c staticClaims) GetClaims(context.Context, string, []string, []string) (map[string]any, error) {
	return c, nil
}

type harness struct {
	ts     *httptest.Server
	tokens *tokens.Service
	store  storage.Storage
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()

	store := storage.NewMemoryStorage(storage.WithCleanupInterval(time.Hour))
	t.Cleanup(func() { _ = store.Close() })

	catalogue, err := clients.NewInMemoryStore(testClient())
	require.NoError(t, err)

	keySvc := keys.NewService(keys.NewGeneratingProvider(""))
	tokenSvc := tokens.NewService(testIssuer, keySvc, store)
	resolver := clients.NewJWKSResolver()
	t.Cleanup(resolver.Close)
	subjects := clients.NewSubjectResolver([]byte("salt"))

	fetcher := authorize.NewFetcher(resolver, store, testIssuer)
	pipeline := authorize.NewPipeline(catalogue, fetcher)
	authorizer := authorize.NewProcessor(pipeline, &approveAll{sessions: store}, tokenSvc, subjects, store)

	deviceEngine, err := device.NewEngine(store, store, store, device.Config{
		VerificationURI: "https://auth.example/device",
	})
	require.NoError(t, err)
	cibaEngine := ciba.NewEngine(store, store, catalogue, ciba.Config{})

	sessions := session.NewManager(store)
	deps := Dependencies{
		Authenticator: clientauth.New(catalogue, resolver, store, testIssuer, testIssuer+PathToken),
		Authorizer:    authorizer,
		Grants:        grants.NewDispatcher(tokenSvc, subjects, store, testIssuer+PathToken),
		Sessions:      sessions,
		EndSession:    session.NewProcessor(catalogue, store, tokenSvc),
		Tokens:        tokenSvc,
		Keys:          keySvc,
		Clients:       catalogue,
	}

	opts = append([]Option{
		WithCIBA(cibaEngine),
		WithDeviceGrant(deviceEngine),
		WithRegistration(registration.NewService(catalogue, store, tokenSvc, testIssuer+PathRegister)),
		WithUserInfo(staticClaims{"name": "Ada Lovelace"}),
	}, opts...)

	ts := httptest.NewServer(New(testIssuer, deps, opts...).Handler())
	t.Cleanup(ts.Close)
	return &harness{ts: ts, tokens: tokenSvc, store: store}
}

// noRedirect returns a client that surfaces 3xx responses instead of
// following them.
func noRedirect() *http.Client {
	return &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func decodeJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func postForm(t *testing.T, endpoint string, form url.Values) *http.Response {
	t.Helper()
	resp, err := http.PostForm(endpoint, form)
	require.NoError(t, err)
	return resp
}

// runCodeFlow drives a full authorization-code round-trip and returns
// the token response.
func runCodeFlow(t *testing.T, h *harness) map[string]any {
	t.Helper()

	verifier := oauth2.GenerateVerifier()
	challenge := oauth2.S256ChallengeFromVerifier(verifier)

	authURL := h.ts.URL + PathAuthorize + "?" + url.Values{
		oidc.ParamClientID:            {testClientID},
		oidc.ParamResponseType:        {oidc.ResponseTypeCode},
		oidc.ParamRedirectURI:         {testRedirectURI},
		oidc.ParamScope:               {"openid profile"},
		oidc.ParamState:               {"st-1"},
		oidc.ParamNonce:               {"n-1"},
		oidc.ParamCodeChallenge:       {challenge},
		oidc.ParamCodeChallengeMethod: {oidc.CodeChallengeMethodS256},
	}.Encode()

	resp, err := noRedirect().Get(authURL)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(location.String(), testRedirectURI))
	assert.Equal(t, "st-1", location.Query().Get(oidc.ParamState))
	code := location.Query().Get(oidc.ParamCode)
	require.NotEmpty(t, code)

	tokenResp := postForm(t, h.ts.URL+PathToken, url.Values{
		oidc.ParamGrantType:    {oidc.GrantTypeAuthorizationCode},
		oidc.ParamCode:         {code},
		oidc.ParamRedirectURI:  {testRedirectURI},
		oidc.ParamCodeVerifier: {verifier},
		oidc.ParamClientID:     {testClientID},
		oidc.ParamClientSecret: {testClientSecret},
	})
	require.Equal(t, http.StatusOK, tokenResp.StatusCode)
	return decodeJSON(t, tokenResp)
}

func TestDiscoveryDocument(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Get(h.ts.URL + PathDiscovery)
	require.NoError(t, err)
	doc := decodeJSON(t, resp)

	assert.Equal(t, testIssuer, doc["issuer"])
	assert.Equal(t, testIssuer+PathToken, doc["token_endpoint"])
	assert.Equal(t, testIssuer+PathRegister, doc["registration_endpoint"])
	assert.Equal(t, testIssuer+PathCIBA, doc["backchannel_authentication_endpoint"])
	assert.Contains(t, doc["grant_types_supported"], oidc.GrantTypeDeviceCode)
	assert.Contains(t, doc["grant_types_supported"], oidc.GrantTypeCIBA)
	assert.Contains(t, doc["code_challenge_methods_supported"], oidc.CodeChallengeMethodS256)
	assert.Equal(t, true, doc["backchannel_logout_supported"])
}

func TestJWKSServesKeys(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Get(h.ts.URL + PathJWKS)
	require.NoError(t, err)
	body := decodeJSON(t, resp)

	keyList, ok := body["keys"].([]any)
	require.True(t, ok)
	assert.NotEmpty(t, keyList)
}

func TestAuthorizationCodeFlow(t *testing.T) {
	h := newHarness(t)

	body := runCodeFlow(t, h)
	require.NotEmpty(t, body["access_token"])
	require.NotEmpty(t, body["id_token"])
	assert.Equal(t, oidc.TokenTypeBearer, body["token_type"])

	claims, err := h.tokens.Validate(context.Background(), body["access_token"].(string))
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject)
	assert.Equal(t, testClientID, claims.ClientID)
}

func TestTokenEndpointRejectsBadSecret(t *testing.T) {
	h := newHarness(t)

	resp := postForm(t, h.ts.URL+PathToken, url.Values{
		oidc.ParamGrantType:    {oidc.GrantTypeClientCredentials},
		oidc.ParamClientID:     {testClientID},
		oidc.ParamClientSecret: {"wrong"},
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("WWW-Authenticate"))
}

func TestRevocationAnswersOKForAnyToken(t *testing.T) {
	h := newHarness(t)

	resp := postForm(t, h.ts.URL+PathRevocation, url.Values{
		oidc.ParamClientID:     {testClientID},
		oidc.ParamClientSecret: {testClientSecret},
		oidc.ParamToken:        {"not-even-a-jwt"},
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRevocationKillsToken(t *testing.T) {
	h := newHarness(t)

	issued := postForm(t, h.ts.URL+PathToken, url.Values{
		oidc.ParamGrantType:    {oidc.GrantTypeClientCredentials},
		oidc.ParamScope:        {"api"},
		oidc.ParamClientID:     {testClientID},
		oidc.ParamClientSecret: {testClientSecret},
	})
	require.Equal(t, http.StatusOK, issued.StatusCode)
	token := decodeJSON(t, issued)["access_token"].(string)

	resp := postForm(t, h.ts.URL+PathRevocation, url.Values{
		oidc.ParamClientID:     {testClientID},
		oidc.ParamClientSecret: {testClientSecret},
		oidc.ParamToken:        {token},
	})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, err := h.tokens.Validate(context.Background(), token)
	assert.Error(t, err)
}

func TestIntrospectionDiscretion(t *testing.T) {
	h := newHarness(t)

	issued := postForm(t, h.ts.URL+PathToken, url.Values{
		oidc.ParamGrantType:    {oidc.GrantTypeClientCredentials},
		oidc.ParamScope:        {"api"},
		oidc.ParamClientID:     {testClientID},
		oidc.ParamClientSecret: {testClientSecret},
	})
	require.Equal(t, http.StatusOK, issued.StatusCode)
	token := decodeJSON(t, issued)["access_token"].(string)

	resp := postForm(t, h.ts.URL+PathIntrospection, url.Values{
		oidc.ParamClientID:     {testClientID},
		oidc.ParamClientSecret: {testClientSecret},
		oidc.ParamToken:        {token},
	})
	body := decodeJSON(t, resp)
	assert.Equal(t, true, body["active"])
	assert.Equal(t, testClientID, body["client_id"])
	assert.Equal(t, "api", body["scope"])

	// Garbage reads as inactive, never as an error.
	resp = postForm(t, h.ts.URL+PathIntrospection, url.Values{
		oidc.ParamClientID:     {testClientID},
		oidc.ParamClientSecret: {testClientSecret},
		oidc.ParamToken:        {"garbage"},
	})
	body = decodeJSON(t, resp)
	assert.Equal(t, false, body["active"])
	assert.NotContains(t, body, "sub")
}

func TestUserInfo(t *testing.T) {
	h := newHarness(t)
	access := runCodeFlow(t, h)["access_token"].(string)

	req, err := http.NewRequest(http.MethodGet, h.ts.URL+PathUserInfo, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+access)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeJSON(t, resp)
	assert.Equal(t, "u1", body["sub"])
	assert.Equal(t, "Ada Lovelace", body["name"])
}

func TestUserInfoWithoutToken(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Get(h.ts.URL + PathUserInfo)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Bearer")
}

func TestEndSessionRedirect(t *testing.T) {
	h := newHarness(t)
	idToken := runCodeFlow(t, h)["id_token"].(string)

	endURL := h.ts.URL + PathEndSession + "?" + url.Values{
		oidc.ParamIDTokenHint:        {idToken},
		oidc.ParamPostLogoutRedirect: {testLogoutURI},
		oidc.ParamState:              {"bye-1"},
	}.Encode()

	resp, err := noRedirect().Get(endURL)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(location.String(), testLogoutURI))
	assert.Equal(t, "bye-1", location.Query().Get(oidc.ParamState))
}

func TestCheckSessionIframe(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Get(h.ts.URL + PathCheckSession)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")

	page, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(page), "postMessage")
}

func TestDeviceAuthorizationEndpoint(t *testing.T) {
	h := newHarness(t)

	resp := postForm(t, h.ts.URL+PathDeviceAuthorization, url.Values{
		oidc.ParamClientID:     {testClientID},
		oidc.ParamClientSecret: {testClientSecret},
		oidc.ParamScope:        {"api"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeJSON(t, resp)
	assert.NotEmpty(t, body["device_code"])
	assert.NotEmpty(t, body["user_code"])
	assert.NotEmpty(t, body["verification_uri"])
}

func TestCIBAEndpoint(t *testing.T) {
	h := newHarness(t)

	resp := postForm(t, h.ts.URL+PathCIBA, url.Values{
		oidc.ParamClientID:     {testClientID},
		oidc.ParamClientSecret: {testClientSecret},
		oidc.ParamScope:        {"openid"},
		oidc.ParamLoginHint:    {"u1"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeJSON(t, resp)
	assert.NotEmpty(t, body["auth_req_id"])
	assert.NotZero(t, body["expires_in"])
}

func TestRegistrationLifecycle(t *testing.T) {
	h := newHarness(t)

	payload, err := json.Marshal(map[string]any{
		"redirect_uris": []string{"https://new.example.com/cb"},
		"client_name":   "Fresh RP",
	})
	require.NoError(t, err)

	resp, err := http.Post(h.ts.URL+PathRegister, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeJSON(t, resp)
	clientID := created["client_id"].(string)
	regToken := created["registration_access_token"].(string)

	read := func(token string) *http.Response {
		req, err := http.NewRequest(http.MethodGet, h.ts.URL+PathRegister+"/"+clientID, nil)
		require.NoError(t, err)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	got := read(regToken)
	require.Equal(t, http.StatusOK, got.StatusCode)
	assert.Equal(t, "Fresh RP", decodeJSON(t, got)["client_name"])

	denied := read("made-up")
	denied.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, denied.StatusCode)

	del, err := http.NewRequest(http.MethodDelete, h.ts.URL+PathRegister+"/"+clientID, nil)
	require.NoError(t, err)
	del.Header.Set("Authorization", "Bearer "+regToken)
	deleted, err := http.DefaultClient.Do(del)
	require.NoError(t, err)
	deleted.Body.Close()
	assert.Equal(t, http.StatusNoContent, deleted.StatusCode)
}

func TestRateLimitTripsAfterBudget(t *testing.T) {
	h := newHarness(t, WithRateLimit(2, time.Minute))

	statuses := make([]int, 0, 3)
	for range 3 {
		resp := postForm(t, h.ts.URL+PathToken, url.Values{
			oidc.ParamGrantType:    {oidc.GrantTypeClientCredentials},
			oidc.ParamScope:        {"api"},
			oidc.ParamClientID:     {testClientID},
			oidc.ParamClientSecret: {testClientSecret},
		})
		resp.Body.Close()
		statuses = append(statuses, resp.StatusCode)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, statuses)
}
