// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authgate/authgate/pkg/clients"
	"github.com/authgate/authgate/pkg/keys"
	"github.com/authgate/authgate/pkg/networking"
	"github.com/authgate/authgate/pkg/oidc"
	"github.com/authgate/authgate/pkg/storage"
	"github.com/authgate/authgate/pkg/tokens"
)

const testIssuer = "https://auth.example"

func loopbackPool() *networking.ClientPool {
	builder := networking.NewHTTPClientBuilder().WithPrivateIPs(true).WithPlainHTTP(true)
	return networking.NewClientPool(builder, 0)
}

func newStore(t *testing.T) storage.Storage {
	t.Helper()
	store := storage.NewMemoryStorage(storage.WithCleanupInterval(time.Hour))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCookieDefaults(t *testing.T) {
	cookie := CookieConfig{}.withDefaults()
	assert.Equal(t, "AuthGate.SessionId", cookie.Name)
	assert.Equal(t, "/", cookie.Path)
	assert.Equal(t, http.SameSiteNoneMode, cookie.SameSite)
}

func TestCookieRoundTrip(t *testing.T) {
	cookie := CookieConfig{}.withDefaults()

	rec := httptest.NewRecorder()
	cookie.Write(rec, "sess-1", time.Now().Add(time.Hour))

	written := rec.Result().Cookies()
	require.Len(t, written, 1)
	assert.Equal(t, "AuthGate.SessionId", written[0].Name)
	assert.Equal(t, "sess-1", written[0].Value)
	assert.True(t, written[0].Secure, "SameSite=None requires Secure")
	assert.True(t, written[0].HttpOnly)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(written[0])
	got, ok := cookie.Read(req)
	require.True(t, ok)
	assert.Equal(t, "sess-1", got)

	rec = httptest.NewRecorder()
	cookie.Clear(rec)
	cleared := rec.Result().Cookies()
	require.Len(t, cleared, 1)
	assert.Negative(t, cleared[0].MaxAge)
}

func TestManagerLifecycle(t *testing.T) {
	store := newStore(t)
	manager := NewManager(store)
	ctx := context.Background()

	rec := httptest.NewRecorder()
	session, err := manager.Establish(ctx, rec, EstablishParams{Subject: "u1", ACR: "urn:mfa"})
	require.NoError(t, err)
	assert.NotEmpty(t, session.SessionID)
	assert.Equal(t, "u1", session.Subject)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}
	resolved, err := manager.Resolve(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, session.SessionID, resolved.SessionID)

	require.NoError(t, manager.Bind(ctx, session.SessionID, "web-app"))
	resolved, err = manager.Resolve(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, []string{"web-app"}, resolved.AffectedClientIDs)

	require.NoError(t, manager.Terminate(ctx, httptest.NewRecorder(), session.SessionID))
	_, err = manager.Resolve(ctx, req)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestResolveWithoutCookie(t *testing.T) {
	manager := NewManager(newStore(t))
	_, err := manager.Resolve(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

type logoutFixture struct {
	processor *Processor
	tokens    *tokens.Service
	store     storage.Storage
	catalogue *clients.InMemoryStore
}

func newLogoutFixture(t *testing.T, seed ...*clients.ClientInfo) *logoutFixture {
	t.Helper()
	store := newStore(t)
	catalogue, err := clients.NewInMemoryStore(seed...)
	require.NoError(t, err)
	tokenSvc := tokens.NewService(testIssuer, keys.NewService(keys.NewGeneratingProvider("")), store)
	return &logoutFixture{
		processor: NewProcessor(catalogue, store, tokenSvc, WithClientPool(loopbackPool())),
		tokens:    tokenSvc,
		store:     store,
		catalogue: catalogue,
	}
}

func (f *logoutFixture) seedSession(t *testing.T, affected ...string) *storage.AuthSession {
	t.Helper()
	session := &storage.AuthSession{
		SessionID:         "sess-1",
		Subject:           "u1",
		AuthTime:          time.Now(),
		AffectedClientIDs: affected,
		ExpiresAt:         time.Now().Add(time.Hour),
	}
	require.NoError(t, f.store.PutSession(context.Background(), session))
	return session
}

func TestEndSessionRedirectWithState(t *testing.T) {
	client := &clients.ClientInfo{
		ClientID:               "web-app",
		ClientType:             clients.ClientTypeConfidential,
		PostLogoutRedirectURIs: []string{"https://rp.example.com/bye"},
	}
	f := newLogoutFixture(t, client)
	f.seedSession(t, "web-app")

	resp, err := f.processor.EndSession(context.Background(), &EndSessionRequest{
		ClientID:              "web-app",
		PostLogoutRedirectURI: "https://rp.example.com/bye",
		State:                 "xyz",
		SessionID:             "sess-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://rp.example.com/bye?state=xyz", resp.RedirectURI)

	_, err = f.store.GetSession(context.Background(), "sess-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestEndSessionRejectsBadHint(t *testing.T) {
	f := newLogoutFixture(t)
	_, err := f.processor.EndSession(context.Background(), &EndSessionRequest{
		IDTokenHint: "not-a-jwt",
	})
	assert.ErrorIs(t, err, oidc.InvalidRequest(""))
}

func TestEndSessionHintDrivesClientAndSession(t *testing.T) {
	client := &clients.ClientInfo{
		ClientID:               "web-app",
		ClientType:             clients.ClientTypeConfidential,
		PostLogoutRedirectURIs: []string{"https://rp.example.com/bye"},
	}
	f := newLogoutFixture(t, client)
	f.seedSession(t, "web-app")
	ctx := context.Background()

	hint, err := f.tokens.MintIDToken(ctx, tokens.IDTokenParams{
		Client:    client,
		Subject:   "u1",
		SessionID: "sess-1",
	})
	require.NoError(t, err)

	// A conflicting client_id is refused.
	_, err = f.processor.EndSession(ctx, &EndSessionRequest{
		IDTokenHint: hint,
		ClientID:    "someone-else",
	})
	assert.ErrorIs(t, err, oidc.InvalidRequest(""))

	// The hint alone identifies both the client and the session.
	resp, err := f.processor.EndSession(ctx, &EndSessionRequest{
		IDTokenHint:           hint,
		PostLogoutRedirectURI: "https://rp.example.com/bye",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://rp.example.com/bye", resp.RedirectURI)
	_, err = f.store.GetSession(ctx, "sess-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestEndSessionUnregisteredPostLogoutURI(t *testing.T) {
	client := &clients.ClientInfo{
		ClientID:               "web-app",
		ClientType:             clients.ClientTypeConfidential,
		PostLogoutRedirectURIs: []string{"https://rp.example.com/bye"},
	}
	f := newLogoutFixture(t, client)

	_, err := f.processor.EndSession(context.Background(), &EndSessionRequest{
		ClientID:              "web-app",
		PostLogoutRedirectURI: "https://rp.example.com/other",
	})
	assert.ErrorIs(t, err, oidc.InvalidRequest(""))

	_, err = f.processor.EndSession(context.Background(), &EndSessionRequest{
		PostLogoutRedirectURI: "https://rp.example.com/bye",
	})
	assert.ErrorIs(t, err, oidc.InvalidRequest(""), "redirect without a client identity is refused")
}

func TestLogoutFanout(t *testing.T) {
	var received atomic.Value
	backChannel := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		received.Store(r.PostForm.Get(oidc.ParamLogoutToken))
		w.WriteHeader(http.StatusOK)
	}))
	defer backChannel.Close()

	back := &clients.ClientInfo{
		ClientID:                         "back-rp",
		ClientType:                       clients.ClientTypeConfidential,
		BackChannelLogoutURI:             backChannel.URL,
		BackChannelLogoutSessionRequired: true,
	}
	front := &clients.ClientInfo{
		ClientID:                          "front-rp",
		ClientType:                        clients.ClientTypeConfidential,
		FrontChannelLogoutURI:             "https://front.example.com/logout",
		FrontChannelLogoutSessionRequired: true,
	}
	f := newLogoutFixture(t, back, front)
	f.seedSession(t, "back-rp", "front-rp")
	ctx := context.Background()

	resp, err := f.processor.EndSession(ctx, &EndSessionRequest{SessionID: "sess-1"})
	require.NoError(t, err)
	assert.Empty(t, resp.RedirectURI)

	require.Len(t, resp.FrontChannelURIs, 1)
	assert.Equal(t,
		"https://front.example.com/logout?iss=https%3A%2F%2Fauth.example&sid=sess-1",
		resp.FrontChannelURIs[0])

	logoutToken, _ := received.Load().(string)
	require.NotEmpty(t, logoutToken, "one POST lands at the back-channel URI")

	claims, err := f.tokens.Validate(ctx, logoutToken)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject)
	assert.Equal(t, "sess-1", claims.SessionID)
	assert.True(t, claims.Audience.Contains("back-rp"))
	assert.Contains(t, claims.Events, oidc.BackchannelLogoutEvent)
	assert.Empty(t, claims.Nonce, "logout tokens never carry a nonce")
}

func TestLogoutFanoutContinuesPastFailures(t *testing.T) {
	var calls atomic.Int32
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	broken := &clients.ClientInfo{
		ClientID:             "broken-rp",
		ClientType:           clients.ClientTypeConfidential,
		BackChannelLogoutURI: failing.URL,
	}
	front := &clients.ClientInfo{
		ClientID:              "front-rp",
		ClientType:            clients.ClientTypeConfidential,
		FrontChannelLogoutURI: "https://front.example.com/logout",
	}
	f := newLogoutFixture(t, broken, front)
	f.seedSession(t, "broken-rp", "missing-rp", "front-rp")

	resp, err := f.processor.EndSession(context.Background(), &EndSessionRequest{SessionID: "sess-1"})
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load(), "the failed POST is retried once")
	assert.Equal(t, []string{"https://front.example.com/logout"}, resp.FrontChannelURIs,
		"remaining notifications still go out")
}

func TestEndSessionDeadSessionIsNoOp(t *testing.T) {
	f := newLogoutFixture(t)
	resp, err := f.processor.EndSession(context.Background(), &EndSessionRequest{SessionID: "ghost"})
	require.NoError(t, err)
	assert.Empty(t, resp.RedirectURI)
	assert.Empty(t, resp.FrontChannelURIs)
}

func TestCheckSessionPage(t *testing.T) {
	page, err := CheckSessionPage(CookieConfig{})
	require.NoError(t, err)
	assert.Contains(t, string(page), "AuthGate.SessionId")
	assert.Contains(t, string(page), "postMessage")
}
