// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

package ciba

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authgate/authgate/pkg/clients"
	"github.com/authgate/authgate/pkg/networking"
	"github.com/authgate/authgate/pkg/oidc"
	"github.com/authgate/authgate/pkg/storage"
)

func pollClient() *clients.ClientInfo {
	return &clients.ClientInfo{
		ClientID:                     "bank-app",
		ClientType:                   clients.ClientTypeConfidential,
		GrantTypes:                   []string{oidc.GrantTypeCIBA},
		BackchannelTokenDeliveryMode: oidc.BackchannelDeliveryPoll,
	}
}

func newTestEngine(t *testing.T, cfg Config, catalogue []*clients.ClientInfo, opts ...EngineOption) (*Engine, storage.Storage) {
	t.Helper()

	store := storage.NewMemoryStorage(storage.WithCleanupInterval(time.Hour))
	t.Cleanup(func() { _ = store.Close() })

	provider, err := clients.NewInMemoryStore(catalogue...)
	require.NoError(t, err)

	return NewEngine(store, store, provider, cfg, opts...), store
}

func loopbackPool() *networking.ClientPool {
	builder := networking.NewHTTPClientBuilder().WithPrivateIPs(true).WithPlainHTTP(true)
	return networking.NewClientPool(builder, 0)
}

func TestInitiateDefaults(t *testing.T) {
	engine, store := newTestEngine(t, Config{}, []*clients.ClientInfo{pollClient()})
	ctx := context.Background()

	resp, err := engine.Initiate(ctx, pollClient(), InitiateParams{
		Scopes:    []string{"openid"},
		LoginHint: "alice@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(300), resp.ExpiresIn)
	assert.Equal(t, int64(5), resp.Interval)
	assert.GreaterOrEqual(t, len(resp.AuthReqID), 86, "auth_req_id must carry at least 512 bits")

	req, err := store.GetCIBARequest(ctx, resp.AuthReqID)
	require.NoError(t, err)
	assert.Equal(t, storage.CIBAPending, req.State)
	assert.Equal(t, "alice@example.com", req.SubjectHint)
	assert.Equal(t, oidc.BackchannelDeliveryPoll, req.DeliveryMode)
}

func TestInitiateRequiresExactlyOneHint(t *testing.T) {
	engine, _ := newTestEngine(t, Config{}, []*clients.ClientInfo{pollClient()})
	ctx := context.Background()

	_, err := engine.Initiate(ctx, pollClient(), InitiateParams{Scopes: []string{"openid"}})
	require.Error(t, err)

	_, err = engine.Initiate(ctx, pollClient(), InitiateParams{
		LoginHint:   "alice",
		IDTokenHint: "token",
	})
	require.Error(t, err)
	var oerr *oidc.Error
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, oidc.ErrCodeInvalidRequest, oerr.Code)
}

func TestInitiateUserCodeRequired(t *testing.T) {
	client := pollClient()
	client.BackchannelUserCodeParameter = true
	engine, _ := newTestEngine(t, Config{}, []*clients.ClientInfo{client})

	_, err := engine.Initiate(context.Background(), client, InitiateParams{LoginHint: "alice"})
	var oerr *oidc.Error
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, oidc.ErrCodeMissingUserCode, oerr.Code)

	_, err = engine.Initiate(context.Background(), client, InitiateParams{
		LoginHint: "alice",
		UserCode:  "1234",
	})
	assert.NoError(t, err)
}

func TestInitiatePingNeedsNotificationDetails(t *testing.T) {
	client := pollClient()
	client.BackchannelTokenDeliveryMode = oidc.BackchannelDeliveryPing
	engine, _ := newTestEngine(t, Config{}, []*clients.ClientInfo{client})

	_, err := engine.Initiate(context.Background(), client, InitiateParams{LoginHint: "alice"})
	require.Error(t, err)

	client.BackchannelClientNotificationEndpoint = "https://rp.example.com/cb-notify"
	_, err = engine.Initiate(context.Background(), client, InitiateParams{LoginHint: "alice"})
	require.Error(t, err, "client_notification_token is still missing")
}

func TestRequestedExpiryClamped(t *testing.T) {
	engine, store := newTestEngine(t, Config{MaxExpiry: 10 * time.Minute}, []*clients.ClientInfo{pollClient()})
	ctx := context.Background()

	resp, err := engine.Initiate(ctx, pollClient(), InitiateParams{
		LoginHint:       "alice",
		RequestedExpiry: time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(600), resp.ExpiresIn)

	req, err := store.GetCIBARequest(ctx, resp.AuthReqID)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), req.ExpiresAt, 5*time.Second)
}

func TestRedeemLifecycle(t *testing.T) {
	engine, store := newTestEngine(t, Config{}, []*clients.ClientInfo{pollClient()})
	ctx := context.Background()
	client := pollClient()

	resp, err := engine.Initiate(ctx, client, InitiateParams{
		Scopes:    []string{"openid"},
		LoginHint: "alice",
	})
	require.NoError(t, err)

	_, err = engine.Redeem(ctx, client, resp.AuthReqID)
	assert.ErrorIs(t, err, oidc.AuthorizationPending())

	// Polling again inside the interval doubles it.
	_, err = engine.Redeem(ctx, client, resp.AuthReqID)
	assert.ErrorIs(t, err, oidc.SlowDown())

	req, err := store.GetCIBARequest(ctx, resp.AuthReqID)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, req.PollInterval)

	require.NoError(t, engine.Complete(ctx, resp.AuthReqID, Outcome{
		Approved: true,
		Subject:  "u1",
		ACR:      "urn:mace:incommon:iap:silver",
	}))

	// The next-poll gate only applies while the request is pending.
	redeemed, err := engine.Redeem(ctx, client, resp.AuthReqID)
	require.NoError(t, err)
	assert.Equal(t, "u1", redeemed.Subject)
	assert.Equal(t, storage.CIBAAuthorized, redeemed.State)

	_, err = engine.Redeem(ctx, client, resp.AuthReqID)
	var oerr *oidc.Error
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, oidc.ErrCodeInvalidGrant, oerr.Code)
}

func TestRedeemExactlyOnce(t *testing.T) {
	engine, _ := newTestEngine(t, Config{}, []*clients.ClientInfo{pollClient()})
	ctx := context.Background()
	client := pollClient()

	resp, err := engine.Initiate(ctx, client, InitiateParams{LoginHint: "alice"})
	require.NoError(t, err)
	require.NoError(t, engine.Complete(ctx, resp.AuthReqID, Outcome{Approved: true, Subject: "u1"}))

	const pollers = 8
	errs := make(chan error, pollers)
	var wg sync.WaitGroup
	for i := 0; i < pollers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Redeem(ctx, client, resp.AuthReqID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	winners := 0
	for err := range errs {
		if err == nil {
			winners++
			continue
		}
		assert.ErrorIs(t, err, oidc.InvalidGrant(""))
	}
	assert.Equal(t, 1, winners, "concurrent polls convert the auth_req_id once")
}

func TestRedeemDenied(t *testing.T) {
	engine, _ := newTestEngine(t, Config{}, []*clients.ClientInfo{pollClient()})
	ctx := context.Background()
	client := pollClient()

	resp, err := engine.Initiate(ctx, client, InitiateParams{LoginHint: "alice"})
	require.NoError(t, err)
	require.NoError(t, engine.Complete(ctx, resp.AuthReqID, Outcome{Approved: false}))

	_, err = engine.Redeem(ctx, client, resp.AuthReqID)
	var oerr *oidc.Error
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, oidc.ErrCodeAccessDenied, oerr.Code)
}

func TestRedeemExpired(t *testing.T) {
	now := time.Now()
	engine, _ := newTestEngine(t, Config{}, []*clients.ClientInfo{pollClient()},
		WithClock(func() time.Time { return now }))
	ctx := context.Background()
	client := pollClient()

	resp, err := engine.Initiate(ctx, client, InitiateParams{LoginHint: "alice"})
	require.NoError(t, err)

	now = now.Add(6 * time.Minute)
	_, err = engine.Redeem(ctx, client, resp.AuthReqID)
	assert.ErrorIs(t, err, oidc.ExpiredToken())

	// Completion after expiry is refused.
	err = engine.Complete(ctx, resp.AuthReqID, Outcome{Approved: true, Subject: "u1"})
	assert.Error(t, err)
}

func TestRedeemWrongClient(t *testing.T) {
	other := pollClient()
	other.ClientID = "other-app"
	engine, _ := newTestEngine(t, Config{}, []*clients.ClientInfo{pollClient(), other})
	ctx := context.Background()

	resp, err := engine.Initiate(ctx, pollClient(), InitiateParams{LoginHint: "alice"})
	require.NoError(t, err)

	_, err = engine.Redeem(ctx, other, resp.AuthReqID)
	var oerr *oidc.Error
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, oidc.ErrCodeInvalidGrant, oerr.Code)
}

func TestLongPollingWakesOnCompletion(t *testing.T) {
	engine, _ := newTestEngine(t,
		Config{LongPolling: true, LongPollWait: 2 * time.Second},
		[]*clients.ClientInfo{pollClient()})
	ctx := context.Background()
	client := pollClient()

	resp, err := engine.Initiate(ctx, client, InitiateParams{LoginHint: "alice"})
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = engine.Complete(context.Background(), resp.AuthReqID, Outcome{Approved: true, Subject: "u1"})
	}()

	start := time.Now()
	redeemed, err := engine.Redeem(ctx, client, resp.AuthReqID)
	require.NoError(t, err)
	assert.Equal(t, "u1", redeemed.Subject)
	assert.Less(t, time.Since(start), time.Second, "the wait should end on completion, not on timeout")
}

func TestLongPollingTimesOut(t *testing.T) {
	engine, _ := newTestEngine(t,
		Config{LongPolling: true, LongPollWait: 50 * time.Millisecond},
		[]*clients.ClientInfo{pollClient()})
	ctx := context.Background()
	client := pollClient()

	resp, err := engine.Initiate(ctx, client, InitiateParams{LoginHint: "alice"})
	require.NoError(t, err)

	_, err = engine.Redeem(ctx, client, resp.AuthReqID)
	assert.ErrorIs(t, err, oidc.AuthorizationPending())
}

func TestPingNotification(t *testing.T) {
	var calls atomic.Int32
	var gotAuth atomic.Value
	var gotBody atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		gotAuth.Store(r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		gotBody.Store(body)
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(server.Close)

	client := pollClient()
	client.BackchannelTokenDeliveryMode = oidc.BackchannelDeliveryPing
	client.BackchannelClientNotificationEndpoint = server.URL

	engine, _ := newTestEngine(t, Config{}, []*clients.ClientInfo{client},
		WithClientPool(loopbackPool()))
	ctx := context.Background()

	resp, err := engine.Initiate(ctx, client, InitiateParams{
		LoginHint:               "alice",
		ClientNotificationToken: "notify-tok",
	})
	require.NoError(t, err)
	require.NoError(t, engine.Complete(ctx, resp.AuthReqID, Outcome{Approved: true, Subject: "u1"}))

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "Bearer notify-tok", gotAuth.Load())

	var payload map[string]string
	require.NoError(t, json.Unmarshal(gotBody.Load().([]byte), &payload))
	assert.Equal(t, resp.AuthReqID, payload["auth_req_id"])
}

type stubBuilder struct{}

func (stubBuilder) BuildTokenResponse(_ context.Context, _ *clients.ClientInfo, req *storage.CIBARequest) (any, error) {
	return map[string]string{"access_token": "tok-" + req.Subject, "token_type": "Bearer"}, nil
}

func TestPushDelivery(t *testing.T) {
	var gotBody atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody.Store(body)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	client := pollClient()
	client.BackchannelTokenDeliveryMode = oidc.BackchannelDeliveryPush
	client.BackchannelClientNotificationEndpoint = server.URL

	engine, store := newTestEngine(t, Config{}, []*clients.ClientInfo{client},
		WithClientPool(loopbackPool()), WithTokenResponseBuilder(stubBuilder{}))
	ctx := context.Background()

	resp, err := engine.Initiate(ctx, client, InitiateParams{
		LoginHint:               "alice",
		ClientNotificationToken: "notify-tok",
	})
	require.NoError(t, err)
	require.NoError(t, engine.Complete(ctx, resp.AuthReqID, Outcome{Approved: true, Subject: "u1"}))

	var payload map[string]string
	require.NoError(t, json.Unmarshal(gotBody.Load().([]byte), &payload))
	assert.Equal(t, "tok-u1", payload["access_token"])

	// Push consumed the request; polling it is refused outright.
	_, err = engine.Redeem(ctx, client, resp.AuthReqID)
	var oerr *oidc.Error
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, oidc.ErrCodeInvalidGrant, oerr.Code)

	req, err := store.GetCIBARequest(ctx, resp.AuthReqID)
	require.NoError(t, err)
	assert.True(t, req.Consumed)
}
