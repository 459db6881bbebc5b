// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStorageSuite exercises the Storage contract against any backend.
func runStorageSuite(t *testing.T, newStorage func(t *testing.T) Storage) {
	t.Helper()

	t.Run("TokenRegistry", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()

		status, err := s.GetStatus(ctx, "never-seen")
		require.NoError(t, err)
		assert.Equal(t, StatusActive, status, "unknown jti defaults to active")

		require.NoError(t, s.SetStatus(ctx, "jti-1", StatusRevoked, time.Minute))
		status, err = s.GetStatus(ctx, "jti-1")
		require.NoError(t, err)
		assert.Equal(t, StatusRevoked, status)

		// SetStatus is idempotent.
		require.NoError(t, s.SetStatus(ctx, "jti-1", StatusRevoked, time.Minute))
	})

	t.Run("TryConsumeSingleWinner", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()

		const workers = 16
		var wg sync.WaitGroup
		wins := make(chan bool, workers)
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.TryConsume(ctx, "jti-race", time.Minute)
				assert.NoError(t, err)
				wins <- ok
			}()
		}
		wg.Wait()
		close(wins)

		winners := 0
		for ok := range wins {
			if ok {
				winners++
			}
		}
		assert.Equal(t, 1, winners, "exactly one consumer wins the CAS")

		status, err := s.GetStatus(ctx, "jti-race")
		require.NoError(t, err)
		assert.Equal(t, StatusUsed, status)
	})

	t.Run("TryConsumeRevoked", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()

		require.NoError(t, s.SetStatus(ctx, "jti-revoked", StatusRevoked, time.Minute))
		ok, err := s.TryConsume(ctx, "jti-revoked", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("AuthorizationContextSingleUse", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()

		ac := &AuthorizationContext{
			ClientID:    "c1",
			RedirectURI: "https://a.example/cb",
			Scopes:      []string{"openid", "profile"},
			Subject:     "u1",
			ExpiresAt:   time.Now().Add(time.Minute),
		}
		require.NoError(t, s.PutAuthorizationContext(ctx, "code-1", ac))

		got, err := s.ConsumeAuthorizationContext(ctx, "code-1")
		require.NoError(t, err)
		assert.Equal(t, "c1", got.ClientID)
		assert.Equal(t, []string{"openid", "profile"}, got.Scopes)

		_, err = s.ConsumeAuthorizationContext(ctx, "code-1")
		assert.ErrorIs(t, err, ErrNotFound, "second consume fails")
	})

	t.Run("PushedRequestLifecycle", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()

		form := url.Values{"client_id": {"c1"}, "scope": {"openid"}}
		require.NoError(t, s.PutPushedRequest(ctx, "par-1", form, time.Minute))

		got, err := s.GetPushedRequest(ctx, "par-1")
		require.NoError(t, err)
		assert.Equal(t, "c1", got.Get("client_id"))

		// Get does not consume.
		got, err = s.ConsumePushedRequest(ctx, "par-1")
		require.NoError(t, err)
		assert.Equal(t, "openid", got.Get("scope"))

		_, err = s.ConsumePushedRequest(ctx, "par-1")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("CIBARequestLifecycle", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()

		req := &CIBARequest{
			AuthReqID:    "ar-1",
			ClientID:     "c1",
			Scopes:       []string{"openid"},
			State:        CIBAPending,
			DeliveryMode: "poll",
			PollInterval: 5 * time.Second,
			IssuedAt:     time.Now(),
			ExpiresAt:    time.Now().Add(5 * time.Minute),
		}
		require.NoError(t, s.PutCIBARequest(ctx, req))

		got, err := s.GetCIBARequest(ctx, "ar-1")
		require.NoError(t, err)
		assert.Equal(t, CIBAPending, got.State)

		got.State = CIBAAuthorized
		got.Subject = "u1"
		require.NoError(t, s.UpdateCIBARequest(ctx, got))

		got, err = s.GetCIBARequest(ctx, "ar-1")
		require.NoError(t, err)
		assert.Equal(t, CIBAAuthorized, got.State)
		assert.Equal(t, "u1", got.Subject)

		require.NoError(t, s.DeleteCIBARequest(ctx, "ar-1"))
		_, err = s.GetCIBARequest(ctx, "ar-1")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("DeviceGrantUserCodeIndex", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()

		grant := &DeviceGrant{
			DeviceCode:   "dev-1",
			UserCode:     "BCDF-GHJK",
			ClientID:     "c1",
			Scopes:       []string{"openid"},
			State:        DevicePending,
			PollInterval: 5 * time.Second,
			IssuedAt:     time.Now(),
			ExpiresAt:    time.Now().Add(10 * time.Minute),
		}
		require.NoError(t, s.PutDeviceGrant(ctx, grant))

		byUser, err := s.GetDeviceGrantByUserCode(ctx, "BCDF-GHJK")
		require.NoError(t, err)
		assert.Equal(t, "dev-1", byUser.DeviceCode)

		// Duplicate user codes are rejected.
		dup := *grant
		dup.DeviceCode = "dev-2"
		assert.ErrorIs(t, s.PutDeviceGrant(ctx, &dup), ErrAlreadyExists)

		require.NoError(t, s.DeleteDeviceGrant(ctx, "dev-1"))
		_, err = s.GetDeviceGrantByUserCode(ctx, "BCDF-GHJK")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("SessionAffectedClients", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()

		session := &AuthSession{
			SessionID: "sid-1",
			Subject:   "u1",
			AuthTime:  time.Now(),
			ExpiresAt: time.Now().Add(time.Hour),
		}
		require.NoError(t, s.PutSession(ctx, session))

		require.NoError(t, s.AddAffectedClient(ctx, "sid-1", "c1"))
		require.NoError(t, s.AddAffectedClient(ctx, "sid-1", "c2"))
		require.NoError(t, s.AddAffectedClient(ctx, "sid-1", "c1"), "duplicates collapse")

		got, err := s.GetSession(ctx, "sid-1")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"c1", "c2"}, got.AffectedClientIDs)

		require.NoError(t, s.DeleteSession(ctx, "sid-1"))
		_, err = s.GetSession(ctx, "sid-1")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("RegistrationHandleBinding", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()

		handle := &RegistrationHandle{TokenDigest: "digest-1", ClientID: "c1", IssuedAt: time.Now()}
		require.NoError(t, s.PutRegistrationHandle(ctx, handle))

		got, err := s.GetRegistrationHandle(ctx, "digest-1")
		require.NoError(t, err)
		assert.Equal(t, "c1", got.ClientID)

		require.NoError(t, s.DeleteRegistrationHandle(ctx, "digest-1"))
		_, err = s.GetRegistrationHandle(ctx, "digest-1")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("RateLimitCounters", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()

		for want := 1; want <= 3; want++ {
			count, err := s.IncrementCounter(ctx, "ip:10.0.0.1", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, want, count)
		}

		until := time.Now().Add(time.Minute)
		require.NoError(t, s.SetBackoff(ctx, "ip:10.0.0.1", until))

		got, err := s.GetBackoff(ctx, "ip:10.0.0.1")
		require.NoError(t, err)
		assert.WithinDuration(t, until, got, time.Second)

		missing, err := s.GetBackoff(ctx, "ip:other")
		require.NoError(t, err)
		assert.True(t, missing.IsZero())
	})
}
