// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

package registration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authgate/authgate/pkg/clients"
	"github.com/authgate/authgate/pkg/keys"
	"github.com/authgate/authgate/pkg/oidc"
	"github.com/authgate/authgate/pkg/storage"
	"github.com/authgate/authgate/pkg/tokens"
)

const testRegistrationURI = "https://auth.example/connect/register"

type fixture struct {
	service   *Service
	catalogue *clients.InMemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStorage(storage.WithCleanupInterval(time.Hour))
	t.Cleanup(func() { _ = store.Close() })

	catalogue, err := clients.NewInMemoryStore()
	require.NoError(t, err)

	tokenSvc := tokens.NewService("https://auth.example", keys.NewService(keys.NewGeneratingProvider("")), store)
	return &fixture{
		service:   NewService(catalogue, store, tokenSvc, testRegistrationURI),
		catalogue: catalogue,
	}
}

func TestRegisterDefaults(t *testing.T) {
	f := newFixture(t)

	resp, err := f.service.Register(context.Background(), &Metadata{
		RedirectURIs: []string{"https://rp.example.com/cb"},
		ClientName:   "Example RP",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, resp.ClientID)
	assert.NotZero(t, resp.ClientIDIssuedAt)
	assert.Equal(t, oidc.AuthMethodClientSecretBasic, resp.TokenEndpointAuthMethod)
	assert.Equal(t, []string{oidc.GrantTypeAuthorizationCode}, resp.GrantTypes)
	assert.Equal(t, []string{oidc.ResponseTypeCode}, resp.ResponseTypes)
	assert.Equal(t, testRegistrationURI+"/"+resp.ClientID, resp.RegistrationClientURI)
	assert.NotEmpty(t, resp.ClientSecret)
	assert.NotEmpty(t, resp.RegistrationAccessToken)

	// The catalogue keeps digests, and the raw secret verifies against them.
	stored, err := f.catalogue.GetClient(context.Background(), resp.ClientID)
	require.NoError(t, err)
	assert.Equal(t, clients.ClientTypeConfidential, stored.ClientType)
	require.Len(t, stored.Secrets, 1)
	assert.Empty(t, stored.Secrets[0].Value, "basic auth keeps no raw secret")
	assert.True(t, clients.VerifySecret(stored, resp.ClientSecret, time.Now()))
}

func TestRegisterPublicClient(t *testing.T) {
	f := newFixture(t)

	resp, err := f.service.Register(context.Background(), &Metadata{
		RedirectURIs:            []string{"https://rp.example.com/cb"},
		TokenEndpointAuthMethod: oidc.AuthMethodNone,
	})
	require.NoError(t, err)
	assert.Empty(t, resp.ClientSecret)

	stored, err := f.catalogue.GetClient(context.Background(), resp.ClientID)
	require.NoError(t, err)
	assert.Equal(t, clients.ClientTypePublic, stored.ClientType)
	assert.Empty(t, stored.Secrets)
}

func TestRegisterKeepsRawSecretForHMAC(t *testing.T) {
	f := newFixture(t)

	resp, err := f.service.Register(context.Background(), &Metadata{
		RedirectURIs:            []string{"https://rp.example.com/cb"},
		TokenEndpointAuthMethod: oidc.AuthMethodClientSecretJWT,
	})
	require.NoError(t, err)

	stored, err := f.catalogue.GetClient(context.Background(), resp.ClientID)
	require.NoError(t, err)
	require.Len(t, stored.Secrets, 1)
	assert.Equal(t, resp.ClientSecret, stored.Secrets[0].Value,
		"HMAC client assertions need the original bytes")
}

func TestRegisterRejectsBadMetadata(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Register(ctx, &Metadata{
		RedirectURIs: []string{"not-absolute"},
	})
	assert.ErrorIs(t, err, oidc.NewError(oidc.ErrCodeInvalidRedirectURI, ""))

	_, err = f.service.Register(ctx, &Metadata{
		RedirectURIs: []string{"https://rp.example.com/cb"},
		SubjectType:  oidc.SubjectTypePairwise,
	})
	assert.ErrorIs(t, err, oidc.NewError(oidc.ErrCodeInvalidClientMetadata, ""),
		"pairwise without a sector identifier is refused")

	_, err = f.service.Register(ctx, &Metadata{
		RedirectURIs:             []string{"https://rp.example.com/cb"},
		IDTokenSignedResponseAlg: "EdDSA",
	})
	assert.ErrorIs(t, err, oidc.NewError(oidc.ErrCodeInvalidClientMetadata, ""))
}

func TestReadRequiresMatchingToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.service.Register(ctx, &Metadata{RedirectURIs: []string{"https://a.example.com/cb"}})
	require.NoError(t, err)
	second, err := f.service.Register(ctx, &Metadata{RedirectURIs: []string{"https://b.example.com/cb"}})
	require.NoError(t, err)

	got, err := f.service.Read(ctx, first.ClientID, first.RegistrationAccessToken)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example.com/cb"}, got.RedirectURIs)
	assert.Empty(t, got.ClientSecret, "the raw secret appears in the register response only")
	assert.Empty(t, got.RegistrationAccessToken)

	_, err = f.service.Read(ctx, first.ClientID, "made-up")
	assert.ErrorIs(t, err, oidc.NewError(oidc.ErrCodeInvalidToken, ""))

	// A valid token bound to another client is refused the same way.
	_, err = f.service.Read(ctx, first.ClientID, second.RegistrationAccessToken)
	assert.ErrorIs(t, err, oidc.NewError(oidc.ErrCodeInvalidToken, ""))

	_, err = f.service.Read(ctx, first.ClientID, "")
	assert.ErrorIs(t, err, oidc.NewError(oidc.ErrCodeInvalidToken, ""))
}

func TestUpdateReplacesMetadataKeepsCredentials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	registered, err := f.service.Register(ctx, &Metadata{
		RedirectURIs: []string{"https://rp.example.com/cb"},
		ClientName:   "Before",
	})
	require.NoError(t, err)

	updated, err := f.service.Update(ctx, registered.ClientID, registered.RegistrationAccessToken, &Metadata{
		ClientID:     registered.ClientID,
		RedirectURIs: []string{"https://rp.example.com/cb", "https://rp.example.com/cb2"},
		ClientName:   "After",
		GrantTypes:   []string{oidc.GrantTypeAuthorizationCode, oidc.GrantTypeRefreshToken},
	})
	require.NoError(t, err)
	assert.Equal(t, "After", updated.ClientName)
	assert.Len(t, updated.RedirectURIs, 2)

	stored, err := f.catalogue.GetClient(ctx, registered.ClientID)
	require.NoError(t, err)
	assert.True(t, clients.VerifySecret(stored, registered.ClientSecret, time.Now()),
		"the secret survives a metadata update")
	assert.False(t, stored.UpdatedAt.IsZero())

	// Bad metadata leaves the stored record untouched.
	_, err = f.service.Update(ctx, registered.ClientID, registered.RegistrationAccessToken, &Metadata{
		ClientID:     registered.ClientID,
		RedirectURIs: []string{"nope"},
	})
	require.Error(t, err)
	stored, err = f.catalogue.GetClient(ctx, registered.ClientID)
	require.NoError(t, err)
	assert.Equal(t, "After", stored.ClientName)
}

func TestUpdateBindsBodyClientID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	registered, err := f.service.Register(ctx, &Metadata{
		RedirectURIs: []string{"https://rp.example.com/cb"},
		ClientName:   "Honest RP",
	})
	require.NoError(t, err)

	// A body naming another client is refused even with a valid token.
	_, err = f.service.Update(ctx, registered.ClientID, registered.RegistrationAccessToken, &Metadata{
		ClientID:     "someone-else",
		RedirectURIs: []string{"https://rp.example.com/cb"},
		ClientName:   "Hijacked",
	})
	assert.ErrorIs(t, err, oidc.NewError(oidc.ErrCodeInvalidClientMetadata, ""))

	// So is a body that omits client_id entirely.
	_, err = f.service.Update(ctx, registered.ClientID, registered.RegistrationAccessToken, &Metadata{
		RedirectURIs: []string{"https://rp.example.com/cb"},
		ClientName:   "Hijacked",
	})
	assert.ErrorIs(t, err, oidc.NewError(oidc.ErrCodeInvalidClientMetadata, ""))

	stored, err := f.catalogue.GetClient(ctx, registered.ClientID)
	require.NoError(t, err)
	assert.Equal(t, "Honest RP", stored.ClientName)

	// The matching client_id goes through.
	updated, err := f.service.Update(ctx, registered.ClientID, registered.RegistrationAccessToken, &Metadata{
		ClientID:     registered.ClientID,
		RedirectURIs: []string{"https://rp.example.com/cb"},
		ClientName:   "Renamed RP",
	})
	require.NoError(t, err)
	assert.Equal(t, "Renamed RP", updated.ClientName)
}

func TestDeleteInvalidatesEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	registered, err := f.service.Register(ctx, &Metadata{
		RedirectURIs: []string{"https://rp.example.com/cb"},
	})
	require.NoError(t, err)

	require.NoError(t, f.service.Delete(ctx, registered.ClientID, registered.RegistrationAccessToken))

	_, err = f.catalogue.GetClient(ctx, registered.ClientID)
	assert.ErrorIs(t, err, clients.ErrClientNotFound)

	// The registration token died with the client.
	_, err = f.service.Read(ctx, registered.ClientID, registered.RegistrationAccessToken)
	assert.ErrorIs(t, err, oidc.NewError(oidc.ErrCodeInvalidToken, ""))
}
