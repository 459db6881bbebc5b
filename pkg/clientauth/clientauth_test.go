// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

package clientauth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authgate/authgate/pkg/clients"
	"github.com/authgate/authgate/pkg/oidc"
	"github.com/authgate/authgate/pkg/storage"
)

const (
	testIssuer        = "https://auth.example"
	testTokenEndpoint = "https://auth.example/connect/token"
)

func newAuthenticator(t *testing.T, catalogue ...*clients.ClientInfo) *Authenticator {
	t.Helper()

	store, err := clients.NewInMemoryStore(catalogue...)
	require.NoError(t, err)

	resolver := clients.NewJWKSResolver()
	t.Cleanup(resolver.Close)

	registry := storage.NewMemoryStorage(storage.WithCleanupInterval(time.Hour))
	t.Cleanup(func() { _ = registry.Close() })

	return New(store, resolver, registry, testIssuer, testTokenEndpoint)
}

func tokenRequest(t *testing.T, form url.Values, mods ...func(*http.Request)) *http.Request {
	t.Helper()

	r := httptest.NewRequest(http.MethodPost, testTokenEndpoint, strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for _, mod := range mods {
		mod(r)
	}
	return r
}

func basicClient() *clients.ClientInfo {
	return &clients.ClientInfo{
		ClientID:                "c1",
		ClientType:              clients.ClientTypeConfidential,
		TokenEndpointAuthMethod: oidc.AuthMethodClientSecretBasic,
		Secrets:                 []clients.ClientSecret{{Sha256Digest: clients.HashSecretSHA256("s3cret")}},
	}
}

func assertInvalidClient(t *testing.T, err error) {
	t.Helper()
	var oerr *oidc.Error
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, oidc.ErrCodeInvalidClient, oerr.Code)
}

func TestBasicAuthentication(t *testing.T) {
	a := newAuthenticator(t, basicClient())
	ctx := context.Background()

	r := tokenRequest(t, url.Values{}, func(r *http.Request) { r.SetBasicAuth("c1", "s3cret") })
	client, err := a.Authenticate(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, "c1", client.ClientID)

	r = tokenRequest(t, url.Values{}, func(r *http.Request) { r.SetBasicAuth("c1", "wrong") })
	_, err = a.Authenticate(ctx, r)
	assertInvalidClient(t, err)

	_, err = a.Authenticate(ctx, tokenRequest(t, url.Values{}))
	assertInvalidClient(t, err)
}

func TestBasicCredentialsURLEncoded(t *testing.T) {
	c := basicClient()
	c.ClientID = "client with space"
	c.Secrets = []clients.ClientSecret{{Sha256Digest: clients.HashSecretSHA256("p@ss=word")}}
	a := newAuthenticator(t, c)

	r := tokenRequest(t, url.Values{}, func(r *http.Request) {
		r.SetBasicAuth(url.QueryEscape("client with space"), url.QueryEscape("p@ss=word"))
	})
	client, err := a.Authenticate(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "client with space", client.ClientID)
}

func TestPostAuthentication(t *testing.T) {
	c := basicClient()
	c.TokenEndpointAuthMethod = oidc.AuthMethodClientSecretPost
	a := newAuthenticator(t, c)

	r := tokenRequest(t, url.Values{
		oidc.ParamClientID:     {"c1"},
		oidc.ParamClientSecret: {"s3cret"},
	})
	client, err := a.Authenticate(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "c1", client.ClientID)
}

func TestMethodMismatchFails(t *testing.T) {
	// Registered for basic, presented via post.
	a := newAuthenticator(t, basicClient())

	r := tokenRequest(t, url.Values{
		oidc.ParamClientID:     {"c1"},
		oidc.ParamClientSecret: {"s3cret"},
	})
	_, err := a.Authenticate(context.Background(), r)
	assertInvalidClient(t, err)
}

func TestTwoMethodsPresentedFails(t *testing.T) {
	a := newAuthenticator(t, basicClient())

	r := tokenRequest(t, url.Values{
		oidc.ParamClientID:     {"c1"},
		oidc.ParamClientSecret: {"s3cret"},
	}, func(r *http.Request) { r.SetBasicAuth("c1", "s3cret") })

	_, err := a.Authenticate(context.Background(), r)
	assertInvalidClient(t, err)
}

func TestConflictingIdentifiers(t *testing.T) {
	a := newAuthenticator(t, basicClient())

	r := tokenRequest(t, url.Values{
		oidc.ParamClientID: {"c2"},
	}, func(r *http.Request) { r.SetBasicAuth("c1", "s3cret") })

	_, err := a.Authenticate(context.Background(), r)
	assertInvalidClient(t, err)
}

func TestPublicClientNone(t *testing.T) {
	public := &clients.ClientInfo{
		ClientID:                "spa",
		ClientType:              clients.ClientTypePublic,
		TokenEndpointAuthMethod: oidc.AuthMethodNone,
	}
	a := newAuthenticator(t, public)
	ctx := context.Background()

	client, err := a.Authenticate(ctx, tokenRequest(t, url.Values{oidc.ParamClientID: {"spa"}}))
	require.NoError(t, err)
	assert.Equal(t, "spa", client.ClientID)

	// Credentials on a none client fail.
	r := tokenRequest(t, url.Values{
		oidc.ParamClientID:     {"spa"},
		oidc.ParamClientSecret: {"oops"},
	})
	_, err = a.Authenticate(ctx, r)
	assertInvalidClient(t, err)
}

func TestConfidentialDefaultsToBasic(t *testing.T) {
	c := basicClient()
	c.TokenEndpointAuthMethod = ""
	a := newAuthenticator(t, c)

	r := tokenRequest(t, url.Values{}, func(r *http.Request) { r.SetBasicAuth("c1", "s3cret") })
	_, err := a.Authenticate(context.Background(), r)
	assert.NoError(t, err)
}

// signAssertion builds a client assertion signed with the given key.
func signAssertion(t *testing.T, key *ecdsa.PrivateKey, claims map[string]any) string {
	t.Helper()

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.ES256, Key: key}, nil)
	require.NoError(t, err)
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	jws, err := signer.Sign(payload)
	require.NoError(t, err)
	token, err := jws.CompactSerialize()
	require.NoError(t, err)
	return token
}

func defaultAssertionClaims(clientID string) map[string]any {
	return map[string]any{
		"iss": clientID,
		"sub": clientID,
		"aud": testTokenEndpoint,
		"exp": time.Now().Add(time.Minute).Unix(),
		"iat": time.Now().Unix(),
		"jti": uuid.NewString(),
	}
}

func privateKeyJWTClient(t *testing.T) (*clients.ClientInfo, *ecdsa.PrivateKey) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	return &clients.ClientInfo{
		ClientID:                "jwt-client",
		ClientType:              clients.ClientTypeConfidential,
		TokenEndpointAuthMethod: oidc.AuthMethodPrivateKeyJWT,
		JWKS: &jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
			{Key: key.Public(), KeyID: "k1", Algorithm: "ES256", Use: "sig"},
		}},
	}, key
}

func assertionRequest(t *testing.T, assertion string) *http.Request {
	return tokenRequest(t, url.Values{
		oidc.ParamClientAssertion:     {assertion},
		oidc.ParamClientAssertionType: {oidc.ClientAssertionTypeJWTBearer},
	})
}

func TestPrivateKeyJWT(t *testing.T) {
	client, key := privateKeyJWTClient(t)
	a := newAuthenticator(t, client)
	ctx := context.Background()

	assertion := signAssertion(t, key, defaultAssertionClaims("jwt-client"))
	got, err := a.Authenticate(ctx, assertionRequest(t, assertion))
	require.NoError(t, err)
	assert.Equal(t, "jwt-client", got.ClientID)

	// Same jti again is a replay.
	_, err = a.Authenticate(ctx, assertionRequest(t, assertion))
	assertInvalidClient(t, err)
}

func TestPrivateKeyJWTClaimChecks(t *testing.T) {
	client, key := privateKeyJWTClient(t)
	a := newAuthenticator(t, client)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"wrong audience", func(m map[string]any) { m["aud"] = "https://elsewhere.example" }},
		{"issuer subject mismatch", func(m map[string]any) { m["sub"] = "someone-else" }},
		{"expired", func(m map[string]any) { m["exp"] = time.Now().Add(-time.Hour).Unix() }},
		{"future iat", func(m map[string]any) { m["iat"] = time.Now().Add(time.Hour).Unix() }},
		{"missing jti", func(m map[string]any) { delete(m, "jti") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims := defaultAssertionClaims("jwt-client")
			tt.mutate(claims)
			_, err := a.Authenticate(ctx, assertionRequest(t, signAssertion(t, key, claims)))
			assertInvalidClient(t, err)
		})
	}
}

func TestPrivateKeyJWTWrongKey(t *testing.T) {
	client, _ := privateKeyJWTClient(t)
	a := newAuthenticator(t, client)

	foreign, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	assertion := signAssertion(t, foreign, defaultAssertionClaims("jwt-client"))

	_, err = a.Authenticate(context.Background(), assertionRequest(t, assertion))
	assertInvalidClient(t, err)
}

func TestClientSecretJWT(t *testing.T) {
	secret := strings.Repeat("k", 32)
	client := &clients.ClientInfo{
		ClientID:                "hmac-client",
		ClientType:              clients.ClientTypeConfidential,
		TokenEndpointAuthMethod: oidc.AuthMethodClientSecretJWT,
		Secrets:                 []clients.ClientSecret{{Value: secret}},
	}
	a := newAuthenticator(t, client)

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: []byte(secret)}, nil)
	require.NoError(t, err)
	payload, err := json.Marshal(defaultAssertionClaims("hmac-client"))
	require.NoError(t, err)
	jws, err := signer.Sign(payload)
	require.NoError(t, err)
	assertion, err := jws.CompactSerialize()
	require.NoError(t, err)

	got, err := a.Authenticate(context.Background(), assertionRequest(t, assertion))
	require.NoError(t, err)
	assert.Equal(t, "hmac-client", got.ClientID)
}

func TestUnsupportedAssertionType(t *testing.T) {
	client, key := privateKeyJWTClient(t)
	a := newAuthenticator(t, client)

	r := tokenRequest(t, url.Values{
		oidc.ParamClientAssertion:     {signAssertion(t, key, defaultAssertionClaims("jwt-client"))},
		oidc.ParamClientAssertionType: {"urn:example:wrong"},
	})
	_, err := a.Authenticate(context.Background(), r)
	assertInvalidClient(t, err)
}

// selfSignedCert builds a certificate with the given identity.
func selfSignedCert(t *testing.T, cn string, dnsNames []string) *x509.Certificate {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		DNSNames:     dnsNames,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func withPeerCert(cert *x509.Certificate) func(*http.Request) {
	return func(r *http.Request) {
		r.TLS = &tls.ConnectionState{PeerCertificates: []*x509.Certificate{cert}}
	}
}

func TestTLSClientAuth(t *testing.T) {
	cert := selfSignedCert(t, "mtls-client", []string{"client.example"})

	client := &clients.ClientInfo{
		ClientID:                "mtls-client",
		ClientType:              clients.ClientTypeConfidential,
		TokenEndpointAuthMethod: oidc.AuthMethodTLSClientAuth,
		MTLS:                    &clients.MTLSAuth{SanDNS: "client.example"},
	}
	a := newAuthenticator(t, client)
	ctx := context.Background()

	form := url.Values{oidc.ParamClientID: {"mtls-client"}}
	got, err := a.Authenticate(ctx, tokenRequest(t, form, withPeerCert(cert)))
	require.NoError(t, err)
	assert.Equal(t, "mtls-client", got.ClientID)

	// No certificate presented.
	_, err = a.Authenticate(ctx, tokenRequest(t, form))
	assertInvalidClient(t, err)

	// Wrong SAN.
	stranger := selfSignedCert(t, "other", []string{"other.example"})
	_, err = a.Authenticate(ctx, tokenRequest(t, form, withPeerCert(stranger)))
	assertInvalidClient(t, err)
}

func TestTLSClientAuthSubjectDN(t *testing.T) {
	cert := selfSignedCert(t, "dn-client", nil)

	client := &clients.ClientInfo{
		ClientID:                "dn-client",
		ClientType:              clients.ClientTypeConfidential,
		TokenEndpointAuthMethod: oidc.AuthMethodTLSClientAuth,
		MTLS:                    &clients.MTLSAuth{SubjectDN: "CN=dn-client"},
	}
	a := newAuthenticator(t, client)

	got, err := a.Authenticate(context.Background(),
		tokenRequest(t, url.Values{oidc.ParamClientID: {"dn-client"}}, withPeerCert(cert)))
	require.NoError(t, err)
	assert.Equal(t, "dn-client", got.ClientID)
}

func TestSelfSignedTLSClientAuth(t *testing.T) {
	cert := selfSignedCert(t, "pinned", nil)
	thumb := sha256.Sum256(cert.Raw)

	client := &clients.ClientInfo{
		ClientID:                "pinned",
		ClientType:              clients.ClientTypeConfidential,
		TokenEndpointAuthMethod: oidc.AuthMethodSelfSignedTLSClientAuth,
		JWKS: &jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
			{Key: cert.PublicKey, KeyID: "pin-1", CertificateThumbprintSHA256: thumb[:]},
		}},
	}
	a := newAuthenticator(t, client)
	ctx := context.Background()

	form := url.Values{oidc.ParamClientID: {"pinned"}}
	got, err := a.Authenticate(ctx, tokenRequest(t, form, withPeerCert(cert)))
	require.NoError(t, err)
	assert.Equal(t, "pinned", got.ClientID)

	intruder := selfSignedCert(t, "pinned", nil)
	_, err = a.Authenticate(ctx, tokenRequest(t, form, withPeerCert(intruder)))
	assertInvalidClient(t, err)
}
