// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

// Package clientauth authenticates OAuth clients at the token-family
// endpoints. A dispatcher keyed by the client's registered
// token_endpoint_auth_method runs exactly one verification; presenting
// credentials for two methods at once fails outright.
package clientauth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/authgate/authgate/pkg/clients"
	"github.com/authgate/authgate/pkg/logger"
	"github.com/authgate/authgate/pkg/oidc"
	"github.com/authgate/authgate/pkg/storage"
)

// DefaultClockSkew is the tolerance on assertion timing claims.
const DefaultClockSkew = 5 * time.Minute

// invalidClient logs the concrete failure and returns the uniform
// protocol error. Probing clients learn nothing about which check
// tripped.
func invalidClient(reason string) *oidc.Error {
	logger.Debugw("client authentication failed", "reason", reason)
	return oidc.InvalidClient()
}

// Authenticator verifies client credentials against the catalogue.
type Authenticator struct {
	provider      clients.Provider
	resolver      *clients.JWKSResolver
	registry      storage.TokenRegistry
	tokenEndpoint string
	issuer        string
	clockSkew     time.Duration
	now           func() time.Time
}

// Option configures the authenticator.
type Option func(*Authenticator)

// WithClockSkew overrides DefaultClockSkew.
func WithClockSkew(skew time.Duration) Option {
	return func(a *Authenticator) { a.clockSkew = skew }
}

// WithClock substitutes the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) { a.now = now }
}

// New creates an authenticator. tokenEndpoint and issuer are the two
// audience values accepted on client assertions.
func New(provider clients.Provider, resolver *clients.JWKSResolver, registry storage.TokenRegistry,
	issuer, tokenEndpoint string, opts ...Option) *Authenticator {
	a := &Authenticator{
		provider:      provider,
		resolver:      resolver,
		registry:      registry,
		tokenEndpoint: tokenEndpoint,
		issuer:        issuer,
		clockSkew:     DefaultClockSkew,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// credentials is everything a request presented for authentication.
type credentials struct {
	basicID       string
	basicSecret   string
	postID        string
	postSecret    string
	assertion     string
	assertionType string
	peerCerts     []*x509.Certificate
}

// methodsPresented counts distinct credential kinds in the request.
func (c *credentials) methodsPresented() int {
	n := 0
	if c.basicSecret != "" {
		n++
	}
	if c.postSecret != "" {
		n++
	}
	if c.assertion != "" {
		n++
	}
	return n
}

func extractCredentials(r *http.Request) (*credentials, *oidc.Error) {
	c := &credentials{
		postID:        r.PostFormValue(oidc.ParamClientID),
		postSecret:    r.PostFormValue(oidc.ParamClientSecret),
		assertion:     r.PostFormValue(oidc.ParamClientAssertion),
		assertionType: r.PostFormValue(oidc.ParamClientAssertionType),
	}

	if user, pass, ok := r.BasicAuth(); ok {
		// RFC 6749 §2.3.1: both values are form-urlencoded inside the
		// Basic credentials.
		id, err := url.QueryUnescape(user)
		if err != nil {
			return nil, invalidClient("malformed basic credentials")
		}
		secret, err := url.QueryUnescape(pass)
		if err != nil {
			return nil, invalidClient("malformed basic credentials")
		}
		c.basicID = id
		c.basicSecret = secret
	}

	if r.TLS != nil {
		c.peerCerts = r.TLS.PeerCertificates
	}
	return c, nil
}

// clientID picks the asserted client identifier, failing on conflicts
// between sources.
func (c *credentials) clientID() (string, *oidc.Error) {
	id := ""
	for _, candidate := range []string{c.basicID, c.postID} {
		if candidate == "" {
			continue
		}
		if id != "" && id != candidate {
			return "", invalidClient("conflicting client identifiers")
		}
		id = candidate
	}
	return id, nil
}

// Authenticate verifies the request's credentials and returns the
// client. Failures are uniformly invalid_client so probing reveals
// nothing about which check failed.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*clients.ClientInfo, error) {
	creds, oerr := extractCredentials(r)
	if oerr != nil {
		return nil, oerr
	}
	if creds.methodsPresented() > 1 {
		return nil, invalidClient("multiple authentication methods presented")
	}

	// Assertions carry their own identity; resolve it first so the
	// catalogue lookup works without a client_id parameter.
	if creds.assertion != "" {
		return a.authenticateAssertion(ctx, creds)
	}

	clientID, oerr := creds.clientID()
	if oerr != nil {
		return nil, oerr
	}
	if clientID == "" {
		return nil, invalidClient("client identification missing")
	}

	client, err := a.provider.GetClient(ctx, clientID)
	if err != nil {
		return nil, invalidClient("client authentication failed")
	}

	switch a.registeredMethod(client) {
	case oidc.AuthMethodNone:
		if client.IsConfidential() || creds.methodsPresented() > 0 {
			return nil, invalidClient("client must not present credentials")
		}
		return client, nil

	case oidc.AuthMethodClientSecretBasic:
		if creds.basicSecret == "" || !clients.VerifySecret(client, creds.basicSecret, a.now()) {
			return nil, invalidClient("client authentication failed")
		}
		return client, nil

	case oidc.AuthMethodClientSecretPost:
		if creds.postSecret == "" || !clients.VerifySecret(client, creds.postSecret, a.now()) {
			return nil, invalidClient("client authentication failed")
		}
		return client, nil

	case oidc.AuthMethodTLSClientAuth:
		return a.authenticateMTLS(client, creds.peerCerts)

	case oidc.AuthMethodSelfSignedTLSClientAuth:
		return a.authenticateSelfSigned(ctx, client, creds.peerCerts)

	case oidc.AuthMethodClientSecretJWT, oidc.AuthMethodPrivateKeyJWT:
		// Registered for assertions but none arrived.
		return nil, invalidClient("client assertion required")

	default:
		logger.Warnw("client registered with unknown auth method",
			"client_id", client.ClientID,
			"method", client.TokenEndpointAuthMethod,
		)
		return nil, invalidClient("client authentication failed")
	}
}

// registeredMethod applies the OIDC default of client_secret_basic for
// confidential clients that never chose a method.
func (a *Authenticator) registeredMethod(client *clients.ClientInfo) string {
	if client.TokenEndpointAuthMethod != "" {
		return client.TokenEndpointAuthMethod
	}
	if client.IsConfidential() {
		return oidc.AuthMethodClientSecretBasic
	}
	return oidc.AuthMethodNone
}

func (a *Authenticator) authenticateMTLS(client *clients.ClientInfo, certs []*x509.Certificate) (*clients.ClientInfo, error) {
	if len(certs) == 0 || client.MTLS == nil {
		return nil, invalidClient("client certificate required")
	}
	cert := certs[0]
	opts := client.MTLS

	switch {
	case opts.SubjectDN != "" && cert.Subject.String() == opts.SubjectDN:
		return client, nil
	case opts.SanDNS != "" && containsString(cert.DNSNames, opts.SanDNS):
		return client, nil
	case opts.SanURI != "" && containsURI(cert.URIs, opts.SanURI):
		return client, nil
	case opts.SanIP != "" && containsIP(cert.IPAddresses, opts.SanIP):
		return client, nil
	case opts.SanEmail != "" && containsString(cert.EmailAddresses, opts.SanEmail):
		return client, nil
	}
	return nil, invalidClient("certificate does not match registered identity")
}

func (a *Authenticator) authenticateSelfSigned(ctx context.Context, client *clients.ClientInfo, certs []*x509.Certificate) (*clients.ClientInfo, error) {
	if len(certs) == 0 {
		return nil, invalidClient("client certificate required")
	}
	keySet, err := a.resolver.Resolve(ctx, client)
	if err != nil {
		return nil, invalidClient("client has no registered certificates")
	}

	thumb := sha256.Sum256(certs[0].Raw)
	for _, key := range keySet.Keys {
		if len(key.CertificateThumbprintSHA256) > 0 &&
			subtle.ConstantTimeCompare(key.CertificateThumbprintSHA256, thumb[:]) == 1 {
			return client, nil
		}
		for _, pinned := range key.Certificates {
			if pinned.Equal(certs[0]) {
				return client, nil
			}
		}
	}
	return nil, invalidClient("certificate thumbprint not pinned")
}

func containsString(haystack []string, needle string) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

func containsURI(uris []*url.URL, needle string) bool {
	for _, u := range uris {
		if u.String() == needle {
			return true
		}
	}
	return false
}

func containsIP(ips []net.IP, needle string) bool {
	for _, ip := range ips {
		if ip.String() == needle {
			return true
		}
	}
	return false
}
