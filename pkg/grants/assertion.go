// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

package grants

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/authgate/authgate/pkg/clients"
	"github.com/authgate/authgate/pkg/keys"
	"github.com/authgate/authgate/pkg/oidc"
	"github.com/authgate/authgate/pkg/tokens"
)

// Defaults for JWT-bearer assertion validation.
const (
	DefaultClockSkew = 5 * time.Minute
	DefaultMaxJWTAge = 10 * time.Minute
)

// TrustedIssuer describes an external issuer whose assertions the
// token endpoint exchanges for access tokens (RFC 7523 §2.1).
type TrustedIssuer struct {
	// Issuer must equal the assertion's iss claim.
	Issuer string

	// Exactly one key source. Remote sets are fetched through the
	// shared JWKS cache.
	JWKS    *jose.JSONWebKeySet
	JWKSURI string

	// AllowedAlgorithms narrows verification; empty means every
	// supported asymmetric algorithm.
	AllowedAlgorithms []string

	// RequireJTI is replay protection; on by default through
	// NewTrustedIssuer.
	RequireJTI bool
}

// NewTrustedIssuer builds a trusted issuer with replay protection on.
func NewTrustedIssuer(issuer, jwksURI string) TrustedIssuer {
	return TrustedIssuer{Issuer: issuer, JWKSURI: jwksURI, RequireJTI: true}
}

// trustedAssertionAlgorithms excludes the HS family: a trusted-issuer
// relationship is asymmetric by definition.
var trustedAssertionAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.PS256, jose.PS384, jose.PS512,
}

type bearerAssertionClaims struct {
	Issuer    string          `json:"iss"`
	Subject   string          `json:"sub"`
	Audience  tokens.Audience `json:"aud"`
	ExpiresAt int64           `json:"exp"`
	NotBefore int64           `json:"nbf,omitempty"`
	IssuedAt  int64           `json:"iat"`
	TokenID   string          `json:"jti,omitempty"`
	Scope     string          `json:"scope,omitempty"`
}

// jwtBearer exchanges a trusted issuer's assertion for tokens. The
// requesting client still authenticated normally; the assertion only
// carries the subject.
func (d *Dispatcher) jwtBearer(ctx context.Context, client *clients.ClientInfo, form url.Values) (*grantResult, error) {
	if len(d.trusted) == 0 {
		return nil, oidc.NewError(oidc.ErrCodeUnsupportedGrantType, "no trusted issuers are configured")
	}
	assertion := form.Get(oidc.ParamAssertion)
	if assertion == "" {
		return nil, oidc.InvalidRequest("assertion is required")
	}
	if len(assertion) > keys.MaxJWTSize {
		return nil, oidc.InvalidGrant("assertion exceeds the size bound")
	}

	issuer, err := unverifiedAssertionIssuer(assertion)
	if err != nil {
		return nil, oidc.InvalidGrant("malformed assertion")
	}
	trusted, found := d.trustedIssuer(issuer)
	if !found {
		return nil, oidc.InvalidGrant("assertion issuer is not trusted")
	}

	keySet, err := d.trustedKeys(ctx, trusted)
	if err != nil {
		return nil, oidc.ServerError("failed to resolve trusted issuer keys")
	}
	algs := trustedAssertionAlgorithms
	if len(trusted.AllowedAlgorithms) > 0 {
		algs = make([]jose.SignatureAlgorithm, 0, len(trusted.AllowedAlgorithms))
		for _, alg := range trusted.AllowedAlgorithms {
			algs = append(algs, jose.SignatureAlgorithm(alg))
		}
	}
	payload, err := keys.VerifyWithKeys(assertion, *keySet, algs)
	if err != nil {
		return nil, oidc.InvalidGrant("assertion signature verification failed")
	}

	claims, oerr := d.validateBearerAssertion(ctx, payload, trusted)
	if oerr != nil {
		return nil, oerr
	}

	scopes := splitScopes(form.Get(oidc.ParamScope))
	if len(scopes) == 0 {
		scopes = splitScopes(claims.Scope)
	}
	if oerr := scopesAllowed(client, scopes); oerr != nil {
		return nil, oerr
	}

	return &grantResult{
		subject:   d.subjects.Resolve(client, claims.Subject),
		scopes:    scopes,
		resources: form[oidc.ParamResource],
	}, nil
}

func (d *Dispatcher) trustedIssuer(issuer string) (TrustedIssuer, bool) {
	for _, t := range d.trusted {
		if t.Issuer == issuer {
			return t, true
		}
	}
	return TrustedIssuer{}, false
}

// trustedKeys routes through the client JWKS resolver so remote sets
// share its cache and single-flight behavior.
func (d *Dispatcher) trustedKeys(ctx context.Context, trusted TrustedIssuer) (*jose.JSONWebKeySet, error) {
	return d.resolver.Resolve(ctx, &clients.ClientInfo{
		ClientID: "trusted-issuer:" + trusted.Issuer,
		JWKS:     trusted.JWKS,
		JwksURI:  trusted.JWKSURI,
	})
}

// validateBearerAssertion enforces the RFC 7523 §3 profile with a
// strict audience and a bounded assertion age.
func (d *Dispatcher) validateBearerAssertion(ctx context.Context, payload []byte, trusted TrustedIssuer) (*bearerAssertionClaims, *oidc.Error) {
	var claims bearerAssertionClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, oidc.InvalidGrant("malformed assertion payload")
	}

	if claims.Issuer != trusted.Issuer {
		return nil, oidc.InvalidGrant("assertion issuer is not trusted")
	}
	if claims.Subject == "" {
		return nil, oidc.InvalidGrant("assertion subject is required")
	}
	if !claims.Audience.Contains(d.tokenEndpoint) {
		return nil, oidc.InvalidGrant("assertion audience must be the token endpoint")
	}

	now := d.now()
	if claims.ExpiresAt == 0 || now.After(time.Unix(claims.ExpiresAt, 0).Add(d.clockSkew)) {
		return nil, oidc.InvalidGrant("assertion expired")
	}
	if claims.NotBefore != 0 && now.Add(d.clockSkew).Before(time.Unix(claims.NotBefore, 0)) {
		return nil, oidc.InvalidGrant("assertion not yet valid")
	}
	if claims.IssuedAt == 0 {
		return nil, oidc.InvalidGrant("assertion iat is required")
	}
	issued := time.Unix(claims.IssuedAt, 0)
	if now.Add(d.clockSkew).Before(issued) {
		return nil, oidc.InvalidGrant("assertion issued in the future")
	}
	if now.After(issued.Add(d.maxJWTAge + d.clockSkew)) {
		return nil, oidc.InvalidGrant("assertion is too old")
	}

	if trusted.RequireJTI {
		if claims.TokenID == "" {
			return nil, oidc.InvalidGrant("assertion jti is required")
		}
		ttl := time.Until(time.Unix(claims.ExpiresAt, 0)) + d.clockSkew
		ok, err := d.registry.TryConsume(ctx, "ab:"+trusted.Issuer+":"+claims.TokenID, ttl)
		if err != nil {
			return nil, oidc.ServerError("failed to check assertion replay")
		}
		if !ok {
			return nil, oidc.InvalidGrant("assertion replay detected")
		}
	}
	return &claims, nil
}

// unverifiedAssertionIssuer peeks at iss to pick the trusted issuer
// whose keys verify the signature.
func unverifiedAssertionIssuer(assertion string) (string, error) {
	jws, err := jose.ParseSigned(assertion, trustedAssertionAlgorithms)
	if err != nil {
		return "", err
	}
	var claims struct {
		Issuer string `json:"iss"`
	}
	if err := json.Unmarshal(jws.UnsafePayloadWithoutVerification(), &claims); err != nil {
		return "", err
	}
	return claims.Issuer, nil
}
