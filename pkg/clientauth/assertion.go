// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

package clientauth

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/authgate/authgate/pkg/clients"
	"github.com/authgate/authgate/pkg/keys"
	"github.com/authgate/authgate/pkg/oidc"
	"github.com/authgate/authgate/pkg/tokens"
)

// asymmetricAlgorithms for private_key_jwt. The HS family is excluded:
// a shared-secret signature must never satisfy an asymmetric method.
var asymmetricAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.PS256, jose.PS384, jose.PS512,
}

// assertionClaims is the subset of JWT claims a client assertion must
// carry.
type assertionClaims struct {
	Issuer    string          `json:"iss"`
	Subject   string          `json:"sub"`
	Audience  tokens.Audience `json:"aud"`
	ExpiresAt int64           `json:"exp"`
	NotBefore int64           `json:"nbf,omitempty"`
	IssuedAt  int64           `json:"iat,omitempty"`
	TokenID   string          `json:"jti"`
}

// authenticateAssertion handles client_secret_jwt and private_key_jwt.
// The assertion identifies the client through iss/sub, so no client_id
// parameter is needed.
func (a *Authenticator) authenticateAssertion(ctx context.Context, creds *credentials) (*clients.ClientInfo, error) {
	if creds.assertionType != oidc.ClientAssertionTypeJWTBearer {
		return nil, invalidClient("unsupported client_assertion_type")
	}

	// The issuer is readable without verification; it selects the
	// client whose keys then verify the signature.
	issuer, err := unverifiedIssuer(creds.assertion)
	if err != nil {
		return nil, invalidClient("malformed client assertion")
	}
	if explicit, oerr := creds.clientID(); oerr != nil {
		return nil, oerr
	} else if explicit != "" && explicit != issuer {
		return nil, invalidClient("conflicting client identifiers")
	}

	client, err := a.provider.GetClient(ctx, issuer)
	if err != nil {
		return nil, invalidClient("client authentication failed")
	}

	var payload []byte
	switch a.registeredMethod(client) {
	case oidc.AuthMethodClientSecretJWT:
		secret := clients.SymmetricKey(client, a.now())
		if secret == nil {
			return nil, invalidClient("client has no secret usable for HMAC assertions")
		}
		payload, err = keys.VerifyWithSecret(creds.assertion, secret)

	case oidc.AuthMethodPrivateKeyJWT:
		keySet, rerr := a.resolver.Resolve(ctx, client)
		if rerr != nil {
			return nil, invalidClient("client has no registered keys")
		}
		algs := asymmetricAlgorithms
		if alg := client.TokenEndpointAuthSigningAlg; alg != "" {
			algs = []jose.SignatureAlgorithm{jose.SignatureAlgorithm(alg)}
		}
		payload, err = keys.VerifyWithKeys(creds.assertion, *keySet, algs)

	default:
		return nil, invalidClient("client is not registered for assertion authentication")
	}
	if err != nil {
		return nil, invalidClient("client assertion verification failed")
	}

	if oerr := a.validateAssertionClaims(ctx, payload, client.ClientID); oerr != nil {
		return nil, oerr
	}
	return client, nil
}

// validateAssertionClaims enforces the RFC 7523 profile: iss = sub =
// client_id, audience names this server, timing within skew, and a
// one-time jti.
func (a *Authenticator) validateAssertionClaims(ctx context.Context, payload []byte, clientID string) *oidc.Error {
	var claims assertionClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return invalidClient("malformed client assertion")
	}

	if claims.Issuer != clientID || claims.Subject != clientID {
		return invalidClient("assertion issuer and subject must be the client")
	}
	if !claims.Audience.Contains(a.tokenEndpoint) && !claims.Audience.Contains(a.issuer) {
		return invalidClient("assertion audience does not name this server")
	}

	now := a.now()
	if claims.ExpiresAt == 0 || now.After(time.Unix(claims.ExpiresAt, 0).Add(a.clockSkew)) {
		return invalidClient("assertion expired")
	}
	if claims.NotBefore != 0 && now.Add(a.clockSkew).Before(time.Unix(claims.NotBefore, 0)) {
		return invalidClient("assertion not yet valid")
	}
	if claims.IssuedAt != 0 && now.Add(a.clockSkew).Before(time.Unix(claims.IssuedAt, 0)) {
		return invalidClient("assertion issued in the future")
	}

	if claims.TokenID == "" {
		return invalidClient("assertion jti is required")
	}
	ttl := time.Until(time.Unix(claims.ExpiresAt, 0)) + a.clockSkew
	ok, err := a.registry.TryConsume(ctx, assertionJTIKey(clientID, claims.TokenID), ttl)
	if err != nil {
		return oidc.ServerError("failed to check assertion replay")
	}
	if !ok {
		return invalidClient("assertion replay detected")
	}
	return nil
}

// assertionJTIKey namespaces assertion jtis per client so two clients
// can coincidentally pick the same identifier.
func assertionJTIKey(clientID, jti string) string {
	return "ca:" + clientID + ":" + jti
}

// unverifiedIssuer peeks at the iss claim before signature checks.
func unverifiedIssuer(assertion string) (string, error) {
	if len(assertion) > keys.MaxJWTSize {
		return "", keys.ErrTokenTooLarge
	}
	jws, err := jose.ParseSigned(assertion, keys.SupportedSignatureAlgorithms)
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
