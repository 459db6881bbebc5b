// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

package grants

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/url"

	"golang.org/x/oauth2"

	"github.com/authgate/authgate/pkg/clients"
	"github.com/authgate/authgate/pkg/oidc"
	"github.com/authgate/authgate/pkg/tokens"
)

// authorizationCode redeems a code minted by the authorization
// pipeline. The consume is atomic; a second redemption of the same
// code finds nothing.
func (d *Dispatcher) authorizationCode(ctx context.Context, client *clients.ClientInfo, form url.Values) (*grantResult, error) {
	code := form.Get(oidc.ParamCode)
	if code == "" {
		return nil, oidc.InvalidRequest("code is required")
	}

	authCtx, err := d.contexts.ConsumeAuthorizationContext(ctx, code)
	if err != nil {
		return nil, oidc.InvalidGrant("unknown or already redeemed code")
	}
	if authCtx.ClientID != client.ClientID {
		return nil, oidc.InvalidGrant("code was issued to another client")
	}
	if !d.now().Before(authCtx.ExpiresAt) {
		return nil, oidc.InvalidGrant("code expired")
	}

	// RFC 6749 §4.1.3: byte equality with the authorization request.
	if form.Get(oidc.ParamRedirectURI) != authCtx.RedirectURI {
		return nil, oidc.InvalidGrant("redirect_uri does not match the authorization request")
	}

	if oerr := verifyPKCE(client, authCtx.CodeChallenge, authCtx.CodeChallengeMethod, form.Get(oidc.ParamCodeVerifier)); oerr != nil {
		return nil, oerr
	}

	return &grantResult{
		subject:     authCtx.Subject,
		scopes:      authCtx.Scopes,
		resources:   authCtx.Resources,
		sessionID:   authCtx.SessionID,
		acr:         authCtx.ACR,
		authTime:    authCtx.AuthTime,
		nonce:       authCtx.Nonce,
		mintRefresh: wantsRefreshToken(client, authCtx.Scopes),
	}, nil
}

// verifyPKCE checks the verifier against the stored challenge using
// the method the authorization request declared.
func verifyPKCE(client *clients.ClientInfo, challenge, method, verifier string) *oidc.Error {
	if challenge == "" {
		if client.PKCE.Required {
			return oidc.InvalidGrant("this client requires PKCE")
		}
		return nil
	}
	if verifier == "" {
		return oidc.InvalidGrant("code_verifier is required")
	}
	if len(verifier) < 43 || len(verifier) > 128 {
		return oidc.InvalidGrant("code_verifier length is out of range")
	}

	switch method {
	case oidc.CodeChallengeMethodS256:
		computed := oauth2.S256ChallengeFromVerifier(verifier)
		if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
			return oidc.InvalidGrant("code_verifier does not match the challenge")
		}
	case oidc.CodeChallengeMethodPlain:
		if !client.PKCE.PlainAllowed {
			return oidc.InvalidGrant("the plain code_challenge_method is not allowed for this client")
		}
		if subtle.ConstantTimeCompare([]byte(verifier), []byte(challenge)) != 1 {
			return oidc.InvalidGrant("code_verifier does not match the challenge")
		}
	default:
		return oidc.InvalidGrant("unsupported code_challenge_method")
	}
	return nil
}

// refreshToken rotates a refresh chain and grants the intersection of
// the chain's scopes with the request's scope parameter.
func (d *Dispatcher) refreshToken(ctx context.Context, client *clients.ClientInfo, form url.Values) (*grantResult, error) {
	presented := form.Get(oidc.ParamRefreshToken)
	if presented == "" {
		return nil, oidc.InvalidRequest("refresh_token is required")
	}

	claims, err := d.tokens.Validate(ctx, presented)
	if err != nil {
		return nil, oidc.InvalidGrant("refresh token is invalid")
	}
	if claims.ClientID != client.ClientID {
		return nil, oidc.InvalidGrant("refresh token was issued to another client")
	}

	chainScopes := splitScopes(claims.Scope)
	granted := chainScopes
	if requested := splitScopes(form.Get(oidc.ParamScope)); len(requested) > 0 {
		granted = intersectScopes(chainScopes, requested)
		if len(granted) == 0 {
			return nil, oidc.InvalidScope("requested scopes are outside the original grant")
		}
	}

	rotated, rotatedClaims, err := d.tokens.Rotate(ctx, claims, client, granted)
	if err != nil {
		switch {
		case errors.Is(err, tokens.ErrReplayDetected),
			errors.Is(err, tokens.ErrChainExpired),
			errors.Is(err, tokens.ErrTokenRevoked):
			return nil, oidc.InvalidGrant("refresh token can no longer be redeemed")
		default:
			return nil, oidc.ServerError("failed to rotate refresh token")
		}
	}

	return &grantResult{
		subject:        claims.Subject,
		scopes:         granted,
		sessionID:      rotatedClaims.SessionID,
		rotatedRefresh: rotated,
	}, nil
}

// intersectScopes keeps the chain's ordering.
func intersectScopes(chain, requested []string) []string {
	allowed := make(map[string]bool, len(requested))
	for _, s := range requested {
		allowed[s] = true
	}
	var out []string
	for _, s := range chain {
		if allowed[s] {
			out = append(out, s)
		}
	}
	return out
}
