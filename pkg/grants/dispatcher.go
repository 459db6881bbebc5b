// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

// Package grants implements the token endpoint pipeline: grant-type
// dispatch, redemption of codes, refresh tokens, device codes,
// backchannel auth_req_ids and trusted JWT assertions, and the token
// response assembly shared by all of them.
package grants

import (
	"context"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/authgate/authgate/pkg/ciba"
	"github.com/authgate/authgate/pkg/clients"
	"github.com/authgate/authgate/pkg/device"
	"github.com/authgate/authgate/pkg/oidc"
	"github.com/authgate/authgate/pkg/storage"
	"github.com/authgate/authgate/pkg/tokens"
)

// TokenResponse is the RFC 6749 §5.1 success envelope.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Dispatcher routes token requests to their grant processor. The
// client has already been authenticated by the time Token runs.
type Dispatcher struct {
	tokens   *tokens.Service
	subjects *clients.SubjectResolver
	contexts storage.AuthorizationContextStore
	sessions storage.SessionStore
	registry storage.TokenRegistry

	device *device.Engine
	ciba   *ciba.Engine

	trusted       []TrustedIssuer
	resolver      *clients.JWKSResolver
	tokenEndpoint string
	clockSkew     time.Duration
	maxJWTAge     time.Duration

	now func() time.Time
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDeviceEngine enables the device_code grant.
func WithDeviceEngine(engine *device.Engine) DispatcherOption {
	return func(d *Dispatcher) { d.device = engine }
}

// WithCIBAEngine enables the CIBA grant.
func WithCIBAEngine(engine *ciba.Engine) DispatcherOption {
	return func(d *Dispatcher) { d.ciba = engine }
}

// WithTrustedIssuers enables the JWT-bearer grant for assertions from
// the given issuers. The resolver fetches and caches their remote key
// sets.
func WithTrustedIssuers(resolver *clients.JWKSResolver, issuers ...TrustedIssuer) DispatcherOption {
	return func(d *Dispatcher) {
		d.resolver = resolver
		d.trusted = issuers
	}
}

// WithClockSkew overrides the assertion timing tolerance.
func WithClockSkew(skew time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.clockSkew = skew }
}

// WithMaxJWTAge overrides the maximum accepted assertion age.
func WithMaxJWTAge(age time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.maxJWTAge = age }
}

// WithClock substitutes the time source, for tests.
func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher wires the token pipeline. tokenEndpoint is the strict
// audience required on JWT-bearer assertions.
func NewDispatcher(
	tokenSvc *tokens.Service,
	subjects *clients.SubjectResolver,
	store storage.Storage,
	tokenEndpoint string,
	opts ...DispatcherOption,
) *Dispatcher {
	d := &Dispatcher{
		tokens:        tokenSvc,
		subjects:      subjects,
		contexts:      store,
		sessions:      store,
		registry:      store,
		tokenEndpoint: tokenEndpoint,
		clockSkew:     DefaultClockSkew,
		maxJWTAge:     DefaultMaxJWTAge,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// grantResult is the validated outcome of one grant processor, ready
// for token assembly.
type grantResult struct {
	subject   string
	scopes    []string
	resources []string
	sessionID string
	acr       string
	authTime  time.Time
	nonce     string

	// mintRefresh asks for a fresh chain; rotatedRefresh carries the
	// successor an existing chain already produced.
	mintRefresh    bool
	rotatedRefresh string
}

// Token processes one token request for the authenticated client.
func (d *Dispatcher) Token(ctx context.Context, client *clients.ClientInfo, form url.Values) (*TokenResponse, error) {
	grantType := form.Get(oidc.ParamGrantType)
	if grantType == "" {
		return nil, oidc.InvalidRequest("grant_type is required")
	}
	if !client.AllowsGrantType(grantType) {
		return nil, oidc.NewError(oidc.ErrCodeUnauthorizedClient, "client is not authorized for this grant type")
	}

	var (
		result *grantResult
		err    error
	)
	switch grantType {
	case oidc.GrantTypeAuthorizationCode:
		result, err = d.authorizationCode(ctx, client, form)
	case oidc.GrantTypeRefreshToken:
		result, err = d.refreshToken(ctx, client, form)
	case oidc.GrantTypeClientCredentials:
		result, err = d.clientCredentials(client, form)
	case oidc.GrantTypeDeviceCode:
		result, err = d.deviceCode(ctx, client, form)
	case oidc.GrantTypeCIBA:
		result, err = d.cibaGrant(ctx, client, form)
	case oidc.GrantTypeJWTBearer:
		result, err = d.jwtBearer(ctx, client, form)
	default:
		return nil, oidc.NewError(oidc.ErrCodeUnsupportedGrantType, "unsupported grant_type")
	}
	if err != nil {
		return nil, err
	}
	return d.mintResponse(ctx, client, result)
}

// mintResponse turns a grant result into the token envelope.
func (d *Dispatcher) mintResponse(ctx context.Context, client *clients.ClientInfo, g *grantResult) (*TokenResponse, error) {
	access, claims, err := d.tokens.MintAccessToken(ctx, tokens.AccessTokenParams{
		Client:    client,
		Subject:   g.subject,
		SessionID: g.sessionID,
		Scopes:    g.scopes,
		Resources: g.resources,
		ACR:       g.acr,
		AuthTime:  g.authTime,
	})
	if err != nil {
		return nil, oidc.ServerError("failed to mint access token")
	}

	resp := &TokenResponse{
		AccessToken:  access,
		TokenType:    oidc.TokenTypeBearer,
		ExpiresIn:    claims.ExpiresAt - d.now().Unix(),
		RefreshToken: g.rotatedRefresh,
		Scope:        strings.Join(g.scopes, " "),
	}

	if g.mintRefresh {
		refresh, _, err := d.tokens.MintRefreshToken(ctx, tokens.RefreshTokenParams{
			Client:    client,
			Subject:   g.subject,
			SessionID: g.sessionID,
			Scopes:    g.scopes,
		})
		if err != nil {
			return nil, oidc.ServerError("failed to mint refresh token")
		}
		resp.RefreshToken = refresh
	}

	if slices.Contains(g.scopes, oidc.ScopeOpenID) && g.subject != "" {
		idToken, err := d.tokens.MintIDToken(ctx, tokens.IDTokenParams{
			Client:      client,
			Subject:     g.subject,
			Nonce:       g.nonce,
			SessionID:   g.sessionID,
			ACR:         g.acr,
			AuthTime:    g.authTime,
			AccessToken: access,
		})
		if err != nil {
			return nil, oidc.ServerError("failed to mint identifier token")
		}
		resp.IDToken = idToken
	}
	return resp, nil
}

// wantsRefreshToken reports whether the grant should open a refresh
// chain: the client registered the grant and asked for offline_access.
func wantsRefreshToken(client *clients.ClientInfo, scopes []string) bool {
	return client.AllowsGrantType(oidc.GrantTypeRefreshToken) &&
		slices.Contains(scopes, oidc.ScopeOfflineAccess)
}

// clientCredentials is machine-to-machine: confidential clients only,
// the client itself is the subject, and nothing identity-shaped is
// issued.
func (d *Dispatcher) clientCredentials(client *clients.ClientInfo, form url.Values) (*grantResult, error) {
	if !client.IsConfidential() {
		return nil, oidc.NewError(oidc.ErrCodeUnauthorizedClient, "client_credentials requires a confidential client")
	}

	scopes := splitScopes(form.Get(oidc.ParamScope))
	if slices.Contains(scopes, oidc.ScopeOpenID) {
		return nil, oidc.InvalidScope("openid cannot be requested with client_credentials")
	}
	if oerr := scopesAllowed(client, scopes); oerr != nil {
		return nil, oerr
	}

	return &grantResult{
		subject:   client.ClientID,
		scopes:    scopes,
		resources: form[oidc.ParamResource],
	}, nil
}

// deviceCode redeems an approved device grant; pending and premature
// polls surface the engine's protocol errors unchanged.
func (d *Dispatcher) deviceCode(ctx context.Context, client *clients.ClientInfo, form url.Values) (*grantResult, error) {
	if d.device == nil {
		return nil, oidc.NewError(oidc.ErrCodeUnsupportedGrantType, "the device grant is not enabled")
	}
	deviceCode := form.Get(oidc.ParamDeviceCode)
	if deviceCode == "" {
		return nil, oidc.InvalidRequest("device_code is required")
	}

	grant, err := d.device.Redeem(ctx, client, deviceCode)
	if err != nil {
		return nil, err
	}
	return &grantResult{
		subject:     d.subjects.Resolve(client, grant.Subject),
		scopes:      grant.Scopes,
		authTime:    grant.AuthTime,
		mintRefresh: wantsRefreshToken(client, grant.Scopes),
	}, nil
}

// cibaGrant redeems an authorized backchannel request.
func (d *Dispatcher) cibaGrant(ctx context.Context, client *clients.ClientInfo, form url.Values) (*grantResult, error) {
	if d.ciba == nil {
		return nil, oidc.NewError(oidc.ErrCodeUnsupportedGrantType, "backchannel authentication is not enabled")
	}
	authReqID := form.Get(oidc.ParamAuthReqID)
	if authReqID == "" {
		return nil, oidc.InvalidRequest("auth_req_id is required")
	}

	req, err := d.ciba.Redeem(ctx, client, authReqID)
	if err != nil {
		return nil, err
	}
	return d.cibaResult(client, req), nil
}

func (d *Dispatcher) cibaResult(client *clients.ClientInfo, req *storage.CIBARequest) *grantResult {
	return &grantResult{
		subject:     d.subjects.Resolve(client, req.Subject),
		scopes:      req.Scopes,
		resources:   req.Resources,
		acr:         req.ACR,
		authTime:    req.AuthTime,
		mintRefresh: wantsRefreshToken(client, req.Scopes),
	}
}

// BuildTokenResponse implements push delivery for the CIBA engine.
func (d *Dispatcher) BuildTokenResponse(ctx context.Context, client *clients.ClientInfo, req *storage.CIBARequest) (any, error) {
	return d.mintResponse(ctx, client, d.cibaResult(client, req))
}

func scopesAllowed(client *clients.ClientInfo, scopes []string) *oidc.Error {
	if len(client.AllowedScopes) == 0 {
		return nil
	}
	for _, scope := range scopes {
		if !slices.Contains(client.AllowedScopes, scope) {
			return oidc.InvalidScope("scope " + scope + " is not allowed for this client")
		}
	}
	return nil
}

func splitScopes(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}
