// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

package authorize

import (
	"context"
	"net/url"
	"slices"

	"github.com/authgate/authgate/pkg/clients"
	"github.com/authgate/authgate/pkg/oidc"
)

// validPrompts per OpenID Connect Core 3.1.2.1.
var validPrompts = []string{
	oidc.PromptNone,
	oidc.PromptLogin,
	oidc.PromptConsent,
	oidc.PromptSelectAccount,
}

// Pipeline is the ordered validator chain for authorization requests.
// Validators run in a fixed order and the first failure wins; no error
// is delivered through the redirect URI before the redirect URI itself
// has been validated.
type Pipeline struct {
	provider clients.Provider
	fetcher  *Fetcher
}

// NewPipeline builds the validator chain.
func NewPipeline(provider clients.Provider, fetcher *Fetcher) *Pipeline {
	return &Pipeline{provider: provider, fetcher: fetcher}
}

// Validate runs the chain. On success the request carries the resolved
// client, detected flow, effective response mode and a validated
// redirect URI.
func (p *Pipeline) Validate(ctx context.Context, req *Request) *oidc.Error {
	for _, validate := range []func(context.Context, *Request) *oidc.Error{
		p.clientExists,
		p.resolveRequestObject,
		p.detectFlow,
		p.checkResponseMode,
		p.checkRedirectURI,
		p.checkPKCE,
		p.checkNonce,
		p.checkScopes,
		p.checkOfflineAccess,
		p.checkPrompts,
		p.checkMaxAgeAndACR,
		p.checkResources,
	} {
		if oerr := validate(ctx, req); oerr != nil {
			return oerr
		}
	}
	return nil
}

func (p *Pipeline) clientExists(ctx context.Context, req *Request) *oidc.Error {
	if req.Client != nil {
		return nil
	}
	if req.ClientID == "" {
		return oidc.InvalidRequest("client_id is required").WithState(req.State)
	}
	client, err := p.provider.GetClient(ctx, req.ClientID)
	if err != nil {
		return oidc.InvalidRequest("unknown client").WithState(req.State)
	}
	req.Client = client
	return nil
}

func (p *Pipeline) resolveRequestObject(ctx context.Context, req *Request) *oidc.Error {
	return p.fetcher.Resolve(ctx, req)
}

func (p *Pipeline) detectFlow(_ context.Context, req *Request) *oidc.Error {
	unsupported := func(reason string) *oidc.Error {
		return oidc.NewError(oidc.ErrCodeUnsupportedResponseType, reason).WithState(req.State)
	}

	flow, defaultMode := DetectFlow(req.ResponseType)
	if flow == oidc.FlowUnknown {
		return unsupported("unrecognized response_type")
	}
	if !responseTypeRegistered(req.Client, req.responseTypeSet()) {
		return unsupported("client did not register this response_type")
	}

	needsGrant := map[oidc.Flow][]string{
		oidc.FlowAuthorizationCode: {oidc.GrantTypeAuthorizationCode},
		oidc.FlowImplicit:          {oidc.GrantTypeImplicit},
		oidc.FlowHybrid:            {oidc.GrantTypeAuthorizationCode, oidc.GrantTypeImplicit},
	}
	for _, grant := range needsGrant[flow] {
		if !req.Client.AllowsGrantType(grant) {
			return oidc.NewError(oidc.ErrCodeUnauthorizedClient, "client is not authorized for this flow").WithState(req.State)
		}
	}

	req.Flow = flow
	if req.ResponseMode == "" {
		req.ResponseMode = defaultMode
	}
	return nil
}

func (p *Pipeline) checkResponseMode(_ context.Context, req *Request) *oidc.Error {
	if !responseModeAllowed(req.Flow, req.ResponseMode) {
		return oidc.InvalidRequest("response_mode is not allowed for this response_type").WithState(req.State)
	}
	return nil
}

// checkRedirectURI matches byte-for-byte against the registration. A
// missing redirect_uri is filled in only when the client registered
// exactly one. Errors from this validator and everything before it are
// never delivered through a redirect.
func (p *Pipeline) checkRedirectURI(_ context.Context, req *Request) *oidc.Error {
	if req.RedirectURI == "" {
		if len(req.Client.RedirectURIs) != 1 {
			return oidc.InvalidRequest("redirect_uri is required").WithState(req.State)
		}
		req.RedirectURI = req.Client.RedirectURIs[0]
	}
	if !req.Client.AllowsRedirectURI(req.RedirectURI) {
		return oidc.InvalidRequest("redirect_uri is not registered").WithState(req.State)
	}
	req.redirectOK = true
	return nil
}

func (p *Pipeline) checkPKCE(_ context.Context, req *Request) *oidc.Error {
	hasCode := req.responseTypeSet()[oidc.ResponseTypeCode]

	if req.CodeChallenge == "" {
		if req.CodeChallengeMethod != "" {
			return oidc.InvalidRequest("code_challenge_method without code_challenge").WithState(req.State)
		}
		if hasCode && req.Client.PKCE.Required {
			return oidc.InvalidRequest("this client requires PKCE").WithState(req.State)
		}
		return nil
	}

	if !hasCode {
		return oidc.InvalidRequest("code_challenge is only valid when requesting a code").WithState(req.State)
	}

	method := req.CodeChallengeMethod
	if method == "" {
		method = oidc.CodeChallengeMethodPlain
	}
	switch method {
	case oidc.CodeChallengeMethodS256:
	case oidc.CodeChallengeMethodPlain:
		if !req.Client.PKCE.PlainAllowed {
			return oidc.InvalidRequest("the plain code_challenge_method is not allowed for this client").WithState(req.State)
		}
	default:
		return oidc.InvalidRequest("unsupported code_challenge_method").WithState(req.State)
	}
	req.CodeChallengeMethod = method
	return nil
}

func (p *Pipeline) checkNonce(_ context.Context, req *Request) *oidc.Error {
	if req.responseTypeSet()[oidc.ResponseTypeIDToken] && req.Nonce == "" {
		return oidc.InvalidRequest("nonce is required when requesting an id_token").WithState(req.State)
	}
	return nil
}

func (p *Pipeline) checkScopes(_ context.Context, req *Request) *oidc.Error {
	if len(req.Client.AllowedScopes) == 0 {
		return nil
	}
	for _, scope := range req.Scopes {
		if !slices.Contains(req.Client.AllowedScopes, scope) {
			return oidc.InvalidScope("scope " + scope + " is not allowed for this client").WithState(req.State)
		}
	}
	return nil
}

// checkOfflineAccess enforces that refresh tokens never ride an
// implicit response.
func (p *Pipeline) checkOfflineAccess(_ context.Context, req *Request) *oidc.Error {
	if !req.HasScope(oidc.ScopeOfflineAccess) {
		return nil
	}
	if req.Flow == oidc.FlowImplicit {
		return oidc.InvalidScope("offline_access cannot be requested with an implicit flow").WithState(req.State)
	}
	if !req.Client.OfflineAccessAllowed {
		return oidc.InvalidScope("client is not allowed to request offline_access").WithState(req.State)
	}
	return nil
}

func (p *Pipeline) checkPrompts(_ context.Context, req *Request) *oidc.Error {
	for _, prompt := range req.Prompts {
		if !slices.Contains(validPrompts, prompt) {
			return oidc.InvalidRequest("unsupported prompt value").WithState(req.State)
		}
	}
	if slices.Contains(req.Prompts, oidc.PromptNone) && len(req.Prompts) > 1 {
		return oidc.InvalidRequest("prompt=none cannot be combined with other prompts").WithState(req.State)
	}
	return nil
}

func (p *Pipeline) checkMaxAgeAndACR(_ context.Context, req *Request) *oidc.Error {
	// max_age was range-checked at parse time; an empty acr_values
	// entry can only come from a request object.
	for _, acr := range req.ACRValues {
		if acr == "" {
			return oidc.InvalidRequest("acr_values entries must be non-empty").WithState(req.State)
		}
	}
	return nil
}

// checkResources enforces RFC 8707: each resource indicator is an
// absolute URI without a fragment.
func (p *Pipeline) checkResources(_ context.Context, req *Request) *oidc.Error {
	for _, resource := range req.Resources {
		u, err := url.Parse(resource)
		if err != nil || !u.IsAbs() || u.Fragment != "" {
			return oidc.NewError(oidc.ErrCodeInvalidTarget, "resource must be an absolute URI without a fragment").WithState(req.State)
		}
	}
	return nil
}

// responseTypeRegistered compares response_type values as sets, so the
// registration "code id_token" matches the request "id_token code". An
// empty registration list lets everything through; the static
// catalogue uses it for trusted first-party clients.
func responseTypeRegistered(client *clients.ClientInfo, requested map[string]bool) bool {
	if len(client.ResponseTypes) == 0 {
		return true
	}
	for _, registered := range client.ResponseTypes {
		set := make(map[string]bool)
		for _, part := range splitSpace(registered) {
			set[part] = true
		}
		if len(set) != len(requested) {
			continue
		}
		match := true
		for part := range requested {
			if !set[part] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
