// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

package authorize

import (
	"context"
	"encoding/json"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/authgate/authgate/pkg/clients"
	"github.com/authgate/authgate/pkg/logger"
	"github.com/authgate/authgate/pkg/oidc"
	"github.com/authgate/authgate/pkg/storage"
	"github.com/authgate/authgate/pkg/tokens"
)

// Defaults for the processor knobs.
const (
	// DefaultRequestURIParameterName is appended to interaction
	// redirects so the interaction page can resume the request.
	DefaultRequestURIParameterName = "request_uri"

	// DefaultPushedRequestTTL bounds PAR handles and interaction
	// round-trips.
	DefaultPushedRequestTTL = time.Minute

	// DefaultAuthorizationCodeTTL is the upper bound on authorization
	// code lifetimes; per-client lifetimes only shorten it.
	DefaultAuthorizationCodeTTL = time.Minute
)

// Processor drives a validated authorization request to a terminal
// response: issued artifacts, an interaction redirect, or an error.
type Processor struct {
	pipeline    *Pipeline
	interaction UserInteraction
	tokens      *tokens.Service
	subjects    *clients.SubjectResolver

	contexts storage.AuthorizationContextStore
	pushed   storage.PushedRequestStore
	sessions storage.SessionStore

	requestURIParameterName string
	pushedRequestTTL        time.Duration
	authorizationCodeTTL    time.Duration
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithRequestURIParameterName overrides the parameter name appended to
// interaction redirects.
func WithRequestURIParameterName(name string) ProcessorOption {
	return func(p *Processor) { p.requestURIParameterName = name }
}

// WithPushedRequestTTL overrides the PAR handle lifetime.
func WithPushedRequestTTL(ttl time.Duration) ProcessorOption {
	return func(p *Processor) { p.pushedRequestTTL = ttl }
}

// WithAuthorizationCodeTTL overrides the code lifetime upper bound.
func WithAuthorizationCodeTTL(ttl time.Duration) ProcessorOption {
	return func(p *Processor) { p.authorizationCodeTTL = ttl }
}

// NewProcessor wires the authorization pipeline.
func NewProcessor(
	pipeline *Pipeline,
	interaction UserInteraction,
	tokenSvc *tokens.Service,
	subjects *clients.SubjectResolver,
	store storage.Storage,
	opts ...ProcessorOption,
) *Processor {
	p := &Processor{
		pipeline:                pipeline,
		interaction:             interaction,
		tokens:                  tokenSvc,
		subjects:                subjects,
		contexts:                store,
		pushed:                  store,
		sessions:                store,
		requestURIParameterName: DefaultRequestURIParameterName,
		pushedRequestTTL:        DefaultPushedRequestTTL,
		authorizationCodeTTL:    DefaultAuthorizationCodeTTL,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Authorize runs one authorization round-trip. The returned response
// is always terminal for this HTTP exchange; interaction redirects
// re-enter through the persisted request handle.
func (p *Processor) Authorize(ctx context.Context, params url.Values) *Response {
	req, oerr := ParseRequest(params)
	if oerr != nil {
		return &Response{Err: oerr}
	}
	if oerr := p.pipeline.Validate(ctx, req); oerr != nil {
		return p.errorResponse(req, oerr)
	}

	result, err := p.interaction.Interact(ctx, req)
	if err != nil {
		return p.errorResponse(req, oidc.AsError(err))
	}

	if result.Kind != KindApproved {
		if slices.Contains(req.Prompts, oidc.PromptNone) {
			return p.errorResponse(req, oidc.NewError(result.errorCode(), "interaction is required but prompt=none was requested"))
		}
		return p.interactionRedirect(ctx, req, result)
	}
	return p.issue(ctx, req, result)
}

// interactionRedirect persists the request under a fresh handle and
// sends the user agent to the interaction page. The page resumes the
// request by replaying the handle as a request_uri.
func (p *Processor) interactionRedirect(ctx context.Context, req *Request, result *InteractionResult) *Response {
	id := uuid.NewString()
	if err := p.pushed.PutPushedRequest(ctx, id, req.Raw, p.pushedRequestTTL); err != nil {
		return p.errorResponse(req, oidc.ServerError("failed to persist the authorization request"))
	}

	target, err := url.Parse(result.RedirectURI)
	if err != nil || !target.IsAbs() {
		return p.errorResponse(req, oidc.ServerError("interaction page URI is not absolute"))
	}
	q := target.Query()
	q.Set(p.requestURIParameterName, oidc.RequestURIPrefixPAR+id)
	target.RawQuery = q.Encode()

	return &Response{RedirectURL: target.String()}
}

// issue emits the flow's artifacts and delivers them through the
// response mode.
func (p *Processor) issue(ctx context.Context, req *Request, result *InteractionResult) *Response {
	set := req.responseTypeSet()
	session := result.Session
	subject := p.subjects.Resolve(req.Client, session.Subject)

	grantedScopes := result.GrantedScopes
	if grantedScopes == nil {
		grantedScopes = req.Scopes
	}

	params := url.Values{}
	if req.State != "" {
		params.Set(oidc.ParamState, req.State)
	}

	var code, accessToken string
	if set[oidc.ResponseTypeCode] {
		var oerr *oidc.Error
		code, oerr = p.issueCode(ctx, req, session, subject, grantedScopes)
		if oerr != nil {
			return p.errorResponse(req, oerr)
		}
		params.Set(oidc.ParamCode, code)
	}

	if set[oidc.ResponseTypeToken] {
		token, claims, err := p.tokens.MintAccessToken(ctx, tokens.AccessTokenParams{
			Client:    req.Client,
			Subject:   subject,
			SessionID: session.SessionID,
			Scopes:    grantedScopes,
			Resources: req.Resources,
			ACR:       session.ACR,
			AuthTime:  session.AuthTime,
		})
		if err != nil {
			return p.errorResponse(req, oidc.ServerError("failed to mint access token"))
		}
		accessToken = token
		params.Set(oidc.ParamAccessToken, token)
		params.Set(oidc.ParamTokenType, oidc.TokenTypeBearer)
		params.Set(oidc.ParamExpiresIn, strconv.FormatInt(claims.ExpiresAt-time.Now().Unix(), 10))
		params.Set(oidc.ParamScope, strings.Join(grantedScopes, " "))
	}

	if set[oidc.ResponseTypeIDToken] {
		idToken, err := p.tokens.MintIDToken(ctx, tokens.IDTokenParams{
			Client:      req.Client,
			Subject:     subject,
			Nonce:       req.Nonce,
			SessionID:   session.SessionID,
			ACR:         session.ACR,
			AuthTime:    session.AuthTime,
			AccessToken: accessToken,
			Code:        code,
			UserClaims:  result.GrantedClaims,
		})
		if err != nil {
			return p.errorResponse(req, oidc.ServerError("failed to mint identifier token"))
		}
		params.Set(oidc.ParamIDToken, idToken)
	}

	if err := p.sessions.AddAffectedClient(ctx, session.SessionID, req.Client.ClientID); err != nil {
		// Logout fanout may miss this client; the grant itself stands.
		logger.Warnw("failed to record affected client on session",
			"session_id", session.SessionID,
			"client_id", req.Client.ClientID,
			"error", err,
		)
	}

	resp, oerr := deliver(req, params)
	if oerr != nil {
		return p.errorResponse(req, oerr)
	}
	return resp
}

// issueCode persists the authorization decision under an opaque code.
func (p *Processor) issueCode(
	ctx context.Context,
	req *Request,
	session *storage.AuthSession,
	subject string,
	grantedScopes []string,
) (string, *oidc.Error) {
	ttl := req.Client.AuthorizationCodeLifetime
	if ttl <= 0 || ttl > p.authorizationCodeTTL {
		ttl = p.authorizationCodeTTL
	}

	claimsJSON := ""
	if req.Claims != nil && !req.Claims.IsEmpty() {
		encoded, err := json.Marshal(req.Claims)
		if err != nil {
			return "", oidc.ServerError("failed to encode requested claims")
		}
		claimsJSON = string(encoded)
	}

	now := time.Now()
	code := uuid.NewString()
	authCtx := &storage.AuthorizationContext{
		ClientID:            req.Client.ClientID,
		RedirectURI:         req.RedirectURI,
		Scopes:              grantedScopes,
		Claims:              claimsJSON,
		Nonce:               req.Nonce,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Resources:           req.Resources,
		ResponseType:        req.ResponseType,
		ResponseMode:        req.ResponseMode,
		Subject:             subject,
		SessionID:           session.SessionID,
		ACR:                 session.ACR,
		AuthTime:            session.AuthTime,
		IssuedAt:            now,
		ExpiresAt:           now.Add(ttl),
	}
	if err := p.contexts.PutAuthorizationContext(ctx, code, authCtx); err != nil {
		return "", oidc.ServerError("failed to persist the authorization decision")
	}
	return code, nil
}

// errorResponse delivers oerr through the redirect URI when it has
// been validated, and as a plain protocol error otherwise.
func (p *Processor) errorResponse(req *Request, oerr *oidc.Error) *Response {
	if !req.redirectOK || req.ResponseMode == "" {
		return &Response{Err: oerr.WithState(req.State)}
	}
	resp, derr := deliver(req, errorParams(oerr, req.State))
	if derr != nil {
		return &Response{Err: oerr.WithState(req.State)}
	}
	return resp
}
