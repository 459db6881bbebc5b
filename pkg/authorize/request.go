// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

// Package authorize implements the authorization endpoint pipeline:
// parameter parsing, the ordered validator chain, request-object and
// pushed-request resolution, the user-interaction protocol, and
// artifact issuance for the code, implicit and hybrid flows.
package authorize

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/authgate/authgate/pkg/clients"
	"github.com/authgate/authgate/pkg/oidc"
)

// Request is one authorization request as it moves through the
// pipeline. Raw keeps the wire parameters; typed fields are filled by
// parsing and the validators.
type Request struct {
	Raw url.Values

	ClientID            string
	RedirectURI         string
	ResponseType        string
	ResponseMode        string
	State               string
	Nonce               string
	Scopes              []string
	CodeChallenge       string
	CodeChallengeMethod string
	Prompts             []string
	ACRValues           []string
	Resources           []string
	Claims              *oidc.RequestedClaims
	RequestObject       string
	RequestURI          string
	IDTokenHint         string
	LoginHint           string

	// MaxAge is nil when absent.
	MaxAge *time.Duration

	// Filled by the validator chain.
	Client *clients.ClientInfo
	Flow   oidc.Flow

	// redirectOK marks the redirect URI as validated, unlocking
	// error delivery through it.
	redirectOK bool
}

// ParseRequest maps wire parameters onto a Request. Malformed values
// that cannot even be parsed fail here; semantic checks belong to the
// validator chain.
func ParseRequest(params url.Values) (*Request, *oidc.Error) {
	req := &Request{
		Raw:                 params,
		ClientID:            params.Get(oidc.ParamClientID),
		RedirectURI:         params.Get(oidc.ParamRedirectURI),
		ResponseType:        params.Get(oidc.ParamResponseType),
		ResponseMode:        params.Get(oidc.ParamResponseMode),
		State:               params.Get(oidc.ParamState),
		Nonce:               params.Get(oidc.ParamNonce),
		Scopes:              splitSpace(params.Get(oidc.ParamScope)),
		CodeChallenge:       params.Get(oidc.ParamCodeChallenge),
		CodeChallengeMethod: params.Get(oidc.ParamCodeChallengeMethod),
		Prompts:             splitSpace(params.Get(oidc.ParamPrompt)),
		ACRValues:           splitSpace(params.Get(oidc.ParamACRValues)),
		Resources:           params[oidc.ParamResource],
		RequestObject:       params.Get(oidc.ParamRequest),
		RequestURI:          params.Get(oidc.ParamRequestURI),
		IDTokenHint:         params.Get(oidc.ParamIDTokenHint),
		LoginHint:           params.Get(oidc.ParamLoginHint),
	}

	if raw := params.Get(oidc.ParamMaxAge); raw != "" {
		seconds, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || seconds < 0 {
			return nil, oidc.InvalidRequest("max_age must be a non-negative integer").WithState(req.State)
		}
		maxAge := time.Duration(seconds) * time.Second
		req.MaxAge = &maxAge
	}

	if raw := params.Get(oidc.ParamClaims); raw != "" {
		claims, err := oidc.ParseRequestedClaims(raw)
		if err != nil {
			return nil, oidc.InvalidRequest("malformed claims parameter").WithState(req.State)
		}
		req.Claims = claims
	}

	if req.RequestObject != "" && req.RequestURI != "" {
		return nil, oidc.InvalidRequest("request and request_uri are mutually exclusive").WithState(req.State)
	}

	return req, nil
}

// merge folds parameters from a resolved request object or pushed
// request over the current request. Per the request-object rules the
// resolved values win; client_id must agree across sources.
func (r *Request) merge(params url.Values) *oidc.Error {
	if id := params.Get(oidc.ParamClientID); id != "" && id != r.ClientID {
		return oidc.InvalidRequest("client_id mismatch between request sources").WithState(r.State)
	}

	merged := url.Values{}
	for k, v := range r.Raw {
		merged[k] = v
	}
	for k, v := range params {
		merged[k] = v
	}
	// request/request_uri never nest.
	merged.Del(oidc.ParamRequest)
	merged.Del(oidc.ParamRequestURI)

	parsed, oerr := ParseRequest(merged)
	if oerr != nil {
		return oerr
	}
	parsed.Client = r.Client
	parsed.redirectOK = r.redirectOK
	*r = *parsed
	return nil
}

// HasScope reports whether the request asked for the given scope.
func (r *Request) HasScope(scope string) bool {
	for _, s := range r.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// responseTypeSet treats response_type as an unordered set.
func (r *Request) responseTypeSet() map[string]bool {
	set := make(map[string]bool)
	for _, part := range splitSpace(r.ResponseType) {
		set[part] = true
	}
	return set
}

func splitSpace(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}
