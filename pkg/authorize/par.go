// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

package authorize

import (
	"context"
	"net/url"

	"github.com/google/uuid"

	"github.com/authgate/authgate/pkg/clients"
	"github.com/authgate/authgate/pkg/oidc"
)

// PushedResponse is the RFC 9126 success envelope.
type PushedResponse struct {
	RequestURI string `json:"request_uri"`
	ExpiresIn  int64  `json:"expires_in"`
}

// PushAuthorization validates a pushed authorization request on behalf
// of the already-authenticated client and persists it under a fresh
// single-use handle.
func (p *Processor) PushAuthorization(ctx context.Context, client *clients.ClientInfo, params url.Values) (*PushedResponse, *oidc.Error) {
	// RFC 9126 §2.1 forbids nesting one handle inside another.
	if params.Get(oidc.ParamRequestURI) != "" {
		return nil, oidc.InvalidRequest("request_uri cannot be pushed")
	}

	req, oerr := ParseRequest(params)
	if oerr != nil {
		return nil, oerr
	}
	if req.ClientID != "" && req.ClientID != client.ClientID {
		return nil, oidc.InvalidRequest("client_id does not match the authenticated client")
	}
	req.ClientID = client.ClientID
	req.Client = client
	req.Raw.Set(oidc.ParamClientID, client.ClientID)

	if oerr := p.pipeline.Validate(ctx, req); oerr != nil {
		return nil, oerr
	}

	id := uuid.NewString()
	if err := p.pushed.PutPushedRequest(ctx, id, req.Raw, p.pushedRequestTTL); err != nil {
		return nil, oidc.ServerError("failed to persist the pushed request")
	}
	return &PushedResponse{
		RequestURI: oidc.RequestURIPrefixPAR + id,
		ExpiresIn:  int64(p.pushedRequestTTL.Seconds()),
	}, nil
}
