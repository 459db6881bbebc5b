// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/authgate/authgate/pkg/clients"
	"github.com/authgate/authgate/pkg/logger"
	"github.com/authgate/authgate/pkg/networking"
	"github.com/authgate/authgate/pkg/oidc"
	"github.com/authgate/authgate/pkg/storage"
	"github.com/authgate/authgate/pkg/tokens"
)

// EndSessionRequest is an RP-initiated logout request. SessionID is the
// value of the browser cookie when present; the id_token_hint's sid is
// the fallback.
type EndSessionRequest struct {
	IDTokenHint           string
	ClientID              string
	PostLogoutRedirectURI string
	State                 string
	SessionID             string
}

// EndSessionResponse carries the post-logout redirect and the
// front-channel logout URIs the page must render as iframes.
type EndSessionResponse struct {
	RedirectURI      string
	FrontChannelURIs []string
}

// Processor terminates sessions and fans logout notifications out to
// every client the session touched.
type Processor struct {
	provider clients.Provider
	sessions storage.SessionStore
	tokens   *tokens.Service
	pool     *networking.ClientPool
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithClientPool substitutes the HTTP pool used for back-channel
// notifications.
func WithClientPool(pool *networking.ClientPool) ProcessorOption {
	return func(p *Processor) { p.pool = pool }
}

// NewProcessor builds the end-session processor.
func NewProcessor(provider clients.Provider, sessions storage.SessionStore, tokenSvc *tokens.Service, opts ...ProcessorOption) *Processor {
	p := &Processor{
		provider: provider,
		sessions: sessions,
		tokens:   tokenSvc,
		pool:     networking.NewClientPool(networking.NewHTTPClientBuilder(), 0),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// EndSession validates the logout request, terminates the session, and
// notifies affected clients. Notification failures never fail the
// logout itself.
func (p *Processor) EndSession(ctx context.Context, req *EndSessionRequest) (*EndSessionResponse, error) {
	var hint *tokens.Claims
	if req.IDTokenHint != "" {
		var err error
		hint, err = p.tokens.ValidateHint(ctx, req.IDTokenHint)
		if err != nil {
			return nil, oidc.InvalidRequest("id_token_hint verification failed")
		}
	}

	clientID := req.ClientID
	if hint != nil {
		hintClient := hintClientID(hint)
		if clientID != "" && hintClient != "" && clientID != hintClient {
			return nil, oidc.InvalidRequest("client_id does not match the id_token_hint")
		}
		if clientID == "" {
			clientID = hintClient
		}
	}

	if req.PostLogoutRedirectURI != "" {
		if clientID == "" {
			return nil, oidc.InvalidRequest("post_logout_redirect_uri requires an id_token_hint or client_id")
		}
		client, err := p.provider.GetClient(ctx, clientID)
		if err != nil {
			return nil, oidc.InvalidRequest("unknown client")
		}
		if !client.AllowsPostLogoutRedirectURI(req.PostLogoutRedirectURI) {
			return nil, oidc.InvalidRequest("post_logout_redirect_uri is not registered for this client")
		}
	}

	sessionID := req.SessionID
	if sessionID == "" && hint != nil {
		sessionID = hint.SessionID
	}

	resp := &EndSessionResponse{}
	if sessionID != "" {
		session, err := p.sessions.GetSession(ctx, sessionID)
		switch {
		case err == nil:
			resp.FrontChannelURIs = p.fanout(ctx, session)
			if err := p.sessions.DeleteSession(ctx, sessionID); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return nil, err
			}
		case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrExpired):
			// Logging out of a dead session is a no-op, not an error.
		default:
			return nil, err
		}
	}

	if req.PostLogoutRedirectURI != "" {
		redirect, err := url.Parse(req.PostLogoutRedirectURI)
		if err != nil {
			return nil, oidc.InvalidRequest("post_logout_redirect_uri is not a valid URI")
		}
		if req.State != "" {
			q := redirect.Query()
			q.Set(oidc.ParamState, req.State)
			redirect.RawQuery = q.Encode()
		}
		resp.RedirectURI = redirect.String()
	}
	return resp, nil
}

// fanout notifies every affected client. Back-channel POSTs happen
// here; front-channel URIs are returned for the caller to render, each
// exactly once.
func (p *Processor) fanout(ctx context.Context, session *storage.AuthSession) []string {
	var front []string
	seen := make(map[string]bool)

	for _, clientID := range session.AffectedClientIDs {
		client, err := p.provider.GetClient(ctx, clientID)
		if err != nil {
			logger.Warnw("logout fanout skipped an unknown client", "client_id", clientID, "error", err)
			continue
		}
		if client.BackChannelLogoutURI != "" {
			p.notifyBackChannel(ctx, client, session)
		}
		if client.FrontChannelLogoutURI != "" {
			uri := frontChannelURI(client, p.tokens.Issuer(), session.SessionID)
			if !seen[uri] {
				seen[uri] = true
				front = append(front, uri)
			}
		}
	}
	return front
}

// notifyBackChannel POSTs a logout_token to the client with one
// jittered retry. Failures are logged and skipped so the remaining
// notifications still go out.
func (p *Processor) notifyBackChannel(ctx context.Context, client *clients.ClientInfo, session *storage.AuthSession) {
	params := tokens.LogoutTokenParams{
		Client:  client,
		Subject: session.Subject,
	}
	if client.BackChannelLogoutSessionRequired {
		params.SessionID = session.SessionID
	}
	logoutToken, err := p.tokens.MintLogoutToken(ctx, params)
	if err != nil {
		logger.Errorw("failed to mint logout token", "client_id", client.ClientID, "error", err)
		return
	}

	httpClient, err := p.pool.Get()
	if err != nil {
		logger.Errorw("back-channel logout skipped", "error", err)
		return
	}

	operation := func() (struct{}, error) {
		return struct{}{}, networking.PostForm(ctx, httpClient, client.BackChannelLogoutURI, url.Values{
			oidc.ParamLogoutToken: {logoutToken},
		})
	}
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = time.Second

	if _, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(2),
	); err != nil {
		logger.Warnw("back-channel logout notification failed",
			"client_id", client.ClientID,
			"uri", client.BackChannelLogoutURI,
			"error", err,
		)
	}
}

// frontChannelURI appends iss and sid when the client asked for them.
func frontChannelURI(client *clients.ClientInfo, issuer, sessionID string) string {
	if !client.FrontChannelLogoutSessionRequired {
		return client.FrontChannelLogoutURI
	}
	u, err := url.Parse(client.FrontChannelLogoutURI)
	if err != nil {
		return client.FrontChannelLogoutURI
	}
	q := u.Query()
	q.Set("iss", issuer)
	q.Set("sid", sessionID)
	u.RawQuery = q.Encode()
	return u.String()
}

// hintClientID extracts the client the id_token_hint was issued to.
func hintClientID(claims *tokens.Claims) string {
	if claims.AZP != "" {
		return claims.AZP
	}
	if len(claims.Audience) == 1 {
		return claims.Audience[0]
	}
	return claims.ClientID
}
