// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

// Package ciba implements Client-Initiated Backchannel Authentication:
// the auth_req_id lifecycle, poll/ping/push delivery, and cooperative
// long-polling at the token endpoint.
package ciba

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/authgate/authgate/pkg/clients"
	"github.com/authgate/authgate/pkg/logger"
	"github.com/authgate/authgate/pkg/networking"
	"github.com/authgate/authgate/pkg/oidc"
	"github.com/authgate/authgate/pkg/storage"
)

// Defaults for the engine knobs.
const (
	DefaultExpiry       = 5 * time.Minute
	DefaultMaxExpiry    = 30 * time.Minute
	DefaultPollInterval = 5 * time.Second
	DefaultLongPollWait = 30 * time.Second

	// DefaultRequestIDBytes gives auth_req_id 512 bits of entropy.
	DefaultRequestIDBytes = 64

	// maxPollInterval caps slow_down doubling.
	maxPollInterval = time.Minute
)

// Config tunes the CIBA engine. Zero fields fall back to defaults.
type Config struct {
	DefaultExpiry  time.Duration
	MaxExpiry      time.Duration
	PollInterval   time.Duration
	LongPolling    bool
	LongPollWait   time.Duration
	RequestIDBytes int
}

func (c Config) withDefaults() Config {
	if c.DefaultExpiry <= 0 {
		c.DefaultExpiry = DefaultExpiry
	}
	if c.MaxExpiry <= 0 {
		c.MaxExpiry = DefaultMaxExpiry
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.LongPollWait <= 0 {
		c.LongPollWait = DefaultLongPollWait
	}
	if c.RequestIDBytes < 16 {
		c.RequestIDBytes = DefaultRequestIDBytes
	}
	return c
}

// TokenResponseBuilder builds the full token response pushed to the
// client's notification endpoint in push delivery mode. The grants
// layer implements it; the engine stays ignorant of token minting.
type TokenResponseBuilder interface {
	BuildTokenResponse(ctx context.Context, client *clients.ClientInfo, req *storage.CIBARequest) (any, error)
}

// Engine drives the backchannel authentication state machine.
type Engine struct {
	requests storage.CIBARequestStore
	registry storage.TokenRegistry
	provider clients.Provider
	pool     *networking.ClientPool
	builder  TokenResponseBuilder
	notify   *notifier
	cfg      Config
	now      func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClientPool substitutes the HTTP pool used for ping and push
// notifications.
func WithClientPool(pool *networking.ClientPool) EngineOption {
	return func(e *Engine) { e.pool = pool }
}

// WithTokenResponseBuilder enables push delivery.
func WithTokenResponseBuilder(builder TokenResponseBuilder) EngineOption {
	return func(e *Engine) { e.builder = builder }
}

// WithClock substitutes the time source, for tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine builds the engine. The registry arbitrates redemption, so
// an auth_req_id converts exactly once even across concurrent polls.
func NewEngine(requests storage.CIBARequestStore, registry storage.TokenRegistry, provider clients.Provider, cfg Config, opts ...EngineOption) *Engine {
	e := &Engine{
		requests: requests,
		registry: registry,
		provider: provider,
		pool:     networking.NewClientPool(networking.NewHTTPClientBuilder(), 0),
		notify:   newNotifier(),
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// InitiateParams is a backchannel authentication request after client
// authentication. Exactly one of the three hints selects the end user.
type InitiateParams struct {
	Scopes    []string
	Resources []string

	LoginHint      string
	LoginHintToken string
	IDTokenHint    string

	BindingMessage          string
	UserCode                string
	ClientNotificationToken string
	RequestedExpiry         time.Duration
}

func (p *InitiateParams) subjectHint() (string, error) {
	hints := 0
	hint := ""
	for _, candidate := range []string{p.LoginHint, p.LoginHintToken, p.IDTokenHint} {
		if candidate != "" {
			hints++
			hint = candidate
		}
	}
	if hints != 1 {
		return "", fmt.Errorf("exactly one of login_hint, login_hint_token and id_token_hint is required, got %d", hints)
	}
	return hint, nil
}

// InitiateResponse is the CIBA §7.3 success envelope.
type InitiateResponse struct {
	AuthReqID string `json:"auth_req_id"`
	ExpiresIn int64  `json:"expires_in"`
	Interval  int64  `json:"interval"`
}

// Initiate opens a backchannel authentication request for the
// authenticated client.
func (e *Engine) Initiate(ctx context.Context, client *clients.ClientInfo, p InitiateParams) (*InitiateResponse, error) {
	if !client.AllowsGrantType(oidc.GrantTypeCIBA) {
		return nil, oidc.NewError(oidc.ErrCodeUnauthorizedClient, "client is not authorized for backchannel authentication")
	}

	mode := client.BackchannelTokenDeliveryMode
	if mode == "" {
		mode = oidc.BackchannelDeliveryPoll
	}
	switch mode {
	case oidc.BackchannelDeliveryPoll:
	case oidc.BackchannelDeliveryPing, oidc.BackchannelDeliveryPush:
		if client.BackchannelClientNotificationEndpoint == "" {
			return nil, oidc.InvalidRequest("client has no backchannel_client_notification_endpoint")
		}
		if p.ClientNotificationToken == "" {
			return nil, oidc.InvalidRequest("client_notification_token is required for " + mode + " delivery")
		}
	default:
		return nil, oidc.InvalidRequest("unsupported backchannel_token_delivery_mode")
	}

	hint, err := p.subjectHint()
	if err != nil {
		return nil, oidc.InvalidRequest(err.Error())
	}
	if client.BackchannelUserCodeParameter && p.UserCode == "" {
		return nil, oidc.NewError(oidc.ErrCodeMissingUserCode, "this client requires a user_code")
	}

	expiry := p.RequestedExpiry
	if expiry <= 0 {
		expiry = e.cfg.DefaultExpiry
	}
	if expiry > e.cfg.MaxExpiry {
		expiry = e.cfg.MaxExpiry
	}

	authReqID, err := newAuthReqID(e.cfg.RequestIDBytes)
	if err != nil {
		return nil, err
	}

	now := e.now()
	req := &storage.CIBARequest{
		AuthReqID:         authReqID,
		ClientID:          client.ClientID,
		Scopes:            p.Scopes,
		Resources:         p.Resources,
		SubjectHint:       hint,
		BindingMessage:    p.BindingMessage,
		UserCode:          p.UserCode,
		State:             storage.CIBAPending,
		DeliveryMode:      mode,
		NotificationToken: p.ClientNotificationToken,
		NotificationURI:   client.BackchannelClientNotificationEndpoint,
		PollInterval:      e.cfg.PollInterval,
		NextPollAt:        now,
		IssuedAt:          now,
		ExpiresAt:         now.Add(expiry),
	}
	if err := e.requests.PutCIBARequest(ctx, req); err != nil {
		return nil, err
	}

	return &InitiateResponse{
		AuthReqID: authReqID,
		ExpiresIn: int64(expiry.Seconds()),
		Interval:  int64(e.cfg.PollInterval.Seconds()),
	}, nil
}

// Outcome is the user subsystem's decision on a pending request.
type Outcome struct {
	Approved bool
	Subject  string
	ACR      string
}

// Complete transitions a pending request and fires the delivery mode's
// notification. Notification failures are logged; the state transition
// stands either way.
func (e *Engine) Complete(ctx context.Context, authReqID string, outcome Outcome) error {
	req, err := e.requests.GetCIBARequest(ctx, authReqID)
	if err != nil {
		return err
	}
	if req.State != storage.CIBAPending {
		return fmt.Errorf("backchannel request is already %s", req.State)
	}
	if !e.now().Before(req.ExpiresAt) {
		return storage.ErrExpired
	}

	if outcome.Approved {
		req.State = storage.CIBAAuthorized
		req.Subject = outcome.Subject
		req.ACR = outcome.ACR
		req.AuthTime = e.now()
	} else {
		req.State = storage.CIBADenied
	}
	if err := e.requests.UpdateCIBARequest(ctx, req); err != nil {
		return err
	}
	e.notify.signal(authReqID)

	switch req.DeliveryMode {
	case oidc.BackchannelDeliveryPing:
		e.sendNotification(ctx, req, map[string]string{"auth_req_id": req.AuthReqID})
	case oidc.BackchannelDeliveryPush:
		e.pushTokens(ctx, req)
	}
	return nil
}

func (e *Engine) pushTokens(ctx context.Context, req *storage.CIBARequest) {
	if req.State != storage.CIBAAuthorized {
		// Denials push the error envelope.
		e.sendNotification(ctx, req, map[string]string{
			"auth_req_id":       req.AuthReqID,
			"error":             oidc.ErrCodeAccessDenied,
			"error_description": "the end user denied the request",
		})
		return
	}
	if e.builder == nil {
		logger.Errorw("push delivery requested without a token response builder", "auth_req_id", req.AuthReqID)
		return
	}
	client, err := e.provider.GetClient(ctx, req.ClientID)
	if err != nil {
		logger.Errorw("push delivery failed to resolve client", "client_id", req.ClientID, "error", err)
		return
	}
	response, err := e.builder.BuildTokenResponse(ctx, client, req)
	if err != nil {
		logger.Errorw("push delivery failed to build token response", "auth_req_id", req.AuthReqID, "error", err)
		return
	}
	req.Consumed = true
	if err := e.requests.UpdateCIBARequest(ctx, req); err != nil {
		logger.Errorw("push delivery failed to consume request", "auth_req_id", req.AuthReqID, "error", err)
		return
	}
	e.sendNotification(ctx, req, response)
}

// sendNotification POSTs the payload to the client's notification
// endpoint with one jittered retry.
func (e *Engine) sendNotification(ctx context.Context, req *storage.CIBARequest, payload any) {
	httpClient, err := e.pool.Get()
	if err != nil {
		logger.Errorw("backchannel notification skipped", "error", err)
		return
	}

	operation := func() (struct{}, error) {
		return struct{}{}, networking.PostJSON(ctx, httpClient, req.NotificationURI, payload,
			networking.WithHeader("Authorization", "Bearer "+req.NotificationToken))
	}
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = time.Second

	if _, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(2),
	); err != nil {
		logger.Warnw("backchannel notification failed",
			"auth_req_id", req.AuthReqID,
			"client_id", req.ClientID,
			"mode", req.DeliveryMode,
			"error", err,
		)
	}
}

// Redeem implements the token endpoint's view of a backchannel grant.
// Pending requests either long-poll or answer authorization_pending;
// premature polls double the interval up to a one minute cap.
func (e *Engine) Redeem(ctx context.Context, client *clients.ClientInfo, authReqID string) (*storage.CIBARequest, error) {
	req, err := e.requests.GetCIBARequest(ctx, authReqID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrExpired) {
			return nil, oidc.InvalidGrant("unknown auth_req_id")
		}
		return nil, err
	}
	if req.ClientID != client.ClientID {
		return nil, oidc.InvalidGrant("auth_req_id was issued to another client")
	}
	if req.DeliveryMode == oidc.BackchannelDeliveryPush {
		return nil, oidc.InvalidGrant("push delivery clients must not poll the token endpoint")
	}

	now := e.now()
	if req.State == storage.CIBAPending && !now.Before(req.ExpiresAt) {
		req.State = storage.CIBAExpired
		if err := e.requests.UpdateCIBARequest(ctx, req); err != nil {
			return nil, err
		}
		e.notify.forget(authReqID)
	}

	switch req.State {
	case storage.CIBAPending:
		if now.Before(req.NextPollAt) {
			doubled := req.PollInterval * 2
			if doubled > maxPollInterval {
				doubled = maxPollInterval
			}
			req.PollInterval = doubled
			req.NextPollAt = now.Add(doubled)
			if err := e.requests.UpdateCIBARequest(ctx, req); err != nil {
				return nil, err
			}
			return nil, oidc.SlowDown()
		}
		req.NextPollAt = now.Add(req.PollInterval)
		if err := e.requests.UpdateCIBARequest(ctx, req); err != nil {
			return nil, err
		}
		if e.cfg.LongPolling {
			return e.longPoll(ctx, client, authReqID)
		}
		return nil, oidc.AuthorizationPending()

	case storage.CIBADenied:
		return nil, oidc.NewError(oidc.ErrCodeAccessDenied, "the end user denied the request")

	case storage.CIBAExpired:
		return nil, oidc.ExpiredToken()

	case storage.CIBAAuthorized:
		if req.Consumed {
			return nil, oidc.InvalidGrant("auth_req_id was already redeemed")
		}
		// The registry, not the request record, decides the winner of
		// concurrent polls.
		ttl := req.ExpiresAt.Sub(now)
		if ttl < time.Minute {
			ttl = time.Minute
		}
		ok, err := e.registry.TryConsume(ctx, "ciba:"+authReqID, ttl)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, oidc.InvalidGrant("auth_req_id was already redeemed")
		}
		req.Consumed = true
		if err := e.requests.UpdateCIBARequest(ctx, req); err != nil {
			return nil, err
		}
		e.notify.forget(authReqID)
		return req, nil

	default:
		return nil, oidc.ServerError("backchannel request is in an unknown state")
	}
}

// longPoll blocks until the request transitions, the wait budget runs
// out, or the caller disconnects. Timeouts surface as a plain pending
// answer.
func (e *Engine) longPoll(ctx context.Context, client *clients.ClientInfo, authReqID string) (*storage.CIBARequest, error) {
	timer := time.NewTimer(e.cfg.LongPollWait)
	defer timer.Stop()

	select {
	case <-e.notify.channel(authReqID):
		return e.Redeem(ctx, client, authReqID)
	case <-timer.C:
		return nil, oidc.AuthorizationPending()
	case <-ctx.Done():
		return nil, oidc.AuthorizationPending()
	}
}

func newAuthReqID(size int) (string, error) {
	raw := make([]byte, size)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate auth_req_id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
