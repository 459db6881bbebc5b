// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

// Package device implements the device authorization grant (RFC 8628):
// device_code/user_code issuance, user-code verification with per-IP
// and per-code rate limiting, and token endpoint polling semantics.
package device

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/authgate/authgate/pkg/clients"
	"github.com/authgate/authgate/pkg/logger"
	"github.com/authgate/authgate/pkg/oidc"
	"github.com/authgate/authgate/pkg/storage"
)

// Defaults for the engine knobs.
const (
	DefaultCodeLifetime = 10 * time.Minute
	DefaultPollInterval = 5 * time.Second

	DefaultMaxUserCodeFailures = 3
	DefaultMaxIPFailures       = 10
	DefaultRateLimitWindow     = time.Minute
	DefaultMaxBackoff          = time.Hour

	// pollTolerance absorbs client-side clock jitter: a poll only
	// counts as premature when it beats interval minus this.
	pollTolerance = 2 * time.Second
)

// ErrRateLimited is returned by Verify while a backoff window is open.
var ErrRateLimited = errors.New("too many verification attempts")

// ErrUnknownUserCode is returned by Verify for codes that do not match
// an open grant.
var ErrUnknownUserCode = errors.New("unknown user code")

// Config tunes the device grant engine. The zero value of every field
// except VerificationURI falls back to the package defaults.
type Config struct {
	// VerificationURI is the page the end user visits; HTTPS is
	// mandatory.
	VerificationURI string

	CodeLifetime time.Duration
	PollInterval time.Duration

	// UserCodeLength of zero picks the shortest code over the alphabet
	// carrying 128 bits; an explicit length below that floor is refused.
	UserCodeLength   int
	UserCodeAlphabet string

	MaxUserCodeFailures int
	MaxIPFailures       int
	RateLimitWindow     time.Duration
	MaxBackoff          time.Duration
}

func (c *Config) withDefaults() (Config, error) {
	out := *c
	u, err := url.Parse(out.VerificationURI)
	if err != nil || u.Scheme != "https" {
		return out, fmt.Errorf("verification_uri must be an https URL, got %q", out.VerificationURI)
	}
	if out.CodeLifetime <= 0 {
		out.CodeLifetime = DefaultCodeLifetime
	}
	if out.PollInterval <= 0 {
		out.PollInterval = DefaultPollInterval
	}
	if out.UserCodeAlphabet == "" {
		out.UserCodeAlphabet = DefaultUserCodeAlphabet
	}
	if len(out.UserCodeAlphabet) < 2 {
		return out, fmt.Errorf("user_code alphabet needs at least two characters")
	}
	minLength := minUserCodeLength(out.UserCodeAlphabet)
	if out.UserCodeLength <= 0 {
		out.UserCodeLength = minLength
	}
	if out.UserCodeLength < minLength {
		return out, fmt.Errorf("user_code length %d over a %d-character alphabet carries fewer than %d bits, need at least %d characters",
			out.UserCodeLength, len(out.UserCodeAlphabet), userCodeEntropyBits, minLength)
	}
	if out.MaxUserCodeFailures <= 0 {
		out.MaxUserCodeFailures = DefaultMaxUserCodeFailures
	}
	if out.MaxIPFailures <= 0 {
		out.MaxIPFailures = DefaultMaxIPFailures
	}
	if out.RateLimitWindow <= 0 {
		out.RateLimitWindow = DefaultRateLimitWindow
	}
	if out.MaxBackoff <= 0 {
		out.MaxBackoff = DefaultMaxBackoff
	}
	return out, nil
}

// Engine drives the device grant state machine.
type Engine struct {
	grants   storage.DeviceGrantStore
	limits   storage.RateLimitStore
	registry storage.TokenRegistry
	cfg      Config
	now      func() time.Time
}

// NewEngine validates the configuration and builds the engine. The
// registry arbitrates redemption, so a device_code converts exactly
// once even across concurrent polls.
func NewEngine(grants storage.DeviceGrantStore, limits storage.RateLimitStore, registry storage.TokenRegistry, cfg Config) (*Engine, error) {
	resolved, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	return &Engine{grants: grants, limits: limits, registry: registry, cfg: resolved, now: time.Now}, nil
}

// WithClock substitutes the time source, for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// AuthorizationResponse is the RFC 8628 §3.2 envelope.
type AuthorizationResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	ExpiresIn               int64  `json:"expires_in"`
	Interval                int64  `json:"interval"`
}

// Authorize opens a device grant for the authenticated client.
func (e *Engine) Authorize(ctx context.Context, client *clients.ClientInfo, scopes []string) (*AuthorizationResponse, error) {
	if !client.AllowsGrantType(oidc.GrantTypeDeviceCode) {
		return nil, oidc.NewError(oidc.ErrCodeUnauthorizedClient, "client is not authorized for the device grant")
	}

	deviceCode, err := newDeviceCode()
	if err != nil {
		return nil, err
	}
	userCode, err := newUserCode(e.cfg.UserCodeAlphabet, e.cfg.UserCodeLength)
	if err != nil {
		return nil, err
	}

	now := e.now()
	grant := &storage.DeviceGrant{
		DeviceCode:      deviceCode,
		UserCode:        userCode,
		ClientID:        client.ClientID,
		Scopes:          scopes,
		VerificationURI: e.cfg.VerificationURI,
		State:           storage.DevicePending,
		PollInterval:    e.cfg.PollInterval,
		IssuedAt:        now,
		ExpiresAt:       now.Add(e.cfg.CodeLifetime),
	}
	if err := e.grants.PutDeviceGrant(ctx, grant); err != nil {
		return nil, err
	}

	display := FormatUserCode(userCode)
	return &AuthorizationResponse{
		DeviceCode:              deviceCode,
		UserCode:                display,
		VerificationURI:         e.cfg.VerificationURI,
		VerificationURIComplete: e.cfg.VerificationURI + "?user_code=" + url.QueryEscape(display),
		ExpiresIn:               int64(e.cfg.CodeLifetime.Seconds()),
		Interval:                int64(e.cfg.PollInterval.Seconds()),
	}, nil
}

// Verify resolves a user-entered code to its pending grant. Failures
// feed the per-IP and per-code counters; exceeding either opens an
// exponential backoff window capped at MaxBackoff.
func (e *Engine) Verify(ctx context.Context, userCode, remoteIP string) (*storage.DeviceGrant, error) {
	normalized := NormalizeUserCode(userCode)
	ipKey := "device:ip:" + remoteIP
	codeKey := "device:uc:" + normalized

	for _, key := range []string{ipKey, codeKey} {
		until, err := e.limits.GetBackoff(ctx, key)
		if err != nil {
			return nil, err
		}
		if e.now().Before(until) {
			return nil, ErrRateLimited
		}
	}

	grant, err := e.grants.GetDeviceGrantByUserCode(ctx, normalized)
	if err == nil && grant.State == storage.DevicePending && e.now().Before(grant.ExpiresAt) {
		return grant, nil
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, storage.ErrExpired) {
		return nil, err
	}

	if rlErr := e.recordFailure(ctx, ipKey, e.cfg.MaxIPFailures); rlErr != nil {
		return nil, rlErr
	}
	if rlErr := e.recordFailure(ctx, codeKey, e.cfg.MaxUserCodeFailures); rlErr != nil {
		return nil, rlErr
	}
	return nil, ErrUnknownUserCode
}

// recordFailure bumps the counter and, past the threshold, opens a
// backoff window that doubles with every further failure.
func (e *Engine) recordFailure(ctx context.Context, key string, threshold int) error {
	count, err := e.limits.IncrementCounter(ctx, key, e.cfg.RateLimitWindow)
	if err != nil {
		return err
	}
	if count < threshold {
		return nil
	}

	backoff := e.cfg.RateLimitWindow << uint(count-threshold)
	if backoff > e.cfg.MaxBackoff || backoff <= 0 {
		backoff = e.cfg.MaxBackoff
	}
	until := e.now().Add(backoff)
	if err := e.limits.SetBackoff(ctx, key, until); err != nil {
		return err
	}
	logger.Infow("device verification backoff opened", "key", key, "until", until)
	return ErrRateLimited
}

// Approve records the end user's decision for the grant behind a
// verified user code.
func (e *Engine) Approve(ctx context.Context, userCode, subject string) error {
	return e.decide(ctx, userCode, func(grant *storage.DeviceGrant) {
		grant.State = storage.DeviceAuthorized
		grant.Subject = subject
		grant.AuthTime = e.now()
	})
}

// Deny records a rejection.
func (e *Engine) Deny(ctx context.Context, userCode string) error {
	return e.decide(ctx, userCode, func(grant *storage.DeviceGrant) {
		grant.State = storage.DeviceDenied
	})
}

func (e *Engine) decide(ctx context.Context, userCode string, apply func(*storage.DeviceGrant)) error {
	grant, err := e.grants.GetDeviceGrantByUserCode(ctx, NormalizeUserCode(userCode))
	if err != nil {
		return err
	}
	if grant.State != storage.DevicePending {
		return fmt.Errorf("device grant is already %s", grant.State)
	}
	if !e.now().Before(grant.ExpiresAt) {
		return storage.ErrExpired
	}
	apply(grant)
	return e.grants.UpdateDeviceGrant(ctx, grant)
}

// Redeem implements the token endpoint's polling view of the grant.
// Pending grants answer authorization_pending, premature polls answer
// slow_down, and an approved grant is consumed exactly once.
func (e *Engine) Redeem(ctx context.Context, client *clients.ClientInfo, deviceCode string) (*storage.DeviceGrant, error) {
	grant, err := e.grants.GetDeviceGrant(ctx, deviceCode)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrExpired) {
			return nil, oidc.InvalidGrant("unknown device_code")
		}
		return nil, err
	}
	if grant.ClientID != client.ClientID {
		return nil, oidc.InvalidGrant("device_code was issued to another client")
	}

	now := e.now()
	if grant.State == storage.DevicePending && !now.Before(grant.ExpiresAt) {
		grant.State = storage.DeviceExpired
		if err := e.grants.UpdateDeviceGrant(ctx, grant); err != nil {
			return nil, err
		}
	}

	switch grant.State {
	case storage.DevicePending:
		premature := !grant.LastPolledAt.IsZero() &&
			now.Before(grant.LastPolledAt.Add(grant.PollInterval-pollTolerance))
		grant.LastPolledAt = now
		if err := e.grants.UpdateDeviceGrant(ctx, grant); err != nil {
			return nil, err
		}
		if premature {
			return nil, oidc.SlowDown()
		}
		return nil, oidc.AuthorizationPending()

	case storage.DeviceDenied:
		return nil, oidc.NewError(oidc.ErrCodeAccessDenied, "the end user denied the request")

	case storage.DeviceExpired:
		return nil, oidc.ExpiredToken()

	case storage.DeviceAuthorized:
		if grant.Consumed {
			return nil, oidc.InvalidGrant("device_code was already redeemed")
		}
		// The registry, not the grant record, decides the winner of
		// concurrent polls.
		ttl := grant.ExpiresAt.Sub(now)
		if ttl < time.Minute {
			ttl = time.Minute
		}
		ok, err := e.registry.TryConsume(ctx, "device:"+deviceCode, ttl)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, oidc.InvalidGrant("device_code was already redeemed")
		}
		grant.Consumed = true
		if err := e.grants.UpdateDeviceGrant(ctx, grant); err != nil {
			return nil, err
		}
		return grant, nil

	default:
		return nil, oidc.ServerError("device grant is in an unknown state")
	}
}
