// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

// Package storage provides the storage interfaces and implementations for
// the authorization server: authorization contexts, pushed authorization
// requests, CIBA requests, device grants, auth sessions, registration
// handles, rate-limit counters, and the token status registry.
//
// The core holds only value copies obtained through these interfaces; every
// implementation must be safe for concurrent use. The single linearizable
// primitive the core depends on is TokenRegistry.TryConsume.
package storage

import (
	"context"
	"net/url"
	"time"
)

// TokenStatus is the lifecycle state of a registered JWT.
type TokenStatus string

// Token statuses.
const (
	// StatusActive is the benign default: tokens never recorded report
	// active.
	StatusActive TokenStatus = "active"

	// StatusUsed marks one-time-use artifacts (refresh tokens under
	// rotation, client assertions) that have been consumed.
	StatusUsed TokenStatus = "used"

	// StatusRevoked marks tokens withdrawn by revocation or logout.
	StatusRevoked TokenStatus = "revoked"
)

// Default TTLs for stored records.
const (
	DefaultCleanupInterval = time.Minute

	DefaultAuthorizationCodeTTL = time.Minute
	DefaultPushedRequestTTL     = time.Minute
	DefaultSessionTTL           = 24 * time.Hour
)

// AuthorizationContext is the server's persisted authorization decision,
// keyed by the authorization code. It is created when the decision is
// committed and consumed exactly once at the token endpoint.
type AuthorizationContext struct {
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	Scopes              []string  `json:"scopes"`
	Claims              string    `json:"claims,omitempty"`
	Nonce               string    `json:"nonce,omitempty"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	Resources           []string  `json:"resources,omitempty"`
	ResponseType        string    `json:"response_type"`
	ResponseMode        string    `json:"response_mode,omitempty"`
	Subject             string    `json:"subject"`
	SessionID           string    `json:"session_id,omitempty"`
	ACR                 string    `json:"acr,omitempty"`
	AuthTime            time.Time `json:"auth_time"`
	IssuedAt            time.Time `json:"issued_at"`
	ExpiresAt           time.Time `json:"expires_at"`
}

// CIBARequestState is the lifecycle state of a backchannel authentication
// request.
type CIBARequestState string

// CIBA request states. Pending is the only non-terminal state.
const (
	CIBAPending    CIBARequestState = "pending"
	CIBAAuthorized CIBARequestState = "authorized"
	CIBADenied     CIBARequestState = "denied"
	CIBAExpired    CIBARequestState = "expired"
)

// CIBARequest tracks one backchannel authentication request keyed by
// auth_req_id.
type CIBARequest struct {
	AuthReqID         string           `json:"auth_req_id"`
	ClientID          string           `json:"client_id"`
	Scopes            []string         `json:"scopes"`
	Resources         []string         `json:"resources,omitempty"`
	SubjectHint       string           `json:"subject_hint,omitempty"`
	Subject           string           `json:"subject,omitempty"`
	BindingMessage    string           `json:"binding_message,omitempty"`
	UserCode          string           `json:"user_code,omitempty"`
	State             CIBARequestState `json:"state"`
	DeliveryMode      string           `json:"delivery_mode"`
	NotificationToken string           `json:"notification_token,omitempty"`
	NotificationURI   string           `json:"notification_uri,omitempty"`
	PollInterval      time.Duration    `json:"poll_interval"`
	NextPollAt        time.Time        `json:"next_poll_at"`
	IssuedAt          time.Time        `json:"issued_at"`
	ExpiresAt         time.Time        `json:"expires_at"`
	AuthTime          time.Time        `json:"auth_time,omitempty"`
	ACR               string           `json:"acr,omitempty"`
	Consumed          bool             `json:"consumed"`
}

// DeviceGrantState mirrors CIBA states for the device authorization grant.
type DeviceGrantState string

// Device grant states.
const (
	DevicePending    DeviceGrantState = "pending"
	DeviceAuthorized DeviceGrantState = "authorized"
	DeviceDenied     DeviceGrantState = "denied"
	DeviceExpired    DeviceGrantState = "expired"
)

// DeviceGrant tracks one device authorization grant, addressable by both
// device_code (token endpoint polling) and user_code (verification).
type DeviceGrant struct {
	DeviceCode      string           `json:"device_code"`
	UserCode        string           `json:"user_code"`
	ClientID        string           `json:"client_id"`
	Scopes          []string         `json:"scopes"`
	VerificationURI string           `json:"verification_uri"`
	State           DeviceGrantState `json:"state"`
	Subject         string           `json:"subject,omitempty"`
	PollInterval    time.Duration    `json:"poll_interval"`
	LastPolledAt    time.Time        `json:"last_polled_at,omitempty"`
	IssuedAt        time.Time        `json:"issued_at"`
	ExpiresAt       time.Time        `json:"expires_at"`
	AuthTime        time.Time        `json:"auth_time,omitempty"`
	FailedAttempts  int              `json:"failed_attempts"`
	Consumed        bool             `json:"consumed"`
}

// AuthSession captures an end-user session. AffectedClientIDs lists every
// client that received a token under this session; it drives logout fanout.
// Clients are referenced by id, never by pointer - the client catalogue is
// the source of truth.
type AuthSession struct {
	SessionID         string    `json:"session_id"`
	Subject           string    `json:"subject"`
	AuthTime          time.Time `json:"auth_time"`
	IdentityProvider  string    `json:"identity_provider,omitempty"`
	ACR               string    `json:"acr,omitempty"`
	AffectedClientIDs []string  `json:"affected_client_ids,omitempty"`
	ExpiresAt         time.Time `json:"expires_at"`
}

// RegistrationHandle binds a registration_access_token digest to the client
// it manages.
type RegistrationHandle struct {
	TokenDigest string    `json:"token_digest"`
	ClientID    string    `json:"client_id"`
	IssuedAt    time.Time `json:"issued_at"`
}

// TokenRegistry records the status of every issued jti.
type TokenRegistry interface {
	// SetStatus records a status for the jti with the given TTL. Idempotent.
	SetStatus(ctx context.Context, jti string, status TokenStatus, ttl time.Duration) error

	// TryConsume atomically moves the jti from active to used. It returns
	// false when the jti was already used or revoked. This is the only
	// linearizable primitive the core requires.
	TryConsume(ctx context.Context, jti string, ttl time.Duration) (bool, error)

	// GetStatus returns the recorded status, or StatusActive for a jti that
	// was never recorded.
	GetStatus(ctx context.Context, jti string) (TokenStatus, error)
}

// AuthorizationContextStore persists authorization decisions bound to codes.
type AuthorizationContextStore interface {
	// PutAuthorizationContext stores the context under the code hash.
	PutAuthorizationContext(ctx context.Context, code string, ac *AuthorizationContext) error

	// ConsumeAuthorizationContext atomically removes and returns the
	// context. A second consume of the same code returns ErrNotFound.
	ConsumeAuthorizationContext(ctx context.Context, code string) (*AuthorizationContext, error)
}

// PushedRequestStore persists authorization request parameters referenced by
// PAR handles and interaction round-trips.
type PushedRequestStore interface {
	PutPushedRequest(ctx context.Context, id string, form url.Values, ttl time.Duration) error

	// GetPushedRequest returns the parameters without consuming them, so an
	// interaction round-trip can re-resolve the same handle.
	GetPushedRequest(ctx context.Context, id string) (url.Values, error)

	// ConsumePushedRequest removes and returns the parameters. PAR handles
	// are single use at the authorization endpoint.
	ConsumePushedRequest(ctx context.Context, id string) (url.Values, error)
}

// CIBARequestStore persists backchannel authentication requests.
type CIBARequestStore interface {
	PutCIBARequest(ctx context.Context, req *CIBARequest) error
	GetCIBARequest(ctx context.Context, authReqID string) (*CIBARequest, error)
	UpdateCIBARequest(ctx context.Context, req *CIBARequest) error
	DeleteCIBARequest(ctx context.Context, authReqID string) error
}

// DeviceGrantStore persists device authorization grants.
type DeviceGrantStore interface {
	PutDeviceGrant(ctx context.Context, grant *DeviceGrant) error
	GetDeviceGrant(ctx context.Context, deviceCode string) (*DeviceGrant, error)
	GetDeviceGrantByUserCode(ctx context.Context, userCode string) (*DeviceGrant, error)
	UpdateDeviceGrant(ctx context.Context, grant *DeviceGrant) error
	DeleteDeviceGrant(ctx context.Context, deviceCode string) error
}

// SessionStore persists end-user auth sessions.
type SessionStore interface {
	PutSession(ctx context.Context, session *AuthSession) error
	GetSession(ctx context.Context, sessionID string) (*AuthSession, error)

	// AddAffectedClient records that a client received a token under the
	// session. Duplicate ids are collapsed.
	AddAffectedClient(ctx context.Context, sessionID, clientID string) error

	DeleteSession(ctx context.Context, sessionID string) error
}

// RegistrationHandleStore persists registration access token bindings.
type RegistrationHandleStore interface {
	PutRegistrationHandle(ctx context.Context, handle *RegistrationHandle) error
	GetRegistrationHandle(ctx context.Context, tokenDigest string) (*RegistrationHandle, error)
	DeleteRegistrationHandle(ctx context.Context, tokenDigest string) error
}

// RateLimitStore tracks failure counters and backoff windows for the device
// grant's user-code verification.
type RateLimitStore interface {
	// IncrementCounter bumps the counter for key inside the sliding window
	// and returns the new count. The counter resets when the window lapses.
	IncrementCounter(ctx context.Context, key string, window time.Duration) (int, error)

	// SetBackoff blocks key until the given time.
	SetBackoff(ctx context.Context, key string, until time.Time) error

	// GetBackoff returns the time until which key is blocked; the zero time
	// means not blocked.
	GetBackoff(ctx context.Context, key string) (time.Time, error)
}

// Storage aggregates every capability the authorization server persists.
type Storage interface {
	TokenRegistry
	AuthorizationContextStore
	PushedRequestStore
	CIBARequestStore
	DeviceGrantStore
	SessionStore
	RegistrationHandleStore
	RateLimitStore

	// Health reports backend availability.
	Health(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
