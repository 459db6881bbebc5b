// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

package oidc

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes from RFC 6749 §5.2, RFC 7009, RFC 7662, RFC 7591/7592,
// RFC 8628, OpenID Connect Core and OpenID CIBA, plus the server extension
// missing_user_code.
const (
	ErrCodeInvalidRequest          = "invalid_request"
	ErrCodeInvalidClient           = "invalid_client"
	ErrCodeInvalidGrant            = "invalid_grant"
	ErrCodeUnauthorizedClient      = "unauthorized_client"
	ErrCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrCodeUnsupportedResponseType = "unsupported_response_type"
	ErrCodeInvalidScope            = "invalid_scope"
	ErrCodeAccessDenied            = "access_denied"
	ErrCodeServerError             = "server_error"
	ErrCodeTemporarilyUnavailable  = "temporarily_unavailable"

	ErrCodeInteractionRequired      = "interaction_required"
	ErrCodeLoginRequired            = "login_required"
	ErrCodeConsentRequired          = "consent_required"
	ErrCodeAccountSelectionRequired = "account_selection_required"
	ErrCodeRequestNotSupported      = "request_not_supported"
	ErrCodeRequestURINotSupported   = "request_uri_not_supported"
	ErrCodeInvalidRequestObject     = "invalid_request_object"
	ErrCodeInvalidRequestURI        = "invalid_request_uri"

	ErrCodeAuthorizationPending = "authorization_pending"
	ErrCodeSlowDown             = "slow_down"
	ErrCodeExpiredToken         = "expired_token"
	ErrCodeMissingUserCode      = "missing_user_code"
	ErrCodeInvalidUserCode      = "invalid_user_code"

	ErrCodeInvalidToken          = "invalid_token"
	ErrCodeInvalidRedirectURI    = "invalid_redirect_uri"
	ErrCodeInvalidClientMetadata = "invalid_client_metadata"

	ErrCodeInvalidTarget = "invalid_target"
)

// Error is the protocol error envelope returned by every endpoint:
// {error, error_description, error_uri?, state?}. Failures are values; the
// pipeline never uses panics for control flow.
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	URI         string `json:"error_uri,omitempty"`
	State       string `json:"state,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Is matches errors by protocol code so callers can use errors.Is with a
// bare NewError(code, "").
func (e *Error) Is(target error) bool {
	var oe *Error
	if !errors.As(target, &oe) {
		return false
	}
	return e.Code == oe.Code
}

// WithState returns a copy of the error carrying the request's state
// parameter for redirect delivery.
func (e *Error) WithState(state string) *Error {
	clone := *e
	clone.State = state
	return &clone
}

// StatusCode maps the error code to the HTTP status of a direct (non
// redirect) response.
func (e *Error) StatusCode() int {
	switch e.Code {
	case ErrCodeInvalidClient, ErrCodeInvalidToken:
		return http.StatusUnauthorized
	case ErrCodeServerError:
		return http.StatusInternalServerError
	case ErrCodeTemporarilyUnavailable:
		return http.StatusServiceUnavailable
	case ErrCodeAccessDenied:
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}

// NewError builds a typed protocol error.
func NewError(code, description string) *Error {
	return &Error{Code: code, Description: description}
}

// NewErrorf builds a typed protocol error with a formatted description.
func NewErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Description: fmt.Sprintf(format, args...)}
}

// Convenience constructors for the common codes.

// InvalidRequest signals a malformed or incomplete request.
func InvalidRequest(description string) *Error {
	return NewError(ErrCodeInvalidRequest, description)
}

// InvalidClient signals a failed client authentication. Per the error
// design, the concrete reason is logged but never surfaced.
func InvalidClient() *Error {
	return NewError(ErrCodeInvalidClient, "client authentication failed")
}

// InvalidGrant signals an invalid, expired, revoked or replayed grant.
func InvalidGrant(description string) *Error {
	return NewError(ErrCodeInvalidGrant, description)
}

// InvalidScope signals a scope outside the client's registration.
func InvalidScope(description string) *Error {
	return NewError(ErrCodeInvalidScope, description)
}

// ServerError signals an internal failure; the process stays alive.
func ServerError(description string) *Error {
	return NewError(ErrCodeServerError, description)
}

// AuthorizationPending is returned while a device or CIBA grant awaits the
// end user.
func AuthorizationPending() *Error {
	return NewError(ErrCodeAuthorizationPending, "the authorization request is still pending")
}

// SlowDown tells a polling client to increase its interval.
func SlowDown() *Error {
	return NewError(ErrCodeSlowDown, "polling too frequently")
}

// ExpiredToken is returned when a device_code or auth_req_id expired before
// the end user completed the interaction.
func ExpiredToken() *Error {
	return NewError(ErrCodeExpiredToken, "the grant expired before the user completed authorization")
}

// AsError converts any error into a protocol error, mapping unexpected
// failures to server_error without leaking internals.
func AsError(err error) *Error {
	var oe *Error
	if errors.As(err, &oe) {
		return oe
	}
	return ServerError("an unexpected error occurred")
}
