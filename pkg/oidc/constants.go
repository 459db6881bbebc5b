// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

// Package oidc defines the protocol vocabulary shared by every endpoint:
// grant types, response types and modes, client authentication methods,
// standard parameter names, and the typed error values of RFC 6749 and the
// OpenID Connect family.
package oidc

// Grant type identifiers accepted at the token endpoint.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
	GrantTypeCIBA              = "urn:openid:params:grant-type:ciba"
	GrantTypeJWTBearer         = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	GrantTypeImplicit          = "implicit"
)

// Response type values. A response_type parameter is a space-separated set
// of these.
const (
	ResponseTypeCode    = "code"
	ResponseTypeToken   = "token"
	ResponseTypeIDToken = "id_token"
)

// Response modes controlling how artifacts are returned to the client.
const (
	ResponseModeQuery    = "query"
	ResponseModeFragment = "fragment"
	ResponseModeFormPost = "form_post"
)

// Flow is the authorization flow detected from the response_type set.
type Flow int

// Authorization flows.
const (
	FlowUnknown Flow = iota
	FlowAuthorizationCode
	FlowImplicit
	FlowHybrid
)

// String returns the conventional name of the flow.
func (f Flow) String() string {
	switch f {
	case FlowAuthorizationCode:
		return "authorization_code"
	case FlowImplicit:
		return "implicit"
	case FlowHybrid:
		return "hybrid"
	default:
		return "unknown"
	}
}

// Token endpoint client authentication methods.
const (
	AuthMethodNone                    = "none"
	AuthMethodClientSecretBasic       = "client_secret_basic"
	AuthMethodClientSecretPost        = "client_secret_post"
	AuthMethodClientSecretJWT         = "client_secret_jwt"
	AuthMethodPrivateKeyJWT           = "private_key_jwt"
	AuthMethodTLSClientAuth           = "tls_client_auth"
	AuthMethodSelfSignedTLSClientAuth = "self_signed_tls_client_auth"
)

// ClientAssertionTypeJWTBearer is the assertion type for JWT client
// authentication per RFC 7523.
const ClientAssertionTypeJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// RequestURIPrefixPAR is the URN prefix of request_uri handles minted by the
// pushed authorization request endpoint (RFC 9126).
const RequestURIPrefixPAR = "urn:ietf:params:oauth:request_uri:"

// Subject identifier types.
const (
	SubjectTypePublic   = "public"
	SubjectTypePairwise = "pairwise"
)

// Client application types.
const (
	ApplicationTypePublic       = "public"
	ApplicationTypeConfidential = "confidential"
)

// PKCE code challenge methods (RFC 7636).
const (
	CodeChallengeMethodPlain = "plain"
	CodeChallengeMethodS256  = "S256"
)

// CIBA token delivery modes.
const (
	BackchannelDeliveryPoll = "poll"
	BackchannelDeliveryPing = "ping"
	BackchannelDeliveryPush = "push"
)

// Standard scopes.
const (
	ScopeOpenID        = "openid"
	ScopeProfile       = "profile"
	ScopeEmail         = "email"
	ScopeAddress       = "address"
	ScopePhone         = "phone"
	ScopeOfflineAccess = "offline_access"
)

// Prompt parameter values (OpenID Connect Core 3.1.2.1).
const (
	PromptNone          = "none"
	PromptLogin         = "login"
	PromptConsent       = "consent"
	PromptSelectAccount = "select_account"
)

// Common request parameter names.
const (
	ParamClientID            = "client_id"
	ParamClientSecret        = "client_secret"
	ParamResponseType        = "response_type"
	ParamResponseMode        = "response_mode"
	ParamRedirectURI         = "redirect_uri"
	ParamScope               = "scope"
	ParamState               = "state"
	ParamNonce               = "nonce"
	ParamCode                = "code"
	ParamCodeChallenge       = "code_challenge"
	ParamCodeChallengeMethod = "code_challenge_method"
	ParamCodeVerifier        = "code_verifier"
	ParamGrantType           = "grant_type"
	ParamRefreshToken        = "refresh_token"
	ParamDeviceCode          = "device_code"
	ParamUserCode            = "user_code"
	ParamAuthReqID           = "auth_req_id"
	ParamAssertion           = "assertion"
	ParamClientAssertion     = "client_assertion"
	ParamClientAssertionType = "client_assertion_type"
	ParamRequest             = "request"
	ParamRequestURI          = "request_uri"
	ParamPrompt              = "prompt"
	ParamMaxAge              = "max_age"
	ParamACRValues           = "acr_values"
	ParamClaims              = "claims"
	ParamResource            = "resource"
	ParamLoginHint           = "login_hint"
	ParamIDTokenHint         = "id_token_hint"
	ParamLoginHintToken      = "login_hint_token"
	ParamBindingMessage      = "binding_message"
	ParamNotificationToken   = "client_notification_token"
	ParamRequestedExpiry     = "requested_expiry"
	ParamToken               = "token"
	ParamTokenTypeHint       = "token_type_hint"
	ParamPostLogoutRedirect  = "post_logout_redirect_uri"
	ParamLogoutToken         = "logout_token"
	ParamAccessToken         = "access_token"
	ParamIDToken             = "id_token"
	ParamExpiresIn           = "expires_in"
	ParamTokenType           = "token_type"
)

// TokenTypeBearer is the access token type issued by this server.
const TokenTypeBearer = "Bearer"

// BackchannelLogoutEvent is the member name of the events claim in a
// logout_token (OpenID Back-Channel Logout 1.0).
const BackchannelLogoutEvent = "http://schemas.openid.net/event/backchannel-logout"
