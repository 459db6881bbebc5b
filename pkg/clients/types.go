// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

// Package clients holds the registered client catalogue: the ClientInfo
// model, secret verification, JWKS resolution for asymmetric client
// keys, and pairwise subject derivation.
package clients

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/authgate/authgate/pkg/oidc"
)

// ClientType classifies a client's ability to hold credentials.
type ClientType string

const (
	// ClientTypePublic clients cannot keep a secret (native apps, SPAs).
	ClientTypePublic ClientType = "public"

	// ClientTypeConfidential clients authenticate at the token endpoint.
	ClientTypeConfidential ClientType = "confidential"
)

// PKCEPolicy controls proof-key requirements on the code flow.
type PKCEPolicy struct {
	// Required forces a code_challenge on every authorization request.
	Required bool `json:"required"`

	// PlainAllowed permits the "plain" challenge method. S256 is always
	// accepted.
	PlainAllowed bool `json:"plain_allowed"`
}

// ClientSecret is one credential of a confidential client. The raw
// value is optional; digests alone are sufficient for verification.
type ClientSecret struct {
	// Sha256Digest is the base64url-encoded SHA-256 of the secret.
	Sha256Digest string `json:"sha256,omitempty"`

	// Sha512Digest is the base64url-encoded SHA-512 of the secret.
	Sha512Digest string `json:"sha512,omitempty"`

	// Value is the raw secret. Kept only when symmetric client JWT
	// algorithms (HS256 family) need the original bytes.
	Value string `json:"value,omitempty"`

	// ExpiresAt disables the secret after the given instant when set.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the secret is past its expiration.
func (s *ClientSecret) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && now.After(*s.ExpiresAt)
}

// RefreshTokenPolicy controls refresh token lifetime and reuse.
type RefreshTokenPolicy struct {
	// AbsoluteExpiry bounds the whole refresh chain from first issue.
	AbsoluteExpiry time.Duration `json:"absolute_expiry,omitempty"`

	// SlidingExpiry, when non-zero, bounds the gap between consecutive
	// refreshes.
	SlidingExpiry time.Duration `json:"sliding_expiry,omitempty"`

	// AllowReuse permits presenting the same refresh token more than
	// once. When false, reuse revokes the whole chain.
	AllowReuse bool `json:"allow_reuse,omitempty"`
}

// MTLSAuth holds the expected certificate identity for tls_client_auth.
// Exactly one field should be set.
type MTLSAuth struct {
	SubjectDN string `json:"subject_dn,omitempty"`
	SanDNS    string `json:"san_dns,omitempty"`
	SanURI    string `json:"san_uri,omitempty"`
	SanIP     string `json:"san_ip,omitempty"`
	SanEmail  string `json:"san_email,omitempty"`
}

// ClientInfo is one entry of the client catalogue, keyed by ClientID.
type ClientInfo struct {
	ClientID   string     `json:"client_id"`
	ClientName string     `json:"client_name,omitempty"`
	ClientType ClientType `json:"client_type"`

	// Secrets are the client's credentials, newest first. Any
	// unexpired secret authenticates.
	Secrets []ClientSecret `json:"secrets,omitempty"`

	RedirectURIs           []string `json:"redirect_uris,omitempty"`
	PostLogoutRedirectURIs []string `json:"post_logout_redirect_uris,omitempty"`

	GrantTypes    []string `json:"grant_types,omitempty"`
	ResponseTypes []string `json:"response_types,omitempty"`
	AllowedScopes []string `json:"allowed_scopes,omitempty"`

	// TokenEndpointAuthMethod is the single registered way this client
	// authenticates at the token endpoint.
	TokenEndpointAuthMethod string `json:"token_endpoint_auth_method,omitempty"`

	// TokenEndpointAuthSigningAlg restricts assertion algorithms for
	// private_key_jwt / client_secret_jwt when set.
	TokenEndpointAuthSigningAlg string `json:"token_endpoint_auth_signing_alg,omitempty"`

	IDTokenSignedResponseAlg    string `json:"id_token_signed_response_alg,omitempty"`
	IDTokenEncryptedResponseAlg string `json:"id_token_encrypted_response_alg,omitempty"`
	IDTokenEncryptedResponseEnc string `json:"id_token_encrypted_response_enc,omitempty"`
	UserInfoSignedResponseAlg   string `json:"userinfo_signed_response_alg,omitempty"`
	RequestObjectSigningAlg     string `json:"request_object_signing_alg,omitempty"`

	// JWKS is the embedded key set. When present it is authoritative
	// and JwksURI is never consulted.
	JWKS    *jose.JSONWebKeySet `json:"jwks,omitempty"`
	JwksURI string              `json:"jwks_uri,omitempty"`

	PKCE PKCEPolicy `json:"pkce,omitempty"`

	AuthorizationCodeLifetime time.Duration      `json:"authorization_code_lifetime,omitempty"`
	AccessTokenLifetime       time.Duration      `json:"access_token_lifetime,omitempty"`
	IDTokenLifetime           time.Duration      `json:"id_token_lifetime,omitempty"`
	RefreshToken              RefreshTokenPolicy `json:"refresh_token,omitempty"`
	OfflineAccessAllowed      bool               `json:"offline_access_allowed,omitempty"`

	// SubjectType selects public or pairwise subject identifiers.
	SubjectType      string `json:"subject_type,omitempty"`
	SectorIdentifier string `json:"sector_identifier,omitempty"`

	FrontChannelLogoutURI             string `json:"frontchannel_logout_uri,omitempty"`
	FrontChannelLogoutSessionRequired bool   `json:"frontchannel_logout_session_required,omitempty"`
	BackChannelLogoutURI              string `json:"backchannel_logout_uri,omitempty"`
	BackChannelLogoutSessionRequired  bool   `json:"backchannel_logout_session_required,omitempty"`

	BackchannelTokenDeliveryMode          string `json:"backchannel_token_delivery_mode,omitempty"`
	BackchannelClientNotificationEndpoint string `json:"backchannel_client_notification_endpoint,omitempty"`
	BackchannelUserCodeParameter          bool   `json:"backchannel_user_code_parameter,omitempty"`

	MTLS *MTLSAuth `json:"mtls,omitempty"`

	// Registration metadata, set for dynamically registered clients.
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// IsConfidential reports whether the client can hold credentials.
func (c *ClientInfo) IsConfidential() bool {
	return c.ClientType == ClientTypeConfidential
}

// AllowsGrantType reports whether the client registered the grant type.
func (c *ClientInfo) AllowsGrantType(grantType string) bool {
	return slices.Contains(c.GrantTypes, grantType)
}

// AllowsResponseType reports whether the client registered the exact
// response-type combination.
func (c *ClientInfo) AllowsResponseType(responseType string) bool {
	return slices.Contains(c.ResponseTypes, responseType)
}

// AllowsRedirectURI matches byte-for-byte. Trailing slashes, case and
// percent-encoding are all significant.
func (c *ClientInfo) AllowsRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// AllowsPostLogoutRedirectURI matches byte-for-byte.
func (c *ClientInfo) AllowsPostLogoutRedirectURI(uri string) bool {
	return slices.Contains(c.PostLogoutRedirectURIs, uri)
}

// allowedRedirectSchemes for registered redirect URIs. Custom schemes
// for native apps must contain a dot per RFC 8252 §7.1.
func allowedRedirectScheme(u *url.URL) bool {
	switch u.Scheme {
	case "https", "http":
		return true
	default:
		// Reverse-domain custom schemes (com.example.app:/callback).
		return strings.Contains(u.Scheme, ".")
	}
}

// Validate enforces catalogue invariants. It is called on every
// registration and on static catalogue load.
func (c *ClientInfo) Validate(supportedAlgs func(alg string) bool) error {
	if c.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	if c.ClientType != ClientTypePublic && c.ClientType != ClientTypeConfidential {
		return fmt.Errorf("client %s: unknown client type %q", c.ClientID, c.ClientType)
	}

	for _, raw := range c.RedirectURIs {
		u, err := url.Parse(raw)
		if err != nil || !u.IsAbs() {
			return fmt.Errorf("client %s: redirect_uri %q is not absolute", c.ClientID, raw)
		}
		if u.Fragment != "" {
			return fmt.Errorf("client %s: redirect_uri %q must not contain a fragment", c.ClientID, raw)
		}
		if !allowedRedirectScheme(u) {
			return fmt.Errorf("client %s: redirect_uri %q has a disallowed scheme", c.ClientID, raw)
		}
	}

	if c.SubjectType == oidc.SubjectTypePairwise && c.SectorIdentifier == "" {
		return fmt.Errorf("client %s: pairwise subject type requires a sector_identifier", c.ClientID)
	}

	if supportedAlgs != nil {
		for _, alg := range []string{
			c.TokenEndpointAuthSigningAlg,
			c.IDTokenSignedResponseAlg,
			c.UserInfoSignedResponseAlg,
			c.RequestObjectSigningAlg,
		} {
			if alg != "" && alg != "none" && !supportedAlgs(alg) {
				return fmt.Errorf("client %s: unsupported algorithm %q", c.ClientID, alg)
			}
		}
	}

	if c.JWKS != nil && c.JwksURI != "" {
		return fmt.Errorf("client %s: jwks and jwks_uri are mutually exclusive", c.ClientID)
	}

	return nil
}
