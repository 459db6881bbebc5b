// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

// Package registration implements dynamic client registration and
// management (RFC 7591 and RFC 7592). Registered clients land in the
// same catalogue static clients are loaded into; management calls are
// authenticated by a registration_access_token bound to the client.
package registration

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"

	"github.com/authgate/authgate/pkg/clients"
	"github.com/authgate/authgate/pkg/keys"
	"github.com/authgate/authgate/pkg/logger"
	"github.com/authgate/authgate/pkg/oidc"
	"github.com/authgate/authgate/pkg/storage"
	"github.com/authgate/authgate/pkg/tokens"
)

// clientSecretBytes sizes generated secrets at 256 bits.
const clientSecretBytes = 32

// Metadata is the RFC 7591 client metadata document, both the request
// body on register/update and the bulk of every response. ClientID is
// server-assigned: Register ignores it, Update requires it to name the
// authenticated client.
type Metadata struct {
	ClientID string `json:"client_id,omitempty"`

	RedirectURIs            []string `json:"redirect_uris,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	Scope                   string   `json:"scope,omitempty"`

	JWKS    *jose.JSONWebKeySet `json:"jwks,omitempty"`
	JwksURI string              `json:"jwks_uri,omitempty"`

	SubjectType      string `json:"subject_type,omitempty"`
	SectorIdentifier string `json:"sector_identifier_uri,omitempty"`

	IDTokenSignedResponseAlg  string `json:"id_token_signed_response_alg,omitempty"`
	UserInfoSignedResponseAlg string `json:"userinfo_signed_response_alg,omitempty"`
	RequestObjectSigningAlg   string `json:"request_object_signing_alg,omitempty"`

	PostLogoutRedirectURIs            []string `json:"post_logout_redirect_uris,omitempty"`
	FrontChannelLogoutURI             string   `json:"frontchannel_logout_uri,omitempty"`
	FrontChannelLogoutSessionRequired bool     `json:"frontchannel_logout_session_required,omitempty"`
	BackChannelLogoutURI              string   `json:"backchannel_logout_uri,omitempty"`
	BackChannelLogoutSessionRequired  bool     `json:"backchannel_logout_session_required,omitempty"`

	BackchannelTokenDeliveryMode          string `json:"backchannel_token_delivery_mode,omitempty"`
	BackchannelClientNotificationEndpoint string `json:"backchannel_client_notification_endpoint,omitempty"`
	BackchannelUserCodeParameter          bool   `json:"backchannel_user_code_parameter,omitempty"`
}

// Response is the registration envelope: metadata echoed back plus the
// issued identifiers and credentials.
type Response struct {
	Metadata

	ClientID              string `json:"client_id"`
	ClientIDIssuedAt      int64  `json:"client_id_issued_at,omitempty"`
	ClientSecret          string `json:"client_secret,omitempty"`
	ClientSecretExpiresAt int64  `json:"client_secret_expires_at"`

	RegistrationAccessToken string `json:"registration_access_token,omitempty"`
	RegistrationClientURI   string `json:"registration_client_uri,omitempty"`
}

// Service implements the registration endpoint.
type Service struct {
	catalogue clients.Manager
	handles   storage.RegistrationHandleStore
	tokens    *tokens.Service
	resolver  *clients.JWKSResolver

	// registrationURI is the management endpoint base; the client id is
	// appended per RFC 7592.
	registrationURI string

	now func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithJWKSResolver lets the service drop cached key sets when a client
// is updated or deleted.
func WithJWKSResolver(resolver *clients.JWKSResolver) ServiceOption {
	return func(s *Service) { s.resolver = resolver }
}

// WithClock substitutes the time source, for tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService builds the registration service.
func NewService(
	catalogue clients.Manager,
	handles storage.RegistrationHandleStore,
	tokenSvc *tokens.Service,
	registrationURI string,
	opts ...ServiceOption,
) *Service {
	s := &Service{
		catalogue:       catalogue,
		handles:         handles,
		tokens:          tokenSvc,
		registrationURI: strings.TrimSuffix(registrationURI, "/"),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register creates a client from the submitted metadata and issues its
// credentials. The raw client_secret appears in this response only; the
// catalogue keeps digests.
func (s *Service) Register(ctx context.Context, meta *Metadata) (*Response, error) {
	applyDefaults(meta)

	client := toClientInfo(meta)
	client.ClientID = uuid.NewString()
	client.CreatedAt = s.now()

	if err := client.Validate(keys.IsSupportedSignatureAlgorithm); err != nil {
		return nil, metadataError(err)
	}

	var rawSecret string
	if needsSecret(meta.TokenEndpointAuthMethod) {
		var err error
		if rawSecret, err = newClientSecret(); err != nil {
			return nil, oidc.ServerError("failed to generate client credentials")
		}
		client.Secrets = []clients.ClientSecret{{
			Sha256Digest: clients.HashSecretSHA256(rawSecret),
			Sha512Digest: clients.HashSecretSHA512(rawSecret),
			// The raw value stays only for clients that may sign with it.
			Value: symmetricValue(meta, rawSecret),
		}}
	}

	accessToken, err := s.tokens.MintRegistrationAccessToken(ctx, client.ClientID)
	if err != nil {
		return nil, oidc.ServerError("failed to mint registration access token")
	}
	if err := s.handles.PutRegistrationHandle(ctx, &storage.RegistrationHandle{
		TokenDigest: clients.HashSecretSHA256(accessToken),
		ClientID:    client.ClientID,
		IssuedAt:    s.now(),
	}); err != nil {
		return nil, oidc.ServerError("failed to store registration handle")
	}

	if err := s.catalogue.AddClient(ctx, client); err != nil {
		return nil, oidc.ServerError("failed to store the client")
	}
	logger.Infow("registered client", "client_id", client.ClientID, "client_name", client.ClientName)

	resp := s.response(client)
	resp.ClientSecret = rawSecret
	resp.RegistrationAccessToken = accessToken
	return resp, nil
}

// Read returns the client's current metadata. The bearer token must be
// the registration_access_token bound to the client.
func (s *Service) Read(ctx context.Context, clientID, bearer string) (*Response, error) {
	if err := s.authenticate(ctx, clientID, bearer); err != nil {
		return nil, err
	}
	client, err := s.catalogue.GetClient(ctx, clientID)
	if err != nil {
		return nil, oidc.NewError(oidc.ErrCodeInvalidToken, "unknown client")
	}
	return s.response(client), nil
}

// Update replaces the client's metadata. Credentials and the
// registration_access_token survive the update; only metadata moves.
func (s *Service) Update(ctx context.Context, clientID, bearer string, meta *Metadata) (*Response, error) {
	if err := s.authenticate(ctx, clientID, bearer); err != nil {
		return nil, err
	}
	// RFC 7592 §2.2: the body must carry the client_id of the client
	// being updated.
	if meta.ClientID != clientID {
		return nil, oidc.NewError(oidc.ErrCodeInvalidClientMetadata,
			"client_id in the request body must name the authenticated client")
	}
	existing, err := s.catalogue.GetClient(ctx, clientID)
	if err != nil {
		return nil, oidc.NewError(oidc.ErrCodeInvalidToken, "unknown client")
	}

	applyDefaults(meta)
	updated := toClientInfo(meta)
	updated.ClientID = clientID
	updated.Secrets = existing.Secrets
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = s.now()

	if err := updated.Validate(keys.IsSupportedSignatureAlgorithm); err != nil {
		return nil, metadataError(err)
	}
	if err := s.catalogue.UpdateClient(ctx, updated); err != nil {
		return nil, oidc.ServerError("failed to update the client")
	}

	s.invalidateKeys(existing.JwksURI)
	if updated.JwksURI != existing.JwksURI {
		s.invalidateKeys(updated.JwksURI)
	}
	return s.response(updated), nil
}

// Delete removes the client. Its secrets, its registration token, and
// every grant die with it: outstanding codes and refresh tokens name a
// client_id that no longer authenticates.
func (s *Service) Delete(ctx context.Context, clientID, bearer string) error {
	if err := s.authenticate(ctx, clientID, bearer); err != nil {
		return err
	}
	client, err := s.catalogue.GetClient(ctx, clientID)
	if err != nil {
		return oidc.NewError(oidc.ErrCodeInvalidToken, "unknown client")
	}

	if err := s.catalogue.RemoveClient(ctx, clientID); err != nil {
		return oidc.ServerError("failed to delete the client")
	}
	if err := s.handles.DeleteRegistrationHandle(ctx, clients.HashSecretSHA256(bearer)); err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.Warnw("failed to delete registration handle", "client_id", clientID, "error", err)
	}
	s.invalidateKeys(client.JwksURI)
	logger.Infow("deleted client", "client_id", clientID)
	return nil
}

// authenticate binds the bearer token to the path's client id through
// the handle store. A token bound to another client is indistinguishable
// from an unknown one.
func (s *Service) authenticate(ctx context.Context, clientID, bearer string) error {
	if bearer == "" {
		return oidc.NewError(oidc.ErrCodeInvalidToken, "a registration access token is required")
	}
	handle, err := s.handles.GetRegistrationHandle(ctx, clients.HashSecretSHA256(bearer))
	if err != nil || handle.ClientID != clientID {
		return oidc.NewError(oidc.ErrCodeInvalidToken, "the registration access token does not match this client")
	}
	return nil
}

func (s *Service) invalidateKeys(jwksURI string) {
	if s.resolver != nil && jwksURI != "" {
		s.resolver.Invalidate(jwksURI)
	}
}

func (s *Service) response(client *clients.ClientInfo) *Response {
	resp := &Response{
		Metadata: fromClientInfo(client),
		ClientID: client.ClientID,
	}
	if !client.CreatedAt.IsZero() {
		resp.ClientIDIssuedAt = client.CreatedAt.Unix()
	}
	if s.registrationURI != "" {
		resp.RegistrationClientURI = s.registrationURI + "/" + client.ClientID
	}
	return resp
}

// applyDefaults fills the RFC 7591 §2 fallbacks.
func applyDefaults(meta *Metadata) {
	if meta.TokenEndpointAuthMethod == "" {
		meta.TokenEndpointAuthMethod = oidc.AuthMethodClientSecretBasic
	}
	if len(meta.GrantTypes) == 0 {
		meta.GrantTypes = []string{oidc.GrantTypeAuthorizationCode}
	}
	if len(meta.ResponseTypes) == 0 {
		meta.ResponseTypes = []string{oidc.ResponseTypeCode}
	}
	if meta.SubjectType == "" {
		meta.SubjectType = oidc.SubjectTypePublic
	}
}

// needsSecret reports whether the auth method authenticates with a
// shared secret the server must generate.
func needsSecret(method string) bool {
	switch method {
	case oidc.AuthMethodClientSecretBasic, oidc.AuthMethodClientSecretPost, oidc.AuthMethodClientSecretJWT:
		return true
	default:
		return false
	}
}

// symmetricValue keeps the raw secret only when the client registered a
// use for it: HMAC client assertions or HS-signed tokens.
func symmetricValue(meta *Metadata, secret string) string {
	if meta.TokenEndpointAuthMethod == oidc.AuthMethodClientSecretJWT ||
		strings.HasPrefix(meta.IDTokenSignedResponseAlg, "HS") ||
		strings.HasPrefix(meta.RequestObjectSigningAlg, "HS") {
		return secret
	}
	return ""
}

func newClientSecret() (string, error) {
	raw := make([]byte, clientSecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate client secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// metadataError distinguishes the two RFC 7591 error codes.
func metadataError(err error) *oidc.Error {
	if strings.Contains(err.Error(), "redirect_uri") {
		return oidc.NewError(oidc.ErrCodeInvalidRedirectURI, err.Error())
	}
	return oidc.NewError(oidc.ErrCodeInvalidClientMetadata, err.Error())
}

func toClientInfo(meta *Metadata) *clients.ClientInfo {
	clientType := clients.ClientTypeConfidential
	if meta.TokenEndpointAuthMethod == oidc.AuthMethodNone {
		clientType = clients.ClientTypePublic
	}
	return &clients.ClientInfo{
		ClientName:              meta.ClientName,
		ClientType:              clientType,
		RedirectURIs:            meta.RedirectURIs,
		PostLogoutRedirectURIs:  meta.PostLogoutRedirectURIs,
		GrantTypes:              meta.GrantTypes,
		ResponseTypes:           meta.ResponseTypes,
		AllowedScopes:           strings.Fields(meta.Scope),
		TokenEndpointAuthMethod: meta.TokenEndpointAuthMethod,

		IDTokenSignedResponseAlg:  meta.IDTokenSignedResponseAlg,
		UserInfoSignedResponseAlg: meta.UserInfoSignedResponseAlg,
		RequestObjectSigningAlg:   meta.RequestObjectSigningAlg,

		JWKS:    meta.JWKS,
		JwksURI: meta.JwksURI,

		SubjectType:      meta.SubjectType,
		SectorIdentifier: meta.SectorIdentifier,

		FrontChannelLogoutURI:             meta.FrontChannelLogoutURI,
		FrontChannelLogoutSessionRequired: meta.FrontChannelLogoutSessionRequired,
		BackChannelLogoutURI:              meta.BackChannelLogoutURI,
		BackChannelLogoutSessionRequired:  meta.BackChannelLogoutSessionRequired,

		BackchannelTokenDeliveryMode:          meta.BackchannelTokenDeliveryMode,
		BackchannelClientNotificationEndpoint: meta.BackchannelClientNotificationEndpoint,
		BackchannelUserCodeParameter:          meta.BackchannelUserCodeParameter,
	}
}

func fromClientInfo(client *clients.ClientInfo) Metadata {
	return Metadata{
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		ClientName:              client.ClientName,
		Scope:                   strings.Join(client.AllowedScopes, " "),

		JWKS:    client.JWKS,
		JwksURI: client.JwksURI,

		SubjectType:      client.SubjectType,
		SectorIdentifier: client.SectorIdentifier,

		IDTokenSignedResponseAlg:  client.IDTokenSignedResponseAlg,
		UserInfoSignedResponseAlg: client.UserInfoSignedResponseAlg,
		RequestObjectSigningAlg:   client.RequestObjectSigningAlg,

		PostLogoutRedirectURIs:            client.PostLogoutRedirectURIs,
		FrontChannelLogoutURI:             client.FrontChannelLogoutURI,
		FrontChannelLogoutSessionRequired: client.FrontChannelLogoutSessionRequired,
		BackChannelLogoutURI:              client.BackChannelLogoutURI,
		BackChannelLogoutSessionRequired:  client.BackChannelLogoutSessionRequired,

		BackchannelTokenDeliveryMode:          client.BackchannelTokenDeliveryMode,
		BackchannelClientNotificationEndpoint: client.BackchannelClientNotificationEndpoint,
		BackchannelUserCodeParameter:          client.BackchannelUserCodeParameter,
	}
}
