// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"

	"github.com/authgate/authgate/pkg/keys"
	"github.com/authgate/authgate/pkg/oidc"
)

// discoveryDocument is the OpenID Connect Discovery 1.0 / RFC 8414
// metadata advertised at /.well-known/openid-configuration.
type discoveryDocument struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	PAREndpoint           string `json:"pushed_authorization_request_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
	UserInfoEndpoint      string `json:"userinfo_endpoint,omitempty"`
	RevocationEndpoint    string `json:"revocation_endpoint"`
	IntrospectionEndpoint string `json:"introspection_endpoint"`
	EndSessionEndpoint    string `json:"end_session_endpoint"`
	CheckSessionIframe    string `json:"check_session_iframe"`
	RegistrationEndpoint  string `json:"registration_endpoint,omitempty"`
	DeviceEndpoint        string `json:"device_authorization_endpoint,omitempty"`
	CIBAEndpoint          string `json:"backchannel_authentication_endpoint,omitempty"`

	ScopesSupported        []string `json:"scopes_supported"`
	ResponseTypesSupported []string `json:"response_types_supported"`
	ResponseModesSupported []string `json:"response_modes_supported"`
	GrantTypesSupported    []string `json:"grant_types_supported"`
	SubjectTypesSupported  []string `json:"subject_types_supported"`

	IDTokenSigningAlgsSupported  []string `json:"id_token_signing_alg_values_supported"`
	UserInfoSigningAlgsSupported []string `json:"userinfo_signing_alg_values_supported,omitempty"`
	RequestObjectAlgsSupported   []string `json:"request_object_signing_alg_values_supported"`
	TokenAuthMethodsSupported    []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethods         []string `json:"code_challenge_methods_supported"`

	ClaimsParameterSupported     bool `json:"claims_parameter_supported"`
	RequestParameterSupported    bool `json:"request_parameter_supported"`
	RequestURIParameterSupported bool `json:"request_uri_parameter_supported"`

	FrontChannelLogoutSupported        bool `json:"frontchannel_logout_supported"`
	FrontChannelLogoutSessionSupported bool `json:"frontchannel_logout_session_supported"`
	BackChannelLogoutSupported         bool `json:"backchannel_logout_supported"`
	BackChannelLogoutSessionSupported  bool `json:"backchannel_logout_session_supported"`

	CIBADeliveryModesSupported []string `json:"backchannel_token_delivery_modes_supported,omitempty"`
	CIBAUserCodeSupported      bool     `json:"backchannel_user_code_parameter_supported,omitempty"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	signingAlgs := make([]string, 0, len(keys.SupportedSignatureAlgorithms))
	for _, alg := range keys.SupportedSignatureAlgorithms {
		signingAlgs = append(signingAlgs, string(alg))
	}

	doc := &discoveryDocument{
		Issuer:                s.issuer,
		AuthorizationEndpoint: s.issuer + PathAuthorize,
		PAREndpoint:           s.issuer + PathPAR,
		TokenEndpoint:         s.issuer + PathToken,
		JWKSURI:               s.issuer + PathJWKS,
		RevocationEndpoint:    s.issuer + PathRevocation,
		IntrospectionEndpoint: s.issuer + PathIntrospection,
		EndSessionEndpoint:    s.issuer + PathEndSession,
		CheckSessionIframe:    s.issuer + PathCheckSession,

		ScopesSupported: []string{
			oidc.ScopeOpenID, oidc.ScopeProfile, oidc.ScopeEmail,
			oidc.ScopeAddress, oidc.ScopePhone, oidc.ScopeOfflineAccess,
		},
		ResponseTypesSupported: []string{
			"code", "token", "id_token",
			"code id_token", "code token", "id_token token",
			"code id_token token",
		},
		ResponseModesSupported: []string{
			oidc.ResponseModeQuery, oidc.ResponseModeFragment, oidc.ResponseModeFormPost,
		},
		GrantTypesSupported: s.grantTypes(),
		SubjectTypesSupported: []string{
			oidc.SubjectTypePublic, oidc.SubjectTypePairwise,
		},

		// "none" is acceptable only where the relying party opts out of
		// signatures on its own tokens; verification paths never allow it.
		IDTokenSigningAlgsSupported: append(signingAlgs, "none"),
		RequestObjectAlgsSupported:  signingAlgs,
		TokenAuthMethodsSupported: []string{
			oidc.AuthMethodClientSecretBasic, oidc.AuthMethodClientSecretPost,
			oidc.AuthMethodClientSecretJWT, oidc.AuthMethodPrivateKeyJWT,
			oidc.AuthMethodTLSClientAuth, oidc.AuthMethodSelfSignedTLSClientAuth,
			oidc.AuthMethodNone,
		},
		CodeChallengeMethods: []string{
			oidc.CodeChallengeMethodS256, oidc.CodeChallengeMethodPlain,
		},

		ClaimsParameterSupported:     true,
		RequestParameterSupported:    true,
		RequestURIParameterSupported: true,

		FrontChannelLogoutSupported:        true,
		FrontChannelLogoutSessionSupported: true,
		BackChannelLogoutSupported:         true,
		BackChannelLogoutSessionSupported:  true,
	}

	if s.userinfo != nil {
		doc.UserInfoEndpoint = s.issuer + PathUserInfo
		doc.UserInfoSigningAlgsSupported = signingAlgs
	}
	if s.register != nil {
		doc.RegistrationEndpoint = s.issuer + PathRegister
	}
	if s.device != nil {
		doc.DeviceEndpoint = s.issuer + PathDeviceAuthorization
	}
	if s.ciba != nil {
		doc.CIBAEndpoint = s.issuer + PathCIBA
		doc.CIBADeliveryModesSupported = []string{
			oidc.BackchannelDeliveryPoll, oidc.BackchannelDeliveryPing, oidc.BackchannelDeliveryPush,
		}
		doc.CIBAUserCodeSupported = true
	}

	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) grantTypes() []string {
	types := []string{
		oidc.GrantTypeAuthorizationCode,
		oidc.GrantTypeImplicit,
		oidc.GrantTypeRefreshToken,
		oidc.GrantTypeClientCredentials,
		oidc.GrantTypeJWTBearer,
	}
	if s.device != nil {
		types = append(types, oidc.GrantTypeDeviceCode)
	}
	if s.ciba != nil {
		types = append(types, oidc.GrantTypeCIBA)
	}
	return types
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	keySet, err := s.deps.Keys.JWKS(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, keySet)
}
