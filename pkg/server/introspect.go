// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/authgate/authgate/pkg/logger"
	"github.com/authgate/authgate/pkg/oidc"
	"github.com/authgate/authgate/pkg/tokens"
)

// handleRevocation implements RFC 7009. Unknown, expired and foreign
// tokens all answer 200: revocation never confirms whether a token was
// live.
func (s *Server) handleRevocation(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, oidc.InvalidRequest("malformed request parameters"))
		return
	}
	client, err := s.deps.Authenticator.Authenticate(r.Context(), r)
	if err != nil {
		writeError(w, err)
		return
	}

	token := r.PostFormValue(oidc.ParamToken)
	if token == "" {
		writeError(w, oidc.InvalidRequest("token is required"))
		return
	}

	claims, err := s.deps.Tokens.Validate(r.Context(), token)
	if err == nil && claims.ClientID == client.ClientID {
		if err := s.deps.Tokens.Revoke(r.Context(), claims); err != nil {
			logger.Errorw("revocation failed", "client_id", client.ClientID, "error", err)
			writeError(w, oidc.ServerError("revocation failed"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

// introspectionResponse is the RFC 7662 envelope. Only Active is
// guaranteed; everything else appears for tokens the caller may see.
type introspectionResponse struct {
	Active    bool     `json:"active"`
	Scope     string   `json:"scope,omitempty"`
	ClientID  string   `json:"client_id,omitempty"`
	Subject   string   `json:"sub,omitempty"`
	TokenType string   `json:"token_type,omitempty"`
	ExpiresAt int64    `json:"exp,omitempty"`
	IssuedAt  int64    `json:"iat,omitempty"`
	NotBefore int64    `json:"nbf,omitempty"`
	Audience  []string `json:"aud,omitempty"`
	Issuer    string   `json:"iss,omitempty"`
	TokenID   string   `json:"jti,omitempty"`
	SessionID string   `json:"sid,omitempty"`
}

// handleIntrospection implements RFC 7662. A valid token whose audience
// does not include the caller reads as inactive; introspection leaks
// nothing across clients.
func (s *Server) handleIntrospection(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, oidc.InvalidRequest("malformed request parameters"))
		return
	}
	client, err := s.deps.Authenticator.Authenticate(r.Context(), r)
	if err != nil {
		writeError(w, err)
		return
	}

	token := r.PostFormValue(oidc.ParamToken)
	if token == "" {
		writeError(w, oidc.InvalidRequest("token is required"))
		return
	}

	claims, err := s.deps.Tokens.Validate(r.Context(), token)
	if err != nil || !callerMaySee(client.ClientID, claims) {
		writeJSON(w, http.StatusOK, &introspectionResponse{Active: false})
		return
	}

	writeJSON(w, http.StatusOK, &introspectionResponse{
		Active:    true,
		Scope:     claims.Scope,
		ClientID:  claims.ClientID,
		Subject:   claims.Subject,
		TokenType: oidc.TokenTypeBearer,
		ExpiresAt: claims.ExpiresAt,
		IssuedAt:  claims.IssuedAt,
		NotBefore: claims.NotBefore,
		Audience:  claims.Audience,
		Issuer:    claims.Issuer,
		TokenID:   claims.TokenID,
		SessionID: claims.SessionID,
	})
}

func callerMaySee(callerID string, claims *tokens.Claims) bool {
	return claims.ClientID == callerID || claims.Audience.Contains(callerID)
}

// handleUserInfo releases claims for the subject of a bearer access
// token. Clients registered with a userinfo signing algorithm receive a
// signed JWT instead of plain JSON.
func (s *Server) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		w.Header().Set("WWW-Authenticate", `Bearer realm="userinfo"`)
		writeJSON(w, http.StatusUnauthorized, oidc.NewError(oidc.ErrCodeInvalidToken, "a bearer access token is required"))
		return
	}

	claims, err := s.deps.Tokens.Validate(r.Context(), token)
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		writeJSON(w, http.StatusUnauthorized, oidc.NewError(oidc.ErrCodeInvalidToken, "the access token is invalid"))
		return
	}
	scopes := strings.Fields(claims.Scope)
	if !contains(scopes, oidc.ScopeOpenID) {
		writeJSON(w, http.StatusForbidden, oidc.InvalidScope("the access token has no openid scope"))
		return
	}

	released, err := s.userinfo.GetClaims(r.Context(), claims.Subject, scopes, nil)
	if err != nil {
		writeError(w, oidc.ServerError("failed to resolve user claims"))
		return
	}
	if released == nil {
		released = map[string]any{}
	}
	// sub is mandatory and always the token's subject, whatever the
	// provider returned.
	released["sub"] = claims.Subject

	if signed, ok := s.signedUserInfo(r, claims, released); ok {
		w.Header().Set("Content-Type", "application/jwt")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write([]byte(signed))
		return
	}
	writeJSON(w, http.StatusOK, released)
}

// signedUserInfo wraps the claims in a JWT when the client registered
// userinfo_signed_response_alg.
func (s *Server) signedUserInfo(r *http.Request, claims *tokens.Claims, released map[string]any) (string, bool) {
	if claims.ClientID == "" {
		return "", false
	}
	client, err := s.deps.Clients.GetClient(r.Context(), claims.ClientID)
	if err != nil || client.UserInfoSignedResponseAlg == "" || client.UserInfoSignedResponseAlg == "none" {
		return "", false
	}

	released["iss"] = s.issuer
	released["aud"] = client.ClientID
	payload, err := json.Marshal(released)
	if err != nil {
		return "", false
	}
	signed, err := s.deps.Keys.Sign(r.Context(), payload, "JWT")
	if err != nil {
		logger.Warnw("failed to sign userinfo response", "client_id", client.ClientID, "error", err)
		return "", false
	}
	return signed, true
}

// bearerToken pulls the access token from the Authorization header or,
// on POST, the form body.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return token
	}
	if r.Method == http.MethodPost {
		return r.PostFormValue(oidc.ParamAccessToken)
	}
	return ""
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
