// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

// Package server exposes the protocol surface over HTTP: discovery and
// key publication, the authorization and token endpoints, userinfo,
// revocation, introspection, session endpoints, backchannel and device
// authorization, and dynamic client registration. Handlers stay thin;
// every decision lives in the domain packages.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/authgate/authgate/pkg/authorize"
	"github.com/authgate/authgate/pkg/ciba"
	"github.com/authgate/authgate/pkg/clientauth"
	"github.com/authgate/authgate/pkg/clients"
	"github.com/authgate/authgate/pkg/device"
	"github.com/authgate/authgate/pkg/grants"
	"github.com/authgate/authgate/pkg/keys"
	"github.com/authgate/authgate/pkg/logger"
	"github.com/authgate/authgate/pkg/oidc"
	"github.com/authgate/authgate/pkg/registration"
	"github.com/authgate/authgate/pkg/session"
	"github.com/authgate/authgate/pkg/storage"
	"github.com/authgate/authgate/pkg/tokens"
)

// Endpoint paths, advertised through discovery.
const (
	PathDiscovery           = "/.well-known/openid-configuration"
	PathJWKS                = "/.well-known/jwks"
	PathAuthorize           = "/connect/authorize"
	PathPAR                 = "/connect/par"
	PathToken               = "/connect/token"
	PathUserInfo            = "/connect/userinfo"
	PathRevocation          = "/connect/revocation"
	PathIntrospection       = "/connect/introspection"
	PathEndSession          = "/connect/endsession"
	PathCheckSession        = "/connect/checksession"
	PathCIBA                = "/connect/ciba"
	PathDeviceAuthorization = "/connect/device_authorization"
	PathRegister            = "/connect/register"
)

// Rate limiting defaults for the protocol endpoints.
const (
	DefaultRateLimit       = 120
	DefaultRateLimitWindow = time.Minute
)

// UserInfoProvider releases claim values for a subject. The host
// implements it; the server only relays.
type UserInfoProvider interface {
	GetClaims(ctx context.Context, subject string, scopes []string, claimNames []string) (map[string]any, error)
}

// Dependencies are the collaborators every deployment needs.
type Dependencies struct {
	Authenticator *clientauth.Authenticator
	Authorizer    *authorize.Processor
	Grants        *grants.Dispatcher
	Sessions      *session.Manager
	EndSession    *session.Processor
	Tokens        *tokens.Service
	Keys          *keys.Service
	Clients       clients.Provider
}

// Server binds the domain services to HTTP routes.
type Server struct {
	issuer string
	deps   Dependencies

	ciba     *ciba.Engine
	device   *device.Engine
	register *registration.Service
	userinfo UserInfoProvider

	rateLimit       int
	rateLimitWindow time.Duration
}

// Option configures optional endpoint groups.
type Option func(*Server)

// WithCIBA enables the backchannel authentication endpoint.
func WithCIBA(engine *ciba.Engine) Option {
	return func(s *Server) { s.ciba = engine }
}

// WithDeviceGrant enables the device authorization endpoint.
func WithDeviceGrant(engine *device.Engine) Option {
	return func(s *Server) { s.device = engine }
}

// WithRegistration enables dynamic client registration.
func WithRegistration(svc *registration.Service) Option {
	return func(s *Server) { s.register = svc }
}

// WithUserInfo enables the userinfo endpoint.
func WithUserInfo(provider UserInfoProvider) Option {
	return func(s *Server) { s.userinfo = provider }
}

// WithRateLimit overrides the per-IP request budget on the protocol
// endpoints.
func WithRateLimit(requests int, window time.Duration) Option {
	return func(s *Server) {
		s.rateLimit = requests
		s.rateLimitWindow = window
	}
}

// New builds the server.
func New(issuer string, deps Dependencies, opts ...Option) *Server {
	s := &Server{
		issuer:          strings.TrimSuffix(issuer, "/"),
		deps:            deps,
		rateLimit:       DefaultRateLimit,
		rateLimitWindow: DefaultRateLimitWindow,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed protocol surface.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get(PathDiscovery, s.handleDiscovery)
	r.Get(PathJWKS, s.handleJWKS)
	r.Get(PathCheckSession, s.handleCheckSession)

	r.Group(func(g chi.Router) {
		g.Use(httprate.LimitByIP(s.rateLimit, s.rateLimitWindow))

		g.Get(PathAuthorize, s.handleAuthorize)
		g.Post(PathAuthorize, s.handleAuthorize)
		g.Post(PathPAR, s.handlePAR)
		g.Post(PathToken, s.handleToken)
		g.Post(PathRevocation, s.handleRevocation)
		g.Post(PathIntrospection, s.handleIntrospection)
		g.Get(PathEndSession, s.handleEndSession)
		g.Post(PathEndSession, s.handleEndSession)

		if s.userinfo != nil {
			g.Get(PathUserInfo, s.handleUserInfo)
			g.Post(PathUserInfo, s.handleUserInfo)
		}
		if s.ciba != nil {
			g.Post(PathCIBA, s.handleCIBA)
		}
		if s.device != nil {
			g.Post(PathDeviceAuthorization, s.handleDeviceAuthorization)
		}
		if s.register != nil {
			g.Post(PathRegister, s.handleRegister)
			g.Get(PathRegister+"/{clientID}", s.handleRegisterRead)
			g.Put(PathRegister+"/{clientID}", s.handleRegisterUpdate)
			g.Delete(PathRegister+"/{clientID}", s.handleRegisterDelete)
		}
	})
	return r
}

// authSessionKey carries the resolved browser session through the
// authorization pipeline to the host's interaction implementation.
type authSessionKey struct{}

// AuthSessionFromContext returns the browser session the authorize
// endpoint resolved from its cookie, when one exists. Interaction
// implementations use it to decide between approval and a login
// redirect.
func AuthSessionFromContext(ctx context.Context) (*storage.AuthSession, bool) {
	sess, ok := ctx.Value(authSessionKey{}).(*storage.AuthSession)
	return sess, ok
}

// writeJSON emits a JSON body with the given status.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Warnw("failed to write response body", "error", err)
	}
}

// writeError renders the protocol error envelope. invalid_client gets
// the RFC 6749 §5.2 challenge header.
func writeError(w http.ResponseWriter, err error) {
	oerr := oidc.AsError(err)
	if oerr.Code == oidc.ErrCodeInvalidClient {
		w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
	}
	writeJSON(w, oerr.StatusCode(), oerr)
}
