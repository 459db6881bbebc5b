// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/authgate/authgate/pkg/clients"
	"github.com/authgate/authgate/pkg/keys"
	"github.com/authgate/authgate/pkg/oidc"
	"github.com/authgate/authgate/pkg/storage"
)

// JWT header typ values for the minted flavours.
const (
	TypeJWT         = "JWT"
	TypeAccessToken = "at+jwt"
	TypeLogoutToken = "logout+jwt"
)

// Default lifetimes, overridable per client.
const (
	DefaultAccessTokenLifetime   = time.Hour
	DefaultIDTokenLifetime       = 15 * time.Minute
	DefaultRefreshSlidingExpiry  = 24 * time.Hour
	DefaultRefreshAbsoluteExpiry = 30 * 24 * time.Hour
	LogoutTokenLifetime          = 2 * time.Minute

	// DefaultClockSkew is tolerated on timing claims of tokens this
	// server minted itself.
	DefaultClockSkew = time.Minute
)

var (
	// ErrTokenRevoked is returned for tokens whose jti or chain head
	// is revoked.
	ErrTokenRevoked = errors.New("token has been revoked")

	// ErrReplayDetected is returned when a single-use token is
	// presented twice. The whole chain is revoked as a side effect.
	ErrReplayDetected = errors.New("token replay detected")

	// ErrChainExpired is returned when a refresh chain's absolute
	// expiry has passed.
	ErrChainExpired = errors.New("refresh chain expired")

	// ErrWrongIssuer is returned for tokens minted by someone else.
	ErrWrongIssuer = errors.New("token issuer mismatch")
)

// Service mints and validates the server's JWTs. All tokens are
// registered with the revocation registry before they leave the
// process.
type Service struct {
	issuer   string
	jose     *keys.Service
	registry storage.TokenRegistry
	now      func() time.Time
}

// Option configures the service.
type Option func(*Service)

// WithClock substitutes the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a token service bound to an issuer identifier.
func NewService(issuer string, joseSvc *keys.Service, registry storage.TokenRegistry, opts ...Option) *Service {
	s := &Service{
		issuer:   issuer,
		jose:     joseSvc,
		registry: registry,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issuer returns the iss value stamped on minted tokens.
func (s *Service) Issuer() string { return s.issuer }

// mint stamps issuer and timing claims, registers the jti, signs.
func (s *Service) mint(ctx context.Context, claims *Claims, typ string) (string, error) {
	now := s.now()
	claims.Issuer = s.issuer
	claims.IssuedAt = now.Unix()
	claims.NotBefore = now.Unix()
	if claims.TokenID == "" {
		claims.TokenID = uuid.NewString()
	}

	// Registered before signing so the token is never in flight
	// without a registry record.
	if claims.ExpiresAt != 0 {
		ttl := time.Until(time.Unix(claims.ExpiresAt, 0))
		if ttl <= 0 {
			return "", fmt.Errorf("token would be expired at mint time")
		}
		if err := s.registry.SetStatus(ctx, claims.TokenID, storage.StatusActive, ttl); err != nil {
			return "", fmt.Errorf("failed to register token: %w", err)
		}
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("failed to marshal claims: %w", err)
	}
	return s.jose.Sign(ctx, payload, typ)
}

// AccessTokenParams describes an access token to mint.
type AccessTokenParams struct {
	Client    *clients.ClientInfo
	Subject   string
	SessionID string
	Scopes    []string
	// Resources become the audience; the client id is the fallback.
	Resources []string
	ACR       string
	AuthTime  time.Time
	Lifetime  time.Duration
	Extra     map[string]any
}

// MintAccessToken emits an at+jwt access token.
func (s *Service) MintAccessToken(ctx context.Context, p AccessTokenParams) (string, *Claims, error) {
	lifetime := p.Lifetime
	if lifetime == 0 {
		lifetime = p.Client.AccessTokenLifetime
	}
	if lifetime == 0 {
		lifetime = DefaultAccessTokenLifetime
	}

	aud := Audience(p.Resources)
	if len(aud) == 0 {
		aud = Audience{p.Client.ClientID}
	}

	claims := &Claims{
		Subject:   p.Subject,
		Audience:  aud,
		ExpiresAt: s.now().Add(lifetime).Unix(),
		ClientID:  p.Client.ClientID,
		Scope:     strings.Join(p.Scopes, " "),
		SessionID: p.SessionID,
		ACR:       p.ACR,
		Extra:     p.Extra,
	}
	if !p.AuthTime.IsZero() {
		claims.AuthTime = p.AuthTime.Unix()
	}

	token, err := s.mint(ctx, claims, TypeAccessToken)
	if err != nil {
		return "", nil, err
	}
	return token, claims, nil
}

// IDTokenParams describes an identifier token to mint.
type IDTokenParams struct {
	Client    *clients.ClientInfo
	Subject   string
	Nonce     string
	SessionID string
	ACR       string
	AuthTime  time.Time
	// AccessToken and Code, when present, produce at_hash and c_hash.
	AccessToken string
	Code        string
	Lifetime    time.Duration
	// UserClaims are the released claim values (requested via the
	// claims parameter or scope mapping).
	UserClaims map[string]any
}

// MintIDToken emits an identifier token. Clients registered with a
// shared-secret algorithm get an HMAC signature over their secret;
// everyone else gets the server key. When the client registered
// id_token encryption the signed token is nested in a JWE.
func (s *Service) MintIDToken(ctx context.Context, p IDTokenParams) (string, error) {
	lifetime := p.Lifetime
	if lifetime == 0 {
		lifetime = p.Client.IDTokenLifetime
	}
	if lifetime == 0 {
		lifetime = DefaultIDTokenLifetime
	}

	alg, err := s.idTokenAlgorithm(ctx, p.Client)
	if err != nil {
		return "", err
	}

	claims := &Claims{
		Issuer:    s.issuer,
		Subject:   p.Subject,
		Audience:  Audience{p.Client.ClientID},
		ExpiresAt: s.now().Add(lifetime).Unix(),
		IssuedAt:  s.now().Unix(),
		TokenID:   uuid.NewString(),
		Nonce:     p.Nonce,
		SessionID: p.SessionID,
		ACR:       p.ACR,
		AZP:       p.Client.ClientID,
		Extra:     p.UserClaims,
	}
	if !p.AuthTime.IsZero() {
		claims.AuthTime = p.AuthTime.Unix()
	}
	if p.AccessToken != "" {
		if claims.AtHash, err = HalfHash(p.AccessToken, alg); err != nil {
			return "", err
		}
	}
	if p.Code != "" {
		if claims.CHash, err = HalfHash(p.Code, alg); err != nil {
			return "", err
		}
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("failed to marshal claims: %w", err)
	}

	var signed string
	if strings.HasPrefix(alg, "HS") {
		secret := clients.SymmetricKey(p.Client, s.now())
		if secret == nil {
			return "", fmt.Errorf("client %s has no raw secret for %s id_token signing", p.Client.ClientID, alg)
		}
		signed, err = keys.SignWithSecret(payload, secret, joseAlg(alg), TypeJWT)
	} else {
		signed, err = s.jose.Sign(ctx, payload, TypeJWT)
	}
	if err != nil {
		return "", err
	}

	return signed, nil
}

// idTokenAlgorithm picks the signature algorithm for a client's
// identifier tokens: the registered preference, else the server key's.
func (s *Service) idTokenAlgorithm(ctx context.Context, client *clients.ClientInfo) (string, error) {
	if alg := client.IDTokenSignedResponseAlg; alg != "" && alg != "none" {
		return alg, nil
	}
	return s.jose.SigningAlgorithm(ctx)
}

// LogoutTokenParams describes a back-channel logout token.
type LogoutTokenParams struct {
	Client    *clients.ClientInfo
	Subject   string
	SessionID string
}

// MintLogoutToken emits a logout+jwt event token. Per the back-channel
// logout rules it carries no nonce and a short expiry.
func (s *Service) MintLogoutToken(ctx context.Context, p LogoutTokenParams) (string, error) {
	claims := &Claims{
		Subject:   p.Subject,
		Audience:  Audience{p.Client.ClientID},
		ExpiresAt: s.now().Add(LogoutTokenLifetime).Unix(),
		SessionID: p.SessionID,
		Events: map[string]any{
			oidc.BackchannelLogoutEvent: map[string]any{},
		},
	}
	return s.mint(ctx, claims, TypeLogoutToken)
}

// MintRegistrationAccessToken emits the bearer token that guards a
// dynamically registered client's management endpoint. It does not
// expire; possession is bound through the registration handle store.
func (s *Service) MintRegistrationAccessToken(ctx context.Context, clientID string) (string, error) {
	claims := &Claims{
		Issuer:   s.issuer,
		Audience: Audience{clientID},
		ClientID: clientID,
		TokenID:  uuid.NewString(),
		IssuedAt: s.now().Unix(),
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("failed to marshal claims: %w", err)
	}
	return s.jose.Sign(ctx, payload, TypeJWT)
}

// Validate verifies a server-minted token: signature, issuer, timing,
// and revocation status of both the token and its chain head.
func (s *Service) Validate(ctx context.Context, token string) (*Claims, error) {
	payload, err := s.jose.Verify(ctx, token)
	if err != nil {
		return nil, err
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("failed to parse claims: %w", err)
	}
	if claims.Issuer != s.issuer {
		return nil, ErrWrongIssuer
	}
	if err := claims.ValidateTiming(s.now(), DefaultClockSkew); err != nil {
		return nil, err
	}

	if claims.TokenID != "" {
		status, err := s.registry.GetStatus(ctx, claims.TokenID)
		if err != nil {
			return nil, err
		}
		if status == storage.StatusRevoked {
			return nil, ErrTokenRevoked
		}
	}
	if claims.ChainID != "" && claims.ChainID != claims.TokenID {
		status, err := s.registry.GetStatus(ctx, claims.ChainID)
		if err != nil {
			return nil, err
		}
		if status == storage.StatusRevoked {
			return nil, ErrTokenRevoked
		}
	}

	return &claims, nil
}

// ValidateHint verifies an id_token_hint: signature and issuer only.
// RP-initiated logout accepts hints past their expiry, so timing and
// revocation are deliberately not checked.
func (s *Service) ValidateHint(ctx context.Context, token string) (*Claims, error) {
	payload, err := s.jose.Verify(ctx, token)
	if err != nil {
		return nil, err
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("failed to parse claims: %w", err)
	}
	if claims.Issuer != s.issuer {
		return nil, ErrWrongIssuer
	}
	return &claims, nil
}

// Revoke marks the token revoked until its natural expiry. Refresh
// tokens take their whole chain down with them.
func (s *Service) Revoke(ctx context.Context, claims *Claims) error {
	ttl := s.revocationTTL(claims)
	if claims.TokenID != "" {
		if err := s.registry.SetStatus(ctx, claims.TokenID, storage.StatusRevoked, ttl); err != nil {
			return err
		}
	}
	if claims.ChainID != "" && claims.ChainID != claims.TokenID {
		return s.registry.SetStatus(ctx, claims.ChainID, storage.StatusRevoked, ttl)
	}
	return nil
}

func (s *Service) revocationTTL(claims *Claims) time.Duration {
	expiry := claims.Expiry()
	if claims.AbsoluteExpiry != 0 {
		expiry = time.Unix(claims.AbsoluteExpiry, 0)
	}
	if expiry.IsZero() {
		return DefaultRefreshAbsoluteExpiry
	}
	ttl := expiry.Sub(s.now())
	if ttl <= 0 {
		ttl = time.Minute
	}
	return ttl
}
