// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"context"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"

	"github.com/authgate/authgate/pkg/clients"
	"github.com/authgate/authgate/pkg/storage"
)

func joseAlg(alg string) jose.SignatureAlgorithm {
	return jose.SignatureAlgorithm(alg)
}

// RefreshTokenParams describes a refresh token to mint. A zero ChainID
// starts a new chain headed by the new token's jti.
type RefreshTokenParams struct {
	Client    *clients.ClientInfo
	Subject   string
	SessionID string
	Scopes    []string

	// ChainID and AbsoluteExpiry carry over on rotation; both are
	// derived from the client policy for a fresh chain.
	ChainID        string
	AbsoluteExpiry time.Time
}

// MintRefreshToken emits a refresh token. The token's own expiry is
// the sliding window, clamped so it never outlives the chain's
// absolute expiry.
func (s *Service) MintRefreshToken(ctx context.Context, p RefreshTokenParams) (string, *Claims, error) {
	now := s.now()
	policy := p.Client.RefreshToken

	absolute := p.AbsoluteExpiry
	if absolute.IsZero() {
		window := policy.AbsoluteExpiry
		if window == 0 {
			window = DefaultRefreshAbsoluteExpiry
		}
		absolute = now.Add(window)
	}

	sliding := policy.SlidingExpiry
	if sliding == 0 {
		sliding = DefaultRefreshSlidingExpiry
	}
	expiry := now.Add(sliding)
	if expiry.After(absolute) {
		expiry = absolute
	}
	if !expiry.After(now) {
		return "", nil, ErrChainExpired
	}

	jti := uuid.NewString()
	chainID := p.ChainID
	if chainID == "" {
		chainID = jti
	}

	claims := &Claims{
		Subject:        p.Subject,
		Audience:       Audience{p.Client.ClientID},
		ExpiresAt:      expiry.Unix(),
		TokenID:        jti,
		ClientID:       p.Client.ClientID,
		Scope:          strings.Join(p.Scopes, " "),
		SessionID:      p.SessionID,
		ChainID:        chainID,
		AbsoluteExpiry: absolute.Unix(),
	}

	token, err := s.mint(ctx, claims, TypeJWT)
	if err != nil {
		return "", nil, err
	}
	return token, claims, nil
}

// Rotate redeems a presented refresh token and mints its successor.
// The old jti moves atomically to used; replay revokes the whole
// chain. Scopes on the successor are the caller's business (the grant
// layer intersects them with the request).
func (s *Service) Rotate(ctx context.Context, old *Claims, client *clients.ClientInfo, scopes []string) (string, *Claims, error) {
	now := s.now()

	if old.AbsoluteExpiry != 0 && now.After(time.Unix(old.AbsoluteExpiry, 0)) {
		return "", nil, ErrChainExpired
	}

	// A burned chain rejects every member, not just the replayed one.
	if old.ChainID != "" {
		status, err := s.registry.GetStatus(ctx, old.ChainID)
		if err != nil {
			return "", nil, err
		}
		if status == storage.StatusRevoked {
			return "", nil, ErrTokenRevoked
		}
	}

	if client.RefreshToken.AllowReuse {
		status, err := s.registry.GetStatus(ctx, old.TokenID)
		if err != nil {
			return "", nil, err
		}
		if status == storage.StatusRevoked {
			return "", nil, ErrTokenRevoked
		}
	} else {
		ok, err := s.registry.TryConsume(ctx, old.TokenID, s.revocationTTL(old))
		if err != nil {
			return "", nil, err
		}
		if !ok {
			// Replay or revocation. Either way the chain is burned.
			if err := s.revokeChain(ctx, old); err != nil {
				return "", nil, err
			}
			return "", nil, ErrReplayDetected
		}
	}

	return s.MintRefreshToken(ctx, RefreshTokenParams{
		Client:         client,
		Subject:        old.Subject,
		SessionID:      old.SessionID,
		Scopes:         scopes,
		ChainID:        old.ChainID,
		AbsoluteExpiry: time.Unix(old.AbsoluteExpiry, 0),
	})
}

func (s *Service) revokeChain(ctx context.Context, claims *Claims) error {
	chainID := claims.ChainID
	if chainID == "" {
		chainID = claims.TokenID
	}
	return s.registry.SetStatus(ctx, chainID, storage.StatusRevoked, s.revocationTTL(claims))
}
