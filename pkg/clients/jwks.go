// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

package clients

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"

	"github.com/authgate/authgate/pkg/networking"
)

// DefaultJWKSCacheTTL is how long a remotely fetched key set is reused
// before the jwks_uri is consulted again.
const DefaultJWKSCacheTTL = time.Hour

// ErrNoClientKeys is returned when a client has neither an embedded
// key set nor a jwks_uri.
var ErrNoClientKeys = errors.New("client has no registered keys")

// JWKSResolver returns the key set used to verify a client's
// signatures. An embedded jwks is authoritative; jwks_uri is consulted
// only when no embedded set exists, with a process-wide TTL cache and
// single-flight fetches to stop stampedes on a cold key.
type JWKSResolver struct {
	pool  *networking.ClientPool
	cache *ttlcache.Cache[string, *jose.JSONWebKeySet]
	group singleflight.Group
}

// JWKSResolverOption configures a resolver.
type JWKSResolverOption func(*resolverOptions)

type resolverOptions struct {
	ttl  time.Duration
	pool *networking.ClientPool
}

// WithJWKSCacheTTL overrides DefaultJWKSCacheTTL.
func WithJWKSCacheTTL(ttl time.Duration) JWKSResolverOption {
	return func(o *resolverOptions) { o.ttl = ttl }
}

// WithHTTPClientPool substitutes the outbound client pool, mostly for
// tests that need to reach a loopback server.
func WithHTTPClientPool(pool *networking.ClientPool) JWKSResolverOption {
	return func(o *resolverOptions) { o.pool = pool }
}

// NewJWKSResolver builds a resolver with an SSRF-safe outbound client.
func NewJWKSResolver(opts ...JWKSResolverOption) *JWKSResolver {
	options := &resolverOptions{ttl: DefaultJWKSCacheTTL}
	for _, opt := range opts {
		opt(options)
	}
	if options.pool == nil {
		options.pool = networking.NewClientPool(
			networking.NewHTTPClientBuilder().WithTimeout(networking.HTTPTimeout),
			networking.DefaultClientLifetime,
		)
	}

	cache := ttlcache.New(
		ttlcache.WithTTL[string, *jose.JSONWebKeySet](options.ttl),
		ttlcache.WithDisableTouchOnHit[string, *jose.JSONWebKeySet](),
	)
	go cache.Start()

	return &JWKSResolver{pool: options.pool, cache: cache}
}

// Close stops the cache janitor.
func (r *JWKSResolver) Close() {
	r.cache.Stop()
}

// Resolve returns the client's key set. The embedded set wins; the two
// sources are never merged.
func (r *JWKSResolver) Resolve(ctx context.Context, client *ClientInfo) (*jose.JSONWebKeySet, error) {
	if client.JWKS != nil && len(client.JWKS.Keys) > 0 {
		return client.JWKS, nil
	}
	if client.JwksURI == "" {
		return nil, ErrNoClientKeys
	}
	return r.fetch(ctx, client.JwksURI)
}

// Invalidate drops the cached set for a jwks_uri. Called when a
// client's registration changes.
func (r *JWKSResolver) Invalidate(jwksURI string) {
	r.cache.Delete(jwksURI)
}

func (r *JWKSResolver) fetch(ctx context.Context, jwksURI string) (*jose.JSONWebKeySet, error) {
	if item := r.cache.Get(jwksURI); item != nil {
		return item.Value(), nil
	}

	v, err, _ := r.group.Do(jwksURI, func() (any, error) {
		// Re-check: a concurrent flight may have filled the cache.
		if item := r.cache.Get(jwksURI); item != nil {
			return item.Value(), nil
		}

		httpClient, err := r.pool.Get()
		if err != nil {
			return nil, err
		}
		result, err := networking.FetchJSON[jose.JSONWebKeySet](ctx, httpClient, jwksURI)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch jwks from %s: %w", jwksURI, err)
		}
		set := &result.Data
		r.cache.Set(jwksURI, set, ttlcache.DefaultTTL)
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*jose.JSONWebKeySet), nil
}
