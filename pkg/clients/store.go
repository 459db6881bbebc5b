// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

package clients

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-jose/go-jose/v4"
)

// ErrClientNotFound is returned when no client matches the identifier.
var ErrClientNotFound = errors.New("client not found")

// ErrClientExists is returned when adding a client whose identifier is
// already taken.
var ErrClientExists = errors.New("client already exists")

// Provider looks up registered clients. Implementations must be safe
// for concurrent use.
type Provider interface {
	// GetClient returns the client or ErrClientNotFound.
	GetClient(ctx context.Context, clientID string) (*ClientInfo, error)
}

// Manager extends Provider with catalogue mutation, used by dynamic
// client registration.
type Manager interface {
	Provider

	// AddClient stores a new client. Returns ErrClientExists when the
	// identifier is taken.
	AddClient(ctx context.Context, client *ClientInfo) error

	// UpdateClient replaces an existing client's record.
	UpdateClient(ctx context.Context, client *ClientInfo) error

	// RemoveClient deletes the client from the catalogue.
	RemoveClient(ctx context.Context, clientID string) error
}

// InMemoryStore is a mutex-guarded client catalogue. It serves both
// static configuration (clients loaded at startup) and dynamic
// registration.
type InMemoryStore struct {
	mu      sync.RWMutex
	clients map[string]*ClientInfo
}

// NewInMemoryStore builds a store seeded with the given clients.
// Seeding fails on duplicate identifiers.
func NewInMemoryStore(seed ...*ClientInfo) (*InMemoryStore, error) {
	s := &InMemoryStore{clients: make(map[string]*ClientInfo, len(seed))}
	for _, c := range seed {
		if _, ok := s.clients[c.ClientID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrClientExists, c.ClientID)
		}
		s.clients[c.ClientID] = cloneClient(c)
	}
	return s, nil
}

// GetClient returns a copy of the stored record.
func (s *InMemoryStore) GetClient(_ context.Context, clientID string) (*ClientInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[clientID]
	if !ok {
		return nil, ErrClientNotFound
	}
	return cloneClient(c), nil
}

// AddClient stores a new client.
func (s *InMemoryStore) AddClient(_ context.Context, client *ClientInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[client.ClientID]; ok {
		return fmt.Errorf("%w: %s", ErrClientExists, client.ClientID)
	}
	s.clients[client.ClientID] = cloneClient(client)
	return nil
}

// UpdateClient replaces the stored record.
func (s *InMemoryStore) UpdateClient(_ context.Context, client *ClientInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[client.ClientID]; !ok {
		return ErrClientNotFound
	}
	s.clients[client.ClientID] = cloneClient(client)
	return nil
}

// RemoveClient deletes the record.
func (s *InMemoryStore) RemoveClient(_ context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[clientID]; !ok {
		return ErrClientNotFound
	}
	delete(s.clients, clientID)
	return nil
}

// Len reports the catalogue size.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// cloneClient copies the record and its slices so callers cannot
// mutate stored state.
func cloneClient(c *ClientInfo) *ClientInfo {
	out := *c
	out.Secrets = append([]ClientSecret(nil), c.Secrets...)
	out.RedirectURIs = append([]string(nil), c.RedirectURIs...)
	out.PostLogoutRedirectURIs = append([]string(nil), c.PostLogoutRedirectURIs...)
	out.GrantTypes = append([]string(nil), c.GrantTypes...)
	out.ResponseTypes = append([]string(nil), c.ResponseTypes...)
	out.AllowedScopes = append([]string(nil), c.AllowedScopes...)
	if c.MTLS != nil {
		mtls := *c.MTLS
		out.MTLS = &mtls
	}
	if c.JWKS != nil {
		jwks := *c.JWKS
		jwks.Keys = append([]jose.JSONWebKey(nil), c.JWKS.Keys...)
		out.JWKS = &jwks
	}
	return &out
}

var _ Manager = (*InMemoryStore)(nil)
