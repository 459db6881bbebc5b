// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/authgate/authgate/pkg/storage"
)

// DefaultSessionLifetime bounds a browser session.
const DefaultSessionLifetime = 24 * time.Hour

// Manager owns the session store and the browser cookie.
type Manager struct {
	sessions storage.SessionStore
	cookie   CookieConfig
	lifetime time.Duration
	now      func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithCookie overrides the cookie settings.
func WithCookie(cookie CookieConfig) ManagerOption {
	return func(m *Manager) { m.cookie = cookie.withDefaults() }
}

// WithLifetime overrides the session lifetime.
func WithLifetime(lifetime time.Duration) ManagerOption {
	return func(m *Manager) { m.lifetime = lifetime }
}

// WithClock substitutes the time source, for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager builds a session manager on the given store.
func NewManager(sessions storage.SessionStore, opts ...ManagerOption) *Manager {
	m := &Manager{
		sessions: sessions,
		cookie:   CookieConfig{}.withDefaults(),
		lifetime: DefaultSessionLifetime,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Cookie exposes the cookie configuration; the check_session iframe
// needs the name.
func (m *Manager) Cookie() CookieConfig { return m.cookie }

// EstablishParams describes a freshly authenticated end user.
type EstablishParams struct {
	Subject          string
	ACR              string
	IdentityProvider string
	AuthTime         time.Time
}

// Establish creates a session and sets the browser cookie.
func (m *Manager) Establish(ctx context.Context, w http.ResponseWriter, p EstablishParams) (*storage.AuthSession, error) {
	now := m.now()
	authTime := p.AuthTime
	if authTime.IsZero() {
		authTime = now
	}
	session := &storage.AuthSession{
		SessionID:        uuid.NewString(),
		Subject:          p.Subject,
		ACR:              p.ACR,
		IdentityProvider: p.IdentityProvider,
		AuthTime:         authTime,
		ExpiresAt:        now.Add(m.lifetime),
	}
	if err := m.sessions.PutSession(ctx, session); err != nil {
		return nil, err
	}
	if w != nil {
		m.cookie.Write(w, session.SessionID, session.ExpiresAt)
	}
	return session, nil
}

// Resolve returns the session the request's cookie points at, or
// storage.ErrNotFound when there is no live session.
func (m *Manager) Resolve(ctx context.Context, r *http.Request) (*storage.AuthSession, error) {
	sessionID, ok := m.cookie.Read(r)
	if !ok {
		return nil, storage.ErrNotFound
	}
	return m.sessions.GetSession(ctx, sessionID)
}

// Bind records that the client received a token under the session,
// feeding logout fanout later.
func (m *Manager) Bind(ctx context.Context, sessionID, clientID string) error {
	return m.sessions.AddAffectedClient(ctx, sessionID, clientID)
}

// Terminate deletes the session and clears the cookie.
func (m *Manager) Terminate(ctx context.Context, w http.ResponseWriter, sessionID string) error {
	if err := m.sessions.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	if w != nil {
		m.cookie.Clear(w)
	}
	return nil
}
