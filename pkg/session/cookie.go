// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

// Package session manages end-user authentication sessions: the browser
// cookie, the check_session iframe, and the end-session processor with
// its front- and back-channel logout fanout.
package session

import (
	"net/http"
	"time"
)

// Cookie defaults. SameSite=None is required for the check_session
// iframe to see the cookie from a relying party's origin.
const (
	DefaultCookieName = "AuthGate.SessionId"
	DefaultCookiePath = "/"
)

// CookieConfig describes the session cookie. Zero fields fall back to
// defaults.
type CookieConfig struct {
	Name     string
	Domain   string
	Path     string
	SameSite http.SameSite
}

func (c CookieConfig) withDefaults() CookieConfig {
	if c.Name == "" {
		c.Name = DefaultCookieName
	}
	if c.Path == "" {
		c.Path = DefaultCookiePath
	}
	if c.SameSite == 0 {
		c.SameSite = http.SameSiteNoneMode
	}
	return c
}

// Read returns the session id carried by the request, if any.
func (c CookieConfig) Read(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(c.Name)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	return cookie.Value, true
}

// Write sets the session cookie. SameSite=None forces the Secure
// attribute per the cookie spec.
func (c CookieConfig) Write(w http.ResponseWriter, sessionID string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.Name,
		Value:    sessionID,
		Domain:   c.Domain,
		Path:     c.Path,
		Expires:  expires,
		HttpOnly: true,
		Secure:   c.SameSite == http.SameSiteNoneMode,
		SameSite: c.SameSite,
	})
}

// Clear expires the session cookie.
func (c CookieConfig) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.Name,
		Value:    "",
		Domain:   c.Domain,
		Path:     c.Path,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.SameSite == http.SameSiteNoneMode,
		SameSite: c.SameSite,
	})
}
