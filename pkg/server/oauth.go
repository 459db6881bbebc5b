// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"net/http"

	"github.com/authgate/authgate/pkg/oidc"
)

// handleAuthorize serves the authorization endpoint over GET and POST.
// The browser session, when present, rides the context so the host's
// interaction implementation can approve silently.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, oidc.InvalidRequest("malformed request parameters"))
		return
	}

	ctx := r.Context()
	if sess, err := s.deps.Sessions.Resolve(ctx, r); err == nil {
		ctx = context.WithValue(ctx, authSessionKey{}, sess)
	}

	resp := s.deps.Authorizer.Authorize(ctx, r.Form)
	switch {
	case resp.Err != nil:
		writeJSON(w, resp.Err.StatusCode(), resp.Err)
	case resp.FormPostHTML != nil:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write(resp.FormPostHTML)
	default:
		http.Redirect(w, r, resp.RedirectURL, http.StatusSeeOther)
	}
}

// handlePAR serves pushed authorization requests (RFC 9126).
func (s *Server) handlePAR(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, oidc.InvalidRequest("malformed request parameters"))
		return
	}
	client, err := s.deps.Authenticator.Authenticate(r.Context(), r)
	if err != nil {
		writeError(w, err)
		return
	}

	resp, oerr := s.deps.Authorizer.PushAuthorization(r.Context(), client, r.PostForm)
	if oerr != nil {
		writeError(w, oerr)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// handleToken serves the token endpoint: client authentication followed
// by grant dispatch.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, oidc.InvalidRequest("malformed request parameters"))
		return
	}
	client, err := s.deps.Authenticator.Authenticate(r.Context(), r)
	if err != nil {
		writeError(w, err)
		return
	}

	resp, err := s.deps.Grants.Token(r.Context(), client, r.PostForm)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
