// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"html/template"
	"net/http"

	"github.com/authgate/authgate/pkg/oidc"
	"github.com/authgate/authgate/pkg/session"
)

// logoutPageTemplate embeds one hidden iframe per front-channel logout
// URI so every relying party clears its state, then forwards the
// browser to the post-logout destination when one was registered.
var logoutPageTemplate = template.Must(template.New("logout").Parse(`<!DOCTYPE html>
<html>
<head>
<title>Signed out</title>
{{if .RedirectURI}}<meta http-equiv="refresh" content="3;url={{.RedirectURI}}">{{end}}
</head>
<body>
<p>You have been signed out.</p>
{{range .FrontChannelURIs}}<iframe src="{{.}}" style="display:none" width="0" height="0"></iframe>
{{end}}</body>
</html>
`))

// handleEndSession serves RP-initiated logout over GET and POST.
func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, oidc.InvalidRequest("malformed request parameters"))
		return
	}

	req := &session.EndSessionRequest{
		IDTokenHint:           r.Form.Get(oidc.ParamIDTokenHint),
		ClientID:              r.Form.Get(oidc.ParamClientID),
		PostLogoutRedirectURI: r.Form.Get(oidc.ParamPostLogoutRedirect),
		State:                 r.Form.Get(oidc.ParamState),
	}
	if sid, ok := s.deps.Sessions.Cookie().Read(r); ok {
		req.SessionID = sid
	}

	resp, err := s.deps.EndSession.EndSession(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	s.deps.Sessions.Cookie().Clear(w)

	// Front-channel notifications need a rendered page; otherwise a
	// plain redirect (or confirmation) suffices.
	if len(resp.FrontChannelURIs) > 0 {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		_ = logoutPageTemplate.Execute(w, resp)
		return
	}
	if resp.RedirectURI != "" {
		http.Redirect(w, r, resp.RedirectURI, http.StatusSeeOther)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = logoutPageTemplate.Execute(w, resp)
}

// handleCheckSession serves the OP iframe for Session Management.
func (s *Server) handleCheckSession(w http.ResponseWriter, _ *http.Request) {
	page, err := session.CheckSessionPage(s.deps.Sessions.Cookie())
	if err != nil {
		writeError(w, oidc.ServerError("failed to render the session iframe"))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(page)
}
