// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/authgate/authgate/pkg/ciba"
	"github.com/authgate/authgate/pkg/oidc"
)

// handleCIBA serves backchannel authentication requests. Authentication
// happens against the consumption device; delivery follows the client's
// registered mode.
func (s *Server) handleCIBA(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, oidc.InvalidRequest("malformed request parameters"))
		return
	}
	client, err := s.deps.Authenticator.Authenticate(r.Context(), r)
	if err != nil {
		writeError(w, err)
		return
	}

	params := ciba.InitiateParams{
		Scopes:                  strings.Fields(r.PostForm.Get(oidc.ParamScope)),
		Resources:               r.PostForm[oidc.ParamResource],
		LoginHint:               r.PostForm.Get(oidc.ParamLoginHint),
		LoginHintToken:          r.PostForm.Get(oidc.ParamLoginHintToken),
		IDTokenHint:             r.PostForm.Get(oidc.ParamIDTokenHint),
		BindingMessage:          r.PostForm.Get(oidc.ParamBindingMessage),
		UserCode:                r.PostForm.Get(oidc.ParamUserCode),
		ClientNotificationToken: r.PostForm.Get(oidc.ParamNotificationToken),
	}
	if raw := r.PostForm.Get(oidc.ParamRequestedExpiry); raw != "" {
		seconds, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || seconds <= 0 {
			writeError(w, oidc.InvalidRequest("requested_expiry must be a positive integer"))
			return
		}
		params.RequestedExpiry = time.Duration(seconds) * time.Second
	}

	resp, err := s.ciba.Initiate(r.Context(), client, params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleDeviceAuthorization serves RFC 8628 device authorization
// requests.
func (s *Server) handleDeviceAuthorization(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, oidc.InvalidRequest("malformed request parameters"))
		return
	}
	client, err := s.deps.Authenticator.Authenticate(r.Context(), r)
	if err != nil {
		writeError(w, err)
		return
	}

	resp, err := s.device.Authorize(r.Context(), client, strings.Fields(r.PostForm.Get(oidc.ParamScope)))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
