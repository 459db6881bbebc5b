// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/authgate/authgate/pkg/oidc"
	"github.com/authgate/authgate/pkg/registration"
)

// handleRegister creates a client from posted RFC 7591 metadata.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var meta registration.Metadata
	if err := json.NewDecoder(r.Body).Decode(&meta); err != nil {
		writeError(w, oidc.InvalidRequest("the request body is not valid client metadata JSON"))
		return
	}

	resp, err := s.register.Register(r.Context(), &meta)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleRegisterRead(w http.ResponseWriter, r *http.Request) {
	resp, err := s.register.Read(r.Context(), chi.URLParam(r, "clientID"), registrationToken(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRegisterUpdate(w http.ResponseWriter, r *http.Request) {
	var meta registration.Metadata
	if err := json.NewDecoder(r.Body).Decode(&meta); err != nil {
		writeError(w, oidc.InvalidRequest("the request body is not valid client metadata JSON"))
		return
	}

	resp, err := s.register.Update(r.Context(), chi.URLParam(r, "clientID"), registrationToken(r), &meta)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRegisterDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.register.Delete(r.Context(), chi.URLParam(r, "clientID"), registrationToken(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// registrationToken extracts the registration access token. Management
// requests carry it as a bearer credential only.
func registrationToken(r *http.Request) string {
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return token
	}
	return ""
}
