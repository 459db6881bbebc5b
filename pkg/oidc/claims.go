// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

package oidc

import (
	"encoding/json"
	"fmt"
)

// ClaimRequest is one entry of the OpenID Connect claims request parameter:
// either null (voluntary claim with default behaviour) or an object with
// essential/value/values members.
type ClaimRequest struct {
	Essential bool  `json:"essential,omitempty"`
	Value     any   `json:"value,omitempty"`
	Values    []any `json:"values,omitempty"`
}

// ClaimsBucket maps claim names to their individual request records. A nil
// record means the claim was requested with null.
type ClaimsBucket map[string]*ClaimRequest

// Names returns the requested claim names.
func (b ClaimsBucket) Names() []string {
	names := make([]string, 0, len(b))
	for name := range b {
		names = append(names, name)
	}
	return names
}

// RequestedClaims models the two-bucket claims parameter of OpenID Connect
// Core §5.5: claims destined for the ID token and claims destined for the
// userinfo response.
type RequestedClaims struct {
	IDToken  ClaimsBucket `json:"id_token,omitempty"`
	UserInfo ClaimsBucket `json:"userinfo,omitempty"`
}

// ParseRequestedClaims decodes the claims request parameter. An empty input
// yields a nil result without error.
func ParseRequestedClaims(raw string) (*RequestedClaims, error) {
	if raw == "" {
		return nil, nil
	}
	var rc RequestedClaims
	if err := json.Unmarshal([]byte(raw), &rc); err != nil {
		return nil, fmt.Errorf("malformed claims parameter: %w", err)
	}
	return &rc, nil
}

// IsEmpty reports whether no claims were requested in either bucket.
func (rc *RequestedClaims) IsEmpty() bool {
	return rc == nil || (len(rc.IDToken) == 0 && len(rc.UserInfo) == 0)
}

// Merge folds another claims request into this one. Later entries win on
// name collision; used when both the query string and a request object carry
// a claims parameter.
func (rc *RequestedClaims) Merge(other *RequestedClaims) *RequestedClaims {
	if other == nil {
		return rc
	}
	if rc == nil {
		return other
	}
	merged := &RequestedClaims{
		IDToken:  ClaimsBucket{},
		UserInfo: ClaimsBucket{},
	}
	for name, req := range rc.IDToken {
		merged.IDToken[name] = req
	}
	for name, req := range other.IDToken {
		merged.IDToken[name] = req
	}
	for name, req := range rc.UserInfo {
		merged.UserInfo[name] = req
	}
	for name, req := range other.UserInfo {
		merged.UserInfo[name] = req
	}
	return merged
}
