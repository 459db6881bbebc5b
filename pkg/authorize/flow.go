// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

package authorize

import (
	"github.com/authgate/authgate/pkg/oidc"
)

// DetectFlow classifies a response_type value, treated as an unordered
// set, and returns the flow together with its default response mode.
// Any member outside code/token/id_token makes the whole set unknown.
func DetectFlow(responseType string) (oidc.Flow, string) {
	set := make(map[string]bool)
	for _, part := range splitSpace(responseType) {
		switch part {
		case oidc.ResponseTypeCode, oidc.ResponseTypeToken, oidc.ResponseTypeIDToken:
			set[part] = true
		default:
			return oidc.FlowUnknown, ""
		}
	}

	hasCode := set[oidc.ResponseTypeCode]
	hasToken := set[oidc.ResponseTypeToken] || set[oidc.ResponseTypeIDToken]

	switch {
	case hasCode && hasToken:
		return oidc.FlowHybrid, oidc.ResponseModeFragment
	case hasCode:
		return oidc.FlowAuthorizationCode, oidc.ResponseModeQuery
	case hasToken:
		return oidc.FlowImplicit, oidc.ResponseModeFragment
	default:
		return oidc.FlowUnknown, ""
	}
}

// responseModeAllowed is the flow/mode compatibility matrix. Implicit
// and hybrid responses carry tokens, so the query mode is off the
// table for them.
func responseModeAllowed(flow oidc.Flow, mode string) bool {
	switch flow {
	case oidc.FlowAuthorizationCode:
		return mode == oidc.ResponseModeQuery ||
			mode == oidc.ResponseModeFormPost ||
			mode == oidc.ResponseModeFragment
	case oidc.FlowImplicit, oidc.FlowHybrid:
		return mode == oidc.ResponseModeFormPost ||
			mode == oidc.ResponseModeFragment
	default:
		return false
	}
}
