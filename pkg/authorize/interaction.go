// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

package authorize

import (
	"context"

	"github.com/authgate/authgate/pkg/oidc"
	"github.com/authgate/authgate/pkg/storage"
)

// InteractionKind classifies the user subsystem's reply to a validated
// authorization request.
type InteractionKind int

// Interaction outcomes. Everything except KindApproved redirects the
// user agent to a page the user subsystem owns.
const (
	KindApproved InteractionKind = iota
	KindLoginRequired
	KindConsentRequired
	KindAccountSelectionRequired
	KindInteractionRequired
)

// InteractionResult is the user subsystem's decision. Non-approved
// results carry the absolute URI of the page that resolves them;
// approved results carry the session and what was actually granted.
type InteractionResult struct {
	Kind InteractionKind

	// RedirectURI is the interaction page for non-approved results.
	RedirectURI string

	// Set when Kind is KindApproved.
	Session       *storage.AuthSession
	GrantedScopes []string
	GrantedClaims map[string]any
}

// Approved builds the terminal happy-path result.
func Approved(session *storage.AuthSession, scopes []string, claims map[string]any) *InteractionResult {
	return &InteractionResult{
		Kind:          KindApproved,
		Session:       session,
		GrantedScopes: scopes,
		GrantedClaims: claims,
	}
}

// LoginRequired asks for end-user authentication at the given page.
func LoginRequired(uri string) *InteractionResult {
	return &InteractionResult{Kind: KindLoginRequired, RedirectURI: uri}
}

// ConsentRequired asks for end-user consent at the given page.
func ConsentRequired(uri string) *InteractionResult {
	return &InteractionResult{Kind: KindConsentRequired, RedirectURI: uri}
}

// AccountSelectionRequired asks the user to pick an account.
func AccountSelectionRequired(uri string) *InteractionResult {
	return &InteractionResult{Kind: KindAccountSelectionRequired, RedirectURI: uri}
}

// InteractionRequired asks for some other interaction.
func InteractionRequired(uri string) *InteractionResult {
	return &InteractionResult{Kind: KindInteractionRequired, RedirectURI: uri}
}

// errorCode maps a non-approved interaction onto the protocol error
// used when prompt=none forbids the redirect.
func (r *InteractionResult) errorCode() string {
	switch r.Kind {
	case KindLoginRequired:
		return oidc.ErrCodeLoginRequired
	case KindConsentRequired:
		return oidc.ErrCodeConsentRequired
	case KindAccountSelectionRequired:
		return oidc.ErrCodeAccountSelectionRequired
	default:
		return oidc.ErrCodeInteractionRequired
	}
}

// UserInteraction is the externally supplied authentication and
// consent subsystem. The pipeline calls it once per authorization
// round-trip; interaction pages re-enter the pipeline through the
// persisted request handle.
type UserInteraction interface {
	Interact(ctx context.Context, req *Request) (*InteractionResult, error)
}
