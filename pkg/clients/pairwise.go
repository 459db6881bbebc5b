// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

package clients

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"

	"github.com/authgate/authgate/pkg/oidc"
)

// SubjectResolver derives the subject identifier released to a client.
// Pairwise clients receive a per-sector pseudonym so two clients cannot
// correlate the same end user.
type SubjectResolver struct {
	salt []byte
}

// NewSubjectResolver creates a resolver with the server's pairwise
// salt. The salt must stay stable across restarts or pairwise subjects
// change under the clients' feet.
func NewSubjectResolver(salt []byte) *SubjectResolver {
	return &SubjectResolver{salt: salt}
}

// Resolve maps an internal subject to the identifier the client sees.
// Public clients get the subject unchanged. Pairwise clients get
// base64url(HMAC-SHA256(salt, sector || subject)).
func (r *SubjectResolver) Resolve(client *ClientInfo, subject string) string {
	if client.SubjectType != oidc.SubjectTypePairwise {
		return subject
	}

	mac := hmac.New(sha256.New, r.salt)
	mac.Write([]byte(client.SectorIdentifier))
	mac.Write([]byte(subject))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
