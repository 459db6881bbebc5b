// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

package clients

import (
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"time"
)

// HashSecretSHA256 returns the base64url digest stored in the catalogue
// for a raw client secret.
func HashSecretSHA256(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// HashSecretSHA512 returns the base64url SHA-512 digest of a secret.
func HashSecretSHA512(secret string) string {
	sum := sha512.Sum512([]byte(secret))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// VerifySecret checks a presented secret against every unexpired
// credential of the client. Comparison runs in constant time over the
// digests so a mismatch reveals nothing about the stored value.
func VerifySecret(client *ClientInfo, presented string, now time.Time) bool {
	if presented == "" {
		return false
	}

	sum256 := sha256.Sum256([]byte(presented))
	sum512 := sha512.Sum512([]byte(presented))
	d256 := base64.RawURLEncoding.EncodeToString(sum256[:])
	d512 := base64.RawURLEncoding.EncodeToString(sum512[:])

	matched := false
	for i := range client.Secrets {
		s := &client.Secrets[i]
		if s.Expired(now) {
			continue
		}
		// Evaluate every secret so timing does not leak which one matched.
		if s.Sha256Digest != "" && subtle.ConstantTimeCompare([]byte(s.Sha256Digest), []byte(d256)) == 1 {
			matched = true
		}
		if s.Sha512Digest != "" && subtle.ConstantTimeCompare([]byte(s.Sha512Digest), []byte(d512)) == 1 {
			matched = true
		}
		if s.Value != "" && subtle.ConstantTimeCompare([]byte(s.Value), []byte(presented)) == 1 {
			matched = true
		}
	}
	return matched
}

// SymmetricKey returns the raw secret bytes usable as an HMAC key for
// client_secret_jwt, or nil when no unexpired raw secret is stored.
func SymmetricKey(client *ClientInfo, now time.Time) []byte {
	for i := range client.Secrets {
		s := &client.Secrets[i]
		if s.Value != "" && !s.Expired(now) {
			return []byte(s.Value)
		}
	}
	return nil
}
