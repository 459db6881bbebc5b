// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"hash"
)

// HalfHash computes the OIDC at_hash / c_hash value: the left half of
// the hash matching the id_token's signing algorithm, base64url
// encoded without padding.
func HalfHash(value, alg string) (string, error) {
	var h hash.Hash
	switch alg {
	case "RS256", "ES256", "HS256", "PS256":
		h = sha256.New()
	case "RS384", "ES384", "HS384", "PS384":
		h = sha512.New384()
	case "RS512", "ES512", "HS512", "PS512":
		h = sha512.New()
	default:
		return "", fmt.Errorf("no hash defined for algorithm %s", alg)
	}

	h.Write([]byte(value))
	sum := h.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2]), nil
}
