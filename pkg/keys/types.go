// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

// Package keys manages the server's signing and encryption keys.
// It covers key loading from PEM files, ephemeral generation for
// development, key-ID derivation, and the JOSE operations (sign,
// verify, encrypt, decrypt) built on top of the loaded keys.
package keys

import (
	"crypto"
	"time"
)

// DefaultAlgorithm is the signing algorithm for auto-generated keys.
// ES256 gives security equivalent to RSA-3072 with smaller keys and
// faster signatures.
const DefaultAlgorithm = "ES256"

// SigningKeyData is a private signing key with its metadata.
// It must never be exposed outside the process.
type SigningKeyData struct {
	// KeyID is the RFC 7638 JWK thumbprint of the public key.
	KeyID string

	// Algorithm is the JWS algorithm this key signs with (e.g. "ES256").
	Algorithm string

	// Key is the private key.
	Key crypto.Signer

	// CreatedAt is when the key was loaded or generated.
	CreatedAt time.Time
}

// PublicKeyData is the public half of a signing key, safe to publish
// through the JWKS endpoint.
type PublicKeyData struct {
	// KeyID is the RFC 7638 JWK thumbprint of the public key.
	KeyID string

	// Algorithm is the JWS algorithm tokens signed by this key carry.
	Algorithm string

	// PublicKey verifies signatures produced by the private half.
	PublicKey crypto.PublicKey

	// CreatedAt is when the key was loaded or generated.
	CreatedAt time.Time
}

// Config selects the key source for NewProviderFromConfig.
type Config struct {
	// KeyDir is the directory holding PEM-encoded private key files.
	// Key filenames are relative to this directory. In containerised
	// deployments this is typically a mounted secret volume.
	KeyDir string

	// SigningKeyFile names the primary signing key inside KeyDir.
	// Required when KeyDir is set.
	SigningKeyFile string

	// FallbackKeyFiles name additional keys that verify but never sign.
	// Rotation: promote the new key to SigningKeyFile and move the old
	// one here until all tokens it signed have expired.
	FallbackKeyFiles []string
}

// NewProviderFromConfig builds a KeyProvider from configuration.
//
//   - KeyDir and SigningKeyFile set: keys are loaded from files.
//   - Both empty: an ephemeral key is generated (development only).
//   - KeyDir set without SigningKeyFile: an error.
func NewProviderFromConfig(cfg Config) (KeyProvider, error) {
	if cfg.KeyDir != "" {
		return NewFileProvider(cfg)
	}
	return NewGeneratingProvider(DefaultAlgorithm), nil
}
