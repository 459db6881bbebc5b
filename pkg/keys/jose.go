// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-jose/go-jose/v4"
)

// MaxJWTSize bounds the compact serialization accepted by verification
// and decryption, resisting resource exhaustion through oversized input.
const MaxJWTSize = 8 * 1024

// ErrTokenTooLarge is returned when a compact JWT or JWE exceeds MaxJWTSize.
var ErrTokenTooLarge = errors.New("token exceeds maximum size")

// SupportedSignatureAlgorithms are the JWS algorithms the server signs
// and verifies with. "none" is deliberately absent: verification paths
// that protect trust never accept unsigned tokens.
var SupportedSignatureAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.HS256, jose.HS384, jose.HS512,
	jose.PS256, jose.PS384, jose.PS512,
}

// SupportedKeyAlgorithms are the JWE key-management algorithms accepted
// for token decryption.
var SupportedKeyAlgorithms = []jose.KeyAlgorithm{
	jose.RSA_OAEP, jose.RSA_OAEP_256,
}

// SupportedContentEncryptions are the JWE content-encryption algorithms.
var SupportedContentEncryptions = []jose.ContentEncryption{
	jose.A128GCM, jose.A256GCM,
	jose.A128CBC_HS256, jose.A256CBC_HS512,
}

// IsSupportedSignatureAlgorithm reports whether alg is in the server's
// signing whitelist.
func IsSupportedSignatureAlgorithm(alg string) bool {
	for _, a := range SupportedSignatureAlgorithms {
		if string(a) == alg {
			return true
		}
	}
	return false
}

// Service performs JOSE operations with the provider's key chain.
// The provider's current key signs; every provider key verifies.
type Service struct {
	provider KeyProvider
}

// NewService creates a JOSE service over the given provider.
func NewService(provider KeyProvider) *Service {
	return &Service{provider: provider}
}

// SigningAlgorithm reports the algorithm of the current signing key.
func (s *Service) SigningAlgorithm(ctx context.Context) (string, error) {
	key, err := s.provider.SigningKey(ctx)
	if err != nil {
		return "", err
	}
	return key.Algorithm, nil
}

// Sign produces a compact JWS over payload using the current signing
// key. The typ header ("JWT", "at+jwt", "logout+jwt") is set when
// non-empty, and the key ID is always included.
func (s *Service) Sign(ctx context.Context, payload []byte, typ string) (string, error) {
	key, err := s.provider.SigningKey(ctx)
	if err != nil {
		return "", err
	}

	opts := (&jose.SignerOptions{}).WithHeader(jose.HeaderKey("kid"), key.KeyID)
	if typ != "" {
		opts = opts.WithType(jose.ContentType(typ))
	}

	signer, err := jose.NewSigner(jose.SigningKey{
		Algorithm: jose.SignatureAlgorithm(key.Algorithm),
		Key:       key.Key,
	}, opts)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}

	jws, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("failed to sign payload: %w", err)
	}
	return jws.CompactSerialize()
}

// Verify checks a compact JWS against the provider's public keys and
// returns the payload. Tokens signed with any key in the chain verify,
// so rotated-out keys keep working until they are dropped.
func (s *Service) Verify(ctx context.Context, token string) ([]byte, error) {
	if len(token) > MaxJWTSize {
		return nil, ErrTokenTooLarge
	}

	jws, err := jose.ParseSigned(token, SupportedSignatureAlgorithms)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	pubKeys, err := s.provider.PublicKeys(ctx)
	if err != nil {
		return nil, err
	}

	kid := ""
	if len(jws.Signatures) > 0 {
		kid = jws.Signatures[0].Header.KeyID
	}

	var lastErr error
	for _, pub := range pubKeys {
		if kid != "" && pub.KeyID != kid {
			continue
		}
		payload, err := jws.Verify(pub.PublicKey)
		if err == nil {
			return payload, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no key matches kid %q", kid)
	}
	return nil, fmt.Errorf("signature verification failed: %w", lastErr)
}

// VerifyWithKeys checks a compact JWS against an external key set, such
// as a client's JWKS. Only the given algorithms are accepted; callers
// pass the narrowest set their context allows.
func VerifyWithKeys(token string, keySet jose.JSONWebKeySet, algs []jose.SignatureAlgorithm) ([]byte, error) {
	if len(token) > MaxJWTSize {
		return nil, ErrTokenTooLarge
	}
	if len(algs) == 0 {
		algs = SupportedSignatureAlgorithms
	}

	jws, err := jose.ParseSigned(token, algs)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	candidates := keySet.Keys
	if len(jws.Signatures) > 0 {
		if kid := jws.Signatures[0].Header.KeyID; kid != "" {
			if matched := keySet.Key(kid); len(matched) > 0 {
				candidates = matched
			}
		}
	}

	var lastErr error
	for _, key := range candidates {
		payload, err := jws.Verify(key)
		if err == nil {
			return payload, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("key set is empty")
	}
	return nil, fmt.Errorf("signature verification failed: %w", lastErr)
}

// VerifyWithSecret checks an HMAC-signed compact JWS against a shared
// secret, as used by client_secret_jwt assertions.
func VerifyWithSecret(token string, secret []byte) ([]byte, error) {
	if len(token) > MaxJWTSize {
		return nil, ErrTokenTooLarge
	}

	jws, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256, jose.HS384, jose.HS512})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	payload, err := jws.Verify(secret)
	if err != nil {
		return nil, fmt.Errorf("signature verification failed: %w", err)
	}
	return payload, nil
}

// SignWithSecret produces an HMAC-signed compact JWS using a shared
// secret, for clients registered with symmetric token algorithms.
func SignWithSecret(payload, secret []byte, alg jose.SignatureAlgorithm, typ string) (string, error) {
	switch alg {
	case jose.HS256, jose.HS384, jose.HS512:
	default:
		return "", fmt.Errorf("algorithm %s is not a shared-secret algorithm", alg)
	}

	opts := &jose.SignerOptions{}
	if typ != "" {
		opts = opts.WithType(jose.ContentType(typ))
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: alg, Key: secret}, opts)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("failed to sign payload: %w", err)
	}
	return jws.CompactSerialize()
}

// Encrypt wraps a signed compact JWT in a JWE addressed to the given
// recipient key, producing a nested token. The "cty" header is set to
// "JWT" so recipients unwrap correctly.
func Encrypt(signedJWT string, recipient jose.JSONWebKey, keyAlg jose.KeyAlgorithm, enc jose.ContentEncryption) (string, error) {
	opts := (&jose.EncrypterOptions{}).WithContentType("JWT").WithType("JWT")
	encrypter, err := jose.NewEncrypter(enc, jose.Recipient{
		Algorithm: keyAlg,
		Key:       recipient.Key,
		KeyID:     recipient.KeyID,
	}, opts)
	if err != nil {
		return "", fmt.Errorf("failed to create encrypter: %w", err)
	}

	jwe, err := encrypter.Encrypt([]byte(signedJWT))
	if err != nil {
		return "", fmt.Errorf("failed to encrypt token: %w", err)
	}
	return jwe.CompactSerialize()
}

// Decrypt unwraps a compact JWE using the provider's private keys and
// returns the inner compact JWS.
func (s *Service) Decrypt(ctx context.Context, token string) (string, error) {
	if len(token) > MaxJWTSize {
		return "", ErrTokenTooLarge
	}

	jwe, err := jose.ParseEncrypted(token, SupportedKeyAlgorithms, SupportedContentEncryptions)
	if err != nil {
		return "", fmt.Errorf("failed to parse encrypted token: %w", err)
	}

	key, err := s.provider.SigningKey(ctx)
	if err != nil {
		return "", err
	}

	plaintext, err := jwe.Decrypt(key.Key)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt token: %w", err)
	}
	return string(plaintext), nil
}

// IsEncrypted reports whether a compact token is a five-part JWE rather
// than a three-part JWS.
func IsEncrypted(token string) bool {
	return strings.Count(token, ".") == 4
}

// JWKS builds the public key set for the JWKS endpoint.
func (s *Service) JWKS(ctx context.Context) (*jose.JSONWebKeySet, error) {
	pubKeys, err := s.provider.PublicKeys(ctx)
	if err != nil {
		return nil, err
	}

	set := &jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(pubKeys))}
	for _, pub := range pubKeys {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       pub.PublicKey,
			KeyID:     pub.KeyID,
			Algorithm: pub.Algorithm,
			Use:       "sig",
		})
	}
	return set, nil
}
