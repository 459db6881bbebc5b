// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

// Package tokens mints and validates the server's JWT artifacts:
// access, identifier, refresh, logout and registration-access tokens.
// Every minted token is recorded in the revocation registry before it
// leaves the process.
package tokens

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Audience is the aud claim, serialized as a bare string when it holds
// a single value, as JSON arrays otherwise.
type Audience []string

// MarshalJSON writes a single audience as a string.
func (a Audience) MarshalJSON() ([]byte, error) {
	if len(a) == 1 {
		return json.Marshal(a[0])
	}
	return json.Marshal([]string(a))
}

// UnmarshalJSON accepts both string and array forms.
func (a *Audience) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*a = Audience{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("aud must be a string or an array of strings")
	}
	*a = Audience(many)
	return nil
}

// Contains reports whether the audience names the given value.
func (a Audience) Contains(v string) bool {
	return slices.Contains(a, v)
}

// Claims is the payload of every server-minted JWT. Standard claims
// are typed; flavour-specific additions ride in Extra.
type Claims struct {
	Issuer    string   `json:"iss,omitempty"`
	Subject   string   `json:"sub,omitempty"`
	Audience  Audience `json:"aud,omitempty"`
	ExpiresAt int64    `json:"exp,omitempty"`
	NotBefore int64    `json:"nbf,omitempty"`
	IssuedAt  int64    `json:"iat,omitempty"`
	TokenID   string   `json:"jti,omitempty"`

	ClientID string `json:"client_id,omitempty"`
	Scope    string `json:"scope,omitempty"`
	Nonce    string `json:"nonce,omitempty"`

	// SessionID ties the token to an authentication session for logout.
	SessionID string `json:"sid,omitempty"`
	ACR       string `json:"acr,omitempty"`
	AuthTime  int64  `json:"auth_time,omitempty"`
	AZP       string `json:"azp,omitempty"`

	AtHash string `json:"at_hash,omitempty"`
	CHash  string `json:"c_hash,omitempty"`

	// ChainID is the jti of the refresh chain's head. Revoking the
	// head revokes every token minted from the chain.
	ChainID string `json:"chain_id,omitempty"`

	// AbsoluteExpiry bounds the refresh chain regardless of rotation,
	// as Unix seconds.
	AbsoluteExpiry int64 `json:"abs_exp,omitempty"`

	// Events carries the logout-token event statement.
	Events map[string]any `json:"events,omitempty"`

	// Extra holds flavour-specific claims (userinfo values, requested
	// id_token claims). Typed fields win on name collisions.
	Extra map[string]any `json:"-"`
}

var knownClaimNames = []string{
	"iss", "sub", "aud", "exp", "nbf", "iat", "jti",
	"client_id", "scope", "nonce", "sid", "acr", "auth_time", "azp",
	"at_hash", "c_hash", "chain_id", "abs_exp", "events",
}

// MarshalJSON merges Extra under the typed claims.
func (c Claims) MarshalJSON() ([]byte, error) {
	type plain Claims
	data, err := json.Marshal(plain(c))
	if err != nil {
		return nil, err
	}
	if len(c.Extra) == 0 {
		return data, nil
	}

	var merged map[string]any
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, v := range c.Extra {
		if _, taken := merged[k]; !taken {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON splits unknown claims into Extra.
func (c *Claims) UnmarshalJSON(data []byte) error {
	type plain Claims
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*c = Claims(p)

	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, name := range knownClaimNames {
		delete(all, name)
	}
	if len(all) > 0 {
		c.Extra = all
	}
	return nil
}

// Expiry returns exp as a time, zero when absent.
func (c *Claims) Expiry() time.Time {
	if c.ExpiresAt == 0 {
		return time.Time{}
	}
	return time.Unix(c.ExpiresAt, 0)
}

// ValidateTiming checks exp, nbf and iat against now with the given
// skew tolerance.
func (c *Claims) ValidateTiming(now time.Time, skew time.Duration) error {
	if c.ExpiresAt != 0 && now.After(time.Unix(c.ExpiresAt, 0).Add(skew)) {
		return fmt.Errorf("token expired at %d", c.ExpiresAt)
	}
	if c.NotBefore != 0 && now.Add(skew).Before(time.Unix(c.NotBefore, 0)) {
		return fmt.Errorf("token not valid before %d", c.NotBefore)
	}
	if c.IssuedAt != 0 && now.Add(skew).Before(time.Unix(c.IssuedAt, 0)) {
		return fmt.Errorf("token issued in the future")
	}
	return nil
}
