// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authgate/authgate/pkg/clients"
	"github.com/authgate/authgate/pkg/oidc"
)

func validConfig() *Config {
	return &Config{
		Issuer: "https://auth.example",
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "minimal config passes",
			mutate: func(*Config) {},
		},
		{
			name:    "issuer must be https",
			mutate:  func(c *Config) { c.Issuer = "http://auth.example" },
			wantErr: "issuer",
		},
		{
			name:    "redis backend needs an address",
			mutate:  func(c *Config) { c.Storage.Type = StorageRedis },
			wantErr: "storage.redis.addr",
		},
		{
			name:    "unknown storage type",
			mutate:  func(c *Config) { c.Storage.Type = "etcd" },
			wantErr: "unknown storage type",
		},
		{
			name:    "bad samesite value",
			mutate:  func(c *Config) { c.Cookie.SameSite = "sometimes" },
			wantErr: "samesite",
		},
		{
			name:    "ciba request id entropy floor",
			mutate:  func(c *Config) { c.CIBA.RequestIDLength = 8 },
			wantErr: "request_id_length",
		},
		{
			name:    "device verification uri must be https",
			mutate:  func(c *Config) { c.Device.VerificationURI = "http://device.example" },
			wantErr: "verification_uri",
		},
		{
			name: "trusted issuer needs a jwks uri",
			mutate: func(c *Config) {
				c.JWTBearer.TrustedIssuers = []TrustedIssuer{{Issuer: "https://partner.example"}}
			},
			wantErr: "trusted_issuers",
		},
		{
			name: "public client with secret",
			mutate: func(c *Config) {
				c.Clients = []Client{{ID: "spa", Public: true, Secret: "nope"}}
			},
			wantErr: "public clients",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSessionCookieConversion(t *testing.T) {
	cfg := validConfig()
	cfg.Cookie = Cookie{Name: "My.Session", SameSite: "Lax"}

	converted := cfg.SessionCookie()
	assert.Equal(t, "My.Session", converted.Name)
	assert.Equal(t, http.SameSiteLaxMode, converted.SameSite)

	// The default keeps the check_session iframe working cross-site.
	assert.Equal(t, http.SameSiteNoneMode, validConfig().SessionCookie().SameSite)
}

func TestStaticClients(t *testing.T) {
	cfg := validConfig()
	cfg.Refresh = Refresh{AbsoluteExpiry: 24 * time.Hour}
	cfg.Clients = []Client{
		{
			ID:           "web",
			Secret:       "hunter2-hunter2-hunter2",
			RedirectURIs: []string{"https://rp.example.com/cb"},
			GrantTypes:   []string{oidc.GrantTypeAuthorizationCode},
			Scopes:       []string{"openid"},
		},
		{
			ID:     "spa",
			Public: true,
		},
		{
			ID:                    "machine",
			Secret:                "another-secret-value-here",
			TokenEndpointAuthMeth: oidc.AuthMethodClientSecretJWT,
		},
	}

	out := cfg.StaticClients()
	require.Len(t, out, 3)

	web := out[0]
	assert.Equal(t, clients.ClientTypeConfidential, web.ClientType)
	require.Len(t, web.Secrets, 1)
	assert.Empty(t, web.Secrets[0].Value, "digest-only storage for basic/post auth")
	assert.True(t, clients.VerifySecret(web, "hunter2-hunter2-hunter2", time.Now()))
	assert.Equal(t, 24*time.Hour, web.RefreshToken.AbsoluteExpiry)

	spa := out[1]
	assert.Equal(t, clients.ClientTypePublic, spa.ClientType)
	assert.Equal(t, oidc.AuthMethodNone, spa.TokenEndpointAuthMethod)
	assert.Empty(t, spa.Secrets)

	machine := out[2]
	require.Len(t, machine.Secrets, 1)
	assert.NotEmpty(t, machine.Secrets[0].Value, "HMAC assertions need the raw secret")
}

func TestTrustedIssuersConversion(t *testing.T) {
	cfg := validConfig()
	cfg.JWTBearer.TrustedIssuers = []TrustedIssuer{{
		Issuer:            "https://partner.example",
		JWKSURI:           "https://partner.example/jwks",
		AllowedAlgorithms: []string{"ES256"},
	}}

	out := cfg.TrustedIssuers()
	require.Len(t, out, 1)
	assert.Equal(t, "https://partner.example", out[0].Issuer)
	assert.True(t, out[0].RequireJTI, "replay protection stays on by default")
	assert.Equal(t, []string{"ES256"}, out[0].AllowedAlgorithms)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
issuer: https://auth.example
listen_addr: ":8443"
storage:
  type: memory
cookie:
  samesite: Strict
device:
  verification_uri: https://auth.example/device
clients:
  - id: web
    secret: a-static-secret-value
    redirect_uris:
      - https://rp.example.com/cb
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://auth.example", cfg.Issuer)
	assert.Equal(t, ":8443", cfg.ListenAddr)
	assert.Equal(t, "Strict", cfg.Cookie.SameSite)
	assert.Equal(t, "https://auth.example/device", cfg.DeviceConfig().VerificationURI)
	require.Len(t, cfg.Clients, 1)
	assert.Equal(t, "web", cfg.Clients[0].ID)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte("issuer: http://insecure.example\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "issuer")
}
