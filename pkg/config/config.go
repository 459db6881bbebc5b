// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

// Package config is the deployment-facing configuration surface. All
// values are fully resolved plain data; the binary layer loads them
// from a file or environment through viper and hands the converted
// component configs to the constructors.
package config

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/authgate/authgate/pkg/ciba"
	"github.com/authgate/authgate/pkg/clients"
	"github.com/authgate/authgate/pkg/device"
	"github.com/authgate/authgate/pkg/grants"
	"github.com/authgate/authgate/pkg/keys"
	"github.com/authgate/authgate/pkg/oidc"
	"github.com/authgate/authgate/pkg/session"
	"github.com/authgate/authgate/pkg/storage"
)

// Storage backend selectors.
const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
)

// Config aggregates every recognized option.
type Config struct {
	// Issuer is the https identifier of this authorization server,
	// stamped into the iss claim of every token.
	Issuer string `mapstructure:"issuer"`

	// ListenAddr is the bind address of the reference binary.
	ListenAddr string `mapstructure:"listen_addr"`

	RateLimit RateLimit `mapstructure:"rate_limit"`
	Keys      Keys      `mapstructure:"keys"`
	Storage   Storage   `mapstructure:"storage"`
	Cookie    Cookie    `mapstructure:"cookie"`
	CIBA      CIBA      `mapstructure:"ciba"`
	Device    Device    `mapstructure:"device"`
	Refresh   Refresh   `mapstructure:"refresh_tokens"`
	JWTBearer JWTBearer `mapstructure:"jwt_bearer"`
	Clients   []Client  `mapstructure:"clients"`
}

// RateLimit throttles the protocol endpoints per source IP.
type RateLimit struct {
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

// Keys points at the PEM key material. Empty means an ephemeral
// generated key, for development only.
type Keys struct {
	Dir              string   `mapstructure:"dir"`
	SigningKeyFile   string   `mapstructure:"signing_key_file"`
	FallbackKeyFiles []string `mapstructure:"fallback_key_files"`
}

// Storage selects and parameterizes the persistence backend.
type Storage struct {
	// Type is "memory" or "redis".
	Type string `mapstructure:"type"`

	Redis Redis `mapstructure:"redis"`
}

// Redis carries the connection parameters of the Redis backend.
type Redis struct {
	Addr      string `mapstructure:"addr"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// Cookie configures the browser session cookie.
type Cookie struct {
	Name   string `mapstructure:"name"`
	Domain string `mapstructure:"domain"`
	Path   string `mapstructure:"path"`

	// SameSite is "None", "Lax" or "Strict"; defaults to "None" so the
	// check_session iframe works cross-site.
	SameSite string `mapstructure:"samesite"`
}

// CIBA parameterizes backchannel authentication.
type CIBA struct {
	DefaultExpiry   time.Duration `mapstructure:"default_expiry"`
	MaxExpiry       time.Duration `mapstructure:"max_expiry"`
	PollingInterval time.Duration `mapstructure:"polling_interval"`
	LongPolling     bool          `mapstructure:"long_polling"`
	LongPollTimeout time.Duration `mapstructure:"long_poll_timeout"`

	// RequestIDLength is the auth_req_id entropy in bytes, minimum 16.
	RequestIDLength int `mapstructure:"request_id_length"`
}

// Device parameterizes the device authorization grant.
type Device struct {
	VerificationURI string `mapstructure:"verification_uri"`

	CodeLifetime    time.Duration `mapstructure:"code_lifetime"`
	PollingInterval time.Duration `mapstructure:"polling_interval"`

	UserCodeLength   int    `mapstructure:"user_code_length"`
	UserCodeAlphabet string `mapstructure:"user_code_alphabet"`

	MaxFailuresBeforeBackoff int           `mapstructure:"max_failures_before_backoff"`
	MaxIPFailuresPerWindow   int           `mapstructure:"max_ip_failures_per_minute"`
	RateLimitWindow          time.Duration `mapstructure:"rate_limit_window"`
	MaxBackoff               time.Duration `mapstructure:"max_backoff"`
}

// Refresh is the server-wide refresh token policy; individual clients
// can override it in their registration.
type Refresh struct {
	AbsoluteExpiry time.Duration `mapstructure:"absolute_expiry"`
	SlidingExpiry  time.Duration `mapstructure:"sliding_expiry"`
	AllowReuse     bool          `mapstructure:"allow_reuse"`
}

// JWTBearer lists the external issuers whose assertions the token
// endpoint accepts.
type JWTBearer struct {
	TrustedIssuers []TrustedIssuer `mapstructure:"trusted_issuers"`

	ClockSkew time.Duration `mapstructure:"clock_skew"`
	MaxJWTAge time.Duration `mapstructure:"max_jwt_age"`
}

// TrustedIssuer is one RFC 7523 trust relationship.
type TrustedIssuer struct {
	Issuer            string   `mapstructure:"issuer"`
	JWKSURI           string   `mapstructure:"jwks_uri"`
	AllowedAlgorithms []string `mapstructure:"allowed_algorithms"`
}

// Client is a statically registered client.
type Client struct {
	ID     string `mapstructure:"id"`
	Secret string `mapstructure:"secret"`
	Public bool   `mapstructure:"public"`

	RedirectURIs           []string `mapstructure:"redirect_uris"`
	PostLogoutRedirectURIs []string `mapstructure:"post_logout_redirect_uris"`
	GrantTypes             []string `mapstructure:"grant_types"`
	Scopes                 []string `mapstructure:"scopes"`
	TokenEndpointAuthMeth  string   `mapstructure:"token_endpoint_auth_method"`
	OfflineAccess          bool     `mapstructure:"offline_access"`
}

// Load reads a config file, applies environment overrides prefixed
// with AUTHGATE_, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("authgate")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var sameSiteValues = map[string]http.SameSite{
	"":       http.SameSiteNoneMode,
	"none":   http.SameSiteNoneMode,
	"lax":    http.SameSiteLaxMode,
	"strict": http.SameSiteStrictMode,
}

// Validate checks the whole surface. Component constructors apply their
// own defaults; Validate only rejects what can never work.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Issuer)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("issuer must be an absolute https URL, got %q", c.Issuer)
	}

	switch c.Storage.Type {
	case "", StorageMemory:
	case StorageRedis:
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}

	if _, ok := sameSiteValues[strings.ToLower(c.Cookie.SameSite)]; !ok {
		return fmt.Errorf("cookie.samesite must be None, Lax or Strict, got %q", c.Cookie.SameSite)
	}

	if c.CIBA.RequestIDLength != 0 && c.CIBA.RequestIDLength < 16 {
		return fmt.Errorf("ciba.request_id_length must be at least 16 bytes")
	}

	if c.Device.VerificationURI != "" {
		vu, err := url.Parse(c.Device.VerificationURI)
		if err != nil || vu.Scheme != "https" {
			return fmt.Errorf("device.verification_uri must be an https URL, got %q", c.Device.VerificationURI)
		}
	}

	for i, iss := range c.JWTBearer.TrustedIssuers {
		if iss.Issuer == "" || iss.JWKSURI == "" {
			return fmt.Errorf("jwt_bearer.trusted_issuers[%d]: issuer and jwks_uri are required", i)
		}
	}

	for i, client := range c.Clients {
		if client.ID == "" {
			return fmt.Errorf("clients[%d]: id is required", i)
		}
		if client.Public && client.Secret != "" {
			return fmt.Errorf("clients[%d]: public clients must not carry a secret", i)
		}
	}
	return nil
}

// NewStorage builds the selected backend.
func (c *Config) NewStorage(ctx context.Context) (storage.Storage, error) {
	if c.Storage.Type == StorageRedis {
		return storage.NewRedisStorage(ctx, storage.RedisConfig{
			Addr:      c.Storage.Redis.Addr,
			Username:  c.Storage.Redis.Username,
			Password:  c.Storage.Redis.Password,
			DB:        c.Storage.Redis.DB,
			KeyPrefix: c.Storage.Redis.KeyPrefix,
		})
	}
	return storage.NewMemoryStorage(), nil
}

// KeysConfig converts to the key provider's settings.
func (c *Config) KeysConfig() keys.Config {
	return keys.Config{
		KeyDir:           c.Keys.Dir,
		SigningKeyFile:   c.Keys.SigningKeyFile,
		FallbackKeyFiles: c.Keys.FallbackKeyFiles,
	}
}

// SessionCookie converts to the session package's cookie settings.
func (c *Config) SessionCookie() session.CookieConfig {
	return session.CookieConfig{
		Name:     c.Cookie.Name,
		Domain:   c.Cookie.Domain,
		Path:     c.Cookie.Path,
		SameSite: sameSiteValues[strings.ToLower(c.Cookie.SameSite)],
	}
}

// CIBAConfig converts to the engine's settings.
func (c *Config) CIBAConfig() ciba.Config {
	return ciba.Config{
		DefaultExpiry:  c.CIBA.DefaultExpiry,
		MaxExpiry:      c.CIBA.MaxExpiry,
		PollInterval:   c.CIBA.PollingInterval,
		LongPolling:    c.CIBA.LongPolling,
		LongPollWait:   c.CIBA.LongPollTimeout,
		RequestIDBytes: c.CIBA.RequestIDLength,
	}
}

// DeviceConfig converts to the engine's settings.
func (c *Config) DeviceConfig() device.Config {
	return device.Config{
		VerificationURI:     c.Device.VerificationURI,
		CodeLifetime:        c.Device.CodeLifetime,
		PollInterval:        c.Device.PollingInterval,
		UserCodeLength:      c.Device.UserCodeLength,
		UserCodeAlphabet:    c.Device.UserCodeAlphabet,
		MaxUserCodeFailures: c.Device.MaxFailuresBeforeBackoff,
		MaxIPFailures:       c.Device.MaxIPFailuresPerWindow,
		RateLimitWindow:     c.Device.RateLimitWindow,
		MaxBackoff:          c.Device.MaxBackoff,
	}
}

// TrustedIssuers converts to the grant dispatcher's trust list.
func (c *Config) TrustedIssuers() []grants.TrustedIssuer {
	out := make([]grants.TrustedIssuer, 0, len(c.JWTBearer.TrustedIssuers))
	for _, iss := range c.JWTBearer.TrustedIssuers {
		trusted := grants.NewTrustedIssuer(iss.Issuer, iss.JWKSURI)
		trusted.AllowedAlgorithms = iss.AllowedAlgorithms
		out = append(out, trusted)
	}
	return out
}

// StaticClients converts the configured clients into catalogue records.
// Raw secrets are digested; the original value is kept only where a
// symmetric assertion method needs it.
func (c *Config) StaticClients() []*clients.ClientInfo {
	out := make([]*clients.ClientInfo, 0, len(c.Clients))
	for _, cc := range c.Clients {
		info := &clients.ClientInfo{
			ClientID:                cc.ID,
			ClientType:              clients.ClientTypeConfidential,
			TokenEndpointAuthMethod: cc.TokenEndpointAuthMeth,
			RedirectURIs:            cc.RedirectURIs,
			PostLogoutRedirectURIs:  cc.PostLogoutRedirectURIs,
			GrantTypes:              cc.GrantTypes,
			AllowedScopes:           cc.Scopes,
			OfflineAccessAllowed:    cc.OfflineAccess,
			RefreshToken: clients.RefreshTokenPolicy{
				AbsoluteExpiry: c.Refresh.AbsoluteExpiry,
				SlidingExpiry:  c.Refresh.SlidingExpiry,
				AllowReuse:     c.Refresh.AllowReuse,
			},
		}
		if cc.Public {
			info.ClientType = clients.ClientTypePublic
			if info.TokenEndpointAuthMethod == "" {
				info.TokenEndpointAuthMethod = oidc.AuthMethodNone
			}
		}
		if cc.Secret != "" {
			secret := clients.ClientSecret{
				Sha256Digest: clients.HashSecretSHA256(cc.Secret),
				Sha512Digest: clients.HashSecretSHA512(cc.Secret),
			}
			if needsRawSecret(info.TokenEndpointAuthMethod) {
				secret.Value = cc.Secret
			}
			info.Secrets = []clients.ClientSecret{secret}
		}
		out = append(out, info)
	}
	return out
}

func needsRawSecret(method string) bool {
	return method == oidc.AuthMethodClientSecretJWT
}
