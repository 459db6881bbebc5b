// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// RedisConfig holds Redis connection configuration for runtime use.
type RedisConfig struct {
	// Addr is the host:port of a standalone Redis instance. Ignored when
	// Sentinel is set.
	Addr string

	// Sentinel enables Sentinel failover deployment.
	Sentinel *SentinelConfig

	// Username and Password authenticate as a Redis ACL user.
	Username string
	Password string

	// DB selects the logical database (standalone only).
	DB int

	// KeyPrefix namespaces all keys, e.g. "authgate:{tenant}:".
	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// SentinelConfig contains Redis Sentinel configuration.
type SentinelConfig struct {
	MasterName    string
	SentinelAddrs []string
	DB            int
}

// RedisStorage implements the Storage interface on Redis, enabling
// horizontal scaling. TryConsume runs as a Lua script so the
// active-to-used transition stays linearizable across replicas.
type RedisStorage struct {
	client    redis.UniversalClient
	keyPrefix string
}

// tryConsumeScript implements the compare-and-set from active to used.
// KEYS[1] = jti key, ARGV[1] = ttl milliseconds.
var tryConsumeScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current and current ~= "active" then
  return 0
end
redis.call("SET", KEYS[1], "used", "PX", ARGV[1])
return 1
`)

// incrWindowScript bumps a counter, starting the window on first increment.
// KEYS[1] = counter key, ARGV[1] = window milliseconds.
var incrWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// NewRedisStorage creates Redis-backed storage. Returns an error if
// configuration validation fails or the connection cannot be established.
func NewRedisStorage(ctx context.Context, cfg RedisConfig) (*RedisStorage, error) {
	if cfg.Addr == "" && cfg.Sentinel == nil {
		return nil, fmt.Errorf("invalid redis configuration: either Addr or Sentinel is required")
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	var client redis.UniversalClient
	if cfg.Sentinel != nil {
		client = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.Sentinel.MasterName,
			SentinelAddrs: cfg.Sentinel.SentinelAddrs,
			DB:            cfg.Sentinel.DB,
			Username:      cfg.Username,
			Password:      cfg.Password,
			DialTimeout:   cfg.DialTimeout,
			ReadTimeout:   cfg.ReadTimeout,
			WriteTimeout:  cfg.WriteTimeout,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:         cfg.Addr,
			DB:           cfg.DB,
			Username:     cfg.Username,
			Password:     cfg.Password,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		})
	}

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStorage{client: client, keyPrefix: cfg.KeyPrefix}, nil
}

// Health pings the backend.
func (s *RedisStorage) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}

func (s *RedisStorage) key(kind, id string) string {
	return s.keyPrefix + kind + ":" + id
}

func ttlUntil(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		// Expired records still need a positive TTL to be written at all;
		// one millisecond lets them vanish immediately.
		return time.Millisecond
	}
	return ttl
}

func (s *RedisStorage) putJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	return s.client.Set(ctx, key, encoded, ttl).Err()
}

func getJSON[T any](ctx context.Context, s *RedisStorage, key string) (*T, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return &value, nil
}

func consumeJSON[T any](ctx context.Context, s *RedisStorage, key string) (*T, error) {
	raw, err := s.client.GetDel(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis getdel: %w", err)
	}

	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return &value, nil
}

// -----------------------
// TokenRegistry
// -----------------------

// SetStatus records a status for the jti with the given TTL.
func (s *RedisStorage) SetStatus(ctx context.Context, jti string, status TokenStatus, ttl time.Duration) error {
	if jti == "" {
		return fmt.Errorf("%w: jti cannot be empty", ErrInvalidRecord)
	}
	if ttl <= 0 {
		ttl = time.Millisecond
	}
	return s.client.Set(ctx, s.key("jti", jti), string(status), ttl).Err()
}

// TryConsume atomically moves the jti from active to used via Lua.
func (s *RedisStorage) TryConsume(ctx context.Context, jti string, ttl time.Duration) (bool, error) {
	if jti == "" {
		return false, fmt.Errorf("%w: jti cannot be empty", ErrInvalidRecord)
	}
	if ttl <= 0 {
		ttl = time.Millisecond
	}

	result, err := tryConsumeScript.Run(ctx, s.client, []string{s.key("jti", jti)}, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis try-consume: %w", err)
	}
	return result == 1, nil
}

// GetStatus returns the recorded status, or StatusActive when unknown.
func (s *RedisStorage) GetStatus(ctx context.Context, jti string) (TokenStatus, error) {
	raw, err := s.client.Get(ctx, s.key("jti", jti)).Result()
	if errors.Is(err, redis.Nil) {
		return StatusActive, nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get: %w", err)
	}
	return TokenStatus(raw), nil
}

// -----------------------
// AuthorizationContextStore
// -----------------------

// PutAuthorizationContext stores the decision context under the code.
func (s *RedisStorage) PutAuthorizationContext(ctx context.Context, code string, ac *AuthorizationContext) error {
	if code == "" || ac == nil {
		return fmt.Errorf("%w: code and context are required", ErrInvalidRecord)
	}

	expiresAt := ac.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(DefaultAuthorizationCodeTTL)
	}
	return s.putJSON(ctx, s.key("authctx", code), ac, ttlUntil(expiresAt))
}

// ConsumeAuthorizationContext atomically removes and returns the context.
func (s *RedisStorage) ConsumeAuthorizationContext(ctx context.Context, code string) (*AuthorizationContext, error) {
	return consumeJSON[AuthorizationContext](ctx, s, s.key("authctx", code))
}

// -----------------------
// PushedRequestStore
// -----------------------

// PutPushedRequest stores the raw request form under the handle id.
func (s *RedisStorage) PutPushedRequest(ctx context.Context, id string, form url.Values, ttl time.Duration) error {
	if id == "" {
		return fmt.Errorf("%w: id cannot be empty", ErrInvalidRecord)
	}
	if ttl <= 0 {
		ttl = DefaultPushedRequestTTL
	}
	return s.putJSON(ctx, s.key("par", id), map[string][]string(form), ttl)
}

// GetPushedRequest returns the stored form without consuming it.
func (s *RedisStorage) GetPushedRequest(ctx context.Context, id string) (url.Values, error) {
	form, err := getJSON[map[string][]string](ctx, s, s.key("par", id))
	if err != nil {
		return nil, err
	}
	return url.Values(*form), nil
}

// ConsumePushedRequest removes and returns the stored form.
func (s *RedisStorage) ConsumePushedRequest(ctx context.Context, id string) (url.Values, error) {
	form, err := consumeJSON[map[string][]string](ctx, s, s.key("par", id))
	if err != nil {
		return nil, err
	}
	return url.Values(*form), nil
}

// -----------------------
// CIBARequestStore
// -----------------------

// PutCIBARequest stores a backchannel authentication request.
func (s *RedisStorage) PutCIBARequest(ctx context.Context, req *CIBARequest) error {
	if req == nil || req.AuthReqID == "" {
		return fmt.Errorf("%w: auth_req_id cannot be empty", ErrInvalidRecord)
	}
	return s.putJSON(ctx, s.key("ciba", req.AuthReqID), req, ttlUntil(req.ExpiresAt))
}

// GetCIBARequest retrieves a backchannel request by auth_req_id.
func (s *RedisStorage) GetCIBARequest(ctx context.Context, authReqID string) (*CIBARequest, error) {
	return getJSON[CIBARequest](ctx, s, s.key("ciba", authReqID))
}

// UpdateCIBARequest replaces a stored backchannel request.
func (s *RedisStorage) UpdateCIBARequest(ctx context.Context, req *CIBARequest) error {
	if req == nil || req.AuthReqID == "" {
		return fmt.Errorf("%w: auth_req_id cannot be empty", ErrInvalidRecord)
	}

	exists, err := s.client.Exists(ctx, s.key("ciba", req.AuthReqID)).Result()
	if err != nil {
		return fmt.Errorf("redis exists: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	return s.putJSON(ctx, s.key("ciba", req.AuthReqID), req, ttlUntil(req.ExpiresAt))
}

// DeleteCIBARequest removes a backchannel request.
func (s *RedisStorage) DeleteCIBARequest(ctx context.Context, authReqID string) error {
	deleted, err := s.client.Del(ctx, s.key("ciba", authReqID)).Result()
	if err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	if deleted == 0 {
		return ErrNotFound
	}
	return nil
}

// -----------------------
// DeviceGrantStore
// -----------------------

// PutDeviceGrant stores a device grant and indexes its user code.
func (s *RedisStorage) PutDeviceGrant(ctx context.Context, grant *DeviceGrant) error {
	if grant == nil || grant.DeviceCode == "" || grant.UserCode == "" {
		return fmt.Errorf("%w: device_code and user_code are required", ErrInvalidRecord)
	}

	ttl := ttlUntil(grant.ExpiresAt)

	// The user-code index write uses NX so a rare alphabet collision
	// surfaces instead of silently hijacking the earlier grant.
	ok, err := s.client.SetNX(ctx, s.key("usercode", grant.UserCode), grant.DeviceCode, ttl).Result()
	if err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: user code collision", ErrAlreadyExists)
	}

	return s.putJSON(ctx, s.key("device", grant.DeviceCode), grant, ttl)
}

// GetDeviceGrant retrieves a device grant by device_code.
func (s *RedisStorage) GetDeviceGrant(ctx context.Context, deviceCode string) (*DeviceGrant, error) {
	return getJSON[DeviceGrant](ctx, s, s.key("device", deviceCode))
}

// GetDeviceGrantByUserCode retrieves a device grant through the user-code
// index.
func (s *RedisStorage) GetDeviceGrantByUserCode(ctx context.Context, userCode string) (*DeviceGrant, error) {
	deviceCode, err := s.client.Get(ctx, s.key("usercode", userCode)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return s.GetDeviceGrant(ctx, deviceCode)
}

// UpdateDeviceGrant replaces a stored device grant.
func (s *RedisStorage) UpdateDeviceGrant(ctx context.Context, grant *DeviceGrant) error {
	if grant == nil || grant.DeviceCode == "" {
		return fmt.Errorf("%w: device_code cannot be empty", ErrInvalidRecord)
	}

	exists, err := s.client.Exists(ctx, s.key("device", grant.DeviceCode)).Result()
	if err != nil {
		return fmt.Errorf("redis exists: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	return s.putJSON(ctx, s.key("device", grant.DeviceCode), grant, ttlUntil(grant.ExpiresAt))
}

// DeleteDeviceGrant removes a device grant and its user-code index entry.
func (s *RedisStorage) DeleteDeviceGrant(ctx context.Context, deviceCode string) error {
	grant, err := s.GetDeviceGrant(ctx, deviceCode)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key("device", deviceCode))
	pipe.Del(ctx, s.key("usercode", grant.UserCode))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// -----------------------
// SessionStore
// -----------------------

// PutSession stores an auth session. Affected client ids live in a
// companion set so AddAffectedClient stays atomic.
func (s *RedisStorage) PutSession(ctx context.Context, session *AuthSession) error {
	if session == nil || session.SessionID == "" {
		return fmt.Errorf("%w: session id cannot be empty", ErrInvalidRecord)
	}

	expiresAt := session.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(DefaultSessionTTL)
	}
	ttl := ttlUntil(expiresAt)

	stored := *session
	stored.AffectedClientIDs = nil
	if err := s.putJSON(ctx, s.key("session", session.SessionID), &stored, ttl); err != nil {
		return err
	}

	clientsKey := s.key("sessionclients", session.SessionID)
	if len(session.AffectedClientIDs) > 0 {
		members := make([]any, len(session.AffectedClientIDs))
		for i, id := range session.AffectedClientIDs {
			members[i] = id
		}
		if err := s.client.SAdd(ctx, clientsKey, members...).Err(); err != nil {
			return fmt.Errorf("redis sadd: %w", err)
		}
	}
	return s.client.Expire(ctx, clientsKey, ttl).Err()
}

// GetSession retrieves an auth session by id.
func (s *RedisStorage) GetSession(ctx context.Context, sessionID string) (*AuthSession, error) {
	session, err := getJSON[AuthSession](ctx, s, s.key("session", sessionID))
	if err != nil {
		return nil, err
	}

	clients, err := s.client.SMembers(ctx, s.key("sessionclients", sessionID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	session.AffectedClientIDs = clients
	return session, nil
}

// AddAffectedClient records a client id under the session.
func (s *RedisStorage) AddAffectedClient(ctx context.Context, sessionID, clientID string) error {
	exists, err := s.client.Exists(ctx, s.key("session", sessionID)).Result()
	if err != nil {
		return fmt.Errorf("redis exists: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	return s.client.SAdd(ctx, s.key("sessionclients", sessionID), clientID).Err()
}

// DeleteSession removes an auth session and its client set.
func (s *RedisStorage) DeleteSession(ctx context.Context, sessionID string) error {
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, s.key("session", sessionID))
	pipe.Del(ctx, s.key("sessionclients", sessionID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

// -----------------------
// RegistrationHandleStore
// -----------------------

// PutRegistrationHandle stores a registration token binding. Handles have
// no TTL; they live until the client is deleted.
func (s *RedisStorage) PutRegistrationHandle(ctx context.Context, handle *RegistrationHandle) error {
	if handle == nil || handle.TokenDigest == "" {
		return fmt.Errorf("%w: token digest cannot be empty", ErrInvalidRecord)
	}
	return s.putJSON(ctx, s.key("reghandle", handle.TokenDigest), handle, 0)
}

// GetRegistrationHandle retrieves a registration token binding.
func (s *RedisStorage) GetRegistrationHandle(ctx context.Context, tokenDigest string) (*RegistrationHandle, error) {
	return getJSON[RegistrationHandle](ctx, s, s.key("reghandle", tokenDigest))
}

// DeleteRegistrationHandle removes a registration token binding.
func (s *RedisStorage) DeleteRegistrationHandle(ctx context.Context, tokenDigest string) error {
	deleted, err := s.client.Del(ctx, s.key("reghandle", tokenDigest)).Result()
	if err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	if deleted == 0 {
		return ErrNotFound
	}
	return nil
}

// -----------------------
// RateLimitStore
// -----------------------

// IncrementCounter bumps the windowed counter for key.
func (s *RedisStorage) IncrementCounter(ctx context.Context, key string, window time.Duration) (int, error) {
	count, err := incrWindowScript.Run(ctx, s.client, []string{s.key("ctr", key)}, window.Milliseconds()).Int()
	if err != nil {
		return 0, fmt.Errorf("redis incr: %w", err)
	}
	return count, nil
}

// SetBackoff blocks key until the given time.
func (s *RedisStorage) SetBackoff(ctx context.Context, key string, until time.Time) error {
	return s.client.Set(ctx, s.key("backoff", key), until.UnixMilli(), ttlUntil(until)).Err()
}

// GetBackoff returns the time until which key is blocked.
func (s *RedisStorage) GetBackoff(ctx context.Context, key string) (time.Time, error) {
	millis, err := s.client.Get(ctx, s.key("backoff", key)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("redis get: %w", err)
	}
	return time.UnixMilli(millis), nil
}

// Compile-time interface compliance check.
var _ Storage = (*RedisStorage)(nil)
