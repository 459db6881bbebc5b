// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/authgate/authgate/pkg/logger"
)

// timedEntry wraps a value with its creation time for TTL tracking.
type timedEntry[T any] struct {
	value     T
	createdAt time.Time
	expiresAt time.Time
}

func (e *timedEntry[T]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// counterEntry tracks a sliding-window failure counter.
type counterEntry struct {
	count       int
	windowStart time.Time
	window      time.Duration
}

// MemoryStorage implements the Storage interface with in-memory maps.
// This implementation is thread-safe and suitable for development, testing
// and single-instance deployments. For distributed deployments use
// RedisStorage.
type MemoryStorage struct {
	mu sync.RWMutex

	// tokenStatus maps jti -> status. Unknown jtis report StatusActive,
	// the benign default.
	tokenStatus map[string]*timedEntry[TokenStatus]

	// authContexts maps authorization code -> decision context. Codes are
	// one-time-use; ConsumeAuthorizationContext removes the entry.
	authContexts map[string]*timedEntry[*AuthorizationContext]

	// pushedRequests maps PAR/interaction handle id -> raw request form.
	pushedRequests map[string]*timedEntry[url.Values]

	// cibaRequests maps auth_req_id -> request.
	cibaRequests map[string]*timedEntry[*CIBARequest]

	// deviceGrants maps device_code -> grant; userCodes indexes user_code
	// -> device_code for the verification endpoint.
	deviceGrants map[string]*timedEntry[*DeviceGrant]
	userCodes    map[string]string

	// sessions maps session id -> auth session.
	sessions map[string]*timedEntry[*AuthSession]

	// registrationHandles maps registration token digest -> handle.
	registrationHandles map[string]*timedEntry[*RegistrationHandle]

	// counters and backoffs implement the rate-limit store.
	counters map[string]*counterEntry
	backoffs map[string]time.Time

	// cleanupInterval is how often the background cleanup runs.
	cleanupInterval time.Duration

	// stopCleanup signals the cleanup goroutine to stop; cleanupDone is
	// closed when it has fully stopped.
	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

// MemoryStorageOption configures a MemoryStorage instance.
type MemoryStorageOption func(*MemoryStorage)

// WithCleanupInterval sets a custom cleanup interval.
func WithCleanupInterval(interval time.Duration) MemoryStorageOption {
	return func(s *MemoryStorage) {
		s.cleanupInterval = interval
	}
}

// NewMemoryStorage creates a new MemoryStorage instance with initialized
// maps and starts the background cleanup goroutine.
func NewMemoryStorage(opts ...MemoryStorageOption) *MemoryStorage {
	s := &MemoryStorage{
		tokenStatus:         make(map[string]*timedEntry[TokenStatus]),
		authContexts:        make(map[string]*timedEntry[*AuthorizationContext]),
		pushedRequests:      make(map[string]*timedEntry[url.Values]),
		cibaRequests:        make(map[string]*timedEntry[*CIBARequest]),
		deviceGrants:        make(map[string]*timedEntry[*DeviceGrant]),
		userCodes:           make(map[string]string),
		sessions:            make(map[string]*timedEntry[*AuthSession]),
		registrationHandles: make(map[string]*timedEntry[*RegistrationHandle]),
		counters:            make(map[string]*counterEntry),
		backoffs:            make(map[string]time.Time),
		cleanupInterval:     DefaultCleanupInterval,
		stopCleanup:         make(chan struct{}),
		cleanupDone:         make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// Health is a no-op for in-memory storage since it is always available.
func (*MemoryStorage) Health(_ context.Context) error {
	return nil
}

// Close stops the background cleanup goroutine and waits for it to finish.
func (s *MemoryStorage) Close() error {
	close(s.stopCleanup)
	<-s.cleanupDone
	return nil
}

func (s *MemoryStorage) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanupExpired()
		}
	}
}

// cleanupExpired removes all expired entries. Collect-then-delete: expired
// keys are gathered under the read lock, then removed under the write lock
// to keep write-lock hold time short.
func (s *MemoryStorage) cleanupExpired() {
	now := time.Now()

	s.mu.RLock()
	expired := map[string][]string{}
	for k, v := range s.tokenStatus {
		if v.expired(now) {
			expired["token"] = append(expired["token"], k)
		}
	}
	for k, v := range s.authContexts {
		if v.expired(now) {
			expired["authctx"] = append(expired["authctx"], k)
		}
	}
	for k, v := range s.pushedRequests {
		if v.expired(now) {
			expired["pushed"] = append(expired["pushed"], k)
		}
	}
	for k, v := range s.cibaRequests {
		if v.expired(now) {
			expired["ciba"] = append(expired["ciba"], k)
		}
	}
	for k, v := range s.deviceGrants {
		if v.expired(now) {
			expired["device"] = append(expired["device"], k)
		}
	}
	for k, v := range s.sessions {
		if v.expired(now) {
			expired["session"] = append(expired["session"], k)
		}
	}
	for k, v := range s.registrationHandles {
		if v.expired(now) {
			expired["handle"] = append(expired["handle"], k)
		}
	}
	for k, v := range s.counters {
		if now.Sub(v.windowStart) > v.window {
			expired["counter"] = append(expired["counter"], k)
		}
	}
	for k, until := range s.backoffs {
		if now.After(until) {
			expired["backoff"] = append(expired["backoff"], k)
		}
	}
	s.mu.RUnlock()

	total := 0
	for _, keys := range expired {
		total += len(keys)
	}
	if total == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range expired["token"] {
		delete(s.tokenStatus, k)
	}
	for _, k := range expired["authctx"] {
		delete(s.authContexts, k)
	}
	for _, k := range expired["pushed"] {
		delete(s.pushedRequests, k)
	}
	for _, k := range expired["ciba"] {
		delete(s.cibaRequests, k)
	}
	for _, k := range expired["device"] {
		if entry, ok := s.deviceGrants[k]; ok && entry.value != nil {
			delete(s.userCodes, entry.value.UserCode)
		}
		delete(s.deviceGrants, k)
	}
	for _, k := range expired["session"] {
		delete(s.sessions, k)
	}
	for _, k := range expired["handle"] {
		delete(s.registrationHandles, k)
	}
	for _, k := range expired["counter"] {
		delete(s.counters, k)
	}
	for _, k := range expired["backoff"] {
		delete(s.backoffs, k)
	}
}

// -----------------------
// TokenRegistry
// -----------------------

// SetStatus records a status for the jti with the given TTL. Idempotent.
func (s *MemoryStorage) SetStatus(_ context.Context, jti string, status TokenStatus, ttl time.Duration) error {
	if jti == "" {
		return fmt.Errorf("%w: jti cannot be empty", ErrInvalidRecord)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.tokenStatus[jti] = &timedEntry[TokenStatus]{
		value:     status,
		createdAt: now,
		expiresAt: now.Add(ttl),
	}
	return nil
}

// TryConsume atomically moves the jti from active to used.
func (s *MemoryStorage) TryConsume(_ context.Context, jti string, ttl time.Duration) (bool, error) {
	if jti == "" {
		return false, fmt.Errorf("%w: jti cannot be empty", ErrInvalidRecord)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	entry, ok := s.tokenStatus[jti]
	if ok && !entry.expired(now) && entry.value != StatusActive {
		return false, nil
	}

	s.tokenStatus[jti] = &timedEntry[TokenStatus]{
		value:     StatusUsed,
		createdAt: now,
		expiresAt: now.Add(ttl),
	}
	return true, nil
}

// GetStatus returns the recorded status, or StatusActive when unknown.
func (s *MemoryStorage) GetStatus(_ context.Context, jti string) (TokenStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.tokenStatus[jti]
	if !ok || entry.expired(time.Now()) {
		return StatusActive, nil
	}
	return entry.value, nil
}

// -----------------------
// AuthorizationContextStore
// -----------------------

// PutAuthorizationContext stores the decision context under the code.
func (s *MemoryStorage) PutAuthorizationContext(_ context.Context, code string, ac *AuthorizationContext) error {
	if code == "" {
		return fmt.Errorf("%w: code cannot be empty", ErrInvalidRecord)
	}
	if ac == nil {
		return fmt.Errorf("%w: context cannot be nil", ErrInvalidRecord)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	expiresAt := ac.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = now.Add(DefaultAuthorizationCodeTTL)
	}

	s.authContexts[code] = &timedEntry[*AuthorizationContext]{
		value:     copyAuthorizationContext(ac),
		createdAt: now,
		expiresAt: expiresAt,
	}
	return nil
}

// ConsumeAuthorizationContext atomically removes and returns the context.
func (s *MemoryStorage) ConsumeAuthorizationContext(_ context.Context, code string) (*AuthorizationContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.authContexts[code]
	if !ok {
		logger.Debugw("authorization code not found")
		return nil, ErrNotFound
	}
	delete(s.authContexts, code)

	if entry.expired(time.Now()) {
		return nil, ErrExpired
	}
	return copyAuthorizationContext(entry.value), nil
}

// -----------------------
// PushedRequestStore
// -----------------------

// PutPushedRequest stores the raw request form under the handle id.
func (s *MemoryStorage) PutPushedRequest(_ context.Context, id string, form url.Values, ttl time.Duration) error {
	if id == "" {
		return fmt.Errorf("%w: id cannot be empty", ErrInvalidRecord)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if ttl <= 0 {
		ttl = DefaultPushedRequestTTL
	}

	copied := url.Values{}
	for k, v := range form {
		copied[k] = slices.Clone(v)
	}

	s.pushedRequests[id] = &timedEntry[url.Values]{
		value:     copied,
		createdAt: now,
		expiresAt: now.Add(ttl),
	}
	return nil
}

// GetPushedRequest returns the stored form without consuming it.
func (s *MemoryStorage) GetPushedRequest(_ context.Context, id string) (url.Values, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.pushedRequests[id]
	if !ok {
		return nil, ErrNotFound
	}
	if entry.expired(time.Now()) {
		return nil, ErrExpired
	}

	copied := url.Values{}
	for k, v := range entry.value {
		copied[k] = slices.Clone(v)
	}
	return copied, nil
}

// ConsumePushedRequest removes and returns the stored form.
func (s *MemoryStorage) ConsumePushedRequest(_ context.Context, id string) (url.Values, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.pushedRequests[id]
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.pushedRequests, id)

	if entry.expired(time.Now()) {
		return nil, ErrExpired
	}
	return entry.value, nil
}

// -----------------------
// CIBARequestStore
// -----------------------

// PutCIBARequest stores a backchannel authentication request.
func (s *MemoryStorage) PutCIBARequest(_ context.Context, req *CIBARequest) error {
	if req == nil || req.AuthReqID == "" {
		return fmt.Errorf("%w: auth_req_id cannot be empty", ErrInvalidRecord)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cibaRequests[req.AuthReqID] = &timedEntry[*CIBARequest]{
		value:     copyCIBARequest(req),
		createdAt: time.Now(),
		expiresAt: req.ExpiresAt,
	}
	return nil
}

// GetCIBARequest retrieves a backchannel request by auth_req_id.
func (s *MemoryStorage) GetCIBARequest(_ context.Context, authReqID string) (*CIBARequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.cibaRequests[authReqID]
	if !ok {
		logger.Debugw("ciba request not found")
		return nil, ErrNotFound
	}
	if entry.expired(time.Now()) {
		return nil, ErrExpired
	}
	return copyCIBARequest(entry.value), nil
}

// UpdateCIBARequest replaces a stored backchannel request.
func (s *MemoryStorage) UpdateCIBARequest(_ context.Context, req *CIBARequest) error {
	if req == nil || req.AuthReqID == "" {
		return fmt.Errorf("%w: auth_req_id cannot be empty", ErrInvalidRecord)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.cibaRequests[req.AuthReqID]
	if !ok {
		return ErrNotFound
	}

	entry.value = copyCIBARequest(req)
	entry.expiresAt = req.ExpiresAt
	return nil
}

// DeleteCIBARequest removes a backchannel request.
func (s *MemoryStorage) DeleteCIBARequest(_ context.Context, authReqID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cibaRequests[authReqID]; !ok {
		return ErrNotFound
	}
	delete(s.cibaRequests, authReqID)
	return nil
}

// -----------------------
// DeviceGrantStore
// -----------------------

// PutDeviceGrant stores a device grant and indexes its user code.
func (s *MemoryStorage) PutDeviceGrant(_ context.Context, grant *DeviceGrant) error {
	if grant == nil || grant.DeviceCode == "" || grant.UserCode == "" {
		return fmt.Errorf("%w: device_code and user_code are required", ErrInvalidRecord)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.userCodes[grant.UserCode]; exists {
		return fmt.Errorf("%w: user code collision", ErrAlreadyExists)
	}

	s.deviceGrants[grant.DeviceCode] = &timedEntry[*DeviceGrant]{
		value:     copyDeviceGrant(grant),
		createdAt: time.Now(),
		expiresAt: grant.ExpiresAt,
	}
	s.userCodes[grant.UserCode] = grant.DeviceCode
	return nil
}

// GetDeviceGrant retrieves a device grant by device_code.
func (s *MemoryStorage) GetDeviceGrant(_ context.Context, deviceCode string) (*DeviceGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.deviceGrants[deviceCode]
	if !ok {
		logger.Debugw("device grant not found")
		return nil, ErrNotFound
	}
	if entry.expired(time.Now()) {
		return nil, ErrExpired
	}
	return copyDeviceGrant(entry.value), nil
}

// GetDeviceGrantByUserCode retrieves a device grant through the user-code
// index.
func (s *MemoryStorage) GetDeviceGrantByUserCode(ctx context.Context, userCode string) (*DeviceGrant, error) {
	s.mu.RLock()
	deviceCode, ok := s.userCodes[userCode]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	return s.GetDeviceGrant(ctx, deviceCode)
}

// UpdateDeviceGrant replaces a stored device grant.
func (s *MemoryStorage) UpdateDeviceGrant(_ context.Context, grant *DeviceGrant) error {
	if grant == nil || grant.DeviceCode == "" {
		return fmt.Errorf("%w: device_code cannot be empty", ErrInvalidRecord)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.deviceGrants[grant.DeviceCode]
	if !ok {
		return ErrNotFound
	}

	entry.value = copyDeviceGrant(grant)
	entry.expiresAt = grant.ExpiresAt
	return nil
}

// DeleteDeviceGrant removes a device grant and its user-code index entry.
func (s *MemoryStorage) DeleteDeviceGrant(_ context.Context, deviceCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.deviceGrants[deviceCode]
	if !ok {
		return ErrNotFound
	}
	if entry.value != nil {
		delete(s.userCodes, entry.value.UserCode)
	}
	delete(s.deviceGrants, deviceCode)
	return nil
}

// -----------------------
// SessionStore
// -----------------------

// PutSession stores an auth session.
func (s *MemoryStorage) PutSession(_ context.Context, session *AuthSession) error {
	if session == nil || session.SessionID == "" {
		return fmt.Errorf("%w: session id cannot be empty", ErrInvalidRecord)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	expiresAt := session.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = now.Add(DefaultSessionTTL)
	}

	s.sessions[session.SessionID] = &timedEntry[*AuthSession]{
		value:     copyAuthSession(session),
		createdAt: now,
		expiresAt: expiresAt,
	}
	return nil
}

// GetSession retrieves an auth session by id.
func (s *MemoryStorage) GetSession(_ context.Context, sessionID string) (*AuthSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if entry.expired(time.Now()) {
		return nil, ErrExpired
	}
	return copyAuthSession(entry.value), nil
}

// AddAffectedClient records a client id under the session, collapsing
// duplicates.
func (s *MemoryStorage) AddAffectedClient(_ context.Context, sessionID, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.sessions[sessionID]
	if !ok || entry.expired(time.Now()) {
		return ErrNotFound
	}

	if !slices.Contains(entry.value.AffectedClientIDs, clientID) {
		entry.value.AffectedClientIDs = append(entry.value.AffectedClientIDs, clientID)
	}
	return nil
}

// DeleteSession removes an auth session.
func (s *MemoryStorage) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return ErrNotFound
	}
	delete(s.sessions, sessionID)
	return nil
}

// -----------------------
// RegistrationHandleStore
// -----------------------

// PutRegistrationHandle stores a registration token binding.
func (s *MemoryStorage) PutRegistrationHandle(_ context.Context, handle *RegistrationHandle) error {
	if handle == nil || handle.TokenDigest == "" {
		return fmt.Errorf("%w: token digest cannot be empty", ErrInvalidRecord)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.registrationHandles[handle.TokenDigest] = &timedEntry[*RegistrationHandle]{
		value:     &RegistrationHandle{TokenDigest: handle.TokenDigest, ClientID: handle.ClientID, IssuedAt: handle.IssuedAt},
		createdAt: time.Now(),
	}
	return nil
}

// GetRegistrationHandle retrieves a registration token binding.
func (s *MemoryStorage) GetRegistrationHandle(_ context.Context, tokenDigest string) (*RegistrationHandle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.registrationHandles[tokenDigest]
	if !ok {
		return nil, ErrNotFound
	}
	h := entry.value
	return &RegistrationHandle{TokenDigest: h.TokenDigest, ClientID: h.ClientID, IssuedAt: h.IssuedAt}, nil
}

// DeleteRegistrationHandle removes a registration token binding.
func (s *MemoryStorage) DeleteRegistrationHandle(_ context.Context, tokenDigest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.registrationHandles[tokenDigest]; !ok {
		return ErrNotFound
	}
	delete(s.registrationHandles, tokenDigest)
	return nil
}

// -----------------------
// RateLimitStore
// -----------------------

// IncrementCounter bumps the sliding-window counter for key.
func (s *MemoryStorage) IncrementCounter(_ context.Context, key string, window time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	entry, ok := s.counters[key]
	if !ok || now.Sub(entry.windowStart) > entry.window {
		s.counters[key] = &counterEntry{count: 1, windowStart: now, window: window}
		return 1, nil
	}

	entry.count++
	return entry.count, nil
}

// SetBackoff blocks key until the given time.
func (s *MemoryStorage) SetBackoff(_ context.Context, key string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.backoffs[key] = until
	return nil
}

// GetBackoff returns the time until which key is blocked.
func (s *MemoryStorage) GetBackoff(_ context.Context, key string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	until, ok := s.backoffs[key]
	if !ok || time.Now().After(until) {
		return time.Time{}, nil
	}
	return until, nil
}

// -----------------------
// Defensive copies
// -----------------------

func copyAuthorizationContext(ac *AuthorizationContext) *AuthorizationContext {
	if ac == nil {
		return nil
	}
	copied := *ac
	copied.Scopes = slices.Clone(ac.Scopes)
	copied.Resources = slices.Clone(ac.Resources)
	return &copied
}

func copyCIBARequest(req *CIBARequest) *CIBARequest {
	if req == nil {
		return nil
	}
	copied := *req
	copied.Scopes = slices.Clone(req.Scopes)
	copied.Resources = slices.Clone(req.Resources)
	return &copied
}

func copyDeviceGrant(grant *DeviceGrant) *DeviceGrant {
	if grant == nil {
		return nil
	}
	copied := *grant
	copied.Scopes = slices.Clone(grant.Scopes)
	return &copied
}

func copyAuthSession(session *AuthSession) *AuthSession {
	if session == nil {
		return nil
	}
	copied := *session
	copied.AffectedClientIDs = slices.Clone(session.AffectedClientIDs)
	return &copied
}

// Stats contains statistics about the storage contents. Useful for testing
// and monitoring.
type Stats struct {
	TokenStatuses       int
	AuthContexts        int
	PushedRequests      int
	CIBARequests        int
	DeviceGrants        int
	Sessions            int
	RegistrationHandles int
	Counters            int
}

// Stats returns current statistics about storage contents.
func (s *MemoryStorage) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		TokenStatuses:       len(s.tokenStatus),
		AuthContexts:        len(s.authContexts),
		PushedRequests:      len(s.pushedRequests),
		CIBARequests:        len(s.cibaRequests),
		DeviceGrants:        len(s.deviceGrants),
		Sessions:            len(s.sessions),
		RegistrationHandles: len(s.registrationHandles),
		Counters:            len(s.counters),
	}
}

// Compile-time interface compliance check.
var _ Storage = (*MemoryStorage)(nil)
