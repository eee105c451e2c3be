// SPDX-FileCopyrightText: Copyright 2025 Sheetbridge Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// DefaultKeyPrefix namespaces all sheetbridge auth keys.
const DefaultKeyPrefix = "sb:auth:"

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the host:port of the Redis server.
	Addr string

	// Username and Password authenticate against Redis ACLs. Both may be
	// empty for unauthenticated deployments.
	Username string
	Password string

	// DB selects the Redis logical database.
	DB int

	// KeyPrefix namespaces keys for shared Redis deployments.
	// Defaults to DefaultKeyPrefix.
	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisStore implements Store on Redis, enabling horizontal scaling and
// sessions that survive restarts. Expiry sweeping is delegated to Redis
// key TTLs, and atomic consume semantics are provided by GETDEL.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore and verifies connectivity.
func NewRedisStore(ctx context.Context, cfg *RedisConfig) (*RedisStore, error) {
	if cfg == nil {
		return nil, errors.New("redis config is required")
	}
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  durationOrDefault(cfg.DialTimeout, DefaultDialTimeout),
		ReadTimeout:  durationOrDefault(cfg.ReadTimeout, DefaultReadTimeout),
		WriteTimeout: durationOrDefault(cfg.WriteTimeout, DefaultWriteTimeout),
	})

	s := &RedisStore{client: client, keyPrefix: prefix}
	if err := s.Health(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return s, nil
}

func durationOrDefault(d, def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return d
}

// Key namespaces.
func (s *RedisStore) pendingKey(code string) string  { return s.keyPrefix + "pending:" + code }
func (s *RedisStore) nonceKey(nonce string) string   { return s.keyPrefix + "nonce:" + nonce }
func (s *RedisStore) refreshKey(id string) string    { return s.keyPrefix + "rt:" + id }
func (s *RedisStore) sessionKey(id string) string    { return s.keyPrefix + "session:" + id }
func (s *RedisStore) familyKey(sessID string) string { return s.keyPrefix + "family:" + sessID }

// Health pings the Redis server.
func (s *RedisStore) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the Redis client. Expired keys are removed by Redis
// itself, so there is no sweep goroutine to stop.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// setJSON marshals v and stores it under key until expiresAt.
func (s *RedisStore) setJSON(ctx context.Context, key string, v any, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		// Already expired, nothing to store.
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return s.client.Set(ctx, key, raw, ttl).Err()
}

// PutPendingAuthorization stores a pending authorization keyed by code.
func (s *RedisStore) PutPendingAuthorization(ctx context.Context, code string, pending *PendingAuthorization) error {
	return s.setJSON(ctx, s.pendingKey(code), pending, pending.ExpiresAt)
}

// ConsumePendingAuthorization atomically fetches and deletes a pending
// authorization via GETDEL.
func (s *RedisStore) ConsumePendingAuthorization(ctx context.Context, code string) (*PendingAuthorization, error) {
	raw, err := s.client.GetDel(ctx, s.pendingKey(code)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume pending authorization: %w", err)
	}

	var pending PendingAuthorization
	if err := json.Unmarshal(raw, &pending); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending authorization: %w", err)
	}
	return &pending, nil
}

// PutStateNonce registers a state-token nonce.
func (s *RedisStore) PutStateNonce(ctx context.Context, nonce string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	return s.client.Set(ctx, s.nonceKey(nonce), "1", ttl).Err()
}

// ConsumeStateNonce atomically consumes a state-token nonce.
func (s *RedisStore) ConsumeStateNonce(ctx context.Context, nonce string) error {
	err := s.client.GetDel(ctx, s.nonceKey(nonce)).Err()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to consume state nonce: %w", err)
	}
	return nil
}

// PutRefreshToken stores a refresh-token record and tracks it in the
// session's token family set for revocation.
func (s *RedisStore) PutRefreshToken(ctx context.Context, tokenID string, record *RefreshTokenRecord) error {
	if err := s.setJSON(ctx, s.refreshKey(tokenID), record, record.ExpiresAt); err != nil {
		return err
	}

	// Track family membership for RevokeSession. The set expires with the
	// longest-lived member.
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, s.familyKey(record.SessionID), tokenID)
	pipe.ExpireAt(ctx, s.familyKey(record.SessionID), record.ExpiresAt)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to track refresh token family: %w", err)
	}
	return nil
}

// ConsumeRefreshToken atomically fetches and invalidates a refresh-token
// record via GETDEL.
func (s *RedisStore) ConsumeRefreshToken(ctx context.Context, tokenID string) (*RefreshTokenRecord, error) {
	raw, err := s.client.GetDel(ctx, s.refreshKey(tokenID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume refresh token: %w", err)
	}

	var record RefreshTokenRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal refresh token record: %w", err)
	}

	s.client.SRem(ctx, s.familyKey(record.SessionID), tokenID)
	return &record, nil
}

// PutSession stores a session keyed by session.ID.
func (s *RedisStore) PutSession(ctx context.Context, session *Session) error {
	return s.setJSON(ctx, s.sessionKey(session.ID), session, session.ExpiresAt)
}

// GetSession retrieves a session by ID.
func (s *RedisStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	raw, err := s.client.Get(ctx, s.sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var session Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}

// UpdateSessionTokens replaces a session's upstream credentials, keeping
// the session's original expiry.
func (s *RedisStore) UpdateSessionTokens(ctx context.Context, sessionID string, upstream *UpstreamTokens) error {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	session.Upstream = *upstream
	return s.setJSON(ctx, s.sessionKey(sessionID), session, session.ExpiresAt)
}

// RevokeSession deletes a session with its entire refresh-token family.
func (s *RedisStore) RevokeSession(ctx context.Context, sessionID string) error {
	members, err := s.client.SMembers(ctx, s.familyKey(sessionID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to list refresh token family: %w", err)
	}

	keys := make([]string, 0, len(members)+2)
	for _, id := range members {
		keys = append(keys, s.refreshKey(id))
	}
	keys = append(keys, s.familyKey(sessionID), s.sessionKey(sessionID))

	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}
