// SPDX-FileCopyrightText: Copyright 2025 Sheetbridge Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"sync"
	"time"

	"github.com/sheetbridge/sheetbridge/pkg/logger"
)

// DefaultSweepInterval is how often the in-memory store removes expired
// entries.
const DefaultSweepInterval = time.Minute

// timedEntry wraps a value with its expiry for sweep tracking.
type timedEntry[T any] struct {
	value     T
	expiresAt time.Time
}

func (e *timedEntry[T]) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// MemoryStore implements Store with in-memory maps. It is thread-safe and
// suitable for single-instance deployments; use RedisStore when sessions
// must survive restarts or be shared across replicas.
type MemoryStore struct {
	mu sync.Mutex

	pending       map[string]*timedEntry[*PendingAuthorization]
	stateNonces   map[string]*timedEntry[struct{}]
	refreshTokens map[string]*timedEntry[*RefreshTokenRecord]
	sessions      map[string]*timedEntry[*Session]

	sweepInterval time.Duration
	stopSweep     chan struct{}
	sweepDone     chan struct{}
}

var _ Store = (*MemoryStore)(nil)

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithSweepInterval sets a custom sweep interval.
func WithSweepInterval(interval time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.sweepInterval = interval
	}
}

// NewMemoryStore creates a MemoryStore and starts its background sweep.
// Callers own the store lifecycle and must Close it on shutdown.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		pending:       make(map[string]*timedEntry[*PendingAuthorization]),
		stateNonces:   make(map[string]*timedEntry[struct{}]),
		refreshTokens: make(map[string]*timedEntry[*RefreshTokenRecord]),
		sessions:      make(map[string]*timedEntry[*Session]),
		sweepInterval: DefaultSweepInterval,
		stopSweep:     make(chan struct{}),
		sweepDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.sweepLoop()

	return s
}

// Health is a no-op for the in-memory store.
func (*MemoryStore) Health(_ context.Context) error {
	return nil
}

// Close stops the background sweep and waits for it to finish.
func (s *MemoryStore) Close() error {
	close(s.stopSweep)
	<-s.sweepDone
	return nil
}

// PutPendingAuthorization stores a pending authorization keyed by code.
func (s *MemoryStore) PutPendingAuthorization(_ context.Context, code string, pending *PendingAuthorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending[code] = &timedEntry[*PendingAuthorization]{value: pending, expiresAt: pending.ExpiresAt}
	return nil
}

// ConsumePendingAuthorization atomically fetches and deletes a pending
// authorization under the store lock.
func (s *MemoryStore) ConsumePendingAuthorization(_ context.Context, code string) (*PendingAuthorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.pending[code]
	if !ok || entry.expired(time.Now()) {
		return nil, ErrNotFound
	}
	delete(s.pending, code)
	pending := *entry.value
	return &pending, nil
}

// PutStateNonce registers a state-token nonce.
func (s *MemoryStore) PutStateNonce(_ context.Context, nonce string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stateNonces[nonce] = &timedEntry[struct{}]{expiresAt: expiresAt}
	return nil
}

// ConsumeStateNonce atomically consumes a state-token nonce.
func (s *MemoryStore) ConsumeStateNonce(_ context.Context, nonce string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.stateNonces[nonce]
	if !ok || entry.expired(time.Now()) {
		return ErrNotFound
	}
	delete(s.stateNonces, nonce)
	return nil
}

// PutRefreshToken stores a refresh-token record keyed by token ID.
func (s *MemoryStore) PutRefreshToken(_ context.Context, tokenID string, record *RefreshTokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refreshTokens[tokenID] = &timedEntry[*RefreshTokenRecord]{value: record, expiresAt: record.ExpiresAt}
	return nil
}

// ConsumeRefreshToken atomically fetches and invalidates a refresh-token
// record. Exactly one of two racing consumers succeeds.
func (s *MemoryStore) ConsumeRefreshToken(_ context.Context, tokenID string) (*RefreshTokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.refreshTokens[tokenID]
	if !ok || entry.expired(time.Now()) {
		return nil, ErrNotFound
	}
	delete(s.refreshTokens, tokenID)
	record := *entry.value
	return &record, nil
}

// PutSession stores a session keyed by session.ID.
func (s *MemoryStore) PutSession(_ context.Context, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[session.ID] = &timedEntry[*Session]{value: session, expiresAt: session.ExpiresAt}
	return nil
}

// GetSession retrieves a session by ID. It returns a copy: the stored
// session is mutated under the lock by UpdateSessionTokens, and callers
// read the result outside it.
func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.sessions[sessionID]
	if !ok || entry.expired(time.Now()) {
		return nil, ErrNotFound
	}
	session := *entry.value
	return &session, nil
}

// UpdateSessionTokens replaces a session's upstream credentials.
func (s *MemoryStore) UpdateSessionTokens(_ context.Context, sessionID string, upstream *UpstreamTokens) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.sessions[sessionID]
	if !ok || entry.expired(time.Now()) {
		return ErrNotFound
	}
	entry.value.Upstream = *upstream
	return nil
}

// RevokeSession deletes a session and every refresh-token record in its
// family. Used on explicit revocation and on detected refresh replay.
func (s *MemoryStore) RevokeSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, sessionID)
	for id, entry := range s.refreshTokens {
		if entry.value.SessionID == sessionID {
			delete(s.refreshTokens, id)
		}
	}
	return nil
}

// sweepLoop runs the periodic expiry sweep until Close is called.
func (s *MemoryStore) sweepLoop() {
	defer close(s.sweepDone)

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopSweep:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep removes all expired entries.
func (s *MemoryStore) sweep() {
	now := time.Now()
	removed := 0

	s.mu.Lock()
	defer s.mu.Unlock()

	for code, entry := range s.pending {
		if entry.expired(now) {
			delete(s.pending, code)
			removed++
		}
	}
	for nonce, entry := range s.stateNonces {
		if entry.expired(now) {
			delete(s.stateNonces, nonce)
			removed++
		}
	}
	for id, entry := range s.refreshTokens {
		if entry.expired(now) {
			delete(s.refreshTokens, id)
			removed++
		}
	}
	for id, entry := range s.sessions {
		if entry.expired(now) {
			delete(s.sessions, id)
			removed++
		}
	}

	if removed > 0 {
		logger.Debugw("swept expired store entries", "removed", removed)
	}
}
