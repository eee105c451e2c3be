// SPDX-FileCopyrightText: Copyright 2025 Sheetbridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package breaker implements the circuit breaker guarding calls to the
// upstream provider's token endpoint.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sheetbridge/sheetbridge/pkg/logger"
)

// ErrOpen is returned when the breaker rejects a call without attempting
// it. Handlers map it to the temporarily_unavailable OAuth error.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the state of a circuit breaker.
type State string

const (
	// StateClosed indicates normal operation - calls pass through.
	StateClosed State = "closed"
	// StateOpen indicates failing state - calls fail immediately.
	StateOpen State = "open"
	// StateHalfOpen indicates recovery testing - a single trial call is allowed.
	StateHalfOpen State = "half_open"
)

// Defaults used when a config value is zero.
const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 30 * time.Second
)

// Breaker guards a single upstream endpoint against cascading failure by
// tracking consecutive failures and transitioning through
// Closed → Open → HalfOpen → Closed.
type Breaker struct {
	mu sync.Mutex

	// name identifies the guarded endpoint in logs.
	name string

	state            State
	failureCount     int
	failureThreshold int
	cooldown         time.Duration

	lastStateChange time.Time

	// Only one trial call may be in flight in half-open state.
	halfOpenTestInProgress bool
}

// New creates a breaker that opens after failureThreshold consecutive
// failures and allows a trial call after cooldown. Zero values select the
// package defaults.
func New(name string, failureThreshold int, cooldown time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Breaker{
		name:             name,
		state:            StateClosed,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		lastStateChange:  time.Now(),
	}
}

// Do runs fn under the breaker. When the breaker is open, fn is never
// invoked and Do returns ErrOpen immediately. fn's error is recorded and
// returned unchanged.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.canAttempt() {
		return ErrOpen
	}

	if err := fn(ctx); err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

// canAttempt checks if a call should be allowed based on breaker state,
// transitioning Open → HalfOpen once the cooldown has elapsed.
func (b *Breaker) canAttempt() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(b.lastStateChange) >= b.cooldown {
			b.state = StateHalfOpen
			b.lastStateChange = time.Now()
			b.halfOpenTestInProgress = true
			logger.Infow("circuit breaker half-open, allowing trial call", "name", b.name)
			return true
		}
		return false

	case StateHalfOpen:
		if b.halfOpenTestInProgress {
			return false
		}
		b.halfOpenTestInProgress = true
		return true

	default:
		return false
	}
}

// recordSuccess resets the failure count and closes the breaker.
func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	previous := b.state
	b.failureCount = 0
	b.halfOpenTestInProgress = false

	if b.state != StateClosed {
		b.state = StateClosed
		b.lastStateChange = time.Now()
		if previous == StateHalfOpen {
			logger.Infow("circuit breaker closed, recovery successful", "name", b.name)
		}
	}
}

// recordFailure counts a failure, opening the breaker at the threshold and
// reopening it from half-open.
func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.halfOpenTestInProgress = false

	switch {
	case b.state == StateClosed && b.failureCount >= b.failureThreshold:
		b.state = StateOpen
		b.lastStateChange = time.Now()
		logger.Warnw("circuit breaker opened, threshold exceeded",
			"name", b.name,
			"failures", b.failureCount,
		)
	case b.state == StateHalfOpen:
		b.state = StateOpen
		b.lastStateChange = time.Now()
		logger.Warnw("circuit breaker reopened, trial call failed", "name", b.name)
	}
}

// GetState returns the current state of the breaker.
func (b *Breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// GetFailureCount returns the current consecutive failure count.
func (b *Breaker) GetFailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}
