// SPDX-FileCopyrightText: Copyright 2025 Sheetbridge Authors
// SPDX-License-Identifier: Apache-2.0

package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream unavailable")

func failing(context.Context) error { return errUpstream }
func succeeding(context.Context) error { return nil }

func TestBreakerStaysClosedOnSuccess(t *testing.T) {
	t.Parallel()

	b := New("token-endpoint", 3, time.Second)
	ctx := context.Background()

	for range 10 {
		require.NoError(t, b.Do(ctx, succeeding))
	}
	assert.Equal(t, StateClosed, b.GetState())
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	t.Parallel()

	b := New("token-endpoint", 3, time.Second)
	ctx := context.Background()

	for range 3 {
		assert.ErrorIs(t, b.Do(ctx, failing), errUpstream)
	}
	assert.Equal(t, StateOpen, b.GetState())

	// Open breaker fails fast without invoking the call.
	called := false
	err := b.Do(ctx, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called, "open breaker must not attempt the call")
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	b := New("token-endpoint", 3, time.Second)
	ctx := context.Background()

	assert.Error(t, b.Do(ctx, failing))
	assert.Error(t, b.Do(ctx, failing))
	require.NoError(t, b.Do(ctx, succeeding))
	assert.Equal(t, 0, b.GetFailureCount())
	assert.Equal(t, StateClosed, b.GetState())
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	t.Parallel()

	b := New("token-endpoint", 1, 20*time.Millisecond)
	ctx := context.Background()

	assert.Error(t, b.Do(ctx, failing))
	require.Equal(t, StateOpen, b.GetState())

	time.Sleep(30 * time.Millisecond)

	// A single trial call is allowed through after the cooldown; success
	// closes the breaker.
	require.NoError(t, b.Do(ctx, succeeding))
	assert.Equal(t, StateClosed, b.GetState())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	b := New("token-endpoint", 1, 20*time.Millisecond)
	ctx := context.Background()

	assert.Error(t, b.Do(ctx, failing))
	time.Sleep(30 * time.Millisecond)

	assert.ErrorIs(t, b.Do(ctx, failing), errUpstream)
	assert.Equal(t, StateOpen, b.GetState())

	// Cooldown restarts: immediately after reopening, calls fail fast.
	assert.ErrorIs(t, b.Do(ctx, succeeding), ErrOpen)
}

func TestBreakerHalfOpenAllowsSingleTrial(t *testing.T) {
	t.Parallel()

	b := New("token-endpoint", 1, 10*time.Millisecond)
	ctx := context.Background()

	assert.Error(t, b.Do(ctx, failing))
	time.Sleep(20 * time.Millisecond)

	// First attempt transitions to half-open and occupies the trial slot.
	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = b.Do(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	// While the trial is in flight, other calls are rejected.
	assert.ErrorIs(t, b.Do(ctx, succeeding), ErrOpen)
	close(release)
}
