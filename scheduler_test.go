// scheduler_test.go: Test cases for the recurring sweeps.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package aegis_test

import (
	"context"
	"testing"
	"time"

	"github.com/agilira/aegis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotationSweep(t *testing.T) {
	clock := newFakeClock(testEpoch)
	manager := newTestManager(clock)
	scheduler := aegis.NewScheduler(manager, nil, aegis.SchedulerConfig{})

	key, err := manager.GenerateKey(aegis.KeyTypeSessionData, aegis.AlgorithmAESGCM, "sessions", aegis.KeyMetadata{})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, scheduler.RotationSweep(ctx))
	active, err := manager.ActiveKey(aegis.KeyTypeSessionData)
	require.NoError(t, err)
	assert.Equal(t, key.ID, active.ID, "fresh key must not rotate")

	clock.Advance(8 * 24 * time.Hour)
	require.NoError(t, scheduler.RotationSweep(ctx))
	active, err = manager.ActiveKey(aegis.KeyTypeSessionData)
	require.NoError(t, err)
	assert.Equal(t, key.Version+1, active.Version)

	// Re-running immediately is a no-op.
	require.NoError(t, scheduler.RotationSweep(ctx))
	again, err := manager.ActiveKey(aegis.KeyTypeSessionData)
	require.NoError(t, err)
	assert.Equal(t, active.ID, again.ID)
}

func TestHousekeepingSweep(t *testing.T) {
	clock := newFakeClock(testEpoch)
	manager := newTestManager(clock)
	engine, _ := newEngineWithRule(t, clock, failedLoginRule())
	scheduler := aegis.NewScheduler(manager, engine, aegis.SchedulerConfig{})

	ctx := context.Background()
	_, err := engine.ProcessEvent(ctx, failedLogin(clock, "u-1"))
	require.NoError(t, err)

	key, err := manager.GenerateKey(aegis.KeyTypeSessionData, aegis.AlgorithmAESGCM, "sessions", aegis.KeyMetadata{})
	require.NoError(t, err)
	_, err = manager.RotateKey(key.ID)
	require.NoError(t, err)

	// Past event retention and past the 90-day key retention.
	clock.Advance(91 * 24 * time.Hour)
	require.NoError(t, scheduler.HousekeepingSweep(ctx))

	assert.Equal(t, 0, engine.Stats().BufferedEvents)
	_, err = manager.KeyByID(key.ID)
	assert.ErrorIs(t, err, aegis.ErrKeyNotFound)
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	scheduler := aegis.NewScheduler(nil, nil, aegis.SchedulerConfig{
		RotationSweepInterval: time.Hour,
		HousekeepingInterval:  time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- scheduler.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
