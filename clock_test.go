// clock_test.go: Manual clock used across the lifecycle and engine tests.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package aegis_test

import (
	"sync"
	"time"

	"github.com/agilira/aegis"
)

// fakeClock is a hand-driven Clock so rotation and cooldown timing are
// deterministic without wall-clock sleeps.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var testEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestManager(clock aegis.Clock) *aegis.KeyLifecycleManager {
	return aegis.NewKeyLifecycleManager(aegis.NewMemoryKeyStore(), aegis.WithClock(clock))
}
