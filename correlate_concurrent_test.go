// correlate_concurrent_test.go: Concurrency tests for the correlation engine.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package aegis_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
)

// TestProcessEvent_ConcurrentCooldown fires matching events from many
// goroutines at the same instant: the cooldown gate must admit exactly one
// firing no matter how the evaluations interleave.
func TestProcessEvent_ConcurrentCooldown(t *testing.T) {
	clock := newFakeClock(testEpoch)
	rule := failedLoginRule()
	rule.Conditions = rule.Conditions[:1] // plain match, no window
	engine, store := newEngineWithRule(t, clock, rule)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	var raised int64

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := engine.ProcessEvent(ctx, failedLogin(clock, "u-1"))
			if err != nil {
				t.Errorf("ProcessEvent failed: %v", err)
				return
			}
			atomic.AddInt64(&raised, int64(len(got)))
		}()
	}
	wg.Wait()

	if raised != 1 {
		t.Fatalf("%d alerts fired for one rule within its cooldown window, want 1", raised)
	}

	stored, err := store.Get(rule.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.TriggerCount != 1 {
		t.Errorf("TriggerCount = %d, want 1", stored.TriggerCount)
	}

	stats := engine.Stats()
	if stats.EventsProcessed != workers {
		t.Errorf("EventsProcessed = %d, want %d", stats.EventsProcessed, workers)
	}
	if stats.AlertsRaised != 1 {
		t.Errorf("AlertsRaised = %d, want 1", stats.AlertsRaised)
	}
}
