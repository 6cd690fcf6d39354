// lifecycle_concurrent_test.go: Concurrency tests for the key lifecycle.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package aegis_test

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agilira/aegis"
)

// TestConcurrentGenerateKey_SingleActive hammers GenerateKey for one type
// from many goroutines: exactly one may win, the rest must see the active-key
// conflict.
func TestConcurrentGenerateKey_SingleActive(t *testing.T) {
	clock := newFakeClock(testEpoch)
	store := aegis.NewMemoryKeyStore()
	manager := aegis.NewKeyLifecycleManager(store, aegis.WithClock(clock))

	const workers = 8
	var wg sync.WaitGroup
	var generated int64
	errs := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := manager.GenerateKey(aegis.KeyTypeSessionData, aegis.AlgorithmAESGCM, "session", aegis.KeyMetadata{})
			if err == nil {
				atomic.AddInt64(&generated, 1)
				return
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	if generated != 1 {
		t.Fatalf("Generated %d active keys, want exactly 1", generated)
	}
	for err := range errs {
		if !errors.Is(err, aegis.ErrActiveKeyConflict) {
			t.Errorf("Loser got %v, want ErrActiveKeyConflict", err)
		}
	}

	active, err := store.ListByType(aegis.KeyTypeSessionData, true)
	if err != nil {
		t.Fatalf("ListByType failed: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("Store holds %d active keys, want 1", len(active))
	}
}

// TestConcurrentRotationAndReaders rotates a key lineage while readers list,
// resolve, and record usage against the store. At no observable instant may
// more than one key of the type be active, and no reader may race the
// rotation's record mutations.
func TestConcurrentRotationAndReaders(t *testing.T) {
	clock := newFakeClock(testEpoch)
	store := aegis.NewMemoryKeyStore()
	manager := aegis.NewKeyLifecycleManager(store, aegis.WithClock(clock))

	initial, err := manager.GenerateKey(aegis.KeyTypeAPITransport, aegis.AlgorithmAESGCM, "transport", aegis.KeyMetadata{})
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	stop := make(chan struct{})
	violations := make(chan string, 64)
	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				active, err := store.ListByType(aegis.KeyTypeAPITransport, true)
				if err != nil {
					violations <- fmt.Sprintf("ListByType: %v", err)
					return
				}
				if len(active) > 1 {
					violations <- fmt.Sprintf("%d active keys observed", len(active))
					return
				}
				// Transient zero-active windows during rotation are fine;
				// a conflict is not.
				if _, err := manager.ActiveKey(aegis.KeyTypeAPITransport); err != nil && errors.Is(err, aegis.ErrActiveKeyConflict) {
					violations <- fmt.Sprintf("ActiveKey: %v", err)
					return
				}
				if _, err := manager.KeyByID(initial.ID); err != nil {
					violations <- fmt.Sprintf("KeyByID: %v", err)
					return
				}
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if err := manager.RecordUsage(initial.ID); err != nil {
				violations <- fmt.Sprintf("RecordUsage: %v", err)
				return
			}
		}
	}()

	const rotations = 40
	current := initial
	for i := 0; i < rotations; i++ {
		clock.Advance(time.Hour)
		next, err := manager.RotateKey(current.ID)
		if err != nil {
			t.Fatalf("Rotation %d failed: %v", i, err)
		}
		current = next
	}
	close(stop)
	wg.Wait()
	close(violations)

	for v := range violations {
		t.Errorf("Invariant violated: %s", v)
	}

	all, err := store.ListByType(aegis.KeyTypeAPITransport, false)
	if err != nil {
		t.Fatalf("ListByType failed: %v", err)
	}
	if len(all) != rotations+1 {
		t.Errorf("Lineage holds %d keys, want %d", len(all), rotations+1)
	}
	activeCount := 0
	for _, key := range all {
		if key.Active {
			activeCount++
		}
	}
	if activeCount != 1 {
		t.Errorf("Lineage holds %d active keys, want 1", activeCount)
	}
	if current.Version != rotations+1 {
		t.Errorf("Final version = %d, want %d", current.Version, rotations+1)
	}
}
