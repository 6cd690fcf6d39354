// clock.go: Injectable clock abstraction for deterministic time handling.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package aegis

import (
	"time"

	"github.com/agilira/go-timecache"
)

// Clock supplies the current time to every component that makes rotation,
// expiry or cooldown decisions. Injecting a Clock keeps that timing
// deterministic in tests; production code uses SystemClock.
type Clock interface {
	// Now returns the current UTC time.
	Now() time.Time
}

// SystemClock is the production Clock. It reads from the process-wide time
// cache, which is accurate to within its refresh interval and avoids a
// syscall per observation on the hot encrypt/decrypt path.
var SystemClock Clock = systemClock{}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return timecache.CachedTime().UTC()
}
