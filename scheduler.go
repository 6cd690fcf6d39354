// scheduler.go: Recurring rotation and housekeeping sweeps.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package aegis

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Scheduler drives the two periodic concerns: the key rotation sweep
// (daily cadence by default) and engine/store housekeeping (sub-minute).
// Both steps are idempotent, so an externally driven tick - a test, a cron
// runner - can call RotationSweep and HousekeepingSweep directly instead of
// running the loop.
type Scheduler struct {
	manager *KeyLifecycleManager
	engine  *CorrelationEngine
	cfg     SchedulerConfig
	log     zerolog.Logger
}

// SchedulerOption customizes a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerLogger injects a structured logger.
func WithSchedulerLogger(log zerolog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.log = log }
}

// NewScheduler creates a scheduler over the lifecycle manager and the
// correlation engine. Either may be nil; the corresponding sweep is then
// skipped. Non-positive intervals fall back to the defaults.
func NewScheduler(manager *KeyLifecycleManager, engine *CorrelationEngine, cfg SchedulerConfig, opts ...SchedulerOption) *Scheduler {
	if cfg.RotationSweepInterval <= 0 {
		cfg.RotationSweepInterval = 24 * time.Hour
	}
	if cfg.HousekeepingInterval <= 0 {
		cfg.HousekeepingInterval = 30 * time.Second
	}
	s := &Scheduler{manager: manager, engine: engine, cfg: cfg, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run blocks, firing the sweeps on their configured cadences until ctx is
// cancelled. Sweep errors are logged, never fatal; a failed sweep reruns at
// the next tick.
func (s *Scheduler) Run(ctx context.Context) error {
	rotation := time.NewTicker(s.cfg.RotationSweepInterval)
	defer rotation.Stop()
	housekeeping := time.NewTicker(s.cfg.HousekeepingInterval)
	defer housekeeping.Stop()

	s.log.Info().
		Dur("rotation_sweep", s.cfg.RotationSweepInterval).
		Dur("housekeeping", s.cfg.HousekeepingInterval).
		Msg("scheduler started")

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("scheduler stopped")
			return ctx.Err()
		case <-rotation.C:
			if err := s.RotationSweep(ctx); err != nil {
				s.log.Error().Err(err).Msg("rotation sweep failed")
			}
		case <-housekeeping.C:
			if err := s.HousekeepingSweep(ctx); err != nil {
				s.log.Error().Err(err).Msg("housekeeping sweep failed")
			}
		}
	}
}

// RotationSweep runs one rotation check over all active keys.
func (s *Scheduler) RotationSweep(ctx context.Context) error {
	if s.manager == nil {
		return nil
	}
	return s.manager.CheckRotations(ctx)
}

// HousekeepingSweep prunes the engine's event buffer and purges keys past
// their retention period.
func (s *Scheduler) HousekeepingSweep(ctx context.Context) error {
	if s.engine != nil {
		if err := s.engine.Housekeeping(ctx); err != nil {
			return err
		}
	}
	if s.manager != nil {
		purged, err := s.manager.PurgeExpired(ctx)
		if err != nil {
			return err
		}
		if len(purged) > 0 {
			s.log.Info().Strs("key_ids", purged).Msg("retention purge removed keys")
		}
	}
	return nil
}
