// lifecycle.go: Key generation, rotation, expiry and policy enforcement.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package aegis

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	goerrors "github.com/agilira/go-errors"
	"github.com/rs/zerolog"
)

// RotationObserver receives advance notice that a key is approaching its
// rotation deadline. Implementations typically forward to the external
// notification collaborator; delivery is fire-and-forget from the manager's
// perspective.
type RotationObserver interface {
	// RotationDue is called when an active key has entered its notification
	// window. due is the instant auto-rotation will fire.
	RotationDue(key *EncryptionKey, due time.Time)
}

// KeyLifecycleManager orchestrates generation, rotation, expiry and policy
// enforcement on top of a KeyRepository. It owns the "exactly one active key
// per type" invariant: all mutations of a key's Active flag are serialized
// through a per-type lock.
//
// Managers are explicit constructed instances. Multiple isolated managers
// (each with its own repository) can coexist in one process.
type KeyLifecycleManager struct {
	store    KeyRepository
	clock    Clock
	log      zerolog.Logger
	observer RotationObserver
	policies map[KeyType]RotationPolicy

	// typeLocks serializes active-flag transitions per key type. Encryption
	// and decryption never take these locks; key material is read-only once
	// resolved.
	typeLocks map[KeyType]*sync.Mutex

	// usageMu serializes usage bookkeeping, which is cross-type.
	usageMu sync.Mutex
}

// ManagerOption customizes a KeyLifecycleManager.
type ManagerOption func(*KeyLifecycleManager)

// WithClock injects a clock. Defaults to SystemClock.
func WithClock(clock Clock) ManagerOption {
	return func(m *KeyLifecycleManager) { m.clock = clock }
}

// WithLogger injects a structured logger. Defaults to a no-op logger.
func WithLogger(log zerolog.Logger) ManagerOption {
	return func(m *KeyLifecycleManager) { m.log = log }
}

// WithRotationPolicies replaces the default per-type rotation policies.
// Policies must already be validated (LoadConfig does this).
func WithRotationPolicies(policies map[KeyType]RotationPolicy) ManagerOption {
	return func(m *KeyLifecycleManager) { m.policies = policies }
}

// WithRotationObserver registers the rotation warning collaborator.
func WithRotationObserver(observer RotationObserver) ManagerOption {
	return func(m *KeyLifecycleManager) { m.observer = observer }
}

// NewKeyLifecycleManager creates a manager over the given repository with
// DefaultRotationPolicies unless overridden.
func NewKeyLifecycleManager(store KeyRepository, opts ...ManagerOption) *KeyLifecycleManager {
	m := &KeyLifecycleManager{
		store:     store,
		clock:     SystemClock,
		log:       zerolog.Nop(),
		policies:  DefaultRotationPolicies(),
		typeLocks: make(map[KeyType]*sync.Mutex, len(KeyTypes())),
	}
	for _, t := range KeyTypes() {
		m.typeLocks[t] = &sync.Mutex{}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *KeyLifecycleManager) lockType(t KeyType) *sync.Mutex {
	if lock, ok := m.typeLocks[t]; ok {
		return lock
	}
	// Unknown types still get serialized; they share the usage lock.
	return &m.usageMu
}

// GenerateKey allocates fresh key material for the type and algorithm, marks
// the key active, and persists it.
//
// Plain generation does not deactivate any prior active key of the same
// type; deactivation is rotation's job. Generating a second key for a type
// that already has an active one is therefore rejected so the single-active
// invariant cannot be violated by the front door.
func (m *KeyLifecycleManager) GenerateKey(t KeyType, alg Algorithm, purpose string, meta KeyMetadata) (*EncryptionKey, error) {
	lock := m.lockType(t)
	lock.Lock()
	defer lock.Unlock()

	existing, err := m.store.ListByType(t, true)
	if err != nil {
		return nil, fmt.Errorf("failed to check active keys for %s: %w", t, err)
	}
	if len(existing) > 0 {
		richErr := goerrors.New(ErrCodeActiveKeyConflict, fmt.Sprintf("type %s already has an active key; rotate instead", t))
		return nil, fmt.Errorf("%w: %w", ErrActiveKeyConflict, richErr)
	}

	key, err := m.mintKey(t, alg, purpose, meta, 1)
	if err != nil {
		return nil, err
	}
	if err := m.store.Put(key); err != nil {
		Zeroize(key.Material)
		return nil, fmt.Errorf("failed to persist key: %w", err)
	}

	m.log.Info().
		Str("key_id", key.ID).
		Str("type", string(t)).
		Str("algorithm", string(alg)).
		Str("fingerprint", key.Fingerprint()).
		Msg("generated key")
	return key, nil
}

// mintKey builds an unsaved key record. Callers hold the type lock.
func (m *KeyLifecycleManager) mintKey(t KeyType, alg Algorithm, purpose string, meta KeyMetadata, version int) (*EncryptionKey, error) {
	material, err := GenerateKeyMaterial(alg)
	if err != nil {
		return nil, err
	}

	suffix := make([]byte, 4)
	if _, err := io.ReadFull(rand.Reader, suffix); err != nil {
		richErr := goerrors.Wrap(err, ErrCodeKeyGeneration, "failed to generate key id suffix")
		return nil, fmt.Errorf("key id generation failed: %w", richErr)
	}

	now := m.clock.Now()
	key := &EncryptionKey{
		// The id embeds type and timestamp for traceability; the random
		// suffix guards against same-millisecond collisions.
		ID:        fmt.Sprintf("key_%s_%d_%x", t, now.UnixMilli(), suffix),
		Type:      t,
		Algorithm: alg,
		Material:  material,
		Version:   version,
		CreatedAt: now,
		Active:    true,
		Metadata:  meta,
	}
	if key.Metadata.Purpose == "" {
		key.Metadata.Purpose = purpose
	}

	if policy, ok := m.policies[t]; ok {
		expires := now.AddDate(0, 0, policy.MaxKeyAge)
		key.ExpiresAt = &expires
		key.RotationSchedule = fmt.Sprintf("every %dd", policy.RotationInterval)
	}
	return key, nil
}

// ActiveKey returns the single active key for the type.
//
// Returns ErrKeyNotFound when the type has no active key and
// ErrActiveKeyConflict when more than one key claims to be active, which
// indicates the repository was mutated behind the manager's back.
func (m *KeyLifecycleManager) ActiveKey(t KeyType) (*EncryptionKey, error) {
	keys, err := m.store.ListByType(t, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list active keys for %s: %w", t, err)
	}
	switch len(keys) {
	case 0:
		richErr := goerrors.New(ErrCodeKeyNotFound, fmt.Sprintf("no active key for type %s", t))
		return nil, fmt.Errorf("%w: %w", ErrKeyNotFound, richErr)
	case 1:
		return keys[0], nil
	default:
		richErr := goerrors.New(ErrCodeActiveKeyConflict, fmt.Sprintf("type %s has %d active keys", t, len(keys)))
		return nil, fmt.Errorf("%w: %w", ErrActiveKeyConflict, richErr)
	}
}

// KeyByID returns a key by id regardless of its active flag. Deactivated
// keys stay resolvable here so data sealed under any prior version can still
// be decrypted.
func (m *KeyLifecycleManager) KeyByID(id string) (*EncryptionKey, error) {
	return m.store.Get(id)
}

// RotateKey generates a successor for the given key - same type, same
// algorithm, version incremented by one, relative expiry window preserved -
// deactivates the old key, and persists both.
//
// The old key is retained, never deleted: it remains available for
// decryption for its retention period.
func (m *KeyLifecycleManager) RotateKey(keyID string) (*EncryptionKey, error) {
	old, err := m.store.Get(keyID)
	if err != nil {
		return nil, err
	}

	lock := m.lockType(old.Type)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock; a concurrent rotation may have won.
	old, err = m.store.Get(keyID)
	if err != nil {
		return nil, err
	}
	if !old.Active {
		richErr := goerrors.New(ErrCodeKeyInactive, fmt.Sprintf("key %s is already deactivated", keyID))
		return nil, fmt.Errorf("%w: %w", ErrKeyInactive, richErr)
	}

	successor, err := m.mintKey(old.Type, old.Algorithm, old.Metadata.Purpose, KeyMetadata{
		Purpose:     old.Metadata.Purpose,
		Environment: old.Metadata.Environment,
		Creator:     old.Metadata.Creator,
	}, old.Version+1)
	if err != nil {
		return nil, err
	}

	// Preserve the relative expiry window rather than recomputing from the
	// current policy, so mid-lineage policy changes do not shift windows.
	if old.ExpiresAt != nil {
		expires := successor.CreatedAt.Add(old.ExpiresAt.Sub(old.CreatedAt))
		successor.ExpiresAt = &expires
		successor.RotationSchedule = old.RotationSchedule
	}

	// Deactivate first: a transient zero-active window is harmless, a
	// two-active window breaks the invariant for concurrent readers.
	now := m.clock.Now()
	old.Active = false
	old.DeactivatedAt = &now
	if err := m.store.Update(old); err != nil {
		return nil, fmt.Errorf("failed to deactivate key %s: %w", keyID, err)
	}
	if err := m.store.Put(successor); err != nil {
		old.Active = true
		old.DeactivatedAt = nil
		if restoreErr := m.store.Update(old); restoreErr != nil {
			m.log.Error().Err(restoreErr).Str("key_id", old.ID).Msg("failed to restore active flag after rotation failure")
		}
		Zeroize(successor.Material)
		return nil, fmt.Errorf("failed to persist rotated key: %w", err)
	}

	m.log.Info().
		Str("old_key_id", old.ID).
		Str("new_key_id", successor.ID).
		Int("version", successor.Version).
		Str("type", string(old.Type)).
		Msg("rotated key")
	return successor, nil
}

// RecordUsage updates usage bookkeeping for a key after a successful
// cryptographic operation. The cipher engines are side-effect free; usage
// tracking is the manager's job.
func (m *KeyLifecycleManager) RecordUsage(keyID string) error {
	m.usageMu.Lock()
	defer m.usageMu.Unlock()

	key, err := m.store.Get(keyID)
	if err != nil {
		return err
	}
	now := m.clock.Now()
	key.Metadata.LastUsedAt = &now
	key.Metadata.UsageCount++
	return m.store.Update(key)
}

// CheckRotations runs one rotation sweep. For every active key whose type
// has an auto-rotation policy: if the key's age has reached the rotation
// interval it is rotated; if it is inside the notification window the
// rotation observer is warned without rotating.
//
// The sweep is idempotent and safe to cancel and rerun: a rotated key is no
// longer active, so a rerun simply skips it.
func (m *KeyLifecycleManager) CheckRotations(ctx context.Context) error {
	now := m.clock.Now()
	var errs []error

	for _, t := range KeyTypes() {
		if err := ctx.Err(); err != nil {
			return err
		}
		policy, ok := m.policies[t]
		if !ok || !policy.AutoRotation {
			continue
		}

		key, err := m.ActiveKey(t)
		if errors.Is(err, ErrKeyNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}

		age := key.AgeDays(now)
		switch {
		case age >= policy.RotationInterval:
			if _, err := m.RotateKey(key.ID); err != nil {
				errs = append(errs, fmt.Errorf("auto-rotation of %s failed: %w", key.ID, err))
				continue
			}
		case age >= policy.RotationInterval-policy.NotificationThreshold:
			due := key.CreatedAt.AddDate(0, 0, policy.RotationInterval)
			m.log.Warn().
				Str("key_id", key.ID).
				Str("type", string(t)).
				Time("due", due).
				Msg("key approaching rotation deadline")
			if m.observer != nil {
				m.observer.RotationDue(key, due)
			}
		}
	}

	return errors.Join(errs...)
}

// PurgeExpired deletes deactivated keys whose retention period has elapsed,
// zeroizing their material first. Active keys are never purged. Returns the
// ids of purged keys.
func (m *KeyLifecycleManager) PurgeExpired(ctx context.Context) ([]string, error) {
	now := m.clock.Now()
	var purged []string

	for _, t := range KeyTypes() {
		if err := ctx.Err(); err != nil {
			return purged, err
		}
		policy, ok := m.policies[t]
		if !ok || policy.RetentionPeriod <= 0 {
			continue
		}

		lock := m.lockType(t)
		lock.Lock()
		keys, err := m.store.ListByType(t, false)
		if err != nil {
			lock.Unlock()
			return purged, err
		}
		for _, key := range keys {
			if key.Active || key.DeactivatedAt == nil {
				continue
			}
			// Retention runs from deactivation, not creation.
			if int(now.Sub(*key.DeactivatedAt).Hours()/24) < policy.RetentionPeriod {
				continue
			}
			Zeroize(key.Material)
			if err := m.store.Delete(key.ID); err != nil {
				m.log.Error().Err(err).Str("key_id", key.ID).Msg("failed to purge retired key")
				continue
			}
			purged = append(purged, key.ID)
			m.log.Info().Str("key_id", key.ID).Str("type", string(t)).Msg("purged retired key past retention")
		}
		lock.Unlock()
	}

	return purged, nil
}

// Policy returns the rotation policy for a type, if one is configured.
func (m *KeyLifecycleManager) Policy(t KeyType) (RotationPolicy, bool) {
	policy, ok := m.policies[t]
	return policy, ok
}
