// key.go: Encryption key records, rotation policies, and the key repository.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package aegis

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	goerrors "github.com/agilira/go-errors"
)

// KeyType declares what a key protects. Exactly one key per type is active
// for new encryption at any time; the lifecycle manager enforces that.
type KeyType string

const (
	KeyTypeDatabaseField KeyType = "database_field"
	KeyTypeFileStorage   KeyType = "file_storage"
	KeyTypeAPITransport  KeyType = "api_transport"
	KeyTypeSessionData   KeyType = "session_data"
	KeyTypeBackup        KeyType = "backup_encryption"
	KeyTypeExport        KeyType = "export_data"
)

// KeyTypes lists every key type in stable order.
func KeyTypes() []KeyType {
	return []KeyType{
		KeyTypeDatabaseField,
		KeyTypeFileStorage,
		KeyTypeAPITransport,
		KeyTypeSessionData,
		KeyTypeBackup,
		KeyTypeExport,
	}
}

// KeyMetadata carries operational metadata for a key. LastUsedAt and
// UsageCount are bookkeeping maintained by the lifecycle manager, never by
// the cipher engines.
type KeyMetadata struct {
	Purpose     string     `json:"purpose,omitempty"`
	Environment string     `json:"environment,omitempty"`
	Creator     string     `json:"creator,omitempty"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	UsageCount  uint64     `json:"usage_count"`
}

// EncryptionKey is a single version in a key lineage.
//
// Lifecycle: created active by GenerateKey; Active flips to false on rotation
// and never back to true. Deactivated keys are retained for decryption of
// previously sealed data until their retention period elapses.
type EncryptionKey struct {
	ID               string      `json:"id"`
	Type             KeyType     `json:"type"`
	Algorithm        Algorithm   `json:"algorithm"`
	Material         []byte      `json:"-"` // never serialized
	Version          int         `json:"version"`
	CreatedAt        time.Time   `json:"created_at"`
	ExpiresAt        *time.Time  `json:"expires_at,omitempty"`
	Active           bool        `json:"active"`
	DeactivatedAt    *time.Time  `json:"deactivated_at,omitempty"`
	RotationSchedule string      `json:"rotation_schedule,omitempty"` // descriptor only
	Metadata         KeyMetadata `json:"metadata"`
}

// Fingerprint returns the loggable fingerprint of the key material.
func (k *EncryptionKey) Fingerprint() string {
	return KeyFingerprint(k.Material)
}

// AgeDays returns the key age in whole days at the given instant.
func (k *EncryptionKey) AgeDays(now time.Time) int {
	return int(now.Sub(k.CreatedAt).Hours() / 24)
}

// RotationPolicy governs automatic rotation and retention for one key type.
// All durations are in days, matching how compliance retention requirements
// are written.
type RotationPolicy struct {
	RotationInterval      int  `json:"rotation_interval" koanf:"rotation_interval"`
	MaxKeyAge             int  `json:"max_key_age" koanf:"max_key_age"`
	RetentionPeriod       int  `json:"retention_period" koanf:"retention_period"`
	AutoRotation          bool `json:"auto_rotation" koanf:"auto_rotation"`
	NotificationThreshold int  `json:"notification_threshold" koanf:"notification_threshold"`
}

// ErrPolicyInvalid is returned when a rotation policy violates its
// invariants.
var ErrPolicyInvalid = errors.New("aegis: invalid rotation policy")

const ErrCodePolicyInvalid = "KEY_POLICY_INVALID"

// Validate checks the policy invariants, most importantly
// rotationInterval <= maxKeyAge.
func (p RotationPolicy) Validate() error {
	if p.RotationInterval <= 0 || p.MaxKeyAge <= 0 {
		richErr := goerrors.New(ErrCodePolicyInvalid, "rotation interval and max key age must be positive")
		return fmt.Errorf("%w: %w", ErrPolicyInvalid, richErr)
	}
	if p.RotationInterval > p.MaxKeyAge {
		richErr := goerrors.New(ErrCodePolicyInvalid, fmt.Sprintf("rotation interval %dd exceeds max key age %dd", p.RotationInterval, p.MaxKeyAge))
		return fmt.Errorf("%w: %w", ErrPolicyInvalid, richErr)
	}
	if p.RetentionPeriod < 0 || p.NotificationThreshold < 0 {
		richErr := goerrors.New(ErrCodePolicyInvalid, "retention period and notification threshold cannot be negative")
		return fmt.Errorf("%w: %w", ErrPolicyInvalid, richErr)
	}
	return nil
}

// DefaultRotationPolicies returns the built-in per-type policies. The 2555
// day (7 year) retention on field and file keys tracks education-record
// retention obligations. Deployments override these through configuration;
// they are defaults, not constants baked into behavior.
func DefaultRotationPolicies() map[KeyType]RotationPolicy {
	return map[KeyType]RotationPolicy{
		KeyTypeDatabaseField: {RotationInterval: 90, MaxKeyAge: 365, RetentionPeriod: 2555, AutoRotation: true, NotificationThreshold: 14},
		KeyTypeFileStorage:   {RotationInterval: 180, MaxKeyAge: 730, RetentionPeriod: 2555, AutoRotation: true, NotificationThreshold: 14},
		KeyTypeAPITransport:  {RotationInterval: 30, MaxKeyAge: 90, RetentionPeriod: 365, AutoRotation: true, NotificationThreshold: 7},
		KeyTypeSessionData:   {RotationInterval: 7, MaxKeyAge: 30, RetentionPeriod: 90, AutoRotation: true, NotificationThreshold: 2},
	}
}

// Key repository errors.
var (
	// ErrKeyNotFound is returned when no key matches the requested id or
	// when a type has no active key.
	ErrKeyNotFound = errors.New("aegis: key not found")

	// ErrKeyInactive is returned when an operation requires an active key
	// but the resolved key has been deactivated.
	ErrKeyInactive = errors.New("aegis: key inactive")

	// ErrActiveKeyConflict indicates more than one active key for a type.
	// That state is a programming error in whatever bypassed the lifecycle
	// manager; surfacing it loudly keeps the invariant testable.
	ErrActiveKeyConflict = errors.New("aegis: multiple active keys for type")
)

const (
	ErrCodeKeyNotFound       = "KEY_NOT_FOUND"
	ErrCodeKeyInactive       = "KEY_INACTIVE"
	ErrCodeKeyGeneration     = "KEY_GENERATION"
	ErrCodeActiveKeyConflict = "KEY_ACTIVE_CONFLICT"
)

// KeyRepository is the persistence collaborator for keys. Implementations
// must provide read-after-write consistency within a single process; the
// storage medium (memory, file, KMS, database) is not prescribed.
type KeyRepository interface {
	// Put stores a new key record.
	Put(key *EncryptionKey) error

	// Get returns the key with the given id, active or not.
	Get(id string) (*EncryptionKey, error)

	// ListByType returns keys of the given type, newest version first.
	// With activeOnly set, only keys whose Active flag is true.
	ListByType(t KeyType, activeOnly bool) ([]*EncryptionKey, error)

	// Update persists mutations to an existing key record.
	Update(key *EncryptionKey) error

	// Delete removes a key record outright. Only the retention purge calls
	// this; rotation never does.
	Delete(id string) error
}

// MemoryKeyStore is the in-process reference KeyRepository. It is safe for
// concurrent use and strongly consistent by construction. Every accessor
// returns deep copies, material included, so callers mutating a record (the
// lifecycle manager does, during rotation and usage bookkeeping) never race
// against concurrent readers; mutations become visible only through Update.
type MemoryKeyStore struct {
	mu   sync.RWMutex
	keys map[string]*EncryptionKey
}

// NewMemoryKeyStore creates an empty in-memory key store.
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[string]*EncryptionKey)}
}

// Put stores a new key record.
func (s *MemoryKeyStore) Put(key *EncryptionKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.keys[key.ID]; exists {
		richErr := goerrors.New(ErrCodeKeyGeneration, fmt.Sprintf("key id %s already exists", key.ID))
		return fmt.Errorf("duplicate key id: %w", richErr)
	}
	s.keys[key.ID] = cloneKey(key)
	return nil
}

// Get returns the key with the given id, active or not.
func (s *MemoryKeyStore) Get(id string) (*EncryptionKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, exists := s.keys[id]
	if !exists {
		richErr := goerrors.New(ErrCodeKeyNotFound, fmt.Sprintf("key id %s not found", id))
		return nil, fmt.Errorf("%w: %w", ErrKeyNotFound, richErr)
	}
	return cloneKey(key), nil
}

// ListByType returns keys of the given type, newest version first.
func (s *MemoryKeyStore) ListByType(t KeyType, activeOnly bool) ([]*EncryptionKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []*EncryptionKey
	for _, key := range s.keys {
		if key.Type != t {
			continue
		}
		if activeOnly && !key.Active {
			continue
		}
		keys = append(keys, cloneKey(key))
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Version > keys[j].Version })
	return keys, nil
}

// Update replaces the stored record with a copy of the given one.
func (s *MemoryKeyStore) Update(key *EncryptionKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.keys[key.ID]; !exists {
		richErr := goerrors.New(ErrCodeKeyNotFound, fmt.Sprintf("key id %s not found", key.ID))
		return fmt.Errorf("%w: %w", ErrKeyNotFound, richErr)
	}
	s.keys[key.ID] = cloneKey(key)
	return nil
}

// Delete removes a key record, wiping the stored material first.
func (s *MemoryKeyStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, exists := s.keys[id]
	if !exists {
		richErr := goerrors.New(ErrCodeKeyNotFound, fmt.Sprintf("key id %s not found", id))
		return fmt.Errorf("%w: %w", ErrKeyNotFound, richErr)
	}
	Zeroize(key.Material)
	delete(s.keys, id)
	return nil
}

// cloneKey deep-copies a key record, material included, so the store and its
// callers never share mutable state.
func cloneKey(key *EncryptionKey) *EncryptionKey {
	clone := *key
	clone.Material = append([]byte(nil), key.Material...)
	if key.ExpiresAt != nil {
		t := *key.ExpiresAt
		clone.ExpiresAt = &t
	}
	if key.DeactivatedAt != nil {
		t := *key.DeactivatedAt
		clone.DeactivatedAt = &t
	}
	if key.Metadata.LastUsedAt != nil {
		t := *key.Metadata.LastUsedAt
		clone.Metadata.LastUsedAt = &t
	}
	return &clone
}
