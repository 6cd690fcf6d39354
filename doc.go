// Package aegis provides the data protection core: cryptographic key lifecycle
// management with authenticated field/blob encryption, and a security rule
// engine that correlates audit events into cooldown-suppressed alerts with
// automated response dispatch.
//
// The package has two tightly related halves that share an operational home:
//
//   - Key lifecycle and authenticated encryption: generate, rotate, retire and
//     use symmetric keys to protect field-level, file-level and transport-level
//     data. AES-256-GCM and ChaCha20-Poly1305 provide AEAD guarantees; a legacy
//     AES-256-CBC mode is retained behind an explicit opt-in for
//     interoperability with pre-existing ciphertext only.
//   - Security rule engine and alerting: evaluate a stream of audit events
//     against configurable detection rules with time-windowed aggregation,
//     produce alerts with cooldown suppression, and drive ordered response
//     actions through external collaborators.
//
// # Quick Start
//
// Field-level encryption:
//
//	store := aegis.NewMemoryKeyStore()
//	manager := aegis.NewKeyLifecycleManager(store)
//	codec := aegis.NewFieldCodec(manager)
//
//	sealed, err := codec.EncryptField("4111-1111-1111-1111", "billing.card")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	// Later, possibly after the key has been rotated:
//	plain, err := codec.DecryptField(sealed)
//
// Event correlation:
//
//	rules := aegis.NewMemoryRuleStore()
//	dispatcher := aegis.NewActionDispatcher(aegis.DispatcherCollaborators{})
//	engine := aegis.NewCorrelationEngine(rules, aegis.WithDispatcher(dispatcher))
//
//	alerts, err := engine.ProcessEvent(ctx, event)
//
// # Design
//
// Every stateful component is an explicit, constructed instance: there are no
// package-level singletons, so isolated instances can coexist in tests and in
// multi-tenant processes. Cipher implementations form a closed set selected at
// construction via NewCipherEngine; envelope contents are never dispatched on
// with runtime type assertions. Persistence sits behind the KeyRepository and
// RuleRepository interfaces with in-memory reference implementations;
// production deployments plug in their own vault or database backed stores.
// Time is injected through the Clock interface so rotation and cooldown
// behavior is deterministic under test.
//
// Keys are never deleted on rotation: a deactivated key remains retrievable
// for decryption until its retention period elapses, which is what allows
// DecryptField to recover data sealed under any previous key version.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0
package aegis
