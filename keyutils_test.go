// keyutils_test.go: Test cases for key material helpers.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package aegis_test

import (
	"bytes"
	"testing"

	"github.com/agilira/aegis"
)

func TestGenerateKeyMaterial(t *testing.T) {
	for _, alg := range []aegis.Algorithm{aegis.AlgorithmAESGCM, aegis.AlgorithmChaCha20Poly1305, aegis.AlgorithmAESCBC} {
		key, err := aegis.GenerateKeyMaterial(alg)
		if err != nil {
			t.Fatalf("GenerateKeyMaterial(%s) failed: %v", alg, err)
		}
		if len(key) != aegis.SymmetricKeySize {
			t.Errorf("GenerateKeyMaterial(%s) length = %d, want %d", alg, len(key), aegis.SymmetricKeySize)
		}
	}

	first, err := aegis.GenerateKeyMaterial(aegis.AlgorithmAESGCM)
	if err != nil {
		t.Fatalf("GenerateKeyMaterial failed: %v", err)
	}
	second, err := aegis.GenerateKeyMaterial(aegis.AlgorithmAESGCM)
	if err != nil {
		t.Fatalf("GenerateKeyMaterial failed: %v", err)
	}
	if bytes.Equal(first, second) {
		t.Error("Consecutive keys must not repeat")
	}
}

func TestZeroize(t *testing.T) {
	key := []byte{0xde, 0xad, 0xbe, 0xef}
	aegis.Zeroize(key)
	for i, b := range key {
		if b != 0 {
			t.Errorf("Byte %d not cleared: %#x", i, b)
		}
	}
	aegis.Zeroize(nil) // must not panic
}

func TestKeyFingerprint(t *testing.T) {
	key := make([]byte, aegis.SymmetricKeySize)
	key[0] = 1

	fp := aegis.KeyFingerprint(key)
	if fp == "" {
		t.Fatal("Fingerprint must not be empty")
	}
	if fp != aegis.KeyFingerprint(key) {
		t.Error("Fingerprint must be stable for identical material")
	}

	other := make([]byte, aegis.SymmetricKeySize)
	other[0] = 2
	if fp == aegis.KeyFingerprint(other) {
		t.Error("Different material must produce different fingerprints")
	}
}

func TestKeyBase64RoundTrip(t *testing.T) {
	key, err := aegis.GenerateKeyMaterial(aegis.AlgorithmAESGCM)
	if err != nil {
		t.Fatalf("GenerateKeyMaterial failed: %v", err)
	}

	encoded := aegis.KeyToBase64(key)
	decoded, err := aegis.KeyFromBase64(encoded)
	if err != nil {
		t.Fatalf("KeyFromBase64 failed: %v", err)
	}
	if !bytes.Equal(key, decoded) {
		t.Error("Base64 round trip must preserve key material")
	}

	if _, err := aegis.KeyFromBase64("not!base64!!"); err == nil {
		t.Error("Expected error for invalid base64 input")
	}
}
