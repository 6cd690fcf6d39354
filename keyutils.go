// keyutils.go: Key material helpers - generation, zeroization, fingerprinting.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package aegis

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	goerrors "github.com/agilira/go-errors"
)

// SymmetricKeySize is the key material size in bytes for the 256-bit
// symmetric algorithms (AES-256-GCM, AES-256-CBC, ChaCha20-Poly1305).
const SymmetricKeySize = 32

// GenerateKeyMaterial generates cryptographically secure random key material
// sized for the given algorithm.
//
// Returns ErrUnsupportedAlgorithm for algorithms whose key material this core
// does not mint locally (RSA-OAEP key pairs come from the external vault
// collaborator).
func GenerateKeyMaterial(alg Algorithm) ([]byte, error) {
	size, err := alg.KeySize()
	if err != nil {
		return nil, err
	}
	material := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, material); err != nil {
		richErr := goerrors.Wrap(err, ErrCodeKeyGeneration, "failed to generate key material")
		return nil, fmt.Errorf("key material generation failed: %w", richErr)
	}
	return material, nil
}

// GenerateNonce generates a cryptographically secure random nonce of the
// given size.
//
// A nonce must be used at most once per key. Callers in this package always
// draw a fresh nonce per encryption, which is what makes the nonce-uniqueness
// guarantee probabilistic rather than stateful.
func GenerateNonce(size int) ([]byte, error) {
	if size <= 0 {
		richErr := goerrors.New(ErrCodeNonceGeneration, "nonce size must be positive")
		return nil, fmt.Errorf("%w: %w", ErrNonceGeneration, richErr)
	}
	nonce := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		richErr := goerrors.Wrap(err, ErrCodeNonceGeneration, "failed to generate nonce")
		return nil, fmt.Errorf("%w: %w", ErrNonceGeneration, richErr)
	}
	return nonce, nil
}

// Zeroize securely wipes a byte slice from memory.
//
// It overwrites every byte with zero so key material does not linger after a
// key is purged or a derived data key goes out of scope. The slice is
// modified in place.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// KeyFingerprint returns a short non-cryptographic identifier for key
// material: the first 8 bytes of its SHA-256 hash as hex. Fingerprints are
// safe to log and let operators correlate keys without exposing material.
func KeyFingerprint(material []byte) string {
	if len(material) == 0 {
		return ""
	}
	hash := sha256.Sum256(material)
	return fmt.Sprintf("%016x", hash[:8])
}

// KeyToBase64 encodes key material as a base64 string for text-based
// interchange with the external vault collaborator.
func KeyToBase64(material []byte) string {
	return base64.StdEncoding.EncodeToString(material)
}

// KeyFromBase64 decodes base64-encoded key material.
func KeyFromBase64(s string) ([]byte, error) {
	material, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, goerrors.Wrap(err, ErrCodeEnvelopeDecode, "failed to decode base64 key material")
	}
	return material, nil
}
