// kdf.go: Key derivation - per-blob data keys and passphrase-based import.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package aegis

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"

	goerrors "github.com/agilira/go-errors"
	"golang.org/x/crypto/argon2"
)

const ErrCodeKeyDerivation = "KEY_DERIVATION"

// DeriveDataKey derives a data encryption key from high-entropy master key
// material using HKDF-SHA256 (RFC 5869).
//
// The blob codec uses this to mint a one-off DEK per blob: the salt is drawn
// fresh per blob and travels in the blob header, and info binds the caller's
// context string so the same master key yields unrelated DEKs across
// contexts. HKDF requires high-entropy input; for passphrases use
// ImportKeyFromPassphrase instead.
func DeriveDataKey(masterKey, salt, info []byte, keyLen int) ([]byte, error) {
	if len(masterKey) == 0 {
		richErr := goerrors.New(ErrCodeKeyDerivation, "master key cannot be empty")
		return nil, fmt.Errorf("key derivation failed: %w", richErr)
	}
	if keyLen <= 0 || keyLen > 255*sha256.Size {
		richErr := goerrors.New(ErrCodeKeyDerivation, fmt.Sprintf("invalid derived key length %d", keyLen))
		return nil, fmt.Errorf("key derivation failed: %w", richErr)
	}

	if len(salt) == 0 {
		salt = make([]byte, sha256.Size) // all-zero salt per RFC 5869
	}

	// Extract: PRK = HMAC-SHA256(salt, IKM)
	extractor := hmac.New(sha256.New, salt)
	extractor.Write(masterKey)
	prk := extractor.Sum(nil)

	// Expand
	okm := make([]byte, 0, keyLen)
	var block []byte
	for counter := byte(1); len(okm) < keyLen; counter++ {
		expander := hmac.New(sha256.New, prk)
		expander.Write(block)
		expander.Write(info)
		expander.Write([]byte{counter})
		block = expander.Sum(nil)
		okm = append(okm, block...)
	}
	return okm[:keyLen], nil
}

// Argon2id parameters for passphrase-based key import. Deliberately on the
// conservative side: import is a rare administrative operation, not a hot
// path.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
)

// ImportKeyFromPassphrase derives symmetric key material from an operator
// passphrase using Argon2id. Used to bootstrap a key lineage from an
// externally escrowed secret; the salt must be stored alongside whatever the
// key protects.
func ImportKeyFromPassphrase(passphrase, salt []byte) ([]byte, error) {
	if len(passphrase) == 0 {
		richErr := goerrors.New(ErrCodeKeyDerivation, "passphrase cannot be empty")
		return nil, fmt.Errorf("key import failed: %w", richErr)
	}
	if len(salt) < 16 {
		richErr := goerrors.New(ErrCodeKeyDerivation, "salt must be at least 16 bytes")
		return nil, fmt.Errorf("key import failed: %w", richErr)
	}
	return argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, SymmetricKeySize), nil
}
