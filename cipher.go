// cipher.go: Authenticated encryption engines behind a closed CipherEngine set.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package aegis

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	goerrors "github.com/agilira/go-errors"
	"golang.org/x/crypto/chacha20poly1305"
)

// Algorithm identifies a supported encryption algorithm.
type Algorithm string

const (
	// AlgorithmAESGCM is AES-256 in Galois/Counter Mode (AEAD).
	AlgorithmAESGCM Algorithm = "AES-256-GCM"

	// AlgorithmChaCha20Poly1305 is the ChaCha20-Poly1305 AEAD construction.
	AlgorithmChaCha20Poly1305 Algorithm = "ChaCha20-Poly1305"

	// AlgorithmAESCBC is AES-256 in CBC mode. It provides no authentication
	// and is retained only for decrypting legacy ciphertext; constructing an
	// engine for it requires the AllowUnauthenticated option.
	AlgorithmAESCBC Algorithm = "AES-256-CBC"

	// AlgorithmRSAOAEP identifies RSA-OAEP key records held on behalf of the
	// external vault collaborator. This core stores and tracks such keys but
	// does not operate them; NewCipherEngine rejects the algorithm.
	AlgorithmRSAOAEP Algorithm = "RSA-OAEP"
)

const (
	aeadNonceSize = 12 // 96-bit nonce for both AEAD modes
	aeadTagSize   = 16
	cbcIVSize     = aes.BlockSize
)

// Public sentinel errors for the cipher taxonomy. Use errors.Is to test for
// them; each wraps a coded rich error with the audit-trail detail.
var (
	// ErrUnsupportedAlgorithm is returned for algorithms outside the closed
	// engine set.
	ErrUnsupportedAlgorithm = errors.New("aegis: unsupported algorithm")

	// ErrKeySizeMismatch is returned when key material does not match the
	// algorithm's required size.
	ErrKeySizeMismatch = errors.New("aegis: key size mismatch")

	// ErrMissingIV is returned when an envelope lacks an IV or carries one of
	// the wrong size.
	ErrMissingIV = errors.New("aegis: missing or malformed iv")

	// ErrMissingAuthTag is returned when an AEAD envelope lacks its
	// authentication tag. AEAD decryption without a tag fails closed.
	ErrMissingAuthTag = errors.New("aegis: missing auth tag")

	// ErrAuthenticationFailed is returned when tag verification fails. The
	// error deliberately carries no further cause: distinguishing tamper from
	// wrong-key or AAD mismatch would hand an oracle to attackers.
	ErrAuthenticationFailed = errors.New("aegis: authentication failed")

	// ErrEnvelopeInvalid is returned for structurally broken envelopes:
	// unparsable wire form, an auth tag on a non-AEAD envelope, or ciphertext
	// that cannot be valid for the declared mode.
	ErrEnvelopeInvalid = errors.New("aegis: invalid envelope")

	// ErrUnauthenticatedMode is returned when AES-256-CBC is requested
	// without the explicit AllowUnauthenticated opt-in.
	ErrUnauthenticatedMode = errors.New("aegis: unauthenticated mode requires explicit opt-in")

	// ErrNonceGeneration is returned when the CSPRNG fails.
	ErrNonceGeneration = errors.New("aegis: nonce generation error")
)

// Error codes carried by the rich errors inside the sentinels above.
const (
	ErrCodeUnsupportedAlgorithm = "CRYPTO_UNSUPPORTED_ALGORITHM"
	ErrCodeKeySizeMismatch      = "CRYPTO_KEY_SIZE_MISMATCH"
	ErrCodeMissingIV            = "CRYPTO_MISSING_IV"
	ErrCodeMissingAuthTag       = "CRYPTO_MISSING_AUTH_TAG"
	ErrCodeAuthFailed           = "CRYPTO_AUTH_FAILED"
	ErrCodeEnvelopeInvalid      = "CRYPTO_ENVELOPE_INVALID"
	ErrCodeUnauthenticated      = "CRYPTO_UNAUTHENTICATED_MODE"
	ErrCodeNonceGeneration      = "CRYPTO_NONCE_GEN"
	ErrCodeCipherInit           = "CRYPTO_CIPHER_INIT"
)

// IsAEAD reports whether the algorithm is an authenticated mode. Envelopes
// carry an auth tag iff this is true.
func (a Algorithm) IsAEAD() bool {
	return a == AlgorithmAESGCM || a == AlgorithmChaCha20Poly1305
}

// KeySize returns the required key material size in bytes, or
// ErrUnsupportedAlgorithm for algorithms this core does not mint locally.
func (a Algorithm) KeySize() (int, error) {
	switch a {
	case AlgorithmAESGCM, AlgorithmChaCha20Poly1305, AlgorithmAESCBC:
		return SymmetricKeySize, nil
	default:
		richErr := goerrors.New(ErrCodeUnsupportedAlgorithm, fmt.Sprintf("no local key material for algorithm %q", a))
		return 0, fmt.Errorf("%w: %w", ErrUnsupportedAlgorithm, richErr)
	}
}

// CipherEngine performs authenticated encryption and decryption for exactly
// one algorithm and one key, both fixed at construction. Implementations are
// stateless beyond their precomputed cipher and safe for concurrent use; all
// usage bookkeeping belongs to the caller.
type CipherEngine interface {
	// Algorithm returns the algorithm this engine was built for.
	Algorithm() Algorithm

	// Encrypt seals plaintext into an Envelope with a fresh CSPRNG nonce.
	// For AEAD modes the optional aad is bound into the authentication tag;
	// non-AEAD modes reject aad. The caller fills in the envelope's key
	// identity fields.
	Encrypt(plaintext, aad []byte) (*Envelope, error)

	// Decrypt opens an envelope produced by Encrypt. AEAD modes verify the
	// authentication tag before returning a single plaintext byte and fail
	// closed with ErrAuthenticationFailed on any mismatch.
	Decrypt(env *Envelope, aad []byte) ([]byte, error)
}

// CipherOption customizes engine construction.
type CipherOption func(*cipherOptions)

type cipherOptions struct {
	allowUnauthenticated bool
}

// AllowUnauthenticated permits construction of the AES-256-CBC engine.
//
// CBC mode provides confidentiality only: nothing detects tampering or
// corruption. It exists for decrypting data sealed before the AEAD migration;
// do not select it for new data.
func AllowUnauthenticated() CipherOption {
	return func(o *cipherOptions) {
		o.allowUnauthenticated = true
	}
}

// NewCipherEngine builds the engine for the given algorithm and key.
//
// The algorithm set is closed: AES-256-GCM, ChaCha20-Poly1305, and (opt-in
// only) AES-256-CBC. The expensive cipher setup happens once here, so a
// resolved engine can be reused across calls without per-operation
// aes.NewCipher overhead.
func NewCipherEngine(alg Algorithm, key []byte, opts ...CipherOption) (CipherEngine, error) {
	var options cipherOptions
	for _, opt := range opts {
		opt(&options)
	}

	if size, err := alg.KeySize(); err != nil {
		return nil, err
	} else if len(key) != size {
		richErr := goerrors.New(ErrCodeKeySizeMismatch, fmt.Sprintf("algorithm %s requires %d-byte keys (got %d)", alg, size, len(key)))
		return nil, fmt.Errorf("%w: %w", ErrKeySizeMismatch, richErr)
	}

	switch alg {
	case AlgorithmAESGCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			richErr := goerrors.Wrap(err, ErrCodeCipherInit, "failed to create AES cipher")
			return nil, fmt.Errorf("cipher initialization failed: %w", richErr)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			richErr := goerrors.Wrap(err, ErrCodeCipherInit, "failed to create GCM mode")
			return nil, fmt.Errorf("cipher initialization failed: %w", richErr)
		}
		return &aeadEngine{alg: alg, aead: aead}, nil

	case AlgorithmChaCha20Poly1305:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			richErr := goerrors.Wrap(err, ErrCodeCipherInit, "failed to create ChaCha20-Poly1305")
			return nil, fmt.Errorf("cipher initialization failed: %w", richErr)
		}
		return &aeadEngine{alg: alg, aead: aead}, nil

	case AlgorithmAESCBC:
		if !options.allowUnauthenticated {
			richErr := goerrors.New(ErrCodeUnauthenticated, "AES-256-CBC has no authentication; pass AllowUnauthenticated to accept that")
			return nil, fmt.Errorf("%w: %w", ErrUnauthenticatedMode, richErr)
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			richErr := goerrors.Wrap(err, ErrCodeCipherInit, "failed to create AES cipher")
			return nil, fmt.Errorf("cipher initialization failed: %w", richErr)
		}
		return &cbcEngine{block: block}, nil

	default:
		richErr := goerrors.New(ErrCodeUnsupportedAlgorithm, fmt.Sprintf("no cipher engine for algorithm %q", alg))
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedAlgorithm, richErr)
	}
}

// aeadEngine serves both AEAD algorithms; the mode difference is entirely
// inside the precomputed cipher.AEAD.
type aeadEngine struct {
	alg  Algorithm
	aead cipher.AEAD
}

func (e *aeadEngine) Algorithm() Algorithm { return e.alg }

func (e *aeadEngine) Encrypt(plaintext, aad []byte) (*Envelope, error) {
	nonceBuf := getNonceBuf(e.aead.NonceSize())
	defer putNonceBuf(nonceBuf)
	nonce := *nonceBuf

	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		richErr := goerrors.Wrap(err, ErrCodeNonceGeneration, "failed to generate nonce")
		return nil, fmt.Errorf("%w: %w", ErrNonceGeneration, richErr)
	}

	sealed := e.aead.Seal(nil, nonce, plaintext, aad) // #nosec G407 -- nonce is drawn from crypto/rand per call
	tagStart := len(sealed) - e.aead.Overhead()

	env := &Envelope{
		Algorithm:  e.alg,
		Ciphertext: sealed[:tagStart],
		AuthTag:    sealed[tagStart:],
		IV:         append([]byte(nil), nonce...),
	}
	return env, nil
}

func (e *aeadEngine) Decrypt(env *Envelope, aad []byte) ([]byte, error) {
	if env.Algorithm != e.alg {
		richErr := goerrors.New(ErrCodeEnvelopeInvalid, fmt.Sprintf("envelope algorithm %s does not match engine %s", env.Algorithm, e.alg))
		return nil, fmt.Errorf("%w: %w", ErrEnvelopeInvalid, richErr)
	}
	if len(env.IV) != e.aead.NonceSize() {
		richErr := goerrors.New(ErrCodeMissingIV, fmt.Sprintf("AEAD envelope needs a %d-byte iv (got %d)", e.aead.NonceSize(), len(env.IV)))
		return nil, fmt.Errorf("%w: %w", ErrMissingIV, richErr)
	}
	if len(env.AuthTag) != e.aead.Overhead() {
		richErr := goerrors.New(ErrCodeMissingAuthTag, "AEAD envelope lacks a valid authentication tag")
		return nil, fmt.Errorf("%w: %w", ErrMissingAuthTag, richErr)
	}

	sealedBuf := getScratch()
	defer putScratch(sealedBuf)
	sealed := append(*sealedBuf, env.Ciphertext...)
	sealed = append(sealed, env.AuthTag...)
	*sealedBuf = sealed

	plaintext, err := e.aead.Open(nil, env.IV, sealed, aad)
	if err != nil {
		// Single opaque failure: tamper, wrong key and AAD mismatch are
		// indistinguishable by contract.
		richErr := goerrors.New(ErrCodeAuthFailed, "authentication tag verification failed")
		return nil, fmt.Errorf("%w: %w", ErrAuthenticationFailed, richErr)
	}
	return plaintext, nil
}

// cbcEngine is the legacy unauthenticated mode. Callers must not rely on it
// for integrity-sensitive data.
type cbcEngine struct {
	block cipher.Block
}

func (e *cbcEngine) Algorithm() Algorithm { return AlgorithmAESCBC }

func (e *cbcEngine) Encrypt(plaintext, aad []byte) (*Envelope, error) {
	if len(aad) > 0 {
		richErr := goerrors.New(ErrCodeUnauthenticated, "AES-256-CBC cannot bind associated data")
		return nil, fmt.Errorf("%w: %w", ErrUnauthenticatedMode, richErr)
	}

	iv, err := GenerateNonce(cbcIVSize)
	if err != nil {
		return nil, err
	}

	padded := padPKCS7(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(e.block, iv).CryptBlocks(ciphertext, padded)

	return &Envelope{
		Algorithm:  AlgorithmAESCBC,
		Ciphertext: ciphertext,
		IV:         iv,
	}, nil
}

func (e *cbcEngine) Decrypt(env *Envelope, aad []byte) ([]byte, error) {
	if env.Algorithm != AlgorithmAESCBC {
		richErr := goerrors.New(ErrCodeEnvelopeInvalid, fmt.Sprintf("envelope algorithm %s does not match engine %s", env.Algorithm, AlgorithmAESCBC))
		return nil, fmt.Errorf("%w: %w", ErrEnvelopeInvalid, richErr)
	}
	if len(aad) > 0 {
		richErr := goerrors.New(ErrCodeUnauthenticated, "AES-256-CBC cannot verify associated data")
		return nil, fmt.Errorf("%w: %w", ErrUnauthenticatedMode, richErr)
	}
	if len(env.AuthTag) != 0 {
		// authTag is present iff the mode is AEAD; a tagged CBC envelope was
		// not produced by this core.
		richErr := goerrors.New(ErrCodeEnvelopeInvalid, "auth tag present on non-AEAD envelope")
		return nil, fmt.Errorf("%w: %w", ErrEnvelopeInvalid, richErr)
	}
	if len(env.IV) != cbcIVSize {
		richErr := goerrors.New(ErrCodeMissingIV, fmt.Sprintf("CBC envelope needs a %d-byte iv (got %d)", cbcIVSize, len(env.IV)))
		return nil, fmt.Errorf("%w: %w", ErrMissingIV, richErr)
	}
	if len(env.Ciphertext) == 0 || len(env.Ciphertext)%aes.BlockSize != 0 {
		richErr := goerrors.New(ErrCodeEnvelopeInvalid, "CBC ciphertext is not a positive multiple of the block size")
		return nil, fmt.Errorf("%w: %w", ErrEnvelopeInvalid, richErr)
	}

	padded := make([]byte, len(env.Ciphertext))
	cipher.NewCBCDecrypter(e.block, env.IV).CryptBlocks(padded, env.Ciphertext)

	plaintext, err := unpadPKCS7(padded, aes.BlockSize)
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

func padPKCS7(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	return append(append(make([]byte, 0, len(data)+padLen), data...), bytes.Repeat([]byte{byte(padLen)}, padLen)...)
}

func unpadPKCS7(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		richErr := goerrors.New(ErrCodeEnvelopeInvalid, "padded data length invalid")
		return nil, fmt.Errorf("%w: %w", ErrEnvelopeInvalid, richErr)
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize {
		richErr := goerrors.New(ErrCodeEnvelopeInvalid, "invalid padding")
		return nil, fmt.Errorf("%w: %w", ErrEnvelopeInvalid, richErr)
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			richErr := goerrors.New(ErrCodeEnvelopeInvalid, "invalid padding")
			return nil, fmt.Errorf("%w: %w", ErrEnvelopeInvalid, richErr)
		}
	}
	return data[:len(data)-padLen], nil
}
