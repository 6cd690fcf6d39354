// codec.go: Field and blob codecs - key resolution plus envelope serialization.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package aegis

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goerrors "github.com/agilira/go-errors"
	"github.com/rs/zerolog"
)

// ErrDecryptionFailed is the single opaque error callers see when a field or
// blob fails to decrypt. The underlying cause (unknown key, tag mismatch,
// malformed envelope) is logged internally but never propagated, so
// untrusted callers cannot use this codec as a decryption oracle.
var ErrDecryptionFailed = errors.New("aegis: decryption failed")

const (
	ErrCodeFieldEncrypt = "CODEC_FIELD_ENCRYPT"
	ErrCodeFieldDecrypt = "CODEC_FIELD_DECRYPT"
	ErrCodeBlobEncrypt  = "CODEC_BLOB_ENCRYPT"
	ErrCodeBlobDecrypt  = "CODEC_BLOB_DECRYPT"
)

// FieldCodec seals individual values for storage in a single text column.
// It resolves the active database_field key for encryption and the exact
// key id+version for decryption, which keeps old rows readable across
// rotations.
type FieldCodec struct {
	manager *KeyLifecycleManager
	log     zerolog.Logger
}

// CodecOption customizes a codec.
type CodecOption func(*codecOptions)

type codecOptions struct {
	log zerolog.Logger
}

// WithCodecLogger injects a structured logger. Defaults to a no-op logger.
func WithCodecLogger(log zerolog.Logger) CodecOption {
	return func(o *codecOptions) { o.log = log }
}

// NewFieldCodec creates a field codec over the given lifecycle manager.
func NewFieldCodec(manager *KeyLifecycleManager, opts ...CodecOption) *FieldCodec {
	options := codecOptions{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&options)
	}
	return &FieldCodec{manager: manager, log: options.log}
}

// EncryptField seals value and returns the compact envelope string.
//
// The active database_field key is resolved per call; if the type has no key
// yet one is generated lazily with AES-256-GCM. context names what the field
// is (for example "students.ssn") and lands in the key's purpose metadata
// and the logs; it is not bound into the ciphertext, because DecryptField
// must be able to open an envelope from the envelope string alone.
func (c *FieldCodec) EncryptField(value, context string) (string, error) {
	key, err := c.resolveActive(KeyTypeDatabaseField, context)
	if err != nil {
		return "", err
	}

	engine, err := NewCipherEngine(key.Algorithm, key.Material)
	if err != nil {
		return "", fmt.Errorf("field encryption failed: %w", err)
	}
	env, err := engine.Encrypt([]byte(value), nil)
	if err != nil {
		return "", fmt.Errorf("field encryption failed: %w", err)
	}
	env.KeyID = key.ID
	env.KeyVersion = key.Version

	sealed, err := env.MarshalCompact()
	if err != nil {
		return "", fmt.Errorf("field encryption failed: %w", err)
	}
	if err := c.manager.RecordUsage(key.ID); err != nil {
		c.log.Warn().Err(err).Str("key_id", key.ID).Msg("usage bookkeeping failed")
	}
	return sealed, nil
}

// DecryptField parses a compact envelope string and recovers the original
// value. The key is resolved by exact id and version - deactivated keys
// included, which is why rotation retains them.
//
// Every failure surfaces as the opaque ErrDecryptionFailed; the cause is
// logged internally.
func (c *FieldCodec) DecryptField(sealed string) (string, error) {
	env, err := ParseEnvelope(sealed)
	if err != nil {
		return "", c.failClosed(ErrCodeFieldDecrypt, "", err)
	}

	key, err := c.manager.KeyByID(env.KeyID)
	if err != nil {
		return "", c.failClosed(ErrCodeFieldDecrypt, env.KeyID, err)
	}
	if key.Version != env.KeyVersion {
		return "", c.failClosed(ErrCodeFieldDecrypt, env.KeyID,
			fmt.Errorf("envelope version %d does not match key version %d", env.KeyVersion, key.Version))
	}

	var opts []CipherOption
	if !key.Algorithm.IsAEAD() {
		// Legacy rows sealed before the AEAD migration.
		opts = append(opts, AllowUnauthenticated())
	}
	engine, err := NewCipherEngine(key.Algorithm, key.Material, opts...)
	if err != nil {
		return "", c.failClosed(ErrCodeFieldDecrypt, env.KeyID, err)
	}
	plaintext, err := engine.Decrypt(env, nil)
	if err != nil {
		return "", c.failClosed(ErrCodeFieldDecrypt, env.KeyID, err)
	}

	if err := c.manager.RecordUsage(key.ID); err != nil {
		c.log.Warn().Err(err).Str("key_id", key.ID).Msg("usage bookkeeping failed")
	}
	return string(plaintext), nil
}

func (c *FieldCodec) resolveActive(t KeyType, context string) (*EncryptionKey, error) {
	key, err := c.manager.ActiveKey(t)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return nil, err
	}
	key, err = c.manager.GenerateKey(t, AlgorithmAESGCM, context, KeyMetadata{Creator: "aegis-codec"})
	if err == nil {
		return key, nil
	}
	// A concurrent caller may have generated the key between our lookup and
	// our generation attempt.
	if errors.Is(err, ErrActiveKeyConflict) {
		return c.manager.ActiveKey(t)
	}
	return nil, err
}

// failClosed logs full detail internally and returns the opaque error.
func (c *FieldCodec) failClosed(code goerrors.ErrorCode, keyID string, cause error) error {
	c.log.Error().Err(cause).Str("key_id", keyID).Str("code", string(code)).Msg("decryption failed")
	richErr := goerrors.New(code, "decryption failed")
	return fmt.Errorf("%w: %w", ErrDecryptionFailed, richErr)
}

// BlobHeader is the metadata carried alongside (not embedded in) a blob's
// ciphertext: everything needed to decrypt minus the key material.
type BlobHeader struct {
	KeyID      string    `json:"key_id"`
	KeyVersion int       `json:"key_version"`
	Algorithm  Algorithm `json:"algorithm"`
	IV         []byte    `json:"iv"`
	AuthTag    []byte    `json:"auth_tag,omitempty"`
	Salt       []byte    `json:"salt"` // HKDF salt for the per-blob data key
	Context    string    `json:"context,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Size       int       `json:"size"` // plaintext length in bytes
}

// EncryptedBlob pairs a header with its raw ciphertext.
type EncryptedBlob struct {
	Header     BlobHeader
	Ciphertext []byte
}

// BlobCodec seals binary payloads under the active file_storage key.
//
// Unlike the field codec it never encrypts under the master key directly: a
// one-off data key is derived per blob via HKDF with a fresh salt, so an
// arbitrarily large number of blobs never stresses the nonce space of a
// single key, and the context string is authenticated as AAD.
type BlobCodec struct {
	manager *KeyLifecycleManager
	clock   Clock
	log     zerolog.Logger
}

// NewBlobCodec creates a blob codec over the given lifecycle manager.
func NewBlobCodec(manager *KeyLifecycleManager, opts ...CodecOption) *BlobCodec {
	options := codecOptions{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&options)
	}
	return &BlobCodec{manager: manager, clock: manager.clock, log: options.log}
}

// EncryptBlob seals data under a per-blob data key derived from the active
// file_storage key. context is bound as AAD and recorded in the header.
func (c *BlobCodec) EncryptBlob(data []byte, context string) (*EncryptedBlob, error) {
	key, err := c.resolveActive(context)
	if err != nil {
		return nil, err
	}

	salt, err := GenerateNonce(16)
	if err != nil {
		return nil, fmt.Errorf("blob encryption failed: %w", err)
	}
	dek, err := DeriveDataKey(key.Material, salt, []byte(context), SymmetricKeySize)
	if err != nil {
		return nil, fmt.Errorf("blob encryption failed: %w", err)
	}
	defer Zeroize(dek)

	engine, err := NewCipherEngine(key.Algorithm, dek)
	if err != nil {
		return nil, fmt.Errorf("blob encryption failed: %w", err)
	}
	env, err := engine.Encrypt(data, []byte(context))
	if err != nil {
		return nil, fmt.Errorf("blob encryption failed: %w", err)
	}

	if err := c.manager.RecordUsage(key.ID); err != nil {
		c.log.Warn().Err(err).Str("key_id", key.ID).Msg("usage bookkeeping failed")
	}

	return &EncryptedBlob{
		Header: BlobHeader{
			KeyID:      key.ID,
			KeyVersion: key.Version,
			Algorithm:  key.Algorithm,
			IV:         env.IV,
			AuthTag:    env.AuthTag,
			Salt:       salt,
			Context:    context,
			Timestamp:  c.clock.Now(),
			Size:       len(data),
		},
		Ciphertext: env.Ciphertext,
	}, nil
}

// DecryptBlob re-derives the blob's data key from the header and recovers
// the plaintext. Works for blobs sealed under deactivated keys. Failures
// surface as the opaque ErrDecryptionFailed.
func (c *BlobCodec) DecryptBlob(blob *EncryptedBlob) ([]byte, error) {
	key, err := c.manager.KeyByID(blob.Header.KeyID)
	if err != nil {
		return nil, c.failClosed(blob.Header.KeyID, err)
	}
	if key.Version != blob.Header.KeyVersion {
		return nil, c.failClosed(blob.Header.KeyID,
			fmt.Errorf("header version %d does not match key version %d", blob.Header.KeyVersion, key.Version))
	}

	dek, err := DeriveDataKey(key.Material, blob.Header.Salt, []byte(blob.Header.Context), SymmetricKeySize)
	if err != nil {
		return nil, c.failClosed(blob.Header.KeyID, err)
	}
	defer Zeroize(dek)

	engine, err := NewCipherEngine(blob.Header.Algorithm, dek)
	if err != nil {
		return nil, c.failClosed(blob.Header.KeyID, err)
	}
	env := &Envelope{
		Ciphertext: blob.Ciphertext,
		Algorithm:  blob.Header.Algorithm,
		IV:         blob.Header.IV,
		AuthTag:    blob.Header.AuthTag,
	}
	plaintext, err := engine.Decrypt(env, []byte(blob.Header.Context))
	if err != nil {
		return nil, c.failClosed(blob.Header.KeyID, err)
	}

	if err := c.manager.RecordUsage(key.ID); err != nil {
		c.log.Warn().Err(err).Str("key_id", key.ID).Msg("usage bookkeeping failed")
	}
	return plaintext, nil
}

func (c *BlobCodec) resolveActive(context string) (*EncryptionKey, error) {
	key, err := c.manager.ActiveKey(KeyTypeFileStorage)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return nil, err
	}
	key, err = c.manager.GenerateKey(KeyTypeFileStorage, AlgorithmAESGCM, context, KeyMetadata{Creator: "aegis-codec"})
	if err == nil {
		return key, nil
	}
	if errors.Is(err, ErrActiveKeyConflict) {
		return c.manager.ActiveKey(KeyTypeFileStorage)
	}
	return nil, err
}

func (c *BlobCodec) failClosed(keyID string, cause error) error {
	c.log.Error().Err(cause).Str("key_id", keyID).Str("code", ErrCodeBlobDecrypt).Msg("blob decryption failed")
	richErr := goerrors.New(ErrCodeBlobDecrypt, "decryption failed")
	return fmt.Errorf("%w: %w", ErrDecryptionFailed, richErr)
}

// blobFrameSeparator splits the JSON header from the raw ciphertext in the
// single-stream encoding.
var blobFrameSeparator = []byte{'\n'}

// EncodeBlob frames an encrypted blob into a single byte stream: the JSON
// header, a newline, then the raw ciphertext. JSON cannot contain a bare
// newline, so the first one is an unambiguous boundary.
func EncodeBlob(blob *EncryptedBlob) ([]byte, error) {
	header, err := json.Marshal(blob.Header)
	if err != nil {
		richErr := goerrors.Wrap(err, ErrCodeBlobEncrypt, "failed to marshal blob header")
		return nil, fmt.Errorf("blob encoding failed: %w", richErr)
	}
	framed := make([]byte, 0, len(header)+1+len(blob.Ciphertext))
	framed = append(framed, header...)
	framed = append(framed, blobFrameSeparator...)
	framed = append(framed, blob.Ciphertext...)
	return framed, nil
}

// DecodeBlob parses a stream produced by EncodeBlob.
func DecodeBlob(framed []byte) (*EncryptedBlob, error) {
	sep := bytes.Index(framed, blobFrameSeparator)
	if sep < 0 {
		richErr := goerrors.New(ErrCodeBlobDecrypt, "blob frame lacks a header boundary")
		return nil, fmt.Errorf("%w: %w", ErrEnvelopeInvalid, richErr)
	}
	var header BlobHeader
	if err := json.Unmarshal(framed[:sep], &header); err != nil {
		richErr := goerrors.Wrap(err, ErrCodeBlobDecrypt, "failed to parse blob header")
		return nil, fmt.Errorf("%w: %w", ErrEnvelopeInvalid, richErr)
	}
	return &EncryptedBlob{Header: header, Ciphertext: framed[sep+1:]}, nil
}
