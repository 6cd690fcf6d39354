// envelope.go: The encryption envelope and its compact wire form.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package aegis

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	goerrors "github.com/agilira/go-errors"
)

// Envelope bundles ciphertext with everything needed to decrypt it later:
// the identity of the key that sealed it, the algorithm, the IV, and (for
// AEAD modes) the authentication tag.
//
// Invariant: AuthTag is non-empty iff Algorithm.IsAEAD(). Decryption of an
// AEAD envelope without a valid tag fails closed.
type Envelope struct {
	Ciphertext []byte
	KeyID      string
	KeyVersion int
	Algorithm  Algorithm
	IV         []byte
	AuthTag    []byte
	Timestamp  time.Time
}

// compactEnvelope is the stable serialized field-envelope format. The
// single-letter keys and their order are part of the interoperability
// contract; do not rename or reorder.
type compactEnvelope struct {
	D string `json:"d"`           // ciphertext, base64
	K string `json:"k"`           // key id
	V int    `json:"v"`           // key version
	A string `json:"a"`           // algorithm
	I string `json:"i"`           // iv, base64
	T string `json:"t,omitempty"` // auth tag, base64 (AEAD only)
}

const ErrCodeEnvelopeDecode = "CRYPTO_ENVELOPE_DECODE"

// Validate checks the envelope's structural invariants without touching any
// key material.
func (e *Envelope) Validate() error {
	if e.KeyID == "" || e.KeyVersion < 1 {
		richErr := goerrors.New(ErrCodeEnvelopeInvalid, "envelope lacks key identity")
		return fmt.Errorf("%w: %w", ErrEnvelopeInvalid, richErr)
	}
	if len(e.IV) == 0 {
		richErr := goerrors.New(ErrCodeMissingIV, "envelope lacks an iv")
		return fmt.Errorf("%w: %w", ErrMissingIV, richErr)
	}
	if e.Algorithm.IsAEAD() && len(e.AuthTag) == 0 {
		richErr := goerrors.New(ErrCodeMissingAuthTag, "AEAD envelope lacks an auth tag")
		return fmt.Errorf("%w: %w", ErrMissingAuthTag, richErr)
	}
	if !e.Algorithm.IsAEAD() && len(e.AuthTag) != 0 {
		richErr := goerrors.New(ErrCodeEnvelopeInvalid, "auth tag present on non-AEAD envelope")
		return fmt.Errorf("%w: %w", ErrEnvelopeInvalid, richErr)
	}
	return nil
}

// MarshalCompact serializes the envelope to the compact self-describing
// string that round-trips through a single text column.
func (e *Envelope) MarshalCompact() (string, error) {
	if err := e.Validate(); err != nil {
		return "", err
	}
	compact := compactEnvelope{
		D: base64.StdEncoding.EncodeToString(e.Ciphertext),
		K: e.KeyID,
		V: e.KeyVersion,
		A: string(e.Algorithm),
		I: base64.StdEncoding.EncodeToString(e.IV),
	}
	if len(e.AuthTag) > 0 {
		compact.T = base64.StdEncoding.EncodeToString(e.AuthTag)
	}
	data, err := json.Marshal(compact)
	if err != nil {
		richErr := goerrors.Wrap(err, ErrCodeEnvelopeDecode, "failed to marshal envelope")
		return "", fmt.Errorf("%w: %w", ErrEnvelopeInvalid, richErr)
	}
	return string(data), nil
}

// ParseEnvelope parses a compact envelope string back into an Envelope and
// validates its structural invariants.
func ParseEnvelope(s string) (*Envelope, error) {
	var compact compactEnvelope
	if err := json.Unmarshal([]byte(s), &compact); err != nil {
		richErr := goerrors.Wrap(err, ErrCodeEnvelopeDecode, "failed to parse envelope")
		return nil, fmt.Errorf("%w: %w", ErrEnvelopeInvalid, richErr)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(compact.D)
	if err != nil {
		richErr := goerrors.Wrap(err, ErrCodeEnvelopeDecode, "failed to decode ciphertext")
		return nil, fmt.Errorf("%w: %w", ErrEnvelopeInvalid, richErr)
	}
	iv, err := base64.StdEncoding.DecodeString(compact.I)
	if err != nil {
		richErr := goerrors.Wrap(err, ErrCodeEnvelopeDecode, "failed to decode iv")
		return nil, fmt.Errorf("%w: %w", ErrEnvelopeInvalid, richErr)
	}
	var tag []byte
	if compact.T != "" {
		tag, err = base64.StdEncoding.DecodeString(compact.T)
		if err != nil {
			richErr := goerrors.Wrap(err, ErrCodeEnvelopeDecode, "failed to decode auth tag")
			return nil, fmt.Errorf("%w: %w", ErrEnvelopeInvalid, richErr)
		}
	}

	env := &Envelope{
		Ciphertext: ciphertext,
		KeyID:      compact.K,
		KeyVersion: compact.V,
		Algorithm:  Algorithm(compact.A),
		IV:         iv,
		AuthTag:    tag,
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}
