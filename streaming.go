// streaming.go: Chunked streaming encryption/decryption for large payloads.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package aegis

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	goerrors "github.com/agilira/go-errors"
	"golang.org/x/crypto/chacha20poly1305"
)

// StreamingEncryptor encrypts arbitrarily large payloads in fixed-size
// chunks, so backup archives and exports never have to fit in memory.
//
// Example usage:
//
//	enc, _ := aegis.NewStreamingEncryptor(outputWriter, aegis.AlgorithmAESGCM, key)
//	defer enc.Close()
//
//	io.Copy(enc, inputReader)
//
// Close must be called to flush the final partial chunk.
type StreamingEncryptor interface {
	// Write buffers and encrypts data, emitting full chunks to the
	// underlying writer as they fill.
	Write(data []byte) (int, error)

	// Close flushes any buffered partial chunk. Must be called.
	Close() error
}

// StreamingDecryptor is the reading counterpart of StreamingEncryptor.
// It reads the stream header first, then decrypts and authenticates one
// chunk at a time.
type StreamingDecryptor interface {
	Read(data []byte) (int, error)
	Close() error
}

// DefaultChunkSize is the chunk size used by NewStreamingEncryptor (64KB).
// It balances memory usage with per-chunk authentication overhead.
const DefaultChunkSize = 64 * 1024

// maxChunkSize bounds both configured and decoded chunk sizes.
const maxChunkSize = 10 * 1024 * 1024

// Stream format:
//
//	[4: magic] [4: version] [1: algorithm] [8: nonce prefix] [4: chunk size]
//
// followed by chunks of [4: ciphertext length] [ciphertext]. Each chunk is
// sealed under a 12-byte nonce built from the stream's random 8-byte prefix
// plus a little-endian chunk counter, so nonces never repeat under one key.
const (
	streamMagic      = "AEGS"
	streamVersion    = uint32(1)
	streamHeaderSize = 4 + 4 + 1 + 8 + 4
	noncePrefixSize  = 8
)

const (
	ErrCodeStreamHeader    = "STREAM_HEADER_INVALID"
	ErrCodeStreamChunk     = "STREAM_CHUNK_INVALID"
	ErrCodeStreamClosed    = "STREAM_CLOSED"
	ErrCodeStreamChunkSize = "STREAM_CHUNK_SIZE"
)

type streamingEncryptor struct {
	writer      io.Writer
	aead        cipher.AEAD
	noncePrefix []byte
	buffer      []byte
	chunkSize   int
	chunkCount  uint32
	closed      bool
}

type streamingDecryptor struct {
	reader      io.Reader
	aead        cipher.AEAD
	noncePrefix []byte
	chunkSize   int
	chunkCount  uint32
	remaining   []byte
	headerRead  bool
	closed      bool
	alg         Algorithm
}

// NewStreamingEncryptor creates a streaming encryptor with the default
// chunk size. Only the AEAD algorithms are supported; CBC has no per-chunk
// authentication and would make truncation undetectable.
func NewStreamingEncryptor(writer io.Writer, alg Algorithm, key []byte) (StreamingEncryptor, error) {
	return NewStreamingEncryptorWithChunkSize(writer, alg, key, DefaultChunkSize)
}

// NewStreamingEncryptorWithChunkSize creates a streaming encryptor with a
// custom chunk size between 1 byte and 10MB. Smaller chunks use less memory
// but pay a 16-byte tag per chunk.
func NewStreamingEncryptorWithChunkSize(writer io.Writer, alg Algorithm, key []byte, chunkSize int) (StreamingEncryptor, error) {
	if chunkSize <= 0 || chunkSize > maxChunkSize {
		richErr := goerrors.New(ErrCodeStreamChunkSize, "chunk size must be between 1 byte and 10MB")
		return nil, fmt.Errorf("streaming encryption setup failed: %w", richErr)
	}
	aead, err := newStreamAEAD(alg, key)
	if err != nil {
		return nil, err
	}

	noncePrefix := make([]byte, noncePrefixSize)
	if _, err := io.ReadFull(rand.Reader, noncePrefix); err != nil {
		richErr := goerrors.Wrap(err, ErrCodeNonceGeneration, "failed to generate stream nonce prefix")
		return nil, fmt.Errorf("%w: %w", ErrNonceGeneration, richErr)
	}

	enc := &streamingEncryptor{
		writer:      writer,
		aead:        aead,
		noncePrefix: noncePrefix,
		chunkSize:   chunkSize,
		buffer:      make([]byte, 0, chunkSize),
	}
	if err := enc.writeHeader(alg); err != nil {
		return nil, err
	}
	return enc, nil
}

// NewStreamingDecryptor creates a streaming decryptor. The expected
// algorithm is validated against the stream header on the first read.
func NewStreamingDecryptor(reader io.Reader, alg Algorithm, key []byte) (StreamingDecryptor, error) {
	aead, err := newStreamAEAD(alg, key)
	if err != nil {
		return nil, err
	}
	return &streamingDecryptor{reader: reader, aead: aead, alg: alg}, nil
}

func newStreamAEAD(alg Algorithm, key []byte) (cipher.AEAD, error) {
	size, err := alg.KeySize()
	if err != nil {
		return nil, err
	}
	if len(key) != size {
		richErr := goerrors.New(ErrCodeKeySizeMismatch,
			fmt.Sprintf("%s requires a %d-byte key, got %d bytes", alg, size, len(key)))
		return nil, fmt.Errorf("%w: %w", ErrKeySizeMismatch, richErr)
	}
	switch alg {
	case AlgorithmAESGCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			richErr := goerrors.Wrap(err, ErrCodeCipherInit, "failed to create AES cipher")
			return nil, fmt.Errorf("streaming cipher init failed: %w", richErr)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			richErr := goerrors.Wrap(err, ErrCodeCipherInit, "failed to create GCM mode")
			return nil, fmt.Errorf("streaming cipher init failed: %w", richErr)
		}
		return aead, nil
	case AlgorithmChaCha20Poly1305:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			richErr := goerrors.Wrap(err, ErrCodeCipherInit, "failed to create ChaCha20-Poly1305")
			return nil, fmt.Errorf("streaming cipher init failed: %w", richErr)
		}
		return aead, nil
	default:
		richErr := goerrors.New(ErrCodeUnsupportedAlgorithm,
			fmt.Sprintf("algorithm %q is not supported for streaming", alg))
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedAlgorithm, richErr)
	}
}

func algorithmStreamID(alg Algorithm) byte {
	if alg == AlgorithmChaCha20Poly1305 {
		return 2
	}
	return 1
}

func (e *streamingEncryptor) writeHeader(alg Algorithm) error {
	header := make([]byte, streamHeaderSize)
	copy(header[0:4], streamMagic)
	binary.LittleEndian.PutUint32(header[4:8], streamVersion)
	header[8] = algorithmStreamID(alg)
	copy(header[9:9+noncePrefixSize], e.noncePrefix)
	binary.LittleEndian.PutUint32(header[17:21], uint32(e.chunkSize)) // #nosec G115 -- bounded by maxChunkSize

	if _, err := e.writer.Write(header); err != nil {
		richErr := goerrors.Wrap(err, ErrCodeStreamHeader, "failed to write stream header")
		return fmt.Errorf("streaming encryption failed: %w", richErr)
	}
	return nil
}

// chunkNonce builds the 12-byte nonce for chunk n: prefix || counter.
func chunkNonce(prefix []byte, n uint32) []byte {
	nonce := make([]byte, aeadNonceSize)
	copy(nonce, prefix)
	binary.LittleEndian.PutUint32(nonce[noncePrefixSize:], n)
	return nonce
}

func (e *streamingEncryptor) Write(data []byte) (int, error) {
	if e.closed {
		richErr := goerrors.New(ErrCodeStreamClosed, "cannot write to closed encryptor")
		return 0, fmt.Errorf("streaming encryption failed: %w", richErr)
	}

	total := 0
	for len(data) > 0 {
		available := e.chunkSize - len(e.buffer)
		n := len(data)
		if n > available {
			n = available
		}
		e.buffer = append(e.buffer, data[:n]...)
		data = data[n:]
		total += n

		if len(e.buffer) == e.chunkSize {
			if err := e.flushChunk(); err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

func (e *streamingEncryptor) Close() error {
	if e.closed {
		return nil
	}
	if len(e.buffer) > 0 {
		if err := e.flushChunk(); err != nil {
			return err
		}
	}
	e.closed = true
	return nil
}

func (e *streamingEncryptor) flushChunk() error {
	if e.chunkCount == ^uint32(0) {
		richErr := goerrors.New(ErrCodeStreamChunk, "chunk counter exhausted")
		return fmt.Errorf("streaming encryption failed: %w", richErr)
	}
	nonce := chunkNonce(e.noncePrefix, e.chunkCount)
	sealed := e.aead.Seal(nil, nonce, e.buffer, nil)
	e.chunkCount++

	var frame [4]byte
	binary.LittleEndian.PutUint32(frame[:], uint32(len(sealed))) // #nosec G115 -- bounded by maxChunkSize+tag
	if _, err := e.writer.Write(frame[:]); err != nil {
		richErr := goerrors.Wrap(err, ErrCodeStreamChunk, "failed to write chunk length")
		return fmt.Errorf("streaming encryption failed: %w", richErr)
	}
	if _, err := e.writer.Write(sealed); err != nil {
		richErr := goerrors.Wrap(err, ErrCodeStreamChunk, "failed to write encrypted chunk")
		return fmt.Errorf("streaming encryption failed: %w", richErr)
	}

	Zeroize(e.buffer)
	e.buffer = e.buffer[:0]
	return nil
}

func (d *streamingDecryptor) readHeader() error {
	header := make([]byte, streamHeaderSize)
	if _, err := io.ReadFull(d.reader, header); err != nil {
		richErr := goerrors.Wrap(err, ErrCodeStreamHeader, "failed to read stream header")
		return fmt.Errorf("%w: %w", ErrEnvelopeInvalid, richErr)
	}
	if string(header[0:4]) != streamMagic {
		richErr := goerrors.New(ErrCodeStreamHeader, "invalid magic bytes")
		return fmt.Errorf("%w: %w", ErrEnvelopeInvalid, richErr)
	}
	if v := binary.LittleEndian.Uint32(header[4:8]); v != streamVersion {
		richErr := goerrors.New(ErrCodeStreamHeader, fmt.Sprintf("unsupported stream version %d", v))
		return fmt.Errorf("%w: %w", ErrEnvelopeInvalid, richErr)
	}
	if header[8] != algorithmStreamID(d.alg) {
		richErr := goerrors.New(ErrCodeStreamHeader, "stream algorithm does not match decryptor")
		return fmt.Errorf("%w: %w", ErrUnsupportedAlgorithm, richErr)
	}

	d.noncePrefix = make([]byte, noncePrefixSize)
	copy(d.noncePrefix, header[9:9+noncePrefixSize])

	d.chunkSize = int(binary.LittleEndian.Uint32(header[17:21]))
	if d.chunkSize <= 0 || d.chunkSize > maxChunkSize {
		richErr := goerrors.New(ErrCodeStreamChunkSize, "invalid chunk size in header")
		return fmt.Errorf("%w: %w", ErrEnvelopeInvalid, richErr)
	}

	d.headerRead = true
	return nil
}

func (d *streamingDecryptor) Read(data []byte) (int, error) {
	if d.closed {
		richErr := goerrors.New(ErrCodeStreamClosed, "cannot read from closed decryptor")
		return 0, fmt.Errorf("streaming decryption failed: %w", richErr)
	}
	if !d.headerRead {
		if err := d.readHeader(); err != nil {
			return 0, err
		}
	}

	total := 0
	for len(data) > 0 {
		if len(d.remaining) > 0 {
			n := copy(data, d.remaining)
			d.remaining = d.remaining[n:]
			data = data[n:]
			total += n
			continue
		}

		chunk, err := d.readNextChunk()
		if err != nil {
			if err == io.EOF && total > 0 {
				return total, nil
			}
			return total, err
		}
		if len(chunk) == 0 {
			if total > 0 {
				return total, nil
			}
			return 0, io.EOF
		}

		n := copy(data, chunk)
		if n < len(chunk) {
			d.remaining = append(d.remaining[:0], chunk[n:]...)
		}
		data = data[n:]
		total += n
	}
	return total, nil
}

func (d *streamingDecryptor) Close() error {
	d.closed = true
	return nil
}

func (d *streamingDecryptor) readNextChunk() ([]byte, error) {
	var frame [4]byte
	if _, err := io.ReadFull(d.reader, frame[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		richErr := goerrors.Wrap(err, ErrCodeStreamChunk, "failed to read chunk length")
		return nil, fmt.Errorf("%w: %w", ErrEnvelopeInvalid, richErr)
	}

	sealedLen := binary.LittleEndian.Uint32(frame[:])
	if sealedLen == 0 {
		return nil, nil
	}
	if int(sealedLen) > d.chunkSize+d.aead.Overhead() {
		richErr := goerrors.New(ErrCodeStreamChunk, "chunk length exceeds declared chunk size")
		return nil, fmt.Errorf("%w: %w", ErrEnvelopeInvalid, richErr)
	}

	sealed := make([]byte, sealedLen)
	if _, err := io.ReadFull(d.reader, sealed); err != nil {
		richErr := goerrors.Wrap(err, ErrCodeStreamChunk, "truncated encrypted chunk")
		return nil, fmt.Errorf("%w: %w", ErrEnvelopeInvalid, richErr)
	}

	nonce := chunkNonce(d.noncePrefix, d.chunkCount)
	plaintext, err := d.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		richErr := goerrors.New(ErrCodeAuthFailed, "chunk authentication failed")
		return nil, fmt.Errorf("%w: %w", ErrAuthenticationFailed, richErr)
	}
	d.chunkCount++

	return plaintext, nil
}
