// pool.go: Buffer pooling for the hot encrypt/decrypt path.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package aegis

import "sync"

var (
	// noncePool serves the small fixed-size buffers used for nonces and IVs
	// (12 bytes for the AEAD modes, 16 for CBC) and HKDF salts.
	noncePool = sync.Pool{
		New: func() interface{} {
			buf := make([]byte, 32)
			return &buf
		},
	}

	// scratchPool serves variable-size working buffers for ciphertext
	// assembly. Pointers avoid an allocation per Put (SA6002).
	scratchPool = sync.Pool{
		New: func() interface{} {
			buf := make([]byte, 0, 512)
			return &buf
		},
	}
)

// getNonceBuf returns a pooled buffer sliced to size. Size must be <= 32.
func getNonceBuf(size int) *[]byte {
	buf := noncePool.Get().(*[]byte)
	*buf = (*buf)[:size]
	return buf
}

func putNonceBuf(buf *[]byte) {
	*buf = (*buf)[:cap(*buf)]
	noncePool.Put(buf)
}

// getScratch returns a pooled variable-size buffer with length zero.
func getScratch() *[]byte {
	buf := scratchPool.Get().(*[]byte)
	*buf = (*buf)[:0]
	return buf
}

// putScratch wipes and returns a scratch buffer to the pool. Wiping matters
// because scratch buffers may have held plaintext.
func putScratch(buf *[]byte) {
	full := (*buf)[:cap(*buf)]
	for i := range full {
		full[i] = 0
	}
	*buf = full[:0]
	scratchPool.Put(buf)
}
