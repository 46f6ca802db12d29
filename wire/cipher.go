// Copyright (c) 2019-2026 The Geniza Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package wire

import (
	"golang.org/x/crypto/salsa20/salsa"
)

const blockSize = 64

// streamCipher is one direction's XSalsa20 keystream state: a fixed
// key/nonce pair and a running byte counter that never resets,
// advancing by the plaintext byte count on every read or write
// (spec.md §4.4).
type streamCipher struct {
	subKey  [32]byte
	nonce8  [8]byte // low 8 bytes of the 24-byte nonce, fed to the raw Salsa20 core as its block nonce
	counter uint64
}

// newStreamCipher derives the XSalsa20 subkey via HSalsa20(nonce[:16],
// key) once, so every subsequent XORKeyStream call only needs the raw
// Salsa20 core and the cheap 8-byte nonce tail plus a block counter.
func newStreamCipher(key [32]byte, nonce [24]byte) *streamCipher {
	var hNonce [16]byte
	copy(hNonce[:], nonce[:16])

	c := &streamCipher{}
	salsa.HSalsa20(&c.subKey, &hNonce, &key, &salsa.Sigma)
	copy(c.nonce8[:], nonce[16:24])
	return c
}

// XORKeyStream encrypts or decrypts src into dst (len(dst) >= len(src)),
// continuing the keystream from the cipher's current byte counter and
// advancing it by len(src). It handles a counter that isn't aligned to
// a 64-byte Salsa20 block by padding the input with leading zero bytes
// up to the block boundary, running the core cipher over the padded
// buffer, and discarding the padding's corresponding keystream bytes —
// the standard technique for seeking a counter-mode stream cipher to an
// arbitrary byte offset (stream_xor_ic, spec.md §4.4).
func (c *streamCipher) XORKeyStream(dst, src []byte) {
	if len(src) == 0 {
		return
	}

	blockIndex := c.counter / blockSize
	offset := int(c.counter % blockSize)

	padded := make([]byte, offset+len(src))
	copy(padded[offset:], src)

	var counterBlock [16]byte
	copy(counterBlock[:8], c.nonce8[:])
	putUint64LE(counterBlock[8:], blockIndex)

	out := make([]byte, len(padded))
	salsa.XORKeyStream(out, padded, &counterBlock, &c.subKey)

	copy(dst, out[offset:])
	c.counter += uint64(len(src))
}

func putUint64LE(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
}
