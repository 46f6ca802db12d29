// Copyright (c) 2019-2026 The Geniza Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package wire

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// Wire cipher property (spec.md §8): for any key and nonce, encrypting
// a buffer in one call is bit-identical to encrypting it across
// arbitrary contiguous sub-slices, each call advancing the byte
// counter by its own length.
func TestStreamCipherChunkingIsCounterConsistent(t *testing.T) {
	var key [32]byte
	var nonce [24]byte
	_, err := rand.Read(key[:])
	require.NoError(t, err)
	_, err = rand.Read(nonce[:])
	require.NoError(t, err)

	plaintext := make([]byte, 1234)
	_, err = rand.Read(plaintext)
	require.NoError(t, err)

	oneShot := make([]byte, len(plaintext))
	newStreamCipher(key, nonce).XORKeyStream(oneShot, plaintext)

	chunked := make([]byte, len(plaintext))
	c := newStreamCipher(key, nonce)
	chunkSizes := []int{10, 10, 1, 43, 70, 1100}
	off := 0
	for _, sz := range chunkSizes {
		end := off + sz
		if end > len(plaintext) {
			end = len(plaintext)
		}
		c.XORKeyStream(chunked[off:end], plaintext[off:end])
		off = end
	}
	require.Equal(t, off, len(plaintext))

	require.Equal(t, oneShot, chunked)
}

func TestStreamCipherRoundTrip(t *testing.T) {
	var key [32]byte
	var nonce [24]byte
	_, err := rand.Read(key[:])
	require.NoError(t, err)
	_, err = rand.Read(nonce[:])
	require.NoError(t, err)

	plaintext := []byte("the quick brown fox jumps over the lazy dog, repeatedly, many times over")

	enc := make([]byte, len(plaintext))
	newStreamCipher(key, nonce).XORKeyStream(enc, plaintext)
	require.False(t, bytes.Equal(enc, plaintext))

	dec := make([]byte, len(enc))
	newStreamCipher(key, nonce).XORKeyStream(dec, enc)
	require.Equal(t, plaintext, dec)
}

func TestStreamCipherDifferentNoncesDiffer(t *testing.T) {
	var key [32]byte
	var nonceA, nonceB [24]byte
	_, err := rand.Read(key[:])
	require.NoError(t, err)
	_, err = rand.Read(nonceA[:])
	require.NoError(t, err)
	_, err = rand.Read(nonceB[:])
	require.NoError(t, err)

	plaintext := bytes.Repeat([]byte{0x42}, 256)
	a := make([]byte, len(plaintext))
	b := make([]byte, len(plaintext))
	newStreamCipher(key, nonceA).XORKeyStream(a, plaintext)
	newStreamCipher(key, nonceB).XORKeyStream(b, plaintext)
	require.NotEqual(t, a, b)
}
