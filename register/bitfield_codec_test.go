// Copyright (c) 2019-2026 The Geniza Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package register

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMaxHighBit(t *testing.T) {
	bf, err := DecodeBitfield([]byte{2, 207})
	require.NoError(t, err)
	require.Equal(t, uint64(7), MaxHighBit(bf))

	bf, err = DecodeBitfield([]byte{2, 254})
	require.NoError(t, err)
	require.Equal(t, uint64(6), MaxHighBit(bf))
}

func TestBitfieldRoundTrip(t *testing.T) {
	cases := [][]byte{
		{0x00, 0x00, 0x00, 0x00},
		{0xFF, 0xFF, 0xFF},
		{0x01, 0x02, 0x03, 0xFF, 0xFF, 0x00, 0x00, 0x00, 0x04},
		{0xAB},
	}
	for _, raw := range cases {
		encoded := EncodeBitfield(raw)
		decoded, err := DecodeBitfield(encoded)
		require.NoError(t, err)
		require.Equal(t, raw, decoded, "round trip for %v", raw)

		// encode(decode(b)) == b, per spec.md §8.
		reencoded := EncodeBitfield(decoded)
		require.Equal(t, encoded, reencoded)
	}
}
