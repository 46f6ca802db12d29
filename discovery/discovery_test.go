// Copyright (c) 2019-2026 The Geniza Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package discovery

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bnewbold/geniza/register"
)

// TestParseAddress mirrors original_source/src/helpers.rs's
// test_parse_dat_address vectors.
func TestParseAddress(t *testing.T) {
	const lower = "c7638882870abd4044d6467b0738f15e3a36f57c3a7f7f3417fd7e4e0841d597"[:64]
	const upper = "C7638882870ABD4044D6467B0738F15E3A36F57C3A7F7F3417FD7E4E0841D597"[:64]

	pub, err := ParseAddress(lower)
	require.NoError(t, err)
	require.Len(t, pub, 32)

	pub2, err := ParseAddress(upper)
	require.NoError(t, err)
	require.Equal(t, pub, pub2)

	_, err = ParseAddress("dat://" + lower)
	require.NoError(t, err)

	_, err = ParseAddress("c7638882870ab")
	require.ErrorIs(t, err, ErrBadAddress)

	_, err = ParseAddress("g7638882870abd4044d6467b0738f15e3a36f57c3a7f7f3417fd7e4e0841d597")
	require.ErrorIs(t, err, ErrBadAddress)

	_, err = ParseAddress("dat://" + lower + "0")
	require.ErrorIs(t, err, ErrBadAddress)

	_, err = ParseAddress("dat://" + lower[:len(lower)-1])
	require.ErrorIs(t, err, ErrBadAddress)
}

func TestFormatAddressRoundTrip(t *testing.T) {
	const hexKey = "c7638882870abd4044d6467b0738f15e3a36f57c3a7f7f3417fd7e4e0841d597"
	raw, err := hex.DecodeString(hexKey[:64])
	require.NoError(t, err)

	addr := FormatAddress(raw)
	require.Equal(t, "dat://"+hexKey[:64], addr)

	pub, err := ParseAddress(addr)
	require.NoError(t, err)
	require.Equal(t, []byte(raw), []byte(pub))
}

// TestName checks the canonical DNS name is 40 lowercase hex characters
// (20 bytes of the discovery key) plus the ".dat.local" suffix.
func TestName(t *testing.T) {
	var key [32]byte
	for i := range key {
		key[i] = byte(i)
	}
	dk := register.DiscoveryKeyFor(key[:])
	name := Name(dk)

	require.Len(t, name, 40+len(".dat.local"))
	require.Equal(t, hex.EncodeToString(dk[:20])+".dat.local", name)
}
