// Copyright (c) 2019-2026 The Geniza Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package wire

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bnewbold/geniza/internal/pbwire"
)

func TestFeedRoundTrip(t *testing.T) {
	m := Feed{DiscoveryKey: []byte("0123456789012345678901234567890x"), Nonce: []byte("abcdefghijklmnopqrstuvwx")}
	got, err := unmarshalFeed(m.marshal())
	require.NoError(t, err)
	require.Equal(t, m.DiscoveryKey, got.DiscoveryKey)
	require.Equal(t, m.Nonce, got.Nonce)
}

func TestFeedWithoutNonce(t *testing.T) {
	m := Feed{DiscoveryKey: []byte("disc-key")}
	got, err := unmarshalFeed(m.marshal())
	require.NoError(t, err)
	require.Equal(t, m.DiscoveryKey, got.DiscoveryKey)
	require.Nil(t, got.Nonce)
}

func TestFeedMissingDiscoveryKey(t *testing.T) {
	_, err := unmarshalFeed(nil)
	require.ErrorIs(t, err, pbwire.ErrMissingRequired)
}

func TestHandshakeRoundTrip(t *testing.T) {
	m := Handshake{ID: []byte("0123456789012345678901234567890x"), Live: true, UserData: []byte("ud"), Extensions: []string{"ext.a", "ext.b"}}
	got, err := unmarshalHandshake(m.marshal())
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestHandshakeLiveDefaultsFalse(t *testing.T) {
	m := Handshake{ID: []byte("id")}
	got, err := unmarshalHandshake(m.marshal())
	require.NoError(t, err)
	require.False(t, got.Live)
}

// TestHandshakeWithoutIDIsAccepted: id is optional (spec.md §4.4;
// network_msgs.rs's `optional bytes id = 1`), unlike Feed's required
// discoveryKey, so a Handshake with no id must decode cleanly rather
// than being rejected as missing a required field.
func TestHandshakeWithoutIDIsAccepted(t *testing.T) {
	m := Handshake{Live: true}
	got, err := unmarshalHandshake(m.marshal())
	require.NoError(t, err)
	require.Empty(t, got.ID)
	require.True(t, got.Live)
}

func TestInfoRoundTrip(t *testing.T) {
	m := Info{Uploading: true, Downloading: false}
	got, err := unmarshalInfo(m.marshal())
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestHaveRoundTripWithBitfield(t *testing.T) {
	m := Have{Start: 10, Length: 5, Bitfield: []byte{0xFF, 0x00, 0x01}}
	got, err := unmarshalHave(m.marshal())
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestHaveLengthDefaultsToOne(t *testing.T) {
	m := Have{Start: 3}
	got, err := unmarshalHave(m.marshal())
	require.NoError(t, err)
	require.Equal(t, uint64(1), got.Length)
}

func TestUnhaveRoundTrip(t *testing.T) {
	m := Unhave{Start: 1, Length: 2}
	got, err := unmarshalUnhave(m.marshal())
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestWantRoundTrip(t *testing.T) {
	m := Want{Start: 0, Length: ^uint64(0)}
	got, err := unmarshalWant(m.marshal())
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestUnwantRoundTrip(t *testing.T) {
	m := Unwant{Start: 4, Length: 9}
	got, err := unmarshalUnwant(m.marshal())
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestRequestRoundTrip(t *testing.T) {
	m := Request{Index: 42, Bytes: 4096, Hash: true, Nodes: 3}
	got, err := unmarshalRequest(m.marshal())
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestCancelRoundTrip(t *testing.T) {
	m := Cancel{Index: 42, Bytes: 4096, Hash: true}
	got, err := unmarshalCancel(m.marshal())
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestDataRoundTripWithNodes(t *testing.T) {
	m := Data{
		Index: 7,
		Value: []byte("file contents"),
		Nodes: []DataNode{
			{Index: 1, Hash: []byte("hash-a-32-bytes-padded-out-here"), Size: 11},
			{Index: 5, Hash: []byte("hash-b-32-bytes-padded-out-here"), Size: 22},
		},
		Signature: []byte("sixty-four-byte-signature-goes-here-but-shortened-for-the-test"),
	}
	got, err := unmarshalData(m.marshal())
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestDataRoundTripWithoutNodes(t *testing.T) {
	m := Data{Index: 0, Value: []byte("x")}
	got, err := unmarshalData(m.marshal())
	require.NoError(t, err)
	require.Equal(t, m.Index, got.Index)
	require.Equal(t, m.Value, got.Value)
	require.Empty(t, got.Nodes)
}
