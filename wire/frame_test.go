// Copyright (c) 2019-2026 The Geniza Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package wire

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, 3, MsgHave, []byte("payload-bytes")))

	f, err := readFrame(bufio.NewReader(&buf), 0)
	require.NoError(t, err)
	require.Equal(t, uint32(3), f.feedIndex)
	require.Equal(t, uint8(MsgHave), f.msgType)
	require.Equal(t, []byte("payload-bytes"), f.payload)
}

func TestWriteFrameRejectsOversizedMessageType(t *testing.T) {
	var buf bytes.Buffer
	err := writeFrame(&buf, 0, 0x20, nil)
	require.ErrorIs(t, err, ErrBadHeader)
}

func TestReadFrameEnforcesMaxFrameSize(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, 0, MsgData, bytes.Repeat([]byte{1}, 1000)))

	_, err := readFrame(bufio.NewReader(&buf), 10)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestPackUnpackHeader(t *testing.T) {
	h := packHeader(7, MsgRequest)
	feed, typ := unpackHeader(h)
	require.Equal(t, uint32(7), feed)
	require.Equal(t, uint8(MsgRequest), typ)
}

func TestMultipleFramesOnOneStream(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, 0, MsgInfo, []byte("a")))
	require.NoError(t, writeFrame(&buf, 1, MsgWant, []byte("b")))

	r := bufio.NewReader(&buf)
	f1, err := readFrame(r, 0)
	require.NoError(t, err)
	require.Equal(t, uint32(0), f1.feedIndex)
	require.Equal(t, []byte("a"), f1.payload)

	f2, err := readFrame(r, 0)
	require.NoError(t, err)
	require.Equal(t, uint32(1), f2.feedIndex)
	require.Equal(t, []byte("b"), f2.payload)
}
