// Copyright (c) 2019-2026 The Geniza Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package wire implements the length-delimited, XSalsa20-encrypted,
// multiplexed wire protocol that carries register entries between two
// peers (spec.md §4.4).
package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrFrameTooLarge is returned when a decoded frame's declared
// total_len exceeds the configured maximum, guarding against a
// malicious or corrupt peer inflating the length varint.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

// ErrBadHeader is returned when a frame's header byte encodes a
// message_type outside [0, 0x0F] in a way the protocol forbids, or
// when message_type > 9 (spec.md §4.4: "values > 0x1F are invalid").
var ErrBadHeader = errors.New("wire: invalid frame header")

// maxMessageType is the highest message_type code this protocol
// defines (Data=9); spec.md allows header values up to 0x1F before
// treating them as fatally invalid, but any type beyond what this
// implementation understands is still rejected.
const maxMessageType = 9

// packHeader/unpackHeader convert between a frame's second varint and
// the feed index and message type packed into it:
// header = (feed_index<<4) | (message_type & 0x0F).
func packHeader(feedIndex uint32, msgType uint8) uint64 {
	return uint64(feedIndex)<<4 | uint64(msgType&0x0F)
}

func unpackHeader(header uint64) (feedIndex uint32, msgType uint8) {
	return uint32(header >> 4), uint8(header & 0x0F)
}

// frame is one decoded wire frame: the feed it targets, its message
// type, and its payload (already decrypted, since Conn reads frames
// through its decrypting reader).
type frame struct {
	feedIndex uint32
	msgType   uint8
	payload   []byte
}

// writeFrame appends varint(total_len) ∥ varint(header) ∥ payload to w.
// total_len covers the header varint and the payload, not itself.
func writeFrame(w io.Writer, feedIndex uint32, msgType uint8, payload []byte) error {
	if msgType > 0x1F {
		return ErrBadHeader
	}
	header := packHeader(feedIndex, msgType)
	var headerBuf []byte
	headerBuf = protowire.AppendVarint(headerBuf, header)

	totalLen := uint64(len(headerBuf) + len(payload))
	var out []byte
	out = protowire.AppendVarint(out, totalLen)
	out = append(out, headerBuf...)
	out = append(out, payload...)

	_, err := w.Write(out)
	return err
}

// readFrame reads one varint(total_len) ∥ varint(header) ∥ payload
// frame from r, enforcing maxFrameSize on the declared total_len.
func readFrame(r *bufio.Reader, maxFrameSize int) (frame, error) {
	totalLen, err := readVarint(r)
	if err != nil {
		return frame{}, err
	}
	if maxFrameSize > 0 && totalLen > uint64(maxFrameSize) {
		return frame{}, ErrFrameTooLarge
	}

	body := make([]byte, totalLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return frame{}, fmt.Errorf("wire: read frame body: %w", err)
	}

	header, n := protowire.ConsumeVarint(body)
	if n < 0 {
		return frame{}, fmt.Errorf("%w: bad header varint", ErrBadHeader)
	}
	feedIndex, msgType := unpackHeader(header)
	if msgType > 0x1F {
		return frame{}, ErrBadHeader
	}

	return frame{feedIndex: feedIndex, msgType: msgType, payload: body[n:]}, nil
}

// readVarint reads a single LEB128 varint byte-by-byte from r, since
// protowire.ConsumeVarint needs the whole buffer up front and a wire
// reader only has a streaming io.Reader.
func readVarint(r *bufio.Reader) (uint64, error) {
	var buf []byte
	for i := 0; i < protowire.SizeVarint(^uint64(0)); i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		buf = append(buf, b)
		if b&0x80 == 0 {
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return 0, fmt.Errorf("%w: bad varint", ErrBadHeader)
			}
			return v, nil
		}
	}
	return 0, fmt.Errorf("%w: varint too long", ErrBadHeader)
}
