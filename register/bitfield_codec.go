// Copyright (c) 2019-2026 The Geniza Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package register

import (
	"errors"

	"github.com/bits-and-blooms/bitset"
	"google.golang.org/protobuf/encoding/protowire"
)

// ErrEmptyBitfield is returned by DecodeBitfield on a zero-length input.
var ErrEmptyBitfield = errors.New("register: bitfield payload must be non-empty")

// DecodeBitfield expands the run-length/raw encoding carried in a Have
// message's bitfield field (spec.md §4.4) into a flat byte slice. Each
// varint header H is either a compressed run (bit 0 set: bit 1 gives the
// repeated byte value, H>>2 gives the run length in bytes) or a raw
// chunk (bit 0 clear: the next H>>1 bytes are copied verbatim).
//
// The decoded bytes are emitted in reverse chunk order, matching the
// on-the-wire convention that the bitfield's last-sent chunk describes
// the lowest-indexed entries.
func DecodeBitfield(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyBitfield
	}
	var chunks [][]byte
	off := 0
	for off < len(raw) {
		header, n := protowire.ConsumeVarint(raw[off:])
		if n < 0 {
			return nil, errors.New("register: bad varint in bitfield")
		}
		off += n
		if header&0x01 == 0x01 {
			bit := header&0x02 == 0x02
			runLen := int(header >> 2)
			fill := byte(0x00)
			if bit {
				fill = 0xFF
			}
			chunk := make([]byte, runLen)
			for i := range chunk {
				chunk[i] = fill
			}
			chunks = append(chunks, chunk)
		} else {
			byteCount := int(header >> 1)
			if off+byteCount > len(raw) {
				return nil, errors.New("register: bitfield raw chunk overruns payload")
			}
			chunk := make([]byte, byteCount)
			copy(chunk, raw[off:off+byteCount])
			chunks = append(chunks, chunk)
			off += byteCount
		}
	}

	var out []byte
	for i := len(chunks) - 1; i >= 0; i-- {
		out = append(out, chunks[i]...)
	}
	return out, nil
}

// EncodeBitfield is the inverse of DecodeBitfield: it chunks a flat byte
// slice into maximal runs of 0x00/0xFF (encoded as compressed varints)
// and remaining bytes (encoded as raw chunks), laid down in the same
// reversed chunk order DecodeBitfield expects. encode(decode(b)) == b
// for any b produced by EncodeBitfield itself.
func EncodeBitfield(bits []byte) []byte {
	if len(bits) == 0 {
		return nil
	}

	// Walk bits back-to-front so the emitted chunk order, once reversed
	// again by DecodeBitfield, reproduces the original byte order.
	type chunk struct {
		run   bool
		value byte
		bytes []byte
	}
	var chunks []chunk
	i := len(bits)
	for i > 0 {
		b := bits[i-1]
		if b == 0x00 || b == 0xFF {
			runLen := 1
			for i-1-runLen >= 0 && bits[i-1-runLen] == b {
				runLen++
			}
			chunks = append(chunks, chunk{run: true, value: b, bytes: nil})
			chunks[len(chunks)-1].bytes = bits[i-runLen : i]
			i -= runLen
		} else {
			j := i
			for j > 0 && bits[j-1] != 0x00 && bits[j-1] != 0xFF {
				j--
			}
			chunks = append(chunks, chunk{run: false, bytes: bits[j:i]})
			i = j
		}
	}

	var out []byte
	for _, c := range chunks {
		if c.run {
			bitFlag := uint64(0)
			if c.value == 0xFF {
				bitFlag = 0x02
			}
			header := (uint64(len(c.bytes)) << 2) | bitFlag | 0x01
			out = protowire.AppendVarint(out, header)
		} else {
			header := uint64(len(c.bytes)) << 1
			out = protowire.AppendVarint(out, header)
			out = append(out, c.bytes...)
		}
	}
	return out
}

// MaxHighBit finds the first set bit of the decoded bitfield bf,
// scanning bits LSB-first within each byte and bytes left-to-right
// across the slice; if that bit is at position i it returns
// len(bf)*8 - i - 1, and it returns 0 when no bit is set (spec.md §8).
func MaxHighBit(bf []byte) uint64 {
	bs := bitset.New(uint(len(bf)) * 8)
	for byteIdx, b := range bf {
		for bit := 0; bit < 8; bit++ {
			if b&(1<<uint(bit)) != 0 {
				bs.Set(uint(byteIdx)*8 + uint(bit))
			}
		}
	}
	bitLen := uint64(len(bf)) * 8
	for i := uint64(0); i < bitLen; i++ {
		if bs.Test(uint(i)) {
			return bitLen - i - 1
		}
	}
	return 0
}
