// Copyright (c) 2019-2026 The Geniza Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package pbwire provides small helpers on top of
// google.golang.org/protobuf/encoding/protowire for hand-encoding the
// Dat-protocol message types as a binary schema rather than an object
// model (spec.md §9): no generated message types, no reflection, just
// tagged fields read in a loop and matched by field number.
package pbwire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMissingRequired is returned when a field the schema marks required
// was absent from a decoded message.
var ErrMissingRequired = errors.New("pbwire: missing required field")

// ErrMalformed is returned when the wire bytes don't parse as a
// sequence of (tag, value) pairs.
var ErrMalformed = errors.New("pbwire: malformed protobuf bytes")

// Field is one decoded (field number, wire type, raw value) triple.
// Depending on Type, Varint holds the value of a varint, fixed64 or
// fixed32 field, and Bytes holds the inner bytes of a length-delimited
// field.
type Field struct {
	Num   protowire.Number
	Type  protowire.Type
	Varint uint64
	Bytes  []byte
}

// Parse decodes buf into a slice of Fields in wire order. Repeated
// fields simply appear multiple times with the same Num, matching
// protobuf's wire representation.
func Parse(buf []byte) ([]Field, error) {
	var fields []Field
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, fmt.Errorf("%w: tag: %v", ErrMalformed, protowire.ParseError(n))
		}
		buf = buf[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, fmt.Errorf("%w: varint: %v", ErrMalformed, protowire.ParseError(n))
			}
			fields = append(fields, Field{Num: num, Type: typ, Varint: v})
			buf = buf[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, fmt.Errorf("%w: bytes: %v", ErrMalformed, protowire.ParseError(n))
			}
			fields = append(fields, Field{Num: num, Type: typ, Bytes: append([]byte(nil), v...)})
			buf = buf[n:]
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(buf)
			if n < 0 {
				return nil, fmt.Errorf("%w: fixed64: %v", ErrMalformed, protowire.ParseError(n))
			}
			fields = append(fields, Field{Num: num, Type: typ, Varint: v})
			buf = buf[n:]
		case protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(buf)
			if n < 0 {
				return nil, fmt.Errorf("%w: fixed32: %v", ErrMalformed, protowire.ParseError(n))
			}
			fields = append(fields, Field{Num: num, Type: typ, Varint: uint64(v)})
			buf = buf[n:]
		default:
			return nil, fmt.Errorf("%w: unsupported wire type %d", ErrMalformed, typ)
		}
	}
	return fields, nil
}

// AppendVarint appends a (num, varint) field, e.g. an int/uint/bool.
func AppendVarint(buf []byte, num protowire.Number, v uint64) []byte {
	buf = protowire.AppendTag(buf, num, protowire.VarintType)
	return protowire.AppendVarint(buf, v)
}

// AppendBool appends a (num, bool) field, skipping the field entirely
// when v is false (protobuf's "default value is not encoded" rule).
func AppendBool(buf []byte, num protowire.Number, v bool) []byte {
	if !v {
		return buf
	}
	return AppendVarint(buf, num, 1)
}

// AppendBytes appends a (num, bytes) field, e.g. bytes or a UTF-8 string.
func AppendBytes(buf []byte, num protowire.Number, v []byte) []byte {
	buf = protowire.AppendTag(buf, num, protowire.BytesType)
	return protowire.AppendBytes(buf, v)
}

// AppendString appends a (num, string) field.
func AppendString(buf []byte, num protowire.Number, v string) []byte {
	return AppendBytes(buf, num, []byte(v))
}

// AppendMessage appends a (num, embedded message) field, where inner is
// the already-encoded bytes of the nested message.
func AppendMessage(buf []byte, num protowire.Number, inner []byte) []byte {
	return AppendBytes(buf, num, inner)
}
