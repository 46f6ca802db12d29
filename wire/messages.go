// Copyright (c) 2019-2026 The Geniza Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package wire

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/bnewbold/geniza/internal/pbwire"
)

// Message type codes (spec.md §4.4). Field numbers below are the
// on-the-wire contract and must never be renumbered.
const (
	MsgFeed = iota
	MsgHandshake
	MsgInfo
	MsgHave
	MsgUnhave
	MsgWant
	MsgUnwant
	MsgRequest
	MsgCancel
	MsgData
)

// Feed announces a logical register carried on this connection. nonce
// is present only on the very first Feed sent on a connection.
type Feed struct {
	DiscoveryKey []byte
	Nonce        []byte // 24 bytes, feed 0's initial message only
}

const (
	feedFieldDiscoveryKey protowire.Number = 1
	feedFieldNonce        protowire.Number = 2
)

func (m Feed) marshal() []byte {
	var buf []byte
	buf = pbwire.AppendBytes(buf, feedFieldDiscoveryKey, m.DiscoveryKey)
	if len(m.Nonce) > 0 {
		buf = pbwire.AppendBytes(buf, feedFieldNonce, m.Nonce)
	}
	return buf
}

func unmarshalFeed(raw []byte) (Feed, error) {
	fields, err := pbwire.Parse(raw)
	if err != nil {
		return Feed{}, err
	}
	var m Feed
	var haveKey bool
	for _, f := range fields {
		switch f.Num {
		case feedFieldDiscoveryKey:
			m.DiscoveryKey = f.Bytes
			haveKey = true
		case feedFieldNonce:
			m.Nonce = f.Bytes
		}
	}
	if !haveKey {
		return Feed{}, pbwire.ErrMissingRequired
	}
	return m, nil
}

// Handshake is sent once per connection after feed 0 is established.
type Handshake struct {
	ID         []byte // 32 bytes
	Live       bool
	UserData   []byte
	Extensions []string
}

const (
	handshakeFieldID         protowire.Number = 1
	handshakeFieldLive       protowire.Number = 2
	handshakeFieldUserData   protowire.Number = 3
	handshakeFieldExtensions protowire.Number = 4
)

func (m Handshake) marshal() []byte {
	var buf []byte
	buf = pbwire.AppendBytes(buf, handshakeFieldID, m.ID)
	buf = pbwire.AppendBool(buf, handshakeFieldLive, m.Live)
	if len(m.UserData) > 0 {
		buf = pbwire.AppendBytes(buf, handshakeFieldUserData, m.UserData)
	}
	for _, ext := range m.Extensions {
		buf = pbwire.AppendString(buf, handshakeFieldExtensions, ext)
	}
	return buf
}

func unmarshalHandshake(raw []byte) (Handshake, error) {
	fields, err := pbwire.Parse(raw)
	if err != nil {
		return Handshake{}, err
	}
	var m Handshake
	for _, f := range fields {
		switch f.Num {
		case handshakeFieldID:
			m.ID = f.Bytes
		case handshakeFieldLive:
			m.Live = f.Varint != 0
		case handshakeFieldUserData:
			m.UserData = f.Bytes
		case handshakeFieldExtensions:
			m.Extensions = append(m.Extensions, string(f.Bytes))
		}
	}
	return m, nil
}

// Info toggles whether this side is uploading/downloading on a feed.
type Info struct {
	Uploading   bool
	Downloading bool
}

const (
	infoFieldUploading   protowire.Number = 1
	infoFieldDownloading protowire.Number = 2
)

func (m Info) marshal() []byte {
	var buf []byte
	buf = pbwire.AppendBool(buf, infoFieldUploading, m.Uploading)
	buf = pbwire.AppendBool(buf, infoFieldDownloading, m.Downloading)
	return buf
}

func unmarshalInfo(raw []byte) (Info, error) {
	fields, err := pbwire.Parse(raw)
	if err != nil {
		return Info{}, err
	}
	var m Info
	for _, f := range fields {
		switch f.Num {
		case infoFieldUploading:
			m.Uploading = f.Varint != 0
		case infoFieldDownloading:
			m.Downloading = f.Varint != 0
		}
	}
	return m, nil
}

// Have advertises a run of entries this side holds, optionally with a
// bitfield payload (see register.DecodeBitfield/EncodeBitfield).
type Have struct {
	Start    uint64
	Length   uint64 // defaults to 1 when absent on the wire
	Bitfield []byte
}

const (
	haveFieldStart    protowire.Number = 1
	haveFieldLength   protowire.Number = 2
	haveFieldBitfield protowire.Number = 3
)

func (m Have) marshal() []byte {
	var buf []byte
	buf = pbwire.AppendVarint(buf, haveFieldStart, m.Start)
	if m.Length != 0 && m.Length != 1 {
		buf = pbwire.AppendVarint(buf, haveFieldLength, m.Length)
	}
	if len(m.Bitfield) > 0 {
		buf = pbwire.AppendBytes(buf, haveFieldBitfield, m.Bitfield)
	}
	return buf
}

func unmarshalHave(raw []byte) (Have, error) {
	fields, err := pbwire.Parse(raw)
	if err != nil {
		return Have{}, err
	}
	m := Have{Length: 1}
	for _, f := range fields {
		switch f.Num {
		case haveFieldStart:
			m.Start = f.Varint
		case haveFieldLength:
			m.Length = f.Varint
		case haveFieldBitfield:
			m.Bitfield = f.Bytes
		}
	}
	return m, nil
}

// Unhave retracts a previously advertised range.
type Unhave struct {
	Start  uint64
	Length uint64
}

const (
	unhaveFieldStart  protowire.Number = 1
	unhaveFieldLength protowire.Number = 2
)

func (m Unhave) marshal() []byte {
	var buf []byte
	buf = pbwire.AppendVarint(buf, unhaveFieldStart, m.Start)
	buf = pbwire.AppendVarint(buf, unhaveFieldLength, m.Length)
	return buf
}

func unmarshalUnhave(raw []byte) (Unhave, error) {
	fields, err := pbwire.Parse(raw)
	if err != nil {
		return Unhave{}, err
	}
	var m Unhave
	for _, f := range fields {
		switch f.Num {
		case unhaveFieldStart:
			m.Start = f.Varint
		case unhaveFieldLength:
			m.Length = f.Varint
		}
	}
	return m, nil
}

// Want asks the peer to notify us of Have ranges overlapping
// [Start, Start+Length).
type Want struct {
	Start  uint64
	Length uint64
}

const (
	wantFieldStart  protowire.Number = 1
	wantFieldLength protowire.Number = 2
)

func (m Want) marshal() []byte {
	var buf []byte
	buf = pbwire.AppendVarint(buf, wantFieldStart, m.Start)
	buf = pbwire.AppendVarint(buf, wantFieldLength, m.Length)
	return buf
}

func unmarshalWant(raw []byte) (Want, error) {
	fields, err := pbwire.Parse(raw)
	if err != nil {
		return Want{}, err
	}
	var m Want
	for _, f := range fields {
		switch f.Num {
		case wantFieldStart:
			m.Start = f.Varint
		case wantFieldLength:
			m.Length = f.Varint
		}
	}
	return m, nil
}

// Unwant retracts a previous Want.
type Unwant struct {
	Start  uint64
	Length uint64
}

const (
	unwantFieldStart  protowire.Number = 1
	unwantFieldLength protowire.Number = 2
)

func (m Unwant) marshal() []byte {
	var buf []byte
	buf = pbwire.AppendVarint(buf, unwantFieldStart, m.Start)
	buf = pbwire.AppendVarint(buf, unwantFieldLength, m.Length)
	return buf
}

func unmarshalUnwant(raw []byte) (Unwant, error) {
	fields, err := pbwire.Parse(raw)
	if err != nil {
		return Unwant{}, err
	}
	var m Unwant
	for _, f := range fields {
		switch f.Num {
		case unwantFieldStart:
			m.Start = f.Varint
		case unwantFieldLength:
			m.Length = f.Varint
		}
	}
	return m, nil
}

// Request asks for a specific data entry, optionally with Merkle proof
// nodes and/or a signature hash.
type Request struct {
	Index uint64
	Bytes uint64
	Hash  bool
	Nodes uint64
}

const (
	requestFieldIndex protowire.Number = 1
	requestFieldBytes protowire.Number = 2
	requestFieldHash  protowire.Number = 3
	requestFieldNodes protowire.Number = 4
)

func (m Request) marshal() []byte {
	var buf []byte
	buf = pbwire.AppendVarint(buf, requestFieldIndex, m.Index)
	if m.Bytes != 0 {
		buf = pbwire.AppendVarint(buf, requestFieldBytes, m.Bytes)
	}
	buf = pbwire.AppendBool(buf, requestFieldHash, m.Hash)
	if m.Nodes != 0 {
		buf = pbwire.AppendVarint(buf, requestFieldNodes, m.Nodes)
	}
	return buf
}

func unmarshalRequest(raw []byte) (Request, error) {
	fields, err := pbwire.Parse(raw)
	if err != nil {
		return Request{}, err
	}
	var m Request
	for _, f := range fields {
		switch f.Num {
		case requestFieldIndex:
			m.Index = f.Varint
		case requestFieldBytes:
			m.Bytes = f.Varint
		case requestFieldHash:
			m.Hash = f.Varint != 0
		case requestFieldNodes:
			m.Nodes = f.Varint
		}
	}
	return m, nil
}

// Cancel withdraws a previously sent Request.
type Cancel struct {
	Index uint64
	Bytes uint64
	Hash  bool
}

const (
	cancelFieldIndex protowire.Number = 1
	cancelFieldBytes protowire.Number = 2
	cancelFieldHash  protowire.Number = 3
)

func (m Cancel) marshal() []byte {
	var buf []byte
	buf = pbwire.AppendVarint(buf, cancelFieldIndex, m.Index)
	if m.Bytes != 0 {
		buf = pbwire.AppendVarint(buf, cancelFieldBytes, m.Bytes)
	}
	buf = pbwire.AppendBool(buf, cancelFieldHash, m.Hash)
	return buf
}

func unmarshalCancel(raw []byte) (Cancel, error) {
	fields, err := pbwire.Parse(raw)
	if err != nil {
		return Cancel{}, err
	}
	var m Cancel
	for _, f := range fields {
		switch f.Num {
		case cancelFieldIndex:
			m.Index = f.Varint
		case cancelFieldBytes:
			m.Bytes = f.Varint
		case cancelFieldHash:
			m.Hash = f.Varint != 0
		}
	}
	return m, nil
}

// DataNode is one Merkle proof sibling carried in a Data message.
type DataNode struct {
	Index uint64
	Hash  []byte
	Size  uint64
}

const (
	dataNodeFieldIndex protowire.Number = 1
	dataNodeFieldHash  protowire.Number = 2
	dataNodeFieldSize  protowire.Number = 3
)

func (n DataNode) marshal() []byte {
	var buf []byte
	buf = pbwire.AppendVarint(buf, dataNodeFieldIndex, n.Index)
	buf = pbwire.AppendBytes(buf, dataNodeFieldHash, n.Hash)
	buf = pbwire.AppendVarint(buf, dataNodeFieldSize, n.Size)
	return buf
}

func unmarshalDataNode(raw []byte) (DataNode, error) {
	fields, err := pbwire.Parse(raw)
	if err != nil {
		return DataNode{}, err
	}
	var n DataNode
	for _, f := range fields {
		switch f.Num {
		case dataNodeFieldIndex:
			n.Index = f.Varint
		case dataNodeFieldHash:
			n.Hash = f.Bytes
		case dataNodeFieldSize:
			n.Size = f.Varint
		}
	}
	return n, nil
}

// Data carries a requested entry's bytes plus the Merkle proof nodes
// needed to authenticate it against a known root, and the Ed25519
// signature over the resulting Roots(index+1).
type Data struct {
	Index     uint64
	Value     []byte
	Nodes     []DataNode
	Signature []byte
}

const (
	dataFieldIndex     protowire.Number = 1
	dataFieldValue     protowire.Number = 2
	dataFieldNodes     protowire.Number = 3
	dataFieldSignature protowire.Number = 4
)

func (m Data) marshal() []byte {
	var buf []byte
	buf = pbwire.AppendVarint(buf, dataFieldIndex, m.Index)
	if len(m.Value) > 0 {
		buf = pbwire.AppendBytes(buf, dataFieldValue, m.Value)
	}
	for _, n := range m.Nodes {
		buf = pbwire.AppendMessage(buf, dataFieldNodes, n.marshal())
	}
	if len(m.Signature) > 0 {
		buf = pbwire.AppendBytes(buf, dataFieldSignature, m.Signature)
	}
	return buf
}

// Marshal encodes m for use as a Send payload. Exported for callers
// above this package (e.g. the synchronizer) that need to build
// messages without reaching into wire's private codec helpers.
func (m Feed) Marshal() []byte { return m.marshal() }

// Marshal encodes m for use as a Send payload.
func (m Handshake) Marshal() []byte { return m.marshal() }

// Marshal encodes m for use as a Send payload.
func (m Info) Marshal() []byte { return m.marshal() }

// Marshal encodes m for use as a Send payload.
func (m Have) Marshal() []byte { return m.marshal() }

// Marshal encodes m for use as a Send payload.
func (m Unhave) Marshal() []byte { return m.marshal() }

// Marshal encodes m for use as a Send payload.
func (m Want) Marshal() []byte { return m.marshal() }

// Marshal encodes m for use as a Send payload.
func (m Unwant) Marshal() []byte { return m.marshal() }

// Marshal encodes m for use as a Send payload.
func (m Request) Marshal() []byte { return m.marshal() }

// Marshal encodes m for use as a Send payload.
func (m Cancel) Marshal() []byte { return m.marshal() }

// Marshal encodes m for use as a Send payload.
func (m Data) Marshal() []byte { return m.marshal() }

// UnmarshalInfo decodes an Info message payload.
func UnmarshalInfo(raw []byte) (Info, error) { return unmarshalInfo(raw) }

// UnmarshalHave decodes a Have message payload.
func UnmarshalHave(raw []byte) (Have, error) { return unmarshalHave(raw) }

// UnmarshalUnhave decodes an Unhave message payload.
func UnmarshalUnhave(raw []byte) (Unhave, error) { return unmarshalUnhave(raw) }

// UnmarshalWant decodes a Want message payload.
func UnmarshalWant(raw []byte) (Want, error) { return unmarshalWant(raw) }

// UnmarshalUnwant decodes an Unwant message payload.
func UnmarshalUnwant(raw []byte) (Unwant, error) { return unmarshalUnwant(raw) }

// UnmarshalRequest decodes a Request message payload.
func UnmarshalRequest(raw []byte) (Request, error) { return unmarshalRequest(raw) }

// UnmarshalCancel decodes a Cancel message payload.
func UnmarshalCancel(raw []byte) (Cancel, error) { return unmarshalCancel(raw) }

// UnmarshalData decodes a Data message payload.
func UnmarshalData(raw []byte) (Data, error) { return unmarshalData(raw) }

// UnmarshalFeed decodes a Feed message payload.
func UnmarshalFeed(raw []byte) (Feed, error) { return unmarshalFeed(raw) }

// UnmarshalHandshake decodes a Handshake message payload.
func UnmarshalHandshake(raw []byte) (Handshake, error) { return unmarshalHandshake(raw) }

func unmarshalData(raw []byte) (Data, error) {
	fields, err := pbwire.Parse(raw)
	if err != nil {
		return Data{}, err
	}
	var m Data
	for _, f := range fields {
		switch f.Num {
		case dataFieldIndex:
			m.Index = f.Varint
		case dataFieldValue:
			m.Value = f.Bytes
		case dataFieldNodes:
			n, err := unmarshalDataNode(f.Bytes)
			if err != nil {
				return Data{}, err
			}
			m.Nodes = append(m.Nodes, n)
		case dataFieldSignature:
			m.Signature = f.Bytes
		}
	}
	return m, nil
}
