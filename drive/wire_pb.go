// Copyright (c) 2019-2026 The Geniza Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package drive

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/bnewbold/geniza/internal/pbwire"
)

// Field numbers for the Index, Node and Stat records (spec.md §3).
// These are the on-the-wire contract between peers, so once chosen
// they must never be renumbered.
const (
	indexFieldType    protowire.Number = 1
	indexFieldContent protowire.Number = 2

	nodeFieldName  protowire.Number = 1
	nodeFieldValue protowire.Number = 2
	nodeFieldPaths protowire.Number = 3

	statFieldMode       protowire.Number = 1
	statFieldUID        protowire.Number = 2
	statFieldGID        protowire.Number = 3
	statFieldSize       protowire.Number = 4
	statFieldBlocks     protowire.Number = 5
	statFieldOffset     protowire.Number = 6
	statFieldByteOffset protowire.Number = 7
	statFieldMtime      protowire.Number = 8
	statFieldCtime      protowire.Number = 9
)

// hyperdriveType is the required Index.type value for a drive's first
// metadata entry.
const hyperdriveType = "hyperdrive"

// Index is the metadata register's mandatory entry 0.
type Index struct {
	Type    string
	Content []byte // content register's public key
}

func (idx Index) marshal() []byte {
	var buf []byte
	buf = pbwire.AppendString(buf, indexFieldType, idx.Type)
	buf = pbwire.AppendBytes(buf, indexFieldContent, idx.Content)
	return buf
}

func unmarshalIndex(raw []byte) (Index, error) {
	fields, err := pbwire.Parse(raw)
	if err != nil {
		return Index{}, err
	}
	var idx Index
	var haveType, haveContent bool
	for _, f := range fields {
		switch f.Num {
		case indexFieldType:
			idx.Type = string(f.Bytes)
			haveType = true
		case indexFieldContent:
			idx.Content = f.Bytes
			haveContent = true
		}
	}
	if !haveType || !haveContent {
		return Index{}, pbwire.ErrMissingRequired
	}
	return idx, nil
}

// Stat holds the metadata the drive keeps about a live file: OS-style
// attributes plus the content register range backing its bytes.
type Stat struct {
	Mode uint32
	UID  uint32
	GID  uint32

	Size       uint64
	Blocks     uint64
	Offset     uint64
	ByteOffset uint64
	Mtime      uint64
	Ctime      uint64
}

func (s *Stat) marshal() []byte {
	if s == nil {
		return nil
	}
	var buf []byte
	buf = pbwire.AppendVarint(buf, statFieldMode, uint64(s.Mode))
	buf = pbwire.AppendVarint(buf, statFieldUID, uint64(s.UID))
	buf = pbwire.AppendVarint(buf, statFieldGID, uint64(s.GID))
	buf = pbwire.AppendVarint(buf, statFieldSize, s.Size)
	buf = pbwire.AppendVarint(buf, statFieldBlocks, s.Blocks)
	buf = pbwire.AppendVarint(buf, statFieldOffset, s.Offset)
	buf = pbwire.AppendVarint(buf, statFieldByteOffset, s.ByteOffset)
	buf = pbwire.AppendVarint(buf, statFieldMtime, s.Mtime)
	buf = pbwire.AppendVarint(buf, statFieldCtime, s.Ctime)
	return buf
}

func unmarshalStat(raw []byte) (*Stat, error) {
	fields, err := pbwire.Parse(raw)
	if err != nil {
		return nil, err
	}
	s := &Stat{}
	for _, f := range fields {
		switch f.Num {
		case statFieldMode:
			s.Mode = uint32(f.Varint)
		case statFieldUID:
			s.UID = uint32(f.Varint)
		case statFieldGID:
			s.GID = uint32(f.Varint)
		case statFieldSize:
			s.Size = f.Varint
		case statFieldBlocks:
			s.Blocks = f.Varint
		case statFieldOffset:
			s.Offset = f.Varint
		case statFieldByteOffset:
			s.ByteOffset = f.Varint
		case statFieldMtime:
			s.Mtime = f.Varint
		case statFieldCtime:
			s.Ctime = f.Varint
		}
	}
	return s, nil
}

// wireNode is the on-wire shape of a metadata entry: Node{name, value?,
// paths}. value is nil for a deletion.
type wireNode struct {
	Name  string
	Value *Stat
	Paths []byte
}

func (n wireNode) marshal() []byte {
	var buf []byte
	buf = pbwire.AppendString(buf, nodeFieldName, n.Name)
	if n.Value != nil {
		buf = pbwire.AppendMessage(buf, nodeFieldValue, n.Value.marshal())
	}
	buf = pbwire.AppendBytes(buf, nodeFieldPaths, n.Paths)
	return buf
}

func unmarshalNode(raw []byte) (wireNode, error) {
	fields, err := pbwire.Parse(raw)
	if err != nil {
		return wireNode{}, err
	}
	var n wireNode
	var haveName bool
	for _, f := range fields {
		switch f.Num {
		case nodeFieldName:
			n.Name = string(f.Bytes)
			haveName = true
		case nodeFieldValue:
			st, err := unmarshalStat(f.Bytes)
			if err != nil {
				return wireNode{}, err
			}
			n.Value = st
		case nodeFieldPaths:
			n.Paths = f.Bytes
		}
	}
	if !haveName {
		return wireNode{}, pbwire.ErrMissingRequired
	}
	return n, nil
}

var errNotProtobuf = errors.New("drive: entry is not a valid Node record")

// ParseIndex decodes a metadata register's entry-0 payload, as received
// over the wire before any local register file backs it (spec.md §3's
// `Index{type:"hyperdrive", content:<content public key>}`, or type
// "hyperdrive+zstd" for a drive created WithCompression). Exported
// for a synchronizer that needs to learn a drive's content register key
// from a peer's first Data message on the metadata feed, per
// SPEC_FULL.md §C.3.
func ParseIndex(raw []byte) (Index, error) {
	idx, err := unmarshalIndex(raw)
	if err != nil {
		return Index{}, err
	}
	if idx.Type != hyperdriveType && idx.Type != hyperdriveCompressedType {
		return Index{}, fmt.Errorf("drive: index has non-hyperdrive type %q", idx.Type)
	}
	if len(idx.Content) != ed25519.PublicKeySize {
		return Index{}, fmt.Errorf("drive: index content key is %d bytes", len(idx.Content))
	}
	return idx, nil
}
