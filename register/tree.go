// Copyright (c) 2019-2026 The Geniza Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package register

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

// treeEntrySize is the fixed size of a tree SLEEP entry: a 32-byte BLAKE2b
// digest followed by an 8-byte big-endian subtree byte-size.
const treeEntrySize = 40

// treeNode is the decoded form of one 40-byte tree entry.
type treeNode struct {
	hash [32]byte
	size uint64
}

func decodeTreeNode(raw []byte) treeNode {
	var n treeNode
	copy(n.hash[:], raw[0:32])
	n.size = binary.BigEndian.Uint64(raw[32:40])
	return n
}

func (n treeNode) encode() []byte {
	buf := make([]byte, treeEntrySize)
	copy(buf[0:32], n.hash[:])
	binary.BigEndian.PutUint64(buf[32:40], n.size)
	return buf
}

// hashLeaf computes Leaf(data) = BLAKE2b(0x00 || uint64_be(len(data)) ||
// data), per spec.md §3.
func hashLeaf(data []byte) treeNode {
	var sizeBuf [8]byte
	binary.BigEndian.PutUint64(sizeBuf[:], uint64(len(data)))

	h, _ := blake2b.New256(nil)
	h.Write([]byte{0x00})
	h.Write(sizeBuf[:])
	h.Write(data)

	var n treeNode
	h.Sum(n.hash[:0])
	n.size = uint64(len(data))
	return n
}

// hashParent computes Parent(L, R) = BLAKE2b(0x01 || uint64_be(L.size +
// R.size) || L.hash || R.hash), per spec.md §3.
func hashParent(left, right treeNode) treeNode {
	combined := left.size + right.size
	var sizeBuf [8]byte
	binary.BigEndian.PutUint64(sizeBuf[:], combined)

	h, _ := blake2b.New256(nil)
	h.Write([]byte{0x01})
	h.Write(sizeBuf[:])
	h.Write(left.hash[:])
	h.Write(right.hash[:])

	var n treeNode
	h.Sum(n.hash[:0])
	n.size = combined
	return n
}

// hashRoots computes Roots(L) over the root nodes of a tree of L data
// entries, per spec.md §3. getNode fetches a tree entry by tree index.
func hashRoots(length uint64, getNode func(idx uint64) (treeNode, error)) ([32]byte, error) {
	h, _ := blake2b.New256(nil)
	h.Write([]byte{0x02})

	var idxBuf, sizeBuf [8]byte
	for _, r := range treeRootNodes(length) {
		node, err := getNode(r)
		if err != nil {
			return [32]byte{}, err
		}
		h.Write(node.hash[:])
		binary.BigEndian.PutUint64(idxBuf[:], r)
		h.Write(idxBuf[:])
		binary.BigEndian.PutUint64(sizeBuf[:], node.size)
		h.Write(sizeBuf[:])
	}
	var out [32]byte
	h.Sum(out[:0])
	return out, nil
}

// rootSpan describes one root node's coverage: its flat tree index and
// the number of leaves (data entries) in its subtree.
type rootSpan struct {
	index uint64
	width uint64
}

// treeRootSpans returns the root nodes covering dataCount data entries,
// per spec.md §3/§8, along with each root's subtree width — the extra
// width is what proof.go needs to tell whether a given leaf falls under
// a given root without re-walking the tree.
func treeRootSpans(dataCount uint64) []rootSpan {
	if dataCount == 0 {
		return nil
	}

	var components []uint64
	for x := uint(0); (uint64(1) << x) <= dataCount; x++ {
		bit := uint64(1) << x
		if dataCount&bit != 0 {
			components = append(components, bit)
		}
	}
	// components were accumulated low bit to high bit; spec.md's roots
	// are ordered from the largest (earliest) subtree to the smallest.
	for i, j := 0, len(components)-1; i < j; i, j = i+1, j-1 {
		components[i], components[j] = components[j], components[i]
	}

	var spans []rootSpan
	var accum uint64
	for _, x := range components {
		spans = append(spans, rootSpan{index: accum + (x - 1), width: x})
		accum += 2 * x
	}
	return spans
}

// treeRootNodes returns just the flat tree indices from treeRootSpans.
// Concrete values are verified by TestTreeRootNodes against the table
// in spec.md §8.
func treeRootNodes(dataCount uint64) []uint64 {
	spans := treeRootSpans(dataCount)
	if spans == nil {
		return nil
	}
	out := make([]uint64, len(spans))
	for i, s := range spans {
		out[i] = s.index
	}
	return out
}

// treeParentIndex returns the binary-flat parent of tree index i: set the
// lowest zero bit, clear the next one up. Per spec.md §3.
func treeParentIndex(i uint64) uint64 {
	for b := uint(0); b < 63; b++ {
		if i&(1<<b) == 0 {
			return (i | (1 << b)) &^ (1 << (b + 1))
		}
	}
	panic("register: tree parent lookup overflowed")
}

// treeChildIndices returns the (left, right) children of internal tree
// node i. Calling this on a leaf (even i) is an error.
func treeChildIndices(i uint64) (left, right uint64, ok bool) {
	if i%2 == 0 {
		return 0, 0, false
	}
	for b := uint(0); b < 63; b++ {
		if i&(1<<b) == 0 {
			right = (i | (1 << b)) &^ (1 << (b - 1))
			left = i &^ (1 << (b - 1))
			return left, right, true
		}
	}
	return 0, 0, false
}
