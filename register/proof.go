// Copyright (c) 2019-2026 The Geniza Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package register

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"sort"

	"golang.org/x/crypto/blake2b"
)

// Node is one Merkle proof element: a tree node's flat index, hash, and
// subtree byte size — enough for a peer holding only a leaf's data to
// recompute Roots(index+1) and check it against a signature, without
// holding the tree itself (spec.md §4.4 Request/Data "nodes" field).
type Node struct {
	Index uint64
	Hash  [32]byte
	Size  uint64
}

// treeSibling returns the sibling of tree index i: the other child of
// i's parent.
func treeSibling(i uint64) uint64 {
	parent := treeParentIndex(i)
	left, right, _ := treeChildIndices(parent)
	if left == i {
		return right
	}
	return left
}

// Signature returns the stored Ed25519 signature over Roots(index+1)
// for data entry index.
func (r *Register) Signature(index uint64) ([]byte, error) {
	held, err := r.Has(index)
	if err != nil {
		return nil, err
	}
	if !held {
		return nil, fmt.Errorf("%w: entry %d", ErrNotHeld, index)
	}
	return r.signatures.Read(index)
}

// Proof returns the Merkle proof nodes for data entry index: the
// sibling hash at every level from the entry's leaf up to the root of
// the subtree that covers it (as of Roots(index+1)), followed by the
// hash/size of every other root node in that same root set. A peer
// holding only entry index's raw bytes, this proof, and the register's
// public key can verify the entry via VerifyProof without ever seeing
// the tree file.
func (r *Register) Proof(index uint64) ([]Node, error) {
	length, err := r.Length()
	if err != nil {
		return nil, err
	}
	if index >= length {
		return nil, fmt.Errorf("%w: entry %d", ErrOutOfRange, index)
	}

	spans := treeRootSpans(index + 1)
	leafIdx := index * 2

	var covering rootSpan
	found := false
	for _, s := range spans {
		lo := s.index - (s.width - 1)
		hi := s.index + (s.width - 1)
		if leafIdx >= lo && leafIdx <= hi {
			covering = s
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: no root covers entry %d", ErrInconsistent, index)
	}

	var nodes []Node
	cur := leafIdx
	for cur != covering.index {
		sib := treeSibling(cur)
		n, err := r.readTreeNode(sib)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, Node{Index: sib, Hash: n.hash, Size: n.size})
		cur = treeParentIndex(cur)
	}

	for _, s := range spans {
		if s.index == covering.index {
			continue
		}
		n, err := r.readTreeNode(s.index)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, Node{Index: s.index, Hash: n.hash, Size: n.size})
	}
	return nodes, nil
}

// VerifyProof checks that data is genuinely entry index of the register
// identified by pub, given the proof nodes and the Ed25519 signature
// claimed to cover Roots(index+1). It never touches a Register value:
// a reader with no local tree file can verify a peer's Data message
// with this alone.
func VerifyProof(pub ed25519.PublicKey, index uint64, data []byte, nodes []Node, signature []byte) error {
	cur := hashLeaf(data)
	curIdx := index * 2

	i := 0
	for i < len(nodes) && nodes[i].Index == treeSibling(curIdx) {
		sib := treeNode{hash: nodes[i].Hash, size: nodes[i].Size}
		parentIdx := treeParentIndex(curIdx)
		left, _, _ := treeChildIndices(parentIdx)
		if left == curIdx {
			cur = hashParent(cur, sib)
		} else {
			cur = hashParent(sib, cur)
		}
		curIdx = parentIdx
		i++
	}

	type rootEntry struct {
		index uint64
		node  treeNode
	}
	roots := []rootEntry{{curIdx, cur}}
	for ; i < len(nodes); i++ {
		roots = append(roots, rootEntry{nodes[i].Index, treeNode{hash: nodes[i].Hash, size: nodes[i].Size}})
	}
	sort.Slice(roots, func(a, b int) bool { return roots[a].index < roots[b].index })

	h, _ := blake2b.New256(nil)
	h.Write([]byte{0x02})
	var idxBuf, sizeBuf [8]byte
	for _, r := range roots {
		h.Write(r.node.hash[:])
		binary.BigEndian.PutUint64(idxBuf[:], r.index)
		h.Write(idxBuf[:])
		binary.BigEndian.PutUint64(sizeBuf[:], r.node.size)
		h.Write(sizeBuf[:])
	}
	var rootsHash [32]byte
	h.Sum(rootsHash[:0])

	if !ed25519.Verify(pub, rootsHash[:], signature) {
		return fmt.Errorf("%w: signature verification failed for entry %d", ErrInconsistent, index)
	}
	return nil
}

// PutVerified stores data as entry index of this register on behalf of
// a remote peer identified by pub, without using this register's own
// secret key: it is how a downloading peer mirrors a register it does
// not hold the signing key for. index must equal the register's current
// Length() — this dense implementation has no notion of a sparse,
// out-of-order hole (DESIGN.md, Open Question (b)).
//
// Unlike Append, PutVerified never computes its own signature: it
// trusts signature once VerifyProof confirms it is a genuine signature
// by pub over Roots(index+1), and stores it verbatim. Every other step
// — leaf hash, data bytes, upward parent hashing — is identical to
// Append, since once this register holds every leaf of a subtree it
// can always recompute that subtree's internal nodes itself rather
// than trusting a peer's claimed intermediate hashes.
func (r *Register) PutVerified(pub ed25519.PublicKey, index uint64, data []byte, proofNodes []Node, signature []byte) error {
	length, err := r.Length()
	if err != nil {
		return err
	}
	if index != length {
		return fmt.Errorf("%w: entry %d is not the next expected entry %d", ErrInconsistent, index, length)
	}
	if err := VerifyProof(pub, index, data, proofNodes, signature); err != nil {
		return err
	}

	leaf := hashLeaf(data)
	if err := r.tree.Write(index*2, leaf.encode()); err != nil {
		return err
	}
	if _, err := r.data.WriteAt(data, int64(mustOffset(r, index))); err != nil {
		return fmt.Errorf("register: write data entry %d: %w", index, err)
	}
	if err := r.data.Sync(); err != nil {
		return fmt.Errorf("register: fsync data file: %w", err)
	}

	parent := treeParentIndex(index * 2)
	for parent < index*2 {
		left, right, ok := treeChildIndices(parent)
		if !ok {
			return fmt.Errorf("%w: parent %d has no children", ErrInconsistent, parent)
		}
		lNode, err := r.readTreeNode(left)
		if err != nil {
			return err
		}
		rNode, err := r.readTreeNode(right)
		if err != nil {
			return err
		}
		pNode := hashParent(lNode, rNode)
		if err := r.tree.Write(parent, pNode.encode()); err != nil {
			return err
		}
		parent = treeParentIndex(parent)
	}

	if _, err := r.signatures.Append(signature); err != nil {
		return err
	}

	r.metrics.Appends.Inc()
	r.metrics.Entries.Set(float64(index + 1))
	r.log.Debug("stored verified entry", "index", index, "bytes", len(data))
	return nil
}
