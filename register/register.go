// Copyright (c) 2019-2026 The Geniza Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package register implements the Dat-protocol append-only register: an
// ordered, append-only sequence of opaque data entries jointly
// authenticated by a single Ed25519 keypair and a binary-flat Merkle tree
// over BLAKE2b hashes (spec.md §3/§4.2).
package register

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/bnewbold/geniza/internal/logging"
	"github.com/bnewbold/geniza/metrics"
	"github.com/bnewbold/geniza/sleep"
)

// SLEEP magics and entry sizes, per spec.md §4.2/§6.
const (
	TreeMagic      uint32 = 0x05025702
	SignaturesMagic uint32 = 0x05025701
	BitfieldMagic   uint32 = 0x05025700

	signatureEntrySize = 64
	bitfieldEntrySize  = 3328
)

// Errors returned by this package, per spec.md §7.
var (
	ErrNotHeld        = errors.New("register: entry not held locally")
	ErrOutOfRange     = errors.New("register: index out of range")
	ErrReadOnly       = errors.New("register: no secret key; register is read-only")
	ErrInconsistent   = errors.New("register: tree/signature/data files inconsistent")
	ErrMissingFile    = errors.New("register: expected on-disk file missing")
	ErrBadKeyLen      = errors.New("register: key file has wrong length")
	ErrCryptoInit     = errors.New("register: keypair generation failed")
)

// VerifyError reports which data entry failed verification, and why.
type VerifyError struct {
	Index  uint64
	Reason string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("register: verify failed at entry %d: %s", e.Index, e.Reason)
}

// Register is an authenticated, append-only log: a tree store, a
// signature store, a bitfield store, a concatenated data file, and an
// Ed25519 keypair (secret key present only for a writer).
type Register struct {
	tree       *sleep.Store
	signatures *sleep.Store
	bitfield   *sleep.Store
	data       *os.File
	dataPath   string

	pub    ed25519.PublicKey
	secret ed25519.PrivateKey // nil if read-only

	log     logging.Logger
	metrics *metrics.Register
}

// Create generates a fresh Ed25519 keypair and the four SLEEP/data files
// for a new, empty register named dir/prefix.{key,secret_key,tree,
// signatures,bitfield,data}.
func Create(dir, prefix string, log logging.Logger) (*Register, error) {
	pub, secret, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoInit, err)
	}
	r, err := createEmpty(dir, prefix, pub, secret, log)
	if err != nil {
		return nil, err
	}
	r.log.Info("created register", "dir", dir, "prefix", prefix)
	return r, nil
}

// CreateForKey creates a fresh, empty, read-only register directory for
// a register whose signing key belongs to someone else: the local
// files are seeded with pub but no secret key, so the result can only
// be populated via PutVerified — this is how a downloading peer (e.g.
// package sync) mirrors a register it did not create. It is a caller
// error to request a writer register this way; use Create instead when
// the local side is expected to append.
func CreateForKey(dir, prefix string, pub ed25519.PublicKey, log logging.Logger) (*Register, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key is %d bytes", ErrBadKeyLen, len(pub))
	}
	r, err := createEmpty(dir, prefix, pub, nil, log)
	if err != nil {
		return nil, err
	}
	r.log.Info("created mirror register", "dir", dir, "prefix", prefix, "writable", false)
	return r, nil
}

// createEmpty writes the key file(s) and the four empty SLEEP/data
// stores shared by Create and CreateForKey.
func createEmpty(dir, prefix string, pub ed25519.PublicKey, secret ed25519.PrivateKey, log logging.Logger) (*Register, error) {
	log = logging.OrNoOp(log)

	keyPath := filepath.Join(dir, prefix+".key")
	if err := writeNewFile(keyPath, pub); err != nil {
		return nil, err
	}
	if secret != nil {
		secretPath := filepath.Join(dir, prefix+".secret_key")
		if err := writeNewFile(secretPath, secret); err != nil {
			return nil, err
		}
	}

	treePath := filepath.Join(dir, prefix+".tree")
	tree, err := sleep.Create(treePath, TreeMagic, treeEntrySize, "BLAKE2b")
	if err != nil {
		return nil, err
	}
	signPath := filepath.Join(dir, prefix+".signatures")
	signatures, err := sleep.Create(signPath, SignaturesMagic, signatureEntrySize, "Ed25519")
	if err != nil {
		return nil, err
	}
	bfPath := filepath.Join(dir, prefix+".bitfield")
	bitfield, err := sleep.Create(bfPath, BitfieldMagic, bitfieldEntrySize, "")
	if err != nil {
		return nil, err
	}

	dataPath := filepath.Join(dir, prefix+".data")
	dataFile, err := os.OpenFile(dataPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("register: create data file: %w", err)
	}

	r := &Register{
		tree:       tree,
		signatures: signatures,
		bitfield:   bitfield,
		data:       dataFile,
		dataPath:   dataPath,
		pub:        pub,
		secret:     secret,
		log:        log,
		metrics:    metrics.NewRegister(nil, prefix),
	}
	if err := r.check(); err != nil {
		return nil, err
	}
	return r, nil
}

func writeNewFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("register: create %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("register: write %s: %w", path, err)
	}
	return nil
}

// Open loads an existing register's keys and SLEEP stores, then runs a
// structural consistency check.
func Open(dir, prefix string, writable bool, log logging.Logger) (*Register, error) {
	log = logging.OrNoOp(log)

	pub, err := os.ReadFile(filepath.Join(dir, prefix+".key"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingFile, err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key is %d bytes", ErrBadKeyLen, len(pub))
	}

	var secret ed25519.PrivateKey
	if writable {
		secretBytes, err := os.ReadFile(filepath.Join(dir, prefix+".secret_key"))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMissingFile, err)
		}
		if len(secretBytes) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("%w: secret key is %d bytes", ErrBadKeyLen, len(secretBytes))
		}
		secret = ed25519.PrivateKey(secretBytes)
	}

	tree, err := sleep.Open(filepath.Join(dir, prefix+".tree"), writable)
	if err != nil {
		return nil, err
	}
	signatures, err := sleep.Open(filepath.Join(dir, prefix+".signatures"), writable)
	if err != nil {
		return nil, err
	}
	bitfield, err := sleep.Open(filepath.Join(dir, prefix+".bitfield"), writable)
	if err != nil {
		return nil, err
	}

	dataPath := filepath.Join(dir, prefix+".data")
	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR
	}
	dataFile, err := os.OpenFile(dataPath, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingFile, err)
	}

	r := &Register{
		tree:       tree,
		signatures: signatures,
		bitfield:   bitfield,
		data:       dataFile,
		dataPath:   dataPath,
		pub:        ed25519.PublicKey(pub),
		secret:     secret,
		log:        log,
		metrics:    metrics.NewRegister(nil, prefix),
	}
	if err := r.check(); err != nil {
		return nil, err
	}
	return r, nil
}

// Close closes all of the register's open files.
func (r *Register) Close() error {
	var firstErr error
	for _, c := range []interface{ Close() error }{r.tree, r.signatures, r.bitfield, r.data} {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// PublicKey returns the register's Ed25519 public key.
func (r *Register) PublicKey() ed25519.PublicKey { return r.pub }

// Writable reports whether this handle holds the secret key.
func (r *Register) Writable() bool { return r.secret != nil }

// Length returns the number of data entries in the register.
func (r *Register) Length() (uint64, error) {
	treeLen, err := r.tree.Length()
	if err != nil {
		return 0, err
	}
	if treeLen == 0 {
		return 0, nil
	}
	if treeLen%2 != 1 {
		return 0, fmt.Errorf("%w: tree store has even length %d", ErrInconsistent, treeLen)
	}
	return treeLen/2 + 1, nil
}

// LengthBytes returns the sum of the logical (uncompressed) sizes of all
// data entries.
func (r *Register) LengthBytes() (uint64, error) {
	n, err := r.Length()
	if err != nil {
		return 0, err
	}
	var sum uint64
	for i := uint64(0); i < n; i++ {
		node, err := r.readTreeNode(i * 2)
		if err != nil {
			return 0, err
		}
		sum += node.size
	}
	return sum, nil
}

func (r *Register) readTreeNode(treeIndex uint64) (treeNode, error) {
	raw, err := r.tree.Read(treeIndex)
	if err != nil {
		return treeNode{}, err
	}
	return decodeTreeNode(raw), nil
}

// Has reports whether this store holds data entry i. This implementation
// is dense-only (DESIGN.md, Open Question (b)): every entry below Length
// is considered held.
func (r *Register) Has(i uint64) (bool, error) {
	n, err := r.Length()
	if err != nil {
		return false, err
	}
	return i < n, nil
}

// HasRange reports whether every entry in [start, end) is held. An empty
// range (start >= end) reports false.
func (r *Register) HasRange(start, end uint64) (bool, error) {
	n, err := r.Length()
	if err != nil {
		return false, err
	}
	return start < end && end <= n, nil
}

// HasAll reports whether every known entry is held.
func (r *Register) HasAll() (bool, error) {
	n, err := r.Length()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return true, nil
	}
	return r.HasRange(0, n)
}

// dataOffset returns the byte offset in the data file of entry index,
// as the sum of the leaf sizes of entries [0, index).
// TODO: this is linear in index; walking the root-node chain would make
// it logarithmic, at the cost of losing the bounds check against a
// corrupt tree that the linear scan gives for free.
func (r *Register) dataOffset(index uint64) (uint64, error) {
	var sum uint64
	for i := uint64(0); i < index; i++ {
		node, err := r.readTreeNode(i * 2)
		if err != nil {
			return 0, err
		}
		sum += node.size
	}
	return sum, nil
}

// GetDataEntry reads data entry i's raw bytes.
func (r *Register) GetDataEntry(i uint64) ([]byte, error) {
	held, err := r.Has(i)
	if err != nil {
		return nil, err
	}
	if !held {
		return nil, fmt.Errorf("%w: entry %d", ErrNotHeld, i)
	}
	leaf, err := r.readTreeNode(i * 2)
	if err != nil {
		return nil, err
	}
	off, err := r.dataOffset(i)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, leaf.size)
	if _, err := r.data.ReadAt(buf, int64(off)); err != nil {
		return nil, fmt.Errorf("register: read data entry %d: %w", i, err)
	}
	return buf, nil
}

// GetTreeEntry returns the raw 40-byte tree entry at tree index i (not a
// data index — data entry k lives at tree index 2k).
func (r *Register) GetTreeEntry(i uint64) ([]byte, error) {
	raw, err := r.tree.Read(i)
	if err != nil {
		return nil, fmt.Errorf("%w: tree index %d: %v", ErrOutOfRange, i, err)
	}
	return raw, nil
}

// Append appends data as a new data entry, updating the Merkle tree and
// signature chain before returning. Every sub-step of spec.md §4.2
// except the bitfield update (this register is dense-only and never
// writes its bitfield file) completes, and the data file is fsynced,
// before Append returns
// successfully; on error the register is left either unchanged or with
// harmless unreferenced trailing tree/data bytes that check() will flag
// (spec.md §5).
func (r *Register) Append(data []byte) (uint64, error) {
	if r.secret == nil {
		return 0, ErrReadOnly
	}
	start := time.Now()

	index, err := r.Length()
	if err != nil {
		return 0, err
	}

	// 1. Hash the leaf and write the tree entry.
	leaf := hashLeaf(data)
	if err := r.tree.Write(index*2, leaf.encode()); err != nil {
		return 0, err
	}

	// 2. Append to the data file and fsync.
	if _, err := r.data.WriteAt(data, int64(mustOffset(r, index))); err != nil {
		return 0, fmt.Errorf("register: write data entry %d: %w", index, err)
	}
	if err := r.data.Sync(); err != nil {
		return 0, fmt.Errorf("register: fsync data file: %w", err)
	}

	// 3. Walk parents upward, hashing newly-complete subtrees.
	parent := treeParentIndex(index * 2)
	for parent < index*2 {
		left, right, ok := treeChildIndices(parent)
		if !ok {
			return 0, fmt.Errorf("%w: parent %d has no children", ErrInconsistent, parent)
		}
		lNode, err := r.readTreeNode(left)
		if err != nil {
			return 0, err
		}
		rNode, err := r.readTreeNode(right)
		if err != nil {
			return 0, err
		}
		pNode := hashParent(lNode, rNode)
		if err := r.tree.Write(parent, pNode.encode()); err != nil {
			return 0, err
		}
		parent = treeParentIndex(parent)
	}

	// 4. Sign Roots(index+1) and append to the signature store.
	roots, err := hashRoots(index+1, r.readTreeNode)
	if err != nil {
		return 0, err
	}
	sig := ed25519.Sign(r.secret, roots[:])
	if _, err := r.signatures.Append(sig); err != nil {
		return 0, err
	}

	r.metrics.Appends.Inc()
	r.metrics.AppendSeconds.Observe(time.Since(start).Seconds())
	r.metrics.Entries.Set(float64(index + 1))
	r.log.Debug("appended entry", "index", index, "bytes", len(data))
	return index, nil
}

// mustOffset computes the byte offset for a just-about-to-be-written
// entry index: the sum of all prior leaf sizes, i.e. the current data
// file length (since entries are always written contiguously).
func mustOffset(r *Register, index uint64) uint64 {
	off, err := r.dataOffset(index)
	if err != nil {
		// dataOffset can only fail on a corrupt tree file, which check()
		// would already have caught when the register was opened/created.
		panic(err)
	}
	return off
}

// Verify recomputes every leaf hash and root signature and compares them
// against what is stored on disk, failing fast on the first mismatch.
func (r *Register) Verify() error {
	n, err := r.Length()
	if err != nil {
		return err
	}
	for i := uint64(0); i < n; i++ {
		data, err := r.GetDataEntry(i)
		if err != nil {
			return err
		}
		want := hashLeaf(data)
		got, err := r.readTreeNode(i * 2)
		if err != nil {
			return err
		}
		if want.hash != got.hash || want.size != got.size {
			r.metrics.VerifyFailures.Inc()
			return &VerifyError{Index: i, Reason: "leaf hash mismatch"}
		}

		roots, err := hashRoots(i+1, r.readTreeNode)
		if err != nil {
			return err
		}
		sig, err := r.signatures.Read(i)
		if err != nil {
			return err
		}
		if !ed25519.Verify(r.pub, roots[:], sig) {
			r.metrics.VerifyFailures.Inc()
			return &VerifyError{Index: i, Reason: "signature verification failed"}
		}
	}
	return nil
}

// check performs the quick structural sanity check described in
// spec.md §4.2: tree_len == 2*sig_len-1 (or both zero), and the data
// file's size equals the sum of declared leaf sizes.
func (r *Register) check() error {
	treeLen, err := r.tree.Length()
	if err != nil {
		return err
	}
	sigLen, err := r.signatures.Length()
	if err != nil {
		return err
	}
	if treeLen == 0 && sigLen == 0 {
		return nil
	}
	if treeLen != 2*sigLen-1 {
		return fmt.Errorf("%w: tree length %d != 2*%d-1", ErrInconsistent, treeLen, sigLen)
	}
	computed, err := r.LengthBytes()
	if err != nil {
		return err
	}
	fi, err := r.data.Stat()
	if err != nil {
		return fmt.Errorf("register: stat data file: %w", err)
	}
	if uint64(fi.Size()) != computed {
		return fmt.Errorf("%w: data file is %d bytes, tree declares %d", ErrInconsistent, fi.Size(), computed)
	}
	return nil
}

// Check exposes the structural consistency check for callers (e.g. a
// synchronizer) that want to re-validate a register handle without a
// full Verify.
func (r *Register) Check() error { return r.check() }

// DiscoveryKey returns the BLAKE2b-keyed hash of "hypercore" under the
// register's public key: a non-secret rendezvous token for this
// register, per spec.md §6.
func (r *Register) DiscoveryKey() [32]byte {
	return DiscoveryKeyFor(r.pub)
}

// DiscoveryKeyFor computes the discovery key for an arbitrary public key,
// for use by a reader that hasn't opened the register itself (e.g. a
// wire-protocol client dialing a known key).
func DiscoveryKeyFor(pub ed25519.PublicKey) [32]byte {
	h, err := blake2b.New256(pub)
	if err != nil {
		panic(err) // blake2b.New256 only errors on an oversized key
	}
	h.Write([]byte("hypercore"))
	var out [32]byte
	h.Sum(out[:0])
	return out
}
