// Copyright (c) 2019-2026 The Geniza Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package drive composes a pair of registers — metadata and content —
// into a versioned filesystem: lookup, directory listing, history, and
// whole-file mutation on top of the append-only log primitives in
// package register.
package drive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bnewbold/geniza/config"
	"github.com/bnewbold/geniza/internal/logging"
	"github.com/bnewbold/geniza/register"
)

var (
	// ErrNotFound is returned when a path has no live (non-deleted) entry.
	ErrNotFound = errors.New("drive: path not found")
	// ErrSameSelf is returned by CopyFile when from == to.
	ErrSameSelf = errors.New("drive: copy source and destination are identical")
)

// DriveEntry is the decoded form of one metadata log entry: a path, an
// optional Stat (absent means this entry deletes the path), and the
// entry's child-index table.
type DriveEntry struct {
	Index    uint64
	Path     string
	Stat     *Stat
	children childTable
}

// Deleted reports whether this entry represents a deletion of Path.
func (e DriveEntry) Deleted() bool { return e.Stat == nil }

// Drive is a metadata+content register pair implementing a versioned,
// content-addressed filesystem (spec.md §3).
type Drive struct {
	metadata *register.Register
	content  *register.Register
	cfg      config.Config
	log      logging.Logger
	codec    codec
}

// hyperdriveCompressedType marks a drive whose content-register chunks
// are zstd-compressed on disk (SPEC_FULL.md §C.1). It is carried in
// Index.Type instead of a new field so the Index record's wire shape
// stays exactly `{type, content}` per spec.md §3.
const hyperdriveCompressedType = "hyperdrive+zstd"

// Create initializes a fresh drive under dir, writing the mandatory
// Index entry. The metadata register's files are placed in the
// subdirectory dir/metadata/ and the content register's in
// dir/content/, not directly in dir.
func Create(dir string, cfg config.Config, log logging.Logger, opts ...CreateOption) (*Drive, error) {
	log = logging.OrNoOp(log)
	var o createOpts
	for _, opt := range opts {
		opt(&o)
	}

	metaDir := filepath.Join(dir, "metadata")
	contentDir := filepath.Join(dir, "content")
	if err := os.MkdirAll(metaDir, 0o755); err != nil {
		return nil, fmt.Errorf("drive: create metadata dir: %w", err)
	}
	if err := os.MkdirAll(contentDir, 0o755); err != nil {
		return nil, fmt.Errorf("drive: create content dir: %w", err)
	}

	content, err := register.Create(contentDir, "content", log)
	if err != nil {
		return nil, fmt.Errorf("drive: create content register: %w", err)
	}
	metadata, err := register.Create(metaDir, "metadata", log)
	if err != nil {
		content.Close()
		return nil, fmt.Errorf("drive: create metadata register: %w", err)
	}

	idxType := hyperdriveType
	if o.compress {
		idxType = hyperdriveCompressedType
	}
	idx := Index{Type: idxType, Content: content.PublicKey()}
	if _, err := metadata.Append(idx.marshal()); err != nil {
		metadata.Close()
		content.Close()
		return nil, fmt.Errorf("drive: write index entry: %w", err)
	}

	return &Drive{metadata: metadata, content: content, cfg: cfg, log: log, codec: codec{enabled: o.compress}}, nil
}

// Open loads an existing drive. writable requires both registers'
// secret keys to be present.
func Open(dir string, writable bool, cfg config.Config, log logging.Logger) (*Drive, error) {
	log = logging.OrNoOp(log)

	metadata, err := register.Open(filepath.Join(dir, "metadata"), "metadata", writable, log)
	if err != nil {
		return nil, fmt.Errorf("drive: open metadata register: %w", err)
	}
	n, err := metadata.Length()
	if err != nil {
		metadata.Close()
		return nil, err
	}
	if n == 0 {
		metadata.Close()
		return nil, errors.New("drive: metadata register has no Index entry")
	}
	raw, err := metadata.GetDataEntry(0)
	if err != nil {
		metadata.Close()
		return nil, fmt.Errorf("drive: read index entry: %w", err)
	}
	idx, err := unmarshalIndex(raw)
	if err != nil {
		metadata.Close()
		return nil, fmt.Errorf("drive: decode index entry: %w", err)
	}
	var compressed bool
	switch idx.Type {
	case hyperdriveType:
	case hyperdriveCompressedType:
		compressed = true
	default:
		metadata.Close()
		return nil, fmt.Errorf("drive: unexpected index type %q", idx.Type)
	}

	content, err := register.Open(filepath.Join(dir, "content"), "content", writable, log)
	if err != nil {
		metadata.Close()
		return nil, fmt.Errorf("drive: open content register: %w", err)
	}

	return &Drive{metadata: metadata, content: content, cfg: cfg, log: log, codec: codec{enabled: compressed}}, nil
}

// Metadata returns the drive's metadata register, for callers (e.g. a
// synchronizer) that need to drive register-level replication directly.
func (d *Drive) Metadata() *register.Register { return d.metadata }

// Content returns the drive's content register.
func (d *Drive) Content() *register.Register { return d.content }

// Close releases both underlying registers.
func (d *Drive) Close() error {
	err1 := d.metadata.Close()
	err2 := d.content.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Verify checks both registers' Merkle/signature chains.
func (d *Drive) Verify() error {
	if err := d.metadata.Verify(); err != nil {
		return fmt.Errorf("drive: metadata: %w", err)
	}
	if err := d.content.Verify(); err != nil {
		return fmt.Errorf("drive: content: %w", err)
	}
	return nil
}

// EntryCount is the number of drive entries (metadata entries beyond
// the leading Index record).
func (d *Drive) EntryCount() (uint64, error) {
	n, err := d.metadata.Length()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	return n - 1, nil
}

// getEntry decodes metadata entry at drive index idx (idx ≥ 1).
func (d *Drive) getEntry(idx uint64) (DriveEntry, error) {
	raw, err := d.metadata.GetDataEntry(idx)
	if err != nil {
		return DriveEntry{}, err
	}
	n, err := unmarshalNode(raw)
	if err != nil {
		return DriveEntry{}, fmt.Errorf("%w: entry %d: %v", errNotProtobuf, idx, err)
	}
	table, err := decodeChildTable(n.Paths, depth(n.Name), idx)
	if err != nil {
		return DriveEntry{}, err
	}
	return DriveEntry{Index: idx, Path: n.Name, Stat: n.Value, children: table}, nil
}

// tail returns the most recently appended drive entry, or ok=false for
// an empty drive.
func (d *Drive) tail() (DriveEntry, bool, error) {
	count, err := d.EntryCount()
	if err != nil || count == 0 {
		return DriveEntry{}, false, err
	}
	e, err := d.getEntry(count)
	if err != nil {
		return DriveEntry{}, false, err
	}
	return e, true, nil
}

// GetNearest implements get_nearest(path) (spec.md §4.3): the entry
// sharing the longest path-component prefix with path, most recent
// among ties.
func (d *Drive) GetNearest(path string) (DriveEntry, bool, error) {
	if err := validatePath(path); err != nil {
		return DriveEntry{}, false, err
	}

	cur, ok, err := d.tail()
	if err != nil || !ok {
		return DriveEntry{}, ok, err
	}
	c := lcp(path, cur.Path)
	if hasPrefix(cur.Path, path) {
		return cur, true, nil
	}

	for {
		row := c - 1
		if row < 0 || row >= len(cur.children) {
			return cur, true, nil
		}
		candidates := cur.children[row]
		improved := false
		for i := len(candidates) - 1; i >= 0; i-- {
			cand, err := d.getEntry(candidates[i])
			if err != nil {
				return DriveEntry{}, false, err
			}
			if hasPrefix(cand.Path, path) {
				return cand, true, nil
			}
			cp := lcp(path, cand.Path)
			if cp > c {
				cur, c = cand, cp
				improved = true
				break
			}
		}
		if !improved {
			return cur, true, nil
		}
	}
}

// hasPrefix reports whether path equals prefix or lies beneath it by
// whole path components, not merely a character prefix: "/foobar" is
// not under "/foo", only "/foo" and "/foo/..." are; every path is
// under "/".
func hasPrefix(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, strings.TrimSuffix(prefix, "/")+"/")
}

// newChildTable builds the child-index table for a fresh entry at path
// P (length d) with index i, per the construction algorithm in
// spec.md §4.3. A deletion passes removing=true, which builds the same
// rows but leaves i out of every row instead of appending it.
func (d *Drive) newChildTable(path string, i uint64, removing bool) (childTable, error) {
	dcount := depth(path)
	table := make(childTable, dcount)

	for j := 0; j < dcount; j++ {
		prefix := pathPrefix(path, j)
		nearest, ok, err := d.GetNearest(prefix)
		if err != nil {
			return nil, err
		}
		if !ok {
			if !removing {
				table[j] = []uint64{i}
			}
			continue
		}
		c := lcp(path, nearest.Path)
		if c <= j {
			for k := j; k < dcount; k++ {
				if !removing {
					table[k] = []uint64{i}
				}
			}
			break
		}
		for k := j; k < c && k < dcount; k++ {
			row := append([]uint64(nil), nearest.children[k]...)
			if k+1 < c {
				row = removeIndex(row, nearest.Index)
			}
			if !removing {
				row = append(row, i)
			}
			table[k] = row
		}
		j = c - 1 // loop increments back to c
	}
	return table, nil
}

func removeIndex(row []uint64, idx uint64) []uint64 {
	out := row[:0:0]
	for _, v := range row {
		if v != idx {
			out = append(out, v)
		}
	}
	return out
}

// pathPrefix returns the path formed by the first n components of
// path (path must be absolute).
func pathPrefix(path string, n int) string {
	parts := rawParts(path)
	if n+1 > len(parts) {
		n = len(parts) - 1
	}
	if n <= 0 {
		return "/"
	}
	out := ""
	for i := 1; i <= n; i++ {
		out += "/" + parts[i]
	}
	return out
}

// appendNode writes a new metadata entry for path, with the given
// Stat (nil for a deletion), computing its child table.
func (d *Drive) appendNode(path string, stat *Stat) (uint64, error) {
	count, err := d.EntryCount()
	if err != nil {
		return 0, err
	}
	nextIndex := count + 1

	table, err := d.newChildTable(path, nextIndex, stat == nil)
	if err != nil {
		return 0, err
	}
	node := wireNode{Name: path, Value: stat, Paths: encodeChildTable(table, nextIndex)}
	if _, err := d.metadata.Append(node.marshal()); err != nil {
		return 0, err
	}
	return nextIndex, nil
}

// FileMetadata implements file_metadata(path).
func (d *Drive) FileMetadata(path string) (DriveEntry, error) {
	e, ok, err := d.GetNearest(path)
	if err != nil {
		return DriveEntry{}, err
	}
	if !ok || e.Path != path || e.Stat == nil {
		return DriveEntry{}, ErrNotFound
	}
	return e, nil
}

// ReadFileBytes implements read_file_bytes(path).
func (d *Drive) ReadFileBytes(path string) ([]byte, error) {
	e, err := d.FileMetadata(path)
	if err != nil {
		return nil, err
	}
	return d.readContentRange(e.Stat)
}

func (d *Drive) readContentRange(st *Stat) ([]byte, error) {
	out := make([]byte, 0, st.Size)
	for i := uint64(0); i < st.Blocks; i++ {
		chunk, err := d.content.GetDataEntry(st.Offset + i)
		if err != nil {
			return nil, err
		}
		chunk, err = d.codec.decode(chunk)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	return out, nil
}

// AddFile implements add_file(path, stat, reader): stream r's bytes
// into the content register in chunk-sized blocks, filling in the
// size/blocks/offset fields of stat, then append the metadata record.
func (d *Drive) AddFile(path string, stat Stat, r io.Reader) (uint64, error) {
	if err := validatePath(path); err != nil {
		return 0, err
	}
	offset, err := d.content.Length()
	if err != nil {
		return 0, err
	}
	byteOffset, err := d.content.LengthBytes()
	if err != nil {
		return 0, err
	}

	chunkSize := d.cfg.ContentChunkSize
	if chunkSize <= 0 {
		chunkSize = config.DefaultContentChunkSize
	}
	buf := make([]byte, chunkSize)

	var blocks, size uint64
	for {
		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			stored, err := d.codec.encode(buf[:n])
			if err != nil {
				return 0, err
			}
			if _, err := d.content.Append(stored); err != nil {
				return 0, err
			}
			blocks++
			size += uint64(n)
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return 0, rerr
		}
	}

	stat.Offset = offset
	stat.ByteOffset = byteOffset
	stat.Blocks = blocks
	stat.Size = size

	return d.appendNode(path, &stat)
}

// ImportFile implements import_file(src, dest): read OS metadata from
// src and stream its bytes in as dest.
func (d *Drive) ImportFile(src, dest string) (uint64, error) {
	f, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	st := Stat{
		Mode:  uint32(fi.Mode().Perm()),
		Mtime: uint64(fi.ModTime().Unix()),
		Ctime: uint64(fi.ModTime().Unix()),
	}
	if sysStat, ok := statOwnership(fi); ok {
		st.UID, st.GID = sysStat.uid, sysStat.gid
	}
	return d.AddFile(dest, st, f)
}

// ExportFile implements export_file(src, dest): write the content bytes
// of the drive file src to the OS path dest, creating parent directories.
func (d *Drive) ExportFile(src, dest string) error {
	e, err := d.FileMetadata(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	data, err := d.readContentRange(e.Stat)
	if err != nil {
		return err
	}
	mode := os.FileMode(e.Stat.Mode)
	if mode == 0 {
		mode = 0o644
	}
	return os.WriteFile(dest, data, mode)
}

// RemoveFile implements remove_file(path): appends a deletion entry.
func (d *Drive) RemoveFile(path string) (uint64, error) {
	if _, err := d.FileMetadata(path); err != nil {
		return 0, err
	}
	return d.appendNode(path, nil)
}

// CopyFile implements copy_file(from, to): a new entry at `to` reusing
// from's Stat (and therefore its content range) verbatim.
func (d *Drive) CopyFile(from, to string) (uint64, error) {
	if from == to {
		return 0, ErrSameSelf
	}
	e, err := d.FileMetadata(from)
	if err != nil {
		return 0, err
	}
	statCopy := *e.Stat
	return d.appendNode(to, &statCopy)
}

// Rename implements rename(from, to): copy then remove.
func (d *Drive) Rename(from, to string) (uint64, error) {
	if _, err := d.CopyFile(from, to); err != nil {
		return 0, err
	}
	return d.RemoveFile(from)
}

// ImportDirAll implements import_dir_all(src, dest): recursively walk
// an OS directory, skipping any child named ".dat" at every level.
func (d *Drive) ImportDirAll(src, dest string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, ent := range entries {
		if ent.Name() == ".dat" {
			continue
		}
		childSrc := filepath.Join(src, ent.Name())
		childDest := joinPath(dest, ent.Name())
		if ent.IsDir() {
			if err := d.ImportDirAll(childSrc, childDest); err != nil {
				return err
			}
			continue
		}
		if _, err := d.ImportFile(childSrc, childDest); err != nil {
			return err
		}
	}
	return nil
}

// ExportDir implements export_dir(src, dest): recursively write a
// drive directory out to an OS path.
func (d *Drive) ExportDir(src, dest string) error {
	entries, err := d.ReadDirRecursive(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		rel := e.Path[len(src):]
		if err := d.ExportFile(e.Path, filepath.Join(dest, filepath.FromSlash(rel))); err != nil {
			return err
		}
	}
	return nil
}

// RemoveDirAll implements remove_dir_all(path): gather descendants via
// ReadDirRecursive, then remove each. Partial failure leaves the drive
// in an undefined but consistent state, per spec.md §4.3.
func (d *Drive) RemoveDirAll(path string) error {
	entries, err := d.ReadDirRecursive(path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if _, err := d.RemoveFile(e.Path); err != nil {
			return err
		}
	}
	return nil
}

func joinPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

// History implements history(start): decoded drive entries from
// max(1, start) through the current entry count, in order, stopping at
// the first decode error.
func (d *Drive) History(start uint64) ([]DriveEntry, error) {
	if start < 1 {
		start = 1
	}
	count, err := d.EntryCount()
	if err != nil {
		return nil, err
	}
	var out []DriveEntry
	for i := start; i <= count; i++ {
		e, err := d.getEntry(i)
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
	return out, nil
}

type worklistItem struct {
	index uint64
	depth int
}

// ReadDir implements read_dir(path): immediate children only.
func (d *Drive) ReadDir(path string) ([]DriveEntry, error) {
	return d.readDir(path, false)
}

// ReadDirRecursive implements read_dir_recursive(path): all descendants.
func (d *Drive) ReadDirRecursive(path string) ([]DriveEntry, error) {
	return d.readDir(path, true)
}

func (d *Drive) readDir(path string, recursive bool) ([]DriveEntry, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}
	nearest, ok, err := d.GetNearest(path)
	if err != nil || !ok {
		return nil, err
	}

	pathDepth := depth(path)
	c := lcp(path, nearest.Path)
	row := c - 1
	if row < 0 || row >= len(nearest.children) {
		return nil, nil
	}

	var work []worklistItem
	for _, idx := range nearest.children[row] {
		work = append(work, worklistItem{index: idx, depth: row + 1})
	}

	type visitKey struct {
		index uint64
		depth int
	}
	visited := make(map[visitKey]bool)
	yielded := make(map[uint64]bool)
	var out []DriveEntry
	for len(work) > 0 {
		item := work[len(work)-1]
		work = work[:len(work)-1]
		key := visitKey{item.index, item.depth}
		if visited[key] {
			continue
		}
		visited[key] = true

		e, err := d.getEntry(item.index)
		if err != nil {
			return out, err
		}
		if !hasPrefix(e.Path, path) {
			continue
		}
		eDepth := depth(e.Path)

		yield := func() {
			if e.Stat != nil && !yielded[e.Index] {
				yielded[e.Index] = true
				out = append(out, e)
			}
		}

		if eDepth == pathDepth+1 {
			yield()
			continue
		}
		if eDepth <= pathDepth {
			continue
		}
		if !recursive {
			continue
		}
		// item.depth tracks how far the worklist traversal has descended
		// through the child-index tables so far, not the query path's
		// depth: an entry's own table only ever has rows up to its own
		// depth, so "deeper rows remain" means rows beyond item.depth.
		if len(e.children) <= item.depth {
			yield()
			continue
		}
		for rowIdx := item.depth; rowIdx < len(e.children); rowIdx++ {
			final := rowIdx == len(e.children)-1
			for _, idx := range e.children[rowIdx] {
				if !final && idx == e.Index {
					continue
				}
				work = append(work, worklistItem{index: idx, depth: rowIdx + 1})
			}
		}
	}
	return out, nil
}
