// Copyright (c) 2019-2026 The Geniza Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package drive

import (
	"errors"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrBadPath is returned when a caller-supplied path does not begin
// with "/".
var ErrBadPath = errors.New("drive: path must begin with /")

// rawParts splits a path on "/" without trimming, so an absolute path
// always yields a leading empty component. lcp operates directly on
// this representation (spec.md §8's LCP examples are defined over raw
// split results, not over "meaningful" path segments).
func rawParts(path string) []string {
	return strings.Split(path, "/")
}

// lcp returns the longest common prefix, in raw split-by-"/"
// components, of a and b.
func lcp(a, b string) int {
	pa, pb := rawParts(a), rawParts(b)
	n := len(pa)
	if len(pb) < n {
		n = len(pb)
	}
	i := 0
	for i < n && pa[i] == pb[i] {
		i++
	}
	return i
}

// depth returns a path's component count d, where an absolute path
// "/p0/.../p_{d-1}" has d components; the root path "/" has zero. Used
// to size a Node's child-index table (one row per component).
func depth(path string) int {
	trimmed := strings.TrimSuffix(path, "/")
	if trimmed == "" {
		return 0
	}
	return strings.Count(trimmed, "/")
}

func validatePath(path string) error {
	if !strings.HasPrefix(path, "/") {
		return ErrBadPath
	}
	return nil
}

// childTable is the decoded form of a Node's `paths` field: one row
// per path-component depth, each row the sorted set of drive entry
// indices that are the most recent writers covering that prefix.
type childTable [][]uint64

// decodeChildTable parses raw into a table of exactly rows rows,
// per spec.md §4.3. appendCurrent, when true, means every row
// implicitly also contains the entry's own index; self is folded into
// the returned rows so callers never need to special-case it.
func decodeChildTable(raw []byte, rows int, self uint64) (childTable, error) {
	table := make(childTable, rows)
	if len(raw) == 0 {
		return table, nil
	}

	off := 0
	header, n := protowire.ConsumeVarint(raw[off:])
	if n < 0 {
		return nil, errors.New("drive: bad child table header varint")
	}
	off += n
	appendCurrent := header&0x01 == 0x01

	for r := 0; r < rows; r++ {
		if off >= len(raw) {
			break
		}
		rowLen, n := protowire.ConsumeVarint(raw[off:])
		if n < 0 {
			return nil, errors.New("drive: bad child table row-length varint")
		}
		off += n

		row := make([]uint64, 0, rowLen)
		var prev uint64
		for k := uint64(0); k < rowLen; k++ {
			delta, n := protowire.ConsumeVarint(raw[off:])
			if n < 0 {
				return nil, errors.New("drive: bad child table delta varint")
			}
			off += n
			val := prev + delta
			row = append(row, val)
			prev = val
		}
		if appendCurrent {
			row = append(row, self)
		}
		table[r] = row
	}
	return table, nil
}

// encodeChildTable serialises table back into the wire format decoded
// by decodeChildTable. appendCurrent is re-derived: if every row is
// non-empty and ends with self, the flag is set and self is stripped
// before delta-encoding; otherwise (including when any row is empty)
// rows are encoded verbatim and the flag is clear. This mirrors how the construction algorithm in §4.3 builds
// rows (appending the new index to existing rows).
func encodeChildTable(table childTable, self uint64) []byte {
	appendCurrent := true
	for _, row := range table {
		if len(row) == 0 || row[len(row)-1] != self {
			appendCurrent = false
			break
		}
	}

	var out []byte
	header := uint64(0)
	if appendCurrent {
		header = 1
	}
	out = protowire.AppendVarint(out, header)

	for _, row := range table {
		r := row
		if appendCurrent && len(r) > 0 {
			r = r[:len(r)-1]
		}
		out = protowire.AppendVarint(out, uint64(len(r)))
		var prev uint64
		for _, v := range r {
			out = protowire.AppendVarint(out, v-prev)
			prev = v
		}
	}
	return out
}

