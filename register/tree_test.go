// Copyright (c) 2019-2026 The Geniza Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package register

import "testing"

func TestTreeRootNodes(t *testing.T) {
	cases := []struct {
		length uint64
		want   []uint64
	}{
		{0, nil},
		{1, []uint64{0}},
		{2, []uint64{1}},
		{3, []uint64{1, 4}},
		{4, []uint64{3}},
		{5, []uint64{3, 8}},
		{6, []uint64{3, 9}},
		{7, []uint64{3, 9, 12}},
		{8, []uint64{7}},
	}
	for _, c := range cases {
		got := treeRootNodes(c.length)
		if !equalUint64(got, c.want) {
			t.Errorf("treeRootNodes(%d) = %v, want %v", c.length, got, c.want)
		}
	}
}

func TestTreeParentIndex(t *testing.T) {
	cases := []struct{ i, want uint64 }{
		{0, 1}, {1, 3}, {2, 1}, {3, 7}, {4, 5}, {5, 3}, {6, 5},
		{7, 15}, {8, 9}, {9, 11}, {21, 19}, {22, 21},
	}
	for _, c := range cases {
		if got := treeParentIndex(c.i); got != c.want {
			t.Errorf("treeParentIndex(%d) = %d, want %d", c.i, got, c.want)
		}
	}
}

func TestTreeChildIndices(t *testing.T) {
	cases := []struct {
		i           uint64
		left, right uint64
	}{
		{1, 0, 2}, {3, 1, 5}, {5, 4, 6}, {7, 3, 11}, {9, 8, 10},
		{11, 9, 13}, {13, 12, 14}, {15, 7, 23}, {19, 17, 21},
	}
	for _, c := range cases {
		left, right, ok := treeChildIndices(c.i)
		if !ok {
			t.Fatalf("treeChildIndices(%d): expected ok", c.i)
		}
		if left != c.left || right != c.right {
			t.Errorf("treeChildIndices(%d) = (%d,%d), want (%d,%d)", c.i, left, right, c.left, c.right)
		}
	}
}

func TestTreeChildIndicesRejectsLeaves(t *testing.T) {
	if _, _, ok := treeChildIndices(0); ok {
		t.Error("expected leaf node 0 to be rejected")
	}
	if _, _, ok := treeChildIndices(1024); ok {
		t.Error("expected leaf node 1024 to be rejected")
	}
}

// Parent/child round trip, per spec.md §8.
func TestParentChildRoundTrip(t *testing.T) {
	for _, i := range []uint64{1, 3, 5, 7, 9, 11, 13, 15, 19, 21} {
		left, right, ok := treeChildIndices(i)
		if !ok {
			t.Fatalf("treeChildIndices(%d) not ok", i)
		}
		if treeParentIndex(left) != i {
			t.Errorf("parent(children(%d).left=%d) = %d, want %d", i, left, treeParentIndex(left), i)
		}
		if treeParentIndex(right) != i {
			t.Errorf("parent(children(%d).right=%d) = %d, want %d", i, right, treeParentIndex(right), i)
		}
	}
}

func equalUint64(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
