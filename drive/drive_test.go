// Copyright (c) 2019-2026 The Geniza Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package drive

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bnewbold/geniza/config"
)

func TestLCP(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"a", "b", 0},
		{"a", "a", 1},
		{"/hello/world", "/hello/goodbye", 2},
		{"/hello/my/friend/", "/hello/my/friend", 4},
		{"/ein/zwei", "/one/two/three", 1},
	}
	for _, c := range cases {
		require.Equal(t, c.want, lcp(c.a, c.b), "lcp(%q,%q)", c.a, c.b)
	}
}

// scenario 1 from spec.md §8: create a fresh drive, import a file,
// reopen it, and read the bytes back.
func TestImportReopenReadBack(t *testing.T) {
	dir := t.TempDir()
	srcDir := t.TempDir()
	srcFile := filepath.Join(srcDir, "a")
	require.NoError(t, os.WriteFile(srcFile, []byte("a"), 0o644))

	d, err := Create(dir, config.Test, nil)
	require.NoError(t, err)
	_, err = d.ImportFile(srcFile, "/a")
	require.NoError(t, err)
	require.NoError(t, d.Close())

	d2, err := Open(dir, false, config.Test, nil)
	require.NoError(t, err)
	defer d2.Close()

	got, err := d2.ReadFileBytes("/a")
	require.NoError(t, err)
	require.Equal(t, []byte("a"), got)
	require.NoError(t, d2.Verify())
}

// scenario 2 from spec.md §8: add five files across nested
// directories, check listings, then remove a subtree.
func TestReadDirAndRemoveDirAll(t *testing.T) {
	dir := t.TempDir()
	d, err := Create(dir, config.Test, nil)
	require.NoError(t, err)
	defer d.Close()

	add := func(path string, contents string) {
		_, err := d.AddFile(path, Stat{Mode: 0o644}, bytes.NewReader([]byte(contents)))
		require.NoError(t, err)
	}
	add("/a", "a-contents")
	add("/b", "b-contents")
	add("/sub/b", "sub-b-contents")
	add("/sub/c", "sub-c-contents")
	add("/sub/sub/d", "sub-sub-d-contents")

	all, err := d.ReadDirRecursive("/")
	require.NoError(t, err)
	require.Len(t, all, 5)

	err = d.RemoveDirAll("/sub")
	require.NoError(t, err)

	remaining, err := d.ReadDirRecursive("/")
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	var paths []string
	for _, e := range remaining {
		paths = append(paths, e.Path)
	}
	require.ElementsMatch(t, []string{"/a", "/b"}, paths)

	_, err = d.ReadFileBytes("/sub/b")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRemoveFileThenHistoryStillHasBoth(t *testing.T) {
	dir := t.TempDir()
	d, err := Create(dir, config.Test, nil)
	require.NoError(t, err)
	defer d.Close()

	_, err = d.AddFile("/x", Stat{Mode: 0o644}, bytes.NewReader([]byte("xxx")))
	require.NoError(t, err)
	_, err = d.RemoveFile("/x")
	require.NoError(t, err)

	_, err = d.ReadFileBytes("/x")
	require.ErrorIs(t, err, ErrNotFound)

	hist, err := d.History(1)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	require.False(t, hist[0].Deleted())
	require.True(t, hist[1].Deleted())
}

func TestCopyFileAndRename(t *testing.T) {
	dir := t.TempDir()
	d, err := Create(dir, config.Test, nil)
	require.NoError(t, err)
	defer d.Close()

	_, err = d.AddFile("/a", Stat{Mode: 0o644}, bytes.NewReader([]byte("hello")))
	require.NoError(t, err)

	_, err = d.CopyFile("/a", "/b")
	require.NoError(t, err)
	ab, err := d.ReadFileBytes("/a")
	require.NoError(t, err)
	bb, err := d.ReadFileBytes("/b")
	require.NoError(t, err)
	require.Equal(t, ab, bb)

	_, err = d.Rename("/b", "/c")
	require.NoError(t, err)
	_, err = d.ReadFileBytes("/b")
	require.ErrorIs(t, err, ErrNotFound)
	cb, err := d.ReadFileBytes("/c")
	require.NoError(t, err)
	require.Equal(t, ab, cb)
}

func TestGetNearestOnEmptyDrive(t *testing.T) {
	dir := t.TempDir()
	d, err := Create(dir, config.Test, nil)
	require.NoError(t, err)
	defer d.Close()

	_, ok, err := d.GetNearest("/")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCompressedContentRoundTrip(t *testing.T) {
	dir := t.TempDir()
	d, err := Create(dir, config.Test, nil, WithCompression(true))
	require.NoError(t, err)
	defer d.Close()

	payload := bytes.Repeat([]byte("compress-me-"), 500)
	_, err = d.AddFile("/big", Stat{Mode: 0o644}, bytes.NewReader(payload))
	require.NoError(t, err)

	got, err := d.ReadFileBytes("/big")
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

// TestReadDirWithCollidingSiblingPrefix guards against hasPrefix
// treating "/foobar" as contained in "/foo": a raw string-prefix check
// would make GetNearest("/foo") short-circuit on "/foobar" instead of
// finding "/foo/real", corrupting /foo/other's child table and causing
// ReadDir("/foo") to silently drop /foo/real.
func TestReadDirWithCollidingSiblingPrefix(t *testing.T) {
	dir := t.TempDir()
	d, err := Create(dir, config.Test, nil)
	require.NoError(t, err)
	defer d.Close()

	add := func(path string, contents string) {
		_, err := d.AddFile(path, Stat{Mode: 0o644}, bytes.NewReader([]byte(contents)))
		require.NoError(t, err)
	}
	add("/foo/real", "real-contents")
	add("/foobar", "foobar-contents")
	add("/foo/other", "other-contents")

	entries, err := d.ReadDir("/foo")
	require.NoError(t, err)
	var paths []string
	for _, e := range entries {
		paths = append(paths, e.Path)
	}
	require.ElementsMatch(t, []string{"/foo/real", "/foo/other"}, paths)
}

func TestCopyFileRejectsSelf(t *testing.T) {
	dir := t.TempDir()
	d, err := Create(dir, config.Test, nil)
	require.NoError(t, err)
	defer d.Close()

	_, err = d.AddFile("/a", Stat{}, bytes.NewReader(nil))
	require.NoError(t, err)
	_, err = d.CopyFile("/a", "/a")
	require.ErrorIs(t, err, ErrSameSelf)
}
