// Copyright (c) 2019-2026 The Geniza Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package sleep

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateOpenEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.sleep")

	s, err := Create(path, 0x050257FF, 1, "")
	require.NoError(t, err)
	n, err := s.Length()
	require.NoError(t, err)
	require.Equal(t, uint64(0), n)
	require.NoError(t, s.Close())

	s, err = Open(path, false)
	require.NoError(t, err)
	defer s.Close()

	n, err = s.Length()
	require.NoError(t, err)
	require.Equal(t, uint64(0), n)
	require.Equal(t, uint32(0x050257FF), s.Magic())
	require.Equal(t, "", s.Algorithm())
	require.Equal(t, uint16(1), s.EntrySize())
}

func TestCreateRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.sleep")
	_, err := Create(path, 1, 1, "")
	require.NoError(t, err)
	_, err = Create(path, 1, 1, "")
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestAlgoNameTooLong(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.sleep")
	_, err := Create(path, 1, 1, "this-algorithm-name-is-too-long-to-fit")
	require.ErrorIs(t, err, ErrBadAlgoLen)
}

func TestAppendReadWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tree.sleep")
	s, err := Create(path, 0x05025702, 40, "BLAKE2b")
	require.NoError(t, err)
	defer s.Close()

	entry := make([]byte, 40)
	for i := range entry {
		entry[i] = byte(i)
	}
	idx, err := s.Append(entry)
	require.NoError(t, err)
	require.Equal(t, uint64(0), idx)

	got, err := s.Read(0)
	require.NoError(t, err)
	require.Equal(t, entry, got)

	n, err := s.Length()
	require.NoError(t, err)
	require.Equal(t, uint64(1), n)

	// Writing past the current end extends the file.
	entry2 := make([]byte, 40)
	entry2[0] = 0xFF
	require.NoError(t, s.Write(2, entry2))
	n, err = s.Length()
	require.NoError(t, err)
	require.Equal(t, uint64(3), n)

	zero, err := s.Read(1)
	require.NoError(t, err)
	require.Equal(t, make([]byte, 40), zero)
}

func TestReadOutOfRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.sleep")
	s, err := Create(path, 1, 4, "")
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Read(0)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestWriteBadSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.sleep")
	s, err := Create(path, 1, 4, "")
	require.NoError(t, err)
	defer s.Close()
	err = s.Write(0, []byte{1, 2, 3})
	require.ErrorIs(t, err, ErrBadSize)
}

func TestOpenBadHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.sleep")
	s, err := Create(path, 1, 4, "")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Truncate the file to less than the header size.
	require.NoError(t, os.Truncate(path, 10))
	_, err = Open(path, false)
	require.ErrorIs(t, err, ErrBadHeader)
}

func TestOpenInconsistentLength(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.sleep")
	s, err := Create(path, 1, 4, "")
	require.NoError(t, err)
	_, err = s.Append([]byte{1, 2, 3, 4})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// File is 32+4=36 bytes; truncating to 34 breaks the invariant.
	require.NoError(t, os.Truncate(path, 34))
	_, err = Open(path, false)
	require.ErrorIs(t, err, ErrInconsistent)
}
