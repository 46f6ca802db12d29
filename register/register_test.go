// Copyright (c) 2019-2026 The Geniza Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package register

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// scenario 3 from spec.md §8: fresh register, append "hello world!" then
// 100x [1,2,3,4,5]; length == 101, length_bytes == 12 + 500, check() and
// verify() both succeed.
func TestAppendAndVerify(t *testing.T) {
	dir := t.TempDir()
	r, err := Create(dir, "dummy", nil)
	require.NoError(t, err)
	defer r.Close()

	n, err := r.Length()
	require.NoError(t, err)
	require.Equal(t, uint64(0), n)

	_, err = r.Append([]byte("hello world!"))
	require.NoError(t, err)
	require.NoError(t, r.Check())

	for i := 0; i < 100; i++ {
		_, err := r.Append([]byte{1, 2, 3, 4, 5})
		require.NoError(t, err)
	}
	require.NoError(t, r.Check())

	n, err = r.Length()
	require.NoError(t, err)
	require.Equal(t, uint64(101), n)

	nb, err := r.LengthBytes()
	require.NoError(t, err)
	require.Equal(t, uint64(12+100*5), nb)

	require.NoError(t, r.Verify())
}

func TestAppendThenReadBack(t *testing.T) {
	dir := t.TempDir()
	r, err := Create(dir, "reg", nil)
	require.NoError(t, err)
	defer r.Close()

	blobs := [][]byte{
		[]byte("alpha"),
		[]byte("beta"),
		[]byte(""),
		[]byte("delta-delta-delta"),
	}
	for _, b := range blobs {
		_, err := r.Append(b)
		require.NoError(t, err)
	}
	for i, b := range blobs {
		got, err := r.GetDataEntry(uint64(i))
		require.NoError(t, err)
		require.Equal(t, b, got)
	}
}

func TestVerifyDetectsTamperedData(t *testing.T) {
	dir := t.TempDir()
	r, err := Create(dir, "reg", nil)
	require.NoError(t, err)

	_, err = r.Append([]byte("hello world!"))
	require.NoError(t, err)
	require.NoError(t, r.Verify())
	require.NoError(t, r.Close())

	// Flip a byte in the data file.
	dataPath := filepath.Join(dir, "reg.data")
	data, err := os.ReadFile(dataPath)
	require.NoError(t, err)
	data[0] ^= 0xFF
	require.NoError(t, os.WriteFile(dataPath, data, 0o644))

	r2, err := Open(dir, "reg", false, nil)
	require.NoError(t, err)
	defer r2.Close()

	err = r2.Verify()
	require.Error(t, err)
	var verr *VerifyError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, uint64(0), verr.Index)
}

func TestReadOnlyRejectsAppend(t *testing.T) {
	dir := t.TempDir()
	r, err := Create(dir, "reg", nil)
	require.NoError(t, err)
	_, err = r.Append([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, r.Close())

	ro, err := Open(dir, "reg", false, nil)
	require.NoError(t, err)
	defer ro.Close()

	_, err = ro.Append([]byte("y"))
	require.ErrorIs(t, err, ErrReadOnly)
}

func TestDiscoveryKeyIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	r, err := Create(dir, "reg", nil)
	require.NoError(t, err)
	defer r.Close()

	dk1 := r.DiscoveryKey()
	dk2 := DiscoveryKeyFor(r.PublicKey())
	require.Equal(t, dk1, dk2)
}

func TestCreateRefusesExistingDir(t *testing.T) {
	dir := t.TempDir()
	_, err := Create(dir, "reg", nil)
	require.NoError(t, err)
	_, err = Create(dir, "reg", nil)
	require.Error(t, err)
}
