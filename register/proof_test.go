// Copyright (c) 2019-2026 The Geniza Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package register

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProofRoundTripAcrossLengths(t *testing.T) {
	dir := t.TempDir()
	r, err := Create(dir, "proof", nil)
	require.NoError(t, err)
	defer r.Close()

	var entries [][]byte
	for i := 0; i < 19; i++ {
		data := []byte(fmt.Sprintf("entry-%02d", i))
		entries = append(entries, data)
		_, err := r.Append(data)
		require.NoError(t, err)

		for j := 0; j <= i; j++ {
			nodes, err := r.Proof(uint64(j))
			require.NoError(t, err)
			sig, err := r.Signature(uint64(j))
			require.NoError(t, err)
			require.NoError(t, VerifyProof(r.PublicKey(), uint64(j), entries[j], nodes, sig))
		}
	}
}

func TestVerifyProofRejectsTamperedData(t *testing.T) {
	dir := t.TempDir()
	r, err := Create(dir, "tamper", nil)
	require.NoError(t, err)
	defer r.Close()

	for i := 0; i < 5; i++ {
		_, err := r.Append([]byte(fmt.Sprintf("entry-%d", i)))
		require.NoError(t, err)
	}

	nodes, err := r.Proof(2)
	require.NoError(t, err)
	sig, err := r.Signature(2)
	require.NoError(t, err)

	err = VerifyProof(r.PublicKey(), 2, []byte("not-the-real-entry"), nodes, sig)
	require.Error(t, err)
}

func TestPutVerifiedMirrorsRegister(t *testing.T) {
	srcDir := t.TempDir()
	src, err := Create(srcDir, "origin", nil)
	require.NoError(t, err)
	defer src.Close()

	var entries [][]byte
	for i := 0; i < 12; i++ {
		data := []byte(fmt.Sprintf("mirror-entry-%02d", i))
		entries = append(entries, data)
		_, err := src.Append(data)
		require.NoError(t, err)
	}

	mirrorDir := t.TempDir()
	mirror, err := CreateForKey(mirrorDir, "mirror", src.PublicKey(), nil)
	require.NoError(t, err)
	defer mirror.Close()

	for i, data := range entries {
		nodes, err := src.Proof(uint64(i))
		require.NoError(t, err)
		sig, err := src.Signature(uint64(i))
		require.NoError(t, err)
		require.NoError(t, mirror.PutVerified(src.PublicKey(), uint64(i), data, nodes, sig))
	}

	require.NoError(t, mirror.Verify())
	n, err := mirror.Length()
	require.NoError(t, err)
	require.Equal(t, uint64(len(entries)), n)

	for i, data := range entries {
		got, err := mirror.GetDataEntry(uint64(i))
		require.NoError(t, err)
		require.Equal(t, data, got)
	}
}

func TestPutVerifiedRejectsOutOfOrder(t *testing.T) {
	srcDir := t.TempDir()
	src, err := Create(srcDir, "origin2", nil)
	require.NoError(t, err)
	defer src.Close()

	for i := 0; i < 3; i++ {
		_, err := src.Append([]byte(fmt.Sprintf("e%d", i)))
		require.NoError(t, err)
	}

	mirrorDir := t.TempDir()
	mirror, err := Create(mirrorDir, "mirror2", nil)
	require.NoError(t, err)
	defer mirror.Close()

	nodes, err := src.Proof(1)
	require.NoError(t, err)
	sig, err := src.Signature(1)
	require.NoError(t, err)

	data, err := src.GetDataEntry(1)
	require.NoError(t, err)

	err = mirror.PutVerified(src.PublicKey(), 1, data, nodes, sig)
	require.ErrorIs(t, err, ErrInconsistent)
}

func TestVerifyProofRejectsWrongSignature(t *testing.T) {
	dir := t.TempDir()
	r, err := Create(dir, "wrongsig", nil)
	require.NoError(t, err)
	defer r.Close()

	for i := 0; i < 5; i++ {
		_, err := r.Append([]byte(fmt.Sprintf("entry-%d", i)))
		require.NoError(t, err)
	}

	nodes, err := r.Proof(1)
	require.NoError(t, err)
	sigOther, err := r.Signature(3)
	require.NoError(t, err)

	data, err := r.GetDataEntry(1)
	require.NoError(t, err)

	err = VerifyProof(r.PublicKey(), 1, data, nodes, sigOther)
	require.Error(t, err)
}
