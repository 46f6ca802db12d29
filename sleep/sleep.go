// Copyright (c) 2019-2026 The Geniza Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package sleep implements the SLEEP fixed-entry file format: a 32-byte
// header (magic, version, entry size, algorithm name) followed by a
// sequence of fixed-size entries addressed by index, not byte offset.
// It is the on-disk leaf that register.Register is built from.
package sleep

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
)

const (
	headerSize   = 32
	maxAlgoLen   = 24
	headerVers   = 0
	magicOff     = 0
	versOff      = 4
	entSizeOff   = 5
	algoLenOff   = 7
	algoNameOff  = 8
)

// Errors returned by this package, per spec.md §7.
var (
	ErrBadHeader    = errors.New("sleep: bad or missing 32-byte header")
	ErrBadSize      = errors.New("sleep: entry size mismatch")
	ErrInconsistent = errors.New("sleep: file length is not header+N*entrySize")
	ErrAlreadyExists = errors.New("sleep: file already exists")
	ErrBadAlgoLen   = errors.New("sleep: algorithm name longer than 24 bytes")
	ErrOutOfRange   = errors.New("sleep: index out of range")
)

// Store is an open SLEEP file: a 32-byte header plus a sequence of
// fixed-size entries, each addressable by index.
type Store struct {
	f         *os.File
	magic     uint32
	entrySize uint16
	algoName  string // "" means absent
	writable  bool
}

// Magic returns the 32-bit magic word read from (or written to) the header.
func (s *Store) Magic() uint32 { return s.magic }

// EntrySize returns the fixed size, in bytes, of every entry in this store.
func (s *Store) EntrySize() uint16 { return s.entrySize }

// Algorithm returns the algorithm name from the header, or "" if absent.
func (s *Store) Algorithm() string { return s.algoName }

// Open opens an existing SLEEP file, validating its header and that its
// length is header-plus-a-whole-number-of-entries.
func Open(path string, writable bool) (*Store, error) {
	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("sleep: open %s: %w", path, err)
	}
	var header [headerSize]byte
	if _, err := f.ReadAt(header[:], 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrBadHeader, path, err)
	}
	if header[versOff] != headerVers {
		f.Close()
		return nil, fmt.Errorf("%w: %s: version %d != 0", ErrBadHeader, path, header[versOff])
	}
	algoLen := header[algoLenOff]
	if algoLen > maxAlgoLen {
		f.Close()
		return nil, fmt.Errorf("%w: %s: algo len %d", ErrBadHeader, path, algoLen)
	}
	s := &Store{
		f:         f,
		magic:     binary.BigEndian.Uint32(header[magicOff:]),
		entrySize: binary.BigEndian.Uint16(header[entSizeOff:]),
		writable:  writable,
	}
	if algoLen > 0 {
		s.algoName = string(header[algoNameOff : algoNameOff+int(algoLen)])
	}
	if _, err := s.Length(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// Create creates a new SLEEP file with the given magic word, entry size,
// and optional algorithm name. It refuses to overwrite an existing file.
func Create(path string, magic uint32, entrySize uint16, algoName string) (*Store, error) {
	if len(algoName) > maxAlgoLen {
		return nil, fmt.Errorf("%w: %q is %d bytes", ErrBadAlgoLen, algoName, len(algoName))
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, path)
		}
		return nil, fmt.Errorf("sleep: create %s: %w", path, err)
	}
	var header [headerSize]byte
	binary.BigEndian.PutUint32(header[magicOff:], magic)
	header[versOff] = headerVers
	binary.BigEndian.PutUint16(header[entSizeOff:], entrySize)
	header[algoLenOff] = byte(len(algoName))
	copy(header[algoNameOff:], algoName)
	if _, err := f.Write(header[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("sleep: write header %s: %w", path, err)
	}
	return &Store{
		f:         f,
		magic:     magic,
		entrySize: entrySize,
		algoName:  algoName,
		writable:  true,
	}, nil
}

// Length returns the number of entries currently stored, validating that
// the file length is exactly header + N*entrySize.
func (s *Store) Length() (uint64, error) {
	fi, err := s.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("sleep: stat: %w", err)
	}
	size := fi.Size()
	if size < headerSize {
		return 0, fmt.Errorf("%w: length %d < header size %d", ErrInconsistent, size, headerSize)
	}
	rem := size - headerSize
	if s.entrySize == 0 {
		if rem != 0 {
			return 0, fmt.Errorf("%w: zero entry size but %d trailing bytes", ErrInconsistent, rem)
		}
		return 0, nil
	}
	if rem%int64(s.entrySize) != 0 {
		return 0, fmt.Errorf("%w: %d bytes past header is not a multiple of entry size %d", ErrInconsistent, rem, s.entrySize)
	}
	return uint64(rem) / uint64(s.entrySize), nil
}

// Read returns the raw bytes of entry index, which must be less than
// Length().
func (s *Store) Read(index uint64) ([]byte, error) {
	n, err := s.Length()
	if err != nil {
		return nil, err
	}
	if index >= n {
		return nil, fmt.Errorf("%w: index %d >= length %d", ErrOutOfRange, index, n)
	}
	buf := make([]byte, s.entrySize)
	off := headerSize + int64(index)*int64(s.entrySize)
	if _, err := s.f.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("sleep: read entry %d: %w", index, err)
	}
	return buf, nil
}

// Write writes data as entry index, extending the file if index is past
// the current end. len(data) must equal EntrySize().
func (s *Store) Write(index uint64, data []byte) error {
	if !s.writable {
		return fmt.Errorf("sleep: store opened read-only")
	}
	if uint16(len(data)) != s.entrySize {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrBadSize, len(data), s.entrySize)
	}
	off := headerSize + int64(index)*int64(s.entrySize)
	if _, err := s.f.WriteAt(data, off); err != nil {
		return fmt.Errorf("sleep: write entry %d: %w", index, err)
	}
	return nil
}

// Append writes data as a new entry at the current end of the store.
func (s *Store) Append(data []byte) (uint64, error) {
	n, err := s.Length()
	if err != nil {
		return 0, err
	}
	if err := s.Write(n, data); err != nil {
		return 0, err
	}
	return n, nil
}

// Sync flushes any buffered writes to stable storage.
func (s *Store) Sync() error {
	return s.f.Sync()
}

// Close closes the underlying file.
func (s *Store) Close() error {
	return s.f.Close()
}
