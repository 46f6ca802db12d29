// Copyright (c) 2019-2026 The Geniza Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package drive

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// CreateOption configures a Drive at Create time.
type CreateOption func(*createOpts)

type createOpts struct {
	compress bool
}

// WithCompression stores content-register entries zstd-compressed on
// disk. Stat.Size/Stat.Blocks still describe the logical, uncompressed
// file; decompression happens transparently in ReadFileBytes. Disabled
// by default so an unconfigured drive's wire bytes match spec.md's raw
// data model exactly (SPEC_FULL.md §C.1).
func WithCompression(enabled bool) CreateOption {
	return func(o *createOpts) { o.compress = enabled }
}

// codec lazily owns the zstd encoder/decoder pair a compressed drive
// uses to transform content-register chunks. Both klauspost/compress
// types are safe for concurrent use once constructed.
type codec struct {
	enabled bool

	once sync.Once
	enc  *zstd.Encoder
	dec  *zstd.Decoder
	err  error
}

func (c *codec) init() {
	c.once.Do(func() {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			c.err = fmt.Errorf("drive: init zstd encoder: %w", err)
			return
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			c.err = fmt.Errorf("drive: init zstd decoder: %w", err)
			return
		}
		c.enc, c.dec = enc, dec
	})
}

func (c *codec) encode(chunk []byte) ([]byte, error) {
	if !c.enabled {
		return chunk, nil
	}
	c.init()
	if c.err != nil {
		return nil, c.err
	}
	return c.enc.EncodeAll(chunk, nil), nil
}

func (c *codec) decode(chunk []byte) ([]byte, error) {
	if !c.enabled {
		return chunk, nil
	}
	c.init()
	if c.err != nil {
		return nil, c.err
	}
	return c.dec.DecodeAll(chunk, nil)
}
