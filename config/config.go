// Copyright (c) 2019-2026 The Geniza Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package config holds the tunable parameters that spec.md treats as
// synchronization and transport policy rather than protocol invariants:
// connect/write timeouts, content chunk size, and default ports.
package config

import "time"

// Config holds the tunables for a register/drive/wire deployment.
type Config struct {
	// ConnectTimeout bounds how long DialTCP waits for the TCP handshake.
	ConnectTimeout time.Duration `json:"connectTimeout"`
	// WriteTimeout bounds a single socket write during the wire protocol.
	WriteTimeout time.Duration `json:"writeTimeout"`
	// ReadTimeout bounds a single socket read during the wire protocol.
	ReadTimeout time.Duration `json:"readTimeout"`

	// ContentChunkSize is the size, in bytes, of each content-register
	// entry produced while streaming a file into a drive (spec.md §4.3).
	ContentChunkSize int `json:"contentChunkSize"`

	// DefaultPort is the TCP port a geniza node listens on absent an
	// explicit override.
	DefaultPort int `json:"defaultPort"`

	// MaxFrameSize rejects an incoming frame whose declared total_len
	// exceeds this many bytes, guarding against a malicious or corrupt
	// peer inflating the length varint.
	MaxFrameSize int `json:"maxFrameSize"`
}

const (
	// DefaultContentChunkSize is 64 KiB, per spec.md §4.3.
	DefaultContentChunkSize = 64 * 1024

	defaultMaxFrameSize = 16 * 1024 * 1024
)

// Default is the configuration used absent any override: a 7s connect
// timeout and 2s write timeout, per spec.md §5.
var Default = Config{
	ConnectTimeout:   7 * time.Second,
	WriteTimeout:     2 * time.Second,
	ReadTimeout:      2 * time.Second,
	ContentChunkSize: DefaultContentChunkSize,
	DefaultPort:      3282,
	MaxFrameSize:     defaultMaxFrameSize,
}

// Test relaxes timeouts for use against in-process listeners in tests,
// where a loaded CI machine can blow past production deadlines.
var Test = Config{
	ConnectTimeout:   30 * time.Second,
	WriteTimeout:     30 * time.Second,
	ReadTimeout:      30 * time.Second,
	ContentChunkSize: 4096,
	DefaultPort:      0,
	MaxFrameSize:     defaultMaxFrameSize,
}
