// Copyright (c) 2019-2026 The Geniza Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

//go:build unix

package drive

import (
	"io/fs"
	"syscall"
)

type ownership struct{ uid, gid uint32 }

func statOwnership(fi fs.FileInfo) (ownership, bool) {
	sys, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return ownership{}, false
	}
	return ownership{uid: sys.Uid, gid: sys.Gid}, true
}
