// Copyright (c) 2019-2026 The Geniza Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package logging re-exports the luxfi/log facade and supplies the
// no-op default every constructor in this module falls back to when
// called with a nil logger.
package logging

import "github.com/luxfi/log"

// Logger is the structured logging interface every package in this
// module accepts. It is an alias of github.com/luxfi/log.Logger so
// callers can pass any logger they already have wired up.
type Logger = log.Logger

// OrNoOp returns l unchanged, or a no-op logger if l is nil. Every
// constructor in this module that accepts a Logger runs its argument
// through this helper so a nil logger is always safe to pass.
func OrNoOp(l Logger) Logger {
	if l == nil {
		return log.NewNoOpLogger()
	}
	return l
}
