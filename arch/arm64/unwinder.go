// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package arm64

import (
	"github.com/saferwall/unwind"
	"github.com/saferwall/unwind/internal/logging"
)

// NewUnwinder returns an unwind.Unwinder[Regs] wired up with this
// architecture's ArchOps. A nil logger discards all diagnostic output.
func NewUnwinder(logger *logging.Logger) *unwind.Unwinder[Regs] {
	return unwind.NewUnwinder[Regs](NewArchOps(logger), logger)
}

// NewCache returns an empty unwind.Cache[Regs].
func NewCache() *unwind.Cache[Regs] {
	return unwind.NewCache[Regs]()
}
