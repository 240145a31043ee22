// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package arm64

import (
	"errors"

	"github.com/saferwall/unwind"
)

// ErrPeNotSupported is returned by TranslatePE: spec.md §4.5 scopes PE
// unwinding to x86_64 Windows images only, so a Module that somehow
// carries UnwindKindPe on this architecture cannot be unwound.
var ErrPeNotSupported = errors.New("arm64: PE unwind info is not applicable to this architecture")

// TranslatePE implements unwind.ArchOps. aarch64 has no PE unwind story in
// this module; see ErrPeNotSupported.
func (a *ArchOps) TranslatePE(xdata, text []byte, textBase uint64, prologOffset uint32, regs Regs, readStack unwind.ReadStack) (Regs, uint64, error) {
	return Regs{}, 0, ErrPeNotSupported
}
