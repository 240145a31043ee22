// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package arm64 is the aarch64 instantiation of the generic unwinder: its
// register file, its compact rule variants and their Execute semantics, and
// the ArchOps glue the root unwind package dispatches through. Everything
// here is concrete (no interfaces beyond what unwind.ArchOps demands) so
// that the per-frame hot path never pays for virtual dispatch.
package arm64

import (
	"github.com/saferwall/unwind"
	"github.com/saferwall/unwind/internal/logging"
)

// ptrAuthMask strips pointer-authentication signature bits: aarch64's
// PAC-enabled ABIs stash a signature in the high bits of LR/FP/return
// addresses, so every value that crosses into arithmetic or a stack read
// must be masked to the low 40 bits first.
const ptrAuthMask = (uint64(1) << 40) - 1

func stripPAC(v uint64) uint64 { return v & ptrAuthMask }

// Regs is the aarch64 register file this unwinder understands.
type Regs struct {
	LR, SP, FP uint64
}

// StackPointer implements unwind.StackPointerOf.
func (r Regs) StackPointer() uint64 { return r.SP }

// Strip masks LR and FP to their pointer-authentication-free form. Callers
// constructing the initial Regs for a thread should call this once; every
// rule in this package assumes its input is already stripped and
// re-strips its own outputs.
func (r Regs) Strip() Regs {
	r.LR = stripPAC(r.LR)
	r.FP = stripPAC(r.FP)
	return r
}

// ArchOps is the aarch64 implementation of unwind.ArchOps[Regs]. Construct
// one with NewArchOps and share it across every Unwinder[Regs] in the
// process; it carries no per-unwind state.
type ArchOps struct {
	logger *logging.Logger
}

// NewArchOps returns the aarch64 ArchOps[Regs] implementation.
func NewArchOps(logger *logging.Logger) *ArchOps {
	return &ArchOps{logger: logger}
}

// StackPointer implements unwind.ArchOps.
func (a *ArchOps) StackPointer(regs Regs) uint64 { return regs.SP }

// FramePointerFallback implements unwind.ArchOps: when a module carries no
// unwind metadata at all, aarch64 falls back to walking the frame-pointer
// chain, which the ABI guarantees is maintained even in code compiled
// without unwind tables.
func (a *ArchOps) FramePointerFallback() unwind.Rule[Regs] { return UseFramePointer{} }
