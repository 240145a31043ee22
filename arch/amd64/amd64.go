// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package amd64 is the x86_64 instantiation of the generic unwinder: its
// register file (including the callee-saved GPR set needed to unwind
// through epilogues that pop registers), its compact rule variants, and
// the ArchOps glue the root unwind package dispatches through.
package amd64

import (
	"github.com/saferwall/unwind"
	"github.com/saferwall/unwind/internal/logging"
)

// Regs is the x86_64 register file this unwinder understands. The
// callee-saved GPRs are only ever populated by OffsetSpAndPopRegisters and
// the PE translator; every other rule leaves them untouched.
type Regs struct {
	IP, SP, BP                       uint64
	RBX, RDI, RSI, R12, R13, R14, R15 uint64
}

// StackPointer implements unwind.StackPointerOf.
func (r Regs) StackPointer() uint64 { return r.SP }

// ArchOps is the x86_64 implementation of unwind.ArchOps[Regs].
type ArchOps struct {
	logger *logging.Logger
}

// NewArchOps returns the x86_64 ArchOps[Regs] implementation.
func NewArchOps(logger *logging.Logger) *ArchOps {
	return &ArchOps{logger: logger}
}

// StackPointer implements unwind.ArchOps.
func (a *ArchOps) StackPointer(regs Regs) uint64 { return regs.SP }

// FramePointerFallback implements unwind.ArchOps.
func (a *ArchOps) FramePointerFallback() unwind.Rule[Regs] { return UseFramePointer{} }
