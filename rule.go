// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package unwind

import (
	"github.com/saferwall/unwind/compactunwind"
	"github.com/saferwall/unwind/dwarf"
)

// Rule is a compact, cacheable instruction telling the driver how to
// recover the caller's registers and return address from the current ones.
// It is generic over the architecture's register type R (arch/arm64.Regs or
// arch/amd64.Regs); concrete rule values are small structs (a handful of
// offsets and a kind tag) defined by each arch package.
type Rule[R any] interface {
	// Execute computes the caller's registers and return address. regs is
	// the current frame's registers; firstFrame is true only for the
	// outermost (instruction-pointer) frame, which some rules (NoOp,
	// UseFramePointer mid-prologue) treat specially.
	Execute(regs R, firstFrame bool, readStack ReadStack) (newRegs R, returnAddress uint64, err error)

	// IsFramePointerBased reports whether this rule recovers its result by
	// walking a frame-pointer chain (UseFramePointer and its offset
	// variants, or the frame-pointer fallback). The driver uses this to
	// choose between ErrFramePointerMovedBackwards and
	// ErrStackPointerMovedBackwards when its monotonicity check fails.
	IsFramePointerBased() bool
}

// StackPointerOf is implemented by each architecture's register type so the
// generic driver can perform its monotonicity and did-not-advance checks
// without knowing the concrete register layout.
type StackPointerOf interface {
	StackPointer() uint64
}

// DwarfSource is how a Module's caller-supplied companion data lets the
// driver obtain a DWARF unwind-table row for an address, without this
// package needing to know how FDEs are located (binary search over
// .eh_frame_hdr, a direct byte offset handed over by a compact-unwind
// Dwarf{fde} opcode, or a linear scan) — that policy lives entirely on the
// far side of the "external DWARF reader" boundary named in spec.md §6.
type DwarfSource interface {
	// RowForAddress returns the unwind-table row covering svma (an address
	// relative to the module's BaseSVMA), or ok=false if none covers it.
	RowForAddress(svma uint64) (row dwarf.Row, ok bool, err error)

	// RowForFDEOffset returns the row described by the FDE at the given
	// byte offset into .eh_frame, as referenced by a compact-unwind
	// Dwarf{fde} opcode.
	RowForFDEOffset(fdeOffset uint32) (row dwarf.Row, ok bool, err error)
}

// ArchOps is the capability set an architecture package supplies: register
// file shape, rule variants, compact-unwind opcode interpretation, DWARF
// translation and the first-frame instruction analyzer. A concrete
// Unwinder is instantiated once per architecture (arch/arm64.NewUnwinder,
// arch/amd64.NewUnwinder) with a concrete ArchOps[R] implementation. The
// Unwinder holds it as an interface value, so the per-frame loop reaches
// StackPointer and whichever method the frame's unwind kind picks through
// dynamic dispatch.
type ArchOps[R any] interface {
	// StackPointer extracts the stack pointer from R.
	StackPointer(regs R) uint64

	// FramePointerFallback returns the rule used when a module has no
	// usable unwind metadata at all, or an address falls outside every
	// registered module on the first frame.
	FramePointerFallback() Rule[R]

	// DecodeCompactOpcode turns a just-looked-up compact-unwind opcode
	// into a rule, or signals that DWARF must be consulted for this
	// address (fdeOffset is only meaningful when needDwarf is true).
	DecodeCompactOpcode(op compactunwind.Opcode, firstFrame bool) (rule Rule[R], needDwarf bool, fdeOffset uint32, err error)

	// TranslateDwarfRow attempts to turn a DWARF row into a cacheable
	// rule. ok is false when no rule shape fits (translation always falls
	// back to EvaluateDwarfRow in that case).
	TranslateDwarfRow(row dwarf.Row) (rule Rule[R], ok bool, err error)

	// EvaluateDwarfRow performs the row's uncacheable direct evaluation:
	// CFA first, then FP/LR (or BP) register rules, in the order spec.md
	// §4.3 describes. It must itself apply the monotonicity and
	// did-not-advance checks, since those are defined in terms of DWARF's
	// CFA and only this method has access to it before a Rule abstracts
	// it away.
	EvaluateDwarfRow(row dwarf.Row, regs R, firstFrame bool, readStack ReadStack) (newRegs R, returnAddress uint64, err error)

	// TranslatePE translates a PE unwind-info blob into the caller's new
	// registers directly; per spec.md §4.5 this is always an uncacheable
	// direct step, never a Rule. xdata is the function's .xdata bytes,
	// text its instruction bytes (for epilogue detection), textBase the
	// runtime address text[0] corresponds to, and prologOffset the
	// current address's offset from the function's start.
	TranslatePE(xdata, text []byte, textBase uint64, prologOffset uint32, regs R, readStack ReadStack) (newRegs R, returnAddress uint64, err error)

	// RefineFirstFrame is the instruction analyzer of spec.md §4.4. It is
	// only ever invoked by the driver for the first frame, for every
	// freshly resolved cacheable rule at an address covered by a
	// registered module; implementations report ok=false for a rule they
	// do not know how to refine (they handle UseFramePointer or a
	// Frameless{n} equivalent). funcStart is the runtime address of the
	// start of the function covering pc, or 0 if the driver could not
	// determine one (in which case an implementation that needs it, such
	// as arm64's forward prologue walk, should report ok=false). ok is
	// false when refinement found nothing to correct, in which case the
	// driver keeps the original rule.
	RefineFirstFrame(rule Rule[R], funcStart, pc uint64, text []byte, textBase uint64) (refined Rule[R], ok bool)
}
