// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package unwind

import "errors"

// Driver-level error taxonomy. Subsystem packages (compactunwind, dwarf,
// peunwind, arch/arm64, arch/amd64) define their own sentinel errors for
// conditions local to their format; these are the ones the Unwinder itself
// can return from UnwindFrame/IterFrames.
var (
	// ErrCouldNotReadStack names the condition of the caller's ReadStack
	// callback rejecting an address. No code in this module returns it:
	// rules pass the callback's own error up unchanged, immediately and
	// without falling back to anything.
	ErrCouldNotReadStack = errors.New("unwind: could not read stack memory")

	// ErrFramePointerMovedBackwards is returned when a frame-pointer-based
	// rule (UseFramePointer and friends, or the frame-pointer fallback)
	// computes a new stack pointer that is not strictly greater than the
	// old one on a non-first frame. The fp-chain is corrupt.
	ErrFramePointerMovedBackwards = errors.New("unwind: frame-pointer chain moved backwards")

	// ErrStackPointerMovedBackwards is the DWARF/PE-CFA analogue of
	// ErrFramePointerMovedBackwards.
	ErrStackPointerMovedBackwards = errors.New("unwind: stack pointer moved backwards")

	// ErrDidNotAdvance is returned when a step produces the same return
	// address as the current program counter while the stack pointer did
	// not move; continuing would loop forever.
	ErrDidNotAdvance = errors.New("unwind: unwind step did not advance")

	// ErrIntegerOverflow names pointer arithmetic overflowing a 64-bit
	// address. No code in this module returns it: rules compute addresses
	// with plain uint64 arithmetic, which wraps without any overflow check.
	ErrIntegerOverflow = errors.New("unwind: pointer arithmetic overflowed")

	// ErrNoModuleForAddress is returned when an address falls outside the
	// range of every registered module and the architecture has no
	// frame-pointer fallback available for the frame in question (i.e. on
	// any frame but the first).
	ErrNoModuleForAddress = errors.New("unwind: address is outside all registered modules")

	// ErrModuleHasNoUnwindInfo is returned when a module was registered
	// with UnwindKindNone.
	ErrModuleHasNoUnwindInfo = errors.New("unwind: module carries no unwind information")

	// ErrTooManyFrames is returned by FrameIterator when, after the
	// initial instruction pointer and maxFrames return addresses, the stack
	// still has not ended, guarding against a corrupt stack that would
	// otherwise loop forever.
	ErrTooManyFrames = errors.New("unwind: exceeded maximum frame count")
)
