// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package unwind

// FrameAddress distinguishes the two kinds of code address a frame can be
// described by. Only the very first frame of a stack is an instruction
// pointer; every subsequent frame is a return address, which names the
// instruction *after* a call and must be looked up at address-1 since the
// call might be the last byte of its enclosing function.
type FrameAddress struct {
	value       uint64
	isReturnPC  bool
	nonZeroOnly bool
}

// InstructionPointer builds a FrameAddress for the thread's current program
// counter. Used only for the first frame of a stack.
func InstructionPointer(pc uint64) FrameAddress {
	return FrameAddress{value: pc}
}

// ReturnAddress builds a FrameAddress for a return address recovered from a
// caller frame. addr must be non-zero; a zero return address means the
// stack has ended and is represented at the driver level as a nil result,
// never as a FrameAddress.
func ReturnAddress(addr uint64) FrameAddress {
	return FrameAddress{value: addr, isReturnPC: true, nonZeroOnly: true}
}

// IsInstructionPointer reports whether this FrameAddress is the thread's
// initial program counter (the first frame).
func (f FrameAddress) IsInstructionPointer() bool { return !f.isReturnPC }

// Value returns the raw address this FrameAddress carries.
func (f FrameAddress) Value() uint64 { return f.value }

// LookupAddress returns the address unwind metadata should be queried with:
// the value itself for an instruction pointer, or value-1 for a return
// address (so that a call instruction occupying the last byte of a function
// is still attributed to that function).
func (f FrameAddress) LookupAddress() uint64 {
	if f.isReturnPC {
		return f.value - 1
	}
	return f.value
}
