// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package amd64

import "github.com/saferwall/unwind"

// JustReturn models the trivial leaf frame: no prologue has run, the
// return address sits at the top of the stack. Per the design note on
// the source's two evolutionary layers, the return address is always
// read at new_sp−8 rather than old sp; the two coincide here since new_sp
// is old sp + 8.
type JustReturn struct{}

func (JustReturn) Execute(regs Regs, firstFrame bool, readStack unwind.ReadStack) (Regs, uint64, error) {
	newSP := regs.SP + 8
	ra, err := readStack(newSP - 8)
	if err != nil {
		return Regs{}, 0, err
	}
	regs.SP = newSP
	regs.IP = ra
	return regs, ra, nil
}
func (JustReturn) IsFramePointerBased() bool { return false }

// OffsetSp undoes a plain `sub rsp, imm` prologue.
type OffsetSp struct{ K int64 }

func (r OffsetSp) Execute(regs Regs, firstFrame bool, readStack unwind.ReadStack) (Regs, uint64, error) {
	newSP := uint64(int64(regs.SP) + r.K*8)
	ra, err := readStack(newSP - 8)
	if err != nil {
		return Regs{}, 0, err
	}
	regs.SP = newSP
	regs.IP = ra
	return regs, ra, nil
}
func (OffsetSp) IsFramePointerBased() bool { return false }

// OffsetSpAndRestoreBp additionally reloads rbp from the stack.
type OffsetSpAndRestoreBp struct{ K, J int64 }

func (r OffsetSpAndRestoreBp) Execute(regs Regs, firstFrame bool, readStack unwind.ReadStack) (Regs, uint64, error) {
	oldSP := regs.SP
	bp, err := readStack(uint64(int64(oldSP) + r.J*8))
	if err != nil {
		return Regs{}, 0, err
	}
	newSP := uint64(int64(oldSP) + r.K*8)
	ra, err := readStack(newSP - 8)
	if err != nil {
		return Regs{}, 0, err
	}
	regs.SP = newSP
	regs.BP = bp
	regs.IP = ra
	return regs, ra, nil
}
func (OffsetSpAndRestoreBp) IsFramePointerBased() bool { return false }

// UseFramePointer is the canonical `push rbp; mov rbp, rsp` frame: the
// caller's sp is bp+16 (popping the saved rbp and the return address), and
// the return address sits at bp+8.
type UseFramePointer struct{}

func (UseFramePointer) Execute(regs Regs, firstFrame bool, readStack unwind.ReadStack) (Regs, uint64, error) {
	newBP, err := readStack(regs.BP)
	if err != nil {
		return Regs{}, 0, err
	}
	ra, err := readStack(regs.BP + 8)
	if err != nil {
		return Regs{}, 0, err
	}
	regs.SP = regs.BP + 16
	regs.BP = newBP
	regs.IP = ra
	return regs, ra, nil
}
func (UseFramePointer) IsFramePointerBased() bool { return true }

// OffsetSpAndPopRegisters simulates an epilogue that first accounts for K
// 8-byte units of stack space (an `add rsp, N` deallocating locals that sit
// below the saved registers), then pops up to 8 callee-saved registers in
// the order Registers lists them (the order they are read off the stack,
// i.e. reverse of how a prologue would have pushed them), and finally reads
// the return address just above the last popped register.
type OffsetSpAndPopRegisters struct {
	K         int64
	Registers []Register
}

func (r OffsetSpAndPopRegisters) Execute(regs Regs, firstFrame bool, readStack unwind.ReadStack) (Regs, uint64, error) {
	addr := uint64(int64(regs.SP) + r.K*8)
	for _, reg := range r.Registers {
		v, err := readStack(addr)
		if err != nil {
			return Regs{}, 0, err
		}
		switch reg {
		case RBX:
			regs.RBX = v
		case RBP:
			regs.BP = v
		case RDI:
			regs.RDI = v
		case RSI:
			regs.RSI = v
		case R12:
			regs.R12 = v
		case R13:
			regs.R13 = v
		case R14:
			regs.R14 = v
		case R15:
			regs.R15 = v
		}
		addr += 8
	}
	ra, err := readStack(addr)
	if err != nil {
		return Regs{}, 0, err
	}
	regs.SP = addr + 8
	regs.IP = ra
	return regs, ra, nil
}
func (OffsetSpAndPopRegisters) IsFramePointerBased() bool { return false }
