// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package arm64

import "github.com/saferwall/unwind"

// NoOp leaves every register unchanged and returns the current LR as the
// return address. It is the rule for a function whose prologue has not yet
// run: a null or Frameless{0} compact-unwind opcode on the first frame, or
// the instruction analyzer finding no sp adjustment before pc.
type NoOp struct{}

func (NoOp) Execute(regs Regs, firstFrame bool, readStack unwind.ReadStack) (Regs, uint64, error) {
	return regs, regs.LR, nil
}
func (NoOp) IsFramePointerBased() bool { return false }

// OffsetSp undoes a plain `sub sp, sp, #n` prologue: the stack pointer
// moves by K 16-byte units and nothing else changes.
type OffsetSp struct{ K int64 }

func (r OffsetSp) Execute(regs Regs, firstFrame bool, readStack unwind.ReadStack) (Regs, uint64, error) {
	regs.SP = uint64(int64(regs.SP) + r.K*16)
	return regs, regs.LR, nil
}
func (OffsetSp) IsFramePointerBased() bool { return false }

// OffsetSpAndRestoreLr additionally reloads LR from the stack: functions
// that save LR without a frame-pointer pair use this shape.
type OffsetSpAndRestoreLr struct{ K, J int64 }

func (r OffsetSpAndRestoreLr) Execute(regs Regs, firstFrame bool, readStack unwind.ReadStack) (Regs, uint64, error) {
	oldSP := regs.SP
	regs.SP = uint64(int64(oldSP) + r.K*16)
	lr, err := readStack(uint64(int64(oldSP) + r.J*8))
	if err != nil {
		return Regs{}, 0, err
	}
	regs.LR = stripPAC(lr)
	return regs, regs.LR, nil
}
func (OffsetSpAndRestoreLr) IsFramePointerBased() bool { return false }

// OffsetSpAndRestoreFpAndLr is OffsetSpAndRestoreLr plus reloading FP: the
// canonical non-leaf prologue that saves an {fp, lr} pair but not via the
// fp-chain-relative UseFramePointer shape (e.g. the pair sits at a
// non-zero offset from sp rather than at sp+0).
type OffsetSpAndRestoreFpAndLr struct{ K, J, M int64 }

func (r OffsetSpAndRestoreFpAndLr) Execute(regs Regs, firstFrame bool, readStack unwind.ReadStack) (Regs, uint64, error) {
	oldSP := regs.SP
	regs.SP = uint64(int64(oldSP) + r.K*16)
	lr, err := readStack(uint64(int64(oldSP) + r.J*8))
	if err != nil {
		return Regs{}, 0, err
	}
	fp, err := readStack(uint64(int64(oldSP) + r.M*8))
	if err != nil {
		return Regs{}, 0, err
	}
	regs.LR = stripPAC(lr)
	regs.FP = stripPAC(fp)
	return regs, regs.LR, nil
}
func (OffsetSpAndRestoreFpAndLr) IsFramePointerBased() bool { return false }

// UseFramePointer is the canonical `stp fp, lr, [sp, #-16]!` / `ldp fp, lr,
// [sp], #16` frame: the caller's sp is fp+16, and the saved {fp, lr} pair
// sits at the callee's fp.
type UseFramePointer struct{}

func (UseFramePointer) Execute(regs Regs, firstFrame bool, readStack unwind.ReadStack) (Regs, uint64, error) {
	newSP := regs.FP + 16
	newFP, err := readStack(regs.FP)
	if err != nil {
		return Regs{}, 0, err
	}
	newLR, err := readStack(regs.FP + 8)
	if err != nil {
		return Regs{}, 0, err
	}
	return Regs{SP: newSP, FP: stripPAC(newFP), LR: stripPAC(newLR)}, stripPAC(newLR), nil
}
func (UseFramePointer) IsFramePointerBased() bool { return true }

// UseFramePointerWithOffsets is the general fp-relative frame: CFA is fp
// plus an arbitrary (not-necessarily-16) byte offset, and the saved fp/lr
// live at arbitrary CFA-relative offsets rather than exactly at CFA-16 and
// CFA-8. It exists because DWARF can describe frame layouts the compact
// UseFramePointer shape cannot.
type UseFramePointerWithOffsets struct {
	CfaFromFp       int64
	FpOffsetFromCfa int64
	LrOffsetFromCfa int64
}

func (r UseFramePointerWithOffsets) Execute(regs Regs, firstFrame bool, readStack unwind.ReadStack) (Regs, uint64, error) {
	cfa := uint64(int64(regs.FP) + r.CfaFromFp)
	newFP, err := readStack(uint64(int64(cfa) + r.FpOffsetFromCfa))
	if err != nil {
		return Regs{}, 0, err
	}
	newLR, err := readStack(uint64(int64(cfa) + r.LrOffsetFromCfa))
	if err != nil {
		return Regs{}, 0, err
	}
	return Regs{SP: cfa, FP: stripPAC(newFP), LR: stripPAC(newLR)}, stripPAC(newLR), nil
}
func (UseFramePointerWithOffsets) IsFramePointerBased() bool { return true }
