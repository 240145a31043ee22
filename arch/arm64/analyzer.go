// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package arm64

import (
	"encoding/binary"

	"github.com/saferwall/unwind"
)

const retInstruction = 0xd65f03c0 // ret

// RefineFirstFrame implements unwind.ArchOps's instruction analyzer
// (§4.4), applied only to the first frame and only when the compact-unwind
// rule was UseFramePointer or a non-trivial Frameless. It walks 4-byte
// instructions forward, simulating a running sp_offset: first from
// funcStart up to pc (prologue), then, if that fails, from pc onwards
// (epilogue), looking for the handful of store/load-pair and
// sp-immediate-adjust encodings a prologue or epilogue is built from; any
// other encoding stops the walk.
func (a *ArchOps) RefineFirstFrame(rule unwind.Rule[Regs], funcStart, pc uint64, text []byte, textBase uint64) (unwind.Rule[Regs], bool) {
	switch rule.(type) {
	case UseFramePointer, OffsetSp:
	default:
		return nil, false
	}

	if refined, ok := a.refinePrologue(funcStart, pc, text, textBase); ok {
		return refined, true
	}
	return a.refineEpilogue(pc, text, textBase)
}

// refinePrologue walks forward from the function's start, accumulating the
// sp adjustment of every prologue instruction that has already executed
// (i.e. strictly before pc), and stops as soon as it reaches pc. The
// compact-unwind/DWARF-derived rule this refines assumes the full prologue
// has run; the accumulated offset says how much of it actually has, so the
// correction is "undo exactly that much". Hitting an unrecognized encoding
// before reaching pc aborts refinement (ok=false) rather than guess.
func (a *ArchOps) refinePrologue(funcStart, pc uint64, text []byte, textBase uint64) (unwind.Rule[Regs], bool) {
	if funcStart == 0 || pc < funcStart || funcStart < textBase {
		return nil, false
	}
	start := funcStart - textBase
	end := pc - textBase
	var spOffset int64

	for addr := start; addr < end; addr += 4 {
		if addr+4 > uint64(len(text)) {
			return nil, false
		}
		insn := binary.LittleEndian.Uint32(text[addr : addr+4])

		if delta, ok := decodeStorePairSP(insn); ok {
			spOffset += delta
			continue
		}
		if delta, ok := decodeAddSubSPImmediate(insn); ok {
			spOffset += delta
			continue
		}
		// An unrecognized instruction before pc means this walk cannot
		// account for all the state that has actually changed.
		return nil, false
	}

	if spOffset == 0 {
		return NoOp{}, true
	}
	if spOffset%16 != 0 {
		return nil, false
	}
	return OffsetSp{K: -spOffset / 16}, true
}

// refineEpilogue walks forward from pc looking for the load-pair-into-(fp,
// lr) and sp-adjustment sequence an epilogue is built from, terminating on
// `ret`.
func (a *ArchOps) refineEpilogue(pc uint64, text []byte, textBase uint64) (unwind.Rule[Regs], bool) {
	if pc < textBase {
		return nil, false
	}
	start := pc - textBase
	var spOffset int64
	sawFpLrLoad := false

	for off := uint64(0); ; off += 4 {
		addr := start + off
		if addr+4 > uint64(len(text)) {
			break
		}
		if off > 64 {
			break
		}
		insn := binary.LittleEndian.Uint32(text[addr : addr+4])

		if insn == retInstruction {
			if !sawFpLrLoad {
				return nil, false
			}
			if spOffset%16 != 0 {
				return nil, false
			}
			return OffsetSp{K: spOffset / 16}, true
		}
		if delta, ok := decodeLoadPairSP(insn); ok {
			spOffset += delta
			if insn&0x1f == 29 && (insn>>10)&0x1f == 30 {
				sawFpLrLoad = true
			}
			continue
		}
		if delta, ok := decodeAddSubSPImmediate(insn); ok {
			spOffset += delta
			continue
		}
		break
	}
	return nil, false
}

// decodeStorePairSP recognizes `stp Xt1, Xt2, [sp, #imm]!` and `stp Xt1,
// Xt2, [sp], #imm` (pre/post-indexed 64-bit store pair with base=SP),
// returning the signed immediate in bytes (imm7 * 8).
func decodeStorePairSP(insn uint32) (int64, bool) {
	// STP (pre/post-indexed, 64-bit): opc=10 101 0 idx L=0 imm7 Rt2 Rn Rt
	// bits31:22 = 1010100010 (post) or 1010100110 (pre), Rn=11111(sp)
	const mask = 0xffc00000
	const preIndexed = 0xa9800000
	const postIndexed = 0xa8800000
	if insn&mask != preIndexed && insn&mask != postIndexed {
		return 0, false
	}
	rn := (insn >> 5) & 0x1f
	if rn != 31 {
		return 0, false
	}
	imm7 := int64(int32(insn<<10) >> 25) // sign-extend bits 21:15
	return imm7 * 8, true
}

// decodeLoadPairSP is the load-pair mirror of decodeStorePairSP, matching
// `ldp Xt1, Xt2, [sp], #imm` / `ldp Xt1, Xt2, [sp, #imm]!`.
func decodeLoadPairSP(insn uint32) (int64, bool) {
	const mask = 0xffc00000
	const preIndexed = 0xa9c00000
	const postIndexed = 0xa8c00000
	if insn&mask != preIndexed && insn&mask != postIndexed {
		return 0, false
	}
	rn := (insn >> 5) & 0x1f
	if rn != 31 {
		return 0, false
	}
	imm7 := int64(int32(insn<<10) >> 25)
	return imm7 * 8, true
}

// decodeAddSubSPImmediate recognizes `sub sp, sp, #imm` / `add sp, sp,
// #imm` (64-bit, SP as both source and destination, no shift), returning
// the signed delta applied to sp.
func decodeAddSubSPImmediate(insn uint32) (int64, bool) {
	const mask = 0x7fc00000
	const subSP = 0x51000000
	const addSP = 0x11000000
	op := insn & mask
	if op != subSP && op != addSP {
		return 0, false
	}
	rd := insn & 0x1f
	rn := (insn >> 5) & 0x1f
	if rd != 31 || rn != 31 {
		return 0, false
	}
	imm12 := int64((insn >> 10) & 0xfff)
	if op == subSP {
		return -imm12, true
	}
	return imm12, true
}
