// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package amd64

import (
	"encoding/binary"

	"github.com/saferwall/unwind"
)

// RefineFirstFrame implements unwind.ArchOps's instruction analyzer
// (§4.4), applied only to the first frame. A backward scan from pc
// recovers prologue instructions that already executed; a forward scan
// recognizes a pop/add-rsp/ret epilogue tail.
func (a *ArchOps) RefineFirstFrame(rule unwind.Rule[Regs], funcStart, pc uint64, text []byte, textBase uint64) (unwind.Rule[Regs], bool) {
	switch rule.(type) {
	case UseFramePointer, OffsetSp, OffsetSpAndPopRegisters, OffsetSpAndRestoreBp, JustReturn:
	default:
		return nil, false
	}

	if refined, ok := a.refineEpilogue(pc, text, textBase); ok {
		return refined, true
	}
	return a.refinePrologue(pc, text, textBase)
}

// refinePrologue scans backward from pc for push-reg / sub-rsp-immediate
// instructions that already executed, and the canonical `push rbp; mov
// rbp, rsp` pair. Encountering any other byte pattern stops the scan.
func (a *ArchOps) refinePrologue(pc uint64, text []byte, textBase uint64) (unwind.Rule[Regs], bool) {
	if pc < textBase {
		return nil, false
	}
	cursor := pc - textBase
	var pushes int64

	for {
		if matchMovBpSp(text, cursor) && cursor >= 4 && text[cursor-4] == 0x55 {
			return UseFramePointer{}, true
		}
		if n, ok := matchSubRspImm32(text, cursor); ok {
			pushes += n / 8
			cursor -= 7
			continue
		}
		if n, ok := matchSubRspImm8(text, cursor); ok {
			pushes += n / 8
			cursor -= 4
			continue
		}
		if ok := matchRexPushReg(text, cursor); ok {
			pushes++
			cursor -= 2
			continue
		}
		if ok := matchPushReg(text, cursor); ok {
			pushes++
			cursor--
			continue
		}
		break
	}

	return OffsetSp{K: pushes + 1}, true
}

// refineEpilogue scans forward from pc for a pop-register / add-rsp / ret
// sequence, encoding it as a single OffsetSpAndPopRegisters rule if the
// whole tail fits the grammar.
func (a *ArchOps) refineEpilogue(pc uint64, text []byte, textBase uint64) (unwind.Rule[Regs], bool) {
	if pc < textBase {
		return nil, false
	}
	cursor := pc - textBase
	var regs []Register
	var extra int64
	reachedRet := false

	for i := 0; i < 16; i++ {
		if cursor >= uint64(len(text)) {
			break
		}
		if text[cursor] == 0xc3 {
			reachedRet = true
			break
		}
		if reg, ok := decodePopReg(text, cursor, false); ok {
			regs = append(regs, reg)
			cursor++
			continue
		}
		if reg, ok := decodePopReg(text, cursor, true); ok {
			regs = append(regs, reg)
			cursor += 2
			continue
		}
		if n, ok := matchAddRspImm32(text, cursor); ok {
			extra += n / 8
			cursor += 7
			continue
		}
		if n, ok := matchAddRspImm8(text, cursor); ok {
			extra += n / 8
			cursor += 4
			continue
		}
		break
	}

	if !reachedRet {
		return nil, false
	}
	return OffsetSpAndPopRegisters{K: extra, Registers: regs}, true
}

func matchMovBpSp(text []byte, cursor uint64) bool {
	if cursor < 3 || cursor > uint64(len(text)) {
		return false
	}
	b := text[cursor-3 : cursor]
	return b[0] == 0x48 && b[1] == 0x89 && b[2] == 0xe5
}

func matchSubRspImm8(text []byte, cursor uint64) (int64, bool) {
	if cursor < 4 || cursor > uint64(len(text)) {
		return 0, false
	}
	b := text[cursor-4 : cursor]
	if b[0] != 0x48 || b[1] != 0x83 || b[2] != 0xec {
		return 0, false
	}
	return int64(int8(b[3])), true
}

func matchSubRspImm32(text []byte, cursor uint64) (int64, bool) {
	if cursor < 7 || cursor > uint64(len(text)) {
		return 0, false
	}
	b := text[cursor-7 : cursor]
	if b[0] != 0x48 || b[1] != 0x81 || b[2] != 0xec {
		return 0, false
	}
	return int64(int32(binary.LittleEndian.Uint32(b[3:7]))), true
}

func matchAddRspImm8(text []byte, cursor uint64) (int64, bool) {
	if cursor+4 > uint64(len(text)) {
		return 0, false
	}
	b := text[cursor : cursor+4]
	if b[0] != 0x48 || b[1] != 0x83 || b[2] != 0xc4 {
		return 0, false
	}
	return int64(int8(b[3])), true
}

func matchAddRspImm32(text []byte, cursor uint64) (int64, bool) {
	if cursor+7 > uint64(len(text)) {
		return 0, false
	}
	b := text[cursor : cursor+7]
	if b[0] != 0x48 || b[1] != 0x81 || b[2] != 0xc4 {
		return 0, false
	}
	return int64(int32(binary.LittleEndian.Uint32(b[3:7]))), true
}

func matchPushReg(text []byte, cursor uint64) bool {
	if cursor == 0 || cursor > uint64(len(text)) {
		return false
	}
	b := text[cursor-1]
	return b >= 0x50 && b <= 0x57
}

func matchRexPushReg(text []byte, cursor uint64) bool {
	if cursor < 2 || cursor > uint64(len(text)) {
		return false
	}
	return text[cursor-2] == 0x41 && text[cursor-1] >= 0x50 && text[cursor-1] <= 0x57
}

// decodePopReg recognizes a pop-register instruction at text[cursor],
// optionally prefixed by REX.B (0x41), and returns the register popped if
// it is one the permutation domain tracks.
func decodePopReg(text []byte, cursor uint64, rex bool) (Register, bool) {
	off := cursor
	if rex {
		if off+1 >= uint64(len(text)) || text[off] != 0x41 {
			return 0, false
		}
		off++
	}
	if off >= uint64(len(text)) {
		return 0, false
	}
	b := text[off]
	if b < 0x58 || b > 0x5f {
		return 0, false
	}
	if rex {
		switch b {
		case 0x5c: // r12
			return R12, true
		case 0x5d: // r13
			return R13, true
		case 0x5e: // r14
			return R14, true
		case 0x5f: // r15
			return R15, true
		default:
			return 0, false
		}
	}
	switch b {
	case 0x5b:
		return RBX, true
	case 0x5d:
		return RBP, true
	case 0x5e:
		return RSI, true
	case 0x5f:
		return RDI, true
	default:
		return 0, false
	}
}
