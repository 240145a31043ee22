// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package peunwind

import "encoding/binary"

// ReadStack reads one 64-bit little-endian word from stack memory.
type ReadStack func(addr uint64) (uint64, error)

// Registers is peunwind's own neutral x86_64 register file: just enough of
// the callee-saved GPR set for UWOP_PUSH_NONVOL/UWOP_SAVE_NONVOL to target.
// It exists so this package never has to import the generic driver's
// arch-specific register type.
type Registers struct {
	RSP, RBP, IP                              uint64
	RAX, RCX, RDX, RBX, RSI, RDI               uint64
	R8, R9, R10, R11, R12, R13, R14, R15       uint64
}

func (r *Registers) set(reg uint8, v uint64) {
	switch reg {
	case regRAX:
		r.RAX = v
	case regRCX:
		r.RCX = v
	case regRDX:
		r.RDX = v
	case regRBX:
		r.RBX = v
	case regRBP:
		r.RBP = v
	case regRSI:
		r.RSI = v
	case regRDI:
		r.RDI = v
	case regR8:
		r.R8 = v
	case regR9:
		r.R9 = v
	case regR10:
		r.R10 = v
	case regR11:
		r.R11 = v
	case regR12:
		r.R12 = v
	case regR13:
		r.R13 = v
	case regR14:
		r.R14 = v
	case regR15:
		r.R15 = v
	}
}

func (r Registers) get(reg uint8) uint64 {
	switch reg {
	case regRAX:
		return r.RAX
	case regRCX:
		return r.RCX
	case regRDX:
		return r.RDX
	case regRBX:
		return r.RBX
	case regRBP:
		return r.RBP
	case regRSI:
		return r.RSI
	case regRDI:
		return r.RDI
	case regR8:
		return r.R8
	case regR9:
		return r.R9
	case regR10:
		return r.R10
	case regR11:
		return r.R11
	case regR12:
		return r.R12
	case regR13:
		return r.R13
	case regR14:
		return r.R14
	case regR15:
		return r.R15
	default:
		return 0
	}
}

// Translate simulates unwinding through one function's _UNWIND_INFO,
// always returning an uncacheable direct step per §4.5: the result depends
// on prologOffset as well as the address, so it cannot be keyed the way a
// compact-unwind or DWARF rule can.
//
// prologOffset is the current address's byte offset from the function's
// start. Codes are processed in array order, which Microsoft's format
// already stores in the order they must be undone (last-executed first);
// a code is applied only if CodeOffset <= prologOffset, i.e. its
// instruction has actually run by the time execution reached the current
// address.
func Translate(info *UnwindInfo, regs Registers, prologOffset uint8, readStack ReadStack) (Registers, uint64, error) {
	sp := regs.RSP
	out := regs

	for _, code := range info.UnwindCodes {
		if code.CodeOffset > prologOffset {
			continue
		}
		switch code.UnwindOp {
		case UwOpPushNonVol:
			v, err := readStack(sp)
			if err != nil {
				return Registers{}, 0, ErrMissingStackData
			}
			out.set(code.OpInfo, v)
			sp += 8
		case UwOpAllocSmall, UwOpAllocLarge:
			sp += uint64(code.AllocSize)
		case UwOpSetFpReg:
			// The frame register was established at this point in the
			// prolog; our sp-based walk already tracks the same
			// location, so there is nothing further to undo.
		case UwOpSaveNonVol, UwOpSaveNonVolFar:
			v, err := readStack(sp + uint64(code.FrameOffset))
			if err != nil {
				return Registers{}, 0, ErrMissingStackData
			}
			out.set(code.OpInfo, v)
		case UwOpPushMachFrame:
			// A hardware interrupt/exception frame; its effect on sp is
			// architecture/OS-defined and not one this unwinder models.
		}
	}

	ra, err := readStack(sp)
	if err != nil {
		return Registers{}, 0, ErrMissingStackData
	}
	out.RSP = sp + 8
	out.IP = ra
	return out, ra, nil
}

// DetectEpilogue scans forward from pc for a pop-register / add-rsp / ret
// grammar; if the whole tail matches, it returns the Registers after fully
// executing the epilogue and the return address, same as Translate.
func DetectEpilogue(text []byte, textOffset uint64, regs Registers, readStack ReadStack) (Registers, uint64, bool) {
	sp := regs.RSP
	out := regs
	cursor := textOffset
	reachedRet := false

	for i := 0; i < 16; i++ {
		if cursor >= uint64(len(text)) {
			break
		}
		if text[cursor] == 0xc3 {
			reachedRet = true
			break
		}
		if reg, rex, ok := decodePopOpcode(text, cursor); ok {
			v, err := readStack(sp)
			if err != nil {
				return Registers{}, 0, false
			}
			out.set(reg, v)
			sp += 8
			if rex {
				cursor += 2
			} else {
				cursor++
			}
			continue
		}
		if n, adv, ok := decodeAddRsp(text, cursor); ok {
			sp = uint64(int64(sp) + n)
			cursor += adv
			continue
		}
		break
	}

	if !reachedRet {
		return Registers{}, 0, false
	}
	ra, err := readStack(sp)
	if err != nil {
		return Registers{}, 0, false
	}
	out.RSP = sp + 8
	out.IP = ra
	return out, ra, true
}

func decodePopOpcode(text []byte, cursor uint64) (reg uint8, rex bool, ok bool) {
	off := cursor
	hasRex := off < uint64(len(text)) && text[off] == 0x41
	if hasRex {
		off++
	}
	if off >= uint64(len(text)) {
		return 0, false, false
	}
	b := text[off]
	if b < 0x58 || b > 0x5f {
		return 0, false, false
	}
	regNum := b - 0x58
	if hasRex {
		regNum += 8
	}
	return regNum, hasRex, true
}

func decodeAddRsp(text []byte, cursor uint64) (int64, uint64, bool) {
	if cursor+4 <= uint64(len(text)) {
		b := text[cursor : cursor+4]
		if b[0] == 0x48 && b[1] == 0x83 && b[2] == 0xc4 {
			return int64(int8(b[3])), 4, true
		}
	}
	if cursor+7 <= uint64(len(text)) {
		b := text[cursor : cursor+7]
		if b[0] == 0x48 && b[1] == 0x81 && b[2] == 0xc4 {
			return int64(int32(binary.LittleEndian.Uint32(b[3:7]))), 7, true
		}
	}
	return 0, 0, false
}
