// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package amd64

import (
	"errors"
	"fmt"

	"github.com/saferwall/unwind"
	"github.com/saferwall/unwind/compactunwind"
)

// Compact-unwind opcode kinds, matching Apple's UNWIND_X86_64_MODE_MASK
// values.
const (
	kindFrameBased       = 1
	kindFramelessImmed   = 2
	kindFramelessIndirect = 3
	kindDwarf            = 4
)

var (
	// ErrFunctionHasNoInfo mirrors arm64's: a null opcode on a non-first
	// frame means the compiler emitted no unwind data for this function.
	ErrFunctionHasNoInfo = errors.New("amd64: function has no compact unwind info")

	// ErrCantHandleFramelessIndirect is returned for the indirect
	// frameless encoding: its stack size must be read out of the
	// function's own prologue instructions, which this decoder does not
	// do (the instruction analyzer handles prologue inspection only for
	// the first frame, never as a substitute for this opcode kind).
	ErrCantHandleFramelessIndirect = errors.New("amd64: frameless-indirect compact unwind opcode is not supported")

	// ErrInvalidFramelessRegisterCount is returned when a FramelessImmediate
	// opcode's 3-bit register count is outside the 0-6 range the encoding's
	// permutation ladder is defined for.
	ErrInvalidFramelessRegisterCount = errors.New("amd64: invalid frameless compact unwind register count")
)

// appleFramelessRegisterOrder is the ABI-defined register order Apple's
// compact-unwind format numbers 1..6 in a FramelessImmediate opcode's
// permutation (UNWIND_X86_64_REG_* in mach-o/compact_unwind_encoding.h).
// Register 0 ("none") never appears in a decoded list.
var appleFramelessRegisterOrder = [6]Register{RBX, R12, R13, R14, R15, RBP}

// decodeFramelessPermutation reverses the Lehmer-code-style packing
// mach-o/compact_unwind_encoding.h documents for a FramelessImmediate
// opcode's low 10 bits: a per-count division/remainder ladder recovers,
// for each of the count saved registers in turn, its rank among the
// registers not yet assigned, then maps that rank back to
// appleFramelessRegisterOrder. This is a distinct codec from
// permutation.go's EncodePermutation/DecodePermutation (spec §3's generic
// bijection over an 8-register domain with a different radix) and the two
// must not be used interchangeably.
func decodeFramelessPermutation(permutation uint32, count int) ([]Register, error) {
	if count < 1 || count > 6 {
		return nil, ErrInvalidFramelessRegisterCount
	}

	var permunreg [6]uint32
	switch count {
	case 6:
		permunreg[0] = permutation / 120
		permutation -= permunreg[0] * 120
		permunreg[1] = permutation / 24
		permutation -= permunreg[1] * 24
		permunreg[2] = permutation / 6
		permutation -= permunreg[2] * 6
		permunreg[3] = permutation / 2
		permutation -= permunreg[3] * 2
		permunreg[4] = permutation
		permunreg[5] = 0
	case 5:
		permunreg[0] = permutation / 120
		permutation -= permunreg[0] * 120
		permunreg[1] = permutation / 24
		permutation -= permunreg[1] * 24
		permunreg[2] = permutation / 6
		permutation -= permunreg[2] * 6
		permunreg[3] = permutation / 2
		permutation -= permunreg[3] * 2
		permunreg[4] = permutation
	case 4:
		permunreg[0] = permutation / 60
		permutation -= permunreg[0] * 60
		permunreg[1] = permutation / 12
		permutation -= permunreg[1] * 12
		permunreg[2] = permutation / 3
		permutation -= permunreg[2] * 3
		permunreg[3] = permutation
	case 3:
		permunreg[0] = permutation / 20
		permutation -= permunreg[0] * 20
		permunreg[1] = permutation / 4
		permutation -= permunreg[1] * 4
		permunreg[2] = permutation
	case 2:
		permunreg[0] = permutation / 5
		permutation -= permunreg[0] * 5
		permunreg[1] = permutation
	case 1:
		permunreg[0] = permutation
	}

	var used [7]bool
	registers := make([]Register, count)
	for i := 0; i < count; i++ {
		renum := uint32(0)
		for u := 1; u <= 6; u++ {
			if used[u] {
				continue
			}
			if renum == permunreg[i] {
				registers[i] = appleFramelessRegisterOrder[u-1]
				used[u] = true
				break
			}
			renum++
		}
	}
	return registers, nil
}

// ErrBadOpcodeKind is returned when an opcode's kind nibble is not one of
// FrameBased/FramelessImmediate/FramelessIndirect/Dwarf.
type ErrBadOpcodeKind struct{ Kind uint8 }

func (e ErrBadOpcodeKind) Error() string {
	return fmt.Sprintf("amd64: unrecognized compact unwind opcode kind %d", e.Kind)
}

// DecodeCompactOpcode implements unwind.ArchOps, per §4.2's x86_64 table.
func (a *ArchOps) DecodeCompactOpcode(op compactunwind.Opcode, firstFrame bool) (unwind.Rule[Regs], bool, uint32, error) {
	if op.IsNull() {
		if firstFrame {
			return JustReturn{}, false, 0, nil
		}
		return nil, false, 0, ErrFunctionHasNoInfo
	}

	switch op.Kind() {
	case kindFrameBased:
		return UseFramePointer{}, false, 0, nil

	case kindFramelessImmed:
		v := op.Value()
		stackSizeUnits := int64((v >> 16) & 0xff)
		regCount := int((v >> 10) & 0x7)
		permutation := v & 0x3ff

		if regCount == 0 {
			return OffsetSp{K: stackSizeUnits}, false, 0, nil
		}
		regs, err := decodeFramelessPermutation(permutation, regCount)
		if err != nil {
			return nil, false, 0, err
		}
		for i, reg := range regs {
			if reg == RBP {
				j := stackSizeUnits - 1 - int64(regCount) + int64(i)
				return OffsetSpAndRestoreBp{K: stackSizeUnits, J: j}, false, 0, nil
			}
		}
		return OffsetSp{K: stackSizeUnits}, false, 0, nil

	case kindFramelessIndirect:
		return nil, false, 0, ErrCantHandleFramelessIndirect

	case kindDwarf:
		fdeOffset := op.Value() & 0x00ffffff
		return nil, true, fdeOffset, nil

	default:
		return nil, false, 0, ErrBadOpcodeKind{Kind: op.Kind()}
	}
}
