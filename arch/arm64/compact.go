// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package arm64

import (
	"errors"
	"fmt"

	"github.com/saferwall/unwind"
	"github.com/saferwall/unwind/compactunwind"
)

// Compact-unwind opcode kinds, matching Apple's UNWIND_ARM64_MODE_MASK
// values: the 4-bit field compactunwind.Opcode.Kind() returns.
const (
	kindFrameless  = 2
	kindDwarf      = 3
	kindFrameBased = 4
)

var (
	// ErrFunctionHasNoInfo is returned for a null opcode on a non-first
	// frame: the compiler emitted no unwind information for this
	// function, and unlike the first frame there is no PC to fall back
	// on for instruction analysis.
	ErrFunctionHasNoInfo = errors.New("arm64: function has no compact unwind info")

	// ErrCallerCannotBeFrameless is returned whenever a Frameless opcode
	// (zero or non-zero stack size) is matched on a frame other than the
	// first: a caller frame claiming to be frameless is always treated
	// as bad data, since frameless unwinding is only trustworthy for the
	// function currently executing.
	ErrCallerCannotBeFrameless = errors.New("arm64: caller frame cannot use a frameless compact unwind opcode")
)

// ErrBadOpcodeKind is returned when an opcode's kind nibble is not one of
// Frameless/Dwarf/FrameBased.
type ErrBadOpcodeKind struct{ Kind uint8 }

func (e ErrBadOpcodeKind) Error() string {
	return fmt.Sprintf("arm64: unrecognized compact unwind opcode kind %d", e.Kind)
}

// DecodeCompactOpcode implements unwind.ArchOps. It follows the table in
// §4.2: Frameless{0} and FrameBased both produce concrete rules; Dwarf
// defers to the DWARF evaluator by returning needDwarf; anything else on a
// non-first frame is an error rather than a guess.
func (a *ArchOps) DecodeCompactOpcode(op compactunwind.Opcode, firstFrame bool) (unwind.Rule[Regs], bool, uint32, error) {
	if op.IsNull() {
		if firstFrame {
			return NoOp{}, false, 0, nil
		}
		return nil, false, 0, ErrFunctionHasNoInfo
	}

	switch op.Kind() {
	case kindFrameless:
		stackSize16 := int64(op.Value() & 0xfff)
		if stackSize16 == 0 {
			if firstFrame {
				return NoOp{}, false, 0, nil
			}
			return nil, false, 0, ErrCallerCannotBeFrameless
		}
		if !firstFrame {
			return nil, false, 0, ErrCallerCannotBeFrameless
		}
		return OffsetSp{K: stackSize16}, false, 0, nil

	case kindDwarf:
		fdeOffset := op.Value() & 0x00ffffff
		return nil, true, fdeOffset, nil

	case kindFrameBased:
		return UseFramePointer{}, false, 0, nil

	default:
		return nil, false, 0, ErrBadOpcodeKind{Kind: op.Kind()}
	}
}
