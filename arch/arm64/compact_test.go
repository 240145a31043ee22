// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package arm64

import (
	"errors"
	"testing"

	"github.com/saferwall/unwind/compactunwind"
)

func opcode(kind uint8, value uint32) compactunwind.Opcode {
	return compactunwind.Opcode(uint32(kind)<<24 | (value & 0x00ffffff))
}

func TestDecodeCompactOpcode_NullOpcode(t *testing.T) {
	a := NewArchOps(nil)

	rule, needDwarf, _, err := a.DecodeCompactOpcode(compactunwind.Opcode(0), true)
	if err != nil || needDwarf {
		t.Fatalf("firstFrame: err=%v needDwarf=%v", err, needDwarf)
	}
	if _, ok := rule.(NoOp); !ok {
		t.Fatalf("expected NoOp, got %T", rule)
	}

	_, _, _, err = a.DecodeCompactOpcode(compactunwind.Opcode(0), false)
	if err != ErrFunctionHasNoInfo {
		t.Fatalf("non-first frame: err = %v, want ErrFunctionHasNoInfo", err)
	}
}

func TestDecodeCompactOpcode_FramelessZeroSize(t *testing.T) {
	a := NewArchOps(nil)
	rule, needDwarf, _, err := a.DecodeCompactOpcode(opcode(kindFrameless, 0), true)
	if err != nil || needDwarf {
		t.Fatalf("err=%v needDwarf=%v", err, needDwarf)
	}
	if _, ok := rule.(NoOp); !ok {
		t.Fatalf("expected NoOp, got %T", rule)
	}

	_, _, _, err = a.DecodeCompactOpcode(opcode(kindFrameless, 0), false)
	if err != ErrCallerCannotBeFrameless {
		t.Fatalf("err = %v, want ErrCallerCannotBeFrameless", err)
	}
}

func TestDecodeCompactOpcode_FramelessNonZeroSize(t *testing.T) {
	a := NewArchOps(nil)
	rule, needDwarf, _, err := a.DecodeCompactOpcode(opcode(kindFrameless, 4), true)
	if err != nil || needDwarf {
		t.Fatalf("err=%v needDwarf=%v", err, needDwarf)
	}
	os, ok := rule.(OffsetSp)
	if !ok || os.K != 4 {
		t.Fatalf("rule = %+v (%T), want OffsetSp{K:4}", rule, rule)
	}
}

func TestDecodeCompactOpcode_CallerCannotBeFrameless(t *testing.T) {
	a := NewArchOps(nil)
	_, _, _, err := a.DecodeCompactOpcode(opcode(kindFrameless, 4), false)
	if err != ErrCallerCannotBeFrameless {
		t.Fatalf("err = %v, want ErrCallerCannotBeFrameless", err)
	}
}

func TestDecodeCompactOpcode_FrameBased(t *testing.T) {
	a := NewArchOps(nil)
	rule, needDwarf, _, err := a.DecodeCompactOpcode(opcode(kindFrameBased, 0), false)
	if err != nil || needDwarf {
		t.Fatalf("err=%v needDwarf=%v", err, needDwarf)
	}
	if _, ok := rule.(UseFramePointer); !ok {
		t.Fatalf("expected UseFramePointer, got %T", rule)
	}
}

func TestDecodeCompactOpcode_Dwarf(t *testing.T) {
	a := NewArchOps(nil)
	rule, needDwarf, fdeOffset, err := a.DecodeCompactOpcode(opcode(kindDwarf, 0x4242), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !needDwarf || rule != nil {
		t.Fatalf("needDwarf=%v rule=%v, want needDwarf=true rule=nil", needDwarf, rule)
	}
	if fdeOffset != 0x4242 {
		t.Fatalf("fdeOffset = 0x%x, want 0x4242", fdeOffset)
	}
}

func TestDecodeCompactOpcode_BadKind(t *testing.T) {
	a := NewArchOps(nil)
	_, _, _, err := a.DecodeCompactOpcode(opcode(9, 0), true)
	var badKind ErrBadOpcodeKind
	if !errors.As(err, &badKind) || badKind.Kind != 9 {
		t.Fatalf("err = %v, want ErrBadOpcodeKind{9}", err)
	}
}
