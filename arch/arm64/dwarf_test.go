// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package arm64

import (
	"testing"

	"github.com/saferwall/unwind"
	dwarfpkg "github.com/saferwall/unwind/dwarf"
)

func rowWithRules(cfaReg dwarfpkg.Register, cfaOffset int64, fp, lr dwarfpkg.RegisterRule) dwarfpkg.Row {
	return dwarfpkg.Row{
		CFA:       dwarfpkg.CfaRule{Kind: dwarfpkg.CfaRegisterAndOffset, Register: cfaReg, Offset: cfaOffset},
		Registers: map[dwarfpkg.Register]dwarfpkg.RegisterRule{dwarfRegFP: fp, dwarfRegLR: lr},
	}
}

func TestTranslateDwarfRow_OffsetSp(t *testing.T) {
	a := NewArchOps(nil)
	row := rowWithRules(dwarfRegSP, 32,
		dwarfpkg.RegisterRule{Kind: dwarfpkg.RuleUndefined},
		dwarfpkg.RegisterRule{Kind: dwarfpkg.RuleUndefined})

	rule, ok, err := a.TranslateDwarfRow(row)
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	os, ok := rule.(OffsetSp)
	if !ok || os.K != 2 {
		t.Fatalf("rule = %+v (%T), want OffsetSp{K:2}", rule, rule)
	}
}

func TestTranslateDwarfRow_OffsetSpNotMultipleOf16(t *testing.T) {
	a := NewArchOps(nil)
	row := rowWithRules(dwarfRegSP, 24,
		dwarfpkg.RegisterRule{Kind: dwarfpkg.RuleUndefined},
		dwarfpkg.RegisterRule{Kind: dwarfpkg.RuleUndefined})

	_, ok, err := a.TranslateDwarfRow(row)
	if ok || err != dwarfpkg.ErrUnhandledRowShape {
		t.Fatalf("ok=%v err=%v, want ok=false err=ErrUnhandledRowShape", ok, err)
	}
}

func TestTranslateDwarfRow_OffsetSpAndRestoreLr(t *testing.T) {
	a := NewArchOps(nil)
	row := rowWithRules(dwarfRegSP, 32,
		dwarfpkg.RegisterRule{Kind: dwarfpkg.RuleUndefined},
		dwarfpkg.RegisterRule{Kind: dwarfpkg.RuleOffset, Offset: -8})

	rule, ok, err := a.TranslateDwarfRow(row)
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	r, ok := rule.(OffsetSpAndRestoreLr)
	if !ok || r.K != 2 || r.J != 3 {
		t.Fatalf("rule = %+v (%T), want OffsetSpAndRestoreLr{K:2,J:3}", rule, rule)
	}
}

func TestTranslateDwarfRow_OffsetSpAndRestoreFpAndLr(t *testing.T) {
	a := NewArchOps(nil)
	row := rowWithRules(dwarfRegSP, 32,
		dwarfpkg.RegisterRule{Kind: dwarfpkg.RuleOffset, Offset: -16},
		dwarfpkg.RegisterRule{Kind: dwarfpkg.RuleOffset, Offset: -8})

	rule, ok, err := a.TranslateDwarfRow(row)
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	r, ok := rule.(OffsetSpAndRestoreFpAndLr)
	if !ok || r.K != 2 || r.J != 3 || r.M != 2 {
		t.Fatalf("rule = %+v (%T), want OffsetSpAndRestoreFpAndLr{K:2,J:3,M:2}", rule, rule)
	}
}

func TestTranslateDwarfRow_RestoringFpButNotLr(t *testing.T) {
	a := NewArchOps(nil)
	row := rowWithRules(dwarfRegSP, 32,
		dwarfpkg.RegisterRule{Kind: dwarfpkg.RuleOffset, Offset: -16},
		dwarfpkg.RegisterRule{Kind: dwarfpkg.RuleUndefined})

	_, ok, err := a.TranslateDwarfRow(row)
	if ok || err != dwarfpkg.ErrRestoringFpButNotLr {
		t.Fatalf("ok=%v err=%v, want ok=false err=ErrRestoringFpButNotLr", ok, err)
	}
}

func TestTranslateDwarfRow_UseFramePointer(t *testing.T) {
	a := NewArchOps(nil)
	row := rowWithRules(dwarfRegFP, 16,
		dwarfpkg.RegisterRule{Kind: dwarfpkg.RuleOffset, Offset: -16},
		dwarfpkg.RegisterRule{Kind: dwarfpkg.RuleOffset, Offset: -8})

	rule, ok, err := a.TranslateDwarfRow(row)
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if _, ok := rule.(UseFramePointer); !ok {
		t.Fatalf("rule = %T, want UseFramePointer", rule)
	}
}

func TestTranslateDwarfRow_UseFramePointerWithOffsets(t *testing.T) {
	a := NewArchOps(nil)
	row := rowWithRules(dwarfRegFP, 32,
		dwarfpkg.RegisterRule{Kind: dwarfpkg.RuleOffset, Offset: -32},
		dwarfpkg.RegisterRule{Kind: dwarfpkg.RuleOffset, Offset: -24})

	rule, ok, err := a.TranslateDwarfRow(row)
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	r, ok := rule.(UseFramePointerWithOffsets)
	if !ok || r.CfaFromFp != 32 || r.FpOffsetFromCfa != -32 || r.LrOffsetFromCfa != -24 {
		t.Fatalf("rule = %+v (%T), want UseFramePointerWithOffsets{32,-32,-24}", rule, rule)
	}
}

func TestTranslateDwarfRow_ExpressionCFAFallsBack(t *testing.T) {
	a := NewArchOps(nil)
	row := dwarfpkg.Row{CFA: dwarfpkg.CfaRule{Kind: dwarfpkg.CfaExpression}}
	_, ok, err := a.TranslateDwarfRow(row)
	if ok || err != dwarfpkg.ErrCfaIsExpression {
		t.Fatalf("ok=%v err=%v, want ok=false err=ErrCfaIsExpression", ok, err)
	}
}

func TestTranslateDwarfRow_UnhandledCfaRegister(t *testing.T) {
	a := NewArchOps(nil)
	row := rowWithRules(dwarfpkg.Register(3), 16,
		dwarfpkg.RegisterRule{Kind: dwarfpkg.RuleUndefined},
		dwarfpkg.RegisterRule{Kind: dwarfpkg.RuleUndefined})

	_, ok, err := a.TranslateDwarfRow(row)
	if ok || err != dwarfpkg.ErrUnhandledRowShape {
		t.Fatalf("ok=%v err=%v, want ok=false err=ErrUnhandledRowShape", ok, err)
	}
}

func TestEvaluateDwarfRow_RecoversRegisters(t *testing.T) {
	a := NewArchOps(nil)
	row := rowWithRules(dwarfRegSP, 32,
		dwarfpkg.RegisterRule{Kind: dwarfpkg.RuleOffset, Offset: -16},
		dwarfpkg.RegisterRule{Kind: dwarfpkg.RuleOffset, Offset: -8})

	regs := Regs{SP: 0x1000, FP: 0x2000, LR: 0x3000}
	stack := func(addr uint64) (uint64, error) {
		switch addr {
		case 0x1000 + 32 - 16:
			return 0x4242, nil // saved FP
		case 0x1000 + 32 - 8:
			return 0x5252, nil // saved LR
		}
		return 0, unwind.ErrCouldNotReadStack
	}

	out, ra, err := a.EvaluateDwarfRow(row, regs, false, stack)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.SP != 0x1020 {
		t.Fatalf("SP = 0x%x, want 0x1020", out.SP)
	}
	if out.FP != 0x4242 {
		t.Fatalf("FP = 0x%x, want 0x4242", out.FP)
	}
	if ra != 0x5252 || out.LR != 0x5252 {
		t.Fatalf("ra/LR = 0x%x/0x%x, want 0x5252", ra, out.LR)
	}
}

func TestEvaluateDwarfRow_StripsPointerAuthentication(t *testing.T) {
	a := NewArchOps(nil)
	row := rowWithRules(dwarfRegSP, 32,
		dwarfpkg.RegisterRule{Kind: dwarfpkg.RuleOffset, Offset: -16},
		dwarfpkg.RegisterRule{Kind: dwarfpkg.RuleOffset, Offset: -8})

	const signedLR = (uint64(0xAB) << 56) | 0x5252
	regs := Regs{SP: 0x1000, FP: 0x2000, LR: 0x3000}
	stack := func(addr uint64) (uint64, error) {
		switch addr {
		case 0x1000 + 32 - 16:
			return 0x4242, nil
		case 0x1000 + 32 - 8:
			return signedLR, nil
		}
		return 0, unwind.ErrCouldNotReadStack
	}

	out, ra, err := a.EvaluateDwarfRow(row, regs, false, stack)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.LR != 0x5252 || ra != 0x5252 {
		t.Fatalf("LR/ra = 0x%x/0x%x, want the PAC-stripped 0x5252", out.LR, ra)
	}
}

func TestEvaluateDwarfRow_StackPointerMovedBackwards(t *testing.T) {
	a := NewArchOps(nil)
	row := rowWithRules(dwarfRegSP, 0, // CFA == current SP
		dwarfpkg.RegisterRule{Kind: dwarfpkg.RuleUndefined},
		dwarfpkg.RegisterRule{Kind: dwarfpkg.RuleUndefined})

	regs := Regs{SP: 0x1000}
	stack := func(addr uint64) (uint64, error) { return 0, unwind.ErrCouldNotReadStack }

	_, _, err := a.EvaluateDwarfRow(row, regs, false, stack)
	if err != unwind.ErrStackPointerMovedBackwards {
		t.Fatalf("err = %v, want ErrStackPointerMovedBackwards", err)
	}
}
