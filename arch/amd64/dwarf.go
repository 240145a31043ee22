// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package amd64

import (
	"github.com/saferwall/unwind"
	dwarfpkg "github.com/saferwall/unwind/dwarf"
)

// DWARF register numbers for x86_64, per the System V ABI's CFI register
// mapping. The return address is not a real GPR; CFI convention assigns it
// its own column, numbered 16.
const (
	dwarfRegBP = 6
	dwarfRegSP = 7
	dwarfRegRA = 16
)

// TranslateDwarfRow implements unwind.ArchOps. x86_64's compact rule set
// always reads the return address relative to the computed new stack
// pointer (the fixed -8 convention every JustReturn/OffsetSp variant
// relies on), so translation only succeeds when the row's return-address
// rule actually matches that convention; anything else falls back to
// direct evaluation.
func (a *ArchOps) TranslateDwarfRow(row dwarfpkg.Row) (unwind.Rule[Regs], bool, error) {
	if row.CFA.Kind != dwarfpkg.CfaRegisterAndOffset {
		return nil, false, dwarfpkg.ErrCfaIsExpression
	}

	bpRule := row.Rule(dwarfRegBP)
	raRule := row.Rule(dwarfRegRA)
	bpTrivial := bpRule.Kind == dwarfpkg.RuleUndefined || bpRule.Kind == dwarfpkg.RuleSameValue
	raAtCfaMinus8 := raRule.Kind == dwarfpkg.RuleOffset && raRule.Offset == -8

	switch row.CFA.Register {
	case dwarfRegSP:
		if !raAtCfaMinus8 {
			return nil, false, dwarfpkg.ErrUnhandledRowShape
		}
		k := row.CFA.Offset
		if k%8 != 0 {
			return nil, false, dwarfpkg.ErrUnhandledRowShape
		}
		if bpTrivial {
			return OffsetSp{K: k / 8}, true, nil
		}
		if bpRule.Kind == dwarfpkg.RuleOffset {
			return OffsetSpAndRestoreBp{K: k / 8, J: (k + bpRule.Offset) / 8}, true, nil
		}
		return nil, false, dwarfpkg.ErrUnhandledRowShape

	case dwarfRegBP:
		if row.CFA.Offset == 16 && bpRule.Kind == dwarfpkg.RuleOffset && bpRule.Offset == -16 && raAtCfaMinus8 {
			return UseFramePointer{}, true, nil
		}
		return nil, false, dwarfpkg.ErrUnhandledRowShape

	default:
		return nil, false, dwarfpkg.ErrUnhandledRowShape
	}
}

// EvaluateDwarfRow implements unwind.ArchOps's uncacheable direct
// evaluation, per §4.3's "Direct evaluation" steps.
func (a *ArchOps) EvaluateDwarfRow(row dwarfpkg.Row, regs Regs, firstFrame bool, readStack unwind.ReadStack) (Regs, uint64, error) {
	regValues := func(r dwarfpkg.Register) (uint64, bool) {
		switch r {
		case dwarfRegBP:
			return regs.BP, true
		case dwarfRegSP:
			return regs.SP, true
		default:
			return 0, false
		}
	}
	read := func(addr uint64) (uint64, error) { return readStack(addr) }

	cfa, err := dwarfpkg.EvaluateCFA(row, regValues, read)
	if err != nil {
		return Regs{}, 0, err
	}

	newBP, haveBP, err := dwarfpkg.EvaluateRegisterRule(row.Rule(dwarfRegBP), cfa, regs.BP, true, regValues, read)
	if err != nil {
		return Regs{}, 0, dwarfpkg.ErrCouldNotRecoverFramePointer
	}
	newRA, haveRA, err := dwarfpkg.EvaluateRegisterRule(row.Rule(dwarfRegRA), cfa, regs.IP, true, regValues, read)
	if err != nil {
		return Regs{}, 0, dwarfpkg.ErrCouldNotRecoverReturnAddress
	}

	out := regs
	out.SP = cfa
	if haveBP {
		out.BP = newBP
	}
	if haveRA {
		out.IP = newRA
	}

	if !firstFrame && out.SP <= regs.SP {
		return Regs{}, 0, unwind.ErrStackPointerMovedBackwards
	}
	if cfa == regs.SP && out.IP == regs.IP {
		return Regs{}, 0, unwind.ErrDidNotAdvance
	}

	return out, out.IP, nil
}
