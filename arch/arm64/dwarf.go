// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package arm64

import (
	"github.com/saferwall/unwind"
	dwarfpkg "github.com/saferwall/unwind/dwarf"
)

// DWARF register numbers for aarch64, per the AArch64 ELF ABI's CFI
// register mapping: x0-x30 are 0-30, sp is 31, and the vendor extension
// used by unwinders for the "return address register" is simply x30 (the
// link register) -- LR has no separate DWARF number on this architecture.
const (
	dwarfRegFP = 29 // x29
	dwarfRegLR = 30 // x30 (also the link register)
	dwarfRegSP = 31
)

// TranslateDwarfRow implements unwind.ArchOps, following the translation
// table in §4.3.
func (a *ArchOps) TranslateDwarfRow(row dwarfpkg.Row) (unwind.Rule[Regs], bool, error) {
	if row.CFA.Kind != dwarfpkg.CfaRegisterAndOffset {
		return nil, false, dwarfpkg.ErrCfaIsExpression
	}

	fpRule := row.Rule(dwarfRegFP)
	lrRule := row.Rule(dwarfRegLR)

	switch row.CFA.Register {
	case dwarfRegSP:
		k := row.CFA.Offset
		fpTrivial := fpRule.Kind == dwarfpkg.RuleUndefined || fpRule.Kind == dwarfpkg.RuleSameValue
		lrTrivial := lrRule.Kind == dwarfpkg.RuleUndefined || lrRule.Kind == dwarfpkg.RuleSameValue
		if fpTrivial && lrTrivial {
			if k%16 != 0 {
				return nil, false, dwarfpkg.ErrUnhandledRowShape
			}
			return OffsetSp{K: k / 16}, true, nil
		}

		lrAtOffset := lrRule.Kind == dwarfpkg.RuleOffset
		fpAtOffset := fpRule.Kind == dwarfpkg.RuleOffset

		if lrAtOffset && fpTrivial {
			return OffsetSpAndRestoreLr{K: k / 16, J: (k + lrRule.Offset) / 8}, true, nil
		}
		if lrAtOffset && fpAtOffset {
			return OffsetSpAndRestoreFpAndLr{K: k / 16, J: (k + lrRule.Offset) / 8, M: (k + fpRule.Offset) / 8}, true, nil
		}
		if fpAtOffset && !lrAtOffset {
			return nil, false, dwarfpkg.ErrRestoringFpButNotLr
		}
		return nil, false, dwarfpkg.ErrUnhandledRowShape

	case dwarfRegFP:
		k := row.CFA.Offset
		if k == 16 && fpRule.Kind == dwarfpkg.RuleOffset && fpRule.Offset == -16 &&
			lrRule.Kind == dwarfpkg.RuleOffset && lrRule.Offset == -8 {
			return UseFramePointer{}, true, nil
		}
		if fpRule.Kind == dwarfpkg.RuleOffset && lrRule.Kind == dwarfpkg.RuleOffset {
			return UseFramePointerWithOffsets{
				CfaFromFp:       k,
				FpOffsetFromCfa: fpRule.Offset,
				LrOffsetFromCfa: lrRule.Offset,
			}, true, nil
		}
		if fpRule.Kind != lrRule.Kind {
			return nil, false, dwarfpkg.ErrRestoringFpButNotLr
		}
		return nil, false, dwarfpkg.ErrUnhandledRowShape

	default:
		return nil, false, dwarfpkg.ErrUnhandledRowShape
	}
}

// EvaluateDwarfRow implements unwind.ArchOps's uncacheable direct-evaluation
// path, per §4.3's "Direct evaluation" steps, including the monotonicity
// and did-not-advance checks the method's doc comment requires of it.
func (a *ArchOps) EvaluateDwarfRow(row dwarfpkg.Row, regs Regs, firstFrame bool, readStack unwind.ReadStack) (Regs, uint64, error) {
	regValues := func(r dwarfpkg.Register) (uint64, bool) {
		switch r {
		case dwarfRegFP:
			return regs.FP, true
		case dwarfRegLR:
			return regs.LR, true
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

	newFP, haveFP, err := dwarfpkg.EvaluateRegisterRule(row.Rule(dwarfRegFP), cfa, regs.FP, true, regValues, read)
	if err != nil {
		return Regs{}, 0, dwarfpkg.ErrCouldNotRecoverFramePointer
	}
	newLR, haveLR, err := dwarfpkg.EvaluateRegisterRule(row.Rule(dwarfRegLR), cfa, regs.LR, true, regValues, read)
	if err != nil {
		return Regs{}, 0, dwarfpkg.ErrCouldNotRecoverReturnAddress
	}

	out := regs
	out.SP = cfa
	if haveFP {
		out.FP = stripPAC(newFP)
	}
	if haveLR {
		out.LR = stripPAC(newLR)
	}

	if !firstFrame && out.SP <= regs.SP {
		return Regs{}, 0, unwind.ErrStackPointerMovedBackwards
	}
	if cfa == regs.SP && out.LR == regs.LR {
		return Regs{}, 0, unwind.ErrDidNotAdvance
	}

	return out, out.LR, nil
}
