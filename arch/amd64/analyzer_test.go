// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package amd64

import (
	"testing"

	"github.com/saferwall/unwind"
)

// fakeRule is not one of the rule types RefineFirstFrame knows how to
// refine, letting the test exercise the default case of its type switch.
type fakeRule struct{}

func (fakeRule) Execute(Regs, bool, unwind.ReadStack) (Regs, uint64, error) {
	return Regs{}, 0, nil
}

func TestRefineFirstFrame_UnrecognizedRuleIsUnrefined(t *testing.T) {
	a := &ArchOps{}
	_, ok := a.RefineFirstFrame(fakeRule{}, 0x1000, 0x1000, nil, 0x1000)
	if ok {
		t.Fatal("fakeRule is not in the refinable set")
	}
}

func TestRefineFirstFrame_PcBeforeTextBase(t *testing.T) {
	a := &ArchOps{}
	_, ok := a.RefineFirstFrame(JustReturn{}, 0x1000, 0x500, []byte{0xc3}, 0x1000)
	if ok {
		t.Fatal("pc before textBase must not refine")
	}
}

func TestRefineFirstFrame_EpiloguePreferredOverPrologue(t *testing.T) {
	a := &ArchOps{}
	// pop rbx; ret
	text := []byte{0x5b, 0xc3}
	const textBase = 0x1000
	const pc = textBase // nothing of the epilogue has executed yet

	rule, ok := a.RefineFirstFrame(JustReturn{}, 0x1000, pc, text, textBase)
	if !ok {
		t.Fatal("expected epilogue refinement")
	}
	p, ok := rule.(OffsetSpAndPopRegisters)
	if !ok || p.K != 0 {
		t.Fatalf("rule = %+v (%T), want OffsetSpAndPopRegisters{K:0, Registers:[RBX]}", rule, rule)
	}
	if len(p.Registers) != 1 || p.Registers[0] != RBX {
		t.Fatalf("Registers = %v, want [RBX]", p.Registers)
	}
}

func TestRefineFirstFrame_EpilogueNoRetIsNotAMatch(t *testing.T) {
	a := &ArchOps{}
	// pop rbx with nothing after it: the scan never reaches a ret.
	text := []byte{0x5b}
	const textBase = 0x1000
	const pc = textBase

	_, ok := a.refineEpilogue(pc, text, textBase)
	if ok {
		t.Fatal("a pop sequence missing a trailing ret must not match")
	}
}

func TestRefineFirstFrame_PrologueFramePointer(t *testing.T) {
	a := &ArchOps{}
	// push rbp; mov rbp, rsp
	text := []byte{0x55, 0x48, 0x89, 0xe5}
	const textBase = 0x1000
	const pc = textBase + 4 // both prologue instructions have executed

	rule, ok := a.RefineFirstFrame(JustReturn{}, 0x1000, pc, text, textBase)
	if !ok {
		t.Fatal("expected prologue refinement")
	}
	if _, ok := rule.(UseFramePointer); !ok {
		t.Fatalf("rule = %T, want UseFramePointer", rule)
	}
}

func TestRefineFirstFrame_PrologueOffsetSp(t *testing.T) {
	a := &ArchOps{}
	// push rbx; sub rsp, 0x10
	text := []byte{0x53, 0x48, 0x83, 0xec, 0x10}
	const textBase = 0x1000
	const pc = textBase + 5

	rule, ok := a.RefineFirstFrame(JustReturn{}, 0x1000, pc, text, textBase)
	if !ok {
		t.Fatal("expected prologue refinement")
	}
	os, ok := rule.(OffsetSp)
	if !ok || os.K != 4 {
		t.Fatalf("rule = %+v (%T), want OffsetSp{K:4}", rule, rule)
	}
}

func TestRefineFirstFrame_PrologueRexPush(t *testing.T) {
	a := &ArchOps{}
	// push r12
	text := []byte{0x41, 0x54}
	const textBase = 0x1000
	const pc = textBase + 2

	rule, ok := a.RefineFirstFrame(JustReturn{}, 0x1000, pc, text, textBase)
	if !ok {
		t.Fatal("expected prologue refinement")
	}
	os, ok := rule.(OffsetSp)
	if !ok || os.K != 2 {
		t.Fatalf("rule = %+v (%T), want OffsetSp{K:2}", rule, rule)
	}
}

func TestRefineFirstFrame_PrologueSubRspImm32(t *testing.T) {
	a := &ArchOps{}
	// sub rsp, 0x100 (imm32 form)
	text := []byte{0x48, 0x81, 0xec, 0x00, 0x01, 0x00, 0x00}
	const textBase = 0x1000
	const pc = textBase + 7

	rule, ok := a.RefineFirstFrame(JustReturn{}, 0x1000, pc, text, textBase)
	if !ok {
		t.Fatal("expected prologue refinement")
	}
	os, ok := rule.(OffsetSp)
	if !ok || os.K != 0x100/8+1 {
		t.Fatalf("rule = %+v (%T), want OffsetSp{K:%d}", rule, rule, 0x100/8+1)
	}
}

func TestRefineFirstFrame_PrologueNoInstructionsYet(t *testing.T) {
	a := &ArchOps{}
	text := []byte{0x53}
	const textBase = 0x1000
	const pc = textBase // nothing executed yet, scan finds nothing recognizable

	rule, ok := a.RefineFirstFrame(JustReturn{}, 0x1000, pc, text, textBase)
	if !ok {
		t.Fatal("the backward scan always terminates with an OffsetSp rule")
	}
	os, ok := rule.(OffsetSp)
	if !ok || os.K != 1 {
		t.Fatalf("rule = %+v (%T), want OffsetSp{K:1}", rule, rule)
	}
}
