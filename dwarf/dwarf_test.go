// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package dwarf

import (
	"errors"
	"testing"
)

const (
	regSP Register = 7
	regBP Register = 6
	regRA Register = 16
)

var errNoStack = errors.New("dwarf_test: stack read not expected")

func regValues(m map[Register]uint64) RegisterValues {
	return func(r Register) (uint64, bool) {
		v, ok := m[r]
		return v, ok
	}
}

func noStack(addr uint64) (uint64, error) { return 0, errNoStack }

func TestEvaluateCFA_RegisterAndOffset(t *testing.T) {
	row := Row{CFA: CfaRule{Kind: CfaRegisterAndOffset, Register: regSP, Offset: 16}}
	cfa, err := EvaluateCFA(row, regValues(map[Register]uint64{regSP: 0x1000}), noStack)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfa != 0x1010 {
		t.Fatalf("cfa = 0x%x, want 0x1010", cfa)
	}
}

func TestEvaluateCFA_UnknownRegister(t *testing.T) {
	row := Row{CFA: CfaRule{Kind: CfaRegisterAndOffset, Register: regSP, Offset: 0}}
	_, err := EvaluateCFA(row, regValues(nil), noStack)
	if err != ErrUnknownRegister {
		t.Fatalf("err = %v, want ErrUnknownRegister", err)
	}
}

func TestEvaluateCFA_Expression(t *testing.T) {
	expr := Expression{Bytecode: []byte{opLit0 + 5, opConst1u, 3, opPlus}} // 5 + 3
	row := Row{CFA: CfaRule{Kind: CfaExpression, Expression: expr}}
	cfa, err := EvaluateCFA(row, regValues(nil), noStack)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfa != 8 {
		t.Fatalf("cfa = %d, want 8", cfa)
	}
}

func TestEvaluateRegisterRule(t *testing.T) {
	stack := func(addr uint64) (uint64, error) {
		if addr == 0x1008 {
			return 0xdeadbeef, nil
		}
		return 0, errNoStack
	}

	cases := []struct {
		name    string
		rule    RegisterRule
		current uint64
		has     bool
		want    uint64
		wantOk  bool
	}{
		{"undefined", RegisterRule{Kind: RuleUndefined}, 0, false, 0, false},
		{"sameValue", RegisterRule{Kind: RuleSameValue}, 0x42, true, 0x42, true},
		{"offset", RegisterRule{Kind: RuleOffset, Offset: 8}, 0, false, 0xdeadbeef, true},
		{"valOffset", RegisterRule{Kind: RuleValOffset, Offset: 8}, 0, false, 0x1008, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			v, ok, err := EvaluateRegisterRule(c.rule, 0x1000, c.current, c.has, regValues(nil), stack)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ok != c.wantOk {
				t.Fatalf("ok = %v, want %v", ok, c.wantOk)
			}
			if ok && v != c.want {
				t.Fatalf("value = 0x%x, want 0x%x", v, c.want)
			}
		})
	}
}

func TestEvaluateRegisterRule_SameValueWithoutCurrent(t *testing.T) {
	_, _, err := EvaluateRegisterRule(RegisterRule{Kind: RuleSameValue}, 0, 0, false, regValues(nil), noStack)
	if err != ErrUnknownRegister {
		t.Fatalf("err = %v, want ErrUnknownRegister", err)
	}
}

func TestEvaluateRegisterRule_RegisterRule(t *testing.T) {
	v, ok, err := EvaluateRegisterRule(RegisterRule{Kind: RuleRegisterRule, Register: regBP}, 0, 0, false,
		regValues(map[Register]uint64{regBP: 0x348}), noStack)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || v != 0x348 {
		t.Fatalf("v=0x%x ok=%v, want 0x348/true", v, ok)
	}
}

func TestRowRuleDefaultsUndefined(t *testing.T) {
	row := Row{Registers: map[Register]RegisterRule{regRA: {Kind: RuleOffset, Offset: -8}}}
	if row.Rule(regRA).Kind != RuleOffset {
		t.Fatal("expected the configured rule for regRA")
	}
	if row.Rule(regBP).Kind != RuleUndefined {
		t.Fatal("expected RuleUndefined for an unmentioned register")
	}
}
