// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package dwarf

import "testing"

func TestEvaluate_Arithmetic(t *testing.T) {
	cases := []struct {
		name string
		code []byte
		want uint64
	}{
		{"lit-plus-const1u", []byte{opLit0 + 5, opConst1u, 3, opPlus}, 8},
		{"minus", []byte{opConst1u, 10, opConst1u, 4, opMinus}, 6},
		{"and", []byte{opConst1u, 0b1100, opConst1u, 0b1010, opAnd}, 0b1000},
		{"or", []byte{opConst1u, 0b1100, opConst1u, 0b0010, opOr}, 0b1110},
		{"plusUconst", []byte{opConst1u, 10, opPlusUconst, 5}, 15},
		{"const4u", []byte{opConst4u, 0x78, 0x56, 0x34, 0x12}, 0x12345678},
		{"const2s negative", []byte{opConst2s, 0xff, 0xff}, 0xffffffffffffffff},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			v, err := Evaluate(Expression{Bytecode: c.code}, regValues(nil), noStack)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if v != c.want {
				t.Fatalf("got 0x%x, want 0x%x", v, c.want)
			}
		})
	}
}

func TestEvaluate_Deref(t *testing.T) {
	stack := func(addr uint64) (uint64, error) {
		if addr == 0x2000 {
			return 0xcafebabe, nil
		}
		return 0, errNoStack
	}
	v, err := Evaluate(Expression{Bytecode: []byte{opConst4u, 0x00, 0x20, 0, 0, opDeref}}, regValues(nil), stack)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 0xcafebabe {
		t.Fatalf("v = 0x%x, want 0xcafebabe", v)
	}
}

func TestEvaluate_Breg(t *testing.T) {
	// DW_OP_breg7 (sp) -8: sp + (-8)
	code := []byte{opBreg0 + 7, 0x78} // SLEB128(-8) = 0x78
	v, err := Evaluate(Expression{Bytecode: code}, regValues(map[Register]uint64{7: 0x1000}), noStack)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 0x1000-8 {
		t.Fatalf("v = 0x%x, want 0x%x", v, 0x1000-8)
	}
}

func TestEvaluate_Reg(t *testing.T) {
	v, err := Evaluate(Expression{Bytecode: []byte{opReg0 + 3}}, regValues(map[Register]uint64{3: 0x42}), noStack)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 0x42 {
		t.Fatalf("v = 0x%x, want 0x42", v)
	}
}

func TestEvaluate_RegUnknown(t *testing.T) {
	_, err := Evaluate(Expression{Bytecode: []byte{opReg0 + 3}}, regValues(nil), noStack)
	if err != ErrUnknownRegister {
		t.Fatalf("err = %v, want ErrUnknownRegister", err)
	}
}

func TestEvaluate_UnsupportedOpcode(t *testing.T) {
	_, err := Evaluate(Expression{Bytecode: []byte{0xff}}, regValues(nil), noStack)
	if err != ErrUnsupportedOpcode {
		t.Fatalf("err = %v, want ErrUnsupportedOpcode", err)
	}
}

func TestEvaluate_CallFrameCFAUnsupported(t *testing.T) {
	_, err := Evaluate(Expression{Bytecode: []byte{opCallFrameCFA}}, regValues(nil), noStack)
	if err != ErrUnsupportedOpcode {
		t.Fatalf("err = %v, want ErrUnsupportedOpcode", err)
	}
}

func TestEvaluate_StackUnderflow(t *testing.T) {
	_, err := Evaluate(Expression{Bytecode: []byte{opPlus}}, regValues(nil), noStack)
	if err != ErrExpressionUnderflow {
		t.Fatalf("err = %v, want ErrExpressionUnderflow", err)
	}
}

func TestEvaluate_TruncatedExpression(t *testing.T) {
	_, err := Evaluate(Expression{Bytecode: []byte{opConst4u, 1, 2}}, regValues(nil), noStack)
	if err != ErrTruncatedExpression {
		t.Fatalf("err = %v, want ErrTruncatedExpression", err)
	}
}

func TestEvaluate_EmptyExpressionUnderflows(t *testing.T) {
	_, err := Evaluate(Expression{}, regValues(nil), noStack)
	if err != ErrExpressionUnderflow {
		t.Fatalf("err = %v, want ErrExpressionUnderflow (nothing left on the stack)", err)
	}
}
