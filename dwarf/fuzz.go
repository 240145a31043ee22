// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

//go:build gofuzz

package dwarf

// Fuzz exercises the expression evaluator with attacker-controlled
// bytecode, the same shape of harness the teacher repo points at its own
// binary-format parser (see the module root's original fuzz.go, which this
// one displaces). A crash or panic here is always a bug: malformed
// DW_OP_* bytecode must produce an error, never a panic.
func Fuzz(data []byte) int {
	regs := func(Register) (uint64, bool) { return 0x1000, true }
	readStack := func(addr uint64) (uint64, error) { return addr, nil }
	_, err := Evaluate(Expression{Bytecode: data}, regs, readStack)
	if err != nil {
		return 0
	}
	return 1
}
