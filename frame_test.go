// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package unwind

import "testing"

func TestInstructionPointer(t *testing.T) {
	f := InstructionPointer(0x1000)
	if !f.IsInstructionPointer() {
		t.Fatal("expected IsInstructionPointer")
	}
	if f.Value() != 0x1000 {
		t.Fatalf("Value = 0x%x, want 0x1000", f.Value())
	}
	if f.LookupAddress() != 0x1000 {
		t.Fatalf("LookupAddress = 0x%x, want 0x1000 (unchanged for an IP)", f.LookupAddress())
	}
}

func TestReturnAddress(t *testing.T) {
	f := ReturnAddress(0x2000)
	if f.IsInstructionPointer() {
		t.Fatal("a return address is not an instruction pointer")
	}
	if f.Value() != 0x2000 {
		t.Fatalf("Value = 0x%x, want 0x2000", f.Value())
	}
	if f.LookupAddress() != 0x1fff {
		t.Fatalf("LookupAddress = 0x%x, want 0x1fff (value-1)", f.LookupAddress())
	}
}
