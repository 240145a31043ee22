// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package unwind

import "testing"

func newModule(name string, start, end uint64) *Module {
	m := &Module{Name: name, AddressRange: SectionRange{Start: start, End: end}}
	return m
}

func TestModuleTable_AddFindRemove(t *testing.T) {
	tbl := NewModuleTable(nil)

	if tbl.Find(0x1500) != nil {
		t.Fatal("expected nil from an empty table")
	}
	if tbl.MaxKnownCodeAddress() != 0 {
		t.Fatal("expected 0 from an empty table")
	}

	a := newModule("a", 0x1000, 0x2000)
	b := newModule("b", 0x3000, 0x4000)
	tbl.Add(a)
	tbl.Add(b)

	if got := tbl.Find(0x1500); got != a {
		t.Fatalf("Find(0x1500) = %v, want module a", got)
	}
	if got := tbl.Find(0x3500); got != b {
		t.Fatalf("Find(0x3500) = %v, want module b", got)
	}
	if got := tbl.Find(0x2500); got != nil {
		t.Fatalf("Find(0x2500) = %v, want nil (gap between modules)", got)
	}
	if got := tbl.Find(0x2000); got != nil {
		t.Fatal("end address is exclusive, Find(end) must miss")
	}
	if got := tbl.MaxKnownCodeAddress(); got != 0x4000 {
		t.Fatalf("MaxKnownCodeAddress = 0x%x, want 0x4000", got)
	}

	genBeforeRemove := tbl.Generation()
	tbl.Remove(0x1000)
	if tbl.Generation() == genBeforeRemove {
		t.Fatal("Remove must bump the generation counter")
	}
	if tbl.Find(0x1500) != nil {
		t.Fatal("module a should no longer be registered")
	}
	if tbl.Find(0x3500) != b {
		t.Fatal("module b must remain registered after removing a")
	}
}

func TestModuleTable_AddBumpsGeneration(t *testing.T) {
	tbl := NewModuleTable(nil)
	g0 := tbl.Generation()
	tbl.Add(newModule("a", 0x1000, 0x2000))
	g1 := tbl.Generation()
	if g1 == g0 {
		t.Fatal("Add must bump the generation counter")
	}
	tbl.Add(newModule("b", 0x3000, 0x4000))
	if tbl.Generation() == g1 {
		t.Fatal("a second Add must bump the generation counter again")
	}
}

func TestModuleTable_RemoveUnknownStartIsANoOp(t *testing.T) {
	tbl := NewModuleTable(nil)
	tbl.Add(newModule("a", 0x1000, 0x2000))
	g := tbl.Generation()
	tbl.Remove(0xdead)
	if tbl.Generation() != g {
		t.Fatal("removing an unregistered start address must not bump the generation")
	}
	if tbl.Find(0x1500) == nil {
		t.Fatal("module a must remain registered")
	}
}

func TestModuleTable_DuplicateStartDoesNotPanic(t *testing.T) {
	tbl := NewModuleTable(nil)
	a := newModule("a", 0x1000, 0x2000)
	b := newModule("b", 0x1000, 0x2500)
	tbl.Add(a)
	tbl.Add(b)

	got := tbl.Find(0x1500)
	if got != a && got != b {
		t.Fatalf("Find must return one of the tied modules, got %v", got)
	}
}

func TestModule_SVMARebasing(t *testing.T) {
	m := &Module{BaseAddress: 0x7f0000000000, BaseSVMA: 0x100000}

	svma := uint64(0x100400)
	runtime := m.svmaToRuntime(svma)
	if runtime != 0x7f0000000400 {
		t.Fatalf("svmaToRuntime(0x%x) = 0x%x, want 0x7f0000000400", svma, runtime)
	}
	if back := m.runtimeToSVMA(runtime); back != svma {
		t.Fatalf("runtimeToSVMA(svmaToRuntime(x)) = 0x%x, want 0x%x", back, svma)
	}
}

func TestSectionRange_Contains(t *testing.T) {
	r := SectionRange{Start: 0x100, End: 0x200}
	if !r.Contains(0x100) {
		t.Fatal("start is inclusive")
	}
	if r.Contains(0x200) {
		t.Fatal("end is exclusive")
	}
	if !r.Contains(0x1ff) {
		t.Fatal("0x1ff should be inside the range")
	}
	if r.Contains(0xff) {
		t.Fatal("0xff is below the range")
	}
}
