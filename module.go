// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package unwind

import (
	"sort"

	"github.com/saferwall/unwind/compactunwind"
	"github.com/saferwall/unwind/internal/logging"
)

// UnwindKind picks which unwinder source a module's addresses are resolved
// through. A module downgrades to the next applicable kind as sections go
// missing, exactly as the caller's object-file reader provides them.
type UnwindKind uint8

const (
	// UnwindKindNone means the module carries no usable unwind
	// information at all; the frame-pointer fallback is used for it.
	UnwindKindNone UnwindKind = iota

	// UnwindKindCompactUnwindInfo means __unwind_info fully describes the
	// module (the common case for arm64 Mach-O binaries).
	UnwindKindCompactUnwindInfo

	// UnwindKindCompactPlusEhFrame means __unwind_info is present but some
	// functions defer to DWARF via a Dwarf{fde} opcode, and .eh_frame
	// bytes are available to look up that FDE directly by offset.
	UnwindKindCompactPlusEhFrame

	// UnwindKindEhFrameHdrPlusEhFrame means there is no compact-unwind
	// table; FDEs are located via .eh_frame_hdr's binary-search table.
	UnwindKindEhFrameHdrPlusEhFrame

	// UnwindKindEhFrameOnly means only .eh_frame is present, with no
	// .eh_frame_hdr index; FDE lookup falls back to a linear scan
	// performed by the caller's DWARF reader.
	UnwindKindEhFrameOnly

	// UnwindKindPe means the module is a PE image unwound via
	// .pdata/.xdata.
	UnwindKindPe
)

// SectionRange is a [start, end) address range. Module.AddressRange holds
// runtime addresses; the entries of Module.SectionRanges are expressed
// relative to the module's base address.
type SectionRange struct {
	Start, End uint64
}

// Contains reports whether addr, in the same address space as the range,
// falls within it.
func (r SectionRange) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End
}

// SectionBytes bundles the raw bytes of every section the driver might
// need to consult for a given module. Sections that are not present are
// left nil; the corresponding entries in SectionRanges should also be the
// zero range. These slices must outlive the module: the driver borrows
// them directly into the decoders without copying.
type SectionBytes struct {
	UnwindInfo []byte // Mach-O __unwind_info
	EhFrame    []byte
	EhFrameHdr []byte
	Text       []byte
	Pdata      []byte
	Xdata      []byte
	Got        []byte
}

// Module describes one loaded code module (an executable or shared
// library). Modules are created by the caller and registered with an
// Unwinder in any order; the Unwinder keeps them sorted internally by
// start address for binary search.
type Module struct {
	Name string

	// AddressRange is the module's span in the unwound address space.
	// Invariant: AddressRange.Start <= AddressRange.End.
	AddressRange SectionRange

	// BaseAddress is the runtime load address; BaseSVMA is the "static
	// virtual memory address" the module's own symbols/unwind tables were
	// built against. Addresses recovered from unwind metadata are relative
	// to BaseSVMA and must be rebased by (BaseAddress - BaseSVMA) before
	// being compared to runtime addresses, or relativized the other way
	// before being looked up in the tables.
	BaseAddress uint64
	BaseSVMA    uint64

	SectionRanges struct {
		Text, UnwindInfo, EhFrame, EhFrameHdr, Got, Pdata, Xdata SectionRange
	}
	Sections SectionBytes

	UnwindKind UnwindKind

	// Dwarf is the caller-supplied DWARF row source for this module. It is
	// only consulted for UnwindKindCompactPlusEhFrame (via
	// RowForFDEOffset) and UnwindKindEhFrameHdrPlusEhFrame /
	// UnwindKindEhFrameOnly (via RowForAddress); left nil for modules that
	// never need it (UnwindKindPe, UnwindKindCompactUnwindInfo without a
	// Dwarf{fde} opcode, UnwindKindNone).
	Dwarf DwarfSource

	// compactInfo caches the parsed __unwind_info header/page-index so
	// repeated lookups against the same module don't re-walk it; filled in
	// lazily by the driver on first use.
	compactInfo *compactunwind.Info
}

// svmaToRuntime converts an address expressed relative to BaseSVMA (as
// found inside unwind metadata) to a runtime address.
func (m *Module) svmaToRuntime(svma uint64) uint64 {
	return svma - m.BaseSVMA + m.BaseAddress
}

// runtimeToSVMA is the inverse of svmaToRuntime; unwind-table lookups are
// keyed by svma-relative addresses.
func (m *Module) runtimeToSVMA(addr uint64) uint64 {
	return addr - m.BaseAddress + m.BaseSVMA
}

// ModuleTable is the sorted module registry shared by an Unwinder. It is
// exported standalone so callers that drive more than one architecture's
// Unwinder against the same address space (unlikely, but not forbidden)
// can share a single registry and generation counter.
type ModuleTable struct {
	modules    []*Module
	generation uint64
	logger     *logging.Logger
}

// NewModuleTable creates an empty registry. A nil logger discards all
// diagnostic output.
func NewModuleTable(logger *logging.Logger) *ModuleTable {
	return &ModuleTable{logger: logger}
}

// Generation returns the current modules-generation counter. It is bumped
// by every Add/Remove call and embedded in rule-cache entries so that a
// stale entry can be identified in O(1) rather than evicted eagerly.
func (t *ModuleTable) Generation() uint64 { return t.generation }

// Add registers a module, keeping the table sorted by start address.
// Duplicate start addresses are allowed (logged at debug level) since nested
// or aliased mappings do occur in the wild; the most recently added module
// with a given start address wins ties in Find.
func (t *ModuleTable) Add(m *Module) {
	i := sort.Search(len(t.modules), func(i int) bool {
		return t.modules[i].AddressRange.Start > m.AddressRange.Start
	})
	if i > 0 && t.modules[i-1].AddressRange.Start == m.AddressRange.Start {
		t.logger.Debugf("module start address collision", "addr", m.AddressRange.Start,
			"existing", t.modules[i-1].Name, "incoming", m.Name)
	}
	t.modules = append(t.modules, nil)
	copy(t.modules[i+1:], t.modules[i:])
	t.modules[i] = m
	t.generation++
}

// Remove unregisters the module whose start address equals start, if any.
func (t *ModuleTable) Remove(start uint64) {
	i := sort.Search(len(t.modules), func(i int) bool {
		return t.modules[i].AddressRange.Start >= start
	})
	if i >= len(t.modules) || t.modules[i].AddressRange.Start != start {
		return
	}
	t.modules = append(t.modules[:i], t.modules[i+1:]...)
	t.generation++
}

// Find returns the module covering addr, or nil if addr falls outside every
// registered module.
func (t *ModuleTable) Find(addr uint64) *Module {
	i := sort.Search(len(t.modules), func(i int) bool {
		return t.modules[i].AddressRange.Start > addr
	})
	if i == 0 {
		return nil
	}
	m := t.modules[i-1]
	if addr >= m.AddressRange.End {
		return nil
	}
	return m
}

// MaxKnownCodeAddress returns the end address of the highest-addressed
// registered module, or 0 if none are registered.
func (t *ModuleTable) MaxKnownCodeAddress() uint64 {
	if len(t.modules) == 0 {
		return 0
	}
	return t.modules[len(t.modules)-1].AddressRange.End
}
