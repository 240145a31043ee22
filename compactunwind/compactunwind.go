// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package compactunwind decodes Apple's __compact_unwind_info format: a
// fixed header, a sorted page index, and two kinds of second-level page
// (regular and compressed) that map a function's address to a 32-bit
// opcode via a two-level global/local palette. It is read the same way the
// teacher repo (saferwall/pe) reads every other PE/COFF binary structure —
// fixed-width little-endian fields pulled out of a borrowed []byte with
// explicit bounds checks, no unsafe pointer casts — applied here to Apple's
// format instead of Microsoft's.
package compactunwind

import (
	"encoding/binary"
	"errors"
	"sort"

	"github.com/saferwall/unwind/internal/logging"
)

// Page kinds, as found at the start of every second-level page.
const (
	pageKindSentinel   = 1
	pageKindRegular    = 2
	pageKindCompressed = 3
)

// supportedVersion is the only __unwind_info version this decoder
// understands; any other value is rejected rather than guessed at.
const supportedVersion = 1

var (
	// ErrBadFormat is returned when the header or a page's fixed fields
	// cannot be read from the given bytes (too short, wrong version).
	ErrBadFormat = errors.New("compactunwind: malformed __unwind_info")

	// ErrAddressOutsideRange is returned when the queried address falls
	// before the first page-index entry or at/after the sentinel entry.
	ErrAddressOutsideRange = errors.New("compactunwind: address outside __unwind_info range")

	// ErrBadPageKind is returned when a second-level page's kind field is
	// not one of sentinel(1)/regular(2)/compressed(3).
	ErrBadPageKind = errors.New("compactunwind: unrecognized second-level page kind")
)

// Opcode is the 32-bit compact-unwind opcode matched for a given address,
// together with the bitfield accessors common to every architecture's
// opcode encoding. The low 24 bits are architecture-specific; per-arch
// packages (arch/arm64, arch/amd64) interpret Value() themselves.
type Opcode uint32

// IsFunctionStart reports the opcode's top bit.
func (o Opcode) IsFunctionStart() bool { return o&0x80000000 != 0 }

// HasLSDA reports the opcode's second-from-top bit.
func (o Opcode) HasLSDA() bool { return o&0x40000000 != 0 }

// PersonalityIndex extracts the 2-bit personality index.
func (o Opcode) PersonalityIndex() uint8 { return uint8((o >> 28) & 0x3) }

// Kind extracts the 4-bit, architecture-specific opcode kind.
func (o Opcode) Kind() uint8 { return uint8((o >> 24) & 0xf) }

// Value extracts the low 24 kind-specific bits.
func (o Opcode) Value() uint32 { return uint32(o) & 0x00ffffff }

// IsNull reports whether this is the "no unwind info" null opcode (an
// opcode of exactly 0 once function-start/lsda/personality bits, which are
// metadata rather than unwind data, are ignored by convention nobody sets
// them on a null opcode).
func (o Opcode) IsNull() bool { return o.Kind() == 0 && o.Value() == 0 }

type header struct {
	version               uint32
	globalOpcodesOffset   uint32
	globalOpcodesCount    uint32
	personalitiesOffset   uint32
	personalitiesCount    uint32
	pageIndexOffset       uint32
	pageIndexCount        uint32
}

type pageIndexEntry struct {
	firstAddress       uint32
	secondLevelOffset  uint32
	lsdaIndexOffset    uint32
}

// Info is a parsed, but not fully materialized, __unwind_info section: the
// header and page index are decoded up front (they are small and every
// lookup needs them); second-level pages are decoded lazily by Lookup.
type Info struct {
	data           []byte
	header         header
	pageIndex      []pageIndexEntry
	globalOpcodes  []Opcode
	logger         *logging.Logger
}

// Parse decodes the header and page index of a __unwind_info section.
// data must outlive the returned Info; Lookup borrows slices of it.
func Parse(data []byte, logger *logging.Logger) (*Info, error) {
	if len(data) < 28 {
		return nil, ErrBadFormat
	}
	h := header{
		version:             binary.LittleEndian.Uint32(data[0:4]),
		globalOpcodesOffset: binary.LittleEndian.Uint32(data[4:8]),
		globalOpcodesCount:  binary.LittleEndian.Uint32(data[8:12]),
		personalitiesOffset: binary.LittleEndian.Uint32(data[12:16]),
		personalitiesCount:  binary.LittleEndian.Uint32(data[16:20]),
		pageIndexOffset:     binary.LittleEndian.Uint32(data[20:24]),
		pageIndexCount:      binary.LittleEndian.Uint32(data[24:28]),
	}
	if h.version != supportedVersion {
		return nil, ErrBadFormat
	}

	info := &Info{data: data, header: h, logger: logger}

	if err := info.readPageIndex(); err != nil {
		return nil, err
	}
	if err := info.readGlobalOpcodes(); err != nil {
		return nil, err
	}
	return info, nil
}

func (info *Info) readPageIndex() error {
	h := info.header
	end := uint64(h.pageIndexOffset) + uint64(h.pageIndexCount)*12
	if h.pageIndexCount == 0 || end > uint64(len(info.data)) {
		return ErrBadFormat
	}
	entries := make([]pageIndexEntry, h.pageIndexCount)
	for i := uint32(0); i < h.pageIndexCount; i++ {
		off := h.pageIndexOffset + i*12
		entries[i] = pageIndexEntry{
			firstAddress:      binary.LittleEndian.Uint32(info.data[off : off+4]),
			secondLevelOffset: binary.LittleEndian.Uint32(info.data[off+4 : off+8]),
			lsdaIndexOffset:   binary.LittleEndian.Uint32(info.data[off+8 : off+12]),
		}
	}
	info.pageIndex = entries
	return nil
}

func (info *Info) readGlobalOpcodes() error {
	h := info.header
	end := uint64(h.globalOpcodesOffset) + uint64(h.globalOpcodesCount)*4
	if end > uint64(len(info.data)) {
		return ErrBadFormat
	}
	opcodes := make([]Opcode, h.globalOpcodesCount)
	for i := uint32(0); i < h.globalOpcodesCount; i++ {
		off := h.globalOpcodesOffset + i*4
		opcodes[i] = Opcode(binary.LittleEndian.Uint32(info.data[off : off+4]))
	}
	info.globalOpcodes = opcodes
	return nil
}

// Result is what Lookup found for a queried address: the matched opcode
// and the address range of the function it belongs to (both relative to
// the same base the query address was relative to).
type Result struct {
	Opcode             Opcode
	FunctionStart, FunctionEnd uint64
}

// Lookup finds the opcode covering relativeAddr (an address relative to the
// module's text section / __unwind_info's own base, per the caller's
// convention — this package never sees runtime addresses directly).
func (info *Info) Lookup(relativeAddr uint64) (Result, error) {
	pageIdx := sort.Search(len(info.pageIndex), func(i int) bool {
		return uint64(info.pageIndex[i].firstAddress) > relativeAddr
	}) - 1
	if pageIdx < 0 {
		return Result{}, ErrAddressOutsideRange
	}
	page := info.pageIndex[pageIdx]
	if pageIdx == len(info.pageIndex)-1 {
		// The last page-index entry is always the sentinel: its
		// firstAddress is the end of the covered range and it never
		// points at a real second-level page.
		return Result{}, ErrAddressOutsideRange
	}
	nextFirst := uint64(info.pageIndex[pageIdx+1].firstAddress)

	if page.secondLevelOffset == 0 || uint64(page.secondLevelOffset)+4 > uint64(len(info.data)) {
		return Result{}, ErrBadFormat
	}
	kind := binary.LittleEndian.Uint32(info.data[page.secondLevelOffset : page.secondLevelOffset+4])

	switch kind {
	case pageKindRegular:
		return info.lookupRegularPage(page, relativeAddr, nextFirst)
	case pageKindCompressed:
		return info.lookupCompressedPage(page, relativeAddr, nextFirst)
	case pageKindSentinel:
		return Result{}, ErrAddressOutsideRange
	default:
		return Result{}, ErrBadPageKind
	}
}

func (info *Info) lookupRegularPage(page pageIndexEntry, addr, nextFirst uint64) (Result, error) {
	base := page.secondLevelOffset
	if int(base)+10 > len(info.data) {
		return Result{}, ErrBadFormat
	}
	entriesOffset := base + binary.LittleEndian.Uint32(info.data[base+4:base+8])
	entriesLen := binary.LittleEndian.Uint16(info.data[base+8 : base+10])

	type regularEntry struct {
		addr   uint64
		opcode Opcode
	}
	entries := make([]regularEntry, entriesLen)
	for i := uint16(0); i < entriesLen; i++ {
		off := entriesOffset + uint32(i)*8
		if uint64(off)+8 > uint64(len(info.data)) {
			return Result{}, ErrBadFormat
		}
		entries[i] = regularEntry{
			addr:   uint64(binary.LittleEndian.Uint32(info.data[off : off+4])),
			opcode: Opcode(binary.LittleEndian.Uint32(info.data[off+4 : off+8])),
		}
	}
	if len(entries) == 0 {
		return Result{}, ErrAddressOutsideRange
	}

	idx := sort.Search(len(entries), func(i int) bool { return entries[i].addr > addr }) - 1
	if idx < 0 {
		return Result{}, ErrAddressOutsideRange
	}
	end := nextFirst
	if idx+1 < len(entries) {
		end = entries[idx+1].addr
	}
	return Result{Opcode: entries[idx].opcode, FunctionStart: entries[idx].addr, FunctionEnd: end}, nil
}

func (info *Info) lookupCompressedPage(page pageIndexEntry, addr, nextFirst uint64) (Result, error) {
	base := page.secondLevelOffset
	if int(base)+16 > len(info.data) {
		return Result{}, ErrBadFormat
	}
	entriesOffset := base + binary.LittleEndian.Uint32(info.data[base+4:base+8])
	entriesLen := binary.LittleEndian.Uint16(info.data[base+8 : base+10])
	localOpcodesOffset := base + uint32(binary.LittleEndian.Uint16(info.data[base+10:base+12]))
	localOpcodesLen := binary.LittleEndian.Uint16(info.data[base+12 : base+14])

	relativeStart := uint64(page.firstAddress)

	type compressedEntry struct {
		relAddr     uint32
		opcodeIndex uint32
	}
	entries := make([]compressedEntry, entriesLen)
	for i := uint16(0); i < entriesLen; i++ {
		off := entriesOffset + uint32(i)*4
		if uint64(off)+4 > uint64(len(info.data)) {
			return Result{}, ErrBadFormat
		}
		raw := binary.LittleEndian.Uint32(info.data[off : off+4])
		entries[i] = compressedEntry{
			relAddr:     raw & 0x00ffffff,
			opcodeIndex: raw >> 24,
		}
	}
	if len(entries) == 0 {
		return Result{}, ErrAddressOutsideRange
	}

	target := addr - relativeStart
	idx := sort.Search(len(entries), func(i int) bool { return uint64(entries[i].relAddr) > target }) - 1
	if idx < 0 {
		return Result{}, ErrAddressOutsideRange
	}

	start := relativeStart + uint64(entries[idx].relAddr)
	end := nextFirst
	if idx+1 < len(entries) {
		end = relativeStart + uint64(entries[idx+1].relAddr)
	}

	opcodeIdx := entries[idx].opcodeIndex
	var opcode Opcode
	if opcodeIdx < uint32(info.header.globalOpcodesCount) {
		opcode = info.globalOpcodes[opcodeIdx]
	} else {
		localIdx := opcodeIdx - info.header.globalOpcodesCount
		if localIdx >= uint32(localOpcodesLen) {
			return Result{}, ErrBadFormat
		}
		off := localOpcodesOffset + localIdx*4
		if uint64(off)+4 > uint64(len(info.data)) {
			return Result{}, ErrBadFormat
		}
		opcode = Opcode(binary.LittleEndian.Uint32(info.data[off : off+4]))
	}

	return Result{Opcode: opcode, FunctionStart: start, FunctionEnd: end}, nil
}
