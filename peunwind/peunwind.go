// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package peunwind decodes Windows x86_64 `.pdata`/`.xdata` unwind
// information and simulates unwinding through it. The structures below are
// the same _UNWIND_INFO/_UNWIND_CODE layout the teacher repo (saferwall/pe)
// already parses for its own exception-directory dump; this package reuses
// that layout and, unlike the teacher, actually executes the codes against
// live register values instead of only rendering them for display.
//
// peunwind is deliberately independent of the root unwind package and of
// arch/amd64: it exposes its own neutral Registers type so that neither
// package needs to import the other, avoiding a cycle between the generic
// driver and the one architecture that uses this translator.
package peunwind

import (
	"encoding/binary"
	"errors"
	"strconv"

	"github.com/saferwall/unwind/internal/logging"
)

// Unwind information flags, matching Microsoft's _UNWIND_INFO.Flags bits.
const (
	UnwFlagNHandler   = uint8(0x0)
	UnwFlagEHandler   = uint8(0x1)
	UnwFlagUHandler   = uint8(0x2)
	UnwFlagChainInfo  = uint8(0x4)
)

// General-purpose register numbering used by UnwindCode.OpInfo.
const (
	regRAX = iota
	regRCX
	regRDX
	regRBX
	regRSP
	regRBP
	regRSI
	regRDI
	regR8
	regR9
	regR10
	regR11
	regR12
	regR13
	regR14
	regR15
)

// UnwindOpType is the 4-bit UWOP_* code identifying one unwind operation.
type UnwindOpType uint8

// _UNWIND_OP_CODES.
const (
	UwOpPushNonVol    = UnwindOpType(0)
	UwOpAllocLarge    = UnwindOpType(1)
	UwOpAllocSmall    = UnwindOpType(2)
	UwOpSetFpReg      = UnwindOpType(3)
	UwOpSaveNonVol    = UnwindOpType(4)
	UwOpSaveNonVolFar = UnwindOpType(5)
	UwOpEpilog        = UnwindOpType(6)
	UwOpSpareCode     = UnwindOpType(7)
	UwOpSaveXmm128    = UnwindOpType(8)
	UwOpSaveXmm128Far = UnwindOpType(9)
	UwOpPushMachFrame = UnwindOpType(10)
	UwOpSetFpRegLarge = UnwindOpType(11)
)

// UnwindCode is one entry of the UNWIND_CODE array.
type UnwindCode struct {
	CodeOffset  uint8
	UnwindOp    UnwindOpType
	OpInfo      uint8
	FrameOffset uint32 // unscaled byte offset, for the Save* ops
	AllocSize   uint32 // byte count, for the Alloc* ops
}

// ImageRuntimeFunctionEntry is IMAGE_RUNTIME_FUNCTION_ENTRY: one `.pdata`
// row describing a function's address range and its `.xdata` unwind info.
type ImageRuntimeFunctionEntry struct {
	BeginAddress      uint32
	EndAddress        uint32
	UnwindInfoAddress uint32
}

// UnwindInfo is the parsed _UNWIND_INFO structure for one function.
type UnwindInfo struct {
	Version       uint8
	Flags         uint8
	SizeOfProlog  uint8
	CountOfCodes  uint8
	FrameRegister uint8
	FrameOffset   uint8
	UnwindCodes   []UnwindCode

	// Chained is the primary function's table entry, valid only when
	// Flags&UnwFlagChainInfo != 0.
	Chained   ImageRuntimeFunctionEntry
	IsChained bool
}

var (
	// ErrUnwindInfoParseError covers truncated or malformed .xdata bytes.
	ErrUnwindInfoParseError = errors.New("peunwind: malformed .xdata unwind info")

	// ErrMissingUnwindInfoData is returned when the caller-supplied xdata
	// slice is empty or nil.
	ErrMissingUnwindInfoData = errors.New("peunwind: no .xdata bytes for this function")

	// ErrMissingInstructionData names the case of epilogue detection
	// needing to read past the end of the supplied text bytes. No code in
	// this package returns it: DetectEpilogue reports ok=false instead.
	ErrMissingInstructionData = errors.New("peunwind: instruction bytes unavailable for epilogue scan")

	// ErrMissingStackData wraps a failed readStack call so PE-specific
	// callers can distinguish it from a parse failure.
	ErrMissingStackData = errors.New("peunwind: could not read stack memory")
)

// ParseUnwindInfo decodes a _UNWIND_INFO structure from the start of xdata.
func ParseUnwindInfo(xdata []byte, logger *logging.Logger) (*UnwindInfo, error) {
	if len(xdata) < 4 {
		return nil, ErrMissingUnwindInfoData
	}
	v := binary.LittleEndian.Uint32(xdata[0:4])

	ui := &UnwindInfo{
		Version:       uint8(v & 0x7),
		Flags:         uint8((v & 0xf8) >> 3),
		SizeOfProlog:  uint8((v & 0xff00) >> 8),
		CountOfCodes:  uint8((v & 0xff0000) >> 16),
		FrameRegister: uint8((v & 0xf000000) >> 24),
		FrameOffset:   uint8((v&0xf0000000)>>28) * 16,
	}

	offset := 4
	i := 0
	for i < int(ui.CountOfCodes) {
		ucOffset := offset + 2*i
		if ucOffset+2 > len(xdata) {
			return nil, ErrUnwindInfoParseError
		}
		code, advance, err := parseUnwindCode(xdata, ucOffset, logger)
		if err != nil {
			return nil, err
		}
		ui.UnwindCodes = append(ui.UnwindCodes, code)
		i += advance
	}

	end := offset + 2*i
	if i&1 == 1 {
		end += 2
	}

	if ui.Flags&UnwFlagChainInfo != 0 {
		const entrySize = 12
		if end+entrySize > len(xdata) {
			return nil, ErrUnwindInfoParseError
		}
		ui.Chained = ImageRuntimeFunctionEntry{
			BeginAddress:      binary.LittleEndian.Uint32(xdata[end : end+4]),
			EndAddress:        binary.LittleEndian.Uint32(xdata[end+4 : end+8]),
			UnwindInfoAddress: binary.LittleEndian.Uint32(xdata[end+8 : end+12]),
		}
		ui.IsChained = true
	}

	return ui, nil
}

func parseUnwindCode(xdata []byte, offset int, logger *logging.Logger) (UnwindCode, int, error) {
	raw := binary.LittleEndian.Uint16(xdata[offset : offset+2])
	code := UnwindCode{
		CodeOffset: uint8(raw & 0xff),
		UnwindOp:   UnwindOpType((raw & 0xf00) >> 8),
		OpInfo:     uint8((raw & 0xf000) >> 12),
	}

	need := func(slots int) error {
		if offset+2*(slots+1) > len(xdata) {
			return ErrUnwindInfoParseError
		}
		return nil
	}

	switch code.UnwindOp {
	case UwOpPushNonVol, UwOpSetFpReg:
		return code, 1, nil
	case UwOpAllocSmall:
		code.AllocSize = uint32(code.OpInfo)*8 + 8
		return code, 1, nil
	case UwOpAllocLarge:
		if code.OpInfo == 0 {
			if err := need(1); err != nil {
				return code, 0, err
			}
			code.AllocSize = uint32(binary.LittleEndian.Uint16(xdata[offset+2:offset+4])) * 8
			return code, 2, nil
		}
		if err := need(2); err != nil {
			return code, 0, err
		}
		code.AllocSize = binary.LittleEndian.Uint32(xdata[offset+2 : offset+6])
		return code, 3, nil
	case UwOpSaveNonVol:
		if err := need(1); err != nil {
			return code, 0, err
		}
		code.FrameOffset = uint32(binary.LittleEndian.Uint16(xdata[offset+2:offset+4])) * 8
		return code, 2, nil
	case UwOpSaveNonVolFar:
		if err := need(2); err != nil {
			return code, 0, err
		}
		code.FrameOffset = binary.LittleEndian.Uint32(xdata[offset+2 : offset+6])
		return code, 3, nil
	case UwOpSaveXmm128:
		if err := need(1); err != nil {
			return code, 0, err
		}
		return code, 2, nil
	case UwOpSaveXmm128Far:
		if err := need(2); err != nil {
			return code, 0, err
		}
		return code, 3, nil
	case UwOpSetFpRegLarge:
		if err := need(2); err != nil {
			return code, 0, err
		}
		return code, 3, nil
	case UwOpPushMachFrame:
		return code, 1, nil
	case UwOpEpilog:
		return code, 2, nil
	case UwOpSpareCode:
		return code, 3, nil
	default:
		logger.Warnf("unrecognized unwind opcode", "op", strconv.Itoa(int(code.UnwindOp)))
		return code, 0, ErrUnwindInfoParseError
	}
}
