// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"encoding/binary"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/saferwall/unwind/compactunwind"
	"github.com/saferwall/unwind/peunwind"
)

var dumpAddr uint64

func newDumpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print the unwind opcode covering a single SVMA-relative address",
		RunE:  runDump,
	}
	cmd.Flags().Uint64Var(&dumpAddr, "addr", 0, "address to look up, relative to the image's load bias (required)")
	cmd.MarkFlagRequired("addr")
	return cmd
}

func runDump(cmd *cobra.Command, args []string) error {
	t, err := loadTarget(filePath)
	if err != nil {
		return err
	}
	defer t.Close()

	switch t.unwind {
	case unwindMachoCompact:
		return dumpCompact(t)
	case unwindPE:
		return dumpPE(t)
	default:
		return fmt.Errorf("unwinddump: %s carries no compact-unwind or PE unwind table; "+
			"DWARF CIE/FDE byte-level decoding is out of scope for this tool (spec non-goal)", filePath)
	}
}

func dumpCompact(t *target) error {
	data := t.sections["unwind_info"]
	if data == nil {
		return fmt.Errorf("unwinddump: %s has no __unwind_info section", filePath)
	}
	info, err := compactunwind.Parse(data, newLogger())
	if err != nil {
		return fmt.Errorf("parsing __unwind_info: %w", err)
	}
	res, err := info.Lookup(dumpAddr)
	if err != nil {
		return fmt.Errorf("looking up 0x%x: %w", dumpAddr, err)
	}
	fmt.Printf("addr=0x%x function=[0x%x, 0x%x) opcode=0x%08x kind=%d value=0x%06x start=%v lsda=%v personality=%d\n",
		dumpAddr, res.FunctionStart, res.FunctionEnd, uint32(res.Opcode),
		res.Opcode.Kind(), res.Opcode.Value(), res.Opcode.IsFunctionStart(),
		res.Opcode.HasLSDA(), res.Opcode.PersonalityIndex())
	return nil
}

// runtimeFunctionSize is the on-disk size of an IMAGE_RUNTIME_FUNCTION_ENTRY
// in a PE .pdata section: three 32-bit RVAs.
const runtimeFunctionSize = 12

func dumpPE(t *target) error {
	pdata := t.sections["pdata"]
	xdataSection := t.sections["xdata"]
	if pdata == nil {
		return fmt.Errorf("unwinddump: %s has no .pdata section", filePath)
	}

	for off := 0; off+runtimeFunctionSize <= len(pdata); off += runtimeFunctionSize {
		begin := binary.LittleEndian.Uint32(pdata[off : off+4])
		end := binary.LittleEndian.Uint32(pdata[off+4 : off+8])
		unwindRVA := binary.LittleEndian.Uint32(pdata[off+8 : off+12])
		if dumpAddr < uint64(begin) || dumpAddr >= uint64(end) {
			continue
		}

		if xdataSection == nil || uint64(unwindRVA) >= uint64(len(xdataSection)) {
			return fmt.Errorf("unwinddump: .xdata RVA 0x%x out of range of loaded .rdata", unwindRVA)
		}
		ui, err := peunwind.ParseUnwindInfo(xdataSection[unwindRVA:], newLogger())
		if err != nil {
			return fmt.Errorf("parsing UNWIND_INFO at RVA 0x%x: %w", unwindRVA, err)
		}
		fmt.Printf("addr=0x%x function=[0x%x, 0x%x) version=%d flags=0x%x framereg=%d codes=%d chained=%v\n",
			dumpAddr, begin, end, ui.Version, ui.Flags, ui.FrameRegister, len(ui.UnwindCodes), ui.IsChained)
		for _, c := range ui.UnwindCodes {
			fmt.Printf("  codeoffset=0x%x op=%d info=%d\n", c.CodeOffset, c.UnwindOp, c.OpInfo)
		}
		return nil
	}
	return fmt.Errorf("unwinddump: no .pdata entry covers 0x%x", dumpAddr)
}
