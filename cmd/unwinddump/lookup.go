// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/saferwall/unwind"
	"github.com/saferwall/unwind/arch/amd64"
	"github.com/saferwall/unwind/arch/arm64"
	"github.com/saferwall/unwind/examples/procreader"
)

var (
	lookupPC       uint64
	lookupSP       uint64
	lookupFP       uint64
	lookupPid      int
	lookupSnapshot string
	lookupBase     uint64
)

func newLookupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lookup",
		Short: "Replay a single stack walk from a register snapshot",
		RunE:  runLookup,
	}
	cmd.Flags().Uint64Var(&lookupPC, "pc", 0, "instruction pointer (required)")
	cmd.Flags().Uint64Var(&lookupSP, "sp", 0, "stack pointer (required)")
	cmd.Flags().Uint64Var(&lookupFP, "fp", 0, "frame pointer (arm64 FP / amd64 RBP)")
	cmd.Flags().IntVar(&lookupPid, "pid", 0, "read stack memory from this live process's /proc/<pid>/mem")
	cmd.Flags().StringVar(&lookupSnapshot, "snapshot", "", "read stack memory from this flat snapshot file instead of --pid")
	cmd.Flags().Uint64Var(&lookupBase, "snapshot-base", 0, "address the snapshot file's first byte corresponds to")
	cmd.MarkFlagRequired("pc")
	cmd.MarkFlagRequired("sp")
	return cmd
}

func runLookup(cmd *cobra.Command, args []string) error {
	t, err := loadTarget(filePath)
	if err != nil {
		return err
	}
	defer t.Close()

	readStack, closeReader, err := buildReader()
	if err != nil {
		return err
	}
	if closeReader != nil {
		defer closeReader()
	}

	switch t.arch {
	case "amd64":
		return lookupAmd64(t, readStack)
	case "arm64":
		return lookupArm64(t, readStack)
	default:
		return fmt.Errorf("unwinddump: %s is neither an amd64 nor arm64 image", filePath)
	}
}

func buildReader() (func(uint64) (uint64, error), func(), error) {
	switch {
	case lookupSnapshot != "":
		s, err := procreader.OpenSnapshot(lookupSnapshot, lookupBase)
		if err != nil {
			return nil, nil, err
		}
		return s.ReadStack, func() { s.Close() }, nil
	case lookupPid != 0:
		l, err := procreader.NewLive(lookupPid)
		if err != nil {
			return nil, nil, err
		}
		return l.ReadStack, func() { l.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unwinddump: one of --pid or --snapshot is required")
	}
}

func newModule(t *target) *unwind.Module {
	m := &unwind.Module{
		Name:        filePath,
		BaseAddress: t.textBase,
		BaseSVMA:    t.textBase,
	}
	m.AddressRange = unwind.SectionRange{Start: t.textBase, End: t.textBase + uint64(len(t.sections["text"]))}
	m.SectionRanges.Text = m.AddressRange
	m.Sections.Text = t.sections["text"]

	switch t.unwind {
	case unwindMachoCompact:
		m.UnwindKind = unwind.UnwindKindCompactUnwindInfo
		m.Sections.UnwindInfo = t.sections["unwind_info"]
	case unwindPE:
		m.UnwindKind = unwind.UnwindKindPe
		m.Sections.Pdata = t.sections["pdata"]
		m.Sections.Xdata = t.sections["xdata"]
	default:
		m.UnwindKind = unwind.UnwindKindNone
	}
	return m
}

func lookupAmd64(t *target, readStack unwind.ReadStack) error {
	u := amd64.NewUnwinder(newLogger())
	u.AddModule(newModule(t))
	cache := amd64.NewCache()

	regs := amd64.Regs{IP: lookupPC, SP: lookupSP, BP: lookupFP}
	it := u.IterFrames(lookupPC, regs, cache, readStack)
	return printFrames(it)
}

func lookupArm64(t *target, readStack unwind.ReadStack) error {
	u := arm64.NewUnwinder(newLogger())
	u.AddModule(newModule(t))
	cache := arm64.NewCache()

	regs := arm64.Regs{LR: 0, SP: lookupSP, FP: lookupFP}.Strip()
	it := u.IterFrames(lookupPC, regs, cache, readStack)
	return printFrames(it)
}

// frameIterator is the minimal surface printFrames needs from either
// arch's generic unwind.FrameIterator instantiation.
type frameIterator interface {
	Next() (unwind.FrameAddress, bool, error)
}

func printFrames(it frameIterator) error {
	n := 0
	for {
		frame, ok, err := it.Next()
		if err != nil {
			return fmt.Errorf("frame %d: %w", n, err)
		}
		if !ok {
			return nil
		}
		fmt.Printf("#%d 0x%x\n", n, frame.Value())
		n++
	}
}
