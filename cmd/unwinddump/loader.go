// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"debug/elf"
	"debug/macho"
	"debug/pe"
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
)

// target is the section inventory this example tool hands the unwinder,
// standing in for the object-file parsing spec.md §1 scopes out of the
// core: the core only ever sees the []byte slices and base addresses
// collected here.
type target struct {
	arch     string // "amd64" or "arm64"
	unwind   unwindKind
	sections map[string][]byte
	textBase uint64 // SVMA of the text section, for opcode-dump offset math

	file *os.File
	data mmap.MMap
}

type unwindKind int

const (
	unwindNone unwindKind = iota
	unwindMachoCompact
	unwindEhFrame
	unwindPE
)

// loadTarget memory-maps path read-only and classifies it as ELF, Mach-O
// or PE by sniffing the standard library's debug/* readers in turn,
// collecting the handful of sections the unwinder subpackages consume.
func loadTarget(path string) (*target, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unwinddump: opening %s: %w", path, err)
	}
	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("unwinddump: mapping %s: %w", path, err)
	}

	t := &target{sections: map[string][]byte{}, file: f, data: data}

	if mf, err := macho.NewFile(asReaderAt(data)); err == nil {
		defer mf.Close()
		t.loadMacho(mf)
		return t, nil
	}
	if ef, err := elf.NewFile(asReaderAt(data)); err == nil {
		defer ef.Close()
		t.loadElf(ef)
		return t, nil
	}
	if pf, err := pe.NewFile(asReaderAt(data)); err == nil {
		defer pf.Close()
		t.loadPE(pf)
		return t, nil
	}

	data.Unmap()
	f.Close()
	return nil, fmt.Errorf("unwinddump: %s is not a recognized ELF, Mach-O or PE image", path)
}

func (t *target) Close() error {
	if err := t.data.Unmap(); err != nil {
		t.file.Close()
		return err
	}
	return t.file.Close()
}

func (t *target) loadMacho(mf *macho.File) {
	switch mf.Cpu {
	case macho.CpuArm64:
		t.arch = "arm64"
	case macho.CpuAmd64:
		t.arch = "amd64"
	}
	t.unwind = unwindMachoCompact
	for _, sec := range mf.Sections {
		switch sec.Name {
		case "__text":
			t.sections["text"], _ = sec.Data()
			t.textBase = sec.Addr
		case "__unwind_info":
			t.sections["unwind_info"], _ = sec.Data()
		case "__eh_frame":
			t.sections["eh_frame"], _ = sec.Data()
		}
	}
}

func (t *target) loadElf(ef *elf.File) {
	switch ef.Machine {
	case elf.EM_AARCH64:
		t.arch = "arm64"
	case elf.EM_X86_64:
		t.arch = "amd64"
	}
	t.unwind = unwindEhFrame
	for _, sec := range ef.Sections {
		switch sec.Name {
		case ".text":
			t.sections["text"], _ = sec.Data()
			t.textBase = sec.Addr
		case ".eh_frame":
			t.sections["eh_frame"], _ = sec.Data()
		case ".eh_frame_hdr":
			t.sections["eh_frame_hdr"], _ = sec.Data()
		}
	}
}

func (t *target) loadPE(pf *pe.File) {
	t.arch = "amd64"
	t.unwind = unwindPE
	for _, sec := range pf.Sections {
		switch sec.Name {
		case ".text":
			t.sections["text"], _ = sec.Data()
			t.textBase = uint64(sec.VirtualAddress)
		case ".pdata":
			t.sections["pdata"], _ = sec.Data()
		}
	}
	// .xdata is reached indirectly through .pdata's UNWIND_INFO RVAs and
	// commonly lives inside .rdata, so the whole .rdata section is loaded
	// as the "xdata" bytes.
	for _, sec := range pf.Sections {
		if sec.Name == ".rdata" {
			t.sections["xdata"], _ = sec.Data()
			break
		}
	}
}

// asReaderAt adapts an mmap.MMap ([]byte) to io.ReaderAt without copying.
func asReaderAt(b []byte) *byteReaderAt { return &byteReaderAt{b: b} }

type byteReaderAt struct{ b []byte }

func (r *byteReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(r.b)) {
		return 0, fmt.Errorf("unwinddump: offset %d out of range", off)
	}
	n := copy(p, r.b[off:])
	if n < len(p) {
		return n, fmt.Errorf("unwinddump: short read at offset %d", off)
	}
	return n, nil
}
