// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package amd64

import (
	"github.com/saferwall/unwind"
	"github.com/saferwall/unwind/peunwind"
)

func toPeRegs(r Regs) peunwind.Registers {
	return peunwind.Registers{
		RSP: r.SP,
		RBP: r.BP,
		IP:  r.IP,
		RBX: r.RBX,
		RDI: r.RDI,
		RSI: r.RSI,
		R12: r.R12,
		R13: r.R13,
		R14: r.R14,
		R15: r.R15,
	}
}

func fromPeRegs(r Regs, pe peunwind.Registers) Regs {
	r.SP = pe.RSP
	r.BP = pe.RBP
	r.IP = pe.IP
	r.RBX = pe.RBX
	r.RDI = pe.RDI
	r.RSI = pe.RSI
	r.R12 = pe.R12
	r.R13 = pe.R13
	r.R14 = pe.R14
	r.R15 = pe.R15
	return r
}

// TranslatePE implements unwind.ArchOps, per §4.5: always an uncacheable
// direct step. It first tries epilogue detection (scanning forward from
// the current address), since a PC inside an epilogue needs a different
// walk than the rest of the function; only if that finds no match does it
// fall back to replaying the function's .xdata unwind codes.
func (a *ArchOps) TranslatePE(xdata, text []byte, textBase uint64, prologOffset uint32, regs Regs, readStack unwind.ReadStack) (Regs, uint64, error) {
	peRegs := toPeRegs(regs)
	peRead := func(addr uint64) (uint64, error) { return readStack(addr) }

	if text != nil && regs.IP >= textBase {
		textOffset := regs.IP - textBase
		if newRegs, ra, ok := peunwind.DetectEpilogue(text, textOffset, peRegs, peRead); ok {
			return fromPeRegs(regs, newRegs), ra, nil
		}
	}

	info, err := peunwind.ParseUnwindInfo(xdata, a.logger)
	if err != nil {
		return Regs{}, 0, err
	}

	offset := prologOffset
	if offset > 255 {
		offset = 255
	}
	newRegs, ra, err := peunwind.Translate(info, peRegs, uint8(offset), peRead)
	if err != nil {
		return Regs{}, 0, err
	}
	return fromPeRegs(regs, newRegs), ra, nil
}
