// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package unwind

import (
	"encoding/binary"

	"github.com/saferwall/unwind/compactunwind"
	"github.com/saferwall/unwind/dwarf"
	"github.com/saferwall/unwind/internal/logging"
)

// maxFrames bounds IterFrames against a corrupt stack that would otherwise
// loop until the process runs out of memory recording frames; it is well
// above any real call stack this module expects to see.
const maxFrames = 2000

// Unwinder drives one architecture's worth of rule decoding against a
// registered set of modules. It is instantiated once per architecture
// (arch/arm64.NewUnwinder, arch/amd64.NewUnwinder) around a concrete
// ArchOps[R] and shares its ModuleTable across every unwind.
type Unwinder[R any] struct {
	ops     ArchOps[R]
	modules *ModuleTable
	logger  *logging.Logger
}

// NewUnwinder creates an Unwinder around ops with an empty module table. A
// nil logger discards all diagnostic output.
func NewUnwinder[R any](ops ArchOps[R], logger *logging.Logger) *Unwinder[R] {
	return &Unwinder[R]{ops: ops, modules: NewModuleTable(logger), logger: logger}
}

// AddModule registers m, making it visible to subsequent UnwindFrame calls.
func (u *Unwinder[R]) AddModule(m *Module) { u.modules.Add(m) }

// RemoveModule unregisters the module starting at start, if any.
func (u *Unwinder[R]) RemoveModule(start uint64) { u.modules.Remove(start) }

// FindModule returns the module covering addr, or nil.
func (u *Unwinder[R]) FindModule(addr uint64) *Module { return u.modules.Find(addr) }

// MaxKnownCodeAddress returns the end address of the highest-addressed
// registered module, or 0 if none are registered.
func (u *Unwinder[R]) MaxKnownCodeAddress() uint64 { return u.modules.MaxKnownCodeAddress() }

// textBaseOf returns the runtime address module.Sections.Text[0] corresponds
// to, or 0 if the module carries no text bytes.
func textBaseOf(m *Module) uint64 {
	if m.Sections.Text == nil {
		return 0
	}
	return m.BaseAddress + m.SectionRanges.Text.Start
}

// pdataEntryFor finds the ImageRuntimeFunctionEntry-shaped row covering
// moduleRelative within a module's raw .pdata bytes, without this package
// needing to import peunwind's concrete struct: it only needs the three
// uint32 fields, decoded inline the same way peunwind.ParseUnwindInfo reads
// every other little-endian field.
type pdataEntry struct {
	begin, end, unwindInfoRVA uint32
}

func findPdataEntry(pdata []byte, moduleRelative uint64) (pdataEntry, bool) {
	const entrySize = 12
	lo, hi := 0, len(pdata)/entrySize
	for lo < hi {
		mid := (lo + hi) / 2
		off := mid * entrySize
		begin := binary.LittleEndian.Uint32(pdata[off : off+4])
		if uint64(begin) > moduleRelative {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	if lo == 0 {
		return pdataEntry{}, false
	}
	off := (lo - 1) * entrySize
	e := pdataEntry{
		begin:         binary.LittleEndian.Uint32(pdata[off : off+4]),
		end:           binary.LittleEndian.Uint32(pdata[off+4 : off+8]),
		unwindInfoRVA: binary.LittleEndian.Uint32(pdata[off+8 : off+12]),
	}
	if moduleRelative < uint64(e.begin) || moduleRelative >= uint64(e.end) {
		return pdataEntry{}, false
	}
	return e, true
}

// stepResult is what every dispatch path below converges to before the
// shared post-execution checks run.
type stepResult[R any] struct {
	rule      Rule[R] // nil for an uncacheable direct step (DWARF eval, PE)
	newRegs   R
	returnPC  uint64
	cacheable bool

	// funcStart is the runtime address of the start of the function the
	// rule was produced for, used only to seed RefineFirstFrame's forward
	// prologue walk; 0 when not known (frame-pointer fallback, PE, an
	// uncacheable DWARF direct step).
	funcStart uint64
}

// UnwindFrame computes the caller's registers and return address for one
// frame, per spec.md §4.7: probe the cache, fall back to module lookup and
// format-specific decoding on a miss, optionally refine the very first
// frame with an instruction-level analyzer, insert a fresh cacheable rule,
// then apply the shared monotonicity / did-not-advance / stack-end checks.
//
// ok is false with a nil error when the stack has ended (a zero return
// address); ok is false with a non-nil error when the frame could not be
// unwound at all.
func (u *Unwinder[R]) UnwindFrame(frame FrameAddress, regs R, cache *Cache[R], readStack ReadStack) (newRegs R, returnAddr uint64, ok bool, err error) {
	lookupAddr := frame.LookupAddress()
	firstFrame := frame.IsInstructionPointer()
	gen := u.modules.Generation()
	oldSP := u.ops.StackPointer(regs)

	var step stepResult[R]

	if rule, hit := cache.lookup(lookupAddr, gen); hit {
		nr, ra, execErr := rule.Execute(regs, firstFrame, readStack)
		if execErr != nil {
			return regs, 0, false, execErr
		}
		step = stepResult[R]{rule: rule, newRegs: nr, returnPC: ra, cacheable: true}
	} else {
		step, err = u.resolveFrame(lookupAddr, firstFrame, regs, readStack)
		if err != nil {
			return regs, 0, false, err
		}
		if step.cacheable && step.rule != nil {
			if firstFrame {
				if module := u.modules.Find(lookupAddr); module != nil {
					text := module.Sections.Text
					if refined, refinedOK := u.ops.RefineFirstFrame(step.rule, step.funcStart, lookupAddr, text, textBaseOf(module)); refinedOK {
						nr, ra, execErr := refined.Execute(regs, firstFrame, readStack)
						if execErr != nil {
							return regs, 0, false, execErr
						}
						step.rule = refined
						step.newRegs = nr
						step.returnPC = ra
					}
				}
			}
			cache.insert(lookupAddr, gen, step.rule)
		}
	}

	if step.returnPC == 0 {
		var zero R
		return zero, 0, false, nil
	}

	newSP := u.ops.StackPointer(step.newRegs)
	if !firstFrame && newSP <= oldSP {
		framePointerBased := step.rule != nil && step.rule.IsFramePointerBased()
		if framePointerBased {
			return regs, 0, false, ErrFramePointerMovedBackwards
		}
		return regs, 0, false, ErrStackPointerMovedBackwards
	}
	if newSP == oldSP && step.returnPC == lookupAddr {
		return regs, 0, false, ErrDidNotAdvance
	}

	return step.newRegs, step.returnPC, true, nil
}

// resolveFrame is the cache-miss path: find the module, dispatch on its
// UnwindKind, and produce either a cacheable Rule execution or an
// uncacheable direct step.
func (u *Unwinder[R]) resolveFrame(lookupAddr uint64, firstFrame bool, regs R, readStack ReadStack) (stepResult[R], error) {
	module := u.modules.Find(lookupAddr)
	if module == nil {
		if firstFrame {
			return u.executeRule(u.ops.FramePointerFallback(), regs, firstFrame, readStack)
		}
		return stepResult[R]{}, ErrNoModuleForAddress
	}

	if module.UnwindKind == UnwindKindNone {
		if firstFrame {
			return u.executeRule(u.ops.FramePointerFallback(), regs, firstFrame, readStack)
		}
		return stepResult[R]{}, ErrModuleHasNoUnwindInfo
	}

	// Unwind metadata (compact-unwind pages, DWARF rows) is built against
	// the module's static link addresses, not wherever the loader actually
	// placed it; every table lookup is keyed by the SVMA-relative address.
	svma := module.runtimeToSVMA(lookupAddr)

	switch module.UnwindKind {
	case UnwindKindCompactUnwindInfo, UnwindKindCompactPlusEhFrame:
		return u.resolveCompact(module, svma, firstFrame, regs, readStack)
	case UnwindKindEhFrameHdrPlusEhFrame, UnwindKindEhFrameOnly:
		return u.resolveDwarf(module, svma, firstFrame, regs, readStack)
	case UnwindKindPe:
		// PE images are not SVMA-rebased in this module: the caller loads
		// them at a fixed image base and .pdata/.xdata RVAs are already
		// relative to that same base, so the module-relative address is
		// used as-is.
		return u.resolvePE(module, lookupAddr-module.BaseAddress, firstFrame, regs, readStack)
	default:
		return stepResult[R]{}, ErrModuleHasNoUnwindInfo
	}
}

func (u *Unwinder[R]) executeRule(rule Rule[R], regs R, firstFrame bool, readStack ReadStack) (stepResult[R], error) {
	nr, ra, err := rule.Execute(regs, firstFrame, readStack)
	if err != nil {
		return stepResult[R]{}, err
	}
	return stepResult[R]{rule: rule, newRegs: nr, returnPC: ra, cacheable: true}, nil
}

func (u *Unwinder[R]) fallbackOrError(firstFrame bool, regs R, readStack ReadStack, fallbackErr error) (stepResult[R], error) {
	if firstFrame {
		return u.executeRule(u.ops.FramePointerFallback(), regs, firstFrame, readStack)
	}
	return stepResult[R]{}, fallbackErr
}

func (u *Unwinder[R]) resolveCompact(module *Module, moduleRelative uint64, firstFrame bool, regs R, readStack ReadStack) (stepResult[R], error) {
	if module.compactInfo == nil {
		info, err := compactunwind.Parse(module.Sections.UnwindInfo, u.logger)
		if err != nil {
			return u.fallbackOrError(firstFrame, regs, readStack, err)
		}
		module.compactInfo = info
	}

	res, err := module.compactInfo.Lookup(moduleRelative)
	if err != nil {
		return u.fallbackOrError(firstFrame, regs, readStack, err)
	}

	rule, needDwarf, fdeOffset, err := u.ops.DecodeCompactOpcode(res.Opcode, firstFrame)
	if err != nil {
		return u.fallbackOrError(firstFrame, regs, readStack, err)
	}

	if !needDwarf {
		step, err := u.executeRule(rule, regs, firstFrame, readStack)
		if err == nil {
			step.funcStart = module.svmaToRuntime(res.FunctionStart)
		}
		return step, err
	}

	if module.Dwarf == nil {
		return u.fallbackOrError(firstFrame, regs, readStack, ErrModuleHasNoUnwindInfo)
	}
	row, rowOK, rowErr := module.Dwarf.RowForFDEOffset(fdeOffset)
	if rowErr != nil || !rowOK {
		if rowErr == nil {
			rowErr = ErrModuleHasNoUnwindInfo
		}
		return u.fallbackOrError(firstFrame, regs, readStack, rowErr)
	}
	return u.resolveDwarfRow(module, row, firstFrame, regs, readStack)
}

func (u *Unwinder[R]) resolveDwarf(module *Module, moduleRelative uint64, firstFrame bool, regs R, readStack ReadStack) (stepResult[R], error) {
	if module.Dwarf == nil {
		return u.fallbackOrError(firstFrame, regs, readStack, ErrModuleHasNoUnwindInfo)
	}
	row, rowOK, rowErr := module.Dwarf.RowForAddress(moduleRelative)
	if rowErr != nil || !rowOK {
		if rowErr == nil {
			rowErr = ErrModuleHasNoUnwindInfo
		}
		return u.fallbackOrError(firstFrame, regs, readStack, rowErr)
	}
	return u.resolveDwarfRow(module, row, firstFrame, regs, readStack)
}

func (u *Unwinder[R]) resolveDwarfRow(module *Module, row dwarf.Row, firstFrame bool, regs R, readStack ReadStack) (stepResult[R], error) {
	if rule, translatable, err := u.ops.TranslateDwarfRow(row); translatable && err == nil {
		step, err := u.executeRule(rule, regs, firstFrame, readStack)
		if err == nil {
			step.funcStart = module.svmaToRuntime(row.Start)
		}
		return step, err
	}

	nr, ra, err := u.ops.EvaluateDwarfRow(row, regs, firstFrame, readStack)
	if err != nil {
		return u.fallbackOrError(firstFrame, regs, readStack, err)
	}
	return stepResult[R]{rule: nil, newRegs: nr, returnPC: ra, cacheable: false}, nil
}

func (u *Unwinder[R]) resolvePE(module *Module, moduleRelative uint64, firstFrame bool, regs R, readStack ReadStack) (stepResult[R], error) {
	entry, found := findPdataEntry(module.Sections.Pdata, moduleRelative)
	if !found {
		return u.fallbackOrError(firstFrame, regs, readStack, ErrModuleHasNoUnwindInfo)
	}

	xdataOffset := uint64(entry.unwindInfoRVA) - module.SectionRanges.Xdata.Start
	if xdataOffset > uint64(len(module.Sections.Xdata)) {
		return stepResult[R]{}, ErrModuleHasNoUnwindInfo
	}
	xdata := module.Sections.Xdata[xdataOffset:]
	textBase := textBaseOf(module)
	prologOffset := uint32(moduleRelative - uint64(entry.begin))

	nr, ra, err := u.ops.TranslatePE(xdata, module.Sections.Text, textBase, prologOffset, regs, readStack)
	if err != nil {
		return stepResult[R]{}, err
	}
	return stepResult[R]{rule: nil, newRegs: nr, returnPC: ra, cacheable: false}, nil
}

// FrameIterator produces the lazy, non-restartable sequence of FrameAddress
// values described by spec.md §4.7: the initial instruction pointer, then
// each successful return address, until the stack ends or an error occurs.
type FrameIterator[R any] struct {
	u         *Unwinder[R]
	cache     *Cache[R]
	readStack ReadStack
	regs      R
	pending   FrameAddress
	started   bool
	exhausted bool
	count     int
}

// IterFrames starts a FrameIterator from the thread's current program
// counter and registers.
func (u *Unwinder[R]) IterFrames(pc uint64, regs R, cache *Cache[R], readStack ReadStack) *FrameIterator[R] {
	return &FrameIterator[R]{u: u, cache: cache, readStack: readStack, regs: regs, pending: InstructionPointer(pc)}
}

// Next returns the next frame in the sequence. ok is false with a nil error
// once the stack has ended cleanly; ok is false with a non-nil error if
// unwinding failed. Once Next returns ok=false, every subsequent call does
// too, with a nil error: an unwinding error is reported only once.
func (it *FrameIterator[R]) Next() (frame FrameAddress, ok bool, err error) {
	if it.exhausted {
		return FrameAddress{}, false, nil
	}

	if !it.started {
		it.started = true
		return it.pending, true, nil
	}

	it.count++
	if it.count > maxFrames {
		it.exhausted = true
		return FrameAddress{}, false, ErrTooManyFrames
	}

	newRegs, ra, stepOK, stepErr := it.u.UnwindFrame(it.pending, it.regs, it.cache, it.readStack)
	if stepErr != nil {
		it.exhausted = true
		return FrameAddress{}, false, stepErr
	}
	if !stepOK {
		it.exhausted = true
		return FrameAddress{}, false, nil
	}

	it.regs = newRegs
	it.pending = ReturnAddress(ra)
	return it.pending, true, nil
}
