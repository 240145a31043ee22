// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package unwind is a stack unwinding engine for sampled profilers and
// crash reporters. Given a thread's register snapshot and the ability to
// read stack memory and the unwind metadata of its loaded modules, it walks
// the call stack and produces the sequence of return addresses leading back
// to the thread's entry point.
//
// The package is strictly single-threaded: it never spawns goroutines,
// never blocks and never performs I/O of its own. The only potentially
// blocking operation is the ReadStack callback the caller supplies; it is
// invoked synchronously and must be total over readable addresses.
//
// Object-file parsing, DWARF CIE/FDE decoding and PE .pdata RVA resolution
// are deliberately out of scope here: this package consumes already-located
// byte slices and pre-decoded DWARF rows. See the compactunwind, dwarf and
// peunwind subpackages for the three concrete unwind-info formats, and
// arch/arm64 and arch/amd64 for the per-architecture rule engines.
package unwind
