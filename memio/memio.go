// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package memio defines the single callback type every other package in
// this module uses to read target-process stack memory. It has no
// dependencies of its own so that the decoder packages (dwarf, peunwind)
// and the driver (unwind) can share the exact same type without creating an
// import cycle between them.
package memio

// ReadStack reads one 64-bit little-endian word at addr from stack memory.
// Implementations are supplied by the caller and invoked synchronously; a
// read of any address the caller considers part of the captured stack must
// succeed.
type ReadStack func(addr uint64) (uint64, error)
