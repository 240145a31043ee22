// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package unwind

import "github.com/saferwall/unwind/memio"

// ReadStack reads a single 64-bit little-endian word from stack memory at
// addr. It is supplied by the caller and invoked synchronously; it must be
// total over every address that is actually readable. A sampling profiler
// typically backs this with a bounded in-memory copy of the stack captured
// at sample time; in-process unwinding may back it with volatile memory
// reads. See examples/procreader for a live-process implementation backed
// by golang.org/x/sys/unix.
type ReadStack = memio.ReadStack
