// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

//go:build gofuzz

package peunwind

// Fuzz feeds attacker/compiler-controlled .xdata bytes through
// ParseUnwindInfo. A compiler-emitted UNWIND_INFO blob is trusted input in
// the sense that it comes from a linker, not a remote attacker, but a
// corrupted or truncated one (the common case when symbolicating crash
// dumps) must still produce an error rather than a panic or an
// out-of-bounds read.
func Fuzz(data []byte) int {
	if _, err := ParseUnwindInfo(data, nil); err != nil {
		return 0
	}
	return 1
}
