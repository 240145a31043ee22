// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

//go:build gofuzz

package compactunwind

// Fuzz feeds attacker-controlled bytes through Parse and, on success, a
// handful of derived Lookup queries. Malformed __unwind_info must error,
// never panic or read out of bounds.
func Fuzz(data []byte) int {
	info, err := Parse(data, nil)
	if err != nil {
		return 0
	}
	for _, addr := range []uint64{0, 1, 0x1000, 0xffffffff} {
		_, _ = info.Lookup(addr)
	}
	return 1
}
