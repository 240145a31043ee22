// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Command unwinddump is a development-only tool for inspecting unwind
// metadata and replaying a single stack walk against a target binary. It
// has no bearing on the core unwind package's behavior; per spec.md §6
// the library itself exposes no CLI surface.
package main

import (
	"fmt"
	"os"

	"github.com/go-kit/log"
	"github.com/spf13/cobra"

	"github.com/saferwall/unwind/internal/logging"
)

var (
	filePath string
	verbose  bool
)

func main() {
	root := &cobra.Command{
		Use:   "unwinddump",
		Short: "Inspect compact-unwind/PE unwind metadata and replay stack walks",
	}
	root.PersistentFlags().StringVarP(&filePath, "file", "f", "", "target ELF/Mach-O/PE image (required)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	root.MarkPersistentFlagRequired("file")

	root.AddCommand(newDumpCmd())
	root.AddCommand(newLookupCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() *logging.Logger {
	if !verbose {
		return nil
	}
	return logging.NewLogger(log.NewLogfmtLogger(os.Stderr))
}
