// https://github.com/edaelli/lone-go
//
// Copyright (c) The lone-go Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Command lone is a thin CLI over the controller/simulator packages,
// ported from the scripts/nvme/*.py tools: list, rw, flush, flr, msix and
// full-seq-write each open a device (a real VFIO-bound PCI slot, or the
// in-process simulator when pci_slot is "nvsim"), drive it through the
// same bring-up/command sequence the original script did, and exit 0 on
// success or log an error and exit non-zero on failure.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
)

var subcommands = map[string]func([]string) error{
	"list":           cmdList,
	"rw":             cmdRW,
	"flush":          cmdFlush,
	"flr":            cmdFLR,
	"msix":           cmdMSIX,
	"full-seq-write": cmdFullSeqWrite,
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: lone <%s> [flags]\n", commandNames())
		os.Exit(1)
	}

	cmd, ok := subcommands[os.Args[1]]
	if !ok {
		fmt.Fprintf(os.Stderr, "lone: unknown command %q (want one of: %s)\n", os.Args[1], commandNames())
		os.Exit(1)
	}

	if err := cmd(os.Args[2:]); err != nil {
		log.Printf("lone %s: %v", os.Args[1], err)
		os.Exit(1)
	}
}

func commandNames() string {
	names := make([]string, 0, len(subcommands))
	for name := range subcommands {
		names = append(names, name)
	}
	return fmt.Sprintf("%v", names)
}

// configFlag registers the -config flag every subcommand shares.
func configFlag(fs *flag.FlagSet) *string {
	return fs.String("config", "lone.yaml", "path to the YAML config file")
}
