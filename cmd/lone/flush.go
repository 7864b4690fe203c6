// https://github.com/edaelli/lone-go
//
// Copyright (c) The lone-go Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"flag"
	"fmt"

	"github.com/edaelli/lone-go/config"
)

// cmdFlush sends a single Flush command to the configured namespace,
// grounded on scripts/nvme/flush.py.
func cmdFlush(args []string) error {
	fs := flag.NewFlagSet("flush", flag.ExitOnError)
	cfgPath := configFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}

	dev, err := openDevice(cfg.Dut.PCISlot)
	if err != nil {
		return err
	}
	defer dev.close()

	deadline := pollDeadline(5)
	if err := bringUp(dev.Controller, 16, 16, deadline); err != nil {
		return err
	}
	if err := dev.InitIOQueues(1, 16, deadline); err != nil {
		return err
	}

	if err := dev.Flush(cfg.Flush.Namespace, pollDeadline(1)); err != nil {
		return err
	}

	fmt.Printf("flush: namespace %d flushed\n", cfg.Flush.Namespace)
	return nil
}
