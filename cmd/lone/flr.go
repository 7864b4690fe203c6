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

// cmdFLR triggers a Function Level Reset and confirms the device comes
// back up reporting the same identity, grounded on scripts/nvme/flr.py.
func cmdFLR(args []string) error {
	fs := flag.NewFlagSet("flr", flag.ExitOnError)
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
	if err := dev.Identify(deadline); err != nil {
		return err
	}
	before := dev.ControllerData

	fmt.Printf("flr: initiating FLR on slot %s SN %s MN %s FR %s\n",
		cfg.Dut.PCISlot, before.SN(), before.MN(), before.FR())

	if err := dev.TriggerFLR(deadline); err != nil {
		return err
	}

	// The device side has already dropped CC.EN/CSTS.RDY and its queue
	// state; CCDisable here only reconciles this controller's own
	// bookkeeping (queue manager, arena, executor) to match, the same way
	// it would after any other disable.
	if err := dev.CCDisable(deadline); err != nil {
		return err
	}
	if err := dev.InitAdminQueues(16, 16); err != nil {
		return err
	}
	if err := dev.CCEnable(deadline); err != nil {
		return err
	}
	if err := dev.Identify(deadline); err != nil {
		return err
	}
	after := dev.ControllerData

	if before.SN() != after.SN() || before.MN() != after.MN() || before.FR() != after.FR() {
		return fmt.Errorf("device identity changed across FLR: before SN=%q MN=%q FR=%q, after SN=%q MN=%q FR=%q",
			before.SN(), before.MN(), before.FR(), after.SN(), after.MN(), after.FR())
	}

	fmt.Println("flr: device identity confirmed after reset")
	return nil
}
