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

// cmdList reports every namespace on the configured device, grounded on
// scripts/nvme/list.py's fixed-width table.
func cmdList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
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

	const row = "%-16s %-20s %-40s %-9d %-26s %-16s %-8s\n"
	fmt.Printf("%-16s %-20s %-40s %-9s %-26s %-16s %-8s\n",
		"Node", "SN", "Model", "Namespace", "Usage", "Format", "FW Rev")

	ctrl := dev.ControllerData
	for nsid, ns := range dev.Namespaces {
		usage := fmt.Sprintf("%6.2f %s / %6.2f %s", ns.NSUsage, ns.NSUnit, ns.NSTotal, ns.NSUnit)
		format := fmt.Sprintf("%3d %4s + %d B", ns.LBASize, ns.LBAUnit, ns.MSBytes)
		fmt.Printf(row, cfg.Dut.PCISlot, ctrl.SN(), ctrl.MN(), nsid, usage, format, ctrl.FR())
	}

	return nil
}
