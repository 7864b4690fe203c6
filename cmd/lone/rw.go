// https://github.com/edaelli/lone-go
//
// Copyright (c) The lone-go Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"bytes"
	"flag"
	"fmt"

	"github.com/edaelli/lone-go/config"
)

// cmdRW writes and reads back num_cmds blocks of block_size bytes starting
// at slba, comparing every round trip, grounded on scripts/nvme/rw.py.
func cmdRW(args []string) error {
	fs := flag.NewFlagSet("rw", flag.ExitOnError)
	cfgPath := configFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	rw := cfg.RW

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
	if err := dev.InitIOQueues(1, 256, deadline); err != nil {
		return err
	}

	ns, ok := dev.Namespaces[rw.Namespace]
	if !ok {
		return fmt.Errorf("namespace %d is not valid on this device", rw.Namespace)
	}

	numBlocks := rw.BlockSize / ns.LBADSBytes
	if numBlocks == 0 {
		return fmt.Errorf("block_size %d is smaller than the namespace's LBA data size %d", rw.BlockSize, ns.LBADSBytes)
	}
	nlb := uint16(numBlocks)

	pattern := bytes.Repeat([]byte{0xED}, rw.BlockSize)
	cmdDeadline := pollDeadline(1)

	slba := rw.SLBA
	for i := 0; i < rw.NumCmds; i++ {
		if err := dev.WriteLBAs(rw.Namespace, slba, nlb, pattern, cmdDeadline); err != nil {
			return fmt.Errorf("write at LBA 0x%x: %w", slba, err)
		}
		slba += uint64(numBlocks)
	}

	slba = rw.SLBA
	for i := 0; i < rw.NumCmds; i++ {
		data, err := dev.ReadLBAs(rw.Namespace, slba, nlb, ns.LBADSBytes, cmdDeadline)
		if err != nil {
			return fmt.Errorf("read at LBA 0x%x: %w", slba, err)
		}
		if !bytes.Equal(pattern, data) {
			return fmt.Errorf("miscompare at LBA 0x%x", slba)
		}
		slba += uint64(numBlocks)
	}

	fmt.Printf("rw: %d round trips of %d bytes starting at LBA 0x%x verified\n", rw.NumCmds, rw.BlockSize, rw.SLBA)
	return nil
}
