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
	"log"
	"time"

	"github.com/edaelli/lone-go/config"
	"github.com/edaelli/lone-go/controller"
)

// cmdFullSeqWrite fills a namespace with sequential writes, logging
// throughput periodically, grounded on scripts/nvme/full_seq_write.py.
// QueueDepth sizes the I/O queue; each write is issued and completed before
// the next. The original's asyncio print_stats/seq_write coroutines become
// one loop here that checks a stats ticker between writes.
func cmdFullSeqWrite(args []string) error {
	fs := flag.NewFlagSet("full-seq-write", flag.ExitOnError)
	cfgPath := configFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	fsw := cfg.FullSeqWrite

	dev, err := openDevice(cfg.Dut.PCISlot)
	if err != nil {
		return err
	}
	defer dev.close()

	deadline := pollDeadline(5)
	if err := bringUp(dev.Controller, 256, 256, deadline); err != nil {
		return err
	}
	dev.EnableMSIX(2, 0)
	if err := dev.InitIOQueues(1, uint32(fsw.QueueDepth+1), deadline); err != nil {
		return err
	}
	if err := dev.Identify(deadline); err != nil {
		return err
	}

	ns, ok := dev.Namespaces[fsw.Namespace]
	if !ok {
		return fmt.Errorf("namespace %d is not valid on this device", fsw.Namespace)
	}

	if fsw.Format {
		if err := formatForBlockSize(dev.Controller, fsw.Namespace, fsw.FmtBlockSize, deadline); err != nil {
			return err
		}
		ns, ok = dev.Namespaces[fsw.Namespace]
		if !ok {
			return fmt.Errorf("namespace %d disappeared after format", fsw.Namespace)
		}
	}

	numBlocks := fsw.WrBlockSize / ns.LBADSBytes
	if numBlocks == 0 {
		return fmt.Errorf("wr_block_size %d is smaller than the namespace's LBA data size %d", fsw.WrBlockSize, ns.LBADSBytes)
	}
	nlb := uint16(numBlocks)
	pattern := bytes.Repeat([]byte{0xED}, fsw.WrBlockSize)

	timeout := time.Duration(fsw.TimeoutS) * time.Second
	started := time.Now()

	lastLBA := fsw.SLBA
	completed := 0
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	deadlineFn := func() bool { return time.Since(started) > timeout }

loop:
	for slba := fsw.SLBA; slba+uint64(numBlocks) <= ns.NSZE; slba += uint64(numBlocks) {
		select {
		case <-ticker.C:
			pct := float64(lastLBA) / float64(ns.NSZE) * 100
			log.Printf("last written LBA 0x%x (NSZE 0x%x) %.2f%%, %d commands completed",
				lastLBA, ns.NSZE, pct, completed)
		default:
		}

		if err := dev.WriteLBAs(fsw.Namespace, slba, nlb, pattern, deadlineFn); err != nil {
			return fmt.Errorf("write at LBA 0x%x: %w", slba, err)
		}
		lastLBA = slba
		completed++

		if deadlineFn() {
			break loop
		}
	}

	log.Printf("drive sequential write complete: %d commands, last LBA 0x%x", completed, lastLBA)
	return nil
}

// formatForBlockSize finds the LBA format whose block size matches
// blockSize and formats the namespace with it.
func formatForBlockSize(c *controller.Controller, nsid uint32, blockSize int, deadline func() bool) error {
	data, err := c.IdentifyNamespaceRaw(nsid, deadline)
	if err != nil {
		return err
	}

	nlbaf := int(data.NLBAF()) + 1
	for i := 0; i < nlbaf; i++ {
		lbaf := data.LBAF(i)
		if (1 << lbaf.LBADS) == blockSize {
			return c.FormatNVM(nsid, uint8(i), deadline)
		}
	}
	return fmt.Errorf("no LBA format matches block size %d on namespace %d", blockSize, nsid)
}
