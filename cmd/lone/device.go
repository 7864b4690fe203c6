// https://github.com/edaelli/lone-go
//
// Copyright (c) The lone-go Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/edaelli/lone-go/controller"
	"github.com/edaelli/lone-go/dma"
	"github.com/edaelli/lone-go/gateway"
	"github.com/edaelli/lone-go/nvmeregs"
	"github.com/edaelli/lone-go/pciregs"
	"github.com/edaelli/lone-go/simulator"
)

// device bundles a Controller with whatever needs to be torn down once a
// subcommand is done with it: the simulator's background tick loop for a
// "nvsim" slot, or the VFIO container for a real one.
type device struct {
	*controller.Controller
	close func()
}

// openDevice attaches to pciSlot, the same sentinel scripts/nvme/list.py
// uses: "nvsim" (or empty) runs against the in-process simulator, anything
// else is treated as a real PCI slot ("0000:01:00.0") to open over VFIO.
func openDevice(pciSlot string) (*device, error) {
	if pciSlot == "" || pciSlot == "nvsim" {
		return openSimDevice()
	}
	return openVFIODevice(pciSlot)
}

func openSimDevice() (*device, error) {
	pciGW := gateway.NewMemGateway(pciregs.CapabilitiesRegionSize)
	pci := pciregs.New(pciGW)
	nvme := nvmeregs.New(make([]byte, nvmeregs.Size))
	arena := dma.NewArena(4096, dma.NewIovaAllocator(dma.DefaultIOVABase), nil)

	sim := simulator.Attach(pciGW, pci, nvme, arena)

	ctx, cancel := context.WithCancel(context.Background())
	go sim.Run(ctx)

	c := controller.New(pci, nvme, arena)
	return &device{Controller: c, close: cancel}, nil
}

func openVFIODevice(pciSlot string) (*device, error) {
	groupID, err := iommuGroup(pciSlot)
	if err != nil {
		return nil, err
	}

	vfio, err := gateway.OpenVFIOContainer(groupID, pciSlot)
	if err != nil {
		return nil, err
	}

	cfgGW, err := vfio.OpenConfig()
	if err != nil {
		vfio.Close()
		return nil, err
	}

	bar0, err := vfio.MapBAR(0)
	if err != nil {
		vfio.Close()
		return nil, err
	}

	pci := pciregs.New(cfgGW)
	nvme := nvmeregs.New(bar0.Bytes())
	arena := dma.NewArena(dma.HugepageSize, dma.NewIovaAllocator(dma.DefaultIOVABase), vfio)

	c := controller.New(pci, nvme, arena)
	return &device{Controller: c, close: func() { vfio.Close() }}, nil
}

// iommuGroup resolves the numeric IOMMU group backing pciSlot by reading
// the standard sysfs symlink, the same discovery step the VFIO sysfs/udev
// glue this package's spec treats as an external collaborator leaves up
// to the caller.
func iommuGroup(pciSlot string) (int, error) {
	link := fmt.Sprintf("/sys/bus/pci/devices/%s/iommu_group", pciSlot)
	target, err := os.Readlink(link)
	if err != nil {
		return 0, fmt.Errorf("resolving IOMMU group for %s: %w", pciSlot, err)
	}

	id, err := strconv.Atoi(filepath.Base(target))
	if err != nil {
		return 0, fmt.Errorf("parsing IOMMU group from %s: %w", target, err)
	}
	return id, nil
}

// bringUp disables, programs admin queues, and re-enables the controller,
// the sequence every original script opens with.
func bringUp(c *controller.Controller, asqEntries, acqEntries uint32, deadline func() bool) error {
	if err := c.CCDisable(deadline); err != nil {
		return err
	}
	if err := c.InitAdminQueues(asqEntries, acqEntries); err != nil {
		return err
	}
	return c.CCEnable(deadline)
}

// pollDeadline is the poll-until-timeout closure every sync command in
// this CLI waits on, grounded on sync_cmd's timeout_s parameter.
func pollDeadline(timeoutS float64) func() bool {
	deadline := time.Now().Add(time.Duration(timeoutS * float64(time.Second)))
	return func() bool {
		return time.Now().After(deadline)
	}
}
