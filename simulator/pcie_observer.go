// https://github.com/edaelli/lone-go
//
// Copyright (c) The lone-go Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package simulator

import (
	"bytes"
	"log"
	"os"

	"github.com/edaelli/lone-go/pciregs"
	"github.com/edaelli/lone-go/queue"
)

var pcieLog = log.New(os.Stderr, "nvsim_pci: ", log.LstdFlags)

// PCIeObserver diffs PCI configuration space against its own last-seen copy
// on every Tick, logging the offset of anything that changed, and reacts to
// an Initiate Function Level Reset request the way real hardware's reset
// state machine would: drop CC.EN/CSTS.RDY and the registered queue pairs,
// then deassert the request bit once the reaction has run. Grounded on
// PCIeRegChangeHandler, whose only reaction to a config space write was a
// debug log line; FLR is supplemented here since scripts/nvme/flr.py drives
// it end to end and nothing in the original nvsim package modeled it.
type PCIeObserver struct {
	state *State
	last  []byte
}

// NewPCIeObserver snapshots the config space's current contents as the
// baseline for future diffs.
func NewPCIeObserver(state *State) *PCIeObserver {
	return &PCIeObserver{
		state: state,
		last:  append([]byte(nil), state.pciGW.Bytes()...),
	}
}

// Tick compares the current config space against the last snapshot, logs
// every byte offset that changed, and reacts to an FLR request.
func (o *PCIeObserver) Tick() {
	current := o.state.pciGW.Bytes()

	if !bytes.Equal(o.last, current) {
		for i := range current {
			if o.last[i] != current[i] {
				pcieLog.Printf("changed at offset 0x%x", i)
			}
		}
	}

	o.last = append(o.last[:0], current...)

	o.checkFLR()
}

// checkFLR looks for the PCI Express capability's Initiate Function Level
// Reset bit and, if set, resets device state and deasserts it.
func (o *PCIeObserver) checkFLR() {
	cap, ok := o.state.PCI.CapabilityByID(pciregs.CapExpress)
	if !ok {
		return
	}

	express := o.state.PCI.DecodeExpress(cap)
	if !express.IFLR() {
		return
	}

	pcieLog.Printf("function level reset requested")

	o.state.NVMe.SetEN(false)
	o.state.NVMe.SetRDY(false)
	o.state.Ready = false
	o.state.Queues = queue.NewManager()
	o.state.PendingCQs = nil

	express.ClearIFLR()
}
