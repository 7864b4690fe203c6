// https://github.com/edaelli/lone-go
//
// Copyright (c) The lone-go Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package simulator

import (
	"context"
	"log"
	"os"

	"golang.org/x/time/rate"

	"github.com/edaelli/lone-go/dma"
	"github.com/edaelli/lone-go/gateway"
	"github.com/edaelli/lone-go/nvmeregs"
	"github.com/edaelli/lone-go/pciregs"
)

var simLog = log.New(os.Stderr, "nvsim: ", log.LstdFlags)

// TickRate is how often the background loop polls register state, standing
// in for nvsim's background thread, which slept 1us between passes
// (effectively 1MHz). Run paces passes with a rate.Limiter whose burst is
// 1, so each pass waits for its own token.
const TickRate = 1_000_000

// Simulator is the in-process NVMe device model: PCI config space plus
// controller registers, a PCIe config space observer and an NVMe register
// observer, driven by a background goroutine. Grounded on Nvsim, the
// Python original's top-level object that owns NvsimState and starts the
// register-change-handler thread.
type Simulator struct {
	State *State

	pcie *PCIeObserver
	nvme *NVMeObserver
}

// New builds a simulator with its own freshly initialized, self-contained
// register block, DMA arena and namespace fleet.
func New() *Simulator {
	state := NewState()
	return newSimulator(state)
}

// Attach builds a simulator layered over an existing register block and
// arena, so the same "hardware" can be driven by both a real Controller and
// this simulator within one process - the shape every loopback test in
// this module uses.
func Attach(pciGW *gateway.MemGateway, pci *pciregs.Registers, nvme *nvmeregs.Registers, arena *dma.Arena) *Simulator {
	state := NewStateAttached(pciGW, pci, nvme, arena)
	return newSimulator(state)
}

func newSimulator(state *State) *Simulator {
	return &Simulator{
		State: state,
		pcie:  NewPCIeObserver(state),
		nvme:  NewNVMeObserver(state),
	}
}

// Tick runs one pass of both observers, exported directly for tests that
// want deterministic, synchronous control instead of the background loop.
func (s *Simulator) Tick() {
	s.pcie.Tick()
	s.nvme.Tick()
}

// Run drives Tick in a loop paced by a rate.Limiter at roughly TickRate Hz,
// generalizing the original's time.Sleep-based thread loop into a
// cancellable goroutine. It returns once ctx is done.
func (s *Simulator) Run(ctx context.Context) {
	limiter := rate.NewLimiter(rate.Limit(TickRate), 1)

	simLog.Printf("background loop starting")
	defer simLog.Printf("background loop stopped")

	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		s.Tick()
	}
}
