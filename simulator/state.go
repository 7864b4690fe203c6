// https://github.com/edaelli/lone-go
//
// Copyright (c) The lone-go Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package simulator implements the same PCIe config space and NVMe
// controller register surface a real device exposes, entirely in process,
// so the rest of this module can be exercised without any VFIO-bound
// hardware. It is grounded on nvsim, the Python original's in-process device
// model (nvsim/__init__.py, nvsim/state, nvsim/reg_handlers,
// nvsim/cmd_handlers).
package simulator

import (
	"encoding/binary"
	"log"
	"os"

	"github.com/edaelli/lone-go/dma"
	"github.com/edaelli/lone-go/gateway"
	"github.com/edaelli/lone-go/nvmeregs"
	"github.com/edaelli/lone-go/pciregs"
	"github.com/edaelli/lone-go/queue"
	"github.com/edaelli/lone-go/status"
)

// VendorID/DeviceID are the synthetic PCI identity nvsim reports, transcribed
// from NVSimState.init_pcie_regs.
const (
	VendorID = 0xED00
	DeviceID = 0xDA01
)

// IdentifyDataSize is the fixed response size of every Identify CNS variant.
const IdentifyDataSize = 4096

var stateLog = log.New(os.Stderr, "nvsim_state: ", log.LstdFlags)

// State holds every piece of mutable device state the register observers
// and command handlers act on, grounded on NVSimState.
type State struct {
	pciGW *gateway.MemGateway
	PCI   *pciregs.Registers
	NVMe  *nvmeregs.Registers

	MPS int

	Arena  *dma.Arena
	Queues *queue.Manager

	// PendingCQs holds completion queues created by CreateIOCompletionQueue
	// that have not yet been bound to a submission queue by a matching
	// CreateIOSubmissionQueue, mirroring NVSimState.completion_queues.
	PendingCQs []*queue.CompletionQueue

	Namespaces map[uint32]*Namespace
	NSOrder    []uint32

	Status *status.Registry

	Injectors *Injectors

	// Ready mirrors nvsim's ready flag, set once the admin queue pair has
	// been validated and registered on a CC.EN 0->1 transition.
	Ready bool
}

// NewState builds a freshly reset simulator state: PCI config space and
// BAR0 backed by plain byte slices, 4 namespaces matching nvsim's default
// fleet (one 512-byte-sector and three 4096-byte-sector namespaces), and an
// empty injector set.
func NewState() *State {
	const mps = 4096

	pciGW := gateway.NewMemGateway(pciregs.CapabilitiesRegionSize)
	pci := pciregs.New(pciGW)
	nvme := nvmeregs.New(make([]byte, nvmeregs.Size))
	arena := dma.NewArena(mps, dma.NewIovaAllocator(dma.DefaultIOVABase), nil)

	return newState(pciGW, pci, nvme, arena)
}

// NewStateAttached builds simulator state layered over an existing register
// block and DMA arena, so a test can hand the very same pci/nvme/arena
// instances to a Controller and to this simulator and let the two talk
// through one shared piece of "hardware", the way a real userspace driver
// and a real controller share one physical BAR0 and IOMMU mapping table.
func NewStateAttached(pciGW *gateway.MemGateway, pci *pciregs.Registers, nvme *nvmeregs.Registers, arena *dma.Arena) *State {
	return newState(pciGW, pci, nvme, arena)
}

func newState(pciGW *gateway.MemGateway, pci *pciregs.Registers, nvme *nvmeregs.Registers, arena *dma.Arena) *State {
	s := &State{
		pciGW:      pciGW,
		PCI:        pci,
		NVMe:       nvme,
		MPS:        4096,
		Arena:      arena,
		Queues:     queue.NewManager(),
		Namespaces: make(map[uint32]*Namespace),
		Status:     status.Default(),
		Injectors:  NewInjectors(),
	}

	s.initPCIeRegs()
	s.initNVMeRegs()
	s.initNamespaces()

	return s
}

func (s *State) initPCIeRegs() {
	s.pciGW.Set(pciregs.OffID, byte(VendorID))
	s.pciGW.Set(pciregs.OffID+1, byte(VendorID>>8))
	s.pciGW.Set(pciregs.OffID+2, byte(DeviceID))
	s.pciGW.Set(pciregs.OffID+3, byte(DeviceID>>8))

	s.initCapabilities()
}

// initCapabilities lays out a two-entry standard capability list - MSI-X
// then PCI Express - starting at CAP.CP, adapted from
// NVSim.initialize_pcie_caps, which builds one of every capability type
// (power management, MSI, Express, MSI-X) back to back by struct size. This
// port only needs the two capabilities EnableMSIX and TriggerFLR decode, so
// it links just those two directly off CAP.CP instead of the full chain.
func (s *State) initCapabilities() {
	const (
		msixOff    = pciregs.OffCapabilitiesStart
		expressOff = msixOff + 0x10
	)

	s.pciGW.Set(pciregs.OffCAP, msixOff)

	s.pciGW.Set(msixOff, byte(pciregs.CapMSIX))
	s.pciGW.Set(msixOff+1, expressOff)
	s.setGWU16(msixOff+2, 7<<0) // table size 8, MSI-X disabled
	s.setGWU32(msixOff+4, 0)    // BIR 0, table offset 0 in BAR0
	s.setGWU32(msixOff+8, 0x1000)

	s.pciGW.Set(expressOff, byte(pciregs.CapExpress))
	s.pciGW.Set(expressOff+1, 0)
	s.setGWU16(expressOff+8, 0) // Device Control, IFLR initially clear
}

func (s *State) setGWU16(off uint64, v uint16) {
	s.pciGW.Set(off, byte(v))
	s.pciGW.Set(off+1, byte(v>>8))
}

func (s *State) setGWU32(off uint64, v uint32) {
	for i := uint64(0); i < 4; i++ {
		s.pciGW.Set(off+i, byte(v>>(8*i)))
	}
}

func (s *State) initNVMeRegs() {
	// CAP.CSS = 0x40: only bit 6 set, meaning "I/O command sets beyond NVM
	// are supported, and the controller will accept a CC.CSS write of
	// 0x6", exactly the value init_admin_queues checks for before writing
	// CC.CSS itself.
	s.NVMe.SetCAP(uint64(0x40) << 37)
	s.NVMe.SetVS(2, 1)
}

func (s *State) initNamespaces() {
	// NSID 0 is never valid; nsid 1 is a 512-byte-sector namespace, 2-4
	// are 4096-byte-sector, matching NVSimState.__init__'s fixed fleet.
	layout := []struct {
		nsid      uint32
		numGBs    float64
		blockSize int
	}{
		{1, 1, 512},
		{2, 2, 4096},
		{3, 3, 4096},
		{4, 4, 4096},
	}

	for _, l := range layout {
		s.Namespaces[l.nsid] = NewNamespace(l.nsid, l.numGBs, l.blockSize)
		s.NSOrder = append(s.NSOrder, l.nsid)
	}
}

// CheckMemAccess touches the first and last byte of a just-registered queue
// or command buffer, matching NVSimState.check_mem_access's "this will
// segfault if the address doesn't actually back real memory" sanity check.
// In this in-process model every MemoryLocation is always backed by real Go
// memory, so this never fails; it exists to keep the same call sites and
// log line the original has, for a reader who knows nvsim to recognize.
func (s *State) CheckMemAccess(buf []byte) {
	if len(buf) == 0 {
		return
	}
	_ = buf[0]
	_ = buf[len(buf)-1]
	stateLog.Printf("validated access to %d byte buffer", len(buf))
}

func asciiFieldInto(dst []byte, s string) {
	for i := range dst {
		if i < len(s) {
			dst[i] = s[i]
		} else {
			dst[i] = ' '
		}
	}
}

// IdentifyControllerData builds the Identify Controller response, grounded
// on NVSimState.identify_controller_data. Byte offsets match
// controller.ControllerData's accessors.
func (s *State) IdentifyControllerData() []byte {
	buf := make([]byte, IdentifyDataSize)
	asciiFieldInto(buf[4:24], "EDDAE771")  // SN
	asciiFieldInto(buf[24:64], "nvsim_0.1") // MN
	asciiFieldInto(buf[64:72], "0.001")     // FR
	return buf
}

// IdentifyNamespaceData builds the Identify Namespace response for nsid,
// grounded on NVSimState.identify_namespace_data. Byte offsets match
// controller.NamespaceData's accessors.
func (s *State) IdentifyNamespaceData(nsid uint32) ([]byte, bool) {
	ns, ok := s.Namespaces[nsid]
	if !ok {
		return nil, false
	}

	buf := make([]byte, IdentifyDataSize)
	binary.LittleEndian.PutUint64(buf[0:], uint64(ns.NumLBAs))  // NSZE
	binary.LittleEndian.PutUint64(buf[8:], uint64(ns.NumLBAs))  // NCAP
	binary.LittleEndian.PutUint64(buf[16:], 0)                  // NUSE
	buf[25] = 2                                                 // NLBAF: 2 formats supported

	if ns.BlockSize == 512 {
		buf[26] = 0
	} else {
		buf[26] = 1
	}

	// LBAF_TBL[0]: 512-byte sectors (LBADS = log2(512) = 9).
	putLBAF(buf, 0, 0, 9, 0)
	// LBAF_TBL[1]: 4096-byte sectors (LBADS = log2(4096) = 12).
	putLBAF(buf, 1, 0, 12, 0)

	return buf, true
}

func putLBAF(buf []byte, index int, ms uint16, lbads, rp uint8) {
	off := 128 + index*4
	binary.LittleEndian.PutUint16(buf[off:], ms)
	buf[off+2] = lbads
	buf[off+3] = rp & 0x3
}

// IdentifyNamespaceListData builds the Identify Namespace List response,
// grounded on NVSimState.identify_namespace_list_data.
func (s *State) IdentifyNamespaceListData() []byte {
	buf := make([]byte, IdentifyDataSize)
	for i, nsid := range s.NSOrder {
		binary.LittleEndian.PutUint32(buf[i*4:], nsid)
	}
	return buf
}

// IdentifyUUIDListData builds the Identify UUID List response, grounded on
// NVSimState.identify_uuid_list_data: 16 entries, each tagged IdAss=1 with a
// UUID whose first byte is the entry's 1-based index.
func (s *State) IdentifyUUIDListData() []byte {
	buf := make([]byte, IdentifyDataSize)
	for i := 0; i < 16; i++ {
		off := i * 32
		buf[off] = 0x01 // IdAss = 1 (UUID assigned to namespaces)
		buf[off+16] = byte(i + 1)
	}
	return buf
}
