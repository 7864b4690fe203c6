// https://github.com/edaelli/lone-go
//
// Copyright (c) The lone-go Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package pciregs models PCI Express configuration space as a typed,
// bitfield-accurate overlay over a byte-addressable gateway, adapted from
// the capability-list walk in soc/intel/pci for a VFIO-mapped device rather
// than a port-I/O one.
package pciregs

import "github.com/edaelli/lone-go/gateway"

// Standard header offsets, type 0x0.
const (
	OffID      = 0x00
	OffCommand = 0x04
	OffStatus  = 0x06
	OffRID     = 0x08
	OffCC      = 0x09
	OffCLS     = 0x0C
	OffMLT     = 0x0D
	OffHType   = 0x0E
	OffBIST    = 0x0F
	OffBAR0    = 0x10
	OffCCPTR   = 0x28
	OffSS      = 0x2C
	OffEROM    = 0x30
	OffCAP     = 0x34
	OffINTR    = 0x3C
	OffMGNT    = 0x3E
	OffMLAT    = 0x3F

	OffCapabilitiesStart   = 0x40
	OffExtendedCapsStart   = 0x100
	CapabilitiesRegionSize = 0x1000
)

// Standard capability IDs.
const (
	CapPowerManagement = 0x01
	CapMSI             = 0x05
	CapExpress         = 0x10
	CapMSIX            = 0x11
)

// Extended capability IDs.
const (
	ExtCapAER                 = 0x0001
	ExtCapDeviceSerialNumber = 0x0003
)

// Registers is the byte-addressable overlay over PCI configuration space.
// Every accessor performs a read-modify-write through the gateway rather
// than assuming a direct memory layout, matching the spec's "indirect
// overlays ... read-modify-write the whole struct range byte-by-byte"
// requirement.
type Registers struct {
	gw gateway.Gateway
}

// New wraps a Gateway (real VFIO config-space fd, or gateway.MemGateway for
// the simulator and tests) with the PCI register overlay.
func New(gw gateway.Gateway) *Registers {
	return &Registers{gw: gw}
}

func (r *Registers) u8(off uint64) uint8 {
	return r.gw.Get(off)
}

func (r *Registers) setU8(off uint64, v uint8) {
	r.gw.Set(off, v)
}

func (r *Registers) u16(off uint64) uint16 {
	return uint16(r.gw.Get(off)) | uint16(r.gw.Get(off+1))<<8
}

func (r *Registers) setU16(off uint64, v uint16) {
	r.gw.Set(off, uint8(v))
	r.gw.Set(off+1, uint8(v>>8))
}

func (r *Registers) u32(off uint64) uint32 {
	var v uint32
	for i := uint64(0); i < 4; i++ {
		v |= uint32(r.gw.Get(off+i)) << (8 * i)
	}
	return v
}

func (r *Registers) setU32(off uint64, v uint32) {
	for i := uint64(0); i < 4; i++ {
		r.gw.Set(off+i, uint8(v>>(8*i)))
	}
}

// VendorID returns the 16-bit PCI vendor ID at offset 0x00.
func (r *Registers) VendorID() uint16 { return r.u16(OffID) }

// DeviceID returns the 16-bit PCI device ID at offset 0x02.
func (r *Registers) DeviceID() uint16 { return r.u16(OffID + 2) }

// Command returns the PCI COMMAND register (bus mastering, memory space
// enable bits live here).
func (r *Registers) Command() uint16 { return r.u16(OffCommand) }

// SetCommand writes the PCI COMMAND register.
func (r *Registers) SetCommand(v uint16) { r.setU16(OffCommand, v) }

// BusMasterEnable reports whether CMD.BME is set.
func (r *Registers) BusMasterEnable() bool {
	return r.Command()&(1<<2) != 0
}

// SetBusMasterEnable sets or clears CMD.BME, matching init_admin_queues'
// "clear CMD.BME to quiesce bus-mastering, then re-set it" sequencing.
func (r *Registers) SetBusMasterEnable(v bool) {
	cmd := r.Command()
	if v {
		cmd |= 1 << 2
	} else {
		cmd &^= 1 << 2
	}
	r.SetCommand(cmd)
}

// CapabilitiesPointer returns CAP.CP, the offset of the first standard
// capability in the linked list.
func (r *Registers) CapabilitiesPointer() uint8 { return r.u8(OffCAP) }

// SetCapabilitiesPointer sets CAP.CP; used only by the simulator when it
// constructs its synthetic capability chain.
func (r *Registers) SetCapabilitiesPointer(v uint8) { r.setU8(OffCAP, v) }

// BAR reads raw BAR register n (0-5); decoding 64-bit BARs is the caller's
// job, matching the teacher's BaseAddress split between raw read and type
// decode.
func (r *Registers) BAR(n int) uint32 {
	if n < 0 || n > 5 {
		return 0
	}
	return r.u32(OffBAR0 + uint64(n)*4)
}

// BaseAddress decodes BAR n into a host-relative base, handling the 64-bit
// BAR pair case (type bits == 0b10) exactly as soc/intel/pci.BaseAddress
// does for port-I/O PCI.
func (r *Registers) BaseAddress(n int) uint64 {
	bar := r.BAR(n)

	switch (bar >> 1) & 0b11 {
	case 0:
		return uint64(bar &^ 0xF)
	case 2:
		hi := r.BAR(n + 1)
		return uint64(hi)<<32 | uint64(bar&0xFFFFFFF0)
	}

	return 0
}
