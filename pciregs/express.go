// https://github.com/edaelli/lone-go
//
// Copyright (c) The lone-go Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package pciregs

// Express decodes the PCI Express capability structure located by
// Capabilities(), which must have ID == CapExpress. Only the Device
// Control register is modeled, since it is the only field this driver's
// FLR path needs; the Capabilities/Device Capabilities/Link registers a
// full PCIe stack would decode are left unmodeled here, matching MSIX's
// narrow, spec-driven field set.
type Express struct {
	regs *Registers
	off  uint64
}

const iflrBit = 15 // bit 15 of the Device Control register

// DecodeExpress binds an Express accessor to cap.Offset.
func (r *Registers) DecodeExpress(cap Capability) *Express {
	return &Express{regs: r, off: cap.Offset}
}

// DeviceControl reads the Device Control register at off+8.
func (e *Express) DeviceControl() uint16 {
	return e.regs.u16(e.off + 8)
}

// SetDeviceControl writes the Device Control register.
func (e *Express) SetDeviceControl(v uint16) {
	e.regs.setU16(e.off+8, v)
}

// TriggerFLR sets the Initiate Function Level Reset bit, the host-side
// half of an FLR: the device model observing config space is responsible
// for reacting to it and clearing it back, mirroring how a real device's
// hardware state machine both performs the reset and deasserts the bit
// once it completes.
func (e *Express) TriggerFLR() {
	e.SetDeviceControl(e.DeviceControl() | 1<<iflrBit)
}

// IFLR reports whether the Initiate Function Level Reset bit is set.
func (e *Express) IFLR() bool {
	return e.DeviceControl()&(1<<iflrBit) != 0
}

// ClearIFLR clears the Initiate Function Level Reset bit, called once a
// reset reaction has completed.
func (e *Express) ClearIFLR() {
	e.SetDeviceControl(e.DeviceControl() &^ (1 << iflrBit))
}
