// https://github.com/edaelli/lone-go
//
// Copyright (c) The lone-go Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package pciregs

// MSIX decodes an MSI-X capability structure already located by
// Capabilities(): {MessageControl:16, TableOffset:32, PBAOffset:32} at
// cap.Offset+2, adapted from soc/intel/pci.CapabilityMSIX.Unmarshal's byte
// layout but read through the byte gateway instead of 32-bit port I/O
// reads.
type MSIX struct {
	MessageControl uint16
	TableOffset    uint32
	PBAOffset      uint32

	regs *Registers
	off  uint64
}

const msixEnableBit = 15 // bit 15 of MessageControl, not bit 31: MC is a 16-bit field here

// DecodeMSIX reads the MSI-X capability body at cap.Offset, which must have
// ID == CapMSIX.
func (r *Registers) DecodeMSIX(cap Capability) *MSIX {
	return &MSIX{
		MessageControl: r.u16(cap.Offset + 2),
		TableOffset:    r.u32(cap.Offset + 4),
		PBAOffset:      r.u32(cap.Offset + 8),
		regs:           r,
		off:            cap.Offset,
	}
}

// TableSize returns the number of entries in the MSI-X table, encoded as
// table size minus one in MessageControl[10:0].
func (m *MSIX) TableSize() int {
	return int(m.MessageControl&0x7FF) + 1
}

// BIR and TableBAROffset decode the BAR indicator and in-BAR byte offset
// that TableOffset packs together (bits [2:0] and [31:3] respectively).
func (m *MSIX) BIR() int                { return int(m.TableOffset & 0b111) }
func (m *MSIX) TableBAROffset() uint32 { return m.TableOffset &^ 0b111 }

// Enable sets the MSI-X Enable bit in MessageControl, committing it back
// through the gateway.
func (m *MSIX) Enable() {
	m.MessageControl |= 1 << msixEnableBit
	m.regs.setU16(m.off+2, m.MessageControl)
}
