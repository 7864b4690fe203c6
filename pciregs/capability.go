// https://github.com/edaelli/lone-go
//
// Copyright (c) The lone-go Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package pciregs

import "iter"

// Capability is one entry walked off the standard or extended capability
// list. Offset is the byte offset this instance was discovered at, bound at
// walk time so subsequent field access on the specific capability type
// resolves against the right base, matching the spec's "each capability
// instance is bound to its discovered offset" requirement.
type Capability struct {
	ID     uint16
	Offset uint64
	Next   uint64
}

// Capabilities walks the standard capability linked list starting at
// CAP.CP, then the extended capability list starting at the fixed offset
// 0x100, mirroring soc/intel/pci.Capabilities' range-over-func iterator but
// generalized to also walk the extended-capability space NVMe devices
// carry (AER, Device Serial Number) which tamago's PCI driver, built for
// simpler on-chip peripherals, never needed to.
func (r *Registers) Capabilities() iter.Seq[Capability] {
	return func(yield func(Capability) bool) {
		off := uint64(r.CapabilitiesPointer())

		for off != 0 {
			id := r.u8(off)
			next := r.u8(off + 1)

			cap := Capability{ID: uint16(id), Offset: off, Next: uint64(next)}
			if !yield(cap) {
				return
			}

			off = uint64(next)
		}

		// Extended capabilities: fixed start, 4-byte header
		// {CapID:16, CapVer:4, NextPtr:12}.
		off = OffExtendedCapsStart

		for off != 0 && off < CapabilitiesRegionSize {
			header := r.u32(off)
			id := uint16(header & 0xFFFF)
			next := uint64((header >> 20) & 0xFFF)

			if id == 0 {
				return
			}

			cap := Capability{ID: id, Offset: off, Next: next}
			if !yield(cap) {
				return
			}

			off = next
		}
	}
}

// CapabilityByID returns the first capability in the standard list matching
// id, or ok=false if the chain does not contain it. Unknown IDs are still
// yielded by Capabilities; this helper is for callers (MSI-X enablement,
// FLR) that need one specific, known capability.
func (r *Registers) CapabilityByID(id uint16) (cap Capability, ok bool) {
	for c := range r.Capabilities() {
		if c.Offset >= OffExtendedCapsStart {
			break
		}
		if c.ID == id {
			return c, true
		}
	}
	return Capability{}, false
}
