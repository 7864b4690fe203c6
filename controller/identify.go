// https://github.com/edaelli/lone-go
//
// Copyright (c) The lone-go Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package controller

import (
	"encoding/binary"
	"strings"

	"github.com/google/uuid"
)

// ControllerData is the 4096-byte response to Identify CNS=0x01, accessed
// by byte offset the way nvmeregs accesses BAR0, grounded on
// IdentifyControllerData's field layout.
type ControllerData []byte

func (d ControllerData) VID() uint16    { return binary.LittleEndian.Uint16(d[0:]) }
func (d ControllerData) SSVID() uint16  { return binary.LittleEndian.Uint16(d[2:]) }
func (d ControllerData) SN() string     { return asciiField(d[4:24]) }
func (d ControllerData) MN() string     { return asciiField(d[24:64]) }
func (d ControllerData) FR() string     { return asciiField(d[64:72]) }
func (d ControllerData) MDTS() uint8    { return d[77] }
func (d ControllerData) CNTLID() uint16 { return binary.LittleEndian.Uint16(d[78:]) }
func (d ControllerData) VER() uint32    { return binary.LittleEndian.Uint32(d[80:]) }
func (d ControllerData) NN() uint32     { return binary.LittleEndian.Uint32(d[516:]) }

func asciiField(b []byte) string {
	return strings.TrimRight(string(b), " \x00")
}

// LBAFormat is one entry of a namespace's supported LBA format table.
type LBAFormat struct {
	MS    uint16
	LBADS uint8
	RP    uint8
}

// NamespaceData is the 4096-byte response to Identify CNS=0x00, grounded
// on IdentifyNamespaceData.
type NamespaceData []byte

func (d NamespaceData) NSZE() uint64 { return binary.LittleEndian.Uint64(d[0:]) }
func (d NamespaceData) NCAP() uint64 { return binary.LittleEndian.Uint64(d[8:]) }
func (d NamespaceData) NUSE() uint64 { return binary.LittleEndian.Uint64(d[16:]) }
func (d NamespaceData) NLBAF() uint8 { return d[25] }
func (d NamespaceData) FLBAS() uint8 { return d[26] & 0xF }

// LBAF returns the i'th LBA format table entry (0-15).
func (d NamespaceData) LBAF(i int) LBAFormat {
	off := 128 + i*4
	return LBAFormat{
		MS:    binary.LittleEndian.Uint16(d[off:]),
		LBADS: d[off+2],
		RP:    d[off+3] & 0x3,
	}
}

// NamespaceListData is the 4096-byte response to Identify CNS=0x02,
// grounded on IdentifyNamespaceListData: 1024 active NSIDs, zero-
// terminated early.
type NamespaceListData []byte

// Identifiers returns every non-zero namespace ID in the list, in order.
func (d NamespaceListData) Identifiers() []uint32 {
	var ids []uint32
	for i := 0; i < 1024; i++ {
		id := binary.LittleEndian.Uint32(d[i*4:])
		if id == 0 {
			break
		}
		ids = append(ids, id)
	}
	return ids
}

// UUIDListData is the 4096-byte response to Identify CNS=0x17, grounded
// on IdentifyUUIDListData: 128 32-byte entries (1 byte IdAss/RSVD, 15
// reserved, 16 UUID bytes).
type UUIDListData []byte

// UUIDEntry is one decoded entry of the UUID list.
type UUIDEntry struct {
	IdAss uint8
	UUID  uuid.UUID
}

// Entries returns every entry whose IdAss field is non-zero (i.e.
// actually assigned), parsed with google/uuid.
func (d UUIDListData) Entries() []UUIDEntry {
	var out []UUIDEntry
	for i := 0; i < 128; i++ {
		off := i * 32
		idAss := d[off] & 0x3
		if idAss == 0 {
			continue
		}
		u, err := uuid.FromBytes(d[off+16 : off+32])
		if err != nil {
			continue
		}
		out = append(out, UUIDEntry{IdAss: idAss, UUID: u})
	}
	return out
}
