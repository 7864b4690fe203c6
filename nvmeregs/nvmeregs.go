// https://github.com/edaelli/lone-go
//
// Copyright (c) The lone-go Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package nvmeregs models the NVMe controller register block (BAR0) as a
// direct structural overlay, in the sense the spec uses the term: fields
// are read and written at their fixed byte offsets in the mmapped memory
// with atomic 32/64-bit loads and stores, no gateway indirection, matching
// tamago's internal/reg atomic-register idiom generalized from single
// registers to a whole register block.
package nvmeregs

import (
	"sync/atomic"
	"unsafe"
)

// Byte offsets within BAR0, per the NVMe Base Specification.
const (
	OffCAP    = 0x00
	OffVS     = 0x08
	OffIVMS   = 0x0C // named INTMS in the NVMe spec text; see Open Question (a)
	OffIVMC   = 0x10 // named INTMC in the NVMe spec text; see Open Question (a)
	OffCC     = 0x14
	OffCSTS   = 0x1C
	OffNSSR   = 0x20
	OffAQA    = 0x24
	OffASQ    = 0x28
	OffACQ    = 0x30
	OffCMBLOC = 0x38
	OffCMBSZ  = 0x3C
	OffSQNDBS = 0x1000
)

// DoorbellStride is the byte distance between successive SQNDBS entries,
// assuming CAP.DSTRD == 0 (4-byte stride). Larger strides are a documented
// TODO, per Open Question (b): this type does not adjust for them.
const DoorbellStride = 8

// MaxQueues bounds the doorbell array this overlay exposes; the real
// register space reserves room for 1024 (SQ,CQ) pairs.
const MaxQueues = 1024

// Registers is the BAR0 overlay. It is backed by a raw byte slice (a real
// mmap on the host, or a plain allocated buffer in the simulator); field
// accessors read/write through atomic 32/64-bit loads at fixed offsets so
// the layout matches the NVMe register map exactly, the same discipline
// internal/reg.Get/Set apply to a single bare-metal register.
type Registers struct {
	mem []byte
}

// New wraps a BAR0-sized byte slice (minimum 0x1000 + MaxQueues*8 bytes)
// with the register overlay.
func New(mem []byte) *Registers {
	return &Registers{mem: mem}
}

func (r *Registers) ptr32(off uint64) *uint32 {
	return (*uint32)(unsafe.Pointer(&r.mem[off]))
}

func (r *Registers) ptr64(off uint64) *uint64 {
	return (*uint64)(unsafe.Pointer(&r.mem[off]))
}

func (r *Registers) get32(off uint64) uint32 { return atomic.LoadUint32(r.ptr32(off)) }
func (r *Registers) set32(off uint64, v uint32) { atomic.StoreUint32(r.ptr32(off), v) }
func (r *Registers) get64(off uint64) uint64 { return atomic.LoadUint64(r.ptr64(off)) }
func (r *Registers) set64(off uint64, v uint64) { atomic.StoreUint64(r.ptr64(off), v) }

// Cap is the 64-bit Controller Capabilities register.
type Cap struct{ v uint64 }

func (r *Registers) CAP() Cap { return Cap{r.get64(OffCAP)} }

func (c Cap) MQES() uint16   { return uint16(c.v & 0xFFFF) }
func (c Cap) CQR() bool      { return c.v&(1<<16) != 0 }
func (c Cap) TO() uint8      { return uint8((c.v >> 24) & 0xFF) }
func (c Cap) DSTRD() uint8   { return uint8((c.v >> 32) & 0xF) }
func (c Cap) NSSRS() bool    { return c.v&(1<<36) != 0 }
func (c Cap) CSS() uint8     { return uint8((c.v >> 37) & 0xFF) }
func (c Cap) MPSMIN() uint8  { return uint8((c.v >> 48) & 0xF) }
func (c Cap) MPSMAX() uint8  { return uint8((c.v >> 52) & 0xF) }

// SetCAP overwrites the whole CAP register; only the simulator does this
// (the real controller's CAP is read-only hardware state).
func (r *Registers) SetCAP(v uint64) { r.set64(OffCAP, v) }

// VS is the 32-bit Version register.
func (r *Registers) VS() (major, minor uint16) {
	v := r.get32(OffVS)
	return uint16(v >> 16), uint16((v >> 8) & 0xFF)
}

// SetVS sets VS.MJR/VS.MNR, simulator-only.
func (r *Registers) SetVS(major, minor uint16) {
	r.set32(OffVS, uint32(minor)<<8|uint32(major)<<16)
}

// IVMS/IVMC are the interrupt mask set/clear registers. The NVMe
// specification text calls these INTMS/INTMC; this driver uses the IVMS/
// IVMC names per Open Question (a) in the design notes.
func (r *Registers) IVMS() uint32      { return r.get32(OffIVMS) }
func (r *Registers) SetIVMS(v uint32)  { r.set32(OffIVMS, v) }
func (r *Registers) IVMC() uint32      { return r.get32(OffIVMC) }
func (r *Registers) SetIVMC(v uint32)  { r.set32(OffIVMC, v) }

// Cc is the Controller Configuration register.
type Cc struct{ v uint32 }

func (r *Registers) CC() Cc { return Cc{r.get32(OffCC)} }

func (c Cc) EN() bool      { return c.v&1 != 0 }
func (c Cc) CSS() uint8    { return uint8((c.v >> 4) & 0b111) }
func (c Cc) MPS() uint8    { return uint8((c.v >> 7) & 0xF) }
func (c Cc) IOSQES() uint8 { return uint8((c.v >> 16) & 0xF) }
func (c Cc) IOCQES() uint8 { return uint8((c.v >> 20) & 0xF) }

// SetCC writes the whole CC register.
func (r *Registers) SetCC(v uint32) { r.set32(OffCC, v) }

// SetEN sets or clears CC.EN without disturbing the rest of CC.
func (r *Registers) SetEN(v bool) {
	cc := r.get32(OffCC)
	if v {
		cc |= 1
	} else {
		cc &^= 1
	}
	r.set32(OffCC, cc)
}

// SetCSS sets CC.CSS (command set selected), bits [6:4].
func (r *Registers) SetCSS(v uint8) {
	cc := r.get32(OffCC)
	cc = (cc &^ (0b111 << 4)) | (uint32(v&0b111) << 4)
	r.set32(OffCC, cc)
}

// SetIOSQES/SetIOCQES program the I/O submission/completion entry size
// fields, always 6 (64 bytes) and 4 (16 bytes) respectively per this
// driver's fixed entry sizes.
func (r *Registers) SetIOSQES(v uint8) {
	cc := r.get32(OffCC)
	cc = (cc &^ (0xF << 16)) | (uint32(v&0xF) << 16)
	r.set32(OffCC, cc)
}

func (r *Registers) SetIOCQES(v uint8) {
	cc := r.get32(OffCC)
	cc = (cc &^ (0xF << 20)) | (uint32(v&0xF) << 20)
	r.set32(OffCC, cc)
}

// Csts is the Controller Status register.
type Csts struct{ v uint32 }

func (r *Registers) CSTS() Csts { return Csts{r.get32(OffCSTS)} }

func (c Csts) RDY() bool { return c.v&1 != 0 }
func (c Csts) CFS() bool { return c.v&(1<<1) != 0 }

// SetRDY and SetCFS are simulator-only: on real hardware CSTS is
// controller-driven, read-only from the host's perspective.
func (r *Registers) SetRDY(v bool) {
	csts := r.get32(OffCSTS)
	if v {
		csts |= 1
	} else {
		csts &^= 1
	}
	r.set32(OffCSTS, csts)
}

func (r *Registers) SetCFS(v bool) {
	csts := r.get32(OffCSTS)
	if v {
		csts |= 1 << 1
	} else {
		csts &^= 1 << 1
	}
	r.set32(OffCSTS, csts)
}

// Aqa is the Admin Queue Attributes register.
func (r *Registers) AQA() (asqs, acqs uint16) {
	v := r.get32(OffAQA)
	return uint16(v & 0xFFF), uint16((v >> 16) & 0xFFF)
}

func (r *Registers) SetAQA(asqs, acqs uint16) {
	r.set32(OffAQA, uint32(asqs&0xFFF)|uint32(acqs&0xFFF)<<16)
}

func (r *Registers) ASQ() uint64     { return r.get64(OffASQ) }
func (r *Registers) SetASQ(v uint64) { r.set64(OffASQ, v) }
func (r *Registers) ACQ() uint64     { return r.get64(OffACQ) }
func (r *Registers) SetACQ(v uint64) { r.set64(OffACQ, v) }

// SQTailDoorbell returns the byte offset of SQNDBS[qid].SQTAIL.
func SQTailDoorbell(qid uint16) uint64 {
	return OffSQNDBS + uint64(qid)*DoorbellStride
}

// CQHeadDoorbell returns the byte offset of SQNDBS[qid].CQHEAD.
func CQHeadDoorbell(qid uint16) uint64 {
	return OffSQNDBS + uint64(qid)*DoorbellStride + 4
}

// SetSQTailDoorbell/SetCQHeadDoorbell write a queue's doorbell; this is the
// host-writes-tail-for-SQ, host-writes-head-for-CQ single-writer policy the
// spec's concurrency model names explicitly.
func (r *Registers) SetSQTailDoorbell(qid uint16, v uint32) {
	r.set32(SQTailDoorbell(qid), v)
}

func (r *Registers) SetCQHeadDoorbell(qid uint16, v uint32) {
	r.set32(CQHeadDoorbell(qid), v)
}

// GetSQTailDoorbell/GetCQHeadDoorbell read a queue's doorbell back. Real
// hardware never needs this (the controller's own queue-pair logic tracks
// tail/head independently of the register it wrote), but a device model
// sharing this register block with a host driver in the same process has
// no other channel to learn the host wrote a new tail value, so the
// simulator polls these directly.
func (r *Registers) GetSQTailDoorbell(qid uint16) uint32 {
	return r.get32(SQTailDoorbell(qid))
}

func (r *Registers) GetCQHeadDoorbell(qid uint16) uint32 {
	return r.get32(CQHeadDoorbell(qid))
}

// ZeroDoorbells clears every (SQTAIL, CQHEAD) pair, used by cc_disable.
func (r *Registers) ZeroDoorbells() {
	for qid := uint16(0); qid < MaxQueues; qid++ {
		r.set32(SQTailDoorbell(qid), 0)
		r.set32(CQHeadDoorbell(qid), 0)
	}
}

// Size is the total byte size of the register block this overlay expects,
// through the end of the doorbell array.
const Size = OffSQNDBS + MaxQueues*DoorbellStride

// MPS converts CC.MPS into the controller memory page size in bytes:
// 2^(12+CC.MPS).
func MPS(cc Cc) int {
	return 1 << (12 + cc.MPS())
}
