// https://github.com/edaelli/lone-go
//
// Copyright (c) The lone-go Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package queue implements the NVMe submission/completion queue-pair
// engine: phase-bit completion detection, doorbell-backed head/tail
// counters, and the registry that routes commands to the right queue pair.
// It generalizes the split-ring shape of virtio/descriptor.go's
// Available/Used rings (head/tail counters, a ring buffer, a device
// notification write) to a single paired ring with an NVMe-specific phase
// bit instead of a used-ring index, since NVMe completions are detected by
// a flipping bit rather than by comparing a used-index snapshot.
package queue

import "fmt"

// EntrySize constants for the two NVMe entry kinds this driver ever uses.
const (
	SubmissionEntrySize = 64
	CompletionEntrySize = 16
)

// HeadTail is a wrap-at-entries counter, optionally backed by a doorbell
// write. For a submission queue's tail and a completion queue's head, the
// doorbell write is real (the host notifies the device). For a submission
// queue's head (advanced only from a completion's SQHD field) and a
// completion queue's tail (advanced only by the simulator posting a new
// entry) there is no doorbell: the original keeps those as a local
// ctypes.c_uint32 with no device-visible address, which this port mirrors
// by simply passing writeBack = nil.
type HeadTail struct {
	entries   uint32
	value     uint32
	writeBack func(uint32)
}

// NewHeadTail builds a counter wrapping at entries, optionally calling
// writeBack (a doorbell write) every time Add commits a new value.
func NewHeadTail(entries uint32, writeBack func(uint32)) *HeadTail {
	return &HeadTail{entries: entries, writeBack: writeBack}
}

// Set forces the counter to v and, if backed, writes the doorbell.
func (h *HeadTail) Set(v uint32) {
	h.value = v
	if h.writeBack != nil {
		h.writeBack(v)
	}
}

// Incr returns what Add(n) would commit, without committing it: wrap to
// zero exactly when the sum equals entries (not a modulus), matching
// NVMeHeadTail.incr.
func (h *HeadTail) Incr(n uint32) uint32 {
	v := h.value + n
	if v == h.entries {
		v = 0
	}
	return v
}

// Add commits Incr(n) as the new value.
func (h *HeadTail) Add(n uint32) {
	h.Set(h.Incr(n))
}

// Value returns the current counter value.
func (h *HeadTail) Value() uint32 {
	return h.value
}

// ring is the head/tail/full/count logic shared by submission and
// completion queues, ported from NVMeQueue.is_full/num_entries.
type ring struct {
	entries uint32
	head    *HeadTail
	tail    *HeadTail
}

func (r *ring) IsFull() bool {
	return r.tail.Incr(1) == r.head.Value()
}

func (r *ring) NumEntries() uint32 {
	switch {
	case r.tail.Incr(1) == r.head.Value():
		return r.entries - 1
	case r.tail.Value() == r.head.Value():
		return 0
	case r.tail.Value() > r.head.Value():
		return r.tail.Value() - r.head.Value()
	default:
		return (r.entries - r.head.Value()) + r.tail.Value()
	}
}

// Backing is the byte-addressable ring buffer a queue is laid over, i.e.
// a dma.MemoryLocation's Bytes().
type Backing interface {
	Bytes() []byte
}

// SubmissionQueue is a host-to-device ring of 64-byte entries.
type SubmissionQueue struct {
	ring

	QID     uint16
	backing Backing
}

// NewSubmissionQueue wraps backing memory with entries slots, registering
// writeTailDoorbell as the device notification for new tail values. The
// head counter has no doorbell: it only ever advances from a completion's
// SQHD field via SetHead.
func NewSubmissionQueue(backing Backing, entries uint32, qid uint16, writeTailDoorbell func(uint32)) *SubmissionQueue {
	return &SubmissionQueue{
		ring: ring{
			entries: entries,
			head:    NewHeadTail(entries, nil),
			tail:    NewHeadTail(entries, writeTailDoorbell),
		},
		QID:     qid,
		backing: backing,
	}
}

// SetHead updates the SQ head shadow from a completion's reported SQHD.
// There is no device-side doorbell for this value, per the spec's Open
// Question (c).
func (sq *SubmissionQueue) SetHead(v uint32) {
	sq.head.value = v
}

// SyncTail adopts a tail value read back from the doorbell register without
// re-triggering the write-back doorbell, used by a device-side queue object
// that shares its backing memory and doorbell register with a separate
// host-side SubmissionQueue instance instead of the same Go value.
func (sq *SubmissionQueue) SyncTail(v uint32) {
	sq.tail.value = v
}

// Head returns the current head shadow value.
func (sq *SubmissionQueue) Head() uint32 {
	return sq.head.Value()
}

// Post copies a 64-byte entry into the tail slot and advances the tail
// (which writes the doorbell), rejecting the post before any doorbell
// write if the queue is full.
func (sq *SubmissionQueue) Post(entry []byte) error {
	if len(entry) != SubmissionEntrySize {
		return fmt.Errorf("queue: submission entry must be %d bytes, got %d", SubmissionEntrySize, len(entry))
	}

	if sq.IsFull() {
		return fmt.Errorf("queue: SQ %d is full (tail=%d head=%d)", sq.QID, sq.tail.Value(), sq.head.Value())
	}

	off := sq.tail.Value() * SubmissionEntrySize
	copy(sq.backing.Bytes()[off:off+SubmissionEntrySize], entry)

	sq.tail.Add(1)
	return nil
}

// GetCommand is the simulator-side drain operation: it reads the entry at
// the current head, advances the head locally (no doorbell - the
// simulator is the only consumer), and returns it, or nil if the queue is
// empty.
func (sq *SubmissionQueue) GetCommand() []byte {
	if sq.NumEntries() == 0 {
		return nil
	}

	off := sq.head.Value() * SubmissionEntrySize
	entry := make([]byte, SubmissionEntrySize)
	copy(entry, sq.backing.Bytes()[off:off+SubmissionEntrySize])

	sq.head.Add(1)
	return entry
}

// CompletionQueue is a device-to-host ring of 16-byte entries with
// phase-bit completion detection.
type CompletionQueue struct {
	ring

	QID       uint16
	IntVector *int // nil: polling mode
	Phase     uint8

	backing Backing
}

// NewCompletionQueue wraps backing memory with entries slots, registering
// writeHeadDoorbell as the host's consumed-head notification. The tail
// counter has no doorbell: only the simulator advances it, when posting a
// new completion.
func NewCompletionQueue(backing Backing, entries uint32, qid uint16, writeHeadDoorbell func(uint32), intVector *int) *CompletionQueue {
	return &CompletionQueue{
		ring: ring{
			entries: entries,
			head:    NewHeadTail(entries, writeHeadDoorbell),
			tail:    NewHeadTail(entries, nil),
		},
		QID:       qid,
		IntVector: intVector,
		Phase:     1,
		backing:   backing,
	}
}

// Head returns the current head value.
func (cq *CompletionQueue) Head() uint32 {
	return cq.head.Value()
}

// Peek returns the raw 16-byte entry at the current head without
// consuming it. Callers check its phase bit against cq.Phase to decide
// whether it is new.
func (cq *CompletionQueue) Peek() []byte {
	off := cq.head.Value() * CompletionEntrySize
	entry := make([]byte, CompletionEntrySize)
	copy(entry, cq.backing.Bytes()[off:off+CompletionEntrySize])
	return entry
}

// PhaseBit extracts the P bit (bit 0 of the 16-bit status field at byte
// offset 14) from a raw completion entry.
func PhaseBit(entry []byte) uint8 {
	return entry[14] & 1
}

// Consume advances the head (writing the doorbell) and flips the phase
// when the head wraps to zero.
func (cq *CompletionQueue) Consume() {
	cq.head.Add(1)
	if cq.head.Value() == 0 {
		if cq.Phase == 1 {
			cq.Phase = 0
		} else {
			cq.Phase = 1
		}
	}
}

// Post writes a completion entry at the tail (simulator side only),
// flipping the target slot's prior phase bit to its inverse before
// writing, and advances the tail locally.
func (cq *CompletionQueue) Post(entry []byte) error {
	if len(entry) != CompletionEntrySize {
		return fmt.Errorf("queue: completion entry must be %d bytes, got %d", CompletionEntrySize, len(entry))
	}

	if cq.IsFull() {
		return fmt.Errorf("queue: CQ %d is full", cq.QID)
	}

	off := cq.tail.Value() * CompletionEntrySize
	slot := cq.backing.Bytes()[off : off+CompletionEntrySize]

	priorPhase := slot[14] & 1
	newPhase := priorPhase ^ 1

	out := make([]byte, CompletionEntrySize)
	copy(out, entry)
	out[14] = (out[14] &^ 1) | newPhase

	copy(slot, out)
	cq.tail.Add(1)

	return nil
}
