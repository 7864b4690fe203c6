// https://github.com/edaelli/lone-go
//
// Copyright (c) The lone-go Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package command implements the NVMe command lifecycle: building and
// parsing 64-byte submission entries and 16-byte completion entries, CID
// allocation, PRP attachment, posting, outstanding-command tracking, and
// completion pairing. Ported from lone.nvme.spec.structures (SQE/CQE
// layout) and lone.nvme.device.NVMeDeviceCommon (the lifecycle methods),
// expressed as byte-offset accessors in the style of nvmeregs/pciregs
// rather than the teacher's ctypes bitfield structs, since Go has no
// native packed-bitfield struct equivalent.
package command

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/edaelli/lone-go/dma"
	"github.com/edaelli/lone-go/prp"
	"github.com/edaelli/lone-go/queue"
	"github.com/edaelli/lone-go/status"
)

const (
	// SQESize is the fixed 64-byte submission entry size this driver uses
	// (CC.IOSQES is always programmed to 2**6).
	SQESize = 64
	// CQESize is the fixed 16-byte completion entry size (CC.IOCQES is
	// always programmed to 2**4).
	CQESize = 16
)

// Direction mirrors dma.Direction for the data phase of a command, kept
// as its own type so callers (controller/simulator) don't need to import
// dma just to say "this command reads".
type Direction = dma.Direction

// Command is one in-flight or completed NVMe command: its submission
// entry fields, the data buffers a caller wants filled or sent, and
// lifecycle state (posted/complete/allocated PRPs/timestamps).
type Command struct {
	Opcode uint8
	CID    uint16
	NSID   uint32
	CDW2   uint32
	CDW3   uint32
	MPTR   uint64
	PRP1   uint64
	PRP2   uint64
	CDW10  uint32
	CDW11  uint32
	CDW12  uint32
	CDW13  uint32
	CDW14  uint32
	CDW15  uint32

	// Scope selects the status code table this command's completion is
	// checked against.
	Scope status.Scope

	// AdminCommand routes this command to SQID 0; otherwise it is handed
	// the next I/O SQID from the queue manager.
	AdminCommand bool

	// DataIn, when non-nil, is filled from the device's response after
	// completion (e.g. Identify's 4096-byte data_in). DataOut, when
	// non-nil, is copied to the device before posting (e.g. Write's
	// payload). At most one of the two is set on a command. NLB-style
	// transfers (Read/Write) set one of them and also ExplicitSize below,
	// which takes priority when sizing PRPs.
	DataIn  []byte
	DataOut []byte

	// ExplicitDirection/ExplicitSize let Read/Write (whose transfer size
	// depends on NLB and the namespace's LBA data size, not a fixed
	// struct) drive PRP allocation without going through DataIn/DataOut.
	ExplicitDirection Direction
	ExplicitSize      int

	SQ *queue.SubmissionQueue
	CQ *queue.CompletionQueue

	Posted      bool
	Complete    bool
	InternalMem bool
	PRPs        []*prp.PRP

	StartNS int64
	EndNS   int64

	CQE CQE
}

// Build serializes the command into a 64-byte submission entry.
func (c *Command) Build() []byte {
	buf := make([]byte, SQESize)

	buf[0] = c.Opcode
	binary.LittleEndian.PutUint16(buf[2:], c.CID)
	binary.LittleEndian.PutUint32(buf[4:], c.NSID)
	binary.LittleEndian.PutUint32(buf[8:], c.CDW2)
	binary.LittleEndian.PutUint32(buf[12:], c.CDW3)
	binary.LittleEndian.PutUint64(buf[16:], c.MPTR)
	binary.LittleEndian.PutUint64(buf[24:], c.PRP1)
	binary.LittleEndian.PutUint64(buf[32:], c.PRP2)
	binary.LittleEndian.PutUint32(buf[40:], c.CDW10)
	binary.LittleEndian.PutUint32(buf[44:], c.CDW11)
	binary.LittleEndian.PutUint32(buf[48:], c.CDW12)
	binary.LittleEndian.PutUint32(buf[52:], c.CDW13)
	binary.LittleEndian.PutUint32(buf[56:], c.CDW14)
	binary.LittleEndian.PutUint32(buf[60:], c.CDW15)

	return buf
}

// ParseSQE decodes a 64-byte submission entry, as the simulator does when
// draining a host-posted command. The FUSE/PSDT bits the original packs
// alongside OPC are not modeled: this driver never fuses commands and
// always uses PRPs, never SGLs.
func ParseSQE(buf []byte) (*Command, error) {
	if len(buf) != SQESize {
		return nil, fmt.Errorf("command: submission entry must be %d bytes, got %d", SQESize, len(buf))
	}

	return &Command{
		Opcode: buf[0],
		CID:    binary.LittleEndian.Uint16(buf[2:]),
		NSID:   binary.LittleEndian.Uint32(buf[4:]),
		CDW2:   binary.LittleEndian.Uint32(buf[8:]),
		CDW3:   binary.LittleEndian.Uint32(buf[12:]),
		MPTR:   binary.LittleEndian.Uint64(buf[16:]),
		PRP1:   binary.LittleEndian.Uint64(buf[24:]),
		PRP2:   binary.LittleEndian.Uint64(buf[32:]),
		CDW10:  binary.LittleEndian.Uint32(buf[40:]),
		CDW11:  binary.LittleEndian.Uint32(buf[44:]),
		CDW12:  binary.LittleEndian.Uint32(buf[48:]),
		CDW13:  binary.LittleEndian.Uint32(buf[52:]),
		CDW14:  binary.LittleEndian.Uint32(buf[56:]),
		CDW15:  binary.LittleEndian.Uint32(buf[60:]),
	}, nil
}

// CQE is a decoded 16-byte completion entry.
type CQE struct {
	CmdSpec uint32
	SQHD    uint16
	SQID    uint16
	CID     uint16
	SF      uint16
}

// Phase extracts the P bit (bit 0 of SF).
func (c CQE) Phase() uint8 { return uint8(c.SF & 1) }

// SC extracts the 8-bit status code (bits 1-8 of SF).
func (c CQE) SC() uint8 { return uint8((c.SF >> 1) & 0xFF) }

// SCT extracts the 3-bit status code type (bits 9-11 of SF).
func (c CQE) SCT() uint8 { return uint8((c.SF >> 9) & 0x7) }

// ParseCQE decodes a raw 16-byte completion entry.
func ParseCQE(buf []byte) (CQE, error) {
	if len(buf) != CQESize {
		return CQE{}, fmt.Errorf("command: completion entry must be %d bytes, got %d", CQESize, len(buf))
	}
	return CQE{
		CmdSpec: binary.LittleEndian.Uint32(buf[0:]),
		SQHD:    binary.LittleEndian.Uint16(buf[8:]),
		SQID:    binary.LittleEndian.Uint16(buf[10:]),
		CID:     binary.LittleEndian.Uint16(buf[12:]),
		SF:      binary.LittleEndian.Uint16(buf[14:]),
	}, nil
}

// Build serializes a CQE (used by the simulator side, which constructs
// completions rather than parsing them) back into 16 raw bytes. The
// phase bit is intentionally left as whatever SF already carries: queue.Post
// is responsible for flipping it to the slot's expected phase.
func (c CQE) Build() []byte {
	buf := make([]byte, CQESize)
	binary.LittleEndian.PutUint32(buf[0:], c.CmdSpec)
	binary.LittleEndian.PutUint16(buf[8:], c.SQHD)
	binary.LittleEndian.PutUint16(buf[10:], c.SQID)
	binary.LittleEndian.PutUint16(buf[12:], c.CID)
	binary.LittleEndian.PutUint16(buf[14:], c.SF)
	return buf
}

// CIDGenerator hands out monotonically increasing command IDs, wrapping
// from 0xFFFE back to 0x1000, matching NVMeDeviceCommon.CidMgr.
type CIDGenerator struct {
	mu    sync.Mutex
	value uint16
}

// NewCIDGenerator starts the generator at 0x1000.
func NewCIDGenerator() *CIDGenerator {
	return &CIDGenerator{value: 0x1000}
}

// Next returns the next CID. 0xFFFE is the last one issued before the
// counter wraps back to 0x1000.
func (g *CIDGenerator) Next() uint16 {
	g.mu.Lock()
	defer g.mu.Unlock()

	v := g.value
	g.value++
	if g.value > 0xFFFE {
		g.value = 0x1000
	}
	return v
}

// outstandingKey indexes in-flight commands the way NVMeDeviceCommon does:
// by (CID, SQID), since CIDs are only unique within one submission queue.
type outstandingKey struct {
	cid  uint16
	sqid uint16
}

// Executor drives the host-side command lifecycle against a queue
// manager: CID allocation, PRP attachment sized from the command's data
// direction, posting, polling for completions, and status checking.
type Executor struct {
	mu sync.Mutex

	Queues *queue.Manager
	Arena  *dma.Arena
	MPS    int
	Status *status.Registry

	cidMgr      *CIDGenerator
	outstanding map[outstandingKey]*Command
}

// NewExecutor builds an Executor over the given queue manager and DMA
// arena, using mps (the controller's negotiated memory page size) to
// size PRPs.
func NewExecutor(queues *queue.Manager, arena *dma.Arena, mps int) *Executor {
	return &Executor{
		Queues:      queues,
		Arena:       arena,
		MPS:         mps,
		Status:      status.Default(),
		cidMgr:      NewCIDGenerator(),
		outstanding: make(map[outstandingKey]*Command),
	}
}

// Reset forgets every outstanding command and resets the CID generator,
// called on controller disable alongside the queue manager and arena
// resets.
func (e *Executor) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outstanding = make(map[outstandingKey]*Command)
	e.cidMgr = NewCIDGenerator()
}

// dataTransfer resolves the (direction, size) this command needs PRPs
// for, matching alloc_cmd_memory's branching: Read/Write-style explicit
// transfers take priority, then DataIn, then DataOut, then no transfer.
func dataTransfer(cmd *Command) (Direction, int) {
	if cmd.ExplicitSize > 0 {
		return cmd.ExplicitDirection, cmd.ExplicitSize
	}
	if len(cmd.DataIn) > 0 {
		return dma.DeviceToHost, len(cmd.DataIn)
	}
	if len(cmd.DataOut) > 0 {
		return dma.HostToDevice, len(cmd.DataOut)
	}
	return 0, 0
}

// allocCmdMemory allocates and fills PRPs for cmd's data transfer, if it
// has one.
func (e *Executor) allocCmdMemory(cmd *Command) error {
	dir, size := dataTransfer(cmd)
	if size == 0 {
		return nil
	}

	if size > prp.MaxTransferBytes {
		return fmt.Errorf("command: %d bytes exceeds the %d byte transfer ceiling", size, prp.MaxTransferBytes)
	}

	dataPRP, err := prp.New(size, e.MPS)
	if err != nil {
		return err
	}
	if err := dataPRP.Alloc(e.Arena, dir); err != nil {
		return err
	}

	if len(cmd.DataOut) > 0 && dir == dma.HostToDevice {
		if err := dataPRP.SetDataBuffer(cmd.DataOut); err != nil {
			return err
		}
	}

	cmd.PRPs = append(cmd.PRPs, dataPRP)
	cmd.PRP1 = dataPRP.PRP1
	cmd.PRP2 = dataPRP.PRP2

	return nil
}

// freeCmdMemory copies device-filled data back into cmd.DataIn (if any)
// and releases every PRP the command allocated.
func (e *Executor) freeCmdMemory(cmd *Command) {
	if len(cmd.DataIn) > 0 && len(cmd.PRPs) > 0 {
		copy(cmd.DataIn, cmd.PRPs[0].GetDataBuffer())
	}

	for _, p := range cmd.PRPs {
		p.Free(e.Arena)
	}
	cmd.PRPs = nil
}

// StartCmd resolves the command's queue pair, allocates its PRPs, and
// posts it. sqid/cqid may both be nil, in which case an admin command
// goes to SQID 0 and any other command goes to the queue manager's next
// I/O SQID.
func (e *Executor) StartCmd(cmd *Command, sqid, cqid *uint16, allocMem bool) error {
	var resolvedSQID *uint16

	switch {
	case sqid != nil:
		resolvedSQID = sqid
	case cmd.AdminCommand:
		zero := uint16(0)
		resolvedSQID = &zero
	default:
		id, err := e.Queues.NextIOSQID()
		if err != nil {
			return err
		}
		resolvedSQID = &id
	}

	sq, cq, err := e.Queues.Get(resolvedSQID, cqid)
	if err != nil {
		return err
	}
	cmd.SQ, cmd.CQ = sq, cq

	if cmd.Posted {
		return fmt.Errorf("command: CID 0x%x already posted", cmd.CID)
	}
	if cmd.Complete {
		return fmt.Errorf("command: CID 0x%x already completed", cmd.CID)
	}

	if allocMem {
		if err := e.allocCmdMemory(cmd); err != nil {
			return err
		}
		cmd.InternalMem = true
	}

	if err := e.postCommand(cmd); err != nil {
		return err
	}
	cmd.Posted = true

	return nil
}

// postCommand assigns a CID, serializes and posts the command, and
// records it as outstanding.
func (e *Executor) postCommand(cmd *Command) error {
	cmd.CID = e.cidMgr.Next()

	if err := cmd.SQ.Post(cmd.Build()); err != nil {
		return err
	}

	e.mu.Lock()
	e.outstanding[outstandingKey{cmd.CID, cmd.SQ.QID}] = cmd
	e.mu.Unlock()

	return nil
}

// GetCompletion polls cqid once: if the entry at the completion queue's
// current head has flipped to the expected phase, it is paired with its
// outstanding command and consumed. Returns whether a completion was
// processed.
func (e *Executor) GetCompletion(cqid uint16) (bool, error) {
	var sqidPtr *uint16
	cqidPtr := &cqid

	if cqid == 0 {
		zero := uint16(0)
		sqidPtr = &zero
	}

	_, cq, err := e.Queues.Get(sqidPtr, cqidPtr)
	if err != nil {
		return false, err
	}

	raw := cq.Peek()
	if queue.PhaseBit(raw) != cq.Phase {
		return false, nil
	}

	cqe, err := ParseCQE(raw)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	cmd, ok := e.outstanding[outstandingKey{cqe.CID, cqe.SQID}]
	e.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("command: completion for unknown CID 0x%x SQID %d", cqe.CID, cqe.SQID)
	}

	e.completeCommand(cmd, cqe)
	return true, nil
}

// completeCommand finalizes cmd against cqe: copies the completion in,
// drops it from the outstanding table, frees its PRPs, advances the
// completion queue past the consumed entry, and updates the submission
// queue's head shadow from SQHD.
func (e *Executor) completeCommand(cmd *Command, cqe CQE) {
	if cmd.CID != cqe.CID || cmd.SQ.QID != cqe.SQID {
		panic("command: completion does not match the command it was paired with")
	}

	cmd.Posted = false
	cmd.Complete = true
	cmd.CQE = cqe

	e.mu.Lock()
	delete(e.outstanding, outstandingKey{cmd.CID, cmd.SQ.QID})
	e.mu.Unlock()

	if cmd.InternalMem {
		e.freeCmdMemory(cmd)
		cmd.InternalMem = false
	}

	cmd.CQ.Consume()
	cmd.SQ.SetHead(uint32(cqe.SQHD))
}

// ProcessCompletions polls cqids (every registered CQ, if nil) until
// maxCompletions have been processed or the caller-supplied deadline
// function reports expiry.
func (e *Executor) ProcessCompletions(cqids []uint16, maxCompletions int, deadline func() bool) (int, error) {
	if cqids == nil {
		cqids = e.Queues.AllCQIDs()
	}

	count := 0
	for {
		for _, id := range cqids {
			got, err := e.GetCompletion(id)
			if err != nil {
				return count, err
			}
			if got {
				count++
			}
		}

		if count >= maxCompletions {
			return count, nil
		}
		if deadline != nil && deadline() {
			return count, nil
		}
	}
}

// SyncCmd starts cmd, blocks (via deadline) until its completion arrives,
// and optionally checks its status, returning a *status.Error if the
// device reported failure.
func (e *Executor) SyncCmd(cmd *Command, sqid, cqid *uint16, allocMem, check bool, deadline func() bool) error {
	if err := e.StartCmd(cmd, sqid, cqid, allocMem); err != nil {
		return err
	}

	if _, err := e.ProcessCompletions([]uint16{cmd.CQ.QID}, 1, deadline); err != nil {
		return err
	}

	if !cmd.Complete {
		return fmt.Errorf("command: CID 0x%x not complete after waiting", cmd.CID)
	}

	if check {
		return e.Status.Check(cmd.CQE.SCT(), cmd.CQE.SC(), cmd.Scope)
	}
	return nil
}
