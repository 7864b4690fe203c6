// https://github.com/edaelli/lone-go
//
// Copyright (c) The lone-go Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package simulator

import (
	"github.com/edaelli/lone-go/command"
	"github.com/edaelli/lone-go/prp"
	"github.com/edaelli/lone-go/queue"
)

// NVMHandlers dispatches I/O-queue commands by opcode, grounded on
// nvsim/cmd_handlers/nvm.py's NVSimRead/NVSimWrite registration, with
// Flush supplemented since the original never modeled it: there is
// nothing for an in-memory namespace to flush, so the handler only
// validates the namespace exists and reports success.
var NVMHandlers = map[uint8]Handler{
	OpFlush: handleFlush,
	OpRead:  handleRead,
	OpWrite: handleWrite,
}

// handleFlush validates NSID and reports success; an in-memory namespace
// has no write-back cache to flush.
func handleFlush(s *State, cmd *command.Command, sq *queue.SubmissionQueue, cq *queue.CompletionQueue) {
	if _, ok := s.Namespaces[cmd.NSID]; !ok {
		complete(cmd, sq, cq, scInvalidNamespace)
		return
	}
	complete(cmd, sq, cq, scSuccess)
}

// lbaRange decodes the SLBA/NLB fields shared by Read and Write, grounded
// on NVSimNVMCommand.get_lba_range: SLBA spans CDW10/CDW11 as a 64-bit
// value, NLB is the low 16 bits of CDW12 and is zero-based (NLB=0 means one
// block).
func lbaRange(cmd *command.Command) (lba int64, num int64) {
	slba := uint64(cmd.CDW10) | uint64(cmd.CDW11)<<32
	nlb := uint32(cmd.CDW12&0xFFFF) + 1
	return int64(slba), int64(nlb)
}

// handleRead grounds NVSimRead.__call__: bounds-check the LBA range, copy
// the namespace's data into the command's PRP-addressed buffer.
func handleRead(s *State, cmd *command.Command, sq *queue.SubmissionQueue, cq *queue.CompletionQueue) {
	ns, ok := s.Namespaces[cmd.NSID]
	if !ok {
		complete(cmd, sq, cq, scInvalidNamespace)
		return
	}

	lba, num := lbaRange(cmd)
	if !ns.InRange(lba, num) {
		complete(cmd, sq, cq, scLBAOutOfRange)
		return
	}

	totalBytes := int(num) * ns.BlockSize
	p, err := prp.FromAddress(totalBytes, s.MPS, s.Arena, cmd.PRP1, cmd.PRP2)
	if err != nil {
		complete(cmd, sq, cq, scInvalidField)
		return
	}

	buf := make([]byte, totalBytes)
	ns.ReadInto(lba, num, buf)

	if err := p.SetDataBuffer(buf); err != nil {
		complete(cmd, sq, cq, scInvalidField)
		return
	}

	complete(cmd, sq, cq, scSuccess)
}

// handleWrite grounds NVSimWrite.__call__: bounds-check the LBA range,
// copy the command's PRP-addressed buffer into the namespace.
func handleWrite(s *State, cmd *command.Command, sq *queue.SubmissionQueue, cq *queue.CompletionQueue) {
	ns, ok := s.Namespaces[cmd.NSID]
	if !ok {
		complete(cmd, sq, cq, scInvalidNamespace)
		return
	}

	lba, num := lbaRange(cmd)
	if !ns.InRange(lba, num) {
		complete(cmd, sq, cq, scLBAOutOfRange)
		return
	}

	totalBytes := int(num) * ns.BlockSize
	p, err := prp.FromAddress(totalBytes, s.MPS, s.Arena, cmd.PRP1, cmd.PRP2)
	if err != nil {
		complete(cmd, sq, cq, scInvalidField)
		return
	}

	ns.WriteFrom(lba, num, p.GetDataBuffer())
	complete(cmd, sq, cq, scSuccess)
}
