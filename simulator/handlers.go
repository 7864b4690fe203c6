// https://github.com/edaelli/lone-go
//
// Copyright (c) The lone-go Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package simulator

import (
	"log"
	"os"

	"github.com/edaelli/lone-go/command"
	"github.com/edaelli/lone-go/prp"
	"github.com/edaelli/lone-go/queue"
)

var cmdLog = log.New(os.Stderr, "nvsim_cmd_h: ", log.LstdFlags)

// Admin opcodes this simulator understands, grounded on the Opcode fields
// of lone.nvme.spec.commands.admin.{identify,create_io_completion_q,
// create_io_submission_q,delete_io_completion_q,delete_io_submission_q,
// format_nvm}.
const (
	OpDeleteIOSubmissionQueue = 0x00
	OpCreateIOSubmissionQueue = 0x01
	OpDeleteIOCompletionQueue = 0x04
	OpCreateIOCompletionQueue = 0x05
	OpIdentify                = 0x06
	OpFormatNVM               = 0x80
)

// NVM opcodes.
const (
	OpFlush = 0x00
	OpWrite = 0x01
	OpRead  = 0x02
)

// Identify CNS values.
const (
	CNSNamespace     = 0x00
	CNSController    = 0x01
	CNSNamespaceList = 0x02
	CNSUUIDList      = 0x17
)

// Handler processes one drained submission entry against device state and
// posts its completion. Grounded on NvsimCommandHandler.__call__'s
// (nvsim_state, command, sq, cq) signature.
type Handler func(s *State, cmd *command.Command, sq *queue.SubmissionQueue, cq *queue.CompletionQueue)

// complete builds and posts a completion entry for cmd, grounded on
// NvsimCommandHandler.complete: CID/SQID/SQHD copied from the command and
// its queue, SC set from sc (SCT is always 0, generic scope, matching every
// handler in the original which only ever reports generic status codes).
func complete(cmd *command.Command, sq *queue.SubmissionQueue, cq *queue.CompletionQueue, sc uint8) {
	cqe := command.CQE{
		CID:  cmd.CID,
		SQID: sq.QID,
		SQHD: uint16(sq.Head()),
		SF:   uint16(sc) << 1,
	}

	if err := cq.Post(cqe.Build()); err != nil {
		cmdLog.Printf("posting completion for CID 0x%x: %v", cmd.CID, err)
		return
	}

	if sc != 0 {
		cmdLog.Printf("command OPC 0x%x CID 0x%x completed with SC 0x%x", cmd.Opcode, cmd.CID, sc)
	}
}

const (
	scSuccess          = 0x00
	scInvalidField     = 0x02
	scInvalidNamespace = 0x0B
	scLBAOutOfRange    = 0x80
)

// AdminHandlers dispatches admin-queue commands by opcode, registered at
// package init the way NvsimCommandHandlers.register asserts no duplicate
// OPC is ever bound twice.
var AdminHandlers = map[uint8]Handler{
	OpIdentify:                handleIdentify,
	OpCreateIOCompletionQueue: handleCreateIOCompletionQueue,
	OpCreateIOSubmissionQueue: handleCreateIOSubmissionQueue,
	OpDeleteIOSubmissionQueue: handleDeleteIOSubmissionQueue,
	OpDeleteIOCompletionQueue: handleDeleteIOCompletionQueue,
	OpFormatNVM:               handleFormatNVM,
}

// handleIdentify grounds NVSimIdentify.__call__: CNS selects which
// structure gets built and copied into the command's data pointer.
func handleIdentify(s *State, cmd *command.Command, sq *queue.SubmissionQueue, cq *queue.CompletionQueue) {
	cns := cmd.CDW10 & 0xFF

	p, err := prp.FromAddress(IdentifyDataSize, s.MPS, s.Arena, cmd.PRP1, cmd.PRP2)
	if err != nil {
		complete(cmd, sq, cq, scInvalidField)
		return
	}

	var data []byte
	sc := uint8(scSuccess)

	switch cns {
	case CNSController:
		data = s.IdentifyControllerData()
	case CNSNamespace:
		var ok bool
		data, ok = s.IdentifyNamespaceData(cmd.NSID)
		if !ok {
			sc = scInvalidNamespace
		}
	case CNSNamespaceList:
		data = s.IdentifyNamespaceListData()
	case CNSUUIDList:
		data = s.IdentifyUUIDListData()
	default:
		cmdLog.Printf("identify CNS 0x%x not supported", cns)
		sc = scInvalidField
	}

	if sc == scSuccess {
		if err := p.SetDataBuffer(data); err != nil {
			sc = scInvalidField
		}
	}

	complete(cmd, sq, cq, sc)
}

// handleCreateIOCompletionQueue grounds NVSimCreateIOCompletionQueue: the
// new CQ is held in s.PendingCQs until a matching CreateIOSubmissionQueue
// names its QID as CQID.
func handleCreateIOCompletionQueue(s *State, cmd *command.Command, sq *queue.SubmissionQueue, cq *queue.CompletionQueue) {
	qsize := uint16(cmd.CDW10 >> 16)
	qid := uint16(cmd.CDW10 & 0xFFFF)
	pc := cmd.CDW11&1 != 0

	if !pc {
		complete(cmd, sq, cq, scInvalidField)
		return
	}

	entries := uint32(qsize) + 1
	mem, ok := s.Arena.Resolve(cmd.PRP1)
	if !ok {
		complete(cmd, sq, cq, scInvalidField)
		return
	}
	s.CheckMemAccess(mem[:entries*command.CQESize])

	newCQ := queue.NewCompletionQueue(resolvedBacking{mem}, entries, qid, func(v uint32) {
		s.NVMe.SetCQHeadDoorbell(qid, v)
	}, nil)

	s.PendingCQs = append(s.PendingCQs, newCQ)
	complete(cmd, sq, cq, scSuccess)
}

// handleCreateIOSubmissionQueue grounds NVSimCreateIOSubmissionQueue:
// resolves the matching pending CQ by CQID and registers the pair.
func handleCreateIOSubmissionQueue(s *State, cmd *command.Command, sq *queue.SubmissionQueue, cq *queue.CompletionQueue) {
	qsize := uint16(cmd.CDW10 >> 16)
	qid := uint16(cmd.CDW10 & 0xFFFF)
	cqid := uint16(cmd.CDW11 >> 16)

	entries := uint32(qsize) + 1
	mem, ok := s.Arena.Resolve(cmd.PRP1)
	if !ok {
		complete(cmd, sq, cq, scInvalidField)
		return
	}
	s.CheckMemAccess(mem[:entries*command.SQESize])

	newSQ := queue.NewSubmissionQueue(resolvedBacking{mem}, entries, qid, func(v uint32) {
		s.NVMe.SetSQTailDoorbell(qid, v)
	})

	var matched *queue.CompletionQueue
	for i, pending := range s.PendingCQs {
		if pending.QID == cqid {
			matched = pending
			s.PendingCQs = append(s.PendingCQs[:i], s.PendingCQs[i+1:]...)
			break
		}
	}

	if matched == nil {
		complete(cmd, sq, cq, scInvalidField)
		return
	}

	s.Queues.Add(newSQ, matched)
	complete(cmd, sq, cq, scSuccess)
}

// handleDeleteIOSubmissionQueue/handleDeleteIOCompletionQueue are not
// present in the Python original (nvsim/cmd_handlers/admin.py never
// implemented delete support), supplemented here since the Go controller's
// FreeIOQueues issues both commands during I/O queue teardown and needs a
// device-side counterpart to complete against.
func handleDeleteIOSubmissionQueue(s *State, cmd *command.Command, sq *queue.SubmissionQueue, cq *queue.CompletionQueue) {
	sqid := uint16(cmd.CDW10 & 0xFFFF)
	if err := s.Queues.RemoveSQ(sqid); err != nil {
		complete(cmd, sq, cq, scInvalidField)
		return
	}
	complete(cmd, sq, cq, scSuccess)
}

func handleDeleteIOCompletionQueue(s *State, cmd *command.Command, sq *queue.SubmissionQueue, cq *queue.CompletionQueue) {
	cqid := uint16(cmd.CDW10 & 0xFFFF)
	if err := s.Queues.RemoveCQ(cqid); err != nil {
		complete(cmd, sq, cq, scInvalidField)
		return
	}
	complete(cmd, sq, cq, scSuccess)
}

// handleFormatNVM grounds NVSimFormat: re-zeroes the namespace's backing
// storage.
func handleFormatNVM(s *State, cmd *command.Command, sq *queue.SubmissionQueue, cq *queue.CompletionQueue) {
	ns, ok := s.Namespaces[cmd.NSID]
	if !ok {
		complete(cmd, sq, cq, scInvalidNamespace)
		return
	}
	ns.Reset()
	complete(cmd, sq, cq, scSuccess)
}

// resolvedBacking adapts a plain byte slice already resolved out of the
// arena (queue memory mapped by a Create*Queue command) to queue.Backing.
type resolvedBacking struct{ buf []byte }

func (r resolvedBacking) Bytes() []byte { return r.buf }
