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
	"sort"

	"github.com/edaelli/lone-go/command"
	"github.com/edaelli/lone-go/queue"
)

var nvmeLog = log.New(os.Stderr, "nvsim_nvme: ", log.LstdFlags)

// NVMeObserver reacts to NVMe controller register changes and drains
// submission queues, grounded on NVMeRegChangeHandler. A real host writes
// CC, AQA, ASQ, ACQ and the per-queue doorbells through the same register
// block this observer watches; since there is no interrupt to tell this
// side "something changed", Tick is called on a fixed cadence from the
// owning Simulator's background loop and re-derives everything from
// current register state each pass.
type NVMeObserver struct {
	state *State

	wasEnabled bool

	// queueMgr mirrors NVMeRegChangeHandler's own self.queue_mgr attribute
	// in the Python original. The CC.EN 1->0 branch below reassigns this
	// field instead of state.Queues, faithfully reproducing the original's
	// bug where the queue manager is never actually cleared on disable:
	// nothing else in this package ever reads queueMgr back out.
	queueMgr *queue.Manager
}

// NewNVMeObserver builds an observer bound to state, not yet having seen
// any register change.
func NewNVMeObserver(state *State) *NVMeObserver {
	return &NVMeObserver{state: state}
}

// Tick polls the armed injectors and the controller register block, reacts
// to a CC.EN transition if one occurred since the last Tick, and then
// drains every non-empty submission queue, dispatching each command to its
// handler and posting the completion.
func (o *NVMeObserver) Tick() {
	if inj := o.state.Injectors.Get(IgnoreNVMeRegChanges); inj != nil {
		inj.Ack = true
		if !inj.Expired() {
			return
		}
		o.state.Injectors.Disarm(IgnoreNVMeRegChanges)
	}

	if inj := o.state.Injectors.Get(SetCFS); inj != nil {
		o.state.NVMe.SetCFS(true)
		inj.Ack = true
		o.state.Injectors.Disarm(SetCFS)
		return
	}

	enabled := o.state.NVMe.CC().EN()

	switch {
	case enabled && !o.wasEnabled:
		o.enable()
	case !enabled && o.wasEnabled:
		o.disable()
	}
	o.wasEnabled = enabled

	if !o.state.NVMe.CSTS().RDY() {
		return
	}

	o.drainAll()
}

// enable grounds the CC.EN 0->1 branch of NVMeRegChangeHandler: validates
// the admin queue memory the host programmed into AQA/ASQ/ACQ, registers
// the admin pair, and raises CSTS.RDY.
func (o *NVMeObserver) enable() {
	asqs, acqs := o.state.NVMe.AQA()
	asqEntries := uint32(asqs) + 1
	acqEntries := uint32(acqs) + 1

	asqBytes, ok := o.state.Arena.Resolve(o.state.NVMe.ASQ())
	if !ok {
		nvmeLog.Printf("CC.EN=1 but ASQ 0x%x does not resolve to mapped memory", o.state.NVMe.ASQ())
		return
	}
	acqBytes, ok := o.state.Arena.Resolve(o.state.NVMe.ACQ())
	if !ok {
		nvmeLog.Printf("CC.EN=1 but ACQ 0x%x does not resolve to mapped memory", o.state.NVMe.ACQ())
		return
	}

	o.state.CheckMemAccess(asqBytes[:asqEntries*command.SQESize])
	o.state.CheckMemAccess(acqBytes[:acqEntries*command.CQESize])

	sq := queue.NewSubmissionQueue(resolvedBacking{asqBytes}, asqEntries, 0, nil)
	cq := queue.NewCompletionQueue(resolvedBacking{acqBytes}, acqEntries, 0, nil, nil)
	o.state.Queues.Add(sq, cq)

	o.state.NVMe.SetRDY(true)
	o.state.Ready = true
	nvmeLog.Printf("admin queue pair registered, asq=%d acq=%d entries", asqEntries, acqEntries)
}

// disable grounds the CC.EN 1->0 branch. NVMeRegChangeHandler.__call__ in
// the Python original assigns a fresh QueueMgr() to self.queue_mgr, the
// handler's own attribute, rather than to nvsim_state.queue_mgr, the shared
// state every command handler actually consults - so the real queue
// registry is silently never cleared on disable. This reassigns queueMgr
// for the same reason and leaves state.Queues exactly as it was.
func (o *NVMeObserver) disable() {
	o.queueMgr = queue.NewManager()
	o.state.NVMe.SetRDY(false)
	o.state.Ready = false
}

// drainAll repeatedly sweeps every registered submission queue in QID
// order, dispatching and completing whatever is posted, until a full sweep
// finds nothing left, mirroring the original's round-robin drain loop over
// NvsimState.queue_mgr.sqs.
func (o *NVMeObserver) drainAll() {
	for {
		progressed := false

		ids := o.state.Queues.AllSQIDs()
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		for _, sqid := range ids {
			id := sqid
			sq, cq, err := o.state.Queues.Get(&id, nil)
			if err != nil {
				continue
			}

			sq.SyncTail(o.state.NVMe.GetSQTailDoorbell(sqid))

			raw := sq.GetCommand()
			if raw == nil {
				continue
			}
			progressed = true

			if cq.IsFull() {
				panic("simulator: completion queue full while draining a submission queue")
			}

			cmd, err := command.ParseSQE(raw)
			if err != nil {
				nvmeLog.Printf("SQ %d: %v", sqid, err)
				continue
			}

			if cmd.Opcode == 0 && cmd.CID == 0 && cmd.NSID == 0 {
				panic("simulator: drained an all-zero submission entry")
			}

			if inj := o.state.Injectors.Get(FailCommand); inj != nil {
				complete(cmd, sq, cq, inj.StatusCode)
				inj.Ack = true
				o.state.Injectors.Disarm(FailCommand)
				continue
			}

			handlers := NVMHandlers
			if sqid == 0 {
				handlers = AdminHandlers
			}

			h, ok := handlers[cmd.Opcode]
			if !ok {
				nvmeLog.Printf("SQ %d: no handler for opcode 0x%x", sqid, cmd.Opcode)
				complete(cmd, sq, cq, scInvalidField)
				continue
			}

			h(o.state, cmd, sq, cq)
		}

		if !progressed {
			return
		}
	}
}
