// https://github.com/edaelli/lone-go
//
// Copyright (c) The lone-go Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package queue

import "fmt"

// Pair is a registered submission/completion queue pair, keyed by SQID in
// the Manager. CQ may be shared by more than one SQ, matching NVMe's
// many-to-one SQ-to-CQ model.
type Pair struct {
	SQ *SubmissionQueue
	CQ *CompletionQueue
}

// Manager routes commands and completions to the right queue pair,
// ported from lone.nvme.spec.queues.QueueMgr. Queues are indexed by their
// own QID rather than by a combined key, since SQID and CQID live in
// independent namespaces (queue 0 is reserved for the admin pair in both).
type Manager struct {
	sqs map[uint16]*SubmissionQueue
	cqs map[uint16]*CompletionQueue

	// sqToCQID records which CQID each SQ was created against, so Get and
	// RemoveSQ can find the right completion queue without the caller
	// having to carry it around separately.
	sqToCQID map[uint16]uint16

	// ioSQIDs lists every non-admin SQID currently registered, in the
	// order it was added, for NextIOSQID to round-robin over.
	ioSQIDs     []uint16
	ioSQIDIndex int
}

// NewManager builds an empty registry.
func NewManager() *Manager {
	return &Manager{
		sqs:      make(map[uint16]*SubmissionQueue),
		cqs:      make(map[uint16]*CompletionQueue),
		sqToCQID: make(map[uint16]uint16),
	}
}

// Add registers a queue pair, replacing whatever was previously registered
// at either QID. Mirrors QueueMgr.add's unconditional dict assignment: the
// original does not check for a pre-existing entry either.
func (m *Manager) Add(sq *SubmissionQueue, cq *CompletionQueue) {
	m.sqs[sq.QID] = sq
	m.cqs[cq.QID] = cq
	m.sqToCQID[sq.QID] = cq.QID

	if sq.QID != 0 && cq.QID != 0 {
		m.ioSQIDs = append(m.ioSQIDs, sq.QID)
	}
}

// RemoveSQ deregisters a submission queue. It is an error to remove a SQID
// that was never registered.
func (m *Manager) RemoveSQ(sqid uint16) error {
	if _, ok := m.sqs[sqid]; !ok {
		return fmt.Errorf("queue: remove SQ %d: not registered", sqid)
	}
	delete(m.sqs, sqid)
	delete(m.sqToCQID, sqid)

	for i, id := range m.ioSQIDs {
		if id == sqid {
			m.ioSQIDs = append(m.ioSQIDs[:i], m.ioSQIDs[i+1:]...)
			if len(m.ioSQIDs) == 0 {
				m.ioSQIDIndex = 0
			} else if m.ioSQIDIndex >= len(m.ioSQIDs) {
				m.ioSQIDIndex = 0
			}
			break
		}
	}
	return nil
}

// RemoveCQ deregisters a completion queue. The caller must have already
// removed every submission queue pointed at it, matching QueueMgr.remove_cq's
// assertion that no SQ still references the CQID being removed.
func (m *Manager) RemoveCQ(cqid uint16) error {
	if _, ok := m.cqs[cqid]; !ok {
		return fmt.Errorf("queue: remove CQ %d: not registered", cqid)
	}
	for sqid, boundCQID := range m.sqToCQID {
		if boundCQID == cqid {
			return fmt.Errorf("queue: remove CQ %d: SQ %d still bound to it", cqid, sqid)
		}
	}
	delete(m.cqs, cqid)
	return nil
}

// Get resolves a queue pair, accepting either or both of sqid/cqid. Exactly
// one of the four combinations below applies, matching QueueMgr.get's
// branching on which arguments are not None:
//
//   - both given: look up the SQ by sqid and the CQ by cqid independently
//   - only sqid: look up the SQ, then its bound CQ
//   - only cqid: look up the CQ directly, SQ is nil
//   - neither: error
func (m *Manager) Get(sqid, cqid *uint16) (*SubmissionQueue, *CompletionQueue, error) {
	switch {
	case sqid != nil && cqid != nil:
		sq, ok := m.sqs[*sqid]
		if !ok {
			return nil, nil, fmt.Errorf("queue: SQ %d not registered", *sqid)
		}
		cq, ok := m.cqs[*cqid]
		if !ok {
			return nil, nil, fmt.Errorf("queue: CQ %d not registered", *cqid)
		}
		return sq, cq, nil

	case sqid != nil:
		sq, ok := m.sqs[*sqid]
		if !ok {
			return nil, nil, fmt.Errorf("queue: SQ %d not registered", *sqid)
		}
		boundCQID, ok := m.sqToCQID[*sqid]
		if !ok {
			return nil, nil, fmt.Errorf("queue: SQ %d has no bound CQ", *sqid)
		}
		cq, ok := m.cqs[boundCQID]
		if !ok {
			return nil, nil, fmt.Errorf("queue: SQ %d bound CQ %d not registered", *sqid, boundCQID)
		}
		return sq, cq, nil

	case cqid != nil:
		cq, ok := m.cqs[*cqid]
		if !ok {
			return nil, nil, fmt.Errorf("queue: CQ %d not registered", *cqid)
		}
		return nil, cq, nil

	default:
		return nil, nil, fmt.Errorf("queue: Get requires at least one of sqid, cqid")
	}
}

// AllSQIDs returns every registered submission queue's QID.
func (m *Manager) AllSQIDs() []uint16 {
	ids := make([]uint16, 0, len(m.sqs))
	for id := range m.sqs {
		ids = append(ids, id)
	}
	return ids
}

// AllCQIDs returns every registered completion queue's QID.
func (m *Manager) AllCQIDs() []uint16 {
	ids := make([]uint16, 0, len(m.cqs))
	for id := range m.cqs {
		ids = append(ids, id)
	}
	return ids
}

// AllCQVectors returns the interrupt vector of every registered completion
// queue that has one assigned (polling-mode queues are skipped).
func (m *Manager) AllCQVectors() []int {
	var vectors []int
	for _, cq := range m.cqs {
		if cq.IntVector != nil {
			vectors = append(vectors, *cq.IntVector)
		}
	}
	return vectors
}

// NextIOSQID round-robins over the registered I/O submission queue IDs,
// ported from QueueMgr.next_iosq_id: it returns ioSQIDs[ioSQIDIndex] and
// advances the cursor, wrapping back to 0 once it runs off the end of the
// list. With 3 IO queues registered, six calls yield 1,2,3,1,2,3.
func (m *Manager) NextIOSQID() (uint16, error) {
	if len(m.ioSQIDs) == 0 {
		return 0, fmt.Errorf("queue: no I/O submission queues registered")
	}
	id := m.ioSQIDs[m.ioSQIDIndex]
	m.ioSQIDIndex++
	if m.ioSQIDIndex >= len(m.ioSQIDs) {
		m.ioSQIDIndex = 0
	}
	return id, nil
}
