// https://github.com/edaelli/lone-go
//
// Copyright (c) The lone-go Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memBacking struct {
	buf []byte
}

func (m *memBacking) Bytes() []byte { return m.buf }

func newSQ(entries uint32) (*SubmissionQueue, *[]uint32) {
	doorbells := []uint32{}
	backing := &memBacking{buf: make([]byte, entries*SubmissionEntrySize)}
	sq := NewSubmissionQueue(backing, entries, 1, func(v uint32) {
		doorbells = append(doorbells, v)
	})
	return sq, &doorbells
}

func newCQ(entries uint32) (*CompletionQueue, *[]uint32) {
	doorbells := []uint32{}
	backing := &memBacking{buf: make([]byte, entries*CompletionEntrySize)}
	cq := NewCompletionQueue(backing, entries, 1, func(v uint32) {
		doorbells = append(doorbells, v)
	}, nil)
	return cq, &doorbells
}

func TestHeadTailWrapsAtEntriesNotModulus(t *testing.T) {
	h := NewHeadTail(4, nil)
	h.Add(3)
	assert.EqualValues(t, 3, h.Value())
	h.Add(1)
	assert.EqualValues(t, 0, h.Value(), "wraps to zero exactly at entries")
}

func TestSubmissionQueuePostAdvancesTailAndWritesDoorbell(t *testing.T) {
	sq, doorbells := newSQ(4)
	entry := make([]byte, SubmissionEntrySize)
	entry[0] = 0xAB

	require.NoError(t, sq.Post(entry))
	assert.Equal(t, []uint32{1}, *doorbells)
	assert.EqualValues(t, 1, sq.NumEntries())
}

func TestSubmissionQueueRejectsWrongSizeEntry(t *testing.T) {
	sq, _ := newSQ(4)
	err := sq.Post(make([]byte, 10))
	assert.Error(t, err)
}

func TestSubmissionQueueFullWhenTailWouldCatchHead(t *testing.T) {
	sq, _ := newSQ(4)
	entry := make([]byte, SubmissionEntrySize)

	// A 4-entry ring can hold at most 3 live entries before the tail
	// would collide with the head.
	require.NoError(t, sq.Post(entry))
	require.NoError(t, sq.Post(entry))
	require.NoError(t, sq.Post(entry))
	assert.True(t, sq.IsFull())
	assert.Error(t, sq.Post(entry))
}

func TestSubmissionQueueGetCommandDrainsWithoutDoorbell(t *testing.T) {
	sq, doorbells := newSQ(4)
	entry := make([]byte, SubmissionEntrySize)
	entry[0] = 0x42
	require.NoError(t, sq.Post(entry))

	got := sq.GetCommand()
	require.NotNil(t, got)
	assert.Equal(t, byte(0x42), got[0])
	assert.EqualValues(t, 1, sq.Head())
	// GetCommand never writes a doorbell; only Post does.
	assert.Equal(t, []uint32{1}, *doorbells)

	assert.Nil(t, sq.GetCommand(), "draining an empty queue returns nil")
}

func TestCompletionQueuePhaseFlipsOnWrap(t *testing.T) {
	cq, doorbells := newCQ(2)
	assert.EqualValues(t, 1, cq.Phase)

	entry := make([]byte, CompletionEntrySize)
	require.NoError(t, cq.Post(entry))

	peeked := cq.Peek()
	assert.EqualValues(t, 1, PhaseBit(peeked))

	cq.Consume()
	assert.Equal(t, []uint32{1}, *doorbells)
	assert.EqualValues(t, 1, cq.Head())

	require.NoError(t, cq.Post(entry))
	cq.Consume()
	assert.EqualValues(t, 0, cq.Head(), "wraps back to zero")
	assert.EqualValues(t, 0, cq.Phase, "phase flips on wrap")
}

func TestCompletionQueuePostFlipsPriorSlotPhase(t *testing.T) {
	cq, _ := newCQ(4)
	entry := make([]byte, CompletionEntrySize)

	require.NoError(t, cq.Post(entry))
	first := cq.Peek()
	assert.EqualValues(t, 1, PhaseBit(first))

	cq.Consume()
	require.NoError(t, cq.Post(entry))
	require.NoError(t, cq.Post(entry))
	require.NoError(t, cq.Post(entry))
	// Three live entries fill a 4-entry ring; consume one so slot 0 can
	// be reused.
	cq.Consume()
	require.NoError(t, cq.Post(entry))

	// The slot at index 0 (just reused after wrap) must show the
	// flipped phase relative to its first use.
	reused := cq.backing.Bytes()[0:CompletionEntrySize]
	assert.EqualValues(t, 0, PhaseBit(reused))
}

func TestManagerAddAndGetBothIDs(t *testing.T) {
	m := NewManager()
	sq, _ := newSQ(4)
	cq, _ := newCQ(4)
	sq.QID, cq.QID = 1, 1

	m.Add(sq, cq)

	sqid, cqid := uint16(1), uint16(1)
	gotSQ, gotCQ, err := m.Get(&sqid, &cqid)
	require.NoError(t, err)
	assert.Same(t, sq, gotSQ)
	assert.Same(t, cq, gotCQ)
}

func TestManagerGetBySQIDResolvesBoundCQ(t *testing.T) {
	m := NewManager()
	sq, _ := newSQ(4)
	cq, _ := newCQ(4)
	sq.QID, cq.QID = 2, 3

	m.Add(sq, cq)

	sqid := uint16(2)
	gotSQ, gotCQ, err := m.Get(&sqid, nil)
	require.NoError(t, err)
	assert.Same(t, sq, gotSQ)
	assert.Same(t, cq, gotCQ)
}

func TestManagerGetByCQIDOnly(t *testing.T) {
	m := NewManager()
	sq, _ := newSQ(4)
	cq, _ := newCQ(4)
	sq.QID, cq.QID = 1, 5

	m.Add(sq, cq)

	cqid := uint16(5)
	gotSQ, gotCQ, err := m.Get(nil, &cqid)
	require.NoError(t, err)
	assert.Nil(t, gotSQ)
	assert.Same(t, cq, gotCQ)
}

func TestManagerGetRequiresAnArgument(t *testing.T) {
	m := NewManager()
	_, _, err := m.Get(nil, nil)
	assert.Error(t, err)
}

func TestManagerRemoveCQRefusesWhileSQStillBound(t *testing.T) {
	m := NewManager()
	sq, _ := newSQ(4)
	cq, _ := newCQ(4)
	sq.QID, cq.QID = 1, 1
	m.Add(sq, cq)

	err := m.RemoveCQ(1)
	assert.Error(t, err)

	require.NoError(t, m.RemoveSQ(1))
	assert.NoError(t, m.RemoveCQ(1))
}

// TestManagerNextIOSQIDRoundRobins exercises the spec's scenario 4: with 3
// IO queues created, six calls to NextIOSQID yield 1,2,3,1,2,3.
func TestManagerNextIOSQIDRoundRobins(t *testing.T) {
	m := NewManager()
	for _, sqid := range []uint16{1, 2, 3} {
		sq, _ := newSQ(4)
		cq, _ := newCQ(4)
		sq.QID, cq.QID = sqid, sqid
		m.Add(sq, cq)
	}

	var got []uint16
	for i := 0; i < 6; i++ {
		id, err := m.NextIOSQID()
		require.NoError(t, err)
		got = append(got, id)
	}
	assert.Equal(t, []uint16{1, 2, 3, 1, 2, 3}, got)
}

// TestManagerNextIOSQIDErrorsWithNoQueues matches the round-robin's only
// failure mode: nothing has been registered to round-robin over.
func TestManagerNextIOSQIDErrorsWithNoQueues(t *testing.T) {
	m := NewManager()
	_, err := m.NextIOSQID()
	assert.Error(t, err)
}

// TestManagerNextIOSQIDSkipsRemovedQueue confirms RemoveSQ takes the queue
// out of the round-robin rotation instead of leaving a stale ID behind.
func TestManagerNextIOSQIDSkipsRemovedQueue(t *testing.T) {
	m := NewManager()
	for _, sqid := range []uint16{1, 2} {
		sq, _ := newSQ(4)
		cq, _ := newCQ(4)
		sq.QID, cq.QID = sqid, sqid
		m.Add(sq, cq)
	}

	require.NoError(t, m.RemoveSQ(2))

	id, err := m.NextIOSQID()
	require.NoError(t, err)
	assert.EqualValues(t, 1, id)

	id, err = m.NextIOSQID()
	require.NoError(t, err)
	assert.EqualValues(t, 1, id, "only SQID 1 remains registered")
}
