// https://github.com/edaelli/lone-go
//
// Copyright (c) The lone-go Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edaelli/lone-go/dma"
	"github.com/edaelli/lone-go/queue"
	"github.com/edaelli/lone-go/status"
)

func TestBuildParseSQERoundTrip(t *testing.T) {
	cmd := &Command{
		Opcode: 0x02,
		CID:    0x1234,
		NSID:   1,
		PRP1:   0xdead0000,
		PRP2:   0xbeef0000,
		CDW10:  10,
		CDW11:  11,
		CDW12:  12,
	}

	got, err := ParseSQE(cmd.Build())
	require.NoError(t, err)

	assert.Equal(t, cmd.Opcode, got.Opcode)
	assert.Equal(t, cmd.CID, got.CID)
	assert.Equal(t, cmd.NSID, got.NSID)
	assert.Equal(t, cmd.PRP1, got.PRP1)
	assert.Equal(t, cmd.PRP2, got.PRP2)
	assert.Equal(t, cmd.CDW10, got.CDW10)
}

func TestParseSQERejectsWrongSize(t *testing.T) {
	_, err := ParseSQE(make([]byte, 10))
	assert.Error(t, err)
}

func TestCQEFieldExtraction(t *testing.T) {
	// SF = SCT(3 bits at 9) | SC(8 bits at 1) | P(bit 0)
	sf := uint16(1) | (uint16(0x80) << 1) | (uint16(1) << 9)
	cqe := CQE{SF: sf}

	assert.EqualValues(t, 1, cqe.Phase())
	assert.EqualValues(t, 0x80, cqe.SC())
	assert.EqualValues(t, 1, cqe.SCT())
}

func TestCQEBuildParseRoundTrip(t *testing.T) {
	cqe := CQE{CmdSpec: 42, SQHD: 3, SQID: 1, CID: 0x1001, SF: 0b11}
	got, err := ParseCQE(cqe.Build())
	require.NoError(t, err)
	assert.Equal(t, cqe, got)
}

func TestCIDGeneratorWrapsAt0xFFFE(t *testing.T) {
	g := NewCIDGenerator()
	g.value = 0xFFFD

	first := g.Next()
	second := g.Next()
	third := g.Next()

	assert.EqualValues(t, 0xFFFD, first)
	assert.EqualValues(t, 0xFFFE, second)
	assert.EqualValues(t, 0x1000, third)
}

func TestDataTransferPrefersExplicitOverDataInOut(t *testing.T) {
	cmd := &Command{
		ExplicitDirection: dma.DeviceToHost,
		ExplicitSize:      512,
		DataOut:           make([]byte, 64),
	}
	dir, size := dataTransfer(cmd)
	assert.Equal(t, dma.DeviceToHost, dir)
	assert.Equal(t, 512, size)
}

func TestDataTransferFallsBackToDataInThenDataOut(t *testing.T) {
	in := &Command{DataIn: make([]byte, 4096)}
	dir, size := dataTransfer(in)
	assert.Equal(t, dma.DeviceToHost, dir)
	assert.Equal(t, 4096, size)

	out := &Command{DataOut: make([]byte, 128)}
	dir, size = dataTransfer(out)
	assert.Equal(t, dma.HostToDevice, dir)
	assert.Equal(t, 128, size)
}

// loopbackDevice drives a queue pair the way a real controller would, just
// enough for Executor round-trip tests: it copies every posted submission
// entry's CID/SQID back into a successful completion entry.
func loopbackDevice(t *testing.T, sq *queue.SubmissionQueue, cq *queue.CompletionQueue) {
	t.Helper()
	entry := sq.GetCommand()
	require.NotNil(t, entry)

	sqe, err := ParseSQE(entry)
	require.NoError(t, err)

	cqe := CQE{SQHD: 1, SQID: sq.QID, CID: sqe.CID, SF: 0}
	require.NoError(t, cq.Post(cqe.Build()))
}

type memBacking struct{ buf []byte }

func (m *memBacking) Bytes() []byte { return m.buf }

func TestExecutorSyncCmdRoundTrip(t *testing.T) {
	sqBacking := &memBacking{buf: make([]byte, 4*SQESize)}
	cqBacking := &memBacking{buf: make([]byte, 4*CQESize)}

	sq := queue.NewSubmissionQueue(sqBacking, 4, 0, nil)
	cq := queue.NewCompletionQueue(cqBacking, 4, 0, nil, nil)

	qm := queue.NewManager()
	qm.Add(sq, cq)

	arena := dma.NewArena(4096, dma.NewIovaAllocator(dma.DefaultIOVABase), nil)
	exec := NewExecutor(qm, arena, 4096)
	exec.Status = status.Default()

	cmd := &Command{Opcode: 0x06, AdminCommand: true, Scope: status.Identify}

	// deadline acts as the "device": on its first invocation (which
	// ProcessCompletions only reaches after failing to find a completion
	// immediately post-submission) it drains the SQ and posts a
	// completion, so the next poll iteration finds it.
	served := false
	deadline := func() bool {
		if !served {
			loopbackDevice(t, sq, cq)
			served = true
		}
		return false
	}

	require.NoError(t, exec.SyncCmd(cmd, nil, nil, false, true, deadline))
	assert.True(t, cmd.Complete)
	assert.EqualValues(t, 1, cmd.SQ.Head())
}
