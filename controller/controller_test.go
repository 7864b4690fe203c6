// https://github.com/edaelli/lone-go
//
// Copyright (c) The lone-go Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package controller

import (
	"encoding/binary"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edaelli/lone-go/dma"
	"github.com/edaelli/lone-go/nvmeregs"
	"github.com/edaelli/lone-go/pciregs"

	"github.com/edaelli/lone-go/gateway"
)

func newTestController() *Controller {
	mem := make([]byte, nvmeregs.Size)
	nvme := nvmeregs.New(mem)
	nvme.SetCAP(uint64(0x40) << 37) // CSS = 0x40 (NVM command set only)

	pci := pciregs.New(gateway.NewMemGateway(256))
	arena := dma.NewArena(4096, dma.NewIovaAllocator(dma.DefaultIOVABase), nil)

	return New(pci, nvme, arena)
}

func TestNSSizeUnitSelection(t *testing.T) {
	c := newTestController()

	_, total, unit := c.NSSize(512, 2_000_000, 0)
	assert.Equal(t, "GB", unit)
	assert.InDelta(t, 1.02, total, 0.01)

	_, total, unit = c.NSSize(512, 2_000, 0)
	assert.Equal(t, "MB", unit)
	assert.InDelta(t, 1.02, total, 0.001)
}

func TestLBADsSize(t *testing.T) {
	c := newTestController()

	size, unit := c.LBADsSize(512)
	assert.Equal(t, 512, size)
	assert.Equal(t, "B", unit)

	size, unit = c.LBADsSize(4096)
	assert.Equal(t, 4, size)
	assert.Equal(t, "KiB", unit)
}

func TestCCEnableDisable(t *testing.T) {
	c := newTestController()

	served := false
	enableDeadline := func() bool {
		if !served {
			c.NVMe.SetRDY(true)
			served = true
		}
		return false
	}
	require.NoError(t, c.CCEnable(enableDeadline))
	assert.True(t, c.NVMe.CC().EN())

	served = false
	disableDeadline := func() bool {
		if !served {
			c.NVMe.SetRDY(false)
			served = true
		}
		return false
	}
	require.NoError(t, c.CCDisable(disableDeadline))
	assert.False(t, c.NVMe.CC().EN())
}

func TestInitAdminQueuesProgramsRegistersAndQueues(t *testing.T) {
	c := newTestController()

	require.NoError(t, c.InitAdminQueues(64, 256))

	asqs, acqs := c.NVMe.AQA()
	assert.EqualValues(t, 63, asqs)
	assert.EqualValues(t, 255, acqs)
	assert.NotZero(t, c.NVMe.ASQ())
	assert.NotZero(t, c.NVMe.ACQ())
	assert.EqualValues(t, 6, c.NVMe.CC().IOSQES())
	assert.EqualValues(t, 4, c.NVMe.CC().IOCQES())
	assert.EqualValues(t, 0x06, c.NVMe.CC().CSS())

	zero := uint16(0)
	sq, cq, err := c.Queues.Get(&zero, &zero)
	require.NoError(t, err)
	assert.NotNil(t, sq)
	assert.NotNil(t, cq)
}

func TestControllerDataAccessors(t *testing.T) {
	buf := make([]byte, 4096)
	binary.LittleEndian.PutUint16(buf[0:], 0xED00)
	copy(buf[4:24], "SERIAL1234          ")
	copy(buf[24:64], "model name                              ")
	buf[77] = 8
	binary.LittleEndian.PutUint32(buf[516:], 4)

	d := ControllerData(buf)
	assert.EqualValues(t, 0xED00, d.VID())
	assert.Equal(t, "SERIAL1234", d.SN())
	assert.EqualValues(t, 8, d.MDTS())
	assert.EqualValues(t, 4, d.NN())
}

func TestNamespaceDataLBAF(t *testing.T) {
	buf := make([]byte, 4096)
	binary.LittleEndian.PutUint64(buf[0:], 1000) // NSZE
	binary.LittleEndian.PutUint64(buf[16:], 500) // NUSE
	buf[26] = 1                                  // FLBAS = format index 1

	off := 128 + 1*4
	binary.LittleEndian.PutUint16(buf[off:], 0) // MS
	buf[off+2] = 9                              // LBADS = 2^9 = 512

	d := NamespaceData(buf)
	assert.EqualValues(t, 1000, d.NSZE())
	assert.EqualValues(t, 500, d.NUSE())
	assert.EqualValues(t, 1, d.FLBAS())

	lbaf := d.LBAF(int(d.FLBAS()))
	assert.EqualValues(t, 9, lbaf.LBADS)
}

func TestNamespaceListIdentifiersStopsAtZero(t *testing.T) {
	buf := make([]byte, 4096)
	binary.LittleEndian.PutUint32(buf[0:], 1)
	binary.LittleEndian.PutUint32(buf[4:], 2)
	binary.LittleEndian.PutUint32(buf[8:], 0)
	binary.LittleEndian.PutUint32(buf[12:], 3) // must not appear: after the zero

	d := NamespaceListData(buf)
	assert.Equal(t, []uint32{1, 2}, d.Identifiers())
}

func TestUUIDListEntriesSkipsUnassigned(t *testing.T) {
	buf := make([]byte, 4096)

	u := uuid.New()
	buf[32] = 0x01 // entry 1 IdAss = 1
	copy(buf[32+16:32+32], u[:])

	d := UUIDListData(buf)
	entries := d.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, u, entries[0].UUID)
}
