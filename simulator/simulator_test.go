// https://github.com/edaelli/lone-go
//
// Copyright (c) The lone-go Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package simulator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edaelli/lone-go/controller"
	"github.com/edaelli/lone-go/dma"
	"github.com/edaelli/lone-go/gateway"
	"github.com/edaelli/lone-go/nvmeregs"
	"github.com/edaelli/lone-go/pciregs"
)

// newLoopback builds one shared register block and DMA arena, then a real
// Controller and a Simulator both layered over it, so the controller's
// register writes are visible to the simulator's observers and vice versa
// - the same relationship a userspace driver and a real card have through
// one physical BAR0, just without VFIO in between.
func newLoopback(t *testing.T) (*controller.Controller, *Simulator) {
	t.Helper()

	pciGW := gateway.NewMemGateway(pciregs.CapabilitiesRegionSize)
	pci := pciregs.New(pciGW)
	nvme := nvmeregs.New(make([]byte, nvmeregs.Size))
	nvme.SetCAP(uint64(0x40) << 37)
	arena := dma.NewArena(4096, dma.NewIovaAllocator(dma.DefaultIOVABase), nil)

	c := controller.New(pci, nvme, arena)
	sim := Attach(pciGW, pci, nvme, arena)

	return c, sim
}

func bringUp(t *testing.T, c *controller.Controller, sim *Simulator) {
	t.Helper()

	require.NoError(t, c.CCDisable(func() bool { return true }))
	require.NoError(t, c.InitAdminQueues(4, 4))

	require.NoError(t, c.CCEnable(func() bool {
		sim.Tick()
		return false
	}))
}

func TestBringUpRegistersAdminQueuePair(t *testing.T) {
	c, sim := newLoopback(t)
	bringUp(t, c, sim)

	assert.True(t, sim.State.Ready)
	assert.True(t, c.NVMe.CSTS().RDY())

	ids := sim.State.Queues.AllSQIDs()
	assert.Contains(t, ids, uint16(0))
}

func TestIdentifyControllerRoundTrip(t *testing.T) {
	c, sim := newLoopback(t)
	bringUp(t, c, sim)

	deadline := func() bool {
		sim.Tick()
		return false
	}

	data, err := c.IdentifyController(deadline)
	require.NoError(t, err)
	assert.Contains(t, data.SN(), "EDDAE771")
}

func TestIdentifyNamespacesRoundTrip(t *testing.T) {
	c, sim := newLoopback(t)
	bringUp(t, c, sim)

	deadline := func() bool {
		sim.Tick()
		return false
	}

	list, err := c.IdentifyNamespaces(deadline)
	require.NoError(t, err)
	assert.Contains(t, list.Identifiers(), uint32(1))
	assert.Contains(t, list.Identifiers(), uint32(4))
}

// TestCCDisableBugPreservesQueues exercises the deliberately-preserved
// defect: NVMeObserver.disable reassigns its own vestigial queueMgr field
// instead of state.Queues, so the admin pair this package registered on
// enable is still present after CC.EN drops back to 0.
func TestCCDisableBugPreservesQueues(t *testing.T) {
	c, sim := newLoopback(t)
	bringUp(t, c, sim)

	require.NoError(t, c.CCDisable(func() bool {
		sim.Tick()
		return false
	}))

	assert.False(t, sim.State.Ready)
	assert.False(t, sim.State.NVMe.CSTS().RDY())

	ids := sim.State.Queues.AllSQIDs()
	assert.Contains(t, ids, uint16(0), "queues must remain registered: the original's disable handler never actually clears them")
}

func TestFailCommandInjector(t *testing.T) {
	c, sim := newLoopback(t)
	bringUp(t, c, sim)

	sim.State.Injectors.Arm(&Injector{Name: FailCommand, StatusCode: 0x06})

	deadline := func() bool {
		sim.Tick()
		return false
	}

	_, err := c.IdentifyController(deadline)
	assert.Error(t, err)

	inj := sim.State.Injectors.Get(FailCommand)
	assert.Nil(t, inj, "injector should have been disarmed after firing once")
}

func TestNamespaceReadWriteRoundTrip(t *testing.T) {
	ns := NewNamespace(1, 1, 512)

	data := make([]byte, 512*3)
	for i := range data {
		data[i] = byte(i)
	}

	ns.WriteFrom(10, 3, data)

	out := make([]byte, 512*3)
	ns.ReadInto(10, 3, out)

	assert.Equal(t, data, out)
	assert.True(t, ns.InRange(0, ns.NumLBAs))
	assert.False(t, ns.InRange(ns.NumLBAs-1, 2))
}

func TestControllerReadWriteLBAsRoundTrip(t *testing.T) {
	c, sim := newLoopback(t)
	bringUp(t, c, sim)

	deadline := func() bool {
		sim.Tick()
		return false
	}

	require.NoError(t, c.InitIOQueues(1, 4, deadline))

	_, err := c.IdentifyNamespaces(deadline)
	require.NoError(t, err)

	ns, err := c.IdentifyNamespaceRaw(1, deadline)
	require.NoError(t, err)
	lbaDsBytes := 1 << ns.LBAF(int(ns.FLBAS())).LBADS

	data := make([]byte, lbaDsBytes*2)
	for i := range data {
		data[i] = byte(i)
	}

	require.NoError(t, c.WriteLBAs(1, 5, 2, data, deadline))

	got, err := c.ReadLBAs(1, 5, 2, lbaDsBytes, deadline)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestControllerFlushSucceeds(t *testing.T) {
	c, sim := newLoopback(t)
	bringUp(t, c, sim)

	deadline := func() bool {
		sim.Tick()
		return false
	}

	require.NoError(t, c.InitIOQueues(1, 4, deadline))
	_, err := c.IdentifyNamespaces(deadline)
	require.NoError(t, err)

	assert.NoError(t, c.Flush(1, deadline))
}

func TestFunctionLevelResetClearsQueues(t *testing.T) {
	c, sim := newLoopback(t)
	bringUp(t, c, sim)

	deadline := func() bool {
		sim.Tick()
		return false
	}

	require.NoError(t, c.TriggerFLR(deadline))

	assert.False(t, sim.State.Ready)
	assert.False(t, sim.State.NVMe.CSTS().RDY())
	assert.Empty(t, sim.State.Queues.AllSQIDs(), "a function level reset must actually drop the queue pair, unlike CC.EN disable")
}

func TestInjectorExpiry(t *testing.T) {
	injectors := NewInjectors()
	injectors.Arm(&Injector{Name: IgnoreNVMeRegChanges, TimeoutSeconds: 0})

	inj := injectors.Get(IgnoreNVMeRegChanges)
	require.NotNil(t, inj)
	assert.False(t, inj.Expired(), "a zero timeout never expires on its own")
}
