// https://github.com/edaelli/lone-go
//
// Copyright (c) The lone-go Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package controller orchestrates the register/queue/command layers into
// the controller bring-up sequence a host driver or the simulator's
// register-change observer both drive: disable/enable, admin queue
// bring-up, I/O queue pair creation and teardown, and the Identify
// sequence. Ported from lone.nvme.device.NVMeDeviceCommon.
package controller

import (
	"fmt"

	"github.com/edaelli/lone-go/command"
	"github.com/edaelli/lone-go/dma"
	"github.com/edaelli/lone-go/nvmeregs"
	"github.com/edaelli/lone-go/pciregs"
	"github.com/edaelli/lone-go/queue"
	"github.com/edaelli/lone-go/status"
)

// IntMode selects how completions are discovered, mirroring
// NVMeDeviceIntType. Only MSIX changes behaviour, and only in the
// interrupt vector given to new I/O completion queues (see EnableMSIX);
// completions are found by polling in every mode. INTx/MSI are named so
// callers have somewhere to record the choice.
type IntMode int

const (
	Polling IntMode = iota
	INTx
	MSI
	MSIX
)

const (
	sqEntrySize = command.SQESize
	cqEntrySize = command.CQESize
)

// Namespace is the subset of Identify Namespace data this driver keeps
// around after Identify, plus the derived display fields ns_size/
// lba_ds_size compute.
type Namespace struct {
	NSID        uint32
	NSZE        uint64
	NUSE        uint64
	FLBAS       uint8
	LBADS       uint8
	LBADSBytes  int
	MSBytes     uint16
	NSUsage     float64
	NSTotal     float64
	NSUnit      string
	LBASize     int
	LBAUnit     string
}

// Controller drives one NVMe controller's lifecycle over a PCIe register
// overlay, an NVMe register overlay, a DMA arena, and a command executor.
type Controller struct {
	PCI   *pciregs.Registers
	NVMe  *nvmeregs.Registers
	Arena *dma.Arena

	Queues *queue.Manager
	Exec   *command.Executor

	MPS int

	IntType        IntMode
	NumMSIXVectors int

	ControllerData ControllerData
	Namespaces     map[uint32]*Namespace
	UUIDList       UUIDListData

	queueMem []*dma.MemoryLocation
}

// New builds a Controller ready for InitAdminQueues. MPS is computed here,
// once, from CC.MPS per nvmeregs.MPS, and handed to the command executor.
func New(pci *pciregs.Registers, nvme *nvmeregs.Registers, arena *dma.Arena) *Controller {
	qm := queue.NewManager()
	c := &Controller{
		PCI:        pci,
		NVMe:       nvme,
		Arena:      arena,
		Queues:     qm,
		Namespaces: make(map[uint32]*Namespace),
	}
	c.MPS = nvmeregs.MPS(nvme.CC())
	c.Exec = command.NewExecutor(qm, arena, c.MPS)
	return c
}

// CCDisable clears CC.EN and waits for CSTS.RDY to drop (or CSTS.CFS to
// be set, in which case it gives up waiting for RDY), then clears every
// doorbell, frees all queue memory, and resets the queue manager, arena,
// and command executor. deadline reports whether the wait has timed out.
func (c *Controller) CCDisable(deadline func() bool) error {
	c.NVMe.SetEN(false)

	for {
		if c.NVMe.CSTS().CFS() {
			break
		}
		if !c.NVMe.CSTS().RDY() {
			break
		}
		if deadline != nil && deadline() {
			return fmt.Errorf("controller: device did not disable before the deadline")
		}
	}

	c.NVMe.ZeroDoorbells()

	for _, m := range c.queueMem {
		c.Arena.Free(m)
	}
	c.queueMem = nil

	c.Queues = queue.NewManager()
	c.Exec.Queues = c.Queues
	c.Arena.Reset()
	c.Exec.Reset()

	return nil
}

// CCEnable sets CC.EN and waits for CSTS.RDY.
func (c *Controller) CCEnable(deadline func() bool) error {
	c.NVMe.SetEN(true)

	for {
		if c.NVMe.CSTS().RDY() {
			return nil
		}
		if deadline != nil && deadline() {
			return fmt.Errorf("controller: device did not enable before the deadline")
		}
	}
}

// InitAdminQueues allocates and maps the admin SQ/CQ memory, programs
// AQA/ASQ/ACQ and CC.IOSQES/IOCQES/CSS, and registers the admin pair
// (QID 0) with the queue manager. The device must be disabled.
func (c *Controller) InitAdminQueues(asqEntries, acqEntries uint32) error {
	if c.NVMe.CC().EN() {
		return fmt.Errorf("controller: admin queues cannot be touched while CC.EN=1")
	}

	asqMem, err := c.Arena.Malloc(int(asqEntries)*sqEntrySize, "asq", dma.HostToDevice)
	if err != nil {
		return err
	}
	c.queueMem = append(c.queueMem, asqMem)

	acqMem, err := c.Arena.Malloc(int(acqEntries)*cqEntrySize, "acq", dma.DeviceToHost)
	if err != nil {
		return err
	}
	c.queueMem = append(c.queueMem, acqMem)

	c.PCI.SetBusMasterEnable(false)

	c.NVMe.SetAQA(uint16(asqEntries-1), uint16(acqEntries-1))
	c.NVMe.SetASQ(asqMem.IOVA)
	c.NVMe.SetACQ(acqMem.IOVA)

	c.NVMe.SetIOSQES(6)
	c.NVMe.SetIOCQES(4)

	if c.NVMe.CAP().CSS() == 0x40 {
		c.NVMe.SetCSS(0x06)
	}

	c.PCI.SetBusMasterEnable(true)

	sq := queue.NewSubmissionQueue(asqMem, asqEntries, 0, func(v uint32) {
		c.NVMe.SetSQTailDoorbell(0, v)
	})
	cq := queue.NewCompletionQueue(acqMem, acqEntries, 0, func(v uint32) {
		c.NVMe.SetCQHeadDoorbell(0, v)
	}, nil)

	c.Queues.Add(sq, cq)
	return nil
}

// CreateIOQueuePair allocates an I/O completion queue and an I/O
// submission queue bound to it, issues the CreateIOCompletionQueue and
// CreateIOSubmissionQueue admin commands, and registers the pair.
func (c *Controller) CreateIOQueuePair(
	cqEntries uint32, cqID, cqIV uint16, cqIEN, cqPC bool,
	sqEntries uint32, sqID uint16, sqPrio uint8, sqPC bool, sqSetID uint16,
	deadline func() bool,
) error {
	cqMem, err := c.Arena.Malloc(int(cqEntries)*cqEntrySize, fmt.Sprintf("iocq_%d", cqID), dma.DeviceToHost)
	if err != nil {
		return err
	}
	c.queueMem = append(c.queueMem, cqMem)

	iv := uint16(0)
	if c.IntType == MSIX {
		if int(cqIV) >= c.NumMSIXVectors {
			return fmt.Errorf("controller: invalid interrupt vector %d, have %d", cqIV, c.NumMSIXVectors)
		}
		iv = cqIV
	}

	createCQ := &command.Command{
		Opcode:       0x05,
		AdminCommand: true,
		Scope:        status.CreateIOCompletionQueue,
		PRP1:         cqMem.IOVA,
		CDW10:        uint32(cqID) | uint32(cqEntries-1)<<16,
	}
	createCQ.CDW11 = boolBit(cqPC, 0) | boolBit(cqIEN, 1) | uint32(iv)<<16

	if err := c.Exec.SyncCmd(createCQ, nil, nil, false, true, deadline); err != nil {
		return err
	}

	sqMem, err := c.Arena.Malloc(int(sqEntries)*sqEntrySize, fmt.Sprintf("iosq_%d", sqID), dma.HostToDevice)
	if err != nil {
		return err
	}
	c.queueMem = append(c.queueMem, sqMem)

	createSQ := &command.Command{
		Opcode:       0x01,
		AdminCommand: true,
		Scope:        status.CreateIOSubmissionQueue,
		PRP1:         sqMem.IOVA,
		CDW10:        uint32(sqID) | uint32(sqEntries-1)<<16,
		CDW12:        uint32(sqSetID),
	}
	createSQ.CDW11 = boolBit(sqPC, 0) | uint32(sqPrio&0x3)<<1 | uint32(cqID)<<16

	if err := c.Exec.SyncCmd(createSQ, nil, nil, false, true, deadline); err != nil {
		return err
	}

	var ivPtr *int
	if c.IntType == MSIX {
		v := int(iv)
		ivPtr = &v
	}

	sq := queue.NewSubmissionQueue(sqMem, sqEntries, sqID, func(v uint32) {
		c.NVMe.SetSQTailDoorbell(sqID, v)
	})
	cq := queue.NewCompletionQueue(cqMem, cqEntries, cqID, func(v uint32) {
		c.NVMe.SetCQHeadDoorbell(cqID, v)
	}, ivPtr)

	c.Queues.Add(sq, cq)
	return nil
}

func boolBit(b bool, shift uint) uint32 {
	if b {
		return 1 << shift
	}
	return 0
}

// InitIOQueues creates numQueues I/O queue pairs (QID 1..numQueues), one
// completion queue per submission queue, each sized queueEntries.
func (c *Controller) InitIOQueues(numQueues int, queueEntries uint32, deadline func() bool) error {
	if _, acqs := c.aqaInitialized(); !acqs {
		return fmt.Errorf("controller: admin queues are not initialized")
	}

	for id := 1; id <= numQueues; id++ {
		qid := uint16(id)
		if err := c.CreateIOQueuePair(
			queueEntries, qid, qid, true, true,
			queueEntries, qid, 0, true, 0,
			deadline,
		); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) aqaInitialized() (asqs, acqs bool) {
	a, cq := c.NVMe.AQA()
	return a != 0, cq != 0
}

// FreeIOQueues deletes every non-admin queue pair: all submission queues
// first, then all completion queues, matching free_io_queues' two-pass
// ordering (a submission queue must be deleted before its completion
// queue per the NVMe spec).
func (c *Controller) FreeIOQueues(deadline func() bool) error {
	for _, sqid := range c.ioSQIDs() {
		delSQ := &command.Command{
			Opcode:       0x00,
			AdminCommand: true,
			Scope:        status.DeleteIOSubmissionQueue,
			CDW10:        uint32(sqid),
		}
		if err := c.Exec.SyncCmd(delSQ, nil, nil, false, true, deadline); err != nil {
			return err
		}
		c.Queues.RemoveSQ(sqid)
	}

	for _, cqid := range c.Queues.AllCQIDs() {
		if cqid == 0 {
			continue
		}
		delCQ := &command.Command{
			Opcode:       0x04,
			AdminCommand: true,
			Scope:        status.DeleteIOCompletionQueue,
			CDW10:        uint32(cqid),
		}
		if err := c.Exec.SyncCmd(delCQ, nil, nil, false, true, deadline); err != nil {
			return err
		}
		c.Queues.RemoveCQ(cqid)
	}

	return nil
}

// ioSQIDs returns every registered non-admin SQID.
func (c *Controller) ioSQIDs() []uint16 {
	var ids []uint16
	for _, sqid := range c.Queues.AllSQIDs() {
		if sqid == 0 {
			continue
		}
		ids = append(ids, sqid)
	}
	return ids
}

// NSSize replicates ns_size's unit selection (B/KB/MB/GB/TB, base 10)
// given a namespace's LBA data size in bytes and its NSZE/NUSE fields.
func (c *Controller) NSSize(lbaDsBytes int, nsze, nuse uint64) (usage, total float64, unit string) {
	total64 := float64(lbaDsBytes) * float64(nsze)

	divisor := 1.0
	switch {
	case total64 < 1e3:
		unit, divisor = "B", 1
	case total64 < 1e6:
		unit, divisor = "KB", 1e3
	case total64 < 1e9:
		unit, divisor = "MB", 1e6
	case total64 < 1e12:
		unit, divisor = "GB", 1e9
	default:
		unit, divisor = "TB", 1e12
	}

	usage = roundTo2(float64(lbaDsBytes) * float64(nuse) / divisor)
	total = roundTo2(total64 / divisor)
	return usage, total, unit
}

func roundTo2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

// LBADsSize replicates lba_ds_size: bytes, or KiB above 1024.
func (c *Controller) LBADsSize(lbaDsBytes int) (int, string) {
	if lbaDsBytes > 1024 {
		return lbaDsBytes / 1024, "KiB"
	}
	return lbaDsBytes, "B"
}

// IdentifyController sends Identify CNS=0x01 and returns the decoded
// response.
func (c *Controller) IdentifyController(deadline func() bool) (ControllerData, error) {
	cmd := &command.Command{
		Opcode:       0x06,
		AdminCommand: true,
		Scope:        status.Identify,
		CDW10:        0x01,
		DataIn:       make([]byte, 4096),
	}
	if err := c.Exec.SyncCmd(cmd, nil, nil, true, true, deadline); err != nil {
		return nil, err
	}
	return ControllerData(cmd.DataIn), nil
}

// IdentifyNamespaceRaw sends Identify CNS=0x00 for one namespace and
// returns the raw decoded structure, for callers (e.g. a Format NVM LBA
// format lookup) that need fields c.Namespaces doesn't keep around.
func (c *Controller) IdentifyNamespaceRaw(nsid uint32, deadline func() bool) (NamespaceData, error) {
	return c.identifyNamespace(nsid, deadline)
}

// identifyNamespace sends Identify CNS=0x00 for one namespace.
func (c *Controller) identifyNamespace(nsid uint32, deadline func() bool) (NamespaceData, error) {
	cmd := &command.Command{
		Opcode:       0x06,
		AdminCommand: true,
		Scope:        status.Identify,
		NSID:         nsid,
		CDW10:        0x00,
		DataIn:       make([]byte, 4096),
	}
	if err := c.Exec.SyncCmd(cmd, nil, nil, true, true, deadline); err != nil {
		return nil, err
	}
	return NamespaceData(cmd.DataIn), nil
}

// IdentifyNamespaces sends Identify CNS=0x02 to enumerate active
// namespaces, then Identify CNS=0x00 on each, populating c.Namespaces.
func (c *Controller) IdentifyNamespaces(deadline func() bool) (NamespaceListData, error) {
	cmd := &command.Command{
		Opcode:       0x06,
		AdminCommand: true,
		Scope:        status.Identify,
		CDW10:        0x02,
		DataIn:       make([]byte, 4096),
	}
	if err := c.Exec.SyncCmd(cmd, nil, nil, true, true, deadline); err != nil {
		return nil, err
	}
	list := NamespaceListData(cmd.DataIn)

	for _, nsid := range list.Identifiers() {
		data, err := c.identifyNamespace(nsid, deadline)
		if err != nil {
			return list, err
		}

		flbas := data.FLBAS()
		lbaf := data.LBAF(int(flbas))
		if lbaf.LBADS == 0 {
			return list, fmt.Errorf("controller: namespace %d reports LBADS=0", nsid)
		}

		lbaDsBytes := 1 << lbaf.LBADS
		usage, total, unit := c.NSSize(lbaDsBytes, data.NSZE(), data.NUSE())
		lbaSize, lbaUnit := c.LBADsSize(lbaDsBytes)

		c.Namespaces[nsid] = &Namespace{
			NSID:       nsid,
			NSZE:       data.NSZE(),
			NUSE:       data.NUSE(),
			FLBAS:      flbas,
			LBADS:      lbaf.LBADS,
			LBADSBytes: lbaDsBytes,
			MSBytes:    lbaf.MS,
			NSUsage:    usage,
			NSTotal:    total,
			NSUnit:     unit,
			LBASize:    lbaSize,
			LBAUnit:    lbaUnit,
		}
	}

	return list, nil
}

// IdentifyUUIDList sends Identify CNS=0x17, tolerating a failure status:
// older or simpler controllers are not required to support it.
func (c *Controller) IdentifyUUIDList(deadline func() bool) UUIDListData {
	cmd := &command.Command{
		Opcode:       0x06,
		AdminCommand: true,
		Scope:        status.Identify,
		CDW10:        0x17,
		DataIn:       make([]byte, 4096),
	}
	if err := c.Exec.SyncCmd(cmd, nil, nil, true, true, deadline); err != nil {
		return nil
	}
	return UUIDListData(cmd.DataIn)
}

// Identify runs the full Identify sequence: controller, namespaces, and
// (best-effort) UUID list.
func (c *Controller) Identify(deadline func() bool) error {
	ctrlData, err := c.IdentifyController(deadline)
	if err != nil {
		return err
	}
	c.ControllerData = ctrlData

	if _, err := c.IdentifyNamespaces(deadline); err != nil {
		return err
	}

	c.UUIDList = c.IdentifyUUIDList(deadline)
	return nil
}

// ReadLBAs sends a Read command for nlb logical blocks starting at slba on
// namespace nsid, sized from lbaDsBytes (the namespace's LBA data size),
// and returns the device's data.
func (c *Controller) ReadLBAs(nsid uint32, slba uint64, nlb uint16, lbaDsBytes int, deadline func() bool) ([]byte, error) {
	cmd := &command.Command{
		Opcode:            0x02,
		NSID:              nsid,
		Scope:             status.Read,
		CDW10:             uint32(slba),
		CDW11:             uint32(slba >> 32),
		CDW12:             uint32(nlb - 1),
		ExplicitDirection: dma.DeviceToHost,
		ExplicitSize:      int(nlb) * lbaDsBytes,
		DataIn:            make([]byte, int(nlb)*lbaDsBytes),
	}
	if err := c.Exec.SyncCmd(cmd, nil, nil, true, true, deadline); err != nil {
		return nil, err
	}
	return cmd.DataIn, nil
}

// WriteLBAs sends a Write command carrying data for nlb logical blocks
// starting at slba on namespace nsid.
func (c *Controller) WriteLBAs(nsid uint32, slba uint64, nlb uint16, data []byte, deadline func() bool) error {
	cmd := &command.Command{
		Opcode:            0x01,
		NSID:              nsid,
		Scope:             status.Write,
		CDW10:             uint32(slba),
		CDW11:             uint32(slba >> 32),
		CDW12:             uint32(nlb - 1),
		ExplicitDirection: dma.HostToDevice,
		ExplicitSize:      len(data),
		DataOut:           data,
	}
	return c.Exec.SyncCmd(cmd, nil, nil, true, true, deadline)
}

// FormatNVM sends a Format NVM command selecting LBA format lbaf on
// namespace nsid, then re-runs Identify so c.Namespaces reflects the new
// format.
func (c *Controller) FormatNVM(nsid uint32, lbaf uint8, deadline func() bool) error {
	cmd := &command.Command{
		Opcode:       0x80,
		AdminCommand: true,
		NSID:         nsid,
		Scope:        status.FormatNVM,
		CDW10:        uint32(lbaf & 0xF),
	}
	if err := c.Exec.SyncCmd(cmd, nil, nil, false, true, deadline); err != nil {
		return err
	}
	_, err := c.IdentifyNamespaces(deadline)
	return err
}

// Flush sends a Flush command against namespace nsid.
func (c *Controller) Flush(nsid uint32, deadline func() bool) error {
	cmd := &command.Command{
		Opcode: 0x00,
		NSID:   nsid,
		Scope:  status.Flush,
	}
	return c.Exec.SyncCmd(cmd, nil, nil, false, true, deadline)
}

// TriggerFLR requests a Function Level Reset over the PCI Express
// capability and waits for CC.EN to be cleared in response, mirroring
// scripts/nvme/flr.py's assert-then-poll sequence. It does not touch the
// controller's own queue/arena bookkeeping: callers reinitialize exactly
// as they would after CCDisable.
func (c *Controller) TriggerFLR(deadline func() bool) error {
	cap, ok := c.PCI.CapabilityByID(pciregs.CapExpress)
	if !ok {
		return fmt.Errorf("controller: no PCI Express capability present")
	}
	c.PCI.DecodeExpress(cap).TriggerFLR()

	for c.NVMe.CC().EN() {
		if deadline != nil && deadline() {
			return fmt.Errorf("controller: device did not react to FLR before the deadline")
		}
	}
	return nil
}

// EnableMSIX records MSI-X as the interrupt mode: it sets NumMSIXVectors to
// start+numVectors and IntType to MSIX. From then on CreateIOQueuePair
// programs each new I/O completion queue with its cqIV as interrupt vector,
// rejecting any cqIV not below NumMSIXVectors. It does not enable the MSI-X
// capability or arm any vector, and completions are still found by polling
// the phase bit.
func (c *Controller) EnableMSIX(numVectors, start int) {
	c.NumMSIXVectors = start + numVectors
	c.IntType = MSIX
}
