// https://github.com/edaelli/lone-go
//
// Copyright (c) The lone-go Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package dma

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/edaelli/lone-go/gateway"
)

// HugepageSize is the size of one backing chunk the arena grows by when it
// runs out of contiguous free pages. It matches the IOVA slot stride so a
// single hugepage never needs more than one IOVA mapping.
const HugepageSize = IOVASlotSize

type page struct {
	vaddr  uintptr
	data   []byte
	inUse  bool
	client string
}

// Arena is the hugepage-backed DMA memory subsystem: a first-fit,
// contiguous-run allocator over a set of fixed-size pages, generalized from
// tamago's dma.Region byte-range free list (block/freeBlocks via
// container/list) into a page-level free list where "fits" means N
// adjacent pages with contiguous virtual addresses, since NVMe PRP pages
// must be addressable as one run for the simple (non-list-page) cases.
type Arena struct {
	mu sync.Mutex

	pageSize  int
	pages     []*page
	iova      *IovaAllocator
	container gateway.Container // nil: simulator / pure in-process memory

	// pageByIOVA indexes every page of every live allocation by its IOVA,
	// letting Resolve reconstruct a MemoryLocation's bytes from a raw IOVA
	// value read out of a command's DPTR, as PRP.FromAddress needs to.
	pageByIOVA map[uint64][]byte
}

// NewArena creates an arena splitting hugepage-sized chunks into pageSize
// pages, lazily grown on demand. container may be nil, in which case Malloc
// never calls out to an IOMMU — used by the simulator, which has no real
// device to map memory for.
func NewArena(pageSize int, iova *IovaAllocator, container gateway.Container) *Arena {
	return &Arena{pageSize: pageSize, iova: iova, container: container}
}

// grow allocates one more HugepageSize-byte chunk and splits it into
// pageSize-sized free pages. Because the chunk is one Go allocation, the
// pages within it are guaranteed virtually contiguous, which is what makes
// multi-page PRP allocations possible without a real hugetlbfs mapping.
func (a *Arena) grow() {
	if HugepageSize%a.pageSize != 0 {
		panic("dma: hugepage size must be a multiple of the page size")
	}

	chunk := make([]byte, HugepageSize)
	base := uintptr(unsafe.Pointer(&chunk[0]))

	for off := 0; off < HugepageSize; off += a.pageSize {
		a.pages = append(a.pages, &page{
			vaddr: base + uintptr(off),
			data:  chunk[off : off+a.pageSize],
		})
	}
}

// findContiguousRun returns the index of the first page of the first run of
// n free, virtually-adjacent pages, or ok=false if no such run exists.
func (a *Arena) findContiguousRun(n int) (start int, ok bool) {
	run := 0
	for i, p := range a.pages {
		if p.inUse {
			run = 0
			continue
		}

		if run == 0 {
			start = i
		} else if a.pages[i-1].vaddr+uintptr(a.pageSize) != p.vaddr {
			run = 0
			start = i
		}

		run++
		if run == n {
			return start, true
		}
	}

	return 0, false
}

// Malloc rounds size up to at least one page, finds (growing the arena if
// needed) a contiguous run of pages, marks them used, stitches them into a
// single MemoryLocation, maps the IOMMU translation for direction dir (when
// a Container is attached), and returns it. It fails only if the
// underlying allocation truly cannot be satisfied.
func (a *Arena) Malloc(size int, client string, dir Direction) (*MemoryLocation, error) {
	if size <= 0 {
		return nil, fmt.Errorf("dma: invalid malloc size %d", size)
	}

	pagesNeeded := (size + a.pageSize - 1) / a.pageSize
	if pagesNeeded < 1 {
		pagesNeeded = 1
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	start, ok := a.findContiguousRun(pagesNeeded)
	if !ok {
		a.grow()
		start, ok = a.findContiguousRun(pagesNeeded)
		if !ok {
			return nil, fmt.Errorf("dma: out of memory allocating %d bytes", size)
		}
	}

	iova := a.iova.Get(size)

	head := a.pages[start]
	head.inUse = true
	head.client = client

	loc := &MemoryLocation{
		Vaddr:     head.vaddr,
		IOVA:      iova,
		Size:      size,
		Client:    client,
		InUse:     true,
		Direction: dir,
		data:      head.data,
	}

	for i := 1; i < pagesNeeded; i++ {
		p := a.pages[start+i]
		p.inUse = true
		p.client = client

		loc.LinkedPages = append(loc.LinkedPages, &MemoryLocation{
			Vaddr:  p.vaddr,
			Size:   a.pageSize,
			Client: client,
			InUse:  true,
			data:   p.data,
		})
	}

	if a.container != nil {
		readable := dir == HostToDevice || dir == Bidirectional
		writable := dir == DeviceToHost || dir == Bidirectional
		if err := a.container.MapDMA(head.vaddr, iova, pagesNeeded*a.pageSize, readable, writable); err != nil {
			return nil, fmt.Errorf("dma: map IOMMU region: %w", err)
		}
	}

	if a.pageByIOVA == nil {
		a.pageByIOVA = make(map[uint64][]byte)
	}
	a.pageByIOVA[iova] = head.data
	for i, lp := range loc.LinkedPages {
		a.pageByIOVA[iova+uint64(i+1)*uint64(a.pageSize)] = lp.data
	}

	return loc, nil
}

// Resolve returns the page-sized byte slice previously mapped at iova, as
// recorded by Malloc. Used by PRP.FromAddress to reinterpret a raw PRP1/
// PRP2/list-entry value read out of a command without performing a fresh
// allocation.
func (a *Arena) Resolve(iova uint64) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.pageByIOVA[iova]
	return b, ok
}

// MallocPages returns n free pages without requiring them to be
// contiguous, each its own MemoryLocation; used by callers (the admin
// queue bring-up in the original) that only ever need one page at a time.
func (a *Arena) MallocPages(n int, client string) ([]*MemoryLocation, error) {
	locs := make([]*MemoryLocation, 0, n)
	for i := 0; i < n; i++ {
		loc, err := a.Malloc(a.pageSize, client, Bidirectional)
		if err != nil {
			return nil, err
		}
		locs = append(locs, loc)
	}
	return locs, nil
}

// Free releases the head page and every linked page of loc, zeroing their
// contents and returning the IOVA slot to the allocator. Unmaps the IOMMU
// translation first if a Container is attached.
func (a *Arena) Free(loc *MemoryLocation) {
	if loc == nil || !loc.InUse {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.container != nil {
		total := a.pageSize * (1 + len(loc.LinkedPages))
		a.container.UnmapDMA(loc.IOVA, total)
	}

	delete(a.pageByIOVA, loc.IOVA)
	for i := range loc.LinkedPages {
		delete(a.pageByIOVA, loc.IOVA+uint64(i+1)*uint64(a.pageSize))
	}

	for i := range loc.data {
		loc.data[i] = 0
	}
	loc.InUse = false

	for _, p := range a.pages {
		if p.vaddr == loc.Vaddr {
			p.inUse = false
			p.client = ""
		}
	}

	for _, lp := range loc.LinkedPages {
		for i := range lp.data {
			lp.data[i] = 0
		}
		for _, p := range a.pages {
			if p.vaddr == lp.Vaddr {
				p.inUse = false
				p.client = ""
			}
		}
	}

	a.iova.Free(loc.IOVA)
}

// Reset clears the IOVA allocator and forgets all tracked pages, as used
// by controller disable. Backing chunks are dropped for the garbage
// collector to reclaim; callers must not keep using MemoryLocations issued
// before Reset.
func (a *Arena) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.pages = nil
	a.pageByIOVA = nil
	a.iova.Reset()
}
