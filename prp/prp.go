// https://github.com/edaelli/lone-go
//
// Copyright (c) The lone-go Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package prp builds and interprets NVMe Physical Region Page data
// pointers, the (bufferSize, pageSize) -> PRP1/PRP2[+list page] translation
// every Read/Write/Identify command needs. There is no teacher analogue for
// this in usbarmory-tamago (an on-chip board-support runtime has no PRP
// concept); the algorithm here is ported from lone/nvme/spec/prp.py,
// expressed in the teacher's struct-and-method idiom.
package prp

import (
	"encoding/binary"
	"fmt"

	"github.com/edaelli/lone-go/dma"
)

// MaxTransferBytes is the hard ceiling this driver enforces: transfers
// above it, or PRPs that would need more than one list page, are rejected
// explicitly rather than silently handled.
const MaxTransferBytes = 2 * 1024 * 1024

// PRP is a built or reconstructed Physical Region Page data pointer.
type PRP struct {
	TotalBytes int
	MPS        int

	PRP1     uint64
	PRP2     uint64
	prp1Page []byte
	prp2Page []byte // only set when PRP2 is itself a list page

	// pages are every data page's bytes, in order, including the first
	// (prp1Page); dataPageIOVAs mirrors it with the IOVA of each.
	pages         [][]byte
	dataPageIOVAs []uint64

	pagesPerList int
	listsNeeded  int

	// locations holds every MemoryLocation this PRP allocated itself
	// (empty for one built via FromAddress, which borrows already-mapped
	// memory instead of owning it), so Free can release them.
	locations []*dma.MemoryLocation
}

// New computes the shape (but does not allocate anything) for a PRP
// covering totalBytes at controller page size mps.
func New(totalBytes, mps int) (*PRP, error) {
	if totalBytes > MaxTransferBytes {
		return nil, fmt.Errorf("prp: %d bytes exceeds the %d byte transfer ceiling", totalBytes, MaxTransferBytes)
	}

	pagesPerList := mps/8 - 1
	pagesNeeded := (totalBytes + mps - 1) / mps
	if pagesNeeded < 1 {
		pagesNeeded = 1
	}

	listsNeeded := 0
	if pagesNeeded > 2 {
		listsNeeded = (pagesNeeded - 1 + pagesPerList - 1) / pagesPerList
	}

	if listsNeeded > 1 {
		return nil, fmt.Errorf("prp: %d bytes needs %d list pages, only one is supported", totalBytes, listsNeeded)
	}

	return &PRP{
		TotalBytes:   totalBytes,
		MPS:          mps,
		pagesPerList: pagesPerList,
		listsNeeded:  listsNeeded,
	}, nil
}

// pagesNeeded recomputes the data-page count from TotalBytes/MPS.
func (p *PRP) pagesNeeded() int {
	n := (p.TotalBytes + p.MPS - 1) / p.MPS
	if n < 1 {
		return 1
	}
	return n
}

// Alloc allocates data pages (and, if needed, one list page) from arena
// with the given data direction, and fills PRP1/PRP2 accordingly. The list
// page itself, when present, is always allocated host-to-device (the
// device only ever reads it).
func (p *PRP) Alloc(arena *dma.Arena, dir dma.Direction) error {
	n := p.pagesNeeded()

	switch {
	case n == 1:
		loc, err := arena.Malloc(p.MPS, "prp", dir)
		if err != nil {
			return err
		}
		p.PRP1 = loc.IOVA
		p.prp1Page = loc.Bytes()
		p.pages = [][]byte{loc.Bytes()}
		p.dataPageIOVAs = []uint64{loc.IOVA}
		p.locations = []*dma.MemoryLocation{loc}

	case n == 2:
		loc1, err := arena.Malloc(p.MPS, "prp", dir)
		if err != nil {
			return err
		}
		loc2, err := arena.Malloc(p.MPS, "prp", dir)
		if err != nil {
			return err
		}
		p.PRP1 = loc1.IOVA
		p.PRP2 = loc2.IOVA
		p.prp1Page = loc1.Bytes()
		p.pages = [][]byte{loc1.Bytes(), loc2.Bytes()}
		p.dataPageIOVAs = []uint64{loc1.IOVA, loc2.IOVA}
		p.locations = []*dma.MemoryLocation{loc1, loc2}

	default:
		loc1, err := arena.Malloc(p.MPS, "prp", dir)
		if err != nil {
			return err
		}
		listLoc, err := arena.Malloc(p.MPS, "prp_list", dma.HostToDevice)
		if err != nil {
			return err
		}

		p.PRP1 = loc1.IOVA
		p.PRP2 = listLoc.IOVA
		p.prp1Page = loc1.Bytes()
		p.prp2Page = listLoc.Bytes()
		p.pages = [][]byte{loc1.Bytes()}
		p.dataPageIOVAs = []uint64{loc1.IOVA}
		p.locations = []*dma.MemoryLocation{loc1, listLoc}

		remaining := n - 1
		listBytes := listLoc.Bytes()

		for i := 0; i < p.pagesPerList && remaining > 0; i++ {
			dloc, err := arena.Malloc(p.MPS, "prp", dir)
			if err != nil {
				return err
			}

			binary.LittleEndian.PutUint64(listBytes[i*8:], dloc.IOVA)
			p.pages = append(p.pages, dloc.Bytes())
			p.dataPageIOVAs = append(p.dataPageIOVAs, dloc.IOVA)
			p.locations = append(p.locations, dloc)

			remaining--
		}

		if remaining > 0 {
			return fmt.Errorf("prp: list page exhausted with %d bytes still unaccounted for", remaining*p.MPS)
		}
	}

	return nil
}

// FromAddress reconstructs a PRP over already-mapped memory, given its
// PRP1/PRP2 IOVAs as read out of a submitted command, without allocating
// anything. arena is consulted to resolve each IOVA back to its bytes; used
// by the simulator to interpret a host-submitted command's data pointer.
func FromAddress(totalBytes, mps int, arena *dma.Arena, prp1, prp2 uint64) (*PRP, error) {
	p, err := New(totalBytes, mps)
	if err != nil {
		return nil, err
	}

	p.PRP1 = prp1
	p.PRP2 = prp2

	page1, ok := arena.Resolve(prp1)
	if !ok {
		return nil, fmt.Errorf("prp: PRP1 0x%x does not resolve to mapped memory", prp1)
	}
	p.prp1Page = page1
	p.pages = [][]byte{page1}
	p.dataPageIOVAs = []uint64{prp1}

	n := p.pagesNeeded()

	switch {
	case n == 1:
		// PRP1 only.

	case n == 2:
		page2, ok := arena.Resolve(prp2)
		if !ok {
			return nil, fmt.Errorf("prp: PRP2 0x%x does not resolve to mapped memory", prp2)
		}
		p.pages = append(p.pages, page2)
		p.dataPageIOVAs = append(p.dataPageIOVAs, prp2)

	default:
		listPage, ok := arena.Resolve(prp2)
		if !ok {
			return nil, fmt.Errorf("prp: PRP2 list page 0x%x does not resolve to mapped memory", prp2)
		}
		p.prp2Page = listPage

		remaining := n - 1
		for i := 0; i < p.pagesPerList && remaining > 0; i++ {
			iova := binary.LittleEndian.Uint64(listPage[i*8:])
			dataPage, ok := arena.Resolve(iova)
			if !ok {
				return nil, fmt.Errorf("prp: list entry %d (iova 0x%x) does not resolve to mapped memory", i, iova)
			}
			p.pages = append(p.pages, dataPage)
			p.dataPageIOVAs = append(p.dataPageIOVAs, iova)
			remaining--
		}

		if remaining > 0 {
			return nil, fmt.Errorf("prp: list page exhausted reconstructing %d total bytes", totalBytes)
		}
	}

	return p, nil
}

// GetDataBuffer concatenates the PRP's pages, trimmed to TotalBytes.
func (p *PRP) GetDataBuffer() []byte {
	out := make([]byte, 0, p.TotalBytes)
	remaining := p.TotalBytes

	for _, page := range p.pages {
		take := len(page)
		if take > remaining {
			take = remaining
		}
		out = append(out, page[:take]...)
		remaining -= take
		if remaining <= 0 {
			break
		}
	}

	return out
}

// SetDataBuffer distributes data across the PRP's pages in order.
func (p *PRP) SetDataBuffer(data []byte) error {
	if len(data) > p.TotalBytes {
		return fmt.Errorf("prp: %d bytes does not fit in a %d byte PRP", len(data), p.TotalBytes)
	}

	remaining := data
	for _, page := range p.pages {
		if len(remaining) == 0 {
			break
		}
		n := copy(page, remaining)
		remaining = remaining[n:]
	}

	return nil
}

// Free releases every MemoryLocation this PRP allocated via Alloc. A PRP
// built with FromAddress owns nothing and Free is a no-op for it, since
// that memory belongs to whoever originally allocated it.
func (p *PRP) Free(arena *dma.Arena) {
	for _, loc := range p.locations {
		arena.Free(loc)
	}
	p.locations = nil
}

// Pages exposes the ordered data pages, for callers (simulator read/write
// handlers) that address a byte range spanning potentially more than one
// page directly rather than through Get/SetDataBuffer.
func (p *PRP) Pages() [][]byte {
	return p.pages
}
