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
)

// IOVASlotSize is the fixed stride between IOVA slots: 2 MiB, matching
// lone.system.IovaMgr.
const IOVASlotSize = 2 * 1024 * 1024

// IOVAPoolSize is the fixed number of slots in the pool. Exhausting it is
// a panic, not an error, per the spec's explicit "IOVA pool exhaustion is
// a panic (pool is fixed at 100 slots - documented)".
const IOVAPoolSize = 100

// DefaultIOVABase is the arbitrary but constant base address IOVAs are
// assigned from.
const DefaultIOVABase uint64 = 0xED000000

// IovaAllocator is a process-wide pool of fixed-size IOVA slots.
type IovaAllocator struct {
	mu   sync.Mutex
	base uint64
	free []uint64
}

// NewIovaAllocator builds the pool, pre-populated with IOVAPoolSize slots
// at IOVASlotSize stride starting at base.
func NewIovaAllocator(base uint64) *IovaAllocator {
	a := &IovaAllocator{base: base}
	a.Reset()
	return a
}

// Get hands out the next free IOVA slot. size must not exceed the slot
// stride; a pool with no free slots left panics, matching the original's
// fixed 100-slot ceiling (IOVAPoolSize).
func (a *IovaAllocator) Get(size int) uint64 {
	if size > IOVASlotSize {
		panic(fmt.Sprintf("dma: requested IOVA size %d exceeds slot stride %d", size, IOVASlotSize))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.free) == 0 {
		panic("dma: IOVA pool exhausted")
	}

	iova := a.free[0]
	a.free = a.free[1:]
	return iova
}

// Free returns an IOVA slot to the pool.
func (a *IovaAllocator) Free(iova uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free = append(a.free, iova)
}

// Reset rebuilds the pool from scratch, invalidating every previously
// issued IOVA. Called on controller disable.
func (a *IovaAllocator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.free = make([]uint64, 0, IOVAPoolSize)
	next := a.base
	for i := 0; i < IOVAPoolSize; i++ {
		a.free = append(a.free, next)
		next += IOVASlotSize
	}
}
