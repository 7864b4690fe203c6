// https://github.com/edaelli/lone-go
//
// Copyright (c) The lone-go Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package simulator

// Namespace is one simulated NVMe namespace's backing storage, grounded on
// NVSimNamespace. The original backs each namespace with an mmap'd file
// under /tmp; this one uses a plain in-process byte slice instead, since the
// simulator's whole point is running entirely in-process without touching
// the filesystem (tests that want to assert on persistence across restarts
// are out of this driver's scope, same as the host VFIO glue).
type Namespace struct {
	NSID      uint32
	BlockSize int
	NumLBAs   int64

	data []byte
}

// idemaSize512/idemaSize4096 are the capacity formulas IDEMA standardizes
// for 512- and 4096-byte sector drives, transcribed verbatim from
// NVSimNamespace.idema_size_512/idema_size_4096.
func idemaSize512(numGBs float64) int64 {
	return int64(97696368 + (1953504 * (numGBs - 50.0)))
}

func idemaSize4096(numGBs float64) int64 {
	return int64(12212046 + (244188 * (numGBs - 50.0)))
}

// NewNamespace builds a namespace of the given nominal size and block size,
// zero-filled.
func NewNamespace(nsid uint32, numGBs float64, blockSize int) *Namespace {
	ns := &Namespace{NSID: nsid, BlockSize: blockSize}

	switch blockSize {
	case 512:
		ns.NumLBAs = idemaSize512(numGBs)
	case 4096:
		ns.NumLBAs = idemaSize4096(numGBs)
	default:
		panic("simulator: unsupported block size")
	}

	ns.data = make([]byte, ns.NumLBAs*int64(blockSize))
	return ns
}

// Reset re-zeroes the namespace's backing storage, used by FormatNVM.
func (n *Namespace) Reset() {
	for i := range n.data {
		n.data[i] = 0
	}
}

// ReadInto copies num blocks starting at lba into dst, which must be at
// least num*BlockSize bytes.
func (n *Namespace) ReadInto(lba int64, num int64, dst []byte) {
	start := lba * int64(n.BlockSize)
	end := start + num*int64(n.BlockSize)
	copy(dst, n.data[start:end])
}

// WriteFrom copies num blocks worth of data from src into the namespace
// starting at lba.
func (n *Namespace) WriteFrom(lba int64, num int64, src []byte) {
	start := lba * int64(n.BlockSize)
	end := start + num*int64(n.BlockSize)
	copy(n.data[start:end], src)
}

// InRange reports whether a transfer of num blocks starting at lba stays
// within the namespace, mirroring the "(SLBA + NLB + 1) > num_lbas" bounds
// check repeated in the read/write command handlers.
func (n *Namespace) InRange(lba int64, num int64) bool {
	return lba+num <= n.NumLBAs
}
