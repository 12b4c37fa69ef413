package rpi

import (
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Allocator hands out memory that both the ARM and the DMA engine can see at a fixed address.
type Allocator struct {
	mb    *Mailbox
	mem   Mapper
	flags uint32
	log   *zap.SugaredLogger
}

// NewAllocator returns an Allocator that allocates through mb, maps through mem and uses flags
// (MEM_FLAG_*) unless told otherwise.
func NewAllocator(mb *Mailbox, mem Mapper, flags uint32, log *zap.Logger) *Allocator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Allocator{mb: mb, mem: mem, flags: flags, log: log.Sugar()}
}

// PhysBuf is one locked, mapped block of VideoCore memory. Its bus address is valid from
// Alloc until Release. Release it exactly once; later calls do nothing, so it's safe to both
// defer Release and call it explicitly.
type PhysBuf struct {
	mb       *Mailbox
	handle   uint32
	busAddr  uint32
	size     uint32
	region   Region
	released bool
}

// Alloc gets a page-aligned buffer with the allocator's default flags.
func (a *Allocator) Alloc(size uint32) (*PhysBuf, error) {
	return a.Allocate(size, PAGE_SIZE, a.flags)
}

// Allocate allocates, locks and maps size bytes (rounded up to a whole page). Either all three
// steps succeed or whatever was done is undone and an error is returned.
func (a *Allocator) Allocate(size, align, flags uint32) (*PhysBuf, error) {
	if size == 0 {
		return nil, newError(ConfigError, "allocate", errors.New("zero-sized allocation"))
	}
	size = PageRoundUp(size)
	handle, err := a.mb.Alloc(size, align, flags)
	if err != nil {
		return nil, err
	}
	a.log.Debugf("got handle %08X for %d bytes", handle, size)
	busAddr, err := a.mb.Lock(handle)
	if err != nil {
		a.mb.Free(handle) // Ignore error
		return nil, err
	}
	physAddr := BusToPhys(busAddr)
	region, err := a.mem.Map(uintptr(physAddr), int(size))
	if err != nil {
		a.mb.Unlock(handle) // Ignore error
		a.mb.Free(handle)   // Ignore error
		return nil, errors.Wrapf(err, "couldn't map busAddr(%08X) of size %v", busAddr, size)
	}
	a.log.Debugf("mapped %d bytes, busaddr %08X, physaddr %08X", size, busAddr, physAddr)
	return &PhysBuf{
		mb:      a.mb,
		handle:  handle,
		busAddr: busAddr,
		size:    size,
		region:  region,
	}, nil
}

// Release unmaps, unlocks and frees the buffer, in that order. Every step is attempted even
// if an earlier one fails.
func (pb *PhysBuf) Release() error {
	if pb == nil || pb.released {
		return nil
	}
	pb.released = true
	var err error
	if pb.region != nil {
		err = multierr.Append(err, pb.region.Unmap())
		pb.region = nil
	}
	err = multierr.Append(err, pb.mb.Unlock(pb.handle))
	err = multierr.Append(err, pb.mb.Free(pb.handle))
	pb.busAddr = 0
	return err
}

// Released reports whether Release has been called.
func (pb *PhysBuf) Released() bool { return pb.released }

func (pb *PhysBuf) Size() uint32 { return pb.size }

func (pb *PhysBuf) Handle() uint32 { return pb.handle }

// BusAddr returns the bus address of byte offs in the buffer.
func (pb *PhysBuf) BusAddr(offs uintptr) uint32 {
	return pb.busAddr + uint32(offs)
}

// PhysAddr returns the physical address of byte offs in the buffer.
func (pb *PhysBuf) PhysAddr(offs uintptr) uint32 {
	return BusToPhys(pb.busAddr) + uint32(offs)
}

func (pb *PhysBuf) window() Window {
	if pb.released {
		panic("rpi: access to released PhysBuf")
	}
	return pb.region
}

func (pb *PhysBuf) Load32(off uintptr) uint32 { return pb.window().Load32(off) }

func (pb *PhysBuf) Store32(off uintptr, val uint32) { pb.window().Store32(off, val) }

func (pb *PhysBuf) Len() uintptr { return uintptr(pb.size) }

// Uint32s copies n words starting at offs out of the buffer.
func (pb *PhysBuf) Uint32s(offs uintptr, n int) []uint32 {
	w := pb.window()
	out := make([]uint32, n)
	for i := range out {
		out[i] = w.Load32(offs + uintptr(i)*4)
	}
	return out
}

// Zero clears the whole buffer.
func (pb *PhysBuf) Zero() {
	w := pb.window()
	for off := uintptr(0); off < uintptr(pb.size); off += 4 {
		w.Store32(off, 0)
	}
}
