package rpi

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	mmap "github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
)

const MEM_FILE = "/dev/mem"

// Window is a bounded view onto memory that hardware also reads or writes. Every access is a
// single ordered 32-bit load or store; nothing is cached, merged or elided.
type Window interface {
	Load32(off uintptr) uint32
	Store32(off uintptr, val uint32)
	Len() uintptr
}

// Region is a Window that was mapped and must be unmapped.
type Region interface {
	Window
	Unmap() error
}

// Mapper maps physical address ranges into this process.
type Mapper interface {
	Map(physAddr uintptr, size int) (Region, error)
}

// DevMem maps physical memory through /dev/mem.
type DevMem struct {
	Path string
}

// Map opens /dev/mem and uses mmap to map a given physical address into our address space.
// Since the mapping has to start at a page boundary, the physical address is rounded down to
// the nearest page boundary and the returned Region starts at physAddr itself.
func (d DevMem) Map(physAddr uintptr, size int) (Region, error) {
	p := d.Path
	if p == "" {
		p = MEM_FILE
	}
	f, err := os.OpenFile(p, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, newError(PrivilegeError, "open "+p, err)
	}
	defer f.Close() // Ignore error, the mapping outlives the fd

	mapAddr, offs := pageSplit(physAddr)
	mm, err := mmap.MapRegion(f, size+int(offs), mmap.RDWR, 0, int64(mapAddr))
	if err != nil {
		return nil, newError(MappingError, "map", errors.Wrapf(err, "couldn't map region (%08X, %d)", physAddr, size))
	}
	return &memRegion{mm: mm, offs: offs, size: uintptr(size)}, nil
}

type memRegion struct {
	mm   mmap.MMap
	offs uintptr
	size uintptr
}

func (r *memRegion) ptr(off uintptr) *uint32 {
	if r.mm == nil {
		panic("rpi: access to unmapped region")
	}
	if off&3 != 0 || off+4 > r.size {
		panic(fmt.Sprintf("rpi: offset %#x out of range for %d byte region", off, r.size))
	}
	return (*uint32)(unsafe.Pointer(&r.mm[r.offs+off]))
}

func (r *memRegion) Load32(off uintptr) uint32 {
	return atomic.LoadUint32(r.ptr(off))
}

func (r *memRegion) Store32(off uintptr, val uint32) {
	atomic.StoreUint32(r.ptr(off), val)
}

func (r *memRegion) Len() uintptr {
	return r.size
}

// Unmap undoes the mapping, including the bytes between the page boundary and the start of
// the region. A second Unmap does nothing.
func (r *memRegion) Unmap() error {
	if r.mm == nil {
		return nil
	}
	err := r.mm.Unmap()
	r.mm = nil
	if err != nil {
		return newError(MappingError, "unmap", err)
	}
	return nil
}

// subWindow is a Window into part of another Window.
type subWindow struct {
	w    Window
	base uintptr
	size uintptr
}

func newSubWindow(w Window, base, size uintptr) *subWindow {
	if base+size > w.Len() {
		panic(fmt.Sprintf("rpi: window [%#x, %#x) exceeds %d bytes", base, base+size, w.Len()))
	}
	return &subWindow{w, base, size}
}

func (s *subWindow) Load32(off uintptr) uint32 {
	if off+4 > s.size {
		panic(fmt.Sprintf("rpi: offset %#x out of range for %d byte window", off, s.size))
	}
	return s.w.Load32(s.base + off)
}

func (s *subWindow) Store32(off uintptr, val uint32) {
	if off+4 > s.size {
		panic(fmt.Sprintf("rpi: offset %#x out of range for %d byte window", off, s.size))
	}
	s.w.Store32(s.base+off, val)
}

func (s *subWindow) Len() uintptr { return s.size }
