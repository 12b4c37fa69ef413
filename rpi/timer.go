package rpi

import "unsafe"

const ST_OFFSET = uintptr(0x00003000)

// stT is the system timer (p172). CLO counts microseconds from a free-running 1 MHz clock.
type stT struct {
	cs  uint32
	clo uint32
	chi uint32
	c0  uint32
	c1  uint32
	c2  uint32
	c3  uint32
}

var (
	ST_CLO = unsafe.Offsetof(stT{}.clo)
	ST_CHI = unsafe.Offsetof(stT{}.chi)
)

// SysTimerCLOBusAddr is where the DMA engine reads the low word of the system timer.
var SysTimerCLOBusAddr = PeriphBusAddr(ST_OFFSET + ST_CLO)

type sysTimer struct {
	regs Region
}

// now returns the 64-bit microsecond counter, rereading if CLO wrapped between the reads.
func (s *sysTimer) now() uint64 {
	for {
		hi := s.regs.Load32(ST_CHI)
		lo := s.regs.Load32(ST_CLO)
		if s.regs.Load32(ST_CHI) == hi {
			return uint64(hi)<<32 | uint64(lo)
		}
	}
}
