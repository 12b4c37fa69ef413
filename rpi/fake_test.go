package rpi

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// fakeSoC stands in for the firmware's mailbox, /dev/mem and the handful of peripherals the
// engine touches. It's deliberately picky: anything done out of the order the hardware needs
// is recorded in violations.
type fakeSoC struct {
	t    *testing.T
	base uint32

	// Mailbox
	nextHandle uint32
	nextPhys   uint32
	allocs     map[uint32]*fakeAlloc
	tags       []uint32
	failTag    map[uint32]bool // answer with a zero value / non-zero status
	errTag     map[uint32]bool // fail the ioctl itself
	mbClosed   bool

	// Mapping
	mapErr  func(physAddr uintptr) error
	periphs map[uintptr]*fakeRegion // by offset from base
	maps    int
	unmaps  int

	// Clock manager
	clkBusy        bool
	clkKills       int
	clkKillsNeeded int

	// System timer
	timer uint32

	// DMA
	dmaRuns    int
	dmaFailing bool
	dmaHangs   bool // ACTIVE stays set until aborted
	activeCS   uint32

	events     []string
	fifo       []uint32
	violations []string
}

type fakeAlloc struct {
	handle uint32
	size   uint32
	phys   uint32
	locked bool
	freed  bool
	mem    []uint32
}

func newFakeSoC(t *testing.T, base uint32) *fakeSoC {
	return &fakeSoC{
		t:              t,
		base:           base,
		nextHandle:     1,
		nextPhys:       0x1000000,
		allocs:         make(map[uint32]*fakeAlloc),
		failTag:        make(map[uint32]bool),
		errTag:         make(map[uint32]bool),
		periphs:        make(map[uintptr]*fakeRegion),
		clkBusy:        true, // as if a previous run left it going
		clkKillsNeeded: 2,
		timer:          1000,
	}
}

func (s *fakeSoC) violate(format string, args ...interface{}) {
	s.violations = append(s.violations, fmt.Sprintf(format, args...))
}

func (s *fakeSoC) event(e string) {
	s.events = append(s.events, e)
}

func (s *fakeSoC) property(p []uint32) error {
	size := p[0]
	if size%4 != 0 || size < 7*4 || int(size/4) > len(p) {
		s.violate("mailbox message size %d", size)
		return unix.EINVAL
	}
	if p[1] != MBOX_PROCESS_REQUEST {
		s.violate("mailbox request code %08X", p[1])
	}
	if end := p[size/4-1]; end != 0 {
		s.violate("mailbox message doesn't end with an end tag: %08X", end)
	}
	tag := p[2]
	s.tags = append(s.tags, tag)
	if s.errTag[tag] {
		return unix.EIO
	}
	v := p[5:]
	switch tag {
	case TAG_ALLOCATE_MEMORY:
		if p[3] < 12 || p[4] != 12 {
			s.violate("allocate value sizes %d/%d", p[3], p[4])
		}
		if s.failTag[tag] {
			v[0] = 0
			break
		}
		a := &fakeAlloc{
			handle: s.nextHandle,
			size:   v[0],
			phys:   s.nextPhys,
			mem:    make([]uint32, v[0]/4),
		}
		if v[0]%PAGE_SIZE != 0 {
			s.violate("allocation of %d bytes isn't whole pages", v[0])
		}
		s.allocs[a.handle] = a
		s.nextHandle++
		s.nextPhys += PageRoundUp(v[0]) + PAGE_SIZE
		v[0] = a.handle
	case TAG_LOCK_MEMORY:
		a := s.allocs[v[0]]
		if a == nil || a.freed || s.failTag[tag] {
			v[0] = 0
			break
		}
		a.locked = true
		v[0] = PhysToBus(a.phys, 0xC0000000)
	case TAG_UNLOCK_MEMORY:
		a := s.allocs[v[0]]
		if a == nil || !a.locked || s.failTag[tag] {
			v[0] = 1
			break
		}
		a.locked = false
		v[0] = 0
	case TAG_RELEASE_MEMORY:
		a := s.allocs[v[0]]
		if a == nil || a.freed || s.failTag[tag] {
			v[0] = 1
			break
		}
		if a.locked {
			s.violate("handle %d freed while locked", a.handle)
		}
		a.freed = true
		v[0] = 0
	default:
		p[1] = MBOX_RESPONSE_ERR
		return nil
	}
	p[1] = MBOX_RESPONSE_OK
	p[4] = MBOX_TAG_RESPONSE | 4
	return nil
}

func (s *fakeSoC) Close() error {
	s.mbClosed = true
	return nil
}

// live counts allocations that haven't been freed.
func (s *fakeSoC) live() int {
	n := 0
	for _, a := range s.allocs {
		if !a.freed {
			n++
		}
	}
	return n
}

func (s *fakeSoC) allocAt(phys uint32) (*fakeAlloc, uintptr) {
	for _, a := range s.allocs {
		if phys >= a.phys && phys < a.phys+a.size {
			return a, uintptr(phys - a.phys)
		}
	}
	return nil, 0
}

func (s *fakeSoC) Map(physAddr uintptr, size int) (Region, error) {
	if s.mapErr != nil {
		if err := s.mapErr(physAddr); err != nil {
			return nil, err
		}
	}
	s.maps++
	if a, off := s.allocAt(uint32(physAddr)); a != nil {
		if off+uintptr(size) > uintptr(a.size) {
			return nil, newError(MappingError, "map", errors.Errorf("%d bytes at %08X overrun allocation", size, physAddr))
		}
		return &fakeRegion{soc: s, name: "alloc", mem: a.mem, base: off, size: uintptr(size)}, nil
	}
	if uint32(physAddr) < s.base {
		return nil, newError(MappingError, "map", errors.Errorf("nothing at %08X", physAddr))
	}
	off := physAddr - uintptr(s.base)
	r := &fakeRegion{soc: s, mem: make([]uint32, (size+3)/4), size: uintptr(size)}
	switch off {
	case CM_PWM_OFFSET:
		r.name = "clk"
		r.onLoad = s.clkLoad
		r.onStore = s.clkStore
	case PWM_OFFSET:
		r.name = "pwm"
		r.onStore = s.pwmStore
	case ST_OFFSET:
		r.name = "timer"
		r.onLoad = s.timerLoad
	case GPIO_OFFSET:
		r.name = "gpio"
		r.onStore = s.gpioStore
	default:
		for ch, o := range dmaOffsets {
			if o == off {
				r.name = fmt.Sprintf("dma%d", ch)
				r.onStore = s.dmaStore
			}
		}
		if r.name == "" {
			return nil, newError(MappingError, "map", errors.Errorf("no peripheral at offset %08X", off))
		}
	}
	s.periphs[off] = r
	return r, nil
}

func (s *fakeSoC) periph(name string) *fakeRegion {
	for _, r := range s.periphs {
		if r.name == name {
			return r
		}
	}
	s.t.Fatalf("peripheral %s not mapped", name)
	return nil
}

// resolve finds what a bus address written into a control block refers to.
func (s *fakeSoC) resolve(bus uint32) (Window, uintptr, error) {
	if IsPeriphBusAddr(bus) {
		off := uintptr(bus - BUS_PERIPH_BASE)
		for base, r := range s.periphs {
			if off >= base && off < base+r.size {
				return r, off - base, nil
			}
		}
		return nil, 0, errors.Errorf("bus address %08X isn't a mapped peripheral", bus)
	}
	a, off := s.allocAt(BusToPhys(bus))
	if a == nil || !a.locked {
		return nil, 0, errors.Errorf("bus address %08X isn't locked memory", bus)
	}
	return &fakeRegion{soc: s, name: "alloc", mem: a.mem, size: uintptr(a.size)}, off, nil
}

type fakeRegion struct {
	soc      *fakeSoC
	name     string
	mem      []uint32
	base     uintptr
	size     uintptr
	unmapped bool
	onLoad   func(off uintptr) (uint32, bool)
	onStore  func(r *fakeRegion, off uintptr, val uint32)
}

func (r *fakeRegion) check(off uintptr) {
	if r.unmapped {
		panic("access to unmapped " + r.name)
	}
	if off&3 != 0 || off+4 > r.size {
		panic(fmt.Sprintf("offset %#x out of range for %d byte %s", off, r.size, r.name))
	}
}

func (r *fakeRegion) Load32(off uintptr) uint32 {
	r.check(off)
	if r.onLoad != nil {
		if v, ok := r.onLoad(off); ok {
			return v
		}
	}
	return r.mem[(r.base+off)/4]
}

func (r *fakeRegion) Store32(off uintptr, val uint32) {
	r.check(off)
	r.mem[(r.base+off)/4] = val
	if r.onStore != nil {
		r.onStore(r, off, val)
	}
}

func (r *fakeRegion) Len() uintptr { return r.size }

func (r *fakeRegion) Unmap() error {
	if !r.unmapped {
		r.unmapped = true
		r.soc.unmaps++
	}
	return nil
}

// reg reads a register without going through the load hooks.
func (r *fakeRegion) reg(off uintptr) uint32 {
	return r.mem[(r.base+off)/4]
}

func (s *fakeSoC) clkLoad(off uintptr) (uint32, bool) {
	if off != CM_CLK_CTL {
		return 0, false
	}
	v := s.periph("clk").reg(CM_CLK_CTL) &^ CM_CLK_CTL_BUSY
	if s.clkBusy {
		v |= CM_CLK_CTL_BUSY
	}
	return v, true
}

func (s *fakeSoC) clkStore(r *fakeRegion, off uintptr, val uint32) {
	if val&0xff000000 != CM_CLK_CTL_PASSWD {
		s.violate("clock register %#x written without password: %08X", off, val)
		return
	}
	if off == CM_CLK_DIV {
		if s.clkBusy {
			s.violate("clock divisor written while busy")
		}
		s.event("clk.div")
		return
	}
	switch {
	case val&CM_CLK_CTL_KILL != 0:
		s.clkKills++
		if s.clkKills >= s.clkKillsNeeded {
			s.clkBusy = false
		}
		s.event("clk.kill")
	case val&CM_CLK_CTL_ENAB != 0:
		if s.clkBusy {
			s.violate("clock enabled while busy")
		}
		s.clkBusy = true
		s.clkKills = 0
		s.event("clk.enab")
	default:
		if s.clkBusy {
			s.violate("clock source changed while busy")
		}
		s.event("clk.src")
	}
}

func (s *fakeSoC) pwmStore(r *fakeRegion, off uintptr, val uint32) {
	switch off {
	case PWM_CTL:
		if val&RPI_PWM_CTL_PWEN1 != 0 {
			if !s.clkBusy {
				s.violate("pwm enabled without a running clock")
			}
			s.event("pwm.enable")
		}
	case PWM_FIF1:
		s.fifo = append(s.fifo, val)
	}
}

func (s *fakeSoC) pwmArmed() bool {
	r := s.periph("pwm")
	return r.reg(PWM_CTL)&RPI_PWM_CTL_PWEN1 != 0 && r.reg(PWM_DMAC)&RPI_PWM_DMAC_ENAB != 0
}

// gpioStore records writes to the set and clear registers as gpio.set.N and gpio.clr.N.
func (s *fakeSoC) gpioStore(r *fakeRegion, off uintptr, val uint32) {
	var op string
	var bank uintptr
	switch {
	case off >= GPIO_SET0 && off < GPIO_SET0+8:
		op, bank = "set", (off-GPIO_SET0)/4
	case off >= GPIO_CLR0 && off < GPIO_CLR0+8:
		op, bank = "clr", (off-GPIO_CLR0)/4
	default:
		return
	}
	for b := uint(0); b < 32; b++ {
		if val&(1<<b) != 0 {
			s.event(fmt.Sprintf("gpio.%s.%d", op, int(bank)*32+int(b)))
		}
	}
}

func (s *fakeSoC) timerLoad(off uintptr) (uint32, bool) {
	switch off {
	case ST_CLO:
		s.timer += 3
		return s.timer, true
	case ST_CHI:
		return 0, true
	}
	return 0, false
}

// dmaStore runs the whole chain synchronously as soon as ACTIVE is set.
func (s *fakeSoC) dmaStore(r *fakeRegion, off uintptr, val uint32) {
	if off != DMA_CS {
		return
	}
	if val&RPI_DMA_CS_RESET != 0 {
		for i := range r.mem {
			r.mem[i] = 0
		}
		s.event("dma.reset")
		return
	}
	if val&RPI_DMA_CS_ABORT != 0 {
		r.mem[DMA_CS/4] = val &^ (RPI_DMA_CS_ABORT | RPI_DMA_CS_ACTIVE)
		s.event("dma.abort")
		return
	}
	if val&RPI_DMA_CS_ACTIVE == 0 {
		return
	}
	cb := r.reg(DMA_CONBLK_AD)
	if cb == 0 {
		s.violate("dma activated with no control block")
		return
	}
	s.event("dma.active")
	s.dmaRuns++
	s.activeCS = val
	if s.dmaFailing {
		r.mem[DMA_CS/4] = val | RPI_DMA_CS_ERROR
		return
	}
	if s.dmaHangs {
		return
	}
	for n := 0; cb != 0; n++ {
		if n == 100000 {
			s.violate("dma chain doesn't end")
			break
		}
		w, woff, err := s.resolve(cb)
		if err != nil {
			s.violate("control block: %v", err)
			break
		}
		if cb%32 != 0 {
			s.violate("control block %08X not 32-byte aligned", cb)
		}
		blk := readControlBlock(w, woff)
		if blk.TI&RPI_DMA_TI_DEST_DREQ != 0 {
			if (blk.TI>>16)&0x1f != DMA_DREQ_PWM {
				s.violate("paced on DREQ %d", (blk.TI>>16)&0x1f)
			}
			if !s.pwmArmed() {
				s.violate("paced transfer with pwm disarmed")
			}
		}
		if err := s.transfer(blk); err != nil {
			s.violate("transfer: %v", err)
			break
		}
		cb = blk.NextConBk
	}
	r.mem[DMA_CONBLK_AD/4] = 0
	r.mem[DMA_CS/4] = (val &^ RPI_DMA_CS_ACTIVE) | RPI_DMA_CS_END
}

func (s *fakeSoC) transfer(cb ControlBlock) error {
	src, soff, err := s.resolve(cb.SourceAd)
	if err != nil {
		return err
	}
	dst, doff, err := s.resolve(cb.DestAd)
	if err != nil {
		return err
	}
	for i := uintptr(0); i < uintptr(cb.TxLen); i += 4 {
		v := src.Load32(soff + i)
		dst.Store32(doff+i, v)
	}
	return nil
}

func (s *fakeSoC) indexOf(event string) int {
	for i, e := range s.events {
		if e == event {
			return i
		}
	}
	return -1
}

func (s *fakeSoC) lastIndexOf(event string) int {
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i] == event {
			return i
		}
	}
	return -1
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *fakeSoC) {
	s := newFakeSoC(t, cfg.Profile.PeriphBase)
	e, err := newEngine(cfg, &Mailbox{dev: s}, s)
	if err != nil {
		t.Fatalf("newEngine failed: %v", err)
	}
	return e, s
}

func (s *fakeSoC) checkViolations() {
	s.t.Helper()
	for _, v := range s.violations {
		s.t.Errorf("hardware violation: %s", v)
	}
}
