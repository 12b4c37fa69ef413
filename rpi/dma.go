package rpi

import (
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// See p39-p50 of the BCM2835 peripherals datasheet.

const (
	DMA_OFFSET = uintptr(0x00007000)

	// How long register writes are given to take effect. The peripherals are rumoured to lock up
	// without these.
	SETTLE_DELAY = 10 * time.Microsecond
	// How long an aborted channel is given to drain before it's reset.
	ABORT_DELAY = 100 * time.Microsecond
)

var dmaOffsets = map[int]uintptr{
	0:  0x00007000,
	1:  0x00007100,
	2:  0x00007200,
	3:  0x00007300,
	4:  0x00007400,
	5:  0x00007500,
	6:  0x00007600,
	7:  0x00007700,
	8:  0x00007800,
	9:  0x00007900,
	10: 0x00007a00,
	11: 0x00007b00,
	12: 0x00007c00,
	13: 0x00007d00,
	14: 0x00007e00,
	15: 0x00e05000,
}

const (
	RPI_DMA_CS_RESET                      = uint32(1 << 31)
	RPI_DMA_CS_ABORT                      = uint32(1 << 30)
	RPI_DMA_CS_WAIT_OUTSTANDING_WRITES    = uint32(1 << 28)
	RPI_DMA_CS_ERROR                      = uint32(1 << 8)
	RPI_DMA_CS_WAITING_OUTSTANDING_WRITES = uint32(1 << 6)
	RPI_DMA_CS_INT                        = uint32(1 << 2)
	RPI_DMA_CS_END                        = uint32(1 << 1)
	RPI_DMA_CS_ACTIVE                     = uint32(1 << 0)

	RPI_DMA_TI_NO_WIDE_BURSTS = uint32(1 << 26)
	RPI_DMA_TI_SRC_INC        = uint32(1 << 8)
	RPI_DMA_TI_DEST_DREQ      = uint32(1 << 6)
	RPI_DMA_TI_DEST_INC       = uint32(1 << 4)
	RPI_DMA_TI_WAIT_RESP      = uint32(1 << 3)

	RPI_DMA_DEBUG_CLEAR_ERRORS = uint32(7)

	CONTROL_BLOCK_SIZE = uintptr(32)
)

func rpiDmaCsPanicPriority(val uint32) uint32 {
	return (val & 0xf) << 20
}

func rpiDmaCsPriority(val uint32) uint32 {
	return (val & 0xf) << 16
}

func rpiDmaTiPerMap(val uint32) uint32 {
	return (val & 0x1f) << 16
}

// dmaT is the register layout of one DMA channel.
type dmaT struct {
	cs        uint32
	conblkAd  uint32
	ti        uint32
	sourceAd  uint32
	destAd    uint32
	txLen     uint32
	stride    uint32
	nextConBk uint32
	debug     uint32
}

var (
	DMA_CS        = unsafe.Offsetof(dmaT{}.cs)
	DMA_CONBLK_AD = unsafe.Offsetof(dmaT{}.conblkAd)
	DMA_TI        = unsafe.Offsetof(dmaT{}.ti)
	DMA_TXFR_LEN  = unsafe.Offsetof(dmaT{}.txLen)
	DMA_DEBUG     = unsafe.Offsetof(dmaT{}.debug)
)

// ControlBlock is the DMA engine's transfer descriptor (p40). In memory it is 8 words, the last
// two reserved, and must sit on a 32-byte boundary. NextConBk is a bus address, 0 ends the chain.
type ControlBlock struct {
	TI        uint32
	SourceAd  uint32
	DestAd    uint32
	TxLen     uint32
	Stride    uint32
	NextConBk uint32
}

type dmaControl struct {
	ti        uint32
	sourceAd  uint32
	destAd    uint32
	txLen     uint32
	stride    uint32
	nextconbk uint32
	resvd1    uint32
	resvd2    uint32
}

var (
	CB_TI        = unsafe.Offsetof(dmaControl{}.ti)
	CB_SOURCE_AD = unsafe.Offsetof(dmaControl{}.sourceAd)
	CB_DEST_AD   = unsafe.Offsetof(dmaControl{}.destAd)
	CB_TXFR_LEN  = unsafe.Offsetof(dmaControl{}.txLen)
	CB_STRIDE    = unsafe.Offsetof(dmaControl{}.stride)
	CB_NEXTCONBK = unsafe.Offsetof(dmaControl{}.nextconbk)
)

func writeControlBlock(w Window, off uintptr, cb ControlBlock) {
	w.Store32(off+CB_TI, cb.TI)
	w.Store32(off+CB_SOURCE_AD, cb.SourceAd)
	w.Store32(off+CB_DEST_AD, cb.DestAd)
	w.Store32(off+CB_TXFR_LEN, cb.TxLen)
	w.Store32(off+CB_STRIDE, cb.Stride)
	w.Store32(off+CB_NEXTCONBK, cb.NextConBk)
}

func readControlBlock(w Window, off uintptr) ControlBlock {
	return ControlBlock{
		TI:        w.Load32(off + CB_TI),
		SourceAd:  w.Load32(off + CB_SOURCE_AD),
		DestAd:    w.Load32(off + CB_DEST_AD),
		TxLen:     w.Load32(off + CB_TXFR_LEN),
		Stride:    w.Load32(off + CB_STRIDE),
		NextConBk: w.Load32(off + CB_NEXTCONBK),
	}
}

// dmaChannel is the register overlay for one DMA channel.
type dmaChannel struct {
	regs Region
}

func dmaChannelOffset(channel int) (uintptr, error) {
	offset, ok := dmaOffsets[channel]
	if !ok {
		return 0, newError(ConfigError, "map dma", errors.Errorf("no offset found for DMA %d", channel))
	}
	return offset, nil
}

func (d *dmaChannel) cs() uint32 { return d.regs.Load32(DMA_CS) }

// reset aborts whatever the channel was doing and leaves it idle with no control block loaded.
func (d *dmaChannel) reset() {
	d.regs.Store32(DMA_CS, RPI_DMA_CS_ABORT)
	time.Sleep(SETTLE_DELAY)
	d.regs.Store32(DMA_CS, 0)
	d.regs.Store32(DMA_CS, RPI_DMA_CS_RESET)
	time.Sleep(SETTLE_DELAY)
	d.regs.Store32(DMA_CONBLK_AD, 0)
	d.regs.Store32(DMA_CS, RPI_DMA_CS_INT|RPI_DMA_CS_END)
	d.regs.Store32(DMA_DEBUG, RPI_DMA_DEBUG_CLEAR_ERRORS)
	time.Sleep(SETTLE_DELAY)
}

// start hands the chain at cbBusAddr to the hardware. The final write, setting ACTIVE, is what
// lets the engine go.
func (d *dmaChannel) start(cbBusAddr uint32, csFlags uint32) {
	d.regs.Store32(DMA_CONBLK_AD, cbBusAddr)
	d.regs.Store32(DMA_CS, csFlags)
	d.regs.Store32(DMA_CS, csFlags|RPI_DMA_CS_WAIT_OUTSTANDING_WRITES|RPI_DMA_CS_ACTIVE)
}

// stop aborts the chain and resets the channel.
func (d *dmaChannel) stop() {
	d.regs.Store32(DMA_CS, RPI_DMA_CS_ABORT)
	time.Sleep(ABORT_DELAY)
	d.regs.Store32(DMA_CS, d.regs.Load32(DMA_CS)&^RPI_DMA_CS_ACTIVE)
	d.regs.Store32(DMA_CS, d.regs.Load32(DMA_CS)|RPI_DMA_CS_RESET)
	time.Sleep(ABORT_DELAY)
}

// waitEnd polls until the channel goes inactive, reports an error, polls run out or stop is set.
func (d *dmaChannel) waitEnd(polls int, stop *atomic.Bool) error {
	var cs uint32
	for i := 0; ; i++ {
		cs = d.cs()
		if cs&RPI_DMA_CS_ACTIVE == 0 || cs&RPI_DMA_CS_ERROR != 0 {
			break
		}
		if stop.Load() {
			return newError(SequenceError, "wait dma", errInterrupted)
		}
		if i == polls {
			return newError(SequenceError, "wait dma", errors.Errorf("wait failed, cs %08X", cs))
		}
		time.Sleep(SETTLE_DELAY)
	}
	if cs&RPI_DMA_CS_ERROR != 0 {
		return newError(SequenceError, "wait dma", errors.Errorf("DMA error, cs %08X, debug %08X", cs, d.regs.Load32(DMA_DEBUG)))
	}
	return nil
}
