package rpi

import (
	"time"
	"unsafe"

	"github.com/pkg/errors"
)

const (
	PWM_OFFSET = uintptr(0x0020c000)

	RPI_PWM_CTL_CLRF1 = uint32(1 << 6)
	RPI_PWM_CTL_USEF1 = uint32(1 << 5)
	RPI_PWM_CTL_MODE1 = uint32(1 << 1)
	RPI_PWM_CTL_PWEN1 = uint32(1 << 0)
	RPI_PWM_DMAC_ENAB = uint32(1 << 31)

	RPI_PWM_STA_CLEAR = uint32(0xffffffff) // status bits are write-1-to-clear

	// DREQ (peripheral number) the PWM raises for the DMA engine, p61
	DMA_DREQ_PWM = 5
)

// Which alt function puts PWM channel 1 out on a pin. See p102 of datasheet.
var pwmPinToAlt = map[int]int{
	12: 0,
	18: 5,
	40: 0,
}

type pwmT struct {
	ctl        uint32
	sta        uint32
	dmac       uint32
	resvd_0x0c uint32
	rng1       uint32
	dat1       uint32
	fif1       uint32
	resvd_0x1c uint32
	rng2       uint32
	dat2       uint32
}

var (
	PWM_CTL  = unsafe.Offsetof(pwmT{}.ctl)
	PWM_STA  = unsafe.Offsetof(pwmT{}.sta)
	PWM_DMAC = unsafe.Offsetof(pwmT{}.dmac)
	PWM_RNG1 = unsafe.Offsetof(pwmT{}.rng1)
	PWM_FIF1 = unsafe.Offsetof(pwmT{}.fif1)
)

func rpiPwmDmacPanic(val uint32) uint32 {
	return (val & 0xff) << 8
}

func rpiPwmDmacDreq(val uint32) uint32 {
	return (val & 0xff) << 0
}

// PWMRange returns the number of clock cycles in periodMicros at clockHz.
func PWMRange(clockHz uint32, periodMicros uint32) (uint32, error) {
	if clockHz < 1000000 {
		return 0, newError(ConfigError, "pwm range", errors.Errorf("clock %d Hz is below 1 MHz", clockHz))
	}
	cycles := uint64(clockHz/1000000) * uint64(periodMicros)
	if cycles == 0 || cycles > 0xffffffff {
		return 0, newError(ConfigError, "pwm range", errors.Errorf("%d us at %d Hz gives %d cycles", periodMicros, clockHz, cycles))
	}
	return uint32(cycles), nil
}

// pwm is the register overlay for the PWM block.
type pwm struct {
	regs Region
}

// arm sets channel 1 up to serialize one FIFO word per rng cycles and to raise DREQ whenever
// the FIFO has room, which is what paces a DMA chain waiting on it.
func (p *pwm) arm(rng uint32, panicThresh, dreqThresh uint32) {
	p.regs.Store32(PWM_CTL, 0)
	time.Sleep(SETTLE_DELAY)
	p.regs.Store32(PWM_STA, RPI_PWM_STA_CLEAR)
	time.Sleep(SETTLE_DELAY)
	p.regs.Store32(PWM_RNG1, rng)
	time.Sleep(SETTLE_DELAY)
	p.regs.Store32(PWM_DMAC, RPI_PWM_DMAC_ENAB|rpiPwmDmacPanic(panicThresh)|rpiPwmDmacDreq(dreqThresh))
	time.Sleep(SETTLE_DELAY)
	p.regs.Store32(PWM_CTL, RPI_PWM_CTL_CLRF1)
	time.Sleep(SETTLE_DELAY)
	p.regs.Store32(PWM_CTL, RPI_PWM_CTL_USEF1|RPI_PWM_CTL_MODE1|RPI_PWM_CTL_PWEN1)
	time.Sleep(SETTLE_DELAY)
}

// disarm turns the PWM off and stops it requesting DMA.
func (p *pwm) disarm() {
	p.regs.Store32(PWM_CTL, 0)
	time.Sleep(SETTLE_DELAY)
	p.regs.Store32(PWM_DMAC, 0)
	time.Sleep(SETTLE_DELAY)
}
