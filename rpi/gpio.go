package rpi

import (
	"time"
	"unsafe"

	"github.com/pkg/errors"
)

const (
	GPIO_OFFSET = uintptr(0x00200000)
	GPIO_PINS   = 54 // p94
)

type gpioT struct {
	fsel       [6]uint32 // GPIO Function Select
	resvd_0x18 uint32
	set        [2]uint32 // GPIO Pin Output Set
	resvc_0x24 uint32
	clr        [2]uint32 // GPIO Pin Output Clear
	resvd_0x30 uint32
	lev        [2]uint32 // GPIO Pin Level
	resvd_0x3c uint32
	eds        [2]uint32 // GPIO Pin Event Detect Status
	resvd_0x48 uint32
	ren        [2]uint32 // GPIO Pin Rising Edge Detect Enable
	resvd_0x54 uint32
	fen        [2]uint32 // GPIO Pin Falling Edge Detect Enable
	resvd_0x60 uint32
	hen        [2]uint32 // GPIO Pin High Detect Enable
	resvd_0x6c uint32
	len        [2]uint32 // GPIO Pin Low Detect Enable
	resvd_0x78 uint32
	aren       [2]uint32 // GPIO Pin Async Rising Edge Detect
	resvd_0x84 uint32
	afen       [2]uint32 // GPIO Pin Async Falling Edge Detect
	resvd_0x90 uint32
	pud        uint32    // GPIO Pin Pull up/down Enable
	pudclk     [2]uint32 // GPIO Pin Pull up/down Enable Clock
}

var (
	GPIO_FSEL0   = unsafe.Offsetof(gpioT{}.fsel)
	GPIO_SET0    = unsafe.Offsetof(gpioT{}.set)
	GPIO_CLR0    = unsafe.Offsetof(gpioT{}.clr)
	GPIO_LEV0    = unsafe.Offsetof(gpioT{}.lev)
	GPIO_PUD     = unsafe.Offsetof(gpioT{}.pud)
	GPIO_PUDCLK0 = unsafe.Offsetof(gpioT{}.pudclk)

	// Paced chains write pin masks straight into these.
	GPIOSet0BusAddr = PeriphBusAddr(GPIO_OFFSET + GPIO_SET0)
	GPIOClr0BusAddr = PeriphBusAddr(GPIO_OFFSET + GPIO_CLR0)
)

type PullMode uint

const (
	// See p101. These are GPPUD values
	PullNone PullMode = 0
	PullDown PullMode = 1
	PullUp   PullMode = 2
)

// GPIO is the register overlay for the GPIO block.
type GPIO struct {
	regs Region
}

func (g *GPIO) setPinFunction(pin int, fnc uint32) error {
	if pin < 0 || pin >= GPIO_PINS {
		return newError(ConfigError, "gpio", errors.Errorf("pin %d not supported", pin))
	}
	off := GPIO_FSEL0 + uintptr(pin/10)*4
	shift := uint((pin % 10) * 3)
	v := g.regs.Load32(off)
	v &^= 0x7 << shift
	v |= fnc << shift
	g.regs.Store32(off, v)
	return nil
}

func (g *GPIO) SetInput(pin int) error {
	return g.setPinFunction(pin, 0)
}

func (g *GPIO) SetAltFunction(pin int, alt int) error {
	funcs := []uint32{4, 5, 6, 7, 3, 2} // See p92 in datasheet - these are the alt functions only
	if alt < 0 || alt >= len(funcs) {
		return newError(ConfigError, "gpio", errors.Errorf("%d is an invalid alt function", alt))
	}
	return g.setPinFunction(pin, funcs[alt])
}

// RoutePWM puts the pacing PWM's output on pin, which is handy for watching the pacing on a
// scope. Only pins 12, 18 and 40 can carry it.
func (g *GPIO) RoutePWM(pin int) error {
	alt, ok := pwmPinToAlt[pin]
	if !ok {
		return newError(ConfigError, "gpio", errors.Errorf("pin %d can't output PWM channel 1", pin))
	}
	return g.SetAltFunction(pin, alt)
}

// SetOutput makes pin an output with the given pull.
func (g *GPIO) SetOutput(pin int, pm PullMode) error {
	if pm > PullUp {
		return newError(ConfigError, "gpio", errors.Errorf("%d is an invalid pull mode", pm))
	}
	err := g.setPinFunction(pin, 1)
	if err != nil {
		return errors.Wrap(err, "couldn't set pin as output")
	}

	// See p101 for the description of this procedure.
	g.regs.Store32(GPIO_PUD, uint32(pm))
	time.Sleep(SETTLE_DELAY) // Datasheet says to sleep for 150 cycles after setting pud
	clk := GPIO_PUDCLK0 + uintptr(pin/32)*4
	g.regs.Store32(clk, 1<<uint(pin%32))
	time.Sleep(SETTLE_DELAY) // Datasheet says to sleep for 150 cycles after setting pudclk
	g.regs.Store32(GPIO_PUD, 0)
	g.regs.Store32(clk, 0)
	return nil
}

// SetPin drives pin high or low.
func (g *GPIO) SetPin(pin int, high bool) error {
	if pin < 0 || pin >= GPIO_PINS {
		return newError(ConfigError, "gpio", errors.Errorf("pin %d not supported", pin))
	}
	off := GPIO_CLR0
	if high {
		off = GPIO_SET0
	}
	g.regs.Store32(off+uintptr(pin/32)*4, 1<<uint(pin%32))
	return nil
}

func (g *GPIO) GetPin(pin int) (bool, error) {
	if pin < 0 || pin >= GPIO_PINS {
		return false, newError(ConfigError, "gpio", errors.Errorf("pin %d not supported", pin))
	}
	return g.regs.Load32(GPIO_LEV0+uintptr(pin/32)*4)&(1<<uint(pin%32)) != 0, nil
}
