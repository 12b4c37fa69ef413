package rpi

import (
	"time"
	"unsafe"

	"github.com/pkg/errors"
)

const (
	CM_PWM_OFFSET = uintptr(0x001010a0)

	CM_CLK_CTL_PASSWD   = uint32(0x5a << 24)
	CM_CLK_CTL_BUSY     = uint32(1 << 7)
	CM_CLK_CTL_KILL     = uint32(1 << 5)
	CM_CLK_CTL_ENAB     = uint32(1 << 4)
	CM_CLK_CTL_SRC_OSC  = uint32(1 << 0)
	CM_CLK_CTL_SRC_PLLD = uint32(6 << 0)
	CM_CLK_DIV_PASSWD   = uint32(0x5a << 24)

	// Kill normally stops the clock within a couple of polls. Give up long before hanging.
	CM_CLK_MAX_POLLS = 10000
)

type cmClkT struct {
	ctl uint32
	div uint32
}

var (
	CM_CLK_CTL = unsafe.Offsetof(cmClkT{}.ctl)
	CM_CLK_DIV = unsafe.Offsetof(cmClkT{}.div)
)

func cmClkDivI(val uint32) uint32 {
	return (val & 0xfff) << 12
}

// cmClk is the register overlay for the PWM clock manager.
type cmClk struct {
	regs Region
}

func (c *cmClk) busy() bool {
	return c.regs.Load32(CM_CLK_CTL)&CM_CLK_CTL_BUSY != 0
}

// kill stops the clock, repeating the kill until the manager reports it isn't busy.
func (c *cmClk) kill() error {
	for i := 0; c.busy(); i++ {
		if i == CM_CLK_MAX_POLLS {
			return newError(SequenceError, "kill clock", errors.Errorf("clock still busy after %d kills, ctl %08X", i, c.regs.Load32(CM_CLK_CTL)))
		}
		c.regs.Store32(CM_CLK_CTL, CM_CLK_CTL_PASSWD|CM_CLK_CTL_KILL)
		time.Sleep(SETTLE_DELAY)
	}
	return nil
}

// configure kills the clock, then runs it from src divided by divisor. The manager mustn't be
// touched while busy, so kill always comes first.
func (c *cmClk) configure(src, divisor uint32) error {
	if divisor == 0 || divisor > 0xfff {
		return newError(ConfigError, "configure clock", errors.Errorf("divisor %d out of range 1..4095", divisor))
	}
	err := c.kill()
	if err != nil {
		return err
	}
	c.regs.Store32(CM_CLK_CTL, CM_CLK_CTL_PASSWD|src)
	time.Sleep(SETTLE_DELAY)
	c.regs.Store32(CM_CLK_DIV, CM_CLK_DIV_PASSWD|cmClkDivI(divisor))
	time.Sleep(SETTLE_DELAY)
	c.regs.Store32(CM_CLK_CTL, CM_CLK_CTL_PASSWD|src|CM_CLK_CTL_ENAB)
	time.Sleep(SETTLE_DELAY)
	return nil
}
