package rpi

import (
	"time"

	"github.com/pkg/errors"
)

// How often a PowerRail's status pin is read while waiting for it.
const POWER_POLL_INTERVAL = 50 * time.Millisecond

// PowerRail is a supply switched by a GPIO pin, for whatever a paced chain drives. An Engine
// with one turns it on before the clock is started and drops it once the DMA channel has been
// stopped.
type PowerRail struct {
	// CtrlPin is driven high to turn the supply on.
	CtrlPin int
	// StatusPin reads high once the supply is healthy. -1 means there's nothing to wait for.
	StatusPin int
	// StatusWait is how long bring-up waits for StatusPin.
	StatusWait time.Duration
}

func (e *Engine) initPower() error {
	pr := e.cfg.Power
	err := e.gpio.SetOutput(pr.CtrlPin, PullNone)
	if err != nil {
		return errors.Wrap(err, "couldn't set power control to output")
	}
	e.gpio.SetPin(pr.CtrlPin, false) // Ignore error, pin was validated above
	if pr.StatusPin < 0 {
		return nil
	}
	return e.gpio.SetInput(pr.StatusPin)
}

// powerOn switches the rail on and waits for it to report healthy. Once the control pin has
// been driven, Shutdown drops it again whether or not the wait succeeded.
func (e *Engine) powerOn() error {
	pr := e.cfg.Power
	if pr == nil {
		return nil
	}
	e.powered = true
	e.gpio.SetPin(pr.CtrlPin, true) // Ignore error, pin was validated by initPower
	if pr.StatusPin < 0 {
		e.log.Debugf("power on")
		return nil
	}
	start := time.Now()
	for {
		if e.interrupted.Load() {
			return newError(SequenceError, "power on", errInterrupted)
		}
		healthy, _ := e.gpio.GetPin(pr.StatusPin) // Ignore error, pin was validated by initPower
		elapsed := time.Since(start)
		if healthy {
			e.log.Debugf("power stabilized after %v", elapsed)
			return nil
		}
		if elapsed > pr.StatusWait {
			return newError(SequenceError, "power on", errors.Errorf("pin %d not healthy after %v", pr.StatusPin, elapsed))
		}
		time.Sleep(POWER_POLL_INTERVAL)
	}
}

func (e *Engine) powerOff() {
	if !e.powered {
		return
	}
	e.gpio.SetPin(e.cfg.Power.CtrlPin, false) // Ignore error, pin was validated by initPower
	e.powered = false
	e.log.Debugf("power off")
}
