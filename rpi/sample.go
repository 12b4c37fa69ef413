package rpi

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Sample captures n readings of the system timer with an unpaced DMA chain and returns them.
// The hardware is brought up, the chain run to its end and everything torn down again before
// Sample returns, whether or not it succeeded. Consecutive readings never decrease; how far
// apart they are says how fast the DMA engine gets through a control block.
func (e *Engine) Sample(n int) (samples []uint32, err error) {
	if n <= 0 {
		return nil, newError(ConfigError, "sample", errors.Errorf("%d samples", n))
	}
	// Checked before anything's allocated, so a refused call can't tear down someone else's run.
	err = e.expect("sample", Idle, Stopped)
	if err != nil {
		return nil, err
	}
	cbs, err := e.Alloc(uint32(n) * uint32(CONTROL_BLOCK_SIZE))
	if err != nil {
		return nil, err
	}
	defer func() { err = multierr.Append(err, e.Release(cbs)) }()
	results, err := e.Alloc(uint32(n) * 4)
	if err != nil {
		return nil, err
	}
	defer func() { err = multierr.Append(err, e.Release(results)) }()
	results.Zero()

	c, err := BuildSampleChain(cbs, SysTimerCLOBusAddr, results, n)
	if err != nil {
		return nil, err
	}
	err = e.run(c)
	if err != nil {
		return nil, err
	}
	e.log.Debugf("sampled %d timer words", n)
	return results.Uint32s(0, n), nil
}

// run brings the hardware up, runs c to its end and shuts down. The shutdown happens even if
// bring-up fails part way.
func (e *Engine) run(c *Chain) (err error) {
	defer func() { err = multierr.Append(err, e.Shutdown()) }()
	err = e.bringUp(c)
	if err != nil {
		return err
	}
	time.Sleep(ABORT_DELAY)
	return e.WaitIdle()
}

func (e *Engine) bringUp(c *Chain) error {
	err := e.powerOn()
	if err != nil {
		return err
	}
	err = e.ConfigureClock()
	if err != nil {
		return err
	}
	err = e.ArmPWM()
	if err != nil {
		return err
	}
	return e.Start(c)
}

// PacedOutput is a running paced chain: each word of its source buffer is copied to a
// destination register one PWM period after the previous one.
type PacedOutput struct {
	e      *Engine
	cbs    *PhysBuf
	source *PhysBuf
	src    *subWindow
	chain  *Chain
	n      int
	closed bool
}

// StartPaced allocates a paced chain writing words, one per period, to the register at bus
// address dest (e.g. GPIOSet0BusAddr), and starts it. The words can be changed while the chain
// runs with Set.
func (e *Engine) StartPaced(words []uint32, dest uint32) (*PacedOutput, error) {
	n := len(words)
	if n == 0 {
		return nil, newError(ConfigError, "start paced", errors.New("no words to write"))
	}
	err := e.expect("start paced", Idle, Stopped)
	if err != nil {
		return nil, err
	}
	blocks := uintptr(2*n) * CONTROL_BLOCK_SIZE
	// One extra block's worth of space at the end holds the word fed to the FIFO.
	cbs, err := e.Alloc(uint32(blocks + CONTROL_BLOCK_SIZE))
	if err != nil {
		return nil, err
	}
	source, err := e.Alloc(uint32(n) * 4)
	if err != nil {
		e.Release(cbs) // Ignore error
		return nil, err
	}
	p := &PacedOutput{
		e:      e,
		cbs:    cbs,
		source: source,
		src:    newSubWindow(source, 0, uintptr(n)*4),
		n:      n,
	}
	for i, w := range words {
		p.Set(i, w)
	}
	cbs.Store32(blocks, 0)
	p.chain, err = BuildPacedChain(cbs, source, PacedTarget{
		Dest:  dest,
		Dummy: cbs.BusAddr(blocks),
		FIFO:  PeriphBusAddr(PWM_OFFSET + PWM_FIF1),
		DREQ:  e.cfg.DREQ,
	}, n)
	if err == nil {
		err = e.bringUp(p.chain)
	}
	if err != nil {
		return nil, multierr.Append(err, p.Close())
	}
	e.log.Infof("pacing %d words to %08X every %dus", n, dest, e.cfg.PeriodMicros)
	return p, nil
}

// Len is the number of words the chain writes.
func (p *PacedOutput) Len() int { return p.n }

// Chain is the control block chain being run.
func (p *PacedOutput) Chain() *Chain { return p.chain }

// Set replaces word i. The DMA engine sees the new value the next time it gets to that word.
func (p *PacedOutput) Set(i int, v uint32) {
	p.src.Store32(uintptr(i)*4, v)
}

// Wait blocks until the chain has written every word.
func (p *PacedOutput) Wait() error {
	return p.e.WaitIdle()
}

// Close shuts the hardware down and releases the chain's memory. Only the first call does
// anything, so a stale handle can't stop a later run.
func (p *PacedOutput) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	err := p.e.Shutdown()
	err = multierr.Append(err, p.e.Release(p.source))
	err = multierr.Append(err, p.e.Release(p.cbs))
	return err
}
