package rpi

import (
	"unsafe"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// State is where an Engine is in its bring-up.
type State int

const (
	Idle State = iota
	ClockConfigured
	PwmArmed
	DmaActive
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case ClockConfigured:
		return "ClockConfigured"
	case PwmArmed:
		return "PwmArmed"
	case DmaActive:
		return "DmaActive"
	case Stopped:
		return "Stopped"
	}
	return "State(?)"
}

const (
	// PWM DMA thresholds: DREQ when the FIFO has room for 3 words, PANIC at 7.
	PWM_DMAC_PANIC = 7
	PWM_DMAC_DREQ  = 3

	// How many times WaitIdle polls, SETTLE_DELAY apart, before giving up.
	DMA_WAIT_POLLS = 100000
)

// Engine owns one DMA channel, the PWM block and its clock for as long as it's open. Nothing
// but Interrupt is safe for concurrent use, and only one Engine may exist per machine at a
// time: it programs hardware that has no notion of ownership.
type Engine struct {
	cfg   Config
	log   *zap.SugaredLogger
	mb    *Mailbox
	mem   Mapper
	alloc *Allocator

	regions []Region
	dma     *dmaChannel
	pwm     *pwm
	clk     *cmClk
	timer   *sysTimer
	gpio    *GPIO

	state   State
	powered bool
	clocked bool
	armed   bool
	bufs    []*PhysBuf
	closed  bool

	interrupted atomic.Bool
}

// Open opens the mailbox and maps the peripherals described by cfg.Profile.
func Open(cfg Config) (*Engine, error) {
	mb, err := OpenMailbox()
	if err != nil {
		return nil, err
	}
	e, err := newEngine(cfg, mb, DevMem{})
	if err != nil {
		mb.Close() // Ignore error
		return nil, err
	}
	return e, nil
}

func newEngine(cfg Config, mb *Mailbox, mem Mapper) (*Engine, error) {
	err := cfg.Profile.Validate()
	if err != nil {
		return nil, err
	}
	if cfg.ClockDivisor == 0 || cfg.ClockDivisor > 0xfff {
		return nil, newError(ConfigError, "configure", errors.Errorf("clock divisor %d out of range 1..4095", cfg.ClockDivisor))
	}
	if _, err := PWMRange(cfg.ClockHz(), cfg.PeriodMicros); err != nil {
		return nil, err
	}
	if cfg.DREQ == 0 || cfg.DREQ > 0x1f {
		return nil, newError(ConfigError, "configure", errors.Errorf("DREQ %d out of range 1..31", cfg.DREQ))
	}
	if pr := cfg.Power; pr != nil && (pr.CtrlPin < 0 || pr.CtrlPin >= GPIO_PINS || pr.StatusPin < -1 || pr.StatusPin >= GPIO_PINS) {
		return nil, newError(ConfigError, "configure", errors.Errorf("power pins %d/%d out of range", pr.CtrlPin, pr.StatusPin))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		cfg:   cfg,
		log:   logger.Sugar().With("profile", cfg.Profile.Name),
		mb:    mb,
		mem:   mem,
		alloc: NewAllocator(mb, mem, cfg.Profile.MemFlags, logger),
	}
	err = e.mapPeripherals()
	if err == nil && cfg.Power != nil {
		err = e.initPower()
	}
	if err != nil {
		e.unmapPeripherals() // Ignore error
		return nil, err
	}
	return e, nil
}

func (e *Engine) mapPeriph(name string, offset uintptr, size uintptr) (Region, error) {
	addr := uintptr(e.cfg.Profile.PeriphBase) + offset
	r, err := e.mem.Map(addr, int(size))
	if err != nil {
		return nil, errors.Wrapf(err, "couldn't map %s at %08X", name, addr)
	}
	e.log.Debugf("mapped %s, %d bytes at %08X", name, size, addr)
	e.regions = append(e.regions, r)
	return r, nil
}

func (e *Engine) mapPeripherals() error {
	offset, err := dmaChannelOffset(e.cfg.Profile.DMAChannel)
	if err != nil {
		return err
	}
	r, err := e.mapPeriph("dmaT", offset, unsafe.Sizeof(dmaT{}))
	if err != nil {
		return err
	}
	e.dma = &dmaChannel{r}
	r, err = e.mapPeriph("pwmT", PWM_OFFSET, unsafe.Sizeof(pwmT{}))
	if err != nil {
		return err
	}
	e.pwm = &pwm{r}
	r, err = e.mapPeriph("cmClkT", CM_PWM_OFFSET, unsafe.Sizeof(cmClkT{}))
	if err != nil {
		return err
	}
	e.clk = &cmClk{r}
	r, err = e.mapPeriph("stT", ST_OFFSET, unsafe.Sizeof(stT{}))
	if err != nil {
		return err
	}
	e.timer = &sysTimer{r}
	r, err = e.mapPeriph("gpioT", GPIO_OFFSET, unsafe.Sizeof(gpioT{}))
	if err != nil {
		return err
	}
	e.gpio = &GPIO{r}
	return nil
}

func (e *Engine) unmapPeripherals() error {
	var err error
	for i := len(e.regions) - 1; i >= 0; i-- {
		err = multierr.Append(err, e.regions[i].Unmap())
	}
	e.regions = nil
	return err
}

func (e *Engine) State() State { return e.state }

func (e *Engine) Config() Config { return e.cfg }

// GPIO gives access to the GPIO block, e.g. to make pins outputs before pacing writes to them.
func (e *Engine) GPIO() *GPIO { return e.gpio }

// Now reads the system timer.
func (e *Engine) Now() uint64 { return e.timer.now() }

// Alloc allocates DMA memory that the engine releases on Close if the caller hasn't already.
func (e *Engine) Alloc(size uint32) (*PhysBuf, error) {
	if e.closed {
		return nil, newError(SequenceError, "allocate", errors.New("engine closed"))
	}
	pb, err := e.alloc.Alloc(size)
	if err != nil {
		return nil, err
	}
	e.bufs = append(e.bufs, pb)
	return pb, nil
}

// Release releases pb and forgets it. Safe to call on an already-released buffer.
func (e *Engine) Release(pb *PhysBuf) error {
	for i, b := range e.bufs {
		if b == pb {
			e.bufs = append(e.bufs[:i], e.bufs[i+1:]...)
			break
		}
	}
	return pb.Release()
}

// Interrupt makes waits in progress give up and refuses any further bring-up. Shutdown and
// Close still work. It may be called from any goroutine, e.g. a signal handler.
func (e *Engine) Interrupt() {
	e.interrupted.Store(true)
}

func (e *Engine) expect(op string, states ...State) error {
	if e.closed {
		return newError(SequenceError, op, errors.New("engine closed"))
	}
	if e.interrupted.Load() {
		return newError(SequenceError, op, errInterrupted)
	}
	for _, s := range states {
		if e.state == s {
			return nil
		}
	}
	return newError(SequenceError, op, errors.Errorf("not allowed in state %v", e.state))
}

// ConfigureClock runs the PWM clock from PLLD / ClockDivisor. Idle (or Stopped) -> ClockConfigured.
func (e *Engine) ConfigureClock() error {
	err := e.expect("configure clock", Idle, Stopped)
	if err != nil {
		return err
	}
	e.clocked = true
	err = e.clk.configure(CM_CLK_CTL_SRC_PLLD, e.cfg.ClockDivisor)
	if err != nil {
		return err
	}
	e.log.Debugf("clock running at %d Hz (PLLD %d / %d)", e.cfg.ClockHz(), e.cfg.Profile.PLLDHz, e.cfg.ClockDivisor)
	e.state = ClockConfigured
	return nil
}

// ArmPWM starts the PWM requesting DMA once per PeriodMicros. ClockConfigured -> PwmArmed.
func (e *Engine) ArmPWM() error {
	err := e.expect("arm pwm", ClockConfigured)
	if err != nil {
		return err
	}
	rng, err := PWMRange(e.cfg.ClockHz(), e.cfg.PeriodMicros)
	if err != nil {
		return err
	}
	e.armed = true
	e.pwm.arm(rng, PWM_DMAC_PANIC, PWM_DMAC_DREQ)
	e.log.Debugf("pwm armed, range %d for %dus", rng, e.cfg.PeriodMicros)
	e.state = PwmArmed
	return nil
}

// Start resets the DMA channel and hands it c. PwmArmed -> DmaActive. From here on the
// hardware runs the chain by itself until Stop.
func (e *Engine) Start(c *Chain) error {
	err := e.expect("start dma", PwmArmed)
	if err != nil {
		return err
	}
	visited, err := c.Walk()
	if err != nil {
		return newError(ConfigError, "start dma", err)
	}
	if len(visited) != c.Len() {
		return newError(ConfigError, "start dma", errors.Errorf("chain reaches %d of %d blocks", len(visited), c.Len()))
	}
	e.dma.reset()
	e.dma.start(c.BusAddr(0), e.cfg.Profile.dmaCSFlags())
	e.log.Debugf("dma channel %d started at %08X, %d blocks", e.cfg.Profile.DMAChannel, c.BusAddr(0), c.Len())
	e.state = DmaActive
	return nil
}

// WaitIdle waits for the running chain to reach its end.
func (e *Engine) WaitIdle() error {
	err := e.expect("wait dma", DmaActive)
	if err != nil {
		return err
	}
	return e.dma.waitEnd(DMA_WAIT_POLLS, &e.interrupted)
}

// Stop aborts and resets the DMA channel. Anything -> Stopped. It's run even if the channel
// was never started, since we can't know what a previous process left it doing.
func (e *Engine) Stop() error {
	if e.closed {
		return nil
	}
	// Stopped means the abort and reset already ran. Another one wouldn't change anything.
	if e.state == Stopped {
		return nil
	}
	e.dma.stop()
	e.log.Debugf("dma channel %d stopped from %v", e.cfg.Profile.DMAChannel, e.state)
	e.state = Stopped
	return nil
}

// Shutdown stops the DMA channel, then disarms the PWM, kills its clock and drops the power
// rail if bring-up got that far. The reverse of bring-up, and safe to call any number of times.
func (e *Engine) Shutdown() error {
	err := e.Stop()
	if e.closed {
		return err
	}
	if e.armed {
		e.pwm.disarm()
		e.armed = false
	}
	if e.clocked {
		err = multierr.Append(err, e.clk.kill())
		e.clocked = false
	}
	e.powerOff()
	return err
}

// Close shuts the hardware down, releases every buffer still allocated through the engine,
// unmaps the peripherals and closes the mailbox.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	err := e.Shutdown()
	for i := len(e.bufs) - 1; i >= 0; i-- {
		err = multierr.Append(err, e.bufs[i].Release())
	}
	e.bufs = nil
	err = multierr.Append(err, e.unmapPeripherals())
	err = multierr.Append(err, e.mb.Close())
	e.closed = true
	return err
}
