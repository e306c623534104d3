// Package core drives an OMAP-style memory-mapped I2C bus controller: timing
// setup, FIFO threshold tuning, polled and interrupt-driven transfers, and the
// two-stage interrupt pump that moves bytes through the FIFO.
package core

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"omapi2c/reg"
)

// Defaults applied to zero Config fields.
const (
	DefaultFunctionalClockKHz = 48000
	DefaultInternalClockKHz   = 24000 // recommended by the TRM
	DefaultSpeedKHz           = 400
	DefaultTimeout            = time.Second
	DefaultPollInterval       = time.Millisecond
)

// interruptMask is the set of events serviced by the interrupt pump.
const interruptMask = reg.IeXRDY | reg.IeRRDY | reg.IeARDY | reg.IeNACK |
	reg.IeXDR | reg.IeRDR | reg.IeAL

// Config describes one controller instance.
type Config struct {
	Name               string
	Revision           reg.Revision
	FunctionalClockKHz uint32
	InternalClockKHz   uint32
	SpeedKHz           uint32
	Timeout            time.Duration // bounds every wait
	PollInterval       time.Duration // busy-wait granularity
	Logger             logrus.FieldLogger
}

func (cfg Config) withDefaults() Config {
	if cfg.Name == "" {
		cfg.Name = "i2c"
	}
	if cfg.FunctionalClockKHz == 0 {
		cfg.FunctionalClockKHz = DefaultFunctionalClockKHz
	}
	if cfg.InternalClockKHz == 0 {
		cfg.InternalClockKHz = DefaultInternalClockKHz
	}
	if cfg.SpeedKHz == 0 {
		cfg.SpeedKHz = DefaultSpeedKHz
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		cfg.Logger = l
	}
	return cfg
}

// Stats counts controller activity since attach.
type Stats struct {
	Transfers   uint64 // Transfer calls
	Messages    uint64 // messages completed without error
	Completions uint64 // completion gates fired by the worker
	Timeouts    uint64 // transfers abandoned on timeout
	IRQs        uint64 // fast-stage invocations that woke the worker
	Unclaimed   uint64 // fast-stage invocations with nothing enabled pending
	Stale       uint64 // worker passes with no transfer in flight
}

type counters struct {
	transfers, messages, completions, timeouts atomic.Uint64
	irqs, unclaimed, stale                     atomic.Uint64
}

// Controller is the device state of one bus controller. It allows one
// transfer in flight; serializing submitters is the caller's job.
type Controller struct {
	port RegisterPort
	regs *reg.Map
	cfg  Config
	log  logrus.FieldLogger

	speed    uint32 // kHz
	fifoSize uint8
	ieState  uint16

	// xfer is held by whichever context owns the buffer cursor: the
	// submitter while arming or reclaiming, the worker while pumping.
	xfer      sync.Mutex
	active    bool
	receiver  bool
	threshold uint8
	buf       []byte // cursor; len(buf) is the remaining length
	passLimit int
	cmdErr    uint16
	gate      *completion

	events eventRing
	stats  counters

	wake      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
}

// New attaches to a controller behind port: it discovers the FIFO depth,
// runs the init sequence and starts the interrupt worker.
func New(port RegisterPort, cfg Config) (*Controller, error) {
	cfg = cfg.withDefaults()
	c := &Controller{
		port:  port,
		regs:  reg.MapFor(cfg.Revision),
		cfg:   cfg,
		log:   cfg.Logger.WithField("controller", cfg.Name),
		speed: cfg.SpeedKHz,
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	c.fifoSize = fifoSizeFromBufstat(c.readReg(reg.BUFSTAT))
	c.threshold = 1

	if err := c.Init(); err != nil {
		return nil, err
	}

	go c.worker()

	c.log.WithFields(logrus.Fields{
		"revision":  cfg.Revision,
		"fifo_size": c.fifoSize,
		"speed_khz": c.speed,
	}).Info("controller attached")
	return c, nil
}

// Init brings the controller to its operating baseline. Timing is
// programmed before the enable bit and stale FIFO and status state is
// cleared before the bus-free check. A busy bus is logged, not fatal.
func (c *Controller) Init() error {
	if err := c.setSpeed(); err != nil {
		return err
	}
	c.writeReg(reg.CON, 0)

	// Take the module out of reset.
	c.writeReg(reg.CON, reg.ConEN)

	c.ieState = interruptMask
	c.writeReg(reg.IE, c.ieState)

	c.flushFIFO()
	c.clearStatus()

	if err := c.WaitForBusFree(); err != nil {
		c.log.WithError(err).Warn("bus not free after init")
	}
	return nil
}

// SetSpeed changes the bus speed. The controller is held in reset while the
// timing registers are rewritten, then reinitialized.
func (c *Controller) SetSpeed(kHz uint32) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if _, err := ComputeTiming(c.cfg.FunctionalClockKHz, c.cfg.InternalClockKHz, kHz); err != nil {
		return err
	}
	c.xfer.Lock()
	defer c.xfer.Unlock()

	c.writeReg(reg.CON, 0)
	c.speed = kHz
	return c.Init()
}

// Close masks the controller's interrupts and stops the worker. The register
// port itself belongs to the caller.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.writeReg(reg.IE, 0)
		close(c.stop)
		<-c.done
		c.log.Info("controller detached")
	})
	return nil
}

// Speed returns the configured bus speed in kHz.
func (c *Controller) Speed() uint32 { return c.speed }

// FIFOSize returns the usable FIFO depth discovered at attach.
func (c *Controller) FIFOSize() uint8 { return c.fifoSize }

// Name returns the configured controller name.
func (c *Controller) Name() string { return c.cfg.Name }

// Stats returns a snapshot of the activity counters.
func (c *Controller) Stats() Stats {
	return Stats{
		Transfers:   c.stats.transfers.Load(),
		Messages:    c.stats.messages.Load(),
		Completions: c.stats.completions.Load(),
		Timeouts:    c.stats.timeouts.Load(),
		IRQs:        c.stats.irqs.Load(),
		Unclaimed:   c.stats.unclaimed.Load(),
		Stale:       c.stats.stale.Load(),
	}
}
