package core

import (
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
)

// PeriphBus presents a Controller as a periph.io i2c.BusCloser. Closing it
// leaves the controller attached.
type PeriphBus struct {
	c *Controller
}

var _ i2c.BusCloser = (*PeriphBus)(nil)

// PeriphBus returns the controller as a periph.io bus.
func (c *Controller) PeriphBus() *PeriphBus {
	return &PeriphBus{c: c}
}

func (b *PeriphBus) String() string { return b.c.Name() }

// Tx writes w and then reads into r, as Controller.Tx.
func (b *PeriphBus) Tx(addr uint16, w, r []byte) error {
	return b.c.Tx(addr, w, r)
}

// SetSpeed reprograms the bus clock, rounded down to whole kHz.
func (b *PeriphBus) SetSpeed(f physic.Frequency) error {
	return b.c.SetSpeed(uint32(f / physic.KiloHertz))
}

func (b *PeriphBus) Close() error { return nil }

// RegisterPeriph makes c available through i2creg.Open under name and
// number.
func RegisterPeriph(name string, number int, c *Controller) error {
	return i2creg.Register(name, nil, number, func() (i2c.BusCloser, error) {
		if c.closed.Load() {
			return nil, ErrClosed
		}
		return c.PeriphBus(), nil
	})
}

// UnregisterPeriph removes a bus added by RegisterPeriph.
func UnregisterPeriph(name string) error {
	return i2creg.Unregister(name)
}
