package core

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"omapi2c/reg"
)

// Propagation delay compensation for the SCL low/high period registers.
const (
	sclLowOffset  = 7
	sclHighOffset = 5
)

// Timing holds the values programmed into PSC, SCLL and SCLH.
type Timing struct {
	Prescaler uint16 // value written to PSC (divisor - 1)
	Low       uint16 // SCLL
	High      uint16 // SCLH
}

// ComputeTiming derives the prescaler and SCL periods for a target bus speed.
// All clocks are in kHz.
func ComputeTiming(fclkKHz, iclkKHz, speedKHz uint32) (Timing, error) {
	if iclkKHz == 0 || speedKHz == 0 || fclkKHz < iclkKHz {
		return Timing{}, fmt.Errorf("%w: fclk=%d iclk=%d speed=%d kHz", ErrInvalidSpeed, fclkKHz, iclkKHz, speedKHz)
	}
	psc := fclkKHz / iclkKHz
	if psc-1 > 0xff {
		return Timing{}, fmt.Errorf("%w: prescaler %d out of range", ErrInvalidSpeed, psc)
	}

	// 50% duty cycle
	half := (iclkKHz / speedKHz) / 2
	if half <= sclLowOffset || half-sclHighOffset > 0xff {
		return Timing{}, fmt.Errorf("%w: %d kHz not reachable from %d kHz internal clock", ErrInvalidSpeed, speedKHz, iclkKHz)
	}

	return Timing{
		Prescaler: uint16(psc - 1),
		Low:       uint16(half - sclLowOffset),
		High:      uint16(half - sclHighOffset),
	}, nil
}

// setSpeed programs the timing registers. The controller must be held in
// reset (CON.EN clear) while this runs.
func (c *Controller) setSpeed() error {
	t, err := ComputeTiming(c.cfg.FunctionalClockKHz, c.cfg.InternalClockKHz, c.speed)
	if err != nil {
		return err
	}
	c.writeReg(reg.PSC, t.Prescaler)
	c.writeReg(reg.SCLL, t.Low)
	c.writeReg(reg.SCLH, t.High)

	c.log.WithFields(logrus.Fields{
		"speed_khz": c.speed,
		"psc":       t.Prescaler,
		"scll":      t.Low,
		"sclh":      t.High,
	}).Debug("bus timing programmed")
	return nil
}
