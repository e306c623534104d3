package core

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"omapi2c/reg"
)

// pollRetries bounds the number of events the polled path will service in
// one transfer, including the final access-ready.
const pollRetries = 7

// PolledMaxLen is the longest message the polled path accepts: one event
// per byte plus access-ready must fit the retry budget.
const PolledMaxLen = pollRetries - 1

// DiagnosticAddr is the target of the diagnostic transfer, a 24Cxx EEPROM.
const DiagnosticAddr = 0x50

// DiagnosticMessage returns the fixed write used to check a controller
// without interrupts: byte 0x95 at EEPROM word address 0x0030.
func DiagnosticMessage() Msg {
	return Msg{Addr: DiagnosticAddr, Buf: []byte{0x00, 0x30, 0x95}}
}

// PolledTransfer runs one message by polling STAT, one byte per event,
// with the controller's interrupts masked for the duration. It is meant for
// small diagnostic transfers before the interrupt path is usable.
func (c *Controller) PolledTransfer(m Msg) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := m.validate(); err != nil {
		return err
	}
	if len(m.Buf) > PolledMaxLen {
		return fmt.Errorf("%w: %d bytes, max %d", ErrPolledTooLong, len(m.Buf), PolledMaxLen)
	}

	c.xfer.Lock()
	defer c.xfer.Unlock()

	rx := m.IsRead()
	log := c.log.WithFields(logrus.Fields{
		"addr": fmt.Sprintf("0x%02x", m.Addr),
		"len":  len(m.Buf),
		"dir":  direction(rx),
		"mode": "polled",
	})

	c.writeReg(reg.IE, 0)
	defer c.writeReg(reg.IE, c.ieState)

	// Threshold of one byte in both directions, both FIFOs cleared.
	c.threshold = 1
	c.writeReg(reg.BUF, reg.BufRXFIFOClr|reg.BufTXFIFOClr)
	c.writeReg(reg.SA, m.Addr)
	c.writeReg(reg.CNT, uint16(len(m.Buf)))
	log.Debug("polled transfer started")

	con := reg.ConMST | reg.ConSTT | reg.ConEN | reg.ConSTP
	if !rx {
		con |= reg.ConTRX
	}
	if m.Flags&MsgTen != 0 {
		con |= reg.ConXA
	}
	c.writeReg(reg.CON, con)

	err := c.pollEvents(m)
	c.reset()
	if err != nil {
		log.WithError(err).Debug("polled transfer failed")
	}
	return err
}

func (c *Controller) pollEvents(m Msg) error {
	cursor := m.Buf
	for k := 0; k < pollRetries; k++ {
		stat := c.waitForEvent()
		if stat == 0 {
			return fmt.Errorf("waiting for event: %w", ErrTimeout)
		}
		if err := statusError(stat & (reg.StatNACK | reg.StatAL | reg.StatROVR | reg.StatXUDF)); err != nil {
			c.ackStat(stat & (reg.StatNACK | reg.StatAL | reg.StatROVR | reg.StatXUDF))
			if stat&reg.StatNACK != 0 {
				c.writeReg(reg.CON, c.readReg(reg.CON)|reg.ConSTP)
			}
			return err
		}

		switch {
		case stat&reg.StatXRDY != 0:
			c.log.Debug("got XRDY")
			if len(cursor) > 0 {
				c.writeReg(reg.DATA, uint16(cursor[0]))
				cursor = cursor[1:]
			}
			c.ackStat(reg.StatXRDY)
		case stat&reg.StatRRDY != 0:
			b := byte(c.readReg(reg.DATA))
			c.log.WithField("data", fmt.Sprintf("0x%02x", b)).Debug("got RRDY")
			if len(cursor) > 0 {
				cursor[0] = b
				cursor = cursor[1:]
			}
			c.ackStat(reg.StatRRDY)
		case stat&reg.StatARDY != 0:
			c.log.Debug("got ARDY")
			c.ackStat(reg.StatARDY)
			return nil
		}
	}
	return fmt.Errorf("polled transfer exhausted %d events: %w", pollRetries, ErrTimeout)
}
