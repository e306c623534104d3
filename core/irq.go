package core

import (
	"context"
	"time"

	"omapi2c/reg"
)

// IRQReturn is the fast stage's verdict on an interrupt.
type IRQReturn uint8

const (
	IRQNone       IRQReturn = iota // not ours
	IRQHandled                     // fully handled in the fast stage
	IRQWakeThread                  // deferred to the worker
)

// Extra pump passes allowed beyond one per byte, for the terminal event and
// status bits that carry no data.
const pumpPassSlack = 8

// HandleIRQ is the fast interrupt stage. It never blocks: if any enabled
// event is pending it wakes the worker, otherwise the interrupt is left
// unclaimed. Platform glue calls it from its interrupt context. Once the
// controller is closed the registers are not touched.
func (c *Controller) HandleIRQ() IRQReturn {
	if c.closed.Load() {
		return IRQNone
	}
	stat := c.readReg(reg.STAT)
	mask := c.readReg(reg.IE)
	if stat&mask == 0 {
		c.stats.unclaimed.Add(1)
		return IRQNone
	}
	c.stats.irqs.Add(1)
	select {
	case c.wake <- struct{}{}:
	default:
		// a wake is already pending; the worker rereads status
	}
	return IRQWakeThread
}

// PollIRQ runs the fast stage every interval until ctx is done, for register
// ports that have no interrupt line of their own.
func (c *Controller) PollIRQ(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.HandleIRQ()
		}
	}
}

// worker is the schedulable interrupt stage. One runs per controller.
func (c *Controller) worker() {
	defer close(c.done)
	for {
		select {
		case <-c.stop:
			return
		case <-c.wake:
			c.service()
		}
	}
}

// service pumps the FIFO until no relevant status remains or the
// transaction ends. A status bit is acknowledged only after the data
// register accesses it asked for.
func (c *Controller) service() {
	c.xfer.Lock()
	defer c.xfer.Unlock()

	if !c.active {
		// Nothing in flight: acknowledge what is pending so the line drops.
		if stat := c.readReg(reg.STAT) & c.readReg(reg.IE); stat != 0 {
			c.ackStat(stat)
		}
		c.stats.stale.Add(1)
		c.events.record(EvtStale, 0, 0)
		return
	}
	c.events.record(EvtIRQ, 0, len(c.buf))

	var errBits uint16
	done := false
	for pass := 0; pass < c.passLimit && !done; pass++ {
		raw := c.readReg(reg.STAT)
		if over := raw & (reg.StatROVR | reg.StatXUDF); over != 0 {
			errBits |= over
			c.ackStat(over)
		}
		stat := raw & c.readReg(reg.IE)

		// Ignore stale flags for the other direction.
		if c.receiver {
			stat &^= reg.StatXDR | reg.StatXRDY
		} else {
			stat &^= reg.StatRDR | reg.StatRRDY
		}
		if stat == 0 {
			break
		}

		switch {
		case stat&reg.StatNACK != 0:
			c.events.record(EvtNACK, stat, len(c.buf))
			c.log.Debug("got NACK")
			errBits |= reg.StatNACK
			c.ackStat(reg.StatNACK)
			c.writeReg(reg.CON, c.readReg(reg.CON)|reg.ConSTP)
			done = true
		case stat&reg.StatAL != 0:
			c.events.record(EvtAL, stat, len(c.buf))
			c.log.Debug("got AL")
			errBits |= reg.StatAL
			c.ackStat(reg.StatAL)
			done = true
		case stat&reg.StatXRDY != 0:
			c.events.record(EvtXRDY, stat, len(c.buf))
			c.log.Debug("got XRDY")
			c.transmit(int(c.threshold))
			c.ackStat(reg.StatXRDY)
		case stat&reg.StatRRDY != 0:
			c.events.record(EvtRRDY, stat, len(c.buf))
			c.log.Debug("got RRDY")
			c.receive(int(c.threshold))
			c.ackStat(reg.StatRRDY)
		case stat&reg.StatXDR != 0:
			c.events.record(EvtXDR, stat, len(c.buf))
			c.log.Debug("got XDR")
			c.transmit(len(c.buf))
			c.ackStat(reg.StatXDR)
		case stat&reg.StatRDR != 0:
			c.events.record(EvtRDR, stat, len(c.buf))
			c.log.Debug("got RDR")
			c.receive(len(c.buf))
			c.ackStat(reg.StatRDR)
		case stat&reg.StatARDY != 0:
			c.events.record(EvtARDY, stat, len(c.buf))
			c.log.Debug("got ARDY")
			c.ackStat(reg.StatARDY)
			done = true
		default:
			// Enabled but not serviced here; clear it so the pass ends.
			c.ackStat(stat)
		}
	}

	c.cmdErr |= errBits
	if done && c.gate.complete() {
		c.stats.completions.Add(1)
		c.events.record(EvtComplete, 0, len(c.buf))
	}
}

// transmit pushes up to n bytes from the cursor into the FIFO.
func (c *Controller) transmit(n int) {
	if n > len(c.buf) {
		n = len(c.buf)
	}
	c.log.WithField("n", n).Debug("transmitting")
	for _, b := range c.buf[:n] {
		c.writeReg(reg.DATA, uint16(b))
	}
	c.buf = c.buf[n:]
}

// receive pulls up to n bytes from the FIFO into the cursor.
func (c *Controller) receive(n int) {
	if n > len(c.buf) {
		n = len(c.buf)
	}
	c.log.WithField("n", n).Debug("receiving")
	for i := 0; i < n; i++ {
		c.buf[i] = byte(c.readReg(reg.DATA))
	}
	c.buf = c.buf[n:]
}
