package core

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"omapi2c/reg"
)

// Transfer runs msgs in order on the interrupt-driven path and returns the
// number of messages accepted. Any failure abandons the rest of the batch
// and reports no partial progress.
func (c *Controller) Transfer(ctx context.Context, msgs []Msg) (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	for i := range msgs {
		if err := msgs[i].validate(); err != nil {
			return 0, err
		}
	}
	c.stats.transfers.Add(1)

	for i := range msgs {
		if err := c.transferOne(ctx, &msgs[i]); err != nil {
			return 0, err
		}
		c.stats.messages.Add(1)
	}
	return len(msgs), nil
}

func (c *Controller) transferOne(ctx context.Context, m *Msg) error {
	rx := m.IsRead()
	log := c.log.WithFields(logrus.Fields{
		"addr": fmt.Sprintf("0x%02x", m.Addr),
		"len":  len(m.Buf),
		"dir":  direction(rx),
	})

	c.xfer.Lock()
	c.receiver = rx
	c.resizeFIFO(len(m.Buf), rx)
	c.buf = m.Buf
	c.passLimit = len(m.Buf) + pumpPassSlack
	c.cmdErr = 0

	c.writeReg(reg.SA, m.Addr)
	c.writeReg(reg.CNT, uint16(len(m.Buf)))
	c.clearFIFOs()

	con := reg.ConMST | reg.ConSTT | reg.ConEN | reg.ConSTP
	if !rx {
		con |= reg.ConTRX
	}
	if m.Flags&MsgTen != 0 {
		con |= reg.ConXA
	}

	gate := newCompletion()
	c.gate = gate
	c.active = true
	c.events.record(EvtArm, 0, len(m.Buf))
	c.xfer.Unlock()

	// Ownership of the cursor passes to the worker from here on.
	log.Debug("transfer armed")
	c.writeReg(reg.CON, con)

	err := gate.wait(ctx, c.cfg.Timeout)

	c.xfer.Lock()
	c.active = false
	c.buf = nil
	cmdErr := c.cmdErr
	c.xfer.Unlock()

	c.reset()

	if err != nil {
		c.stats.timeouts.Add(1)
		c.events.record(EvtTimeout, 0, 0)
		log.WithError(err).Error("controller timed out")
		c.dumpEvents()
		if err == ErrTimeout {
			return fmt.Errorf("waiting for completion: %w", err)
		}
		return err
	}
	if err := statusError(cmdErr); err != nil {
		log.WithError(err).Debug("transfer failed")
		return err
	}
	return nil
}

func direction(rx bool) string {
	if rx {
		return "rx"
	}
	return "tx"
}
