package core

import (
	"fmt"
	"time"

	"omapi2c/reg"
)

// polledEvents are the status bits the polled path reacts to.
const polledEvents = reg.StatROVR | reg.StatXUDF | reg.StatXRDY | reg.StatRRDY |
	reg.StatARDY | reg.StatNACK | reg.StatAL

// WaitForBusFree polls the bus-busy bit until it clears or the controller
// timeout expires.
func (c *Controller) WaitForBusFree() error {
	deadline := time.Now().Add(c.cfg.Timeout)
	for c.readReg(reg.STAT)&reg.StatBB != 0 {
		if time.Now().After(deadline) {
			return fmt.Errorf("waiting for bus free: %w", ErrTimeout)
		}
		time.Sleep(c.cfg.PollInterval)
	}
	return nil
}

// waitForEvent polls STAT until one of the polled events is raised and
// returns the full status word. On timeout it clears all status bits and
// returns 0.
func (c *Controller) waitForEvent() uint16 {
	deadline := time.Now().Add(c.cfg.Timeout)
	for {
		stat := c.readReg(reg.STAT)
		if stat&polledEvents != 0 {
			return stat
		}
		if time.Now().After(deadline) {
			c.log.Debug("timeout waiting for event")
			c.clearStatus()
			return 0
		}
		time.Sleep(c.cfg.PollInterval)
	}
}
