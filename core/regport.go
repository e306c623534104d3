package core

import "omapi2c/reg"

// RegisterPort is raw 16-bit access to the controller's register window.
// Offsets are byte offsets from the window base. Implementations must not
// cache or reorder accesses; a simulated bank may stand in for hardware.
type RegisterPort interface {
	Read16(offset uint32) uint16
	Write16(offset uint32, value uint16)
}

// readReg reads a logical register. An id outside the map panics.
func (c *Controller) readReg(id reg.ID) uint16 {
	return c.port.Read16(c.regs.Offset(id))
}

// writeReg writes a logical register. An id outside the map panics.
func (c *Controller) writeReg(id reg.ID, value uint16) {
	c.port.Write16(c.regs.Offset(id), value)
}

// ackStat clears exactly the given status bits.
func (c *Controller) ackStat(bits uint16) {
	c.writeReg(reg.STAT, bits)
}

// clearStatus acknowledges every pending status bit.
func (c *Controller) clearStatus() {
	c.writeReg(reg.STAT, reg.StatAll)
}
