package core

import (
	"time"

	"omapi2c/reg"
)

// Threshold returns the FIFO notification threshold for a message of
// length n on a controller whose usable FIFO is fifoSize bytes deep.
func Threshold(n int, fifoSize uint8) uint8 {
	if n < 1 {
		return 1
	}
	if n > int(fifoSize) {
		return fifoSize
	}
	return uint8(n)
}

// fifoSizeFromBufstat decodes BUFSTAT's depth field. The usable size is half
// the total depth so a ready event always leaves room for another threshold.
func fifoSizeFromBufstat(bufstat uint16) uint8 {
	s := (bufstat >> reg.BufstatDepthShift) & reg.BufstatDepthMask
	depth := 8 << s
	return uint8(depth / 2)
}

// resizeFIFO picks the threshold for the next message and rewrites only the
// matching direction's threshold field, clearing that direction's FIFO.
// Large messages then stream in threshold-sized bursts and only the tail
// uses a drain event.
func (c *Controller) resizeFIFO(n int, rx bool) {
	c.threshold = Threshold(n, c.fifoSize)

	buf := c.readReg(reg.BUF)
	field := uint16(c.threshold-1) & reg.BufThresholdMask
	if rx {
		buf &^= reg.BufThresholdMask << reg.BufRXTholdShift
		buf |= field<<reg.BufRXTholdShift | reg.BufRXFIFOClr
	} else {
		buf &^= reg.BufThresholdMask << reg.BufTXTholdShift
		buf |= field<<reg.BufTXTholdShift | reg.BufTXFIFOClr
	}
	c.writeReg(reg.BUF, buf)
}

// clearFIFOs asserts both FIFO clear bits, keeping the thresholds.
func (c *Controller) clearFIFOs() {
	w := c.readReg(reg.BUF)
	c.writeReg(reg.BUF, w|reg.BufRXFIFOClr|reg.BufTXFIFOClr)
}

// flushFIFO clears both FIFOs and drains any receive data still flagged,
// bounded by the controller timeout.
func (c *Controller) flushFIFO() {
	c.clearFIFOs()

	deadline := time.Now().Add(c.cfg.Timeout)
	for c.readReg(reg.STAT)&reg.StatRRDY != 0 {
		c.readReg(reg.DATA)
		c.ackStat(reg.StatRRDY)
		if time.Now().After(deadline) {
			c.log.Warn("timeout draining receive fifo")
			break
		}
		time.Sleep(c.cfg.PollInterval)
	}
}

// reset leaves the controller at its clean baseline: FIFOs flushed and
// every status bit cleared. It runs on every transfer exit path.
func (c *Controller) reset() {
	c.flushFIFO()
	c.clearStatus()
}
