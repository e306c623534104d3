// Package sim provides a simulated I2C controller register bank, simulated
// bus targets and a register-bridge firmware that serves a bank over the
// Klipper protocol. Everything runs on the host; nothing touches hardware.
package sim

import (
	"fmt"
	"sync"

	"omapi2c/reg"
)

// Target is a device on the simulated bus. Returning an error from either
// method makes the controller report a NACK.
type Target interface {
	// Write receives the payload of one write transaction.
	Write(p []byte) error
	// Read fills p for one read transaction.
	Read(p []byte) error
}

// Access is one register access seen by the bank.
type Access struct {
	Write bool
	Reg   reg.ID
	Value uint16
}

func (a Access) String() string {
	op := "R"
	if a.Write {
		op = "W"
	}
	return fmt.Sprintf("%s %s=0x%04x", op, a.Reg, a.Value)
}

// Option configures a Bank.
type Option func(*Bank)

// WithRevision selects the register layout the bank decodes.
func WithRevision(rev reg.Revision) Option {
	return func(b *Bank) { b.regs = reg.MapFor(rev) }
}

// WithFIFODepth sets BUFSTAT's depth field: total depth is 8<<code bytes.
func WithFIFODepth(code uint16) Option {
	return func(b *Bank) {
		b.vals[reg.BUFSTAT] = (code & reg.BufstatDepthMask) << reg.BufstatDepthShift
	}
}

// transaction is the bus cycle started by the last START.
type transaction struct {
	target  Target
	count   int
	tx      bool
	sent    []byte // bytes written so far
	pending []byte // bytes still to be moved into the receive FIFO
}

// Bank simulates the controller's register window. STAT is write-1-to-clear,
// FIFO thresholds pace the ready events, and a START with CON.MST runs a bus
// transaction against the attached targets.
type Bank struct {
	mu   sync.Mutex
	regs *reg.Map
	vals [reg.NumIDs]uint16

	targets map[uint16]Target
	xfer    *transaction
	rxFIFO  []byte

	irq      func()
	irqMuted bool
	busStuck bool
	trace    []Access
}

// NewBank constructs a bank with the ip-v2 layout and a 16-byte FIFO.
func NewBank(opts ...Option) *Bank {
	b := &Bank{
		regs:    reg.MapFor(reg.RevV2),
		targets: make(map[uint16]Target),
	}
	WithFIFODepth(1)(b)
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Attach places a target on the bus at addr.
func (b *Bank) Attach(addr uint16, t Target) {
	b.mu.Lock()
	b.targets[addr] = t
	b.mu.Unlock()
}

// Detach removes the target at addr.
func (b *Bank) Detach(addr uint16) {
	b.mu.Lock()
	delete(b.targets, addr)
	b.mu.Unlock()
}

// SetIRQ installs the interrupt line callback. It is invoked without the
// bank lock held whenever an enabled event is raised.
func (b *Bank) SetIRQ(fn func()) {
	b.mu.Lock()
	b.irq = fn
	b.mu.Unlock()
}

// MuteIRQ stops (or resumes) interrupt delivery, simulating a stuck line.
func (b *Bank) MuteIRQ(muted bool) {
	b.mu.Lock()
	b.irqMuted = muted
	b.mu.Unlock()
}

// SetBusBusy holds the bus-busy status bit set regardless of bus activity.
func (b *Bank) SetBusBusy(stuck bool) {
	b.mu.Lock()
	b.busStuck = stuck
	b.mu.Unlock()
}

// Raise sets status bits as if the hardware had raised them and fires the
// interrupt line if any of them is enabled. Raising AL drops the running
// transaction, as the controller falls out of master mode.
func (b *Bank) Raise(bits uint16) {
	b.mu.Lock()
	b.vals[reg.STAT] |= bits
	if bits&reg.StatAL != 0 && b.xfer != nil {
		b.end()
	}
	fire, irq := b.shouldFire(true)
	b.mu.Unlock()
	if fire {
		irq()
	}
}

// Peek returns a register value without recording an access.
func (b *Bank) Peek(id reg.ID) uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.vals[id]
}

// RXFIFOLen returns the number of bytes waiting in the receive FIFO.
func (b *Bank) RXFIFOLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rxFIFO)
}

// Trace returns a copy of every access recorded since the last ResetTrace.
func (b *Bank) Trace() []Access {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Access, len(b.trace))
	copy(out, b.trace)
	return out
}

// Writes returns the recorded writes, optionally limited to the given registers.
func (b *Bank) Writes(ids ...reg.ID) []Access {
	var out []Access
	for _, a := range b.Trace() {
		if !a.Write {
			continue
		}
		if len(ids) == 0 || containsID(ids, a.Reg) {
			out = append(out, a)
		}
	}
	return out
}

// ResetTrace discards the recorded accesses.
func (b *Bank) ResetTrace() {
	b.mu.Lock()
	b.trace = nil
	b.mu.Unlock()
}

func containsID(ids []reg.ID, id reg.ID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func (b *Bank) lookup(offset uint32) reg.ID {
	id, ok := b.regs.Lookup(offset)
	if !ok {
		panic(fmt.Sprintf("sim: access to unmapped offset 0x%x", offset))
	}
	return id
}

// Read16 implements core.RegisterPort.
func (b *Bank) Read16(offset uint32) uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.lookup(offset)
	var v uint16
	switch id {
	case reg.DATA:
		if len(b.rxFIFO) > 0 {
			v = uint16(b.rxFIFO[0])
			b.rxFIFO = b.rxFIFO[1:]
		}
	case reg.STAT:
		v = b.vals[reg.STAT]
		if b.busStuck {
			v |= reg.StatBB
		}
	default:
		v = b.vals[id]
	}
	b.trace = append(b.trace, Access{Reg: id, Value: v})
	return v
}

// Write16 implements core.RegisterPort.
func (b *Bank) Write16(offset uint32, v uint16) {
	b.mu.Lock()
	id := b.lookup(offset)
	b.trace = append(b.trace, Access{Write: true, Reg: id, Value: v})

	raised := false
	switch id {
	case reg.STAT:
		b.vals[reg.STAT] &^= v
		raised = b.afterAck(v)
	case reg.BUF:
		if v&reg.BufRXFIFOClr != 0 {
			b.rxFIFO = nil
		}
		// clear bits are self-clearing
		b.vals[reg.BUF] = v &^ (reg.BufRXFIFOClr | reg.BufTXFIFOClr)
	case reg.CON:
		b.vals[reg.CON] = v &^ reg.ConSTT
		switch {
		case v&reg.ConEN == 0:
			b.abort()
		case v&(reg.ConSTT|reg.ConMST) == reg.ConSTT|reg.ConMST:
			raised = b.start(v)
		}
	case reg.DATA:
		if x := b.xfer; x != nil && x.tx && len(x.sent) < x.count {
			x.sent = append(x.sent, byte(v))
		}
	case reg.BUFSTAT:
		// read-only
	default:
		b.vals[id] = v
	}

	fire, irq := b.shouldFire(raised)
	b.mu.Unlock()
	if fire {
		irq()
	}
}

func (b *Bank) shouldFire(raised bool) (bool, func()) {
	if !raised || b.irqMuted || b.irq == nil {
		return false, nil
	}
	if b.vals[reg.STAT]&b.vals[reg.IE] == 0 {
		return false, nil
	}
	return true, b.irq
}

func (b *Bank) raise(bits uint16) bool {
	b.vals[reg.STAT] |= bits
	return true
}

func (b *Bank) threshold(shift uint) int {
	return int((b.vals[reg.BUF]>>shift)&reg.BufThresholdMask) + 1
}

// start begins a bus transaction from SA, CNT and the direction in con.
func (b *Bank) start(con uint16) bool {
	addr := b.vals[reg.SA]
	b.vals[reg.STAT] |= reg.StatBB
	t, ok := b.targets[addr]
	if !ok {
		b.end()
		return b.raise(reg.StatNACK)
	}

	x := &transaction{
		target: t,
		count:  int(b.vals[reg.CNT]),
		tx:     con&reg.ConTRX != 0,
	}
	b.xfer = x
	if x.tx {
		return b.nextTX()
	}
	data := make([]byte, x.count)
	if err := t.Read(data); err != nil {
		b.end()
		return b.raise(reg.StatNACK)
	}
	x.pending = data
	return b.nextRX()
}

// nextTX raises the event asking for the next transmit burst, or finishes
// the transaction once every byte has been written.
func (b *Bank) nextTX() bool {
	x := b.xfer
	remaining := x.count - len(x.sent)
	if remaining == 0 {
		err := x.target.Write(x.sent)
		b.end()
		if err != nil {
			return b.raise(reg.StatNACK)
		}
		return b.raise(reg.StatARDY)
	}
	if remaining >= b.threshold(reg.BufTXTholdShift) {
		return b.raise(reg.StatXRDY)
	}
	return b.raise(reg.StatXDR)
}

// nextRX moves the next burst into the receive FIFO, or finishes the
// transaction once everything has been delivered.
func (b *Bank) nextRX() bool {
	x := b.xfer
	if len(x.pending) == 0 {
		b.end()
		return b.raise(reg.StatARDY)
	}
	th := b.threshold(reg.BufRXTholdShift)
	n := th
	if n > len(x.pending) {
		n = len(x.pending)
	}
	b.rxFIFO = append(b.rxFIFO, x.pending[:n]...)
	x.pending = x.pending[n:]
	if n == th {
		return b.raise(reg.StatRRDY)
	}
	return b.raise(reg.StatRDR)
}

// afterAck advances the running transaction once its ready event has been
// acknowledged.
func (b *Bank) afterAck(acked uint16) bool {
	x := b.xfer
	if x == nil {
		return false
	}
	stat := b.vals[reg.STAT]
	if x.tx {
		if acked&(reg.StatXRDY|reg.StatXDR) != 0 && stat&(reg.StatXRDY|reg.StatXDR) == 0 {
			return b.nextTX()
		}
		return false
	}
	if acked&(reg.StatRRDY|reg.StatRDR) != 0 && stat&(reg.StatRRDY|reg.StatRDR) == 0 {
		return b.nextRX()
	}
	return false
}

// end releases the bus after STOP.
func (b *Bank) end() {
	b.xfer = nil
	b.vals[reg.STAT] &^= reg.StatBB
}

// abort is the effect of clearing CON.EN: the module is held in reset.
func (b *Bank) abort() {
	b.xfer = nil
	b.rxFIFO = nil
	b.vals[reg.STAT] &^= reg.StatBB
}
