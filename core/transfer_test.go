package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"omapi2c/reg"
	"omapi2c/sim"
)

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(0xa0 + i)
	}
	return b
}

func TestTransferWritePumpsInThresholdBursts(t *testing.T) {
	bank := sim.NewBank() // 8-byte usable FIFO
	c := newSimController(t, bank, Config{})
	rec := &sim.Recorder{}
	bank.Attach(0x20, rec)
	bank.ResetTrace()
	c.ClearEvents()

	data := payload(20)
	n, err := c.Transfer(context.Background(), []Msg{{Addr: 0x20, Buf: data}})
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if n != 1 {
		t.Errorf("Transfer returned %d, want 1", n)
	}
	if diff := cmp.Diff(data, dataWrites(bank)); diff != "" {
		t.Errorf("DATA writes mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]byte{data}, rec.Writes()); diff != "" {
		t.Errorf("target saw (-want +got):\n%s", diff)
	}

	// 20 bytes with threshold 8: two full bursts, then a 4-byte drain.
	if got := countEvents(c, EvtXRDY); got != 2 {
		t.Errorf("XRDY events = %d, want 2", got)
	}
	if got := countEvents(c, EvtXDR); got != 1 {
		t.Errorf("XDR events = %d, want 1", got)
	}
	if got := countEvents(c, EvtComplete); got != 1 {
		t.Errorf("COMPLETE events = %d, want 1", got)
	}
	if s := c.Stats(); s.Completions != 1 || s.Messages != 1 || s.Transfers != 1 {
		t.Errorf("Stats() = %+v", s)
	}

	// The TX threshold field holds threshold-1 and the RX field is untouched.
	var bufWrite uint16
	for _, a := range bank.Writes(reg.BUF) {
		bufWrite = a.Value
		break
	}
	if got := bufWrite & reg.BufThresholdMask; got != 7 {
		t.Errorf("TX threshold field = %d, want 7", got)
	}
	if got := (bufWrite >> reg.BufRXTholdShift) & reg.BufThresholdMask; got != 0 {
		t.Errorf("RX threshold field = %d, want 0", got)
	}
}

func TestTransferReadDrainsInOrder(t *testing.T) {
	bank := sim.NewBank()
	c := newSimController(t, bank, Config{})
	rec := &sim.Recorder{}
	want := payload(11)
	rec.Respond(want)
	bank.Attach(0x3c, rec)
	c.ClearEvents()

	got := make([]byte, len(want))
	n, err := c.Transfer(context.Background(), []Msg{{Addr: 0x3c, Flags: MsgRead, Buf: got}})
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if n != 1 {
		t.Errorf("Transfer returned %d, want 1", n)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("read data mismatch (-want +got):\n%s", diff)
	}
	if countEvents(c, EvtRRDY) != 1 || countEvents(c, EvtRDR) != 1 {
		t.Errorf("events = %v, want one RRDY and one RDR", c.Events())
	}
	if bank.RXFIFOLen() != 0 {
		t.Errorf("%d bytes left in the receive FIFO", bank.RXFIFOLen())
	}
}

func TestTransferBatch(t *testing.T) {
	bank := sim.NewBank()
	c := newSimController(t, bank, Config{})
	eeprom := sim.NewEEPROM(512)
	bank.Attach(0x50, eeprom)

	msgs := []Msg{
		{Addr: 0x50, Buf: []byte{0x01, 0x00, 1, 2, 3, 4, 5, 6, 7, 8, 9}},
		{Addr: 0x50, Buf: []byte{0x01, 0x00}},
		{Addr: 0x50, Flags: MsgRead, Buf: make([]byte, 9)},
	}
	n, err := c.Transfer(context.Background(), msgs)
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if n != len(msgs) {
		t.Errorf("Transfer returned %d, want %d", n, len(msgs))
	}
	if diff := cmp.Diff([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9}, msgs[2].Buf); diff != "" {
		t.Errorf("read back mismatch (-want +got):\n%s", diff)
	}
	if got := c.Stats().Completions; got != 3 {
		t.Errorf("Completions = %d, want 3", got)
	}
}

func TestTransferZeroLength(t *testing.T) {
	bank := sim.NewBank()
	c := newSimController(t, bank, Config{})
	rec := &sim.Recorder{}
	bank.Attach(0x10, rec)

	if _, err := c.Transfer(context.Background(), []Msg{{Addr: 0x10}}); err != nil {
		t.Fatalf("zero-length write: %v", err)
	}
	if _, err := c.Transfer(context.Background(), []Msg{{Addr: 0x11}}); !errors.Is(err, ErrNack) {
		t.Errorf("zero-length probe of an empty address: %v, want ErrNack", err)
	}
}

func TestTransferNack(t *testing.T) {
	bank := sim.NewBank()
	c := newSimController(t, bank, Config{})
	c.ClearEvents()

	n, err := c.Transfer(context.Background(), []Msg{
		{Addr: 0x42, Buf: []byte{1, 2}},
		{Addr: 0x42, Flags: MsgRead, Buf: make([]byte, 2)},
	})
	if !errors.Is(err, ErrNack) {
		t.Fatalf("err = %v, want ErrNack", err)
	}
	if n != 0 {
		t.Errorf("Transfer returned %d after a failure, want 0", n)
	}
	if Errno(err) != -121 {
		t.Errorf("Errno = %d, want -121", Errno(err))
	}
	if countEvents(c, EvtNACK) != 1 {
		t.Errorf("events = %v, want a single NACK (batch abandoned)", c.Events())
	}
	if s := c.Stats(); s.Messages != 0 || s.Completions != 1 {
		t.Errorf("Stats() = %+v", s)
	}

	// STOP is forced after the NACK.
	cons := bank.Writes(reg.CON)
	last := cons[len(cons)-1].Value
	if last&reg.ConSTP == 0 || last&reg.ConSTT != 0 {
		t.Errorf("last CON write 0x%04x, want STP without STT", last)
	}
	checkCleanExit(t, bank)
	if got := bank.Peek(reg.STAT); got != 0 {
		t.Errorf("STAT = 0x%04x after the NACK, want 0", got)
	}
}

func TestTransferArbitrationLost(t *testing.T) {
	bank := sim.NewBank()
	c := newSimController(t, bank, Config{})
	rec := &sim.Recorder{}
	bank.Attach(0x20, rec)
	bank.MuteIRQ(true)

	done := make(chan error, 1)
	go func() {
		_, err := c.Transfer(context.Background(), []Msg{{Addr: 0x20, Buf: payload(12)}})
		done <- err
	}()
	waitFor(t, "transfer to arm", func() bool { return countEvents(c, EvtArm) > 0 && bank.Peek(reg.STAT)&reg.StatXRDY != 0 })

	bank.MuteIRQ(false)
	bank.Raise(reg.StatAL)

	err := <-done
	if !errors.Is(err, ErrArbitrationLost) {
		t.Fatalf("err = %v, want ErrArbitrationLost", err)
	}
	if Errno(err) != -11 {
		t.Errorf("Errno = %d, want -11", Errno(err))
	}
	checkCleanExit(t, bank)
}

func TestTransferTimeoutWhenIRQStuck(t *testing.T) {
	bank := sim.NewBank()
	c := newSimController(t, bank, Config{Timeout: 30 * time.Millisecond})
	rec := &sim.Recorder{}
	bank.Attach(0x20, rec)
	bank.MuteIRQ(true)
	bank.ResetTrace()

	start := time.Now()
	n, err := c.Transfer(context.Background(), []Msg{{Addr: 0x20, Buf: payload(4)}})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("returned after %v, before the timeout", elapsed)
	}
	if n != 0 || Errno(err) != -110 {
		t.Errorf("n = %d, Errno = %d; want 0, -110", n, Errno(err))
	}
	if got := c.Stats().Timeouts; got != 1 {
		t.Errorf("Timeouts = %d, want 1", got)
	}
	if countEvents(c, EvtTimeout) != 1 {
		t.Errorf("no TIMEOUT event in %v", c.Events())
	}

	// FIFOs cleared and status acknowledged after the start.
	writes := bank.Writes()
	startAt := -1
	for i, a := range writes {
		if a.Reg == reg.CON && a.Value&reg.ConSTT != 0 {
			startAt = i
		}
	}
	if startAt < 0 {
		t.Fatal("no START written")
	}
	var cleared, acked bool
	for _, a := range writes[startAt+1:] {
		if a.Reg == reg.BUF && a.Value&(reg.BufRXFIFOClr|reg.BufTXFIFOClr) == reg.BufRXFIFOClr|reg.BufTXFIFOClr {
			cleared = true
		}
		if a.Reg == reg.STAT && a.Value == reg.StatAll {
			acked = true
		}
	}
	if !cleared || !acked {
		t.Errorf("after timeout: FIFOs cleared %v, status cleared %v", cleared, acked)
	}

	// The controller recovers once interrupts flow again.
	bank.MuteIRQ(false)
	if _, err := c.Transfer(context.Background(), []Msg{{Addr: 0x20, Buf: payload(4)}}); err != nil {
		t.Fatalf("transfer after recovery: %v", err)
	}
}

func TestTransferCleansUpOnSuccess(t *testing.T) {
	bank := sim.NewBank()
	c := newSimController(t, bank, Config{})
	bank.Attach(0x20, &sim.Recorder{})
	bank.ResetTrace()

	if _, err := c.Transfer(context.Background(), []Msg{{Addr: 0x20, Buf: payload(3)}}); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	checkCleanExit(t, bank)
}

// checkCleanExit asserts that a transfer ended by clearing both FIFOs and
// then acknowledging every status bit.
func checkCleanExit(t *testing.T, bank *sim.Bank) {
	t.Helper()
	writes := bank.Writes()
	if len(writes) < 2 {
		t.Fatalf("only %d writes recorded", len(writes))
	}
	tail := writes[len(writes)-2:]
	if tail[0].Reg != reg.BUF || tail[0].Value&(reg.BufRXFIFOClr|reg.BufTXFIFOClr) != reg.BufRXFIFOClr|reg.BufTXFIFOClr {
		t.Errorf("second to last write %v, want a FIFO clear", tail[0])
	}
	if diff := cmp.Diff(sim.Access{Write: true, Reg: reg.STAT, Value: reg.StatAll}, tail[1]); diff != "" {
		t.Errorf("last write mismatch (-want +got):\n%s", diff)
	}
}

func TestTransferContextCanceled(t *testing.T) {
	bank := sim.NewBank()
	c := newSimController(t, bank, Config{Timeout: time.Second})
	bank.Attach(0x20, &sim.Recorder{})
	bank.MuteIRQ(true)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.Transfer(ctx, []Msg{{Addr: 0x20, Buf: payload(2)}})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestTransferValidation(t *testing.T) {
	bank := sim.NewBank()
	c := newSimController(t, bank, Config{})
	bank.ResetTrace()

	testCases := []struct {
		msg  Msg
		want error
	}{
		{Msg{Addr: 0x80, Buf: []byte{1}}, ErrInvalidAddress},
		{Msg{Addr: 0x400, Flags: MsgTen, Buf: []byte{1}}, ErrInvalidAddress},
		{Msg{Addr: 0x50, Buf: make([]byte, 0x10000)}, ErrMessageTooLong},
	}
	for _, tc := range testCases {
		msgs := []Msg{{Addr: 0x50, Buf: []byte{0}}, tc.msg}
		if _, err := c.Transfer(context.Background(), msgs); !errors.Is(err, tc.want) {
			t.Errorf("Transfer(%#x, %d bytes): err = %v, want %v", tc.msg.Addr, len(tc.msg.Buf), err, tc.want)
		}
	}
	if len(bank.Writes()) != 0 {
		t.Errorf("invalid batches touched the controller: %v", bank.Writes())
	}
}

func TestTransferTenBitAddress(t *testing.T) {
	bank := sim.NewBank()
	c := newSimController(t, bank, Config{})
	rec := &sim.Recorder{}
	bank.Attach(0x2a5, rec)

	if _, err := c.Transfer(context.Background(), []Msg{{Addr: 0x2a5, Flags: MsgTen, Buf: []byte{9}}}); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	var start uint16
	for _, a := range bank.Writes(reg.CON) {
		if a.Value&reg.ConSTT != 0 {
			start = a.Value
		}
	}
	want := reg.ConEN | reg.ConMST | reg.ConTRX | reg.ConXA | reg.ConSTP | reg.ConSTT
	if start != want {
		t.Errorf("START CON = 0x%04x, want 0x%04x", start, want)
	}
}

// scriptPort raises transmit-ready a fixed number of times after START and
// access-ready after that, regardless of how many bytes were written.
type scriptPort struct {
	mu     sync.Mutex
	regs   *reg.Map
	vals   [reg.NumIDs]uint16
	xrdy   int
	data   []byte
	irq    func()
	raised bool

	// bursts holds the number of DATA writes made for each acknowledged
	// transmit-ready.
	bursts []int
	burst  int
}

func (p *scriptPort) Read16(off uint32) uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, _ := p.regs.Lookup(off)
	return p.vals[id]
}

func (p *scriptPort) Write16(off uint32, v uint16) {
	p.mu.Lock()
	id, _ := p.regs.Lookup(off)
	fire := false
	switch id {
	case reg.STAT:
		p.vals[reg.STAT] &^= v
		if v&reg.StatXRDY != 0 && p.raised {
			p.bursts = append(p.bursts, p.burst)
			p.burst = 0
			p.xrdy--
			if p.xrdy > 0 {
				p.vals[reg.STAT] |= reg.StatXRDY
			} else {
				p.vals[reg.STAT] |= reg.StatARDY
				p.raised = false
			}
			fire = true
		}
	case reg.DATA:
		p.data = append(p.data, byte(v))
		p.burst++
	case reg.CON:
		p.vals[reg.CON] = v &^ reg.ConSTT
		if v&reg.ConSTT != 0 {
			p.vals[reg.STAT] |= reg.StatXRDY
			p.raised = true
			fire = true
		}
	case reg.BUFSTAT:
	default:
		p.vals[id] = v
	}
	irq := p.irq
	p.mu.Unlock()
	if fire && irq != nil {
		irq()
	}
}

func TestTransferScriptedTransmitReady(t *testing.T) {
	port := &scriptPort{regs: reg.MapFor(reg.RevV2), xrdy: 3}
	c, err := New(port, Config{Logger: quietLogger(), Timeout: 500 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()
	port.mu.Lock()
	port.irq = func() { c.HandleIRQ() }
	port.mu.Unlock()

	// Ten bytes through a 4-byte usable FIFO: each transmit-ready moves one
	// threshold-sized burst and advances the cursor by what it wrote.
	data := payload(10)
	n, err := c.Transfer(context.Background(), []Msg{{Addr: 0x50, Buf: data}})
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if n != 1 {
		t.Errorf("Transfer returned %d, want 1", n)
	}
	if c.FIFOSize() != 4 {
		t.Fatalf("FIFOSize() = %d, want 4", c.FIFOSize())
	}

	port.mu.Lock()
	defer port.mu.Unlock()
	if diff := cmp.Diff(data, port.data); diff != "" {
		t.Errorf("DATA writes mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{4, 4, 2}, port.bursts); diff != "" {
		t.Errorf("bytes per transmit-ready mismatch (-want +got):\n%s", diff)
	}
	if got := countEvents(c, EvtXRDY); got != 3 {
		t.Errorf("XRDY events = %d, want 3", got)
	}
	if got := c.Stats().Completions; got != 1 {
		t.Errorf("gate fired %d times, want 1", got)
	}
}
