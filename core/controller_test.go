package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"omapi2c/reg"
	"omapi2c/sim"
)

func TestInitWriteOrder(t *testing.T) {
	bank := sim.NewBank()
	newSimController(t, bank, Config{})

	want := []sim.Access{
		{Write: true, Reg: reg.PSC, Value: 1},
		{Write: true, Reg: reg.SCLL, Value: 23},
		{Write: true, Reg: reg.SCLH, Value: 25},
		{Write: true, Reg: reg.CON, Value: 0},
		{Write: true, Reg: reg.CON, Value: reg.ConEN},
		{Write: true, Reg: reg.IE, Value: interruptMask},
		{Write: true, Reg: reg.BUF, Value: reg.BufRXFIFOClr | reg.BufTXFIFOClr},
		{Write: true, Reg: reg.STAT, Value: reg.StatAll},
	}
	if diff := cmp.Diff(want, bank.Writes()); diff != "" {
		t.Errorf("init write sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestNewDiscoversFIFOSize(t *testing.T) {
	for code, want := range []uint8{4, 8, 16, 32} {
		bank := sim.NewBank(sim.WithFIFODepth(uint16(code)))
		c := newSimController(t, bank, Config{})
		if c.FIFOSize() != want {
			t.Errorf("depth code %d: FIFOSize() = %d, want %d", code, c.FIFOSize(), want)
		}
	}
}

func TestRevisionV1Layout(t *testing.T) {
	bank := sim.NewBank(sim.WithRevision(reg.RevV1))
	c := newSimController(t, bank, Config{Revision: reg.RevV1})
	rec := &sim.Recorder{}
	bank.Attach(0x21, rec)

	if err := c.Tx(0x21, []byte{0xaa, 0x55}, nil); err != nil {
		t.Fatalf("Tx: %v", err)
	}
	if diff := cmp.Diff([][]byte{{0xaa, 0x55}}, rec.Writes()); diff != "" {
		t.Errorf("target writes mismatch (-want +got):\n%s", diff)
	}
}

func TestWaitForBusFree(t *testing.T) {
	bank := sim.NewBank()
	c := newSimController(t, bank, Config{Timeout: 20 * time.Millisecond})

	if err := c.WaitForBusFree(); err != nil {
		t.Fatalf("idle bus: %v", err)
	}

	bank.SetBusBusy(true)
	start := time.Now()
	err := c.WaitForBusFree()
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("stuck bus: err = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("gave up after %v, before the timeout", elapsed)
	}
	if Errno(err) != -110 {
		t.Errorf("Errno = %d, want -110", Errno(err))
	}
}

func TestNewToleratesBusyBus(t *testing.T) {
	bank := sim.NewBank()
	bank.SetBusBusy(true)
	c, err := New(bank, Config{Timeout: 10 * time.Millisecond, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("New with a busy bus: %v", err)
	}
	c.Close()
}

func TestClose(t *testing.T) {
	bank := sim.NewBank()
	c := newSimController(t, bank, Config{})

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if bank.Peek(reg.IE) != 0 {
		t.Errorf("IE = 0x%04x after Close, want 0", bank.Peek(reg.IE))
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := c.Transfer(context.Background(), []Msg{{Addr: 0x50, Buf: []byte{1}}}); err != ErrClosed {
		t.Errorf("Transfer after Close: %v, want ErrClosed", err)
	}
	if err := c.PolledTransfer(DiagnosticMessage()); err != ErrClosed {
		t.Errorf("PolledTransfer after Close: %v, want ErrClosed", err)
	}
}

func TestFunctionality(t *testing.T) {
	c := newSimController(t, sim.NewBank(), Config{})
	f := c.Functionality()
	if f&FuncI2C == 0 || f&FuncProtocolMangling == 0 {
		t.Errorf("Functionality() = 0x%08x, missing I2C or protocol mangling", f)
	}
	if f&FuncSMBusQuick != 0 {
		t.Errorf("Functionality() = 0x%08x advertises SMBus quick", f)
	}
	if f&FuncSMBusReadByteData == 0 {
		t.Errorf("Functionality() = 0x%08x, missing SMBus emulation", f)
	}
}
