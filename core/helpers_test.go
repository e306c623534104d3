package core

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"omapi2c/reg"
	"omapi2c/sim"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// newSimController attaches a controller to bank and wires the bank's
// interrupt line to the fast stage.
func newSimController(t *testing.T, bank *sim.Bank, cfg Config) *Controller {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 500 * time.Millisecond
	}
	c, err := New(bank, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	bank.SetIRQ(func() { c.HandleIRQ() })
	t.Cleanup(func() { c.Close() })
	return c
}

// dataWrites returns the bytes written to DATA, in order.
func dataWrites(bank *sim.Bank) []byte {
	var out []byte
	for _, a := range bank.Writes(reg.DATA) {
		out = append(out, byte(a.Value))
	}
	return out
}

func countEvents(c *Controller, kind EventKind) int {
	n := 0
	for _, e := range c.Events() {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// waitFor polls cond for up to a second.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// memPort is a register window with nothing behind it: writes are stored,
// STAT is write-1-to-clear and no event is ever raised.
type memPort struct {
	mu   sync.Mutex
	regs *reg.Map
	vals [reg.NumIDs]uint16
}

func newMemPort() *memPort {
	return &memPort{regs: reg.MapFor(reg.RevV2)}
}

func (p *memPort) Read16(off uint32) uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, _ := p.regs.Lookup(off)
	return p.vals[id]
}

func (p *memPort) Write16(off uint32, v uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, _ := p.regs.Lookup(off)
	if id == reg.STAT {
		p.vals[id] &^= v
		return
	}
	p.vals[id] = v
}
