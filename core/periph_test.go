package core

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"

	"omapi2c/sim"
)

func TestPeriphRegistration(t *testing.T) {
	bank := sim.NewBank()
	c := newSimController(t, bank, Config{Name: "omap-test"})
	rec := &sim.Recorder{}
	rec.Respond([]byte{0x60})
	bank.Attach(0x77, rec)

	if err := RegisterPeriph("omap-test", 42, c); err != nil {
		t.Fatalf("RegisterPeriph: %v", err)
	}
	defer UnregisterPeriph("omap-test")

	bus, err := i2creg.Open("omap-test")
	if err != nil {
		t.Fatalf("i2creg.Open: %v", err)
	}
	defer bus.Close()
	if bus.String() != "omap-test" {
		t.Errorf("String() = %q", bus.String())
	}

	dev := &i2c.Dev{Bus: bus, Addr: 0x77}
	got := make([]byte, 1)
	if err := dev.Tx([]byte{0xd0}, got); err != nil {
		t.Fatalf("Tx: %v", err)
	}
	if got[0] != 0x60 {
		t.Errorf("chip id = 0x%02x, want 0x60", got[0])
	}
	if diff := cmp.Diff([][]byte{{0xd0}}, rec.Writes()); diff != "" {
		t.Errorf("target writes mismatch (-want +got):\n%s", diff)
	}

	if err := bus.SetSpeed(100 * physic.KiloHertz); err != nil {
		t.Fatalf("SetSpeed: %v", err)
	}
	if c.Speed() != 100 {
		t.Errorf("Speed() = %d, want 100", c.Speed())
	}
}
