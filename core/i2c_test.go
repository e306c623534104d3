package core

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"omapi2c/protocol"
	"omapi2c/sim"
)

// encode builds the argument block of one command.
func encode(args ...interface{}) []byte {
	out := protocol.NewScratchOutput()
	for _, a := range args {
		switch v := a.(type) {
		case int:
			protocol.EncodeVLQUint(out, uint32(v))
		case []byte:
			protocol.EncodeVLQBytes(out, v)
		}
	}
	return append([]byte(nil), out.Result()...)
}

func dispatch(t *testing.T, cmds *protocol.CommandRegistry, name string, args ...interface{}) error {
	t.Helper()
	id, ok := cmds.ID(name)
	if !ok {
		t.Fatalf("%s not registered", name)
	}
	data := encode(args...)
	return cmds.Dispatch(id, &data)
}

func TestI2CCommands(t *testing.T) {
	bank := sim.NewBank()
	c := newSimController(t, bank, Config{})
	rec := &sim.Recorder{}
	rec.Respond([]byte{0x42})
	bank.Attach(0x76, rec)

	buses := NewRegistry()
	if err := buses.Add(0, c); err != nil {
		t.Fatal(err)
	}
	cmds := protocol.NewCommandRegistry()
	var sent [][]byte
	h := buses.RegisterCommands(cmds, func(id uint16, args func(protocol.OutputBuffer)) {
		out := protocol.NewScratchOutput()
		protocol.EncodeVLQUint(out, uint32(id))
		args(out)
		sent = append(sent, append([]byte(nil), out.Result()...))
	})

	if err := dispatch(t, cmds, "i2c_write", 7, []byte{1}); err == nil {
		t.Error("i2c_write on an unknown oid succeeded")
	}
	if err := dispatch(t, cmds, "config_i2c", 7); err != nil {
		t.Fatalf("config_i2c: %v", err)
	}
	if err := dispatch(t, cmds, "i2c_write", 7, []byte{1}); err == nil {
		t.Error("i2c_write before i2c_set_bus succeeded")
	}
	if err := dispatch(t, cmds, "i2c_set_bus", 7, 0, 400000, 0xf6); err != nil {
		t.Fatalf("i2c_set_bus: %v", err)
	}
	if d, _ := h.Device(7); !d.Ready || d.Address != 0x76 {
		t.Errorf("device = %+v, want ready at 0x76", d)
	}

	if err := dispatch(t, cmds, "i2c_write", 7, []byte{0xf4, 0x27}); err != nil {
		t.Fatalf("i2c_write: %v", err)
	}
	if err := dispatch(t, cmds, "i2c_read", 7, []byte{0xd0}, 1); err != nil {
		t.Fatalf("i2c_read: %v", err)
	}
	if diff := cmp.Diff([][]byte{{0xf4, 0x27}, {0xd0}}, rec.Writes()); diff != "" {
		t.Errorf("target writes mismatch (-want +got):\n%s", diff)
	}

	if err := dispatch(t, cmds, "i2c_read", 7, []byte{0xd0}, 256); err == nil {
		t.Error("i2c_read of 256 bytes succeeded")
	}
	if got := len(rec.Writes()); got != 2 {
		t.Errorf("oversized read reached the bus: %d target writes", got)
	}

	respID, _ := cmds.ID("i2c_read_response")
	want := encode(int(respID), 7, []byte{0x42})
	if diff := cmp.Diff([][]byte{want}, sent); diff != "" {
		t.Errorf("responses mismatch (-want +got):\n%s", diff)
	}

	if err := dispatch(t, cmds, "i2c_set_bus", 8, 0, 400000, 0x10); err == nil {
		t.Error("i2c_set_bus on an unknown oid succeeded")
	}
}
