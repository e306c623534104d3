package mcu

import (
	"fmt"

	"omapi2c/protocol"
)

// I2C is a target on a device-side bus, driven through Klipper's I2C
// object commands. The device runs the transfers itself.
type I2C struct {
	m   *MCU
	oid uint8
}

// NewI2C allocates object oid on the device and binds it to addr on bus,
// running at rate Hz.
func (m *MCU) NewI2C(oid uint8, bus uint8, rate uint32, addr uint8) (*I2C, error) {
	err := m.SendCommand("config_i2c", func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, uint32(oid))
	})
	if err != nil {
		return nil, fmt.Errorf("config_i2c: %w", err)
	}
	err = m.SendCommand("i2c_set_bus", func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, uint32(oid))
		protocol.EncodeVLQUint(out, uint32(bus))
		protocol.EncodeVLQUint(out, rate)
		protocol.EncodeVLQUint(out, uint32(addr))
	})
	if err != nil {
		return nil, fmt.Errorf("i2c_set_bus: %w", err)
	}
	return &I2C{m: m, oid: oid}, nil
}

// Write sends data to the target.
func (d *I2C) Write(data []byte) error {
	return d.m.SendCommand("i2c_write", func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, uint32(d.oid))
		protocol.EncodeVLQBytes(out, data)
	})
}

// Read writes reg (which may be empty) and then reads n bytes.
func (d *I2C) Read(reg []byte, n int) ([]byte, error) {
	resp, err := d.m.Query("i2c_read", func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, uint32(d.oid))
		protocol.EncodeVLQBytes(out, reg)
		protocol.EncodeVLQUint(out, uint32(n))
	}, "i2c_read_response")
	if err != nil {
		return nil, err
	}
	oid, err := protocol.DecodeVLQUint(&resp)
	if err != nil {
		return nil, err
	}
	if uint8(oid) != d.oid {
		return nil, fmt.Errorf("i2c_read_response for oid %d, want %d", oid, d.oid)
	}
	data, err := protocol.DecodeVLQBytes(&resp)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), data...), nil
}
