package core

import (
	"fmt"
	"sync"

	"omapi2c/protocol"
)

// I2CDevice is a target configured through config_i2c and i2c_set_bus.
type I2CDevice struct {
	OID     uint8
	Bus     I2CBusID
	Address I2CAddress // 7-bit
	Ready   bool       // bus configured
}

// SendFunc sends a response with the given id.
type SendFunc func(id uint16, args func(output protocol.OutputBuffer))

// I2CCommands serves Klipper's I2C object commands on the buses of a
// registry.
type I2CCommands struct {
	buses    *Registry
	send     SendFunc
	respRead uint16

	mu      sync.Mutex
	devices map[uint8]*I2CDevice
}

// RegisterCommands adds config_i2c, i2c_set_bus, i2c_write, i2c_read and
// the i2c_read_response response to cmds, backed by r.
func (r *Registry) RegisterCommands(cmds *protocol.CommandRegistry, send SendFunc) *I2CCommands {
	h := &I2CCommands{
		buses:   r,
		send:    send,
		devices: make(map[uint8]*I2CDevice),
	}
	cmds.Register("config_i2c", "oid=%c", h.handleConfig)
	cmds.Register("i2c_set_bus", "oid=%c i2c_bus=%u rate=%u address=%u", h.handleSetBus)
	cmds.Register("i2c_write", "oid=%c data=%*s", h.handleWrite)
	cmds.Register("i2c_read", "oid=%c reg=%*s read_len=%u", h.handleRead)
	h.respRead = cmds.RegisterResponse("i2c_read_response", "oid=%c response=%*s")
	return h
}

// Device returns a copy of the device configured as oid.
func (h *I2CCommands) Device(oid uint8) (I2CDevice, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.devices[oid]
	if !ok {
		return I2CDevice{}, false
	}
	return *d, true
}

func (h *I2CCommands) ready(oid uint32) (*I2CDevice, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.devices[uint8(oid)]
	if !ok {
		return nil, fmt.Errorf("i2c oid %d not configured", oid)
	}
	if !d.Ready {
		return nil, fmt.Errorf("i2c oid %d has no bus", oid)
	}
	return d, nil
}

// config_i2c oid=%c
func (h *I2CCommands) handleConfig(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.devices[uint8(oid)] = &I2CDevice{OID: uint8(oid)}
	h.mu.Unlock()
	return nil
}

// i2c_set_bus oid=%c i2c_bus=%u rate=%u address=%u
func (h *I2CCommands) handleSetBus(data *[]byte) error {
	var args [4]uint32
	for i := range args {
		v, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
		args[i] = v
	}
	oid, bus, rate, addr := args[0], args[1], args[2], args[3]

	h.mu.Lock()
	d, ok := h.devices[uint8(oid)]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("i2c oid %d not configured", oid)
	}
	if err := h.buses.ConfigureBus(I2CBusID(bus), rate); err != nil {
		return err
	}

	h.mu.Lock()
	d.Bus = I2CBusID(bus)
	d.Address = I2CAddress(addr & 0x7f)
	d.Ready = true
	h.mu.Unlock()
	return nil
}

// i2c_write oid=%c data=%*s
func (h *I2CCommands) handleWrite(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	payload, err := protocol.DecodeVLQBytes(data)
	if err != nil {
		return err
	}
	d, err := h.ready(oid)
	if err != nil {
		return err
	}
	return h.buses.Write(d.Bus, d.Address, payload)
}

// i2c_read oid=%c reg=%*s read_len=%u
func (h *I2CCommands) handleRead(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	regData, err := protocol.DecodeVLQBytes(data)
	if err != nil {
		return err
	}
	n, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	if n > 0xff {
		return fmt.Errorf("i2c_read: read_len %d exceeds 255", n)
	}
	d, err := h.ready(oid)
	if err != nil {
		return err
	}
	resp, err := h.buses.Read(d.Bus, d.Address, regData, uint8(n))
	if err != nil {
		return err
	}
	h.send(h.respRead, func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, oid)
		protocol.EncodeVLQBytes(output, resp)
	})
	return nil
}
