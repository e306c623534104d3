package core

import (
	"fmt"
	"sync"

	"tinygo.org/x/drivers"
)

// I2CBusID identifies a numbered bus (e.g., I2C0, I2C1).
type I2CBusID uint8

// I2CAddress is a 7-bit I2C device address.
type I2CAddress uint8

// I2CDriver is the bus-level interface consumers program against.
type I2CDriver interface {
	// ConfigureBus sets the frequency of a registered bus.
	ConfigureBus(bus I2CBusID, frequencyHz uint32) error

	// Write transmits data to a device at the given address on the bus.
	Write(bus I2CBusID, addr I2CAddress, data []byte) error

	// Read reads readLen bytes from a device. If regData is non-empty it is
	// written first as its own transaction.
	Read(bus I2CBusID, addr I2CAddress, regData []byte, readLen uint8) ([]byte, error)

	// GetBus returns the bus as a tinygo drivers.I2C so device drivers from
	// tinygo.org/x/drivers can run on it.
	GetBus(bus I2CBusID) (drivers.I2C, error)
}

// Registry holds numbered controllers and implements I2CDriver over them.
type Registry struct {
	mu    sync.RWMutex
	buses map[I2CBusID]*Controller
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{buses: make(map[I2CBusID]*Controller)}
}

// Add registers c as bus nr. A number can only be taken once.
func (r *Registry) Add(nr I2CBusID, c *Controller) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.buses[nr]; exists {
		return fmt.Errorf("i2c bus %d already registered", nr)
	}
	r.buses[nr] = c
	return nil
}

// Remove unregisters bus nr and returns its controller, if any.
func (r *Registry) Remove(nr I2CBusID) *Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.buses[nr]
	delete(r.buses, nr)
	return c
}

// Controller returns the controller registered as bus nr.
func (r *Registry) Controller(nr I2CBusID) (*Controller, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.buses[nr]
	if !ok {
		return nil, fmt.Errorf("%w: bus %d", ErrBusNotConfigured, nr)
	}
	return c, nil
}

// ConfigureBus changes the bus speed.
func (r *Registry) ConfigureBus(bus I2CBusID, frequencyHz uint32) error {
	c, err := r.Controller(bus)
	if err != nil {
		return err
	}
	return c.SetSpeed(frequencyHz / 1000)
}

// Write transmits data to a device at the given address.
func (r *Registry) Write(bus I2CBusID, addr I2CAddress, data []byte) error {
	c, err := r.Controller(bus)
	if err != nil {
		return err
	}
	return c.Tx(uint16(addr), data, nil)
}

// Read reads from a device, optionally writing a register address first.
func (r *Registry) Read(bus I2CBusID, addr I2CAddress, regData []byte, readLen uint8) ([]byte, error) {
	c, err := r.Controller(bus)
	if err != nil {
		return nil, err
	}
	readBuf := make([]byte, readLen)
	if err := c.Tx(uint16(addr), regData, readBuf); err != nil {
		return nil, err
	}
	return readBuf, nil
}

// GetBus returns the controller for bus as a drivers.I2C.
func (r *Registry) GetBus(bus I2CBusID) (drivers.I2C, error) {
	c, err := r.Controller(bus)
	if err != nil {
		return nil, err
	}
	return c, nil
}
