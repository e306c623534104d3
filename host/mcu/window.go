package mcu

import (
	"fmt"
	"sync"

	"omapi2c/protocol"
)

// orderHalfword selects 16-bit accesses in debug_read and debug_write.
const orderHalfword = 1

// RegisterWindow reaches a controller's registers on the device through
// debug_read and debug_write. It satisfies core.RegisterPort.
//
// Register accesses cannot fail at that interface, so the first error is
// kept: reads after it return 0 and writes are dropped until ResetErr.
type RegisterWindow struct {
	m    *MCU
	base uint32

	mu  sync.Mutex
	err error
}

// NewRegisterWindow maps the window at base on the device. The dictionary
// must be loaded and must offer the debug commands.
func NewRegisterWindow(m *MCU, base uint32) (*RegisterWindow, error) {
	if _, err := m.commandID("debug_read"); err != nil {
		return nil, err
	}
	if _, err := m.commandID("debug_write"); err != nil {
		return nil, err
	}
	if _, ok := m.dict.ResponseID("debug_result"); !ok {
		return nil, fmt.Errorf("unknown response: debug_result")
	}
	return &RegisterWindow{m: m, base: base}, nil
}

func (w *RegisterWindow) Read16(offset uint32) uint16 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return 0
	}
	resp, err := w.m.Query("debug_read", func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, orderHalfword)
		protocol.EncodeVLQUint(out, w.base+offset)
	}, "debug_result")
	if err != nil {
		w.err = fmt.Errorf("reading 0x%x: %w", w.base+offset, err)
		return 0
	}
	val, err := protocol.DecodeVLQUint(&resp)
	if err != nil {
		w.err = fmt.Errorf("decoding read of 0x%x: %w", w.base+offset, err)
		return 0
	}
	return uint16(val)
}

func (w *RegisterWindow) Write16(offset uint32, value uint16) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return
	}
	err := w.m.SendCommand("debug_write", func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, orderHalfword)
		protocol.EncodeVLQUint(out, w.base+offset)
		protocol.EncodeVLQUint(out, uint32(value))
	})
	if err != nil {
		w.err = fmt.Errorf("writing 0x%x: %w", w.base+offset, err)
	}
}

// Err returns the first access error, if any.
func (w *RegisterWindow) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// ResetErr clears the sticky error.
func (w *RegisterWindow) ResetErr() {
	w.mu.Lock()
	w.err = nil
	w.mu.Unlock()
}
