package core

import (
	"context"
	"errors"

	"omapi2c/reg"
)

var (
	ErrTimeout          = errors.New("i2c: timeout")
	ErrNack             = errors.New("i2c: no acknowledgment from target")
	ErrArbitrationLost  = errors.New("i2c: arbitration lost")
	ErrOverrunUnderflow = errors.New("i2c: fifo overrun or underflow")
	ErrInvalidSpeed     = errors.New("i2c: invalid bus speed")
	ErrInvalidAddress   = errors.New("i2c: invalid target address")
	ErrMessageTooLong   = errors.New("i2c: message exceeds count register")
	ErrPolledTooLong    = errors.New("i2c: message too long for polled transfer")
	ErrClosed           = errors.New("i2c: controller closed")
	ErrBusNotConfigured = errors.New("i2c: bus not configured")
)

// Negative error codes of the bus-subsystem contract.
const (
	errnoEIO       = -5
	errnoEAGAIN    = -11
	errnoETIMEDOUT = -110
	errnoEREMOTEIO = -121
)

// Errno maps a transfer error to the negative code reported upstream.
// A nil error maps to 0.
func Errno(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return errnoETIMEDOUT
	case errors.Is(err, ErrNack):
		return errnoEREMOTEIO
	case errors.Is(err, ErrArbitrationLost):
		return errnoEAGAIN
	default:
		return errnoEIO
	}
}

// statusError converts accumulated status error bits to an error.
func statusError(bits uint16) error {
	switch {
	case bits&reg.StatNACK != 0:
		return ErrNack
	case bits&reg.StatAL != 0:
		return ErrArbitrationLost
	case bits&(reg.StatROVR|reg.StatXUDF) != 0:
		return ErrOverrunUnderflow
	}
	return nil
}
