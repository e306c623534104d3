// Package serial opens the byte stream to a Klipper device: a tty through
// github.com/tarm/serial, or a TCP endpoint such as the simulator's.
package serial

import (
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/tarm/serial"
)

// Port is an open connection to a device.
type Port interface {
	io.ReadWriteCloser

	// Flush discards any buffered input and output.
	Flush() error
}

// Config holds the connection settings.
type Config struct {
	// Device is a tty path ("/dev/ttyACM0", "COM3") or "tcp://host:port".
	Device string

	// Baud is ignored by USB CDC devices and TCP.
	Baud int

	// ReadTimeout bounds each read; zero blocks.
	ReadTimeout time.Duration
}

// DefaultBaud is Klipper's standard UART rate.
const DefaultBaud = 250000

// DefaultConfig returns the usual settings for device.
func DefaultConfig(device string) *Config {
	return &Config{
		Device:      device,
		Baud:        DefaultBaud,
		ReadTimeout: 100 * time.Millisecond,
	}
}

// Open connects according to cfg.
func Open(cfg *Config) (Port, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if addr, ok := strings.CutPrefix(cfg.Device, "tcp://"); ok {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dialing %s: %w", addr, err)
		}
		return &netPort{Conn: conn}, nil
	}

	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Device, err)
	}
	return &ttyPort{Port: port}, nil
}

type ttyPort struct {
	*serial.Port
}

func (p *ttyPort) Read(b []byte) (int, error) {
	n, err := p.Port.Read(b)
	if n == 0 && err == io.EOF {
		// tarm/serial reports a read timeout as EOF
		return 0, errReadTimeout
	}
	return n, err
}

func (p *ttyPort) Flush() error { return p.Port.Flush() }

type netPort struct {
	net.Conn
}

func (p *netPort) Flush() error { return nil }

type timeoutError struct{}

func (timeoutError) Error() string   { return "serial: read timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var errReadTimeout error = timeoutError{}
