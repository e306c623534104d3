// Package mcu talks to a Klipper-protocol device from the host: it fetches
// the data dictionary and resolves commands by name.
package mcu

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"omapi2c/host/serial"
	"omapi2c/protocol"
)

// Identify exchange ids are fixed by the protocol.
const (
	identifyResponseID = 0
	identifyID         = 1
	identifyChunk      = 40
)

// DefaultTimeout bounds each command/response exchange.
const DefaultTimeout = time.Second

// MCU is a connection to one device.
type MCU struct {
	transport *protocol.HostTransport
	log       logrus.FieldLogger
	timeout   time.Duration

	dict    *protocol.Dictionary
	rawDict []byte
}

// Open connects to the device described by cfg.
func Open(cfg *serial.Config, log logrus.FieldLogger) (*MCU, error) {
	port, err := serial.Open(cfg)
	if err != nil {
		return nil, err
	}
	return New(port, log), nil
}

// New runs the protocol over an already open port.
func New(port io.ReadWriteCloser, log logrus.FieldLogger) *MCU {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &MCU{
		transport: protocol.NewHostTransport(port, log),
		log:       log,
		timeout:   DefaultTimeout,
	}
}

// SetTimeout changes the per-exchange timeout.
func (m *MCU) SetTimeout(d time.Duration) { m.timeout = d }

// Close closes the connection.
func (m *MCU) Close() error {
	return m.transport.Close()
}

// RetrieveDictionary downloads and parses the data dictionary in identify
// chunks until a short chunk marks the end.
func (m *MCU) RetrieveDictionary() error {
	var raw bytes.Buffer
	for offset := uint32(0); ; {
		chunk, err := m.identify(offset)
		if err != nil {
			return fmt.Errorf("identify at offset %d: %w", offset, err)
		}
		raw.Write(chunk)
		offset += uint32(len(chunk))
		if len(chunk) < identifyChunk {
			break
		}
	}
	m.rawDict = raw.Bytes()

	dict, err := protocol.DecodeDictionary(m.rawDict)
	if err != nil {
		return err
	}
	m.dict = dict
	m.log.WithFields(logrus.Fields{
		"bytes":     len(m.rawDict),
		"commands":  len(dict.Commands),
		"responses": len(dict.Responses),
		"version":   dict.Version,
	}).Info("dictionary retrieved")
	return nil
}

func (m *MCU) identify(offset uint32) ([]byte, error) {
	resp, err := m.transport.Call(identifyID, func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, offset)
		protocol.EncodeVLQUint(out, identifyChunk)
	}, identifyResponseID, m.timeout)
	if err != nil {
		return nil, err
	}
	got, err := protocol.DecodeVLQUint(&resp)
	if err != nil {
		return nil, err
	}
	if got != offset {
		return nil, fmt.Errorf("offset mismatch: asked %d, got %d", offset, got)
	}
	data, err := protocol.DecodeVLQBytes(&resp)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), data...), nil
}

// Dictionary returns the parsed dictionary, nil before RetrieveDictionary.
func (m *MCU) Dictionary() *protocol.Dictionary { return m.dict }

// RawDictionary returns the dictionary as received.
func (m *MCU) RawDictionary() []byte { return m.rawDict }

func (m *MCU) commandID(name string) (uint16, error) {
	if m.dict == nil {
		return 0, fmt.Errorf("dictionary not loaded")
	}
	id, ok := m.dict.CommandID(name)
	if !ok {
		return 0, fmt.Errorf("unknown command: %s", name)
	}
	return id, nil
}

// SendCommand sends the named command and waits for its ack.
func (m *MCU) SendCommand(name string, args func(output protocol.OutputBuffer)) error {
	id, err := m.commandID(name)
	if err != nil {
		return err
	}
	return m.transport.SendCommandWithTimeout(id, args, m.timeout)
}

// Query sends the named command and returns the arguments of the named
// response.
func (m *MCU) Query(name string, args func(output protocol.OutputBuffer), response string) ([]byte, error) {
	id, err := m.commandID(name)
	if err != nil {
		return nil, err
	}
	respID, ok := m.dict.ResponseID(response)
	if !ok {
		return nil, fmt.Errorf("unknown response: %s", response)
	}
	return m.transport.Call(id, args, respID, m.timeout)
}
