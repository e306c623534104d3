package sim

import (
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"omapi2c/protocol"
)

// DefaultBase is the physical address the firmware maps the bank at,
// the first I2C controller on OMAP4.
const DefaultBase = 0x48070000

// identifyChunk is the largest identify reply that fits one message block.
const identifyChunk = 40

// Firmware serves a Bank over the Klipper protocol the way a microcontroller
// running Klipper exposes its address space: identify publishes the data
// dictionary, debug_read and debug_write access memory by address.
type Firmware struct {
	bank     *Bank
	base     uint32
	log      logrus.FieldLogger
	registry *protocol.CommandRegistry
	dict     []byte

	transport *protocol.Transport
	respIdent uint16
	respDebug uint16
}

// FirmwareOption configures a Firmware.
type FirmwareOption func(*Firmware)

// WithCommands lets register add commands to the firmware after the
// built-in ones. send emits a response on the active connection.
func WithCommands(register func(cmds *protocol.CommandRegistry, send func(id uint16, args func(protocol.OutputBuffer)))) FirmwareOption {
	return func(f *Firmware) {
		register(f.registry, f.send)
	}
}

// NewFirmware maps bank at base. A compressed dictionary is published when
// compress is set.
func NewFirmware(bank *Bank, base uint32, compress bool, log logrus.FieldLogger, opts ...FirmwareOption) (*Firmware, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	f := &Firmware{
		bank:     bank,
		base:     base,
		log:      log.WithField("component", "sim-firmware"),
		registry: protocol.NewCommandRegistry(),
	}
	// identify_response and identify must be ids 0 and 1.
	f.respIdent = f.registry.RegisterResponse("identify_response", "offset=%u data=%.*s")
	f.registry.Register("identify", "offset=%u count=%c", f.handleIdentify)
	f.registry.Register("debug_read", "order=%c addr=%u", f.handleDebugRead)
	f.respDebug = f.registry.RegisterResponse("debug_result", "val=%u")
	f.registry.Register("debug_write", "order=%c addr=%u val=%u", f.handleDebugWrite)
	for _, opt := range opts {
		opt(f)
	}

	dict, err := f.registry.Dictionary(map[string]interface{}{
		"MCU":          "omapi2c-sim",
		"CLOCK_FREQ":   48000000,
		"I2C_BASE":     base,
		"I2C_REGS_LEN": bank.regs.Size(),
	}).Encode(compress)
	if err != nil {
		return nil, fmt.Errorf("building dictionary: %w", err)
	}
	f.dict = dict
	return f, nil
}

// Serve runs the protocol over rw until it reports EOF or fails.
func (f *Firmware) Serve(rw io.ReadWriter) error {
	out := protocol.NewScratchOutput()
	f.transport = protocol.NewTransport(out, f.registry.Dispatch, f.log)
	f.transport.SetResetCallback(func() { f.log.Debug("host restarted sequence") })

	in := protocol.NewFifoBuffer(1024)
	buf := make([]byte, 256)
	for {
		n, err := rw.Read(buf)
		if n > 0 {
			in.Write(buf[:n])
			f.transport.Receive(in)
			if out.CurPosition() > 0 {
				if _, werr := rw.Write(out.Result()); werr != nil {
					return werr
				}
				out.Reset()
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}
	}
}

func (f *Firmware) send(id uint16, args func(protocol.OutputBuffer)) {
	f.transport.SendCommand(id, args)
}

func (f *Firmware) handleIdentify(data *[]byte) error {
	offset, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	count, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	if count > identifyChunk {
		count = identifyChunk
	}
	var chunk []byte
	if int(offset) < len(f.dict) {
		end := int(offset) + int(count)
		if end > len(f.dict) {
			end = len(f.dict)
		}
		chunk = f.dict[offset:end]
	}
	f.transport.SendCommand(f.respIdent, func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, offset)
		protocol.EncodeVLQBytes(out, chunk)
	})
	return nil
}

// offset translates a bus address to a bank offset. Only 16-bit accesses
// (order 1) reach the bank.
func (f *Firmware) offset(order, addr uint32) (uint32, error) {
	if order != 1 {
		return 0, fmt.Errorf("unsupported access order %d", order)
	}
	if addr < f.base || addr-f.base >= f.bank.regs.Size() {
		return 0, fmt.Errorf("address 0x%08x outside the register window", addr)
	}
	return addr - f.base, nil
}

func (f *Firmware) handleDebugRead(data *[]byte) error {
	order, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	addr, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	var val uint32
	if off, err := f.offset(order, addr); err != nil {
		f.log.WithError(err).Warn("debug_read rejected")
	} else {
		val = uint32(f.bank.Read16(off))
	}
	// Always answer so the host does not wait out its timeout.
	f.transport.SendCommand(f.respDebug, func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, val)
	})
	return nil
}

func (f *Firmware) handleDebugWrite(data *[]byte) error {
	order, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	addr, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	val, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	off, err := f.offset(order, addr)
	if err != nil {
		return err
	}
	f.bank.Write16(off, uint16(val))
	return nil
}
