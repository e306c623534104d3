package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"tinygo.org/x/drivers/at24cx"

	"omapi2c/core"
	"omapi2c/protocol"
	"omapi2c/sim"
)

var probeCommand = cli.Command{
	Name:  "probe",
	Usage: "scan the bus for responding targets",
	Flags: []cli.Flag{
		cli.IntFlag{Name: "first", Value: 0x03, Usage: "first address to probe"},
		cli.IntFlag{Name: "last", Value: 0x77, Usage: "last address to probe"},
	},
	Action: withBus(probe),
}

var xferCommand = cli.Command{
	Name:      "xfer",
	Usage:     "write and/or read one target",
	ArgsUsage: "ADDR",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "write, w", Usage: "bytes to write, e.g. \"00 10\""},
		cli.IntFlag{Name: "read, r", Usage: "number of bytes to read after the write"},
		cli.BoolFlag{Name: "ten", Usage: "ADDR is a 10-bit address"},
	},
	Action: withBus(xfer),
}

var dumpCommand = cli.Command{
	Name:      "dump",
	Usage:     "read a range of 8-bit registers from a target",
	ArgsUsage: "ADDR",
	Flags: []cli.Flag{
		cli.IntFlag{Name: "start", Usage: "first register"},
		cli.IntFlag{Name: "count, n", Value: 16, Usage: "number of registers"},
	},
	Action: withBus(dump),
}

var diagCommand = cli.Command{
	Name:   "diag",
	Usage:  "run the polled diagnostic write (0x95 to EEPROM 0x50, word 0x0030)",
	Action: withBus(diag),
}

var eepromFlags = []cli.Flag{
	cli.IntFlag{Name: "addr", Value: core.DiagnosticAddr, Usage: "EEPROM bus address"},
	cli.IntFlag{Name: "offset, o", Usage: "first word address"},
}

var eepromCommand = cli.Command{
	Name:  "eeprom",
	Usage: "access a 24Cxx EEPROM",
	Subcommands: []cli.Command{
		{
			Name:   "read",
			Usage:  "read bytes from the EEPROM",
			Flags:  append([]cli.Flag{cli.IntFlag{Name: "len, n", Value: 16, Usage: "number of bytes"}}, eepromFlags...),
			Action: withBus(eepromRead),
		},
		{
			Name:      "write",
			Usage:     "write bytes to the EEPROM",
			ArgsUsage: "BYTES",
			Flags:     eepromFlags,
			Action:    withBus(eepromWrite),
		},
	},
}

var serveSimCommand = cli.Command{
	Name:  "serve-sim",
	Usage: "serve a simulated controller over the register-bridge protocol",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "listen, l", Value: "127.0.0.1:7070", Usage: "TCP listen address"},
		cli.BoolFlag{Name: "compress", Usage: "publish a zlib-compressed dictionary"},
		cli.BoolFlag{Name: "controller", Usage: "run a device-side controller and serve the i2c_* commands instead of leaving the bank to the host"},
	},
	Action: serveSim,
}

// readProbe reports whether addr is probed with a one-byte read rather than
// an empty write: EEPROM and EDID ranges can latch an empty write.
func readProbe(addr uint16) bool {
	return (addr >= 0x30 && addr <= 0x37) || (addr >= 0x50 && addr <= 0x5f)
}

func probe(c *cli.Context, s *settings, b *bus) error {
	first, last := c.Int("first"), c.Int("last")
	if first < 0 || last > 0x7f || first > last {
		return fmt.Errorf("invalid probe range 0x%02x-0x%02x", first, last)
	}
	ctx := context.Background()

	fmt.Println("     0  1  2  3  4  5  6  7  8  9  a  b  c  d  e  f")
	for row := 0; row < 0x80; row += 16 {
		line := fmt.Sprintf("%02x:", row)
		for addr := row; addr < row+16; addr++ {
			if addr < first || addr > last {
				line += "   "
				continue
			}
			msg := core.Msg{Addr: uint16(addr)}
			if readProbe(msg.Addr) {
				msg.Flags = core.MsgRead
				msg.Buf = make([]byte, 1)
			}
			_, err := b.Transfer(ctx, []core.Msg{msg})
			switch {
			case err == nil:
				line += fmt.Sprintf(" %02x", addr)
			case errors.Is(err, core.ErrNack):
				line += " --"
			default:
				return fmt.Errorf("probing 0x%02x: %w", addr, err)
			}
		}
		fmt.Println(line)
	}
	return nil
}

func xfer(c *cli.Context, s *settings, b *bus) error {
	addr, err := parseAddr(c.Args().First())
	if err != nil {
		return err
	}
	wr, err := parseBytes(c.String("write"))
	if err != nil {
		return err
	}
	n := c.Int("read")
	if n < 0 {
		return fmt.Errorf("invalid read length %d", n)
	}

	var flags uint16
	if c.Bool("ten") {
		flags = core.MsgTen
	}
	var msgs []core.Msg
	if len(wr) > 0 || n == 0 {
		msgs = append(msgs, core.Msg{Addr: addr, Flags: flags, Buf: wr})
	}
	rd := make([]byte, n)
	if n > 0 {
		msgs = append(msgs, core.Msg{Addr: addr, Flags: flags | core.MsgRead, Buf: rd})
	}

	if _, err := b.Transfer(context.Background(), msgs); err != nil {
		return fmt.Errorf("transfer failed (errno %d): %w", core.Errno(err), err)
	}
	if n > 0 {
		fmt.Println(formatBytes(rd))
	}
	return nil
}

// dump goes through the periph.io registration of the bus, the way device
// code written against periph would reach it.
func dump(c *cli.Context, s *settings, b *bus) error {
	addr, err := parseAddr(c.Args().First())
	if err != nil {
		return err
	}
	start, count := c.Int("start"), c.Int("count")
	if start < 0 || count <= 0 || start+count > 0x100 {
		return fmt.Errorf("invalid register range %d+%d", start, count)
	}
	pb, err := i2creg.Open(b.Name())
	if err != nil {
		return err
	}
	defer pb.Close()

	dev := &i2c.Dev{Bus: pb, Addr: addr}
	regs := make([]byte, count)
	if err := dev.Tx([]byte{byte(start)}, regs); err != nil {
		return fmt.Errorf("reading registers (errno %d): %w", core.Errno(err), err)
	}
	for row := 0; row < count; row += 16 {
		end := row + 16
		if end > count {
			end = count
		}
		fmt.Printf("%02x: %s\n", start+row, formatBytes(regs[row:end]))
	}
	return nil
}

func diag(c *cli.Context, s *settings, b *bus) error {
	if err := b.PolledTransfer(core.DiagnosticMessage()); err != nil {
		return fmt.Errorf("diagnostic transfer failed (errno %d): %w", core.Errno(err), err)
	}
	fmt.Println("diagnostic transfer ok")
	return nil
}

// eeprom returns an at24cx driver on the registered bus.
func eeprom(c *cli.Context, s *settings, b *bus) (*at24cx.Device, error) {
	registry := core.NewRegistry()
	if err := registry.Add(s.Bus, b.Controller); err != nil {
		return nil, err
	}
	i2c, err := registry.GetBus(s.Bus)
	if err != nil {
		return nil, err
	}
	dev := at24cx.New(i2c)
	dev.Configure(at24cx.Config{})
	dev.Address = uint16(c.Int("addr"))
	return &dev, nil
}

func eepromRead(c *cli.Context, s *settings, b *bus) error {
	dev, err := eeprom(c, s, b)
	if err != nil {
		return err
	}
	off := uint16(c.Int("offset"))
	out := make([]byte, c.Int("len"))
	for i := range out {
		if out[i], err = dev.ReadByte(off + uint16(i)); err != nil {
			return fmt.Errorf("reading word 0x%04x: %w", off+uint16(i), err)
		}
	}
	fmt.Println(formatBytes(out))
	return nil
}

func eepromWrite(c *cli.Context, s *settings, b *bus) error {
	data, err := parseBytes(strings.Join(c.Args(), " "))
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return errors.New("nothing to write")
	}
	dev, err := eeprom(c, s, b)
	if err != nil {
		return err
	}
	off := uint16(c.Int("offset"))
	for i, v := range data {
		if err := dev.WriteByte(off+uint16(i), v); err != nil {
			return fmt.Errorf("writing word 0x%04x: %w", off+uint16(i), err)
		}
	}
	log.WithFields(log.Fields{"offset": off, "len": len(data)}).Info("eeprom written")
	return nil
}

func serveSim(c *cli.Context) error {
	s, err := setup(c)
	if err != nil {
		return err
	}
	bank := newSimBank(s)

	var opts []sim.FirmwareOption
	if c.Bool("controller") {
		cfg := s.Controller
		cfg.Logger = log.StandardLogger()
		ctrl, err := core.New(bank, cfg)
		if err != nil {
			return err
		}
		defer ctrl.Close()
		bank.SetIRQ(func() { ctrl.HandleIRQ() })

		buses := core.NewRegistry()
		if err := buses.Add(s.Bus, ctrl); err != nil {
			return err
		}
		opts = append(opts, sim.WithCommands(func(cmds *protocol.CommandRegistry, send func(uint16, func(protocol.OutputBuffer))) {
			buses.RegisterCommands(cmds, send)
		}))
	}

	ln, err := net.Listen("tcp", c.String("listen"))
	if err != nil {
		return err
	}
	defer ln.Close()
	log.WithField("addr", ln.Addr().String()).Info("serving simulated controller")

	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		fw, err := sim.NewFirmware(bank, s.Base, c.Bool("compress"), log.StandardLogger(), opts...)
		if err != nil {
			conn.Close()
			return err
		}
		go func() {
			defer conn.Close()
			logger := log.WithField("remote", conn.RemoteAddr().String())
			logger.Info("host connected")
			if err := fw.Serve(conn); err != nil {
				logger.WithError(err).Warn("connection failed")
				return
			}
			logger.Info("host disconnected")
		}()
	}
}

func parseAddr(s string) (uint16, error) {
	if s == "" {
		return 0, errors.New("missing target address")
	}
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return uint16(v), nil
}

// parseBytes accepts hex bytes separated by spaces or commas, with or
// without a 0x prefix, or one run of hex digits ("deadbeef").
func parseBytes(s string) ([]byte, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == ',' })
	var out []byte
	for _, f := range fields {
		f = strings.TrimPrefix(strings.ToLower(f), "0x")
		if len(f)%2 == 1 {
			f = "0" + f
		}
		for i := 0; i < len(f); i += 2 {
			v, err := strconv.ParseUint(f[i:i+2], 16, 8)
			if err != nil {
				return nil, fmt.Errorf("invalid byte %q", f[i:i+2])
			}
			out = append(out, byte(v))
		}
	}
	return out, nil
}

func formatBytes(b []byte) string {
	parts := make([]string, len(b))
	for i, v := range b {
		parts[i] = fmt.Sprintf("%02x", v)
	}
	return strings.Join(parts, " ")
}
