package main

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"omapi2c/core"
	"omapi2c/host/mcu"
	"omapi2c/host/serial"
	"omapi2c/sim"
)

// simEEPROMSize is the size of the 24C32 the simulated bus carries at the
// diagnostic address.
const simEEPROMSize = 4096

// bus is an attached controller plus whatever keeps its port alive.
type bus struct {
	*core.Controller
	cancel  context.CancelFunc
	closers []func() error

	// portErr reports a failure of the register port itself, for ports
	// that cannot return one from each access.
	portErr func() error
}

// check adds the port's own failure to err. A dead register bridge reads
// as an idle controller, so its transfers otherwise only time out.
func (b *bus) check(err error) error {
	if err == nil || b.portErr == nil {
		return err
	}
	perr := b.portErr()
	if perr == nil {
		return err
	}
	log.WithError(perr).Error("register port failed")
	return fmt.Errorf("%w (register port: %v)", err, perr)
}

func (b *bus) Close() error {
	b.cancel()
	var err error
	if b.Controller != nil {
		err = b.Controller.Close()
	}
	for i := len(b.closers) - 1; i >= 0; i-- {
		if cerr := b.closers[i](); err == nil {
			err = cerr
		}
	}
	return err
}

// newSimBank returns a bank carrying an EEPROM at the diagnostic address.
func newSimBank(s *settings) *sim.Bank {
	bank := sim.NewBank(sim.WithRevision(s.Controller.Revision))
	bank.Attach(core.DiagnosticAddr, sim.NewEEPROM(simEEPROMSize))
	return bank
}

// openBus attaches a controller to the port s describes and starts its
// interrupt delivery.
func openBus(s *settings, logger log.FieldLogger) (*bus, error) {
	cfg := s.Controller
	cfg.Logger = logger
	ctx, cancel := context.WithCancel(context.Background())
	b := &bus{cancel: cancel}

	switch s.PortKind {
	case portSim:
		bank := newSimBank(s)
		c, err := core.New(bank, cfg)
		if err != nil {
			cancel()
			return nil, err
		}
		bank.SetIRQ(func() { c.HandleIRQ() })
		b.Controller = c

	case portMCU:
		serialCfg := serial.DefaultConfig(s.Device)
		serialCfg.Baud = s.Baud
		m, err := mcu.Open(serialCfg, logger)
		if err != nil {
			cancel()
			return nil, err
		}
		b.closers = append(b.closers, m.Close)
		if err := m.RetrieveDictionary(); err != nil {
			b.Close()
			return nil, err
		}
		window, err := mcu.NewRegisterWindow(m, s.Base)
		if err != nil {
			b.Close()
			return nil, err
		}
		c, err := core.New(window, cfg)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.Controller = c
		b.portErr = window.Err
		if err := window.Err(); err != nil {
			b.Close()
			return nil, fmt.Errorf("register bridge: %w", err)
		}
		go c.PollIRQ(ctx, s.IRQPoll)

	case portUIO:
		c, closer, err := openUIO(ctx, s, cfg, logger)
		if err != nil {
			cancel()
			return nil, err
		}
		b.Controller = c
		b.closers = append(b.closers, closer)

	default:
		cancel()
		return nil, fmt.Errorf("unknown port kind %q", s.PortKind)
	}

	name := b.Name()
	if err := core.RegisterPeriph(name, int(s.Bus), b.Controller); err != nil {
		b.Close()
		return nil, fmt.Errorf("registering %s: %w", name, err)
	}
	b.closers = append(b.closers, func() error { return core.UnregisterPeriph(name) })
	return b, nil
}
