package core

import (
	"context"
	"fmt"
)

// Msg is one segment of a bus transaction.
type Msg struct {
	Addr  uint16
	Flags uint16
	Buf   []byte
}

// Msg flags
const (
	MsgRead uint16 = 0x0001 // read from target into Buf
	MsgTen  uint16 = 0x0010 // 10-bit target address
)

// IsRead reports whether the message reads from the target.
func (m *Msg) IsRead() bool { return m.Flags&MsgRead != 0 }

func (m *Msg) validate() error {
	limit := uint16(0x7f)
	if m.Flags&MsgTen != 0 {
		limit = 0x3ff
	}
	if m.Addr > limit {
		return fmt.Errorf("%w: 0x%x", ErrInvalidAddress, m.Addr)
	}
	if len(m.Buf) > 0xffff {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLong, len(m.Buf))
	}
	return nil
}

// Functionality is the bus-subsystem capability bitmask.
type Functionality uint32

// Capability bits
const (
	FuncI2C                 Functionality = 0x00000001
	Func10BitAddr           Functionality = 0x00000002
	FuncProtocolMangling    Functionality = 0x00000004
	FuncSMBusPEC            Functionality = 0x00000008
	FuncSMBusQuick          Functionality = 0x00010000
	FuncSMBusReadByte       Functionality = 0x00020000
	FuncSMBusWriteByte      Functionality = 0x00040000
	FuncSMBusReadByteData   Functionality = 0x00080000
	FuncSMBusWriteByteData  Functionality = 0x00100000
	FuncSMBusReadWordData   Functionality = 0x00200000
	FuncSMBusWriteWordData  Functionality = 0x00400000
	FuncSMBusProcCall       Functionality = 0x00800000
	FuncSMBusWriteBlockData Functionality = 0x02000000
	FuncSMBusReadI2CBlock   Functionality = 0x04000000
	FuncSMBusWriteI2CBlock  Functionality = 0x08000000
)

// FuncSMBusEmul is everything SMBus emulation over plain I2C provides.
const FuncSMBusEmul = FuncSMBusQuick | FuncSMBusReadByte | FuncSMBusWriteByte |
	FuncSMBusReadByteData | FuncSMBusWriteByteData | FuncSMBusReadWordData |
	FuncSMBusWriteWordData | FuncSMBusProcCall | FuncSMBusWriteBlockData |
	FuncSMBusReadI2CBlock | FuncSMBusWriteI2CBlock | FuncSMBusPEC

// Functionality reports plain I2C, SMBus emulation without quick command,
// and protocol mangling.
func (c *Controller) Functionality() Functionality {
	return FuncI2C | (FuncSMBusEmul &^ FuncSMBusQuick) | FuncProtocolMangling
}

// Tx performs a write of w followed by a read into r at addr. Either may be
// empty. Each segment is its own START..STOP transaction. Tx satisfies
// tinygo.org/x/drivers.I2C.
func (c *Controller) Tx(addr uint16, w, r []byte) error {
	msgs := make([]Msg, 0, 2)
	if len(w) > 0 {
		msgs = append(msgs, Msg{Addr: addr, Buf: w})
	}
	if len(r) > 0 {
		msgs = append(msgs, Msg{Addr: addr, Flags: MsgRead, Buf: r})
	}
	if len(msgs) == 0 {
		return nil
	}
	_, err := c.Transfer(context.Background(), msgs)
	return err
}

// ReadRegister reads len(buf) bytes starting at register r of the target.
func (c *Controller) ReadRegister(addr uint8, r uint8, buf []byte) error {
	return c.Tx(uint16(addr), []byte{r}, buf)
}

// WriteRegister writes buf starting at register r of the target.
func (c *Controller) WriteRegister(addr uint8, r uint8, buf []byte) error {
	w := make([]byte, 0, len(buf)+1)
	w = append(w, r)
	w = append(w, buf...)
	return c.Tx(uint16(addr), w, nil)
}
