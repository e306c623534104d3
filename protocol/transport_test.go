package protocol

import (
	"io"
	"net"
	"testing"
	"time"
)

// device serves a Transport over conn until it closes.
func device(conn net.Conn, registry *CommandRegistry, tr **Transport) {
	out := NewScratchOutput()
	*tr = NewTransport(out, registry.Dispatch, nil)
	in := NewFifoBuffer(256)
	buf := make([]byte, 64)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			in.Write(buf[:n])
			(*tr).Receive(in)
			if out.CurPosition() > 0 {
				if _, err := conn.Write(out.Result()); err != nil {
					return
				}
				out.Reset()
			}
		}
		if err != nil {
			return
		}
	}
}

func TestHostTransportCall(t *testing.T) {
	hostConn, devConn := net.Pipe()

	var dev *Transport
	registry := NewCommandRegistry()
	echo := registry.RegisterResponse("echo_result", "val=%u")
	echoCmd := registry.Register("echo", "val=%u", func(data *[]byte) error {
		v, err := DecodeVLQUint(data)
		if err != nil {
			return err
		}
		dev.SendCommand(echo, func(out OutputBuffer) { EncodeVLQUint(out, v+1) })
		return nil
	})
	go device(devConn, registry, &dev)

	host := NewHostTransport(hostConn, nil)
	defer host.Close()

	for i, v := range []uint32{7, 1000, 0x9c40} {
		resp, err := host.Call(echoCmd, func(out OutputBuffer) { EncodeVLQUint(out, v) }, echo, time.Second)
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		got, err := DecodeVLQUint(&resp)
		if err != nil {
			t.Fatalf("call %d: decoding: %v", i, err)
		}
		if got != v+1 {
			t.Errorf("call %d: got %d, want %d", i, got, v+1)
		}
	}
	if seq := host.CurrentSequence(); seq != 0x13 {
		t.Errorf("sequence after three commands = 0x%02x, want 0x13", seq)
	}
}

func TestHostTransportAckTimeout(t *testing.T) {
	hostConn, devConn := net.Pipe()
	go io.Copy(io.Discard, devConn)

	host := NewHostTransport(hostConn, nil)
	defer host.Close()

	if err := host.SendCommandWithTimeout(1, nil, 20*time.Millisecond); err == nil {
		t.Fatal("expected an ack timeout from a silent device")
	}
}

func TestHostTransportCloseUnblocksReader(t *testing.T) {
	hostConn, _ := net.Pipe()
	host := NewHostTransport(hostConn, nil)

	done := make(chan error, 1)
	go func() { done <- host.Close() }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return")
	}
	if _, err := host.ReceiveResponse(time.Second); err != ErrTransportClosed {
		t.Errorf("ReceiveResponse after Close: %v, want %v", err, ErrTransportClosed)
	}
}

func TestTransportResyncAfterGarbage(t *testing.T) {
	out := NewScratchOutput()
	var got []uint32
	registry := NewCommandRegistry()
	id := registry.Register("set", "val=%u", func(data *[]byte) error {
		v, err := DecodeVLQUint(data)
		got = append(got, v)
		return err
	})
	tr := NewTransport(out, registry.Dispatch, nil)

	payload := append(EncodeVLQ(int32(id)), EncodeVLQ(42)...)
	stream := []byte{0x01, 0x02, 0x03, MessageValueSync}
	stream = appendBlock(stream, MessageDest, payload)
	in := NewSliceInputBuffer(stream)
	tr.Receive(in)

	if len(got) != 1 || got[0] != 42 {
		t.Fatalf("handler saw %v, want [42]", got)
	}
	if in.Available() != 0 {
		t.Errorf("%d bytes left unconsumed", in.Available())
	}
	acks := out.Result()
	last := acks[len(acks)-MessageLengthMin:]
	if last[MessagePositionSeq] != 0x11 {
		t.Errorf("final ack sequence 0x%02x, want 0x11", last[MessagePositionSeq])
	}
}
