package protocol

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultAckTimeout bounds how long SendCommand waits for the device's ack.
const DefaultAckTimeout = 2 * time.Second

// ErrTransportClosed is returned once the transport or its port has closed.
var ErrTransportClosed = errors.New("transport closed")

// ResponseHandler observes every response as it arrives.
type ResponseHandler func(cmdID uint16, data *[]byte) error

// HostTransport is the host end of the protocol. It sends commands, waits
// for their acks and collects the responses from a background reader.
type HostTransport struct {
	port io.ReadWriteCloser
	log  logrus.FieldLogger

	seq    atomic.Uint32 // sequence of the next block sent
	synced atomic.Bool

	input *FifoBuffer

	acks      chan *Message
	responses chan *Message
	handler   atomic.Value // ResponseHandler

	// callMu serializes request/response exchanges; writeMu serializes
	// block writes.
	callMu  sync.Mutex
	writeMu sync.Mutex

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewHostTransport starts a transport over port. A nil log discards output.
func NewHostTransport(port io.ReadWriteCloser, log logrus.FieldLogger) *HostTransport {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	t := &HostTransport{
		port:      port,
		log:       log,
		input:     NewFifoBuffer(1024),
		acks:      make(chan *Message, 1),
		responses: make(chan *Message, 16),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	t.seq.Store(MessageDest)
	t.synced.Store(true)
	go t.readLoop()
	return t
}

// SendCommand sends one command and waits for the device's ack.
func (t *HostTransport) SendCommand(cmdID uint16, args func(output OutputBuffer)) error {
	return t.SendCommandWithTimeout(cmdID, args, DefaultAckTimeout)
}

// SendCommandWithTimeout is SendCommand with an explicit ack timeout.
func (t *HostTransport) SendCommandWithTimeout(cmdID uint16, args func(output OutputBuffer), timeout time.Duration) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	seq := uint8(t.seq.Load())
	block, err := buildBlock(seq, cmdID, args)
	if err != nil {
		return err
	}
	if _, err := t.port.Write(block); err != nil {
		return fmt.Errorf("writing block: %w", err)
	}
	t.log.WithFields(logrus.Fields{"cmd": cmdID, "seq": seq}).Debug("command sent")
	if err := t.waitForAck(nextSeq(seq), timeout); err != nil {
		return fmt.Errorf("waiting for ack: %w", err)
	}
	return nil
}

func buildBlock(seq uint8, cmdID uint16, args func(output OutputBuffer)) ([]byte, error) {
	payload := NewScratchOutput()
	EncodeVLQUint(payload, uint32(cmdID))
	if args != nil {
		args(payload)
	}
	if n := payload.CurPosition() + MessageLengthMin; n > MessageLengthMax {
		return nil, fmt.Errorf("message too long: %d bytes (max %d)", n, MessageLengthMax)
	}
	return appendBlock(nil, seq, payload.Result()), nil
}

// waitForAck waits for the ack naming want as the device's next expected
// sequence, then advances our own.
func (t *HostTransport) waitForAck(want uint8, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case ack := <-t.acks:
			if ack.Sequence != want {
				// a nak or a stale ack; keep waiting for ours
				t.log.WithFields(logrus.Fields{
					"want": fmt.Sprintf("0x%02x", want),
					"got":  fmt.Sprintf("0x%02x", ack.Sequence),
				}).Debug("unexpected ack sequence")
				continue
			}
			t.seq.Store(uint32(want))
			return nil
		case <-timer.C:
			return fmt.Errorf("no ack after %v", timeout)
		case <-t.done:
			return ErrTransportClosed
		}
	}
}

// ReceiveResponse returns the next response, waiting up to timeout.
func (t *HostTransport) ReceiveResponse(timeout time.Duration) (*Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-t.responses:
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("no response after %v", timeout)
	case <-t.done:
		return nil, ErrTransportClosed
	}
}

// Call sends a command and waits for the response with id respID, returning
// the response arguments. Responses with other ids are skipped.
func (t *HostTransport) Call(cmdID uint16, args func(output OutputBuffer), respID uint16, timeout time.Duration) ([]byte, error) {
	t.callMu.Lock()
	defer t.callMu.Unlock()

	t.drainResponses()
	if err := t.SendCommandWithTimeout(cmdID, args, timeout); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	for {
		resp, err := t.ReceiveResponse(time.Until(deadline))
		if err != nil {
			return nil, err
		}
		data := resp.Payload
		id, err := DecodeVLQUint(&data)
		if err != nil {
			return nil, err
		}
		if uint16(id) == respID {
			return data, nil
		}
		t.log.WithField("resp", id).Debug("skipping unrelated response")
	}
}

func (t *HostTransport) drainResponses() {
	for {
		select {
		case <-t.responses:
		default:
			return
		}
	}
}

// SetResponseHandler installs fn to observe every response.
func (t *HostTransport) SetResponseHandler(fn ResponseHandler) {
	t.handler.Store(fn)
}

func (t *HostTransport) readLoop() {
	defer close(t.done)

	buf := make([]byte, 256)
	for {
		n, err := t.port.Read(buf)
		if n > 0 {
			t.input.Write(buf[:n])
			t.processMessages()
		}
		if err == nil {
			continue
		}
		select {
		case <-t.stop:
			return
		default:
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
			t.log.Debug("port closed")
			return
		}
		var te interface{ Timeout() bool }
		if errors.As(err, &te) && te.Timeout() {
			continue
		}
		t.log.WithError(err).Warn("read error")
		time.Sleep(10 * time.Millisecond)
	}
}

// processMessages parses every complete block in the input buffer.
func (t *HostTransport) processMessages() {
	data := t.input.Data()
	for len(data) > 0 {
		if !t.synced.Load() {
			i := indexSync(data)
			if i < 0 {
				data = nil
				break
			}
			data = data[i+1:]
			t.synced.Store(true)
			continue
		}
		if data[0] == MessageValueSync {
			data = data[1:]
			continue
		}
		msg, n, err := parseBlock(data, false)
		if err != nil {
			t.log.WithError(err).Debug("dropping block, resynchronizing")
			t.synced.Store(false)
			continue
		}
		if n == 0 {
			break
		}
		data = data[n:]
		t.dispatch(msg)
	}
	t.input.Pop(t.input.Available() - len(data))
}

// dispatch routes an empty block to the ack channel and anything else to
// the response channel, dropping the oldest response when it is full.
func (t *HostTransport) dispatch(msg *Message) {
	if len(msg.Payload) == 0 {
		select {
		case t.acks <- msg:
		default:
			// replace an unconsumed ack with the newer one
			select {
			case <-t.acks:
			default:
			}
			t.acks <- msg
		}
		return
	}

	if fn, _ := t.handler.Load().(ResponseHandler); fn != nil {
		data := msg.Payload
		if id, err := DecodeVLQUint(&data); err == nil {
			if err := fn(uint16(id), &data); err != nil {
				t.log.WithError(err).Debug("response handler failed")
			}
		}
	}

	select {
	case t.responses <- msg:
	default:
		select {
		case <-t.responses:
		default:
		}
		t.responses <- msg
	}
}

// Close stops the reader and closes the port.
func (t *HostTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.stop)
		err = t.port.Close()
		<-t.done
	})
	return err
}

// Reset restarts sequence numbering and drops anything buffered.
func (t *HostTransport) Reset() {
	t.synced.Store(true)
	t.seq.Store(MessageDest)
	for len(t.acks) > 0 {
		<-t.acks
	}
	t.drainResponses()
}

// CurrentSequence returns the sequence of the next block sent.
func (t *HostTransport) CurrentSequence() uint8 {
	return uint8(t.seq.Load())
}
