package protocol

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// CommandHandler decodes and runs one command. It must consume its own
// arguments from data.
type CommandHandler func(cmdID uint16, data *[]byte) error

// Transport is the device end of the protocol: it parses message blocks from
// the host, dispatches their commands, acknowledges them and frames the
// responses. It is driven from a single goroutine.
type Transport struct {
	synced  atomic.Bool
	nextSeq atomic.Uint32 // next sequence expected from the host

	output  OutputBuffer
	handler CommandHandler
	onReset func()
	log     logrus.FieldLogger
}

// NewTransport returns a synchronized transport writing to output.
func NewTransport(output OutputBuffer, handler CommandHandler, log logrus.FieldLogger) *Transport {
	if log == nil {
		log = logrus.StandardLogger()
	}
	t := &Transport{output: output, handler: handler, log: log}
	t.synced.Store(true)
	t.nextSeq.Store(MessageDest)
	return t
}

// Receive consumes every complete block in input. Commands run in order and
// each block is acknowledged after its commands, so responses precede the ack.
func (t *Transport) Receive(input InputBuffer) {
	data := input.Data()
	for len(data) > 0 {
		if !t.synced.Load() {
			i := indexSync(data)
			if i < 0 {
				data = nil
				break
			}
			data = data[i+1:]
			t.synced.Store(true)
			t.encodeAck()
			continue
		}
		if data[0] == MessageValueSync {
			data = data[1:]
			continue
		}

		msg, n, err := parseBlock(data, true)
		if err != nil {
			t.log.WithError(err).Debug("dropping block, resynchronizing")
			t.synced.Store(false)
			continue
		}
		if n == 0 {
			break
		}
		data = data[n:]

		expected := uint8(t.nextSeq.Load())
		if msg.Sequence == MessageDest && expected != MessageDest {
			t.log.Debug("host reset detected")
			t.nextSeq.Store(MessageDest)
			expected = MessageDest
			if t.onReset != nil {
				t.onReset()
			}
		}
		if msg.Sequence == expected {
			t.nextSeq.Store(uint32(nextSeq(expected)))
			if err := t.parseFrame(msg.Payload); err != nil {
				t.log.WithError(err).Warn("command failed")
			}
		}
		// Sent for out-of-sequence blocks too, where it acts as a nak.
		t.encodeAck()
	}
	input.Pop(input.Available() - len(data))
}

func indexSync(data []byte) int {
	for i, b := range data {
		if b == MessageValueSync {
			return i
		}
	}
	return -1
}

// parseFrame dispatches each command in the payload of one block.
func (t *Transport) parseFrame(frame []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			t.log.WithField("panic", r).Error("command handler panicked")
			t.synced.Store(false)
		}
	}()
	for len(frame) > 0 {
		id, err := DecodeVLQUint(&frame)
		if err != nil {
			t.synced.Store(false)
			return err
		}
		if t.handler == nil {
			continue
		}
		if err := t.handler(uint16(id), &frame); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) encodeAck() {
	t.output.Output(appendBlock(nil, uint8(t.nextSeq.Load()), nil))
}

// SendCommand frames one response. Responses carry the current sequence.
func (t *Transport) SendCommand(cmdID uint16, args func(output OutputBuffer)) {
	start := t.output.CurPosition()
	t.output.Output([]byte{0, uint8(t.nextSeq.Load())})
	EncodeVLQUint(t.output, uint32(cmdID))
	if args != nil {
		args(t.output)
	}
	t.output.Update(start, uint8(len(t.output.DataSince(start))+MessageTrailerSize))
	crc := CRC16(t.output.DataSince(start))
	t.output.Output([]byte{uint8(crc >> 8), uint8(crc), MessageValueSync})
}

// Reset returns the transport to its initial state.
func (t *Transport) Reset() {
	t.synced.Store(true)
	t.nextSeq.Store(MessageDest)
	if t.onReset != nil {
		t.onReset()
	}
}

// SetResetCallback installs fn to run whenever the host restarts its
// sequence numbering.
func (t *Transport) SetResetCallback(fn func()) {
	t.onReset = fn
}
