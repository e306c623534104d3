// Package protocol implements the Klipper serial protocol used to reach a
// register window on a remote microcontroller: VLQ argument encoding, CRC16
// framed message blocks, the command registry and its JSON data dictionary,
// and both ends of the transport.
package protocol

// Version is reported in the data dictionary.
const Version = "omapi2c-0.1.0"

// Message block layout: len, seq, payload..., crc_hi, crc_lo, sync.
const (
	MessageHeaderSize  = 2
	MessageTrailerSize = 3
	MessageLengthMin   = MessageHeaderSize + MessageTrailerSize
	MessageLengthMax   = 64
	MessagePositionLen = 0
	MessagePositionSeq = 1
	MessageTrailerCRC  = 3
	MessageTrailerSync = 1
	MessageValueSync   = 0x7E
	MessageDest        = 0x10
	MessageSeqMask     = 0x0F

	// MessageMax bounds a single scratch output, which may hold several
	// message blocks (responses followed by the ack).
	MessageMax = 512
)

// nextSeq returns the sequence that follows seq.
func nextSeq(seq uint8) uint8 {
	return ((seq + 1) & MessageSeqMask) | MessageDest
}

// Message is one parsed message block.
type Message struct {
	Length   uint8
	Sequence uint8
	Payload  []byte // between header and trailer
	CRC      uint16
}

// frameError describes why a block at the head of a buffer was rejected.
type frameError string

func (e frameError) Error() string { return string(e) }

const (
	errBadLength frameError = "bad block length"
	errBadDest   frameError = "bad destination bits"
	errBadSync   frameError = "missing trailing sync"
	errBadCRC    frameError = "crc mismatch"
)

// parseBlock inspects the head of data. It returns the parsed block and its
// size, a zero size if more bytes are needed, or an error if the head is not
// a valid block. When checkDest is set the sequence byte must carry the
// destination bits.
func parseBlock(data []byte, checkDest bool) (*Message, int, error) {
	if len(data) < MessageLengthMin {
		return nil, 0, nil
	}
	n := int(data[MessagePositionLen])
	if n < MessageLengthMin || n > MessageLengthMax {
		return nil, 0, errBadLength
	}
	seq := data[MessagePositionSeq]
	if checkDest && seq&^MessageSeqMask != MessageDest {
		return nil, 0, errBadDest
	}
	if len(data) < n {
		return nil, 0, nil
	}
	if data[n-MessageTrailerSync] != MessageValueSync {
		return nil, 0, errBadSync
	}
	crc := uint16(data[n-MessageTrailerCRC])<<8 | uint16(data[n-MessageTrailerCRC+1])
	if crc != CRC16(data[:n-MessageTrailerSize]) {
		return nil, 0, errBadCRC
	}
	payload := make([]byte, n-MessageLengthMin)
	copy(payload, data[MessageHeaderSize:n-MessageTrailerSize])
	return &Message{Length: uint8(n), Sequence: seq, Payload: payload, CRC: crc}, n, nil
}

// appendBlock frames payload with seq and appends it to out.
func appendBlock(out []byte, seq uint8, payload []byte) []byte {
	start := len(out)
	out = append(out, uint8(len(payload)+MessageLengthMin), seq)
	out = append(out, payload...)
	crc := CRC16(out[start:])
	return append(out, uint8(crc>>8), uint8(crc), MessageValueSync)
}
