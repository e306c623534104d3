package reg

// CON bits
const (
	ConEN  uint16 = 1 << 15 // module enable
	ConBE  uint16 = 1 << 14 // big endian mode
	ConSTB uint16 = 1 << 11 // start byte mode
	ConMST uint16 = 1 << 10 // master mode
	ConTRX uint16 = 1 << 9  // transmit direction
	ConXA  uint16 = 1 << 8  // 10-bit addressing
	ConSTP uint16 = 1 << 1  // stop condition
	ConSTT uint16 = 1 << 0  // start condition
)

// STAT bits. IE uses the same positions for the events it can enable.
const (
	StatXDR  uint16 = 1 << 14 // transmit draining
	StatRDR  uint16 = 1 << 13 // receive draining
	StatBB   uint16 = 1 << 12 // bus busy
	StatROVR uint16 = 1 << 11 // receive overrun
	StatXUDF uint16 = 1 << 10 // transmit underflow
	StatAAS  uint16 = 1 << 9  // addressed as slave
	StatBF   uint16 = 1 << 8  // bus free
	StatXRDY uint16 = 1 << 4  // transmit data ready
	StatRRDY uint16 = 1 << 3  // receive data ready
	StatARDY uint16 = 1 << 2  // register access ready
	StatNACK uint16 = 1 << 1  // no acknowledgment
	StatAL   uint16 = 1 << 0  // arbitration lost

	// StatAll acknowledges every status bit.
	StatAll uint16 = 0xffff
)

// IE bits
const (
	IeXDR  = StatXDR
	IeRDR  = StatRDR
	IeXRDY = StatXRDY
	IeRRDY = StatRRDY
	IeARDY = StatARDY
	IeNACK = StatNACK
	IeAL   = StatAL
)

// BUF bits and threshold fields
const (
	BufRDMAEn    uint16 = 1 << 15
	BufRXFIFOClr uint16 = 1 << 14
	BufXDMAEn    uint16 = 1 << 7
	BufTXFIFOClr uint16 = 1 << 6

	BufThresholdMask uint16 = 0x3f
	BufRXTholdShift         = 8
	BufTXTholdShift         = 0
)

// BUFSTAT fields
const (
	BufstatDepthShift        = 14
	BufstatDepthMask  uint16 = 0x3
)
