// Package reg describes the register window of the OMAP-style I2C controller:
// logical register ids, per-revision offset maps and bit definitions.
package reg

// ID is a logical register identifier. It indexes a Map.
type ID uint8

// Logical registers used by the driver. All registers are 16 bits wide.
const (
	IE      ID = iota // interrupt enable
	STAT              // status, write 1 to clear
	BUF               // FIFO thresholds and clear bits
	CNT               // data byte count
	DATA              // data FIFO access
	CON               // control
	SA                // target address
	PSC               // clock prescaler
	SCLL              // SCL low period
	SCLH              // SCL high period
	BUFSTAT           // FIFO status and depth

	NumIDs
)

var names = [NumIDs]string{
	IE:      "IE",
	STAT:    "STAT",
	BUF:     "BUF",
	CNT:     "CNT",
	DATA:    "DATA",
	CON:     "CON",
	SA:      "SA",
	PSC:     "PSC",
	SCLL:    "SCLL",
	SCLH:    "SCLH",
	BUFSTAT: "BUFSTAT",
}

// String returns the register mnemonic.
func (id ID) String() string {
	if id < NumIDs {
		return names[id]
	}
	return "ID(?)"
}

// Revision selects the register layout of a controller instance.
type Revision uint8

const (
	RevV2 Revision = iota // ip-v2 layout (OMAP4 and later, AM335x)
	RevV1                 // ip-v1 layout (OMAP2/3), word spaced
)

// String returns a human-readable revision name.
func (r Revision) String() string {
	switch r {
	case RevV1:
		return "ip-v1"
	case RevV2:
		return "ip-v2"
	default:
		return "unknown"
	}
}

// ParseRevision maps "ip-v1"/"v1"/"1" and "ip-v2"/"v2"/"2" to a Revision.
func ParseRevision(s string) (Revision, bool) {
	switch s {
	case "ip-v1", "v1", "1":
		return RevV1, true
	case "ip-v2", "v2", "2", "":
		return RevV2, true
	}
	return 0, false
}

// Map is an immutable logical-id to byte-offset table.
type Map [NumIDs]uint32

// Offset returns the byte offset of id. An id outside the map panics.
func (m *Map) Offset(id ID) uint32 {
	return m[id]
}

// Lookup is the reverse of Offset.
func (m *Map) Lookup(offset uint32) (ID, bool) {
	for id, off := range m {
		if off == offset {
			return ID(id), true
		}
	}
	return 0, false
}

// Size returns the smallest window length covering every mapped register.
func (m *Map) Size() uint32 {
	var last uint32
	for _, off := range m {
		if off > last {
			last = off
		}
	}
	return last + 2
}

// ip-v1 registers are 16 bits wide but spaced on 32-bit boundaries.
const v1Shift = 2

var mapV1 = Map{
	IE:      0x01 << v1Shift,
	STAT:    0x02 << v1Shift,
	BUF:     0x05 << v1Shift,
	CNT:     0x06 << v1Shift,
	DATA:    0x07 << v1Shift,
	CON:     0x09 << v1Shift,
	SA:      0x0b << v1Shift,
	PSC:     0x0c << v1Shift,
	SCLL:    0x0d << v1Shift,
	SCLH:    0x0e << v1Shift,
	BUFSTAT: 0x10 << v1Shift,
}

var mapV2 = Map{
	IE:      0x2c,
	STAT:    0x28,
	BUF:     0x94,
	CNT:     0x98,
	DATA:    0x9c,
	CON:     0xa4,
	SA:      0xac,
	PSC:     0xb0,
	SCLL:    0xb4,
	SCLH:    0xb8,
	BUFSTAT: 0xc0,
}

// MapFor returns the offset table for rev. Unknown revisions get the ip-v2 map.
func MapFor(rev Revision) *Map {
	if rev == RevV1 {
		m := mapV1
		return &m
	}
	m := mapV2
	return &m
}
