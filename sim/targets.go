package sim

import (
	"errors"
	"sync"
)

// ErrTargetBusy can be returned by targets that refuse a transaction.
var ErrTargetBusy = errors.New("sim: target busy")

// EEPROM is a 24Cxx-style serial EEPROM with a two-byte word address.
// A write sets the address pointer from its first two bytes and stores the
// rest; a read returns bytes from the pointer onwards. The pointer wraps
// at the end of the array.
type EEPROM struct {
	mu  sync.Mutex
	mem []byte
	ptr int
}

// NewEEPROM returns an erased (0xff) EEPROM of size bytes.
func NewEEPROM(size int) *EEPROM {
	mem := make([]byte, size)
	for i := range mem {
		mem[i] = 0xff
	}
	return &EEPROM{mem: mem}
}

func (e *EEPROM) Write(p []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(p) < 2 {
		// address-only writes of a single byte are not acknowledged
		return ErrTargetBusy
	}
	e.ptr = (int(p[0])<<8 | int(p[1])) % len(e.mem)
	for _, b := range p[2:] {
		e.mem[e.ptr] = b
		e.ptr = (e.ptr + 1) % len(e.mem)
	}
	return nil
}

func (e *EEPROM) Read(p []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range p {
		p[i] = e.mem[e.ptr]
		e.ptr = (e.ptr + 1) % len(e.mem)
	}
	return nil
}

// Bytes returns a copy of n bytes starting at off.
func (e *EEPROM) Bytes(off, n int) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]byte, n)
	for i := range out {
		out[i] = e.mem[(off+i)%len(e.mem)]
	}
	return out
}

// Recorder is a target that records every write payload and answers reads
// from a queue of canned responses (zeros once the queue is empty).
type Recorder struct {
	mu        sync.Mutex
	writes    [][]byte
	responses [][]byte
	reads     int
}

// Respond queues data for the next read.
func (r *Recorder) Respond(data []byte) {
	r.mu.Lock()
	r.responses = append(r.responses, append([]byte(nil), data...))
	r.mu.Unlock()
}

func (r *Recorder) Write(p []byte) error {
	r.mu.Lock()
	r.writes = append(r.writes, append([]byte(nil), p...))
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Read(p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads++
	for i := range p {
		p[i] = 0
	}
	if len(r.responses) > 0 {
		copy(p, r.responses[0])
		r.responses = r.responses[1:]
	}
	return nil
}

// Writes returns the recorded write payloads in order.
func (r *Recorder) Writes() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.writes))
	copy(out, r.writes)
	return out
}

// Reads returns the number of read transactions served.
func (r *Recorder) Reads() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reads
}
