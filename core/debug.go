package core

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// EventKind labels an entry in the controller's event ring.
type EventKind uint8

// Event kinds
const (
	EvtArm EventKind = iota + 1
	EvtIRQ
	EvtXRDY
	EvtRRDY
	EvtXDR
	EvtRDR
	EvtARDY
	EvtNACK
	EvtAL
	EvtComplete
	EvtTimeout
	EvtStale
)

var eventNames = map[EventKind]string{
	EvtArm:      "ARM",
	EvtIRQ:      "IRQ",
	EvtXRDY:     "XRDY",
	EvtRRDY:     "RRDY",
	EvtXDR:      "XDR",
	EvtRDR:      "RDR",
	EvtARDY:     "ARDY",
	EvtNACK:     "NACK",
	EvtAL:       "AL",
	EvtComplete: "COMPLETE",
	EvtTimeout:  "TIMEOUT!",
	EvtStale:    "STALE",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return "UNKNOWN"
}

// Event captures one step of a transfer for post-mortem analysis.
type Event struct {
	Kind      EventKind
	At        time.Time
	Stat      uint16 // status word that triggered the step
	Remaining int    // bytes left in the buffer cursor
}

const eventRingSize = 32 // keep the last 32 events

// eventRing is a fixed-size, overwrite-oldest record of pump events.
type eventRing struct {
	mu   sync.Mutex
	ring [eventRingSize]Event
	head uint8
}

func (r *eventRing) record(kind EventKind, stat uint16, remaining int) {
	r.mu.Lock()
	r.ring[r.head] = Event{Kind: kind, At: time.Now(), Stat: stat, Remaining: remaining}
	r.head = (r.head + 1) % eventRingSize
	r.mu.Unlock()
}

// snapshot returns the recorded events, oldest first.
func (r *eventRing) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Event, 0, eventRingSize)
	for i := uint8(0); i < eventRingSize; i++ {
		evt := r.ring[(r.head+i)%eventRingSize]
		if evt.Kind == 0 {
			continue // empty slot
		}
		out = append(out, evt)
	}
	return out
}

func (r *eventRing) clear() {
	r.mu.Lock()
	r.ring = [eventRingSize]Event{}
	r.head = 0
	r.mu.Unlock()
}

// Events returns the last recorded pump events, oldest first.
func (c *Controller) Events() []Event {
	return c.events.snapshot()
}

// ClearEvents empties the event ring.
func (c *Controller) ClearEvents() {
	c.events.clear()
}

// dumpEvents writes the event ring at debug level.
func (c *Controller) dumpEvents() {
	events := c.events.snapshot()
	if len(events) == 0 {
		return
	}
	start := events[0].At
	for _, evt := range events {
		c.log.WithFields(logrus.Fields{
			"event":     evt.Kind.String(),
			"t":         evt.At.Sub(start),
			"stat":      evt.Stat,
			"remaining": evt.Remaining,
		}).Debug("event ring")
	}
}
