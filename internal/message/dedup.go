package message

import (
	"sync"
	"time"
)

// DefaultDedupWindow is the timestamp proximity within which two messages
// with the same sender and text are treated as one.
const DefaultDedupWindow = 2 * time.Second

// Deduper applies the aggregation-layer duplicate rule: a message is a
// duplicate of an already observed one when the sender and text match and the
// client timestamps are less than the window apart. The log itself keeps
// every accepted entry; deduplication happens only on the delivery path, so
// a retried send never renders twice.
type Deduper struct {
	window time.Duration

	mu   sync.Mutex
	seen []Message
}

// NewDeduper creates a Deduper with the given window. A non-positive window
// falls back to DefaultDedupWindow.
func NewDeduper(window time.Duration) *Deduper {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &Deduper{window: window}
}

// Observe records a message sighting. It returns true when the message is new
// (should be delivered) and false when it duplicates an earlier sighting.
func (d *Deduper) Observe(m Message) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	kept := d.seen[:0]
	dup := false
	for _, s := range d.seen {
		// Retain only sightings still within the window of the incoming
		// timestamp; older ones can no longer collide with anything newer.
		delta := m.Timestamp.Sub(s.Timestamp)
		if delta < 0 {
			delta = -delta
		}
		if delta < d.window {
			kept = append(kept, s)
			if s.UserName == m.UserName && s.Text == m.Text {
				dup = true
			}
		}
	}
	d.seen = kept

	if dup {
		return false
	}
	d.seen = append(d.seen, m)
	return true
}
