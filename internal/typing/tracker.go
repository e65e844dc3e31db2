// Package typing tracks typing indicators per ordered conversation direction
// (from -> to). A typing flag is a debounced claim: every keystroke renews a
// quiet window, and the effective value drops back to false once the window
// elapses without renewal, without requiring a stopped-typing write. There is
// no per-keystroke timer; expiry is checked lazily on read and by a
// background sweep for subscriber notification.
package typing

import (
	"errors"
	"sync"
	"time"
)

const (
	// DefaultQuietWindow is how long after the last keystroke a typing
	// flag remains effective.
	DefaultQuietWindow = 2 * time.Second

	// DefaultSubscriberQueue bounds pending notifications per subscriber.
	DefaultSubscriberQueue = 16
)

// ErrOverflow is reported by Subscription.Err after a subscriber fell behind
// and was dropped.
var ErrOverflow = errors.New("typing: subscriber queue overflow")

// Key identifies one typing direction within a conversation.
type Key struct {
	From string
	To   string
}

// Record is the stored state for one direction.
type Record struct {
	IsTyping  bool      `json:"is_typing"`
	Timestamp time.Time `json:"timestamp"`
}

// entry holds the authoritative state for one direction, with its own lock
// so updates for different pairs never contend.
type entry struct {
	mu        sync.Mutex
	rec       Record
	effective bool // last effective value notified to subscribers
	subs      map[uint64]*Subscription
	nextSub   uint64
}

// Tracker is the typing-indicator store.
type Tracker struct {
	quietWindow time.Duration

	mu      sync.RWMutex
	entries map[Key]*entry

	done      chan struct{}
	closeOnce sync.Once
	now       func() time.Time
}

// NewTracker creates a tracker and starts the quiet-window sweep. Close must
// be called to stop the sweep.
func NewTracker(quietWindow time.Duration) *Tracker {
	if quietWindow <= 0 {
		quietWindow = DefaultQuietWindow
	}
	t := &Tracker{
		quietWindow: quietWindow,
		entries:     make(map[Key]*entry),
		done:        make(chan struct{}),
		now:         time.Now,
	}
	go t.sweep(quietWindow / 4)
	return t
}

// Close stops the sweep. Idempotent.
func (t *Tracker) Close() {
	t.closeOnce.Do(func() { close(t.done) })
}

func (t *Tracker) get(k Key) *entry {
	t.mu.RLock()
	e := t.entries[k]
	t.mu.RUnlock()
	if e != nil {
		return e
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if e = t.entries[k]; e == nil {
		e = &entry{subs: make(map[uint64]*Subscription)}
		t.entries[k] = e
	}
	return e
}

// Set upserts the typing flag for the direction, stamping it with now. A
// renewed true resets the quiet window (debounce); subscribers are only
// notified when the effective value changes.
func (t *Tracker) Set(from, to string, isTyping bool) {
	e := t.get(Key{From: from, To: to})

	e.mu.Lock()
	e.rec = Record{IsTyping: isTyping, Timestamp: t.now()}
	if isTyping != e.effective {
		e.effective = isTyping
		e.notifyLocked(isTyping)
	}
	e.mu.Unlock()
}

// Clear explicitly drops the typing flag, as on send or when the compose box
// empties.
func (t *Tracker) Clear(from, to string) {
	t.Set(from, to, false)
}

// Get returns the effective typing value: the stored flag is honored only
// while the quiet window has not elapsed since the last update.
func (t *Tracker) Get(from, to string) bool {
	t.mu.RLock()
	e := t.entries[Key{From: from, To: to}]
	t.mu.RUnlock()
	if e == nil {
		return false
	}

	e.mu.Lock()
	rec := e.rec
	e.mu.Unlock()

	return rec.IsTyping && t.now().Sub(rec.Timestamp) < t.quietWindow
}

// Subscribe registers for effective-value changes of one direction. The
// current effective value is delivered first, then one value per transition.
// buffer bounds pending notifications; overflow drops the subscriber.
func (t *Tracker) Subscribe(from, to string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriberQueue
	}

	e := t.get(Key{From: from, To: to})

	sub := &Subscription{ch: make(chan bool, buffer)}
	sub.C = sub.ch

	e.mu.Lock()
	e.nextSub++
	id := e.nextSub
	e.subs[id] = sub
	sub.cancel = func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}
	sub.deliver(e.effective)
	e.mu.Unlock()

	return sub
}

// sweep expires typing flags whose quiet window elapsed so subscribers see
// the idle transition without an explicit write.
func (t *Tracker) sweep(every time.Duration) {
	if every <= 0 {
		every = 500 * time.Millisecond
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}

		t.mu.RLock()
		entries := make([]*entry, 0, len(t.entries))
		for _, e := range t.entries {
			entries = append(entries, e)
		}
		t.mu.RUnlock()

		now := t.now()
		for _, e := range entries {
			e.mu.Lock()
			if e.effective && now.Sub(e.rec.Timestamp) >= t.quietWindow {
				e.effective = false
				e.notifyLocked(false)
			}
			e.mu.Unlock()
		}
	}
}

// notifyLocked fans a value out to every subscriber of the entry. Callers
// hold the entry lock.
func (e *entry) notifyLocked(v bool) {
	for id, sub := range e.subs {
		if !sub.deliver(v) {
			delete(e.subs, id)
		}
	}
}

// Subscription is a cancel-only handle on one direction's effective typing
// stream.
type Subscription struct {
	// C delivers the initial effective value, then one value per
	// transition.
	C <-chan bool

	ch     chan bool
	cancel func()

	mu     sync.Mutex
	err    error
	closed bool
}

// deliver enqueues a value without blocking. It returns false when the
// subscriber overflowed and was terminated.
func (s *Subscription) deliver(v bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- v:
		return true
	default:
		s.err = ErrOverflow
		s.closed = true
		close(s.ch)
		return false
	}
}

// Cancel disposes the subscription. Idempotent; other subscribers are
// unaffected.
func (s *Subscription) Cancel() {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Err returns ErrOverflow if the subscription was dropped for falling
// behind, or nil after a plain Cancel. Meaningful once C has closed.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
