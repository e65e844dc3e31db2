// Package presence tracks per-user online state with heartbeat renewal and
// TTL-based expiry. A stored online flag is only a soft claim: the effective
// state reported by Get and Subscribe flips to offline once the last
// heartbeat is older than the configured timeout, without requiring an
// explicit offline write.
package presence

import (
	"errors"
	"sync"
	"time"

	"github.com/emberchat/sync-server/internal/metrics"
)

const (
	// DefaultTimeout is how long after the last heartbeat a user is still
	// considered online. Callers issuing heartbeats every 5s get a 10s
	// grace, matching one missed beat.
	DefaultTimeout = 10 * time.Second

	// DefaultSubscriberQueue bounds pending notifications per subscriber.
	DefaultSubscriberQueue = 16
)

// ErrOverflow is reported by Subscription.Err after a subscriber fell behind
// and was dropped.
var ErrOverflow = errors.New("presence: subscriber queue overflow")

// Record is the effective presence of a user at a point in time.
type Record struct {
	UserID   string    `json:"user_id"`
	IsOnline bool      `json:"is_online"`
	LastSeen time.Time `json:"last_seen"`
}

// entry holds the authoritative state for one user. Each entry has its own
// lock so heartbeats for different users never contend.
type entry struct {
	mu        sync.Mutex
	rec       Record
	effective bool // last effective state notified to subscribers
	subs      map[uint64]*Subscription
	nextSub   uint64
}

// Store is the presence store. Mutations are serialized per user key; the
// store-level lock only guards the key map itself.
type Store struct {
	timeout time.Duration

	mu      sync.RWMutex
	entries map[string]*entry

	done      chan struct{}
	closeOnce sync.Once
	now       func() time.Time
}

// NewStore creates a presence store and starts the expiry sweep. The sweep
// exists so subscribers learn about timeout-driven offline transitions that
// no write would otherwise surface; reads do not depend on it. Close must be
// called to stop the sweep.
func NewStore(timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	s := &Store{
		timeout: timeout,
		entries: make(map[string]*entry),
		done:    make(chan struct{}),
		now:     time.Now,
	}
	go s.sweep(timeout / 4)
	return s
}

// Close stops the expiry sweep. Idempotent.
func (s *Store) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Store) get(userID string) *entry {
	s.mu.RLock()
	e := s.entries[userID]
	s.mu.RUnlock()
	if e != nil {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e = s.entries[userID]; e == nil {
		e = &entry{subs: make(map[uint64]*Subscription)}
		s.entries[userID] = e
	}
	return e
}

// Heartbeat upserts the user's online flag and refreshes lastSeen. It is
// idempotent: repeating the same heartbeat only moves lastSeen forward.
func (s *Store) Heartbeat(userID string, isOnline bool) {
	e := s.get(userID)

	e.mu.Lock()
	e.rec = Record{UserID: userID, IsOnline: isOnline, LastSeen: s.now()}
	if isOnline != e.effective {
		e.effective = isOnline
		if isOnline {
			metrics.UsersOnline.Inc()
		} else {
			metrics.UsersOnline.Dec()
		}
		e.notifyLocked(e.rec.withEffective(isOnline))
	}
	e.mu.Unlock()
}

// Get returns the user's effective presence. Unknown users and users whose
// last heartbeat is at least timeout old report offline regardless of the
// stored flag (lazy expiry at read time).
func (s *Store) Get(userID string) Record {
	s.mu.RLock()
	e := s.entries[userID]
	s.mu.RUnlock()
	if e == nil {
		return Record{UserID: userID}
	}

	e.mu.Lock()
	rec := e.rec
	e.mu.Unlock()

	return rec.withEffective(rec.IsOnline && s.now().Sub(rec.LastSeen) < s.timeout)
}

// Subscribe registers for effective-state changes of one user. The current
// effective record is delivered first, then a new record on every transition;
// redundant heartbeats produce no emission. buffer bounds pending
// notifications; overflow drops the subscriber.
func (s *Store) Subscribe(userID string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriberQueue
	}

	e := s.get(userID)

	sub := &Subscription{ch: make(chan Record, buffer)}
	sub.C = sub.ch

	e.mu.Lock()
	// Lazy expiry: a subscriber joining between a missed heartbeat and the
	// next sweep must not see a stale online as its first value.
	if e.effective && s.now().Sub(e.rec.LastSeen) >= s.timeout {
		e.effective = false
		metrics.UsersOnline.Dec()
		e.notifyLocked(e.rec.withEffective(false))
	}
	e.nextSub++
	id := e.nextSub
	e.subs[id] = sub
	sub.cancel = func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}
	initial := e.rec.withEffective(e.effective)
	if initial.UserID == "" {
		initial.UserID = userID
	}
	sub.deliver(initial)
	e.mu.Unlock()

	return sub
}

// sweep periodically demotes entries whose heartbeat has gone stale so that
// subscribers see the offline transition.
func (s *Store) sweep(every time.Duration) {
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		s.mu.RLock()
		entries := make([]*entry, 0, len(s.entries))
		for _, e := range s.entries {
			entries = append(entries, e)
		}
		s.mu.RUnlock()

		now := s.now()
		for _, e := range entries {
			e.mu.Lock()
			if e.effective && now.Sub(e.rec.LastSeen) >= s.timeout {
				e.effective = false
				metrics.UsersOnline.Dec()
				e.notifyLocked(e.rec.withEffective(false))
			}
			e.mu.Unlock()
		}
	}
}

// notifyLocked fans a record out to every subscriber of the entry. Callers
// hold the entry lock.
func (e *entry) notifyLocked(rec Record) {
	for id, sub := range e.subs {
		if !sub.deliver(rec) {
			delete(e.subs, id)
		}
	}
}

func (r Record) withEffective(online bool) Record {
	r.IsOnline = online
	return r
}

// Subscription is a cancel-only handle on a user's effective presence stream.
type Subscription struct {
	// C delivers the initial effective record, then one record per
	// effective-state transition.
	C <-chan Record

	ch     chan Record
	cancel func()

	mu     sync.Mutex
	err    error
	closed bool
}

// deliver enqueues a record without blocking. It returns false when the
// subscriber overflowed and was terminated.
func (s *Subscription) deliver(rec Record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- rec:
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
