// Package message implements the append-only chat message log. Messages are
// validated on append, assigned strictly increasing ids, and fanned out to
// filtered subscribers over bounded per-subscriber queues. The log is the
// ground truth for message history: entries are never updated or deleted.
package message

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	// MaxTextBytes is the maximum encoded size of a message body.
	MaxTextBytes = 4096

	// MaxTextChars is the maximum character count of a message body.
	MaxTextChars = 2000

	// DefaultSubscriberQueue is the per-subscriber pending-delivery bound
	// used when Subscribe is called with buffer <= 0.
	DefaultSubscriberQueue = 256
)

// ErrOverflow is reported by Subscription.Err after a subscriber fell too far
// behind and was dropped. The caller must resubscribe with its replay cursor.
var ErrOverflow = errors.New("message: subscriber queue overflow")

// ValidationError describes a message rejected on append. It is returned to
// the caller and is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("message: invalid %s: %s", e.Field, e.Reason)
}

// Message is a single chat message. UserName and Text are client-supplied;
// ID and AcceptedAt are assigned by the log on append. Timestamp is the
// client-assigned send instant and is carried as-is (no server correction).
type Message struct {
	ID         uint64    `json:"id"`
	UserName   string    `json:"user_name"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// Filter selects the messages a subscriber receives. An empty filter matches
// every message; otherwise a message matches when its sender is in the set.
type Filter struct {
	users map[string]struct{}
}

// NewFilter builds a filter matching messages sent by any of the given users.
func NewFilter(users ...string) Filter {
	f := Filter{users: make(map[string]struct{}, len(users))}
	for _, u := range users {
		f.users[u] = struct{}{}
	}
	return f
}

// Matches reports whether the message passes the filter.
func (f Filter) Matches(m Message) bool {
	if len(f.users) == 0 {
		return true
	}
	_, ok := f.users[m.UserName]
	return ok
}

// Log is the append-only, id-ordered message store. Appends are serialized by
// a single append lock (the log is one key in the per-key locking scheme);
// subscribers are notified in registration order after each accepted append.
type Log struct {
	mu      sync.RWMutex
	entries []Message
	subs    map[uint64]*Subscription
	nextSub uint64
	now     func() time.Time
}

// NewLog creates an empty message log.
func NewLog() *Log {
	return &Log{
		subs: make(map[uint64]*Subscription),
		now:  time.Now,
	}
}

// validate checks the client-supplied fields of a message before acceptance.
func validate(userName, text string) error {
	if userName == "" {
		return &ValidationError{Field: "user_name", Reason: "must not be empty"}
	}
	if strings.TrimSpace(text) == "" {
		return &ValidationError{Field: "text", Reason: "must not be empty"}
	}
	if len(text) > MaxTextBytes {
		return &ValidationError{Field: "text", Reason: fmt.Sprintf("exceeds %d byte limit", MaxTextBytes)}
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return &ValidationError{Field: "text", Reason: fmt.Sprintf("exceeds %d character limit", MaxTextChars)}
	}
	if !utf8.ValidString(text) {
		return &ValidationError{Field: "text", Reason: "contains invalid UTF-8"}
	}
	return nil
}

// Append validates and stores a message, assigning the next id and the
// accepted instant. It returns the accepted message (with ID and AcceptedAt
// populated) and notifies every subscriber whose filter matches. Once
// accepted a message is immutable.
func (l *Log) Append(userName, text string, timestamp time.Time) (Message, error) {
	if err := validate(userName, text); err != nil {
		return Message{}, err
	}

	l.mu.Lock()
	m := Message{
		ID:         uint64(len(l.entries)) + 1,
		UserName:   userName,
		Text:       text,
		Timestamp:  timestamp,
		AcceptedAt: l.now(),
	}
	l.entries = append(l.entries, m)

	// Notify under the append lock so subscribers observe appends in id
	// order; push only enqueues and never blocks.
	for _, s := range l.subs {
		if s.filter.Matches(m) {
			s.push(m)
		}
	}
	l.mu.Unlock()

	return m, nil
}

// LastID returns the id of the most recently accepted message, or 0 when the
// log is empty.
func (l *Log) LastID() uint64 {
	l.mu.RLock()
	n := uint64(len(l.entries))
	l.mu.RUnlock()
	return n
}

// Since returns a copy of all messages with id > sinceID that match the
// filter, in ascending id order.
func (l *Log) Since(filter Filter, sinceID uint64) []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if sinceID >= uint64(len(l.entries)) {
		return []Message{}
	}
	out := make([]Message, 0, uint64(len(l.entries))-sinceID)
	for _, m := range l.entries[sinceID:] {
		if filter.Matches(m) {
			out = append(out, m)
		}
	}
	return out
}

// Subscribe registers a filtered subscriber. All existing messages with
// id > sinceID are replayed in ascending id order before any live append is
// delivered; there is no gap between replay and live delivery. The stream is
// infinite and ends only on Cancel or overflow. buffer bounds the number of
// live messages that may be pending delivery; replay is preloaded and exempt
// from the bound.
func (l *Log) Subscribe(filter Filter, sinceID uint64, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriberQueue
	}

	s := &Subscription{
		filter: filter,
		max:    buffer,
		out:    make(chan Message),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	s.C = s.out

	// Registration and replay snapshot happen under the append lock so a
	// concurrent Append lands either in the replay or in the live stream,
	// never both and never neither.
	l.mu.Lock()
	if sinceID < uint64(len(l.entries)) {
		for _, m := range l.entries[sinceID:] {
			if filter.Matches(m) {
				s.queue = append(s.queue, m)
			}
		}
	}
	l.nextSub++
	s.id = l.nextSub
	s.cancel = func() { l.remove(s.id) }
	l.subs[s.id] = s
	l.mu.Unlock()

	go s.pump()
	return s
}

func (l *Log) remove(id uint64) {
	l.mu.Lock()
	delete(l.subs, id)
	l.mu.Unlock()
}

// Subscription is a cancel-only handle on a filtered message stream. Receive
// from C until it closes; a close with a non-nil Err means the subscriber was
// dropped for falling behind.
type Subscription struct {
	// C delivers matching messages in ascending id order.
	C <-chan Message

	id     uint64
	filter Filter
	max    int
	out    chan Message
	cancel func()

	mu    sync.Mutex
	queue []Message
	err   error

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

// push enqueues a live message for delivery. When the pending queue exceeds
// the subscriber's bound, the subscriber is dropped and its stream terminated
// with ErrOverflow.
func (s *Subscription) push(m Message) {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= s.max {
		s.err = ErrOverflow
		s.mu.Unlock()
		// push runs under the log's append lock and terminate needs it to
		// unregister, so tear down from a separate goroutine.
		go s.terminate()
		return
	}
	s.queue = append(s.queue, m)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump drains the pending queue into the output channel until the
// subscription terminates. Pending messages are dropped on cancellation.
func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		var next Message
		have := len(s.queue) > 0
		if have {
			next = s.queue[0]
			s.queue = s.queue[1:]
		}
		s.mu.Unlock()

		if !have {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}

		select {
		case s.out <- next:
		case <-s.done:
			return
		}
	}
}

// terminate unregisters the subscription and stops the pump. Safe to call
// from multiple goroutines; only the first call has any effect.
func (s *Subscription) terminate() {
	s.once.Do(func() {
		s.cancel()
		close(s.done)
	})
}

// Cancel disposes the subscription. It is idempotent and does not affect
// other subscribers. Messages still pending for this subscriber are dropped.
func (s *Subscription) Cancel() {
	s.terminate()
}

// Err returns ErrOverflow if the subscription was dropped for falling behind,
// or nil after a plain Cancel. It is meaningful once C has closed.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
