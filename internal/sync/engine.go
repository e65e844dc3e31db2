// Package sync implements the realtime chat sync engine: the single
// ingress/egress point composing the message log, presence store, and typing
// tracker. Clients connect a session scoped to a conversation pair, issue
// writes through it, and receive change notifications for all three streams,
// including round-trip confirmation of their own writes.
package sync

import (
	"errors"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/emberchat/sync-server/internal/message"
	"github.com/emberchat/sync-server/internal/presence"
	"github.com/emberchat/sync-server/internal/typing"
)

// ErrSubscriptionOverflow is surfaced on a session's error channel when one
// of its streams was dropped for falling behind. The client must resubscribe
// with its replay cursor.
var ErrSubscriptionOverflow = errors.New("sync: subscriber overflow, resubscribe with replay cursor")

// ErrSessionClosed is returned by session operations after Close.
var ErrSessionClosed = errors.New("sync: session closed")

// Config holds the engine's tunable expiry and delivery parameters. The
// defaults mirror the client contract: heartbeats every 5s against a 10s
// presence timeout, a 2s typing quiet window, and a 2s duplicate window.
type Config struct {
	PresenceTimeout   time.Duration
	TypingQuietWindow time.Duration
	DedupWindow       time.Duration
	HeartbeatPeriod   time.Duration
	SubscriberBuffer  int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		PresenceTimeout:   presence.DefaultTimeout,
		TypingQuietWindow: typing.DefaultQuietWindow,
		DedupWindow:       message.DefaultDedupWindow,
		HeartbeatPeriod:   5 * time.Second,
		SubscriberBuffer:  256,
	}
}

// Publisher receives every event the engine accepts, for cross-process
// consumers (archival, ops). Local application is authoritative; publishing
// is best-effort and failures are logged, not propagated.
type Publisher interface {
	PublishMessage(ev MessageEvent) error
	PublishPresence(ev PresenceEvent) error
	PublishTyping(ev TypingEvent) error
}

// Engine owns the three stores. All cross-session access goes through
// sessions created by Connect or Resume; client code never touches the
// stores directly.
type Engine struct {
	cfg      Config
	log      *message.Log
	presence *presence.Store
	typing   *typing.Tracker
	pub      Publisher
}

// NewEngine creates an engine with its stores and background sweeps running.
// pub may be nil when no cross-process fan-out is wanted. Close must be
// called to stop the sweeps.
func NewEngine(cfg Config, pub Publisher) *Engine {
	if cfg.HeartbeatPeriod <= 0 {
		cfg.HeartbeatPeriod = 5 * time.Second
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 256
	}
	return &Engine{
		cfg:      cfg,
		log:      message.NewLog(),
		presence: presence.NewStore(cfg.PresenceTimeout),
		typing:   typing.NewTracker(cfg.TypingQuietWindow),
		pub:      pub,
	}
}

// Close stops the stores' background sweeps. Sessions should be closed
// first; Close does not wait for them.
func (e *Engine) Close() {
	e.presence.Close()
	e.typing.Close()
}

// LastID returns the id of the most recently accepted message, usable as a
// replay cursor.
func (e *Engine) LastID() uint64 {
	return e.log.LastID()
}

// Presence returns the effective presence of a user, for callers outside a
// session (ops endpoints).
func (e *Engine) Presence(userID string) presence.Record {
	return e.presence.Get(userID)
}

// ConvKey derives the canonical conversation key for a participant pair:
// the two names sorted and joined with a colon, so both sides agree on it.
func ConvKey(a, b string) string {
	p := []string{a, b}
	sort.Strings(p)
	return strings.Join(p, ":")
}

// Connect establishes a session for userID talking to peerID, replaying the
// full message history of the pair.
func (e *Engine) Connect(userID, peerID string) (*Session, error) {
	return e.Resume(userID, peerID, 0)
}

// Resume establishes a session replaying only messages with id > sinceID.
// This is the reconnect path: delivery resumes from the last acknowledged id
// with no gaps (duplicates are tolerated, the delivery path deduplicates),
// and the user's online heartbeat is reasserted immediately.
func (e *Engine) Resume(userID, peerID string, sinceID uint64) (*Session, error) {
	if userID == "" {
		return nil, &message.ValidationError{Field: "user_name", Reason: "must not be empty"}
	}
	if peerID == "" {
		return nil, &message.ValidationError{Field: "peer_name", Reason: "must not be empty"}
	}
	if userID == peerID {
		return nil, &message.ValidationError{Field: "peer_name", Reason: "must differ from user_name"}
	}

	s := &Session{
		engine:  e,
		userID:  userID,
		peerID:  peerID,
		convKey: ConvKey(userID, peerID),
		dedup:   message.NewDeduper(e.cfg.DedupWindow),

		messages: make(chan message.Message, e.cfg.SubscriberBuffer),
		presence: make(chan presence.Record, presence.DefaultSubscriberQueue),
		typing:   make(chan bool, typing.DefaultSubscriberQueue),
		errs:     make(chan error, 4),
		done:     make(chan struct{}),
		online:   true,
	}

	s.msgSub = e.log.Subscribe(message.NewFilter(userID, peerID), sinceID, e.cfg.SubscriberBuffer)
	s.prSub = e.presence.Subscribe(peerID, 0)
	s.tySub = e.typing.Subscribe(peerID, userID, 0)

	// Assert presence before any subscriber could observe the session.
	e.presence.Heartbeat(userID, true)
	e.publishPresence(userID, true)

	s.wg.Add(4)
	go s.pumpMessages()
	go s.pumpPresence()
	go s.pumpTyping()
	go s.heartbeatLoop(e.cfg.HeartbeatPeriod)

	return s, nil
}

func (e *Engine) publishMessage(m message.Message, convKey string) {
	if e.pub == nil {
		return
	}
	ev := MessageEvent{
		ID:         m.ID,
		ConvKey:    convKey,
		UserName:   m.UserName,
		Text:       m.Text,
		Timestamp:  m.Timestamp,
		AcceptedAt: m.AcceptedAt,
	}
	if err := e.pub.PublishMessage(ev); err != nil {
		log.Printf("sync: publish message id=%d: %v", m.ID, err)
	}
}

func (e *Engine) publishPresence(userID string, isOnline bool) {
	if e.pub == nil {
		return
	}
	ev := PresenceEvent{UserID: userID, IsOnline: isOnline, LastSeen: time.Now().UTC()}
	if err := e.pub.PublishPresence(ev); err != nil {
		log.Printf("sync: publish presence user=%s: %v", userID, err)
	}
}

func (e *Engine) publishTyping(from, to string, isTyping bool) {
	if e.pub == nil {
		return
	}
	ev := TypingEvent{From: from, To: to, IsTyping: isTyping, Timestamp: time.Now().UTC()}
	if err := e.pub.PublishTyping(ev); err != nil {
		log.Printf("sync: publish typing %s->%s: %v", from, to, err)
	}
}
