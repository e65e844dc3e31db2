package sync

import (
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/emberchat/sync-server/internal/message"
	"github.com/emberchat/sync-server/internal/metrics"
	"github.com/emberchat/sync-server/internal/presence"
	"github.com/emberchat/sync-server/internal/typing"
)

// Session is a logical connection for one user talking to one peer. All
// writes carry the session's identity; all reads are scoped to the pair.
// A session owns its subscriptions and periodic heartbeat, and stops both
// cleanly on Close.
type Session struct {
	engine  *Engine
	userID  string
	peerID  string
	convKey string
	dedup   *message.Deduper

	msgSub *message.Subscription
	prSub  *presence.Subscription
	tySub  *typing.Subscription

	messages chan message.Message
	presence chan presence.Record
	typing   chan bool
	errs     chan error

	online    bool
	onlineMu  gosync.Mutex
	closed    atomic.Bool
	closeOnce gosync.Once
	done      chan struct{}
	wg        gosync.WaitGroup
}

// User returns the session's own identity.
func (s *Session) User() string { return s.userID }

// Peer returns the conversation partner's identity.
func (s *Session) Peer() string { return s.peerID }

// ConvKey returns the canonical key of the session's conversation.
func (s *Session) ConvKey() string { return s.convKey }

// Messages delivers the pair's messages in id order: replay first, then live
// appends, with near-duplicates suppressed. The channel closes on Close or
// after an overflow (check Errors).
func (s *Session) Messages() <-chan message.Message { return s.messages }

// Presence delivers the peer's effective presence: the current state first,
// then one record per transition.
func (s *Session) Presence() <-chan presence.Record { return s.presence }

// Typing delivers the peer's effective typing indicator (peer -> this user):
// the current value first, then one value per transition.
func (s *Session) Typing() <-chan bool { return s.typing }

// Errors delivers non-fatal session errors, currently only
// ErrSubscriptionOverflow when a stream was dropped for falling behind.
func (s *Session) Errors() <-chan error { return s.errs }

// Send validates and appends a message from this user, stamped with the
// client-assigned timestamp. A successful send clears the user's typing flag
// (the keystroke burst is over). The accepted message, with id and accepted
// instant, comes back both as the return value and through the message
// stream (round-trip confirmation).
func (s *Session) Send(text string, timestamp time.Time) (message.Message, error) {
	if s.closed.Load() {
		return message.Message{}, ErrSessionClosed
	}

	m, err := s.engine.log.Append(s.userID, text, timestamp)
	if err != nil {
		return message.Message{}, err
	}

	s.engine.typing.Clear(s.userID, s.peerID)
	s.engine.publishTyping(s.userID, s.peerID, false)
	s.engine.publishMessage(m, s.convKey)
	return m, nil
}

// SetTyping updates this user's typing flag toward the peer. true renews the
// quiet window; false clears immediately (send or emptied compose box).
func (s *Session) SetTyping(isTyping bool) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	s.engine.typing.Set(s.userID, s.peerID, isTyping)
	s.engine.publishTyping(s.userID, s.peerID, isTyping)
	return nil
}

// SetOnline overrides the presence flag asserted by the periodic heartbeat.
// Setting false keeps the session alive but reports the user offline until
// set true again.
func (s *Session) SetOnline(isOnline bool) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	s.onlineMu.Lock()
	s.online = isOnline
	s.onlineMu.Unlock()

	s.engine.presence.Heartbeat(s.userID, isOnline)
	s.engine.publishPresence(s.userID, isOnline)
	return nil
}

// Close disposes the session: subscriptions are cancelled, the heartbeat
// stops, and queued notifications are dropped. Presence is not force-cleared;
// absent further heartbeats the user expires to offline within the presence
// timeout, matching a client that vanished without an offline write. Close is
// idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		s.msgSub.Cancel()
		s.prSub.Cancel()
		s.tySub.Cancel()
		s.wg.Wait()
	})
}

// heartbeatLoop reasserts the user's presence every period until the session
// closes. No leaked periodic work: the ticker stops with the session.
func (s *Session) heartbeatLoop(period time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.onlineMu.Lock()
			online := s.online
			s.onlineMu.Unlock()
			s.engine.presence.Heartbeat(s.userID, online)
			s.engine.publishPresence(s.userID, online)
		}
	}
}

// pumpMessages forwards the log subscription to the session stream, applying
// the duplicate rule before delivery.
func (s *Session) pumpMessages() {
	defer s.wg.Done()
	defer close(s.messages)

	for {
		select {
		case <-s.done:
			return
		case m, ok := <-s.msgSub.C:
			if !ok {
				if s.msgSub.Err() != nil {
					s.reportError(ErrSubscriptionOverflow)
				}
				return
			}
			if !s.dedup.Observe(m) {
				metrics.MessagesTotal.WithLabelValues("duplicate").Inc()
				continue
			}
			select {
			case s.messages <- m:
			case <-s.done:
				return
			}
		}
	}
}

func (s *Session) pumpPresence() {
	defer s.wg.Done()
	defer close(s.presence)

	for {
		select {
		case <-s.done:
			return
		case rec, ok := <-s.prSub.C:
			if !ok {
				if s.prSub.Err() != nil {
					s.reportError(ErrSubscriptionOverflow)
				}
				return
			}
			select {
			case s.presence <- rec:
			case <-s.done:
				return
			}
		}
	}
}

func (s *Session) pumpTyping() {
	defer s.wg.Done()
	defer close(s.typing)

	for {
		select {
		case <-s.done:
			return
		case v, ok := <-s.tySub.C:
			if !ok {
				if s.tySub.Err() != nil {
					s.reportError(ErrSubscriptionOverflow)
				}
				return
			}
			select {
			case s.typing <- v:
			case <-s.done:
				return
			}
		}
	}
}

// reportError pushes onto the error channel without ever blocking a pump.
func (s *Session) reportError(err error) {
	select {
	case s.errs <- err:
	default:
	}
}
