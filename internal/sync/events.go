package sync

import "time"

// MessageEvent is published for every accepted message, keyed by the
// conversation it belongs to. The archiver persists these to Postgres.
type MessageEvent struct {
	ID         uint64    `json:"id"`
	ConvKey    string    `json:"conv_key"`
	UserName   string    `json:"user_name"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// PresenceEvent is published on every presence write the engine applies.
type PresenceEvent struct {
	UserID   string    `json:"user_id"`
	IsOnline bool      `json:"is_online"`
	LastSeen time.Time `json:"last_seen"`
}

// TypingEvent is published on every typing write the engine applies.
type TypingEvent struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	IsTyping  bool      `json:"is_typing"`
	Timestamp time.Time `json:"timestamp"`
}
