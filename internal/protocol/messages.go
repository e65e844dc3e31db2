// Package protocol defines the WebSocket message types exchanged between
// chat clients and the sync server. All messages are JSON with a consistent
// envelope carrying a type discriminator. Presence timestamps travel as UTC
// ISO-8601 with millisecond precision, the format the mobile clients write.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Client -> server message types.
const (
	TypeHello    = "hello"
	TypeMessage  = "message"
	TypeTyping   = "typing"
	TypePresence = "presence"
	TypePing     = "ping"
)

// Server -> client message types. TypeMessage, TypeTyping, and TypePresence
// are reused in the server direction for pushed events.
const (
	TypeReady    = "ready"
	TypeAck      = "ack"
	TypeOverflow = "overflow"
	TypeError    = "error"
	TypePong     = "pong"
)

// TimeLayout is the wire format for presence timestamps:
// yyyy-MM-ddTHH:mm:ss.fffZ in UTC.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// FormatTime renders an instant in the wire timestamp format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a wire timestamp.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("protocol: bad timestamp %q: %w", s, err)
	}
	return t, nil
}

// Envelope holds the message type and the raw JSON payload for deferred
// decoding into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> server message structs
// ---------------------------------------------------------------------------

// HelloMsg opens a session: who the client is, who it talks to, and the last
// message id it has acknowledged (0 for full history). A reconnecting client
// that lost its local cursor can instead present the session id from its
// previous ready, and the server resumes from the cursor stored for it.
type HelloMsg struct {
	Type          string `json:"type"`
	UserName      string `json:"user_name"`
	PeerName      string `json:"peer_name"`
	SinceID       uint64 `json:"since_id"`
	PrevSessionID string `json:"prev_session_id,omitempty"`
}

// SendMsg carries a chat message from the client. The timestamp is
// client-assigned at send time, in unix milliseconds.
type SendMsg struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// TypingMsg renews or clears the client's typing indicator.
type TypingMsg struct {
	Type     string `json:"type"`
	IsTyping bool   `json:"is_typing"`
}

// PresenceMsg overrides the client's online flag (screen appear/disappear).
type PresenceMsg struct {
	Type     string `json:"type"`
	IsOnline bool   `json:"is_online"`
}

// PingMsg is a client-initiated keepalive.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> client message structs
// ---------------------------------------------------------------------------

// ReadyMsg confirms session establishment and reports the current log head,
// so the client knows where live delivery begins.
type ReadyMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	LastID    uint64 `json:"last_id"`
}

// AckMsg confirms an accepted send with its assigned id.
type AckMsg struct {
	Type       string `json:"type"`
	ID         uint64 `json:"id"`
	AcceptedAt int64  `json:"accepted_at"`
}

// ServerMessageMsg is a chat message pushed to the client (replay or live).
type ServerMessageMsg struct {
	Type      string `json:"type"`
	ID        uint64 `json:"id"`
	UserName  string `json:"user_name"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// ServerPresenceMsg is a peer presence change pushed to the client.
type ServerPresenceMsg struct {
	Type     string `json:"type"`
	UserName string `json:"user_name"`
	IsOnline bool   `json:"is_online"`
	LastSeen string `json:"last_seen"` // TimeLayout, empty when never seen
}

// ServerTypingMsg is a peer typing change pushed to the client.
type ServerTypingMsg struct {
	Type     string `json:"type"`
	IsTyping bool   `json:"is_typing"`
}

// OverflowMsg tells a slow client its stream was dropped; it should
// reconnect with since_id set to the given cursor.
type OverflowMsg struct {
	Type    string `json:"type"`
	SinceID uint64 `json:"since_id"`
}

// ErrorMsg communicates an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg answers a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the type string, the decoded struct, and any parse error. An
// error is returned for unknown or server-only types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeHello:
		var m HelloMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessage:
		var m SendMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePresence:
		var m PresenceMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded server message. The msgType is
// injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
