// Package archive provides PostgreSQL-backed durable storage of accepted
// chat messages. The in-memory log is authoritative for live delivery; the
// archive is the retention layer, written asynchronously by the archiver
// service consuming the NATS message stream.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Message is one archived chat message row.
type Message struct {
	ID         uint64
	ConvKey    string
	UserName   string
	Text       string
	Timestamp  time.Time // client-assigned send instant
	AcceptedAt time.Time // server accept instant
}

// Store manages archived messages in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates an archive store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Insert persists a message. Inserting the same id twice is a no-op, so
// redelivered events are safe.
func (s *Store) Insert(ctx context.Context, m *Message) error {
	const query = `
		INSERT INTO messages (id, conv_key, user_name, body, client_ts, accepted_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query,
		int64(m.ID),
		m.ConvKey,
		m.UserName,
		m.Text,
		m.Timestamp,
		m.AcceptedAt,
	)
	if err != nil {
		return fmt.Errorf("archive: insert id=%d: %w", m.ID, err)
	}
	return nil
}

// ListSince returns up to limit archived messages of a conversation with
// id > sinceID, in ascending id order.
func (s *Store) ListSince(ctx context.Context, convKey string, sinceID uint64, limit int) ([]Message, error) {
	const query = `
		SELECT id, conv_key, user_name, body, client_ts, accepted_at
		FROM messages
		WHERE conv_key = $1 AND id > $2
		ORDER BY id ASC
		LIMIT $3`

	rows, err := s.db.QueryContext(ctx, query, convKey, int64(sinceID), limit)
	if err != nil {
		return nil, fmt.Errorf("archive: list since %d: %w", sinceID, err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var id int64
		if err := rows.Scan(&id, &m.ConvKey, &m.UserName, &m.Text, &m.Timestamp, &m.AcceptedAt); err != nil {
			return nil, fmt.Errorf("archive: scan row: %w", err)
		}
		m.ID = uint64(id)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: iterate rows: %w", err)
	}
	return out, nil
}

// Count returns the number of archived messages for a conversation, for ops
// visibility.
func (s *Store) Count(ctx context.Context, convKey string) (int, error) {
	const query = `SELECT COUNT(*) FROM messages WHERE conv_key = $1`

	var count int
	if err := s.db.QueryRowContext(ctx, query, convKey).Scan(&count); err != nil {
		return 0, fmt.Errorf("archive: count: %w", err)
	}
	return count, nil
}
