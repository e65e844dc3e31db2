// Package session manages connected-client session records backed by Redis.
// A record tracks who the connection belongs to, which peer it talks to, and
// the last message id the client acknowledged, so a reconnecting client can
// resume delivery from its cursor on any server instance.
package session

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Prefix is the Redis key prefix for all session hashes.
	Prefix = "chatsession:"

	// TTL is the time-to-live for session keys; refreshed on activity.
	TTL = 1 * time.Hour
)

// Session is a connected client's state stored in Redis.
type Session struct {
	ID         string `redis:"id"`
	UserName   string `redis:"user_name"`
	PeerName   string `redis:"peer_name"`
	Server     string `redis:"server"`      // which sync server instance
	LastAckID  uint64 `redis:"last_ack_id"` // replay cursor
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Store manages session records in Redis.
type Store struct {
	client     *redis.Client
	serverName string
}

// NewStore creates a session store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// Create stores a new session record with a fresh TTL.
func (s *Store) Create(ctx context.Context, sessionID, userName, peerName string) error {
	key := Prefix + sessionID
	now := time.Now().Unix()

	record := map[string]interface{}{
		"id":          sessionID,
		"user_name":   userName,
		"peer_name":   peerName,
		"server":      s.serverName,
		"last_ack_id": 0,
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, record)
	pipe.Expire(ctx, key, TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a session record. Returns nil if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	key := Prefix + sessionID
	var sess Session
	err := s.client.HGetAll(ctx, key).Scan(&sess)
	if err != nil {
		return nil, err
	}
	if sess.ID == "" {
		return nil, nil
	}
	return &sess, nil
}

// SetLastAck records the highest message id the client has acknowledged and
// refreshes the TTL.
func (s *Store) SetLastAck(ctx context.Context, sessionID string, id uint64) error {
	key := Prefix + sessionID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key,
		"last_ack_id", strconv.FormatUint(id, 10),
		"last_active", time.Now().Unix())
	pipe.Expire(ctx, key, TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Touch refreshes the session's TTL and last-active stamp.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	key := Prefix + sessionID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a session record.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	key := Prefix + sessionID
	return s.client.Del(ctx, key).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages
// (the rate limiter shares the connection).
func (s *Store) Client() *redis.Client {
	return s.client
}
