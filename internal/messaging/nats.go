// Package messaging provides a NATS client wrapper for publishing and
// consuming chat sync events across processes. The sync server publishes
// every accepted message, presence write, and typing write; downstream
// consumers (the archiver, ops tooling) subscribe by conversation or user.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Subject prefixes. Message subjects append the conversation key, presence
// subjects the user id, typing subjects the from and to identities.
const (
	SubjectMessage  = "chat.message"  // + .<conv_key>
	SubjectPresence = "chat.presence" // + .<user_id>
	SubjectTyping   = "chat.typing"   // + .<from>.<to>
)

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "chat-sync",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Client wraps the NATS connection with helper methods for the chat sync
// subjects and a registry of named subscriptions for cleanup.
type Client struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewClient(config Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Client{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// PublishMessage publishes an accepted chat message for one conversation.
func (c *Client) PublishMessage(convKey string, data []byte) error {
	return c.conn.Publish(SubjectMessage+"."+convKey, data)
}

// PublishPresence publishes a presence write for one user.
func (c *Client) PublishPresence(userID string, data []byte) error {
	return c.conn.Publish(SubjectPresence+"."+userID, data)
}

// PublishTyping publishes a typing write for one direction.
func (c *Client) PublishTyping(from, to string, data []byte) error {
	return c.conn.Publish(SubjectTyping+"."+from+"."+to, data)
}

// SubscribeMessages subscribes to one conversation's message events. The
// subscription is keyed by owner so multiple consumers on the same process
// can watch the same conversation without clobbering each other.
func (c *Client) SubscribeMessages(convKey, owner string, handler func(data []byte)) error {
	subject := SubjectMessage + "." + convKey
	return c.subscribe("msgsub:"+owner, subject, handler)
}

// UnsubscribeMessages drops an owner's conversation subscription.
func (c *Client) UnsubscribeMessages(owner string) error {
	return c.unsubscribe("msgsub:" + owner)
}

// SubscribeAllMessages subscribes to message events of every conversation,
// for log-consuming services like the archiver.
func (c *Client) SubscribeAllMessages(handler func(data []byte)) error {
	return c.subscribe("msgsub:*", SubjectMessage+".>", handler)
}

// SubscribePresence subscribes to one user's presence events.
func (c *Client) SubscribePresence(userID, owner string, handler func(data []byte)) error {
	subject := SubjectPresence + "." + userID
	return c.subscribe("prsub:"+owner, subject, handler)
}

// UnsubscribePresence drops an owner's presence subscription.
func (c *Client) UnsubscribePresence(owner string) error {
	return c.unsubscribe("prsub:" + owner)
}

// SubscribeTyping subscribes to one direction's typing events.
func (c *Client) SubscribeTyping(from, to, owner string, handler func(data []byte)) error {
	subject := SubjectTyping + "." + from + "." + to
	return c.subscribe("tysub:"+owner, subject, handler)
}

// UnsubscribeTyping drops an owner's typing subscription.
func (c *Client) UnsubscribeTyping(owner string) error {
	return c.unsubscribe("tysub:" + owner)
}

// subscribe registers a handler under a registry key for later cleanup.
func (c *Client) subscribe(key, subject string, handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[key] = sub
	c.mu.Unlock()
	return nil
}

// unsubscribe removes and unsubscribes a registered subscription.
func (c *Client) unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for key %s", key)
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", key, err)
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", key, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
