// Package messaging provides a NATS client wrapper for cross-instance
// conversation fan-out. Each conversation maps to one subject; frames
// published by one server instance are relayed to local members on every
// other instance subscribed to the same conversation.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectConversation is the subject prefix for conversation events;
// the full subject is "conversation.<conversation_id>".
const SubjectConversation = "conversation"

// ConversationEvent is the payload published per broadcast frame. Origin
// identifies the publishing instance so it can skip its own events.
type ConversationEvent struct {
	Origin string          `json:"origin"`
	Frame  json.RawMessage `json:"frame"`
}

// Client wraps the NATS connection with per-conversation subscriptions.
type Client struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

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
		Name:          "chatsync",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
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

// PublishConversation publishes data to the conversation.<conversationID>
// subject.
func (c *Client) PublishConversation(conversationID string, data []byte) error {
	return c.conn.Publish(SubjectConversation+"."+conversationID, data)
}

// SubscribeConversation registers a handler for a conversation's events.
// One subscription per conversation per instance; re-subscribing replaces
// the previous subscription.
func (c *Client) SubscribeConversation(conversationID string, handler func(data []byte)) error {
	subject := SubjectConversation + "." + conversationID
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	if old, ok := c.subs[conversationID]; ok {
		old.Unsubscribe()
	}
	c.subs[conversationID] = sub
	c.mu.Unlock()
	return nil
}

// UnsubscribeConversation drops the subscription for a conversation.
func (c *Client) UnsubscribeConversation(conversationID string) error {
	c.mu.Lock()
	sub, ok := c.subs[conversationID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for conversation %s", conversationID)
	}
	delete(c.subs, conversationID)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", conversationID, err)
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for conversationID, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", conversationID, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
