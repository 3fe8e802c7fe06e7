// Package messaging publishes dispatch events to NATS for out-of-process
// consumers: push-notification workers pick up messages queued for offline
// users, and analytics subscribe to presence changes. The core never blocks
// on these publishes; delivery to live connections does not depend on NATS.
package messaging

import (
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns.
const (
	// SubjectMessage + ".<receiver_id>" carries one MessageEvent per send.
	SubjectMessage = "dm.message"

	// SubjectPresence + ".<user_id>" carries one PresenceEvent per touch.
	SubjectPresence = "dm.presence"
)

// MessageEvent is published on every successful send.
type MessageEvent struct {
	MessageID  int64 `json:"message_id"`
	SenderID   int64 `json:"sender_id"`
	ReceiverID int64 `json:"receiver_id"`
	Delivered  bool  `json:"delivered"` // false means the receiver had no live connection
	Ts         int64 `json:"ts"`        // unix milliseconds
}

// PresenceEvent is published when a user connects or disconnects.
type PresenceEvent struct {
	UserID int64 `json:"user_id"`
	Online bool  `json:"online"`
	Ts     int64 `json:"ts"`
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
		Name:          "chatapp",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// Publisher wraps the NATS connection with helpers for dispatch events.
type Publisher struct {
	conn *nats.Conn
}

// NewPublisher connects to NATS with the given config and returns a ready
// Publisher. It returns an error if the initial connection fails.
func NewPublisher(config Config) (*Publisher, error) {
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
	return &Publisher{conn: nc}, nil
}

// PublishMessageEvent publishes data to dm.message.<receiverID>.
func (p *Publisher) PublishMessageEvent(receiverID int64, data []byte) error {
	return p.conn.Publish(SubjectMessage+"."+strconv.FormatInt(receiverID, 10), data)
}

// PublishPresenceEvent publishes data to dm.presence.<userID>.
func (p *Publisher) PublishPresenceEvent(userID int64, data []byte) error {
	return p.conn.Publish(SubjectPresence+"."+strconv.FormatInt(userID, 10), data)
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() {
	if err := p.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}
	log.Printf("[nats] publisher closed")
}
