package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// originHeader carries publisher id, used to skip own messages
const originHeader = "Origin"

// NATSConn is a subset of *nats.Conn used by NATSChannel
type NATSConn interface {
	PublishMsg(m *nats.Msg) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// NATSChannel publishes messages to a nats subject and receives messages of other publishers from it
type NATSChannel struct {
	conn     NATSConn
	subject  string
	origin   string
	sub      *nats.Subscription
	handlers handlers
	closed   atomic.Bool
}

// NewNATSChannel subscribes to the subject and makes a channel with a unique origin id
func NewNATSChannel(conn NATSConn, subject string) (*NATSChannel, error) {
	if subject == "" {
		return nil, fmt.Errorf("empty nats subject")
	}
	res := &NATSChannel{conn: conn, subject: subject, origin: uuid.NewString()}
	sub, err := conn.Subscribe(subject, res.receive)
	if err != nil {
		return nil, fmt.Errorf("can't subscribe to %s: %w", subject, err)
	}
	res.sub = sub
	return res, nil
}

// Origin returns the id of this participant
func (c *NATSChannel) Origin() string { return c.origin }

// Publish sends the message to the subject, the payload is the bare json message
func (c *NATSChannel) Publish(_ context.Context, msg Message) error {
	if c.closed.Load() {
		return ErrClosed
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("can't marshal message: %w", err)
	}
	m := nats.NewMsg(c.subject)
	m.Header.Set(originHeader, c.origin)
	m.Data = data
	if err := c.conn.PublishMsg(m); err != nil {
		return fmt.Errorf("can't publish to %s: %w", c.subject, err)
	}
	return nil
}

// OnMessage registers a handler for messages of other publishers
func (c *NATSChannel) OnMessage(h Handler) { c.handlers.add(h) }

// Close unsubscribes from the subject, the connection itself is not closed
func (c *NATSChannel) Close() error {
	if c.closed.Swap(true) || c.sub == nil {
		return nil
	}
	if err := c.sub.Unsubscribe(); err != nil {
		return fmt.Errorf("can't unsubscribe from %s: %w", c.subject, err)
	}
	return nil
}

func (c *NATSChannel) receive(m *nats.Msg) {
	if c.closed.Load() {
		return
	}
	if m.Header != nil && m.Header.Get(originHeader) == c.origin {
		return
	}
	var msg Message
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		log.Printf("[WARN] can't unmarshal message from %s, %v", m.Subject, err)
		return
	}
	c.handlers.dispatch(msg)
}
