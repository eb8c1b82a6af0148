// Package broadcast delivers accepted messages to other participants and receives theirs.
// All transports share the same payload, a json object with exactly three fields:
// username, timestamp and comment. Transport envelopes are never part of the payload.
//
// Three implementations are provided:
//
//   - MemoryHub and MemoryChannel for participants living in the same process
//   - Hub (websocket relay server) with HubChannel for the in-process participant, and WSChannel (websocket client)
//   - NATSChannel publishing to a nats subject
//
// A participant never receives its own messages. Messages from others are passed to handlers
// in receipt order, duplicates are delivered as-is.
package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"
)

// TimeFormat is the layout of Message.Timestamp for locally created messages
const TimeFormat = time.RFC3339

// ErrClosed returned on publish to a closed channel
var ErrClosed = errors.New("channel closed")

// Message is a broadcast payload. Values are copied, never shared.
type Message struct {
	Username  string `json:"username"`
	Timestamp string `json:"timestamp"`
	Comment   string `json:"comment"`
}

// Handler is called for every message received from other participants
type Handler func(msg Message)

// Channel is a publish/subscribe channel shared by all participants
type Channel interface {
	Publish(ctx context.Context, msg Message) error
	OnMessage(h Handler)
}

// handlers keeps registered handlers and calls them in registration order
type handlers struct {
	lock sync.RWMutex
	list []Handler
}

func (h *handlers) add(fn Handler) {
	if fn == nil {
		return
	}
	h.lock.Lock()
	h.list = append(h.list, fn)
	h.lock.Unlock()
}

func (h *handlers) dispatch(msg Message) {
	h.lock.RLock()
	list := h.list
	h.lock.RUnlock()
	for _, fn := range list {
		fn(msg)
	}
}
