package broadcast

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

const memoryQueueSize = 64

// MemoryHub connects in-process participants, thread-safe
type MemoryHub struct {
	lock    sync.RWMutex
	members map[string]*MemoryChannel
}

// NewMemoryHub makes an empty hub
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{members: map[string]*MemoryChannel{}}
}

// Join adds a new participant. Each participant gets messages from all others,
// delivered by its own goroutine in publish order.
func (h *MemoryHub) Join() *MemoryChannel {
	res := &MemoryChannel{
		id:    uuid.NewString(),
		hub:   h,
		queue: make(chan Message, memoryQueueSize),
		done:  make(chan struct{}),
	}
	h.lock.Lock()
	h.members[res.id] = res
	h.lock.Unlock()
	go res.run()
	return res
}

// Size returns the number of participants
func (h *MemoryHub) Size() int {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return len(h.members)
}

// publish enqueues the message to all members except the sender. Enqueue may block on a full queue,
// so it runs on a snapshot of members without holding the lock.
func (h *MemoryHub) publish(ctx context.Context, from string, msg Message) error {
	h.lock.RLock()
	receivers := make([]*MemoryChannel, 0, len(h.members))
	for id, m := range h.members {
		if id != from {
			receivers = append(receivers, m)
		}
	}
	h.lock.RUnlock()

	errs := new(multierror.Error)
	for _, m := range receivers {
		if err := m.enqueue(ctx, msg); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func (h *MemoryHub) leave(id string) {
	h.lock.Lock()
	delete(h.members, id)
	h.lock.Unlock()
}

// MemoryChannel is a participant of MemoryHub, implements Channel
type MemoryChannel struct {
	id       string
	hub      *MemoryHub
	handlers handlers
	queue    chan Message
	done     chan struct{}
	once     sync.Once
}

// ID returns participant id
func (c *MemoryChannel) ID() string { return c.id }

// Publish sends the message to all other participants. Blocks only if a receiver's queue is full.
func (c *MemoryChannel) Publish(ctx context.Context, msg Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	return c.hub.publish(ctx, c.id, msg)
}

// OnMessage registers a handler for messages from other participants
func (c *MemoryChannel) OnMessage(h Handler) { c.handlers.add(h) }

// Close leaves the hub, undelivered messages are dropped
func (c *MemoryChannel) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.hub.leave(c.id)
	})
	return nil
}

func (c *MemoryChannel) enqueue(ctx context.Context, msg Message) error {
	select {
	case c.queue <- msg:
		return nil
	case <-c.done:
		return nil // receiver left, nothing to deliver
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *MemoryChannel) run() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.queue:
			c.handlers.dispatch(msg)
		}
	}
}
