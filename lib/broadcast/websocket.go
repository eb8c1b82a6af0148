package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-multierror"
)

// websocket event names
const (
	EventComment       = "comment"       // client to hub, message to relay
	EventRemoteComment = "remoteComment" // hub to client, message from another participant
)

const (
	wsWriteTimeout   = 10 * time.Second
	wsPongTimeout    = 60 * time.Second
	wsPingInterval   = 30 * time.Second
	wsMaxMessageSize = 64 * 1024
	wsSendBuffer     = 64
)

// envelope wraps the payload with the event name, only the data part is a Message
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func encodeEnvelope(event string, msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("can't marshal message: %w", err)
	}
	res, err := json.Marshal(envelope{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("can't marshal envelope: %w", err)
	}
	return res, nil
}

func decodeEnvelope(frame []byte) (event string, msg Message, err error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return "", Message{}, fmt.Errorf("can't unmarshal envelope: %w", err)
	}
	if len(env.Data) == 0 {
		return env.Event, Message{}, errors.New("no data in envelope")
	}
	if err := json.Unmarshal(env.Data, &msg); err != nil {
		return env.Event, Message{}, fmt.Errorf("can't unmarshal message: %w", err)
	}
	return env.Event, msg, nil
}

// Hub is a websocket relay. Every "comment" event received from a client is sent
// to all other connected clients as "remoteComment". Clients unable to keep up are disconnected.
// In-process participants join with Join and take part in the same exchange as websocket clients.
type Hub struct {
	OnRelay func(msg Message) // optional, called for every relayed message

	upgrader websocket.Upgrader
	lock     sync.RWMutex
	clients  map[*wsClient]struct{}
	locals   map[*HubChannel]struct{}
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.done) })
}

// NewHub makes a websocket relay hub, allowed origins checked by checkOrigin if set
func NewHub(checkOrigin func(r *http.Request) bool) *Hub {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024, CheckOrigin: checkOrigin},
		clients:  map[*wsClient]struct{}{},
		locals:   map[*HubChannel]struct{}{},
	}
}

// Join adds an in-process participant. It gets comments from all websocket clients and other
// local participants, and its own messages go to all of them.
func (h *Hub) Join() *HubChannel {
	res := &HubChannel{hub: h, closed: make(chan struct{})}
	h.lock.Lock()
	h.locals[res] = struct{}{}
	h.lock.Unlock()
	return res
}

// ServeHTTP upgrades the connection and serves the client until it disconnects
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WARN] can't upgrade websocket connection from %s, %v", r.RemoteAddr, err)
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer), done: make(chan struct{})}
	h.lock.Lock()
	h.clients[client] = struct{}{}
	h.lock.Unlock()
	log.Printf("[DEBUG] websocket client connected from %s, clients: %d", r.RemoteAddr, h.Clients())

	go h.writePump(client)
	h.readPump(client)
	log.Printf("[DEBUG] websocket client %s disconnected", r.RemoteAddr)
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return len(h.clients)
}

// Close disconnects all clients, local participants are closed too
func (h *Hub) Close() error {
	h.lock.Lock()
	clients, locals := h.clients, h.locals
	h.clients = map[*wsClient]struct{}{}
	h.locals = map[*HubChannel]struct{}{}
	h.lock.Unlock()

	for l := range locals {
		l.once.Do(func() { close(l.closed) })
	}

	errs := new(multierror.Error)
	for c := range clients {
		c.close()
		if err := c.conn.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func (h *Hub) readPump(c *wsClient) {
	defer func() {
		h.remove(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(wsMaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[WARN] websocket read error, %v", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))

		event, msg, err := decodeEnvelope(frame)
		if err != nil {
			log.Printf("[WARN] bad websocket frame, %v", err)
			continue
		}
		if event != EventComment {
			log.Printf("[DEBUG] ignore websocket event %q", event)
			continue
		}
		out, err := encodeEnvelope(EventRemoteComment, msg)
		if err != nil {
			log.Printf("[WARN] %v", err)
			continue
		}
		h.relay(c, out)
		h.deliver(nil, msg)
		if h.OnRelay != nil {
			h.OnRelay(msg)
		}
	}
}

// relay queues the frame to every websocket client except the sender, from is nil for local participants
func (h *Hub) relay(from *wsClient, frame []byte) {
	var slow []*wsClient
	h.lock.RLock()
	for c := range h.clients {
		if c == from {
			continue
		}
		select {
		case c.send <- frame:
		default:
			slow = append(slow, c)
		}
	}
	h.lock.RUnlock()

	for _, c := range slow {
		log.Printf("[WARN] websocket client %s is too slow, disconnecting", c.conn.RemoteAddr())
		h.remove(c)
		_ = c.conn.Close()
	}
}

// deliver passes the message to local participants except the sender, handlers called outside the lock
func (h *Hub) deliver(from *HubChannel, msg Message) {
	h.lock.RLock()
	locals := make([]*HubChannel, 0, len(h.locals))
	for l := range h.locals {
		if l != from {
			locals = append(locals, l)
		}
	}
	h.lock.RUnlock()
	for _, l := range locals {
		l.handlers.dispatch(msg)
	}
}

func (h *Hub) remove(c *wsClient) {
	h.lock.Lock()
	delete(h.clients, c)
	h.lock.Unlock()
	c.close()
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteTimeout))
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Printf("[DEBUG] websocket write error, %v", err)
				c.close()
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				c.close()
				_ = c.conn.Close()
				return
			}
		}
	}
}

// HubChannel is an in-process participant of Hub, implements Channel
type HubChannel struct {
	hub      *Hub
	handlers handlers
	closed   chan struct{}
	once     sync.Once
}

// Publish sends the message to all websocket clients as "remoteComment" and to other local participants.
// It never blocks on slow clients, those are disconnected.
func (c *HubChannel) Publish(_ context.Context, msg Message) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	frame, err := encodeEnvelope(EventRemoteComment, msg)
	if err != nil {
		return err
	}
	c.hub.relay(nil, frame)
	c.hub.deliver(c, msg)
	return nil
}

// OnMessage registers a handler for messages from websocket clients and other local participants
func (c *HubChannel) OnMessage(h Handler) { c.handlers.add(h) }

// Close leaves the hub
func (c *HubChannel) Close() error {
	c.once.Do(func() {
		close(c.closed)
		c.hub.lock.Lock()
		delete(c.hub.locals, c)
		c.hub.lock.Unlock()
	})
	return nil
}

// WSChannel is a websocket client of Hub, implements Channel
type WSChannel struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	handlers handlers
	done     chan struct{}
	closed   chan struct{}
	once     sync.Once
}

// DialWS connects to the hub at url (ws:// or wss://) and starts receiving messages
func DialWS(ctx context.Context, url string, header http.Header) (*WSChannel, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("can't connect to hub %s: %w", url, err)
	}
	res := &WSChannel{conn: conn, done: make(chan struct{}), closed: make(chan struct{})}
	go res.readLoop()
	return res, nil
}

// Publish sends the message to the hub as "comment" event
func (c *WSChannel) Publish(ctx context.Context, msg Message) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	frame, err := encodeEnvelope(EventComment, msg)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("can't send message to hub: %w", err)
	}
	return nil
}

// OnMessage registers a handler for "remoteComment" events
func (c *WSChannel) OnMessage(h Handler) { c.handlers.add(h) }

// Done is closed when the connection to the hub is lost or closed
func (c *WSChannel) Done() <-chan struct{} { return c.done }

// Close sends close frame to the hub and waits for the read loop to finish
func (c *WSChannel) Close() error {
	errs := new(multierror.Error)
	c.once.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		err := c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteTimeout))
		c.writeMu.Unlock()
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			errs = multierror.Append(errs, fmt.Errorf("can't send close frame: %w", err))
		}
		select {
		case <-c.done:
		case <-time.After(time.Second):
		}
		if err := c.conn.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	})
	return errs.ErrorOrNil()
}

func (c *WSChannel) readLoop() {
	defer close(c.done)
	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				log.Printf("[WARN] hub connection lost, %v", err)
			}
			return
		}
		event, msg, err := decodeEnvelope(frame)
		if err != nil {
			log.Printf("[WARN] bad frame from hub, %v", err)
			continue
		}
		if event != EventRemoteComment {
			continue
		}
		c.handlers.dispatch(msg)
	}
}
