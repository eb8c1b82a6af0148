package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector accumulates received messages, safe for concurrent use
type collector struct {
	lock sync.Mutex
	msgs []Message
}

func (c *collector) handle(msg Message) {
	c.lock.Lock()
	c.msgs = append(c.msgs, msg)
	c.lock.Unlock()
}

func (c *collector) get() []Message {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([]Message(nil), c.msgs...)
}

func TestMessage_JSON(t *testing.T) {
	msg := Message{Username: "Anonymous", Timestamp: "2024-01-02T03:04:05Z", Comment: "Great post thanks"}
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"username":"Anonymous","timestamp":"2024-01-02T03:04:05Z","comment":"Great post thanks"}`,
		string(data))

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Len(t, fields, 3, "payload has exactly three fields")
}

func TestMemoryHub(t *testing.T) {
	hub := NewMemoryHub()
	a, b, c := hub.Join(), hub.Join(), hub.Join()
	assert.Equal(t, 3, hub.Size())
	assert.NotEqual(t, a.ID(), b.ID())

	var recvA, recvB, recvC collector
	a.OnMessage(recvA.handle)
	b.OnMessage(recvB.handle)
	c.OnMessage(recvC.handle)

	ctx := context.Background()
	for i := range 10 {
		require.NoError(t, a.Publish(ctx, Message{Username: "a", Comment: strings.Repeat("x", i+1)}))
	}
	require.NoError(t, b.Publish(ctx, Message{Username: "b", Comment: "from b"}))
	require.NoError(t, b.Publish(ctx, Message{Username: "b", Comment: "from b"}))

	assert.Eventually(t, func() bool { return len(recvC.get()) == 12 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return len(recvB.get()) == 10 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return len(recvA.get()) == 2 }, time.Second, 5*time.Millisecond)

	// order of messages from a single publisher is kept
	for i, m := range recvB.get() {
		assert.Equal(t, "a", m.Username, "b never gets own messages")
		assert.Len(t, m.Comment, i+1)
	}
	assert.Equal(t, []Message{{Username: "b", Comment: "from b"}, {Username: "b", Comment: "from b"}}, recvA.get(),
		"duplicates delivered as-is")

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, 2, hub.Size())
	assert.ErrorIs(t, c.Publish(ctx, Message{Comment: "closed"}), ErrClosed)
	require.NoError(t, a.Publish(ctx, Message{Comment: "after close"}))
	assert.Eventually(t, func() bool { return len(recvB.get()) == 11 }, time.Second, 5*time.Millisecond)
	assert.Len(t, recvC.get(), 12)
}

func TestMemoryHub_PublishContext(t *testing.T) {
	hub := NewMemoryHub()
	a, b := hub.Join(), hub.Join()
	block := make(chan struct{})
	defer close(block)
	b.OnMessage(func(Message) { <-block })

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	var err error
	for range memoryQueueSize + 2 {
		if err = a.Publish(ctx, Message{Comment: "fill"}); err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryHub_JoinWhilePublishBlocked(t *testing.T) {
	hub := NewMemoryHub()
	a, b, c := hub.Join(), hub.Join(), hub.Join()
	block := make(chan struct{})
	defer close(block)
	b.OnMessage(func(Message) { <-block })
	c.OnMessage(func(Message) { <-block })

	ctx, cancel := context.WithCancel(context.Background())
	published := make(chan error, 1)
	go func() {
		for {
			if err := a.Publish(ctx, Message{Comment: "fill"}); err != nil {
				published <- err
				return
			}
		}
	}()
	assert.Eventually(t, func() bool { return len(b.queue) == memoryQueueSize || len(c.queue) == memoryQueueSize },
		time.Second, 5*time.Millisecond)

	joined := make(chan *MemoryChannel)
	go func() { joined <- hub.Join() }()
	select {
	case d := <-joined:
		assert.Equal(t, 4, hub.Size())
		require.NoError(t, d.Close())
	case <-time.After(time.Second):
		t.Fatal("join blocked by a stuck publisher")
	}

	cancel()
	select {
	case err := <-published:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("publish not released by context")
	}
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestHub_Relay(t *testing.T) {
	hub := NewHub(nil)
	var relayed collector
	hub.OnRelay = relayed.handle
	ts := httptest.NewServer(hub)
	defer ts.Close()

	ctx := context.Background()
	a, err := DialWS(ctx, wsURL(ts), nil)
	require.NoError(t, err)
	defer a.Close()
	b, err := DialWS(ctx, wsURL(ts), nil)
	require.NoError(t, err)
	defer b.Close()
	assert.Eventually(t, func() bool { return hub.Clients() == 2 }, time.Second, 5*time.Millisecond)

	var recvA, recvB collector
	a.OnMessage(recvA.handle)
	b.OnMessage(recvB.handle)

	msg := Message{Username: "Anonymous", Timestamp: "2024-01-02T03:04:05Z", Comment: "Great post thanks"}
	require.NoError(t, a.Publish(ctx, msg))
	require.NoError(t, a.Publish(ctx, msg))

	assert.Eventually(t, func() bool { return len(recvB.get()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, msg, recvB.get()[0])
	assert.Eventually(t, func() bool { return len(relayed.get()) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, recvA.get(), "sender doesn't get own messages")

	require.NoError(t, b.Close())
	assert.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, b.Publish(ctx, msg), ErrClosed)
	select {
	case <-b.Done():
	case <-time.After(time.Second):
		t.Fatal("read loop not finished")
	}
}

func TestHub_WireFormat(t *testing.T) {
	hub := NewHub(nil)
	ts := httptest.NewServer(hub)
	defer ts.Close()

	sender, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.NoError(t, err)
	defer sender.Close()
	receiver, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.NoError(t, err)
	defer receiver.Close()
	assert.Eventually(t, func() bool { return hub.Clients() == 2 }, time.Second, 5*time.Millisecond)

	// garbage and unknown events are ignored, the connection stays alive
	require.NoError(t, sender.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, sender.WriteMessage(websocket.TextMessage, []byte(`{"event":"typing","data":{}}`)))
	require.NoError(t, sender.WriteMessage(websocket.TextMessage,
		[]byte(`{"event":"comment","data":{"username":"bob","timestamp":"t1","comment":"hi","extra":"dropped"}}`)))

	require.NoError(t, receiver.SetReadDeadline(time.Now().Add(time.Second)))
	_, frame, err := receiver.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"remoteComment","data":{"username":"bob","timestamp":"t1","comment":"hi"}}`, string(frame))

	require.NoError(t, hub.Close())
	assert.Equal(t, 0, hub.Clients())
}

func TestHub_Join(t *testing.T) {
	hub := NewHub(nil)
	ts := httptest.NewServer(hub)
	defer ts.Close()

	local, other := hub.Join(), hub.Join()
	var recvLocal, recvOther, recvPeer collector
	local.OnMessage(recvLocal.handle)
	other.OnMessage(recvOther.handle)

	ctx := context.Background()
	peer, err := DialWS(ctx, wsURL(ts), nil)
	require.NoError(t, err)
	defer peer.Close()
	peer.OnMessage(recvPeer.handle)
	assert.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	// local message goes to the websocket peer and the other local participant
	msg := Message{Username: "alice", Timestamp: "2024-01-02T03:04:05Z", Comment: "great post"}
	require.NoError(t, local.Publish(ctx, msg))
	assert.Eventually(t, func() bool { return len(recvPeer.get()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, msg, recvPeer.get()[0])
	assert.Equal(t, []Message{msg}, recvOther.get())

	// peer message goes to both local participants
	fromPeer := Message{Username: "bob", Timestamp: "2024-01-02T03:04:06Z", Comment: "hello from peer"}
	require.NoError(t, peer.Publish(ctx, fromPeer))
	assert.Eventually(t, func() bool { return len(recvLocal.get()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, fromPeer, recvLocal.get()[0])
	assert.Eventually(t, func() bool { return len(recvOther.get()) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, recvPeer.get(), 1, "peer doesn't get own messages")

	require.NoError(t, other.Close())
	require.NoError(t, local.Publish(ctx, msg))
	assert.Eventually(t, func() bool { return len(recvPeer.get()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Len(t, recvOther.get(), 2, "closed participant gets nothing")
	assert.ErrorIs(t, other.Publish(ctx, msg), ErrClosed)

	require.NoError(t, hub.Close())
	assert.ErrorIs(t, local.Publish(ctx, msg), ErrClosed)
	require.NoError(t, local.Close())
}

func TestDialWS_Error(t *testing.T) {
	_, err := DialWS(context.Background(), "ws://127.0.0.1:1/ws", nil)
	require.Error(t, err)
}

func TestEnvelope(t *testing.T) {
	frame, err := encodeEnvelope(EventComment, Message{Username: "u", Timestamp: "t", Comment: "c"})
	require.NoError(t, err)
	event, msg, err := decodeEnvelope(frame)
	require.NoError(t, err)
	assert.Equal(t, EventComment, event)
	assert.Equal(t, Message{Username: "u", Timestamp: "t", Comment: "c"}, msg)

	_, _, err = decodeEnvelope([]byte(`{"event":"comment"}`))
	require.Error(t, err)
	_, _, err = decodeEnvelope([]byte(`{"event":"comment","data":"str"}`))
	require.Error(t, err)
}

// fakeNATS delivers published messages synchronously to all subscribers of the subject
type fakeNATS struct {
	lock      sync.Mutex
	subs      map[string][]nats.MsgHandler
	published []*nats.Msg
	pubErr    error
	subErr    error
}

func (f *fakeNATS) PublishMsg(m *nats.Msg) error {
	if f.pubErr != nil {
		return f.pubErr
	}
	f.lock.Lock()
	f.published = append(f.published, m)
	subs := append([]nats.MsgHandler(nil), f.subs[m.Subject]...)
	f.lock.Unlock()
	for _, h := range subs {
		h(m)
	}
	return nil
}

func (f *fakeNATS) Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error) {
	if f.subErr != nil {
		return nil, f.subErr
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.subs == nil {
		f.subs = map[string][]nats.MsgHandler{}
	}
	f.subs[subj] = append(f.subs[subj], cb)
	return nil, nil
}

func TestNATSChannel(t *testing.T) {
	conn := &fakeNATS{}
	a, err := NewNATSChannel(conn, "comments")
	require.NoError(t, err)
	b, err := NewNATSChannel(conn, "comments")
	require.NoError(t, err)
	other, err := NewNATSChannel(conn, "other")
	require.NoError(t, err)
	assert.NotEqual(t, a.Origin(), b.Origin())

	var recvA, recvB, recvOther collector
	a.OnMessage(recvA.handle)
	b.OnMessage(recvB.handle)
	other.OnMessage(recvOther.handle)

	msg := Message{Username: "Anonymous", Timestamp: "2024-01-02T03:04:05Z", Comment: "Great post thanks"}
	require.NoError(t, a.Publish(context.Background(), msg))

	assert.Equal(t, []Message{msg}, recvB.get())
	assert.Empty(t, recvA.get())
	assert.Empty(t, recvOther.get())

	require.Len(t, conn.published, 1)
	assert.JSONEq(t, `{"username":"Anonymous","timestamp":"2024-01-02T03:04:05Z","comment":"Great post thanks"}`,
		string(conn.published[0].Data))
	assert.Equal(t, a.Origin(), conn.published[0].Header.Get("Origin"))

	// message without origin, i.e. from another implementation
	b.receive(&nats.Msg{Subject: "comments", Data: []byte(`{"username":"x","timestamp":"t","comment":"c"}`)})
	b.receive(&nats.Msg{Subject: "comments", Data: []byte(`bad`)})
	assert.Len(t, recvB.get(), 2)

	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.Publish(context.Background(), msg), ErrClosed)
}

func TestNATSChannel_Errors(t *testing.T) {
	_, err := NewNATSChannel(&fakeNATS{}, "")
	require.Error(t, err)

	_, err = NewNATSChannel(&fakeNATS{subErr: errors.New("no connection")}, "comments")
	require.Error(t, err)

	c, err := NewNATSChannel(&fakeNATS{pubErr: errors.New("disconnected")}, "comments")
	require.NoError(t, err)
	err = c.Publish(context.Background(), Message{Comment: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disconnected")
}

func TestChannelInterface(t *testing.T) {
	var _ Channel = &MemoryChannel{}
	var _ Channel = &WSChannel{}
	var _ Channel = &HubChannel{}
	var _ Channel = &NATSChannel{}
}
