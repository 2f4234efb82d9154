package fanout

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id string

	mu     sync.Mutex
	msgs   []any
	frames [][]byte
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(msg any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
}

func (c *fakeConn) SendBinary(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, data)
}

func (c *fakeConn) received() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.msgs...)
}

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	r := NewRegistry()
	a := &fakeConn{id: "a"}
	b := &fakeConn{id: "b"}
	r.Subscribe("s1", a)
	r.Subscribe("s1", b)

	r.Broadcast("s1", "hello")

	assert.Equal(t, []any{"hello"}, a.received())
	assert.Equal(t, []any{"hello"}, b.received())
}

func TestBroadcastExceptSkipsSender(t *testing.T) {
	r := NewRegistry()
	a := &fakeConn{id: "a"}
	b := &fakeConn{id: "b"}
	r.Subscribe("s1", a)
	r.Subscribe("s1", b)

	r.BroadcastExcept("s1", "a", "msg")

	assert.Empty(t, a.received())
	assert.Equal(t, []any{"msg"}, b.received())
}

func TestSubscribeIdempotent(t *testing.T) {
	r := NewRegistry()
	a := &fakeConn{id: "a"}
	r.Subscribe("s1", a)
	r.Subscribe("s1", a)

	r.Broadcast("s1", "once")
	assert.Len(t, a.received(), 1)
	assert.Equal(t, 1, r.SubscriberCount("s1"))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	r := NewRegistry()
	a := &fakeConn{id: "a"}
	r.Subscribe("s1", a)
	r.Unsubscribe("s1", "a")

	r.Broadcast("s1", "msg")
	assert.Empty(t, a.received())
	assert.Empty(t, r.Sessions("a"))
}

func TestDropRemovesAllBindings(t *testing.T) {
	r := NewRegistry()
	a := &fakeConn{id: "a"}
	r.Subscribe("s1", a)
	r.Subscribe("s2", a)
	require.ElementsMatch(t, []string{"s1", "s2"}, r.Sessions("a"))

	r.Drop("a")

	assert.Zero(t, r.SubscriberCount("s1"))
	assert.Zero(t, r.SubscriberCount("s2"))
	assert.Empty(t, r.Sessions("a"))
}

func TestBroadcastBinary(t *testing.T) {
	r := NewRegistry()
	a := &fakeConn{id: "a"}
	r.Subscribe("s1", a)

	r.BroadcastBinary("s1", []byte{1, 2, 3})

	a.mu.Lock()
	defer a.mu.Unlock()
	require.Len(t, a.frames, 1)
	assert.Equal(t, []byte{1, 2, 3}, a.frames[0])
}

func TestBroadcastUnknownSessionIsNoop(t *testing.T) {
	r := NewRegistry()
	r.Broadcast("missing", "msg")
	r.BroadcastBinary("missing", nil)
}
