package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu   sync.Mutex
	msgs []Message
	ch   chan Message
}

func newCollector() *collector {
	return &collector{ch: make(chan Message, 64)}
}

func (c *collector) handle(msg Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	c.ch <- msg
}

func (c *collector) next(t *testing.T) Message {
	t.Helper()
	select {
	case msg := <-c.ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func (c *collector) none(t *testing.T) {
	t.Helper()
	select {
	case msg := <-c.ch:
		t.Fatalf("unexpected message on %s", msg.Topic)
	case <-time.After(30 * time.Millisecond):
	}
}

func connect(t *testing.T, b *Broker, clientID string) *MemoryTransport {
	t.Helper()
	tr := b.NewTransport()
	require.NoError(t, tr.Connect(context.Background(), "mem://test", clientID))
	t.Cleanup(func() { _ = tr.Disconnect(context.Background()) })
	return tr
}

func TestMemoryTransport_PublishSubscribe(t *testing.T) {
	ctx := context.Background()
	b := NewBroker(nil)
	sub := connect(t, b, "sub")
	pub := connect(t, b, "pub")

	c := newCollector()
	require.NoError(t, sub.Subscribe(ctx, "$agent-client/sub/#", 1, c.handle))

	require.NoError(t, pub.Publish(ctx, "$agent-client/sub/agent", []byte("one"), 1, false))
	require.NoError(t, pub.Publish(ctx, "$agent-client/other/agent", []byte("skip"), 1, false))
	require.NoError(t, pub.Publish(ctx, "$agent-client/sub/agent", []byte("two"), 1, false))

	first := c.next(t)
	assert.Equal(t, "one", string(first.Payload))
	assert.Equal(t, "pub", first.Property(PropertySender))
	assert.Equal(t, "two", string(c.next(t).Payload))
	c.none(t)
}

func TestMemoryTransport_OrderedDelivery(t *testing.T) {
	ctx := context.Background()
	b := NewBroker(nil)
	sub := connect(t, b, "sub")

	c := newCollector()
	require.NoError(t, sub.Subscribe(ctx, "t/#", 1, c.handle))

	for i := 0; i < 20; i++ {
		b.Publish("t/x", []byte{byte(i)}, 1, false)
	}
	for i := 0; i < 20; i++ {
		assert.Equal(t, byte(i), c.next(t).Payload[0])
	}
}

func TestMemoryTransport_Retained(t *testing.T) {
	ctx := context.Background()
	b := NewBroker(nil)
	pub := connect(t, b, "pub")

	require.NoError(t, pub.Publish(ctx, "presence/s1", []byte("online"), 1, true))
	payload, ok := b.Retained("presence/s1")
	require.True(t, ok)
	assert.Equal(t, "online", string(payload))

	late := connect(t, b, "late")
	c := newCollector()
	require.NoError(t, late.Subscribe(ctx, "presence/+", 1, c.handle))
	msg := c.next(t)
	assert.True(t, msg.Retained)
	assert.Equal(t, "online", string(msg.Payload))

	require.NoError(t, pub.Publish(ctx, "presence/s1", nil, 1, true))
	_, ok = b.Retained("presence/s1")
	assert.False(t, ok)
}

func TestMemoryTransport_Failures(t *testing.T) {
	ctx := context.Background()

	t.Run("should fail operations when not connected", func(t *testing.T) {
		tr := NewBroker(nil).NewTransport()
		assert.ErrorIs(t, tr.Publish(ctx, "a", nil, 1, false), ErrNotConnected)
		assert.ErrorIs(t, tr.Subscribe(ctx, "a", 1, func(Message) {}), ErrNotConnected)
		assert.NoError(t, tr.Disconnect(ctx))
	})

	t.Run("should reject non-memory endpoints", func(t *testing.T) {
		tr := NewBroker(nil).NewTransport()
		assert.Error(t, tr.Connect(ctx, "tcp://localhost:1883", "c"))
	})

	t.Run("should inject one-shot failures", func(t *testing.T) {
		b := NewBroker(nil)
		boom := errors.New("refused")
		b.FailNext(OpConnect, boom)

		tr := b.NewTransport()
		assert.ErrorIs(t, tr.Connect(ctx, "mem://x", "c"), boom)
		require.NoError(t, tr.Connect(ctx, "mem://x", "c"))
		defer tr.Disconnect(ctx)

		b.FailNext(OpPublish, boom)
		assert.ErrorIs(t, tr.Publish(ctx, "a", nil, 1, false), boom)
		assert.NoError(t, tr.Publish(ctx, "a", nil, 1, false))
	})

	t.Run("should honour context during connect delay", func(t *testing.T) {
		b := NewBroker(nil)
		b.SetConnectDelay(time.Second)
		tr := b.NewTransport()

		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, tr.Connect(cctx, "mem://x", "c"), ErrTimeout)
		assert.False(t, tr.IsConnected())
	})
}

func TestMemoryTransport_ConnectionLost(t *testing.T) {
	ctx := context.Background()

	t.Run("should report drop on the delivery goroutine", func(t *testing.T) {
		b := NewBroker(nil)
		tr := connect(t, b, "c1")

		lost := make(chan error, 1)
		tr.OnConnectionLost(func(err error) { lost <- err })

		reason := errors.New("network down")
		require.True(t, b.Drop("c1", reason))

		select {
		case err := <-lost:
			assert.Equal(t, reason, err)
		case <-time.After(time.Second):
			t.Fatal("loss not reported")
		}
		assert.False(t, tr.IsConnected())
		assert.False(t, b.Connected("c1"))
	})

	t.Run("should take over duplicate client id", func(t *testing.T) {
		b := NewBroker(nil)
		first := connect(t, b, "dup")

		lost := make(chan error, 1)
		first.OnConnectionLost(func(err error) { lost <- err })

		second := connect(t, b, "dup")
		select {
		case err := <-lost:
			assert.ErrorIs(t, err, ErrTakenOver)
		case <-time.After(time.Second):
			t.Fatal("takeover not reported")
		}
		assert.True(t, second.IsConnected())
	})

	t.Run("should not report explicit disconnect", func(t *testing.T) {
		b := NewBroker(nil)
		tr := b.NewTransport()
		require.NoError(t, tr.Connect(ctx, "mem://x", "c2"))

		called := make(chan struct{}, 1)
		tr.OnConnectionLost(func(error) { called <- struct{}{} })
		require.NoError(t, tr.Disconnect(ctx))

		select {
		case <-called:
			t.Fatal("loss callback invoked for explicit disconnect")
		case <-time.After(30 * time.Millisecond):
		}
	})
}

func TestBroker_RecordsOnlyWhenAsked(t *testing.T) {
	ctx := context.Background()
	b := NewBroker(nil)
	pub := connect(t, b, "pub")

	require.NoError(t, pub.Publish(ctx, "a/b", []byte("before"), 1, false))
	assert.Empty(t, b.Published())

	b.Record()
	require.NoError(t, pub.Publish(ctx, "a/b", []byte("after"), 1, false))
	b.Publish("a/c", []byte("driver"), 1, false)

	published := b.Published()
	require.Len(t, published, 2)
	assert.Equal(t, "after", string(published[0].Payload))
	assert.Equal(t, "pub", published[0].Property(PropertySender))
	assert.Equal(t, "a/c", published[1].Topic)
}
