package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/agentlink/pkg/commandqueue"
	"github.com/rs/zerolog"
)

// MemoryScheme is the endpoint prefix handled by the in-process broker
const MemoryScheme = "mem://"

// PropertySender is set on every message delivered by the in-process broker
const PropertySender = "sender"

// Operations that can be made to fail with Broker.FailNext
const (
	OpConnect     = "connect"
	OpSubscribe   = "subscribe"
	OpPublish     = "publish"
	OpUnsubscribe = "unsubscribe"
)

// ErrTakenOver is the loss reason when another connection claims the same client id
var ErrTakenOver = errors.New("client id taken over by a new connection")

// Broker is an in-process publish/subscribe broker with MQTT topic semantics.
type Broker struct {
	logger zerolog.Logger

	mu           sync.Mutex
	conns        map[string]*MemoryTransport
	retained     map[string]Message
	failures     map[string]error
	connectDelay time.Duration
	recording    bool
	published    []Message
}

// NewBroker creates an empty broker
func NewBroker(logger *zerolog.Logger) *Broker {
	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}
	return &Broker{
		logger:   l.With().Str("component", "transport.memory").Logger(),
		conns:    make(map[string]*MemoryTransport),
		retained: make(map[string]Message),
		failures: make(map[string]error),
	}
}

// NewTransport creates a disconnected transport attached to this broker
func (b *Broker) NewTransport() *MemoryTransport {
	return &MemoryTransport{
		broker: b,
		router: NewRouter(),
		subs:   make(map[string]byte),
	}
}

// FailNext makes the next call of op fail with err
func (b *Broker) FailNext(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[op] = err
}

// SetConnectDelay makes every Connect wait d (or until its context ends) before completing
func (b *Broker) SetConnectDelay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectDelay = d
}

// Drop closes a client's connection as if the network failed. It reports whether the
// client was connected.
func (b *Broker) Drop(clientID string, reason error) bool {
	b.mu.Lock()
	conn, ok := b.conns[clientID]
	if ok {
		delete(b.conns, clientID)
	}
	b.mu.Unlock()

	if !ok {
		return false
	}
	if reason == nil {
		reason = errors.New("connection reset by broker")
	}
	conn.lose(reason)
	return true
}

// Connected reports whether clientID has a live connection
func (b *Broker) Connected(clientID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.conns[clientID]
	return ok
}

// Retained returns the retained payload stored for topic
func (b *Broker) Retained(topic string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.retained[topic]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), m.Payload...), true
}

// Record starts keeping a log of routed messages for Published. The log is off by
// default so a long-running mem:// session does not grow without bound.
func (b *Broker) Record() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recording = true
}

// Published returns a copy of every message routed since Record, in order
func (b *Broker) Published() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.published...)
}

// Publish routes a message from outside any connection, e.g. a test driver
func (b *Broker) Publish(topic string, payload []byte, qos byte, retained bool) {
	b.route("", topic, payload, qos, retained)
}

func (b *Broker) takeFailure(op string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	err, ok := b.failures[op]
	if !ok {
		return nil
	}
	delete(b.failures, op)
	return err
}

func (b *Broker) attach(clientID string, conn *MemoryTransport) {
	b.mu.Lock()
	previous := b.conns[clientID]
	b.conns[clientID] = conn
	b.mu.Unlock()

	if previous != nil && previous != conn {
		b.logger.Debug().Str("clientId", clientID).Msg("Client id taken over")
		previous.lose(ErrTakenOver)
	}
}

func (b *Broker) detach(clientID string, conn *MemoryTransport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conns[clientID] == conn {
		delete(b.conns, clientID)
	}
}

func (b *Broker) route(sender, topic string, payload []byte, qos byte, retained bool) {
	msg := Message{
		Topic:      topic,
		Payload:    append([]byte(nil), payload...),
		QoS:        qos,
		Properties: map[string]string{PropertySender: sender},
	}

	b.mu.Lock()
	if b.recording {
		b.published = append(b.published, msg)
	}
	if retained {
		if len(payload) == 0 {
			delete(b.retained, topic)
		} else {
			kept := msg
			kept.Retained = true
			b.retained[topic] = kept
		}
	}
	targets := make([]*MemoryTransport, 0, len(b.conns))
	for _, conn := range b.conns {
		targets = append(targets, conn)
	}
	b.mu.Unlock()

	for _, conn := range targets {
		conn.deliver(msg)
	}
}

func (b *Broker) retainedFor(pattern string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Message
	for topic, m := range b.retained {
		if MatchTopic(pattern, topic) {
			out = append(out, m)
		}
	}
	return out
}

// MemoryTransport is a Transport connected to a Broker. Each connection delivers
// messages on its own ordered commandqueue.
type MemoryTransport struct {
	broker *Broker
	router *Router

	mu        sync.Mutex
	clientID  string
	connected bool
	subs      map[string]byte
	delivery  *commandqueue.Queue
	lost      func(error)
}

var _ Transport = (*MemoryTransport)(nil)

// Connect attaches to the broker. The endpoint must start with mem://.
func (t *MemoryTransport) Connect(ctx context.Context, endpoint, clientID string) error {
	if !strings.HasPrefix(endpoint, MemoryScheme) {
		return fmt.Errorf("connect %s: unsupported endpoint for in-memory broker", endpoint)
	}
	if clientID == "" {
		return fmt.Errorf("connect %s: client id cannot be empty", endpoint)
	}

	t.broker.mu.Lock()
	delay := t.broker.connectDelay
	t.broker.mu.Unlock()
	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("connect %s: %w", endpoint, ctxError(ctx))
		}
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("connect %s: %w", endpoint, ctxError(ctx))
	}
	if err := t.broker.takeFailure(OpConnect); err != nil {
		return fmt.Errorf("connect %s: %w", endpoint, err)
	}

	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return fmt.Errorf("connect %s: already connected", endpoint)
	}
	t.clientID = clientID
	t.connected = true
	t.delivery = commandqueue.New(commandqueue.Options{Name: "delivery:" + clientID})
	t.mu.Unlock()

	t.broker.attach(clientID, t)
	return nil
}

// Subscribe registers handler for pattern and replays matching retained messages
func (t *MemoryTransport) Subscribe(ctx context.Context, pattern string, qos byte, handler Handler) error {
	if !ValidPattern(pattern) {
		return fmt.Errorf("subscribe %q: invalid topic pattern", pattern)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("subscribe %s: %w", pattern, ctxError(ctx))
	}
	if !t.IsConnected() {
		return fmt.Errorf("subscribe %s: %w", pattern, ErrNotConnected)
	}
	if err := t.broker.takeFailure(OpSubscribe); err != nil {
		return fmt.Errorf("subscribe %s: %w", pattern, err)
	}

	t.mu.Lock()
	t.subs[pattern] = qos
	t.mu.Unlock()
	t.router.Add(pattern, handler)

	for _, m := range t.broker.retainedFor(pattern) {
		t.deliver(m)
	}
	return nil
}

// Unsubscribe removes handlers for patterns
func (t *MemoryTransport) Unsubscribe(ctx context.Context, patterns ...string) error {
	if err := t.broker.takeFailure(OpUnsubscribe); err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	t.mu.Lock()
	for _, p := range patterns {
		delete(t.subs, p)
	}
	connected := t.connected
	t.mu.Unlock()
	t.router.Remove(patterns...)

	if !connected {
		return fmt.Errorf("unsubscribe: %w", ErrNotConnected)
	}
	return nil
}

// Publish routes payload through the broker
func (t *MemoryTransport) Publish(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, ctxError(ctx))
	}

	t.mu.Lock()
	connected := t.connected
	clientID := t.clientID
	t.mu.Unlock()
	if !connected {
		return fmt.Errorf("publish %s: %w", topic, ErrNotConnected)
	}
	if err := t.broker.takeFailure(OpPublish); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	t.broker.route(clientID, topic, payload, qos, retained)
	return nil
}

// Disconnect detaches from the broker and stops delivery. Messages already queued for
// delivery are dropped.
func (t *MemoryTransport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = false
	clientID := t.clientID
	delivery := t.delivery
	t.delivery = nil
	t.subs = make(map[string]byte)
	t.mu.Unlock()

	t.router.Clear()
	t.broker.detach(clientID, t)

	done := make(chan struct{})
	go func() {
		delivery.Close()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("disconnect: %w", ErrTimeout)
	}
}

// IsConnected reports whether the transport is attached to the broker
func (t *MemoryTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// OnConnectionLost registers the loss callback
func (t *MemoryTransport) OnConnectionLost(fn func(err error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lost = fn
}

// ClientID returns the id of the current or last connection
func (t *MemoryTransport) ClientID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.clientID
}

func (t *MemoryTransport) deliver(msg Message) {
	t.mu.Lock()
	if !t.connected || !t.subscribed(msg.Topic) {
		t.mu.Unlock()
		return
	}
	delivery := t.delivery
	t.mu.Unlock()

	delivery.Post(func(ctx context.Context) (interface{}, error) {
		if !t.IsConnected() {
			return nil, nil
		}
		t.router.Dispatch(msg)
		return nil, nil
	})
}

// subscribed must be called with t.mu held
func (t *MemoryTransport) subscribed(topic string) bool {
	for pattern := range t.subs {
		if MatchTopic(pattern, topic) {
			return true
		}
	}
	return false
}

func (t *MemoryTransport) lose(reason error) {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return
	}
	t.connected = false
	delivery := t.delivery
	t.delivery = nil
	t.subs = make(map[string]byte)
	lost := t.lost
	t.mu.Unlock()

	t.router.Clear()

	delivery.Post(func(ctx context.Context) (interface{}, error) {
		if lost != nil {
			lost(reason)
		}
		return nil, nil
	})
	go delivery.Close()
}

func ctxError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ctx.Err()
}
