package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// MQTTOptions configures the Paho-backed transport
type MQTTOptions struct {
	Username  string
	Password  string
	KeepAlive time.Duration
	// Quiesce is how long Disconnect lets in-flight work finish.
	Quiesce time.Duration
	Logger  *zerolog.Logger
}

// MQTT implements Transport on top of the Eclipse Paho client.
// Subscriptions are registered without per-topic callbacks so every inbound message
// goes through the default publish handler and the shared Router.
type MQTT struct {
	opts   MQTTOptions
	logger zerolog.Logger
	router *Router

	mu     sync.RWMutex
	client mqtt.Client
	lost   func(error)
}

// NewMQTT creates a disconnected MQTT transport
func NewMQTT(opts MQTTOptions) *MQTT {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 60 * time.Second
	}
	if opts.Quiesce <= 0 {
		opts.Quiesce = 250 * time.Millisecond
	}

	return &MQTT{
		opts:   opts,
		logger: logger.With().Str("component", "transport.mqtt").Logger(),
		router: NewRouter(),
	}
}

// Connect opens a clean session to endpoint. Automatic reconnect is disabled.
func (t *MQTT) Connect(ctx context.Context, endpoint, clientID string) error {
	t.mu.Lock()
	if t.client != nil && t.client.IsConnectionOpen() {
		t.mu.Unlock()
		return fmt.Errorf("connect %s: already connected", endpoint)
	}
	t.mu.Unlock()

	opts := mqtt.NewClientOptions().
		AddBroker(endpoint).
		SetClientID(clientID).
		SetCleanSession(true).
		SetKeepAlive(t.opts.KeepAlive).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(true).
		SetDefaultPublishHandler(t.onMessage).
		SetConnectionLostHandler(t.onConnectionLost)

	if deadline, ok := ctx.Deadline(); ok {
		opts.SetConnectTimeout(time.Until(deadline))
	}
	if t.opts.Username != "" {
		opts.SetUsername(t.opts.Username)
	}
	if t.opts.Password != "" {
		opts.SetPassword(t.opts.Password)
	}

	client := mqtt.NewClient(opts)
	if err := t.wait(ctx, client.Connect()); err != nil {
		client.Disconnect(0)
		return fmt.Errorf("connect %s: %w", endpoint, err)
	}

	t.mu.Lock()
	t.client = client
	t.mu.Unlock()

	t.logger.Info().Str("endpoint", endpoint).Str("clientId", clientID).Msg("Connected to broker")
	return nil
}

// Subscribe registers handler for pattern and subscribes on the broker
func (t *MQTT) Subscribe(ctx context.Context, pattern string, qos byte, handler Handler) error {
	if !ValidPattern(pattern) {
		return fmt.Errorf("subscribe %q: invalid topic pattern", pattern)
	}
	client, err := t.current()
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", pattern, err)
	}

	t.router.Add(pattern, handler)
	if err := t.wait(ctx, client.Subscribe(pattern, qos, nil)); err != nil {
		t.router.Remove(pattern)
		return fmt.Errorf("subscribe %s: %w", pattern, err)
	}

	t.logger.Debug().Str("topic", pattern).Uint8("qos", qos).Msg("Subscribed")
	return nil
}

// Unsubscribe removes the handlers and broker subscriptions for patterns
func (t *MQTT) Unsubscribe(ctx context.Context, patterns ...string) error {
	if len(patterns) == 0 {
		return nil
	}
	t.router.Remove(patterns...)

	client, err := t.current()
	if err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	if err := t.wait(ctx, client.Unsubscribe(patterns...)); err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	return nil
}

// Publish sends payload and waits for the broker acknowledgement up to ctx
func (t *MQTT) Publish(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error {
	client, err := t.current()
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	if err := t.wait(ctx, client.Publish(topic, qos, retained, payload)); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Disconnect closes the connection. It is a no-op when not connected.
func (t *MQTT) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	client := t.client
	t.client = nil
	t.mu.Unlock()
	t.router.Clear()

	if client == nil {
		return nil
	}

	quiesce := t.opts.Quiesce
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < quiesce {
			quiesce = remaining
		}
	}
	if quiesce < 0 {
		quiesce = 0
	}

	done := make(chan struct{})
	go func() {
		client.Disconnect(uint(quiesce.Milliseconds()))
		close(done)
	}()

	select {
	case <-done:
		t.logger.Info().Msg("Disconnected from broker")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("disconnect: %w", ErrTimeout)
	}
}

// IsConnected reports whether the connection is open
func (t *MQTT) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.client != nil && t.client.IsConnectionOpen()
}

// OnConnectionLost registers the loss callback
func (t *MQTT) OnConnectionLost(fn func(err error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lost = fn
}

func (t *MQTT) current() (mqtt.Client, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.client == nil || !t.client.IsConnectionOpen() {
		return nil, ErrNotConnected
	}
	return t.client, nil
}

func (t *MQTT) onMessage(_ mqtt.Client, m mqtt.Message) {
	msg := Message{
		Topic:    m.Topic(),
		Payload:  m.Payload(),
		QoS:      m.Qos(),
		Retained: m.Retained(),
	}
	if n := t.router.Dispatch(msg); n == 0 {
		t.logger.Debug().Str("topic", msg.Topic).Msg("No handler for topic")
	}
}

func (t *MQTT) onConnectionLost(_ mqtt.Client, err error) {
	t.mu.Lock()
	t.client = nil
	lost := t.lost
	t.mu.Unlock()
	t.router.Clear()

	t.logger.Warn().Err(err).Msg("Connection lost")
	if lost != nil {
		lost(err)
	}
}

// wait blocks until the token completes or ctx ends
func (t *MQTT) wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return ErrTimeout
		}
		return ctx.Err()
	}
}
