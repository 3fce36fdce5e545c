package transport

import (
	"context"
	"errors"
)

var (
	// ErrNotConnected is returned by operations that need a live connection.
	ErrNotConnected = errors.New("transport not connected")
	// ErrTimeout is returned when a bounded wait expires before the broker answers.
	ErrTimeout = errors.New("transport operation timed out")
)

// Message is a single inbound publication
type Message struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
	// Properties carries per-message metadata when the transport supports it.
	Properties map[string]string
}

// Property returns a metadata value or the empty string
func (m Message) Property(key string) string {
	if m.Properties == nil {
		return ""
	}
	return m.Properties[key]
}

// Handler receives messages for a subscribed topic pattern
type Handler func(msg Message)

// Transport is a publish/subscribe connection to a broker
type Transport interface {
	Connect(ctx context.Context, endpoint, clientID string) error
	Subscribe(ctx context.Context, pattern string, qos byte, handler Handler) error
	Unsubscribe(ctx context.Context, patterns ...string) error
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
	// OnConnectionLost registers a callback for unexpected disconnects. It is not
	// invoked for Disconnect.
	OnConnectionLost(fn func(err error))
}

// Publisher is the subset of Transport needed to send messages
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error
}
