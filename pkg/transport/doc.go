// Package transport carries raw payloads between the engine and a broker.
//
// Invariants:
// - One connection is shared by every role; each role registers its own topic patterns.
// - Handlers for one connection run on one transport-owned goroutine, in arrival order.
// - A handler must not wait on a publish acknowledgement; acks are delivered by the same
//   goroutine that runs handlers.
// - Every blocking call is bounded by its context.
//
// Two implementations are provided: MQTT, backed by the Eclipse Paho client, and
// MemoryTransport, an in-process broker with fault injection, used by tests and the
// offline mem:// demo. Package brokertest runs a real broker for testing MQTT.
package transport
