package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/agentlink/pkg/events"
	"github.com/rs/zerolog"
)

// EventBroadcaster fans engine events out to authenticated websocket clients
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger

	pumps sync.WaitGroup
}

// NewEventBroadcaster creates a broadcaster over clients
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients: clients,
		logger:  logger,
	}
}

// Broadcast sends evt to every authenticated client
func (b *EventBroadcaster) Broadcast(evt events.Event) {
	b.broadcastMessage(EventMessage{
		Type:      "event",
		Event:     string(evt.Type),
		Seq:       evt.Seq,
		Data:      evt.Data,
		Timestamp: timestamp(evt.Timestamp),
	})
}

// Pump broadcasts every event from sub until it closes
func (b *EventBroadcaster) Pump(sub *events.Subscription) {
	b.pumps.Add(1)
	go func() {
		defer b.pumps.Done()
		for evt := range sub.C {
			b.Broadcast(evt)
		}
	}()
}

// Wait blocks until every pump has drained
func (b *EventBroadcaster) Wait() {
	b.pumps.Wait()
}

func (b *EventBroadcaster) broadcastMessage(msg EventMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().
			Err(err).
			Str("event", msg.Event).
			Int64("seq", msg.Seq).
			Msg("Failed to marshal event")
		return
	}

	clients := b.clients.GetAuthenticatedClients()
	if len(clients) == 0 {
		b.logger.Debug().
			Str("event", msg.Event).
			Int64("seq", msg.Seq).
			Msg("No clients to broadcast to")
		return
	}

	failed := 0
	for _, client := range clients {
		if err := client.WriteMessage(websocket.TextMessage, data); err != nil {
			b.logger.Warn().
				Err(err).
				Str("clientId", client.ID).
				Str("event", msg.Event).
				Int64("seq", msg.Seq).
				Msg("Failed to broadcast to client")
			failed++
		}
	}

	b.logger.Debug().
		Str("event", msg.Event).
		Int64("seq", msg.Seq).
		Int("success", len(clients)-failed).
		Int("failed", failed).
		Msg("Event broadcast complete")
}

func timestamp(t time.Time) int64 {
	if t.IsZero() {
		return time.Now().UnixMilli()
	}
	return t.UnixMilli()
}
