// Package events defines the user-visible event surface and fans events out to
// subscribers.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/agentlink/pkg/commandqueue"
	"github.com/rs/zerolog"
)

// Bus assigns sequence numbers and fans events out to subscribers. Emit never blocks:
// each subscription is fed by its own ordered pump, so a slow reader only delays itself.
type Bus struct {
	logger zerolog.Logger
	seq    int64
	now    func() time.Time

	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

// NewBus creates an empty bus
func NewBus(logger *zerolog.Logger) *Bus {
	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}
	return &Bus{
		logger: l.With().Str("component", "events").Logger(),
		now:    time.Now,
		subs:   make(map[uint64]*Subscription),
	}
}

var _ Emitter = (*Bus)(nil)

// Emit stamps and delivers an event to every subscriber
func (b *Bus) Emit(eventType Type, data interface{}) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	evt := Event{
		Seq:       atomic.AddInt64(&b.seq, 1),
		Type:      eventType,
		Timestamp: b.now(),
		Data:      data,
	}
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	b.logger.Debug().Str("event", string(eventType)).Int64("seq", evt.Seq).Int("subscribers", len(subs)).Msg("Event emitted")

	for _, s := range subs {
		s.push(evt)
	}
}

// Subscribe returns a subscription whose channel has the given buffer size
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan Event, buffer)
	s := &Subscription{
		C:    ch,
		ch:   ch,
		done: make(chan struct{}),
		bus:  b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.done)
		close(ch)
		s.closed = true
		return s
	}
	b.nextID++
	s.id = b.nextID
	s.pump = commandqueue.New(commandqueue.Options{Name: "events"})
	b.subs[s.id] = s
	return s
}

// Close ends every subscription and drops later events
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()

	for _, s := range subs {
		s.shutdown()
	}
}

// Subscription receives events on C until Unsubscribe or Bus.Close, after which C is closed.
type Subscription struct {
	C <-chan Event

	id   uint64
	ch   chan Event
	done chan struct{}
	pump *commandqueue.Queue
	bus  *Bus

	once   sync.Once
	closed bool
}

// Unsubscribe stops delivery and closes C. Undelivered events are dropped.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	s.shutdown()
}

func (s *Subscription) push(evt Event) {
	s.pump.Post(func(ctx context.Context) (interface{}, error) {
		select {
		case s.ch <- evt:
		case <-s.done:
		}
		return nil, nil
	})
}

func (s *Subscription) shutdown() {
	s.once.Do(func() {
		if s.closed {
			return
		}
		close(s.done)
		s.pump.Close()
		close(s.ch)
	})
}
