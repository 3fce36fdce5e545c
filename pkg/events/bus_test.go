package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, s *Subscription) Event {
	t.Helper()
	select {
	case evt, ok := <-s.C:
		require.True(t, ok, "subscription closed")
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestBus_EmitOrder(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	sub := bus.Subscribe(0)
	bus.Emit(TypeTextDelta, TextDelta{Delta: "Hi", Text: "Hi", Started: true})
	bus.Emit(TypeTextDelta, TextDelta{Delta: " there", Text: "Hi there"})
	bus.Emit(TypeTextFinished, TextFinished{Text: "Hi there"})

	first := receive(t, sub)
	second := receive(t, sub)
	third := receive(t, sub)

	assert.Equal(t, TypeTextDelta, first.Type)
	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, int64(2), second.Seq)
	assert.Equal(t, TypeTextFinished, third.Type)
	assert.Equal(t, TextFinished{Text: "Hi there"}, third.Data)
	assert.False(t, first.Timestamp.IsZero())
}

func TestBus_EmitDoesNotBlockOnSlowSubscriber(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	slow := bus.Subscribe(0)
	fast := bus.Subscribe(100)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			bus.Emit(TypeError, ErrorData{Message: "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on an unread subscription")
	}

	for i := 0; i < 50; i++ {
		assert.Equal(t, int64(i+1), receive(t, fast).Seq)
	}
	assert.Equal(t, int64(1), receive(t, slow).Seq)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	sub := bus.Subscribe(1)
	sub.Unsubscribe()
	sub.Unsubscribe()

	bus.Emit(TypeVoiceChatStopped, VoiceChatStopped{Initiator: InitiatorLocal})

	_, ok := <-sub.C
	assert.False(t, ok)
}

func TestBus_Close(t *testing.T) {
	bus := NewBus(nil)
	sub := bus.Subscribe(1)
	bus.Close()

	_, ok := <-sub.C
	assert.False(t, ok)

	late := bus.Subscribe(1)
	_, ok = <-late.C
	assert.False(t, ok)

	bus.Emit(TypeError, ErrorData{Message: "ignored"})
	sub.Unsubscribe()
}

func TestEmitterFunc(t *testing.T) {
	var got []Type
	var e Emitter = EmitterFunc(func(eventType Type, data interface{}) {
		got = append(got, eventType)
	})
	e.Emit(TypeVoiceChatReady, VoiceChatParameters{})
	Discard.Emit(TypeError, nil)

	assert.Equal(t, []Type{TypeVoiceChatReady}, got)
}
