package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/harun/agentlink/pkg/agentclient"
	"github.com/harun/agentlink/pkg/agentsim"
	"github.com/harun/agentlink/pkg/coretools"
	"github.com/harun/agentlink/pkg/events"
	"github.com/harun/agentlink/pkg/jsonrpc"
	"github.com/harun/agentlink/pkg/toolserver"
	"github.com/harun/agentlink/pkg/transport"
	"github.com/harun/agentlink/pkg/transport/brokertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newMQTTHarness runs the engine and the simulated agent over Paho against an
// embedded broker
func newMQTTHarness(t *testing.T) (*harness, *brokertest.Server) {
	t.Helper()

	srv := brokertest.NewServer(t)
	agent := agentsim.New(transport.NewMQTT(transport.MQTTOptions{Quiesce: 10 * time.Millisecond}), agentsim.Options{AgentID: agentID})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, agent.Start(ctx, srv.URL))

	eng, err := New(Options{
		Transport:  transport.NewMQTT(transport.MQTTOptions{Quiesce: 10 * time.Millisecond}),
		StopGrace:  time.Second,
		ToolServer: toolserver.Options{ServerID: "srv"},
	})
	require.NoError(t, err)

	h := &harness{
		agent:  agent,
		engine: eng,
		events: eng.Subscribe(64),
	}
	t.Cleanup(func() {
		_ = eng.Close(context.Background())
		_ = agent.Stop(context.Background())
	})
	return h, srv
}

func (h *harness) startAt(t *testing.T, url string) events.VoiceChatParameters {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.engine.Start(ctx, url, agentID, clientID))
	evt := h.next(t, events.TypeVoiceChatReady)
	assert.Equal(t, agentclient.PhaseActive, h.engine.Phase())
	return evt.Data.(events.VoiceChatParameters)
}

func TestEngine_MQTTSession(t *testing.T) {
	h, srv := newMQTTHarness(t)

	params := h.startAt(t, srv.URL)
	assert.Equal(t, "room-c1", params.RoomID)
	assert.Equal(t, "bot", params.TargetUserID)
	assert.True(t, h.engine.Connected())

	t.Run("should serve the light tool", func(t *testing.T) {
		require.Eventually(t, func() bool { return len(h.agent.Servers()) == 1 }, 2*time.Second, 10*time.Millisecond)

		resp, err := h.agent.CallTool(context.Background(), "light", map[string]interface{}{"action": "on"})
		require.NoError(t, err)
		require.Equal(t, jsonrpc.KindResponse, resp.Kind)
		assert.Equal(t, true, resp.ResultMap()["success"])
		assert.Equal(t, "light is on", resp.ResultMap()["content"])

		change := h.next(t, events.TypeToolStateChanged).Data.(events.ToolStateChange)
		assert.Equal(t, coretools.LightState{On: true}, change.State)

		resp, err = h.agent.CallTool(context.Background(), "light", map[string]interface{}{"action": "sideways"})
		require.NoError(t, err)
		assert.Equal(t, jsonrpc.KindErrorResponse, resp.Kind)
		h.quiet(t)
	})

	t.Run("should stream the text reply", func(t *testing.T) {
		_, err := h.engine.SendTextTalk(context.Background(), "hello there")
		require.NoError(t, err)

		var text string
		first := true
		for {
			select {
			case evt := <-h.events.C:
				switch data := evt.Data.(type) {
				case events.TextDelta:
					assert.Equal(t, first, data.Started)
					first = false
					text += data.Delta
					continue
				case events.TextFinished:
					assert.Equal(t, "You said: hello there", data.Text)
					assert.Equal(t, data.Text, text)
					return
				}
				t.Fatalf("unexpected event %s", evt.Type)
			case <-time.After(2 * time.Second):
				t.Fatal("no text.finished")
			}
		}
	})

	t.Run("should stop and start again", func(t *testing.T) {
		require.NoError(t, h.engine.Stop(context.Background()))
		stopped := h.next(t, events.TypeVoiceChatStopped).Data.(events.VoiceChatStopped)
		assert.Equal(t, events.InitiatorLocal, stopped.Initiator)
		waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, h.agent.WaitFor(waitCtx, "destroySession", 1))
		assert.Equal(t, agentclient.PhaseIdle, h.engine.Phase())
		assert.False(t, h.engine.Connected())
		assert.Contains(t, h.agent.Methods(), "stopVoiceChat")

		h.startAt(t, srv.URL)
	})
}

func TestEngine_MQTTBrokerShutdown(t *testing.T) {
	h, srv := newMQTTHarness(t)
	h.startAt(t, srv.URL)

	srv.Close()

	evt := h.next(t, events.TypeError).Data.(events.ErrorData)
	assert.True(t, strings.HasPrefix(evt.Message, "connection lost: "), evt.Message)
	assert.Equal(t, events.SourceTransport, evt.Source)
	h.waitPhase(t, agentclient.PhaseIdle)

	_, err := h.engine.SendTextTalk(context.Background(), "anyone?")
	assert.ErrorIs(t, err, agentclient.ErrNotActive)
}
