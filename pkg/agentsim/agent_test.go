package agentsim

import (
	"context"
	"testing"
	"time"

	"github.com/harun/agentlink/pkg/jsonrpc"
	"github.com/harun/agentlink/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startAgent(t *testing.T, opts Options) (*transport.Broker, *Agent) {
	t.Helper()
	broker := transport.NewBroker(nil)
	opts.AgentID = "bot"
	agent := New(broker.NewTransport(), opts)
	require.NoError(t, agent.Start(context.Background(), "mem://sim"))
	t.Cleanup(func() { _ = agent.Stop(context.Background()) })
	return broker, agent
}

func listen(t *testing.T, broker *transport.Broker, clientID string) (*transport.MemoryTransport, chan *jsonrpc.Message) {
	t.Helper()
	conn := broker.NewTransport()
	require.NoError(t, conn.Connect(context.Background(), "mem://sim", clientID))
	t.Cleanup(func() { _ = conn.Disconnect(context.Background()) })

	ch := make(chan *jsonrpc.Message, 32)
	require.NoError(t, conn.Subscribe(context.Background(), "$agent-client/"+clientID+"/#", 1, func(msg transport.Message) {
		if decoded, err := jsonrpc.Decode(msg.Payload); err == nil {
			ch <- decoded
		}
	}))
	return conn, ch
}

func next(t *testing.T, ch chan *jsonrpc.Message) *jsonrpc.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for agent message")
		return nil
	}
}

func send(t *testing.T, conn *transport.MemoryTransport, clientID string, payload []byte) {
	t.Helper()
	require.NoError(t, conn.Publish(context.Background(), "$agent/bot/"+clientID, payload, 1, false))
}

func TestAgent_Handshake(t *testing.T) {
	broker, agent := startAgent(t, Options{Voice: map[string]string{"appId": "app-1"}})
	conn, replies := listen(t, broker, "c1")

	req, _ := jsonrpc.EncodeRequest("1", "initializeSession", nil)
	send(t, conn, "c1", req)
	resp := next(t, replies)
	assert.Equal(t, jsonrpc.KindResponse, resp.Kind)
	assert.Equal(t, "1", resp.ID)

	req, _ = jsonrpc.EncodeRequest("2", "startVoiceChat", nil)
	send(t, conn, "c1", req)
	resp = next(t, replies)
	result := resp.ResultMap()
	assert.Equal(t, "app-1", result["appId"])
	assert.Equal(t, "room-c1", result["roomId"])
	assert.Equal(t, "c1", result["userId"])
	assert.Equal(t, "bot", result["targetUserId"])
	assert.NotEmpty(t, result["token"])

	assert.Equal(t, []string{"initializeSession", "startVoiceChat"}, agent.Methods())
	assert.Equal(t, "c1", agent.Received()[0].ClientID)
}

func TestAgent_SilentAndErrors(t *testing.T) {
	broker, agent := startAgent(t, Options{
		Silent: []string{"initializeSession"},
		Errors: map[string]string{"startVoiceChat": "no room available"},
	})
	conn, replies := listen(t, broker, "c1")

	req, _ := jsonrpc.EncodeRequest("1", "initializeSession", nil)
	send(t, conn, "c1", req)
	require.NoError(t, agent.WaitFor(context.Background(), "initializeSession", 1))

	req, _ = jsonrpc.EncodeRequest("2", "startVoiceChat", nil)
	send(t, conn, "c1", req)
	resp := next(t, replies)
	require.Equal(t, jsonrpc.KindErrorResponse, resp.Kind)
	assert.Equal(t, "2", resp.ID)
	assert.Equal(t, "no room available", resp.Error.Message)
}

func TestAgent_TextTalkEcho(t *testing.T) {
	broker, _ := startAgent(t, Options{})
	conn, replies := listen(t, broker, "c1")

	note, _ := jsonrpc.EncodeNotification("textTalk", map[string]string{"taskId": "1", "text": "hello"})
	send(t, conn, "c1", note)

	var text string
	for {
		msg := next(t, replies)
		if msg.Method == "textTalkFinished" {
			break
		}
		require.Equal(t, "textTalkDelta", msg.Method)
		text += msg.ParamsMap()["textDelta"].(string)
	}
	assert.Equal(t, "You said: hello", text)
}

func TestAgent_WaitForTimeout(t *testing.T) {
	_, agent := startAgent(t, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, agent.WaitFor(ctx, "stopVoiceChat", 1))
}

func TestAgent_CallToolWithoutServer(t *testing.T) {
	_, agent := startAgent(t, Options{})

	_, err := agent.CallTool(context.Background(), "light", map[string]interface{}{"action": "on"})
	assert.ErrorIs(t, err, ErrNoToolServer)
}

func TestLightIntent(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"turn the light on", "on"},
		{"Light off please", "off"},
		{"toggle the light", "toggle"},
		{"what time is it", ""},
		{"light", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, lightIntent(tt.text), tt.text)
	}
}
