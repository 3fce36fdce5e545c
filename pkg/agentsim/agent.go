package agentsim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/agentlink/pkg/commandqueue"
	"github.com/harun/agentlink/pkg/jsonrpc"
	"github.com/harun/agentlink/pkg/transport"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// ErrNoToolServer is returned by CallTool when no tool server has announced itself
var ErrNoToolServer = errors.New("no tool server online")

// Options configures a simulated agent
type Options struct {
	AgentID     string
	ReplyPrefix string
	AgentPrefix string

	// Voice is returned from startVoiceChat. Empty fields are filled with
	// generated values unless OmitVoiceFields is set.
	Voice           map[string]string
	OmitVoiceFields bool

	// Silent lists methods the agent never answers.
	Silent []string
	// Errors maps a method to the error message it is answered with.
	Errors map[string]string

	// Reply produces the answer streamed for a textTalk. Defaults to an echo.
	Reply func(text string) string
	// ToolIntents makes "light on", "light off" and "toggle the light" call the
	// client's light tool before replying.
	ToolIntents bool

	// CallTimeout bounds CallTool. Zero means 5s.
	CallTimeout time.Duration
	Logger      *zerolog.Logger
}

// Call records one message the agent received from a client
type Call struct {
	ClientID string
	Kind     jsonrpc.Kind
	ID       string
	Method   string
	Params   map[string]interface{}
}

// ToolServer describes a tool server seen through its presence topic
type ToolServer struct {
	ServerID   string
	ServerName string
	Tools      []string
}

// Agent answers the session protocol the way a remote voice agent does
type Agent struct {
	opts      Options
	transport transport.Transport
	logger    zerolog.Logger
	work      *commandqueue.Queue
	mcpID     string

	mu       sync.Mutex
	received []Call
	notify   chan struct{}
	servers  map[string]ToolServer
	calls    map[string]chan *jsonrpc.Message
	callIDs  *jsonrpc.IDGenerator
	silent   map[string]bool
	started  bool
}

// New creates an agent that talks over t
func New(t transport.Transport, opts Options) *Agent {
	if opts.AgentID == "" {
		opts.AgentID = "agent-" + gonanoid.Must(8)
	}
	if opts.ReplyPrefix == "" {
		opts.ReplyPrefix = "$agent-client"
	}
	if opts.AgentPrefix == "" {
		opts.AgentPrefix = "$agent"
	}
	if opts.Reply == nil {
		opts.Reply = func(text string) string { return "You said: " + text }
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 5 * time.Second
	}

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	silent := make(map[string]bool, len(opts.Silent))
	for _, m := range opts.Silent {
		silent[m] = true
	}

	return &Agent{
		opts:      opts,
		transport: t,
		logger:    logger.With().Str("component", "agentsim").Str("agentId", opts.AgentID).Logger(),
		work:      commandqueue.New(commandqueue.Options{Name: "agentsim:" + opts.AgentID, Logger: opts.Logger}),
		mcpID:     "mcp-" + gonanoid.Must(8),
		notify:    make(chan struct{}),
		servers:   make(map[string]ToolServer),
		calls:     make(map[string]chan *jsonrpc.Message),
		callIDs:   jsonrpc.NewIDGenerator(),
		silent:    silent,
	}
}

// AgentID returns the id clients address
func (a *Agent) AgentID() string {
	return a.opts.AgentID
}

// Start connects to endpoint and subscribes to requests and tool server presence
func (a *Agent) Start(ctx context.Context, endpoint string) error {
	if err := a.transport.Connect(ctx, endpoint, a.opts.AgentID); err != nil {
		return fmt.Errorf("agent connect: %w", err)
	}

	subs := []struct {
		pattern string
		handler transport.Handler
	}{
		{fmt.Sprintf("%s/%s/+", a.opts.AgentPrefix, a.opts.AgentID), a.onRequest},
		{"$mcp-server/presence/#", a.onPresence},
		{fmt.Sprintf("$mcp-rpc/%s/#", a.mcpID), a.onToolReply},
	}
	for _, s := range subs {
		if err := a.transport.Subscribe(ctx, s.pattern, 1, s.handler); err != nil {
			_ = a.transport.Disconnect(ctx)
			return fmt.Errorf("agent subscribe: %w", err)
		}
	}

	a.mu.Lock()
	a.started = true
	a.mu.Unlock()
	a.logger.Info().Str("endpoint", endpoint).Msg("Simulated agent online")
	return nil
}

// Stop disconnects and stops the agent's work queue
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	started := a.started
	a.started = false
	a.mu.Unlock()

	a.work.Close()
	if !started {
		return nil
	}
	return a.transport.Disconnect(ctx)
}

// Received returns every message received from clients, in order
func (a *Agent) Received() []Call {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Call(nil), a.received...)
}

// Methods returns the method names of Received
func (a *Agent) Methods() []string {
	calls := a.Received()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Method
	}
	return out
}

// WaitFor blocks until a message with method has been received count times
func (a *Agent) WaitFor(ctx context.Context, method string, count int) error {
	for {
		a.mu.Lock()
		n := 0
		for _, c := range a.received {
			if c.Method == method {
				n++
			}
		}
		wake := a.notify
		a.mu.Unlock()

		if n >= count {
			return nil
		}
		select {
		case <-wake:
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s x%d: %w", method, count, ctx.Err())
		}
	}
}

// Servers returns the tool servers currently announced as online
func (a *Agent) Servers() []ToolServer {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ToolServer, 0, len(a.servers))
	for _, s := range a.servers {
		out = append(out, s)
	}
	return out
}

// Notify sends a notification to clientID's reply topic
func (a *Agent) Notify(ctx context.Context, clientID, method string, params interface{}) error {
	payload, err := jsonrpc.EncodeNotification(method, params)
	if err != nil {
		return err
	}
	return a.transport.Publish(ctx, a.replyTopic(clientID), payload, 1, false)
}

// Respond sends a raw success response to clientID, e.g. to replay an old id
func (a *Agent) Respond(ctx context.Context, clientID, id string, result interface{}) error {
	payload, err := jsonrpc.EncodeResult(id, result)
	if err != nil {
		return err
	}
	return a.transport.Publish(ctx, a.replyTopic(clientID), payload, 1, false)
}

// CallTool invokes a tool on the first online tool server and waits for its reply.
// It must not be called from a transport handler.
func (a *Agent) CallTool(ctx context.Context, name string, args map[string]interface{}) (*jsonrpc.Message, error) {
	server, ok := a.firstServer()
	if !ok {
		return nil, ErrNoToolServer
	}

	a.mu.Lock()
	id := a.callIDs.Next()
	ch := make(chan *jsonrpc.Message, 1)
	a.calls[id] = ch
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.calls, id)
		a.mu.Unlock()
	}()

	payload, err := jsonrpc.EncodeRequest(id, "tools/call", map[string]interface{}{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}
	topic := fmt.Sprintf("$mcp-rpc/%s/%s/%s", a.mcpID, server.ServerID, server.ServerName)
	if err := a.transport.Publish(ctx, topic, payload, 1, false); err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}

	timer := time.NewTimer(a.opts.CallTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("tools/call %s: %w", name, transport.ErrTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Agent) replyTopic(clientID string) string {
	return fmt.Sprintf("%s/%s/%s", a.opts.ReplyPrefix, clientID, a.opts.AgentID)
}

func (a *Agent) firstServer() (ToolServer, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.servers {
		return s, true
	}
	return ToolServer{}, false
}

func (a *Agent) record(call Call) {
	a.mu.Lock()
	a.received = append(a.received, call)
	close(a.notify)
	a.notify = make(chan struct{})
	a.mu.Unlock()
}

func (a *Agent) onRequest(msg transport.Message) {
	parts := strings.Split(msg.Topic, "/")
	if len(parts) != 3 {
		return
	}
	clientID := parts[2]

	decoded, err := jsonrpc.Decode(msg.Payload)
	if err != nil {
		a.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("Dropping malformed message")
		return
	}

	a.record(Call{
		ClientID: clientID,
		Kind:     decoded.Kind,
		ID:       decoded.ID,
		Method:   decoded.Method,
		Params:   decoded.ParamsMap(),
	})

	a.work.Post(func(ctx context.Context) (interface{}, error) {
		return nil, a.answer(ctx, clientID, decoded)
	})
}

func (a *Agent) answer(ctx context.Context, clientID string, msg *jsonrpc.Message) error {
	if a.silent[msg.Method] {
		return nil
	}

	if msg.Kind == jsonrpc.KindRequest {
		if text, ok := a.opts.Errors[msg.Method]; ok {
			payload, err := jsonrpc.EncodeError(msg.ID, jsonrpc.InternalError, text, nil)
			if err != nil {
				return err
			}
			return a.transport.Publish(ctx, a.replyTopic(clientID), payload, 1, false)
		}
	}

	switch msg.Method {
	case "initializeSession", "stopVoiceChat":
		return a.Respond(ctx, clientID, msg.ID, map[string]interface{}{})
	case "startVoiceChat":
		return a.Respond(ctx, clientID, msg.ID, a.voiceResult(clientID))
	case "textTalk":
		text, _ := msg.ParamsMap()["text"].(string)
		taskID, _ := msg.ParamsMap()["taskId"].(string)
		go a.talk(clientID, taskID, text)
	}
	return nil
}

func (a *Agent) voiceResult(clientID string) map[string]interface{} {
	fields := map[string]string{
		"appId":        "sim-app",
		"roomId":       "room-" + clientID,
		"token":        gonanoid.Must(24),
		"userId":       clientID,
		"targetUserId": a.opts.AgentID,
	}
	if a.opts.OmitVoiceFields {
		fields = map[string]string{}
	}
	for k, v := range a.opts.Voice {
		fields[k] = v
	}

	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// talk streams the reply word by word. It runs off the work queue so tool calls
// can wait for their replies.
func (a *Agent) talk(clientID, taskID, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), a.opts.CallTimeout)
	defer cancel()

	reply := a.opts.Reply(text)
	if a.opts.ToolIntents {
		if action := lightIntent(text); action != "" {
			reply = a.useLight(ctx, action)
		}
	}

	words := strings.SplitAfter(reply, " ")
	for _, w := range words {
		if w == "" {
			continue
		}
		if err := a.Notify(ctx, clientID, "textTalkDelta", map[string]string{"taskId": taskID, "textDelta": w}); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to stream reply")
			return
		}
	}
	if err := a.Notify(ctx, clientID, "textTalkFinished", map[string]string{"taskId": taskID}); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to finish reply")
	}
}

func (a *Agent) useLight(ctx context.Context, action string) string {
	resp, err := a.CallTool(ctx, "light", map[string]interface{}{"action": action})
	if err != nil {
		return "I could not reach the light: " + err.Error()
	}
	if resp.Kind == jsonrpc.KindErrorResponse {
		return "The light refused: " + resp.Error.Message
	}
	content, _ := resp.ResultMap()["content"].(string)
	return "Done, " + content
}

func lightIntent(text string) string {
	t := strings.ToLower(text)
	if !strings.Contains(t, "light") {
		return ""
	}
	switch {
	case strings.Contains(t, "toggle"):
		return "toggle"
	case strings.Contains(t, " off"):
		return "off"
	case strings.Contains(t, " on"):
		return "on"
	}
	return ""
}

func (a *Agent) onPresence(msg transport.Message) {
	parts := strings.SplitN(msg.Topic, "/", 4)
	if len(parts) != 4 {
		return
	}
	serverID, serverName := parts[2], parts[3]

	a.mu.Lock()
	defer a.mu.Unlock()

	if len(msg.Payload) == 0 {
		delete(a.servers, serverID)
		return
	}

	var note struct {
		Params struct {
			Meta struct {
				Tools []struct {
					Name string `json:"name"`
				} `json:"tools"`
			} `json:"meta"`
		} `json:"params"`
	}
	if err := json.Unmarshal(msg.Payload, &note); err != nil {
		a.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("Bad presence payload")
		return
	}
	server := ToolServer{ServerID: serverID, ServerName: serverName}
	for _, t := range note.Params.Meta.Tools {
		server.Tools = append(server.Tools, t.Name)
	}
	a.servers[serverID] = server
}

func (a *Agent) onToolReply(msg transport.Message) {
	decoded, err := jsonrpc.Decode(msg.Payload)
	if err != nil || !decoded.IsResponse() {
		return
	}

	a.mu.Lock()
	ch, ok := a.calls[decoded.ID]
	a.mu.Unlock()
	if ok {
		select {
		case ch <- decoded:
		default:
		}
	}
}
