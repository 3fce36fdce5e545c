package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/agentlink/internal/metrics"
	"github.com/harun/agentlink/pkg/jsonrpc"
	"github.com/harun/agentlink/pkg/toolexecutor"
	"github.com/harun/agentlink/pkg/transport"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// ProtocolVersion is reported in the initialize result
const ProtocolVersion = "2024-11-05"

// Defaults
const (
	DefaultServerName = "agentlink/devices"
	DefaultVersion    = "1.0.0"
)

// Methods
const (
	MethodInitialize    = "initialize"
	MethodPing          = "ping"
	MethodToolsList     = "tools/list"
	MethodToolsCall     = "tools/call"
	MethodServerOnline  = "notifications/server/online"
	PropertyMCPClientID = "mcp-client-id"
)

// ErrNotStarted is returned by Stop when the server was never started
var ErrNotStarted = errors.New("tool server not started")

// Options configures a Server
type Options struct {
	ServerID    string
	ServerName  string
	Description string
	Version     string
	QoS         byte
	// PublishTimeout bounds each reply and presence publish.
	PublishTimeout time.Duration
	// CallTimeout bounds a single tool handler.
	CallTimeout time.Duration
	Logger      *zerolog.Logger
	Metrics     *metrics.Metrics
}

// Server exposes a tool registry to remote callers over MQTT
type Server struct {
	transport transport.Transport
	tools     *toolexecutor.ToolExecutor
	opts      Options
	logger    zerolog.Logger

	mu       sync.Mutex
	started  bool
	inflight int
	drained  chan struct{}
}

// New creates a server for tools on t. The server shares t with other users.
func New(t transport.Transport, tools *toolexecutor.ToolExecutor, opts Options) *Server {
	if opts.ServerID == "" {
		opts.ServerID = gonanoid.Must(12)
	}
	if opts.ServerName == "" {
		opts.ServerName = DefaultServerName
	}
	if opts.Version == "" {
		opts.Version = DefaultVersion
	}
	if opts.QoS == 0 {
		opts.QoS = 1
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	return &Server{
		transport: t,
		tools:     tools,
		opts:      opts,
		logger: logger.With().
			Str("component", "toolserver").
			Str("serverId", opts.ServerID).
			Logger(),
	}
}

// ServerID returns the server id
func (s *Server) ServerID() string { return s.opts.ServerID }

// ServerName returns the server name
func (s *Server) ServerName() string { return s.opts.ServerName }

// ControlTopic is where callers send initialize requests
func (s *Server) ControlTopic() string {
	return fmt.Sprintf("$mcp-server/%s/%s", s.opts.ServerID, s.opts.ServerName)
}

// PresenceTopic carries the retained online notification
func (s *Server) PresenceTopic() string {
	return fmt.Sprintf("$mcp-server/presence/%s/%s", s.opts.ServerID, s.opts.ServerName)
}

// RPCPattern matches requests from every caller
func (s *Server) RPCPattern() string {
	return fmt.Sprintf("$mcp-rpc/+/%s/%s", s.opts.ServerID, s.opts.ServerName)
}

// ReplyTopic is where replies for mcpClientID are published
func (s *Server) ReplyTopic(mcpClientID string) string {
	return fmt.Sprintf("$mcp-rpc/%s/%s/%s", mcpClientID, s.opts.ServerID, s.opts.ServerName)
}

// Started reports whether Start succeeded and Stop has not run
func (s *Server) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Start subscribes the control and RPC topics and announces presence
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.transport.Subscribe(ctx, s.ControlTopic(), s.opts.QoS, s.handleControl); err != nil {
		return fmt.Errorf("tool server subscribe control: %w", err)
	}
	if err := s.transport.Subscribe(ctx, s.RPCPattern(), s.opts.QoS, s.handleRPC); err != nil {
		_ = s.transport.Unsubscribe(ctx, s.ControlTopic())
		return fmt.Errorf("tool server subscribe rpc: %w", err)
	}

	payload, err := jsonrpc.EncodeNotification(MethodServerOnline, map[string]interface{}{
		"server_name": s.opts.ServerName,
		"description": s.opts.Description,
		"meta": map[string]interface{}{
			"tools": s.tools.Descriptors(),
		},
	})
	if err != nil {
		return fmt.Errorf("encode presence: %w", err)
	}
	if err := s.transport.Publish(ctx, s.PresenceTopic(), payload, s.opts.QoS, true); err != nil {
		_ = s.transport.Unsubscribe(ctx, s.ControlTopic(), s.RPCPattern())
		return fmt.Errorf("tool server presence: %w", err)
	}

	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	s.logger.Info().
		Str("serverName", s.opts.ServerName).
		Int("tools", s.tools.GetToolCount()).
		Msg("Tool server online")
	return nil
}

// Stop clears the retained presence and unsubscribes. Both steps are attempted;
// the first error is returned.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.started = false
	s.mu.Unlock()

	var firstErr error
	if err := s.transport.Publish(ctx, s.PresenceTopic(), nil, s.opts.QoS, true); err != nil {
		firstErr = fmt.Errorf("clear presence: %w", err)
	}
	if err := s.transport.Unsubscribe(ctx, s.ControlTopic(), s.RPCPattern()); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("tool server unsubscribe: %w", err)
	}

	s.logger.Info().Msg("Tool server offline")
	return firstErr
}

// Wait blocks until every reply handed to the transport has been published or
// has failed, or until ctx ends.
func (s *Server) Wait(ctx context.Context) error {
	s.mu.Lock()
	if s.inflight == 0 {
		s.mu.Unlock()
		return nil
	}
	if s.drained == nil {
		s.drained = make(chan struct{})
	}
	drained := s.drained
	s.mu.Unlock()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("tool server replies: %w", ctx.Err())
	}
}

func (s *Server) replyStarted() {
	s.mu.Lock()
	s.inflight++
	s.mu.Unlock()
}

func (s *Server) replyDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight--
	if s.inflight == 0 && s.drained != nil {
		close(s.drained)
		s.drained = nil
	}
}

func (s *Server) handleControl(msg transport.Message) {
	decoded, err := jsonrpc.Decode(msg.Payload)
	if err != nil {
		s.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("Dropping malformed control message")
		return
	}

	clientID := msg.Property(PropertyMCPClientID)
	if clientID == "" {
		if id, ok := decoded.ParamsMap()["clientId"].(string); ok {
			clientID = id
		}
	}
	if clientID == "" {
		s.logger.Warn().Str("method", decoded.Method).Msg("Control message without caller id")
		return
	}
	s.handle(clientID, decoded)
}

func (s *Server) handleRPC(msg transport.Message) {
	parts := strings.Split(msg.Topic, "/")
	if len(parts) < 2 || parts[1] == "" {
		s.logger.Warn().Str("topic", msg.Topic).Msg("RPC topic without caller id")
		return
	}

	decoded, err := jsonrpc.Decode(msg.Payload)
	if err != nil {
		s.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("Dropping malformed rpc message")
		return
	}
	s.handle(parts[1], decoded)
}

func (s *Server) handle(clientID string, msg *jsonrpc.Message) {
	s.opts.Metrics.RecordReceived(msg.Kind.String())

	switch msg.Kind {
	case jsonrpc.KindRequest:
	case jsonrpc.KindNotification:
		s.logger.Debug().Str("method", msg.Method).Str("client", clientID).Msg("Notification ignored")
		return
	default:
		s.logger.Debug().Str("kind", msg.Kind.String()).Str("client", clientID).Msg("Unexpected message ignored")
		return
	}

	resp := s.dispatch(clientID, msg)
	s.reply(clientID, msg.Method, resp)
}

func (s *Server) dispatch(clientID string, msg *jsonrpc.Message) *jsonrpc.Response {
	switch msg.Method {
	case MethodInitialize:
		return jsonrpc.NewResult(msg.ID, map[string]interface{}{
			"protocolVersion": ProtocolVersion,
			"capabilities": map[string]interface{}{
				"tools": map[string]interface{}{"listChanged": false},
			},
			"serverInfo": map[string]interface{}{
				"name":    s.opts.ServerName,
				"version": s.opts.Version,
			},
		})
	case MethodPing:
		return jsonrpc.NewResult(msg.ID, map[string]interface{}{})
	case MethodToolsList:
		return jsonrpc.NewResult(msg.ID, map[string]interface{}{"tools": s.tools.Descriptors()})
	case MethodToolsCall:
		return s.call(clientID, msg)
	default:
		return jsonrpc.NewError(msg.ID, jsonrpc.MethodNotFound, fmt.Sprintf("method not found: %s", msg.Method), nil)
	}
}

type callParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

func (s *Server) call(clientID string, msg *jsonrpc.Message) *jsonrpc.Response {
	var params callParams
	if err := msg.DecodeParams(&params); err != nil || params.Name == "" {
		errMsg := "tools/call requires a tool name"
		if err != nil {
			errMsg = fmt.Sprintf("invalid tools/call params: %v", err)
		}
		return failure(msg.ID, jsonrpc.InvalidParams, errMsg)
	}

	s.logger.Debug().Str("tool", params.Name).Str("client", clientID).Msg("Tool call")

	res := s.tools.Execute(context.Background(), params.Name, params.Arguments, &toolexecutor.ExecutionContext{
		Caller:  clientID,
		Timeout: s.opts.CallTimeout,
	})
	s.opts.Metrics.RecordTool(params.Name, res.Success, res.Duration)

	if !res.Success {
		code := jsonrpc.InternalError
		if res.Failure == toolexecutor.FailureNotFound || res.Failure == toolexecutor.FailureInvalidParams {
			code = jsonrpc.InvalidParams
		}
		return failure(msg.ID, code, res.Error)
	}

	return jsonrpc.NewResult(msg.ID, map[string]interface{}{
		"success": true,
		"content": res.Content,
	})
}

func failure(id string, code int, message string) *jsonrpc.Response {
	return jsonrpc.NewError(id, code, message, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}

// reply publishes resp without waiting for the broker ack on the transport goroutine.
func (s *Server) reply(clientID, method string, resp *jsonrpc.Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error().Err(err).Str("method", method).Msg("Failed to encode reply")
		return
	}
	topic := s.ReplyTopic(clientID)

	s.replyStarted()
	go func() {
		defer s.replyDone()
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.PublishTimeout)
		defer cancel()

		err := s.transport.Publish(ctx, topic, payload, s.opts.QoS, false)
		s.opts.Metrics.RecordPublished(method, err)
		if err != nil {
			s.logger.Warn().Err(err).Str("topic", topic).Str("method", method).Msg("Failed to publish reply")
		}
	}()
}
