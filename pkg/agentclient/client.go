package agentclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/agentlink/internal/metrics"
	"github.com/harun/agentlink/pkg/events"
	"github.com/harun/agentlink/pkg/jsonrpc"
	"github.com/harun/agentlink/pkg/transport"
	"github.com/rs/zerolog"
)

// Methods sent to the agent
const (
	MethodInitializeSession = "initializeSession"
	MethodStartVoiceChat    = "startVoiceChat"
	MethodStopVoiceChat     = "stopVoiceChat"
	MethodDestroySession    = "destroySession"
	MethodTextTalk          = "textTalk"
)

// Notifications received from the agent
const (
	MethodVoiceChatStopped = "voiceChatStopped"
	MethodTextTalkDelta    = "textTalkDelta"
	MethodTextTalkFinished = "textTalkFinished"
)

// Default topic prefixes
const (
	DefaultReplyPrefix = "$agent-client"
	DefaultAgentPrefix = "$agent"
)

var (
	// ErrNotActive is returned by operations that need an active voice session.
	ErrNotActive = errors.New("voice session is not active")
	// ErrEmptyText is returned when a text message has no visible characters.
	ErrEmptyText = errors.New("text cannot be empty")
	// ErrBusy is returned by Begin when a session already exists.
	ErrBusy = errors.New("a session is already in progress")
)

// Outcome tells the owner what HandleMessage needs from it
type Outcome int

const (
	// OutcomeNone needs no action.
	OutcomeNone Outcome = iota
	// OutcomeStopAcknowledged means the agent answered stopVoiceChat during a local stop.
	OutcomeStopAcknowledged
	// OutcomeRemoteTeardown means the agent ended the session; the owner must tear down.
	OutcomeRemoteTeardown
)

// Config configures a Client
type Config struct {
	ReplyPrefix string
	AgentPrefix string
	QoS         byte
	// PublishTimeout bounds each publish acknowledgement. Zero means 5s.
	PublishTimeout time.Duration

	Publisher transport.Publisher
	Events    events.Emitter
	Logger    *zerolog.Logger
	Metrics   *metrics.Metrics

	// OnPhaseChange observes every transition. It runs on the dispatch loop.
	OnPhaseChange func(from, to Phase)
}

type streamState struct {
	inProgress bool
	text       strings.Builder
}

func (s *streamState) reset() {
	s.inProgress = false
	s.text.Reset()
}

// Client is the session protocol state machine for one agent conversation at a time.
type Client struct {
	cfg    Config
	logger zerolog.Logger

	agentID  string
	clientID string
	phase    Phase

	requestIDs *jsonrpc.IDGenerator
	taskIDs    *jsonrpc.IDGenerator
	pending    map[string]string // method -> request id
	stream     streamState
	announced  bool
}

// New creates an idle Client
func New(cfg Config) *Client {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	if cfg.ReplyPrefix == "" {
		cfg.ReplyPrefix = DefaultReplyPrefix
	}
	if cfg.AgentPrefix == "" {
		cfg.AgentPrefix = DefaultAgentPrefix
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard
	}

	return &Client{
		cfg:        cfg,
		logger:     logger.With().Str("component", "agentclient").Logger(),
		requestIDs: jsonrpc.NewIDGenerator(),
		taskIDs:    jsonrpc.NewIDGenerator(),
		pending:    make(map[string]string),
	}
}

// Phase returns the current phase
func (c *Client) Phase() Phase {
	return c.phase
}

// AgentID returns the agent of the current session
func (c *Client) AgentID() string {
	return c.agentID
}

// ClientID returns the local client id of the current session
func (c *Client) ClientID() string {
	return c.clientID
}

// ReplyTopic is the subscription pattern for everything the agent sends this client
func (c *Client) ReplyTopic() string {
	return fmt.Sprintf("%s/%s/#", c.cfg.ReplyPrefix, c.clientID)
}

// AgentTopic is where requests and notifications for the agent are published
func (c *Client) AgentTopic() string {
	return fmt.Sprintf("%s/%s/%s", c.cfg.AgentPrefix, c.agentID, c.clientID)
}

// Pending returns the tracked request id for method, if any
func (c *Client) Pending(method string) (string, bool) {
	id, ok := c.pending[method]
	return id, ok
}

// StreamText returns the text accumulated for the agent message in progress
func (c *Client) StreamText() (string, bool) {
	return c.stream.text.String(), c.stream.inProgress
}

// Begin starts a new session and moves to Connecting
func (c *Client) Begin(agentID, clientID string) error {
	if c.phase != PhaseIdle {
		return ErrBusy
	}

	c.agentID = agentID
	c.clientID = clientID
	c.requestIDs.Reset()
	c.taskIDs.Reset()
	c.pending = make(map[string]string)
	c.stream.reset()
	c.announced = false
	c.setPhase(PhaseConnecting)
	return nil
}

// Initialize sends initializeSession once the reply topic is subscribed
func (c *Client) Initialize(ctx context.Context) error {
	if c.phase != PhaseConnecting {
		return fmt.Errorf("initialize session: unexpected phase %s", c.phase)
	}
	if err := c.request(ctx, MethodInitializeSession); err != nil {
		return err
	}
	c.announced = true
	c.setPhase(PhaseSessionInitializing)
	return nil
}

// HandleMessage applies one inbound message from the reply topic
func (c *Client) HandleMessage(ctx context.Context, msg *jsonrpc.Message) Outcome {
	switch msg.Kind {
	case jsonrpc.KindResponse, jsonrpc.KindErrorResponse:
		return c.handleResponse(ctx, msg)
	case jsonrpc.KindNotification:
		return c.handleNotification(msg)
	default:
		c.logger.Debug().Str("method", msg.Method).Str("requestId", msg.ID).Msg("Ignoring request on reply topic")
		return OutcomeNone
	}
}

func (c *Client) handleResponse(ctx context.Context, msg *jsonrpc.Message) Outcome {
	method := c.match(msg.ID)
	if method == "" {
		c.logger.Debug().Str("requestId", msg.ID).Str("phase", c.phase.String()).Msg("Ignoring response with untracked id")
		return OutcomeNone
	}
	delete(c.pending, method)

	if msg.Kind == jsonrpc.KindErrorResponse {
		if method == MethodStopVoiceChat && c.phase == PhaseStopping {
			c.logger.Warn().Str("error", msg.Error.Message).Msg("Agent rejected stopVoiceChat")
			return OutcomeStopAcknowledged
		}
		c.logger.Warn().Str("method", method).Str("requestId", msg.ID).Str("error", msg.Error.Message).Msg("Agent returned an error")
		c.emitError(msg.Error.Message, events.SourceProtocol)
		return OutcomeNone
	}

	switch method {
	case MethodInitializeSession:
		if c.phase != PhaseSessionInitializing {
			return OutcomeNone
		}
		if err := c.request(ctx, MethodStartVoiceChat); err != nil {
			c.emitError(err.Error(), events.SourceTransport)
			return OutcomeNone
		}
		c.setPhase(PhaseVoiceChatStarting)

	case MethodStartVoiceChat:
		if c.phase != PhaseVoiceChatStarting {
			return OutcomeNone
		}
		params := voiceChatParameters(msg.ResultMap())
		c.setPhase(PhaseActive)
		c.logger.Info().Str("roomId", params.RoomID).Str("userId", params.UserID).Msg("Voice chat ready")
		c.cfg.Events.Emit(events.TypeVoiceChatReady, params)

	case MethodStopVoiceChat:
		if c.phase == PhaseStopping {
			return OutcomeStopAcknowledged
		}
	}
	return OutcomeNone
}

func (c *Client) handleNotification(msg *jsonrpc.Message) Outcome {
	switch msg.Method {
	case MethodVoiceChatStopped, MethodDestroySession:
		if !c.phase.Live() {
			return OutcomeNone
		}
		c.logger.Info().Str("method", msg.Method).Msg("Agent ended the session")
		return OutcomeRemoteTeardown

	case MethodTextTalkDelta:
		if c.phase != PhaseActive {
			return OutcomeNone
		}
		delta, _ := msg.ParamsMap()["textDelta"].(string)
		if delta == "" {
			return OutcomeNone
		}
		started := !c.stream.inProgress
		c.stream.inProgress = true
		c.stream.text.WriteString(delta)
		c.cfg.Events.Emit(events.TypeTextDelta, events.TextDelta{
			Delta:   delta,
			Text:    c.stream.text.String(),
			Started: started,
		})

	case MethodTextTalkFinished:
		if c.phase != PhaseActive {
			return OutcomeNone
		}
		text := c.stream.text.String()
		c.stream.reset()
		c.cfg.Events.Emit(events.TypeTextFinished, events.TextFinished{Text: text})

	default:
		c.logger.Debug().Str("method", msg.Method).Msg("Ignoring unknown notification")
	}
	return OutcomeNone
}

// BeginStop tells the agent the session is ending and moves to Stopping. It reports
// whether a stopVoiceChat answer is worth waiting for.
func (c *Client) BeginStop(ctx context.Context) bool {
	from := c.phase
	if !from.Live() {
		return false
	}

	awaitAck := false
	if from == PhaseVoiceChatStarting || from == PhaseActive {
		if err := c.request(ctx, MethodStopVoiceChat); err != nil {
			c.emitError(err.Error(), events.SourceTransport)
		} else {
			awaitAck = true
		}
	}
	if err := c.notify(ctx, MethodDestroySession, nil); err != nil {
		c.emitError(err.Error(), events.SourceTransport)
	}

	c.stream.reset()
	c.setPhase(PhaseStopping)
	return awaitAck
}

// BeginTeardown moves to Stopping without telling the agent, for agent-initiated
// teardown and aborted connects.
func (c *Client) BeginTeardown() {
	if c.phase == PhaseIdle || c.phase == PhaseStopping {
		return
	}
	c.stream.reset()
	c.setPhase(PhaseStopping)
}

// Finish ends the session. It reports whether the session had been announced to the
// agent, in which case a stopped event is due.
func (c *Client) Finish() bool {
	announced := c.announced
	c.clear()
	return announced
}

// Reset ends the session without a stopped event, e.g. after connection loss
func (c *Client) Reset() {
	c.clear()
}

func (c *Client) clear() {
	c.pending = make(map[string]string)
	c.stream.reset()
	c.announced = false
	if c.phase != PhaseIdle {
		c.setPhase(PhaseIdle)
	}
}

// SendTextTalk publishes a textTalk notification with a fresh task id
func (c *Client) SendTextTalk(ctx context.Context, text string) (string, error) {
	if c.phase != PhaseActive {
		return "", ErrNotActive
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyText
	}

	taskID := c.taskIDs.Next()
	err := c.notify(ctx, MethodTextTalk, map[string]string{
		"taskId": taskID,
		"text":   text,
	})
	if err != nil {
		c.emitError(err.Error(), events.SourceTransport)
		return "", err
	}
	return taskID, nil
}

// request sends a request and tracks it, replacing any earlier request of the same method
func (c *Client) request(ctx context.Context, method string) error {
	id := c.requestIDs.Next()
	payload, err := jsonrpc.EncodeRequest(id, method, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}

	c.pending[method] = id
	if err := c.publish(ctx, method, payload); err != nil {
		delete(c.pending, method)
		return err
	}

	c.logger.Debug().Str("method", method).Str("requestId", id).Msg("Request sent")
	return nil
}

func (c *Client) notify(ctx context.Context, method string, params interface{}) error {
	payload, err := jsonrpc.EncodeNotification(method, params)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if err := c.publish(ctx, method, payload); err != nil {
		return err
	}
	c.logger.Debug().Str("method", method).Msg("Notification sent")
	return nil
}

func (c *Client) publish(ctx context.Context, method string, payload []byte) error {
	if c.cfg.Publisher == nil {
		return fmt.Errorf("%s: %w", method, transport.ErrNotConnected)
	}

	pctx, cancel := context.WithTimeout(ctx, c.cfg.PublishTimeout)
	defer cancel()

	err := c.cfg.Publisher.Publish(pctx, c.AgentTopic(), payload, c.cfg.QoS, false)
	c.cfg.Metrics.RecordPublished(method, err)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

func (c *Client) match(id string) string {
	for method, pendingID := range c.pending {
		if pendingID == id {
			return method
		}
	}
	return ""
}

func (c *Client) setPhase(to Phase) {
	from := c.phase
	c.phase = to
	c.logger.Debug().Str("from", from.String()).Str("phase", to.String()).Msg("Phase changed")
	c.cfg.Metrics.RecordPhase(to.String(), to == PhaseActive)
	if c.cfg.OnPhaseChange != nil {
		c.cfg.OnPhaseChange(from, to)
	}
}

func (c *Client) emitError(message, source string) {
	c.cfg.Metrics.RecordError(source)
	c.cfg.Events.Emit(events.TypeError, events.ErrorData{Message: message, Source: source})
}

func voiceChatParameters(result map[string]interface{}) events.VoiceChatParameters {
	field := func(name string) string {
		s, _ := result[name].(string)
		return s
	}
	return events.VoiceChatParameters{
		AppID:        field("appId"),
		RoomID:       field("roomId"),
		Token:        field("token"),
		UserID:       field("userId"),
		TargetUserID: field("targetUserId"),
	}
}
