package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/agentlink/internal/config"
	"github.com/harun/agentlink/internal/metrics"
	"github.com/harun/agentlink/pkg/agentclient"
	"github.com/harun/agentlink/pkg/commandqueue"
	"github.com/harun/agentlink/pkg/coretools"
	"github.com/harun/agentlink/pkg/events"
	"github.com/harun/agentlink/pkg/jsonrpc"
	"github.com/harun/agentlink/pkg/toolexecutor"
	"github.com/harun/agentlink/pkg/toolserver"
	"github.com/harun/agentlink/pkg/transport"
	"github.com/rs/zerolog"
)

var (
	// ErrBusy is returned by Start while a session exists
	ErrBusy = agentclient.ErrBusy
	// ErrNotActive is returned by SendTextTalk outside an active voice session
	ErrNotActive = agentclient.ErrNotActive
	// ErrStartCancelled is returned by Start when Stop aborted the connect
	ErrStartCancelled = errors.New("session start cancelled")
	// ErrConnectionLost is returned by Start when the connection dropped mid-start
	ErrConnectionLost = errors.New("connection lost")
)

// Options configures an Engine
type Options struct {
	// Transport carries both the session client and the tool server. Required.
	Transport transport.Transport
	// Tools is the registry served to the agent. When nil the core tools are registered.
	Tools *toolexecutor.ToolExecutor
	// Light backs the default light tool. Ignored when Tools is set.
	Light *coretools.Light

	ReplyPrefix string
	AgentPrefix string
	QoS         byte

	ConnectTimeout    time.Duration
	SubscribeTimeout  time.Duration
	PublishTimeout    time.Duration
	StopGrace         time.Duration
	DisconnectTimeout time.Duration

	DisableToolServer bool
	ToolServer        toolserver.Options

	Logger  *zerolog.Logger
	Metrics *metrics.Metrics
}

// FromConfig maps the session sections of cfg onto Options
func FromConfig(cfg *config.Config, t transport.Transport) Options {
	return Options{
		Transport:         t,
		ReplyPrefix:       cfg.Topics.ReplyPrefix,
		AgentPrefix:       cfg.Topics.AgentPrefix,
		QoS:               byte(cfg.Broker.QoS),
		ConnectTimeout:    cfg.Session.ConnectTimeout(),
		SubscribeTimeout:  cfg.Session.SubscribeTimeout(),
		PublishTimeout:    cfg.Session.PublishTimeout(),
		StopGrace:         cfg.Session.StopGrace(),
		DisconnectTimeout: cfg.Session.DisconnectTimeout(),
		DisableToolServer: !cfg.ToolServer.Enabled,
		ToolServer: toolserver.Options{
			ServerID:    cfg.ToolServer.ServerID,
			ServerName:  cfg.ToolServer.ServerName,
			Description: cfg.ToolServer.Description,
		},
	}
}

// Status is a point-in-time view of the engine
type Status struct {
	Phase     string `json:"phase"`
	Connected bool   `json:"connected"`
	AgentID   string `json:"agentId,omitempty"`
	ClientID  string `json:"clientId,omitempty"`
}

// session is the per-Start bookkeeping. It is only touched on the dispatch loop.
type session struct {
	agentID  string
	clientID string
	cancel   context.CancelFunc
	done     chan struct{}
	stopAck  chan struct{}
	tearing  bool
	finished bool
}

// Engine runs one agent session at a time. All protocol state lives on a single
// dispatch loop; the exported methods are safe for concurrent use.
type Engine struct {
	opts      Options
	logger    zerolog.Logger
	transport transport.Transport
	tools     *toolexecutor.ToolExecutor
	server    *toolserver.Server
	bus       *events.Bus
	loop      *commandqueue.Queue

	// loop-only
	client *agentclient.Client
	sess   *session

	phase atomic.Int32

	idMu     sync.RWMutex
	agentID  string
	clientID string

	closeOnce sync.Once
}

// New creates an idle engine
func New(opts Options) (*Engine, error) {
	if opts.Transport == nil {
		return nil, errors.New("engine: transport is required")
	}
	if opts.QoS == 0 {
		opts.QoS = 1
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.SubscribeTimeout <= 0 {
		opts.SubscribeTimeout = 5 * time.Second
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 500 * time.Millisecond
	}
	if opts.DisconnectTimeout <= 0 {
		opts.DisconnectTimeout = 2 * time.Second
	}

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	e := &Engine{
		opts:      opts,
		logger:    logger.With().Str("component", "engine").Logger(),
		transport: opts.Transport,
		bus:       events.NewBus(opts.Logger),
	}

	e.loop = commandqueue.New(commandqueue.Options{
		Name:      "engine",
		Logger:    opts.Logger,
		OnDepth:   opts.Metrics.SetQueueDepth,
		WarnAfter: opts.PublishTimeout + time.Second,
	})

	e.tools = opts.Tools
	if e.tools == nil {
		e.tools = toolexecutor.New()
		if err := coretools.RegisterCoreTools(e.tools, coretools.Options{
			Emitter: e.DeferredEmitter(),
			Light:   opts.Light,
		}); err != nil {
			e.loop.Close()
			e.bus.Close()
			return nil, err
		}
	}

	if !opts.DisableToolServer {
		serverOpts := opts.ToolServer
		serverOpts.QoS = opts.QoS
		serverOpts.PublishTimeout = opts.PublishTimeout
		serverOpts.Logger = opts.Logger
		serverOpts.Metrics = opts.Metrics
		e.server = toolserver.New(opts.Transport, e.tools, serverOpts)
	}

	e.client = agentclient.New(agentclient.Config{
		ReplyPrefix:    opts.ReplyPrefix,
		AgentPrefix:    opts.AgentPrefix,
		QoS:            opts.QoS,
		PublishTimeout: opts.PublishTimeout,
		Publisher:      opts.Transport,
		Events:         e.bus,
		Logger:         opts.Logger,
		Metrics:        opts.Metrics,
		OnPhaseChange: func(from, to agentclient.Phase) {
			e.phase.Store(int32(to))
		},
	})

	return e, nil
}

// Phase returns the current lifecycle phase
func (e *Engine) Phase() agentclient.Phase {
	return agentclient.Phase(e.phase.Load())
}

// Connected reports whether the transport is connected
func (e *Engine) Connected() bool {
	return e.transport.IsConnected()
}

// Status returns phase, connectivity and the ids of the current session
func (e *Engine) Status() Status {
	e.idMu.RLock()
	defer e.idMu.RUnlock()
	return Status{
		Phase:     e.Phase().String(),
		Connected: e.Connected(),
		AgentID:   e.agentID,
		ClientID:  e.clientID,
	}
}

// Subscribe returns a new event subscription
func (e *Engine) Subscribe(buffer int) *events.Subscription {
	return e.bus.Subscribe(buffer)
}

// Tools returns the tool registry
func (e *Engine) Tools() *toolexecutor.ToolExecutor {
	return e.tools
}

// ToolServer returns the tool server, or nil when disabled
func (e *Engine) ToolServer() *toolserver.Server {
	return e.server
}

// DeferredEmitter returns an emitter that publishes from the dispatch loop. Tool
// handlers use it so events never fire on the transport goroutine.
func (e *Engine) DeferredEmitter() events.Emitter {
	return events.EmitterFunc(func(eventType events.Type, data interface{}) {
		e.loop.Post(func(ctx context.Context) (interface{}, error) {
			e.bus.Emit(eventType, data)
			return nil, nil
		})
	})
}

// Start connects to endpoint and opens a session with agentID as clientID. It
// returns once initializeSession has been sent; readiness is reported by the
// voice_chat.ready event.
func (e *Engine) Start(ctx context.Context, endpoint, agentID, clientID string) error {
	agentID = strings.TrimSpace(agentID)
	clientID = strings.TrimSpace(clientID)

	validator := config.NewValidator()
	if err := validator.ValidateBrokerURL(endpoint); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	if err := validator.ValidateIdentifier("agent id", agentID); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	if err := validator.ValidateIdentifier("client id", clientID); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	startCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	v, err := e.loop.Enqueue(context.Background(), func(context.Context) (interface{}, error) {
		return e.begin(agentID, clientID, cancel)
	})
	if err != nil {
		return err
	}
	sess := v.(*session)

	e.logger.Info().
		Str("endpoint", endpoint).
		Str("agentId", agentID).
		Str("clientId", clientID).
		Msg("Starting session")

	estErr := e.establish(startCtx, sess, endpoint)

	v, err = e.loop.Enqueue(context.Background(), func(ctx context.Context) (interface{}, error) {
		return e.afterEstablish(ctx, sess, estErr)
	})
	if release, _ := v.(bool); release {
		e.release(sess)
		e.finish(sess, events.InitiatorLocal)
	}
	return err
}

// begin runs on the loop
func (e *Engine) begin(agentID, clientID string, cancel context.CancelFunc) (*session, error) {
	if e.sess != nil {
		return nil, ErrBusy
	}
	if err := e.client.Begin(agentID, clientID); err != nil {
		return nil, err
	}
	e.tools.Seal()

	sess := &session{
		agentID:  agentID,
		clientID: clientID,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	e.sess = sess

	e.idMu.Lock()
	e.agentID, e.clientID = agentID, clientID
	e.idMu.Unlock()

	return sess, nil
}

// establish runs on the caller's goroutine: connect, tool server, reply subscription
func (e *Engine) establish(ctx context.Context, sess *session, endpoint string) error {
	e.transport.OnConnectionLost(func(err error) {
		e.loop.Post(func(ctx context.Context) (interface{}, error) {
			e.connectionLost(sess, err)
			return nil, nil
		})
	})

	connectCtx, cancel := context.WithTimeout(ctx, e.opts.ConnectTimeout)
	err := e.transport.Connect(connectCtx, endpoint, sess.clientID)
	cancel()
	if err != nil {
		return err
	}

	if e.server != nil {
		subCtx, cancel := context.WithTimeout(ctx, e.opts.SubscribeTimeout)
		err := e.server.Start(subCtx)
		cancel()
		if err != nil {
			return err
		}
	}

	subCtx, cancel := context.WithTimeout(ctx, e.opts.SubscribeTimeout)
	defer cancel()
	return e.transport.Subscribe(subCtx, e.client.ReplyTopic(), e.opts.QoS, func(msg transport.Message) {
		e.loop.Post(func(ctx context.Context) (interface{}, error) {
			e.handleInbound(ctx, sess, msg)
			return nil, nil
		})
	})
}

// afterEstablish runs on the loop. It reports whether the caller must release the
// connection and finish the session.
func (e *Engine) afterEstablish(ctx context.Context, sess *session, estErr error) (bool, error) {
	if sess.finished {
		// connection loss already reset the session
		if estErr != nil {
			return false, estErr
		}
		return false, ErrConnectionLost
	}

	if sess.tearing {
		e.logger.Info().Msg("Session start cancelled")
		return true, ErrStartCancelled
	}

	if estErr != nil {
		e.logger.Error().Err(estErr).Msg("Session start failed")
		e.emitError(estErr.Error(), events.SourceTransport)
		sess.tearing = true
		e.client.BeginTeardown()
		return true, estErr
	}

	if err := e.client.Initialize(ctx); err != nil {
		e.logger.Error().Err(err).Msg("initializeSession failed")
		e.emitError(err.Error(), events.SourceTransport)
		sess.tearing = true
		e.client.BeginTeardown()
		return true, err
	}
	return false, nil
}

// Stop ends the session. It is a no-op when idle.
func (e *Engine) Stop(ctx context.Context) error {
	v, err := e.loop.Enqueue(ctx, func(ctx context.Context) (interface{}, error) {
		return e.beginStop(ctx), nil
	})
	if err != nil {
		if errors.Is(err, commandqueue.ErrClosed) {
			return nil
		}
		return err
	}

	plan, _ := v.(*stopPlan)
	if plan == nil {
		return nil
	}

	if plan.owner {
		e.awaitAck(ctx, plan)
		e.release(plan.sess)
		e.finish(plan.sess, events.InitiatorLocal)
	}

	select {
	case <-plan.sess.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type stopPlan struct {
	sess  *session
	owner bool
	ack   chan struct{}
}

// beginStop runs on the loop
func (e *Engine) beginStop(ctx context.Context) *stopPlan {
	sess := e.sess
	if sess == nil || sess.finished {
		return nil
	}
	if sess.tearing {
		return &stopPlan{sess: sess}
	}

	sess.tearing = true
	if e.client.Phase() == agentclient.PhaseConnecting {
		e.logger.Info().Msg("Stop requested while connecting")
		e.client.BeginTeardown()
		sess.cancel()
		return &stopPlan{sess: sess}
	}

	e.logger.Info().Str("phase", e.client.Phase().String()).Msg("Stopping session")
	ack := make(chan struct{})
	if e.client.BeginStop(ctx) {
		sess.stopAck = ack
	} else {
		close(ack)
	}
	return &stopPlan{sess: sess, owner: true, ack: ack}
}

func (e *Engine) awaitAck(ctx context.Context, plan *stopPlan) {
	timer := time.NewTimer(e.opts.StopGrace)
	defer timer.Stop()

	select {
	case <-plan.ack:
	case <-timer.C:
		e.logger.Debug().Dur("grace", e.opts.StopGrace).Msg("No stopVoiceChat answer, continuing teardown")
	case <-plan.sess.done:
	case <-ctx.Done():
	}
}

// release stops the tool server, lets its pending replies go out and disconnects.
// It runs off the loop.
func (e *Engine) release(sess *session) {
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.DisconnectTimeout)
	defer cancel()

	if e.server != nil {
		if err := e.server.Stop(ctx); err != nil && !errors.Is(err, toolserver.ErrNotStarted) {
			e.logger.Warn().Err(err).Msg("Tool server stop failed")
		}
		if err := e.server.Wait(ctx); err != nil {
			e.logger.Warn().Err(err).Msg("Tool replies still pending at disconnect")
		}
	}
	if err := e.transport.Disconnect(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("Disconnect failed")
	}
}

// finish hands the session end to the loop and waits for it
func (e *Engine) finish(sess *session, initiator string) {
	_, err := e.loop.Enqueue(context.Background(), func(ctx context.Context) (interface{}, error) {
		e.complete(sess, initiator, true)
		return nil, nil
	})
	if err != nil {
		e.logger.Warn().Err(err).Msg("Could not finish session")
	}
}

// complete runs on the loop
func (e *Engine) complete(sess *session, initiator string, announce bool) {
	if sess.finished || e.sess != sess {
		return
	}
	sess.finished = true
	e.sess = nil

	var announced bool
	if announce {
		announced = e.client.Finish()
	} else {
		e.client.Reset()
	}
	if announced {
		e.bus.Emit(events.TypeVoiceChatStopped, events.VoiceChatStopped{Initiator: initiator})
	}
	close(sess.done)

	e.logger.Info().Str("initiator", initiator).Bool("announced", announced).Msg("Session ended")
}

// handleInbound runs on the loop
func (e *Engine) handleInbound(ctx context.Context, sess *session, msg transport.Message) {
	if e.sess != sess || sess.finished {
		return
	}

	decoded, err := jsonrpc.Decode(msg.Payload)
	if err != nil {
		e.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("Dropping malformed message")
		e.opts.Metrics.RecordError(events.SourceProtocol)
		return
	}
	e.opts.Metrics.RecordReceived(decoded.Kind.String())

	switch e.client.HandleMessage(ctx, decoded) {
	case agentclient.OutcomeStopAcknowledged:
		if sess.stopAck != nil {
			close(sess.stopAck)
			sess.stopAck = nil
		}
	case agentclient.OutcomeRemoteTeardown:
		if sess.tearing {
			return
		}
		sess.tearing = true
		e.client.BeginTeardown()
		go func() {
			e.release(sess)
			e.finish(sess, events.InitiatorRemote)
		}()
	}
}

// connectionLost runs on the loop
func (e *Engine) connectionLost(sess *session, reason error) {
	if e.sess != sess || sess.finished {
		return
	}

	msg := "connection lost"
	if reason != nil {
		msg = "connection lost: " + reason.Error()
	}
	e.logger.Warn().Err(reason).Str("phase", e.client.Phase().String()).Msg("Connection lost")
	e.emitError(msg, events.SourceTransport)

	if e.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), e.opts.PublishTimeout)
		_ = e.server.Stop(ctx)
		cancel()
	}
	if sess.cancel != nil {
		sess.cancel()
	}
	e.complete(sess, events.InitiatorRemote, false)
}

// SendTextTalk sends text to the agent and returns its task id
func (e *Engine) SendTextTalk(ctx context.Context, text string) (string, error) {
	v, err := e.loop.Enqueue(ctx, func(ctx context.Context) (interface{}, error) {
		return e.client.SendTextTalk(ctx, text)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Close stops any session and releases the loop and event bus
func (e *Engine) Close(ctx context.Context) error {
	var err error
	e.closeOnce.Do(func() {
		err = e.Stop(ctx)
		e.loop.Close()
		e.bus.Close()
	})
	return err
}

func (e *Engine) emitError(message, source string) {
	e.opts.Metrics.RecordError(source)
	e.bus.Emit(events.TypeError, events.ErrorData{Message: message, Source: source})
}
