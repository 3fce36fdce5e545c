package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/harun/agentlink/internal/config"
	"github.com/harun/agentlink/internal/metrics"
	"github.com/harun/agentlink/pkg/agentsim"
	"github.com/harun/agentlink/pkg/engine"
	"github.com/harun/agentlink/pkg/events"
	"github.com/harun/agentlink/pkg/gateway"
	"github.com/harun/agentlink/pkg/transport"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	runBroker  string
	runAgent   string
	runClient  string
	runGateway string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Open a session with an agent",
	Long: `Open a voice-chat session with an agent and stay attached to it.
Every line read from stdin is sent to the agent as text; events are printed to
stdout as JSON lines. The session stops on EOF or interrupt.

A mem:// broker runs an in-process demo agent instead of connecting anywhere.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runBroker, "broker", "", "broker URL, e.g. tcp://localhost:1883 or mem://demo")
	runCmd.Flags().StringVar(&runAgent, "agent", "", "agent id")
	runCmd.Flags().StringVar(&runClient, "client", "", "client id (generated when empty)")
	runCmd.Flags().StringVar(&runGateway, "gateway", "", "serve the local gateway on host:port")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if runBroker != "" {
		cfg.Broker.URL = runBroker
	}
	if runAgent != "" {
		cfg.Session.AgentID = runAgent
	}
	if runClient != "" {
		cfg.Session.ClientID = runClient
	}
	if cfg.Session.ClientID == "" {
		cfg.Session.ClientID = "agentlink-" + gonanoid.Must(10)
	}
	gatewayAddr := runGateway
	if gatewayAddr == "" && cfg.Gateway.Enabled {
		gatewayAddr = cfg.Gateway.Address()
	}

	log, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return runSession(ctx, sessionOptions{
		Config:      cfg,
		GatewayAddr: gatewayAddr,
		Logger:      log.GetZerolog(),
		In:          cmd.InOrStdin(),
		Out:         cmd.OutOrStdout(),
	})
}

type sessionOptions struct {
	Config      *config.Config
	GatewayAddr string
	Logger      zerolog.Logger
	In          io.Reader
	Out         io.Writer
}

// runSession runs one session until ctx is done, input ends or the agent ends it
func runSession(ctx context.Context, opts sessionOptions) error {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if strings.TrimSpace(cfg.Session.AgentID) == "" {
		return fmt.Errorf("agent id is required (--agent or session.agent_id)")
	}
	logger := opts.Logger

	var conn transport.Transport
	if strings.HasPrefix(cfg.Broker.URL, "mem://") {
		broker := transport.NewBroker(&logger)
		demo := agentsim.New(broker.NewTransport(), agentsim.Options{
			AgentID:     cfg.Session.AgentID,
			ReplyPrefix: cfg.Topics.ReplyPrefix,
			AgentPrefix: cfg.Topics.AgentPrefix,
			ToolIntents: true,
			Logger:      &logger,
		})
		if err := demo.Start(ctx, cfg.Broker.URL); err != nil {
			return fmt.Errorf("start demo agent: %w", err)
		}
		defer demo.Stop(context.Background())
		conn = broker.NewTransport()
	} else {
		conn = transport.NewMQTT(transport.MQTTOptions{
			Username:  cfg.Broker.Username,
			Password:  cfg.Broker.Password,
			KeepAlive: cfg.Broker.KeepAlive(),
			Logger:    &logger,
		})
	}

	m := metrics.NewMetrics()
	engOpts := engine.FromConfig(cfg, conn)
	engOpts.Logger = &logger
	engOpts.Metrics = m
	eng, err := engine.New(engOpts)
	if err != nil {
		return err
	}
	defer eng.Close(context.Background())

	if opts.GatewayAddr != "" {
		gw, err := gateway.NewServer(gateway.Config{
			Addr:            opts.GatewayAddr,
			SharedSecret:    cfg.Gateway.SharedSecret,
			DefaultEndpoint: cfg.Broker.URL,
			Controller:      eng,
			Metrics:         m,
			Logger:          logger.With().Str("component", "gateway").Logger(),
		})
		if err != nil {
			return err
		}
		if err := gw.Start(); err != nil {
			return err
		}
		defer gw.Stop(context.Background())
	}

	printer := newEventPrinter(opts.Out)
	sub := eng.Subscribe(256)
	go printer.run(sub)

	if err := eng.Start(ctx, cfg.Broker.URL, cfg.Session.AgentID, cfg.Session.ClientID); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	inputDone := make(chan struct{})
	go func() {
		defer close(inputDone)
		select {
		case <-printer.ready:
		case <-printer.ended:
			return
		case <-ctx.Done():
			return
		}
		forwardInput(ctx, eng, opts.In, logger)
	}()

	select {
	case <-ctx.Done():
	case <-inputDone:
	case <-printer.ended:
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Session.StopGrace()+cfg.Session.DisconnectTimeout()+time.Second)
	defer cancel()
	if err := eng.Stop(stopCtx); err != nil {
		return fmt.Errorf("stop session: %w", err)
	}
	printer.drain()
	return nil
}

// forwardInput sends each non-empty line of in as a textTalk
func forwardInput(ctx context.Context, eng *engine.Engine, in io.Reader, logger zerolog.Logger) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if _, err := eng.SendTextTalk(ctx, line); err != nil {
			logger.Warn().Err(err).Msg("Failed to send text")
			if errors.Is(err, engine.ErrNotActive) {
				return
			}
		}
	}
}

// eventPrinter writes events as JSON lines and tracks session readiness
type eventPrinter struct {
	mu  sync.Mutex
	enc *json.Encoder

	ready     chan struct{}
	ended     chan struct{}
	done      chan struct{}
	readyOnce sync.Once
	endedOnce sync.Once
}

func newEventPrinter(out io.Writer) *eventPrinter {
	return &eventPrinter{
		enc:   json.NewEncoder(out),
		ready: make(chan struct{}),
		ended: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (p *eventPrinter) run(sub *events.Subscription) {
	defer close(p.done)
	for evt := range sub.C {
		p.mu.Lock()
		_ = p.enc.Encode(evt)
		p.mu.Unlock()

		switch evt.Type {
		case events.TypeVoiceChatReady:
			p.readyOnce.Do(func() { close(p.ready) })
		case events.TypeVoiceChatStopped:
			p.endedOnce.Do(func() { close(p.ended) })
		case events.TypeError:
			if data, ok := evt.Data.(events.ErrorData); ok && strings.HasPrefix(data.Message, "connection lost") {
				p.endedOnce.Do(func() { close(p.ended) })
			}
		}
	}
}

// drain waits briefly for the stop event to be printed
func (p *eventPrinter) drain() {
	select {
	case <-p.ended:
	case <-p.done:
	case <-time.After(500 * time.Millisecond):
	}
}
